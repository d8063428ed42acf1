package ext4

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/diskfs/go-ext4/ext4/crc"
)

type gdtChecksumType uint8
type blockGroupFlag uint16

const (
	gdtChecksumNone     gdtChecksumType = 0
	gdtChecksumGdt      gdtChecksumType = 1
	gdtChecksumMetadata gdtChecksumType = 2

	blockGroupFlagInodesUninitialized      blockGroupFlag = 0x1
	blockGroupFlagBlockBitmapUninitialized blockGroupFlag = 0x2
	blockGroupFlagInodeTableZeroed         blockGroupFlag = 0x4
)

func (b blockGroupFlag) included(flags uint16) bool {
	return flags&uint16(b) == uint16(b)
}

type blockGroupFlags struct {
	inodesUninitialized      bool
	blockBitmapUninitialized bool
	inodeTableZeroed         bool
}

func parseBlockGroupFlags(flags uint16) blockGroupFlags {
	return blockGroupFlags{
		inodesUninitialized:      blockGroupFlagInodesUninitialized.included(flags),
		blockBitmapUninitialized: blockGroupFlagBlockBitmapUninitialized.included(flags),
		inodeTableZeroed:         blockGroupFlagInodeTableZeroed.included(flags),
	}
}

func (f *blockGroupFlags) toInt() uint16 {
	var flags uint16
	if f.inodesUninitialized {
		flags |= uint16(blockGroupFlagInodesUninitialized)
	}
	if f.blockBitmapUninitialized {
		flags |= uint16(blockGroupFlagBlockBitmapUninitialized)
	}
	if f.inodeTableZeroed {
		flags |= uint16(blockGroupFlagInodeTableZeroed)
	}
	return flags
}

// groupDescriptor holds the parsed data for a single block group
type groupDescriptor struct {
	blockBitmapLocation             uint64
	inodeBitmapLocation             uint64
	inodeTableLocation              uint64
	freeBlocks                      uint32
	freeInodes                      uint32
	usedDirectories                 uint32
	flags                           blockGroupFlags
	snapshotExclusionBitmapLocation uint64
	blockBitmapChecksum             uint32
	inodeBitmapChecksum             uint32
	unusedInodes                    uint32
	size                            uint16
	number                          uint16
}

// groupDescriptors is a collection of group descriptors, in group order
type groupDescriptors struct {
	descriptors []*groupDescriptor
}

func (gds *groupDescriptors) equal(a *groupDescriptors) bool {
	if (gds == nil && a != nil) || (gds != nil && a == nil) {
		return false
	}
	if gds == nil {
		return true
	}
	return reflect.DeepEqual(gds, a)
}

// byNumber returns the group descriptor for the given block group, or nil.
func (gds *groupDescriptors) byNumber(number uint16) *groupDescriptor {
	if int(number) >= len(gds.descriptors) {
		return nil
	}
	return gds.descriptors[number]
}

// groupDescriptorsFromBytes parses a whole group descriptor table.
func groupDescriptorsFromBytes(b []byte, gdSize uint16, seed uint32, checksumType gdtChecksumType) (*groupDescriptors, error) {
	gds := groupDescriptors{}
	count := len(b) / int(gdSize)
	gdSlice := make([]*groupDescriptor, 0, count)
	for i := 0; i < count; i++ {
		start := i * int(gdSize)
		gd, err := groupDescriptorFromBytes(b[start:start+int(gdSize)], gdSize, i, seed, checksumType)
		if err != nil {
			return nil, err
		}
		gdSlice = append(gdSlice, gd)
	}
	gds.descriptors = gdSlice
	return &gds, nil
}

// toBytes serializes all of the group descriptors to the on-disk table.
func (gds *groupDescriptors) toBytes(checksumType gdtChecksumType, seed uint32) []byte {
	b := make([]byte, 0, 10*groupDescriptorSize64Bit)
	for _, gd := range gds.descriptors {
		b = append(b, gd.toBytes(checksumType, seed)...)
	}
	return b
}

// groupDescriptorFromBytes parses a single group descriptor and verifies its
// checksum.
func groupDescriptorFromBytes(b []byte, gdSize uint16, number int, seed uint32, checksumType gdtChecksumType) (*groupDescriptor, error) {
	gd := groupDescriptor{
		size:   gdSize,
		number: uint16(number),
	}

	// the hi fields only exist in the 64 byte descriptor
	var (
		blockBitmapLocation, inodeBitmapLocation, inodeTableLocation, exclusionBitmapLocation [8]byte
		freeBlocks, freeInodes, usedDirectories, unusedInodes                                 [4]byte
		blockBitmapChecksum, inodeBitmapChecksum                                              [4]byte
	)
	copy(blockBitmapLocation[0:4], b[0x0:0x4])
	copy(inodeBitmapLocation[0:4], b[0x4:0x8])
	copy(inodeTableLocation[0:4], b[0x8:0xc])
	copy(freeBlocks[0:2], b[0xc:0xe])
	copy(freeInodes[0:2], b[0xe:0x10])
	copy(usedDirectories[0:2], b[0x10:0x12])
	copy(exclusionBitmapLocation[0:4], b[0x14:0x18])
	copy(blockBitmapChecksum[0:2], b[0x18:0x1a])
	copy(inodeBitmapChecksum[0:2], b[0x1a:0x1c])
	copy(unusedInodes[0:2], b[0x1c:0x1e])
	if gdSize == groupDescriptorSize64Bit {
		copy(blockBitmapLocation[4:8], b[0x20:0x24])
		copy(inodeBitmapLocation[4:8], b[0x24:0x28])
		copy(inodeTableLocation[4:8], b[0x28:0x2c])
		copy(freeBlocks[2:4], b[0x2c:0x2e])
		copy(freeInodes[2:4], b[0x2e:0x30])
		copy(usedDirectories[2:4], b[0x30:0x32])
		copy(unusedInodes[2:4], b[0x32:0x34])
		copy(exclusionBitmapLocation[4:8], b[0x34:0x38])
		copy(blockBitmapChecksum[2:4], b[0x38:0x3a])
		copy(inodeBitmapChecksum[2:4], b[0x3a:0x3c])
	}

	gd.blockBitmapLocation = binary.LittleEndian.Uint64(blockBitmapLocation[:])
	gd.inodeBitmapLocation = binary.LittleEndian.Uint64(inodeBitmapLocation[:])
	gd.inodeTableLocation = binary.LittleEndian.Uint64(inodeTableLocation[:])
	gd.freeBlocks = binary.LittleEndian.Uint32(freeBlocks[:])
	gd.freeInodes = binary.LittleEndian.Uint32(freeInodes[:])
	gd.usedDirectories = binary.LittleEndian.Uint32(usedDirectories[:])
	gd.flags = parseBlockGroupFlags(binary.LittleEndian.Uint16(b[0x12:0x14]))
	gd.snapshotExclusionBitmapLocation = binary.LittleEndian.Uint64(exclusionBitmapLocation[:])
	gd.blockBitmapChecksum = binary.LittleEndian.Uint32(blockBitmapChecksum[:])
	gd.inodeBitmapChecksum = binary.LittleEndian.Uint32(inodeBitmapChecksum[:])
	gd.unusedInodes = binary.LittleEndian.Uint32(unusedInodes[:])

	checksum := binary.LittleEndian.Uint16(b[0x1e:0x20])
	actualChecksum := groupDescriptorChecksum(b, seed, uint32(number), checksumType)
	if checksum != actualChecksum {
		return nil, fmt.Errorf("checksum mismatch for group descriptor %d, on disk %x, calculated %x", number, checksum, actualChecksum)
	}

	return &gd, nil
}

// toBytes serializes a group descriptor to its on-disk form, recalculating
// the checksum.
func (gd *groupDescriptor) toBytes(checksumType gdtChecksumType, seed uint32) []byte {
	b := make([]byte, gd.size)

	var (
		blockBitmapLocation, inodeBitmapLocation, inodeTableLocation, exclusionBitmapLocation [8]byte
		freeBlocks, freeInodes, usedDirectories, unusedInodes                                 [4]byte
		blockBitmapChecksum, inodeBitmapChecksum                                              [4]byte
	)
	binary.LittleEndian.PutUint64(blockBitmapLocation[:], gd.blockBitmapLocation)
	binary.LittleEndian.PutUint64(inodeBitmapLocation[:], gd.inodeBitmapLocation)
	binary.LittleEndian.PutUint64(inodeTableLocation[:], gd.inodeTableLocation)
	binary.LittleEndian.PutUint32(freeBlocks[:], gd.freeBlocks)
	binary.LittleEndian.PutUint32(freeInodes[:], gd.freeInodes)
	binary.LittleEndian.PutUint32(usedDirectories[:], gd.usedDirectories)
	binary.LittleEndian.PutUint64(exclusionBitmapLocation[:], gd.snapshotExclusionBitmapLocation)
	binary.LittleEndian.PutUint32(blockBitmapChecksum[:], gd.blockBitmapChecksum)
	binary.LittleEndian.PutUint32(inodeBitmapChecksum[:], gd.inodeBitmapChecksum)
	binary.LittleEndian.PutUint32(unusedInodes[:], gd.unusedInodes)

	copy(b[0x0:0x4], blockBitmapLocation[0:4])
	copy(b[0x4:0x8], inodeBitmapLocation[0:4])
	copy(b[0x8:0xc], inodeTableLocation[0:4])
	copy(b[0xc:0xe], freeBlocks[0:2])
	copy(b[0xe:0x10], freeInodes[0:2])
	copy(b[0x10:0x12], usedDirectories[0:2])
	binary.LittleEndian.PutUint16(b[0x12:0x14], gd.flags.toInt())
	copy(b[0x14:0x18], exclusionBitmapLocation[0:4])
	copy(b[0x18:0x1a], blockBitmapChecksum[0:2])
	copy(b[0x1a:0x1c], inodeBitmapChecksum[0:2])
	copy(b[0x1c:0x1e], unusedInodes[0:2])
	if gd.size == groupDescriptorSize64Bit {
		copy(b[0x20:0x24], blockBitmapLocation[4:8])
		copy(b[0x24:0x28], inodeBitmapLocation[4:8])
		copy(b[0x28:0x2c], inodeTableLocation[4:8])
		copy(b[0x2c:0x2e], freeBlocks[2:4])
		copy(b[0x2e:0x30], freeInodes[2:4])
		copy(b[0x30:0x32], usedDirectories[2:4])
		copy(b[0x32:0x34], unusedInodes[2:4])
		copy(b[0x34:0x38], exclusionBitmapLocation[4:8])
		copy(b[0x38:0x3a], blockBitmapChecksum[2:4])
		copy(b[0x3a:0x3c], inodeBitmapChecksum[2:4])
	}

	checksum := groupDescriptorChecksum(b, seed, uint32(gd.number), checksumType)
	binary.LittleEndian.PutUint16(b[0x1e:0x20], checksum)

	return b
}

// groupDescriptorChecksum calculates the checksum over the serialized form of
// a group descriptor, with the checksum field itself treated as zero. The
// metadata_csum scheme chains crc32c from the filesystem seed, the older
// gdt_csum scheme chains crc16 from the seed derived from the UUID.
func groupDescriptorChecksum(b []byte, seed, number uint32, checksumType gdtChecksumType) uint16 {
	var checksum uint16

	numberBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(numberBytes, number)

	switch checksumType {
	case gdtChecksumNone:
		checksum = 0
	case gdtChecksumMetadata:
		crcResult := crc.CRC32c(seed, numberBytes)
		crcResult = crc.CRC32c(crcResult, b[:0x1e])
		crcResult = crc.CRC32c(crcResult, []byte{0x0, 0x0})
		if len(b) > 0x20 {
			crcResult = crc.CRC32c(crcResult, b[0x20:])
		}
		checksum = uint16(crcResult & 0xffff)
	case gdtChecksumGdt:
		crcResult := crc.CRC16(uint16(seed), numberBytes)
		crcResult = crc.CRC16(crcResult, b[:0x1e])
		if len(b) > 0x20 {
			crcResult = crc.CRC16(crcResult, b[0x20:])
		}
		checksum = crcResult
	}
	return checksum
}
