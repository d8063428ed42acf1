package ext4

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/diskfs/go-ext4/ext4/crc"
)

// fileType is the type bits of the inode mode, the high nibble of the 16-bit mode.
type fileType uint16

const (
	fileTypeMask            fileType = 0xf000
	fileTypeFifo            fileType = 0x1000
	fileTypeCharacterDevice fileType = 0x2000
	fileTypeDirectory       fileType = 0x4000
	fileTypeBlockDevice     fileType = 0x6000
	fileTypeRegularFile     fileType = 0x8000
	fileTypeSymbolicLink    fileType = 0xa000
	fileTypeSocket          fileType = 0xc000
)

// oldInodeSize is the size of an inode before the extended area existed.
const oldInodeSize uint16 = 128

type filePermissions struct {
	read    bool
	write   bool
	execute bool
}

func (fp *filePermissions) toBits() uint16 {
	var b uint16
	if fp.read {
		b |= 0x4
	}
	if fp.write {
		b |= 0x2
	}
	if fp.execute {
		b |= 0x1
	}
	return b
}

func filePermissionsFromBits(b uint16) filePermissions {
	return filePermissions{
		read:    b&0x4 == 0x4,
		write:   b&0x2 == 0x2,
		execute: b&0x1 == 0x1,
	}
}

type inodeFlag uint32

const (
	inodeFlagSecureDeletion        inodeFlag = 0x1
	inodeFlagPreserveForUndeletion inodeFlag = 0x2
	inodeFlagCompressed            inodeFlag = 0x4
	inodeFlagSynchronous           inodeFlag = 0x8
	inodeFlagImmutable             inodeFlag = 0x10
	inodeFlagAppendOnly            inodeFlag = 0x20
	inodeFlagNoDump                inodeFlag = 0x40
	inodeFlagNoAccessTimeUpdate    inodeFlag = 0x80
	inodeFlagDirtyCompressed       inodeFlag = 0x100
	inodeFlagCompressedClusters    inodeFlag = 0x200
	inodeFlagNoCompress            inodeFlag = 0x400
	inodeFlagEncryptedInode        inodeFlag = 0x800
	inodeFlagHashedDirectoryIndex  inodeFlag = 0x1000
	inodeFlagAFSMagicDirectory     inodeFlag = 0x2000
	inodeFlagAlwaysJournal         inodeFlag = 0x4000
	inodeFlagNoMergeTail           inodeFlag = 0x8000
	inodeFlagSyncDirectoryData     inodeFlag = 0x10000
	inodeFlagTopDirectory          inodeFlag = 0x20000
	inodeFlagHugeFile              inodeFlag = 0x40000
	inodeFlagUsesExtents           inodeFlag = 0x80000
	inodeFlagExtendedAttributes    inodeFlag = 0x200000
	inodeFlagBlocksPastEOF         inodeFlag = 0x400000
	inodeFlagSnapshot              inodeFlag = 0x1000000
	inodeFlagDeletingSnapshot      inodeFlag = 0x4000000
	inodeFlagCompletedSnapshot     inodeFlag = 0x8000000
	inodeFlagInlineData            inodeFlag = 0x10000000
	inodeFlagInheritProject        inodeFlag = 0x20000000
)

func (f inodeFlag) included(flags uint32) bool {
	return flags&uint32(f) == uint32(f)
}

type inodeFlags struct {
	secureDeletion         bool
	preserveForUndeletion  bool
	compressed             bool
	synchronous            bool
	immutable              bool
	appendOnly             bool
	noDump                 bool
	noAccessTimeUpdate     bool
	dirtyCompressed        bool
	compressedClusters     bool
	noCompress             bool
	encryptedInode         bool
	hashedDirectoryIndexes bool
	AFSMagicDirectory      bool
	alwaysJournal          bool
	noMergeTail            bool
	syncDirectoryData      bool
	topDirectory           bool
	hugeFile               bool
	usesExtents            bool
	extendedAttributes     bool
	blocksPastEOF          bool
	snapshot               bool
	deletingSnapshot       bool
	completedSnapshot      bool
	inlineData             bool
	inheritProject         bool
}

func parseInodeFlags(flags uint32) inodeFlags {
	return inodeFlags{
		secureDeletion:         inodeFlagSecureDeletion.included(flags),
		preserveForUndeletion:  inodeFlagPreserveForUndeletion.included(flags),
		compressed:             inodeFlagCompressed.included(flags),
		synchronous:            inodeFlagSynchronous.included(flags),
		immutable:              inodeFlagImmutable.included(flags),
		appendOnly:             inodeFlagAppendOnly.included(flags),
		noDump:                 inodeFlagNoDump.included(flags),
		noAccessTimeUpdate:     inodeFlagNoAccessTimeUpdate.included(flags),
		dirtyCompressed:        inodeFlagDirtyCompressed.included(flags),
		compressedClusters:     inodeFlagCompressedClusters.included(flags),
		noCompress:             inodeFlagNoCompress.included(flags),
		encryptedInode:         inodeFlagEncryptedInode.included(flags),
		hashedDirectoryIndexes: inodeFlagHashedDirectoryIndex.included(flags),
		AFSMagicDirectory:      inodeFlagAFSMagicDirectory.included(flags),
		alwaysJournal:          inodeFlagAlwaysJournal.included(flags),
		noMergeTail:            inodeFlagNoMergeTail.included(flags),
		syncDirectoryData:      inodeFlagSyncDirectoryData.included(flags),
		topDirectory:           inodeFlagTopDirectory.included(flags),
		hugeFile:               inodeFlagHugeFile.included(flags),
		usesExtents:            inodeFlagUsesExtents.included(flags),
		extendedAttributes:     inodeFlagExtendedAttributes.included(flags),
		blocksPastEOF:          inodeFlagBlocksPastEOF.included(flags),
		snapshot:               inodeFlagSnapshot.included(flags),
		deletingSnapshot:       inodeFlagDeletingSnapshot.included(flags),
		completedSnapshot:      inodeFlagCompletedSnapshot.included(flags),
		inlineData:             inodeFlagInlineData.included(flags),
		inheritProject:         inodeFlagInheritProject.included(flags),
	}
}

//nolint:gocyclo // just a bunch of if statements
func (i *inodeFlags) toInt() uint32 {
	var flags uint32
	if i.secureDeletion {
		flags |= uint32(inodeFlagSecureDeletion)
	}
	if i.preserveForUndeletion {
		flags |= uint32(inodeFlagPreserveForUndeletion)
	}
	if i.compressed {
		flags |= uint32(inodeFlagCompressed)
	}
	if i.synchronous {
		flags |= uint32(inodeFlagSynchronous)
	}
	if i.immutable {
		flags |= uint32(inodeFlagImmutable)
	}
	if i.appendOnly {
		flags |= uint32(inodeFlagAppendOnly)
	}
	if i.noDump {
		flags |= uint32(inodeFlagNoDump)
	}
	if i.noAccessTimeUpdate {
		flags |= uint32(inodeFlagNoAccessTimeUpdate)
	}
	if i.dirtyCompressed {
		flags |= uint32(inodeFlagDirtyCompressed)
	}
	if i.compressedClusters {
		flags |= uint32(inodeFlagCompressedClusters)
	}
	if i.noCompress {
		flags |= uint32(inodeFlagNoCompress)
	}
	if i.encryptedInode {
		flags |= uint32(inodeFlagEncryptedInode)
	}
	if i.hashedDirectoryIndexes {
		flags |= uint32(inodeFlagHashedDirectoryIndex)
	}
	if i.AFSMagicDirectory {
		flags |= uint32(inodeFlagAFSMagicDirectory)
	}
	if i.alwaysJournal {
		flags |= uint32(inodeFlagAlwaysJournal)
	}
	if i.noMergeTail {
		flags |= uint32(inodeFlagNoMergeTail)
	}
	if i.syncDirectoryData {
		flags |= uint32(inodeFlagSyncDirectoryData)
	}
	if i.topDirectory {
		flags |= uint32(inodeFlagTopDirectory)
	}
	if i.hugeFile {
		flags |= uint32(inodeFlagHugeFile)
	}
	if i.usesExtents {
		flags |= uint32(inodeFlagUsesExtents)
	}
	if i.extendedAttributes {
		flags |= uint32(inodeFlagExtendedAttributes)
	}
	if i.blocksPastEOF {
		flags |= uint32(inodeFlagBlocksPastEOF)
	}
	if i.snapshot {
		flags |= uint32(inodeFlagSnapshot)
	}
	if i.deletingSnapshot {
		flags |= uint32(inodeFlagDeletingSnapshot)
	}
	if i.completedSnapshot {
		flags |= uint32(inodeFlagCompletedSnapshot)
	}
	if i.inlineData {
		flags |= uint32(inodeFlagInlineData)
	}
	if i.inheritProject {
		flags |= uint32(inodeFlagInheritProject)
	}
	return flags
}

// inode is a structure holding the data about one inode
type inode struct {
	number                 uint32
	fileType               fileType
	permissionsOwner       filePermissions
	permissionsGroup       filePermissions
	permissionsOther       filePermissions
	sticky                 bool
	setGID                 bool
	setUID                 bool
	owner                  uint32
	group                  uint32
	size                   uint64
	hardLinks              uint16
	blocks                 uint64
	flags                  *inodeFlags
	nfsFileVersion         uint32
	version                uint64
	inodeSize              uint16
	deletionTime           uint32
	accessTime             time.Time
	changeTime             time.Time
	createTime             time.Time
	modifyTime             time.Time
	extendedAttributeBlock uint64
	deviceMajor            uint32
	deviceMinor            uint32
	project                uint32
	extents                extentBlockFinder
	linkTarget             string
}

// modeBits returns the traditional 16-bit mode, file type in the high nibble.
func (i *inode) modeBits() uint16 {
	mode := uint16(i.fileType) |
		i.permissionsOwner.toBits()<<6 |
		i.permissionsGroup.toBits()<<3 |
		i.permissionsOther.toBits()
	if i.sticky {
		mode |= 0o1000
	}
	if i.setGID {
		mode |= 0o2000
	}
	if i.setUID {
		mode |= 0o4000
	}
	return mode
}

// applyMode sets the permission, sticky, setuid and setgid bits of mode on
// the inode. The file type bits are ignored, the type never changes.
func (i *inode) applyMode(mode uint16) {
	i.permissionsOwner = filePermissionsFromBits(mode >> 6)
	i.permissionsGroup = filePermissionsFromBits(mode >> 3)
	i.permissionsOther = filePermissionsFromBits(mode)
	i.sticky = mode&0o1000 != 0
	i.setGID = mode&0o2000 != 0
	i.setUID = mode&0o4000 != 0
}

// decodeExtendedTime pulls the high epoch bits and nanoseconds out of the 32-bit extra field.
func decodeExtendedTime(seconds, extra uint32) time.Time {
	sec := int64(int32(seconds)) + int64(extra&0x3)<<32
	nsec := int64(extra >> 2)
	return time.Unix(sec, nsec)
}

func encodeExtendedTime(t time.Time) (seconds, extra uint32) {
	sec := t.Unix()
	seconds = uint32(sec)
	// the epoch bits count how often the signed 32-bit field wrapped
	epoch := uint32((sec-int64(int32(seconds)))>>32) & 0x3
	return seconds, epoch | uint32(t.Nanosecond())<<2
}

// inodeChecksum calculates the checksum for an inode as stored on disk. The
// passed bytes must be the full inode, including the extended area; the
// checksum fields themselves are ignored.
func inodeChecksum(b []byte, seed, inodeNumber, generation uint32) uint32 {
	in := make([]byte, len(b))
	copy(in, b)
	in[0x7c] = 0
	in[0x7d] = 0
	if len(in) >= 0x84 && binary.LittleEndian.Uint16(in[0x80:0x82]) >= 4 {
		in[0x82] = 0
		in[0x83] = 0
	}
	return crc.CRC32c(inodeChecksumSeed(seed, inodeNumber, generation), in)
}

// inodeFromBytes create an inode struct from bytes
func inodeFromBytes(b []byte, sb *superblock, number uint32) (*inode, error) {
	if len(b) < int(oldInodeSize) {
		return nil, fmt.Errorf("inode %d was %d bytes, less than minimum %d", number, len(b), oldInodeSize)
	}

	mode := binary.LittleEndian.Uint16(b[0x0:0x2])
	flags := parseInodeFlags(binary.LittleEndian.Uint32(b[0x20:0x24]))
	if flags.inlineData {
		return nil, fmt.Errorf("inode %d uses inline data: %w", number, ErrUnsupportedLayout)
	}

	owner := make([]byte, 4)
	group := make([]byte, 4)
	copy(owner[0:2], b[0x2:0x4])
	copy(owner[2:4], b[0x78:0x7a])
	copy(group[0:2], b[0x18:0x1a])
	copy(group[2:4], b[0x7a:0x7c])

	size := make([]byte, 8)
	copy(size[0:4], b[0x4:0x8])
	copy(size[4:8], b[0x6c:0x70])

	blocks := make([]byte, 8)
	copy(blocks[0:4], b[0x1c:0x20])
	copy(blocks[4:6], b[0x74:0x76])

	attributeBlock := make([]byte, 8)
	copy(attributeBlock[0:4], b[0x68:0x6c])
	copy(attributeBlock[4:6], b[0x76:0x78])

	in := inode{
		number:                 number,
		fileType:               fileType(mode) & fileTypeMask,
		permissionsOther:       filePermissionsFromBits(mode),
		permissionsGroup:       filePermissionsFromBits(mode >> 3),
		permissionsOwner:       filePermissionsFromBits(mode >> 6),
		sticky:                 mode&0o1000 == 0o1000,
		setGID:                 mode&0o2000 == 0o2000,
		setUID:                 mode&0o4000 == 0o4000,
		owner:                  binary.LittleEndian.Uint32(owner),
		group:                  binary.LittleEndian.Uint32(group),
		size:                   binary.LittleEndian.Uint64(size),
		hardLinks:              binary.LittleEndian.Uint16(b[0x1a:0x1c]),
		blocks:                 binary.LittleEndian.Uint64(blocks),
		flags:                  &flags,
		version:                uint64(binary.LittleEndian.Uint32(b[0x24:0x28])),
		nfsFileVersion:         binary.LittleEndian.Uint32(b[0x64:0x68]),
		extendedAttributeBlock: binary.LittleEndian.Uint64(attributeBlock),
		inodeSize:              uint16(len(b)),
		deletionTime:           binary.LittleEndian.Uint32(b[0x14:0x18]),
		accessTime:             time.Unix(int64(int32(binary.LittleEndian.Uint32(b[0x8:0xc]))), 0),
		changeTime:             time.Unix(int64(int32(binary.LittleEndian.Uint32(b[0xc:0x10]))), 0),
		modifyTime:             time.Unix(int64(int32(binary.LittleEndian.Uint32(b[0x10:0x14]))), 0),
	}

	// the extended area adds sub-second timestamps, the creation time and the project quota ID
	var extraSize uint16
	if len(b) > int(oldInodeSize) {
		extraSize = binary.LittleEndian.Uint16(b[0x80:0x82])
		if int(extraSize) > len(b)-int(oldInodeSize) {
			extraSize = uint16(len(b) - int(oldInodeSize))
		}
		if extraSize >= 0x10 {
			in.changeTime = decodeExtendedTime(binary.LittleEndian.Uint32(b[0xc:0x10]), binary.LittleEndian.Uint32(b[0x84:0x88]))
			in.modifyTime = decodeExtendedTime(binary.LittleEndian.Uint32(b[0x10:0x14]), binary.LittleEndian.Uint32(b[0x88:0x8c]))
			in.accessTime = decodeExtendedTime(binary.LittleEndian.Uint32(b[0x8:0xc]), binary.LittleEndian.Uint32(b[0x8c:0x90]))
		}
		if extraSize >= 0x18 {
			in.createTime = decodeExtendedTime(binary.LittleEndian.Uint32(b[0x90:0x94]), binary.LittleEndian.Uint32(b[0x94:0x98]))
		}
		if extraSize >= 0x1c {
			in.version |= uint64(binary.LittleEndian.Uint32(b[0x98:0x9c])) << 32
		}
		if extraSize >= 0x20 && sb.features.projectQuotas {
			in.project = binary.LittleEndian.Uint32(b[0x9c:0xa0])
		}
	}

	if sb.features.metadataChecksums {
		checksum := uint32(binary.LittleEndian.Uint16(b[0x7c:0x7e]))
		hasHighChecksum := extraSize >= 4 && len(b) >= 0x84
		if hasHighChecksum {
			checksum |= uint32(binary.LittleEndian.Uint16(b[0x82:0x84])) << 16
		}
		actual := inodeChecksum(b, sb.checksumSeed, number, in.nfsFileVersion)
		if !hasHighChecksum {
			actual &= 0xffff
		}
		if actual != checksum {
			return nil, fmt.Errorf("checksum mismatch for inode %d, on disk %x, calculated %x", number, checksum, actual)
		}
	}

	// i_block holds the extent tree root, the target of a short symlink, or device numbers
	switch {
	case flags.usesExtents:
		count := uint32((in.size + uint64(sb.blockSize) - 1) / uint64(sb.blockSize))
		parsed, err := parseExtents(b[0x28:0x64], sb.blockSize, 0, count)
		if err != nil {
			return nil, fmt.Errorf("inode %d: could not parse extent tree: %w", number, err)
		}
		in.extents = parsed
	case in.fileType == fileTypeSymbolicLink && in.size <= 60:
		in.linkTarget = string(b[0x28 : 0x28+in.size])
	case in.fileType == fileTypeBlockDevice || in.fileType == fileTypeCharacterDevice:
		if huge := binary.LittleEndian.Uint32(b[0x2c:0x30]); huge != 0 {
			in.deviceMajor = (huge >> 8) & 0xfff
			in.deviceMinor = huge&0xff | (huge>>12)&0xfff00
		} else {
			old := binary.LittleEndian.Uint16(b[0x28:0x2a])
			in.deviceMajor = uint32(old >> 8)
			in.deviceMinor = uint32(old & 0xff)
		}
	}

	return &in, nil
}

// toBytes convert an inode to bytes as stored on disk
func (i *inode) toBytes(sb *superblock) []byte {
	b := make([]byte, sb.inodeSize)

	mode := i.modeBits()

	owner := make([]byte, 4)
	group := make([]byte, 4)
	size := make([]byte, 8)
	blocks := make([]byte, 8)
	attributeBlock := make([]byte, 8)
	binary.LittleEndian.PutUint32(owner, i.owner)
	binary.LittleEndian.PutUint32(group, i.group)
	binary.LittleEndian.PutUint64(size, i.size)
	binary.LittleEndian.PutUint64(blocks, i.blocks)
	binary.LittleEndian.PutUint64(attributeBlock, i.extendedAttributeBlock)

	accessTime, accessTimeExtra := encodeExtendedTime(i.accessTime)
	changeTime, changeTimeExtra := encodeExtendedTime(i.changeTime)
	modifyTime, modifyTimeExtra := encodeExtendedTime(i.modifyTime)
	createTime, createTimeExtra := encodeExtendedTime(i.createTime)

	binary.LittleEndian.PutUint16(b[0x0:0x2], mode)
	copy(b[0x2:0x4], owner[0:2])
	copy(b[0x4:0x8], size[0:4])
	binary.LittleEndian.PutUint32(b[0x8:0xc], accessTime)
	binary.LittleEndian.PutUint32(b[0xc:0x10], changeTime)
	binary.LittleEndian.PutUint32(b[0x10:0x14], modifyTime)
	binary.LittleEndian.PutUint32(b[0x14:0x18], i.deletionTime)
	copy(b[0x18:0x1a], group[0:2])
	binary.LittleEndian.PutUint16(b[0x1a:0x1c], i.hardLinks)
	copy(b[0x1c:0x20], blocks[0:4])
	binary.LittleEndian.PutUint32(b[0x20:0x24], i.flags.toInt())
	binary.LittleEndian.PutUint32(b[0x24:0x28], uint32(i.version))

	switch {
	case i.extents != nil:
		copy(b[0x28:0x64], i.extents.toBytes())
	case i.fileType == fileTypeSymbolicLink && len(i.linkTarget) <= 60:
		copy(b[0x28:0x64], i.linkTarget)
	case i.fileType == fileTypeBlockDevice || i.fileType == fileTypeCharacterDevice:
		if i.deviceMajor < 256 && i.deviceMinor < 256 {
			binary.LittleEndian.PutUint16(b[0x28:0x2a], uint16(i.deviceMajor)<<8|uint16(i.deviceMinor))
		} else {
			huge := (i.deviceMajor&0xfff)<<8 | i.deviceMinor&0xff | (i.deviceMinor&0xfff00)<<12
			binary.LittleEndian.PutUint32(b[0x2c:0x30], huge)
		}
	}

	binary.LittleEndian.PutUint32(b[0x64:0x68], i.nfsFileVersion)
	copy(b[0x68:0x6c], attributeBlock[0:4])
	copy(b[0x6c:0x70], size[4:8])
	copy(b[0x74:0x76], blocks[4:6])
	copy(b[0x76:0x78], attributeBlock[4:6])
	copy(b[0x78:0x7a], owner[2:4])
	copy(b[0x7a:0x7c], group[2:4])

	if i.inodeSize > oldInodeSize {
		binary.LittleEndian.PutUint16(b[0x80:0x82], wantInodeExtraSize)
		binary.LittleEndian.PutUint32(b[0x84:0x88], changeTimeExtra)
		binary.LittleEndian.PutUint32(b[0x88:0x8c], modifyTimeExtra)
		binary.LittleEndian.PutUint32(b[0x8c:0x90], accessTimeExtra)
		binary.LittleEndian.PutUint32(b[0x90:0x94], createTime)
		binary.LittleEndian.PutUint32(b[0x94:0x98], createTimeExtra)
		binary.LittleEndian.PutUint32(b[0x98:0x9c], uint32(i.version>>32))
		binary.LittleEndian.PutUint32(b[0x9c:0xa0], i.project)
	}

	if sb.features.metadataChecksums {
		checksum := inodeChecksum(b, sb.checksumSeed, i.number, i.nfsFileVersion)
		binary.LittleEndian.PutUint16(b[0x7c:0x7e], uint16(checksum&0xffff))
		if i.inodeSize > oldInodeSize {
			binary.LittleEndian.PutUint16(b[0x82:0x84], uint16(checksum>>16))
		}
	}

	return b
}
