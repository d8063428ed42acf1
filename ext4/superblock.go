package ext4

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/diskfs/go-ext4/ext4/crc"
)

type filesystemState uint16
type errorBehaviour uint16
type osFlag uint32
type hashVersion byte
type encryptionAlgorithm byte

//nolint:unused // we know some of these are unused, but we want all of them for future use
const (
	// superblockSignature is the signature for every superblock
	superblockSignature uint16 = 0xef53
	// default userid for reserved blocks
	defaultReservedBlocksUID uint16 = 0
	// default groupid for reserved blocks
	defaultReservedBlocksGID uint16 = 0

	// filesystem states
	fsStateCleanlyUnmounted filesystemState = 0x0001
	fsStateErrors           filesystemState = 0x0002
	fsStateOrphansRecovered filesystemState = 0x0004

	// error behaviour
	errorsContinue        errorBehaviour = 1
	errorsRemountReadOnly errorBehaviour = 2
	errorsPanic           errorBehaviour = 3

	// creator OS
	osLinux   osFlag = 0
	osHurd    osFlag = 1
	osMasix   osFlag = 2
	osFreeBSD osFlag = 3
	osLites   osFlag = 4

	// hash algorithms for htree directory entries
	hashLegacy          hashVersion = 0
	hashHalfMD4         hashVersion = 1
	hashTea             hashVersion = 2
	hashLegacyUnsigned  hashVersion = 3
	hashHalfMD4Unsigned hashVersion = 4
	hashTeaUnsigned     hashVersion = 5

	// encryption algorithms
	encryptionAlgorithmInvalid   encryptionAlgorithm = 0
	encryptionAlgorithm256AESXTS encryptionAlgorithm = 1
	encryptionAlgorithm256AESGCM encryptionAlgorithm = 2
	encryptionAlgorithm256AESCBC encryptionAlgorithm = 3
)

// journalBackup is the backup in the superblock of the journal's inode
// i_block array and size.
type journalBackup struct {
	iBlocks [15]uint32
	iSize   uint64
}

// superblock is the parsed first 1024 bytes of filesystem metadata, starting
// at byte 1024 of the image. A filesystem with sparse_super keeps backup
// copies in select later block groups.
type superblock struct {
	inodeCount                   uint32
	blockCount                   uint64
	reservedBlocks               uint64
	freeBlocks                   uint64
	freeInodes                   uint32
	firstDataBlock               uint32
	blockSize                    uint32
	clusterSize                  uint64
	blocksPerGroup               uint32
	clustersPerGroup             uint32
	inodesPerGroup               uint32
	mountTime                    time.Time
	writeTime                    time.Time
	mountCount                   uint16
	mountsToFsck                 uint16
	filesystemState              filesystemState
	errorBehaviour               errorBehaviour
	minorRevision                uint16
	lastCheck                    time.Time
	checkInterval                uint32
	creatorOS                    osFlag
	revisionLevel                uint32
	reservedBlocksDefaultUID     uint16
	reservedBlocksDefaultGID     uint16
	firstNonReservedInode        uint32
	inodeSize                    uint16
	blockGroup                   uint16
	features                     featureFlags
	uuid                         *uuid.UUID
	volumeLabel                  string
	lastMountedDirectory         string
	algorithmUsageBitmap         uint32
	preallocationBlocks          byte
	preallocationDirectoryBlocks byte
	reservedGDTBlocks            uint16
	journalSuperblockUUID        *uuid.UUID
	journalInode                 uint32
	journalDeviceNumber          uint32
	orphanedInodesStart          uint32
	hashTreeSeed                 []uint32
	hashVersion                  hashVersion
	groupDescriptorSize          uint16
	defaultMountOptions          mountOptions
	firstMetablockGroup          uint32
	mkfsTime                     time.Time
	journalBackup                *journalBackup
	inodeMinBytes                uint16
	inodeReserveBytes            uint16
	miscFlags                    miscFlags
	raidStride                   uint16
	multiMountPreventionInterval uint16
	multiMountProtectionBlock    uint64
	raidStripeWidth              uint32
	logGroupsPerFlex             uint64
	checksumType                 byte
	totalKBWritten               uint64
	snapshotInodeNumber          uint32
	snapshotID                   uint32
	snapshotReservedBlocks       uint64
	snapshotStartInode           uint32
	errorCount                   uint32
	errorFirstTime               time.Time
	errorFirstInode              uint32
	errorFirstBlock              uint64
	errorFirstFunction           string
	errorFirstLine               uint32
	errorLastTime                time.Time
	errorLastInode               uint32
	errorLastLine                uint32
	errorLastBlock               uint64
	errorLastFunction            string
	mountOptions                 string
	userQuotaInode               uint32
	groupQuotaInode              uint32
	overheadBlocks               uint32
	backupSuperblockBlockGroups  [2]uint32
	encryptionAlgorithms         [4]encryptionAlgorithm
	encryptionSalt               [16]byte
	lostFoundInode               uint32
	projectQuotaInode            uint32
	checksumSeed                 uint32
}

func (sb *superblock) equal(a *superblock) bool {
	if (sb == nil && a != nil) || (sb != nil && a == nil) {
		return false
	}
	if sb == nil {
		return true
	}
	return reflect.DeepEqual(sb, a)
}

// superblockFromBytes parses a 1024 byte superblock.
func superblockFromBytes(b []byte) (*superblock, error) {
	bLen := len(b)
	if bLen != int(SuperblockSize) {
		return nil, fmt.Errorf("cannot read superblock from %d bytes instead of expected %d", bLen, SuperblockSize)
	}

	// check the magic signature
	actualSignature := binary.LittleEndian.Uint16(b[0x38:0x3a])
	if actualSignature != superblockSignature {
		return nil, fmt.Errorf("erroneous signature at location 0x38 was %x instead of expected %x", actualSignature, superblockSignature)
	}

	sb := superblock{}

	// the feature flags drive how several other fields are parsed, so read
	// them first
	compatFlags := binary.LittleEndian.Uint32(b[0x5c:0x60])
	incompatFlags := binary.LittleEndian.Uint32(b[0x60:0x64])
	roCompatFlags := binary.LittleEndian.Uint32(b[0x64:0x68])
	sb.features = parseFeatureFlags(compatFlags, incompatFlags, roCompatFlags)

	sb.inodeCount = binary.LittleEndian.Uint32(b[0:4])

	// block count, reserved block count and free blocks gain a high dword
	// when the fs is 64-bit
	var blockCount, reservedBlocks, freeBlocks [8]byte
	copy(blockCount[0:4], b[0x4:0x8])
	copy(reservedBlocks[0:4], b[0x8:0xc])
	copy(freeBlocks[0:4], b[0xc:0x10])
	if sb.features.fs64Bit {
		copy(blockCount[4:8], b[0x150:0x154])
		copy(reservedBlocks[4:8], b[0x154:0x158])
		copy(freeBlocks[4:8], b[0x158:0x15c])
	}
	sb.blockCount = binary.LittleEndian.Uint64(blockCount[:])
	sb.reservedBlocks = binary.LittleEndian.Uint64(reservedBlocks[:])
	sb.freeBlocks = binary.LittleEndian.Uint64(freeBlocks[:])

	sb.freeInodes = binary.LittleEndian.Uint32(b[0x10:0x14])
	sb.firstDataBlock = binary.LittleEndian.Uint32(b[0x14:0x18])
	sb.blockSize = uint32(1) << (10 + binary.LittleEndian.Uint32(b[0x18:0x1c]))
	sb.clusterSize = uint64(1) << (binary.LittleEndian.Uint32(b[0x1c:0x20]))
	sb.blocksPerGroup = binary.LittleEndian.Uint32(b[0x20:0x24])
	if sb.features.bigalloc {
		sb.clustersPerGroup = binary.LittleEndian.Uint32(b[0x24:0x28])
	}
	sb.inodesPerGroup = binary.LittleEndian.Uint32(b[0x28:0x2c])
	sb.mountTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x2c:0x30])), 0)
	sb.writeTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x30:0x34])), 0)
	sb.mountCount = binary.LittleEndian.Uint16(b[0x34:0x36])
	sb.mountsToFsck = binary.LittleEndian.Uint16(b[0x36:0x38])

	sb.filesystemState = filesystemState(binary.LittleEndian.Uint16(b[0x3a:0x3c]))
	sb.errorBehaviour = errorBehaviour(binary.LittleEndian.Uint16(b[0x3c:0x3e]))

	sb.minorRevision = binary.LittleEndian.Uint16(b[0x3e:0x40])
	sb.lastCheck = time.Unix(int64(binary.LittleEndian.Uint32(b[0x40:0x44])), 0)
	sb.checkInterval = binary.LittleEndian.Uint32(b[0x44:0x48])

	sb.creatorOS = osFlag(binary.LittleEndian.Uint32(b[0x48:0x4c]))
	sb.revisionLevel = binary.LittleEndian.Uint32(b[0x4c:0x50])
	sb.reservedBlocksDefaultUID = binary.LittleEndian.Uint16(b[0x50:0x52])
	sb.reservedBlocksDefaultGID = binary.LittleEndian.Uint16(b[0x52:0x54])

	sb.firstNonReservedInode = binary.LittleEndian.Uint32(b[0x54:0x58])
	sb.inodeSize = binary.LittleEndian.Uint16(b[0x58:0x5a])
	sb.blockGroup = binary.LittleEndian.Uint16(b[0x5a:0x5c])

	fsuuid, err := uuid.FromBytes(b[0x68:0x78])
	if err != nil {
		return nil, fmt.Errorf("unable to read filesystem UUID: %v", err)
	}
	sb.uuid = &fsuuid
	sb.volumeLabel = minString(b[0x78:0x88])
	sb.lastMountedDirectory = minString(b[0x88:0xc8])
	sb.algorithmUsageBitmap = binary.LittleEndian.Uint32(b[0xc8:0xcc])

	sb.preallocationBlocks = b[0xcc]
	sb.preallocationDirectoryBlocks = b[0xcd]
	sb.reservedGDTBlocks = binary.LittleEndian.Uint16(b[0xce:0xd0])

	journalUUID, err := uuid.FromBytes(b[0xd0:0xe0])
	if err != nil {
		return nil, fmt.Errorf("unable to read journal UUID: %v", err)
	}
	sb.journalSuperblockUUID = &journalUUID
	sb.journalInode = binary.LittleEndian.Uint32(b[0xe0:0xe4])
	sb.journalDeviceNumber = binary.LittleEndian.Uint32(b[0xe4:0xe8])
	sb.orphanedInodesStart = binary.LittleEndian.Uint32(b[0xe8:0xec])

	sb.hashTreeSeed = []uint32{
		binary.LittleEndian.Uint32(b[0xec:0xf0]),
		binary.LittleEndian.Uint32(b[0xf0:0xf4]),
		binary.LittleEndian.Uint32(b[0xf4:0xf8]),
		binary.LittleEndian.Uint32(b[0xf8:0xfc]),
	}

	sb.hashVersion = hashVersion(b[0xfc])

	sb.groupDescriptorSize = binary.LittleEndian.Uint16(b[0xfe:0x100])
	if !sb.features.fs64Bit {
		sb.groupDescriptorSize = groupDescriptorSize
	}

	sb.defaultMountOptions = parseMountOptions(binary.LittleEndian.Uint32(b[0x100:0x104]))
	sb.firstMetablockGroup = binary.LittleEndian.Uint32(b[0x104:0x108])
	sb.mkfsTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x108:0x10c])), 0)

	// journal inode backup, only meaningful with backup type 1
	if b[0xfd] == 1 {
		jb := journalBackup{}
		for i := 0; i < 15; i++ {
			jb.iBlocks[i] = binary.LittleEndian.Uint32(b[0x10c+4*i : 0x110+4*i])
		}
		var iSizeBytes [8]byte
		copy(iSizeBytes[0:4], b[0x14c:0x150])
		copy(iSizeBytes[4:8], b[0x148:0x14c])
		jb.iSize = binary.LittleEndian.Uint64(iSizeBytes[:])
		sb.journalBackup = &jb
	}

	sb.inodeMinBytes = binary.LittleEndian.Uint16(b[0x15c:0x15e])
	sb.inodeReserveBytes = binary.LittleEndian.Uint16(b[0x15e:0x160])
	sb.miscFlags = parseMiscFlags(binary.LittleEndian.Uint32(b[0x160:0x164]))

	sb.raidStride = binary.LittleEndian.Uint16(b[0x164:0x166])
	sb.multiMountPreventionInterval = binary.LittleEndian.Uint16(b[0x166:0x168])
	sb.multiMountProtectionBlock = binary.LittleEndian.Uint64(b[0x168:0x170])
	sb.raidStripeWidth = binary.LittleEndian.Uint32(b[0x170:0x174])

	sb.logGroupsPerFlex = uint64(1) << b[0x174]

	sb.checksumType = b[0x175]
	if sb.checksumType != checksumTypeCRC32c && sb.checksumType != 0 {
		return nil, fmt.Errorf("cannot read superblock: invalid checksum type %d, only valid is %d or 0", sb.checksumType, checksumTypeCRC32c)
	}

	// b[0x176:0x178] is reserved padding

	sb.totalKBWritten = binary.LittleEndian.Uint64(b[0x178:0x180])

	sb.snapshotInodeNumber = binary.LittleEndian.Uint32(b[0x180:0x184])
	sb.snapshotID = binary.LittleEndian.Uint32(b[0x184:0x188])
	sb.snapshotReservedBlocks = binary.LittleEndian.Uint64(b[0x188:0x190])
	sb.snapshotStartInode = binary.LittleEndian.Uint32(b[0x190:0x194])

	sb.errorCount = binary.LittleEndian.Uint32(b[0x194:0x198])
	sb.errorFirstTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x198:0x19c])), 0)
	sb.errorFirstInode = binary.LittleEndian.Uint32(b[0x19c:0x1a0])
	sb.errorFirstBlock = binary.LittleEndian.Uint64(b[0x1a0:0x1a8])
	sb.errorFirstFunction = minString(b[0x1a8:0x1c8])
	sb.errorFirstLine = binary.LittleEndian.Uint32(b[0x1c8:0x1cc])
	sb.errorLastTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x1cc:0x1d0])), 0)
	sb.errorLastInode = binary.LittleEndian.Uint32(b[0x1d0:0x1d4])
	sb.errorLastLine = binary.LittleEndian.Uint32(b[0x1d4:0x1d8])
	sb.errorLastBlock = binary.LittleEndian.Uint64(b[0x1d8:0x1e0])
	sb.errorLastFunction = minString(b[0x1e0:0x200])

	sb.mountOptions = minString(b[0x200:0x240])
	sb.userQuotaInode = binary.LittleEndian.Uint32(b[0x240:0x244])
	sb.groupQuotaInode = binary.LittleEndian.Uint32(b[0x244:0x248])
	sb.overheadBlocks = binary.LittleEndian.Uint32(b[0x248:0x24c])
	sb.backupSuperblockBlockGroups = [2]uint32{
		binary.LittleEndian.Uint32(b[0x24c:0x250]),
		binary.LittleEndian.Uint32(b[0x250:0x254]),
	}
	for i := range sb.encryptionAlgorithms {
		sb.encryptionAlgorithms[i] = encryptionAlgorithm(b[0x254+i])
	}
	copy(sb.encryptionSalt[:], b[0x258:0x268])

	sb.lostFoundInode = binary.LittleEndian.Uint32(b[0x268:0x26c])
	sb.projectQuotaInode = binary.LittleEndian.Uint32(b[0x26c:0x270])

	switch {
	case sb.features.metadataChecksumSeedInSuperblock:
		sb.checksumSeed = binary.LittleEndian.Uint32(b[0x270:0x274])
	case sb.features.metadataChecksums || sb.features.extendedAttributeInodes:
		sb.checksumSeed = crc.CRC32c(^uint32(0), sb.uuid[:])
	}

	// b[0x274:0x3fc] is reserved for zero padding

	if sb.features.metadataChecksums {
		checksum := binary.LittleEndian.Uint32(b[0x3fc:0x400])
		actualChecksum := crc.CRC32c(^uint32(0), b[0:0x3fc])
		if actualChecksum != checksum {
			return nil, fmt.Errorf("invalid superblock checksum, actual was %x, on disk was %x", actualChecksum, checksum)
		}
	}

	return &sb, nil
}

// toBytes serializes the superblock back into its 1024 byte on-disk form,
// recalculating the trailing checksum.
func (sb *superblock) toBytes() ([]byte, error) {
	b := make([]byte, SuperblockSize)

	binary.LittleEndian.PutUint16(b[0x38:0x3a], superblockSignature)

	compatFlags, incompatFlags, roCompatFlags := sb.features.toInts()
	binary.LittleEndian.PutUint32(b[0x5c:0x60], compatFlags)
	binary.LittleEndian.PutUint32(b[0x60:0x64], incompatFlags)
	binary.LittleEndian.PutUint32(b[0x64:0x68], roCompatFlags)

	binary.LittleEndian.PutUint32(b[0:4], sb.inodeCount)

	var blockCount, reservedBlocks, freeBlocks [8]byte
	binary.LittleEndian.PutUint64(blockCount[:], sb.blockCount)
	binary.LittleEndian.PutUint64(reservedBlocks[:], sb.reservedBlocks)
	binary.LittleEndian.PutUint64(freeBlocks[:], sb.freeBlocks)
	copy(b[0x4:0x8], blockCount[0:4])
	copy(b[0x8:0xc], reservedBlocks[0:4])
	copy(b[0xc:0x10], freeBlocks[0:4])
	if sb.features.fs64Bit {
		copy(b[0x150:0x154], blockCount[4:8])
		copy(b[0x154:0x158], reservedBlocks[4:8])
		copy(b[0x158:0x15c], freeBlocks[4:8])
	}

	binary.LittleEndian.PutUint32(b[0x10:0x14], sb.freeInodes)
	binary.LittleEndian.PutUint32(b[0x14:0x18], sb.firstDataBlock)
	binary.LittleEndian.PutUint32(b[0x18:0x1c], uint32(bits.TrailingZeros32(sb.blockSize))-10)
	binary.LittleEndian.PutUint32(b[0x1c:0x20], uint32(bits.TrailingZeros64(sb.clusterSize)))
	binary.LittleEndian.PutUint32(b[0x20:0x24], sb.blocksPerGroup)
	if sb.features.bigalloc {
		binary.LittleEndian.PutUint32(b[0x24:0x28], sb.clustersPerGroup)
	} else {
		binary.LittleEndian.PutUint32(b[0x24:0x28], sb.blocksPerGroup)
	}
	binary.LittleEndian.PutUint32(b[0x28:0x2c], sb.inodesPerGroup)
	binary.LittleEndian.PutUint32(b[0x2c:0x30], uint32(sb.mountTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x30:0x34], uint32(sb.writeTime.Unix()))
	binary.LittleEndian.PutUint16(b[0x34:0x36], sb.mountCount)
	binary.LittleEndian.PutUint16(b[0x36:0x38], sb.mountsToFsck)

	binary.LittleEndian.PutUint16(b[0x3a:0x3c], uint16(sb.filesystemState))
	binary.LittleEndian.PutUint16(b[0x3c:0x3e], uint16(sb.errorBehaviour))

	binary.LittleEndian.PutUint16(b[0x3e:0x40], sb.minorRevision)
	binary.LittleEndian.PutUint32(b[0x40:0x44], uint32(sb.lastCheck.Unix()))
	binary.LittleEndian.PutUint32(b[0x44:0x48], sb.checkInterval)

	binary.LittleEndian.PutUint32(b[0x48:0x4c], uint32(sb.creatorOS))
	binary.LittleEndian.PutUint32(b[0x4c:0x50], sb.revisionLevel)
	binary.LittleEndian.PutUint16(b[0x50:0x52], sb.reservedBlocksDefaultUID)
	binary.LittleEndian.PutUint16(b[0x52:0x54], sb.reservedBlocksDefaultGID)

	binary.LittleEndian.PutUint32(b[0x54:0x58], sb.firstNonReservedInode)
	binary.LittleEndian.PutUint16(b[0x58:0x5a], sb.inodeSize)
	binary.LittleEndian.PutUint16(b[0x5a:0x5c], sb.blockGroup)

	if sb.uuid != nil {
		copy(b[0x68:0x78], sb.uuid[:])
	}
	if len(sb.volumeLabel) > 16 {
		return nil, fmt.Errorf("volume label %s too long, must be 16 bytes or less", sb.volumeLabel)
	}
	copy(b[0x78:0x88], sb.volumeLabel)
	if len(sb.lastMountedDirectory) > 64 {
		return nil, fmt.Errorf("last mounted directory %s too long, must be 64 bytes or less", sb.lastMountedDirectory)
	}
	copy(b[0x88:0xc8], sb.lastMountedDirectory)
	binary.LittleEndian.PutUint32(b[0xc8:0xcc], sb.algorithmUsageBitmap)

	b[0xcc] = sb.preallocationBlocks
	b[0xcd] = sb.preallocationDirectoryBlocks
	binary.LittleEndian.PutUint16(b[0xce:0xd0], sb.reservedGDTBlocks)

	if sb.journalSuperblockUUID != nil {
		copy(b[0xd0:0xe0], sb.journalSuperblockUUID[:])
	}
	binary.LittleEndian.PutUint32(b[0xe0:0xe4], sb.journalInode)
	binary.LittleEndian.PutUint32(b[0xe4:0xe8], sb.journalDeviceNumber)
	binary.LittleEndian.PutUint32(b[0xe8:0xec], sb.orphanedInodesStart)

	for i, seed := range sb.hashTreeSeed {
		if i > 3 {
			break
		}
		binary.LittleEndian.PutUint32(b[0xec+4*i:0xf0+4*i], seed)
	}

	b[0xfc] = byte(sb.hashVersion)

	if sb.features.fs64Bit {
		binary.LittleEndian.PutUint16(b[0xfe:0x100], sb.groupDescriptorSize)
	}

	binary.LittleEndian.PutUint32(b[0x100:0x104], sb.defaultMountOptions.toInt())
	binary.LittleEndian.PutUint32(b[0x104:0x108], sb.firstMetablockGroup)
	binary.LittleEndian.PutUint32(b[0x108:0x10c], uint32(sb.mkfsTime.Unix()))

	if sb.journalBackup != nil {
		b[0xfd] = 1
		for i, block := range sb.journalBackup.iBlocks {
			binary.LittleEndian.PutUint32(b[0x10c+4*i:0x110+4*i], block)
		}
		var iSizeBytes [8]byte
		binary.LittleEndian.PutUint64(iSizeBytes[:], sb.journalBackup.iSize)
		copy(b[0x14c:0x150], iSizeBytes[0:4])
		copy(b[0x148:0x14c], iSizeBytes[4:8])
	}

	binary.LittleEndian.PutUint16(b[0x15c:0x15e], sb.inodeMinBytes)
	binary.LittleEndian.PutUint16(b[0x15e:0x160], sb.inodeReserveBytes)
	binary.LittleEndian.PutUint32(b[0x160:0x164], sb.miscFlags.toInt())

	binary.LittleEndian.PutUint16(b[0x164:0x166], sb.raidStride)
	binary.LittleEndian.PutUint16(b[0x166:0x168], sb.multiMountPreventionInterval)
	binary.LittleEndian.PutUint64(b[0x168:0x170], sb.multiMountProtectionBlock)
	binary.LittleEndian.PutUint32(b[0x170:0x174], sb.raidStripeWidth)

	b[0x174] = uint8(bits.TrailingZeros64(sb.logGroupsPerFlex))

	b[0x175] = sb.checksumType

	binary.LittleEndian.PutUint64(b[0x178:0x180], sb.totalKBWritten)

	binary.LittleEndian.PutUint32(b[0x180:0x184], sb.snapshotInodeNumber)
	binary.LittleEndian.PutUint32(b[0x184:0x188], sb.snapshotID)
	binary.LittleEndian.PutUint64(b[0x188:0x190], sb.snapshotReservedBlocks)
	binary.LittleEndian.PutUint32(b[0x190:0x194], sb.snapshotStartInode)

	binary.LittleEndian.PutUint32(b[0x194:0x198], sb.errorCount)
	binary.LittleEndian.PutUint32(b[0x198:0x19c], uint32(sb.errorFirstTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x19c:0x1a0], sb.errorFirstInode)
	binary.LittleEndian.PutUint64(b[0x1a0:0x1a8], sb.errorFirstBlock)
	if len(sb.errorFirstFunction) > 32 {
		return nil, fmt.Errorf("first error function %s too long, must be 32 bytes or less", sb.errorFirstFunction)
	}
	copy(b[0x1a8:0x1c8], sb.errorFirstFunction)
	binary.LittleEndian.PutUint32(b[0x1c8:0x1cc], sb.errorFirstLine)
	binary.LittleEndian.PutUint32(b[0x1cc:0x1d0], uint32(sb.errorLastTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x1d0:0x1d4], sb.errorLastInode)
	binary.LittleEndian.PutUint32(b[0x1d4:0x1d8], sb.errorLastLine)
	binary.LittleEndian.PutUint64(b[0x1d8:0x1e0], sb.errorLastBlock)
	if len(sb.errorLastFunction) > 32 {
		return nil, fmt.Errorf("last error function %s too long, must be 32 bytes or less", sb.errorLastFunction)
	}
	copy(b[0x1e0:0x200], sb.errorLastFunction)

	if len(sb.mountOptions) > 64 {
		return nil, fmt.Errorf("mount options %s too long, must be 64 bytes or less", sb.mountOptions)
	}
	copy(b[0x200:0x240], sb.mountOptions)
	binary.LittleEndian.PutUint32(b[0x240:0x244], sb.userQuotaInode)
	binary.LittleEndian.PutUint32(b[0x244:0x248], sb.groupQuotaInode)
	binary.LittleEndian.PutUint32(b[0x248:0x24c], sb.overheadBlocks)
	binary.LittleEndian.PutUint32(b[0x24c:0x250], sb.backupSuperblockBlockGroups[0])
	binary.LittleEndian.PutUint32(b[0x250:0x254], sb.backupSuperblockBlockGroups[1])
	for i, alg := range sb.encryptionAlgorithms {
		b[0x254+i] = byte(alg)
	}
	copy(b[0x258:0x268], sb.encryptionSalt[:])

	binary.LittleEndian.PutUint32(b[0x268:0x26c], sb.lostFoundInode)
	binary.LittleEndian.PutUint32(b[0x26c:0x270], sb.projectQuotaInode)

	if sb.features.metadataChecksumSeedInSuperblock {
		binary.LittleEndian.PutUint32(b[0x270:0x274], sb.checksumSeed)
	}

	if sb.features.metadataChecksums {
		checksum := crc.CRC32c(^uint32(0), b[0:0x3fc])
		binary.LittleEndian.PutUint32(b[0x3fc:0x400], checksum)
	}

	return b, nil
}

func (sb *superblock) blockGroupCount() uint64 {
	return (sb.blockCount - uint64(sb.firstDataBlock) + uint64(sb.blocksPerGroup) - 1) / uint64(sb.blocksPerGroup)
}

// gdtChecksumType returns how group descriptor checksums are calculated for
// this filesystem.
func (sb *superblock) gdtChecksumType() gdtChecksumType {
	var checksumType gdtChecksumType
	switch {
	case sb.features.metadataChecksums:
		checksumType = gdtChecksumMetadata
	case sb.features.gdtChecksum:
		checksumType = gdtChecksumGdt
	}
	return checksumType
}

// gdtChecksumSeed returns the seed for group descriptor checksums. The
// metadata_csum scheme chains crc32c from the filesystem checksum seed, the
// older gdt_csum scheme chains crc16 from the UUID directly.
func (sb *superblock) gdtChecksumSeed() uint32 {
	if sb.gdtChecksumType() == gdtChecksumGdt {
		return uint32(crc.CRC16(0xffff, sb.uuid[:]))
	}
	return sb.checksumSeed
}

// checkSuperBackup reports whether a block group holds a backup superblock
// under the sparse_super scheme: groups 0, 1 and powers of 3, 5 and 7.
func checkSuperBackup(g uint64) bool {
	if g == 0 || g == 1 {
		return true
	}
	for _, n := range []uint64{3, 5, 7} {
		for x := n; x <= g; x *= n {
			if x == g {
				return true
			}
		}
	}
	return false
}

// calculateBackupSuperblockGroups lists the block groups after group 0 that
// hold backup superblocks.
func calculateBackupSuperblockGroups(bgs int64) []int64 {
	var groups []int64
	for g := int64(1); g < bgs; g++ {
		if checkSuperBackup(uint64(g)) {
			groups = append(groups, g)
		}
	}
	return groups
}

// minString converts a NUL padded byte slice to a string.
func minString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
