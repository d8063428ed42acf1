// Package ext4 reads and writes ext4 filesystem images. It maintains the
// on-disk format bit for bit, including the metadata checksum chains, so the
// images it produces and mutates are interchangeable with any other ext4
// implementation.
package ext4

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/diskfs/go-ext4/ext4/crc"
	"github.com/diskfs/go-ext4/util"
	"github.com/elliotwutingfeng/asciiset"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type marshaler interface {
	Size() int
	MarshalExt4(b []byte) error
}

type unmarshaler interface {
	UnmarshalExt4([]byte) error
}

// SectorSize indicates what the sector size in bytes is
type SectorSize uint16

// BlockSize indicates how many sectors are in a block
type BlockSize uint8

const (
	// SectorSize512 is a sector size of 512 bytes, used as the logical size for all ext4 filesystems
	SectorSize512                SectorSize = 512
	minBlocksPerGroup            uint32     = 256
	BootSectorSize               SectorSize = 2 * SectorSize512
	SuperblockSize               SectorSize = 2 * SectorSize512
	BlockGroupFactor             int        = 8
	DefaultInodeRatio            int64      = 8192
	DefaultInodeSize             int64      = 256
	DefaultReservedBlocksPercent uint8      = 5
	DefaultVolumeName                       = "diskfs_ext4"
	maxBlocksPerExtent           uint16     = 32768
	million                      int        = 1000000
	firstNonReservedInode        uint32     = 11 // traditional

	minBlockLogSize int = 10 /* 1024 */
	maxBlockLogSize int = 16 /* 65536 */
	minBlockSize    int = 1 << minBlockLogSize
	maxBlockSize    int = 1 << maxBlockLogSize

	max32Num uint64 = math.MaxUint32

	maxFilesystemSize64Bit uint64 = 1 << 60

	// Ext4MinSize is the smallest filesystem Create accepts. Anything below
	// cannot hold the group metadata and the root directory.
	Ext4MinSize int64 = 1 << 20

	checksumTypeCRC32c byte = 1

	groupDescriptorSize      uint16 = 32
	groupDescriptorSize64Bit uint16 = 64

	// sizes of the extended inode area: the minimum other implementations may
	// rely on, and what newly written inodes reserve
	minInodeExtraSize  uint16 = 32
	wantInodeExtraSize uint16 = 32

	gdtMaxReservedBlocks      uint64 = 256
	gdtDefaultMaxGrowthFactor uint64 = 1024

	// RootInode is the inode number of the root directory, fixed by the
	// on-disk format. It is the starting point for all directory operations.
	RootInode uint32 = 2

	// fixed inodes
	rootInode       uint32 = RootInode
	userQuotaInode  uint32 = 3
	groupQuotaInode uint32 = 4
	journalInode    uint32 = 8
	lostFoundInode  uint32 = 11 // traditional
)

// volumeLabelChars is the set of bytes allowed in a volume label, the
// printable ASCII range.
var volumeLabelChars = func() asciiset.ASCIISet {
	var b [0x7f - 0x20]byte
	for i := range b {
		b[i] = byte(0x20 + i)
	}
	set, _ := asciiset.MakeASCIISet(string(b[:]))
	return set
}()

// Params are the configurable knobs for Create. The zero value of every
// field selects a sane default.
type Params struct {
	UUID                  *uuid.UUID
	SectorsPerBlock       uint8
	BlocksPerGroup        uint32
	InodeRatio            int64
	InodeCount            uint32
	SparseSuperVersion    uint8
	ClusterSize           int64
	ReservedBlocksPercent uint8
	VolumeName            string
	Features              []FeatureOpt
	DefaultMountOpts      []MountOpt
}

// FileSystem is a single ext4 filesystem on a backing store. The
// superblock and the group descriptor table are read once when the
// filesystem is opened and held by the handle; every mutating operation
// updates them in memory and writes them back, with fresh checksums,
// before it returns. All other on-disk structures, inodes, bitmaps and
// directory blocks, are read from the store on every operation and never
// cached between calls. Two handles over one store do not see each
// other's superblock or descriptor updates.
//
// The FileSystem itself does no locking. Callers running mutating
// operations from more than one goroutine must serialize them, see Locked.
type FileSystem struct {
	bootSector       []byte
	superblock       *superblock
	groupDescriptors *groupDescriptors
	blockGroups      int64
	size             int64
	start            int64
	file             util.File
}

// Equal compare if two filesystems are equal
func (fs *FileSystem) Equal(a *FileSystem) bool {
	localMatch := fs.file == a.file
	sbMatch := fs.superblock.equal(a.superblock)
	gdMatch := fs.groupDescriptors.equal(a.groupDescriptors)
	return localMatch && sbMatch && gdMatch
}

// Label returns the volume label.
func (fs *FileSystem) Label() string {
	if fs.superblock == nil {
		return ""
	}
	return fs.superblock.volumeLabel
}

// UUID returns the volume UUID as a formatted string.
func (fs *FileSystem) UUID() string {
	if fs.superblock == nil || fs.superblock.uuid == nil {
		return ""
	}
	return fs.superblock.uuid.String()
}

// SetLabel changes the filesystem label and writes it to the image.
func (fs *FileSystem) SetLabel(label string) error {
	if len(label) > 16 {
		return fmt.Errorf("label %q is longer than the maximum 16 bytes", label)
	}
	for i := 0; i < len(label); i++ {
		if !volumeLabelChars.Contains(label[i]) {
			return fmt.Errorf("label contains invalid byte %#x", label[i])
		}
	}
	fs.superblock.volumeLabel = label
	return fs.writeSuperblock()
}

// Create creates an ext4 filesystem in a given file or device
//
// requires the util.File where to create the filesystem, size is the size of the filesystem in bytes,
// start is how far in bytes from the beginning of the util.File to create the filesystem,
// and sectorsize is the logical sector size to use for creating the filesystem
//
// blocksize is the size of the ext4 blocks, and is calculated as sectorsPerBlock * sectorsize.
// If either sectorsize or p.SectorsPerBlock is 0, the optimal size for the
// filesystem size is picked.
//
// note that you are *not* required to create the filesystem on the entire disk. You could have a disk of size
// 20GB, and create a small filesystem of size 50MB that begins 2GB into the disk.
// This is extremely useful for creating filesystems on disk partitions.
//
//nolint:gocyclo // yes, this has high cyclomatic complexity, but we can accept it
func Create(f util.File, size, start, sectorsize int64, p *Params) (*FileSystem, error) {
	// be safe about the params pointer
	if p == nil {
		p = &Params{}
	}

	// sectorsize must be <=0 or exactly SectorSize512 or error
	// because of this, we know we can scale it down to a uint32, since it only can be 512 bytes
	if sectorsize != int64(SectorSize512) && sectorsize > 0 {
		return nil, fmt.Errorf("sectorsize for ext4 must be either 512 bytes or 0, not %d", sectorsize)
	}
	if size < Ext4MinSize {
		return nil, fmt.Errorf("requested size is smaller than minimum allowed ext4 size %d", Ext4MinSize)
	}
	if uint64(size) > maxFilesystemSize64Bit {
		return nil, fmt.Errorf("requested size is larger than maximum allowed ext4 size %d", maxFilesystemSize64Bit)
	}

	// uuid
	var (
		fsuuid uuid.UUID
		err    error
	)
	if p.UUID != nil {
		fsuuid = *p.UUID
	} else if fsuuid, err = uuid.NewRandom(); err != nil {
		return nil, fmt.Errorf("could not generate a volume UUID: %v", err)
	}

	// blocksize
	sectorsPerBlock := p.SectorsPerBlock
	var (
		blocksize uint32
		numblocks int64
	)
	if sectorsPerBlock == 0 {
		sectorsPerBlock, blocksize, numblocks = recalculateBlockSize(size)
	} else {
		if sectorsPerBlock&(sectorsPerBlock-1) != 0 {
			return nil, fmt.Errorf("sectors per block must be a power of two, not %d", sectorsPerBlock)
		}
		blocksize = uint32(sectorsPerBlock) * uint32(SectorSize512)
		if int(blocksize) < minBlockSize || int(blocksize) > maxBlockSize {
			return nil, fmt.Errorf("block size %d not in valid range of %d to %d", blocksize, minBlockSize, maxBlockSize)
		}
		numblocks = size / int64(blocksize)
	}

	// only uniform clusters are handled, so a cluster is exactly one block
	clusterSize := p.ClusterSize
	if clusterSize == 0 {
		clusterSize = int64(blocksize)
	}
	if clusterSize != int64(blocksize) {
		return nil, fmt.Errorf("bigalloc clusters of size %d: %w", clusterSize, ErrUnsupportedLayout)
	}

	// how many blocks in each block group (and therefore how many block groups)
	// if not provided, by default it is 8*blocksize (in bytes)
	blocksPerGroup := p.BlocksPerGroup
	switch {
	case blocksPerGroup <= 0:
		blocksPerGroup = blocksize * 8
	case blocksPerGroup < minBlocksPerGroup:
		return nil, fmt.Errorf("blocks per group %d cannot be smaller than %d", blocksPerGroup, minBlocksPerGroup)
	case blocksPerGroup > 8*blocksize:
		return nil, fmt.Errorf("blocks per group %d cannot be larger than 8*blocksize=%d", blocksPerGroup, 8*blocksize)
	case blocksPerGroup%8 != 0:
		return nil, fmt.Errorf("blocks per group %d must be divisible by 8", blocksPerGroup)
	}

	// features
	fflags := defaultFeatureFlags
	for _, flagopt := range p.Features {
		flagopt(&fflags)
	}
	switch {
	case !fflags.fs64Bit:
		return nil, fmt.Errorf("32-byte group descriptors: %w", ErrUnsupportedLayout)
	case fflags.metaBlockGroups:
		return nil, fmt.Errorf("meta block groups: %w", ErrUnsupportedLayout)
	case fflags.flexBlockGroups:
		return nil, fmt.Errorf("flex block groups: %w", ErrUnsupportedLayout)
	case fflags.bigalloc:
		return nil, fmt.Errorf("bigalloc clusters: %w", ErrUnsupportedLayout)
	case fflags.hasJournal || fflags.separateJournalDevice:
		return nil, fmt.Errorf("journal: %w", ErrUnsupportedLayout)
	}

	// block 0 is reserved for the boot sector when the blocks are so small
	// that it does not share a block with the superblock
	var firstDataBlock uint32
	if blocksize == 1024 {
		firstDataBlock = 1
	}

	blockGroups := (numblocks - int64(firstDataBlock) + int64(blocksPerGroup) - 1) / int64(blocksPerGroup)

	// inodeRatio: bytes per inode, at least a block's worth
	inodeRatio := p.InodeRatio
	if inodeRatio <= 0 {
		inodeRatio = DefaultInodeRatio
	}
	if inodeRatio < int64(blocksize) {
		inodeRatio = int64(blocksize)
	}
	inodeCount := p.InodeCount
	if inodeCount == 0 {
		count := uint64(size) / uint64(inodeRatio)
		if count > max32Num {
			count = max32Num
		}
		inodeCount = uint32(count)
	}

	// spread the inodes evenly, rounded up to fill whole bitmap bytes, and
	// with the per-group bitmap capped at a single block
	inodesPerGroup := inodeCount / uint32(blockGroups)
	if inodesPerGroup%8 != 0 {
		inodesPerGroup += 8 - inodesPerGroup%8
	}
	if inodesPerGroup > blocksize*8 {
		inodesPerGroup = blocksize * 8
	}
	if inodesPerGroup < 8 {
		inodesPerGroup = 8
	}
	if uint64(inodesPerGroup)*uint64(blockGroups) > max32Num {
		return nil, fmt.Errorf("%d inodes in %d block groups exceeds the maximum inode count", inodesPerGroup, blockGroups)
	}
	inodeCount = inodesPerGroup * uint32(blockGroups)

	reservedBlocksPercent := p.ReservedBlocksPercent
	if reservedBlocksPercent <= 0 {
		reservedBlocksPercent = DefaultReservedBlocksPercent
	}
	reservedBlocks := uint64(numblocks) * uint64(reservedBlocksPercent) / 100

	volumeName := p.VolumeName
	if volumeName == "" {
		volumeName = DefaultVolumeName
	}
	if len(volumeName) > 16 {
		return nil, fmt.Errorf("volume name %q is longer than the maximum 16 bytes", volumeName)
	}
	for i := 0; i < len(volumeName); i++ {
		if !volumeLabelChars.Contains(volumeName[i]) {
			return nil, fmt.Errorf("volume name contains invalid byte %#x", volumeName[i])
		}
	}

	// which groups keep a backup of the superblock and the descriptor table
	var (
		backupGroups                 []int64
		backupSuperblockGroupsSparse [2]uint32
	)
	if p.SparseSuperVersion == 2 {
		fflags.sparseSuperBlockV2 = true
		if last := blockGroups - 1; last > 0 {
			backupGroups = []int64{1}
			if last > 1 {
				backupGroups = append(backupGroups, last)
			}
			backupSuperblockGroupsSparse = [2]uint32{uint32(backupGroups[0]), uint32(backupGroups[len(backupGroups)-1])}
		}
	} else {
		backupGroups = calculateBackupSuperblockGroups(blockGroups)
	}

	gdSize := groupDescriptorSize64Bit

	// blocks each backup group sets aside for the descriptor table to grow into
	var reservedGDTBlocks uint64
	if fflags.reservedGDTBlocksForExpansion {
		reservedGDTBlocks = uint64(size) * gdtDefaultMaxGrowthFactor / uint64(blocksize) / uint64(blocksPerGroup) * uint64(gdSize) / uint64(blocksize)
		if reservedGDTBlocks > gdtMaxReservedBlocks {
			reservedGDTBlocks = gdtMaxReservedBlocks
		}
		if reservedGDTBlocks > math.MaxUint16 {
			return nil, fmt.Errorf("too many reserved blocks calculated for group descriptor table")
		}
	}

	// seed the hash tree algorithm from its own uuid
	var htreeSeed []uint32
	seedUUID, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("could not generate a hash tree seed: %v", err)
	}
	for i := 0; i < 16; i += 4 {
		htreeSeed = append(htreeSeed, binary.LittleEndian.Uint32(seedUUID[i:i+4]))
	}

	journalSuperblockUUID, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("could not generate a journal UUID: %v", err)
	}

	mountOpts := defaultMountOptionsFromOpts(p.DefaultMountOpts)

	now, epoch := time.Unix(time.Now().Unix(), 0), time.Unix(0, 0)
	sb := superblock{
		inodeCount:                   inodeCount,
		blockCount:                   uint64(numblocks),
		reservedBlocks:               reservedBlocks,
		freeBlocks:                   0, // set below from the group descriptors
		freeInodes:                   inodeCount,
		firstDataBlock:               firstDataBlock,
		blockSize:                    blocksize,
		clusterSize:                  uint64(clusterSize),
		blocksPerGroup:               blocksPerGroup,
		// the on-disk field mirrors blocksPerGroup, the parsed value is only
		// meaningful with bigalloc
		clustersPerGroup:             0,
		inodesPerGroup:               inodesPerGroup,
		mountTime:                    now,
		writeTime:                    now,
		mountCount:                   0,
		mountsToFsck:                 0,
		filesystemState:              fsStateCleanlyUnmounted,
		errorBehaviour:               errorsContinue,
		minorRevision:                0,
		lastCheck:                    now,
		checkInterval:                0,
		creatorOS:                    osLinux,
		revisionLevel:                1,
		reservedBlocksDefaultUID:     defaultReservedBlocksUID,
		reservedBlocksDefaultGID:     defaultReservedBlocksGID,
		firstNonReservedInode:        firstNonReservedInode,
		inodeSize:                    uint16(DefaultInodeSize),
		blockGroup:                   0,
		features:                     fflags,
		uuid:                         &fsuuid,
		volumeLabel:                  volumeName,
		lastMountedDirectory:         "/",
		algorithmUsageBitmap:         0,
		preallocationBlocks:          0,
		preallocationDirectoryBlocks: 0,
		reservedGDTBlocks:            uint16(reservedGDTBlocks),
		journalSuperblockUUID:        &journalSuperblockUUID,
		journalInode:                 journalInode,
		journalDeviceNumber:          0,
		orphanedInodesStart:          0,
		hashTreeSeed:                 htreeSeed,
		hashVersion:                  hashHalfMD4,
		groupDescriptorSize:          gdSize,
		defaultMountOptions:          *mountOpts,
		firstMetablockGroup:          0,
		mkfsTime:                     now,
		journalBackup:                nil,
		inodeMinBytes:                minInodeExtraSize,
		inodeReserveBytes:            wantInodeExtraSize,
		miscFlags:                    defaultMiscFlags,
		raidStride:                   0,
		multiMountPreventionInterval: 0,
		multiMountProtectionBlock:    0,
		raidStripeWidth:              0,
		logGroupsPerFlex:             1,
		checksumType:                 checksumTypeCRC32c,
		totalKBWritten:               1024,
		snapshotInodeNumber:          0,
		snapshotID:                   0,
		snapshotReservedBlocks:       0,
		snapshotStartInode:           0,
		errorCount:                   0,
		errorFirstTime:               epoch,
		errorFirstInode:              0,
		errorFirstBlock:              0,
		errorFirstFunction:           "",
		errorFirstLine:               0,
		errorLastTime:                epoch,
		errorLastInode:               0,
		errorLastLine:                0,
		errorLastBlock:               0,
		errorLastFunction:            "",
		mountOptions:                 "", // no mount options until it is mounted
		userQuotaInode:               userQuotaInode,
		groupQuotaInode:              groupQuotaInode,
		overheadBlocks:               0,
		backupSuperblockBlockGroups:  backupSuperblockGroupsSparse,
		lostFoundInode:               lostFoundInode,
		projectQuotaInode:            0,
		checksumSeed:                 crc.CRC32c(^uint32(0), fsuuid[:]),
	}

	gdt := buildGroupDescriptors(&sb)

	// inodes 1 through 10 are reserved, root among them
	gd0 := gdt.descriptors[0]
	gd0.freeInodes -= firstNonReservedInode - 1
	gd0.usedDirectories++
	sb.freeInodes -= firstNonReservedInode - 1

	var freeBlocks uint64
	for _, gd := range gdt.descriptors {
		freeBlocks += uint64(gd.freeBlocks)
	}
	if freeBlocks == 0 {
		return nil, fmt.Errorf("size %d leaves no data blocks after the filesystem metadata", size)
	}
	sb.freeBlocks = freeBlocks

	fs := &FileSystem{
		bootSector:       []byte{},
		superblock:       &sb,
		groupDescriptors: gdt,
		blockGroups:      blockGroups,
		size:             size,
		start:            start,
		file:             f,
	}

	log.Debugf("mkfs: %d blocks of %d bytes in %d block groups, %d inodes, uuid %s",
		numblocks, blocksize, blockGroups, inodeCount, fsuuid)

	if err := fs.initGroupDescriptorTables(); err != nil {
		return nil, fmt.Errorf("could not initialize the group metadata: %w", err)
	}
	if err := fs.writeSuperblock(); err != nil {
		return nil, err
	}
	if err := fs.writeGDT(); err != nil {
		return nil, err
	}

	// the backup copies baked at creation; later mutations only maintain the
	// primaries, the way the kernel driver behaves
	gdtBytes := gdt.toBytes(sb.gdtChecksumType(), sb.gdtChecksumSeed())
	for _, g := range backupGroups {
		backupSb := sb
		backupSb.blockGroup = uint16(g)
		sbBytes, err := backupSb.toBytes()
		if err != nil {
			return nil, fmt.Errorf("could not serialize the backup superblock for group %d: %w", g, err)
		}
		block := int64(firstDataBlock) + g*int64(blocksPerGroup)
		if _, err := f.WriteAt(sbBytes, block*int64(blocksize)+start); err != nil {
			return nil, fmt.Errorf("could not write the backup superblock for group %d: %v", g, err)
		}
		if _, err := f.WriteAt(gdtBytes, (block+1)*int64(blocksize)+start); err != nil {
			return nil, fmt.Errorf("could not write the backup descriptor table for group %d: %v", g, err)
		}
	}

	if err := fs.initRootDirectory(); err != nil {
		return nil, err
	}
	if _, err := fs.MkdirIn(rootInode, "lost+found", 0o700); err != nil {
		return nil, fmt.Errorf("could not create lost+found: %w", err)
	}

	if err := fs.writeSuperblock(); err != nil {
		return nil, err
	}
	log.Debugf("mkfs: done, %d of %d blocks free", fs.superblock.freeBlocks, fs.superblock.blockCount)
	return fs, nil
}

// Read reads a filesystem from a given disk.
//
// requires the util.File where to read the filesystem, size is the size of the filesystem in bytes,
// start is how far in bytes from the beginning of the util.File the filesystem is expected to begin,
// and sectorsize is the logical sector size to use for reading the filesystem
//
// note that you are *not* required to read a filesystem on the entire disk. You could have a disk of size
// 20GB, and a small filesystem of size 50MB that begins 2GB into the disk.
// This is extremely useful for working with filesystems on disk partitions.
func Read(file util.File, size, start, sectorsize int64) (*FileSystem, error) {
	// sectorsize must be <=0 or exactly SectorSize512 or error
	if sectorsize != int64(SectorSize512) && sectorsize > 0 {
		return nil, fmt.Errorf("sectorsize for ext4 must be either 512 bytes or 0, not %d", sectorsize)
	}
	if size < Ext4MinSize {
		return nil, fmt.Errorf("size %d is smaller than minimum allowed ext4 size %d", size, Ext4MinSize)
	}

	// load the information from the disk

	// boot sector code, if any, stays untouched in front of the superblock
	bootSector := make([]byte, BootSectorSize)
	n, err := file.ReadAt(bootSector, start)
	if err != nil {
		return nil, fmt.Errorf("could not read the boot sector: %v", err)
	}
	if n < int(BootSectorSize) {
		return nil, fmt.Errorf("only could read %d boot sector bytes instead of %d", n, BootSectorSize)
	}

	superblockBytes := make([]byte, SuperblockSize)
	n, err = file.ReadAt(superblockBytes, start+int64(BootSectorSize))
	if err != nil {
		return nil, fmt.Errorf("could not read the superblock: %v", err)
	}
	if n < int(SuperblockSize) {
		return nil, fmt.Errorf("only could read %d superblock bytes instead of %d", n, SuperblockSize)
	}
	sb, err := superblockFromBytes(superblockBytes)
	if err != nil {
		return nil, fmt.Errorf("could not interpret the superblock: %w", err)
	}

	switch {
	case !sb.features.fs64Bit || sb.groupDescriptorSize != groupDescriptorSize64Bit:
		return nil, fmt.Errorf("group descriptors of %d bytes: %w", sb.groupDescriptorSize, ErrUnsupportedLayout)
	case sb.features.bigalloc:
		return nil, fmt.Errorf("bigalloc clusters: %w", ErrUnsupportedLayout)
	case sb.features.metaBlockGroups:
		return nil, fmt.Errorf("meta block groups: %w", ErrUnsupportedLayout)
	case sb.features.compression:
		return nil, fmt.Errorf("compression: %w", ErrUnsupportedLayout)
	case sb.features.recoveryNeeded:
		return nil, fmt.Errorf("journal recovery needed: %w", ErrUnsupportedLayout)
	case sb.features.hasJournal || sb.features.separateJournalDevice:
		return nil, fmt.Errorf("journal: %w", ErrUnsupportedLayout)
	}

	blockGroups := int64(sb.blockGroupCount())
	gdtSize := uint64(sb.groupDescriptorSize) * uint64(blockGroups)
	gdtBytes := make([]byte, gdtSize)
	n, err = file.ReadAt(gdtBytes, int64(getGDTBlock(sb))*int64(sb.blockSize)+start)
	if err != nil {
		return nil, fmt.Errorf("could not read the group descriptor table: %v", err)
	}
	if uint64(n) < gdtSize {
		return nil, fmt.Errorf("only could read %d group descriptor table bytes instead of %d", n, gdtSize)
	}
	gds, err := groupDescriptorsFromBytes(gdtBytes, sb.groupDescriptorSize, sb.gdtChecksumSeed(), sb.gdtChecksumType())
	if err != nil {
		return nil, fmt.Errorf("could not interpret the group descriptor table: %w", err)
	}

	log.Debugf("mount: %q uuid %s, %d blocks of %d bytes in %d groups, %d of %d inodes free",
		sb.volumeLabel, sb.uuid, sb.blockCount, sb.blockSize, blockGroups, sb.freeInodes, sb.inodeCount)

	return &FileSystem{
		bootSector:       bootSector,
		superblock:       sb,
		groupDescriptors: gds,
		blockGroups:      blockGroups,
		size:             size,
		start:            start,
		file:             file,
	}, nil
}

// pick a block size the way mkfs does: small filesystems get the historical
// 1024 byte blocks, everything else 4096
func recalculateBlockSize(size int64) (sectorsPerBlock uint8, blocksize uint32, numblocks int64) {
	if size < int64(512*million) {
		sectorsPerBlock, blocksize = 2, 1024
	} else {
		sectorsPerBlock, blocksize = 8, 4096
	}
	return sectorsPerBlock, blocksize, size / int64(blocksize)
}

// buildGroupDescriptors lays out the block groups described by a new
// superblock: bitmap and inode table positions and the free counts that
// remain once that metadata is accounted for.
func buildGroupDescriptors(sb *superblock) *groupDescriptors {
	var (
		groups           = int(sb.blockGroupCount())
		blocksPerGroup   = uint64(sb.blocksPerGroup)
		blockSize        = uint64(sb.blockSize)
		inodeTableBlocks = (uint64(sb.inodesPerGroup)*uint64(sb.inodeSize) + blockSize - 1) / blockSize
		gdtBlocks        = (uint64(groups)*uint64(sb.groupDescriptorSize) + blockSize - 1) / blockSize
	)
	descriptors := make([]*groupDescriptor, 0, groups)
	for g := 0; g < groups; g++ {
		gd := groupDescriptor{
			number: uint16(g),
			size:   sb.groupDescriptorSize,
		}
		groupStart := uint64(sb.firstDataBlock) + uint64(g)*blocksPerGroup
		blocksInGroup := blocksPerGroup
		if remaining := sb.blockCount - groupStart; remaining < blocksInGroup {
			blocksInGroup = remaining
		}

		// groups with a superblock backup lose a block to it, plus the
		// descriptor table copy and the blocks reserved for growing it
		var metaBlocks uint64
		if checkSuperBackup(uint64(g)) {
			metaBlocks = 1 + gdtBlocks + uint64(sb.reservedGDTBlocks)
		}
		gd.blockBitmapLocation = groupStart + metaBlocks
		gd.inodeBitmapLocation = gd.blockBitmapLocation + 1
		gd.inodeTableLocation = gd.inodeBitmapLocation + 1

		overhead := metaBlocks + 2 + inodeTableBlocks
		if overhead > blocksInGroup {
			overhead = blocksInGroup
		}
		gd.freeBlocks = uint32(blocksInGroup - overhead)
		gd.freeInodes = sb.inodesPerGroup
		descriptors = append(descriptors, &gd)
	}
	return &groupDescriptors{descriptors: descriptors}
}

// initGroupDescriptorTables writes the initial allocation bitmaps and a
// zeroed inode table for every block group.
func (fs *FileSystem) initGroupDescriptorTables() error {
	var (
		sb               = fs.superblock
		blockSize        = uint64(sb.blockSize)
		gdtBlocks        = (sb.blockGroupCount()*uint64(sb.groupDescriptorSize) + blockSize - 1) / blockSize
		inodeTableBlocks = (uint64(sb.inodesPerGroup)*uint64(sb.inodeSize) + blockSize - 1) / blockSize
		zeroInodeTable   = make([]byte, inodeTableBlocks*blockSize)
	)
	for _, gd := range fs.groupDescriptors.descriptors {
		g := uint64(gd.number)
		groupStart := uint64(sb.firstDataBlock) + g*uint64(sb.blocksPerGroup)
		blocksInGroup := uint64(sb.blocksPerGroup)
		if remaining := sb.blockCount - groupStart; remaining < blocksInGroup {
			blocksInGroup = remaining
		}

		// block bitmap: the group's metadata blocks are taken, anything
		// beyond the end of the group is padding and permanently taken
		blockBitmap := util.NewBitmap(int(blockSize))
		for i := blocksInGroup; i < blockSize*8; i++ {
			_ = blockBitmap.Set(int(i))
		}
		var metaBlocks uint64
		if checkSuperBackup(g) {
			metaBlocks = 1 + gdtBlocks + uint64(sb.reservedGDTBlocks)
		}
		for i := uint64(0); i < metaBlocks; i++ {
			_ = blockBitmap.Set(int(i))
		}
		for block := gd.blockBitmapLocation; block < gd.inodeTableLocation+inodeTableBlocks; block++ {
			_ = blockBitmap.Set(int(block - groupStart))
		}

		// inode bitmap: only the tail padding, and in group 0 the reserved inodes
		inodeBitmap := util.NewBitmap(int(blockSize))
		for i := uint64(sb.inodesPerGroup); i < blockSize*8; i++ {
			_ = inodeBitmap.Set(int(i))
		}
		if gd.number == 0 {
			for i := uint32(0); i < firstNonReservedInode-1; i++ {
				_ = inodeBitmap.Set(int(i))
			}
		}

		blockBitmapBytes := blockBitmap.ToBytes()
		inodeBitmapBytes := inodeBitmap.ToBytes()
		if sb.features.metadataChecksums {
			gd.blockBitmapChecksum = bitmapChecksum(blockBitmapBytes[:sb.blocksPerGroup/8], sb.checksumSeed, sb.features.fs64Bit)
			gd.inodeBitmapChecksum = bitmapChecksum(inodeBitmapBytes[:sb.inodesPerGroup/8], sb.checksumSeed, sb.features.fs64Bit)
		}

		if _, err := fs.file.WriteAt(blockBitmapBytes, int64(gd.blockBitmapLocation)*int64(blockSize)+fs.start); err != nil {
			return fmt.Errorf("could not write the block bitmap for group %d: %v", g, err)
		}
		if _, err := fs.file.WriteAt(inodeBitmapBytes, int64(gd.inodeBitmapLocation)*int64(blockSize)+fs.start); err != nil {
			return fmt.Errorf("could not write the inode bitmap for group %d: %v", g, err)
		}
		if _, err := fs.file.WriteAt(zeroInodeTable, int64(gd.inodeTableLocation)*int64(blockSize)+fs.start); err != nil {
			return fmt.Errorf("could not write the inode table for group %d: %v", g, err)
		}
	}
	return nil
}

// initRootDirectory builds inode 2 and its first directory block with the
// "." and ".." entries.
func (fs *FileSystem) initRootDirectory() error {
	sb := fs.superblock
	newExtents, err := fs.allocateExtents(uint64(sb.blockSize), nil)
	if err != nil {
		return fmt.Errorf("could not allocate a block for the root directory: %w", err)
	}
	extentTree, err := extendExtentTree(nil, newExtents, fs, rootInode, 0)
	if err != nil {
		return fmt.Errorf("could not build the root directory extent tree: %w", err)
	}

	now := time.Unix(time.Now().Unix(), 0)
	in := inode{
		number:           rootInode,
		fileType:         fileTypeDirectory,
		permissionsOwner: filePermissions{read: true, write: true, execute: true},
		permissionsGroup: filePermissions{read: true, execute: true},
		permissionsOther: filePermissions{read: true, execute: true},
		size:             uint64(sb.blockSize),
		hardLinks:        2,
		blocks:           newExtents.blockCount() * uint64(sb.blockSize) / 512,
		flags:            &inodeFlags{usesExtents: true},
		inodeSize:        sb.inodeSize,
		accessTime:       now,
		changeTime:       now,
		createTime:       now,
		modifyTime:       now,
		extents:          extentTree,
	}
	if err := fs.writeInode(&in); err != nil {
		return fmt.Errorf("could not write the root inode: %w", err)
	}

	entries := &directoryEntriesLinear{
		entries: []*directoryEntry{
			{inode: rootInode, filename: ".", fileType: dirFileTypeDirectory, hasFileType: sb.features.directoryEntriesRecordFileType},
			{inode: rootInode, filename: "..", fileType: dirFileTypeDirectory, hasFileType: sb.features.directoryEntriesRecordFileType},
		},
		bytesPerBlock: sb.blockSize,
		hasFileType:   sb.features.directoryEntriesRecordFileType,
		dirty:         true,
	}
	if sb.features.metadataChecksums {
		entries.checkSum = linearDirectoryCheckSum(sb.checksumSeed, rootInode, 0)
	}
	if err := fs.writeBlock((*newExtents)[0].startingBlock, entries.toBytes()); err != nil {
		return fmt.Errorf("could not write the root directory block: %w", err)
	}
	return nil
}

// readBlock reads a single block into b, which must hold a whole block.
func (fs *FileSystem) readBlock(blockNumber uint64, b []byte) error {
	blockSize := int64(fs.superblock.blockSize)
	read, err := fs.file.ReadAt(b, int64(blockNumber)*blockSize+fs.start)
	if err != nil {
		return fmt.Errorf("could not read block %d: %v", blockNumber, err)
	}
	if read != len(b) {
		return fmt.Errorf("only could read %d bytes of block %d instead of %d", read, blockNumber, len(b))
	}
	return nil
}

// writeBlock writes a single block from b.
func (fs *FileSystem) writeBlock(blockNumber uint64, b []byte) error {
	blockSize := int64(fs.superblock.blockSize)
	wrote, err := fs.file.WriteAt(b, int64(blockNumber)*blockSize+fs.start)
	if err != nil {
		return fmt.Errorf("could not write block %d: %v", blockNumber, err)
	}
	if wrote != len(b) {
		return fmt.Errorf("only could write %d bytes of block %d instead of %d", wrote, blockNumber, len(b))
	}
	return nil
}

// readInode reads a single inode from the inode table of its group and
// verifies its checksum.
func (fs *FileSystem) readInode(inodeNumber uint32) (*inode, error) {
	sb := fs.superblock
	if inodeNumber == 0 || inodeNumber > sb.inodeCount {
		return nil, fmt.Errorf("inode %d out of range", inodeNumber)
	}
	bg := blockGroupForInode(inodeNumber, sb.inodesPerGroup)
	gd := fs.groupDescriptors.byNumber(uint16(bg))
	if gd == nil {
		return nil, fmt.Errorf("no block group %d for inode %d", bg, inodeNumber)
	}
	b := make([]byte, sb.inodeSize)
	read, err := fs.file.ReadAt(b, inodeLocation(sb, gd, inodeNumber)+fs.start)
	if err != nil {
		return nil, fmt.Errorf("could not read inode %d: %v", inodeNumber, err)
	}
	if read != len(b) {
		return nil, fmt.Errorf("only could read %d bytes of inode %d instead of %d", read, inodeNumber, len(b))
	}
	return inodeFromBytes(b, sb, inodeNumber)
}

// writeInode serializes a single inode, with a fresh checksum, into the
// inode table of its group.
func (fs *FileSystem) writeInode(in *inode) error {
	sb := fs.superblock
	bg := blockGroupForInode(in.number, sb.inodesPerGroup)
	gd := fs.groupDescriptors.byNumber(uint16(bg))
	if gd == nil {
		return fmt.Errorf("no block group %d for inode %d", bg, in.number)
	}
	b := in.toBytes(sb)
	wrote, err := fs.file.WriteAt(b, inodeLocation(sb, gd, in.number)+fs.start)
	if err != nil {
		return fmt.Errorf("could not write inode %d: %v", in.number, err)
	}
	if wrote != len(b) {
		return fmt.Errorf("only could write %d bytes of inode %d instead of %d", wrote, in.number, len(b))
	}
	return nil
}

// readDirectory reads the entries of the directory held by the given inode.
func (fs *FileSystem) readDirectory(inodeNumber uint32) (*Directory, *inode, error) {
	in, err := fs.readInode(inodeNumber)
	if err != nil {
		return nil, nil, err
	}
	if in.fileType != fileTypeDirectory {
		return nil, nil, fmt.Errorf("inode %d: %w", inodeNumber, ErrNotADirectory)
	}
	ex, err := in.extents.blocks(fs)
	if err != nil {
		return nil, nil, fmt.Errorf("could not read the extent tree of directory inode %d: %w", inodeNumber, err)
	}
	b, err := fs.readFileBytes(ex, in.size)
	if err != nil {
		return nil, nil, fmt.Errorf("could not read the blocks of directory inode %d: %w", inodeNumber, err)
	}
	sb := fs.superblock
	entries := &directoryEntriesLinear{
		bytesPerBlock: sb.blockSize,
		hasFileType:   sb.features.directoryEntriesRecordFileType,
		hashTree:      in.flags.hashedDirectoryIndexes,
	}
	if sb.features.metadataChecksums {
		entries.checkSum = linearDirectoryCheckSum(sb.checksumSeed, inodeNumber, in.nfsFileVersion)
	}
	if err := entries.UnmarshalExt4(b); err != nil {
		return nil, nil, fmt.Errorf("directory inode %d: %w", inodeNumber, err)
	}
	dir := &Directory{
		directoryEntry: directoryEntry{
			inode:       inodeNumber,
			fileType:    dirFileTypeDirectory,
			hasFileType: entries.hasFileType,
		},
		root:    inodeNumber == rootInode,
		entries: entries,
	}
	return dir, in, nil
}

// readFileBytes reads the file content covered by the given extents, up to
// filesize bytes.
func (fs *FileSystem) readFileBytes(ex extents, filesize uint64) ([]byte, error) {
	blockSize := uint64(fs.superblock.blockSize)
	b := make([]byte, 0, filesize)
	for _, e := range ex {
		chunk := make([]byte, uint64(e.count)*blockSize)
		read, err := fs.file.ReadAt(chunk, int64(e.startingBlock*blockSize)+fs.start)
		if err != nil {
			return nil, fmt.Errorf("could not read extent at block %d: %v", e.startingBlock, err)
		}
		if read != len(chunk) {
			return nil, fmt.Errorf("only could read %d bytes of the extent at block %d instead of %d", read, e.startingBlock, len(chunk))
		}
		b = append(b, chunk...)
		if uint64(len(b)) >= filesize {
			break
		}
	}
	if uint64(len(b)) > filesize {
		b = b[:filesize]
	}
	return b, nil
}

// readInodeBitmap reads the inode allocation bitmap of a group and verifies
// its checksum against the group descriptor.
func (fs *FileSystem) readInodeBitmap(group int) (*util.Bitmap, error) {
	sb := fs.superblock
	gd := fs.groupDescriptors.byNumber(uint16(group))
	if gd == nil {
		return nil, fmt.Errorf("no block group %d", group)
	}
	b := make([]byte, sb.inodesPerGroup/8)
	offset := int64(gd.inodeBitmapLocation)*int64(sb.blockSize) + fs.start
	read, err := fs.file.ReadAt(b, offset)
	if err != nil {
		return nil, fmt.Errorf("could not read the inode bitmap for group %d: %v", group, err)
	}
	if read != len(b) {
		return nil, fmt.Errorf("only could read %d bytes of the inode bitmap for group %d instead of %d", read, group, len(b))
	}
	if sb.features.metadataChecksums {
		if actual := bitmapChecksum(b, sb.checksumSeed, sb.features.fs64Bit); actual != gd.inodeBitmapChecksum {
			return nil, fmt.Errorf("inode bitmap for group %d checksum mismatch, on disk %x, calculated %x", group, gd.inodeBitmapChecksum, actual)
		}
	}
	return util.BitmapWithBytes(b), nil
}

// writeInodeBitmap writes the inode allocation bitmap of a group back,
// updating the checksum held in the group descriptor so the two always
// change together.
func (fs *FileSystem) writeInodeBitmap(bm *util.Bitmap, group int) error {
	sb := fs.superblock
	gd := fs.groupDescriptors.byNumber(uint16(group))
	if gd == nil {
		return fmt.Errorf("no block group %d", group)
	}
	b := bm.ToBytes()
	offset := int64(gd.inodeBitmapLocation)*int64(sb.blockSize) + fs.start
	wrote, err := fs.file.WriteAt(b, offset)
	if err != nil {
		return fmt.Errorf("could not write the inode bitmap for group %d: %v", group, err)
	}
	if wrote != len(b) {
		return fmt.Errorf("only could write %d bytes of the inode bitmap for group %d instead of %d", wrote, group, len(b))
	}
	if sb.features.metadataChecksums {
		gd.inodeBitmapChecksum = bitmapChecksum(b, sb.checksumSeed, sb.features.fs64Bit)
	}
	return fs.writeGroupDescriptor(gd)
}

// readBlockBitmap reads the block allocation bitmap of a group and verifies
// its checksum against the group descriptor.
func (fs *FileSystem) readBlockBitmap(group int) (*util.Bitmap, error) {
	sb := fs.superblock
	gd := fs.groupDescriptors.byNumber(uint16(group))
	if gd == nil {
		return nil, fmt.Errorf("no block group %d", group)
	}
	b := make([]byte, sb.blocksPerGroup/8)
	offset := int64(gd.blockBitmapLocation)*int64(sb.blockSize) + fs.start
	read, err := fs.file.ReadAt(b, offset)
	if err != nil {
		return nil, fmt.Errorf("could not read the block bitmap for group %d: %v", group, err)
	}
	if read != len(b) {
		return nil, fmt.Errorf("only could read %d bytes of the block bitmap for group %d instead of %d", read, group, len(b))
	}
	if sb.features.metadataChecksums {
		if actual := bitmapChecksum(b, sb.checksumSeed, sb.features.fs64Bit); actual != gd.blockBitmapChecksum {
			return nil, fmt.Errorf("block bitmap for group %d checksum mismatch, on disk %x, calculated %x", group, gd.blockBitmapChecksum, actual)
		}
	}
	return util.BitmapWithBytes(b), nil
}

// writeBlockBitmap writes the block allocation bitmap of a group back,
// updating the checksum held in the group descriptor so the two always
// change together.
func (fs *FileSystem) writeBlockBitmap(bm *util.Bitmap, group int) error {
	sb := fs.superblock
	gd := fs.groupDescriptors.byNumber(uint16(group))
	if gd == nil {
		return fmt.Errorf("no block group %d", group)
	}
	b := bm.ToBytes()
	offset := int64(gd.blockBitmapLocation)*int64(sb.blockSize) + fs.start
	wrote, err := fs.file.WriteAt(b, offset)
	if err != nil {
		return fmt.Errorf("could not write the block bitmap for group %d: %v", group, err)
	}
	if wrote != len(b) {
		return fmt.Errorf("only could write %d bytes of the block bitmap for group %d instead of %d", wrote, group, len(b))
	}
	if sb.features.metadataChecksums {
		gd.blockBitmapChecksum = bitmapChecksum(b, sb.checksumSeed, sb.features.fs64Bit)
	}
	return fs.writeGroupDescriptor(gd)
}

// writeSuperblock writes the primary superblock. It sits at a fixed offset
// past the boot sector, so the rest of block 0 is never touched.
func (fs *FileSystem) writeSuperblock() error {
	b, err := fs.superblock.toBytes()
	if err != nil {
		return fmt.Errorf("could not serialize the superblock: %w", err)
	}
	wrote, err := fs.file.WriteAt(b, fs.start+int64(BootSectorSize))
	if err != nil {
		return fmt.Errorf("could not write the superblock: %v", err)
	}
	if wrote != len(b) {
		return fmt.Errorf("only could write %d superblock bytes instead of %d", wrote, len(b))
	}
	return nil
}

// writeGroupDescriptor writes one descriptor into the primary group
// descriptor table, with a fresh checksum.
func (fs *FileSystem) writeGroupDescriptor(gd *groupDescriptor) error {
	sb := fs.superblock
	b := gd.toBytes(sb.gdtChecksumType(), sb.gdtChecksumSeed())
	offset := int64(getGDTBlock(sb))*int64(sb.blockSize) + int64(gd.number)*int64(sb.groupDescriptorSize)
	wrote, err := fs.file.WriteAt(b, offset+fs.start)
	if err != nil {
		return fmt.Errorf("could not write the descriptor for group %d: %v", gd.number, err)
	}
	if wrote != len(b) {
		return fmt.Errorf("only could write %d bytes of the descriptor for group %d instead of %d", wrote, gd.number, len(b))
	}
	return nil
}

// writeGDT writes the whole primary group descriptor table.
func (fs *FileSystem) writeGDT() error {
	sb := fs.superblock
	b := fs.groupDescriptors.toBytes(sb.gdtChecksumType(), sb.gdtChecksumSeed())
	wrote, err := fs.file.WriteAt(b, int64(getGDTBlock(sb))*int64(sb.blockSize)+fs.start)
	if err != nil {
		return fmt.Errorf("could not write the group descriptor table: %v", err)
	}
	if wrote != len(b) {
		return fmt.Errorf("only could write %d group descriptor table bytes instead of %d", wrote, len(b))
	}
	return nil
}

// getGDTBlock returns the block where the group descriptor table starts,
// the block right after the superblock.
func getGDTBlock(sb *superblock) uint64 {
	return uint64(sb.firstDataBlock) + 1
}

// inodeLocation returns the byte offset of an inode inside the filesystem,
// derived from the geometry on every call.
func inodeLocation(sb *superblock, gd *groupDescriptor, inodeNumber uint32) int64 {
	offsetInode := (inodeNumber - 1) % sb.inodesPerGroup
	return int64(gd.inodeTableLocation)*int64(sb.blockSize) + int64(offsetInode)*int64(sb.inodeSize)
}

// blockGroupForInode returns the block group an inode belongs to.
func blockGroupForInode(inodeNumber, inodesPerGroup uint32) int {
	return int((inodeNumber - 1) / inodesPerGroup)
}

// blockGroupForBlock returns the block group a block belongs to.
func blockGroupForBlock(blockNumber uint64, sb *superblock) int {
	return int((blockNumber - uint64(sb.firstDataBlock)) / uint64(sb.blocksPerGroup))
}

// blocksRequired returns how many blocks are needed to hold the given
// number of bytes.
func blocksRequired(sizeInBytes uint64, blockSize uint32) uint64 {
	return (sizeInBytes + uint64(blockSize) - 1) / uint64(blockSize)
}
