package ext4

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/diskfs/go-ext4/backend"
	"github.com/diskfs/go-ext4/ext4/crc"
	"github.com/go-test/deep"
	"github.com/google/uuid"
)

func TestCreateAndRead(t *testing.T) {
	fs, dev := testCreateFilesystem(t, testFilesystemSize)

	sb := fs.superblock
	if sb.blockSize != 1024 {
		t.Errorf("expected 1024 byte blocks for a %d byte filesystem, got %d", testFilesystemSize, sb.blockSize)
	}
	if sb.firstDataBlock != 1 {
		t.Errorf("expected the first data block at 1, got %d", sb.firstDataBlock)
	}
	if sb.blockGroupCount() != 8 {
		t.Errorf("expected 8 block groups, got %d", sb.blockGroupCount())
	}
	if sb.inodesPerGroup != 1024 {
		t.Errorf("expected 1024 inodes per group, got %d", sb.inodesPerGroup)
	}
	if sb.inodeCount != 8192 {
		t.Errorf("expected 8192 inodes, got %d", sb.inodeCount)
	}

	fs2, err := Read(dev, testFilesystemSize, 0, 0)
	if err != nil {
		t.Fatalf("could not read back the filesystem: %v", err)
	}

	deep.CompareUnexportedFields = true
	defer func() { deep.CompareUnexportedFields = false }()
	if diff := deep.Equal(fs.superblock, fs2.superblock); diff != nil {
		t.Errorf("superblock changed across a write/read cycle: %v", diff)
	}
	if diff := deep.Equal(fs.groupDescriptors, fs2.groupDescriptors); diff != nil {
		t.Errorf("group descriptors changed across a write/read cycle: %v", diff)
	}
	if !fs.Equal(fs2) {
		t.Errorf("filesystems not equal after a write/read cycle")
	}

	// mkfs leaves the root holding itself and lost+found
	entries, err := fs2.ListDir(rootInode)
	if err != nil {
		t.Fatalf("could not list the root directory: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	want := []string{".", "..", "lost+found"}
	if diff := deep.Equal(names, want); diff != nil {
		t.Errorf("unexpected root directory contents: %v", diff)
	}

	testCountersConsistent(t, fs2)
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name string
		size int64
		p    *Params
		err  string
	}{
		{"too small", Ext4MinSize - 1, nil, "smaller than minimum allowed ext4 size"},
		{"sectors per block not a power of two", testFilesystemSize, &Params{SectorsPerBlock: 3}, "must be a power of two"},
		{"block size too large", testFilesystemSize, &Params{SectorsPerBlock: 255}, "must be a power of two"},
		{"blocks per group too small", testFilesystemSize, &Params{BlocksPerGroup: 128}, "cannot be smaller than"},
		{"blocks per group too large", testFilesystemSize, &Params{BlocksPerGroup: 16384}, "cannot be larger than"},
		{"blocks per group unaligned", testFilesystemSize, &Params{BlocksPerGroup: 1004}, "divisible by 8"},
		{"volume name too long", testFilesystemSize, &Params{VolumeName: "seventeen__bytes_"}, "longer than the maximum 16 bytes"},
		{"volume name bad byte", testFilesystemSize, &Params{VolumeName: "bad\x01name"}, "invalid byte"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := backend.NewMemory(testFilesystemSize)
			_, err := Create(dev, tt.size, 0, 0, tt.p)
			if err == nil {
				t.Fatalf("expected an error matching %q, got none", tt.err)
			}
			if !strings.Contains(err.Error(), tt.err) {
				t.Errorf("expected an error matching %q, got %v", tt.err, err)
			}
		})
	}
}

func TestCreateBadSectorSize(t *testing.T) {
	dev := backend.NewMemory(testFilesystemSize)
	_, err := Create(dev, testFilesystemSize, 0, 1024, nil)
	if err == nil || !strings.Contains(err.Error(), "must be either 512 bytes or 0") {
		t.Errorf("expected a sector size error, got %v", err)
	}
}

func TestCreateRefusesUnsupportedLayouts(t *testing.T) {
	tests := []struct {
		name string
		p    *Params
	}{
		{"32-byte group descriptors", &Params{Features: []FeatureOpt{WithFeatureFS64Bit(false)}}},
		{"meta block groups", &Params{Features: []FeatureOpt{WithFeatureMetaBlockGroups(true)}}},
		{"flex block groups", &Params{Features: []FeatureOpt{WithFeatureFlexBlockGroups(true)}}},
		{"bigalloc", &Params{Features: []FeatureOpt{WithFeatureBigalloc(true)}}},
		{"journal", &Params{Features: []FeatureOpt{WithFeatureHasJournal(true)}}},
		{"journal device", &Params{Features: []FeatureOpt{WithFeatureSeparateJournalDevice(true)}}},
		{"bigalloc cluster size", &Params{ClusterSize: 2048}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := backend.NewMemory(testFilesystemSize)
			_, err := Create(dev, testFilesystemSize, 0, 0, tt.p)
			if !errors.Is(err, ErrUnsupportedLayout) {
				t.Errorf("expected ErrUnsupportedLayout, got %v", err)
			}
		})
	}
}

func TestReadCorruptSuperblock(t *testing.T) {
	_, dev := testCreateFilesystem(t, testFilesystemSize)

	raw := dev.Bytes()
	sbBytes := raw[int(BootSectorSize) : int(BootSectorSize)+int(SuperblockSize)]
	sbBytes[0x4c] ^= 0xff

	_, err := Read(dev, testFilesystemSize, 0, 0)
	if err == nil || !strings.Contains(err.Error(), "invalid superblock checksum") {
		t.Errorf("expected a superblock checksum error, got %v", err)
	}
}

func TestReadRefusesJournal(t *testing.T) {
	_, dev := testCreateFilesystem(t, testFilesystemSize)

	// claim a journal in the compat flags and re-seal the superblock
	raw := dev.Bytes()
	sbBytes := raw[int(BootSectorSize) : int(BootSectorSize)+int(SuperblockSize)]
	compat := binary.LittleEndian.Uint32(sbBytes[0x5c:0x60])
	binary.LittleEndian.PutUint32(sbBytes[0x5c:0x60], compat|uint32(compatFeatureHasJournal))
	binary.LittleEndian.PutUint32(sbBytes[0x3fc:0x400], crc.CRC32c(^uint32(0), sbBytes[0:0x3fc]))

	_, err := Read(dev, testFilesystemSize, 0, 0)
	if !errors.Is(err, ErrUnsupportedLayout) {
		t.Errorf("expected ErrUnsupportedLayout for a journalled filesystem, got %v", err)
	}
}

func TestLabel(t *testing.T) {
	fs, dev := testCreateFilesystem(t, testFilesystemSize)
	if fs.Label() != DefaultVolumeName {
		t.Errorf("expected the default label %q, got %q", DefaultVolumeName, fs.Label())
	}

	if err := fs.SetLabel("backups"); err != nil {
		t.Fatalf("could not set the label: %v", err)
	}
	fs2, err := Read(dev, testFilesystemSize, 0, 0)
	if err != nil {
		t.Fatalf("could not read back the filesystem: %v", err)
	}
	if fs2.Label() != "backups" {
		t.Errorf("label did not persist, got %q", fs2.Label())
	}

	if err := fs.SetLabel("seventeen__bytes_"); err == nil {
		t.Errorf("expected an error for a 17 byte label")
	}
	if err := fs.SetLabel("bad\x7fname"); err == nil {
		t.Errorf("expected an error for a label with an unprintable byte")
	}
}

func TestUUID(t *testing.T) {
	id := uuid.MustParse("3d79b1ee-e349-4bef-ac83-7b6c7bcd6e61")
	dev := backend.NewMemory(testFilesystemSize)
	fs, err := Create(dev, testFilesystemSize, 0, 0, &Params{UUID: &id})
	if err != nil {
		t.Fatalf("could not create the filesystem: %v", err)
	}
	if fs.UUID() != id.String() {
		t.Errorf("expected uuid %s, got %s", id, fs.UUID())
	}
	fs2, err := Read(dev, testFilesystemSize, 0, 0)
	if err != nil {
		t.Fatalf("could not read back the filesystem: %v", err)
	}
	if fs2.UUID() != id.String() {
		t.Errorf("uuid did not persist, got %s", fs2.UUID())
	}
}

func TestBackupSuperblocks(t *testing.T) {
	fs, dev := testCreateFilesystem(t, testFilesystemSize)
	sb := fs.superblock
	raw := dev.Bytes()

	for _, g := range calculateBackupSuperblockGroups(int64(sb.blockGroupCount())) {
		block := int64(sb.firstDataBlock) + g*int64(sb.blocksPerGroup)
		offset := block * int64(sb.blockSize)
		backup, err := superblockFromBytes(raw[offset : offset+int64(SuperblockSize)])
		if err != nil {
			t.Fatalf("could not parse the backup superblock in group %d: %v", g, err)
		}
		if backup.blockGroup != uint16(g) {
			t.Errorf("backup in group %d records block group %d", g, backup.blockGroup)
		}
		if *backup.uuid != *sb.uuid {
			t.Errorf("backup in group %d has uuid %s instead of %s", g, backup.uuid, sb.uuid)
		}
	}

	// group 2 keeps no backup
	block := int64(sb.firstDataBlock) + 2*int64(sb.blocksPerGroup)
	offset := block * int64(sb.blockSize)
	if _, err := superblockFromBytes(raw[offset : offset+int64(SuperblockSize)]); err == nil {
		t.Errorf("expected no parseable superblock in group 2")
	}
}

func TestSparseSuperV2(t *testing.T) {
	dev := backend.NewMemory(testFilesystemSize)
	fs, err := Create(dev, testFilesystemSize, 0, 0, &Params{SparseSuperVersion: 2})
	if err != nil {
		t.Fatalf("could not create the filesystem: %v", err)
	}
	sb := fs.superblock
	if !sb.features.sparseSuperBlockV2 {
		t.Errorf("expected the sparse_super2 feature flag")
	}
	if sb.backupSuperblockBlockGroups != [2]uint32{1, 7} {
		t.Errorf("expected backups in groups [1 7], got %v", sb.backupSuperblockBlockGroups)
	}

	raw := dev.Bytes()
	for _, g := range []int64{1, 7} {
		block := int64(sb.firstDataBlock) + g*int64(sb.blocksPerGroup)
		offset := block * int64(sb.blockSize)
		backup, err := superblockFromBytes(raw[offset : offset+int64(SuperblockSize)])
		if err != nil {
			t.Fatalf("could not parse the backup superblock in group %d: %v", g, err)
		}
		if backup.blockGroup != uint16(g) {
			t.Errorf("backup in group %d records block group %d", g, backup.blockGroup)
		}
	}

	// the old-style backup groups hold no superblock under sparse_super2
	for _, g := range []int64{3, 5} {
		block := int64(sb.firstDataBlock) + g*int64(sb.blocksPerGroup)
		offset := block * int64(sb.blockSize)
		if _, err := superblockFromBytes(raw[offset : offset+int64(SuperblockSize)]); err == nil {
			t.Errorf("expected no superblock in group %d", g)
		}
	}
}
