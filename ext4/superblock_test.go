package ext4

import (
	"strings"
	"testing"

	"github.com/go-test/deep"
	"github.com/google/uuid"

	"github.com/diskfs/go-ext4/ext4/crc"
)

func TestSuperblockRoundTrip(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)
	sb := fs.superblock

	b, err := sb.toBytes()
	if err != nil {
		t.Fatalf("could not serialize the superblock: %v", err)
	}
	if len(b) != int(SuperblockSize) {
		t.Fatalf("superblock serialized to %d bytes instead of %d", len(b), SuperblockSize)
	}
	sb2, err := superblockFromBytes(b)
	if err != nil {
		t.Fatalf("could not parse the serialized superblock: %v", err)
	}

	deep.CompareUnexportedFields = true
	defer func() { deep.CompareUnexportedFields = false }()
	if diff := deep.Equal(sb, sb2); diff != nil {
		t.Errorf("superblock changed across serialize/parse: %v", diff)
	}
	if !sb.equal(sb2) {
		t.Errorf("superblocks not equal after serialize/parse")
	}
}

func TestSuperblockBadSignature(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)
	b, err := fs.superblock.toBytes()
	if err != nil {
		t.Fatalf("could not serialize the superblock: %v", err)
	}
	b[0x38], b[0x39] = 0, 0

	_, err = superblockFromBytes(b)
	if err == nil || !strings.Contains(err.Error(), "erroneous signature") {
		t.Errorf("expected a signature error, got %v", err)
	}
}

func TestSuperblockCorruptChecksum(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)
	b, err := fs.superblock.toBytes()
	if err != nil {
		t.Fatalf("could not serialize the superblock: %v", err)
	}
	b[0x78] ^= 0x01

	_, err = superblockFromBytes(b)
	if err == nil || !strings.Contains(err.Error(), "invalid superblock checksum") {
		t.Errorf("expected a checksum error, got %v", err)
	}
}

func TestSuperblockWrongSize(t *testing.T) {
	if _, err := superblockFromBytes(make([]byte, 512)); err == nil {
		t.Errorf("expected an error for a short superblock")
	}
}

func TestCalculateBackupSuperblockGroups(t *testing.T) {
	tests := []struct {
		groups int64
		want   []int64
	}{
		{1, nil},
		{2, []int64{1}},
		{8, []int64{1, 3, 5, 7}},
		{256, []int64{1, 3, 5, 7, 9, 25, 27, 49, 81, 125, 243}},
	}
	for _, tt := range tests {
		got := calculateBackupSuperblockGroups(tt.groups)
		if diff := deep.Equal(got, tt.want); diff != nil {
			t.Errorf("backup groups for %d block groups: %v", tt.groups, diff)
		}
	}
}

func TestGDTChecksumSeed(t *testing.T) {
	id := uuid.MustParse("3d79b1ee-e349-4bef-ac83-7b6c7bcd6e61")
	sb := &superblock{
		uuid:         &id,
		checksumSeed: crc.CRC32c(^uint32(0), id[:]),
	}

	sb.features.metadataChecksums = true
	if sb.gdtChecksumType() != gdtChecksumMetadata {
		t.Errorf("expected the metadata checksum scheme")
	}
	if sb.gdtChecksumSeed() != sb.checksumSeed {
		t.Errorf("metadata scheme must seed from the filesystem checksum seed")
	}

	sb.features.metadataChecksums = false
	sb.features.gdtChecksum = true
	if sb.gdtChecksumType() != gdtChecksumGdt {
		t.Errorf("expected the gdt checksum scheme")
	}
	if want := uint32(crc.CRC16(0xffff, id[:])); sb.gdtChecksumSeed() != want {
		t.Errorf("gdt scheme seed was %x, expected %x", sb.gdtChecksumSeed(), want)
	}

	sb.features.gdtChecksum = false
	if sb.gdtChecksumType() != gdtChecksumNone {
		t.Errorf("expected no checksum scheme")
	}
}
