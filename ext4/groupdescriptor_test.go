package ext4

import (
	"strings"
	"testing"

	"github.com/go-test/deep"
	"github.com/google/uuid"

	"github.com/diskfs/go-ext4/ext4/crc"
)

func TestGroupDescriptorRoundTrip(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)
	var (
		sb           = fs.superblock
		seed         = sb.gdtChecksumSeed()
		checksumType = sb.gdtChecksumType()
	)

	deep.CompareUnexportedFields = true
	defer func() { deep.CompareUnexportedFields = false }()
	for _, gd := range fs.groupDescriptors.descriptors {
		b := gd.toBytes(checksumType, seed)
		if len(b) != int(gd.size) {
			t.Fatalf("group descriptor %d serialized to %d bytes instead of %d", gd.number, len(b), gd.size)
		}
		gd2, err := groupDescriptorFromBytes(b, gd.size, int(gd.number), seed, checksumType)
		if err != nil {
			t.Fatalf("could not parse the serialized group descriptor %d: %v", gd.number, err)
		}
		if diff := deep.Equal(gd, gd2); diff != nil {
			t.Errorf("group descriptor %d changed across serialize/parse: %v", gd.number, diff)
		}
	}
}

func TestGroupDescriptorsRoundTrip(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)
	var (
		sb           = fs.superblock
		seed         = sb.gdtChecksumSeed()
		checksumType = sb.gdtChecksumType()
	)

	b := fs.groupDescriptors.toBytes(checksumType, seed)
	gds, err := groupDescriptorsFromBytes(b, sb.groupDescriptorSize, seed, checksumType)
	if err != nil {
		t.Fatalf("could not parse the serialized descriptor table: %v", err)
	}

	deep.CompareUnexportedFields = true
	defer func() { deep.CompareUnexportedFields = false }()
	if diff := deep.Equal(fs.groupDescriptors, gds); diff != nil {
		t.Errorf("descriptor table changed across serialize/parse: %v", diff)
	}
	if !fs.groupDescriptors.equal(gds) {
		t.Errorf("descriptor tables not equal after serialize/parse")
	}
}

func TestGroupDescriptorGdtChecksumScheme(t *testing.T) {
	id := uuid.MustParse("3d79b1ee-e349-4bef-ac83-7b6c7bcd6e61")
	seed := uint32(crc.CRC16(0xffff, id[:]))
	gd := &groupDescriptor{
		blockBitmapLocation: 0x104,
		inodeBitmapLocation: 0x105,
		inodeTableLocation:  0x106,
		freeBlocks:          7000,
		freeInodes:          1024,
		usedDirectories:     3,
		size:                groupDescriptorSize64Bit,
		number:              5,
	}

	b := gd.toBytes(gdtChecksumGdt, seed)
	gd2, err := groupDescriptorFromBytes(b, gd.size, int(gd.number), seed, gdtChecksumGdt)
	if err != nil {
		t.Fatalf("could not parse under the gdt_csum scheme: %v", err)
	}

	deep.CompareUnexportedFields = true
	defer func() { deep.CompareUnexportedFields = false }()
	if diff := deep.Equal(gd, gd2); diff != nil {
		t.Errorf("group descriptor changed across serialize/parse: %v", diff)
	}
}

func TestGroupDescriptorCorruption(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)
	var (
		sb           = fs.superblock
		seed         = sb.gdtChecksumSeed()
		checksumType = sb.gdtChecksumType()
	)

	gd := fs.groupDescriptors.descriptors[0]
	b := gd.toBytes(checksumType, seed)
	b[0x0c] ^= 0x01

	_, err := groupDescriptorFromBytes(b, gd.size, int(gd.number), seed, checksumType)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch for group descriptor") {
		t.Errorf("expected a checksum error for a corrupted descriptor, got %v", err)
	}
}

func TestGroupDescriptorChecksumBindsGroupNumber(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)
	var (
		sb           = fs.superblock
		seed         = sb.gdtChecksumSeed()
		checksumType = sb.gdtChecksumType()
	)

	// a descriptor copied to another slot must fail its checksum
	gd := fs.groupDescriptors.descriptors[2]
	b := gd.toBytes(checksumType, seed)
	if _, err := groupDescriptorFromBytes(b, gd.size, int(gd.number)+1, seed, checksumType); err == nil {
		t.Errorf("expected a checksum error for a descriptor parsed under the wrong group number")
	}
}
