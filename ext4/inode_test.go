package ext4

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-test/deep"
)

func TestInodeRoundTrip(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)

	fileIno := testWriteFile(t, fs, rootInode, "notes.txt", []byte("a line of text\n"))
	linkIno, err := fs.Symlink(rootInode, "link", "notes.txt")
	if err != nil {
		t.Fatalf("could not create a symlink: %v", err)
	}
	devIno, err := fs.Mknod(rootInode, "dev", uint16(fileTypeCharacterDevice)|0o660, 0xfff1ffff)
	if err != nil {
		t.Fatalf("could not create a device node: %v", err)
	}
	fifoIno, err := fs.Mknod(rootInode, "pipe", uint16(fileTypeFifo)|0o644, 0)
	if err != nil {
		t.Fatalf("could not create a fifo: %v", err)
	}

	tests := []struct {
		name string
		ino  uint32
	}{
		{"directory", rootInode},
		{"regular file", fileIno},
		{"symlink", linkIno},
		{"character device", devIno},
		{"fifo", fifoIno},
	}
	deep.CompareUnexportedFields = true
	defer func() { deep.CompareUnexportedFields = false }()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := fs.readInode(tt.ino)
			if err != nil {
				t.Fatalf("could not read inode %d: %v", tt.ino, err)
			}
			b := in.toBytes(fs.superblock)
			in2, err := inodeFromBytes(b, fs.superblock, tt.ino)
			if err != nil {
				t.Fatalf("could not parse the serialized inode %d: %v", tt.ino, err)
			}
			if diff := deep.Equal(in, in2); diff != nil {
				t.Errorf("inode %d changed across serialize/parse: %v", tt.ino, diff)
			}
		})
	}
}

func TestInodeDeviceNumbers(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)
	devIno, err := fs.Mknod(rootInode, "wide", uint16(fileTypeBlockDevice)|0o600, 0xfff1ffff)
	if err != nil {
		t.Fatalf("could not create a device node: %v", err)
	}
	in, err := fs.readInode(devIno)
	if err != nil {
		t.Fatalf("could not read inode %d: %v", devIno, err)
	}
	if in.deviceMajor != 511 || in.deviceMinor != 0xfffff {
		t.Errorf("device 0xfff1ffff decoded to %d:%d instead of 511:1048575", in.deviceMajor, in.deviceMinor)
	}
}

func TestInodeCorruptChecksum(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)
	in, err := fs.readInode(rootInode)
	if err != nil {
		t.Fatalf("could not read the root inode: %v", err)
	}
	b := in.toBytes(fs.superblock)
	b[0x02] ^= 0x01

	_, err = inodeFromBytes(b, fs.superblock, rootInode)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch for inode") {
		t.Errorf("expected a checksum error for a corrupted inode, got %v", err)
	}
}

func TestInodeWrongNumber(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)
	in, err := fs.readInode(rootInode)
	if err != nil {
		t.Fatalf("could not read the root inode: %v", err)
	}
	b := in.toBytes(fs.superblock)

	// the inode number seeds the checksum, a slot mixup must not parse
	if _, err := inodeFromBytes(b, fs.superblock, rootInode+1); err == nil {
		t.Errorf("expected a checksum error for an inode parsed under the wrong number")
	}
}

func TestInodeInlineDataRefused(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)
	in, err := fs.readInode(rootInode)
	if err != nil {
		t.Fatalf("could not read the root inode: %v", err)
	}
	b := in.toBytes(fs.superblock)
	flags := binary.LittleEndian.Uint32(b[0x20:0x24])
	binary.LittleEndian.PutUint32(b[0x20:0x24], flags|uint32(inodeFlagInlineData))

	_, err = inodeFromBytes(b, fs.superblock, rootInode)
	if !errors.Is(err, ErrUnsupportedLayout) {
		t.Errorf("expected ErrUnsupportedLayout for inline data, got %v", err)
	}
}

func TestInodeTooShort(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)
	if _, err := inodeFromBytes(make([]byte, 100), fs.superblock, 12); err == nil {
		t.Errorf("expected an error for a truncated inode")
	}
}

func TestExtendedTimeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
	}{
		{"epoch", time.Unix(0, 0)},
		{"now-ish", time.Unix(1755000000, 999999999)},
		{"before 1970", time.Unix(-1000000, 5)},
		{"after 2038", time.Unix(1<<31, 123)},
		{"after 2106", time.Unix(1<<32+7, 0)},
		{"far future", time.Unix(3*(1<<32)+17, 999)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seconds, extra := encodeExtendedTime(tt.in)
			out := decodeExtendedTime(seconds, extra)
			if !out.Equal(tt.in) {
				t.Errorf("%v decoded to %v", tt.in, out)
			}
		})
	}
}
