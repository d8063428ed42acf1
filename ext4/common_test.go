package ext4

import (
	"testing"

	"github.com/diskfs/go-ext4/backend"
)

const testFilesystemSize int64 = 64 * 1024 * 1024

// testCreateFilesystem builds a fresh filesystem on an in-memory device.
func testCreateFilesystem(t *testing.T, size int64) (*FileSystem, *backend.Memory) {
	t.Helper()
	dev := backend.NewMemory(size)
	fs, err := Create(dev, size, 0, 0, nil)
	if err != nil {
		t.Fatalf("could not create a %d byte filesystem: %v", size, err)
	}
	return fs, dev
}

// testWriteFile creates a file under parent and fills it with content.
func testWriteFile(t *testing.T, fs *FileSystem, parent uint32, name string, content []byte) uint32 {
	t.Helper()
	ino, err := fs.CreateIn(parent, name, 0o644)
	if err != nil {
		t.Fatalf("could not create %q: %v", name, err)
	}
	if len(content) > 0 {
		if _, err := fs.WriteFileAt(ino, content, 0); err != nil {
			t.Fatalf("could not write %d bytes to %q: %v", len(content), name, err)
		}
	}
	return ino
}

// testReadFile reads the whole content of the file held by ino.
func testReadFile(t *testing.T, fs *FileSystem, ino uint32) []byte {
	t.Helper()
	stat, err := fs.Getattr(ino)
	if err != nil {
		t.Fatalf("could not stat inode %d: %v", ino, err)
	}
	b := make([]byte, stat.Size)
	if stat.Size == 0 {
		return b
	}
	n, err := fs.ReadFileAt(ino, b, 0)
	if err != nil {
		t.Fatalf("could not read %d bytes from inode %d: %v", stat.Size, ino, err)
	}
	return b[:n]
}

// testCountersConsistent cross-checks the free counts of the superblock, the
// group descriptors and the bitmaps against each other.
func testCountersConsistent(t *testing.T, fs *FileSystem) {
	t.Helper()
	sb := fs.superblock
	var (
		gdFreeBlocks, bmFreeBlocks uint64
		gdFreeInodes, bmFreeInodes uint32
	)
	for g := 0; g < int(sb.blockGroupCount()); g++ {
		gd := fs.groupDescriptors.byNumber(uint16(g))
		if gd == nil {
			t.Fatalf("no descriptor for group %d", g)
		}
		gdFreeBlocks += uint64(gd.freeBlocks)
		gdFreeInodes += gd.freeInodes
		blockBitmap, err := fs.readBlockBitmap(g)
		if err != nil {
			t.Fatalf("could not read the block bitmap of group %d: %v", g, err)
		}
		bmFreeBlocks += uint64(blockBitmap.FreeCount())
		inodeBitmap, err := fs.readInodeBitmap(g)
		if err != nil {
			t.Fatalf("could not read the inode bitmap of group %d: %v", g, err)
		}
		bmFreeInodes += uint32(inodeBitmap.FreeCount())
	}
	if sb.freeBlocks != gdFreeBlocks || gdFreeBlocks != bmFreeBlocks {
		t.Errorf("free block counts diverge: superblock %d, descriptors %d, bitmaps %d", sb.freeBlocks, gdFreeBlocks, bmFreeBlocks)
	}
	if sb.freeInodes != gdFreeInodes || gdFreeInodes != bmFreeInodes {
		t.Errorf("free inode counts diverge: superblock %d, descriptors %d, bitmaps %d", sb.freeInodes, gdFreeInodes, bmFreeInodes)
	}
}

func ptrTo[T any](v T) *T { return &v }
