package ext4

import (
	"bytes"
	"errors"
	"os"
	"sort"
	"testing"
)

func TestXattrRoundTrip(t *testing.T) {
	fs, dev := testCreateFilesystem(t, testFilesystemSize)
	ino := testWriteFile(t, fs, rootInode, "tagged", []byte("payload"))

	attrs := map[string][]byte{
		"user.comment":               []byte("a note"),
		"security.selinux":           []byte("system_u:object_r:etc_t:s0"),
		"trusted.overlay.opaque":     []byte("y"),
		"system.posix_acl_access":    {2, 0, 0, 0},
		"user.empty":                 nil,
		"user.binary\x01with\x02odd": {0xde, 0xad, 0xbe, 0xef},
	}
	for name, value := range attrs {
		if err := fs.SetXattr(ino, name, value); err != nil {
			t.Fatalf("could not set %q: %v", name, err)
		}
	}

	for name, value := range attrs {
		got, err := fs.GetXattr(ino, name)
		if err != nil {
			t.Fatalf("could not get %q: %v", name, err)
		}
		if !bytes.Equal(got, value) {
			t.Errorf("%q reads %q instead of %q", name, got, value)
		}
	}

	names, err := fs.ListXattrs(ino)
	if err != nil {
		t.Fatalf("could not list the attributes: %v", err)
	}
	if len(names) != len(attrs) {
		t.Errorf("listed %d attributes instead of %d", len(names), len(attrs))
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := attrs[name]; !ok {
			t.Errorf("listed unknown attribute %q", name)
		}
	}

	// everything survives a remount
	fs2, err := Read(dev, testFilesystemSize, 0, 0)
	if err != nil {
		t.Fatalf("could not read back the filesystem: %v", err)
	}
	got, err := fs2.GetXattr(ino, "user.comment")
	if err != nil || !bytes.Equal(got, attrs["user.comment"]) {
		t.Errorf("after remount user.comment reads %q, %v", got, err)
	}
}

func TestXattrReplace(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)
	ino := testWriteFile(t, fs, rootInode, "tagged", nil)

	if err := fs.SetXattr(ino, "user.key", []byte("old")); err != nil {
		t.Fatalf("could not set the attribute: %v", err)
	}
	if err := fs.SetXattr(ino, "user.key", []byte("new value")); err != nil {
		t.Fatalf("could not replace the attribute: %v", err)
	}
	got, err := fs.GetXattr(ino, "user.key")
	if err != nil || !bytes.Equal(got, []byte("new value")) {
		t.Errorf("the attribute reads %q, %v", got, err)
	}
	names, err := fs.ListXattrs(ino)
	if err != nil {
		t.Fatalf("could not list the attributes: %v", err)
	}
	if len(names) != 1 {
		t.Errorf("a replace left %d attributes instead of 1", len(names))
	}
}

func TestXattrBadNames(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)
	ino := testWriteFile(t, fs, rootInode, "tagged", nil)

	for _, name := range []string{"", "noprefix", "unknown.name", "userx.tricky"} {
		if err := fs.SetXattr(ino, name, []byte("v")); err == nil {
			t.Errorf("expected an error for name %q", name)
		}
	}
	if _, err := fs.GetXattr(ino, "user.absent"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist for an absent attribute, got %v", err)
	}
}

func TestXattrNoSpace(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)
	ino := testWriteFile(t, fs, rootInode, "tagged", nil)

	if err := fs.SetXattr(ino, "user.fits", bytes.Repeat([]byte{0x11}, 200)); err != nil {
		t.Fatalf("could not set the first attribute: %v", err)
	}

	// all attributes share one block, an oversized value must change nothing
	huge := bytes.Repeat([]byte{0x22}, int(fs.superblock.blockSize))
	if err := fs.SetXattr(ino, "user.huge", huge); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("expected ErrNoSpace, got %v", err)
	}
	names, err := fs.ListXattrs(ino)
	if err != nil {
		t.Fatalf("could not list the attributes: %v", err)
	}
	if len(names) != 1 || names[0] != "user.fits" {
		t.Errorf("the failed set changed the attributes to %v", names)
	}
	testCountersConsistent(t, fs)
}

func TestXattrRemove(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)
	sb := fs.superblock
	ino := testWriteFile(t, fs, rootInode, "tagged", nil)

	freeBlocks := sb.freeBlocks
	if err := fs.SetXattr(ino, "user.one", []byte("1")); err != nil {
		t.Fatalf("could not set user.one: %v", err)
	}
	if err := fs.SetXattr(ino, "user.two", []byte("2")); err != nil {
		t.Fatalf("could not set user.two: %v", err)
	}
	if sb.freeBlocks != freeBlocks-1 {
		t.Errorf("expected one attribute block in use, free went from %d to %d", freeBlocks, sb.freeBlocks)
	}

	if err := fs.RemoveXattr(ino, "user.one"); err != nil {
		t.Fatalf("could not remove user.one: %v", err)
	}
	if _, err := fs.GetXattr(ino, "user.one"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("the removed attribute still reads, err %v", err)
	}
	if err := fs.RemoveXattr(ino, "user.one"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist for a second remove, got %v", err)
	}

	// removing the last attribute releases the block
	if err := fs.RemoveXattr(ino, "user.two"); err != nil {
		t.Fatalf("could not remove user.two: %v", err)
	}
	if sb.freeBlocks != freeBlocks {
		t.Errorf("free blocks ended at %d instead of %d", sb.freeBlocks, freeBlocks)
	}
	names, err := fs.ListXattrs(ino)
	if err != nil {
		t.Fatalf("could not list the attributes: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("expected no attributes left, got %v", names)
	}
	testCountersConsistent(t, fs)
}
