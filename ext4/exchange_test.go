package ext4

import (
	"bytes"
	"errors"
	"os"
	"testing"
)

func TestRenameExchangeFiles(t *testing.T) {
	fs, dev := testCreateFilesystem(t, testFilesystemSize)

	contentA := []byte("content_a")
	contentB := []byte("content_b")
	inoA := testWriteFile(t, fs, rootInode, "a", contentA)
	inoB := testWriteFile(t, fs, rootInode, "b", contentB)

	if err := fs.RenameExchange(rootInode, "a", rootInode, "b"); err != nil {
		t.Fatalf("could not exchange the files: %v", err)
	}

	// each name points at the other's former inode now
	gotA, err := fs.LookupEntry(rootInode, "a")
	if err != nil {
		t.Fatalf("could not look up a: %v", err)
	}
	gotB, err := fs.LookupEntry(rootInode, "b")
	if err != nil {
		t.Fatalf("could not look up b: %v", err)
	}
	if gotA != inoB || gotB != inoA {
		t.Errorf("exchange resolved to %d and %d, expected %d and %d", gotA, gotB, inoB, inoA)
	}
	if got := testReadFile(t, fs, gotA); !bytes.Equal(got, contentB) {
		t.Errorf("a now reads %q instead of %q", got, contentB)
	}
	if got := testReadFile(t, fs, gotB); !bytes.Equal(got, contentA) {
		t.Errorf("b now reads %q instead of %q", got, contentA)
	}

	// the swap survives a remount
	fs2, err := Read(dev, testFilesystemSize, 0, 0)
	if err != nil {
		t.Fatalf("could not read back the filesystem: %v", err)
	}
	if got, err := fs2.LookupEntry(rootInode, "a"); err != nil || got != inoB {
		t.Errorf("after remount a resolves to %d, %v", got, err)
	}
	testCountersConsistent(t, fs2)
}

func TestRenameExchangeMissingName(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)
	inoA := testWriteFile(t, fs, rootInode, "a", []byte("content_a"))

	// either side missing fails the same way and changes nothing
	if err := fs.RenameExchange(rootInode, "missing", rootInode, "a"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist for a missing first name, got %v", err)
	}
	if err := fs.RenameExchange(rootInode, "a", rootInode, "missing"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist for a missing second name, got %v", err)
	}
	if got, err := fs.LookupEntry(rootInode, "a"); err != nil || got != inoA {
		t.Errorf("a failed exchange moved the entry, inode %d, err %v", got, err)
	}
}

func TestRenameExchangeAcrossDirectories(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)

	leftIno, err := fs.MkdirIn(rootInode, "left", 0o755)
	if err != nil {
		t.Fatalf("could not create left: %v", err)
	}
	rightIno, err := fs.MkdirIn(rootInode, "right", 0o755)
	if err != nil {
		t.Fatalf("could not create right: %v", err)
	}
	fileIno := testWriteFile(t, fs, leftIno, "one", []byte("file content"))
	subIno, err := fs.MkdirIn(rightIno, "two", 0o755)
	if err != nil {
		t.Fatalf("could not create the directory side: %v", err)
	}

	leftBefore, _ := fs.Getattr(leftIno)
	rightBefore, _ := fs.Getattr(rightIno)

	// a file and a directory change places across two parents
	if err := fs.RenameExchange(leftIno, "one", rightIno, "two"); err != nil {
		t.Fatalf("could not exchange across directories: %v", err)
	}

	if got, err := fs.LookupEntry(leftIno, "one"); err != nil || got != subIno {
		t.Errorf("left/one resolves to %d, %v, expected %d", got, err, subIno)
	}
	if got, err := fs.LookupEntry(rightIno, "two"); err != nil || got != fileIno {
		t.Errorf("right/two resolves to %d, %v, expected %d", got, err, fileIno)
	}

	// the moved directory's ".." points at its new parent
	if got, err := fs.LookupEntry(subIno, ".."); err != nil || got != leftIno {
		t.Errorf("\"..\" of the moved directory resolves to %d, %v, expected %d", got, err, leftIno)
	}
	// the ".." moved from right to left, the link counts follow
	leftAfter, _ := fs.Getattr(leftIno)
	rightAfter, _ := fs.Getattr(rightIno)
	if leftAfter.Links != leftBefore.Links+1 {
		t.Errorf("left links went from %d to %d", leftBefore.Links, leftAfter.Links)
	}
	if rightAfter.Links != rightBefore.Links-1 {
		t.Errorf("right links went from %d to %d", rightBefore.Links, rightAfter.Links)
	}

	entries, err := fs.ListDir(leftIno)
	if err != nil {
		t.Fatalf("could not list left: %v", err)
	}
	for _, e := range entries {
		if e.Name == "one" && !e.IsDir() {
			t.Errorf("the exchanged entry kept its old type byte")
		}
	}
	testCountersConsistent(t, fs)
}

func TestRenameExchangeRefusesCycle(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)

	parentIno, err := fs.MkdirIn(rootInode, "parent", 0o755)
	if err != nil {
		t.Fatalf("could not create the parent: %v", err)
	}
	childIno, err := fs.MkdirIn(parentIno, "child", 0o755)
	if err != nil {
		t.Fatalf("could not create the child: %v", err)
	}

	// swapping a directory with its own child would detach the subtree
	err = fs.RenameExchange(rootInode, "parent", parentIno, "child")
	if !errors.Is(err, ErrWouldCreateCycle) {
		t.Fatalf("expected ErrWouldCreateCycle, got %v", err)
	}

	// the refused exchange must have touched nothing
	if got, err := fs.LookupEntry(rootInode, "parent"); err != nil || got != parentIno {
		t.Errorf("parent resolves to %d, %v", got, err)
	}
	if got, err := fs.LookupEntry(parentIno, "child"); err != nil || got != childIno {
		t.Errorf("child resolves to %d, %v", got, err)
	}
	if got, err := fs.LookupEntry(childIno, ".."); err != nil || got != parentIno {
		t.Errorf("\"..\" of the child resolves to %d, %v", got, err)
	}
	testCountersConsistent(t, fs)
}

func TestRenameExchangeHardLinks(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)

	ino := testWriteFile(t, fs, rootInode, "first", []byte("shared"))
	if err := fs.LinkIn(rootInode, "second", ino); err != nil {
		t.Fatalf("could not create a hard link: %v", err)
	}

	// two names for one inode already agree, the exchange is a no-op
	if err := fs.RenameExchange(rootInode, "first", rootInode, "second"); err != nil {
		t.Fatalf("exchanging two links to one inode failed: %v", err)
	}
	for _, name := range []string{"first", "second"} {
		if got, err := fs.LookupEntry(rootInode, name); err != nil || got != ino {
			t.Errorf("%s resolves to %d, %v, expected %d", name, got, err, ino)
		}
	}
	stat, err := fs.Getattr(ino)
	if err != nil {
		t.Fatalf("could not stat the file: %v", err)
	}
	if stat.Links != 2 {
		t.Errorf("expected 2 links, got %d", stat.Links)
	}
}

func TestRenameExchangeSameDirectoryDirs(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)

	aIno, err := fs.MkdirIn(rootInode, "a", 0o755)
	if err != nil {
		t.Fatalf("could not create a: %v", err)
	}
	bIno, err := fs.MkdirIn(rootInode, "b", 0o755)
	if err != nil {
		t.Fatalf("could not create b: %v", err)
	}
	testWriteFile(t, fs, aIno, "marker", nil)

	rootBefore, _ := fs.Getattr(rootInode)
	if err := fs.RenameExchange(rootInode, "a", rootInode, "b"); err != nil {
		t.Fatalf("could not exchange sibling directories: %v", err)
	}

	// the marker travelled with its inode under the other name
	if _, err := fs.Lookup(rootInode, "b/marker"); err != nil {
		t.Errorf("b/marker does not resolve: %v", err)
	}
	if _, err := fs.Lookup(rootInode, "a/marker"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("a/marker still resolves, err %v", err)
	}
	if got, err := fs.LookupEntry(rootInode, "a"); err != nil || got != bIno {
		t.Errorf("a resolves to %d, %v, expected %d", got, err, bIno)
	}
	if got, err := fs.LookupEntry(rootInode, "b"); err != nil || got != aIno {
		t.Errorf("b resolves to %d, %v, expected %d", got, err, aIno)
	}

	// both ".." entries still point at the shared parent, links unchanged
	rootAfter, _ := fs.Getattr(rootInode)
	if rootAfter.Links != rootBefore.Links {
		t.Errorf("root links went from %d to %d", rootBefore.Links, rootAfter.Links)
	}
	testCountersConsistent(t, fs)
}
