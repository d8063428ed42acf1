package ext4

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
)

func TestLockedConcurrentUse(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)
	l := NewLocked(fs)

	const (
		workers        = 8
		filesPerWorker = 20
	)
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			dir, err := l.MkdirIn(rootInode, fmt.Sprintf("worker%d", w), 0o755)
			if err != nil {
				errs <- fmt.Errorf("worker %d could not create its directory: %w", w, err)
				return
			}
			for i := 0; i < filesPerWorker; i++ {
				name := fmt.Sprintf("file%03d", i)
				ino, err := l.CreateIn(dir, name, 0o644)
				if err != nil {
					errs <- fmt.Errorf("worker %d could not create %s: %w", w, name, err)
					return
				}
				content := []byte(fmt.Sprintf("worker %d file %d", w, i))
				if _, err := l.WriteFileAt(ino, content, 0); err != nil {
					errs <- fmt.Errorf("worker %d could not write %s: %w", w, name, err)
					return
				}
				// interleave reads and listings with the mutations
				if _, err := l.ListDir(dir); err != nil {
					errs <- fmt.Errorf("worker %d could not list its directory: %w", w, err)
					return
				}
				got := make([]byte, len(content))
				if _, err := l.ReadFileAt(ino, got, 0); err != nil {
					errs <- fmt.Errorf("worker %d could not read %s back: %w", w, name, err)
					return
				}
				if !bytes.Equal(got, content) {
					errs <- fmt.Errorf("worker %d read %q from %s instead of %q", w, got, name, content)
					return
				}
			}
			// every worker removes some of what it made
			for i := 0; i < filesPerWorker/2; i++ {
				if err := l.RemoveIn(dir, fmt.Sprintf("file%03d", i)); err != nil {
					errs <- fmt.Errorf("worker %d could not remove file%03d: %w", w, i, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	for w := 0; w < workers; w++ {
		dir, err := l.LookupEntry(rootInode, fmt.Sprintf("worker%d", w))
		if err != nil {
			t.Fatalf("could not look up worker %d: %v", w, err)
		}
		entries, err := l.ListDir(dir)
		if err != nil {
			t.Fatalf("could not list worker %d: %v", w, err)
		}
		// ".", ".." and the surviving half
		if len(entries) != 2+filesPerWorker/2 {
			t.Errorf("worker %d holds %d entries instead of %d", w, len(entries), 2+filesPerWorker/2)
		}
	}
	testCountersConsistent(t, fs)
}

func TestLockedPathOperations(t *testing.T) {
	fs, _ := testCreateFilesystem(t, testFilesystemSize)
	l := NewLocked(fs)

	if _, err := l.Create(rootInode, "a/b/c.txt", 0o644); err != nil {
		t.Fatalf("could not create by path: %v", err)
	}
	ino, err := l.Lookup(rootInode, "a/b/c.txt")
	if err != nil {
		t.Fatalf("could not resolve the path: %v", err)
	}
	if _, err := l.WriteFileAt(ino, []byte("locked"), 0); err != nil {
		t.Fatalf("could not write: %v", err)
	}
	if err := l.Rename(rootInode, "a/b/c.txt", "a/c.txt"); err != nil {
		t.Fatalf("could not rename: %v", err)
	}
	if err := l.Remove(rootInode, "a/c.txt"); err != nil {
		t.Fatalf("could not remove: %v", err)
	}
	if l.Label() != DefaultVolumeName {
		t.Errorf("expected the default label, got %q", l.Label())
	}
}
