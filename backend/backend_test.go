package backend

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryReadWriteAt(t *testing.T) {
	m := NewMemory(64)
	payload := []byte("hello, device")
	if n, err := m.WriteAt(payload, 16); err != nil || n != len(payload) {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}
	got := make([]byte, len(payload))
	if n, err := m.ReadAt(got, 16); err != nil || n != len(payload) {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("read %q, expected %q", got, payload)
	}

	// short read at the tail returns io.EOF
	tail := make([]byte, 16)
	n, err := m.ReadAt(tail, 56)
	if n != 8 || err != io.EOF {
		t.Errorf("tail read = %d, %v, expected 8, io.EOF", n, err)
	}

	// writes cannot grow the device
	if _, err := m.WriteAt(payload, 60); err == nil {
		t.Errorf("write past end should fail")
	}
}

func TestMemoryReadOnly(t *testing.T) {
	m := NewMemory(16)
	m.readOnly = true
	if _, err := m.WriteAt([]byte{0x1}, 0); !errors.Is(err, ErrReadOnly) {
		t.Errorf("write on read-only device = %v, expected ErrReadOnly", err)
	}
}

func TestCreateFileAndOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := CreateFile(path, 4096)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if size, _ := dev.Size(); size != 4096 {
		t.Errorf("Size() = %d, expected 4096", size)
	}
	if _, err := dev.WriteAt([]byte("data"), 100); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dev, err = Open(path, WithReadOnly())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()
	b := make([]byte, 4)
	if _, err := dev.ReadAt(b, 100); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(b) != "data" {
		t.Errorf("read %q, expected %q", b, "data")
	}
	if _, err := dev.WriteAt([]byte{0x1}, 0); !errors.Is(err, ErrReadOnly) {
		t.Errorf("write on read-only open = %v, expected ErrReadOnly", err)
	}
}

func TestOpenInflatesCompressedImage(t *testing.T) {
	src := NewMemory(8192)
	for i := range src.data {
		src.data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "disk.img.gz")
	if err := Snapshot(src, path, nil); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat snapshot: %v", err)
	}
	if info.Size() == 0 || info.Size() >= 8192 {
		t.Errorf("snapshot size %d, expected a nonzero compressed size", info.Size())
	}

	dev, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mem, ok := dev.(*Memory)
	if !ok {
		t.Fatalf("Open of compressed image returned %T, expected *Memory", dev)
	}
	if !bytes.Equal(mem.Bytes(), src.Bytes()) {
		t.Errorf("inflated image differs from source")
	}
}
