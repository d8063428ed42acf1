// Package backend provides the backing stores a filesystem engine
// reads from and writes to: plain image files, raw block devices,
// in-memory images, and compressed image snapshots that are inflated
// into memory on open.
package backend

import (
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/diskfs/go-ext4/util"
)

// ErrReadOnly is returned for writes to a device opened read-only.
var ErrReadOnly = errors.New("device is read-only")

// Device is a fixed-size backing store for a filesystem image.
// Implementations are not safe for concurrent use; the caller
// serializes access.
type Device interface {
	util.File
	io.Closer
	// Size returns the total size of the device in bytes.
	Size() (int64, error)
	// Sync flushes buffered writes to stable storage.
	Sync() error
	// LogicalBlocksize returns the logical sector size in bytes,
	// 512 unless the device reports otherwise.
	LogicalBlocksize() int64
	// PhysicalBlocksize returns the physical sector size in bytes,
	// 512 unless the device reports otherwise.
	PhysicalBlocksize() int64
}

// OpenOption configures Open.
type OpenOption func(*openConfig) error

type openConfig struct {
	readOnly bool
	codec    Codec
}

// WithReadOnly opens the device read-only; writes fail with ErrReadOnly.
func WithReadOnly() OpenOption {
	return func(c *openConfig) error {
		c.readOnly = true
		return nil
	}
}

// WithCodec forces a compression codec instead of detecting one from
// the filename extension.
func WithCodec(codec Codec) OpenOption {
	return func(c *openConfig) error {
		if codec == nil {
			return errors.New("nil codec")
		}
		c.codec = codec
		return nil
	}
}

// Open opens the image or block device at path. A path with a known
// compressed extension, or an explicit WithCodec, is inflated into a
// memory device; anything else is opened in place as a file device.
func Open(path string, opts ...OpenOption) (Device, error) {
	cfg := openConfig{}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	codec := cfg.codec
	if codec == nil {
		codec = codecForPath(path)
	}
	if codec != nil {
		return inflate(path, codec, cfg.readOnly)
	}
	flag := os.O_RDWR
	if cfg.readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, fmt.Errorf("could not open device %s: %w", path, err)
	}
	return newFileDevice(f, cfg.readOnly)
}

// CreateFile creates (or truncates) an image file of the given size
// and returns it as a writable device.
func CreateFile(path string, size int64) (Device, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not create image file %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("could not size image file %s to %d: %w", path, size, err)
	}
	return newFileDevice(f, false)
}

// Memory is an in-memory Device of fixed size.
type Memory struct {
	data     []byte
	pos      int64
	readOnly bool
}

// NewMemory creates a zero-filled memory device of the given size.
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
	}
}

// MemoryWithBytes creates a memory device that adopts b as its
// contents without copying.
func MemoryWithBytes(b []byte) *Memory {
	return &Memory{
		data: b,
	}
}

// Bytes returns the device contents. The slice is the live backing
// store, not a copy.
func (m *Memory) Bytes() []byte {
	return m.data
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if m.readOnly {
		return 0, ErrReadOnly
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("write of %d bytes at %d past device size %d", len(p), off, len(m.data))
	}
	return copy(m.data[off:], p), nil
}

func (m *Memory) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = m.pos + offset
	case io.SeekEnd:
		pos = int64(len(m.data)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if pos < 0 {
		return 0, errors.New("negative position")
	}
	m.pos = pos
	return pos, nil
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) Sync() error {
	return nil
}

func (m *Memory) Size() (int64, error) {
	return int64(len(m.data)), nil
}

func (m *Memory) LogicalBlocksize() int64 {
	return 512
}

func (m *Memory) PhysicalBlocksize() int64 {
	return 512
}

func inflate(path string, codec Codec, readOnly bool) (*Memory, error) {
	in, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read compressed image %s: %w", path, err)
	}
	out, err := codec.Decompress(in)
	if err != nil {
		return nil, fmt.Errorf("could not inflate image %s: %w", path, err)
	}
	log.Debugf("backend: inflated %s from %d to %d bytes", path, len(in), len(out))
	m := MemoryWithBytes(out)
	m.readOnly = readOnly
	return m, nil
}
