package backend

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses and decompresses whole image snapshots.
type Codec interface {
	Compress(in []byte) ([]byte, error)
	Decompress(in []byte) ([]byte, error)
	// Ext is the filename extension the codec is detected by,
	// including the leading dot.
	Ext() string
}

func codecForPath(path string) Codec {
	switch filepath.Ext(path) {
	case ".gz":
		return &CodecGzip{}
	case ".zst":
		return &CodecZstd{}
	case ".lz4":
		return &CodecLz4{}
	case ".xz":
		return &CodecXz{}
	}
	return nil
}

// Snapshot compresses the entire contents of dev into a new file at
// path. The device is left untouched.
func Snapshot(dev Device, path string, codec Codec) error {
	if codec == nil {
		codec = codecForPath(path)
	}
	if codec == nil {
		return fmt.Errorf("no codec for snapshot path %s", path)
	}
	size, err := dev.Size()
	if err != nil {
		return fmt.Errorf("could not get device size: %w", err)
	}
	b := make([]byte, size)
	if _, err := dev.ReadAt(b, 0); err != nil && err != io.EOF {
		return fmt.Errorf("could not read device: %w", err)
	}
	out, err := codec.Compress(b)
	if err != nil {
		return fmt.Errorf("could not compress snapshot: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("could not write snapshot %s: %w", path, err)
	}
	return nil
}

// CodecGzip is the gzip image codec, for .gz snapshots.
type CodecGzip struct{}

func (c *CodecGzip) Ext() string { return ".gz" }

func (c *CodecGzip) Compress(in []byte) ([]byte, error) {
	var b bytes.Buffer
	gz := gzip.NewWriter(&b)
	if _, err := gz.Write(in); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (c *CodecGzip) Decompress(in []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, fmt.Errorf("error creating gzip decompressor: %v", err)
	}
	p, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("error decompressing: %v", err)
	}
	return p, nil
}

// CodecZstd is the zstandard image codec, for .zst snapshots.
type CodecZstd struct{}

func (c *CodecZstd) Ext() string { return ".zst" }

func (c *CodecZstd) Compress(in []byte) ([]byte, error) {
	var b bytes.Buffer
	zs, err := zstd.NewWriter(&b)
	if err != nil {
		return nil, fmt.Errorf("error creating zstd compressor: %v", err)
	}
	if _, err := zs.Write(in); err != nil {
		return nil, err
	}
	if err := zs.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (c *CodecZstd) Decompress(in []byte) ([]byte, error) {
	zs, err := zstd.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, fmt.Errorf("error creating zstd decompressor: %v", err)
	}
	defer zs.Close()
	p, err := io.ReadAll(zs)
	if err != nil {
		return nil, fmt.Errorf("error decompressing: %v", err)
	}
	return p, nil
}

// CodecLz4 is the lz4 image codec, for .lz4 snapshots.
type CodecLz4 struct{}

func (c *CodecLz4) Ext() string { return ".lz4" }

func (c *CodecLz4) Compress(in []byte) ([]byte, error) {
	var b bytes.Buffer
	lz := lz4.NewWriter(&b)
	if _, err := lz.Write(in); err != nil {
		return nil, err
	}
	if err := lz.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (c *CodecLz4) Decompress(in []byte) ([]byte, error) {
	lz := lz4.NewReader(bytes.NewReader(in))
	p, err := io.ReadAll(lz)
	if err != nil {
		return nil, fmt.Errorf("error decompressing: %v", err)
	}
	return p, nil
}
