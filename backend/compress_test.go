package backend

import (
	"bytes"
	"testing"
)

func compressible(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i / 64)
	}
	return b
}

func TestCodecRoundTrip(t *testing.T) {
	codecs := []Codec{
		&CodecGzip{},
		&CodecZstd{},
		&CodecLz4{},
	}
	payload := compressible(16384)
	for _, codec := range codecs {
		t.Run(codec.Ext(), func(t *testing.T) {
			compressed, err := codec.Compress(payload)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if len(compressed) == 0 || len(compressed) >= len(payload) {
				t.Errorf("compressed to %d bytes, expected a reduction from %d", len(compressed), len(payload))
			}
			out, err := codec.Decompress(compressed)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(out, payload) {
				t.Errorf("round trip mismatch")
			}
		})
	}
}

func TestCodecForPath(t *testing.T) {
	tests := []struct {
		path string
		ext  string
	}{
		{"disk.img.gz", ".gz"},
		{"disk.img.zst", ".zst"},
		{"disk.img.lz4", ".lz4"},
		{"disk.img.xz", ".xz"},
		{"disk.img", ""},
		{"disk", ""},
	}
	for _, tt := range tests {
		codec := codecForPath(tt.path)
		switch {
		case tt.ext == "" && codec != nil:
			t.Errorf("%s: expected no codec, got %s", tt.path, codec.Ext())
		case tt.ext != "" && codec == nil:
			t.Errorf("%s: expected codec %s, got none", tt.path, tt.ext)
		case tt.ext != "" && codec.Ext() != tt.ext:
			t.Errorf("%s: codec ext %s, expected %s", tt.path, codec.Ext(), tt.ext)
		}
	}
}
