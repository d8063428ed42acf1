//go:build !arm && !386

package backend

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
)

// CodecXz is the xz image codec, for .xz snapshots. Not available on
// 32 bit systems.
type CodecXz struct{}

func (c *CodecXz) Ext() string { return ".xz" }

func (c *CodecXz) Compress(in []byte) ([]byte, error) {
	var b bytes.Buffer
	xzWriter, err := xz.NewWriter(&b)
	if err != nil {
		return nil, fmt.Errorf("error creating xz compressor: %v", err)
	}
	if _, err = xzWriter.Write(in); err != nil {
		return nil, err
	}
	if err = xzWriter.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (c *CodecXz) Decompress(in []byte) ([]byte, error) {
	b := bytes.NewReader(in)
	xzReader, err := xz.NewReader(b)
	if err != nil {
		return nil, fmt.Errorf("error creating xz decompressor: %v", err)
	}
	p, err := io.ReadAll(xzReader)
	if err != nil {
		return nil, fmt.Errorf("error decompressing: %v", err)
	}
	return p, nil
}
