//go:build arm || 386

// the xz packages do not compile for 32bit systems
package backend

import (
	"errors"
)

// CodecXz is the xz image codec. Not available on 32 bit systems.
type CodecXz struct{}

func (c *CodecXz) Ext() string { return ".xz" }

func (c *CodecXz) Compress(in []byte) ([]byte, error) {
	return nil, errors.New("not supported on 32 bit systems")
}

func (c *CodecXz) Decompress(in []byte) ([]byte, error) {
	return nil, errors.New("not supported on 32 bit systems")
}
