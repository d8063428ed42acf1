package util

import (
	"io"
)

// File is the minimal backing store interface for a filesystem image.
// Normally implemented by an actual os.File, but kept as a separate
// interface so alternate implementations can be used, for example an
// in-memory image or an inflated compressed snapshot.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Seeker
}
