package ext4

import (
	"errors"
)

// Errors returned by filesystem operations. Lookup failures wrap
// os.ErrNotExist and creation collisions wrap os.ErrExist, matching
// the standard library; the kinds below have no standard equivalent.
// All are matched with errors.Is.
var (
	// ErrNotADirectory is returned when a path component other than
	// the last resolves to something that is not a directory.
	ErrNotADirectory = errors.New("not a directory")

	// ErrIsDirectory is returned when an operation that requires a
	// file, such as hard linking, is given a directory.
	ErrIsDirectory = errors.New("is a directory")

	// ErrNotEmpty is returned when removing a directory that still
	// holds entries beyond "." and "..".
	ErrNotEmpty = errors.New("directory not empty")

	// ErrWouldCreateCycle is returned when an exchange would make a
	// directory its own descendant.
	ErrWouldCreateCycle = errors.New("exchange would make a directory its own descendant")

	// ErrNoSpace is returned when no block group has a free inode or
	// block left to satisfy an allocation.
	ErrNoSpace = errors.New("no space left on device")

	// ErrUnsupportedLayout is returned when reading a filesystem
	// whose layout this package does not handle, such as block group
	// descriptors that are not 64 bytes.
	ErrUnsupportedLayout = errors.New("unsupported filesystem layout")
)
