package ext4

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// splitPath breaks a relative path into its components, tolerating a
// leading "/" and repeated separators. The empty path has no components.
func splitPath(path string) []string {
	var parts []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// Lookup resolves a relative path starting at the directory held by root
// and returns the inode number it names. The empty path resolves to root
// itself.
func (fs *FileSystem) Lookup(root uint32, path string) (uint32, error) {
	current := root
	for _, part := range splitPath(path) {
		next, err := fs.LookupEntry(current, part)
		if err != nil {
			return 0, err
		}
		current = next
	}
	return current, nil
}

// Create makes the file the relative path names, creating missing
// intermediate directories along the way as mode 0o777 directories. The
// type of the final component comes from the file type bits of mode, a
// regular file when they are zero.
func (fs *FileSystem) Create(root uint32, path string, mode uint16) (uint32, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return 0, fmt.Errorf("path %q names the starting directory itself: %w", path, os.ErrExist)
	}
	current := root
	for _, part := range parts[:len(parts)-1] {
		next, err := fs.LookupEntry(current, part)
		if errors.Is(err, os.ErrNotExist) {
			next, err = fs.MkdirIn(current, part, 0o777)
		}
		if err != nil {
			return 0, err
		}
		current = next
	}
	name := parts[len(parts)-1]
	switch fileType(mode) & fileTypeMask {
	case 0, fileTypeRegularFile:
		return fs.CreateIn(current, name, mode)
	case fileTypeDirectory:
		return fs.MkdirIn(current, name, mode)
	default:
		return fs.Mknod(current, name, mode, 0)
	}
}

// Remove unlinks the file or empty directory the relative path names.
func (fs *FileSystem) Remove(root uint32, path string) error {
	parent, name, err := fs.resolveParent(root, path)
	if err != nil {
		return err
	}
	return fs.RemoveIn(parent, name)
}

// Rename moves the entry src names to the place dst names. An existing
// destination is never replaced.
func (fs *FileSystem) Rename(root uint32, src, dst string) error {
	srcParent, srcName, err := fs.resolveParent(root, src)
	if err != nil {
		return err
	}
	dstParent, dstName, err := fs.resolveParent(root, dst)
	if err != nil {
		return err
	}
	return fs.RenameIn(srcParent, srcName, dstParent, dstName)
}

// resolveParent resolves all but the last component of a path and returns
// the parent directory's inode number together with the leaf name.
func (fs *FileSystem) resolveParent(root uint32, path string) (uint32, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return 0, "", fmt.Errorf("path %q has no final component", path)
	}
	parent := root
	for _, part := range parts[:len(parts)-1] {
		next, err := fs.LookupEntry(parent, part)
		if err != nil {
			return 0, "", err
		}
		parent = next
	}
	return parent, parts[len(parts)-1], nil
}
