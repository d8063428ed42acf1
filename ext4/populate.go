package ext4

import (
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/djherbis/times"
	"github.com/pkg/xattr"
	log "github.com/sirupsen/logrus"
)

// hostModeBits converts an os.FileMode to the traditional low 12 mode bits.
func hostModeBits(m os.FileMode) uint16 {
	bits := uint16(m.Perm())
	if m&os.ModeSetuid != 0 {
		bits |= 0o4000
	}
	if m&os.ModeSetgid != 0 {
		bits |= 0o2000
	}
	if m&os.ModeSticky != 0 {
		bits |= 0o1000
	}
	return bits
}

// applyHostTimes stamps atime, mtime and, when the host tracks it, the
// birth time onto the inode.
func (fs *FileSystem) applyHostTimes(ino uint32, ts times.Timespec) error {
	in, err := fs.readInode(ino)
	if err != nil {
		return err
	}
	in.accessTime = ts.AccessTime()
	in.modifyTime = ts.ModTime()
	if ts.HasBirthTime() {
		in.createTime = ts.BirthTime()
	}
	return fs.writeInode(in)
}

// copyHostXattrs copies the user namespace attributes of hostPath onto ino.
// Hosts without attribute support yield none.
func (fs *FileSystem) copyHostXattrs(ino uint32, hostPath string) error {
	names, err := xattr.List(hostPath)
	if err != nil {
		log.Debugf("skipping attributes of %s: %v", hostPath, err)
		return nil
	}
	for _, name := range names {
		if !strings.HasPrefix(name, "user.") {
			continue
		}
		value, err := xattr.Get(hostPath, name)
		if err != nil {
			return fmt.Errorf("could not read attribute %s of %s: %w", name, hostPath, err)
		}
		if err := fs.SetXattr(ino, name, value); err != nil {
			return fmt.Errorf("could not store attribute %s of %s: %w", name, hostPath, err)
		}
	}
	return nil
}

// PopulateFromHost recreates the tree under hostDir inside the filesystem,
// rooted at the directory inode root. Regular files, directories and
// symlinks are copied along with their permission bits, user namespace
// attributes and timestamps. Other entry types are skipped.
func (fs *FileSystem) PopulateFromHost(root uint32, hostDir string) error {
	hostDir = filepath.Clean(hostDir)
	dirs := map[string]uint32{hostDir: root}
	type stamp struct {
		ino uint32
		ts  times.Timespec
	}
	var deferred []stamp

	err := filepath.WalkDir(hostDir, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := hostModeBits(info.Mode())
		if path == hostDir {
			// the root inode already exists, only its metadata carries over
			if err := fs.Setattr(root, &SetAttr{Mode: &mode}); err != nil {
				return err
			}
			if err := fs.copyHostXattrs(root, path); err != nil {
				return err
			}
			deferred = append(deferred, stamp{root, times.Get(info)})
			return nil
		}

		parent, ok := dirs[filepath.Dir(path)]
		if !ok {
			return fmt.Errorf("no directory inode for %s", filepath.Dir(path))
		}
		name := d.Name()
		switch {
		case d.IsDir():
			ino, err := fs.MkdirIn(parent, name, mode)
			if err != nil {
				return err
			}
			dirs[path] = ino
			if err := fs.copyHostXattrs(ino, path); err != nil {
				return err
			}
			deferred = append(deferred, stamp{ino, times.Get(info)})
		case d.Type()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			ino, err := fs.Symlink(parent, name, target)
			if err != nil {
				return err
			}
			if err := fs.applyHostTimes(ino, times.Get(info)); err != nil {
				return err
			}
		case d.Type().IsRegular():
			ino, err := fs.CreateIn(parent, name, mode)
			if err != nil {
				return err
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if len(content) > 0 {
				if _, err := fs.WriteFileAt(ino, content, 0); err != nil {
					return err
				}
			}
			if err := fs.copyHostXattrs(ino, path); err != nil {
				return err
			}
			if err := fs.applyHostTimes(ino, times.Get(info)); err != nil {
				return err
			}
		default:
			log.Debugf("skipping %s: unsupported file type %s", path, d.Type())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not import %s: %w", hostDir, err)
	}

	// directory times go last, adding children bumps the parent's mtime
	for _, s := range deferred {
		if err := fs.applyHostTimes(s.ino, s.ts); err != nil {
			return err
		}
	}
	return nil
}
