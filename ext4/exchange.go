package ext4

import (
	"fmt"
	"os"
	"time"
)

// RenameExchange atomically swaps the inodes two directory entries point
// at. Unlike an ordinary rename it moves nothing, both entries remain and
// each points at the other's former target afterwards. It works within one
// directory or across two, for files and directories alike.
func (fs *FileSystem) RenameExchange(parentA uint32, nameA string, parentB uint32, nameB string) error {
	if err := validateName(nameA); err != nil {
		return err
	}
	if err := validateName(nameB); err != nil {
		return err
	}

	dirA, inodeA, err := fs.readDirectory(parentA)
	if err != nil {
		return err
	}
	sameDir := parentA == parentB
	dirB, inodeB := dirA, inodeA
	if !sameDir {
		if dirB, inodeB, err = fs.readDirectory(parentB); err != nil {
			return err
		}
	}
	entryA := dirA.findEntry(nameA)
	if entryA == nil {
		return fmt.Errorf("%q in directory inode %d: %w", nameA, parentA, os.ErrNotExist)
	}
	entryB := dirB.findEntry(nameB)
	if entryB == nil {
		return fmt.Errorf("%q in directory inode %d: %w", nameB, parentB, os.ErrNotExist)
	}

	// two hard links to one inode already point at a consistent target
	if entryA.inode == entryB.inode {
		return nil
	}

	childA, err := fs.readInode(entryA.inode)
	if err != nil {
		return err
	}
	childB, err := fs.readInode(entryB.inode)
	if err != nil {
		return err
	}
	aIsDir := childA.fileType == fileTypeDirectory
	bIsDir := childB.fileType == fileTypeDirectory

	// neither directory may end up below itself, check both directions
	// before touching anything
	if aIsDir {
		if err := fs.ensureNotDescendant(parentB, childA.number); err != nil {
			return err
		}
	}
	if bIsDir {
		if err := fs.ensureNotDescendant(parentA, childB.number); err != nil {
			return err
		}
	}

	entryA.inode, entryB.inode = entryB.inode, entryA.inode
	entryA.fileType, entryB.fileType = entryB.fileType, entryA.fileType
	dirA.entries.MarkDirty()
	if !sameDir {
		dirB.entries.MarkDirty()
		// when only one side is a directory, its ".." leaves one parent
		// and arrives at the other
		if aIsDir != bIsDir {
			if aIsDir {
				inodeA.hardLinks--
				inodeB.hardLinks++
			} else {
				inodeA.hardLinks++
				inodeB.hardLinks--
			}
		}
	}

	now := time.Unix(time.Now().Unix(), 0)
	childA.changeTime = now
	childB.changeTime = now
	if err := fs.writeInode(childA); err != nil {
		return err
	}
	if err := fs.writeInode(childB); err != nil {
		return err
	}

	if err := fs.writeDirectory(dirA, inodeA); err != nil {
		return err
	}
	if !sameDir {
		if err := fs.writeDirectory(dirB, inodeB); err != nil {
			return err
		}
		if aIsDir {
			if err := fs.retargetDotDot(childA.number, parentB); err != nil {
				return err
			}
		}
		if bIsDir {
			if err := fs.retargetDotDot(childB.number, parentA); err != nil {
				return err
			}
		}
	}
	return nil
}
