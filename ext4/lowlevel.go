package ext4

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/elliotwutingfeng/asciiset"
)

// DirEntry is a single entry of a directory listing.
type DirEntry struct {
	Name  string
	Inode uint32
	// Type is the directory entry type byte, dirent DT_ style
	Type uint8
}

// IsDir reports whether the entry refers to a directory.
func (e DirEntry) IsDir() bool {
	return e.Type == uint8(dirFileTypeDirectory)
}

// Stat is the metadata of a single inode.
type Stat struct {
	Inode  uint32
	Mode   uint16
	Links  uint16
	UID    uint32
	GID    uint32
	Size   uint64
	Blocks uint64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Crtime time.Time
	// device numbers, meaningful for character and block devices only
	DevMajor uint32
	DevMinor uint32
}

// SetAttr carries the attributes Setattr should change. Nil fields are
// left alone.
type SetAttr struct {
	Mode  *uint16
	UID   *uint32
	GID   *uint32
	Size  *uint64
	Atime *time.Time
	Mtime *time.Time
}

var invalidNameChars, _ = asciiset.MakeASCIISet("/\x00")

func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid name %q", name)
	}
	if len(name) > 255 {
		return fmt.Errorf("name %q is longer than the maximum 255 bytes", name)
	}
	for i := 0; i < len(name); i++ {
		if invalidNameChars.Contains(name[i]) {
			return fmt.Errorf("name %q contains invalid byte %#x", name, name[i])
		}
	}
	return nil
}

// LookupEntry returns the inode number the given name resolves to in the
// directory held by parent.
func (fs *FileSystem) LookupEntry(parent uint32, name string) (uint32, error) {
	dir, _, err := fs.readDirectory(parent)
	if err != nil {
		return 0, err
	}
	entry := dir.findEntry(name)
	if entry == nil {
		return 0, fmt.Errorf("%q in directory inode %d: %w", name, parent, os.ErrNotExist)
	}
	return entry.inode, nil
}

// ListDir lists the entries of the directory held by the given inode,
// "." and ".." included.
func (fs *FileSystem) ListDir(dir uint32) ([]DirEntry, error) {
	d, _, err := fs.readDirectory(dir)
	if err != nil {
		return nil, err
	}
	var list []DirEntry
	for _, e := range d.entries.Entries() {
		if e.inode == 0 {
			continue
		}
		list = append(list, DirEntry{Name: e.filename, Inode: e.inode, Type: uint8(e.fileType)})
	}
	return list, nil
}

// newInode builds an in-memory inode of the given type with the permission
// bits of mode and fresh timestamps. Nothing is written yet.
func (fs *FileSystem) newInode(number uint32, fType fileType, mode uint16) *inode {
	now := time.Unix(time.Now().Unix(), 0)
	in := &inode{
		number:     number,
		fileType:   fType,
		hardLinks:  1,
		flags:      &inodeFlags{},
		inodeSize:  fs.superblock.inodeSize,
		accessTime: now,
		changeTime: now,
		createTime: now,
		modifyTime: now,
	}
	in.applyMode(mode)
	return in
}

// addDirectoryEntry links an inode into a directory under the given name
// and writes the directory back.
func (fs *FileSystem) addDirectoryEntry(dir *Directory, dirInode *inode, name string, child uint32, childType fileType) error {
	dir.entries.AddEntry(&directoryEntry{
		inode:       child,
		filename:    name,
		fileType:    directoryFileTypeForInode(childType),
		hasFileType: fs.superblock.features.directoryEntriesRecordFileType,
	})
	return fs.writeDirectory(dir, dirInode)
}

// writeDirectory serializes a directory in plain linear form and writes its
// blocks and its inode back. A directory that carried a hash tree index
// loses it here, the index would be stale after any mutation.
func (fs *FileSystem) writeDirectory(dir *Directory, in *inode) error {
	linear, ok := dir.entries.(*directoryEntriesLinear)
	if !ok {
		return fmt.Errorf("directory inode %d: %w", in.number, ErrUnsupportedLayout)
	}
	if in.flags.hashedDirectoryIndexes {
		in.flags.hashedDirectoryIndexes = false
		linear.hashTree = false
	}
	linear.MarkDirty()
	size := uint64(linear.Size())
	data, err := fs.resizeInodeBlocks(in, size/uint64(fs.superblock.blockSize))
	if err != nil {
		return err
	}
	if err := fs.writeFileData(data, linear.toBytes()); err != nil {
		return err
	}
	in.size = size
	now := time.Unix(time.Now().Unix(), 0)
	in.modifyTime = now
	in.changeTime = now
	return fs.writeInode(in)
}

// resizeInodeBlocks grows or shrinks the blocks backing an inode to exactly
// count blocks, rebuilds the extent tree and updates the block accounting.
// It returns the data extents in file order. The inode size is the caller's
// business, as is zeroing grown ranges.
func (fs *FileSystem) resizeInodeBlocks(in *inode, count uint64) (extents, error) {
	data, oldTree, err := releaseExtentTree(in.extents, fs)
	if err != nil {
		return nil, fmt.Errorf("could not read the extent tree of inode %d: %w", in.number, err)
	}
	current := data.blockCount()
	if count == current {
		return data, nil
	}

	blockSize := uint64(fs.superblock.blockSize)
	switch {
	case count > current:
		grown, err := fs.allocateExtents(count*blockSize, &data)
		if err != nil {
			return nil, err
		}
		data = *grown
	default:
		var kept, freed extents
		for _, e := range data {
			switch end := uint64(e.fileBlock) + uint64(e.count); {
			case end <= count:
				kept = append(kept, e)
			case uint64(e.fileBlock) >= count:
				freed = append(freed, extent{startingBlock: e.startingBlock, count: e.count})
			default:
				keep := uint16(count - uint64(e.fileBlock))
				kept = append(kept, extent{fileBlock: e.fileBlock, startingBlock: e.startingBlock, count: keep})
				freed = append(freed, extent{startingBlock: e.startingBlock + uint64(keep), count: e.count - keep})
			}
		}
		if len(freed) > 0 {
			if err := fs.deallocateBlocks(freed); err != nil {
				return nil, err
			}
		}
		data = kept
	}

	tree, err := extendExtentTree(nil, &data, fs, in.number, in.nfsFileVersion)
	if err != nil {
		return nil, err
	}
	if len(oldTree) > 0 {
		oldTreeExtents := make(extents, 0, len(oldTree))
		for _, block := range oldTree {
			oldTreeExtents = append(oldTreeExtents, extent{startingBlock: block, count: 1})
		}
		if err := fs.deallocateBlocks(oldTreeExtents); err != nil {
			return nil, err
		}
	}
	in.extents = tree
	var spill uint64
	if root, ok := tree.(*extentInternalNode); ok {
		spill = uint64(len(root.children))
	}
	in.blocks = (data.blockCount() + spill) * blockSize / 512
	return data, nil
}

// writeFileData writes b across the given extents in file order. A partial
// final block leaves the rest of that block as it was.
func (fs *FileSystem) writeFileData(data extents, b []byte) error {
	blockSize := uint64(fs.superblock.blockSize)
	for _, e := range data {
		start := uint64(e.fileBlock) * blockSize
		if start >= uint64(len(b)) {
			continue
		}
		end := start + uint64(e.count)*blockSize
		if end > uint64(len(b)) {
			end = uint64(len(b))
		}
		chunk := b[start:end]
		wrote, err := fs.file.WriteAt(chunk, int64(e.startingBlock*blockSize)+fs.start)
		if err != nil {
			return fmt.Errorf("could not write the extent at block %d: %v", e.startingBlock, err)
		}
		if wrote != len(chunk) {
			return fmt.Errorf("only could write %d bytes of the extent at block %d instead of %d", wrote, e.startingBlock, len(chunk))
		}
	}
	return nil
}

// zeroFileRange overwrites the byte range [from, to) of a file with zeros,
// walking the given extents.
func (fs *FileSystem) zeroFileRange(data extents, from, to uint64) error {
	if from >= to {
		return nil
	}
	blockSize := uint64(fs.superblock.blockSize)
	zero := make([]byte, blockSize)
	for _, e := range data {
		extentStart := uint64(e.fileBlock) * blockSize
		extentEnd := extentStart + uint64(e.count)*blockSize
		if extentEnd <= from || extentStart >= to {
			continue
		}
		at := max(extentStart, from)
		end := min(extentEnd, to)
		for at < end {
			blockIndex := (at - extentStart) / blockSize
			offsetInBlock := (at - extentStart) % blockSize
			n := min(blockSize-offsetInBlock, end-at)
			offset := int64((e.startingBlock+blockIndex)*blockSize+offsetInBlock) + fs.start
			if _, err := fs.file.WriteAt(zero[:n], offset); err != nil {
				return fmt.Errorf("could not zero %d bytes at block %d: %v", n, e.startingBlock+blockIndex, err)
			}
			at += n
		}
	}
	return nil
}

// CreateIn creates an empty regular file named name in the directory held
// by parent and returns the new inode number.
func (fs *FileSystem) CreateIn(parent uint32, name string, mode uint16) (uint32, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	dir, parentInode, err := fs.readDirectory(parent)
	if err != nil {
		return 0, err
	}
	if dir.findEntry(name) != nil {
		return 0, fmt.Errorf("%q in directory inode %d: %w", name, parent, os.ErrExist)
	}
	inodeNumber, err := fs.allocateInode(parent, fileTypeRegularFile)
	if err != nil {
		return 0, err
	}
	in := fs.newInode(inodeNumber, fileTypeRegularFile, mode)
	tree, err := extendExtentTree(nil, nil, fs, inodeNumber, 0)
	if err != nil {
		return 0, err
	}
	in.flags.usesExtents = true
	in.extents = tree
	if err := fs.writeInode(in); err != nil {
		return 0, err
	}
	if err := fs.addDirectoryEntry(dir, parentInode, name, inodeNumber, fileTypeRegularFile); err != nil {
		return 0, err
	}
	return inodeNumber, nil
}

// MkdirIn creates a directory named name in the directory held by parent
// and returns the new inode number. The child starts with "." and "..",
// the parent's link count rises for the new "..".
func (fs *FileSystem) MkdirIn(parent uint32, name string, mode uint16) (uint32, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	dir, parentInode, err := fs.readDirectory(parent)
	if err != nil {
		return 0, err
	}
	if dir.findEntry(name) != nil {
		return 0, fmt.Errorf("%q in directory inode %d: %w", name, parent, os.ErrExist)
	}
	inodeNumber, err := fs.allocateInode(parent, fileTypeDirectory)
	if err != nil {
		return 0, err
	}
	sb := fs.superblock
	newExtents, err := fs.allocateExtents(uint64(sb.blockSize), nil)
	if err != nil {
		return 0, err
	}
	tree, err := extendExtentTree(nil, newExtents, fs, inodeNumber, 0)
	if err != nil {
		return 0, err
	}
	in := fs.newInode(inodeNumber, fileTypeDirectory, mode)
	in.flags.usesExtents = true
	in.hardLinks = 2
	in.size = uint64(sb.blockSize)
	in.blocks = newExtents.blockCount() * uint64(sb.blockSize) / 512
	in.extents = tree

	child := &directoryEntriesLinear{
		entries: []*directoryEntry{
			{inode: inodeNumber, filename: ".", fileType: dirFileTypeDirectory, hasFileType: sb.features.directoryEntriesRecordFileType},
			{inode: parent, filename: "..", fileType: dirFileTypeDirectory, hasFileType: sb.features.directoryEntriesRecordFileType},
		},
		bytesPerBlock: sb.blockSize,
		hasFileType:   sb.features.directoryEntriesRecordFileType,
		dirty:         true,
	}
	if sb.features.metadataChecksums {
		child.checkSum = linearDirectoryCheckSum(sb.checksumSeed, inodeNumber, 0)
	}
	if err := fs.writeBlock((*newExtents)[0].startingBlock, child.toBytes()); err != nil {
		return 0, fmt.Errorf("could not write the directory block of %q: %w", name, err)
	}
	if err := fs.writeInode(in); err != nil {
		return 0, err
	}
	parentInode.hardLinks++
	if err := fs.addDirectoryEntry(dir, parentInode, name, inodeNumber, fileTypeDirectory); err != nil {
		return 0, err
	}
	return inodeNumber, nil
}

// RemoveIn removes the entry name from the directory held by parent. A
// file whose link count reaches zero is freed, blocks and inode both. A
// directory must hold nothing beyond "." and "..".
func (fs *FileSystem) RemoveIn(parent uint32, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	dir, parentInode, err := fs.readDirectory(parent)
	if err != nil {
		return err
	}
	entry := dir.findEntry(name)
	if entry == nil {
		return fmt.Errorf("%q in directory inode %d: %w", name, parent, os.ErrNotExist)
	}
	child, err := fs.readInode(entry.inode)
	if err != nil {
		return err
	}
	isDir := child.fileType == fileTypeDirectory
	if isDir {
		childDir, _, err := fs.readDirectory(entry.inode)
		if err != nil {
			return err
		}
		if len(childDir.entries.Entries()) > 2 {
			return fmt.Errorf("directory %q: %w", name, ErrNotEmpty)
		}
	}

	dir.entries.RemoveEntry(entry)
	if isDir {
		// the child's ".." goes away with it
		parentInode.hardLinks--
	}
	if err := fs.writeDirectory(dir, parentInode); err != nil {
		return err
	}

	now := time.Unix(time.Now().Unix(), 0)
	if isDir {
		child.hardLinks = 0
	} else {
		child.hardLinks--
	}
	if child.hardLinks > 0 {
		child.changeTime = now
		return fs.writeInode(child)
	}

	if err := fs.freeInodeContent(child); err != nil {
		return err
	}
	child.deletionTime = uint32(now.Unix())
	child.changeTime = now
	child.size = 0
	child.blocks = 0
	child.extendedAttributeBlock = 0
	if child.flags.usesExtents {
		empty, err := extendExtentTree(nil, nil, fs, child.number, child.nfsFileVersion)
		if err != nil {
			return err
		}
		child.extents = empty
	}
	if err := fs.writeInode(child); err != nil {
		return err
	}
	return fs.deallocateInode(child)
}

// LinkIn adds a hard link to target under name in the directory held by
// parent. Directories cannot be hard linked.
func (fs *FileSystem) LinkIn(parent uint32, name string, target uint32) error {
	if err := validateName(name); err != nil {
		return err
	}
	dir, parentInode, err := fs.readDirectory(parent)
	if err != nil {
		return err
	}
	if dir.findEntry(name) != nil {
		return fmt.Errorf("%q in directory inode %d: %w", name, parent, os.ErrExist)
	}
	in, err := fs.readInode(target)
	if err != nil {
		return err
	}
	if in.fileType == fileTypeDirectory {
		return fmt.Errorf("inode %d: %w", target, ErrIsDirectory)
	}
	in.hardLinks++
	in.changeTime = time.Unix(time.Now().Unix(), 0)
	if err := fs.writeInode(in); err != nil {
		return err
	}
	return fs.addDirectoryEntry(dir, parentInode, name, target, in.fileType)
}

// RenameIn moves the entry name in the directory held by parent to newName
// in the directory held by newParent. An existing destination is never
// replaced, the rename fails instead.
func (fs *FileSystem) RenameIn(parent uint32, name string, newParent uint32, newName string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := validateName(newName); err != nil {
		return err
	}
	if parent == newParent && name == newName {
		return nil
	}

	srcDir, srcInode, err := fs.readDirectory(parent)
	if err != nil {
		return err
	}
	entry := srcDir.findEntry(name)
	if entry == nil {
		return fmt.Errorf("%q in directory inode %d: %w", name, parent, os.ErrNotExist)
	}

	if parent == newParent {
		if srcDir.findEntry(newName) != nil {
			return fmt.Errorf("%q in directory inode %d: %w", newName, newParent, os.ErrExist)
		}
		entry.filename = newName
		srcDir.entries.MarkDirty()
		return fs.writeDirectory(srcDir, srcInode)
	}

	dstDir, dstInode, err := fs.readDirectory(newParent)
	if err != nil {
		return err
	}
	if dstDir.findEntry(newName) != nil {
		return fmt.Errorf("%q in directory inode %d: %w", newName, newParent, os.ErrExist)
	}
	child, err := fs.readInode(entry.inode)
	if err != nil {
		return err
	}
	isDir := child.fileType == fileTypeDirectory
	if isDir {
		if err := fs.ensureNotDescendant(newParent, entry.inode); err != nil {
			return err
		}
	}

	if isDir {
		// the moved ".." leaves one parent and arrives at the other
		dstInode.hardLinks++
		srcInode.hardLinks--
	}
	if err := fs.addDirectoryEntry(dstDir, dstInode, newName, entry.inode, child.fileType); err != nil {
		return err
	}
	srcDir.entries.RemoveEntry(entry)
	if err := fs.writeDirectory(srcDir, srcInode); err != nil {
		return err
	}

	if isDir {
		// the moved directory's ".." points at the new parent now
		return fs.retargetDotDot(entry.inode, newParent)
	}
	child.changeTime = time.Unix(time.Now().Unix(), 0)
	return fs.writeInode(child)
}

// retargetDotDot points the ".." entry of the directory held by dir at
// newParent.
func (fs *FileSystem) retargetDotDot(dir, newParent uint32) error {
	d, in, err := fs.readDirectory(dir)
	if err != nil {
		return err
	}
	dotdot := d.findEntry("..")
	if dotdot == nil {
		return fmt.Errorf("directory inode %d has no parent entry", dir)
	}
	if dotdot.inode == newParent {
		return nil
	}
	dotdot.inode = newParent
	d.entries.MarkDirty()
	return fs.writeDirectory(d, in)
}

// ensureNotDescendant walks from the directory held by start up to the root
// and errors when forbidden shows up on the way, start included.
func (fs *FileSystem) ensureNotDescendant(start, forbidden uint32) error {
	current := start
	for i := uint32(0); i <= fs.superblock.inodeCount; i++ {
		if current == forbidden {
			return ErrWouldCreateCycle
		}
		if current == rootInode {
			return nil
		}
		d, _, err := fs.readDirectory(current)
		if err != nil {
			return err
		}
		dotdot := d.findEntry("..")
		if dotdot == nil {
			return fmt.Errorf("directory inode %d has no parent entry", current)
		}
		if dotdot.inode == current {
			return nil
		}
		current = dotdot.inode
	}
	return fmt.Errorf("directory tree loop detected above inode %d", start)
}

// ReadFileAt reads from the regular file held by ino starting at offset,
// io.ReaderAt style.
func (fs *FileSystem) ReadFileAt(ino uint32, b []byte, offset int64) (int, error) {
	in, err := fs.readInode(ino)
	if err != nil {
		return 0, err
	}
	if in.fileType == fileTypeDirectory {
		return 0, fmt.Errorf("inode %d: %w", ino, ErrIsDirectory)
	}
	if in.fileType != fileTypeRegularFile {
		return 0, fmt.Errorf("inode %d is not a regular file", ino)
	}
	if offset < 0 {
		return 0, fmt.Errorf("negative offset %d", offset)
	}
	if uint64(offset) >= in.size {
		return 0, io.EOF
	}
	ex, err := in.extents.blocks(fs)
	if err != nil {
		return 0, fmt.Errorf("could not read the extent tree of inode %d: %w", ino, err)
	}
	content, err := fs.readFileBytes(ex, in.size)
	if err != nil {
		return 0, err
	}
	n := copy(b, content[offset:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

// WriteFileAt writes to the regular file held by ino starting at offset,
// io.WriterAt style, allocating blocks as needed. Writing past the end
// grows the file, any gap reads back as zeros.
func (fs *FileSystem) WriteFileAt(ino uint32, b []byte, offset int64) (int, error) {
	in, err := fs.readInode(ino)
	if err != nil {
		return 0, err
	}
	if in.fileType == fileTypeDirectory {
		return 0, fmt.Errorf("inode %d: %w", ino, ErrIsDirectory)
	}
	if in.fileType != fileTypeRegularFile {
		return 0, fmt.Errorf("inode %d is not a regular file", ino)
	}
	if offset < 0 {
		return 0, fmt.Errorf("negative offset %d", offset)
	}
	if len(b) == 0 {
		return 0, nil
	}

	end := uint64(offset) + uint64(len(b))
	target := end
	if in.size > target {
		target = in.size
	}
	data, err := fs.resizeInodeBlocks(in, blocksRequired(target, fs.superblock.blockSize))
	if err != nil {
		return 0, err
	}
	if uint64(offset) > in.size {
		if err := fs.zeroFileRange(data, in.size, uint64(offset)); err != nil {
			return 0, err
		}
	}

	blockSize := uint64(fs.superblock.blockSize)
	for _, e := range data {
		extentStart := uint64(e.fileBlock) * blockSize
		extentEnd := extentStart + uint64(e.count)*blockSize
		if extentEnd <= uint64(offset) || extentStart >= end {
			continue
		}
		at := max(extentStart, uint64(offset))
		until := min(extentEnd, end)
		chunk := b[at-uint64(offset) : until-uint64(offset)]
		diskOffset := int64(e.startingBlock*blockSize+(at-extentStart)) + fs.start
		wrote, err := fs.file.WriteAt(chunk, diskOffset)
		if err != nil {
			return 0, fmt.Errorf("could not write %d bytes to inode %d at offset %d: %v", len(chunk), ino, at, err)
		}
		if wrote != len(chunk) {
			return 0, fmt.Errorf("only could write %d bytes to inode %d at offset %d instead of %d", wrote, ino, at, len(chunk))
		}
	}

	if end > in.size {
		in.size = end
	}
	now := time.Unix(time.Now().Unix(), 0)
	in.modifyTime = now
	in.changeTime = now
	if err := fs.writeInode(in); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Symlink creates a symbolic link named name pointing at target in the
// directory held by parent. Targets of up to 60 bytes live inside the
// inode itself, longer ones get a data block.
func (fs *FileSystem) Symlink(parent uint32, name, target string) (uint32, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	if target == "" {
		return 0, fmt.Errorf("empty symlink target")
	}
	dir, parentInode, err := fs.readDirectory(parent)
	if err != nil {
		return 0, err
	}
	if dir.findEntry(name) != nil {
		return 0, fmt.Errorf("%q in directory inode %d: %w", name, parent, os.ErrExist)
	}
	inodeNumber, err := fs.allocateInode(parent, fileTypeSymbolicLink)
	if err != nil {
		return 0, err
	}
	in := fs.newInode(inodeNumber, fileTypeSymbolicLink, 0o777)
	in.size = uint64(len(target))
	if len(target) <= 60 {
		in.linkTarget = target
	} else {
		sb := fs.superblock
		newExtents, err := fs.allocateExtents(uint64(len(target)), nil)
		if err != nil {
			return 0, err
		}
		tree, err := extendExtentTree(nil, newExtents, fs, inodeNumber, 0)
		if err != nil {
			return 0, err
		}
		in.flags.usesExtents = true
		in.extents = tree
		in.blocks = newExtents.blockCount() * uint64(sb.blockSize) / 512
		if err := fs.writeFileData(*newExtents, []byte(target)); err != nil {
			return 0, err
		}
	}
	if err := fs.writeInode(in); err != nil {
		return 0, err
	}
	if err := fs.addDirectoryEntry(dir, parentInode, name, inodeNumber, fileTypeSymbolicLink); err != nil {
		return 0, err
	}
	return inodeNumber, nil
}

// Readlink returns the target of the symbolic link held by ino.
func (fs *FileSystem) Readlink(ino uint32) (string, error) {
	in, err := fs.readInode(ino)
	if err != nil {
		return "", err
	}
	if in.fileType != fileTypeSymbolicLink {
		return "", fmt.Errorf("inode %d is not a symbolic link", ino)
	}
	if in.linkTarget != "" || in.size == 0 {
		return in.linkTarget, nil
	}
	ex, err := in.extents.blocks(fs)
	if err != nil {
		return "", fmt.Errorf("could not read the extent tree of inode %d: %w", ino, err)
	}
	content, err := fs.readFileBytes(ex, in.size)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// Mknod creates a special file named name in the directory held by parent.
// The type comes from the mode's file type bits, dev carries the Linux
// device number for character and block devices.
func (fs *FileSystem) Mknod(parent uint32, name string, mode uint16, dev uint32) (uint32, error) {
	fType := fileType(mode) & fileTypeMask
	switch fType {
	case fileTypeRegularFile:
		return fs.CreateIn(parent, name, mode)
	case fileTypeCharacterDevice, fileTypeBlockDevice, fileTypeFifo, fileTypeSocket:
	default:
		return 0, fmt.Errorf("unsupported file type %#x for %q", uint16(fType), name)
	}
	if err := validateName(name); err != nil {
		return 0, err
	}
	dir, parentInode, err := fs.readDirectory(parent)
	if err != nil {
		return 0, err
	}
	if dir.findEntry(name) != nil {
		return 0, fmt.Errorf("%q in directory inode %d: %w", name, parent, os.ErrExist)
	}
	inodeNumber, err := fs.allocateInode(parent, fType)
	if err != nil {
		return 0, err
	}
	in := fs.newInode(inodeNumber, fType, mode)
	if fType == fileTypeCharacterDevice || fType == fileTypeBlockDevice {
		in.deviceMajor = (dev >> 8) & 0xfff
		in.deviceMinor = dev&0xff | (dev>>12)&0xfff00
	}
	if err := fs.writeInode(in); err != nil {
		return 0, err
	}
	if err := fs.addDirectoryEntry(dir, parentInode, name, inodeNumber, fType); err != nil {
		return 0, err
	}
	return inodeNumber, nil
}

// Getattr returns the metadata of the inode held by ino.
func (fs *FileSystem) Getattr(ino uint32) (Stat, error) {
	in, err := fs.readInode(ino)
	if err != nil {
		return Stat{}, err
	}
	return Stat{
		Inode:    ino,
		Mode:     in.modeBits(),
		Links:    in.hardLinks,
		UID:      in.owner,
		GID:      in.group,
		Size:     in.size,
		Blocks:   in.blocks,
		Atime:    in.accessTime,
		Mtime:    in.modifyTime,
		Ctime:    in.changeTime,
		Crtime:   in.createTime,
		DevMajor: in.deviceMajor,
		DevMinor: in.deviceMinor,
	}, nil
}

// Setattr changes the attributes of the inode held by ino that attr
// carries. Setting Size truncates or grows a regular file, grown ranges
// read back as zeros.
func (fs *FileSystem) Setattr(ino uint32, attr *SetAttr) error {
	if attr == nil {
		return nil
	}
	in, err := fs.readInode(ino)
	if err != nil {
		return err
	}
	if attr.Mode != nil {
		in.applyMode(*attr.Mode)
	}
	if attr.UID != nil {
		in.owner = *attr.UID
	}
	if attr.GID != nil {
		in.group = *attr.GID
	}
	if attr.Size != nil && *attr.Size != in.size {
		if in.fileType == fileTypeDirectory {
			return fmt.Errorf("inode %d: %w", ino, ErrIsDirectory)
		}
		if in.fileType != fileTypeRegularFile {
			return fmt.Errorf("inode %d is not a regular file", ino)
		}
		newSize := *attr.Size
		data, err := fs.resizeInodeBlocks(in, blocksRequired(newSize, fs.superblock.blockSize))
		if err != nil {
			return err
		}
		if newSize > in.size {
			if err := fs.zeroFileRange(data, in.size, newSize); err != nil {
				return err
			}
		}
		in.size = newSize
		in.modifyTime = time.Unix(time.Now().Unix(), 0)
	}
	if attr.Atime != nil {
		in.accessTime = time.Unix(attr.Atime.Unix(), int64(attr.Atime.Nanosecond()))
	}
	if attr.Mtime != nil {
		in.modifyTime = time.Unix(attr.Mtime.Unix(), int64(attr.Mtime.Nanosecond()))
	}
	in.changeTime = time.Unix(time.Now().Unix(), 0)
	return fs.writeInode(in)
}
