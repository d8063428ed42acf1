package ext4

import (
	"fmt"

	"github.com/diskfs/go-ext4/util"
	log "github.com/sirupsen/logrus"
)

// allocateInode finds a free inode, marks it used and returns its number.
// The search starts in the block group of the parent directory, so files
// cluster near the directories that hold them.
func (fs *FileSystem) allocateInode(parent uint32, fType fileType) (uint32, error) {
	sb := fs.superblock
	groups := int(sb.blockGroupCount())
	var parentGroup int
	if parent != 0 {
		parentGroup = blockGroupForInode(parent, sb.inodesPerGroup)
	}
	for i := 0; i < groups; i++ {
		g := (parentGroup + i) % groups
		gd := fs.groupDescriptors.byNumber(uint16(g))
		if gd == nil || gd.freeInodes == 0 {
			continue
		}
		bm, err := fs.readInodeBitmap(g)
		if err != nil {
			return 0, err
		}
		position := bm.FirstFree(0)
		if position == -1 {
			continue
		}
		inodeNumber := uint32(g)*sb.inodesPerGroup + uint32(position) + 1

		// the bitmap claims the slot is free, the inode table must agree
		if existing, err := fs.readInode(inodeNumber); err == nil && existing.hardLinks != 0 {
			return 0, fmt.Errorf("inode %d is marked free but the inode table shows it in use", inodeNumber)
		}

		if err := bm.Set(position); err != nil {
			return 0, fmt.Errorf("could not mark inode %d in the bitmap for group %d: %v", inodeNumber, g, err)
		}
		gd.freeInodes--
		if fType == fileTypeDirectory {
			gd.usedDirectories++
		}
		// an allocation inside the uninitialized tail of the inode table
		// shrinks the tail to start past the new slot
		if tail := sb.inodesPerGroup - gd.unusedInodes; uint32(position) >= tail {
			gd.unusedInodes = sb.inodesPerGroup - uint32(position) - 1
		}
		if err := fs.writeInodeBitmap(bm, g); err != nil {
			return 0, err
		}
		sb.freeInodes--
		if err := fs.writeSuperblock(); err != nil {
			return 0, err
		}
		log.Debugf("allocated inode %d in group %d", inodeNumber, g)
		return inodeNumber, nil
	}
	return 0, fmt.Errorf("no free inodes: %w", ErrNoSpace)
}

// deallocateInode returns an inode number to the free pool. The caller is
// responsible for having released the blocks it occupied first.
func (fs *FileSystem) deallocateInode(in *inode) error {
	sb := fs.superblock
	g := blockGroupForInode(in.number, sb.inodesPerGroup)
	gd := fs.groupDescriptors.byNumber(uint16(g))
	if gd == nil {
		return fmt.Errorf("no block group %d for inode %d", g, in.number)
	}
	bm, err := fs.readInodeBitmap(g)
	if err != nil {
		return err
	}
	position := int((in.number - 1) % sb.inodesPerGroup)
	set, err := bm.IsSet(position)
	if err != nil {
		return fmt.Errorf("inode %d out of range in the bitmap for group %d: %v", in.number, g, err)
	}
	if !set {
		return fmt.Errorf("inode %d is already free", in.number)
	}
	_ = bm.Clear(position)
	gd.freeInodes++
	if in.fileType == fileTypeDirectory {
		gd.usedDirectories--
	}
	if err := fs.writeInodeBitmap(bm, g); err != nil {
		return err
	}
	sb.freeInodes++
	return fs.writeSuperblock()
}

// allocateExtents ensures that size bytes worth of blocks are allocated,
// counting whatever previous already covers, and returns the combined list.
// Contiguous runs are preferred, one extent per run. Nothing is written
// until the whole request is known to fit, so a failed allocation leaves
// every bitmap and counter as it was.
func (fs *FileSystem) allocateExtents(size uint64, previous *extents) (*extents, error) {
	sb := fs.superblock
	required := blocksRequired(size, sb.blockSize)
	var allocated uint64
	if previous != nil {
		allocated = previous.blockCount()
	}
	if required <= allocated {
		return previous, nil
	}
	needed := required - allocated
	if sb.freeBlocks < needed {
		return nil, fmt.Errorf("only %d blocks free, requires additional %d: %w", sb.freeBlocks, needed, ErrNoSpace)
	}

	type groupAllocation struct {
		group  int
		bitmap *util.Bitmap
		taken  uint32
	}
	var (
		newExtents extents
		pending    []groupAllocation
		fileBlock  = uint32(allocated)
		remaining  = needed
	)
	groups := int(sb.blockGroupCount())
	for g := 0; g < groups && remaining > 0; g++ {
		gd := fs.groupDescriptors.byNumber(uint16(g))
		if gd == nil || gd.freeBlocks == 0 {
			continue
		}
		bm, err := fs.readBlockBitmap(g)
		if err != nil {
			return nil, err
		}
		groupFirstBlock := uint64(sb.firstDataBlock) + uint64(g)*uint64(sb.blocksPerGroup)
		var taken uint32
		for _, chunk := range bm.FreeList() {
			position, left := chunk.Position, uint64(chunk.Count)
			for remaining > 0 && left > 0 {
				count := left
				if count > remaining {
					count = remaining
				}
				if count > uint64(maxBlocksPerExtent) {
					count = uint64(maxBlocksPerExtent)
				}
				for i := 0; i < int(count); i++ {
					_ = bm.Set(position + i)
				}
				newExtents = append(newExtents, extent{
					fileBlock:     fileBlock,
					startingBlock: groupFirstBlock + uint64(position),
					count:         uint16(count),
				})
				fileBlock += uint32(count)
				taken += uint32(count)
				remaining -= count
				position += int(count)
				left -= count
			}
			if remaining == 0 {
				break
			}
		}
		if taken > 0 {
			pending = append(pending, groupAllocation{group: g, bitmap: bm, taken: taken})
		}
	}
	if remaining > 0 {
		return nil, fmt.Errorf("could not find %d contiguous free blocks: %w", remaining, ErrNoSpace)
	}

	for _, p := range pending {
		gd := fs.groupDescriptors.byNumber(uint16(p.group))
		gd.freeBlocks -= p.taken
		if err := fs.writeBlockBitmap(p.bitmap, p.group); err != nil {
			return nil, err
		}
	}
	sb.freeBlocks -= needed
	if err := fs.writeSuperblock(); err != nil {
		return nil, err
	}
	log.Debugf("allocated %d blocks in %d extents", needed, len(newExtents))

	if previous != nil {
		newExtents = append(*previous, newExtents...)
	}
	return &newExtents, nil
}

// deallocateBlocks returns every block covered by the given extents to the
// free pool. Freeing a block that is already free is reported as an error,
// a sign the extents or the bitmaps are corrupt.
func (fs *FileSystem) deallocateBlocks(ex extents) error {
	sb := fs.superblock
	var (
		bitmaps = map[int]*util.Bitmap{}
		freed   = map[int]uint32{}
		order   []int
		total   uint64
	)
	for _, e := range ex {
		for block := e.startingBlock; block < e.startingBlock+uint64(e.count); block++ {
			g := blockGroupForBlock(block, sb)
			bm, ok := bitmaps[g]
			if !ok {
				var err error
				if bm, err = fs.readBlockBitmap(g); err != nil {
					return err
				}
				bitmaps[g] = bm
				order = append(order, g)
			}
			position := int(block - uint64(sb.firstDataBlock) - uint64(g)*uint64(sb.blocksPerGroup))
			set, err := bm.IsSet(position)
			if err != nil {
				return fmt.Errorf("block %d out of range in the bitmap for group %d: %v", block, g, err)
			}
			if !set {
				return fmt.Errorf("block %d is already free", block)
			}
			_ = bm.Clear(position)
			freed[g]++
			total++
		}
	}
	for _, g := range order {
		gd := fs.groupDescriptors.byNumber(uint16(g))
		if gd == nil {
			return fmt.Errorf("no block group %d", g)
		}
		gd.freeBlocks += freed[g]
		if err := fs.writeBlockBitmap(bitmaps[g], g); err != nil {
			return err
		}
	}
	sb.freeBlocks += total
	return fs.writeSuperblock()
}

// freeInodeContent returns every block an inode occupies, its data, the
// nodes of a spilled extent tree and the extended attribute block.
func (fs *FileSystem) freeInodeContent(in *inode) error {
	data, treeBlocks, err := releaseExtentTree(in.extents, fs)
	if err != nil {
		return fmt.Errorf("could not read the extent tree of inode %d: %w", in.number, err)
	}
	freed := make(extents, 0, len(data)+len(treeBlocks)+1)
	freed = append(freed, data...)
	for _, block := range treeBlocks {
		freed = append(freed, extent{startingBlock: block, count: 1})
	}
	if in.extendedAttributeBlock != 0 {
		freed = append(freed, extent{startingBlock: in.extendedAttributeBlock, count: 1})
	}
	if len(freed) == 0 {
		return nil
	}
	return fs.deallocateBlocks(freed)
}
