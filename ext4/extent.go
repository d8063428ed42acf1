package ext4

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/diskfs/go-ext4/ext4/crc"
)

const (
	extentTreeHeaderLength int    = 12
	extentTreeEntryLength  int    = 12
	extentHeaderSignature  uint16 = 0xf30a
	extentTreeMaxDepth     int    = 5

	// maxRootExtents is how many extents fit in the tree root inside an inode
	maxRootExtents int = 4
)

// extents is a structure holding multiple extents
type extents []extent

// extent is a single contiguous run of blocks containing file data
type extent struct {
	// fileBlock block number relative to the file. E.g. if the file is composed of 5 blocks, this could be 0-4
	fileBlock uint32
	// startingBlock the first block on disk that contains the data in this extent. E.g. if the file is made up of data from blocks 100-104 on the disk, this would be 100
	startingBlock uint64
	// count how many contiguous blocks are covered by this extent
	count uint16
}

// equal if 2 extents are equal
func (e *extent) equal(a *extent) bool {
	if (e == nil && a != nil) || (a == nil && e != nil) {
		return false
	}
	if e == nil && a == nil {
		return true
	}
	return *e == *a
}

// blockCount how many blocks are covered in the extents
func (e extents) blockCount() uint64 {
	var count uint64
	for _, ext := range e {
		count += uint64(ext.count)
	}
	return count
}

// extentBlockFinder provides a way of finding the blocks on disk that represent the block range of a given file.
// Arguments are the starting and ending blocks in the file. Returns a slice of blocks to read on disk.
// These blocks are in order. For example, if you ask to read file blocks starting at 20 for a count of 25, then you might
// get a single fileToBlocks{block: 100, count: 25} if the file is contiguous on disk. Or you might get
// fileToBlocks{block: 100, count: 10}, fileToBlocks{block: 200, count: 15} if the file is fragmented on disk.
// The slice should be read in order.
type extentBlockFinder interface {
	// findBlocks find the actual blocks for a range in the file, given the start block in the file and how many blocks
	findBlocks(start, count uint64, fs *FileSystem) ([]uint64, error)
	// blocks get all of the blocks for a file, in sequential order, essentially unravels the tree into a slice of extents
	blocks(fs *FileSystem) (extents, error)
	// toBytes convert this extentBlockFinder to bytes to be stored in a block or inode
	toBytes() []byte
}

var (
	_ extentBlockFinder = &extentInternalNode{}
	_ extentBlockFinder = &extentLeafNode{}
)

// extentNodeHeader represents the header of an extent node
type extentNodeHeader struct {
	depth     uint16 // the depth of tree below here; for leaf nodes, will be 0
	entries   uint16 // number of entries
	max       uint16 // maximum number of entries allowed at this level
	blockSize uint32 // block size for this tree
}

func (e extentNodeHeader) toBytes() []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint16(b[0:2], extentHeaderSignature)
	binary.LittleEndian.PutUint16(b[2:4], e.entries)
	binary.LittleEndian.PutUint16(b[4:6], e.max)
	binary.LittleEndian.PutUint16(b[6:8], e.depth)
	return b
}

// extentChildPtr represents a child pointer in an internal node of extents
// the child could be a leaf node or another internal node. We only would know
// after parsing diskBlock to see its header.
type extentChildPtr struct {
	fileBlock uint32 // extents or children of this cover from file block fileBlock onwards
	count     uint32 // how many blocks are covered by this extent
	diskBlock uint64 // block number where the children live
}

// extentLeafNode is a leaf node of extents. It includes the information in the
// header and the extents. By definition, depth=0.
type extentLeafNode struct {
	extentNodeHeader
	extents extents // the actual extents
}

// findBlocks find the actual blocks for a range in the file. leaf nodes already have all of the data inside,
// so the FileSystem reference is unused.
func (e extentLeafNode) findBlocks(start, count uint64, _ *FileSystem) ([]uint64, error) {
	var ret []uint64

	// before anything, figure out which file block is the start and end of the desired range
	end := start + count - 1

	// we are at the bottom of the tree, so we can just return the extents
	for _, ext := range e.extents {
		extentStart := uint64(ext.fileBlock)
		extentEnd := uint64(ext.fileBlock + uint32(ext.count) - 1)

		// Check if the extent does not overlap with the given block range
		if extentEnd < start || extentStart > end {
			continue
		}

		// Calculate the overlapping range
		overlapStart := max(start, extentStart)
		overlapEnd := min(end, extentEnd)

		// Calculate the starting disk block for the overlap
		diskBlockStart := ext.startingBlock + (overlapStart - extentStart)

		// Append the corresponding disk blocks to the result
		for i := uint64(0); i <= overlapEnd-overlapStart; i++ {
			ret = append(ret, diskBlockStart+i)
		}
	}
	return ret, nil
}

// blocks return the extents of the leaf. leaf nodes already have all of the data inside,
// so the FileSystem reference is unused.
func (e extentLeafNode) blocks(_ *FileSystem) (extents, error) {
	return e.extents, nil
}

// toBytes convert the node to raw bytes to be stored, either in a block or in an inode
func (e extentLeafNode) toBytes() []byte {
	var base int
	// 12 byte header, 12 bytes per entry
	b := make([]byte, extentTreeHeaderLength+extentTreeEntryLength*int(e.max))
	copy(b[0:12], e.extentNodeHeader.toBytes())

	diskBlock := make([]byte, 8)
	for i, ext := range e.extents {
		base = (i + 1) * extentTreeEntryLength
		binary.LittleEndian.PutUint32(b[base:base+4], ext.fileBlock)
		binary.LittleEndian.PutUint16(b[base+4:base+6], ext.count)
		binary.LittleEndian.PutUint64(diskBlock, ext.startingBlock)
		copy(b[base+6:base+8], diskBlock[4:6])
		copy(b[base+8:base+12], diskBlock[0:4])
	}
	return b
}

// extentInternalNode is an internal node in a tree of extents. It includes the
// information in the header and the child pointers. By definition, depth>0.
type extentInternalNode struct {
	extentNodeHeader
	children []*extentChildPtr // the children
}

// findBlocks find the actual blocks for a range in the file. internal nodes need to read the filesystem to
// get the child nodes, so the FileSystem reference is used.
func (e extentInternalNode) findBlocks(start, count uint64, fs *FileSystem) (ret []uint64, err error) {
	var (
		b           = make([]byte, fs.superblock.blockSize)
		blocks      []uint64
		extentStart uint64
		extentEnd   uint64
		ebf         extentBlockFinder
	)

	// before anything, figure out which file block is the start and end of the desired range
	end := start + count - 1

	// we are not depth 0, so we have children extent tree nodes. Figure out which ranges we are in.
	for _, child := range e.children {
		extentStart = uint64(child.fileBlock)
		extentEnd = uint64(child.fileBlock + child.count - 1)

		// Check if the extent does not overlap with the given block range
		if extentEnd < start || extentStart > end {
			continue
		}

		// read the extent block from the disk
		if err = fs.readBlock(child.diskBlock, b); err != nil {
			return nil, err
		}
		if ebf, err = parseExtents(b, e.blockSize, child.fileBlock, child.count); err != nil {
			return nil, err
		}
		if blocks, err = ebf.findBlocks(extentStart, uint64(child.count), fs); err != nil {
			return nil, err
		}
		if len(blocks) > 0 {
			ret = append(ret, blocks...)
		}
	}
	return ret, nil
}

// blocks walk the tree below us and find all of the blocks
func (e extentInternalNode) blocks(fs *FileSystem) (ret extents, err error) {
	var (
		b      = make([]byte, fs.superblock.blockSize)
		blocks extents
		ebf    extentBlockFinder
	)

	for _, child := range e.children {
		// read the extent block from the disk
		if err = fs.readBlock(child.diskBlock, b); err != nil {
			return nil, err
		}
		if ebf, err = parseExtents(b, e.blockSize, child.fileBlock, child.count); err != nil {
			return nil, err
		}
		if blocks, err = ebf.blocks(fs); err != nil {
			return nil, err
		}
		if len(blocks) > 0 {
			ret = append(ret, blocks...)
		}
	}
	return ret, nil
}

// toBytes convert the node to raw bytes to be stored, either in a block or in an inode
func (e extentInternalNode) toBytes() []byte {
	var base int

	// 12 byte header, 12 bytes per child
	b := make([]byte, extentTreeHeaderLength+extentTreeEntryLength*int(e.max))
	copy(b[0:12], e.extentNodeHeader.toBytes())

	diskBlock := make([]byte, 8)
	for i, child := range e.children {
		base = (i + 1) * extentTreeEntryLength
		binary.LittleEndian.PutUint32(b[base:base+4], child.fileBlock)
		binary.LittleEndian.PutUint64(diskBlock, child.diskBlock)
		copy(b[base+4:base+8], diskBlock[0:4])
		copy(b[base+8:base+10], diskBlock[4:6])
	}
	return b
}

// parseExtents takes bytes, parses them to find the actual extents or the next blocks down.
// It does not recurse down the tree, as we do not want to do that until we actually are ready
// to read those blocks. This is similar to how ext4 driver in the Linux kernel does it.
// start and count describe the file block range this section of the tree covers.
func parseExtents(b []byte, blockSize, start, count uint32) (extentBlockFinder, error) {
	// must have at least header and one entry
	if minLength := extentTreeHeaderLength + extentTreeEntryLength; len(b) < minLength {
		return nil, fmt.Errorf("cannot parse extent tree from %d bytes, minimum required %d", len(b), minLength)
	}
	// check magic signature
	if binary.LittleEndian.Uint16(b[0:2]) != extentHeaderSignature {
		return nil, fmt.Errorf("invalid extent tree signature: %x", b[0x0:0x2])
	}
	e := extentNodeHeader{
		entries:   binary.LittleEndian.Uint16(b[0x2:0x4]),
		max:       binary.LittleEndian.Uint16(b[0x4:0x6]),
		depth:     binary.LittleEndian.Uint16(b[0x6:0x8]),
		blockSize: blockSize,
	}
	if int(e.depth) > extentTreeMaxDepth {
		return nil, fmt.Errorf("invalid extent tree depth %d, maximum is %d", e.depth, extentTreeMaxDepth)
	}
	if maxEntries := (len(b) - extentTreeHeaderLength) / extentTreeEntryLength; int(e.entries) > maxEntries {
		return nil, fmt.Errorf("extent tree node claims %d entries, only %d fit in %d bytes", e.entries, maxEntries, len(b))
	}
	// b[0x8:0xc] is used for the generation by Lustre but not standard ext4, so we ignore

	// don't allocate for every loop, the space can be reused
	var (
		index     int
		diskBlock = make([]byte, 8)
		size      = int(e.entries)
	)

	// we have parsed the header, now read either the leaf entries or the intermediate nodes
	switch e.depth {
	case 0:
		leafNode := extentLeafNode{
			extentNodeHeader: e,
			extents:          make([]extent, size),
		}

		// read the leaves
		for i := 0; i < size; i++ {
			index = i*extentTreeEntryLength + extentTreeHeaderLength
			copy(diskBlock[0:4], b[index+8:index+12])
			copy(diskBlock[4:6], b[index+6:index+8])
			leafNode.extents[i].fileBlock = binary.LittleEndian.Uint32(b[index : index+4])
			leafNode.extents[i].count = binary.LittleEndian.Uint16(b[index+4 : index+6])
			leafNode.extents[i].startingBlock = binary.LittleEndian.Uint64(diskBlock)
		}
		return &leafNode, nil
	default:
		internalNode := extentInternalNode{
			extentNodeHeader: e,
			children:         make([]*extentChildPtr, size),
		}
		for i := 0; i < size; i++ {
			index = i*extentTreeEntryLength + extentTreeHeaderLength
			copy(diskBlock[0:4], b[index+4:index+8])
			copy(diskBlock[4:6], b[index+8:index+10])
			internalNode.children[i] = &extentChildPtr{
				diskBlock: binary.LittleEndian.Uint64(diskBlock),
				fileBlock: binary.LittleEndian.Uint32(b[index : index+4]),
			}
			if i > 0 {
				internalNode.children[i-1].count = internalNode.children[i].fileBlock - internalNode.children[i-1].fileBlock
			}
		}
		if size > 0 {
			internalNode.children[len(internalNode.children)-1].count = start + count - internalNode.children[len(internalNode.children)-1].fileBlock
		}
		return &internalNode, nil
	}
}

// leafBlockMaxEntries is how many extent entries fit in a whole block used as a
// leaf node. The division leaves at least 4 bytes past the last entry, which is
// where the checksum tail lives.
func leafBlockMaxEntries(blockSize uint32) uint16 {
	return uint16((int(blockSize) - extentTreeHeaderLength) / extentTreeEntryLength)
}

// extentBlockChecksumAppender fills in the checksum tail of a whole-block extent
// node. The tail sits directly after the last of the max entries.
func extentBlockChecksumAppender(seed, inodeNumber, generation uint32) checksumAppender {
	return func(b []byte) {
		maxEntries := int(binary.LittleEndian.Uint16(b[0x4:0x6]))
		tailOffset := extentTreeHeaderLength + extentTreeEntryLength*maxEntries
		if tailOffset+4 > len(b) {
			return
		}
		checksum := crc.CRC32c(inodeChecksumSeed(seed, inodeNumber, generation), b[:tailOffset])
		binary.LittleEndian.PutUint32(b[tailOffset:tailOffset+4], checksum)
	}
}

// normalizeExtents sorts the extents by file block and joins runs that are
// adjacent in both the file and on disk.
func normalizeExtents(all extents) extents {
	sort.Slice(all, func(i, j int) bool { return all[i].fileBlock < all[j].fileBlock })
	out := make(extents, 0, len(all))
	for _, e := range all {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if uint64(last.fileBlock)+uint64(last.count) == uint64(e.fileBlock) &&
				last.startingBlock+uint64(last.count) == e.startingBlock &&
				uint32(last.count)+uint32(e.count) <= uint32(maxBlocksPerExtent) {
				last.count += e.count
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// extendExtentTree merges the added extents into an extent tree and returns the new root.
// If the existing tree is nil, a new one is created. As long as everything fits within the
// four entries of the root node, the tree lives in the inode alone and nothing is written
// to disk. Once it outgrows the inode, the entries move into full leaf blocks and the root
// becomes an index over them. The caller is responsible for writing the inode itself.
func extendExtentTree(existing extentBlockFinder, added *extents, fs *FileSystem, inodeNumber, generation uint32) (extentBlockFinder, error) {
	all := extents{}
	if existing != nil {
		current, err := existing.blocks(fs)
		if err != nil {
			return nil, fmt.Errorf("could not read existing extents: %w", err)
		}
		all = append(all, current...)
	}
	if added != nil {
		all = append(all, *added...)
	}
	all = normalizeExtents(all)

	blockSize := fs.superblock.blockSize
	if len(all) <= maxRootExtents {
		return &extentLeafNode{
			extentNodeHeader: extentNodeHeader{
				depth:     0,
				entries:   uint16(len(all)),
				max:       uint16(maxRootExtents),
				blockSize: blockSize,
			},
			extents: all,
		}, nil
	}

	// the tree outgrew the inode: spread the extents over leaf blocks and keep an
	// index to them in the root. Freeing the leaf blocks of a previous spill, if
	// any, is the caller's business, it knows them from releaseExtentTree.
	perLeaf := int(leafBlockMaxEntries(blockSize))
	leafCount := (len(all) + perLeaf - 1) / perLeaf
	if leafCount > maxRootExtents {
		return nil, fmt.Errorf("%d extents need %d leaf blocks, the root index fits only %d: %w", len(all), leafCount, maxRootExtents, ErrUnsupportedLayout)
	}

	leafBlocks, err := fs.allocateExtents(uint64(leafCount)*uint64(blockSize), nil)
	if err != nil {
		return nil, fmt.Errorf("could not allocate extent tree leaf blocks: %w", err)
	}
	var blocks []uint64
	for _, e := range *leafBlocks {
		for j := uint16(0); j < e.count; j++ {
			blocks = append(blocks, e.startingBlock+uint64(j))
		}
	}

	root := &extentInternalNode{
		extentNodeHeader: extentNodeHeader{
			depth:     1,
			entries:   uint16(leafCount),
			max:       uint16(maxRootExtents),
			blockSize: blockSize,
		},
	}
	appendChecksum := extentBlockChecksumAppender(fs.superblock.checksumSeed, inodeNumber, generation)
	for i := 0; i < leafCount; i++ {
		part := all[i*perLeaf : min((i+1)*perLeaf, len(all))]
		leaf := &extentLeafNode{
			extentNodeHeader: extentNodeHeader{
				depth:     0,
				entries:   uint16(len(part)),
				max:       leafBlockMaxEntries(blockSize),
				blockSize: blockSize,
			},
			extents: part,
		}
		b := make([]byte, blockSize)
		copy(b, leaf.toBytes())
		if fs.superblock.features.metadataChecksums {
			appendChecksum(b)
		}
		if err = fs.writeBlock(blocks[i], b); err != nil {
			return nil, fmt.Errorf("could not write extent tree leaf block %d: %w", blocks[i], err)
		}
		root.children = append(root.children, &extentChildPtr{
			fileBlock: part[0].fileBlock,
			count:     uint32(part.blockCount()),
			diskBlock: blocks[i],
		})
	}
	return root, nil
}

// releaseExtentTree unravels a tree into the data extents it covers and the disk
// blocks occupied by the tree's own nodes below the root.
func releaseExtentTree(node extentBlockFinder, fs *FileSystem) (data extents, treeBlocks []uint64, err error) {
	switch n := node.(type) {
	case nil:
		return nil, nil, nil
	case *extentLeafNode:
		return n.extents, nil, nil
	case *extentInternalNode:
		b := make([]byte, fs.superblock.blockSize)
		for _, child := range n.children {
			if err = fs.readBlock(child.diskBlock, b); err != nil {
				return nil, nil, err
			}
			ebf, err := parseExtents(b, n.blockSize, child.fileBlock, child.count)
			if err != nil {
				return nil, nil, err
			}
			childData, childTree, err := releaseExtentTree(ebf, fs)
			if err != nil {
				return nil, nil, err
			}
			data = append(data, childData...)
			treeBlocks = append(treeBlocks, child.diskBlock)
			treeBlocks = append(treeBlocks, childTree...)
		}
		return data, treeBlocks, nil
	default:
		return nil, nil, fmt.Errorf("unsupported extent tree node type")
	}
}
