package ext4

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/diskfs/go-ext4/ext4/crc"
)

// Extended attributes of an inode live in a single separate block, pointed
// at by the inode's file ACL field. Entries grow from the front of the
// block, values from the back, the same way the kernel lays them out.

const (
	xattrHeaderMagic uint32 = 0xea020000
	xattrHeaderSize  int    = 32
	xattrEntrySize   int    = 16
)

// xattrPrefixes maps the on-disk name index to the prefix it stands for.
// The exact names must come before the "system." catch-all so the longest
// match wins.
var xattrPrefixes = []struct {
	index  byte
	prefix string
}{
	{2, "system.posix_acl_access"},
	{3, "system.posix_acl_default"},
	{1, "user."},
	{4, "trusted."},
	{6, "security."},
	{7, "system."},
}

type xattrEntry struct {
	nameIndex byte
	// name is the part after the prefix the name index stands for
	name  string
	value []byte
}

func (e *xattrEntry) fullName() string {
	for _, p := range xattrPrefixes {
		if p.index == e.nameIndex {
			return p.prefix + e.name
		}
	}
	return e.name
}

func splitXattrName(name string) (byte, string, error) {
	for _, p := range xattrPrefixes {
		if name == p.prefix || (strings.HasSuffix(p.prefix, ".") && strings.HasPrefix(name, p.prefix)) {
			return p.index, strings.TrimPrefix(name, p.prefix), nil
		}
	}
	return 0, "", fmt.Errorf("attribute name %q lacks a supported prefix", name)
}

// xattrEntrySpace returns the bytes an entry occupies in the entry area,
// the fixed part plus the name rounded up to 4 bytes.
func xattrEntrySpace(name string) int {
	return (xattrEntrySize + len(name) + 3) &^ 3
}

// xattrValueSpace returns the bytes a value occupies in the value area,
// rounded up to 4 bytes.
func xattrValueSpace(value []byte) int {
	return (len(value) + 3) &^ 3
}

// xattrsFit reports whether the entries, their terminator and their values
// all fit in one block.
func xattrsFit(entries []*xattrEntry, blockSize int) bool {
	used := xattrHeaderSize + 4
	for _, e := range entries {
		used += xattrEntrySpace(e.name) + xattrValueSpace(e.value)
	}
	return used <= blockSize
}

// xattrEntryHash is the per-entry hash over name and value the kernel
// stores in e_hash.
func xattrEntryHash(e *xattrEntry) uint32 {
	var hash uint32
	for i := 0; i < len(e.name); i++ {
		hash = hash<<5 ^ hash>>27 ^ uint32(e.name[i])
	}
	padded := make([]byte, xattrValueSpace(e.value))
	copy(padded, e.value)
	for i := 0; i < len(padded); i += 4 {
		hash = hash<<16 ^ hash>>16 ^ binary.LittleEndian.Uint32(padded[i:i+4])
	}
	return hash
}

// xattrBlockChecksum calculates the checksum of an extended attribute
// block, seeded with the block's own number so a block cannot be replayed
// at another location.
func xattrBlockChecksum(b []byte, seed uint32, blockNumber uint64) uint32 {
	blockBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(blockBytes, blockNumber)
	csum := crc.CRC32c(seed, blockBytes)
	cp := make([]byte, len(b))
	copy(cp, b)
	cp[0x10], cp[0x11], cp[0x12], cp[0x13] = 0, 0, 0, 0
	return crc.CRC32c(csum, cp)
}

// xattrBlockBytes serializes entries into one attribute block. The caller
// must have checked the fit with xattrsFit.
func xattrBlockBytes(entries []*xattrEntry, sb *superblock, blockNumber uint64) []byte {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].nameIndex != entries[j].nameIndex {
			return entries[i].nameIndex < entries[j].nameIndex
		}
		return entries[i].name < entries[j].name
	})

	b := make([]byte, sb.blockSize)
	binary.LittleEndian.PutUint32(b[0x0:0x4], xattrHeaderMagic)
	binary.LittleEndian.PutUint32(b[0x4:0x8], 1) // refcount
	binary.LittleEndian.PutUint32(b[0x8:0xc], 1) // blocks

	var blockHash uint32
	entryOffset := xattrHeaderSize
	valueOffset := int(sb.blockSize)
	for _, e := range entries {
		valueOffset -= xattrValueSpace(e.value)
		hash := xattrEntryHash(e)
		b[entryOffset] = byte(len(e.name))
		b[entryOffset+1] = e.nameIndex
		binary.LittleEndian.PutUint16(b[entryOffset+2:entryOffset+4], uint16(valueOffset))
		binary.LittleEndian.PutUint32(b[entryOffset+8:entryOffset+12], uint32(len(e.value)))
		binary.LittleEndian.PutUint32(b[entryOffset+12:entryOffset+16], hash)
		copy(b[entryOffset+xattrEntrySize:], e.name)
		copy(b[valueOffset:], e.value)
		blockHash = blockHash<<16 ^ blockHash>>16 ^ hash
		entryOffset += xattrEntrySpace(e.name)
	}
	binary.LittleEndian.PutUint32(b[0xc:0x10], blockHash)
	if sb.features.metadataChecksums {
		binary.LittleEndian.PutUint32(b[0x10:0x14], xattrBlockChecksum(b, sb.checksumSeed, blockNumber))
	}
	return b
}

// parseXattrBlock verifies and decodes one attribute block.
func parseXattrBlock(b []byte, sb *superblock, blockNumber uint64) ([]*xattrEntry, error) {
	if len(b) < xattrHeaderSize {
		return nil, fmt.Errorf("extended attribute block %d is only %d bytes", blockNumber, len(b))
	}
	if magic := binary.LittleEndian.Uint32(b[0x0:0x4]); magic != xattrHeaderMagic {
		return nil, fmt.Errorf("extended attribute block %d has invalid magic %#x", blockNumber, magic)
	}
	if sb.features.metadataChecksums {
		stored := binary.LittleEndian.Uint32(b[0x10:0x14])
		if actual := xattrBlockChecksum(b, sb.checksumSeed, blockNumber); actual != stored {
			return nil, fmt.Errorf("checksum mismatch for extended attribute block %d, on disk %x, calculated %x", blockNumber, stored, actual)
		}
	}

	var entries []*xattrEntry
	offset := xattrHeaderSize
	for {
		if offset+4 > len(b) {
			return nil, fmt.Errorf("extended attribute block %d has no terminating entry", blockNumber)
		}
		if binary.LittleEndian.Uint32(b[offset:offset+4]) == 0 {
			break
		}
		if offset+xattrEntrySize > len(b) {
			return nil, fmt.Errorf("extended attribute block %d has a truncated entry at %d", blockNumber, offset)
		}
		var (
			nameLen   = int(b[offset])
			nameIndex = b[offset+1]
			valueOffs = int(binary.LittleEndian.Uint16(b[offset+2 : offset+4]))
			valueIno  = binary.LittleEndian.Uint32(b[offset+4 : offset+8])
			valueSize = int(binary.LittleEndian.Uint32(b[offset+8 : offset+12]))
		)
		if valueIno != 0 {
			return nil, fmt.Errorf("extended attribute block %d stores a value in inode %d: %w", blockNumber, valueIno, ErrUnsupportedLayout)
		}
		nameStart := offset + xattrEntrySize
		if nameStart+nameLen > len(b) || valueOffs+valueSize > len(b) {
			return nil, fmt.Errorf("extended attribute block %d has an entry pointing out of the block", blockNumber)
		}
		value := make([]byte, valueSize)
		copy(value, b[valueOffs:valueOffs+valueSize])
		entries = append(entries, &xattrEntry{
			nameIndex: nameIndex,
			name:      string(b[nameStart : nameStart+nameLen]),
			value:     value,
		})
		offset = nameStart + ((nameLen + 3) &^ 3)
	}
	return entries, nil
}

func (fs *FileSystem) readXattrs(in *inode) ([]*xattrEntry, error) {
	if in.extendedAttributeBlock == 0 {
		return nil, nil
	}
	b := make([]byte, fs.superblock.blockSize)
	if err := fs.readBlock(in.extendedAttributeBlock, b); err != nil {
		return nil, err
	}
	return parseXattrBlock(b, fs.superblock, in.extendedAttributeBlock)
}

// GetXattr returns the value of the named extended attribute of ino.
func (fs *FileSystem) GetXattr(ino uint32, name string) ([]byte, error) {
	index, suffix, err := splitXattrName(name)
	if err != nil {
		return nil, err
	}
	in, err := fs.readInode(ino)
	if err != nil {
		return nil, err
	}
	entries, err := fs.readXattrs(in)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.nameIndex == index && e.name == suffix {
			return e.value, nil
		}
	}
	return nil, fmt.Errorf("attribute %q on inode %d: %w", name, ino, os.ErrNotExist)
}

// ListXattrs returns the names of every extended attribute of ino.
func (fs *FileSystem) ListXattrs(ino uint32) ([]string, error) {
	in, err := fs.readInode(ino)
	if err != nil {
		return nil, err
	}
	entries, err := fs.readXattrs(in)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.fullName())
	}
	return names, nil
}

// SetXattr sets the named extended attribute of ino, replacing any
// previous value. All attributes of an inode share one block, a set that
// does not fit fails with ErrNoSpace and changes nothing.
func (fs *FileSystem) SetXattr(ino uint32, name string, value []byte) error {
	index, suffix, err := splitXattrName(name)
	if err != nil {
		return err
	}
	if len(suffix) > 255 {
		return fmt.Errorf("attribute name %q is longer than the maximum 255 bytes", name)
	}
	in, err := fs.readInode(ino)
	if err != nil {
		return err
	}
	entries, err := fs.readXattrs(in)
	if err != nil {
		return err
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	replaced := false
	for _, e := range entries {
		if e.nameIndex == index && e.name == suffix {
			e.value = stored
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, &xattrEntry{nameIndex: index, name: suffix, value: stored})
	}
	sb := fs.superblock
	if !xattrsFit(entries, int(sb.blockSize)) {
		return fmt.Errorf("attributes of inode %d do not fit one %d byte block: %w", ino, sb.blockSize, ErrNoSpace)
	}

	if in.extendedAttributeBlock == 0 {
		newExtents, err := fs.allocateExtents(uint64(sb.blockSize), nil)
		if err != nil {
			return err
		}
		in.extendedAttributeBlock = (*newExtents)[0].startingBlock
		in.flags.extendedAttributes = true
		in.blocks += uint64(sb.blockSize) / 512
	}
	if err := fs.writeBlock(in.extendedAttributeBlock, xattrBlockBytes(entries, sb, in.extendedAttributeBlock)); err != nil {
		return err
	}
	in.changeTime = time.Unix(time.Now().Unix(), 0)
	return fs.writeInode(in)
}

// RemoveXattr removes the named extended attribute of ino. Removing the
// last one releases the attribute block.
func (fs *FileSystem) RemoveXattr(ino uint32, name string) error {
	index, suffix, err := splitXattrName(name)
	if err != nil {
		return err
	}
	in, err := fs.readInode(ino)
	if err != nil {
		return err
	}
	entries, err := fs.readXattrs(in)
	if err != nil {
		return err
	}
	found := -1
	for i, e := range entries {
		if e.nameIndex == index && e.name == suffix {
			found = i
			break
		}
	}
	if found == -1 {
		return fmt.Errorf("attribute %q on inode %d: %w", name, ino, os.ErrNotExist)
	}
	entries = append(entries[:found], entries[found+1:]...)

	sb := fs.superblock
	if len(entries) == 0 {
		block := in.extendedAttributeBlock
		in.extendedAttributeBlock = 0
		in.flags.extendedAttributes = false
		in.blocks -= uint64(sb.blockSize) / 512
		if err := fs.deallocateBlocks(extents{{startingBlock: block, count: 1}}); err != nil {
			return err
		}
	} else if err := fs.writeBlock(in.extendedAttributeBlock, xattrBlockBytes(entries, sb, in.extendedAttributeBlock)); err != nil {
		return err
	}
	in.changeTime = time.Unix(time.Now().Unix(), 0)
	return fs.writeInode(in)
}
