package ext4

import (
	"encoding/binary"
	"fmt"
	"slices"
)

// directoryEntriesLinear is the classic directory layout, entries packed one after
// another into each block, the last entry of a block stretched to the block end.
type directoryEntriesLinear struct {
	entries []*directoryEntry

	// super block flags
	bytesPerBlock uint32
	hasFileType   bool
	checkSum      checksummer

	// hashTree is set when the directory carries a hash tree index. The index
	// nodes live disguised as empty directory entries, so the parser skips them
	// and leaves their private checksum tails alone.
	hashTree bool

	// if true, the size of each entry needs to be recalculated
	dirty bool
}

func (d *directoryEntriesLinear) toBytes() []byte {
	bs := make([]byte, d.Size())
	_ = d.MarshalExt4(bs)
	return bs
}

func (d *directoryEntriesLinear) Entries() []*directoryEntry {
	return d.entries
}

func (d *directoryEntriesLinear) AddEntry(entry *directoryEntry) {
	d.entries = append(d.entries, entry)
	d.MarkDirty()
}

func (d *directoryEntriesLinear) RemoveEntry(entry *directoryEntry) {
	d.entries = slices.DeleteFunc(d.entries, func(e *directoryEntry) bool { return e.filename == entry.filename })
	d.MarkDirty()
}

func (d *directoryEntriesLinear) MarkDirty() {
	d.dirty = true
}

func (d *directoryEntriesLinear) clean() {
	if !d.dirty {
		return
	}
	for _, entry := range d.entries {
		entry.length = uint16(entry.CalcSize())
	}
	d.dirty = false
}

func (d *directoryEntriesLinear) Size() int {
	var (
		size       uint32
		index      uint32
		needed     uint32
		available  uint32
		footerSize uint32
	)
	d.clean()
	if d.checkSum != nil {
		footerSize = uint32(minDirEntryLength)
	}
	for _, de := range d.entries {
		needed = uint32(de.Size())
		available = d.bytesPerBlock - index - footerSize

		// if adding this one will go past the end of the block, start the next block
		if needed > available {
			size += d.bytesPerBlock
			index = 0
		}
		index += needed
	}
	if index > 0 {
		size += d.bytesPerBlock
	}
	return int(size)
}

func (d *directoryEntriesLinear) MarshalExt4(b []byte) (err error) {
	var (
		index         uint32
		needed        uint32
		blockOffset   uint32
		previousIndex uint32
	)
	d.clean()
	for i, de := range d.entries {
		needed = uint32(de.Size())

		// if adding this one will go past the end of the block, stretch the previous entry
		// over the remaining bytes and add the fake checksum directory entry to the end of the block
		if needed > d.availableBytes(index) {
			if i > 0 {
				d.extendDirectoryEntryLen(d.entries[i-1], b, blockOffset, previousIndex, index)
			}
			d.appendCheckSum(b[blockOffset : blockOffset+d.bytesPerBlock])
			index = 0
			blockOffset += d.bytesPerBlock
		}

		previousIndex = index
		index += needed
		if err = de.MarshalExt4(b[previousIndex+blockOffset : index+blockOffset]); err != nil {
			return err
		}
	}
	if index > 0 {
		if len(d.entries) > 0 {
			d.extendDirectoryEntryLen(d.entries[len(d.entries)-1], b, blockOffset, previousIndex, index)
		}
		d.appendCheckSum(b[blockOffset : blockOffset+d.bytesPerBlock])
	}
	return nil
}

func (d *directoryEntriesLinear) availableBytes(index uint32) uint32 {
	available := d.bytesPerBlock - index
	if d.checkSum != nil {
		available -= uint32(minDirEntryLength)
	}
	return available
}

func (d *directoryEntriesLinear) extendDirectoryEntryLen(entry *directoryEntry, bs []byte, blockOffset, prevIndex, index uint32) {
	available := uint16(d.availableBytes(index))
	if available == 0 {
		return
	}
	entry.length = available + uint16(entry.CalcSize())
	_ = entry.MarshalExt4(bs[blockOffset+prevIndex : blockOffset+index])
	for j := blockOffset + index; j < blockOffset+d.bytesPerBlock; j++ {
		bs[j] = 0
	}
}

func (d *directoryEntriesLinear) appendCheckSum(b []byte) {
	if d.checkSum == nil {
		return
	}
	offset := len(b) - minDirEntryLength
	binary.LittleEndian.PutUint32(b[offset:offset+4], 0)
	binary.LittleEndian.PutUint16(b[offset+4:offset+6], uint16(minDirEntryLength))
	b[offset+6] = 0
	b[offset+7] = byte(dirFileTypeChecksum)
	binary.LittleEndian.PutUint32(b[offset+0x8:], d.checkSum(b[:offset]))
}

// isChecksumTail reports whether the final 12 bytes of a block hold the fake
// directory entry that carries the block checksum.
func isChecksumTail(b []byte) bool {
	return binary.LittleEndian.Uint32(b[0x0:0x4]) == 0 &&
		binary.LittleEndian.Uint16(b[0x4:0x6]) == uint16(minDirEntryLength) &&
		b[0x6] == 0 && b[0x7] == byte(dirFileTypeChecksum)
}

func (d *directoryEntriesLinear) UnmarshalExt4(b []byte) error {
	d.entries = make([]*directoryEntry, 0, 4)
	blockSize := int(d.bytesPerBlock)
	if len(b)%blockSize != 0 {
		return fmt.Errorf("cannot parse directory of %d bytes, not a multiple of the block size %d", len(b), blockSize)
	}
	for offset := 0; offset < len(b); offset += blockSize {
		var (
			block = b[offset : offset+blockSize]
			limit = blockSize
		)
		if d.checkSum != nil {
			switch {
			case isChecksumTail(block[blockSize-minDirEntryLength:]):
				stored := binary.LittleEndian.Uint32(block[blockSize-0x4:])
				if actual := d.checkSum(block[:blockSize-minDirEntryLength]); actual != stored {
					return fmt.Errorf("directory block %d checksum mismatch: on disk %x, calculated %x", offset/blockSize, stored, actual)
				}
				limit = blockSize - minDirEntryLength
			case !d.hashTree:
				return fmt.Errorf("directory block %d has no checksum tail", offset/blockSize)
			default:
				// a hash tree index node, checksummed through its own tail format
			}
		}
		if err := d.unmarshalBlock(block, limit, offset/blockSize); err != nil {
			return err
		}
	}
	return nil
}

// unmarshalBlock walks the record chain of a single directory block. Entries with
// inode 0 hold no file, they are either deleted entries or hash tree index nodes.
func (d *directoryEntriesLinear) unmarshalBlock(b []byte, limit, blockNumber int) error {
	for i := 0; i+dirEntryHeaderLength <= limit; {
		length := int(binary.LittleEndian.Uint16(b[i+0x4 : i+0x6]))
		if length == 0 {
			// the rest is padding to fill the block
			break
		}
		if length < minDirEntryLength || length%4 != 0 || i+length > len(b) {
			if d.hashTree {
				break
			}
			return fmt.Errorf("invalid directory entry length %d at byte %d of block %d", length, i, blockNumber)
		}
		if binary.LittleEndian.Uint32(b[i:i+0x4]) == 0 {
			i += length
			continue
		}
		entry := &directoryEntry{
			hasFileType: d.hasFileType,
		}
		if err := entry.UnmarshalExt4(b[i : i+length]); err != nil {
			return fmt.Errorf("failed to parse directory entry at byte %d of block %d: %v", i, blockNumber, err)
		}
		d.entries = append(d.entries, entry)
		i += length
	}
	return nil
}
