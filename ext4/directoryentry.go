package ext4

import (
	"encoding/binary"
	"fmt"
)

// directoryFileType uses different constants than the file type property in the inode
type directoryFileType uint8

const (
	dirEntryHeaderLength int = 0x8
	minDirEntryLength    int = 12 // actually 9 for 1-byte file length, but must be multiple of 4 bytes
	maxDirEntryLength    int = 263

	// directory file types
	dirFileTypeUnknown   directoryFileType = 0x0
	dirFileTypeRegular   directoryFileType = 0x1
	dirFileTypeDirectory directoryFileType = 0x2
	dirFileTypeCharacter directoryFileType = 0x3
	dirFileTypeBlock     directoryFileType = 0x4
	dirFileTypeFifo      directoryFileType = 0x5
	dirFileTypeSocket    directoryFileType = 0x6
	dirFileTypeSymlink   directoryFileType = 0x7

	// dirFileTypeChecksum is the fake file type of the tail entry that carries
	// the checksum of a directory block
	dirFileTypeChecksum directoryFileType = 0xde
)

type directoryEntries interface {
	marshaler
	unmarshaler
	Entries() []*directoryEntry
	AddEntry(entry *directoryEntry)
	RemoveEntry(entry *directoryEntry)
	// MarkDirty flags the entries as changed in place, forcing the next
	// serialization to rebuild the blocks.
	MarkDirty()
}

// directoryEntry is a single directory entry
type directoryEntry struct {
	inode       uint32
	length      uint16
	filename    string
	fileNameLen uint16
	fileType    directoryFileType

	// feature flags from superblock
	hasFileType bool
}

func (de *directoryEntry) equal(other *directoryEntry) bool {
	return de.inode == other.inode && de.filename == other.filename && de.fileType == other.fileType
}

func (de *directoryEntry) CalcSize() int {
	// it must be the header length + filename length rounded up to nearest multiple of 4
	nameLength := uint8(len(de.filename))
	entryLength := int(nameLength) + dirEntryHeaderLength
	if leftover := entryLength % 4; leftover > 0 {
		entryLength += 4 - leftover
	}
	return entryLength
}

func (de *directoryEntry) Size() int {
	entryLength := de.CalcSize()
	if l := int(de.length); l > entryLength {
		return l
	}
	return entryLength
}

// toBytes convert a directoryEntry to bytes, at its recorded length. The recorded length
// may be larger than the calculated size when the entry absorbs the slack at the end of a block.
func (de *directoryEntry) toBytes() []byte {
	b := make([]byte, de.length)
	_ = de.MarshalExt4(b)
	return b
}

func (de *directoryEntry) UnmarshalExt4(b []byte) error {
	if len(b) < dirEntryHeaderLength {
		return fmt.Errorf("cannot parse directory entry from %d bytes, minimum header size is %d", len(b), dirEntryHeaderLength)
	}
	de.inode = binary.LittleEndian.Uint32(b[0x0:0x4])
	de.length = binary.LittleEndian.Uint16(b[0x4:0x6])
	if de.hasFileType {
		de.fileNameLen = uint16(b[0x6])
		de.fileType = directoryFileType(b[0x7])
	} else {
		de.fileNameLen = binary.LittleEndian.Uint16(b[0x6:0x8])
	}
	if maxLen := uint16(maxDirEntryLength - dirEntryHeaderLength); de.fileNameLen > maxLen {
		de.fileNameLen = maxLen
	}
	if len(b) < dirEntryHeaderLength+int(de.fileNameLen) {
		return fmt.Errorf("directory entry of %d bytes is too short for its file name of %d bytes", len(b), de.fileNameLen)
	}
	de.filename = string(b[dirEntryHeaderLength : dirEntryHeaderLength+int(de.fileNameLen)])
	return nil
}

func (de *directoryEntry) MarshalExt4(b []byte) error {
	// calc size is the actual number of bytes needed to write all the information including the filename
	// calc size can be different than de.length as de.length may need to extend to the end of the block
	if len(b) < de.CalcSize() {
		return fmt.Errorf("directory entry of bytes of length %d is too short for the calculated size %d", len(b), de.CalcSize())
	}
	if int(de.length) < minDirEntryLength {
		return fmt.Errorf("the directory entry length %d, is less than the minimum size %d", de.length, minDirEntryLength)
	}
	fileNameLen := uint16(len(de.filename))
	binary.LittleEndian.PutUint32(b[0x0:0x4], de.inode)
	binary.LittleEndian.PutUint16(b[0x4:0x6], de.length)
	if de.hasFileType {
		b[0x6] = uint8(fileNameLen)
		b[0x7] = byte(de.fileType)
	} else {
		binary.LittleEndian.PutUint16(b[0x6:0x8], fileNameLen)
	}
	copy(b[0x8:], de.filename)
	return nil
}

// directoryFileTypeForInode maps the type bits of an inode mode to the
// type recorded next to a file name in a directory entry.
func directoryFileTypeForInode(ft fileType) directoryFileType {
	switch ft {
	case fileTypeRegularFile:
		return dirFileTypeRegular
	case fileTypeDirectory:
		return dirFileTypeDirectory
	case fileTypeCharacterDevice:
		return dirFileTypeCharacter
	case fileTypeBlockDevice:
		return dirFileTypeBlock
	case fileTypeFifo:
		return dirFileTypeFifo
	case fileTypeSocket:
		return dirFileTypeSocket
	case fileTypeSymbolicLink:
		return dirFileTypeSymlink
	}
	return dirFileTypeUnknown
}
