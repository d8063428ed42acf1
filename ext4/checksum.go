package ext4

import (
	"encoding/binary"

	"github.com/diskfs/go-ext4/ext4/crc"
)

// checksumAppender is a function that takes a byte slice and writes its checksum into the trailing bytes
type checksumAppender func([]byte)
type checksummer func(block []byte) uint32

// inodeChecksumSeed chains an inode number and generation into the filesystem
// checksum seed. All metadata hanging off an inode, the inode itself, its
// directory blocks and its extent tree blocks, is checksummed from this seed.
func inodeChecksumSeed(seed, inodeNumber, generation uint32) uint32 {
	numBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(numBytes, inodeNumber)
	out := crc.CRC32c(seed, numBytes)
	binary.LittleEndian.PutUint32(numBytes, generation)
	return crc.CRC32c(out, numBytes)
}

// linearDirectoryCheckSum returns a checksummer for a classic directory entries block.
// original calculations can be seen for e2fsprogs https://git.kernel.org/pub/scm/fs/ext2/e2fsprogs.git/tree/lib/ext2fs/csum.c#n301
// and in the linux tree https://github.com/torvalds/linux/blob/master/fs/ext4/namei.c#L376-L384
func linearDirectoryCheckSum(seed, inodeNumber, inodeGeneration uint32) checksummer {
	return func(b []byte) uint32 {
		return crc.CRC32c(inodeChecksumSeed(seed, inodeNumber, inodeGeneration), b)
	}
}

// directoryChecksumAppender returns a function that fills in the checksum of a directory entries block.
// The checksum lives in the last 4 bytes of the block, inside a fake directory entry of record length 12.
//
//nolint:unparam // inodeGeneration is always 0
func directoryChecksumAppender(seed, inodeNumber, inodeGeneration uint32) checksumAppender {
	fn := linearDirectoryCheckSum(seed, inodeNumber, inodeGeneration)
	return func(b []byte) {
		binary.LittleEndian.PutUint32(b[len(b)-0x4:], fn(b[:len(b)-minDirEntryLength]))
	}
}

// bitmapChecksum calculates the checksum of a block or inode bitmap. Filesystems
// without the 64bit feature only store the low 16 bits.
func bitmapChecksum(b []byte, seed uint32, fs64bit bool) uint32 {
	checksum := crc.CRC32c(seed, b)
	if !fs64bit {
		checksum &= 0xffff
	}
	return checksum
}
