// Package crc provides the checksum primitives used by ext4 metadata:
// CRC32c in the kernel's raw convention and the CRC16 used by older
// group descriptor checksums.
package crc

import (
	"hash/crc32"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32c continues a raw Castagnoli CRC from base over b. Unlike
// crc32.Update there is no inversion on entry or exit, so calls chain
// exactly like the kernel's crc32c(seed, data, length).
func CRC32c(base uint32, b []byte) uint32 {
	return ^crc32.Update(^base, crc32cTable, b)
}

// crc16Table holds the byte-at-a-time table for the reflected form of
// polynomial 0x8005.
var crc16Table [256]uint16

func init() {
	for i := range crc16Table {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xa001
			} else {
				crc >>= 1
			}
		}
		crc16Table[i] = crc
	}
}

// CRC16 continues a CRC16 from crc over b, in the same convention as
// the kernel's crc16(). Group descriptor checksums chain it over the
// filesystem UUID, the group number and the descriptor bytes.
func CRC16(crc uint16, b []byte) uint16 {
	for _, v := range b {
		crc = (crc >> 8) ^ crc16Table[byte(crc)^v]
	}
	return crc
}
