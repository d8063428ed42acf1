//go:build linux

package backend

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// deviceGeometry gets the size in bytes and the logical and physical
// sector sizes of an opened block device.
func deviceGeometry(f *os.File) (size, logicalSectorSize, physicalSectorSize int64, err error) {
	fd := f.Fd()

	var blockDeviceSize uint64
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&blockDeviceSize))); errno != 0 {
		return 0, 0, 0, os.NewSyscallError("ioctl: BLKGETSIZE64", errno)
	}

	logicalSectorSizeInt, err := unix.IoctlGetInt(int(fd), unix.BLKSSZGET)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("unable to get device logical sector size: %v", err)
	}
	physicalSectorSizeInt, err := unix.IoctlGetInt(int(fd), unix.BLKPBSZGET)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("unable to get device physical sector size: %v", err)
	}
	return int64(blockDeviceSize), int64(logicalSectorSizeInt), int64(physicalSectorSizeInt), nil
}
