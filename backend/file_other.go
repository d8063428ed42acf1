//go:build !linux

package backend

import (
	"errors"
	"os"
)

func deviceGeometry(_ *os.File) (size, logicalSectorSize, physicalSectorSize int64, err error) {
	return 0, 0, 0, errors.New("block device geometry not supported on this platform")
}
