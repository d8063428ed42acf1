package backend

import (
	"fmt"
	"os"
)

// FileDevice is a Device backed by an os.File, either a regular image
// file or a raw block device. For block devices the size and sector
// sizes come from the kernel; for regular files the size comes from
// stat and the sector sizes default to 512.
type FileDevice struct {
	f                 *os.File
	size              int64
	logicalBlocksize  int64
	physicalBlocksize int64
	readOnly          bool
}

func newFileDevice(f *os.File, readOnly bool) (*FileDevice, error) {
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("could not stat %s: %w", f.Name(), err)
	}
	d := &FileDevice{
		f:                 f,
		readOnly:          readOnly,
		logicalBlocksize:  512,
		physicalBlocksize: 512,
	}
	if info.Mode()&os.ModeDevice == os.ModeDevice {
		size, logical, physical, err := deviceGeometry(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("could not read geometry of device %s: %w", f.Name(), err)
		}
		d.size = size
		d.logicalBlocksize = logical
		d.physicalBlocksize = physical
	} else {
		d.size = info.Size()
	}
	return d, nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if d.readOnly {
		return 0, ErrReadOnly
	}
	return d.f.WriteAt(p, off)
}

func (d *FileDevice) Seek(offset int64, whence int) (int64, error) {
	return d.f.Seek(offset, whence)
}

func (d *FileDevice) Close() error {
	return d.f.Close()
}

func (d *FileDevice) Sync() error {
	if d.readOnly {
		return nil
	}
	return d.f.Sync()
}

func (d *FileDevice) Size() (int64, error) {
	return d.size, nil
}

func (d *FileDevice) LogicalBlocksize() int64 {
	return d.logicalBlocksize
}

func (d *FileDevice) PhysicalBlocksize() int64 {
	return d.physicalBlocksize
}
