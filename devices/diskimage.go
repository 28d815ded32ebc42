package devices

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// SectorSize is the fixed transfer granularity of the backing store.
const SectorSize = 512

// DiskImage is a raw sector image opened read/write. Sector N lives at
// byte offset N*512; there is no header or metadata. The image is held
// under an exclusive advisory lock while mounted so two emulator
// instances cannot mutate it concurrently.
type DiskImage struct {
	file *os.File
	size int64
	log  *logrus.Entry
}

// OpenDiskImage mounts the image at path.
func OpenDiskImage(path string) (*DiskImage, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("diskimage: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("diskimage: lock %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("diskimage: stat %s: %w", path, err)
	}
	return &DiskImage{
		file: f,
		size: info.Size(),
		log:  logrus.WithField("device", "diskimage"),
	}, nil
}

// Size reports the image length in bytes ("card size").
func (d *DiskImage) Size() int64 {
	return d.size
}

// ReadAt fills buf from the image starting at off. Bytes beyond the end
// of the image read as 0xFF.
func (d *DiskImage) ReadAt(buf []byte, off int64) error {
	for i := range buf {
		buf[i] = 0xFF
	}
	if off >= d.size {
		return nil
	}
	// A short read near EOF leaves the 0xFF tail in place.
	if _, err := d.file.ReadAt(buf, off); err != nil && err != io.EOF {
		return fmt.Errorf("diskimage: read at %d: %w", off, err)
	}
	return nil
}

// WriteAt stores buf at off. Writes extending beyond the end of the image
// are an error and perform no I/O.
func (d *DiskImage) WriteAt(buf []byte, off int64) error {
	if off < 0 || off+int64(len(buf)) > d.size {
		err := fmt.Errorf("diskimage: write of %d bytes at %d exceeds image size %d", len(buf), off, d.size)
		d.log.Warn(err)
		return err
	}
	if _, err := d.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("diskimage: write at %d: %w", off, err)
	}
	return nil
}

// Close flushes and unmounts the image, releasing the advisory lock.
func (d *DiskImage) Close() error {
	if d.file == nil {
		return nil
	}
	if err := d.file.Sync(); err != nil {
		d.log.WithError(err).Warn("sync on unmount failed")
	}
	_ = unix.Flock(int(d.file.Fd()), unix.LOCK_UN)
	err := d.file.Close()
	d.file = nil
	return err
}
