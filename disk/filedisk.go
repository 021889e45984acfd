package disk

import (
	"fmt"
	"os"
)

// FileBackend is the hosted test double for the PIO controller,
// grounded on the teacher's ufs/driver.go ahci_disk_t: a regular file
// stands in for the disk image, positioned ReadAt/WriteAt stands in for
// sector addressing. openFileBackend (platform-specific, see
// filedisk_linux.go/filedisk_other.go) does the actual os.OpenFile/
// unix.Open call; both open the image read-write, created if absent,
// with O_SYNC, so the platforms differ only in which call opens it.
type FileBackend struct {
	f *os.File
}

// OpenFileBackend opens (creating if absent) path as a disk image of at
// least size bytes.
func OpenFileBackend(path string, size int64) (*FileBackend, error) {
	f, err := openFileBackend(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &FileBackend{f: f}, nil
}

func (fb *FileBackend) ReadSectors(lba, nsec int, out []byte) error {
	n := nsec * SectorSize
	if len(out) < n {
		return fmt.Errorf("disk: short read buffer: need %d, have %d", n, len(out))
	}
	if _, err := fb.f.ReadAt(out[:n], int64(lba)*SectorSize); err != nil {
		return err
	}
	return nil
}

func (fb *FileBackend) WriteSectors(lba, nsec int, data []byte) error {
	n := nsec * SectorSize
	if len(data) < n {
		return fmt.Errorf("disk: short write buffer: need %d, have %d", n, len(data))
	}
	if _, err := fb.f.WriteAt(data[:n], int64(lba)*SectorSize); err != nil {
		return err
	}
	return fb.f.Sync()
}

func (fb *FileBackend) Close() error {
	return fb.f.Close()
}
