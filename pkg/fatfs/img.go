package fatfs

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

// assert that ImageFile implements the BlockDevice interface
var _ BlockDevice = (*ImageFile)(nil)

var errImageClosed = errors.New("image is not open")

// ImageFile is a BlockDevice backed by a raw disk image.
type ImageFile struct {
	file     afero.File
	sectors  uint64
	readOnly bool
}

// NewImageFile opens the disk image at path on fsys for reading and writing.
func NewImageFile(fsys afero.Fs, path string) (*ImageFile, error) {
	return openImage(fsys, path, os.O_RDWR)
}

// OpenImageFile opens the disk image at path read-only; WriteSectors fails
// with ErrReadOnly.
func OpenImageFile(fsys afero.Fs, path string) (*ImageFile, error) {
	return openImage(fsys, path, os.O_RDONLY)
}

func openImage(fsys afero.Fs, path string, flag int) (*ImageFile, error) {
	f, err := fsys.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size()%SectorSize != 0 {
		_ = f.Close()
		return nil, fmt.Errorf("image %s: size %d is not a multiple of %d", path, info.Size(), SectorSize)
	}
	return &ImageFile{
		file:     f,
		sectors:  uint64(info.Size() / SectorSize),
		readOnly: flag == os.O_RDONLY,
	}, nil
}

func (img *ImageFile) Initialize() error {
	return img.Status()
}

func (img *ImageFile) Status() error {
	if img.file == nil {
		return errImageClosed
	}
	return nil
}

func (img *ImageFile) checkRange(sector uint64, count uint32, buff []byte) error {
	if err := img.Status(); err != nil {
		return err
	}
	if sector+uint64(count) > img.sectors {
		return fmt.Errorf("sectors %d+%d beyond end of image (%d)", sector, count, img.sectors)
	}
	if length := int(count) * SectorSize; len(buff) < length {
		return fmt.Errorf("buffer too small: need %d bytes, got %d", length, len(buff))
	}
	return nil
}

// ReadSectors reads count sectors starting at sector into buff.
func (img *ImageFile) ReadSectors(sector uint64, count uint32, buff []byte) error {
	if err := img.checkRange(sector, count, buff); err != nil {
		return err
	}
	length := int(count) * SectorSize
	n, err := img.file.ReadAt(buff[:length], int64(sector)*SectorSize)
	if n == length {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("short read: expected %d bytes, got %d", length, n)
	}
	return fmt.Errorf("failed to read: %w", err)
}

// WriteSectors writes count sectors from buff starting at sector.
func (img *ImageFile) WriteSectors(sector uint64, count uint32, buff []byte) error {
	if img.readOnly {
		return ErrReadOnly
	}
	if err := img.checkRange(sector, count, buff); err != nil {
		return err
	}
	length := int(count) * SectorSize
	n, err := img.file.WriteAt(buff[:length], int64(sector)*SectorSize)
	if err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	if n != length {
		return fmt.Errorf("short write: expected %d bytes, wrote %d", length, n)
	}
	return nil
}

func (img *ImageFile) GetSectorSize() uint64 {
	return SectorSize
}

func (img *ImageFile) GetSectorCount() uint64 {
	return img.sectors
}

// Close should be called when you're done with the ImageFile
func (img *ImageFile) Close() error {
	if img.file == nil {
		return nil
	}
	err := img.file.Close()
	img.file = nil
	return err
}
