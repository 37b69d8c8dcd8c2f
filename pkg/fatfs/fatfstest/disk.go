// Package fatfstest provides an in-memory block device and a builder for
// small FAT16 and FAT32 images.
package fatfstest

import (
	"errors"
	"fmt"
	"sync"
)

const SectorSize = 512

var ErrOutOfRange = errors.New("fatfstest: sector out of range")

// Disk is a sparse in-memory block device. Sectors never written read as
// zeros.
type Disk struct {
	mu       sync.Mutex
	count    uint64
	sectors  map[uint64][]byte
	failRead map[uint64]error
	reads    int
	writes   int
}

func NewDisk(sectors uint64) *Disk {
	return &Disk{
		count:    sectors,
		sectors:  make(map[uint64][]byte),
		failRead: make(map[uint64]error),
	}
}

func (d *Disk) ReadSectors(sector uint64, count uint32, buff []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector+uint64(count) > d.count {
		return fmt.Errorf("%w: %d+%d of %d", ErrOutOfRange, sector, count, d.count)
	}
	if len(buff) < int(count)*SectorSize {
		return fmt.Errorf("fatfstest: buffer of %d bytes for %d sectors", len(buff), count)
	}
	for i := uint64(0); i < uint64(count); i++ {
		if err := d.failRead[sector+i]; err != nil {
			return err
		}
		dst := buff[i*SectorSize : (i+1)*SectorSize]
		if src, ok := d.sectors[sector+i]; ok {
			copy(dst, src)
		} else {
			clear(dst)
		}
		d.reads++
	}
	return nil
}

func (d *Disk) WriteSectors(sector uint64, count uint32, buff []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector+uint64(count) > d.count {
		return fmt.Errorf("%w: %d+%d of %d", ErrOutOfRange, sector, count, d.count)
	}
	if len(buff) < int(count)*SectorSize {
		return fmt.Errorf("fatfstest: buffer of %d bytes for %d sectors", len(buff), count)
	}
	for i := uint64(0); i < uint64(count); i++ {
		d.sectors[sector+i] = append([]byte(nil), buff[i*SectorSize:(i+1)*SectorSize]...)
		d.writes++
	}
	return nil
}

func (d *Disk) GetSectorSize() uint64  { return SectorSize }
func (d *Disk) GetSectorCount() uint64 { return d.count }
func (d *Disk) Initialize() error      { return nil }
func (d *Disk) Status() error          { return nil }

// FailRead makes reads touching sector fail with err. A nil err clears the
// fault.
func (d *Disk) FailRead(sector uint64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failRead, sector)
		return
	}
	d.failRead[sector] = err
}

// Sector returns a copy of sector.
func (d *Disk) Sector(sector uint64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := make([]byte, SectorSize)
	copy(b, d.sectors[sector])
	return b
}

// Poke overwrites bytes of sector starting at offset.
func (d *Disk) Poke(sector uint64, offset int, b ...byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sectors[sector]
	if !ok {
		s = make([]byte, SectorSize)
		d.sectors[sector] = s
	}
	copy(s[offset:], b)
}

// Reads returns the number of sectors read so far.
func (d *Disk) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// Bytes renders the whole device as a flat image.
func (d *Disk) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := make([]byte, d.count*SectorSize)
	for n, s := range d.sectors {
		copy(b[n*SectorSize:], s)
	}
	return b
}
