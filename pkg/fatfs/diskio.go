package fatfs

import (
	"encoding/binary"
	"fmt"
)

// disk is the one-sector window every manager operation reads through. Its
// content is only valid until the next read.
type disk struct {
	dev   BlockDevice
	win   [SectorSize]byte
	reads uint64
}

func (d *disk) read(sector uint64) ([]byte, error) {
	if err := d.dev.ReadSectors(sector, 1, d.win[:]); err != nil {
		return nil, fmt.Errorf("reading sector %d: %w", sector, err)
	}
	d.reads++
	return d.win[:], nil
}

// fatEntry reads the FAT entry for cluster from the first FAT of v.
func (d *disk) fatEntry(v *volume, cluster uint32) (uint32, error) {
	var offset uint64
	switch v.typ {
	case TypeFAT16:
		offset = uint64(cluster) * 2
	case TypeFAT32:
		offset = uint64(cluster) * 4
	default:
		return 0, fmt.Errorf("fat entry: unsupported type %s", v.typ)
	}
	sector := v.fatStart + offset/SectorSize
	win, err := d.read(sector)
	if err != nil {
		return 0, fmt.Errorf("fat entry for cluster %d: %w", cluster, err)
	}
	pos := offset % SectorSize
	if v.typ == TypeFAT16 {
		return uint32(binary.LittleEndian.Uint16(win[pos:])), nil
	}
	return binary.LittleEndian.Uint32(win[pos:]) & mask28bits, nil
}
