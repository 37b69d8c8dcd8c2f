package fatfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Directory entry byte offsets.
const (
	dirName         = 0
	dirAttr         = 11
	dirNTRes        = 12
	dirCrtTime      = 14
	dirCrtDate      = 16
	dirLstAccDate   = 18
	dirFstClusHI    = 20
	dirWrtTime      = 22
	dirWrtDate      = 24
	dirFstClusLO    = 26
	dirFileSize     = 28
	ldirChksum      = 13
	lfnLast         = 0x40
	lfnMaxEntries   = 20
	lfnCharsPerSlot = 13

	entryEnd      = 0x00
	entryDeleted  = 0xe5
	entryKanjiE5  = 0x05
	ntLowerBody   = 0x08
	ntLowerExt    = 0x10
	badCluster16  = 0xfff7
	badCluster32  = 0x0ffffff7
	fatEpochYear  = 1980
	shortNameSize = 11
)

// DirEntry is one file or directory found in a directory.
type DirEntry struct {
	// Name is the long name when one is stored, otherwise the 8.3 name.
	Name      string
	ShortName string
	Attr      FileAttr
	Cluster   uint32
	Size      uint32
	Created   time.Time
	Modified  time.Time
	Accessed  time.Time

	// location of the short entry, identifies the file on the volume
	sector uint64
	offset uint16
}

func (e DirEntry) IsDir() bool {
	return e.Attr.IsDir()
}

// matches reports whether name refers to e, ignoring case.
func (e *DirEntry) matches(name string) bool {
	return strings.EqualFold(e.Name, name) || strings.EqualFold(e.ShortName, name)
}

// fatTime decodes a FAT date/time pair. A zero date means "not set".
func fatTime(date, clock uint16) time.Time {
	if date == 0 {
		return time.Time{}
	}
	return time.Date(
		fatEpochYear+int(date>>9), time.Month(date>>5&0x0f), int(date&0x1f),
		int(clock>>11), int(clock>>5&0x3f), int(clock&0x1f)*2, 0,
		time.UTC,
	)
}

func shortNameChecksum(name []byte) byte {
	var sum byte
	for _, c := range name[:shortNameSize] {
		sum = (sum>>1 | sum<<7) + c
	}
	return sum
}

// decodeShortName renders the 8.3 name stored in slot.
func decodeShortName(slot []byte) string {
	var raw [shortNameSize]byte
	copy(raw[:], slot[dirName:dirName+shortNameSize])
	if raw[0] == entryKanjiE5 {
		raw[0] = entryDeleted
	}
	body := decodeOEM(raw[:8])
	ext := decodeOEM(raw[8:])
	nt := slot[dirNTRes]
	if nt&ntLowerBody != 0 {
		body = strings.ToLower(body)
	}
	if nt&ntLowerExt != 0 {
		ext = strings.ToLower(ext)
	}
	if ext == "" {
		return body
	}
	return body + "." + ext
}

func decodeOEM(b []byte) string {
	b = []byte(strings.TrimRight(string(b), " "))
	s, err := charmap.CodePage437.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}

// lfnAccumulator collects the long name slots preceding a short entry.
// Slots are stored last-first on disk, each carrying 13 UTF-16 units.
type lfnAccumulator struct {
	raw    [lfnMaxEntries * lfnCharsPerSlot * 2]byte
	count  int
	want   byte
	sum    byte
	active bool
}

func (a *lfnAccumulator) reset() {
	a.active = false
}

func (a *lfnAccumulator) add(slot []byte) {
	ord := slot[0]
	seq := ord &^ lfnLast
	if ord&lfnLast != 0 {
		if seq == 0 || seq > lfnMaxEntries {
			a.reset()
			return
		}
		a.active = true
		a.count = int(seq)
		a.sum = slot[ldirChksum]
		a.want = seq
	}
	if !a.active || seq != a.want || slot[ldirChksum] != a.sum {
		a.reset()
		return
	}
	dst := a.raw[(int(seq)-1)*lfnCharsPerSlot*2:]
	n := copy(dst, slot[1:11])
	n += copy(dst[n:], slot[14:26])
	copy(dst[n:], slot[28:32])
	a.want--
}

// name returns the assembled long name if the run is complete and belongs to
// the short entry in slot.
func (a *lfnAccumulator) name(slot []byte) (string, bool) {
	if !a.active || a.want != 0 || shortNameChecksum(slot) != a.sum {
		return "", false
	}
	units := a.raw[:a.count*lfnCharsPerSlot*2]
	for i := 0; i+1 < len(units); i += 2 {
		if units[i] == 0 && units[i+1] == 0 {
			units = units[:i]
			break
		}
	}
	s, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(units)
	if err != nil || len(s) == 0 {
		return "", false
	}
	return string(s), true
}

func decodeDirEntry(slot []byte, sector uint64, offset int) DirEntry {
	e := DirEntry{
		ShortName: decodeShortName(slot),
		Attr:      FileAttr(slot[dirAttr]),
		Cluster: uint32(binary.LittleEndian.Uint16(slot[dirFstClusHI:]))<<16 |
			uint32(binary.LittleEndian.Uint16(slot[dirFstClusLO:])),
		Size:     binary.LittleEndian.Uint32(slot[dirFileSize:]),
		Created:  fatTime(binary.LittleEndian.Uint16(slot[dirCrtDate:]), binary.LittleEndian.Uint16(slot[dirCrtTime:])),
		Modified: fatTime(binary.LittleEndian.Uint16(slot[dirWrtDate:]), binary.LittleEndian.Uint16(slot[dirWrtTime:])),
		Accessed: fatTime(binary.LittleEndian.Uint16(slot[dirLstAccDate:]), 0),
		sector:   sector,
		offset:   uint16(offset),
	}
	e.Name = e.ShortName
	return e
}

var errStopWalk = errors.New("stop")

// walkDir calls fn with every 32-byte slot of the root directory of v, in
// on-disk order, until fn returns errStopWalk or the directory ends. slot is
// only valid during the call.
func (m *VolumeManager) walkDir(v *volume, fn func(slot []byte, sector uint64, offset int) error) error {
	visit := func(sector uint64) error {
		win, err := m.disk.read(sector)
		if err != nil {
			return err
		}
		for off := 0; off < SectorSize; off += sizeDirEntry {
			if err := fn(win[off:off+sizeDirEntry], sector, off); err != nil {
				return err
			}
		}
		return nil
	}

	var err error
	if v.typ == TypeFAT16 {
		for i := uint32(0); i < v.rootSectors && err == nil; i++ {
			err = visit(v.rootStart + uint64(i))
		}
	} else {
		err = m.walkChain(v, v.rootCluster, func(cluster uint32) error {
			first := v.clusterSector(cluster)
			for i := uint32(0); i < v.clusterSectors; i++ {
				if err := visit(first + uint64(i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if errors.Is(err, errStopWalk) {
		return nil
	}
	return err
}

// walkChain calls fn for every cluster of the chain starting at start.
func (m *VolumeManager) walkChain(v *volume, start uint32, fn func(cluster uint32) error) error {
	cluster := start
	for steps := uint32(0); ; steps++ {
		if steps > v.clusters {
			return fmt.Errorf("cluster chain from %d loops", start)
		}
		if err := fn(cluster); err != nil {
			return err
		}
		next, end, err := m.nextCluster(v, cluster)
		if err != nil {
			return err
		}
		if end {
			return nil
		}
		cluster = next
	}
}

// nextCluster follows the FAT from cluster c. end is set at the end-of-chain
// marker.
func (m *VolumeManager) nextCluster(v *volume, c uint32) (next uint32, end bool, err error) {
	if !v.validCluster(c) {
		return 0, false, fmt.Errorf("cluster %d out of range", c)
	}
	entry, err := m.disk.fatEntry(v, c)
	if err != nil {
		return 0, false, err
	}
	switch {
	case v.isEOC(entry):
		return 0, true, nil
	case v.typ == TypeFAT16 && entry == badCluster16, v.typ == TypeFAT32 && entry == badCluster32:
		return 0, false, fmt.Errorf("cluster %d links to a bad cluster", c)
	case !v.validCluster(entry):
		return 0, false, fmt.Errorf("cluster %d has invalid FAT entry %#x", c, entry)
	}
	return entry, false, nil
}

// iterateEntries decodes the root directory of v, skipping deleted slots, the
// volume label and dot entries.
func (m *VolumeManager) iterateEntries(v *volume, fn func(e *DirEntry) bool) error {
	var lfn lfnAccumulator
	return m.walkDir(v, func(slot []byte, sector uint64, offset int) error {
		switch slot[0] {
		case entryEnd:
			return errStopWalk
		case entryDeleted:
			lfn.reset()
			return nil
		}
		attr := FileAttr(slot[dirAttr])
		if attr.IsLongName() {
			lfn.add(slot)
			return nil
		}
		long, ok := lfn.name(slot)
		lfn.reset()
		if attr.IsVolumeID() || slot[0] == '.' {
			return nil
		}
		e := decodeDirEntry(slot, sector, offset)
		if ok {
			e.Name = long
		}
		if !fn(&e) {
			return errStopWalk
		}
		return nil
	})
}

// IterateDir calls fn for every entry of the directory until fn returns
// false.
func (m *VolumeManager) IterateDir(d Directory, fn func(e *DirEntry) bool) error {
	od, err := m.dir(d)
	if err != nil {
		return err
	}
	if err := m.iterateEntries(od.vol, fn); err != nil {
		return fmt.Errorf("fatfs: reading directory: %w", err)
	}
	return nil
}

// FindDirectoryEntry looks up name in the directory. Matching is
// case-insensitive and considers both long and 8.3 names.
func (m *VolumeManager) FindDirectoryEntry(d Directory, name string) (DirEntry, error) {
	od, err := m.dir(d)
	if err != nil {
		return DirEntry{}, err
	}
	var found *DirEntry
	err = m.iterateEntries(od.vol, func(e *DirEntry) bool {
		if e.matches(name) {
			found = e
			return false
		}
		return true
	})
	if err != nil {
		return DirEntry{}, &FileError{Name: name, Kind: FileIO, Err: err}
	}
	if found == nil {
		return DirEntry{}, &FileError{Name: name, Kind: FileNotFound}
	}
	return *found, nil
}
