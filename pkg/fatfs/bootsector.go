package fatfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Boot sector and MBR byte offsets.
const (
	bsJmpBoot      = 0
	bsOEMName      = 3
	bpbBytsPerSec  = 11
	bpbSecPerClus  = 13
	bpbRsvdSecCnt  = 14
	bpbNumFATs     = 16
	bpbRootEntCnt  = 17
	bpbTotSec16    = 19
	bpbMedia       = 21
	bpbFATSz16     = 22
	bpbTotSec32    = 32
	bsBootSig      = 38
	bsVolID        = 39
	bsVolLab       = 43
	bpbFATSz32     = 36
	bpbFSVer32     = 42
	bpbRootClus32  = 44
	bsBootSig32    = 66
	bsVolID32      = 67
	bsVolLab32     = 71
	bs55AA         = 510
	offsetMBRTable = 446
	sizePTE        = 16

	bootSignature = 0xaa55
	extBootSig    = 0x29

	clustMaxFAT12 = 4085
	clustMaxFAT16 = 65525
	clustMaxFAT32 = 0x0ffffff5
	mask28bits    = 0x0fffffff
	sizeDirEntry  = 32
)

// MBR partition types accepted as FAT volumes.
const (
	partFAT16Small = 0x04
	partFAT16      = 0x06
	partFAT32CHS   = 0x0b
	partFAT32LBA   = 0x0c
	partFAT16LBA   = 0x0e
	partGPT        = 0xee
)

// volume is the parsed geometry of one open FAT volume.
type volume struct {
	id  uint32
	idx VolumeIdx
	typ Type

	start          uint64 // first sector of the volume
	sectors        uint64
	clusterSectors uint32
	fatStart       uint64
	fatSectors     uint32
	numFATs        uint8
	rootStart      uint64 // FAT16 fixed root directory region
	rootSectors    uint32
	rootCluster    uint32 // FAT32 root directory chain
	dataStart      uint64
	clusters       uint32

	oem    string
	label  string
	serial uint32

	dirs int
}

func (v *volume) clusterBytes() uint32 {
	return v.clusterSectors * SectorSize
}

// clusterSector returns the first sector of cluster c.
func (v *volume) clusterSector(c uint32) uint64 {
	return v.dataStart + uint64(c-2)*uint64(v.clusterSectors)
}

func (v *volume) validCluster(c uint32) bool {
	return c >= 2 && c < v.clusters+2
}

func (v *volume) isEOC(entry uint32) bool {
	if v.typ == TypeFAT16 {
		return entry >= 0xfff8
	}
	return entry >= 0x0ffffff8
}

var errNotBootSector = errors.New("not a FAT boot sector")

// isBootSector reports whether b looks like a FAT volume boot record, as
// opposed to an MBR or garbage.
func isBootSector(b []byte) bool {
	if binary.LittleEndian.Uint16(b[bs55AA:]) != bootSignature {
		return false
	}
	switch b[bsJmpBoot] {
	case 0xeb, 0xe9, 0xe8:
	default:
		return false
	}
	bps := binary.LittleEndian.Uint16(b[bpbBytsPerSec:])
	if bps < 512 || bps > 4096 || bps&(bps-1) != 0 {
		return false
	}
	spc := b[bpbSecPerClus]
	if spc == 0 || spc&(spc-1) != 0 {
		return false
	}
	return binary.LittleEndian.Uint16(b[bpbRsvdSecCnt:]) != 0 && b[bpbNumFATs] != 0
}

// parseBootSector decodes the BPB at sector start.
func parseBootSector(b []byte, start uint64) (*volume, error) {
	if !isBootSector(b) {
		return nil, errNotBootSector
	}
	if bps := binary.LittleEndian.Uint16(b[bpbBytsPerSec:]); bps != SectorSize {
		return nil, fmt.Errorf("unsupported sector size %d", bps)
	}

	v := &volume{
		start:          start,
		clusterSectors: uint32(b[bpbSecPerClus]),
		numFATs:        b[bpbNumFATs],
		oem:            strings.TrimRight(string(b[bsOEMName:bsOEMName+8]), " \x00"),
	}
	if v.numFATs > 2 {
		return nil, fmt.Errorf("unsupported FAT count %d", v.numFATs)
	}

	rootEntries := uint32(binary.LittleEndian.Uint16(b[bpbRootEntCnt:]))
	if rootEntries%(SectorSize/sizeDirEntry) != 0 {
		return nil, fmt.Errorf("root entry count %d is not sector aligned", rootEntries)
	}
	v.rootSectors = rootEntries / (SectorSize / sizeDirEntry)

	total := uint64(binary.LittleEndian.Uint16(b[bpbTotSec16:]))
	if total == 0 {
		total = uint64(binary.LittleEndian.Uint32(b[bpbTotSec32:]))
	}
	v.sectors = total

	fatSize := uint32(binary.LittleEndian.Uint16(b[bpbFATSz16:]))
	if fatSize == 0 {
		fatSize = binary.LittleEndian.Uint32(b[bpbFATSz32:])
	}
	if fatSize == 0 {
		return nil, errors.New("zero FAT size")
	}
	v.fatSectors = fatSize

	reserved := uint64(binary.LittleEndian.Uint16(b[bpbRsvdSecCnt:]))
	sysect := reserved + uint64(fatSize)*uint64(v.numFATs) + uint64(v.rootSectors)
	if total <= sysect {
		return nil, fmt.Errorf("volume of %d sectors has no data region", total)
	}
	clusters := (total - sysect) / uint64(v.clusterSectors)
	if clusters == 0 || clusters > clustMaxFAT32 {
		return nil, fmt.Errorf("invalid cluster count %d", clusters)
	}
	v.clusters = uint32(clusters)

	switch {
	case clusters < clustMaxFAT12:
		return nil, fmt.Errorf("%s volumes are not supported", TypeFAT12)
	case clusters < clustMaxFAT16:
		v.typ = TypeFAT16
	default:
		v.typ = TypeFAT32
	}

	v.fatStart = start + reserved
	v.dataStart = start + sysect
	var fatBytes uint64
	if v.typ == TypeFAT32 {
		if ver := binary.LittleEndian.Uint16(b[bpbFSVer32:]); ver != 0 {
			return nil, fmt.Errorf("unsupported FAT32 version %#04x", ver)
		}
		if rootEntries != 0 {
			return nil, errors.New("FAT32 volume with a fixed root directory")
		}
		v.rootCluster = binary.LittleEndian.Uint32(b[bpbRootClus32:]) & mask28bits
		if !v.validCluster(v.rootCluster) {
			return nil, fmt.Errorf("invalid root cluster %d", v.rootCluster)
		}
		fatBytes = (clusters + 2) * 4
		if b[bsBootSig32] == extBootSig {
			v.serial = binary.LittleEndian.Uint32(b[bsVolID32:])
			v.label = strings.TrimRight(string(b[bsVolLab32:bsVolLab32+11]), " ")
		}
	} else {
		if rootEntries == 0 {
			return nil, errors.New("FAT16 volume without a root directory")
		}
		v.rootStart = v.fatStart + uint64(fatSize)*uint64(v.numFATs)
		fatBytes = (clusters + 2) * 2
		if b[bsBootSig] == extBootSig {
			v.serial = binary.LittleEndian.Uint32(b[bsVolID:])
			v.label = strings.TrimRight(string(b[bsVolLab:bsVolLab+11]), " ")
		}
	}
	if uint64(fatSize)*SectorSize < fatBytes {
		return nil, fmt.Errorf("FAT of %d sectors too small for %d clusters", fatSize, clusters)
	}
	if v.label == "NO NAME" {
		v.label = ""
	}
	return v, nil
}

// partitionEntry is one MBR partition table slot.
type partitionEntry struct {
	kind  byte
	start uint32
	size  uint32
}

func readPartitionEntry(mbr []byte, idx VolumeIdx) partitionEntry {
	e := mbr[offsetMBRTable+sizePTE*int(idx):]
	return partitionEntry{
		kind:  e[4],
		start: binary.LittleEndian.Uint32(e[8:]),
		size:  binary.LittleEndian.Uint32(e[12:]),
	}
}

// findVolume locates and parses volume idx: the whole device when sector 0
// is itself a boot sector, otherwise MBR partition idx.
func (m *VolumeManager) findVolume(idx VolumeIdx) (*volume, error) {
	if size := m.disk.dev.GetSectorSize(); size != SectorSize {
		return nil, &VolumeError{Idx: idx, Kind: VolumeUnsupportedFormat, Err: fmt.Errorf("device sector size %d", size)}
	}
	b, err := m.disk.read(0)
	if err != nil {
		return nil, &VolumeError{Idx: idx, Kind: VolumeIO, Err: err}
	}

	if isBootSector(b) {
		if idx != 0 {
			return nil, &VolumeError{Idx: idx, Kind: VolumeNoPartition, Err: errors.New("superfloppy volume has no partitions")}
		}
		v, err := parseBootSector(b, 0)
		if err != nil {
			return nil, &VolumeError{Idx: idx, Kind: VolumeUnsupportedFormat, Err: err}
		}
		return v, nil
	}

	if binary.LittleEndian.Uint16(b[bs55AA:]) != bootSignature {
		return nil, &VolumeError{Idx: idx, Kind: VolumeUnsupportedFormat, Err: errors.New("missing boot signature")}
	}
	if idx > 3 {
		return nil, &VolumeError{Idx: idx, Kind: VolumeNoPartition}
	}
	part := readPartitionEntry(b, idx)
	switch part.kind {
	case 0:
		return nil, &VolumeError{Idx: idx, Kind: VolumeNoPartition}
	case partFAT16Small, partFAT16, partFAT16LBA, partFAT32CHS, partFAT32LBA:
	case partGPT:
		return nil, &VolumeError{Idx: idx, Kind: VolumeUnsupportedFormat, Err: errors.New("GPT partitioned device")}
	default:
		return nil, &VolumeError{Idx: idx, Kind: VolumeUnsupportedFormat, Err: fmt.Errorf("partition type %#02x", part.kind)}
	}
	if part.start == 0 || uint64(part.start) >= m.disk.dev.GetSectorCount() {
		return nil, &VolumeError{Idx: idx, Kind: VolumeUnsupportedFormat, Err: fmt.Errorf("partition start %d out of range", part.start)}
	}

	b, err = m.disk.read(uint64(part.start))
	if err != nil {
		return nil, &VolumeError{Idx: idx, Kind: VolumeIO, Err: err}
	}
	v, err := parseBootSector(b, uint64(part.start))
	if err != nil {
		return nil, &VolumeError{Idx: idx, Kind: VolumeUnsupportedFormat, Err: err}
	}
	if part.size != 0 && v.sectors > uint64(part.size) {
		return nil, &VolumeError{Idx: idx, Kind: VolumeUnsupportedFormat, Err: fmt.Errorf("volume of %d sectors exceeds partition of %d", v.sectors, part.size)}
	}
	return v, nil
}
