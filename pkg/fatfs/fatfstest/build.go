package fatfstest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
)

type FATType int

const (
	FAT16 FATType = 16
	FAT32 FATType = 32
)

// PartitionStart is where the builder places partition 0.
const PartitionStart = 63

var errVolumeFull = errors.New("fatfstest: volume full")

const (
	defaultClusters16 = 4200
	defaultClusters32 = 66000
	rootEntries16     = 512
	entriesPerSector  = SectorSize / 32
)

// DefaultTime stamps files built without a Modified time.
var DefaultTime = time.Date(2024, time.January, 2, 3, 4, 6, 0, time.UTC)

// File is one entry of the root directory.
type File struct {
	Name     string
	Data     []byte
	Dir      bool
	Deleted  bool
	Modified time.Time
}

type Options struct {
	Type FATType // FAT16 when zero

	// Superfloppy puts the boot sector at sector 0 instead of an MBR.
	Superfloppy bool
	// PartitionType overrides the MBR type byte of partition 0.
	PartitionType byte

	Clusters          uint32 // data clusters, a default valid for Type when zero
	SectorsPerCluster uint8  // 1 when zero
	Label             string
	Serial            uint32
	Files             []File

	// Fragment lays every file out backwards, one free cluster apart.
	Fragment bool
}

// Image is a built volume and its layout.
type Image struct {
	*Disk
	Type              FATType
	Start             uint64 // first sector of the volume
	FATStart          uint64 // first sector of FAT #1
	FATSectors        uint32
	DataStart         uint64
	SectorsPerCluster uint32
	Clusters          uint32
	RootCluster       uint32

	// Chains maps each stored file name to its cluster chain.
	Chains map[string][]uint32
}

// ClusterSector returns the first absolute sector of cluster c.
func (img *Image) ClusterSector(c uint32) uint64 {
	return img.DataStart + uint64(c-2)*uint64(img.SectorsPerCluster)
}

// SetFAT writes value into the entry for cluster in both FATs.
func (img *Image) SetFAT(cluster, value uint32) {
	width := uint64(2)
	if img.Type == FAT32 {
		width = 4
	}
	off := uint64(cluster) * width
	for copyIdx := uint64(0); copyIdx < 2; copyIdx++ {
		sector := img.FATStart + copyIdx*uint64(img.FATSectors) + off/SectorSize
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, value)
		img.Poke(sector, int(off%SectorSize), b[:width]...)
	}
}

type builder struct {
	img  *Image
	opts Options
	fat  map[uint32]uint32
	next uint32
}

// Build formats a fresh disk with opts.
func Build(opts Options) (*Image, error) {
	if opts.Type == 0 {
		opts.Type = FAT16
	}
	if opts.SectorsPerCluster == 0 {
		opts.SectorsPerCluster = 1
	}
	if opts.Clusters == 0 {
		opts.Clusters = defaultClusters16
		if opts.Type == FAT32 {
			opts.Clusters = defaultClusters32
		}
	}

	img := &Image{
		Type:              opts.Type,
		SectorsPerCluster: uint32(opts.SectorsPerCluster),
		Clusters:          opts.Clusters,
		Chains:            make(map[string][]uint32),
	}
	if !opts.Superfloppy {
		img.Start = PartitionStart
	}

	reserved := uint64(1)
	rootSectors := uint64(rootEntries16 / entriesPerSector)
	entryWidth := uint64(2)
	if opts.Type == FAT32 {
		reserved = 32
		rootSectors = 0
		entryWidth = 4
	}
	img.FATSectors = uint32((uint64(opts.Clusters+2)*entryWidth + SectorSize - 1) / SectorSize)
	img.FATStart = img.Start + reserved
	img.DataStart = img.FATStart + 2*uint64(img.FATSectors) + rootSectors
	volumeSectors := img.DataStart - img.Start + uint64(opts.Clusters)*uint64(img.SectorsPerCluster)
	img.Disk = NewDisk(img.Start + volumeSectors)

	b := &builder{img: img, opts: opts, fat: make(map[uint32]uint32), next: 2}
	if opts.Type == FAT16 {
		b.fat[0], b.fat[1] = 0xfff8, 0xffff
	} else {
		b.fat[0], b.fat[1] = 0x0ffffff8, 0x0fffffff
	}

	if !opts.Superfloppy {
		b.writeMBR(volumeSectors)
	}
	b.writeBootSector(reserved, volumeSectors)
	if err := b.writeFiles(); err != nil {
		return nil, err
	}
	b.writeFAT()
	return img, nil
}

func (b *builder) eoc() uint32 {
	if b.opts.Type == FAT32 {
		return 0x0fffffff
	}
	return 0xffff
}

func (b *builder) writeMBR(volumeSectors uint64) {
	mbr := make([]byte, SectorSize)
	mbr[0] = 0xfa // cli, anything but a jump
	kind := b.opts.PartitionType
	if kind == 0 {
		kind = 0x06
		if b.opts.Type == FAT32 {
			kind = 0x0c
		}
	}
	pte := mbr[446:]
	pte[0] = 0x80
	pte[4] = kind
	binary.LittleEndian.PutUint32(pte[8:], uint32(b.img.Start))
	binary.LittleEndian.PutUint32(pte[12:], uint32(volumeSectors))
	mbr[510], mbr[511] = 0x55, 0xaa
	_ = b.img.WriteSectors(0, 1, mbr)
}

func padded(s string, n int) []byte {
	out := []byte(strings.Repeat(" ", n))
	copy(out, strings.ToUpper(s))
	return out
}

func (b *builder) writeBootSector(reserved, volumeSectors uint64) {
	bs := make([]byte, SectorSize)
	copy(bs, []byte{0xeb, 0x3c, 0x90})
	copy(bs[3:], "SAMPLER ")
	binary.LittleEndian.PutUint16(bs[11:], SectorSize)
	bs[13] = b.opts.SectorsPerCluster
	binary.LittleEndian.PutUint16(bs[14:], uint16(reserved))
	bs[16] = 2
	bs[21] = 0xf8
	binary.LittleEndian.PutUint16(bs[24:], 63)
	binary.LittleEndian.PutUint16(bs[26:], 255)
	binary.LittleEndian.PutUint32(bs[28:], uint32(b.img.Start))
	if volumeSectors < 0x10000 && b.opts.Type == FAT16 {
		binary.LittleEndian.PutUint16(bs[19:], uint16(volumeSectors))
	} else {
		binary.LittleEndian.PutUint32(bs[32:], uint32(volumeSectors))
	}

	label := b.opts.Label
	if label == "" {
		label = "NO NAME"
	}
	if b.opts.Type == FAT16 {
		binary.LittleEndian.PutUint16(bs[17:], rootEntries16)
		binary.LittleEndian.PutUint16(bs[22:], uint16(b.img.FATSectors))
		bs[36] = 0x80
		bs[38] = 0x29
		binary.LittleEndian.PutUint32(bs[39:], b.opts.Serial)
		copy(bs[43:], padded(label, 11))
		copy(bs[54:], "FAT16   ")
	} else {
		binary.LittleEndian.PutUint32(bs[36:], b.img.FATSectors)
		binary.LittleEndian.PutUint16(bs[48:], 1)
		binary.LittleEndian.PutUint16(bs[50:], 6)
		bs[64] = 0x80
		bs[66] = 0x29
		binary.LittleEndian.PutUint32(bs[67:], b.opts.Serial)
		copy(bs[71:], padded(label, 11))
		copy(bs[82:], "FAT32   ")
	}
	bs[510], bs[511] = 0x55, 0xaa
	_ = b.img.WriteSectors(b.img.Start, 1, bs)
}

// alloc reserves n clusters and links them.
func (b *builder) alloc(n int) ([]uint32, error) {
	chain := make([]uint32, 0, n)
	step := uint32(1)
	if b.opts.Fragment {
		step = 2
	}
	for i := 0; i < n; i++ {
		if b.next >= b.img.Clusters+2 {
			return nil, errVolumeFull
		}
		chain = append(chain, b.next)
		b.next += step
	}
	if b.opts.Fragment {
		for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
			chain[i], chain[j] = chain[j], chain[i]
		}
	}
	for i, c := range chain {
		if i+1 < len(chain) {
			b.fat[c] = chain[i+1]
		} else {
			b.fat[c] = b.eoc()
		}
	}
	return chain, nil
}

func (b *builder) clusterBytes() int {
	return int(b.img.SectorsPerCluster) * SectorSize
}

func (b *builder) writeClusterData(chain []uint32, data []byte) {
	cb := b.clusterBytes()
	for i, c := range chain {
		chunk := make([]byte, cb)
		if i*cb < len(data) {
			copy(chunk, data[i*cb:])
		}
		_ = b.img.WriteSectors(b.img.ClusterSector(c), b.img.SectorsPerCluster, chunk)
	}
}

func (b *builder) writeFiles() error {
	var slots [][]byte
	if b.opts.Label != "" {
		slots = append(slots, labelSlot(b.opts.Label))
	}

	aliases := make(map[string]int)
	type pending struct {
		file  File
		short int // index of the short slot
	}
	var files []pending
	for _, f := range b.opts.Files {
		entry, err := nameSlots(f.Name, aliases)
		if err != nil {
			return err
		}
		if f.Deleted {
			for _, s := range entry {
				s[0] = 0xe5
			}
		}
		slots = append(slots, entry...)
		files = append(files, pending{file: f, short: len(slots) - 1})
	}

	// FAT32 root directory chain comes first
	if b.opts.Type == FAT32 {
		perCluster := b.clusterBytes() / 32
		n := (len(slots) + perCluster) / perCluster
		chain, err := b.alloc(n)
		if err != nil {
			return err
		}
		b.img.RootCluster = chain[0]
		root := make([]byte, 4)
		binary.LittleEndian.PutUint32(root, chain[0])
		b.img.Poke(b.img.Start, 44, root...)
		defer func() {
			b.writeClusterData(chain, flatten(slots))
		}()
	} else if len(slots) > rootEntries16 {
		return fmt.Errorf("fatfstest: %d root entries do not fit", len(slots))
	}

	for _, p := range files {
		s := slots[p.short]
		s[11] = 0x20
		if p.file.Dir {
			s[11] = 0x10
		}
		stamp(s, p.file.Modified)
		if p.file.Deleted {
			continue
		}

		var chain []uint32
		switch {
		case p.file.Dir:
			var err error
			if chain, err = b.alloc(1); err != nil {
				return err
			}
			dot := dotSlots(chain[0])
			b.writeClusterData(chain, dot)
		case len(p.file.Data) > 0:
			n := (len(p.file.Data) + b.clusterBytes() - 1) / b.clusterBytes()
			var err error
			if chain, err = b.alloc(n); err != nil {
				return err
			}
			b.writeClusterData(chain, p.file.Data)
			binary.LittleEndian.PutUint32(s[28:], uint32(len(p.file.Data)))
		}
		if len(chain) > 0 {
			binary.LittleEndian.PutUint16(s[20:], uint16(chain[0]>>16))
			binary.LittleEndian.PutUint16(s[26:], uint16(chain[0]))
			b.img.Chains[p.file.Name] = chain
		}
	}

	if b.opts.Type == FAT16 {
		data := flatten(slots)
		root := b.img.FATStart + 2*uint64(b.img.FATSectors)
		for i := 0; i*SectorSize < len(data); i++ {
			sector := make([]byte, SectorSize)
			copy(sector, data[i*SectorSize:])
			_ = b.img.WriteSectors(root+uint64(i), 1, sector)
		}
	}
	return nil
}

func flatten(slots [][]byte) []byte {
	out := make([]byte, 0, len(slots)*32)
	for _, s := range slots {
		out = append(out, s...)
	}
	return out
}

func (b *builder) writeFAT() {
	width := 2
	if b.opts.Type == FAT32 {
		width = 4
	}
	sectors := make(map[uint64][]byte)
	for cluster, value := range b.fat {
		off := int(cluster) * width
		n := uint64(off / SectorSize)
		s, ok := sectors[n]
		if !ok {
			s = make([]byte, SectorSize)
			sectors[n] = s
		}
		if width == 2 {
			binary.LittleEndian.PutUint16(s[off%SectorSize:], uint16(value))
		} else {
			binary.LittleEndian.PutUint32(s[off%SectorSize:], value)
		}
	}
	for n, s := range sectors {
		for copyIdx := uint64(0); copyIdx < 2; copyIdx++ {
			_ = b.img.WriteSectors(b.img.FATStart+copyIdx*uint64(b.img.FATSectors)+n, 1, s)
		}
	}
}

func labelSlot(label string) []byte {
	s := make([]byte, 32)
	copy(s, padded(label, 11))
	s[11] = 0x08
	return s
}

func dotSlots(cluster uint32) []byte {
	out := make([]byte, 64)
	for i, name := range []string{".", ".."} {
		s := out[i*32 : (i+1)*32]
		copy(s, padded(name, 11))
		s[11] = 0x10
		if i == 0 {
			binary.LittleEndian.PutUint16(s[20:], uint16(cluster>>16))
			binary.LittleEndian.PutUint16(s[26:], uint16(cluster))
		}
	}
	return out
}

func stamp(s []byte, t time.Time) {
	if t.IsZero() {
		t = DefaultTime
	}
	date := uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	clock := uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	binary.LittleEndian.PutUint16(s[14:], clock)
	binary.LittleEndian.PutUint16(s[16:], date)
	binary.LittleEndian.PutUint16(s[18:], date)
	binary.LittleEndian.PutUint16(s[22:], clock)
	binary.LittleEndian.PutUint16(s[24:], date)
}

const shortChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789$%'-_@~`!(){}^#&"

func validShort(s string, max int) bool {
	if len(s) > max {
		return false
	}
	for _, r := range strings.ToUpper(s) {
		if !strings.ContainsRune(shortChars, r) {
			return false
		}
	}
	return true
}

// caseFlag returns the NT lower-case flag bit for s, or ok=false when s mixes
// cases and needs a long name.
func caseFlag(s string, bit byte) (flag byte, ok bool) {
	switch {
	case s == strings.ToUpper(s):
		return 0, true
	case s == strings.ToLower(s):
		return bit, true
	}
	return 0, false
}

// nameSlots returns the directory slots for name: long name slots, if
// needed, followed by the short entry.
func nameSlots(name string, aliases map[string]int) ([][]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("fatfstest: empty name")
	}
	body, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		body, ext = name[:i], name[i+1:]
	}

	short := make([]byte, 32)
	if validShort(body, 8) && validShort(ext, 3) && body != "" && !strings.Contains(body, ".") {
		bodyFlag, okBody := caseFlag(body, 0x08)
		extFlag, okExt := caseFlag(ext, 0x10)
		if okBody && okExt {
			copy(short, padded(body, 8))
			copy(short[8:], padded(ext, 3))
			short[12] = bodyFlag | extFlag
			return [][]byte{short}, nil
		}
	}

	basis := shortBasis(body, 6)
	aliases[basis]++
	alias := fmt.Sprintf("%s~%d", basis, aliases[basis])
	copy(short, padded(alias, 8))
	copy(short[8:], padded(shortBasis(ext, 3), 3))

	units, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(name))
	if err != nil {
		return nil, err
	}
	n := len(units) / 2
	count := (n + 12) / 13
	if count > 20 {
		return nil, fmt.Errorf("fatfstest: name %q too long", name)
	}
	// terminator then 0xffff padding
	chars := make([]byte, count*26)
	for i := range chars {
		chars[i] = 0xff
	}
	copy(chars, units)
	if len(units) < len(chars) {
		chars[len(units)], chars[len(units)+1] = 0, 0
	}

	var sum byte
	for _, c := range short[:11] {
		sum = (sum>>1 | sum<<7) + c
	}
	slots := make([][]byte, 0, count+1)
	for seq := count; seq >= 1; seq-- {
		s := make([]byte, 32)
		s[0] = byte(seq)
		if seq == count {
			s[0] |= 0x40
		}
		part := chars[(seq-1)*26 : seq*26]
		copy(s[1:11], part[0:10])
		s[11] = 0x0f
		s[13] = sum
		copy(s[14:26], part[10:22])
		copy(s[28:32], part[22:26])
		slots = append(slots, s)
	}
	return append(slots, short), nil
}

func shortBasis(s string, max int) string {
	var out []byte
	for _, r := range strings.ToUpper(s) {
		if len(out) == max {
			break
		}
		if r < 0x80 && strings.ContainsRune(shortChars, r) {
			out = append(out, byte(r))
		}
	}
	if len(out) == 0 && max > 3 {
		return "FILE"
	}
	return string(out)
}
