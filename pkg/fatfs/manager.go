package fatfs

import (
	"time"

	log "github.com/fclairamb/go-log"
	"github.com/fclairamb/go-log/noop"
)

// Handle table sizes.
const (
	MaxVolumes     = 4
	MaxDirectories = 4
	MaxFiles       = 4
)

// TimeSource supplies timestamps for filesystem metadata.
type TimeSource interface {
	Now() time.Time
}

// SystemClock is the TimeSource backed by the host clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Volume, Directory and File are opaque handles issued by a VolumeManager.
// The zero value is never a valid handle.
type (
	Volume    struct{ id uint32 }
	Directory struct{ id uint32 }
	File      struct{ id uint32 }
)

type openDir struct {
	id    uint32
	vol   *volume
	files int
}

type openFile struct {
	id    uint32
	dir   *openDir
	entry DirEntry
	pos   cursor
}

// Stats counts the work done by a VolumeManager.
type Stats struct {
	SectorReads uint64
	FileReads   uint64
}

// VolumeManager opens volumes, directories and files on one block device.
// Handles form a strict tree: files must be closed before their directory,
// directories before their volume. A VolumeManager is not safe for
// concurrent use.
type VolumeManager struct {
	disk   disk
	clock  TimeSource
	logger log.Logger

	lastID    uint32
	fileReads uint64
	volumes   []*volume
	dirs      []*openDir
	files     []*openFile
}

// NewVolumeManager creates a manager over dev. A nil clock uses the system
// clock, a nil logger disables logging.
func NewVolumeManager(dev BlockDevice, clock TimeSource, logger log.Logger) *VolumeManager {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = noop.NewNoOpLogger()
	}
	return &VolumeManager{
		disk:   disk{dev: dev},
		clock:  clock,
		logger: logger,
	}
}

func (m *VolumeManager) Clock() TimeSource { return m.clock }

func (m *VolumeManager) Device() BlockDevice { return m.disk.dev }

func (m *VolumeManager) Stats() Stats {
	return Stats{SectorReads: m.disk.reads, FileReads: m.fileReads}
}

// HasOpenHandles reports whether any volume, directory or file is open.
func (m *VolumeManager) HasOpenHandles() bool {
	return len(m.volumes)+len(m.dirs)+len(m.files) > 0
}

func (m *VolumeManager) newID() uint32 {
	m.lastID++
	if m.lastID == 0 {
		m.lastID++
	}
	return m.lastID
}

func (m *VolumeManager) volume(h Volume) (*volume, int, error) {
	for i, v := range m.volumes {
		if h.id != 0 && v.id == h.id {
			return v, i, nil
		}
	}
	return nil, -1, ErrBadHandle
}

func (m *VolumeManager) dir(h Directory) (*openDir, error) {
	od, _, err := m.dirAt(h)
	return od, err
}

func (m *VolumeManager) dirAt(h Directory) (*openDir, int, error) {
	for i, d := range m.dirs {
		if h.id != 0 && d.id == h.id {
			return d, i, nil
		}
	}
	return nil, -1, ErrBadHandle
}

func (m *VolumeManager) file(h File) (*openFile, int, error) {
	for i, f := range m.files {
		if h.id != 0 && f.id == h.id {
			return f, i, nil
		}
	}
	return nil, -1, ErrBadHandle
}

// OpenRawVolume parses the partition table and boot sector of volume idx.
// Only one handle per index may be open at a time.
func (m *VolumeManager) OpenRawVolume(idx VolumeIdx) (Volume, error) {
	for _, v := range m.volumes {
		if v.idx == idx {
			return Volume{}, ErrVolumeAlreadyOpen
		}
	}
	if len(m.volumes) >= MaxVolumes {
		return Volume{}, ErrTooManyOpen
	}

	v, err := m.findVolume(idx)
	if err != nil {
		m.logger.Warn("Volume open failed", "idx", idx, "err", err)
		return Volume{}, err
	}
	v.id = m.newID()
	v.idx = idx
	m.volumes = append(m.volumes, v)
	m.logger.Info(
		"Volume opened",
		"idx", idx,
		"type", v.typ.String(),
		"label", v.label,
		"clusters", v.clusters,
		"clusterSize", v.clusterBytes(),
	)
	return Volume{id: v.id}, nil
}

// CloseVolume fails with ErrOpenChildren while directories are open on h.
func (m *VolumeManager) CloseVolume(h Volume) error {
	v, i, err := m.volume(h)
	if err != nil {
		return err
	}
	if v.dirs > 0 {
		return ErrOpenChildren
	}
	m.volumes = append(m.volumes[:i], m.volumes[i+1:]...)
	m.logger.Debug("Volume closed", "idx", v.idx)
	return nil
}

// VolumeInfo describes an open volume.
type VolumeInfo struct {
	Idx         VolumeIdx
	Type        Type
	Label       string
	OEMName     string
	Serial      uint32
	ClusterSize uint32
	Clusters    uint32
	StartSector uint64
	Sectors     uint64
}

func (m *VolumeManager) VolumeInfo(h Volume) (VolumeInfo, error) {
	v, _, err := m.volume(h)
	if err != nil {
		return VolumeInfo{}, err
	}
	return VolumeInfo{
		Idx:         v.idx,
		Type:        v.typ,
		Label:       v.label,
		OEMName:     v.oem,
		Serial:      v.serial,
		ClusterSize: v.clusterBytes(),
		Clusters:    v.clusters,
		StartSector: v.start,
		Sectors:     v.sectors,
	}, nil
}

// OpenRootDir opens the root directory of h.
func (m *VolumeManager) OpenRootDir(h Volume) (Directory, error) {
	v, _, err := m.volume(h)
	if err != nil {
		return Directory{}, err
	}
	if len(m.dirs) >= MaxDirectories {
		return Directory{}, ErrTooManyOpen
	}
	od := &openDir{id: m.newID(), vol: v}
	m.dirs = append(m.dirs, od)
	v.dirs++
	return Directory{id: od.id}, nil
}

// CloseDir fails with ErrOpenChildren while files are open in h.
func (m *VolumeManager) CloseDir(h Directory) error {
	od, i, err := m.dirAt(h)
	if err != nil {
		return err
	}
	if od.files > 0 {
		return ErrOpenChildren
	}
	m.dirs = append(m.dirs[:i], m.dirs[i+1:]...)
	od.vol.dirs--
	return nil
}

// OpenFileInDir opens name for reading. Only ReadOnly is accepted.
func (m *VolumeManager) OpenFileInDir(h Directory, name string, mode Mode) (File, error) {
	od, err := m.dir(h)
	if err != nil {
		return File{}, err
	}
	if mode != ReadOnly {
		return File{}, ErrReadOnly
	}
	entry, err := m.FindDirectoryEntry(h, name)
	if err != nil {
		return File{}, err
	}
	if entry.IsDir() {
		return File{}, &FileError{Name: name, Kind: FileNotAFile}
	}
	for _, f := range m.files {
		if f.dir.vol == od.vol && f.entry.sector == entry.sector && f.entry.offset == entry.offset {
			return File{}, ErrFileAlreadyOpen
		}
	}
	if len(m.files) >= MaxFiles {
		return File{}, ErrTooManyOpen
	}

	of := &openFile{id: m.newID(), dir: od, entry: entry}
	m.files = append(m.files, of)
	od.files++
	m.logger.Debug("File opened", "name", entry.Name, "size", entry.Size, "cluster", entry.Cluster)
	return File{id: of.id}, nil
}

func (m *VolumeManager) CloseFile(h File) error {
	of, i, err := m.file(h)
	if err != nil {
		return err
	}
	m.files = append(m.files[:i], m.files[i+1:]...)
	of.dir.files--
	return nil
}
