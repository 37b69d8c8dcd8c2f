package fatfs

import (
	"fmt"
)

// cursor is a read position in a file and the cluster that holds it.
type cursor struct {
	offset uint32

	// cluster holding offset, and its position in the chain
	cluster      uint32
	clusterIndex uint32
}

// Read copies file content at the cursor into buf and advances the cursor.
// It fills buf unless the end of the file comes first; at the end of the file
// it returns 0 and no error.
func (m *VolumeManager) Read(h File, buf []byte) (int, error) {
	of, _, err := m.file(h)
	if err != nil {
		return 0, err
	}
	return m.readEntry(of.dir.vol, &of.entry, &of.pos, buf)
}

// readEntry reads the file described by e from pos, advancing pos.
func (m *VolumeManager) readEntry(v *volume, e *DirEntry, pos *cursor, buf []byte) (int, error) {
	m.fileReads++
	n := 0
	for n < len(buf) && pos.offset < e.Size {
		cluster, err := m.clusterAt(v, e, pos)
		if err != nil {
			return n, &FileError{Name: e.Name, Kind: FileIO, Err: err}
		}
		within := pos.offset % v.clusterBytes()
		sector := v.clusterSector(cluster) + uint64(within/SectorSize)
		win, err := m.disk.read(sector)
		if err != nil {
			return n, &FileError{Name: e.Name, Kind: FileIO, Err: err}
		}
		off := pos.offset % SectorSize
		chunk := min(SectorSize-off, e.Size-pos.offset, uint32(len(buf)-n))
		copy(buf[n:], win[off:off+chunk])
		n += int(chunk)
		pos.offset += chunk
	}
	return n, nil
}

// clusterAt returns the cluster holding pos, following the chain from the
// last visited cluster or, after a backwards seek, from the start.
func (m *VolumeManager) clusterAt(v *volume, e *DirEntry, pos *cursor) (uint32, error) {
	want := pos.offset / v.clusterBytes()
	if pos.cluster == 0 || want < pos.clusterIndex {
		pos.cluster = e.Cluster
		pos.clusterIndex = 0
	}
	for pos.clusterIndex < want {
		next, end, err := m.nextCluster(v, pos.cluster)
		if err != nil {
			return 0, err
		}
		if end {
			return 0, fmt.Errorf("cluster chain ends before offset %d", pos.offset)
		}
		pos.cluster = next
		pos.clusterIndex++
	}
	if !v.validCluster(pos.cluster) {
		return 0, fmt.Errorf("cluster %d out of range", pos.cluster)
	}
	return pos.cluster, nil
}

// FileEOF reports whether the cursor reached the end of the file.
func (m *VolumeManager) FileEOF(h File) (bool, error) {
	of, _, err := m.file(h)
	if err != nil {
		return false, err
	}
	return of.pos.offset >= of.entry.Size, nil
}

func (m *VolumeManager) FileLength(h File) (uint32, error) {
	of, _, err := m.file(h)
	if err != nil {
		return 0, err
	}
	return of.entry.Size, nil
}

func (m *VolumeManager) FileOffset(h File) (uint32, error) {
	of, _, err := m.file(h)
	if err != nil {
		return 0, err
	}
	return of.pos.offset, nil
}

// FileEntry returns the directory entry the file was opened from.
func (m *VolumeManager) FileEntry(h File) (DirEntry, error) {
	of, _, err := m.file(h)
	if err != nil {
		return DirEntry{}, err
	}
	return of.entry, nil
}

// FileSeekFromStart moves the cursor to offset, which may equal the length.
func (m *VolumeManager) FileSeekFromStart(h File, offset uint32) error {
	of, _, err := m.file(h)
	if err != nil {
		return err
	}
	if offset > of.entry.Size {
		return ErrInvalidParameter
	}
	of.pos.offset = offset
	return nil
}
