package fatfs

// ReadAll reads the rest of the file through buf, one Read per iteration,
// until the file reports EOF. It does not assume Read fills buf. On error no
// data is returned.
func (m *VolumeManager) ReadAll(h File, buf []byte) ([]byte, error) {
	if len(buf) == 0 {
		return nil, ErrInvalidParameter
	}
	length, err := m.FileLength(h)
	if err != nil {
		return nil, err
	}
	offset, err := m.FileOffset(h)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, length-offset)
	for {
		eof, err := m.FileEOF(h)
		if err != nil {
			return nil, err
		}
		if eof {
			return data, nil
		}
		n, err := m.Read(h, buf)
		if err != nil {
			return nil, err
		}
		data = append(data, buf[:n]...)
	}
}

// ReadFile reads name from the root directory of volume idx with a read
// buffer of bufSize bytes. Every handle it opens is closed again, in reverse
// order, whatever happens; the first error wins.
func (m *VolumeManager) ReadFile(idx VolumeIdx, name string, bufSize int) (data []byte, err error) {
	keep := func(closeErr error) {
		if closeErr != nil && err == nil {
			data, err = nil, closeErr
		}
	}

	vol, err := m.OpenRawVolume(idx)
	if err != nil {
		return nil, err
	}
	defer func() { keep(m.CloseVolume(vol)) }()

	dir, err := m.OpenRootDir(vol)
	if err != nil {
		return nil, err
	}
	defer func() { keep(m.CloseDir(dir)) }()

	file, err := m.OpenFileInDir(dir, name, ReadOnly)
	if err != nil {
		return nil, err
	}
	defer func() { keep(m.CloseFile(file)) }()

	if bufSize <= 0 {
		return nil, ErrInvalidParameter
	}
	return m.ReadAll(file, make([]byte, bufSize))
}
