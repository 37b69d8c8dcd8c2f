package fatfs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swaggy-yolo-united/sampler/pkg/fatfs/fatfstest"
)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

var testNow = time.Date(2025, time.March, 4, 5, 6, 7, 0, time.UTC)

func newManager(t *testing.T, opts fatfstest.Options) (*VolumeManager, *fatfstest.Image) {
	t.Helper()
	img, err := fatfstest.Build(opts)
	require.NoError(t, err)
	return NewVolumeManager(img, fixedClock(testNow), nil), img
}

func requireVolumeError(t *testing.T, err error, kind VolumeErrorKind) {
	t.Helper()
	var ve *VolumeError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, kind, ve.Kind, "error: %v", err)
}

func TestOpenRawVolume(t *testing.T) {
	tests := []struct {
		name        string
		opts        fatfstest.Options
		typ         Type
		clusterSize uint32
		start       uint64
	}{
		{"fat16 mbr", fatfstest.Options{Type: fatfstest.FAT16, Label: "SAMPLES"}, TypeFAT16, 512, fatfstest.PartitionStart},
		{"fat32 mbr", fatfstest.Options{Type: fatfstest.FAT32, Label: "SAMPLES"}, TypeFAT32, 512, fatfstest.PartitionStart},
		{"fat16 superfloppy", fatfstest.Options{Type: fatfstest.FAT16, Superfloppy: true, Label: "SAMPLES"}, TypeFAT16, 512, 0},
		{"fat32 superfloppy", fatfstest.Options{Type: fatfstest.FAT32, Superfloppy: true, Label: "SAMPLES"}, TypeFAT32, 512, 0},
		{"fat16 4k clusters", fatfstest.Options{Type: fatfstest.FAT16, SectorsPerCluster: 8, Label: "SAMPLES"}, TypeFAT16, 4096, fatfstest.PartitionStart},
		{"fat16 lba partition type", fatfstest.Options{Type: fatfstest.FAT16, PartitionType: 0x0e, Label: "SAMPLES"}, TypeFAT16, 512, fatfstest.PartitionStart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Serial = 0xcafe
			m, img := newManager(t, tt.opts)
			vol, err := m.OpenRawVolume(0)
			require.NoError(t, err)

			info, err := m.VolumeInfo(vol)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, info.Type)
			assert.Equal(t, "SAMPLES", info.Label)
			assert.Equal(t, "SAMPLER", info.OEMName)
			assert.EqualValues(t, 0xcafe, info.Serial)
			assert.Equal(t, tt.clusterSize, info.ClusterSize)
			assert.Equal(t, img.Clusters, info.Clusters)
			assert.Equal(t, tt.start, info.StartSector)

			require.NoError(t, m.CloseVolume(vol))
			assert.False(t, m.HasOpenHandles())
		})
	}
}

func TestOpenRawVolumeErrors(t *testing.T) {
	ioErr := errors.New("card unplugged")
	tests := []struct {
		name  string
		opts  fatfstest.Options
		idx   VolumeIdx
		setup func(img *fatfstest.Image)
		kind  VolumeErrorKind
	}{
		{name: "empty partition slot", idx: 1, kind: VolumeNoPartition},
		{name: "partition index out of table", idx: 4, kind: VolumeNoPartition},
		{name: "superfloppy has no second volume", opts: fatfstest.Options{Superfloppy: true}, idx: 1, kind: VolumeNoPartition},
		{name: "gpt protective mbr", opts: fatfstest.Options{PartitionType: 0xee}, kind: VolumeUnsupportedFormat},
		{name: "linux partition", opts: fatfstest.Options{PartitionType: 0x83}, kind: VolumeUnsupportedFormat},
		{name: "fat12 sized volume", opts: fatfstest.Options{Clusters: 2000}, kind: VolumeUnsupportedFormat},
		{
			name: "no boot signature",
			setup: func(img *fatfstest.Image) {
				img.Poke(0, 510, 0, 0)
			},
			kind: VolumeUnsupportedFormat,
		},
		{
			name: "garbage boot sector",
			setup: func(img *fatfstest.Image) {
				img.Poke(fatfstest.PartitionStart, 0, 0x00, 0x00, 0x00)
			},
			kind: VolumeUnsupportedFormat,
		},
		{
			name: "read failure",
			setup: func(img *fatfstest.Image) {
				img.FailRead(0, ioErr)
			},
			kind: VolumeIO,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, img := newManager(t, tt.opts)
			if tt.setup != nil {
				tt.setup(img)
			}
			_, err := m.OpenRawVolume(tt.idx)
			requireVolumeError(t, err, tt.kind)
			assert.False(t, m.HasOpenHandles())
		})
	}
}

func TestOpenRawVolumeBlankDevice(t *testing.T) {
	m := NewVolumeManager(fatfstest.NewDisk(128), nil, nil)
	_, err := m.OpenRawVolume(0)
	requireVolumeError(t, err, VolumeUnsupportedFormat)
}

func TestOpenRawVolumeRetryAfterUnsupportedHeader(t *testing.T) {
	m, img := newManager(t, fatfstest.Options{Type: fatfstest.FAT32})

	// 1024-byte logical sectors
	img.Poke(fatfstest.PartitionStart, 11, 0x00, 0x04)
	_, err := m.OpenRawVolume(0)
	requireVolumeError(t, err, VolumeUnsupportedFormat)
	assert.False(t, m.HasOpenHandles())

	img.Poke(fatfstest.PartitionStart, 11, 0x00, 0x02)
	vol, err := m.OpenRawVolume(0)
	require.NoError(t, err)
	require.NoError(t, m.CloseVolume(vol))
}

type largeSectorDisk struct {
	*fatfstest.Disk
}

func (largeSectorDisk) GetSectorSize() uint64 { return 4096 }

func TestOpenRawVolumeRejectsLargeSectors(t *testing.T) {
	img, err := fatfstest.Build(fatfstest.Options{})
	require.NoError(t, err)
	m := NewVolumeManager(largeSectorDisk{img.Disk}, nil, nil)
	_, err = m.OpenRawVolume(0)
	requireVolumeError(t, err, VolumeUnsupportedFormat)
}

func TestOpenRawVolumeOncePerIndex(t *testing.T) {
	m, _ := newManager(t, fatfstest.Options{})
	vol, err := m.OpenRawVolume(0)
	require.NoError(t, err)

	_, err = m.OpenRawVolume(0)
	assert.ErrorIs(t, err, ErrVolumeAlreadyOpen)

	require.NoError(t, m.CloseVolume(vol))
	vol, err = m.OpenRawVolume(0)
	require.NoError(t, err)
	require.NoError(t, m.CloseVolume(vol))
}

func TestCloseOrdering(t *testing.T) {
	m, _ := newManager(t, fatfstest.Options{
		Files: []fatfstest.File{{Name: "hello.txt", Data: []byte("hello world\n")}},
	})

	vol, err := m.OpenRawVolume(0)
	require.NoError(t, err)
	dir, err := m.OpenRootDir(vol)
	require.NoError(t, err)
	file, err := m.OpenFileInDir(dir, "hello.txt", ReadOnly)
	require.NoError(t, err)

	assert.ErrorIs(t, m.CloseDir(dir), ErrOpenChildren)
	assert.ErrorIs(t, m.CloseVolume(vol), ErrOpenChildren)

	// rejected closes change nothing
	n, err := m.Read(file, make([]byte, 5))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.NoError(t, m.CloseFile(file))
	require.NoError(t, m.CloseDir(dir))
	require.NoError(t, m.CloseVolume(vol))
	assert.False(t, m.HasOpenHandles())

	assert.ErrorIs(t, m.CloseFile(file), ErrBadHandle)
	assert.ErrorIs(t, m.CloseDir(dir), ErrBadHandle)
	assert.ErrorIs(t, m.CloseVolume(vol), ErrBadHandle)
	_, err = m.Read(file, make([]byte, 1))
	assert.ErrorIs(t, err, ErrBadHandle)
}

func TestZeroHandlesAreInvalid(t *testing.T) {
	m, _ := newManager(t, fatfstest.Options{})
	_, err := m.OpenRootDir(Volume{})
	assert.ErrorIs(t, err, ErrBadHandle)
	_, err = m.OpenFileInDir(Directory{}, "x", ReadOnly)
	assert.ErrorIs(t, err, ErrBadHandle)
	_, err = m.FileEOF(File{})
	assert.ErrorIs(t, err, ErrBadHandle)
}

func TestHandleTableLimits(t *testing.T) {
	m, _ := newManager(t, fatfstest.Options{})
	vol, err := m.OpenRawVolume(0)
	require.NoError(t, err)

	dirs := make([]Directory, 0, MaxDirectories)
	for i := 0; i < MaxDirectories; i++ {
		dir, err := m.OpenRootDir(vol)
		require.NoError(t, err)
		dirs = append(dirs, dir)
	}
	_, err = m.OpenRootDir(vol)
	assert.ErrorIs(t, err, ErrTooManyOpen)

	for _, dir := range dirs {
		require.NoError(t, m.CloseDir(dir))
	}
	require.NoError(t, m.CloseVolume(vol))
}

func TestVolumeErrorMessages(t *testing.T) {
	err := &VolumeError{Idx: 0, Kind: VolumeUnsupportedFormat, Err: errors.New("GPT partitioned device")}
	assert.Equal(t, "fatfs: volume 0: unsupported format: GPT partitioned device", err.Error())
	assert.Equal(t, "fatfs: volume 2: no partition", (&VolumeError{Idx: 2, Kind: VolumeNoPartition}).Error())
}
