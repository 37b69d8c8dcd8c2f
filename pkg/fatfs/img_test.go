package fatfs

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swaggy-yolo-united/sampler/pkg/fatfs/fatfstest"
)

func writeImage(t *testing.T, fsys afero.Fs, opts fatfstest.Options) *fatfstest.Image {
	t.Helper()
	img, err := fatfstest.Build(opts)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fsys, "/card.img", img.Bytes(), 0o644))
	return img
}

func TestImageFileMountsVolume(t *testing.T) {
	fsys := afero.NewMemMapFs()
	img := writeImage(t, fsys, fatfstest.Options{
		Files: []fatfstest.File{{Name: "hello.txt", Data: []byte("hello world\n")}},
	})

	dev, err := OpenImageFile(fsys, "/card.img")
	require.NoError(t, err)
	defer dev.Close()
	require.NoError(t, dev.Initialize())
	assert.EqualValues(t, SectorSize, dev.GetSectorSize())
	assert.Equal(t, img.GetSectorCount(), dev.GetSectorCount())

	m := NewVolumeManager(dev, nil, nil)
	data, err := m.ReadFile(0, "hello.txt", 32)
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(data))
}

func TestImageFileWriteSectors(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeImage(t, fsys, fatfstest.Options{})

	dev, err := NewImageFile(fsys, "/card.img")
	require.NoError(t, err)
	last := dev.GetSectorCount() - 1

	block := make([]byte, 2*SectorSize)
	for i := range block {
		block[i] = byte(i)
	}
	require.NoError(t, dev.WriteSectors(last-1, 2, block))
	got := make([]byte, 2*SectorSize)
	require.NoError(t, dev.ReadSectors(last-1, 2, got))
	assert.Equal(t, block, got)

	assert.Error(t, dev.ReadSectors(last, 2, got), "past the end")
	assert.Error(t, dev.ReadSectors(0, 2, got[:SectorSize]), "short buffer")

	require.NoError(t, dev.Close())
	assert.ErrorIs(t, dev.Status(), errImageClosed)
	assert.ErrorIs(t, dev.ReadSectors(0, 1, got), errImageClosed)
	require.NoError(t, dev.Close())
}

func TestImageFileReadOnly(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeImage(t, fsys, fatfstest.Options{})

	dev, err := OpenImageFile(fsys, "/card.img")
	require.NoError(t, err)
	defer dev.Close()
	assert.ErrorIs(t, dev.WriteSectors(0, 1, make([]byte, SectorSize)), ErrReadOnly)
}

func TestImageFileRejectsPartialSectors(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/odd.img", make([]byte, 1000), 0o644))
	_, err := OpenImageFile(fsys, "/odd.img")
	assert.Error(t, err)

	_, err = OpenImageFile(fsys, "/missing.img")
	assert.Error(t, err)
}
