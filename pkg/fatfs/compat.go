package fatfs

import (
	"io/fs"

	"github.com/spf13/afero"
)

// AsAfero wraps f so that every mutating call fails with a permission error
// before reaching the volume.
func AsAfero(f *FatFs) afero.Fs {
	return afero.NewReadOnlyFs(f)
}

// AsIO exposes f as an io/fs file system, e.g. for http.FS or fs.WalkDir.
func AsIO(f *FatFs) fs.FS {
	return afero.NewIOFS(f)
}
