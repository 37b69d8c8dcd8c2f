package fatfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	log "github.com/fclairamb/go-log"
	"github.com/spf13/afero"
)

// FatFs exposes the root directory of a mounted volume as a read-only
// afero.Fs. All calls are serialized. Open files do not take a file handle
// of the underlying manager; each keeps its own cursor into the cluster
// chain.
type FatFs struct {
	mu     sync.Mutex
	mgr    *VolumeManager
	idx    VolumeIdx
	vol    Volume
	root   Directory
	logger log.Logger
}

var _ afero.Fs = (*FatFs)(nil)

// FatFile is an open file or the open root directory of a FatFs.
type FatFile struct {
	fs     *FatFs
	path   string
	info   FileInfo
	entry  DirEntry
	pos    cursor
	offset int64
	closed bool

	entries []os.FileInfo
	dirPos  int
}

var (
	_ afero.File     = (*FatFile)(nil)
	_ fs.ReadDirFile = (*FatFile)(nil)
	_ os.FileInfo    = FileInfo{}
)

type FileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
	mode    os.FileMode
	sys     interface{}
}

func (fi FileInfo) Name() string       { return fi.name }
func (fi FileInfo) Size() int64        { return fi.size }
func (fi FileInfo) IsDir() bool        { return fi.isDir }
func (fi FileInfo) ModTime() time.Time { return fi.modTime }
func (fi FileInfo) Mode() os.FileMode  { return fi.mode }
func (fi FileInfo) Sys() interface{}   { return fi.sys }

func entryInfo(e *DirEntry) FileInfo {
	fi := FileInfo{
		name:    e.Name,
		size:    int64(e.Size),
		isDir:   e.IsDir(),
		modTime: e.Modified,
		mode:    0o444,
		sys:     *e,
	}
	if fi.isDir {
		fi.size = 0
		fi.mode = os.ModeDir | 0o555
	}
	return fi
}

// NewFatFs mounts volume idx of mgr.
func NewFatFs(mgr *VolumeManager, idx VolumeIdx) (*FatFs, error) {
	vol, err := mgr.OpenRawVolume(idx)
	if err != nil {
		return nil, err
	}
	root, err := mgr.OpenRootDir(vol)
	if err != nil {
		_ = mgr.CloseVolume(vol)
		return nil, err
	}
	return &FatFs{
		mgr:    mgr,
		idx:    idx,
		vol:    vol,
		root:   root,
		logger: mgr.logger.With("volume", idx),
	}, nil
}

func (f *FatFs) Name() string {
	return "FatFs"
}

// Unmount closes the root directory and the volume. Files still open on the
// FatFs fail afterwards.
func (f *FatFs) Unmount() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mgr.CloseDir(f.root); err != nil {
		return err
	}
	return f.mgr.CloseVolume(f.vol)
}

func (f *FatFs) Info() (VolumeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mgr.VolumeInfo(f.vol)
}

// resolve maps name to an entry name in the root directory; "" is the root.
func resolve(name string) (string, error) {
	p := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	if p == "/" {
		return "", nil
	}
	base := strings.TrimPrefix(p, "/")
	if strings.Contains(base, "/") {
		// only the root directory is reachable
		return "", os.ErrNotExist
	}
	return base, nil
}

func pathError(op, name string, err error) error {
	var fe *FileError
	if errors.As(err, &fe) && fe.Kind == FileNotFound {
		err = os.ErrNotExist
	}
	return &os.PathError{Op: op, Path: name, Err: err}
}

func (f *FatFs) rootInfo() FileInfo {
	return FileInfo{
		name:    "/",
		isDir:   true,
		modTime: f.mgr.Clock().Now(),
		mode:    os.ModeDir | 0o555,
	}
}

func (f *FatFs) stat(name string) (FileInfo, error) {
	base, err := resolve(name)
	if err != nil {
		return FileInfo{}, err
	}
	if base == "" {
		return f.rootInfo(), nil
	}
	e, err := f.mgr.FindDirectoryEntry(f.root, base)
	if err != nil {
		return FileInfo{}, err
	}
	return entryInfo(&e), nil
}

func (f *FatFs) Stat(name string) (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fi, err := f.stat(name)
	if err != nil {
		return nil, pathError("stat", name, err)
	}
	return fi, nil
}

func (f *FatFs) Open(name string) (afero.File, error) {
	return f.OpenFile(name, os.O_RDONLY, 0)
}

func (f *FatFs) OpenFile(name string, flags int, perm os.FileMode) (afero.File, error) {
	if translateFlags(flags) != ReadOnly {
		return nil, pathError("open", name, ErrReadOnly)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fi, err := f.stat(name)
	if err != nil {
		f.logger.Debug("Open failed", "path", name, "err", err)
		return nil, pathError("open", name, err)
	}
	file := &FatFile{fs: f, path: name, info: fi}
	if e, ok := fi.sys.(DirEntry); ok {
		file.entry = e
	}
	return file, nil
}

func (f *FatFs) Create(name string) (afero.File, error) {
	return nil, pathError("create", name, ErrReadOnly)
}

func (f *FatFs) Mkdir(name string, perm os.FileMode) error {
	return pathError("mkdir", name, ErrReadOnly)
}

func (f *FatFs) MkdirAll(path string, perm os.FileMode) error {
	return pathError("mkdir", path, ErrReadOnly)
}

func (f *FatFs) Remove(name string) error {
	return pathError("remove", name, ErrReadOnly)
}

func (f *FatFs) RemoveAll(path string) error {
	return pathError("remove", path, ErrReadOnly)
}

func (f *FatFs) Rename(oldname, newname string) error {
	return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: ErrReadOnly}
}

func (f *FatFs) Chmod(name string, mode os.FileMode) error {
	return pathError("chmod", name, ErrReadOnly)
}

func (f *FatFs) Chown(name string, uid, gid int) error {
	return pathError("chown", name, ErrReadOnly)
}

func (f *FatFs) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return pathError("chtimes", name, ErrReadOnly)
}

// readAt reads e at offset. pos keeps the last visited cluster so that
// sequential reads do not walk the chain from its start again.
func (f *FatFs) readAt(e *DirEntry, pos *cursor, buf []byte, offset int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, _, err := f.mgr.volume(f.vol)
	if err != nil {
		return 0, err
	}
	pos.offset = uint32(offset)
	return f.mgr.readEntry(v, e, pos, buf)
}

func (f *FatFs) readDir() ([]os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var infos []os.FileInfo
	err := f.mgr.IterateDir(f.root, func(e *DirEntry) bool {
		infos = append(infos, entryInfo(e))
		return true
	})
	return infos, err
}

// File methods

// Name returns the name of the file as presented to OpenFile
func (f *FatFile) Name() string {
	return f.path
}

func (f *FatFile) Stat() (os.FileInfo, error) {
	if f.closed {
		return nil, os.ErrClosed
	}
	return f.info, nil
}

func (f *FatFile) ReadAt(buf []byte, offset int64) (int, error) {
	switch {
	case f.closed:
		return 0, os.ErrClosed
	case f.info.IsDir():
		return 0, pathError("read", f.path, ErrInvalidParameter)
	case offset < 0:
		return 0, pathError("read", f.path, ErrInvalidParameter)
	case offset >= f.info.size:
		return 0, io.EOF
	}
	n, err := f.fs.readAt(&f.entry, &f.pos, buf, offset)
	if err != nil {
		return n, pathError("read", f.path, err)
	}
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

func (f *FatFile) Read(buf []byte) (int, error) {
	n, err := f.ReadAt(buf, f.offset)
	f.offset += int64(n)
	if n > 0 && errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// Seek changes the position of the file
func (f *FatFile) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.offset
	case io.SeekEnd:
		offset += f.info.size
	default:
		return 0, pathError("seek", f.path, ErrInvalidParameter)
	}
	if offset < 0 {
		return 0, pathError("seek", f.path, ErrInvalidParameter)
	}
	f.offset = offset
	return offset, nil
}

// Readdir lists the directory. With count > 0 it returns at most count
// entries and io.EOF once the listing is exhausted; otherwise it returns all
// remaining entries.
func (f *FatFile) Readdir(count int) ([]os.FileInfo, error) {
	if f.closed {
		return nil, os.ErrClosed
	}
	if !f.info.IsDir() {
		return nil, pathError("readdir", f.path, ErrInvalidParameter)
	}
	if f.info.name != "/" {
		return nil, pathError("readdir", f.path, ErrNotImplemented)
	}
	if f.entries == nil {
		infos, err := f.fs.readDir()
		if err != nil {
			return nil, pathError("readdir", f.path, err)
		}
		f.entries = append(make([]os.FileInfo, 0, len(infos)), infos...)
	}

	rest := f.entries[f.dirPos:]
	if count <= 0 {
		f.dirPos = len(f.entries)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	if len(rest) > count {
		rest = rest[:count]
	}
	f.dirPos += len(rest)
	return rest, nil
}

func (f *FatFile) Readdirnames(n int) (names []string, err error) {
	infos, err := f.Readdir(n)
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, err
}

func (f *FatFile) ReadDir(n int) ([]fs.DirEntry, error) {
	infos, err := f.Readdir(n)
	entries := make([]fs.DirEntry, len(infos))
	for i, info := range infos {
		entries[i] = fs.FileInfoToDirEntry(info)
	}
	return entries, err
}

func (f *FatFile) Write(buf []byte) (int, error) {
	return 0, pathError("write", f.path, ErrReadOnly)
}

func (f *FatFile) WriteAt(buf []byte, offset int64) (int, error) {
	return 0, pathError("write", f.path, ErrReadOnly)
}

func (f *FatFile) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

func (f *FatFile) Truncate(size int64) error {
	return pathError("truncate", f.path, ErrReadOnly)
}

func (f *FatFile) Sync() error {
	return nil
}

func (f *FatFile) Close() error {
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	f.entries = nil
	return nil
}
