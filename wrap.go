package main

import (
	"context"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"os"

	log "github.com/fclairamb/go-log"
	"github.com/gorilla/handlers"
	"github.com/spf13/afero"
	"golang.org/x/net/webdav"
)

// FS adapts an afero.Fs to webdav.FileSystem.
type FS struct {
	afero.Fs
	logger log.Logger
}

var _ webdav.FileSystem = (*FS)(nil)

func newFS(fs afero.Fs, logger log.Logger) *FS {
	return &FS{
		Fs:     fs,
		logger: logger,
	}
}

func (f *FS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	f.logger.Debug("webdav Mkdir", "name", name)
	return f.Fs.Mkdir(name, perm)
}

func (f *FS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	f.logger.Debug("webdav OpenFile", "name", name, "flag", flag)
	return f.Fs.OpenFile(name, flag, perm)
}

func (f *FS) RemoveAll(ctx context.Context, name string) error {
	f.logger.Debug("webdav RemoveAll", "name", name)
	return f.Fs.RemoveAll(name)
}

func (f *FS) Rename(ctx context.Context, oldName, newName string) error {
	f.logger.Debug("webdav Rename", "from", oldName, "to", newName)
	return f.Fs.Rename(oldName, newName)
}

func (f *FS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	f.logger.Debug("webdav Stat", "name", name)
	return f.Fs.Stat(name)
}

func newHandler(fs webdav.FileSystem, prefix string, access io.Writer) http.Handler {
	h := &webdav.Handler{
		Prefix:     prefix,
		FileSystem: fs,
		LockSystem: webdav.NewMemLS(),
	}
	return handlers.LoggingHandler(access, h)
}

// Serve answers WebDAV requests for fs below /mount. Access lines go to
// access.
func Serve(listener net.Listener, fs afero.Fs, logger log.Logger, access io.Writer) error {
	server := &http.Server{
		Handler:  newHandler(newFS(fs, logger), "/mount", access),
		ErrorLog: stdlog.New(access, "http: ", stdlog.LstdFlags),
	}
	return server.Serve(listener)
}
