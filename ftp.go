package main

import (
	"crypto/tls"
	"errors"

	ftpserver "github.com/fclairamb/ftpserverlib"
	log "github.com/fclairamb/go-log"
	"github.com/spf13/afero"
)

// FTPServer exposes the mounted card to anonymous FTP clients.
type FTPServer struct {
	Settings   *ftpserver.Settings
	FileSystem afero.Fs
	Logger     log.Logger
}

var _ ftpserver.MainDriver = (*FTPServer)(nil)

func (s *FTPServer) GetSettings() (*ftpserver.Settings, error) {
	return s.Settings, nil
}

func (s *FTPServer) ClientConnected(cc ftpserver.ClientContext) (string, error) {
	s.Logger.Info("FTP client connected", "clientId", cc.ID(), "remoteAddr", cc.RemoteAddr().String())
	return "sampler card, read-only", nil
}

func (s *FTPServer) ClientDisconnected(cc ftpserver.ClientContext) {
	s.Logger.Info("FTP client disconnected", "clientId", cc.ID())
}

// AuthUser accepts any user; the file system is read-only.
func (s *FTPServer) AuthUser(cc ftpserver.ClientContext, user, pass string) (ftpserver.ClientDriver, error) {
	s.Logger.Debug("FTP login", "clientId", cc.ID(), "user", user)
	return s.FileSystem, nil
}

func (s *FTPServer) GetTLSConfig() (*tls.Config, error) {
	return nil, errors.New("TLS is not configured")
}

func newFTPServer(addr string, fsys afero.Fs, logger log.Logger) *ftpserver.FtpServer {
	srv := ftpserver.NewFtpServer(&FTPServer{
		Settings: &ftpserver.Settings{
			ListenAddr: addr,
		},
		FileSystem: fsys,
		Logger:     logger,
	})
	srv.Logger = logger
	return srv
}
