package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fclairamb/go-log/noop"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swaggy-yolo-united/sampler/pkg/fatfs"
	"github.com/swaggy-yolo-united/sampler/pkg/fatfs/fatfstest"
	"github.com/swaggy-yolo-united/sampler/pkg/sderr"
)

func writeCard(t *testing.T, fsys afero.Fs) {
	t.Helper()
	img, err := fatfstest.Build(fatfstest.Options{
		Label: "SAMPLES",
		Files: []fatfstest.File{
			{Name: "hello.txt", Data: []byte("hello world\n")},
			{Name: "Kick 808.wav", Data: bytes.Repeat([]byte{1, 2, 3, 4}, 700)},
		},
	})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fsys, "/card.img", img.Bytes(), 0o644))
}

func newTestBoard(t *testing.T, modify func(c *Config)) *Board {
	t.Helper()
	fsys := afero.NewMemMapFs()
	writeCard(t, fsys)
	cfg := DefaultConfig()
	cfg.Image = "/card.img"
	if modify != nil {
		modify(&cfg)
	}
	require.NoError(t, cfg.Validate())
	b, err := NewBoard(&cfg, fsys, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBoardReadFile(t *testing.T) {
	for _, typ := range []string{"sdhc", "sdv2", "sdv1"} {
		t.Run(typ, func(t *testing.T) {
			b := newTestBoard(t, func(c *Config) {
				c.CardType = typ
				c.ReadBuffer = 100
			})
			data, err := b.ReadFile("HELLO.TXT")
			require.NoError(t, err)
			assert.Equal(t, "hello world\n", string(data))

			data, err = b.ReadFile("kick 808.wav")
			require.NoError(t, err)
			assert.Len(t, data, 2800)
			assert.False(t, b.Manager().HasOpenHandles())

			_, err = b.ReadFile("snare.wav")
			assert.Equal(t, sderr.KindNotFound, sderr.KindOf(err))
			assert.EqualError(t, err, "read snare.wav: file: not found: fatfs: snare.wav: not found")
		})
	}
}

func TestNewBoardErrors(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := DefaultConfig()
	cfg.Image = "/missing.img"
	_, err := NewBoard(&cfg, fsys, nil)
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fsys, "/blank.img", make([]byte, 64*1024), 0o644))
	cfg.Image = "/blank.img"
	b, err := NewBoard(&cfg, fsys, nil)
	require.NoError(t, err, "a blank card still initializes")
	defer b.Close()
	_, err = b.Mount()
	assert.Equal(t, sderr.KindUnsupportedFormat, sderr.KindOf(err))
}

func TestBoardPollControl(t *testing.T) {
	b := newTestBoard(t, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.PollControl())
	}
	assert.Zero(t, b.Controller().Contentions())
	configs := b.Controller().Configs()
	assert.Equal(t, b.cfg.controlConfig(), configs[len(configs)-1])
}

func TestControlPollerSharesBus(t *testing.T) {
	b := newTestBoard(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.RunControlPoller(ctx, time.Millisecond)
	}()

	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		data, err := b.ReadFile("kick 808.wav")
		require.NoError(t, err)
		require.Len(t, data, 2800)
	}
	cancel()
	<-done

	assert.Zero(t, b.Controller().Overlaps())
	assert.Zero(t, b.Controller().Contentions())
}

func TestCommands(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeCard(t, fsys)

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		app := newApp(fsys)
		app.Writer = &out
		require.NoError(t, app.Run(append([]string{"sampler", "--image", "/card.img"}, args...)))
		return out.String()
	}

	assert.Equal(t, "hello world\n", run("cat", "hello.txt"))

	listing := run("ls")
	assert.Contains(t, listing, "hello.txt")
	assert.Contains(t, listing, "KICK80~1.WAV")
	assert.Contains(t, listing, "Kick 808.wav")
	assert.Contains(t, listing, "2800")

	info := run("info")
	assert.Contains(t, info, "SDHC")
	assert.Contains(t, info, "FAT16")
	assert.Contains(t, info, "SAMPLES")
}

func TestWebDAVIsReadOnly(t *testing.T) {
	b := newTestBoard(t, nil)
	fsys, err := b.Mount()
	require.NoError(t, err)
	defer fsys.Unmount()

	var access bytes.Buffer
	h := newHandler(newFS(fatfs.AsAfero(fsys), noop.NewNoOpLogger()), "/mount", &access)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mount/hello.txt", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world\n", rec.Body.String())
	assert.Contains(t, access.String(), "GET /mount/hello.txt")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/mount/new.txt", strings.NewReader("x")))
	assert.GreaterOrEqual(t, rec.Code, 400)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mount/missing.txt", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFTPDriver(t *testing.T) {
	b := newTestBoard(t, nil)
	fsys, err := b.Mount()
	require.NoError(t, err)
	defer fsys.Unmount()

	srv := newFTPServer("127.0.0.1:0", fatfs.AsAfero(fsys), noop.NewNoOpLogger())
	require.NotNil(t, srv)

	driver := &FTPServer{
		Settings:   nil,
		FileSystem: fatfs.AsAfero(fsys),
		Logger:     noop.NewNoOpLogger(),
	}
	_, err = driver.GetTLSConfig()
	assert.Error(t, err)
	settings, err := driver.GetSettings()
	require.NoError(t, err)
	assert.Nil(t, settings)
}
