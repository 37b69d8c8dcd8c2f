package main

import (
	"context"
	"fmt"
	"time"

	log "github.com/fclairamb/go-log"
	"github.com/fclairamb/go-log/noop"
	"github.com/spf13/afero"

	"github.com/swaggy-yolo-united/sampler/pkg/fatfs"
	"github.com/swaggy-yolo-united/sampler/pkg/sdcard"
	"github.com/swaggy-yolo-united/sampler/pkg/sderr"
	"github.com/swaggy-yolo-united/sampler/pkg/spibus"
)

const controlPollByte = 0xa5

// Board is the simulated hardware: one SPI controller shared by the SD card
// and a control peripheral, each with its own chip-select.
type Board struct {
	cfg       *Config
	image     *fatfs.ImageFile
	ctrl      *spibus.SimController
	bus       *spibus.Bus
	card      *sdcard.Card
	control   *spibus.Device
	controlCS *spibus.SimPin
	manager   *fatfs.VolumeManager
	logger    log.Logger
	seq       byte
}

// NewBoard brings up the card backed by the image file cfg.Image in fsys.
func NewBoard(cfg *Config, fsys afero.Fs, logger log.Logger) (*Board, error) {
	if logger == nil {
		logger = noop.NewNoOpLogger()
	}
	typ, err := cfg.cardType()
	if err != nil {
		return nil, err
	}
	image, err := fatfs.OpenImageFile(fsys, cfg.Image)
	if err != nil {
		return nil, err
	}

	cardCS := spibus.NewSimPin()
	controlCS := spibus.NewSimPin()
	ctrl := spibus.NewSimController(
		sdcard.NewSimulator(cardCS, image, typ),
		spibus.NewLoopbackTarget(controlCS),
	)
	bus := spibus.New(ctrl, logger)

	card, err := sdcard.Open(bus.Device("sdcard", cfg.cardConfig()), cardCS, sdcard.SleepDelay{}, &sdcard.Options{
		InitFrequency: cfg.InitClock,
		Logger:        logger,
	})
	if err != nil {
		_ = image.Close()
		return nil, sderr.Wrap("open card", err)
	}

	return &Board{
		cfg:       cfg,
		image:     image,
		ctrl:      ctrl,
		bus:       bus,
		card:      card,
		control:   bus.Device("control", cfg.controlConfig()),
		controlCS: controlCS,
		manager:   fatfs.NewVolumeManager(card, fatfs.SystemClock{}, logger),
		logger:    logger,
	}, nil
}

func (b *Board) Card() *sdcard.Card                { return b.card }
func (b *Board) Manager() *fatfs.VolumeManager     { return b.manager }
func (b *Board) Controller() *spibus.SimController { return b.ctrl }

// ReadFile reads name from the root directory of the configured volume.
func (b *Board) ReadFile(name string) ([]byte, error) {
	data, err := b.manager.ReadFile(fatfs.VolumeIdx(b.cfg.Volume), name, b.cfg.ReadBuffer)
	if err != nil {
		return nil, sderr.Wrap("read "+name, err)
	}
	return data, nil
}

// Mount opens the configured volume as a read-only afero.Fs.
func (b *Board) Mount() (*fatfs.FatFs, error) {
	fsys, err := fatfs.NewFatFs(b.manager, fatfs.VolumeIdx(b.cfg.Volume))
	if err != nil {
		return nil, sderr.Wrap("mount", err)
	}
	return fsys, nil
}

// PollControl runs one exchange with the control peripheral.
func (b *Board) PollControl() error {
	b.seq++
	out := []byte{controlPollByte, b.seq}
	in := make([]byte, len(out))
	err := b.control.WithSession(func(s *spibus.Session) error {
		if err := b.controlCS.Low(); err != nil {
			return err
		}
		defer b.controlCS.High() //nolint:errcheck
		if err := s.Tx(out, in); err != nil {
			return err
		}
		if in[1] != out[0] {
			return fmt.Errorf("control: echoed %#02x, want %#02x", in[1], out[0])
		}
		return nil
	})
	return sderr.Wrap("poll control", err)
}

// RunControlPoller polls the control peripheral every interval until ctx is
// done, sharing the bus with whatever the card is doing.
func (b *Board) RunControlPoller(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.PollControl(); err != nil {
				b.logger.Warn("Control poll failed", "err", err)
			}
		}
	}
}

func (b *Board) Close() error {
	return b.image.Close()
}
