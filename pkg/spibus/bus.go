package spibus

import (
	"sync"
	"sync/atomic"

	log "github.com/fclairamb/go-log"
	"github.com/fclairamb/go-log/noop"
)

// Bus owns a physical controller and grants exclusive sessions on it.
type Bus struct {
	mu       sync.Mutex
	ctrl     Controller
	logger   log.Logger
	active   atomic.Pointer[Session]
	sessions atomic.Uint64
}

// New takes ownership of ctrl. A nil logger disables logging.
func New(ctrl Controller, logger log.Logger) *Bus {
	if logger == nil {
		logger = noop.NewNoOpLogger()
	}
	return &Bus{ctrl: ctrl, logger: logger}
}

// Device returns a logical device on the bus. Devices are cheap and may be
// created at any time; they only carry the configuration applied when one
// of their sessions is acquired.
func (b *Bus) Device(name string, cfg Config) *Device {
	return &Device{
		bus:    b,
		name:   name,
		cfg:    cfg,
		logger: b.logger.With("device", name),
	}
}

// Busy reports whether a session currently holds the bus.
func (b *Bus) Busy() bool {
	return b.active.Load() != nil
}

// Sessions returns the number of sessions granted so far.
func (b *Bus) Sessions() uint64 {
	return b.sessions.Load()
}

// Device is one logical peripheral sharing the bus.
type Device struct {
	bus    *Bus
	name   string
	cfg    Config
	logger log.Logger
}

func (d *Device) Name() string   { return d.name }
func (d *Device) Config() Config { return d.cfg }
func (d *Device) Bus() *Bus      { return d.bus }

// WithConfig returns the same logical device with a different
// configuration, e.g. the slow clock used while initializing an SD card.
func (d *Device) WithConfig(cfg Config) *Device {
	return &Device{bus: d.bus, name: d.name, cfg: cfg, logger: d.logger}
}

// Acquire blocks until the bus is free, applies the device configuration and
// returns the session guard. Callers must Release it; prefer WithSession.
//
// If the controller rejects the configuration the bus is left free and a
// *BusError is returned.
func (d *Device) Acquire() (*Session, error) {
	if err := d.cfg.Validate(); err != nil {
		return nil, &BusError{Device: d.name, Op: "configure", Err: err}
	}

	b := d.bus
	b.mu.Lock()
	if err := b.ctrl.Configure(d.cfg); err != nil {
		b.mu.Unlock()
		d.logger.Warn("Bus configuration failed", "config", d.cfg.String(), "err", err)
		return nil, &BusError{Device: d.name, Op: "configure", Err: err}
	}

	s := &Session{bus: b, dev: d}
	b.active.Store(s)
	b.sessions.Add(1)
	return s, nil
}

// WithSession runs fn while holding the bus. The session is released when fn
// returns, fails or panics.
func (d *Device) WithSession(fn func(s *Session) error) error {
	s, err := d.Acquire()
	if err != nil {
		return err
	}
	defer s.Release()
	return fn(s)
}

// Session is an exclusive right to issue transfers with one device's
// configuration. It is not safe for concurrent use.
type Session struct {
	bus      *Bus
	dev      *Device
	released bool
}

// Device returns the device that owns the session.
func (s *Session) Device() *Device {
	return s.dev
}

// Release frees the bus. Releasing twice is a no-op.
func (s *Session) Release() {
	if s.released {
		return
	}
	s.released = true
	s.bus.active.Store(nil)
	s.bus.mu.Unlock()
}

// Tx exchanges bytes on the bus.
func (s *Session) Tx(w, r []byte) error {
	if s.released {
		return ErrSessionReleased
	}
	if w != nil && r != nil && len(w) != len(r) {
		return ErrLengthMismatch
	}
	if err := s.bus.ctrl.Tx(w, r); err != nil {
		return &BusError{Device: s.dev.name, Op: "tx", Err: err}
	}
	return nil
}

// Write sends w and discards what is clocked in.
func (s *Session) Write(w []byte) error {
	return s.Tx(w, nil)
}

// Read fills r while clocking out fill bytes.
func (s *Session) Read(r []byte, fill byte) error {
	if fill == 0xff {
		return s.Tx(nil, r)
	}
	w := make([]byte, len(r))
	for i := range w {
		w[i] = fill
	}
	return s.Tx(w, r)
}

// Transfer exchanges a single byte.
func (s *Session) Transfer(b byte) (byte, error) {
	var r [1]byte
	if err := s.Tx([]byte{b}, r[:]); err != nil {
		return 0, err
	}
	return r[0], nil
}
