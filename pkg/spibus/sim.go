package spibus

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrContention is returned by SimController.Tx when more than one target
// has its chip-select asserted.
var ErrContention = errors.New("spibus: bus contention")

// SimPin is an in-memory output line. It starts high (deselected).
type SimPin struct {
	mu    sync.Mutex
	low   bool
	falls uint64
	err   error
}

var _ Pin = (*SimPin)(nil)

func NewSimPin() *SimPin {
	return &SimPin{}
}

func (p *SimPin) High() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.low = false
	return nil
}

func (p *SimPin) Low() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if !p.low {
		p.falls++
	}
	p.low = true
	return nil
}

// IsLow reports the current level.
func (p *SimPin) IsLow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.low
}

// Falls counts high-to-low transitions. Targets use it to notice a new
// selection.
func (p *SimPin) Falls() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.falls
}

// Fail makes every following level change return err. A nil err heals the
// pin.
func (p *SimPin) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// SimTarget is a peripheral attached to a SimController.
type SimTarget interface {
	// Selected reports whether the target's chip-select is asserted.
	Selected() bool

	// Exchange clocks one byte in and returns the byte clocked out.
	Exchange(in byte) byte
}

// SimController is a Controller that routes bytes to whichever attached
// target is selected. It records what it sees for tests.
type SimController struct {
	mu           sync.Mutex
	targets      []SimTarget
	config       Config
	configs      []Config
	configureErr error
	trace        bool
	written      []byte

	inflight  atomic.Int32
	overlaps  atomic.Int32
	contended atomic.Int32
}

var _ Controller = (*SimController)(nil)

func NewSimController(targets ...SimTarget) *SimController {
	return &SimController{targets: targets}
}

// Attach adds a target to the bus.
func (c *SimController) Attach(t SimTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = append(c.targets, t)
}

// FailConfigure makes Configure return err until called again with nil.
func (c *SimController) FailConfigure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configureErr = err
}

// Trace enables recording of every written byte.
func (c *SimController) Trace(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trace = enabled
	c.written = nil
}

func (c *SimController) Configure(cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.configureErr != nil {
		return c.configureErr
	}
	c.config = cfg
	c.configs = append(c.configs, cfg)
	return nil
}

func (c *SimController) Tx(w, r []byte) error {
	if c.inflight.Add(1) > 1 {
		c.overlaps.Add(1)
	}
	defer c.inflight.Add(-1)

	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(w)
	if w == nil {
		n = len(r)
	}

	var target SimTarget
	for _, t := range c.targets {
		if !t.Selected() {
			continue
		}
		if target != nil {
			c.contended.Add(1)
			return ErrContention
		}
		target = t
	}

	for i := 0; i < n; i++ {
		in := byte(0xff)
		if w != nil {
			in = w[i]
		}
		out := byte(0xff)
		if target != nil {
			out = target.Exchange(in)
		}
		if r != nil {
			r[i] = out
		}
		if c.trace {
			c.written = append(c.written, in)
		}
	}
	return nil
}

// Config returns the configuration currently applied.
func (c *SimController) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Configs returns every configuration applied so far, in order.
func (c *SimController) Configs() []Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Config(nil), c.configs...)
}

// Written returns the traced bytes.
func (c *SimController) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.written...)
}

// Overlaps counts Tx calls that started while another was in flight.
func (c *SimController) Overlaps() int {
	return int(c.overlaps.Load())
}

// Contentions counts Tx calls that found more than one target selected.
func (c *SimController) Contentions() int {
	return int(c.contended.Load())
}

// LoopbackTarget echoes the previous byte it received, like a shift
// register with MISO wired to its own output.
type LoopbackTarget struct {
	cs   *SimPin
	last byte
	seen uint64
}

var _ SimTarget = (*LoopbackTarget)(nil)

func NewLoopbackTarget(cs *SimPin) *LoopbackTarget {
	return &LoopbackTarget{cs: cs, last: 0xff}
}

func (t *LoopbackTarget) Selected() bool {
	return t.cs.IsLow()
}

func (t *LoopbackTarget) Exchange(in byte) byte {
	if falls := t.cs.Falls(); falls != t.seen {
		t.seen = falls
		t.last = 0xff
	}
	out := t.last
	t.last = in
	return out
}
