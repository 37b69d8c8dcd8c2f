// Package spibus arbitrates one physical SPI controller between several
// logical devices, each with its own chip-select, clock rate and mode.
//
// A transfer is only ever issued from inside a session:
//
//	card := bus.Device("sdcard", spibus.Config{Frequency: 12_000_000, Mode: spibus.Mode0})
//	err := card.WithSession(func(s *spibus.Session) error {
//		return s.Write([]byte{0xff})
//	})
//
// The session holds the bus for the duration of the closure and is released
// on every exit path.
package spibus

import "fmt"

// Mode is the SPI clock polarity and phase.
//
//	Mode0: CPOL=0, CPHA=0 (clock idle low, sample on rising edge)
//	Mode1: CPOL=0, CPHA=1 (clock idle low, sample on falling edge)
//	Mode2: CPOL=1, CPHA=0 (clock idle high, sample on falling edge)
//	Mode3: CPOL=1, CPHA=1 (clock idle high, sample on rising edge)
type Mode uint8

const (
	Mode0 Mode = iota
	Mode1
	Mode2
	Mode3
)

func (m Mode) String() string {
	if m > Mode3 {
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
	return fmt.Sprintf("mode%d", uint8(m))
}

// Config is the per-device controller configuration applied when a session
// is acquired.
type Config struct {
	Frequency uint32 // Hz
	Mode      Mode
}

func (c Config) String() string {
	return fmt.Sprintf("%dHz/%s", c.Frequency, c.Mode)
}

// Validate reports whether the configuration can be applied to a controller.
func (c Config) Validate() error {
	if c.Frequency == 0 {
		return fmt.Errorf("spibus: zero clock frequency")
	}
	if c.Mode > Mode3 {
		return fmt.Errorf("spibus: invalid mode %d", uint8(c.Mode))
	}
	return nil
}

// Controller is the physical SPI peripheral. Implementations are not
// expected to be safe for concurrent use; the Bus serializes every call.
type Controller interface {
	// Configure applies clock rate and mode. It must complete before the
	// next Tx returns any byte.
	Configure(cfg Config) error

	// Tx exchanges bytes. Either w or r may be nil; when both are set they
	// have the same length. A nil w clocks out 0xff.
	Tx(w, r []byte) error
}

// Pin is an output line such as a chip-select.
type Pin interface {
	High() error
	Low() error
}
