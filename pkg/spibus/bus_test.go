package spibus

import (
	"bytes"
	"errors"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusSessionsAreMutuallyExclusive(t *testing.T) {
	ctrl := NewSimController()
	ctrl.Trace(true)
	bus := New(ctrl, nil)

	const (
		sessions = 50
		chunks   = 4
		chunk    = 8
	)
	devices := []struct {
		dev  *Device
		fill byte
	}{
		{bus.Device("a", Config{Frequency: 12_000_000, Mode: Mode0}), 'A'},
		{bus.Device("b", Config{Frequency: 250_000, Mode: Mode3}), 'B'},
	}

	var wg sync.WaitGroup
	for _, d := range devices {
		wg.Add(1)
		go func(dev *Device, fill byte) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{fill}, chunk)
			for i := 0; i < sessions; i++ {
				err := dev.WithSession(func(s *Session) error {
					for c := 0; c < chunks; c++ {
						if err := s.Write(payload); err != nil {
							return err
						}
						runtime.Gosched()
					}
					return nil
				})
				assert.NoError(t, err)
			}
		}(d.dev, d.fill)
	}
	wg.Wait()

	written := ctrl.Written()
	require.Len(t, written, 2*sessions*chunks*chunk)

	// Every session must appear as one uninterrupted run.
	run := chunks * chunk
	for i := 0; i < len(written); i += run {
		block := written[i : i+run]
		assert.Equal(
			t,
			bytes.Repeat(block[:1], run),
			block,
			"session starting at byte %d was interleaved",
			i,
		)
	}
	assert.Zero(t, ctrl.Overlaps())
	assert.False(t, bus.Busy())
	assert.EqualValues(t, 2*sessions, bus.Sessions())
}

func TestBusConfiguresBeforeTransfer(t *testing.T) {
	ctrl := NewSimController()
	bus := New(ctrl, nil)
	fast := bus.Device("card", Config{Frequency: 12_000_000, Mode: Mode0})
	slow := bus.Device("ctrl", Config{Frequency: 250_000, Mode: Mode3})

	require.NoError(t, fast.WithSession(func(s *Session) error {
		assert.Equal(t, fast.Config(), ctrl.Config())
		return s.Write([]byte{1, 2, 3})
	}))
	require.NoError(t, slow.WithSession(func(s *Session) error {
		assert.Equal(t, slow.Config(), ctrl.Config())
		return s.Write([]byte{4})
	}))
	require.NoError(t, fast.WithConfig(Config{Frequency: 400_000}).WithSession(func(s *Session) error {
		return nil
	}))

	assert.Equal(t, []Config{
		{Frequency: 12_000_000, Mode: Mode0},
		{Frequency: 250_000, Mode: Mode3},
		{Frequency: 400_000, Mode: Mode0},
	}, ctrl.Configs())
}

func TestWithSessionReleasesOnError(t *testing.T) {
	bus := New(NewSimController(), nil)
	dev := bus.Device("card", Config{Frequency: 1_000_000})

	boom := errors.New("boom")
	err := dev.WithSession(func(s *Session) error {
		assert.True(t, bus.Busy())
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, bus.Busy())
}

func TestWithSessionReleasesOnPanic(t *testing.T) {
	bus := New(NewSimController(), nil)
	dev := bus.Device("card", Config{Frequency: 1_000_000})

	require.Panics(t, func() {
		_ = dev.WithSession(func(s *Session) error {
			panic("boom")
		})
	})
	assert.False(t, bus.Busy())

	// The next caller is not wedged.
	require.NoError(t, dev.WithSession(func(s *Session) error { return nil }))
}

func TestConfigureFailureLeavesBusFree(t *testing.T) {
	ctrl := NewSimController()
	bus := New(ctrl, nil)
	dev := bus.Device("card", Config{Frequency: 1_000_000})

	clockErr := errors.New("clock set failed")
	ctrl.FailConfigure(clockErr)

	called := false
	err := dev.WithSession(func(s *Session) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, clockErr)
	var busErr *BusError
	require.ErrorAs(t, err, &busErr)
	assert.Equal(t, "card", busErr.Device)
	assert.Equal(t, "configure", busErr.Op)
	assert.False(t, called)
	assert.False(t, bus.Busy())

	ctrl.FailConfigure(nil)
	require.NoError(t, dev.WithSession(func(s *Session) error { return nil }))
}

func TestInvalidConfigIsRejected(t *testing.T) {
	bus := New(NewSimController(), nil)
	for _, cfg := range []Config{
		{Frequency: 0},
		{Frequency: 1000, Mode: Mode(4)},
	} {
		_, err := bus.Device("x", cfg).Acquire()
		var busErr *BusError
		assert.ErrorAs(t, err, &busErr, "config %v", cfg)
		assert.False(t, bus.Busy())
	}
}

func TestReleasedSessionRejectsTransfers(t *testing.T) {
	bus := New(NewSimController(), nil)
	dev := bus.Device("card", Config{Frequency: 1_000_000})

	var leaked *Session
	require.NoError(t, dev.WithSession(func(s *Session) error {
		leaked = s
		return nil
	}))

	assert.ErrorIs(t, leaked.Write([]byte{0}), ErrSessionReleased)
	_, err := leaked.Transfer(0)
	assert.ErrorIs(t, err, ErrSessionReleased)

	// Double release must not unlock someone else's session.
	s, err := dev.Acquire()
	require.NoError(t, err)
	leaked.Release()
	assert.True(t, bus.Busy())
	s.Release()
	s.Release()
	assert.False(t, bus.Busy())
}

func TestSessionTxLengthMismatch(t *testing.T) {
	bus := New(NewSimController(), nil)
	err := bus.Device("card", Config{Frequency: 1}).WithSession(func(s *Session) error {
		return s.Tx(make([]byte, 2), make([]byte, 3))
	})
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestSessionReadFill(t *testing.T) {
	cs := NewSimPin()
	ctrl := NewSimController(NewLoopbackTarget(cs))
	ctrl.Trace(true)
	bus := New(ctrl, nil)

	r := make([]byte, 3)
	require.NoError(t, bus.Device("loop", Config{Frequency: 1}).WithSession(func(s *Session) error {
		if err := cs.Low(); err != nil {
			return err
		}
		defer cs.High()
		return s.Read(r, 0x5a)
	}))
	assert.Equal(t, []byte{0xff, 0x5a, 0x5a}, r)
	assert.Equal(t, []byte{0x5a, 0x5a, 0x5a}, ctrl.Written())
}

func TestBusyFollowsTheHolder(t *testing.T) {
	bus := New(NewSimController(), nil)
	a := bus.Device("a", Config{Frequency: 1_000_000})
	b := bus.Device("b", Config{Frequency: 1_000_000})

	s, err := a.Acquire()
	require.NoError(t, err)
	assert.True(t, bus.Busy())

	acquired := make(chan *Session)
	go func() {
		s, err := b.Acquire()
		assert.NoError(t, err)
		acquired <- s
	}()

	// hand over to the waiting device
	s.Release()
	next := <-acquired
	assert.True(t, bus.Busy())
	assert.Same(t, b, next.Device())
	next.Release()
	assert.False(t, bus.Busy())
}
