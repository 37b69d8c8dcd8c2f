package spibus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimControllerRoutesToSelectedTarget(t *testing.T) {
	csA, csB := NewSimPin(), NewSimPin()
	ctrl := NewSimController(NewLoopbackTarget(csA), NewLoopbackTarget(csB))

	r := make([]byte, 3)
	require.NoError(t, ctrl.Tx([]byte{1, 2, 3}, r))
	assert.Equal(t, []byte{0xff, 0xff, 0xff}, r, "nothing selected reads idle high")

	require.NoError(t, csA.Low())
	require.NoError(t, ctrl.Tx([]byte{1, 2, 3}, r))
	assert.Equal(t, []byte{0xff, 1, 2}, r)
	require.NoError(t, csA.High())

	require.NoError(t, csB.Low())
	require.NoError(t, ctrl.Tx([]byte{7, 8}, r[:2]))
	assert.Equal(t, []byte{0xff, 7}, r[:2], "a new selection starts from idle")
	require.NoError(t, csB.High())
}

func TestSimControllerDetectsContention(t *testing.T) {
	csA, csB := NewSimPin(), NewSimPin()
	ctrl := NewSimController(NewLoopbackTarget(csA), NewLoopbackTarget(csB))

	require.NoError(t, csA.Low())
	require.NoError(t, csB.Low())
	assert.ErrorIs(t, ctrl.Tx([]byte{0}, nil), ErrContention)
	assert.Equal(t, 1, ctrl.Contentions())
}

func TestSimPinFailure(t *testing.T) {
	pin := NewSimPin()
	gpioErr := errors.New("gpio")
	pin.Fail(gpioErr)
	assert.ErrorIs(t, pin.Low(), gpioErr)
	assert.False(t, pin.IsLow())

	pin.Fail(nil)
	require.NoError(t, pin.Low())
	require.NoError(t, pin.Low())
	assert.True(t, pin.IsLow())
	assert.EqualValues(t, 1, pin.Falls())
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "mode3", Mode3.String())
	assert.Equal(t, "Mode(9)", Mode(9).String())
	assert.Equal(t, "250000Hz/mode3", Config{Frequency: 250_000, Mode: Mode3}.String())
}
