package spibus

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionReleased is returned by operations on a session after its
	// release.
	ErrSessionReleased = errors.New("spibus: session released")

	// ErrLengthMismatch is returned by Tx when both buffers are set and
	// differ in length.
	ErrLengthMismatch = errors.New("spibus: tx and rx length mismatch")
)

// BusError is a fault reported by the physical controller.
type BusError struct {
	Device string
	Op     string
	Err    error
}

func (err *BusError) Error() string {
	return fmt.Sprintf("spibus: %s: %s: %v", err.Device, err.Op, err.Err)
}

func (err *BusError) Unwrap() error {
	return err.Err
}
