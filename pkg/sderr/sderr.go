// Package sderr folds the faults of the bus, card and filesystem layers into
// a single error type callers can switch on.
package sderr

import (
	"errors"
	"fmt"

	"github.com/swaggy-yolo-united/sampler/pkg/fatfs"
	"github.com/swaggy-yolo-united/sampler/pkg/sdcard"
	"github.com/swaggy-yolo-united/sampler/pkg/spibus"
)

// Layer is where a fault originated.
type Layer uint8

const (
	LayerUnknown Layer = iota
	LayerBus
	LayerDevice
	LayerVolume
	LayerFile
	LayerHandle
)

func (l Layer) String() string {
	switch l {
	case LayerBus:
		return "bus"
	case LayerDevice:
		return "device"
	case LayerVolume:
		return "volume"
	case LayerFile:
		return "file"
	case LayerHandle:
		return "handle"
	default:
		return "unknown"
	}
}

type Kind uint8

const (
	KindUnknown Kind = iota
	KindBusFault
	KindCardInit
	KindTimeout
	KindCrcMismatch
	KindNotReady
	KindRejected
	KindOutOfRange
	KindNoPartition
	KindUnsupportedFormat
	KindNotFound
	KindNotAFile
	KindIO
	KindUsage
)

var kindNames = [...]string{
	KindUnknown:           "unknown",
	KindBusFault:          "bus fault",
	KindCardInit:          "card init",
	KindTimeout:           "timeout",
	KindCrcMismatch:       "crc mismatch",
	KindNotReady:          "not ready",
	KindRejected:          "rejected",
	KindOutOfRange:        "out of range",
	KindNoPartition:       "no partition",
	KindUnsupportedFormat: "unsupported format",
	KindNotFound:          "not found",
	KindNotAFile:          "not a file",
	KindIO:                "i/o",
	KindUsage:             "usage",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Error is a classified fault. Err is the original error chain.
type Error struct {
	Layer Layer
	Kind  Kind
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s: %v", e.Layer, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Layer, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// handle misuse, reported as KindUsage
var usage = []error{
	fatfs.ErrBadHandle,
	fatfs.ErrOpenChildren,
	fatfs.ErrVolumeAlreadyOpen,
	fatfs.ErrFileAlreadyOpen,
	fatfs.ErrTooManyOpen,
	fatfs.ErrInvalidParameter,
	fatfs.ErrReadOnly,
	fatfs.ErrNotImplemented,
	spibus.ErrSessionReleased,
	spibus.ErrLengthMismatch,
	sdcard.ErrBufferSize,
}

// Wrap classifies err. The lowest layer found in the chain decides: card
// initialization, then sector I/O, then the bus, then volume and file
// errors, then handle misuse. A nil err stays nil and an *Error is returned
// unchanged.
//
// A bus fault outranks the card error that carries it: a *sdcard.CardInitError
// with ReasonBusFault is LayerBus/KindBusFault, not KindCardInit, and so is a
// *sdcard.DeviceError of KindBusFault. errors.As still finds the card error
// in the chain.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	layer, kind := classify(err)
	return &Error{Layer: layer, Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind err would be classified as, KindUnknown for nil.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	_, kind := classify(err)
	return kind
}

func classify(err error) (Layer, Kind) {
	var (
		initErr *sdcard.CardInitError
		devErr  *sdcard.DeviceError
		busErr  *spibus.BusError
		volErr  *fatfs.VolumeError
		fileErr *fatfs.FileError
	)
	switch {
	case errors.As(err, &initErr):
		if initErr.Reason == sdcard.ReasonBusFault {
			return LayerBus, KindBusFault
		}
		return LayerDevice, KindCardInit
	case errors.As(err, &devErr):
		if devErr.Kind == sdcard.KindBusFault {
			return LayerBus, KindBusFault
		}
		return LayerDevice, deviceKind(devErr.Kind)
	case errors.As(err, &busErr):
		return LayerBus, KindBusFault
	case errors.As(err, &volErr):
		switch volErr.Kind {
		case fatfs.VolumeNoPartition:
			return LayerVolume, KindNoPartition
		case fatfs.VolumeUnsupportedFormat:
			return LayerVolume, KindUnsupportedFormat
		default:
			return LayerVolume, KindIO
		}
	case errors.As(err, &fileErr):
		switch fileErr.Kind {
		case fatfs.FileNotFound:
			return LayerFile, KindNotFound
		case fatfs.FileNotAFile:
			return LayerFile, KindNotAFile
		default:
			return LayerFile, KindIO
		}
	}
	for _, target := range usage {
		if errors.Is(err, target) {
			return LayerHandle, KindUsage
		}
	}
	return LayerUnknown, KindUnknown
}

func deviceKind(k sdcard.ErrorKind) Kind {
	switch k {
	case sdcard.KindTimeout:
		return KindTimeout
	case sdcard.KindCrcMismatch:
		return KindCrcMismatch
	case sdcard.KindNotReady:
		return KindNotReady
	case sdcard.KindBusFault:
		return KindBusFault
	case sdcard.KindRejected:
		return KindRejected
	case sdcard.KindOutOfRange:
		return KindOutOfRange
	default:
		return KindUnknown
	}
}
