package sdcard

import (
	"errors"
	"fmt"

	"github.com/swaggy-yolo-united/sampler/pkg/spibus"
)

var (
	// ErrBufferSize is returned for sector buffers shorter than BlockSize.
	ErrBufferSize = errors.New("sdcard: buffer smaller than a block")

	ErrNotInitialized = errors.New("sdcard: card not initialized")
)

// protocol level failures, classified into kinds at the API boundary
var (
	errNoResponse = errors.New("no response")
	errTimeout    = errors.New("timed out")
	errCRC        = errors.New("crc mismatch")
	errPattern    = errors.New("check pattern mismatch")
	errVoltage    = errors.New("voltage range not accepted")
	errCapacity   = errors.New("unsupported CSD structure")
)

// R1 response bits.
const (
	r1Idle          = 0x01
	r1EraseReset    = 0x02
	r1IllegalCmd    = 0x04
	r1CRCError      = 0x08
	r1EraseSeqError = 0x10
	r1AddressError  = 0x20
	r1ParamError    = 0x40
)

// r1Error is a command answered with error bits set.
type r1Error byte

func (r r1Error) Error() string {
	return fmt.Sprintf("R1 %#02x", byte(r))
}

// tokenError is a data error token, or a rejected data response.
type tokenError byte

func (t tokenError) Error() string {
	return fmt.Sprintf("data token %#02x", byte(t))
}

type InitStage uint8

const (
	StageReset InitStage = iota + 1
	StageInterfaceCondition
	StageOperatingCondition
	StageReadOCR
	StageBlockLength
	StageReadCSD
)

func (s InitStage) String() string {
	switch s {
	case StageReset:
		return "reset (CMD0)"
	case StageInterfaceCondition:
		return "interface condition (CMD8)"
	case StageOperatingCondition:
		return "operating condition (ACMD41)"
	case StageReadOCR:
		return "read OCR (CMD58)"
	case StageBlockLength:
		return "set block length (CMD16)"
	case StageReadCSD:
		return "read CSD (CMD9)"
	default:
		return fmt.Sprintf("InitStage(%d)", uint8(s))
	}
}

type InitReason uint8

const (
	ReasonNoResponse InitReason = iota + 1
	ReasonCRCError
	ReasonUnsupportedVoltage
	ReasonTimeout
	ReasonBusFault
	ReasonUnsupportedCard
)

func (r InitReason) String() string {
	switch r {
	case ReasonNoResponse:
		return "no response"
	case ReasonCRCError:
		return "crc error"
	case ReasonUnsupportedVoltage:
		return "unsupported voltage range"
	case ReasonTimeout:
		return "timeout"
	case ReasonBusFault:
		return "bus fault"
	case ReasonUnsupportedCard:
		return "unsupported card"
	default:
		return fmt.Sprintf("InitReason(%d)", uint8(r))
	}
}

// CardInitError reports the stage at which card initialization failed.
type CardInitError struct {
	Stage  InitStage
	Reason InitReason
	Err    error
}

func (err *CardInitError) Error() string {
	if err.Err == nil {
		return fmt.Sprintf("sdcard: init: %s: %s", err.Stage, err.Reason)
	}
	return fmt.Sprintf("sdcard: init: %s: %s: %v", err.Stage, err.Reason, err.Err)
}

func (err *CardInitError) Unwrap() error {
	return err.Err
}

func initError(stage InitStage, err error) error {
	var reason InitReason
	var r1 r1Error
	var be *spibus.BusError
	switch {
	case errors.As(err, &be):
		reason = ReasonBusFault
	case errors.Is(err, errNoResponse):
		reason = ReasonNoResponse
	case errors.Is(err, errCRC):
		reason = ReasonCRCError
	case errors.As(err, &r1) && r1&r1CRCError != 0:
		reason = ReasonCRCError
	case errors.Is(err, errVoltage):
		reason = ReasonUnsupportedVoltage
	case errors.Is(err, errTimeout):
		reason = ReasonTimeout
	default:
		reason = ReasonUnsupportedCard
	}
	return &CardInitError{Stage: stage, Reason: reason, Err: err}
}

type ErrorKind uint8

const (
	KindTimeout ErrorKind = iota + 1
	KindCrcMismatch
	KindNotReady
	KindBusFault
	KindRejected
	KindOutOfRange
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindCrcMismatch:
		return "crc mismatch"
	case KindNotReady:
		return "not ready"
	case KindBusFault:
		return "bus fault"
	case KindRejected:
		return "rejected"
	case KindOutOfRange:
		return "out of range"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// DeviceError is a failed sector operation. No operation is retried.
type DeviceError struct {
	Op     string
	Sector uint64
	Kind   ErrorKind
	Err    error
}

func (err *DeviceError) Error() string {
	if err.Err == nil {
		return fmt.Sprintf("sdcard: %s sector %d: %s", err.Op, err.Sector, err.Kind)
	}
	return fmt.Sprintf("sdcard: %s sector %d: %s: %v", err.Op, err.Sector, err.Kind, err.Err)
}

func (err *DeviceError) Unwrap() error {
	return err.Err
}

func deviceError(op string, sector uint64, err error) error {
	var kind ErrorKind
	var r1 r1Error
	var token tokenError
	var be *spibus.BusError
	switch {
	case errors.As(err, &be):
		kind = KindBusFault
	case errors.Is(err, errNoResponse):
		kind = KindNotReady
	case errors.Is(err, errTimeout):
		kind = KindTimeout
	case errors.Is(err, errCRC):
		kind = KindCrcMismatch
	case errors.As(err, &r1):
		switch {
		case r1&r1CRCError != 0:
			kind = KindCrcMismatch
		case r1&(r1AddressError|r1ParamError) != 0:
			kind = KindOutOfRange
		case r1&r1Idle != 0:
			kind = KindNotReady
		default:
			kind = KindRejected
		}
	case errors.As(err, &token) && token&0x08 != 0:
		kind = KindOutOfRange
	default:
		kind = KindRejected
	}
	return &DeviceError{Op: op, Sector: sector, Kind: kind, Err: err}
}
