// Package sdcard drives an SD card in SPI mode as a sector block device on a
// shared spibus.Bus.
package sdcard

import (
	"encoding/binary"
	"fmt"
	"time"

	log "github.com/fclairamb/go-log"
	"github.com/fclairamb/go-log/noop"

	"github.com/swaggy-yolo-united/sampler/pkg/fatfs"
	"github.com/swaggy-yolo-united/sampler/pkg/spibus"
)

const BlockSize = 512

// DefaultInitFrequency is the clock used until the card leaves idle state.
const DefaultInitFrequency = 400_000

// Protocol bounds. Polls count bytes clocked while waiting.
const (
	dummyClockBytes = 10 // 80 clocks with CS high
	resetAttempts   = 32
	ncrPolls        = 8
	opCondAttempts  = 1000
	opCondDelayUS   = 1000
	tokenPolls      = 20000
	busyPolls       = 50000
)

// Commands.
const (
	cmdGoIdleState     = 0
	cmdSendIfCond      = 8
	cmdSendCSD         = 9
	cmdSendStatus      = 13
	cmdSetBlockLen     = 16
	cmdReadSingleBlock = 17
	cmdWriteBlock      = 24
	cmdAppCmd          = 55
	cmdReadOCR         = 58
	acmdSendOpCond     = 41
)

const (
	tokenStartBlock = 0xfe
	ifCondArg       = 0x1aa
	hcsBit          = 1 << 30
	ocrCCS          = 0x40 // in the first OCR byte
)

// Delayer waits; it only needs to be monotonic.
type Delayer interface {
	DelayMicroseconds(us uint32)
}

// SleepDelay is a Delayer on top of time.Sleep.
type SleepDelay struct{}

func (SleepDelay) DelayMicroseconds(us uint32) {
	time.Sleep(time.Duration(us) * time.Microsecond)
}

type CardType uint8

const (
	CardUnknown CardType = iota
	CardSDv1             // standard capacity, version 1
	CardSDv2             // standard capacity, version 2
	CardSDHC             // high or extended capacity, block addressed
)

func (t CardType) String() string {
	switch t {
	case CardSDv1:
		return "SDv1"
	case CardSDv2:
		return "SDv2"
	case CardSDHC:
		return "SDHC"
	default:
		return "unknown"
	}
}

type Options struct {
	// InitFrequency is the clock while initializing, DefaultInitFrequency
	// when zero.
	InitFrequency uint32
	Logger        log.Logger
}

// Card is an initialized SD card. Every sector operation runs in its own bus
// session with the chip-select asserted for exactly that session. A Card is
// not safe for concurrent use.
type Card struct {
	dev     *spibus.Device
	initDev *spibus.Device
	cs      spibus.Pin
	delay   Delayer
	logger  log.Logger

	typ     CardType
	sectors uint64
	csd     [16]byte
}

var _ fatfs.BlockDevice = (*Card)(nil)

// Open initializes the card behind cs. dev carries the clock and mode used
// for data transfer.
func Open(dev *spibus.Device, cs spibus.Pin, delay Delayer, opts *Options) (*Card, error) {
	if opts == nil {
		opts = &Options{}
	}
	freq := opts.InitFrequency
	if freq == 0 {
		freq = DefaultInitFrequency
	}
	logger := opts.Logger
	if logger == nil {
		logger = noop.NewNoOpLogger()
	}
	c := &Card{
		dev:     dev,
		initDev: dev.WithConfig(spibus.Config{Frequency: freq, Mode: dev.Config().Mode}),
		cs:      cs,
		delay:   delay,
		logger:  logger.With("device", dev.Name()),
	}
	if err := c.Initialize(); err != nil {
		return nil, err
	}
	return c, nil
}

// Initialize runs the SPI mode initialization sequence, e.g. again after the
// card was swapped.
func (c *Card) Initialize() error {
	c.typ = CardUnknown
	err := c.initDev.WithSession(c.initialize)
	if err != nil {
		if _, ok := err.(*CardInitError); !ok {
			// the session itself could not be acquired
			err = initError(StageReset, err)
		}
		c.logger.Warn("Card initialization failed", "err", err)
		return err
	}
	c.logger.Info("Card initialized", "type", c.typ.String(), "sectors", c.sectors)
	return nil
}

func (c *Card) initialize(s *spibus.Session) error {
	if err := c.deselect(); err != nil {
		return initError(StageReset, err)
	}
	if err := s.Read(make([]byte, dummyClockBytes), 0xff); err != nil {
		return initError(StageReset, err)
	}
	return c.selected(s, func() error {
		if err := c.reset(s); err != nil {
			return initError(StageReset, err)
		}

		typ, err := c.interfaceCondition(s)
		if err != nil {
			return initError(StageInterfaceCondition, err)
		}

		arg := uint32(0)
		if typ == CardSDv2 {
			arg = hcsBit
		}
		if err := c.operatingCondition(s, arg); err != nil {
			return initError(StageOperatingCondition, err)
		}

		if typ == CardSDv2 {
			ocr, err := c.readOCR(s)
			if err != nil {
				return initError(StageReadOCR, err)
			}
			if ocr[0]&ocrCCS != 0 {
				typ = CardSDHC
			}
		}

		if typ != CardSDHC {
			if r, err := c.command(s, cmdSetBlockLen, BlockSize); err != nil {
				return initError(StageBlockLength, err)
			} else if r != 0 {
				return initError(StageBlockLength, r1Error(r))
			}
		}

		if err := c.readCSD(s); err != nil {
			return initError(StageReadCSD, err)
		}
		c.typ = typ
		return nil
	})
}

func (c *Card) reset(s *spibus.Session) error {
	var last error = errNoResponse
	for i := 0; i < resetAttempts; i++ {
		r, err := c.command(s, cmdGoIdleState, 0)
		switch {
		case err == nil && r == r1Idle:
			return nil
		case err == nil:
			last = r1Error(r)
		case err != errNoResponse:
			return err
		}
		c.delay.DelayMicroseconds(opCondDelayUS)
	}
	return last
}

// interfaceCondition tells version 1 cards, which reject CMD8, from version
// 2 cards.
func (c *Card) interfaceCondition(s *spibus.Session) (CardType, error) {
	r, err := c.command(s, cmdSendIfCond, ifCondArg)
	if err != nil {
		return CardUnknown, err
	}
	if r&r1IllegalCmd != 0 {
		return CardSDv1, nil
	}
	if r&^r1Idle != 0 {
		return CardUnknown, r1Error(r)
	}
	var r7 [4]byte
	if err := s.Read(r7[:], 0xff); err != nil {
		return CardUnknown, err
	}
	if r7[3] != ifCondArg&0xff {
		return CardUnknown, errPattern
	}
	if r7[2]&0x0f != ifCondArg>>8 {
		return CardUnknown, errVoltage
	}
	return CardSDv2, nil
}

func (c *Card) operatingCondition(s *spibus.Session, arg uint32) error {
	for i := 0; i < opCondAttempts; i++ {
		r, err := c.appCommand(s, acmdSendOpCond, arg)
		if err != nil {
			return err
		}
		switch {
		case r == 0:
			return nil
		case r != r1Idle:
			return r1Error(r)
		}
		c.delay.DelayMicroseconds(opCondDelayUS)
	}
	return errTimeout
}

func (c *Card) readOCR(s *spibus.Session) ([4]byte, error) {
	var ocr [4]byte
	r, err := c.command(s, cmdReadOCR, 0)
	if err != nil {
		return ocr, err
	}
	if r != 0 {
		return ocr, r1Error(r)
	}
	err = s.Read(ocr[:], 0xff)
	return ocr, err
}

func (c *Card) readCSD(s *spibus.Session) error {
	r, err := c.command(s, cmdSendCSD, 0)
	if err != nil {
		return err
	}
	if r != 0 {
		return r1Error(r)
	}
	if err := c.readData(s, c.csd[:]); err != nil {
		return err
	}
	sectors, err := csdSectors(c.csd[:])
	if err != nil {
		return err
	}
	c.sectors = sectors
	return nil
}

// csdSectors decodes the capacity of the card from its CSD register.
func csdSectors(csd []byte) (uint64, error) {
	switch csd[0] >> 6 {
	case 0:
		readBlLen := uint(csd[5] & 0x0f)
		cSize := uint64(csd[6]&0x03)<<10 | uint64(csd[7])<<2 | uint64(csd[8])>>6
		cSizeMult := uint(csd[9]&0x03)<<1 | uint(csd[10])>>7
		return (cSize + 1) << (cSizeMult + 2 + readBlLen) / BlockSize, nil
	case 1:
		cSize := uint64(csd[7]&0x3f)<<16 | uint64(csd[8])<<8 | uint64(csd[9])
		return (cSize + 1) * 1024, nil
	default:
		return 0, errCapacity
	}
}

func (c *Card) deselect() error {
	if err := c.cs.High(); err != nil {
		return &spibus.BusError{Device: c.dev.Name(), Op: "deselect", Err: err}
	}
	return nil
}

// selected runs fn with the chip-select asserted and always deasserts it,
// followed by one more byte so the card releases the data line.
func (c *Card) selected(s *spibus.Session, fn func() error) (err error) {
	if err := c.cs.Low(); err != nil {
		return &spibus.BusError{Device: c.dev.Name(), Op: "select", Err: err}
	}
	defer func() {
		highErr := c.deselect()
		if err == nil {
			err = highErr
		}
		if highErr == nil {
			_ = s.Write([]byte{0xff})
		}
	}()
	return fn()
}

func (c *Card) waitReady(s *spibus.Session) error {
	for i := 0; i < busyPolls; i++ {
		b, err := s.Transfer(0xff)
		if err != nil {
			return err
		}
		if b == 0xff {
			return nil
		}
	}
	return errTimeout
}

// command sends a command frame and returns the R1 response.
func (c *Card) command(s *spibus.Session, cmd byte, arg uint32) (byte, error) {
	if cmd != cmdGoIdleState {
		if err := c.waitReady(s); err != nil {
			return 0, err
		}
	}
	var frame [6]byte
	frame[0] = 0x40 | cmd
	binary.BigEndian.PutUint32(frame[1:], arg)
	frame[5] = crc7(frame[:5])
	if err := s.Write(frame[:]); err != nil {
		return 0, err
	}
	for i := 0; i < ncrPolls; i++ {
		r, err := s.Transfer(0xff)
		if err != nil {
			return 0, err
		}
		if r&0x80 == 0 {
			return r, nil
		}
	}
	return 0, errNoResponse
}

func (c *Card) appCommand(s *spibus.Session, cmd byte, arg uint32) (byte, error) {
	r, err := c.command(s, cmdAppCmd, 0)
	if err != nil {
		return 0, err
	}
	if r&^r1Idle != 0 {
		return r, nil
	}
	return c.command(s, cmd, arg)
}

// readData waits for a data block and reads it into buf, checking its CRC.
func (c *Card) readData(s *spibus.Session, buf []byte) error {
	token := byte(0xff)
	for i := 0; i < tokenPolls && token == 0xff; i++ {
		var err error
		if token, err = s.Transfer(0xff); err != nil {
			return err
		}
	}
	switch {
	case token == 0xff:
		return errTimeout
	case token != tokenStartBlock:
		return tokenError(token)
	}
	if err := s.Read(buf, 0xff); err != nil {
		return err
	}
	var crc [2]byte
	if err := s.Read(crc[:], 0xff); err != nil {
		return err
	}
	if got, want := binary.BigEndian.Uint16(crc[:]), crc16(buf); got != want {
		return fmt.Errorf("%w: got %#04x, want %#04x", errCRC, got, want)
	}
	return nil
}

func (c *Card) address(sector uint64) uint32 {
	if c.typ == CardSDHC {
		return uint32(sector)
	}
	return uint32(sector * BlockSize)
}

func (c *Card) checkSector(op string, sector uint64, buf []byte) error {
	if c.typ == CardUnknown {
		return &DeviceError{Op: op, Sector: sector, Kind: KindNotReady, Err: ErrNotInitialized}
	}
	if len(buf) < BlockSize {
		return ErrBufferSize
	}
	if sector >= c.sectors {
		return &DeviceError{Op: op, Sector: sector, Kind: KindOutOfRange}
	}
	return nil
}

// ReadSector reads one block into buf.
func (c *Card) ReadSector(sector uint64, buf []byte) error {
	if err := c.checkSector("read", sector, buf); err != nil {
		return err
	}
	err := c.dev.WithSession(func(s *spibus.Session) error {
		return c.selected(s, func() error {
			r, err := c.command(s, cmdReadSingleBlock, c.address(sector))
			if err != nil {
				return err
			}
			if r != 0 {
				return r1Error(r)
			}
			return c.readData(s, buf[:BlockSize])
		})
	})
	if err != nil {
		err = deviceError("read", sector, err)
		c.logger.Debug("Sector read failed", "sector", sector, "err", err)
		return err
	}
	return nil
}

// WriteSector writes one block from data.
func (c *Card) WriteSector(sector uint64, data []byte) error {
	if err := c.checkSector("write", sector, data); err != nil {
		return err
	}
	err := c.dev.WithSession(func(s *spibus.Session) error {
		return c.selected(s, func() error {
			r, err := c.command(s, cmdWriteBlock, c.address(sector))
			if err != nil {
				return err
			}
			if r != 0 {
				return r1Error(r)
			}
			block := make([]byte, 0, BlockSize+4)
			block = append(block, 0xff, tokenStartBlock)
			block = append(block, data[:BlockSize]...)
			block = binary.BigEndian.AppendUint16(block, crc16(data[:BlockSize]))
			if err := s.Write(block); err != nil {
				return err
			}
			resp, err := s.Transfer(0xff)
			if err != nil {
				return err
			}
			switch resp & 0x1f {
			case 0x05:
			case 0x0b:
				return errCRC
			default:
				return fmt.Errorf("write rejected, data response %#02x", resp&0x1f)
			}
			return c.waitReady(s)
		})
	})
	if err != nil {
		err = deviceError("write", sector, err)
		c.logger.Debug("Sector write failed", "sector", sector, "err", err)
		return err
	}
	return nil
}

func (c *Card) ReadSectors(sector uint64, count uint32, buff []byte) error {
	if len(buff) < int(count)*BlockSize {
		return ErrBufferSize
	}
	for i := uint64(0); i < uint64(count); i++ {
		if err := c.ReadSector(sector+i, buff[i*BlockSize:]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Card) WriteSectors(sector uint64, count uint32, buff []byte) error {
	if len(buff) < int(count)*BlockSize {
		return ErrBufferSize
	}
	for i := uint64(0); i < uint64(count); i++ {
		if err := c.WriteSector(sector+i, buff[i*BlockSize:]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Card) GetSectorSize() uint64  { return BlockSize }
func (c *Card) GetSectorCount() uint64 { return c.sectors }

// NumBytes is the card capacity read from the CSD at initialization.
func (c *Card) NumBytes() uint64 { return c.sectors * BlockSize }

func (c *Card) Type() CardType { return c.typ }

// CSD returns the raw CSD register.
func (c *Card) CSD() [16]byte { return c.csd }

// Status asks the card for its status register (CMD13).
func (c *Card) Status() error {
	if c.typ == CardUnknown {
		return &DeviceError{Op: "status", Kind: KindNotReady, Err: ErrNotInitialized}
	}
	err := c.dev.WithSession(func(s *spibus.Session) error {
		return c.selected(s, func() error {
			r, err := c.command(s, cmdSendStatus, 0)
			if err != nil {
				return err
			}
			r2, err := s.Transfer(0xff)
			if err != nil {
				return err
			}
			switch {
			case r != 0:
				return r1Error(r)
			case r2 != 0:
				return fmt.Errorf("card status %#02x", r2)
			}
			return nil
		})
	})
	if err != nil {
		return deviceError("status", 0, err)
	}
	return nil
}
