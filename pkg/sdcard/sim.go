package sdcard

import (
	"encoding/binary"
	"sync"

	"github.com/swaggy-yolo-united/sampler/pkg/fatfs"
	"github.com/swaggy-yolo-united/sampler/pkg/spibus"
)

// SimFaults selects misbehaviour of a Simulator.
type SimFaults struct {
	Silent        bool // never drives the data line
	RejectVoltage bool // CMD8 echoes no supported voltage
	CorruptReads  bool // read blocks carry a wrong CRC
	CorruptCSD    bool // the CSD block carries a wrong CRC
	NoDataToken   bool // accepts block reads but never starts the block
	StuckIdle     bool // ACMD41 never leaves idle state
	IdlePolls     int  // ACMD41 answers idle this many times first
}

const (
	writeIdle = iota
	writeToken
	writeData
)

// Simulator is an SD card in SPI mode backed by a block device. Attach it to
// a spibus.SimController next to other targets.
type Simulator struct {
	mu     sync.Mutex
	cs     *spibus.SimPin
	store  fatfs.BlockDevice
	typ    CardType
	faults SimFaults

	seen   uint64
	out    []byte
	frame  []byte
	app    bool
	idle   bool
	opCond int

	writeState  int
	writeSector uint64
	wbuf        []byte

	commands []byte
	reads    int
	writes   int
}

var _ spibus.SimTarget = (*Simulator)(nil)

// NewSimulator returns a card of type typ whose blocks live in store.
func NewSimulator(cs *spibus.SimPin, store fatfs.BlockDevice, typ CardType) *Simulator {
	return &Simulator{cs: cs, store: store, typ: typ, idle: true}
}

func (s *Simulator) SetFaults(f SimFaults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

// Commands returns the command indexes received so far, ACMD41 as 41.
func (s *Simulator) Commands() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.commands...)
}

// ResetCommands clears the command log.
func (s *Simulator) ResetCommands() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = nil
}

// Reads and Writes count completed single block transfers.
func (s *Simulator) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *Simulator) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Simulator) Selected() bool {
	return s.cs.IsLow()
}

func (s *Simulator) Exchange(in byte) byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if falls := s.cs.Falls(); falls != s.seen {
		s.seen = falls
		s.out = s.out[:0]
		s.frame = s.frame[:0]
		s.writeState = writeIdle
	}
	if s.faults.Silent {
		return 0xff
	}

	out := byte(0xff)
	if len(s.out) > 0 {
		out = s.out[0]
		s.out = s.out[1:]
	}
	s.consume(in)
	return out
}

func (s *Simulator) consume(in byte) {
	switch s.writeState {
	case writeToken:
		if in == tokenStartBlock {
			s.writeState = writeData
			s.wbuf = s.wbuf[:0]
		}
		return
	case writeData:
		s.wbuf = append(s.wbuf, in)
		if len(s.wbuf) == BlockSize+2 {
			s.writeState = writeIdle
			s.finishWrite()
		}
		return
	}

	if len(s.frame) == 0 && in&0xc0 != 0x40 {
		return
	}
	s.frame = append(s.frame, in)
	if len(s.frame) == 6 {
		s.command(s.frame)
		s.frame = s.frame[:0]
	}
}

func (s *Simulator) respond(b ...byte) {
	s.out = append(s.out, 0xff)
	s.out = append(s.out, b...)
}

func (s *Simulator) queueBlock(data []byte, corrupt bool) {
	if s.faults.NoDataToken {
		return
	}
	crc := crc16(data)
	if corrupt {
		crc = ^crc
	}
	s.out = append(s.out, 0xff, tokenStartBlock)
	s.out = append(s.out, data...)
	s.out = binary.BigEndian.AppendUint16(s.out, crc)
}

func (s *Simulator) command(frame []byte) {
	cmd := frame[0] & 0x3f
	arg := binary.BigEndian.Uint32(frame[1:5])
	s.commands = append(s.commands, cmd)
	app := s.app
	s.app = false

	var status byte
	if s.idle {
		status = r1Idle
	}
	if crc7(frame[:5]) != frame[5] {
		s.respond(status | r1CRCError)
		return
	}

	switch {
	case cmd == cmdGoIdleState:
		s.idle = true
		s.opCond = 0
		s.respond(r1Idle)

	case cmd == cmdSendIfCond:
		if s.typ == CardSDv1 {
			s.respond(status | r1IllegalCmd)
			return
		}
		voltage := byte(arg>>8) & 0x0f
		if s.faults.RejectVoltage {
			voltage = 0
		}
		s.respond(status, 0x00, 0x00, voltage, byte(arg))

	case cmd == cmdAppCmd:
		s.app = true
		s.respond(status)

	case app && cmd == acmdSendOpCond:
		s.opCond++
		if s.faults.StuckIdle || s.opCond <= s.faults.IdlePolls ||
			(s.typ == CardSDHC && arg&hcsBit == 0) {
			s.respond(r1Idle)
			return
		}
		s.idle = false
		s.respond(0)

	case cmd == cmdReadOCR:
		ocr := byte(0x80) // power up done
		if s.typ == CardSDHC {
			ocr |= ocrCCS
		}
		s.respond(status, ocr, 0xff, 0x80, 0x00)

	case s.idle:
		s.respond(status | r1IllegalCmd)

	case cmd == cmdSetBlockLen:
		if arg != BlockSize {
			s.respond(r1ParamError)
			return
		}
		s.respond(0)

	case cmd == cmdSendCSD:
		s.respond(0)
		s.queueBlock(s.csd(), s.faults.CorruptCSD)

	case cmd == cmdReadSingleBlock:
		sector, ok := s.sector(arg)
		if !ok {
			s.respond(r1AddressError)
			return
		}
		s.respond(0)
		buf := make([]byte, BlockSize)
		if err := s.store.ReadSectors(sector, 1, buf); err != nil {
			s.out = append(s.out, 0xff, 0x01) // error token
			return
		}
		s.reads++
		s.queueBlock(buf, s.faults.CorruptReads)

	case cmd == cmdWriteBlock:
		sector, ok := s.sector(arg)
		if !ok {
			s.respond(r1AddressError)
			return
		}
		s.respond(0)
		s.writeState = writeToken
		s.writeSector = sector

	case cmd == cmdSendStatus:
		s.respond(0, 0)

	default:
		s.respond(status | r1IllegalCmd)
	}
}

func (s *Simulator) finishWrite() {
	data := s.wbuf[:BlockSize]
	if binary.BigEndian.Uint16(s.wbuf[BlockSize:]) != crc16(data) {
		s.out = append(s.out, 0x0b)
		return
	}
	if err := s.store.WriteSectors(s.writeSector, 1, data); err != nil {
		s.out = append(s.out, 0x0d)
		return
	}
	s.writes++
	s.out = append(s.out, 0xe5, 0x00, 0x00, 0x00)
}

func (s *Simulator) sector(arg uint32) (uint64, bool) {
	sector := uint64(arg)
	if s.typ != CardSDHC {
		if arg%BlockSize != 0 {
			return 0, false
		}
		sector = uint64(arg / BlockSize)
	}
	return sector, sector < s.store.GetSectorCount()
}

// csd builds the CSD register. The capacity it encodes is the store size
// rounded up to the register's granularity.
func (s *Simulator) csd() []byte {
	csd := make([]byte, 16)
	sectors := s.store.GetSectorCount()
	if s.typ == CardSDHC {
		cSize := (sectors+1023)/1024 - 1
		csd[0] = 0x40
		csd[1] = 0x0e
		csd[3] = 0x32
		csd[4] = 0x5b
		csd[5] = 0x59
		csd[7] = byte(cSize>>16) & 0x3f
		csd[8] = byte(cSize >> 8)
		csd[9] = byte(cSize)
		csd[10] = 0x7f
		csd[11] = 0x80
		csd[12] = 0x0a
		csd[13] = 0x40
	} else {
		// READ_BL_LEN 9, C_SIZE_MULT 7: 512 sectors per C_SIZE unit
		cSize := (sectors+511)/512 - 1
		if cSize > 0xfff {
			cSize = 0xfff
		}
		csd[1] = 0x26
		csd[3] = 0x32
		csd[4] = 0x5f
		csd[5] = 0x59
		csd[6] = byte(cSize>>10) & 0x03
		csd[7] = byte(cSize >> 2)
		csd[8] = byte(cSize&0x03) << 6
		csd[9] = 0x03
		csd[10] = 0x80
		csd[13] = 0x40
	}
	csd[15] = crc7(csd[:15])
	return csd
}
