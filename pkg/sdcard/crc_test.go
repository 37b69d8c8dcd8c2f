package sdcard

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC7(t *testing.T) {
	tests := []struct {
		frame []byte
		want  byte
	}{
		{[]byte{0x40, 0, 0, 0, 0}, 0x95},       // CMD0
		{[]byte{0x48, 0, 0, 0x01, 0xaa}, 0x87}, // CMD8
		{[]byte{0x51, 0, 0, 0, 0}, 0x55},       // CMD17
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, crc7(tt.frame), "frame % x", tt.frame)
	}
}

func TestCRC16(t *testing.T) {
	assert.Equal(t, uint16(0x31c3), crc16([]byte("123456789")))
	assert.Equal(t, uint16(0), crc16(make([]byte, BlockSize)))
	assert.Equal(t, uint16(0x7fa1), crc16(bytes.Repeat([]byte{0xff}, BlockSize)))
}

func TestCSDSectors(t *testing.T) {
	for _, tt := range []struct {
		typ     CardType
		sectors uint64
		want    uint64
	}{
		{CardSDHC, 1024, 1024},
		{CardSDHC, 1025, 2048},
		{CardSDHC, 15_523_840, 15_523_840},
		{CardSDv2, 2048, 2048},
		{CardSDv1, 700, 1024},
	} {
		sim := NewSimulator(nil, &sizedStore{sectors: tt.sectors}, tt.typ)
		got, err := csdSectors(sim.csd())
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s with %d sectors", tt.typ, tt.sectors)
	}

	_, err := csdSectors(append([]byte{0x80}, make([]byte, 15)...))
	assert.ErrorIs(t, err, errCapacity)
}

// sizedStore only reports a capacity.
type sizedStore struct {
	sectors uint64
}

func (s *sizedStore) ReadSectors(uint64, uint32, []byte) error  { return nil }
func (s *sizedStore) WriteSectors(uint64, uint32, []byte) error { return nil }
func (s *sizedStore) GetSectorSize() uint64                     { return BlockSize }
func (s *sizedStore) GetSectorCount() uint64                    { return s.sectors }
func (s *sizedStore) Initialize() error                         { return nil }
func (s *sizedStore) Status() error                             { return nil }
