package sdcard

// crc7 returns the CRC7 of a command frame or register, shifted left with the
// end bit set, ready to be sent as the last byte.
func crc7(data []byte) byte {
	var crc byte
	for _, d := range data {
		for i := 0; i < 8; i++ {
			crc <<= 1
			if (d^crc)&0x80 != 0 {
				crc ^= 0x09
			}
			d <<= 1
		}
	}
	return crc<<1 | 1
}

// crc16 is CRC-16/XMODEM (polynomial 0x1021, zero seed) as used for data
// blocks.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, d := range data {
		crc ^= uint16(d) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
