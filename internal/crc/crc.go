package crc

// CRC16 is the CRC-16-CCITT used by block transfers:
// polynomial x^16 + x^12 + x^5 + 1 (0x1021), initial value 0, no reflection.
type CRC16 uint16

var ccittTable [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		value := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if value&0x8000 != 0 {
				value = value<<1 ^ 0x1021
			} else {
				value <<= 1
			}
		}
		ccittTable[i] = value
	}
}

// Update crc with a single byte
func (crc *CRC16) Single(chr byte) {
	tmp := byte(*crc>>8) ^ chr
	*crc = CRC16(uint16(*crc)<<8 ^ ccittTable[tmp])
}

// Update crc with a block of bytes
func (crc *CRC16) Block(block []byte) {
	for _, chr := range block {
		crc.Single(chr)
	}
}
