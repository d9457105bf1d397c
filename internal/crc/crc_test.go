package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCcittSingle(t *testing.T) {
	crc := CRC16(0)
	crc.Single(10)
	assert.EqualValues(t, 0xA14A, crc)
}

func TestCcittBlock(t *testing.T) {
	crc := CRC16(0)
	crc.Block([]byte("123456789"))
	assert.EqualValues(t, 0x31C3, crc)

	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}
	// Updating in chunks gives the same result as the whole block
	chunked := CRC16(0)
	chunked.Block(data[:7])
	chunked.Block(data[7:14])
	chunked.Block(data[14:])
	whole := CRC16(0)
	whole.Block(data)
	assert.Equal(t, whole, chunked)
	assert.EqualValues(t, 0xACCC, whole)
}
