package sdo

import (
	"encoding/binary"

	"github.com/samsamfire/gocanopen-sdo/internal/crc"
)

// Client command specifiers (bits 5-7 of byte 0)
const (
	ccsDownloadSegment  uint8 = 0
	ccsDownloadInitiate uint8 = 1
	ccsUploadInitiate   uint8 = 2
	ccsUploadSegment    uint8 = 3
	ccsAbort            uint8 = 4
	ccsUploadBlock      uint8 = 5
	ccsDownloadBlock    uint8 = 6
)

// Server command specifiers (bits 5-7 of byte 0)
const (
	scsUploadSegment    uint8 = 0
	scsDownloadSegment  uint8 = 1
	scsUploadInitiate   uint8 = 2
	scsDownloadInitiate uint8 = 3
	scsAbort            uint8 = 4
	scsDownloadBlock    uint8 = 5
	scsUploadBlock      uint8 = 6
)

// Block sub commands (bits 0-1 of byte 0)
const (
	blockInitiate uint8 = 0
	blockEnd      uint8 = 1
	blockAck      uint8 = 2
	blockStart    uint8 = 3
)

const (
	segmentSize     = 7   // payload bytes of a segment
	expeditedSize   = 4   // max payload bytes of an expedited transfer
	blockSizeMax    = 127 // max segments per block
	cmdAbort        = 0x80
	flagLastSegment = 0x80 // in block segments
)

// Message is the payload of an SDO CAN frame
type Message [8]byte

// Command specifier, either client or server depending on direction
func (msg Message) Command() uint8 {
	return msg[0] >> 5
}

func (msg Message) IsAbort() bool {
	return msg[0] == cmdAbort
}

func (msg Message) AbortCode() AbortCode {
	return AbortCode(binary.LittleEndian.Uint32(msg[4:]))
}

func (msg Message) Index() uint16 {
	return binary.LittleEndian.Uint16(msg[1:3])
}

func (msg Message) SubIndex() uint8 {
	return msg[3]
}

// Toggle bit of segmented transfers, 0 or 1
func (msg Message) Toggle() uint8 {
	return (msg[0] >> 4) & 1
}

// Size indicated flag of initiate frames
func (msg Message) SizeIndicated() bool {
	return msg[0]&0x01 != 0
}

// Expedited flag of initiate frames
func (msg Message) Expedited() bool {
	return msg[0]&0x02 != 0
}

// Number of bytes inside of an expedited frame
func (msg Message) ExpeditedLength() uint32 {
	if !msg.SizeIndicated() {
		return expeditedSize
	}
	return expeditedSize - uint32((msg[0]>>2)&0x03)
}

// Size in bytes 4-7
func (msg Message) Size() uint32 {
	return binary.LittleEndian.Uint32(msg[4:])
}

// Number of bytes inside of a segment
func (msg Message) SegmentLength() uint32 {
	return segmentSize - uint32((msg[0]>>1)&0x07)
}

// No more segments flag of segmented transfers
func (msg Message) LastSegment() bool {
	return msg[0]&0x01 != 0
}

// Segment payload
func (msg Message) Data() []byte {
	return msg[1:]
}

// CRC support flag of block initiate frames
func (msg Message) CRCEnabled() bool {
	return msg[0]&0x04 != 0
}

// Size indicated flag of block initiate frames
func (msg Message) BlockSizeIndicated() bool {
	return msg[0]&0x02 != 0
}

// Block size of block initiate frames (byte 4)
func (msg Message) BlockSize() uint8 {
	return msg[4]
}

// Protocol switch threshold of block upload initiate request
func (msg Message) SwitchThreshold() uint8 {
	return msg[5]
}

// Sub command of block transfers
func (msg Message) BlockSubCommand() uint8 {
	return msg[0] & 0x03
}

// Sequence number of a block segment
func (msg Message) Sequence() uint8 {
	return msg[0] & 0x7F
}

// Last segment of the whole transfer
func (msg Message) LastBlockSegment() bool {
	return msg[0]&flagLastSegment != 0
}

// Last sequence number correctly received, from block acknowledge
func (msg Message) AckSequence() uint8 {
	return msg[1]
}

// Size of the next block, from block acknowledge
func (msg Message) NextBlockSize() uint8 {
	return msg[2]
}

// Number of bytes without data in the last segment, from block end
func (msg Message) NoData() uint32 {
	return uint32((msg[0] >> 2) & 0x07)
}

// CRC of block end frames
func (msg Message) CRC() crc.CRC16 {
	return crc.CRC16(binary.LittleEndian.Uint16(msg[1:3]))
}

func encodeAbort(index uint16, subIndex uint8, abortCode AbortCode) Message {
	msg := encodeInitiate(cmdAbort, index, subIndex)
	binary.LittleEndian.PutUint32(msg[4:], uint32(abortCode))
	return msg
}

// Frame with index and sub index in bytes 1-3
func encodeInitiate(cmd uint8, index uint16, subIndex uint8) Message {
	msg := Message{cmd}
	binary.LittleEndian.PutUint16(msg[1:3], index)
	msg[3] = subIndex
	return msg
}

// Initiate frame with data size indicated in bytes 4-7
func encodeInitiateSize(cmd uint8, index uint16, subIndex uint8, size uint32) Message {
	msg := encodeInitiate(cmd, index, subIndex)
	binary.LittleEndian.PutUint32(msg[4:], size)
	return msg
}

// Expedited initiate frame with up to 4 bytes of data
func encodeExpedited(scs uint8, index uint16, subIndex uint8, data []byte) Message {
	n := len(data)
	msg := encodeInitiate(scs<<5|uint8(expeditedSize-n)<<2|0x03, index, subIndex)
	copy(msg[4:], data)
	return msg
}

// Segment frame with up to 7 bytes of data
func encodeSegment(cs uint8, toggle uint8, data []byte, last bool) Message {
	n := len(data)
	msg := Message{cs<<5 | toggle<<4 | uint8(segmentSize-n)<<1}
	if last {
		msg[0] |= 0x01
	}
	copy(msg[1:], data)
	return msg
}

// Segment of a block
func encodeBlockSegment(sequence uint8, data []byte, last bool) Message {
	msg := Message{sequence}
	if last {
		msg[0] |= flagLastSegment
	}
	copy(msg[1:], data)
	return msg
}

// Block acknowledge, cs is the command specifier of the receiving side
func encodeBlockAck(cs uint8, ackSequence uint8, blockSize uint8) Message {
	return Message{cs<<5 | blockAck, ackSequence, blockSize}
}

// Block end frame with CRC
func encodeBlockEnd(cs uint8, noData uint8, crcValue crc.CRC16) Message {
	msg := Message{cs<<5 | noData<<2 | blockEnd}
	binary.LittleEndian.PutUint16(msg[1:3], uint16(crcValue))
	return msg
}
