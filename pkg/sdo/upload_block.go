package sdo

// Server side of block uploads

func (server *Server) txUploadBlockInitiate(rx Message) error {
	server.crcEnabled = rx.CRCEnabled()
	server.crc = 0
	if server.crcEnabled {
		server.crc.Block(server.buf.Bytes())
	}
	blockSize := rx.BlockSize()
	if rx.BlockSubCommand() != blockInitiate {
		return AbortCmd
	}
	if blockSize < 1 || blockSize > blockSizeMax {
		return AbortBlockSize
	}
	// Whole block must be available unless this is the end of data
	if uint32(blockSize)*segmentSize > uint32(server.buf.Unread()) && !server.stream.LastSegment {
		return AbortBlockSize
	}
	server.blockSize = blockSize
	server.sequence = 0
	server.endOfTransfer = false

	var response Message
	if total := server.stream.DataLengthTotal; total != 0 {
		response = encodeInitiateSize(scsUploadBlock<<5|0x06, server.index, server.subIndex, total)
	} else {
		response = encodeInitiate(scsUploadBlock<<5|0x04, server.index, server.subIndex)
	}
	server.logger.Debugf("[SERVER][TX] BLOCK UPLOAD INIT | x%x:x%x %v | crc %v, blksize %v",
		server.index, server.subIndex, response, server.crcEnabled, server.blockSize)
	server.setState(stateUploadBlockInitiate2)
	server.send(response)
	return nil
}

// Client confirms the initiate response, segments are sent right away
func (server *Server) rxUploadBlockInitiate2(rx Message) error {
	if rx[0]&0xE3 != ccsUploadBlock<<5|blockStart {
		return AbortCmd
	}
	server.sequence = 0
	server.endOfTransfer = false
	server.setState(stateUploadBlockSubblock)
	return nil
}

// Handle a block acknowledge if any, then send the next segment of the block.
// One segment is sent per call.
func (server *Server) txUploadBlockSubblock(rx Message, rxNew bool) error {
	if rxNew {
		err := server.rxUploadBlockAck(rx)
		server.rx.clear()
		if err != nil || server.state != stateUploadBlockSubblock {
			return err
		}
	}
	if server.sequence == server.blockSize || server.endOfTransfer {
		return nil
	}

	server.timer.reset()
	var segment [segmentSize]byte
	n := server.buf.Read(segment[:])
	server.sequence++
	last := server.buf.Unread() == 0 && server.stream.LastSegment
	if last {
		server.lastLength = uint8(n)
		server.blockSize = server.sequence
		server.endOfTransfer = true
	}
	response := encodeBlockSegment(server.sequence, segment[:n], last)
	server.logger.Debugf("[SERVER][TX] BLOCK UPLOAD SUB-BLOCK | x%x:x%x %v", server.index, server.subIndex, response)
	server.send(response)
	return nil
}

func (server *Server) rxUploadBlockAck(rx Message) error {
	if rx[0]&0xE3 != ccsUploadBlock<<5|blockAck {
		return AbortCmd
	}
	ackSequence := rx.AckSequence()
	if ackSequence > server.sequence {
		return AbortBlockSize
	}
	server.logger.Debugf("[SERVER][RX] BLOCK UPLOAD ACK | x%x:x%x %v", server.index, server.subIndex, rx)

	// All segments received, send end with CRC
	if server.endOfTransfer && ackSequence == server.blockSize {
		response := encodeBlockEnd(scsUploadBlock, segmentSize-server.lastLength, server.crc)
		server.logger.Debugf("[SERVER][TX] BLOCK UPLOAD END | x%x:x%x %v", server.index, server.subIndex, response)
		server.setState(stateUploadBlockEnd)
		server.send(response)
		return nil
	}

	// Drop acknowledged data, segments after ackSequence are sent again
	acknowledged := int(ackSequence) * segmentSize
	if acknowledged > server.buf.WriteOffset() {
		acknowledged = server.buf.WriteOffset()
	}
	if server.buf.Seek(acknowledged) != nil {
		return AbortDeviceIncompat
	}
	server.buf.Compact()

	server.blockSize = rx.NextBlockSize()
	if server.blockSize < 1 || server.blockSize > blockSizeMax {
		return AbortBlockSize
	}
	if server.stream.IsDomain() &&
		server.buf.Unread() < int(server.blockSize)*segmentSize && !server.stream.LastSegment {
		data, err := server.refill()
		if err != nil {
			return err
		}
		if server.crcEnabled {
			server.crc.Block(data)
		}
	}
	if int(server.blockSize)*segmentSize > server.buf.Unread() && !server.stream.LastSegment {
		return AbortBlockSize
	}
	server.sequence = 0
	server.endOfTransfer = false
	return nil
}

func (server *Server) rxUploadBlockEnd(rx Message) error {
	if rx[0]&0xE1 != ccsUploadBlock<<5|blockEnd {
		return AbortCmd
	}
	server.logger.Debugf("[SERVER][RX] BLOCK UPLOAD END | x%x:x%x %v", server.index, server.subIndex, rx)
	server.setState(stateIdle)
	return nil
}
