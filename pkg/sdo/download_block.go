package sdo

// Server side of block downloads

// Number of segments that fit in free bytes, in 1..127.
// A single segment is requested when less than a segment is free, only
// its padding may then be dropped.
func blockSizeFor(free int) uint8 {
	return uint8(min(max(free/segmentSize, 1), blockSizeMax))
}

// Block size of the next block, never more segments than the size
// indicated still needs
func (server *Server) nextBlockSize() uint8 {
	size := blockSizeFor(server.buf.Free())
	if server.sizeIndicated > server.sizeTransferred {
		remaining := (server.sizeIndicated - server.sizeTransferred + segmentSize - 1) / segmentSize
		if remaining < uint32(size) {
			size = uint8(remaining)
		}
	}
	return size
}

func (server *Server) rxDownloadBlockInitiate(rx Message) error {
	if rx[0]&0xE1 != ccsDownloadBlock<<5|blockInitiate {
		return AbortCmd
	}
	server.crcEnabled = rx.CRCEnabled()
	server.crc = 0
	server.dropped = 0
	if rx.BlockSizeIndicated() {
		err := server.checkSizeIndicated(rx.Size())
		if err != nil {
			return err
		}
	}
	server.blockSize = blockSizeFor(server.buf.Free())
	server.sequence = 0
	server.logger.Debugf("[SERVER][RX] BLOCK DOWNLOAD INIT | x%x:x%x %v | crc %v, blksize %v",
		server.index, server.subIndex, rx, server.crcEnabled, server.blockSize)
	server.setState(stateDownloadBlockSubblock)

	response := encodeInitiate(scsDownloadBlock<<5|0x04, server.index, server.subIndex)
	response[4] = server.blockSize
	server.send(response)
	return nil
}

// Receive one segment of a block. The block is acknowledged when complete,
// on the last segment, on a lost segment or when timed out.
func (server *Server) rxDownloadBlockSubblock(rx Message, timeout bool) error {
	failed := true
	if timeout {
		rx = Message{}
	} else {
		seqno := rx.Sequence()
		switch {
		case server.sequence == 0 && seqno != 1:
			server.logger.Warnf("[SERVER][RX] BLOCK DOWNLOAD SUB-BLOCK | ignoring (got %v, expecting 1) | x%x:x%x %v",
				seqno, server.index, server.subIndex, rx)
			return nil
		case seqno == server.sequence:
			server.logger.Warnf("[SERVER][RX] BLOCK DOWNLOAD SUB-BLOCK | ignoring duplicate %v | x%x:x%x %v",
				seqno, server.index, server.subIndex, rx)
			return nil
		case seqno == server.sequence+1:
			if server.buf.Free() < segmentSize && !rx.LastBlockSegment() {
				return AbortDataLong
			}
			server.sequence++
			server.dropped = uint8(segmentSize - server.buf.Write(rx.Data()))
			server.sizeTransferred += segmentSize
			failed = false
			server.logger.Debugf("[SERVER][RX] BLOCK DOWNLOAD SUB-BLOCK | x%x:x%x %v", server.index, server.subIndex, rx)
		default:
			server.logger.Warnf("[SERVER][RX] BLOCK DOWNLOAD SUB-BLOCK | wrong sequence number (got %v, previous %v) | x%x:x%x %v",
				seqno, server.sequence, server.index, server.subIndex, rx)
		}
	}

	last := rx.LastBlockSegment()
	if !failed && server.sequence < server.blockSize && !last {
		return nil
	}

	ackSequence := server.sequence
	server.sequence = 0
	if server.stream.IsDomain() && server.buf.WriteOffset() > 0 && !last {
		if server.crcEnabled {
			server.crc.Block(server.buf.Bytes())
		}
		err := server.flushDomain()
		if err != nil {
			return err
		}
	}
	server.blockSize = server.nextBlockSize()
	if last && !failed {
		server.setState(stateDownloadBlockEnd)
	}
	if timeout {
		server.logger.Warnf("[SERVER][TX] BLOCK DOWNLOAD SUB-BLOCK | timeout, acknowledging %v | x%x:x%x",
			ackSequence, server.index, server.subIndex)
	}
	server.logger.Debugf("[SERVER][TX] BLOCK DOWNLOAD ACK | x%x:x%x | ackseq %v, blksize %v",
		server.index, server.subIndex, ackSequence, server.blockSize)
	server.send(encodeBlockAck(scsDownloadBlock, ackSequence, server.blockSize))
	return nil
}

func (server *Server) rxDownloadBlockEnd(rx Message) error {
	if rx[0]&0xE1 != ccsDownloadBlock<<5|blockEnd {
		return AbortCmd
	}
	noData := rx.NoData()
	// Bytes of the last segment that did not fit must be padding
	if noData < uint32(server.dropped) {
		return AbortDataLong
	}
	if server.buf.Truncate(int(noData-uint32(server.dropped))) != nil {
		return AbortCmd
	}
	server.sizeTransferred -= noData
	if server.crcEnabled {
		server.crc.Block(server.buf.Bytes())
		if server.crc != rx.CRC() {
			server.logger.Warnf("[SERVER][RX] BLOCK DOWNLOAD END | crc mismatch (computed x%x, received x%x) | x%x:x%x",
				server.crc, rx.CRC(), server.index, server.subIndex)
			return AbortCRC
		}
	}
	err := server.checkSizeTransferred(true)
	if err != nil {
		return err
	}
	server.stream.LastSegment = true
	err = server.stream.Write(uint32(server.buf.WriteOffset()))
	if err != nil {
		return err
	}
	server.logger.Debugf("[SERVER][RX] BLOCK DOWNLOAD END | x%x:x%x %v", server.index, server.subIndex, rx)
	server.setState(stateIdle)
	server.send(Message{scsDownloadBlock<<5 | blockEnd})
	return nil
}
