package sdo

// Server side of expedited and segmented uploads

func (server *Server) txUploadInitiate() error {
	// Expedited transfer
	if server.stream.DataLength <= expeditedSize && server.stream.LastSegment {
		response := encodeExpedited(scsUploadInitiate, server.index, server.subIndex, server.buf.Bytes())
		server.logger.Debugf("[SERVER][TX] UPLOAD EXPEDITED | x%x:x%x %v", server.index, server.subIndex, response)
		server.setState(stateIdle)
		server.send(response)
		return nil
	}
	// Segmented transfer, indicate size if known
	var response Message
	if total := server.stream.DataLengthTotal; total != 0 {
		response = encodeInitiateSize(scsUploadInitiate<<5|0x01, server.index, server.subIndex, total)
	} else {
		response = encodeInitiate(scsUploadInitiate<<5, server.index, server.subIndex)
	}
	server.toggle = 0
	server.logger.Debugf("[SERVER][TX] UPLOAD SEGMENTED INITIATE | x%x:x%x %v", server.index, server.subIndex, response)
	server.setState(stateUploadSegmented)
	server.send(response)
	return nil
}

func (server *Server) rxUploadSegmented(rx Message) error {
	if rx[0]&0xE0 != ccsUploadSegment<<5 {
		return AbortCmd
	}
	if rx.Toggle() != server.toggle {
		return AbortToggleBit
	}
	// Refill buffer from domain when running out of data
	if server.stream.IsDomain() && server.buf.Unread() < segmentSize && !server.stream.LastSegment {
		_, err := server.refill()
		if err != nil {
			return err
		}
	}
	var segment [segmentSize]byte
	n := server.buf.Read(segment[:])
	server.sizeTransferred += uint32(n)
	last := server.buf.Unread() == 0 && server.stream.LastSegment

	total := server.stream.DataLengthTotal
	if total != 0 && server.sizeTransferred > total {
		return AbortDataLong
	}
	if last {
		if total != 0 && server.sizeTransferred < total {
			return AbortDataShort
		}
		server.setState(stateIdle)
	}
	response := encodeSegment(scsUploadSegment, server.toggle, segment[:n], last)
	server.logger.Debugf("[SERVER][TX] UPLOAD SEGMENT | x%x:x%x %v", server.index, server.subIndex, response)
	server.send(response)
	server.toggle ^= 1
	return nil
}
