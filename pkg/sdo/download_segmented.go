package sdo

// Server side of expedited and segmented downloads

func (server *Server) rxDownloadInitiate(rx Message) error {
	response := encodeInitiate(scsDownloadInitiate<<5, server.index, server.subIndex)

	if rx.Expedited() {
		length := rx.ExpeditedLength()
		server.buf.Write(rx[4 : 4+length])
		err := server.stream.Write(length)
		if err != nil {
			return err
		}
		server.logger.Debugf("[SERVER][RX] DOWNLOAD EXPEDITED | x%x:x%x %v", server.index, server.subIndex, rx)
		server.setState(stateIdle)
		server.send(response)
		return nil
	}

	if rx.SizeIndicated() {
		err := server.checkSizeIndicated(rx.Size())
		if err != nil {
			return err
		}
	}
	server.logger.Debugf("[SERVER][RX] DOWNLOAD SEGMENTED INITIATE | x%x:x%x %v", server.index, server.subIndex, rx)
	server.toggle = 0
	server.setState(stateDownloadSegmented)
	server.send(response)
	return nil
}

// Size indicated by the client must match the OD, except for domains
func (server *Server) checkSizeIndicated(size uint32) error {
	server.sizeIndicated = size
	server.stream.DataLengthTotal = size
	if !server.stream.IsDomain() && size != server.stream.DataLength {
		return AbortTypeMismatch
	}
	return nil
}

// Size transferred so far must not exceed the size indicated
func (server *Server) checkSizeTransferred(last bool) error {
	if server.sizeIndicated == 0 {
		return nil
	}
	if server.sizeTransferred > server.sizeIndicated {
		return AbortDataLong
	}
	if last && server.sizeTransferred < server.sizeIndicated {
		return AbortDataShort
	}
	return nil
}

func (server *Server) rxDownloadSegmented(rx Message) error {
	if rx[0]&0xE0 != ccsDownloadSegment<<5 {
		return AbortCmd
	}
	if rx.Toggle() != server.toggle {
		return AbortToggleBit
	}
	length := rx.SegmentLength()
	// Domains may be bigger than the buffer, flush it to the OD
	if uint32(server.buf.WriteOffset())+length > server.dataLength {
		if !server.stream.IsDomain() {
			return AbortDataLong
		}
		err := server.flushDomain()
		if err != nil {
			return err
		}
	}
	server.buf.Write(rx.Data()[:length])
	server.sizeTransferred += length
	last := rx.LastSegment()
	err := server.checkSizeTransferred(last)
	if err != nil {
		return err
	}

	if last {
		server.stream.LastSegment = true
		err := server.stream.Write(uint32(server.buf.WriteOffset()))
		if err != nil {
			return err
		}
		server.logger.Debugf("[SERVER][RX] DOWNLOAD SEGMENT END | x%x:x%x %v", server.index, server.subIndex, rx)
		server.setState(stateIdle)
	} else {
		server.logger.Debugf("[SERVER][RX] DOWNLOAD SEGMENT | x%x:x%x %v", server.index, server.subIndex, rx)
	}
	server.send(Message{scsDownloadSegment<<5 | server.toggle<<4})
	server.toggle ^= 1
	return nil
}
