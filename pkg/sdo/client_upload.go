package sdo

import (
	"fmt"

	canopen "github.com/samsamfire/gocanopen-sdo"
)

// UploadInitiate prepares reading index / subIndex of the server into
// buffer. buffer is owned by the caller until the end of the transfer and
// must be big enough for the whole value.
// If blockEnabled, block transfer is requested, the server may still
// answer with a segmented or expedited transfer.
func (client *Client) UploadInitiate(index uint16, subIndex uint8, buffer []byte, blockEnabled bool) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	err := client.initTransfer(index, subIndex, buffer)
	if err != nil {
		return err
	}
	client.size = 0
	client.blockEnabled = blockEnabled

	if client.isLocal() {
		client.state = clientUploadLocal
		return nil
	}
	blockSize := uint32(len(buffer)) / segmentSize
	if blockSize > uint32(client.config.BlockMaxSize) {
		blockSize = uint32(client.config.BlockMaxSize)
	}
	if blockEnabled && blockSize > 0 {
		client.blockSize = uint8(blockSize)
		client.request = encodeInitiate(ccsUploadBlock<<5|0x04, index, subIndex)
		client.request[4] = client.blockSize
		client.request[5] = client.config.ProtocolSwitchThreshold
	} else {
		client.blockEnabled = false
		client.request = encodeInitiate(ccsUploadInitiate<<5, index, subIndex)
	}
	client.state = clientUploadInitiateReq
	return nil
}

// Upload processes the current upload. It should be called periodically
// with the time elapsed since the previous call, until it returns [ResultOk]
// or an error. On success, the number of bytes written to the buffer is
// returned. An [AbortCode] is returned when the transfer is aborted by
// either side.
func (client *Client) Upload(timeDifferenceMs uint32) (ClientResult, uint32, error) {
	client.mu.Lock()
	defer client.mu.Unlock()

	rx, rxNew, done, err := client.preprocess()
	if done {
		return ResultOk, 0, err
	}
	if client.state == clientUploadLocal {
		return client.uploadLocal()
	}

	if rxNew {
		client.timer.reset()
		client.rxUpload(rx)
		client.rx.clear()
	}
	if client.state != clientAbort {
		err = client.checkTimeout(timeDifferenceMs)
		if err != nil {
			return ResultOk, 0, err
		}
		// Acknowledge a block early if segments stop coming
		if client.state == clientUploadBlkSubblockSreq && client.blockTimer.advance(timeDifferenceMs) {
			client.logger.Warnf("[CLIENT] BLOCK UPLOAD SUB-BLOCK | timeout, acknowledging %v | x%x:x%x",
				client.sequence, client.index, client.subIndex)
			client.state = clientUploadBlkSubblockCrsp
		}
	}
	result, err := client.txUpload()
	if err != nil || result != ResultOk {
		return result, 0, err
	}
	return ResultOk, client.offset, nil
}

// Handle a response from server, protocol errors go to abort state
func (client *Client) rxUpload(rx Message) {
	switch client.state {
	case clientUploadInitiateRsp:
		client.rxUploadInitiate(rx)

	case clientUploadSegmentRsp:
		if rx[0]&0xE0 != scsUploadSegment<<5 {
			client.fail(AbortCmd)
			return
		}
		if rx.Toggle() != client.toggle {
			client.fail(AbortToggleBit)
			return
		}
		n := rx.SegmentLength()
		if client.offset+n > uint32(len(client.buffer)) {
			client.fail(AbortOutOfMem)
			return
		}
		copy(client.buffer[client.offset:], rx.Data()[:n])
		client.offset += n
		client.toggle ^= 1
		client.logger.Debugf("[CLIENT][RX] UPLOAD SEGMENT | x%x:x%x %v", client.index, client.subIndex, rx)
		if !rx.LastSegment() {
			client.state = clientUploadSegmentReq
			return
		}
		if client.sizeIndicated != 0 && client.offset != client.sizeIndicated {
			client.fail(AbortTypeMismatch)
			return
		}
		client.state = clientIdle

	case clientUploadBlkInitiateRsp:
		switch {
		case rx[0]&0xF9 == scsUploadBlock<<5:
			if !client.checkIndex(rx) {
				return
			}
			client.crcEnabled = rx.CRCEnabled()
			if rx.BlockSizeIndicated() {
				client.sizeIndicated = rx.Size()
				if client.sizeIndicated > uint32(len(client.buffer)) {
					client.fail(AbortOutOfMem)
					return
				}
			}
			client.logger.Debugf("[CLIENT][RX] BLOCK UPLOAD INIT | x%x:x%x %v | crc %v, size %v",
				client.index, client.subIndex, rx, client.crcEnabled, client.sizeIndicated)
			client.state = clientUploadBlkInitiateReq2
		// Server switched to expedited or segmented transfer
		case rx.Command() == scsUploadInitiate:
			client.logger.Debugf("[CLIENT][RX] BLOCK UPLOAD INIT | server switched protocol | x%x:x%x %v",
				client.index, client.subIndex, rx)
			client.rxUploadInitiate(rx)
		default:
			client.fail(AbortCmd)
		}

	case clientUploadBlkSubblockSreq:
		client.rxUploadBlockSegment(rx)

	case clientUploadBlkEndSreq:
		if rx[0]&0xE3 != scsUploadBlock<<5|blockEnd {
			client.fail(AbortCmd)
			return
		}
		noData := rx.NoData()
		if noData > segmentSize || client.size < noData {
			client.fail(AbortCmd)
			return
		}
		// client.size counts the padding of the last segment
		client.size -= noData
		if client.size > uint32(len(client.buffer)) {
			client.fail(AbortOutOfMem)
			return
		}
		client.offset = client.size
		if client.crcEnabled {
			computed := client.crcOf(client.buffer[:client.size])
			if computed != rx.CRC() {
				client.logger.Warnf("[CLIENT][RX] BLOCK UPLOAD END | crc mismatch (computed x%x, received x%x) | x%x:x%x",
					computed, rx.CRC(), client.index, client.subIndex)
				client.fail(AbortCRC)
				return
			}
		}
		if client.sizeIndicated != 0 && client.size != client.sizeIndicated {
			client.fail(AbortTypeMismatch)
			return
		}
		client.logger.Debugf("[CLIENT][RX] BLOCK UPLOAD END | x%x:x%x %v", client.index, client.subIndex, rx)
		client.state = clientUploadBlkEndCrsp

	default:
		client.fail(AbortCmd)
	}
}

// Expedited or segmented initiate response
func (client *Client) rxUploadInitiate(rx Message) {
	if rx.Command() != scsUploadInitiate {
		client.fail(AbortCmd)
		return
	}
	if !client.checkIndex(rx) {
		return
	}
	client.blockEnabled = false
	if rx.Expedited() {
		n := rx.ExpeditedLength()
		if n > uint32(len(client.buffer)) {
			client.fail(AbortOutOfMem)
			return
		}
		copy(client.buffer, rx[4:4+n])
		client.offset = n
		client.logger.Debugf("[CLIENT][RX] UPLOAD EXPEDITED | x%x:x%x %v", client.index, client.subIndex, rx)
		client.state = clientIdle
		return
	}
	if rx.SizeIndicated() {
		client.sizeIndicated = rx.Size()
		if client.sizeIndicated > uint32(len(client.buffer)) {
			client.fail(AbortOutOfMem)
			return
		}
	}
	client.logger.Debugf("[CLIENT][RX] UPLOAD SEGMENTED INITIATE | x%x:x%x %v", client.index, client.subIndex, rx)
	client.offset = 0
	client.toggle = 0
	client.state = clientUploadSegmentReq
}

// Segment of a block. Only in order segments are kept, the block is
// acknowledged when complete, on the last segment or on a lost segment.
func (client *Client) rxUploadBlockSegment(rx Message) {
	client.blockTimer.reset()
	sequence := rx.Sequence()
	last := rx.LastBlockSegment()

	if sequence != client.sequence+1 {
		switch {
		case client.sequence == 0:
			// Wait for block timeout to resynchronize
			client.logger.Warnf("[CLIENT][RX] BLOCK UPLOAD SUB-BLOCK | ignoring (got %v, expecting 1) | x%x:x%x",
				sequence, client.index, client.subIndex)
		case sequence != client.sequence:
			client.logger.Warnf("[CLIENT][RX] BLOCK UPLOAD SUB-BLOCK | wrong sequence number (got %v, previous %v) | x%x:x%x",
				sequence, client.sequence, client.index, client.subIndex)
			client.state = clientUploadBlkSubblockCrsp
		default:
			client.logger.Warnf("[CLIENT][RX] BLOCK UPLOAD SUB-BLOCK | ignoring duplicate %v | x%x:x%x",
				sequence, client.index, client.subIndex)
		}
		return
	}

	// Padding of the last segment may not fit inside of buffer
	n := copy(client.buffer[min(client.size, uint32(len(client.buffer))):], rx.Data())
	if n < segmentSize && !last {
		client.fail(AbortOutOfMem)
		return
	}
	client.size += segmentSize
	client.sequence = sequence
	client.logger.Debugf("[CLIENT][RX] BLOCK UPLOAD SUB-BLOCK | x%x:x%x %v", client.index, client.subIndex, rx)

	if last {
		if client.sizeIndicated != 0 && client.sizeIndicated > client.size {
			client.fail(AbortTypeMismatch)
			return
		}
		client.state = clientUploadBlkSubblockCrspLast
	} else if client.sequence >= client.blockSize {
		client.state = clientUploadBlkSubblockCrsp
	}
}

// Size of the next block, depending on space left inside of buffer
func (client *Client) nextBlockSize() uint8 {
	free := uint32(0)
	if uint32(len(client.buffer)) > client.size {
		free = uint32(len(client.buffer)) - client.size
	}
	if client.sizeIndicated != 0 && client.sizeIndicated > client.size && client.sizeIndicated-client.size < free {
		free = client.sizeIndicated - client.size
	}
	blockSize := (free + segmentSize - 1) / segmentSize
	if blockSize > uint32(client.config.BlockMaxSize) {
		blockSize = uint32(client.config.BlockMaxSize)
	}
	if blockSize < 1 {
		blockSize = 1
	}
	return uint8(blockSize)
}

// Send the next request of the upload, if any
func (client *Client) txUpload() (ClientResult, error) {
	if client.state == clientIdle {
		client.logger.Debugf("[CLIENT] UPLOAD FINISHED | x%x:x%x | %v bytes", client.index, client.subIndex, client.offset)
		return ResultOk, nil
	}
	if client.state == clientUploadBlkSubblockSreq {
		return ResultBlockUploadInProgress, nil
	}
	if client.transport.TxBusy(client.txId) {
		return ResultTransmitBufferFull, nil
	}

	switch client.state {
	case clientAbort:
		return ResultOk, client.sendAbort()

	case clientUploadInitiateReq:
		client.logger.Debugf("[CLIENT][TX] UPLOAD INITIATE | x%x:x%x %v", client.index, client.subIndex, client.request)
		client.send(client.request)
		if client.blockEnabled {
			client.state = clientUploadBlkInitiateRsp
		} else {
			client.state = clientUploadInitiateRsp
		}

	case clientUploadSegmentReq:
		request := Message{ccsUploadSegment<<5 | client.toggle<<4}
		client.logger.Debugf("[CLIENT][TX] UPLOAD SEGMENT | x%x:x%x %v", client.index, client.subIndex, request)
		client.send(request)
		client.state = clientUploadSegmentRsp

	case clientUploadBlkInitiateReq2:
		request := Message{ccsUploadBlock<<5 | blockStart}
		client.logger.Debugf("[CLIENT][TX] BLOCK UPLOAD INITIATE 2 | x%x:x%x %v", client.index, client.subIndex, request)
		client.send(request)
		client.size = 0
		client.sequence = 0
		client.blockTimer.reset()
		client.state = clientUploadBlkSubblockSreq
		return ResultBlockUploadInProgress, nil

	case clientUploadBlkSubblockCrsp, clientUploadBlkSubblockCrspLast:
		ackSequence := client.sequence
		if client.state == clientUploadBlkSubblockCrspLast {
			client.state = clientUploadBlkEndSreq
		} else {
			client.blockSize = client.nextBlockSize()
			client.state = clientUploadBlkSubblockSreq
		}
		request := encodeBlockAck(ccsUploadBlock, ackSequence, client.blockSize)
		client.logger.Debugf("[CLIENT][TX] BLOCK UPLOAD ACK | x%x:x%x %v", client.index, client.subIndex, request)
		client.send(request)
		client.sequence = 0
		client.blockTimer.reset()
		if client.state == clientUploadBlkSubblockSreq {
			return ResultBlockUploadInProgress, nil
		}

	case clientUploadBlkEndCrsp:
		request := Message{ccsUploadBlock<<5 | blockEnd}
		client.logger.Debugf("[CLIENT][TX] BLOCK UPLOAD END | x%x:x%x %v", client.index, client.subIndex, request)
		client.send(request)
		client.state = clientIdle
		client.logger.Debugf("[CLIENT] UPLOAD FINISHED | x%x:x%x | %v bytes", client.index, client.subIndex, client.offset)
		return ResultOk, nil
	}
	return ResultWaitingResponse, nil
}

// Read value directly from the local OD
func (client *Client) uploadLocal() (ClientResult, uint32, error) {
	client.state = clientIdle
	if client.server != nil && client.server.Busy() {
		return ResultWaitingLocalTransfer, 0, fmt.Errorf("%w : %w", canopen.ErrLocalBusy, AbortDeviceIncompat)
	}
	handle, ok := client.od.Find(client.index)
	if ok && client.od.Length(handle, client.subIndex) > uint32(len(client.buffer)) {
		return ResultOk, 0, AbortOutOfMem
	}
	err := client.od.InitStream(&client.stream, client.index, client.subIndex, client.buffer)
	if err == nil {
		err = client.stream.Read()
	}
	if err == nil && !client.stream.LastSegment {
		// Domain does not fit inside of buffer
		err = AbortOutOfMem
	}
	if err != nil {
		abortCode := abortFromError(err)
		client.logger.Warnf("[CLIENT] LOCAL UPLOAD | x%x:x%x | %v", client.index, client.subIndex, abortCode)
		return ResultOk, 0, abortCode
	}
	client.offset = client.stream.DataLength
	client.logger.Debugf("[CLIENT] LOCAL UPLOAD | x%x:x%x | %v bytes", client.index, client.subIndex, client.offset)
	return ResultOk, client.offset, nil
}
