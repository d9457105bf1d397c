package sdo

import (
	"errors"

	canopen "github.com/samsamfire/gocanopen-sdo"
	"github.com/samsamfire/gocanopen-sdo/pkg/od"
)

// DownloadInitiate prepares writing data to index / subIndex of the server.
// data is owned by the caller until the end of the transfer.
// Block transfer is used if blockEnabled and data is bigger than the
// protocol switch threshold. Nothing is sent until [Client.Download] is called.
func (client *Client) DownloadInitiate(index uint16, subIndex uint8, data []byte, blockEnabled bool) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	err := client.initTransfer(index, subIndex, data)
	if err != nil {
		return err
	}
	client.size = uint32(len(data))
	client.blockEnabled = blockEnabled

	if client.isLocal() {
		client.state = clientDownloadLocal
		return nil
	}
	switch {
	case client.size > 0 && client.size <= expeditedSize:
		client.request = encodeExpedited(ccsDownloadInitiate, index, subIndex, data)
	case blockEnabled && client.size > uint32(client.config.ProtocolSwitchThreshold):
		// Client CRC support, size indicated
		client.request = encodeInitiateSize(ccsDownloadBlock<<5|0x06, index, subIndex, client.size)
		client.crcEnabled = true
	default:
		client.request = encodeInitiateSize(ccsDownloadInitiate<<5|0x01, index, subIndex, client.size)
		client.blockEnabled = false
	}
	client.state = clientDownloadInitiateReq
	return nil
}

// Download processes the current download. It should be called periodically
// with the time elapsed since the previous call, until it returns [ResultOk]
// or an error. An [AbortCode] is returned when the transfer is aborted by
// either side.
func (client *Client) Download(timeDifferenceMs uint32) (ClientResult, error) {
	client.mu.Lock()
	defer client.mu.Unlock()

	rx, rxNew, done, err := client.preprocess()
	if done {
		return ResultOk, err
	}
	if client.state == clientDownloadLocal {
		return client.downloadLocal()
	}

	if rxNew {
		client.timer.reset()
		client.rxDownload(rx)
		client.rx.clear()
	}
	if client.state != clientAbort {
		err = client.checkTimeout(timeDifferenceMs)
		if err != nil {
			return ResultOk, err
		}
	}
	return client.txDownload()
}

// Handle a response from server, protocol errors go to abort state
func (client *Client) rxDownload(rx Message) {
	switch client.state {
	case clientDownloadInitiateRsp:
		if rx[0] != scsDownloadInitiate<<5 {
			client.fail(AbortCmd)
			return
		}
		if !client.checkIndex(rx) {
			return
		}
		client.logger.Debugf("[CLIENT][RX] DOWNLOAD INITIATE | x%x:x%x %v", client.index, client.subIndex, rx)
		// Expedited transfer is finished
		if client.request.Expedited() {
			client.offset = client.size
			client.state = clientIdle
			return
		}
		client.toggle = 0
		client.state = clientDownloadSegmentReq

	case clientDownloadSegmentRsp:
		if rx[0]&0xEF != scsDownloadSegment<<5 {
			client.fail(AbortCmd)
			return
		}
		if rx.Toggle() != client.toggle {
			client.fail(AbortToggleBit)
			return
		}
		client.logger.Debugf("[CLIENT][RX] DOWNLOAD SEGMENT | x%x:x%x %v", client.index, client.subIndex, rx)
		client.toggle ^= 1
		if client.offset >= client.size {
			client.state = clientIdle
		} else {
			client.state = clientDownloadSegmentReq
		}

	case clientDownloadBlkInitiateRsp:
		if rx[0]&0xFB != scsDownloadBlock<<5 {
			client.fail(AbortCmd)
			return
		}
		if !client.checkIndex(rx) {
			return
		}
		client.crcEnabled = rx.CRCEnabled()
		client.blockSize = rx.BlockSize()
		if client.blockSize < 1 || client.blockSize > blockSizeMax {
			client.fail(AbortBlockSize)
			return
		}
		client.logger.Debugf("[CLIENT][RX] BLOCK DOWNLOAD INIT | x%x:x%x %v | crc %v, blksize %v",
			client.index, client.subIndex, rx, client.crcEnabled, client.blockSize)
		client.sequence = 0
		client.blockStart = 0
		client.offset = 0
		client.state = clientDownloadBlkSubblockReq

	// Server may acknowledge before the end of the block
	case clientDownloadBlkSubblockReq, clientDownloadBlkSubblockRsp:
		if rx[0] != scsDownloadBlock<<5|blockAck {
			client.fail(AbortCmd)
			return
		}
		ackSequence := rx.AckSequence()
		if ackSequence > client.sequence {
			client.fail(AbortSeqNum)
			return
		}
		client.logger.Debugf("[CLIENT][RX] BLOCK DOWNLOAD ACK | x%x:x%x %v", client.index, client.subIndex, rx)
		// Segments after ackSequence are sent again
		client.offset = min(client.blockStart+uint32(ackSequence)*segmentSize, client.size)
		// Block size of the final acknowledge is unused
		blockSize := rx.NextBlockSize()
		if client.offset < client.size && (blockSize < 1 || blockSize > blockSizeMax) {
			client.fail(AbortBlockSize)
			return
		}
		if ackSequence < client.sequence {
			client.logger.Warnf("[CLIENT][RX] BLOCK DOWNLOAD ACK | server received %v out of %v segments, retransmitting",
				ackSequence, client.sequence)
		}
		client.blockStart = client.offset
		client.blockSize = blockSize
		client.sequence = 0
		if client.offset >= client.size {
			client.state = clientDownloadBlkEndReq
		} else {
			client.state = clientDownloadBlkSubblockReq
		}

	case clientDownloadBlkEndRsp:
		if rx[0] != scsDownloadBlock<<5|blockEnd {
			client.fail(AbortCmd)
			return
		}
		client.logger.Debugf("[CLIENT][RX] BLOCK DOWNLOAD END | x%x:x%x %v", client.index, client.subIndex, rx)
		client.state = clientIdle

	default:
		client.fail(AbortCmd)
	}
}

// Send the next request of the download, if any
func (client *Client) txDownload() (ClientResult, error) {
	if client.state == clientIdle {
		client.logger.Debugf("[CLIENT] DOWNLOAD FINISHED | x%x:x%x | %v bytes", client.index, client.subIndex, client.size)
		return ResultOk, nil
	}
	if client.transport.TxBusy(client.txId) {
		return ResultTransmitBufferFull, nil
	}

	switch client.state {
	case clientAbort:
		return ResultOk, client.sendAbort()

	case clientDownloadInitiateReq:
		client.logger.Debugf("[CLIENT][TX] DOWNLOAD INITIATE | x%x:x%x %v", client.index, client.subIndex, client.request)
		client.send(client.request)
		if client.request.Command() == ccsDownloadBlock {
			client.state = clientDownloadBlkInitiateRsp
		} else {
			client.state = clientDownloadInitiateRsp
		}

	case clientDownloadSegmentReq:
		n := client.size - client.offset
		if n > segmentSize {
			n = segmentSize
		}
		data := client.buffer[client.offset : client.offset+n]
		client.offset += n
		last := client.offset == client.size
		request := encodeSegment(ccsDownloadSegment, client.toggle, data, last)
		client.logger.Debugf("[CLIENT][TX] DOWNLOAD SEGMENT | x%x:x%x %v", client.index, client.subIndex, request)
		client.send(request)
		client.state = clientDownloadSegmentRsp

	case clientDownloadBlkSubblockReq:
		n := client.size - client.offset
		if n > segmentSize {
			n = segmentSize
		}
		data := client.buffer[client.offset : client.offset+n]
		client.offset += n
		client.sequence++
		last := client.offset == client.size
		if last {
			client.noData = uint8(segmentSize - n)
		}
		request := encodeBlockSegment(client.sequence, data, last)
		client.logger.Debugf("[CLIENT][TX] BLOCK DOWNLOAD SUB-BLOCK | x%x:x%x %v", client.index, client.subIndex, request)
		client.send(request)
		if last || client.sequence >= client.blockSize {
			client.state = clientDownloadBlkSubblockRsp
		}
		return ResultBlockDownloadInProgress, nil

	case clientDownloadBlkEndReq:
		var value = client.crcOf(client.buffer[:client.size])
		if !client.crcEnabled {
			value = 0
		}
		request := encodeBlockEnd(ccsDownloadBlock, client.noData, value)
		client.logger.Debugf("[CLIENT][TX] BLOCK DOWNLOAD END | x%x:x%x %v", client.index, client.subIndex, request)
		client.send(request)
		client.state = clientDownloadBlkEndRsp
	}
	return ResultWaitingResponse, nil
}

// Write data directly to the local OD
func (client *Client) downloadLocal() (ClientResult, error) {
	client.state = clientIdle
	if client.server != nil && client.server.Busy() {
		return ResultWaitingLocalTransfer, canopen.ErrLocalBusy
	}
	err := client.od.InitStream(&client.stream, client.index, client.subIndex, client.buffer)
	if errors.Is(err, od.ErrDevIncompat) && !client.stream.IsDomain() && client.stream.DataLengthTotal > client.size {
		err = AbortTypeMismatch
	}
	if err == nil {
		err = client.stream.Write(client.size)
	}
	if err != nil {
		abortCode := abortFromError(err)
		client.logger.Warnf("[CLIENT] LOCAL DOWNLOAD | x%x:x%x | %v", client.index, client.subIndex, abortCode)
		return ResultOk, abortCode
	}
	client.logger.Debugf("[CLIENT] LOCAL DOWNLOAD | x%x:x%x | %v bytes", client.index, client.subIndex, client.size)
	return ResultOk, nil
}
