package sdo

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/samsamfire/gocanopen-sdo/pkg/od"
)

// Blocking helpers. They process the client until the end of the transfer,
// waking up on every response from the server or every processing period.

const (
	readAllInitialSize = 1024
	readAllMaxSize     = 1 << 20
)

// Select the server of nodeId, keeping custom COB-IDs if it is already selected
func (client *Client) useServer(nodeId uint8) error {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.nodeIdServer == nodeId && (client.valid || client.isLocal()) {
		return nil
	}
	return client.setup(0, 0, nodeId)
}

// Call step until the transfer ends, with the time elapsed since the previous call
func (client *Client) pump(step func(timeDifferenceMs uint32) (ClientResult, error)) error {
	period := time.Duration(client.config.ProcessPeriodMs) * time.Millisecond
	wait := time.NewTimer(period)
	defer wait.Stop()
	last := time.Now()
	elapsed := uint32(0)
	for {
		result, err := step(elapsed)
		if err != nil {
			return err
		}
		if result == ResultOk {
			return nil
		}
		if !wait.Stop() {
			select {
			case <-wait.C:
			default:
			}
		}
		wait.Reset(period)
		select {
		case <-client.rx.notify:
		case <-wait.C:
		}
		// Keep sub millisecond remainders for the next call
		ms := time.Since(last).Milliseconds()
		last = last.Add(time.Duration(ms) * time.Millisecond)
		elapsed = uint32(ms)
	}
}

func (client *Client) upload(nodeId uint8, index uint16, subIndex uint8, data []byte, blockEnabled bool) (int, error) {
	err := client.useServer(nodeId)
	if err != nil {
		return 0, err
	}
	err = client.UploadInitiate(index, subIndex, data, blockEnabled)
	if err != nil {
		return 0, err
	}
	var n uint32
	err = client.pump(func(timeDifferenceMs uint32) (ClientResult, error) {
		result, size, err := client.Upload(timeDifferenceMs)
		n = size
		return result, err
	})
	// Server can't stream blocks of the requested size, use segmented transfer
	if blockEnabled && errors.Is(err, AbortBlockSize) {
		client.logger.Infof("block upload of x%x:x%x refused, retrying with segmented transfer", index, subIndex)
		return client.upload(nodeId, index, subIndex, data, false)
	}
	return int(n), err
}

// ReadRaw reads index / subIndex of node into data and returns the number
// of bytes read. Block transfer is used if enabled inside of [ClientConfig].
func (client *Client) ReadRaw(nodeId uint8, index uint16, subIndex uint8, data []byte) (int, error) {
	return client.upload(nodeId, index, subIndex, data, client.config.BlockEnabled)
}

// ReadAll reads everything from index / subIndex of node and returns all bytes.
// This is useful for domains or strings of unknown length.
func (client *Client) ReadAll(nodeId uint8, index uint16, subIndex uint8) ([]byte, error) {
	size := readAllInitialSize
	for {
		data := make([]byte, size)
		n, err := client.ReadRaw(nodeId, index, subIndex, data)
		if errors.Is(err, AbortOutOfMem) && size < readAllMaxSize {
			size *= 4
			continue
		}
		if err != nil {
			return nil, err
		}
		return data[:n], nil
	}
}

// WriteRaw writes data to index / subIndex of node.
// data can be any type supported by [od.EncodeFromGeneric].
// If forceSegmented is set, block transfer is never used.
func (client *Client) WriteRaw(nodeId uint8, index uint16, subIndex uint8, data any, forceSegmented bool) error {
	encoded, err := od.EncodeFromGeneric(data)
	if err != nil {
		return err
	}
	err = client.useServer(nodeId)
	if err != nil {
		return err
	}
	err = client.DownloadInitiate(index, subIndex, encoded, client.config.BlockEnabled && !forceSegmented)
	if err != nil {
		return err
	}
	return client.pump(client.Download)
}

func (client *Client) readExactly(nodeId uint8, index uint16, subIndex uint8, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := client.ReadRaw(nodeId, index, subIndex, buf)
	if err != nil {
		return nil, err
	} else if n != length {
		return nil, od.ErrTypeMismatch
	}
	return buf, nil
}

// Helper function for reading directly a uint8
func (client *Client) ReadUint8(nodeId uint8, index uint16, subIndex uint8) (uint8, error) {
	buf, err := client.readExactly(nodeId, index, subIndex, 1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Helper function for reading directly a uint16
func (client *Client) ReadUint16(nodeId uint8, index uint16, subIndex uint8) (uint16, error) {
	buf, err := client.readExactly(nodeId, index, subIndex, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// Helper function for reading directly a uint32
func (client *Client) ReadUint32(nodeId uint8, index uint16, subIndex uint8) (uint32, error) {
	buf, err := client.readExactly(nodeId, index, subIndex, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// Helper function for reading directly a uint64
func (client *Client) ReadUint64(nodeId uint8, index uint16, subIndex uint8) (uint64, error) {
	buf, err := client.readExactly(nodeId, index, subIndex, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (client *Client) WriteUint8(nodeId uint8, index uint16, subIndex uint8, value uint8) error {
	return client.WriteRaw(nodeId, index, subIndex, value, false)
}

func (client *Client) WriteUint16(nodeId uint8, index uint16, subIndex uint8, value uint16) error {
	return client.WriteRaw(nodeId, index, subIndex, value, false)
}

func (client *Client) WriteUint32(nodeId uint8, index uint16, subIndex uint8, value uint32) error {
	return client.WriteRaw(nodeId, index, subIndex, value, false)
}
