package sdo

import (
	"encoding/binary"

	canopen "github.com/samsamfire/gocanopen-sdo"
	"github.com/samsamfire/gocanopen-sdo/pkg/od"
)

// Check a new COB-ID written to an SDO parameter entry.
// The CAN id can only be changed while the channel is disabled.
func checkCobId(cobId uint32, current uint32, enabled bool) error {
	canId := uint16(cobId & 0x7FF)
	canIdCurrent := uint16(current & 0x7FF)
	valid := cobId&cobIdInvalid == 0
	if cobId&cobIdReservedBitsMask != 0 ||
		(valid && enabled && canId != canIdCurrent) ||
		(valid && canopen.IsIDRestricted(canId)) {
		return od.ErrInvalidValue
	}
	return nil
}

func streamUint32(stream *od.Stream) (uint32, error) {
	if stream.DataLength != 4 || len(stream.Data) < 4 {
		return 0, od.ErrTypeMismatch
	}
	return binary.LittleEndian.Uint32(stream.Data), nil
}

// [SDO server] update server parameters on writes to 0x1200+
type serverParameterHook struct {
	server *Server
}

func (hook *serverParameterHook) Access(stream *od.Stream) error {
	if stream.Reading {
		return nil
	}
	server := hook.server
	switch stream.SubIndex {
	case 0:
		return od.ErrReadonly
	// cob id client to server
	case 1:
		cobId, err := streamUint32(stream)
		if err != nil {
			return err
		}
		err = checkCobId(cobId, server.cobIdClientToServer, server.valid)
		if err != nil {
			return err
		}
		if server.initRxTx(cobId, server.cobIdServerToClient) != nil {
			return od.ErrDevIncompat
		}
	// cob id server to client
	case 2:
		cobId, err := streamUint32(stream)
		if err != nil {
			return err
		}
		err = checkCobId(cobId, server.cobIdServerToClient, server.valid)
		if err != nil {
			return err
		}
		if server.initRxTx(server.cobIdClientToServer, cobId) != nil {
			return od.ErrDevIncompat
		}
	// node id of client
	case 3:
		if stream.DataLength != 1 {
			return od.ErrTypeMismatch
		}
		if stream.Data[0] < 1 || stream.Data[0] > 127 {
			return od.ErrInvalidValue
		}
	default:
		return od.ErrSubNotExist
	}
	return nil
}

// [SDO Client] update client parameters on writes to 0x1280+
type clientParameterHook struct {
	client *Client
}

func (hook *clientParameterHook) Access(stream *od.Stream) error {
	if stream.Reading {
		return nil
	}
	client := hook.client
	switch stream.SubIndex {
	case 0:
		return od.ErrReadonly
	// cob id client to server
	case 1:
		cobId, err := streamUint32(stream)
		if err != nil {
			return err
		}
		err = checkCobId(cobId, client.cobIdClientToServer, client.valid)
		if err != nil {
			return err
		}
		if client.setup(cobId, client.cobIdServerToClient, client.nodeIdServer) != nil {
			return od.ErrDevIncompat
		}
	// cob id server to client
	case 2:
		cobId, err := streamUint32(stream)
		if err != nil {
			return err
		}
		err = checkCobId(cobId, client.cobIdServerToClient, client.valid)
		if err != nil {
			return err
		}
		if client.setup(client.cobIdClientToServer, cobId, client.nodeIdServer) != nil {
			return od.ErrDevIncompat
		}
	// node id of server
	case 3:
		if stream.DataLength != 1 {
			return od.ErrTypeMismatch
		}
		if stream.Data[0] > 127 {
			return od.ErrInvalidValue
		}
		client.nodeIdServer = stream.Data[0]
	default:
		return od.ErrSubNotExist
	}
	return nil
}
