package config

import (
	"fmt"

	canopen "github.com/samsamfire/gocanopen-sdo"
	"github.com/samsamfire/gocanopen-sdo/pkg/od"
)

const cobIdInvalid = 0x80000000

// SDOParameter holds one SDO server (0x1200+) or client (0x1280+) parameter entry
type SDOParameter struct {
	CobIdClientToServer uint32
	CobIdServerToClient uint32
	// Node id of the other end, optional for servers
	NodeId uint8
}

func (param SDOParameter) Enabled() bool {
	return param.CobIdClientToServer&cobIdInvalid == 0 && param.CobIdServerToClient&cobIdInvalid == 0
}

func (param SDOParameter) String() string {
	state := "disabled"
	if param.Enabled() {
		state = "enabled"
	}
	return fmt.Sprintf("c2s x%x, s2c x%x, node %v (%v)",
		param.CobIdClientToServer&0x7FF,
		param.CobIdServerToClient&0x7FF,
		param.NodeId,
		state,
	)
}

func (config *NodeConfigurator) readSDOParameter(index uint16) (SDOParameter, error) {
	param := SDOParameter{}
	var err error
	param.CobIdClientToServer, err = config.client.ReadUint32(config.nodeId, index, 1)
	if err != nil {
		return param, err
	}
	param.CobIdServerToClient, err = config.client.ReadUint32(config.nodeId, index, 2)
	if err != nil {
		return param, err
	}
	// Node id is optional for the default server
	param.NodeId, _ = config.client.ReadUint8(config.nodeId, index, 3)
	return param, nil
}

// Read SDO server parameters, nb is the server number starting from 0
func (config *NodeConfigurator) ReadServerParameter(nb uint8) (SDOParameter, error) {
	if nb > 0x7F {
		return SDOParameter{}, canopen.ErrIllegalArgument
	}
	return config.readSDOParameter(od.EntrySDOServerParameter + uint16(nb))
}

// Read SDO client parameters, nb is the client number starting from 0
func (config *NodeConfigurator) ReadClientParameter(nb uint8) (SDOParameter, error) {
	if nb > 0x7F {
		return SDOParameter{}, canopen.ErrIllegalArgument
	}
	return config.readSDOParameter(od.EntrySDOClientParameter + uint16(nb))
}

// Update SDO client parameters of the node.
// The client is first disabled, then the server to client COB-ID and node id
// are written, and finally the client to server COB-ID which enables it again.
func (config *NodeConfigurator) WriteClientParameter(nb uint8, param SDOParameter) error {
	if nb > 0x7F {
		return canopen.ErrIllegalArgument
	}
	index := od.EntrySDOClientParameter + uint16(nb)
	err := config.client.WriteUint32(config.nodeId, index, 1, cobIdInvalid)
	if err != nil {
		return err
	}
	err = config.client.WriteUint32(config.nodeId, index, 2, param.CobIdServerToClient)
	if err != nil {
		return err
	}
	err = config.client.WriteUint8(config.nodeId, index, 3, param.NodeId)
	if err != nil {
		return err
	}
	err = config.client.WriteUint32(config.nodeId, index, 1, param.CobIdClientToServer)
	if err != nil {
		return err
	}
	config.logger.Infof("updated client parameters x%x : %v", index, param)
	return nil
}

// Disable SDO client nb of the node
func (config *NodeConfigurator) DisableClient(nb uint8) error {
	if nb > 0x7F {
		return canopen.ErrIllegalArgument
	}
	return config.client.WriteUint32(config.nodeId, od.EntrySDOClientParameter+uint16(nb), 1, cobIdInvalid)
}

// Read the error register (0x1001)
func (config *NodeConfigurator) ReadErrorRegister() (uint8, error) {
	return config.client.ReadUint8(config.nodeId, od.EntryErrorRegister, 0)
}

// Read the pre-defined error field (0x1003), most recent error first
func (config *NodeConfigurator) ReadErrorHistory() ([]uint32, error) {
	count, err := config.client.ReadUint8(config.nodeId, od.EntryPreDefinedErrorField, 0)
	if err != nil {
		return nil, err
	}
	history := make([]uint32, 0, count)
	for i := uint8(1); i <= count; i++ {
		value, err := config.client.ReadUint32(config.nodeId, od.EntryPreDefinedErrorField, i)
		if err != nil {
			return history, err
		}
		history = append(history, value)
	}
	return history, nil
}
