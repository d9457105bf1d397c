package config

import (
	"github.com/samsamfire/gocanopen-sdo/pkg/sdo"
	log "github.com/sirupsen/logrus"
)

// NodeConfigurator provides helper methods for
// reading / updating CANopen reserved configuration objects
// i.e. objects between 0x1000 and 0x2000.
// No EDS files need to be loaded for configuring these parameters
// This uses an SDO client to access the different objects
type NodeConfigurator struct {
	client *sdo.Client
	nodeId uint8
	logger *log.Entry
}

// Create a new [NodeConfigurator] for given ID and SDO client
func NewNodeConfigurator(nodeId uint8, client *sdo.Client) *NodeConfigurator {
	return &NodeConfigurator{
		client: client,
		nodeId: nodeId,
		logger: log.WithFields(log.Fields{"service": "[CONFIG]", "node": nodeId}),
	}
}

// NodeId of the configured node
func (config *NodeConfigurator) NodeId() uint8 {
	return config.nodeId
}
