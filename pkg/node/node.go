package node

import (
	"github.com/samsamfire/gocanopen-sdo/pkg/config"
	"github.com/samsamfire/gocanopen-sdo/pkg/od"
	"github.com/samsamfire/gocanopen-sdo/pkg/sdo"
	log "github.com/sirupsen/logrus"
)

// BaseNode holds what is common to a [LocalNode] and a [RemoteNode]:
// an object dictionary describing the node and an SDO client used
// for accessing it.
type BaseNode struct {
	client *sdo.Client
	logger *log.Entry
	od     *od.ObjectDictionary
	id     uint8
}

func newBaseNode(client *sdo.Client, odict *od.ObjectDictionary, nodeId uint8) *BaseNode {
	return &BaseNode{
		client: client,
		od:     odict,
		id:     nodeId,
		logger: log.WithFields(log.Fields{"service": "[NODE]", "node": nodeId}),
	}
}

func (node *BaseNode) GetOD() *od.ObjectDictionary {
	return node.od
}

func (node *BaseNode) GetID() uint8 {
	return node.id
}

// SDO client used for accessing the node
func (node *BaseNode) SDOClient() *sdo.Client {
	return node.client
}

func (node *BaseNode) Configurator() *config.NodeConfigurator {
	return config.NewNodeConfigurator(node.id, node.client)
}
