package node

import (
	"fmt"
	"sync/atomic"

	canopen "github.com/samsamfire/gocanopen-sdo"
	"github.com/samsamfire/gocanopen-sdo/pkg/emergency"
	"github.com/samsamfire/gocanopen-sdo/pkg/od"
	"github.com/samsamfire/gocanopen-sdo/pkg/sdo"
)

// A [LocalNode] owns an object dictionary and serves it over SDO.
// It also has an SDO client for accessing other nodes or itself
// and an [emergency.EMCY] object collecting communication errors.
// The objects that are used depend on the given OD :
//   - 0x1200 SDO server parameters (default COB-IDs otherwise)
//   - 0x1280 SDO client parameters
//   - 0x1001, 0x1003, 0x1014 error register, history and EMCY COB-ID
type LocalNode struct {
	*BaseNode
	bm            *canopen.BusManager
	Server        *sdo.Server
	EMCY          *emergency.EMCY
	communication atomic.Bool
	status        sdo.ServerStatus
}

// Process all objects of the node, this should be called cyclically
// with the time elapsed since previous call.
func (node *LocalNode) Process(timeDifferenceMs uint32) (sdo.ServerStatus, error) {
	allowed := node.communication.Load()
	if err := node.bm.Process(); err != nil {
		node.logger.Debugf("bus processing failed : %v", err)
	}
	status, err := node.Server.Process(allowed, timeDifferenceMs)
	if status != node.status {
		node.logger.Debugf("server status %v -> %v", node.status, status)
		node.status = status
	}
	node.EMCY.Process(allowed)
	return status, err
}

// Enable or disable communication of the node.
// This replaces the NMT pre-operational / operational state.
func (node *LocalNode) SetCommunicationAllowed(allowed bool) {
	node.communication.Store(allowed)
}

func (node *LocalNode) CommunicationAllowed() bool {
	return node.communication.Load()
}

// Milliseconds before the next timeout of the node
func (node *LocalNode) TimerNextMs() uint32 {
	return node.Server.TimerNextMs()
}

// Create a [RemoteNode] that uses the SDO client of this node.
// remoteOd can be nil, in that case the default OD is used.
func (node *LocalNode) Remote(remoteId uint8, remoteOd *od.ObjectDictionary) (*RemoteNode, error) {
	return NewRemoteNode(node.client, remoteOd, remoteId)
}

// Initialize [emergency.EMCY] object
func (node *LocalNode) initEMCY() error {
	emcy, err := emergency.NewEMCY(
		node.bm,
		node.id,
		node.od.Index(od.EntryErrorRegister),
		node.od.Index(od.EntryPreDefinedErrorField),
		node.od.Index(od.EntryCobIdEMCY),
	)
	if err != nil {
		node.logger.Errorf("init failed [EMCY] producer : %v", err)
		return canopen.ErrOdParameters
	}
	node.EMCY = emcy
	return nil
}

// Initialize [sdo.Server] object
// Currently, only one server is supported
func (node *LocalNode) initSDOServer(config sdo.ServerConfig) error {
	entry1200 := node.od.Index(od.EntrySDOServerParameter)
	if entry1200 == nil {
		node.logger.Warn("no [SDOServer] parameters, using default COB-IDs")
	}
	server, err := sdo.NewServer(node.bm, node.od, node.id, entry1200, node.EMCY, config)
	if err != nil {
		node.logger.Errorf("init failed [SDOServer] : %v", err)
		return err
	}
	node.Server = server
	return nil
}

// Initialize [sdo.Client] object
func (node *LocalNode) initSDOClient(config sdo.ClientConfig) error {
	entry1280 := node.od.Index(od.EntrySDOClientParameter)
	if entry1280 == nil {
		node.logger.Warn("no [SDOClient] parameters, client needs explicit setup")
	}
	client, err := sdo.NewClient(node.bm, node.od, node.id, node.Server, entry1280, node.EMCY, config)
	if err != nil {
		node.logger.Errorf("init failed [SDOClient] : %v", err)
		return err
	}
	node.client = client
	return nil
}

// Create a new local node
func NewLocalNode(
	bm *canopen.BusManager,
	odict *od.ObjectDictionary,
	nodeId uint8,
	serverConfig sdo.ServerConfig,
	clientConfig sdo.ClientConfig,
) (*LocalNode, error) {
	if bm == nil || odict == nil {
		return nil, fmt.Errorf("need at least busManager and od parameters : %w", canopen.ErrIllegalArgument)
	}
	if nodeId < 1 || nodeId > 127 {
		return nil, fmt.Errorf("invalid node id %v : %w", nodeId, canopen.ErrIllegalArgument)
	}
	node := &LocalNode{BaseNode: newBaseNode(nil, odict, nodeId), bm: bm}
	node.communication.Store(true)

	err := node.initEMCY()
	if err != nil {
		return nil, err
	}
	err = node.initSDOServer(serverConfig)
	if err != nil {
		return nil, err
	}
	err = node.initSDOClient(clientConfig)
	if err != nil {
		return nil, err
	}
	node.logger.Info("node initialized")
	return node, nil
}
