package node

import (
	"fmt"

	canopen "github.com/samsamfire/gocanopen-sdo"
	"github.com/samsamfire/gocanopen-sdo/pkg/od"
	"github.com/samsamfire/gocanopen-sdo/pkg/sdo"
)

// A RemoteNode is a local representation of a remote node on the CAN bus.
// It holds the OD of the remote node (e.g. from its EDS) which is used
// for encoding and decoding values read or written over SDO.
//
// The SDO client is usually shared with a [LocalNode], only one
// transfer can happen at a time.
type RemoteNode struct {
	*BaseNode
}

// Create a remote node
// remoteOd can be nil, in that case the default OD is used.
func NewRemoteNode(client *sdo.Client, remoteOd *od.ObjectDictionary, remoteId uint8) (*RemoteNode, error) {
	if client == nil {
		return nil, fmt.Errorf("need an sdo client : %w", canopen.ErrIllegalArgument)
	}
	if remoteId < 1 || remoteId > 127 {
		return nil, fmt.Errorf("invalid remote node id %v : %w", remoteId, canopen.ErrIllegalArgument)
	}
	if remoteOd == nil {
		remoteOd = od.DefaultFor(remoteId)
	}
	node := &RemoteNode{BaseNode: newBaseNode(client, remoteOd, remoteId)}
	node.logger = node.logger.WithField("remote", true)
	return node, nil
}
