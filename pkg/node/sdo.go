package node

import (
	"github.com/samsamfire/gocanopen-sdo/pkg/od"
)

// Find the variable at index / subindex inside of the node OD
func (node *BaseNode) variable(index any, subindex any) (*od.Entry, *od.Variable, error) {
	entry := node.od.Index(index)
	if entry == nil {
		return nil, nil, od.ErrIdxNotExist
	}
	odVar, err := entry.SubIndex(subindex)
	if err != nil {
		return nil, nil, err
	}
	return entry, odVar, nil
}

// Read an entry using the node sdo client
// index and subindex can either be strings or integers
// this method requires the corresponding node OD to be loaded.
// Integers are formatted with the given base.
func (node *BaseNode) ReadString(index any, subindex any, base int) (string, error) {
	entry, odVar, err := node.variable(index, subindex)
	if err != nil {
		return "", err
	}
	data, err := node.client.ReadAll(node.id, entry.Index, odVar.SubIndex)
	if err != nil {
		return "", err
	}
	return od.DecodeToString(data, odVar.DataType, base)
}

// Write an entry given as a string, e.g. "0x22" or "-5" or "hello"
// the value is encoded with the data type found inside of the node OD
func (node *BaseNode) WriteString(index any, subindex any, value string) error {
	entry, odVar, err := node.variable(index, subindex)
	if err != nil {
		return err
	}
	encoded, err := od.EncodeFromString(value, odVar.DataType, 0)
	if err != nil {
		return err
	}
	return node.client.WriteRaw(node.id, entry.Index, odVar.SubIndex, encoded, false)
}

// Write an entry to the node
// index and subindex can either be strings or integers
// this method requires the corresponding node OD to be loaded
// value should correspond to the expected datatype
func (node *BaseNode) WriteAny(index any, subindex any, value any) error {
	entry, odVar, err := node.variable(index, subindex)
	if err != nil {
		return err
	}
	encoded, err := od.EncodeFromGeneric(value)
	if err != nil {
		return err
	}
	if err := od.CheckSize(len(encoded), odVar.DataType); err != nil {
		return err
	}
	return node.client.WriteRaw(node.id, entry.Index, odVar.SubIndex, encoded, false)
}

// Read an entry from the node
// this method does not require corresponding OD to be loaded
// value will be read as a raw byte slice
func (node *BaseNode) ReadRaw(index uint16, subIndex uint8, data []byte) (int, error) {
	return node.client.ReadRaw(node.id, index, subIndex, data)
}

// Read everything from an entry of the node, e.g. a domain
func (node *BaseNode) ReadAll(index uint16, subIndex uint8) ([]byte, error) {
	return node.client.ReadAll(node.id, index, subIndex)
}

// Write an entry to the node
// this method does not require corresponding OD to be loaded
// value will be written as a raw byte slice
func (node *BaseNode) WriteRaw(index uint16, subIndex uint8, data []byte) error {
	return node.client.WriteRaw(node.id, index, subIndex, data, false)
}
