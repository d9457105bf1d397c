package od

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
)

// An Entry object is the main building block of an [ObjectDictionary].
// it holds an OD entry, i.e. an OD object at a specific index.
// An entry can be one of the following object types, defined by CiA 301
//   - VAR [Variable]
//   - DOMAIN [Variable]
//   - ARRAY [VariableList]
//   - RECORD [VariableList]
//
// If the Object is an ARRAY or a RECORD it can hold also multiple sub entries.
// sub entries are always of type VAR, for simplicity.
type Entry struct {
	// The OD index e.g. x1006
	Index uint16
	// The OD name inside of EDS
	Name string
	// The OD object type, as cited above.
	ObjectType uint8
	// Either a [Variable] or a [VariableList] object
	object any
	hook   Hook
	logger *log.Entry
}

func newEntry(index uint16, name string, object any, objectType uint8) *Entry {
	return &Entry{
		Index:      index,
		Name:       name,
		ObjectType: objectType,
		object:     object,
		logger:     logger.WithField("index", index),
	}
}

// SubIndex returns the [Variable] designated by subIndex, given either
// as a number (int, uint8) or as its name in the EDS.
func (entry *Entry) SubIndex(subIndex any) (*Variable, error) {
	if entry == nil {
		return nil, ErrIdxNotExist
	}
	switch object := entry.object.(type) {
	case *Variable:
		if subIndex != 0 && subIndex != uint8(0) && subIndex != "" {
			return nil, ErrSubNotExist
		}
		return object, nil
	case *VariableList:
		switch sub := subIndex.(type) {
		case string:
			return object.GetSubObjectByName(sub)
		case int:
			if sub < 0 || sub >= 256 {
				return nil, ErrSubNotExist
			}
			return object.GetSubObject(uint8(sub))
		case uint8:
			return object.GetSubObject(sub)
		default:
			return nil, ErrDevIncompat
		}
	default:
		return nil, ErrDevIncompat
	}
}

// MaxSubIndex returns the highest sub index, 0 for a VAR
func (entry *Entry) MaxSubIndex() uint8 {
	if list, ok := entry.object.(*VariableList); ok {
		return list.MaxSubIndex()
	}
	return 0
}

// SubCount returns the number of members, 1 for a VAR
func (entry *Entry) SubCount() int {
	if list, ok := entry.object.(*VariableList); ok {
		return len(list.Variables)
	}
	return 1
}

// AddHook replaces the access hook of the entry. SDO transfers, remote
// or local, go through it. Domain entries are only reachable this way.
func (entry *Entry) AddHook(hook Hook) {
	entry.logger.Debugf("added hook %T", hook)
	entry.hook = hook
}

func (entry *Entry) Hook() Hook {
	return entry.hook
}

// Uint8, Uint16 and Uint32 read OD memory directly, hooks are not called.
// The stored value must have exactly the requested width.
func (entry *Entry) Uint8(subIndex uint8) (uint8, error) {
	value, err := entry.readUint(subIndex, 1)
	return uint8(value), err
}

func (entry *Entry) Uint16(subIndex uint8) (uint16, error) {
	value, err := entry.readUint(subIndex, 2)
	return uint16(value), err
}

func (entry *Entry) Uint32(subIndex uint8) (uint32, error) {
	value, err := entry.readUint(subIndex, 4)
	return uint32(value), err
}

// PutUint8, PutUint16 and PutUint32 write OD memory directly, hooks are
// not called.
func (entry *Entry) PutUint8(subIndex uint8, value uint8) error {
	return entry.writeUint(subIndex, 1, uint64(value))
}

func (entry *Entry) PutUint16(subIndex uint8, value uint16) error {
	return entry.writeUint(subIndex, 2, uint64(value))
}

func (entry *Entry) PutUint32(subIndex uint8, value uint32) error {
	return entry.writeUint(subIndex, 4, uint64(value))
}

func (entry *Entry) readUint(subIndex uint8, width int) (uint64, error) {
	variable, err := entry.SubIndex(subIndex)
	if err != nil {
		return 0, err
	}
	if variable.IsDomain() {
		return 0, ErrUnsuppAccess
	}
	raw := variable.Bytes()
	if len(raw) != width {
		return 0, ErrTypeMismatch
	}
	padded := make([]byte, 8)
	copy(padded, raw)
	return binary.LittleEndian.Uint64(padded), nil
}

func (entry *Entry) writeUint(subIndex uint8, width int, value uint64) error {
	variable, err := entry.SubIndex(subIndex)
	if err != nil {
		return err
	}
	raw := binary.LittleEndian.AppendUint64(nil, value)
	return variable.SetBytes(raw[:width])
}
