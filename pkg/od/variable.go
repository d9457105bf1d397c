package od

import (
	"fmt"
	"sync"
)

// Variable is the data representation of a single value inside of the OD,
// either a VAR entry or a sub entry of an ARRAY or RECORD.
type Variable struct {
	mu           sync.RWMutex
	value        []byte
	valueDefault []byte
	// Name of the variable
	Name string
	// The CANopen data type of the variable e.g. UNSIGNED32
	DataType uint8
	// Attribute contains the access type as well as the mapping
	// information. e.g. AttributeSdoRw | AttributeRpdo
	Attribute uint8
	// SubIndex of the variable inside of its entry, 0 for a VAR
	SubIndex uint8
	// HostOrder is set when the memory holds multi-byte values in the
	// byte order of the host instead of little endian.
	HostOrder bool
}

// Return number of bytes
func (variable *Variable) DataLength() uint32 {
	return uint32(len(variable.value))
}

// Return default value as byte slice
func (variable *Variable) DefaultValue() []byte {
	return variable.valueDefault
}

// IsDomain is true when the variable has no memory inside of the OD
func (variable *Variable) IsDomain() bool {
	return variable.DataType == DOMAIN
}

// Bytes returns a copy of the current value
func (variable *Variable) Bytes() []byte {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	value := make([]byte, len(variable.value))
	copy(value, variable.value)
	return value
}

// SetBytes replaces the current value, length must match
func (variable *Variable) SetBytes(value []byte) error {
	variable.mu.Lock()
	defer variable.mu.Unlock()
	if variable.IsDomain() {
		return ErrUnsuppAccess
	}
	if len(value) != len(variable.value) {
		return ErrTypeMismatch
	}
	copy(variable.value, value)
	return nil
}

// NewVariable builds a variable whose value and default are both
// encoded from value. DOMAIN variables have no memory.
func NewVariable(
	subindex uint8,
	name string,
	datatype uint8,
	attribute uint8,
	value string,
) (*Variable, error) {
	variable := &Variable{
		SubIndex:  subindex,
		Name:      name,
		Attribute: attribute,
		DataType:  datatype,
	}
	if datatype == DOMAIN {
		return variable, nil
	}
	encoded, err := EncodeFromString(value, datatype, 0)
	if err != nil {
		return nil, fmt.Errorf("%v : %w", name, err)
	}
	variable.valueDefault = encoded
	variable.value = append(make([]byte, 0, len(encoded)), encoded...)
	return variable, nil
}

// VariableList holds the members of an ARRAY or a RECORD.
// ARRAY members sit at their sub index, RECORD members are appended
// and may leave holes.
type VariableList struct {
	Variables  []*Variable
	objectType uint8
	names      map[string]uint8
}

func (list *VariableList) isArray() bool {
	return list.objectType == ObjectTypeARRAY
}

// GetSubObject returns the member at subindex
func (list *VariableList) GetSubObject(subindex uint8) (*Variable, error) {
	if list.isArray() {
		if int(subindex) < len(list.Variables) && list.Variables[subindex] != nil {
			return list.Variables[subindex], nil
		}
		return nil, ErrSubNotExist
	}
	for _, variable := range list.Variables {
		if variable.SubIndex == subindex {
			return variable, nil
		}
	}
	return nil, ErrSubNotExist
}

// GetSubObjectByName returns the member called name
func (list *VariableList) GetSubObjectByName(name string) (*Variable, error) {
	if sub, ok := list.names[name]; ok {
		return list.GetSubObject(sub)
	}
	return nil, ErrSubNotExist
}

// MaxSubIndex returns the highest sub index of the list
func (list *VariableList) MaxSubIndex() uint8 {
	if list.isArray() {
		if len(list.Variables) == 0 {
			return 0
		}
		return uint8(len(list.Variables) - 1)
	}
	highest := uint8(0)
	for _, variable := range list.Variables {
		highest = max(highest, variable.SubIndex)
	}
	return highest
}

// AddSubObject creates a member and adds it to the list.
// For an ARRAY, subindex must be inside of the declared length.
func (list *VariableList) AddSubObject(
	subindex uint8,
	name string,
	datatype uint8,
	attribute uint8,
	value string,
) (*Variable, error) {
	variable, err := NewVariable(subindex, name, datatype, attribute, value)
	if err != nil {
		return nil, err
	}
	return variable, list.addVariable(variable)
}

func (list *VariableList) addVariable(variable *Variable) error {
	switch {
	case !list.isArray():
		list.Variables = append(list.Variables, variable)
	case int(variable.SubIndex) < len(list.Variables):
		list.Variables[variable.SubIndex] = variable
	default:
		logger.Errorf("array member x%x outside of length %v", variable.SubIndex, len(list.Variables))
		return ErrSubNotExist
	}
	list.names[variable.Name] = variable.SubIndex
	return nil
}

func NewRecord() *VariableList {
	return &VariableList{objectType: ObjectTypeRECORD, names: map[string]uint8{}}
}

func NewArray(length uint8) *VariableList {
	return &VariableList{
		objectType: ObjectTypeARRAY,
		Variables:  make([]*Variable, length),
		names:      map[string]uint8{},
	}
}
