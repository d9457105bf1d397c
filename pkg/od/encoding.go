package od

import (
	"encoding/binary"
	"math"
	"strconv"
)

// Size in bytes of fixed size data types, 0 for strings and domains
func dataTypeSize(dataType uint8) int {
	switch dataType {
	case BOOLEAN, UNSIGNED8, INTEGER8:
		return 1
	case UNSIGNED16, INTEGER16:
		return 2
	case UNSIGNED32, INTEGER32, REAL32:
		return 4
	case UNSIGNED64, INTEGER64, REAL64:
		return 8
	default:
		return 0
	}
}

func isSigned(dataType uint8) bool {
	return dataType == INTEGER8 || dataType == INTEGER16 || dataType == INTEGER32 || dataType == INTEGER64
}

// Little endian encoding of the size lower bytes of value
func putUint(size int, value uint64) []byte {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, value)
	return data[:size]
}

func getUint(data []byte) uint64 {
	var raw [8]byte
	copy(raw[:], data)
	return binary.LittleEndian.Uint64(raw[:])
}

// EncodeFromString value from EDS into bytes respecting canopen datatype
// offset is added to integer values ($NODEID substitution)
func EncodeFromString(value string, datatype uint8, offset uint8) ([]byte, error) {
	switch datatype {
	case VISIBLE_STRING, OCTET_STRING, UNICODE_STRING:
		return []byte(value), nil
	case DOMAIN:
		return []byte{}, nil
	}
	size := dataTypeSize(datatype)
	if size == 0 {
		return nil, ErrTypeMismatch
	}
	// Empty value is 0
	if value == "" {
		value = "0"
	}
	switch {
	case datatype == REAL32:
		parsed, err := strconv.ParseFloat(value, 32)
		return putUint(size, uint64(math.Float32bits(float32(parsed)))), err
	case datatype == REAL64:
		parsed, err := strconv.ParseFloat(value, 64)
		return putUint(size, math.Float64bits(parsed)), err
	case isSigned(datatype):
		parsed, err := strconv.ParseInt(value, 0, size*8)
		return putUint(size, uint64(parsed+int64(offset))), err
	default:
		parsed, err := strconv.ParseUint(value, 0, size*8)
		return putUint(size, parsed+uint64(offset)), err
	}
}

// Encode from generic type
func EncodeFromGeneric(data any) ([]byte, error) {
	switch val := data.(type) {
	case uint8:
		return []byte{val}, nil
	case int8:
		return []byte{byte(val)}, nil
	case uint16:
		return putUint(2, uint64(val)), nil
	case int16:
		return putUint(2, uint64(uint16(val))), nil
	case uint32:
		return putUint(4, uint64(val)), nil
	case int32:
		return putUint(4, uint64(uint32(val))), nil
	case uint64:
		return putUint(8, val), nil
	case int64:
		return putUint(8, uint64(val)), nil
	case float32:
		return putUint(4, uint64(math.Float32bits(val))), nil
	case float64:
		return putUint(8, math.Float64bits(val)), nil
	case string:
		return []byte(val), nil
	case []byte:
		return val, nil
	default:
		return nil, ErrTypeMismatch
	}
}

// Helper function for checking consistency between size and datatype
// Strings and domains are never checked.
func CheckSize(length int, dataType uint8) error {
	expected := dataTypeSize(dataType)
	switch {
	case expected == 0:
		return nil
	case length < expected:
		return ErrDataShort
	case length > expected:
		return ErrDataLong
	}
	return nil
}

// Decode byte array given the CANopen data type
// Integers are formatted in the given base
func DecodeToString(data []byte, dataType uint8, base int) (string, error) {
	switch dataType {
	case VISIBLE_STRING, OCTET_STRING, UNICODE_STRING, DOMAIN:
		return string(data), nil
	}
	size := dataTypeSize(dataType)
	if size == 0 {
		return "", ErrTypeMismatch
	}
	if err := CheckSize(len(data), dataType); err != nil {
		return "", err
	}
	raw := getUint(data)
	switch {
	case dataType == REAL32:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(raw))), 'f', -1, 32), nil
	case dataType == REAL64:
		return strconv.FormatFloat(math.Float64frombits(raw), 'f', -1, 64), nil
	case isSigned(dataType):
		// Sign extension
		shift := 64 - size*8
		return strconv.FormatInt(int64(raw<<shift)>>shift, base), nil
	default:
		return strconv.FormatUint(raw, base), nil
	}
}

var accessTypes = map[string]uint8{
	"rw":    AttributeSdoRw,
	"rww":   AttributeSdoRw,
	"rwr":   AttributeSdoRw,
	"ro":    AttributeSdoR,
	"const": AttributeSdoR,
	"wo":    AttributeSdoW,
}

// Attribute of an EDS entry from its access type, pdo mapping and data type
func EncodeAttribute(accessType string, pdoMapping bool, dataType uint8) uint8 {
	attribute, ok := accessTypes[accessType]
	if !ok {
		attribute = AttributeSdoRw
	}
	if pdoMapping {
		attribute |= AttributeTrpdo
	}
	switch size := dataTypeSize(dataType); {
	case dataType == VISIBLE_STRING || dataType == OCTET_STRING || dataType == UNICODE_STRING:
		attribute |= AttributeStr
	case size > 1:
		attribute |= AttributeMb
	}
	return attribute
}

// EDS access type of an attribute
func DecodeAttribute(attribute uint8) string {
	switch {
	case attribute&AttributeSdoRw == AttributeSdoRw:
		return "rw"
	case attribute&AttributeSdoR > 0:
		return "ro"
	case attribute&AttributeSdoW > 0:
		return "wo"
	default:
		return "rw"
	}
}
