package od

import "fmt"

// ODR is the error taxonomy returned when accessing the object dictionary
type ODR int8

const (
	ErrPartial      ODR = -1
	ErrNo           ODR = 0
	ErrOutOfMem     ODR = 1
	ErrUnsuppAccess ODR = 2
	ErrWriteOnly    ODR = 3
	ErrReadonly     ODR = 4
	ErrIdxNotExist  ODR = 5
	ErrNoMap        ODR = 6
	ErrMapLen       ODR = 7
	ErrParIncompat  ODR = 8
	ErrDevIncompat  ODR = 9
	ErrHw           ODR = 10
	ErrTypeMismatch ODR = 11
	ErrDataLong     ODR = 12
	ErrDataShort    ODR = 13
	ErrSubNotExist  ODR = 14
	ErrInvalidValue ODR = 15
	ErrValueHigh    ODR = 16
	ErrValueLow     ODR = 17
	ErrMaxLessMin   ODR = 18
	ErrNoRessource  ODR = 19
	ErrGeneral      ODR = 20
	ErrDataTransf   ODR = 21
	ErrDataLocCtrl  ODR = 22
	ErrDataDevState ODR = 23
	ErrOdMissing    ODR = 24
	ErrNoData       ODR = 25
	ErrCount        ODR = 26
)

var odrDescriptions = map[ODR]string{
	ErrPartial:      "partial access",
	ErrOutOfMem:     "out of memory",
	ErrUnsuppAccess: "unsupported access to an object",
	ErrWriteOnly:    "attempt to read a write only object",
	ErrReadonly:     "attempt to write a read only object",
	ErrIdxNotExist:  "object does not exist",
	ErrNoMap:        "object cannot be mapped to the PDO",
	ErrMapLen:       "PDO length exceeded",
	ErrParIncompat:  "general parameter incompatibility",
	ErrDevIncompat:  "general internal incompatibility in device",
	ErrHw:           "access failed due to hardware error",
	ErrTypeMismatch: "data type does not match, length does not match",
	ErrDataLong:     "data type does not match, length too high",
	ErrDataShort:    "data type does not match, length too short",
	ErrSubNotExist:  "sub index does not exist",
	ErrInvalidValue: "invalid value for parameter",
	ErrValueHigh:    "value range of parameter written too high",
	ErrValueLow:     "value range of parameter written too low",
	ErrMaxLessMin:   "maximum value is less than minimum value",
	ErrNoRessource:  "resource not available",
	ErrGeneral:      "general error",
	ErrDataTransf:   "data cannot be transferred or stored",
	ErrDataLocCtrl:  "data cannot be transferred because of local control",
	ErrDataDevState: "data cannot be transferred because of present device state",
	ErrOdMissing:    "object dictionary not present",
	ErrNoData:       "no data available",
}

func (odr ODR) Error() string {
	description, ok := odrDescriptions[odr]
	if !ok {
		return fmt.Sprintf("OD error %d", int8(odr))
	}
	return fmt.Sprintf("OD error %d : %s", int8(odr), description)
}

// Object dictionary object attribute
const (
	AttributeSdoR  uint8 = 0x01 // SDO server may read from the variable
	AttributeSdoW  uint8 = 0x02 // SDO server may write to the variable
	AttributeSdoRw uint8 = 0x03 // SDO server may read from or write to the variable
	AttributeTpdo  uint8 = 0x04 // Variable is mappable into TPDO (can be read)
	AttributeRpdo  uint8 = 0x08 // Variable is mappable into RPDO (can be written)
	AttributeTrpdo uint8 = 0x0C // Variable is mappable into TPDO or RPDO
	AttributeMb    uint8 = 0x40 // Variable is multi-byte ((u)int16_t to (u)int64_t)
	// Shorter value, than specified variable size, may be
	// written to the variable. SDO write will fill remaining memory with zeroes.
	// Attribute is used for VISIBLE_STRING and UNICODE_STRING.
	AttributeStr uint8 = 0x80
)

// CANopen data types
const (
	BOOLEAN        uint8 = 0x01
	INTEGER8       uint8 = 0x02
	INTEGER16      uint8 = 0x03
	INTEGER32      uint8 = 0x04
	UNSIGNED8      uint8 = 0x05
	UNSIGNED16     uint8 = 0x06
	UNSIGNED32     uint8 = 0x07
	REAL32         uint8 = 0x08
	VISIBLE_STRING uint8 = 0x09
	OCTET_STRING   uint8 = 0x0A
	UNICODE_STRING uint8 = 0x0B
	DOMAIN         uint8 = 0x0F
	REAL64         uint8 = 0x11
	INTEGER64      uint8 = 0x15
	UNSIGNED64     uint8 = 0x1B
)

// Object types, as found in EDS files
const (
	ObjectTypeDOMAIN uint8 = 2
	ObjectTypeVAR    uint8 = 7
	ObjectTypeARRAY  uint8 = 8
	ObjectTypeRECORD uint8 = 9
)

var objectTypeNames = map[uint8]string{
	ObjectTypeDOMAIN: "DOMAIN",
	ObjectTypeVAR:    "VARIABLE",
	ObjectTypeARRAY:  "ARRAY",
	ObjectTypeRECORD: "RECORD",
}

// Communication profile entries used by the SDO stack
const (
	EntryDeviceType           uint16 = 0x1000
	EntryManufacturerDevName  uint16 = 0x1008
	EntryManufacturerHwVer    uint16 = 0x1009
	EntryManufacturerSwVer    uint16 = 0x100A
	EntryIdentityObject       uint16 = 0x1018
	EntrySDOServerParameter   uint16 = 0x1200
	EntrySDOClientParameter   uint16 = 0x1280
	EntryErrorRegister        uint16 = 0x1001
	EntryPreDefinedErrorField uint16 = 0x1003
	EntryCobIdEMCY            uint16 = 0x1014
)
