package od

import (
	_ "embed"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

//go:embed base.eds
var rawDefaultOd []byte

// Default returns the embedded dictionary without node id substitution
func Default() *ObjectDictionary {
	return DefaultFor(0)
}

// DefaultFor returns the embedded dictionary, with $NODEID resolved
// to nodeId
func DefaultFor(nodeId uint8) *ObjectDictionary {
	odict, err := Parse(rawDefaultOd, nodeId)
	if err != nil {
		panic(err)
	}
	return odict
}

var nodeIdExpr = regexp.MustCompile(`\+?\$NODEID\+?`)

// sectionAddress splits an EDS section name : "2000" or "2000sub1"
func sectionAddress(name string) (index uint16, subIndex uint8, isSub bool, ok bool) {
	head, tail, isSub := strings.Cut(strings.ToLower(name), "sub")
	if len(head) != 4 {
		return 0, 0, false, false
	}
	idx, err := strconv.ParseUint(head, 16, 16)
	if err != nil {
		return 0, 0, false, false
	}
	if !isSub {
		return uint16(idx), 0, false, true
	}
	sidx, err := strconv.ParseUint(tail, 16, 8)
	if err != nil {
		return 0, 0, false, false
	}
	return uint16(idx), uint8(sidx), true, true
}

// Parse builds a dictionary from an EDS description.
// file can be a path, an *os.File or raw []byte, anything [ini.Load] accepts.
// Default values containing $NODEID get nodeId added.
func Parse(file any, nodeId uint8) (*ObjectDictionary, error) {
	edsFile, err := ini.Load(file)
	if err != nil {
		return nil, fmt.Errorf("load EDS : %w", err)
	}
	odict := NewOD()
	members := make([]*ini.Section, 0)

	for _, section := range edsFile.Sections() {
		index, _, isSub, ok := sectionAddress(section.Name())
		switch {
		case !ok:
			// [FileInfo], [DeviceInfo], [MandatoryObjects]...
			continue
		case isSub:
			members = append(members, section)
			continue
		}
		if err := parseObject(odict, section, index, nodeId); err != nil {
			return nil, err
		}
	}

	// Members are attached once every parent object exists
	for _, section := range members {
		index, subIndex, _, _ := sectionAddress(section.Name())
		entry := odict.Index(index)
		if entry == nil {
			return nil, fmt.Errorf("member x%x|x%x has no parent object", index, subIndex)
		}
		list, ok := entry.object.(*VariableList)
		if !ok {
			return nil, fmt.Errorf("x%x is a %T and cannot hold member x%x", index, entry.object, subIndex)
		}
		variable, err := parseVariable(section, index, subIndex, nodeId)
		if err != nil {
			return nil, err
		}
		if err := list.addVariable(variable); err != nil {
			return nil, fmt.Errorf("x%x|x%x : %w", index, subIndex, err)
		}
	}
	return odict, nil
}

func parseObject(odict *ObjectDictionary, section *ini.Section, index uint16, nodeId uint8) error {
	name := section.Key("ParameterName").String()
	objectType := uint8(ObjectTypeVAR)
	if raw, err := strconv.ParseUint(section.Key("ObjectType").Value(), 0, 8); err == nil {
		objectType = uint8(raw)
	}

	switch objectType {
	case ObjectTypeVAR, ObjectTypeDOMAIN:
		variable, err := parseVariable(section, index, 0, nodeId)
		if err != nil {
			return err
		}
		odict.addEntry(newEntry(index, name, variable, objectType))
	case ObjectTypeARRAY:
		subNumber, err := strconv.ParseUint(section.Key("SubNumber").Value(), 0, 8)
		if err != nil {
			return fmt.Errorf("x%x : invalid SubNumber : %w", index, err)
		}
		odict.AddVariableList(index, name, NewArray(uint8(subNumber)))
	case ObjectTypeRECORD:
		odict.AddVariableList(index, name, NewRecord())
	default:
		return fmt.Errorf("x%x : unsupported object type %v", index, objectType)
	}
	return nil
}

func parseVariable(section *ini.Section, index uint16, subIndex uint8, nodeId uint8) (*Variable, error) {
	accessType, err := section.GetKey("AccessType")
	if err != nil {
		return nil, fmt.Errorf("x%x|x%x : missing AccessType", index, subIndex)
	}
	pdoMapping := false
	if key, err := section.GetKey("PDOMapping"); err == nil {
		if pdoMapping, err = key.Bool(); err != nil {
			return nil, fmt.Errorf("x%x|x%x : invalid PDOMapping : %w", index, subIndex, err)
		}
	}
	dataType, err := strconv.ParseUint(section.Key("DataType").Value(), 0, 8)
	if err != nil {
		return nil, fmt.Errorf("x%x|x%x : invalid DataType : %w", index, subIndex, err)
	}

	variable := &Variable{
		Name:     section.Key("ParameterName").String(),
		SubIndex: subIndex,
		DataType: uint8(dataType),
	}
	variable.Attribute = EncodeAttribute(strings.ToLower(accessType.String()), pdoMapping, variable.DataType)
	if variable.DataType == DOMAIN {
		return variable, nil
	}

	defaultValue := section.Key("DefaultValue").Value()
	offset := uint8(0)
	if strings.Contains(defaultValue, "$NODEID") {
		defaultValue = nodeIdExpr.ReplaceAllString(defaultValue, "")
		offset = nodeId
	}
	variable.valueDefault, err = EncodeFromString(defaultValue, variable.DataType, offset)
	if err != nil {
		return nil, fmt.Errorf("x%x|x%x : invalid DefaultValue for type x%x : %w", index, subIndex, variable.DataType, err)
	}
	variable.value = make([]byte, len(variable.valueDefault))
	copy(variable.value, variable.valueDefault)
	return variable, nil
}
