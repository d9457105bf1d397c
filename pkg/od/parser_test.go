package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefault(t *testing.T) {
	od := Default()
	assert.NotNil(t, od.Index(0x1018))
	assert.NotNil(t, od.Index("SDO server parameter"))
	value, err := od.Index(0x2000).SubIndex(0)
	require.Nil(t, err)
	assert.EqualValues(t, 20, value.DataLength())
	assert.Equal(t, AttributeSdoRw|AttributeStr, value.Attribute)
}

func TestParseNodeId(t *testing.T) {
	od, err := Parse("testdata/device.eds", 0x22)
	require.Nil(t, err)

	cobId, err := od.Index(0x1014).Uint32(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x80+0x22, cobId)
	cobId, _ = od.Index(0x1200).Uint32(1)
	assert.EqualValues(t, 0x600+0x22, cobId)
	cobId, _ = od.Index(0x1200).Uint32(2)
	assert.EqualValues(t, 0x580+0x22, cobId)

	// No ObjectType defaults to VAR
	deviceType := od.Index(0x1000)
	assert.Equal(t, ObjectTypeVAR, deviceType.ObjectType)

	firmware := od.Index(0x3000)
	assert.Equal(t, ObjectTypeVAR, firmware.ObjectType)
	variable, _ := firmware.SubIndex(0)
	assert.True(t, variable.IsDomain())

	gains := od.Index(0x3100)
	assert.Equal(t, ObjectTypeARRAY, gains.ObjectType)
	assert.EqualValues(t, 2, gains.MaxSubIndex())
	gain, err := gains.SubIndex("Gain 2")
	require.Nil(t, err)
	assert.EqualValues(t, 2, gain.SubIndex)
	assert.Equal(t, AttributeSdoRw|AttributeTrpdo|AttributeMb, gain.Attribute)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("testdata/not_existing.eds", 0)
	assert.NotNil(t, err)

	raw := []byte("[2000sub1]\nParameterName=orphan\nDataType=0x0005\nAccessType=rw\n")
	_, err = Parse(raw, 0)
	assert.NotNil(t, err)

	raw = []byte("[2000]\nParameterName=bad\nObjectType=0x5\n")
	_, err = Parse(raw, 0)
	assert.NotNil(t, err)
}
