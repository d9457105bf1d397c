package config_test

import (
	"context"
	"sync"
	"testing"
	"time"

	canopen "github.com/samsamfire/gocanopen-sdo"
	"github.com/samsamfire/gocanopen-sdo/pkg/can/virtual"
	"github.com/samsamfire/gocanopen-sdo/pkg/config"
	"github.com/samsamfire/gocanopen-sdo/pkg/emergency"
	"github.com/samsamfire/gocanopen-sdo/pkg/node"
	"github.com/samsamfire/gocanopen-sdo/pkg/od"
	"github.com/samsamfire/gocanopen-sdo/pkg/sdo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	nodeIdDevice uint8 = 0x10
	nodeIdMaster uint8 = 0x01
)

func newRunningNode(t *testing.T, nodeId uint8) *node.LocalNode {
	bus, err := virtual.NewVirtualCanBus(t.Name())
	require.Nil(t, err)
	require.Nil(t, bus.Connect())
	bm := canopen.NewBusManager(bus)
	require.Nil(t, bus.Subscribe(bm))
	local, err := node.NewLocalNode(bm, od.DefaultFor(nodeId), nodeId, sdo.DefaultServerConfig(), sdo.DefaultClientConfig())
	require.Nil(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		local.Run(ctx, 1)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		bus.Disconnect()
	})
	return local
}

// Configurator of the device, accessed from the master
func newConfigurator(t *testing.T) (*config.NodeConfigurator, *node.LocalNode) {
	device := newRunningNode(t, nodeIdDevice)
	master := newRunningNode(t, nodeIdMaster)
	remote, err := master.Remote(nodeIdDevice, nil)
	require.Nil(t, err)
	return remote.Configurator(), device
}

func TestReadIdentity(t *testing.T) {
	configurator, device := newConfigurator(t)
	assert.EqualValues(t, nodeIdDevice, configurator.NodeId())
	identity := device.GetOD().Index(od.EntryIdentityObject)
	require.Nil(t, identity.PutUint32(1, 0x1234))
	require.Nil(t, identity.PutUint32(4, 0xCAFE))

	id, err := configurator.ReadIdentity()
	require.Nil(t, err)
	assert.Equal(t, config.Identity{VendorId: 0x1234, SerialNumber: 0xCAFE}, *id)

	deviceType, err := configurator.ReadDeviceType()
	assert.Nil(t, err)
	assert.EqualValues(t, 0, deviceType)
}

func TestReadManufacturerInformation(t *testing.T) {
	configurator, _ := newConfigurator(t)
	info := configurator.ReadManufacturerInformation()
	assert.Equal(t, config.ManufacturerInformation{
		DeviceName:      "gocanopen-sdo",
		HardwareVersion: "v1.0",
		SoftwareVersion: "v1.0.0",
	}, info)
}

func TestSDOParameters(t *testing.T) {
	configurator, device := newConfigurator(t)
	server, err := configurator.ReadServerParameter(0)
	require.Nil(t, err)
	assert.EqualValues(t, 0x610, server.CobIdClientToServer)
	assert.EqualValues(t, 0x590, server.CobIdServerToClient)
	assert.True(t, server.Enabled())

	client, err := configurator.ReadClientParameter(0)
	require.Nil(t, err)
	assert.False(t, client.Enabled())

	_, err = configurator.ReadClientParameter(1)
	assert.Equal(t, sdo.AbortNotExist, err)
	_, err = configurator.ReadServerParameter(0x80)
	assert.ErrorIs(t, err, canopen.ErrIllegalArgument)

	param := config.SDOParameter{CobIdClientToServer: 0x680, CobIdServerToClient: 0x690, NodeId: 0x22}
	require.Nil(t, configurator.WriteClientParameter(0, param))
	client, err = configurator.ReadClientParameter(0)
	require.Nil(t, err)
	assert.Equal(t, param, client)
	assert.EqualValues(t, 0x22, device.SDOClient().NodeIdServer())

	// Restricted identifiers are refused
	param.CobIdClientToServer = 0x605
	assert.Equal(t, sdo.AbortInvalidValue, configurator.WriteClientParameter(0, param))

	require.Nil(t, configurator.DisableClient(0))
	client, err = configurator.ReadClientParameter(0)
	require.Nil(t, err)
	assert.False(t, client.Enabled())
}

func TestErrorHistory(t *testing.T) {
	configurator, device := newConfigurator(t)
	history, err := configurator.ReadErrorHistory()
	require.Nil(t, err)
	assert.Empty(t, history)

	device.EMCY.ErrorReport(emergency.EmGenericError, emergency.ErrGeneric, 0)
	device.EMCY.ErrorReport(emergency.EmRxMsgOverflow, emergency.ErrCommunication, 0)
	assert.Eventually(t, func() bool {
		register, err := configurator.ReadErrorRegister()
		return err == nil && register == emergency.ErrRegGeneric|emergency.ErrRegCommunication
	}, time.Second, 10*time.Millisecond)

	history, err = configurator.ReadErrorHistory()
	require.Nil(t, err)
	assert.Equal(t, []uint32{
		uint32(emergency.EmRxMsgOverflow)<<24 | uint32(emergency.ErrCommunication),
		uint32(emergency.EmGenericError)<<24 | uint32(emergency.ErrGeneric),
	}, history)
}
