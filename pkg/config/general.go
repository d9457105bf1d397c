package config

import (
	"github.com/samsamfire/gocanopen-sdo/pkg/od"
)

// Identity mirrors the identity object 0x1018
type Identity struct {
	VendorId       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32
}

// ManufacturerInformation groups the optional strings 0x1008 to 0x100A
type ManufacturerInformation struct {
	DeviceName      string
	HardwareVersion string
	SoftwareVersion string
}

// ReadIdentity reads 0x1018. Only the vendor id is mandatory, the
// other fields are left to 0 when the device does not implement them.
func (config *NodeConfigurator) ReadIdentity() (*Identity, error) {
	identity := &Identity{}
	fields := []*uint32{&identity.VendorId, &identity.ProductCode, &identity.RevisionNumber, &identity.SerialNumber}
	for i, field := range fields {
		value, err := config.client.ReadUint32(config.nodeId, od.EntryIdentityObject, uint8(i+1))
		if err != nil && i == 0 {
			return nil, err
		}
		if err != nil {
			config.logger.Debugf("identity sub x%x not readable : %v", i+1, err)
			continue
		}
		*field = value
	}
	return identity, nil
}

// ReadDeviceType reads 0x1000
func (config *NodeConfigurator) ReadDeviceType() (uint32, error) {
	return config.client.ReadUint32(config.nodeId, od.EntryDeviceType, 0)
}

func (config *NodeConfigurator) readString(index uint16) (string, error) {
	raw, err := config.client.ReadAll(config.nodeId, index, 0)
	return string(raw), err
}

func (config *NodeConfigurator) ReadManufacturerDeviceName() (string, error) {
	return config.readString(od.EntryManufacturerDevName)
}

func (config *NodeConfigurator) ReadManufacturerHardwareVersion() (string, error) {
	return config.readString(od.EntryManufacturerHwVer)
}

func (config *NodeConfigurator) ReadManufacturerSoftwareVersion() (string, error) {
	return config.readString(od.EntryManufacturerSwVer)
}

// ReadManufacturerInformation reads every manufacturer string, missing
// ones are left empty
func (config *NodeConfigurator) ReadManufacturerInformation() ManufacturerInformation {
	info := ManufacturerInformation{}
	info.DeviceName, _ = config.ReadManufacturerDeviceName()
	info.HardwareVersion, _ = config.ReadManufacturerHardwareVersion()
	info.SoftwareVersion, _ = config.ReadManufacturerSoftwareVersion()
	return info
}
