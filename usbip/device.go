package usbip

import (
	"github.com/efficientgo/core/errors"

	"github.com/mikeclement/teensy-stuff/device"
	"github.com/mikeclement/teensy-stuff/device/hal/sim"
)

// Device is the device a Server exports.
type Device struct {
	// BusId is the id clients import the device by, e.g. "1-1".
	BusId string
	// Path is the sysfs path reported in device listings.
	Path string
	// BusNum and DevNum identify the device on the exporting host. DevNum
	// is also the USB address assigned on import.
	BusNum uint32
	DevNum uint32

	Host        *sim.Host
	Descriptors *device.DescriptorStore
}

// Description builds the device record from the descriptor store.
func (d *Device) Description() (DeviceDescription, []usbipInterfaceDescription, error) {
	var out DeviceDescription
	dev, err := d.Descriptors.Device()
	if err != nil {
		return out, nil, errors.Wrap(err, "device descriptor")
	}
	bundle, ok := d.Descriptors.Configuration()
	if !ok {
		return out, nil, errors.New("no configuration descriptor")
	}
	var cfg device.ConfigurationDescriptor
	if err := device.ParseConfigurationDescriptor(bundle, &cfg); err != nil {
		return out, nil, errors.Wrap(err, "configuration descriptor")
	}

	copy(out.Path[:], d.Path)
	copy(out.BusId[:], d.BusId)
	out.BusNum = d.BusNum
	out.DevNum = d.DevNum
	out.Speed = uint32(USBSpeedFull)
	out.Vendor = dev.VendorID
	out.Product = dev.ProductID
	out.BCDDevice = dev.DeviceVersion
	out.DeviceClass = dev.DeviceClass
	out.DeviceSubClass = dev.DeviceSubClass
	out.DeviceProtocol = dev.DeviceProtocol
	out.DeviceConfigurationValue = cfg.ConfigurationValue
	out.NumConfigurations = dev.NumConfigurations

	var ifaces []usbipInterfaceDescription
	device.WalkDescriptors(bundle, func(descType uint8, desc []byte) bool {
		if descType != device.DescriptorTypeInterface {
			return true
		}
		var iface device.InterfaceDescriptor
		if device.ParseInterfaceDescriptor(desc, &iface) == nil && iface.AlternateSetting == 0 {
			ifaces = append(ifaces, usbipInterfaceDescription{
				InterfaceClass:    iface.InterfaceClass,
				InterfaceSubClass: iface.InterfaceSubClass,
				InterfaceProtocol: iface.InterfaceProtocol,
			})
		}
		return true
	})
	out.NumInterfaces = uint8(len(ifaces))
	return out, ifaces, nil
}

// address returns the USB address the device gets on import.
func (d *Device) address() uint8 {
	return uint8(d.DevNum & 0x7F)
}
