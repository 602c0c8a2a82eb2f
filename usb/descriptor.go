package usb

import (
	"encoding/binary"
	"fmt"
)

// USB descriptor type constants
const (
	DeviceDescType    = 0x01
	ConfigDescType    = 0x02
	StringDescType    = 0x03
	InterfaceDescType = 0x04
	EndpointDescType  = 0x05
)

// DeviceDescLen is the fixed device descriptor length from the USB spec.
const DeviceDescLen = 18

// DeviceDescriptor is the standard 18-byte USB device descriptor as read
// back with GET_DESCRIPTOR. Multi-byte fields are little-endian on the wire.
type DeviceDescriptor struct {
	BcdUSB             uint16
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16
	IDProduct          uint16
	BcdDevice          uint16
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
}

// ParseDeviceDescriptor decodes a device descriptor out of a control
// transfer's data stage.
func ParseDeviceDescriptor(raw []byte) (DeviceDescriptor, error) {
	var d DeviceDescriptor
	if len(raw) < DeviceDescLen {
		return d, fmt.Errorf("device descriptor truncated: got %d of %d bytes", len(raw), DeviceDescLen)
	}
	if raw[1] != DeviceDescType {
		return d, fmt.Errorf("descriptor type 0x%02x is not a device descriptor", raw[1])
	}
	d.BcdUSB = binary.LittleEndian.Uint16(raw[2:4])
	d.BDeviceClass = raw[4]
	d.BDeviceSubClass = raw[5]
	d.BDeviceProtocol = raw[6]
	d.BMaxPacketSize0 = raw[7]
	d.IDVendor = binary.LittleEndian.Uint16(raw[8:10])
	d.IDProduct = binary.LittleEndian.Uint16(raw[10:12])
	d.BcdDevice = binary.LittleEndian.Uint16(raw[12:14])
	d.IManufacturer = raw[14]
	d.IProduct = raw[15]
	d.ISerialNumber = raw[16]
	d.BNumConfigurations = raw[17]
	return d, nil
}

// GetDescriptorSetup builds the EP0 setup packet for a standard
// GET_DESCRIPTOR request (bmRequestType 0x80, bRequest 0x06).
func GetDescriptorSetup(descType, index uint8, length uint16) SetupPacket {
	var s SetupPacket
	s[0] = 0x80
	s[1] = 0x06
	s[2] = index    // wValue low: descriptor index
	s[3] = descType // wValue high: descriptor type
	binary.LittleEndian.PutUint16(s[6:8], length)
	return s
}
