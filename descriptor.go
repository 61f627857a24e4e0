package usb

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

const configDescSize = 9

// DeviceDescriptor represents a USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

func parseDeviceDescriptor(buf []byte) DeviceDescriptor {
	return DeviceDescriptor{
		Length:            buf[0],
		DescriptorType:    buf[1],
		USBVersion:        binary.LittleEndian.Uint16(buf[2:4]),
		DeviceClass:       buf[4],
		DeviceSubClass:    buf[5],
		DeviceProtocol:    buf[6],
		MaxPacketSize0:    buf[7],
		VendorID:          binary.LittleEndian.Uint16(buf[8:10]),
		ProductID:         binary.LittleEndian.Uint16(buf[10:12]),
		DeviceVersion:     binary.LittleEndian.Uint16(buf[12:14]),
		ManufacturerIndex: buf[14],
		ProductIndex:      buf[15],
		SerialNumberIndex: buf[16],
		NumConfigurations: buf[17],
	}
}

// ConfigDescriptor is a parsed USB configuration descriptor including
// its interface and endpoint tree.
type ConfigDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8

	Interfaces []Interface

	// Class-specific or unrecognized descriptors at config level.
	Extra []byte
}

// Interface groups the alternate settings of one interface number.
type Interface struct {
	AltSettings []InterfaceAltSetting
}

// InterfaceAltSetting is one interface descriptor with its endpoints.
type InterfaceAltSetting struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8

	Endpoints []EndpointDescriptor

	Extra []byte
}

// EndpointDescriptor is a parsed endpoint descriptor.
type EndpointDescriptor struct {
	Length         uint8
	DescriptorType uint8
	EndpointAddr   uint8
	Attributes     uint8
	MaxPacketSize  uint16
	Interval       uint8
}

// IsInput reports whether this is an IN endpoint.
func (e *EndpointDescriptor) IsInput() bool {
	return e.EndpointAddr&uint8(EndpointDirectionIn) != 0
}

// IsOutput reports whether this is an OUT endpoint.
func (e *EndpointDescriptor) IsOutput() bool {
	return !e.IsInput()
}

// Number returns the endpoint number without the direction bit.
func (e *EndpointDescriptor) Number() uint8 {
	return e.EndpointAddr & 0x0F
}

// TransferType returns the transfer type encoded in the attributes.
func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// Unmarshal parses a raw configuration descriptor blob, including the
// trailing interface, endpoint and class-specific descriptors.
func (c *ConfigDescriptor) Unmarshal(data []byte) error {
	if len(data) < configDescSize {
		return fmt.Errorf("config descriptor too short: %d bytes", len(data))
	}

	c.Length = data[0]
	c.DescriptorType = data[1]
	c.TotalLength = binary.LittleEndian.Uint16(data[2:4])
	c.NumInterfaces = data[4]
	c.ConfigurationValue = data[5]
	c.ConfigurationIndex = data[6]
	c.Attributes = data[7]
	c.MaxPower = data[8]
	c.Interfaces = nil
	c.Extra = nil

	byNumber := make(map[uint8]int) // interface number -> index in c.Interfaces
	var cur *InterfaceAltSetting

	flush := func() {
		if cur == nil {
			return
		}
		idx, ok := byNumber[cur.InterfaceNumber]
		if !ok {
			idx = len(c.Interfaces)
			c.Interfaces = append(c.Interfaces, Interface{})
			byNumber[cur.InterfaceNumber] = idx
		}
		c.Interfaces[idx].AltSettings = append(c.Interfaces[idx].AltSettings, *cur)
		cur = nil
	}

	pos := configDescSize
	for pos+2 <= len(data) {
		length := int(data[pos])
		descType := data[pos+1]
		if length < 2 || pos+length > len(data) {
			break
		}

		switch descType {
		case USB_DT_INTERFACE:
			if length < 9 {
				return fmt.Errorf("interface descriptor too short: %d bytes", length)
			}
			flush()
			cur = &InterfaceAltSetting{
				Length:            data[pos],
				DescriptorType:    data[pos+1],
				InterfaceNumber:   data[pos+2],
				AlternateSetting:  data[pos+3],
				NumEndpoints:      data[pos+4],
				InterfaceClass:    data[pos+5],
				InterfaceSubClass: data[pos+6],
				InterfaceProtocol: data[pos+7],
				InterfaceIndex:    data[pos+8],
			}

		case USB_DT_ENDPOINT:
			if length < 7 {
				return fmt.Errorf("endpoint descriptor too short: %d bytes", length)
			}
			ep := EndpointDescriptor{
				Length:         data[pos],
				DescriptorType: data[pos+1],
				EndpointAddr:   data[pos+2],
				Attributes:     data[pos+3],
				MaxPacketSize:  binary.LittleEndian.Uint16(data[pos+4 : pos+6]),
				Interval:       data[pos+6],
			}
			if cur != nil {
				cur.Endpoints = append(cur.Endpoints, ep)
			} else {
				c.Extra = append(c.Extra, data[pos:pos+length]...)
			}

		default:
			// Class-specific descriptor; keep raw bytes with whatever
			// it followed.
			if cur != nil {
				cur.Extra = append(cur.Extra, data[pos:pos+length]...)
			} else {
				c.Extra = append(c.Extra, data[pos:pos+length]...)
			}
		}

		pos += length
	}
	flush()

	return nil
}

// FindInterface returns the interface with the given number, or nil.
func (c *ConfigDescriptor) FindInterface(number uint8) *Interface {
	for i := range c.Interfaces {
		alts := c.Interfaces[i].AltSettings
		if len(alts) > 0 && alts[0].InterfaceNumber == number {
			return &c.Interfaces[i]
		}
	}
	return nil
}

// FindEndpoint locates an endpoint descriptor by address across all
// interfaces and alternate settings.
func (c *ConfigDescriptor) FindEndpoint(address uint8) *EndpointDescriptor {
	for i := range c.Interfaces {
		for j := range c.Interfaces[i].AltSettings {
			eps := c.Interfaces[i].AltSettings[j].Endpoints
			for k := range eps {
				if eps[k].EndpointAddr == address {
					return &eps[k]
				}
			}
		}
	}
	return nil
}

// decodeUTF16LE converts a little-endian UTF-16 payload to a string,
// stopping at a NUL code unit.
func decodeUTF16LE(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u := binary.LittleEndian.Uint16(b[i : i+2])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}
