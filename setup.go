package usb

import "encoding/binary"

// USB descriptor types
const (
	USB_DT_DEVICE    = 0x01
	USB_DT_CONFIG    = 0x02
	USB_DT_STRING    = 0x03
	USB_DT_INTERFACE = 0x04
	USB_DT_ENDPOINT  = 0x05
)

// USB standard requests
const (
	USB_REQ_GET_STATUS        = 0x00
	USB_REQ_CLEAR_FEATURE     = 0x01
	USB_REQ_SET_FEATURE       = 0x03
	USB_REQ_GET_DESCRIPTOR    = 0x06
	USB_REQ_SET_DESCRIPTOR    = 0x07
	USB_REQ_GET_CONFIGURATION = 0x08
	USB_REQ_SET_CONFIGURATION = 0x09
	USB_REQ_GET_INTERFACE     = 0x0A
	USB_REQ_SET_INTERFACE     = 0x0B
)

// bmRequestType bitfield: bit 7 direction, bits 6..5 request class,
// bits 4..0 recipient.
const (
	RequestTypeDirIn  = 0x80
	RequestTypeDirOut = 0x00

	RequestTypeStandard = 0x00 << 5
	RequestTypeClass    = 0x01 << 5
	RequestTypeVendor   = 0x02 << 5

	RecipientDevice    = 0x00
	RecipientInterface = 0x01
	RecipientEndpoint  = 0x02
	RecipientOther     = 0x03
)

// SetupPacketSize is the wire size of a control setup packet (USB 2.0 §9.3).
const SetupPacketSize = 8

// SetupPacket is the fixed 8-byte header of a USB control request. A
// packet is built fresh for each standard request and never mutated
// after construction.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// Marshal encodes the packet in wire order: bmRequestType, bRequest,
// then wValue, wIndex and wLength little-endian.
func (s SetupPacket) Marshal() [SetupPacketSize]byte {
	var b [SetupPacketSize]byte
	b[0] = s.RequestType
	b[1] = s.Request
	binary.LittleEndian.PutUint16(b[2:4], s.Value)
	binary.LittleEndian.PutUint16(b[4:6], s.Index)
	binary.LittleEndian.PutUint16(b[6:8], s.Length)
	return b
}

// ParseSetupPacket decodes an 8-byte wire image into a SetupPacket.
func ParseSetupPacket(b []byte) (SetupPacket, bool) {
	if len(b) < SetupPacketSize {
		return SetupPacket{}, false
	}
	return SetupPacket{
		RequestType: b[0],
		Request:     b[1],
		Value:       binary.LittleEndian.Uint16(b[2:4]),
		Index:       binary.LittleEndian.Uint16(b[4:6]),
		Length:      binary.LittleEndian.Uint16(b[6:8]),
	}, true
}

// IsIn reports whether the packet requests a device-to-host data stage.
func (s SetupPacket) IsIn() bool {
	return s.RequestType&RequestTypeDirIn != 0
}

// descriptorValue packs a descriptor type and index into the wValue
// field of a GET_DESCRIPTOR request.
func descriptorValue(descType, descIndex uint8) uint16 {
	return uint16(descType)<<8 | uint16(descIndex)
}
