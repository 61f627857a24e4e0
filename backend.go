package usb

import "fmt"

// Handle is an opaque backend device handle. Callers must treat it as a
// token: only the backend that issued it can interpret it.
type Handle any

// Backend is the capability surface the core requires from a transport.
// One implementation exists per driver variant; a Device holds a
// Backend reference and never a concrete backend type.
//
// Backends do not retry failed transfers and do not serialize
// concurrent calls on one handle. Both are the caller's concern.
type Backend interface {
	// Mode identifies the driver variant servicing devices opened
	// through this backend.
	Mode() DriverMode

	// Open acquires a handle for the device identified by path. The
	// path format is backend-specific ("/dev/bus/usb/001/004" for the
	// kernel backend, "vid:pid" for the library backend).
	Open(path string) (Handle, error)

	// Close releases a handle. A handle must be closed exactly once.
	Close(h Handle) error

	// ControlTransfer issues a control request described by setup. For
	// IN requests data receives the response; for OUT requests data is
	// the payload. It returns the number of bytes actually moved in
	// the data stage, which may be less than setup.Length.
	ControlTransfer(h Handle, setup SetupPacket, data []byte) (int, error)

	// GetDescriptor fetches the descriptor identified by type, index
	// and language ID into data, returning the transferred length.
	GetDescriptor(h Handle, descType, descIndex uint8, langID uint16, data []byte) (int, error)
}

// EndpointBackend is implemented by backends that can move data on
// bulk and interrupt endpoints.
type EndpointBackend interface {
	Backend

	// EndpointTransfer reads from (IN address) or writes to (OUT
	// address) the given endpoint, returning the transferred length.
	EndpointTransfer(h Handle, endpoint uint8, data []byte) (int, error)

	// ClearHalt clears a halt/stall condition on an endpoint.
	ClearHalt(h Handle, endpoint uint8) error
}

// Enumerator is implemented by backends that can discover attached
// devices without opening them.
type Enumerator interface {
	Enumerate() ([]DeviceInfo, error)
}

// DeviceInfo describes an attached device before any handle is opened.
// Path is in the backend's own format and can be passed to Open.
type DeviceInfo struct {
	Path              string
	Bus               uint8
	Address           uint8
	VendorID          uint16
	ProductID         uint16
	DeviceClass       uint8
	NumConfigurations uint8
	Manufacturer      string
	Product           string
	Serial            string
}

// UsbError records a failed operation: the logical operation name, the
// device path it targeted, and the backend error (typically a platform
// errno). It is the error type returned by all Device operations, so
// callers can recover the platform code with errors.As.
type UsbError struct {
	Op   string
	Path string
	Err  error
}

func (e *UsbError) Error() string {
	return fmt.Sprintf("usb: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *UsbError) Unwrap() error { return e.Err }
