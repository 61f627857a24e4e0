// Package usb provides a driver-agnostic abstraction over USB host
// communication. A Device wraps an opaque backend handle and exposes
// control transfers, descriptor and string retrieval, configuration and
// alternate-interface queries, and bulk/interrupt endpoint readers and
// writers, without the caller needing to know whether the transport
// underneath is the kernel's usbfs, a user-mode driver, or a generic
// host USB library.
//
// The backend is pluggable: anything implementing Backend can service a
// Device. This package ships two variants, a Linux usbfs backend
// (NewKernelBackend) and a libusb-based backend (NewLibraryBackend)
// built on github.com/google/gousb.
package usb

import "fmt"

// Version returns the version of the library.
func Version() string {
	return "1.0.0"
}

// Error types
var (
	ErrDeviceNotFound   = fmt.Errorf("device not found")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDeviceBusy       = fmt.Errorf("device busy")
	ErrDeviceClosed     = fmt.Errorf("device closed")
	ErrHandleInvalid    = fmt.Errorf("device handle invalid")
	ErrShortTransfer    = fmt.Errorf("short transfer")
	ErrEndpointClosed   = fmt.Errorf("endpoint closed")
	ErrNotSupported     = fmt.Errorf("not supported")
)

// DriverMode identifies which backend transport variant is servicing a
// device. It is fixed when the Device is constructed and never changes
// for the lifetime of the instance.
type DriverMode int

const (
	DriverModeUnknown DriverMode = iota
	DriverModeKernel
	DriverModeUserMode
	DriverModeLibrary
	DriverModeLibraryWindows
)

func (m DriverMode) String() string {
	switch m {
	case DriverModeKernel:
		return "kernel"
	case DriverModeUserMode:
		return "usermode"
	case DriverModeLibrary:
		return "library"
	case DriverModeLibraryWindows:
		return "library-windows"
	default:
		return "unknown"
	}
}

// Endpoint direction
type EndpointDirection uint8

const (
	EndpointDirectionOut EndpointDirection = 0
	EndpointDirectionIn  EndpointDirection = 0x80
)
