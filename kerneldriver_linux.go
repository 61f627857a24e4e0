package usb

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// usbdevfs ioctl request codes
const (
	USBDEVFS_CONTROL    = 0xc0185500
	USBDEVFS_BULK       = 0xc0185502
	USBDEVFS_CLEAR_HALT = 0x80045515
)

// usbdevfsCtrl mirrors struct usbdevfs_ctrltransfer.
type usbdevfsCtrl struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32
	Data        unsafe.Pointer
}

// usbdevfsBulk mirrors struct usbdevfs_bulktransfer.
type usbdevfsBulk struct {
	Endpoint uint32
	Length   uint32
	Timeout  uint32
	Data     unsafe.Pointer
}

// KernelBackend services devices through the Linux usbfs character
// devices under /dev/bus/usb. Transfer timeouts are a property of the
// backend, not of individual calls.
type KernelBackend struct {
	Timeout time.Duration
}

// NewKernelBackend returns a usbfs backend with a 5 second transfer
// timeout.
func NewKernelBackend() *KernelBackend {
	return &KernelBackend{Timeout: 5 * time.Second}
}

type kernelHandle int

func (b *KernelBackend) Mode() DriverMode { return DriverModeKernel }

func (b *KernelBackend) Open(path string) (Handle, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		switch err {
		case unix.EACCES:
			return nil, ErrPermissionDenied
		case unix.ENOENT, unix.ENODEV:
			return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
		case unix.EBUSY:
			return nil, ErrDeviceBusy
		}
		return nil, fmt.Errorf("failed to open device: %w", err)
	}
	return kernelHandle(fd), nil
}

func (b *KernelBackend) Close(h Handle) error {
	fd, err := b.fd(h)
	if err != nil {
		return err
	}
	return unix.Close(fd)
}

func (b *KernelBackend) ControlTransfer(h Handle, setup SetupPacket, data []byte) (int, error) {
	fd, err := b.fd(h)
	if err != nil {
		return 0, err
	}

	var dataPtr unsafe.Pointer
	if len(data) > 0 {
		dataPtr = unsafe.Pointer(&data[0])
	}

	ctrl := usbdevfsCtrl{
		RequestType: setup.RequestType,
		Request:     setup.Request,
		Value:       setup.Value,
		Index:       setup.Index,
		Length:      setup.Length,
		Timeout:     uint32(b.Timeout.Milliseconds()),
		Data:        dataPtr,
	}

	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), USBDEVFS_CONTROL, uintptr(unsafe.Pointer(&ctrl)))
	if errno != 0 {
		return 0, mapErrno(errno)
	}
	return int(ret), nil
}

func (b *KernelBackend) GetDescriptor(h Handle, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	setup := SetupPacket{
		RequestType: RequestTypeDirIn | RequestTypeStandard | RecipientDevice,
		Request:     USB_REQ_GET_DESCRIPTOR,
		Value:       descriptorValue(descType, descIndex),
		Index:       langID,
		Length:      uint16(len(data)),
	}
	return b.ControlTransfer(h, setup, data)
}

func (b *KernelBackend) EndpointTransfer(h Handle, endpoint uint8, data []byte) (int, error) {
	fd, err := b.fd(h)
	if err != nil {
		return 0, err
	}

	var dataPtr unsafe.Pointer
	if len(data) > 0 {
		dataPtr = unsafe.Pointer(&data[0])
	}

	bulk := usbdevfsBulk{
		Endpoint: uint32(endpoint),
		Length:   uint32(len(data)),
		Timeout:  uint32(b.Timeout.Milliseconds()),
		Data:     dataPtr,
	}

	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), USBDEVFS_BULK, uintptr(unsafe.Pointer(&bulk)))
	if errno != 0 {
		return 0, mapErrno(errno)
	}
	return int(ret), nil
}

func (b *KernelBackend) ClearHalt(h Handle, endpoint uint8) error {
	fd, err := b.fd(h)
	if err != nil {
		return err
	}

	ep := uint32(endpoint)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), USBDEVFS_CLEAR_HALT, uintptr(unsafe.Pointer(&ep)))
	if errno != 0 {
		return mapErrno(errno)
	}
	return nil
}

func (b *KernelBackend) fd(h Handle) (int, error) {
	kh, ok := h.(kernelHandle)
	if !ok {
		return 0, fmt.Errorf("%w: not a usbfs handle", ErrHandleInvalid)
	}
	return int(kh), nil
}

// mapErrno keeps the platform errno reachable through errors.As while
// classifying disconnects so the core can invalidate the handle.
func mapErrno(errno unix.Errno) error {
	switch errno {
	case unix.ENODEV, unix.ENOENT:
		return fmt.Errorf("%w: %w", ErrDeviceNotFound, errno)
	case unix.EACCES, unix.EPERM:
		return fmt.Errorf("%w: %w", ErrPermissionDenied, errno)
	case unix.EBUSY:
		return fmt.Errorf("%w: %w", ErrDeviceBusy, errno)
	}
	return errno
}
