package usb

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/google/gousb"
)

// LibraryBackend services devices through libusb via
// github.com/google/gousb. Device paths are "vid:pid" in hex, e.g.
// "1d6b:0002". Timeout and transfer mechanics are libusb's.
type LibraryBackend struct {
	ctx *gousb.Context
}

// NewLibraryBackend initializes a libusb context. Call Shutdown when
// no more devices will be opened through it.
func NewLibraryBackend() *LibraryBackend {
	return &LibraryBackend{ctx: gousb.NewContext()}
}

// Shutdown releases the libusb context.
func (b *LibraryBackend) Shutdown() error {
	return b.ctx.Close()
}

func (b *LibraryBackend) Mode() DriverMode {
	if runtime.GOOS == "windows" {
		return DriverModeLibraryWindows
	}
	return DriverModeLibrary
}

// libraryHandle bundles the open gousb device with its lazily claimed
// default interface and endpoint lookups.
type libraryHandle struct {
	dev *gousb.Device

	mu   sync.Mutex
	intf *gousb.Interface
	done func()
	in   map[uint8]*gousb.InEndpoint
	out  map[uint8]*gousb.OutEndpoint
}

func (b *LibraryBackend) Open(path string) (Handle, error) {
	vid, pid, err := parseVidPid(path)
	if err != nil {
		return nil, err
	}

	dev, err := b.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}
	if dev == nil {
		return nil, ErrDeviceNotFound
	}

	return &libraryHandle{
		dev: dev,
		in:  make(map[uint8]*gousb.InEndpoint),
		out: make(map[uint8]*gousb.OutEndpoint),
	}, nil
}

func (b *LibraryBackend) Close(h Handle) error {
	lh, err := b.handle(h)
	if err != nil {
		return err
	}

	lh.mu.Lock()
	if lh.done != nil {
		lh.done()
		lh.done = nil
		lh.intf = nil
	}
	lh.mu.Unlock()

	return lh.dev.Close()
}

func (b *LibraryBackend) ControlTransfer(h Handle, setup SetupPacket, data []byte) (int, error) {
	lh, err := b.handle(h)
	if err != nil {
		return 0, err
	}

	n, err := lh.dev.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, data)
	if err != nil {
		return 0, mapLibusbErr(err)
	}
	return n, nil
}

func (b *LibraryBackend) GetDescriptor(h Handle, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	setup := SetupPacket{
		RequestType: RequestTypeDirIn | RequestTypeStandard | RecipientDevice,
		Request:     USB_REQ_GET_DESCRIPTOR,
		Value:       descriptorValue(descType, descIndex),
		Index:       langID,
		Length:      uint16(len(data)),
	}
	return b.ControlTransfer(h, setup, data)
}

func (b *LibraryBackend) EndpointTransfer(h Handle, endpoint uint8, data []byte) (int, error) {
	lh, err := b.handle(h)
	if err != nil {
		return 0, err
	}

	lh.mu.Lock()
	defer lh.mu.Unlock()

	if lh.intf == nil {
		intf, done, err := lh.dev.DefaultInterface()
		if err != nil {
			return 0, mapLibusbErr(err)
		}
		lh.intf = intf
		lh.done = done
	}

	num := endpoint & 0x0F
	if endpoint&uint8(EndpointDirectionIn) != 0 {
		ep, ok := lh.in[num]
		if !ok {
			ep, err = lh.intf.InEndpoint(int(num))
			if err != nil {
				return 0, mapLibusbErr(err)
			}
			lh.in[num] = ep
		}
		n, err := ep.Read(data)
		if err != nil {
			return n, mapLibusbErr(err)
		}
		return n, nil
	}

	ep, ok := lh.out[num]
	if !ok {
		ep, err = lh.intf.OutEndpoint(int(num))
		if err != nil {
			return 0, mapLibusbErr(err)
		}
		lh.out[num] = ep
	}
	n, err := ep.Write(data)
	if err != nil {
		return n, mapLibusbErr(err)
	}
	return n, nil
}

func (b *LibraryBackend) ClearHalt(h Handle, endpoint uint8) error {
	// libusb exposes clear-halt only per claimed endpoint transfer
	// object; gousb does not surface it.
	return ErrNotSupported
}

// Enumerate lists attached devices without opening them.
func (b *LibraryBackend) Enumerate() ([]DeviceInfo, error) {
	var infos []DeviceInfo

	// The opener never accepts, so the walk only collects descriptors.
	_, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		infos = append(infos, DeviceInfo{
			Path:              fmt.Sprintf("%04x:%04x", uint16(desc.Vendor), uint16(desc.Product)),
			Bus:               uint8(desc.Bus),
			Address:           uint8(desc.Address),
			VendorID:          uint16(desc.Vendor),
			ProductID:         uint16(desc.Product),
			DeviceClass:       uint8(desc.Class),
			NumConfigurations: uint8(len(desc.Configs)),
		})
		return false
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

func (b *LibraryBackend) handle(h Handle) (*libraryHandle, error) {
	lh, ok := h.(*libraryHandle)
	if !ok {
		return nil, fmt.Errorf("%w: not a libusb handle", ErrHandleInvalid)
	}
	return lh, nil
}

func parseVidPid(path string) (uint16, uint16, error) {
	vidStr, pidStr, ok := strings.Cut(path, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid device path %q, want vid:pid", path)
	}
	vid, err := strconv.ParseUint(vidStr, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vendor ID %q: %w", vidStr, err)
	}
	pid, err := strconv.ParseUint(pidStr, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid product ID %q: %w", pidStr, err)
	}
	return uint16(vid), uint16(pid), nil
}

func mapLibusbErr(err error) error {
	switch err {
	case gousb.ErrorNoDevice, gousb.ErrorNotFound:
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	case gousb.ErrorAccess:
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case gousb.ErrorBusy:
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	}
	return err
}
