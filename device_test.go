package usb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCloseLifecycle(t *testing.T) {
	b := newFakeBackend()
	d := NewDevice(b, "fake/dev0")

	assert.False(t, d.IsOpen())
	assert.Nil(t, d.Handle())

	require.NoError(t, d.Open())
	assert.True(t, d.IsOpen())
	assert.NotNil(t, d.Handle())
	assert.Equal(t, 1, b.openCount)

	// Opening an open device is a no-op reporting success.
	require.NoError(t, d.Open())
	assert.Equal(t, 1, b.openCount)

	require.NoError(t, d.Close())
	assert.False(t, d.IsOpen())
	assert.Nil(t, d.Handle())
	assert.Equal(t, 1, b.closeCount)

	// Closing a closed device is a no-op and must not release twice.
	require.NoError(t, d.Close())
	assert.Equal(t, 1, b.closeCount)
}

func TestTransferOnClosedDevice(t *testing.T) {
	b := newFakeBackend()
	d := NewDevice(b, "fake/dev0")

	_, err := d.ControlTransfer(SetupPacket{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceClosed)

	var usbErr *UsbError
	require.ErrorAs(t, err, &usbErr)
	assert.Equal(t, "ControlTransfer", usbErr.Op)
	assert.Equal(t, "fake/dev0", usbErr.Path)
}

func TestGetConfiguration(t *testing.T) {
	b := newFakeBackend()
	b.controlFn = func(setup SetupPacket, data []byte) (int, error) {
		data[0] = 0x01
		return 1, nil
	}
	d := NewDevice(b, "fake/dev0")
	require.NoError(t, d.Open())

	cfg, err := d.GetConfiguration()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), cfg)

	require.Len(t, b.setups, 1)
	assert.Equal(t, SetupPacket{
		RequestType: 0x80,
		Request:     0x08,
		Value:       0x0000,
		Index:       0x0000,
		Length:      0x0001,
	}, b.setups[0])
}

func TestGetConfigurationLengthMismatch(t *testing.T) {
	b := newFakeBackend()
	// Transport succeeds but moves zero bytes.
	b.controlFn = func(setup SetupPacket, data []byte) (int, error) {
		return 0, nil
	}
	d := NewDevice(b, "fake/dev0")
	require.NoError(t, d.Open())

	_, err := d.GetConfiguration()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShortTransfer)
}

func TestGetAltInterfaceSetting(t *testing.T) {
	b := newFakeBackend()
	b.controlFn = func(setup SetupPacket, data []byte) (int, error) {
		data[0] = 0x02
		return 1, nil
	}
	d := NewDevice(b, "fake/dev0")
	require.NoError(t, d.Open())

	alt, err := d.GetAltInterfaceSetting(3)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), alt)
	assert.Equal(t, SetupPacket{
		RequestType: 0x81,
		Request:     USB_REQ_GET_INTERFACE,
		Index:       3,
		Length:      1,
	}, b.setups[0])

	// A failed call also yields 0; the error is what distinguishes it
	// from alternate setting 0.
	b.controlFn = func(setup SetupPacket, data []byte) (int, error) {
		return 0, nil
	}
	alt, err = d.GetAltInterfaceSetting(3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShortTransfer)
	assert.Equal(t, uint8(0), alt)
}

func TestGetLangIDs(t *testing.T) {
	b := newFakeBackend()
	b.descriptors[descKey{typ: USB_DT_STRING}] = stringDescriptor(0x0409, 0x0407)
	d := NewDevice(b, "fake/dev0")
	require.NoError(t, d.Open())

	ids, err := d.GetLangIDs()
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x0409, 0x0407}, ids)
}

func TestGetLangIDsLengthMismatch(t *testing.T) {
	b := newFakeBackend()
	// Self-reported length disagrees with the transferred length.
	desc := stringDescriptor(0x0409)
	desc[0] = 10
	b.descriptors[descKey{typ: USB_DT_STRING}] = desc
	d := NewDevice(b, "fake/dev0")
	require.NoError(t, d.Open())

	ids, err := d.GetLangIDs()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShortTransfer)
	assert.Empty(t, ids)
}

func TestGetString(t *testing.T) {
	b := newFakeBackend()
	b.descriptors[descKey{typ: USB_DT_STRING, idx: 2, lang: 0x0409}] =
		stringDescriptor('W', 'i', 'd', 'g', 'e', 't')
	d := NewDevice(b, "fake/dev0")
	require.NoError(t, d.Open())

	s, err := d.GetString(0x0409, 2)
	require.NoError(t, err)
	assert.Equal(t, "Widget", s)
}

func TestGetStringEmptyPayload(t *testing.T) {
	b := newFakeBackend()
	// Header-only descriptor: a string index with no text is valid.
	b.descriptors[descKey{typ: USB_DT_STRING, idx: 5, lang: 0x0409}] = stringDescriptor()
	d := NewDevice(b, "fake/dev0")
	require.NoError(t, d.Open())

	s, err := d.GetString(0x0409, 5)
	require.NoError(t, err)
	assert.Equal(t, "", s)
}

func TestGetStringTransportFailure(t *testing.T) {
	b := newFakeBackend()
	d := NewDevice(b, "fake/dev0")
	require.NoError(t, d.Open())

	// No descriptor scripted: the fake reports a transport failure,
	// which must surface as an error, not as an empty string.
	_, err := d.GetString(0x0409, 1)
	require.Error(t, err)
}

func TestGetDescriptorTransparentOpen(t *testing.T) {
	b := newFakeBackend()
	b.descriptors[descKey{typ: USB_DT_STRING}] = stringDescriptor(0x0409)
	d := NewDevice(b, "fake/dev0")

	buf := make([]byte, 64)
	n, err := d.GetDescriptor(USB_DT_STRING, 0, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// Closed before the call: opened and closed around the fetch.
	assert.Equal(t, 1, b.openCount)
	assert.Equal(t, 1, b.closeCount)
	assert.False(t, d.IsOpen())

	// Already open: must stay open afterwards.
	require.NoError(t, d.Open())
	_, err = d.GetDescriptor(USB_DT_STRING, 0, 0, buf)
	require.NoError(t, err)
	assert.True(t, d.IsOpen())
	assert.Equal(t, 2, b.openCount)
	assert.Equal(t, 1, b.closeCount)
}

func TestGetDescriptorBoundedByBuffer(t *testing.T) {
	b := newFakeBackend()
	b.descriptors[descKey{typ: USB_DT_STRING}] = stringDescriptor(0x0409, 0x0407, 0x0411)
	d := NewDevice(b, "fake/dev0")
	require.NoError(t, d.Open())

	for _, size := range []int{1, 2, 4, 8, 64} {
		buf := make([]byte, size)
		n, err := d.GetDescriptor(USB_DT_STRING, 0, 0, buf)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, size)
	}
}

func TestInfoCaching(t *testing.T) {
	b := newFakeBackend()
	b.descriptors[descKey{typ: USB_DT_DEVICE}] = deviceDescriptorBlob()
	d := NewDevice(b, "fake/dev0")
	require.NoError(t, d.Open())

	info, err := d.Info()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x046d), info.VendorID)
	assert.Equal(t, uint16(0xc52b), info.ProductID)
	assert.Equal(t, 1, b.fetches(USB_DT_DEVICE, 0, 0))

	// Second access is served from the cache.
	_, err = d.Info()
	require.NoError(t, err)
	assert.Equal(t, 1, b.fetches(USB_DT_DEVICE, 0, 0))

	// Reopening invalidates the cache.
	require.NoError(t, d.Close())
	require.NoError(t, d.Open())
	_, err = d.Info()
	require.NoError(t, err)
	assert.Equal(t, 2, b.fetches(USB_DT_DEVICE, 0, 0))
}

func TestConfigsCachingAndInvalidation(t *testing.T) {
	b := newFakeBackend()
	b.descriptors[descKey{typ: USB_DT_DEVICE}] = deviceDescriptorBlob()
	b.descriptors[descKey{typ: USB_DT_CONFIG}] = simpleConfigBlob()
	b.controlFn = func(setup SetupPacket, data []byte) (int, error) {
		return 0, nil // SetConfiguration has no data stage
	}
	d := NewDevice(b, "fake/dev0")
	require.NoError(t, d.Open())

	configs, err := d.Configs()
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, uint8(1), configs[0].ConfigurationValue)
	firstFetches := b.fetches(USB_DT_CONFIG, 0, 0)

	_, err = d.Configs()
	require.NoError(t, err)
	assert.Equal(t, firstFetches, b.fetches(USB_DT_CONFIG, 0, 0))

	// Reconfiguration clears the cached tree.
	require.NoError(t, d.SetConfiguration(1))
	_, err = d.Configs()
	require.NoError(t, err)
	assert.Greater(t, b.fetches(USB_DT_CONFIG, 0, 0), firstFetches)
}

func TestGetStatus(t *testing.T) {
	b := newFakeBackend()
	b.controlFn = func(setup SetupPacket, data []byte) (int, error) {
		data[0] = 0x01 // self-powered
		data[1] = 0x00
		return 2, nil
	}
	d := NewDevice(b, "fake/dev0")
	require.NoError(t, d.Open())

	status, err := d.GetStatus(RecipientDevice, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), status)
}

func TestDeviceGoneInvalidatesHandle(t *testing.T) {
	b := newFakeBackend()
	b.controlFn = func(setup SetupPacket, data []byte) (int, error) {
		return 0, ErrDeviceNotFound
	}
	d := NewDevice(b, "fake/dev0")
	require.NoError(t, d.Open())

	_, err := d.ControlTransfer(SetupPacket{Length: 1}, make([]byte, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	// The handle is no longer trustworthy.
	assert.False(t, d.IsOpen())
	_, err = d.ControlTransfer(SetupPacket{Length: 1}, make([]byte, 1))
	assert.ErrorIs(t, err, ErrHandleInvalid)
}

func TestDriverModeFixed(t *testing.T) {
	b := newFakeBackend()
	b.mode = DriverModeUserMode
	d := NewDevice(b, "fake/dev0")

	assert.Equal(t, DriverModeUserMode, d.DriverMode())
	assert.Equal(t, "fake/dev0", d.Path())

	// Mode is captured at construction, not re-read per call.
	b.mode = DriverModeLibrary
	assert.Equal(t, DriverModeUserMode, d.DriverMode())
}

func TestUsbErrorUnwrap(t *testing.T) {
	inner := errors.New("platform code 19")
	err := &UsbError{Op: "GetDescriptor", Path: "fake/dev0", Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "GetDescriptor")
	assert.Contains(t, err.Error(), "fake/dev0")
}

// deviceDescriptorBlob is an 18-byte device descriptor for a
// 046d:c52b composite device with one configuration.
func deviceDescriptorBlob() []byte {
	return []byte{
		18, USB_DT_DEVICE,
		0x00, 0x02, // USB 2.0
		0x00, 0x00, 0x00, // class/subclass/protocol
		0x40,       // max packet 64
		0x6d, 0x04, // vendor 046d
		0x2b, 0xc5, // product c52b
		0x01, 0x12, // device version
		1, 2, 3, // string indexes
		1, // one configuration
	}
}

// simpleConfigBlob is a config descriptor with one interface carrying
// one IN and one OUT bulk endpoint.
func simpleConfigBlob() []byte {
	return []byte{
		9, USB_DT_CONFIG, 32, 0, 1, 1, 0, 0xc0, 0x32,
		9, USB_DT_INTERFACE, 0, 0, 2, 0xff, 0x01, 0x00, 0,
		7, USB_DT_ENDPOINT, 0x81, 0x02, 0x40, 0x00, 0x0a,
		7, USB_DT_ENDPOINT, 0x02, 0x02, 0x40, 0x00, 0x0a,
	}
}
