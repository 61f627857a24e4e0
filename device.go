package usb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

const (
	deviceDescSize       = 18
	stringDescHeaderSize = 2

	// Maximum string descriptor size permitted by the specification.
	maxStringDescSize = 255

	// String index 0 lists the supported language IDs, at most 16 of
	// which fit the buffer we offer. Devices may report fewer.
	maxLangIDs = 16
)

// Device is the public abstraction over one USB device. It owns the
// backend handle exclusively, tracks open/closed/invalid state, and
// registers every endpoint reader and writer opened through it so they
// can be torn down before the handle is released.
//
// Operations are synchronous and blocking. Concurrent calls against the
// same Device are not serialized by this layer.
type Device struct {
	backend Backend
	path    string
	mode    DriverMode
	log     *slog.Logger

	readBufSize int

	mu      sync.Mutex
	handle  Handle
	opened  bool
	invalid bool

	readers map[uint8]*EndpointReader
	writers map[uint8]*EndpointWriter

	// Advisory caches, refreshed on demand.
	activeConfig uint8
	configKnown  bool
	altSettings  map[uint8]uint8

	// Lazily populated descriptor caches, cleared on close or
	// reconfiguration.
	info    *DeviceDescriptor
	configs []ConfigDescriptor
}

// Option configures a Device.
type Option func(*Device)

// WithLogger enables debug-level transfer tracing on the given logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.log = l }
}

// WithReadBufferSize sets the default buffer size for endpoint readers
// opened without an explicit size.
func WithReadBufferSize(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.readBufSize = n
		}
	}
}

// NewDevice wraps the device identified by path behind the given
// backend. The device is not opened; call Open, or let descriptor
// fetches open it transparently.
func NewDevice(backend Backend, path string, opts ...Option) *Device {
	d := &Device{
		backend:     backend,
		path:        path,
		mode:        backend.Mode(),
		readBufSize: 4096,
		readers:     make(map[uint8]*EndpointReader),
		writers:     make(map[uint8]*EndpointWriter),
		altSettings: make(map[uint8]uint8),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open wraps NewDevice and opens the device immediately.
func Open(backend Backend, path string, opts ...Option) (*Device, error) {
	d := NewDevice(backend, path, opts...)
	if err := d.Open(); err != nil {
		return nil, err
	}
	return d, nil
}

// Path returns the backend-specific device identity this Device wraps.
func (d *Device) Path() string { return d.path }

// DriverMode reports which backend variant services this device.
func (d *Device) DriverMode() DriverMode { return d.mode }

// Handle returns the current backend handle, or nil when closed.
func (d *Device) Handle() Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle
}

// IsOpen reports whether the device holds a live backend handle.
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isOpenLocked()
}

func (d *Device) isOpenLocked() bool {
	return d.handle != nil && d.opened && !d.invalid
}

// Open acquires a backend handle. Opening an already-open device is a
// no-op reporting success.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isOpenLocked() {
		return nil
	}

	// A handle left behind by an invalidated device still needs its
	// one release before a fresh open.
	if d.handle != nil && d.opened {
		_ = d.backend.Close(d.handle)
		d.handle = nil
		d.opened = false
	}

	h, err := d.backend.Open(d.path)
	if err != nil {
		return d.wrapErr("Open", err)
	}

	d.handle = h
	d.opened = true
	d.invalid = false
	d.clearCachesLocked()
	if d.log != nil {
		d.log.Debug("device opened", "path", d.path, "mode", d.mode.String())
	}
	return nil
}

// Close tears down every registered endpoint, releases the backend
// handle exactly once, and marks the device closed. Closing a closed
// device is a no-op reporting success.
func (d *Device) Close() error {
	d.mu.Lock()

	if !d.opened || d.handle == nil {
		d.mu.Unlock()
		return nil
	}

	// Endpoints must never outlive their owning handle. Snapshot and
	// deregister them here, invalidate below without holding d.mu.
	readers := make([]*EndpointReader, 0, len(d.readers))
	for addr, r := range d.readers {
		readers = append(readers, r)
		delete(d.readers, addr)
	}
	writers := make([]*EndpointWriter, 0, len(d.writers))
	for addr, w := range d.writers {
		writers = append(writers, w)
		delete(d.writers, addr)
	}

	h := d.handle
	d.handle = nil
	d.opened = false
	d.clearCachesLocked()
	d.mu.Unlock()

	for _, r := range readers {
		r.invalidate()
	}
	for _, w := range writers {
		w.invalidate()
	}

	if err := d.backend.Close(h); err != nil {
		return d.wrapErr("Close", err)
	}
	if d.log != nil {
		d.log.Debug("device closed", "path", d.path)
	}
	return nil
}

func (d *Device) clearCachesLocked() {
	d.info = nil
	d.configs = nil
	d.configKnown = false
	d.altSettings = make(map[uint8]uint8)
}

// transferHandle validates openness before a transfer. A closed or
// invalid handle is never passed to the backend.
func (d *Device) transferHandle(op string) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.invalid {
		return nil, &UsbError{Op: op, Path: d.path, Err: ErrHandleInvalid}
	}
	if !d.isOpenLocked() {
		return nil, &UsbError{Op: op, Path: d.path, Err: ErrDeviceClosed}
	}
	return d.handle, nil
}

func (d *Device) wrapErr(op string, err error) error {
	if errors.Is(err, ErrDeviceNotFound) {
		// The device vanished under us; the handle is no longer
		// trustworthy for further transfers.
		d.mu.Lock()
		d.invalid = true
		d.mu.Unlock()
	}
	if d.log != nil {
		d.log.Debug("operation failed", "op", op, "path", d.path, "err", err)
	}
	return &UsbError{Op: op, Path: d.path, Err: err}
}

// ControlTransfer issues a control request and returns the number of
// bytes moved in the data stage. Failures are never retried here.
func (d *Device) ControlTransfer(setup SetupPacket, data []byte) (int, error) {
	h, err := d.transferHandle("ControlTransfer")
	if err != nil {
		return 0, err
	}
	n, err := d.backend.ControlTransfer(h, setup, data)
	if err != nil {
		return 0, d.wrapErr("ControlTransfer", err)
	}
	return n, nil
}

// GetDescriptor fetches a descriptor into data and returns the
// transferred length, which may be less than len(data). If the device
// is not open it is opened for the duration of the fetch and closed
// again afterwards; a device the caller already opened stays open.
func (d *Device) GetDescriptor(descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	wasOpen := d.IsOpen()
	if !wasOpen {
		if err := d.Open(); err != nil {
			return 0, err
		}
		defer d.Close()
	}

	h, err := d.transferHandle("GetDescriptor")
	if err != nil {
		return 0, err
	}
	n, err := d.backend.GetDescriptor(h, descType, descIndex, langID, data)
	if err != nil {
		return 0, d.wrapErr("GetDescriptor", err)
	}
	return n, nil
}

// GetLangIDs fetches the zero-index string descriptor and returns the
// 16-bit language codes it lists. The fetch succeeds only when the
// descriptor's self-reported length matches the transferred length;
// otherwise no codes are returned.
func (d *Device) GetLangIDs() ([]uint16, error) {
	buf := make([]byte, stringDescHeaderSize+maxLangIDs*2)

	n, err := d.GetDescriptor(USB_DT_STRING, 0, 0, buf)
	if err != nil {
		return nil, err
	}
	if n < stringDescHeaderSize || int(buf[0]) != n {
		return nil, d.wrapErr("GetLangIDs",
			fmt.Errorf("%w: descriptor reports %d bytes, transferred %d", ErrShortTransfer, buf[0], n))
	}

	ids := make([]uint16, 0, (n-stringDescHeaderSize)/2)
	for i := stringDescHeaderSize; i+1 < n; i += 2 {
		ids = append(ids, binary.LittleEndian.Uint16(buf[i:i+2]))
	}
	return ids, nil
}

// GetString fetches the string descriptor at the given index and
// language and decodes its UTF-16LE payload. An index that carries no
// textual payload yields an empty string and no error; only transport
// and length-mismatch failures are reported as errors.
func (d *Device) GetString(langID uint16, index uint8) (string, error) {
	buf := make([]byte, maxStringDescSize)

	n, err := d.GetDescriptor(USB_DT_STRING, index, langID, buf)
	if err != nil {
		return "", err
	}
	if n <= stringDescHeaderSize || int(buf[0]) != n {
		// Header-only or zero-length response: valid, just empty.
		return "", nil
	}
	return decodeUTF16LE(buf[stringDescHeaderSize:n]), nil
}

// GetConfiguration issues a standard GetConfiguration request and
// returns the active configuration value, 0 meaning unconfigured. The
// transfer must return exactly one byte; anything else is a failure
// even when the transport call itself succeeded.
func (d *Device) GetConfiguration() (uint8, error) {
	setup := SetupPacket{
		RequestType: RequestTypeDirIn | RequestTypeStandard | RecipientDevice,
		Request:     USB_REQ_GET_CONFIGURATION,
		Length:      1,
	}
	buf := make([]byte, 1)

	n, err := d.ControlTransfer(setup, buf)
	if err != nil {
		return 0, err
	}
	if n != 1 {
		return 0, d.wrapErr("GetConfiguration",
			fmt.Errorf("%w: got %d bytes, want 1", ErrShortTransfer, n))
	}

	d.mu.Lock()
	d.activeConfig = buf[0]
	d.configKnown = true
	d.mu.Unlock()
	return buf[0], nil
}

// SetConfiguration selects a device configuration and invalidates the
// cached descriptor tree.
func (d *Device) SetConfiguration(config uint8) error {
	setup := SetupPacket{
		RequestType: RequestTypeDirOut | RequestTypeStandard | RecipientDevice,
		Request:     USB_REQ_SET_CONFIGURATION,
		Value:       uint16(config),
	}
	if _, err := d.ControlTransfer(setup, nil); err != nil {
		return err
	}

	d.mu.Lock()
	d.configs = nil
	d.activeConfig = config
	d.configKnown = true
	d.altSettings = make(map[uint8]uint8)
	d.mu.Unlock()
	return nil
}

// GetAltInterfaceSetting issues a standard GetInterface request for the
// given interface. The returned error, not the value, is authoritative:
// a failed call also returns 0, which is a valid setting number.
func (d *Device) GetAltInterfaceSetting(iface uint8) (uint8, error) {
	setup := SetupPacket{
		RequestType: RequestTypeDirIn | RequestTypeStandard | RecipientInterface,
		Request:     USB_REQ_GET_INTERFACE,
		Index:       uint16(iface),
		Length:      1,
	}
	buf := make([]byte, 1)

	n, err := d.ControlTransfer(setup, buf)
	if err != nil {
		return 0, err
	}
	if n != 1 {
		return 0, d.wrapErr("GetAltInterfaceSetting",
			fmt.Errorf("%w: got %d bytes, want 1", ErrShortTransfer, n))
	}

	d.mu.Lock()
	d.altSettings[iface] = buf[0]
	d.mu.Unlock()
	return buf[0], nil
}

// SetAltInterfaceSetting selects an alternate setting for an interface
// and invalidates the cached descriptor tree.
func (d *Device) SetAltInterfaceSetting(iface, alt uint8) error {
	setup := SetupPacket{
		RequestType: RequestTypeDirOut | RequestTypeStandard | RecipientInterface,
		Request:     USB_REQ_SET_INTERFACE,
		Value:       uint16(alt),
		Index:       uint16(iface),
	}
	if _, err := d.ControlTransfer(setup, nil); err != nil {
		return err
	}

	d.mu.Lock()
	d.configs = nil
	d.altSettings[iface] = alt
	d.mu.Unlock()
	return nil
}

// GetStatus issues a standard GetStatus request against a device,
// interface or endpoint recipient. Exactly two bytes must come back.
func (d *Device) GetStatus(recipient uint8, index uint16) (uint16, error) {
	setup := SetupPacket{
		RequestType: RequestTypeDirIn | RequestTypeStandard | recipient,
		Request:     USB_REQ_GET_STATUS,
		Index:       index,
		Length:      2,
	}
	buf := make([]byte, 2)

	n, err := d.ControlTransfer(setup, buf)
	if err != nil {
		return 0, err
	}
	if n != 2 {
		return 0, d.wrapErr("GetStatus",
			fmt.Errorf("%w: got %d bytes, want 2", ErrShortTransfer, n))
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// Info returns the device descriptor, fetching it on first access and
// serving the cached copy afterwards until the device is closed.
func (d *Device) Info() (*DeviceDescriptor, error) {
	d.mu.Lock()
	if d.info != nil {
		cached := *d.info
		d.mu.Unlock()
		return &cached, nil
	}
	d.mu.Unlock()

	buf := make([]byte, deviceDescSize)
	n, err := d.GetDescriptor(USB_DT_DEVICE, 0, 0, buf)
	if err != nil {
		return nil, err
	}
	if n < deviceDescSize {
		return nil, d.wrapErr("Info",
			fmt.Errorf("%w: got %d bytes, want %d", ErrShortTransfer, n, deviceDescSize))
	}

	desc := parseDeviceDescriptor(buf)
	d.mu.Lock()
	d.info = &desc
	d.mu.Unlock()
	cached := desc
	return &cached, nil
}

// Configs returns the parsed configuration descriptor tree, querying
// the device on first access and serving the cached copy afterwards.
// The cache is cleared when the device is closed, reopened or
// reconfigured.
func (d *Device) Configs() ([]ConfigDescriptor, error) {
	d.mu.Lock()
	if d.configs != nil {
		cached := make([]ConfigDescriptor, len(d.configs))
		copy(cached, d.configs)
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	info, err := d.Info()
	if err != nil {
		return nil, err
	}

	configs := make([]ConfigDescriptor, 0, info.NumConfigurations)
	for i := uint8(0); i < info.NumConfigurations; i++ {
		raw, err := d.rawConfigDescriptor(i)
		if err != nil {
			return nil, err
		}
		var cfg ConfigDescriptor
		if err := cfg.Unmarshal(raw); err != nil {
			return nil, d.wrapErr("Configs", err)
		}
		configs = append(configs, cfg)
	}

	d.mu.Lock()
	d.configs = configs
	d.mu.Unlock()

	cached := make([]ConfigDescriptor, len(configs))
	copy(cached, configs)
	return cached, nil
}

// rawConfigDescriptor reads the 9-byte header first to learn the total
// length, then fetches the full descriptor including interfaces and
// endpoints.
func (d *Device) rawConfigDescriptor(index uint8) ([]byte, error) {
	header := make([]byte, configDescSize)
	n, err := d.GetDescriptor(USB_DT_CONFIG, index, 0, header)
	if err != nil {
		return nil, err
	}
	if n < configDescSize {
		return nil, d.wrapErr("GetConfigDescriptor",
			fmt.Errorf("%w: got %d bytes, want %d", ErrShortTransfer, n, configDescSize))
	}

	totalLength := binary.LittleEndian.Uint16(header[2:4])
	if totalLength < configDescSize {
		return nil, d.wrapErr("GetConfigDescriptor",
			fmt.Errorf("invalid config descriptor total length %d", totalLength))
	}

	full := make([]byte, totalLength)
	n, err = d.GetDescriptor(USB_DT_CONFIG, index, 0, full)
	if err != nil {
		return nil, err
	}
	return full[:n], nil
}

// OpenEndpointReader returns a reader for the given IN endpoint.
// Opening an endpoint that already has a live reader returns the
// existing instance unchanged.
func (d *Device) OpenEndpointReader(address uint8, bufferSize int, kind TransferType) (*EndpointReader, error) {
	eb, h, err := d.endpointBackend("OpenEndpointReader")
	if err != nil {
		return nil, err
	}
	address |= uint8(EndpointDirectionIn)
	if bufferSize <= 0 {
		bufferSize = d.readBufSize
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.readers[address]; ok {
		return r, nil
	}
	r := newEndpointReader(d, eb, h, address, bufferSize, kind)
	d.readers[address] = r
	return r, nil
}

// OpenEndpointWriter returns a writer for the given OUT endpoint.
// Opening an endpoint that already has a live writer returns the
// existing instance unchanged.
func (d *Device) OpenEndpointWriter(address uint8, kind TransferType) (*EndpointWriter, error) {
	eb, h, err := d.endpointBackend("OpenEndpointWriter")
	if err != nil {
		return nil, err
	}
	address &^= uint8(EndpointDirectionIn)

	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.writers[address]; ok {
		return w, nil
	}
	w := newEndpointWriter(d, eb, h, address, kind)
	d.writers[address] = w
	return w, nil
}

func (d *Device) endpointBackend(op string) (EndpointBackend, Handle, error) {
	h, err := d.transferHandle(op)
	if err != nil {
		return nil, nil, err
	}
	eb, ok := d.backend.(EndpointBackend)
	if !ok {
		return nil, nil, &UsbError{Op: op, Path: d.path, Err: ErrNotSupported}
	}
	return eb, h, nil
}

// ActiveEndpoints lists the addresses of all endpoints currently open
// as readers or writers, in ascending order.
func (d *Device) ActiveEndpoints() []uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()

	eps := make([]uint8, 0, len(d.readers)+len(d.writers))
	for addr := range d.readers {
		eps = append(eps, addr)
	}
	for addr := range d.writers {
		eps = append(eps, addr)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i] < eps[j] })
	return eps
}

// detachEndpoint deregisters a reader or writer that closed itself.
func (d *Device) detachEndpoint(address uint8, in bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if in {
		delete(d.readers, address)
	} else {
		delete(d.writers, address)
	}
}
