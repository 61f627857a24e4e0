package usb

import (
	"sync"
)

// Transfer types
type TransferType int

const (
	TransferTypeControl TransferType = iota
	TransferTypeIsochronous
	TransferTypeBulk
	TransferTypeInterrupt
)

func (t TransferType) String() string {
	switch t {
	case TransferTypeControl:
		return "control"
	case TransferTypeIsochronous:
		return "isochronous"
	case TransferTypeBulk:
		return "bulk"
	case TransferTypeInterrupt:
		return "interrupt"
	}
	return "unknown"
}

// EndpointReader is a unidirectional channel reading from one IN
// endpoint. It implements io.Reader. Readers are created through
// Device.OpenEndpointReader and become unusable once closed or once the
// owning device closes.
type EndpointReader struct {
	dev     *Device
	backend EndpointBackend
	handle  Handle
	address uint8
	kind    TransferType

	mu      sync.Mutex
	buf     []byte
	pending []byte
	closed  bool
}

func newEndpointReader(d *Device, eb EndpointBackend, h Handle, address uint8, bufferSize int, kind TransferType) *EndpointReader {
	return &EndpointReader{
		dev:     d,
		backend: eb,
		handle:  h,
		address: address,
		kind:    kind,
		buf:     make([]byte, bufferSize),
	}
}

// Address returns the endpoint address including the IN direction bit.
func (r *EndpointReader) Address() uint8 { return r.address }

// TransferType returns the transfer kind this reader was opened with.
func (r *EndpointReader) TransferType() TransferType { return r.kind }

// Read fills p with data from the endpoint. Data left over from an
// earlier transfer is drained before a new transfer is issued.
func (r *EndpointReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, &UsbError{Op: "Read", Path: r.dev.path, Err: ErrEndpointClosed}
	}
	if len(p) == 0 {
		return 0, nil
	}

	if len(r.pending) == 0 {
		if len(p) >= len(r.buf) {
			// Large enough to take a whole transfer directly.
			n, err := r.backend.EndpointTransfer(r.handle, r.address, p)
			if err != nil {
				return 0, r.dev.wrapErr("Read", err)
			}
			return n, nil
		}
		n, err := r.backend.EndpointTransfer(r.handle, r.address, r.buf)
		if err != nil {
			return 0, r.dev.wrapErr("Read", err)
		}
		r.pending = r.buf[:n]
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// ClearHalt clears a stall condition on the endpoint.
func (r *EndpointReader) ClearHalt() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return &UsbError{Op: "ClearHalt", Path: r.dev.path, Err: ErrEndpointClosed}
	}
	if err := r.backend.ClearHalt(r.handle, r.address); err != nil {
		return r.dev.wrapErr("ClearHalt", err)
	}
	return nil
}

// Close deregisters the reader from its device. Closing twice is a
// no-op.
func (r *EndpointReader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.pending = nil
	r.mu.Unlock()

	r.dev.detachEndpoint(r.address, true)
	return nil
}

// invalidate marks the reader unusable without touching the registry.
// Device.Close deregisters before calling this.
func (r *EndpointReader) invalidate() {
	r.mu.Lock()
	r.closed = true
	r.pending = nil
	r.mu.Unlock()
}

// EndpointWriter is a unidirectional channel writing to one OUT
// endpoint. It implements io.Writer.
type EndpointWriter struct {
	dev     *Device
	backend EndpointBackend
	handle  Handle
	address uint8
	kind    TransferType

	mu     sync.Mutex
	closed bool
}

func newEndpointWriter(d *Device, eb EndpointBackend, h Handle, address uint8, kind TransferType) *EndpointWriter {
	return &EndpointWriter{
		dev:     d,
		backend: eb,
		handle:  h,
		address: address,
		kind:    kind,
	}
}

// Address returns the endpoint address with the direction bit clear.
func (w *EndpointWriter) Address() uint8 { return w.address }

// TransferType returns the transfer kind this writer was opened with.
func (w *EndpointWriter) TransferType() TransferType { return w.kind }

// Write sends p to the endpoint, issuing as many transfers as the
// backend needs to move all of it.
func (w *EndpointWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, &UsbError{Op: "Write", Path: w.dev.path, Err: ErrEndpointClosed}
	}

	written := 0
	for written < len(p) {
		n, err := w.backend.EndpointTransfer(w.handle, w.address, p[written:])
		if err != nil {
			return written, w.dev.wrapErr("Write", err)
		}
		if n == 0 {
			return written, w.dev.wrapErr("Write", ErrShortTransfer)
		}
		written += n
	}
	return written, nil
}

// ClearHalt clears a stall condition on the endpoint.
func (w *EndpointWriter) ClearHalt() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return &UsbError{Op: "ClearHalt", Path: w.dev.path, Err: ErrEndpointClosed}
	}
	if err := w.backend.ClearHalt(w.handle, w.address); err != nil {
		return w.dev.wrapErr("ClearHalt", err)
	}
	return nil
}

// Close deregisters the writer from its device. Closing twice is a
// no-op.
func (w *EndpointWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.dev.detachEndpoint(w.address, false)
	return nil
}

func (w *EndpointWriter) invalidate() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}
