package usb

import (
	"fmt"
	"sync"
)

type descKey struct {
	typ  uint8
	idx  uint8
	lang uint16
}

type fakeHandle struct{ id int }

// fakeBackend is a scriptable in-memory Backend for tests.
type fakeBackend struct {
	mu sync.Mutex

	mode    DriverMode
	openErr error

	openCount  int
	closeCount int
	lastHandle *fakeHandle

	// Scripted descriptor payloads; fetches copy as much as fits.
	descriptors map[descKey][]byte
	descFetches map[descKey]int

	// Control transfer script; also records every setup packet seen.
	controlFn func(setup SetupPacket, data []byte) (int, error)
	setups    []SetupPacket

	// Endpoint I/O: queued reads per IN address, recorded writes per
	// OUT address, optional per-transfer chunk cap.
	reads      map[uint8][][]byte
	writes     map[uint8][][]byte
	maxChunk   int
	epErr      error
	clearHalts []uint8
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		mode:        DriverModeKernel,
		descriptors: make(map[descKey][]byte),
		descFetches: make(map[descKey]int),
		reads:       make(map[uint8][][]byte),
		writes:      make(map[uint8][][]byte),
	}
}

func (b *fakeBackend) Mode() DriverMode { return b.mode }

func (b *fakeBackend) Open(path string) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.openCount++
	b.lastHandle = &fakeHandle{id: b.openCount}
	return b.lastHandle, nil
}

func (b *fakeBackend) Close(h Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeCount++
	return nil
}

func (b *fakeBackend) ControlTransfer(h Handle, setup SetupPacket, data []byte) (int, error) {
	b.mu.Lock()
	b.setups = append(b.setups, setup)
	fn := b.controlFn
	b.mu.Unlock()
	if fn == nil {
		return 0, fmt.Errorf("unexpected control transfer %+v", setup)
	}
	return fn(setup, data)
}

func (b *fakeBackend) GetDescriptor(h Handle, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	key := descKey{typ: descType, idx: descIndex, lang: langID}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.descFetches[key]++
	payload, ok := b.descriptors[key]
	if !ok {
		return 0, fmt.Errorf("%w: no descriptor %d/%d", ErrDeviceNotFound, descType, descIndex)
	}
	return copy(data, payload), nil
}

func (b *fakeBackend) EndpointTransfer(h Handle, endpoint uint8, data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epErr != nil {
		return 0, b.epErr
	}

	if endpoint&uint8(EndpointDirectionIn) != 0 {
		queue := b.reads[endpoint]
		if len(queue) == 0 {
			return 0, nil
		}
		n := copy(data, queue[0])
		b.reads[endpoint] = queue[1:]
		return n, nil
	}

	n := len(data)
	if b.maxChunk > 0 && n > b.maxChunk {
		n = b.maxChunk
	}
	chunk := make([]byte, n)
	copy(chunk, data[:n])
	b.writes[endpoint] = append(b.writes[endpoint], chunk)
	return n, nil
}

func (b *fakeBackend) ClearHalt(h Handle, endpoint uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearHalts = append(b.clearHalts, endpoint)
	return nil
}

func (b *fakeBackend) fetches(descType, descIndex uint8, langID uint16) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.descFetches[descKey{typ: descType, idx: descIndex, lang: langID}]
}

// controlOnlyBackend hides the endpoint capability of a fakeBackend.
// Embedding would promote EndpointTransfer and keep the capability
// visible, so it delegates explicitly.
type controlOnlyBackend struct{ inner *fakeBackend }

func (b controlOnlyBackend) Mode() DriverMode { return b.inner.Mode() }

func (b controlOnlyBackend) Open(path string) (Handle, error) { return b.inner.Open(path) }

func (b controlOnlyBackend) Close(h Handle) error { return b.inner.Close(h) }

func (b controlOnlyBackend) ControlTransfer(h Handle, setup SetupPacket, data []byte) (int, error) {
	return b.inner.ControlTransfer(h, setup, data)
}

func (b controlOnlyBackend) GetDescriptor(h Handle, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	return b.inner.GetDescriptor(h, descType, descIndex, langID, data)
}

// stringDescriptor builds a string descriptor blob for the given
// UTF-16 code units.
func stringDescriptor(units ...uint16) []byte {
	buf := make([]byte, 2+2*len(units))
	buf[0] = byte(len(buf))
	buf[1] = USB_DT_STRING
	for i, u := range units {
		buf[2+2*i] = byte(u)
		buf[3+2*i] = byte(u >> 8)
	}
	return buf
}
