package ixxatcan

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/roffe/ixxatcan/pkg/ixxat"
)

const (
	cmdDevCaps = 0x401
	cmdDevInfo = 0x402
	cmdStart   = 0x326
)

// fakeUSB answers every command with success and keeps bulk transfers
// pending until the test completes them.
type fakeUSB struct {
	mu          sync.Mutex
	productID   uint16
	controllers int
	opcodes     []uint32
	response    []byte
	served      int
	pending     []*ixxat.Transfer
	closed      bool
}

func newFakeUSB(productID uint16, controllers int) *fakeUSB {
	return &fakeUSB{productID: productID, controllers: controllers}
}

func (f *fakeUSB) ProductID() uint16 { return f.productID }

func (f *fakeUSB) Endpoints() []uint8 { return nil }

func (f *fakeUSB) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeUSB) Control(_ context.Context, requestType, _ uint8, _, _ uint16, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if requestType&ixxat.RequestDirIn != 0 {
		n := copy(data, f.response[f.served:])
		f.served += n
		return n, nil
	}

	size := binary.LittleEndian.Uint32(data)
	opcode := binary.LittleEndian.Uint32(data[8:])
	resSize := binary.LittleEndian.Uint32(data[size:])
	f.opcodes = append(f.opcodes, opcode)

	f.response = make([]byte, resSize)
	binary.LittleEndian.PutUint32(f.response, resSize)
	payload := f.response[12:]
	switch opcode {
	case cmdDevCaps:
		binary.LittleEndian.PutUint16(payload, uint16(f.controllers))
		for i := 0; i < f.controllers; i++ {
			binary.LittleEndian.PutUint16(payload[2+2*i:], 0x0100)
		}
	case cmdDevInfo:
		copy(payload, "USB-to-CAN V2")
		copy(payload[16:], "HW000042")
	case cmdStart:
		binary.LittleEndian.PutUint32(payload, 0)
	}
	f.served = 0
	return len(data), nil
}

func (f *fakeUSB) Submit(t *ixxat.Transfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, t)
	return nil
}

func (f *fakeUSB) Cancel(t *ixxat.Transfer) {
	if f.take(func(p *ixxat.Transfer) bool { return p == t }) != nil {
		t.Complete(0, ixxat.ErrTransferCancelled)
	}
}

func (f *fakeUSB) take(match func(*ixxat.Transfer) bool) *ixxat.Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.pending {
		if match(t) {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return t
		}
	}
	return nil
}

// deliver completes one pending read with data and status.
func (f *fakeUSB) deliver(data []byte, status error) {
	t := f.take(func(t *ixxat.Transfer) bool { return t.In() })
	if t == nil {
		panic("no pending read")
	}
	t.Complete(copy(t.Data(), data), status)
}

// written waits for the next write transfer handed to the device.
func (f *fakeUSB) written(t *testing.T) *ixxat.Transfer {
	t.Helper()
	var tr *ixxat.Transfer
	eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, p := range f.pending {
			if !p.In() {
				tr = p
				return true
			}
		}
		return false
	})
	return tr
}

func (f *fakeUSB) confirm(tr *ixxat.Transfer) {
	if f.take(func(p *ixxat.Transfer) bool { return p == tr }) != nil {
		tr.Complete(len(tr.Data()), nil)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

// dataRecord builds a CL1 data record.
func dataRecord(id uint32, ext bool, data []byte) []byte {
	buf := make([]byte, 13+len(data))
	buf[0] = uint8(len(buf) - 1)
	binary.LittleEndian.PutUint32(buf[5:], id)
	flags := uint32(len(data)) << 16
	if ext {
		flags |= 0x00800000
	}
	binary.LittleEndian.PutUint32(buf[9:], flags)
	copy(buf[13:], data)
	return buf
}

// statusRecord builds a CL1 status record.
func statusRecord(status uint32) []byte {
	buf := make([]byte, 17)
	buf[0] = 16
	binary.LittleEndian.PutUint32(buf[9:], 0x03)
	binary.LittleEndian.PutUint32(buf[13:], status)
	return buf
}

// openIXXAT opens an IXXAT adapter on fake.
func openIXXAT(t *testing.T, fake *fakeUSB, cfg *AdapterConfig) *IXXAT {
	t.Helper()
	orig := openTransport
	openTransport = func(string) (ixxatTransport, error) { return fake, nil }
	t.Cleanup(func() { openTransport = orig })

	adapter, err := NewAdapter("IXXAT", cfg)
	if err != nil {
		t.Fatal(err)
	}
	a := adapter.(*IXXAT)
	a.probeOpts = []ixxat.Option{
		ixxat.WithLogger(t.Logf),
		ixxat.WithWakeupDelay(0),
		ixxat.WithCommandTiming(50*time.Millisecond, 0),
	}
	if err := a.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}
