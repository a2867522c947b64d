package ixxat

import (
	"context"
	"sync"
)

// Transport is the host side USB transport the core runs on.
//
// Control blocks until the transfer completes or fails. Submit queues a bulk
// transfer and returns immediately, the transfer's completion callback runs
// later on a transport owned goroutine. Cancel aborts an in-flight transfer, its
// callback then runs with ErrTransferCancelled.
type Transport interface {
	Control(ctx context.Context, requestType, request uint8, value, index uint16, data []byte) (int, error)
	Submit(*Transfer) error
	Cancel(*Transfer)
	Endpoints() []uint8
}

// USB control request type bits.
const (
	RequestDirIn      = 0x80
	RequestDirOut     = 0x00
	RequestTypeVendor = 0x40
)

// Transfer is one asynchronous bulk transfer context.
type Transfer struct {
	Endpoint uint8
	Buffer   []byte
	Length   int // bytes to transfer, len(Buffer) if zero

	// Set by the transport before the callback runs.
	Actual int
	Status error

	callback func(*Transfer)
	anchor   *anchor
}

// NewTransfer allocates a transfer with a buffer of size bytes.
func NewTransfer(endpoint uint8, size int, callback func(*Transfer)) *Transfer {
	return &Transfer{
		Endpoint: endpoint,
		Buffer:   make([]byte, size),
		callback: callback,
	}
}

// In reports whether the transfer reads from the device.
func (t *Transfer) In() bool {
	return t.Endpoint&RequestDirIn != 0
}

// Data returns the slice the transport should read into or write from.
func (t *Transfer) Data() []byte {
	if t.Length > 0 && t.Length <= len(t.Buffer) {
		return t.Buffer[:t.Length]
	}
	return t.Buffer
}

// Complete is called by the transport when the transfer has finished.
func (t *Transfer) Complete(actual int, status error) {
	t.Actual = actual
	t.Status = status
	if a := t.anchor; a != nil {
		a.complete(t)
		return
	}
	if t.callback != nil {
		t.callback(t)
	}
}

// anchor tracks submitted transfers so they can all be cancelled and waited for.
type anchor struct {
	mu       sync.Mutex
	cond     *sync.Cond
	active   map[*Transfer]struct{}
	running  int
	poisoned bool
}

func newAnchor() *anchor {
	a := &anchor{active: make(map[*Transfer]struct{})}
	a.cond = sync.NewCond(&a.mu)
	return a
}

func (a *anchor) submit(tr Transport, t *Transfer) error {
	a.mu.Lock()
	if a.poisoned {
		a.mu.Unlock()
		return ErrTransferCancelled
	}
	t.anchor = a
	t.Actual = 0
	t.Status = nil
	a.active[t] = struct{}{}
	a.mu.Unlock()

	if err := tr.Submit(t); err != nil {
		a.mu.Lock()
		delete(a.active, t)
		t.anchor = nil
		a.cond.Broadcast()
		a.mu.Unlock()
		return err
	}
	return nil
}

func (a *anchor) complete(t *Transfer) {
	a.mu.Lock()
	delete(a.active, t)
	t.anchor = nil
	a.running++
	a.mu.Unlock()

	if t.callback != nil {
		t.callback(t)
	}

	a.mu.Lock()
	a.running--
	a.cond.Broadcast()
	a.mu.Unlock()
}

func (a *anchor) inFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// killAll cancels every anchored transfer and returns once all of their
// callbacks have run. Resubmissions from those callbacks are refused.
func (a *anchor) killAll(tr Transport) {
	a.mu.Lock()
	a.poisoned = true
	pending := make([]*Transfer, 0, len(a.active))
	for t := range a.active {
		pending = append(pending, t)
	}
	a.mu.Unlock()

	for _, t := range pending {
		tr.Cancel(t)
	}

	a.mu.Lock()
	for len(a.active) > 0 || a.running > 0 {
		a.cond.Wait()
	}
	a.poisoned = false
	a.mu.Unlock()
}
