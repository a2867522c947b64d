package ixxat

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// echoFree marks a tx context that is not in flight.
const echoFree = MaxTXURBs

type txContext struct {
	echo atomic.Int32
	dlc  int
	urb  *Transfer
}

func (ch *Channel) setupRX() error {
	if ch.rx == nil {
		ch.rx = make([]*Transfer, MaxRXURBs)
		for i := range ch.rx {
			ch.rx[i] = NewTransfer(ch.epIn, ch.profile.RXBufferSize, ch.readBulkCallback)
		}
	}

	posted := 0
	var err error
	for _, t := range ch.rx {
		if err = ch.rxAnchor.submit(ch.dev.tr, t); err != nil {
			if errors.Is(err, ErrNoDevice) {
				ch.detach()
			}
			break
		}
		posted++
	}
	if posted == 0 {
		return fmt.Errorf("couldn't setup read URBs: %w", err)
	}
	if posted < MaxRXURBs {
		ch.logf("rx performance may be slow, %d of %d transfers posted", posted, MaxRXURBs)
	}
	return nil
}

func (ch *Channel) setupTX() {
	for i := range ch.tx {
		c := &ch.tx[i]
		if c.urb == nil {
			c.urb = NewTransfer(ch.epOut, ch.profile.TXBufferSize, func(t *Transfer) {
				ch.writeBulkCallback(c, t)
			})
		}
		c.echo.Store(echoFree)
	}
	ch.activeTX.Store(0)
}

func (ch *Channel) readBulkCallback(t *Transfer) {
	if !ch.present.Load() {
		return
	}

	switch {
	case t.Status == nil:
		if t.Actual > 0 && ch.started.Load() {
			if err := ch.decodeBuffer(t.Buffer[:t.Actual]); err != nil {
				ch.logf("rx: %v", err)
			}
		}
	case errors.Is(t.Status, ErrTransferCancelled):
		return
	case errors.Is(t.Status, ErrNoDevice):
		ch.detach()
		return
	default:
		ch.logf("rx urb aborted: %v", t.Status)
	}

	t.Length = 0
	if err := ch.rxAnchor.submit(ch.dev.tr, t); err != nil {
		switch {
		case errors.Is(err, ErrNoDevice):
			ch.detach()
		case errors.Is(err, ErrTransferCancelled):
		default:
			ch.logf("failed resubmitting read bulk urb: %v", err)
		}
	}
}

func (ch *Channel) writeBulkCallback(c *txContext, t *Transfer) {
	if !ch.present.Load() {
		if idx := c.echo.Swap(echoFree); idx != echoFree {
			ch.stack.FreeEcho(int(idx))
			ch.activeTX.Add(-1)
		}
		return
	}

	idx := int(c.echo.Load())
	switch {
	case t.Status == nil:
		ch.stats.txPackets.Add(1)
		ch.stats.txBytes.Add(uint64(c.dlc))
		ch.stack.GetEcho(idx)
	case errors.Is(t.Status, ErrTransferCancelled):
		ch.stack.FreeEcho(idx)
	default:
		ch.stats.txErrors.Add(1)
		ch.stack.FreeEcho(idx)
		ch.logf("tx urb aborted: %v", t.Status)
	}

	c.echo.Store(echoFree)
	ch.activeTX.Add(-1)

	switch {
	case t.Status == nil:
		ch.stack.WakeQueue()
	case errors.Is(t.Status, ErrNoDevice):
		ch.detach()
	}
}

// Transmit hands one frame to the device. It returns ErrTxBusy when every tx
// context is in flight, the caller should retry after the queue wakes up.
func (ch *Channel) Transmit(f *Frame) error {
	ch.txMu.Lock()
	defer ch.txMu.Unlock()

	if !ch.started.Load() {
		return ErrNotStarted
	}
	if ch.queueStopped {
		return ErrTxBusy
	}
	if err := f.Validate(ch.profile); err != nil {
		ch.stats.txDropped.Add(1)
		return err
	}

	var c *txContext
	for i := range ch.tx {
		if ch.tx[i].echo.CompareAndSwap(echoFree, int32(i)) {
			c = &ch.tx[i]
			break
		}
	}
	if c == nil {
		return ErrTxBusy
	}
	idx := int(c.echo.Load())

	n, err := EncodeFrame(ch.profile, f, c.urb.Buffer)
	if err != nil {
		c.echo.Store(echoFree)
		ch.stats.txDropped.Add(1)
		return err
	}
	c.urb.Length = n
	c.dlc = len(f.Data)
	if f.RTR {
		c.dlc = 0
	}

	ch.stack.PutEcho(idx, f)
	ch.activeTX.Add(1)

	if err := ch.txAnchor.submit(ch.dev.tr, c.urb); err != nil {
		ch.stack.FreeEcho(idx)
		ch.activeTX.Add(-1)
		c.echo.Store(echoFree)
		if errors.Is(err, ErrNoDevice) {
			ch.detach()
		} else {
			ch.stats.txDropped.Add(1)
			ch.logf("failed tx_urb: %v", err)
		}
		return err
	}

	if ch.activeTX.Load() >= MaxTXURBs {
		ch.stack.StopQueue()
	}
	return nil
}

// stopQueue halts the upstream queue, cancels every transfer in flight and
// drops the frames still waiting for an echo. Transmit keeps failing until
// wakeQueue.
func (ch *Channel) stopQueue() {
	ch.txMu.Lock()
	ch.queueStopped = true
	ch.txMu.Unlock()

	ch.stack.StopQueue()
	ch.rxAnchor.killAll(ch.dev.tr)

	ch.txMu.Lock()
	defer ch.txMu.Unlock()
	ch.txAnchor.killAll(ch.dev.tr)
	ch.activeTX.Store(0)
	for i := range ch.tx {
		c := &ch.tx[i]
		if idx := c.echo.Swap(echoFree); idx != echoFree {
			ch.stack.FreeEcho(int(idx))
		}
	}
}

// wakeQueue reopens the tx path once the controller has been started.
func (ch *Channel) wakeQueue() {
	ch.txMu.Lock()
	ch.queueStopped = false
	ch.started.Store(true)
	ch.txMu.Unlock()
	ch.stack.WakeQueue()
}
