package ixxat

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

// Mode is a run mode request for an open channel.
type Mode int

const (
	ModeStop Mode = iota
	ModeStart
	ModeSleep
)

// Channel is one CAN controller of a device.
type Channel struct {
	dev     *Device
	profile *Profile
	index   uint16
	epIn    uint8
	epOut   uint8
	stack   NetStack
	info    DeviceInfo

	mu       sync.Mutex // open, stop and restart
	decodeMu sync.Mutex
	txMu     sync.Mutex

	// queueStopped refuses transmits between stopQueue and the next
	// successful start. Guarded by txMu.
	queueStopped bool

	present atomic.Bool
	started atomic.Bool
	state   atomic.Int32
	txErr   atomic.Uint32
	rxErr   atomic.Uint32

	ts       TimeRef
	stats    counters
	rxAnchor *anchor
	txAnchor *anchor
	rx       []*Transfer
	tx       [MaxTXURBs]txContext
	activeTX atomic.Int32
}

func newChannel(dev *Device, index uint16, stack NetStack, info DeviceInfo) (*Channel, error) {
	in, out, err := dev.profile.Endpoints(int(index))
	if err != nil {
		return nil, err
	}
	ch := &Channel{
		dev:      dev,
		profile:  dev.profile,
		index:    index,
		epIn:     in,
		epOut:    out,
		stack:    stack,
		info:     info,
		rxAnchor: newAnchor(),
		txAnchor: newAnchor(),
	}
	ch.present.Store(true)
	ch.state.Store(int32(StateConnected))
	for i := range ch.tx {
		ch.tx[i].echo.Store(echoFree)
	}
	return ch, nil
}

func (ch *Channel) logf(format string, args ...any) {
	ch.dev.logf("channel %d: "+format, append([]any{ch.index}, args...)...)
}

func (ch *Channel) Index() int {
	return int(ch.index)
}

func (ch *Channel) Profile() *Profile {
	return ch.profile
}

func (ch *Channel) Info() DeviceInfo {
	return ch.info
}

func (ch *Channel) State() State {
	return State(ch.state.Load())
}

func (ch *Channel) Started() bool {
	return ch.started.Load()
}

func (ch *Channel) Stats() Stats {
	return ch.stats.snapshot()
}

func (ch *Channel) Endpoints() (in, out uint8) {
	return ch.epIn, ch.epOut
}

// ErrorCounters returns the last tx and rx error counters reported by the controller.
func (ch *Channel) ErrorCounters() (tx, rx uint8) {
	return uint8(ch.txErr.Load()), uint8(ch.rxErr.Load())
}

func (ch *Channel) detach() {
	if ch.present.CompareAndSwap(true, false) {
		ch.logf("device detached")
		ch.stack.Detach()
	}
}

// Open programs the controller with the configuration of the network stack,
// posts the receive transfers and starts the controller.
func (ch *Channel) Open(ctx context.Context) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.started.Load() {
		return fmt.Errorf("channel %d: %w", ch.index, ErrAlreadyStarted)
	}
	if !ch.present.Load() {
		return fmt.Errorf("channel %d: %w", ch.index, ErrNoDevice)
	}
	cfg, err := ch.stack.Config()
	if err != nil {
		return fmt.Errorf("channel %d: %w", ch.index, err)
	}
	if unsupported := cfg.Mode &^ ch.profile.Modes; unsupported != 0 {
		return fmt.Errorf("channel %d: %w: %s", ch.index, ErrUnsupportedMode, unsupported)
	}

	if err := ch.setupRX(); err != nil {
		return ch.openFailed(err)
	}
	ch.setupTX()

	if err := ch.dev.cmd.resetController(ctx, ch.index); err != nil {
		ch.logf("reset: %v", err)
	}
	if err := ch.dev.cmd.initController(ctx, ch.profile, ch.index, cfg); err != nil {
		return ch.openFailed(err)
	}
	tick, err := ch.dev.cmd.startController(ctx, ch.index)
	if err != nil {
		return ch.openFailed(err)
	}
	ch.ts.SetOrigin(tick, ch.dev.now())

	ch.txErr.Store(0)
	ch.rxErr.Store(0)
	ch.state.Store(int32(StateErrorActive))
	ch.wakeQueue()
	return nil
}

func (ch *Channel) openFailed(err error) error {
	ch.rxAnchor.killAll(ch.dev.tr)
	if isNoDevice(err) {
		ch.detach()
	}
	return fmt.Errorf("channel %d: open: %w", ch.index, err)
}

// Stop cancels all transfers and stops the controller.
func (ch *Channel) Stop(ctx context.Context) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.txMu.Lock()
	wasStarted := ch.started.Swap(false)
	ch.txMu.Unlock()
	ch.stopQueue()

	var err error
	if wasStarted && ch.present.Load() {
		if err = ch.dev.cmd.stopController(ctx, ch.index); err != nil {
			ch.logf("cannot stop device: %v", err)
			err = fmt.Errorf("channel %d: stop: %w", ch.index, err)
		}
	}
	ch.started.Store(false)
	ch.state.Store(int32(StateStopped))
	return err
}

// SetMode handles run mode requests from the network stack. Only a restart
// of a started channel is supported.
func (ch *Channel) SetMode(ctx context.Context, mode Mode) error {
	if mode != ModeStart {
		return fmt.Errorf("channel %d: %w: %d", ch.index, ErrUnsupportedMode, mode)
	}
	return ch.restart(ctx)
}

func (ch *Channel) restart(ctx context.Context) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if !ch.started.Load() {
		return fmt.Errorf("channel %d: %w", ch.index, ErrNotStarted)
	}

	ch.stopQueue()
	if err := ch.dev.cmd.stopController(ctx, ch.index); err != nil {
		return ch.restartFailed(err)
	}
	tick, err := ch.dev.cmd.startController(ctx, ch.index)
	if err != nil {
		return ch.restartFailed(err)
	}
	ch.ts.SetOrigin(tick, ch.dev.now())
	if err := ch.setupRX(); err != nil {
		return ch.restartFailed(err)
	}

	ch.txErr.Store(0)
	ch.rxErr.Store(0)
	ch.stats.restarts.Add(1)
	ch.state.Store(int32(StateErrorActive))
	ch.wakeQueue()
	return nil
}

func (ch *Channel) restartFailed(err error) error {
	if isNoDevice(err) {
		ch.detach()
	}
	return fmt.Errorf("channel %d: restart: %w", ch.index, err)
}

// decodeBuffer walks the records of a bulk buffer and delivers them to the
// network stack. Decoding stops at the first record that cannot be handled.
func (ch *Channel) decodeBuffer(buf []byte) error {
	ch.decodeMu.Lock()
	defer ch.decodeMu.Unlock()

	for pos := 0; pos < len(buf); {
		msg, err := readMessage(buf[pos:])
		if err != nil {
			return fmt.Errorf("at offset %d: %w", pos, err)
		}

		switch msg.typ() {
		case MsgData:
			err = ch.handleData(msg)
		case MsgStatus:
			err = ch.handleStatus(msg)
		case MsgError:
			err = ch.handleError(msg)
		case MsgTimeOvr:
			ch.ts.Observe(msg.time)
		case MsgInfo, MsgWakeup, MsgTimeRst:
		default:
			ch.logf("unhandled rec type 0x%02X: ignored", msg.typ())
		}
		if err != nil {
			return fmt.Errorf("at offset %d: %w", pos, err)
		}
		pos += msg.size
	}
	return nil
}

func (ch *Channel) handleData(msg message) error {
	stride := ch.profile.Stride()
	dlc := decodeDLC(msg.flags)

	f := &Frame{
		Extended: msg.flags&flagEXT != 0,
		RTR:      msg.flags&flagRTR != 0,
	}
	n := min(int(dlc), CANMaxDataLen)
	if msg.flags&flagEDL != 0 {
		f.FD = true
		f.BRS = msg.flags&flagFDR != 0
		f.ESI = msg.flags&flagESI != 0
		n = DLCToLen(dlc)
	}

	if minSize := msgBaseSize + stride + n; msg.size < minSize {
		return fmt.Errorf("%w: data record of %d bytes, need %d", ErrMalformedMessage, msg.size, minSize)
	}

	if msg.flags&flagOVR != 0 {
		ch.stats.rxOverErrors.Add(1)
		ch.stats.rxErrors.Add(1)
		ch.logf("message overflow")
	}

	if f.Extended {
		f.ID = msg.id & effMask
	} else {
		f.ID = msg.id & sffMask
	}
	f.Data = make([]byte, n)
	if !f.RTR {
		copy(f.Data, msg.payload(stride))
	}
	f.Timestamp = ch.ts.Observe(msg.time)

	ch.stats.rxPackets.Add(1)
	if !f.RTR {
		ch.stats.rxBytes.Add(uint64(n))
	}
	ch.stack.Receive(f)
	return nil
}

func (ch *Channel) handleStatus(msg message) error {
	stride := ch.profile.Stride()
	if minSize := msgBaseSize + stride + 4; msg.size < minSize {
		return fmt.Errorf("%w: status record of %d bytes, need %d", ErrMalformedMessage, msg.size, minSize)
	}
	raw := binary.LittleEndian.Uint32(msg.payload(stride))

	newState := StateErrorActive
	overflow := false
	switch {
	case raw == statusOK:
	case raw&statusBusOff != 0:
		newState = StateBusOff
	default:
		if raw&statusErrLim != 0 {
			newState = StateErrorWarning
			ch.stats.errorWarning.Add(1)
		}
		if raw&statusErrPas != 0 {
			newState = StateErrorPassive
			ch.stats.errorPassive.Add(1)
		}
		if newState == StateErrorActive && raw&statusOverrun != 0 {
			overflow = true
		}
	}

	if !overflow {
		if newState == StateErrorActive {
			ch.txErr.Store(0)
			ch.rxErr.Store(0)
		}
		ch.state.Store(int32(newState))
	}

	ef := &ErrorFrame{
		State:     newState,
		Timestamp: ch.ts.Observe(msg.time),
	}
	ef.TxErr, ef.RxErr = ch.ErrorCounters()

	switch {
	case overflow:
		ef.Class = ErrClassCtrl
		ef.Ctrl = CtrlRxOverflow
		ch.stats.rxOverErrors.Add(1)
		ch.stats.rxErrors.Add(1)
	case newState == StateBusOff:
		ef.Class = ErrClassBusOff
		ch.stats.busOff.Add(1)
		ch.stack.BusOff()
	case newState == StateErrorWarning:
		ef.Class = ErrClassCtrl
		ef.Ctrl = CtrlTxWarning | CtrlRxWarning
	case newState == StateErrorPassive:
		ef.Class = ErrClassCtrl
		ef.Ctrl = CtrlTxPassive | CtrlRxPassive
	default:
		ef.Class = ErrClassCtrl
		ef.Ctrl = CtrlActive
	}

	ch.stats.rxPackets.Add(1)
	ch.stats.rxBytes.Add(errFrameLen)
	ch.stack.ReceiveError(ef)
	return nil
}

func (ch *Channel) handleError(msg message) error {
	stride := ch.profile.Stride()
	if minSize := msgBaseSize + stride + errorLen; msg.size < minSize {
		return fmt.Errorf("%w: error record of %d bytes, need %d", ErrMalformedMessage, msg.size, minSize)
	}
	if ch.State() == StateBusOff {
		return nil
	}

	data := msg.payload(stride)
	ch.rxErr.Store(uint32(data[errorCounterRX]))
	ch.txErr.Store(uint32(data[errorCounterTX]))

	ef := &ErrorFrame{
		State:     ch.State(),
		Timestamp: ch.ts.Observe(msg.time),
	}
	ef.TxErr, ef.RxErr = ch.ErrorCounters()

	switch data[errorCode] {
	case errorAck:
		ef.Class = ErrClassAck
		ch.stats.txErrors.Add(1)
	case errorBit:
		ef.Class = ErrClassProt
		ef.Prot = ProtBit
		ch.stats.rxErrors.Add(1)
	case errorForm:
		ef.Class = ErrClassProt
		ef.Prot = ProtForm
		ch.stats.rxErrors.Add(1)
	case errorStuff:
		ef.Class = ErrClassProt
		ef.Prot = ProtStuff
		ch.stats.rxErrors.Add(1)
	case errorCRC:
		ef.Class = ErrClassProt
		ef.Prot = ProtCRC
		ch.stats.rxErrors.Add(1)
	default:
		ef.Class = ErrClassProt
		ef.Prot = ProtUnspec
		ch.stats.rxErrors.Add(1)
	}
	ch.stats.busError.Add(1)

	ch.stats.rxPackets.Add(1)
	ch.stats.rxBytes.Add(errFrameLen)
	ch.stack.ReceiveError(ef)
	return nil
}
