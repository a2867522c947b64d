package ixxatcan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roffe/ixxatcan/pkg/ixxat"
	"github.com/roffe/ixxatcan/pkg/ixxat/usbdev"
)

const (
	ixxatSendTimeout  = 2 * time.Second
	ixxatCloseTimeout = 2 * time.Second
)

type ixxatTransport interface {
	ixxat.Transport
	ProductID() uint16
	Close() error
}

// openTransport claims the adapter selected by port, the index of the
// adapter among all attached ones. An empty port selects the first.
var openTransport = func(port string) (ixxatTransport, error) {
	index := 0
	if port != "" {
		i, err := strconv.Atoi(strings.TrimSpace(port))
		if err != nil || i < 0 {
			return nil, fmt.Errorf("%w %q: expected adapter index", ErrInvalidPort, port)
		}
		index = i
	}
	return usbdev.Open(index)
}

func init() {
	if err := RegisterAdapter(&AdapterInfo{
		Name:               "IXXAT",
		Description:        "IXXAT USB-to-CAN via libusb",
		RequiresSerialPort: false,
		Capabilities:       AdapterCapabilities{HSCAN: true, FD: true},
		New:                NewIXXAT,
	}); err != nil {
		panic(err)
	}
}

// IXXAT drives one CAN channel of an IXXAT USB adapter.
type IXXAT struct {
	*BaseAdapter

	tr  ixxatTransport
	dev *ixxat.Device
	ch  *ixxat.Channel

	probeOpts []ixxat.Option
	filter    map[uint32]struct{}
	loopback  bool

	echoMu sync.Mutex
	echo   [ixxat.MaxTXURBs]*CANFrame

	wake chan struct{}

	restartMu    sync.Mutex
	restartTimer *time.Timer

	closeOnce sync.Once
}

func NewIXXAT(cfg *AdapterConfig) (Adapter, error) {
	a := &IXXAT{
		BaseAdapter: NewBaseAdapter("IXXAT", cfg),
		filter:      make(map[uint32]struct{}, len(cfg.CANFilter)),
		loopback:    cfg.AdditionalConfig["loopback"] == "true",
		wake:        make(chan struct{}, 1),
	}
	for _, id := range cfg.CANFilter {
		a.filter[id] = struct{}{}
	}
	return a, nil
}

func (a *IXXAT) Open(ctx context.Context) error {
	tr, err := openTransport(a.cfg.Port)
	if err != nil {
		return fmt.Errorf("failed to open adapter: %w", err)
	}

	opts := append([]ixxat.Option{ixxat.WithLogger(a.logf)}, a.probeOpts...)
	dev, err := ixxat.Probe(ctx, tr, tr.ProductID(), a.stackFor, opts...)
	if err != nil {
		tr.Close()
		return fmt.Errorf("probe: %w", err)
	}

	var ch *ixxat.Channel
	for _, c := range dev.Channels() {
		if c.Index() == a.cfg.Channel {
			ch = c
		}
	}
	if ch == nil {
		dev.Disconnect(ctx)
		tr.Close()
		return fmt.Errorf("%s has no can channel %d", dev.Product().Name, a.cfg.Channel)
	}
	a.tr, a.dev, a.ch = tr, dev, ch

	if a.cfg.PrintVersion {
		a.Info(fmt.Sprintf("%s %s", dev.Product().Name, dev.Info()))
	}

	if err := ch.Open(ctx); err != nil {
		a.dev.Disconnect(ctx)
		a.tr.Close()
		return err
	}
	a.State(ch.State().String())

	go a.sendManager()
	return nil
}

func (a *IXXAT) Close() error {
	a.BaseAdapter.Close()
	var err error
	a.closeOnce.Do(func() { err = a.closeAdapter() })
	return err
}

func (a *IXXAT) closeAdapter() error {
	a.restartMu.Lock()
	if a.restartTimer != nil {
		a.restartTimer.Stop()
		a.restartTimer = nil
	}
	a.restartMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ixxatCloseTimeout)
	defer cancel()

	var errs []error
	if a.dev != nil {
		errs = append(errs, a.dev.Disconnect(ctx))
	}
	if a.tr != nil {
		errs = append(errs, a.tr.Close())
	}
	return errors.Join(errs...)
}

// Channel returns the driven channel, nil before Open.
func (a *IXXAT) Channel() *ixxat.Channel {
	return a.ch
}

func (a *IXXAT) Stats() ixxat.Stats {
	if a.ch == nil {
		return ixxat.Stats{}
	}
	return a.ch.Stats()
}

func (a *IXXAT) logf(format string, args ...any) {
	a.Info(fmt.Sprintf(format, args...))
}

func (a *IXXAT) stackFor(index int) ixxat.NetStack {
	if index == a.cfg.Channel {
		return a
	}
	return ixxat.IdleStack{}
}

func (a *IXXAT) sendManager() {
	for {
		select {
		case <-a.closeChan:
			return
		case frame := <-a.sendChan:
			a.transmit(frame)
		}
	}
}

// transmit waits for a free tx context when the device queue is full.
func (a *IXXAT) transmit(frame *CANFrame) {
	f := toIXXATFrame(frame)
	timeout := time.NewTimer(ixxatSendTimeout)
	defer timeout.Stop()
	for {
		err := a.ch.Transmit(f)
		switch {
		case err == nil:
			return
		case errors.Is(err, ixxat.ErrTxBusy), errors.Is(err, ixxat.ErrNotStarted):
			select {
			case <-a.wake:
			case <-timeout.C:
				a.Error(fmt.Errorf("%w 0x%03X: %w", ErrSendTimeout, frame.Identifier, err))
				return
			case <-a.closeChan:
				return
			}
		default:
			a.Error(fmt.Errorf("send 0x%03X: %w", frame.Identifier, err))
			return
		}
	}
}

func (a *IXXAT) restart() {
	a.restartMu.Lock()
	a.restartTimer = nil
	a.restartMu.Unlock()
	if a.closed() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ixxatCloseTimeout)
	defer cancel()
	if err := a.ch.SetMode(ctx, ixxat.ModeStart); err != nil {
		if !a.closed() {
			a.Fatal(Unrecoverable(fmt.Errorf("restart after bus-off: %w", err)))
		}
		return
	}
	a.State(a.ch.State().String())
}

// Config computes the controller setup from the adapter configuration.
func (a *IXXAT) Config() (ixxat.ControllerConfig, error) {
	p := a.dev.Profile()
	var cfg ixxat.ControllerConfig

	bt, err := ixxat.CalcBitTiming(p.Clock, kbitToBit(a.cfg.CANRate), a.cfg.SamplePoint, &p.BitTiming)
	if err != nil {
		return cfg, err
	}
	cfg.BitTiming = bt

	if a.cfg.ListenOnly {
		cfg.Mode |= ixxat.CtrlModeListenOnly
	}
	if a.cfg.TripleSampling {
		cfg.Mode |= ixxat.CtrlModeTripleSampling
	}
	if a.cfg.BerrReporting {
		cfg.Mode |= ixxat.CtrlModeBerrReporting
	}
	if a.cfg.DataRate > 0 {
		if p.DataBitTiming == nil {
			return cfg, fmt.Errorf("%w: %s has no CAN FD support", ixxat.ErrUnsupportedMode, p.Name)
		}
		dbt, err := ixxat.CalcBitTiming(p.Clock, kbitToBit(a.cfg.DataRate), a.cfg.DataSamplePoint, p.DataBitTiming)
		if err != nil {
			return cfg, fmt.Errorf("data phase: %w", err)
		}
		cfg.DataBitTiming = dbt
		cfg.Mode |= ixxat.CtrlModeFD
		if a.cfg.FDNonISO {
			cfg.Mode |= ixxat.CtrlModeFDNonISO
		}
	}
	a.Debug(fmt.Sprintf("bit timing %s, data %s, mode %s", cfg.BitTiming, cfg.DataBitTiming, cfg.Mode))
	return cfg, nil
}

func (a *IXXAT) Receive(f *ixxat.Frame) {
	if len(a.filter) > 0 {
		if _, ok := a.filter[f.ID]; !ok {
			return
		}
	}
	select {
	case a.recvChan <- fromIXXATFrame(f, Incoming):
	default:
		a.Error(ErrDroppedFrame)
	}
}

func (a *IXXAT) ReceiveError(e *ixxat.ErrorFrame) {
	if e.Class&(ixxat.ErrClassCtrl|ixxat.ErrClassBusOff) != 0 {
		a.State(e.String())
		return
	}
	a.Warn(e.String())
}

func (a *IXXAT) PutEcho(index int, f *ixxat.Frame) {
	if !a.loopback {
		return
	}
	a.echoMu.Lock()
	frame := fromIXXATFrame(f, Outgoing)
	frame.Data = append([]byte(nil), f.Data...)
	a.echo[index] = frame
	a.echoMu.Unlock()
}

func (a *IXXAT) GetEcho(index int) {
	if !a.loopback {
		return
	}
	a.echoMu.Lock()
	frame := a.echo[index]
	a.echo[index] = nil
	a.echoMu.Unlock()
	if frame == nil {
		return
	}
	frame.Timestamp = time.Now()
	select {
	case a.recvChan <- frame:
	default:
		a.Error(ErrDroppedFrame)
	}
}

func (a *IXXAT) FreeEcho(index int) {
	if !a.loopback {
		return
	}
	a.echoMu.Lock()
	a.echo[index] = nil
	a.echoMu.Unlock()
}

func (a *IXXAT) StopQueue() {}

func (a *IXXAT) WakeQueue() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *IXXAT) BusOff() {
	if a.cfg.RestartDelay <= 0 {
		a.Fatal(Unrecoverable(ErrBusOff))
		return
	}
	a.restartMu.Lock()
	defer a.restartMu.Unlock()
	if a.restartTimer == nil && !a.closed() {
		a.Warn(fmt.Sprintf("bus-off, restarting in %s", a.cfg.RestartDelay))
		a.restartTimer = time.AfterFunc(a.cfg.RestartDelay, a.restart)
	}
}

func (a *IXXAT) Attach() {
	a.Debug(fmt.Sprintf("channel %d attached", a.cfg.Channel))
}

func (a *IXXAT) Detach() {
	if a.closed() {
		return
	}
	a.Fatal(Unrecoverable(fmt.Errorf("channel %d: %w", a.cfg.Channel, ixxat.ErrNoDevice)))
}

func kbitToBit(rate float64) uint32 {
	return uint32(math.Round(rate * 1000))
}

func toIXXATFrame(frame *CANFrame) *ixxat.Frame {
	return &ixxat.Frame{
		ID:       frame.Identifier,
		Extended: frame.Extended,
		RTR:      frame.RTR,
		FD:       frame.FD,
		BRS:      frame.BRS,
		ESI:      frame.ESI,
		Data:     frame.Data,
	}
}

func fromIXXATFrame(f *ixxat.Frame, frameType CANFrameType) *CANFrame {
	return &CANFrame{
		Identifier: f.ID,
		Extended:   f.Extended,
		RTR:        f.RTR,
		FD:         f.FD,
		BRS:        f.BRS,
		ESI:        f.ESI,
		Data:       f.Data,
		FrameType:  frameType,
		Timestamp:  f.Timestamp,
	}
}
