package ixxat

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func cl1Config(t *testing.T) ControllerConfig {
	t.Helper()
	bt, err := CalcBitTiming(ProfileCL1.Clock, 500000, 0, &ProfileCL1.BitTiming)
	if err != nil {
		t.Fatal(err)
	}
	return ControllerConfig{BitTiming: bt}
}

// newStoppedChannel returns a channel that has been probed but not opened.
func newStoppedChannel(t *testing.T, p *Profile) (*Channel, *recordingStack, *fakeTransport) {
	t.Helper()
	ch, st, ft := newTestChannel(p)
	ch.started.Store(false)
	ch.state.Store(int32(StateConnected))
	ch.dev.logf = t.Logf
	st.cfg = cl1Config(t)
	return ch, st, ft
}

func equalOpcodes(got, want []uint32) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestChannelOpenStop(t *testing.T) {
	ctx := context.Background()
	ch, st, ft := newStoppedChannel(t, ProfileCL1)

	if err := ch.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := ft.opcodes(), []uint32{cmdCANReset, cmdCANInitCL1, cmdCANStart}; !equalOpcodes(got, want) {
		t.Fatalf("opcodes %X, want %X", got, want)
	}
	if n := ft.pendingCount(true); n != MaxRXURBs {
		t.Fatalf("%d rx transfers posted", n)
	}
	if ch.State() != StateErrorActive || !ch.Started() {
		t.Fatalf("state %s started %v", ch.State(), ch.Started())
	}
	if st.woken != 1 {
		t.Fatalf("queue woken %d times", st.woken)
	}
	if err := ch.Open(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second open: %v", err)
	}

	if err := ch.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	cmd, ok := ft.lastCommand(cmdCANStop)
	if !ok || len(cmd.req) != 4 || cmd.req[0] != stopActionClearAll {
		t.Fatalf("stop command %+v", cmd)
	}
	if n := ft.pendingCount(true); n != 0 {
		t.Fatalf("%d rx transfers left after stop", n)
	}
	if ch.State() != StateStopped || ch.Started() {
		t.Fatalf("state %s started %v", ch.State(), ch.Started())
	}
}

func TestChannelOpenSeedsTimestamp(t *testing.T) {
	ch, st, ft := newStoppedChannel(t, ProfileCL1)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !ft.deliver(record(ProfileCL1, MsgData, 1250, 0x10, encodeDLC(0), nil)) {
		t.Fatal("no rx transfer pending")
	}
	if len(st.frames) != 1 {
		t.Fatalf("got %d frames", len(st.frames))
	}
	// the fake start command reports tick 1000
	if got := st.frames[0].Timestamp.Sub(testEpoch); got.Microseconds() != 250 {
		t.Fatalf("timestamp offset %v", got)
	}
}

func TestChannelOpenInitFailure(t *testing.T) {
	ch, _, ft := newStoppedChannel(t, ProfileCL1)
	ft.handlers[cmdCANInitCL1] = func(uint16, []byte) (uint32, []byte) {
		return 1, nil
	}
	err := ch.Open(context.Background())
	var de *DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("got %v", err)
	}
	if ch.Started() {
		t.Fatal("started after failed open")
	}
	if n := ft.pendingCount(true); n != 0 {
		t.Fatalf("%d rx transfers left", n)
	}
}

func TestChannelOpenUnsupportedMode(t *testing.T) {
	ch, st, ft := newStoppedChannel(t, ProfileCL1)
	st.cfg.Mode = CtrlModeFD
	if err := ch.Open(context.Background()); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("got %v", err)
	}
	if len(ft.opcodes()) != 0 {
		t.Fatalf("commands sent: %X", ft.opcodes())
	}
}

func TestChannelOpenNoDevice(t *testing.T) {
	ch, st, ft := newStoppedChannel(t, ProfileCL1)
	ft.submitErr = func(*Transfer) error { return ErrNoDevice }
	if err := ch.Open(context.Background()); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("got %v", err)
	}
	if st.detached != 1 {
		t.Fatalf("detached %d times", st.detached)
	}
}

func TestChannelSetMode(t *testing.T) {
	ctx := context.Background()
	ch, st, ft := newStoppedChannel(t, ProfileCL1)

	if err := ch.SetMode(ctx, ModeStart); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("restart before open: %v", err)
	}
	if err := ch.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if err := ch.SetMode(ctx, ModeSleep); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("got %v", err)
	}

	ch.state.Store(int32(StateBusOff))
	before := len(ft.opcodes())
	if err := ch.SetMode(ctx, ModeStart); err != nil {
		t.Fatal(err)
	}
	if got := ft.opcodes()[before:]; !equalOpcodes(got, []uint32{cmdCANStop, cmdCANStart}) {
		t.Fatalf("restart opcodes %X", got)
	}
	if ch.State() != StateErrorActive {
		t.Fatalf("state %s", ch.State())
	}
	if n := ft.pendingCount(true); n != MaxRXURBs {
		t.Fatalf("%d rx transfers after restart", n)
	}
	if s := ch.Stats(); s.Restarts != 1 {
		t.Fatalf("restarts %d", s.Restarts)
	}
	if st.woken != 2 {
		t.Fatalf("queue woken %d times", st.woken)
	}
}

func TestTransmitExhaustsContexts(t *testing.T) {
	ch, st, ft := newTestChannel(ProfileCL2)
	f := &Frame{ID: 0x321, Data: []byte{1, 2, 3, 4}}

	for i := 0; i < MaxTXURBs; i++ {
		if err := ch.Transmit(f); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	if st.stopped != 1 {
		t.Fatalf("queue stopped %d times", st.stopped)
	}
	if err := ch.Transmit(f); !errors.Is(err, ErrTxBusy) {
		t.Fatalf("got %v, want ErrTxBusy", err)
	}

	if ft.confirm(nil) == nil {
		t.Fatal("no tx transfer pending")
	}
	if len(st.echoed) != 1 || st.woken != 1 {
		t.Fatalf("echoed %d woken %d", len(st.echoed), st.woken)
	}
	if err := ch.Transmit(f); err != nil {
		t.Fatalf("after completion: %v", err)
	}
	if err := ch.Transmit(f); !errors.Is(err, ErrTxBusy) {
		t.Fatalf("got %v, want ErrTxBusy", err)
	}

	s := ch.Stats()
	if s.TxPackets != 1 || s.TxBytes != 4 {
		t.Fatalf("stats %+v", s)
	}
}

func TestTransmitRejects(t *testing.T) {
	ch, _, _ := newTestChannel(ProfileCL1)
	if err := ch.Transmit(&Frame{ID: 1, FD: true}); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("got %v", err)
	}
	if s := ch.Stats(); s.TxDropped != 1 {
		t.Fatalf("dropped %d", s.TxDropped)
	}

	ch.started.Store(false)
	if err := ch.Transmit(&Frame{ID: 1}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("got %v", err)
	}
}

func TestTransmitSubmitFailure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		dropped  uint64
		detached int
	}{
		{"stall", errors.New("stall"), 1, 0},
		{"unplugged", ErrNoDevice, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, st, ft := newTestChannel(ProfileCL1)
			ft.submitErr = func(*Transfer) error { return tt.err }

			if err := ch.Transmit(&Frame{ID: 1}); !errors.Is(err, tt.err) {
				t.Fatalf("got %v", err)
			}
			if len(st.freed) != 1 || len(st.echo) != 0 {
				t.Fatalf("freed %v echo %v", st.freed, st.echo)
			}
			if ch.activeTX.Load() != 0 {
				t.Fatalf("active %d", ch.activeTX.Load())
			}
			if s := ch.Stats(); s.TxDropped != tt.dropped {
				t.Fatalf("dropped %d", s.TxDropped)
			}
			if st.detached != tt.detached {
				t.Fatalf("detached %d", st.detached)
			}
		})
	}
}

func TestTransmitCompletionError(t *testing.T) {
	ch, st, ft := newTestChannel(ProfileCL1)
	if err := ch.Transmit(&Frame{ID: 1, Data: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	ft.confirm(errors.New("stall"))
	if s := ch.Stats(); s.TxErrors != 1 || s.TxPackets != 0 {
		t.Fatalf("stats %+v", s)
	}
	if len(st.freed) != 1 || len(st.echoed) != 0 {
		t.Fatalf("freed %v echoed %d", st.freed, len(st.echoed))
	}
	if ch.activeTX.Load() != 0 {
		t.Fatalf("active %d", ch.activeTX.Load())
	}
}

func TestStopReleasesPendingEchoes(t *testing.T) {
	ch, st, ft := newTestChannel(ProfileCL1)
	for i := 0; i < 3; i++ {
		if err := ch.Transmit(&Frame{ID: uint32(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := ch.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(st.freed) != 3 || len(st.echo) != 0 {
		t.Fatalf("freed %v echo %v", st.freed, st.echo)
	}
	if ft.pendingCount(false) != 0 || ch.activeTX.Load() != 0 {
		t.Fatalf("tx still in flight")
	}
	for i := range ch.tx {
		if ch.tx[i].echo.Load() != echoFree {
			t.Fatalf("context %d not released", i)
		}
	}
}

func TestTransmitWhileStopping(t *testing.T) {
	tests := []struct {
		name   string
		run    func(context.Context, *Channel) error
		during error
		after  error
	}{
		{"stop", func(ctx context.Context, ch *Channel) error { return ch.Stop(ctx) }, ErrNotStarted, ErrNotStarted},
		{"restart", func(ctx context.Context, ch *Channel) error { return ch.SetMode(ctx, ModeStart) }, ErrTxBusy, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			ch, st, ft := newStoppedChannel(t, ProfileCL1)
			if err := ch.Open(ctx); err != nil {
				t.Fatal(err)
			}

			entered := make(chan struct{})
			release := make(chan struct{})
			var once sync.Once
			ft.hold = func(opcode uint32) {
				if opcode == cmdCANStop {
					once.Do(func() {
						close(entered)
						<-release
					})
				}
			}

			done := make(chan error, 1)
			go func() { done <- tt.run(ctx, ch) }()
			<-entered

			f := &Frame{ID: 0x123, Data: []byte{1, 2}}
			err := ch.Transmit(f)
			close(release)
			if !errors.Is(err, tt.during) {
				t.Errorf("transmit while stop command runs: %v, want %v", err, tt.during)
			}
			if err := <-done; err != nil {
				t.Fatal(err)
			}
			if n := ft.pendingCount(false); n != 0 {
				t.Fatalf("%d tx transfers in flight", n)
			}
			if ch.activeTX.Load() != 0 || len(st.echo) != 0 {
				t.Fatalf("active %d echo %v", ch.activeTX.Load(), st.echo)
			}

			if err := ch.Transmit(f); !errors.Is(err, tt.after) {
				t.Fatalf("transmit after %s: %v, want %v", tt.name, err, tt.after)
			}
		})
	}
}

func TestStopThenReopenReusesContexts(t *testing.T) {
	ctx := context.Background()
	ch, _, ft := newStoppedChannel(t, ProfileCL1)
	if err := ch.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if err := ch.Transmit(&Frame{ID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := ch.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := ch.Open(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < MaxTXURBs; i++ {
		if err := ch.Transmit(&Frame{ID: uint32(i)}); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	if n := ft.pendingCount(false); n != MaxTXURBs {
		t.Fatalf("%d tx transfers pending, want %d", n, MaxTXURBs)
	}
}

func TestWriteCallbackAfterDetach(t *testing.T) {
	ch, st, ft := newTestChannel(ProfileCL1)
	if err := ch.Transmit(&Frame{ID: 1, Data: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	ch.present.Store(false)
	ft.confirm(ErrNoDevice)

	if len(st.freed) != 1 || len(st.echo) != 0 || len(st.echoed) != 0 {
		t.Fatalf("freed %v echo %v echoed %d", st.freed, st.echo, len(st.echoed))
	}
	if ch.activeTX.Load() != 0 || ch.tx[0].echo.Load() != echoFree {
		t.Fatalf("context still bound")
	}
	if s := ch.Stats(); s.TxErrors != 0 {
		t.Fatalf("stats %+v", s)
	}
}

func TestReadCallback(t *testing.T) {
	ch, st, ft := newTestChannel(ProfileCL1)
	if err := ch.setupRX(); err != nil {
		t.Fatal(err)
	}

	ft.deliver(record(ProfileCL1, MsgData, 0, 0x7E8, encodeDLC(2), []byte{0x10, 0x20}))
	if len(st.frames) != 1 || ft.pendingCount(true) != MaxRXURBs {
		t.Fatalf("frames %d pending %d", len(st.frames), ft.pendingCount(true))
	}

	tr := ft.take(func(t *Transfer) bool { return t.In() })
	tr.Complete(0, errors.New("babble"))
	if ft.pendingCount(true) != MaxRXURBs {
		t.Fatal("rx transfer not resubmitted after error")
	}

	ch.started.Store(false)
	ft.deliver(record(ProfileCL1, MsgData, 0, 0x7E8, encodeDLC(0), nil))
	if len(st.frames) != 1 {
		t.Fatal("frame delivered while stopped")
	}

	tr = ft.take(func(t *Transfer) bool { return t.In() })
	tr.Complete(0, ErrNoDevice)
	if st.detached != 1 || ft.pendingCount(true) != MaxRXURBs-1 {
		t.Fatalf("detached %d pending %d", st.detached, ft.pendingCount(true))
	}
}

func TestStatusRecords(t *testing.T) {
	tests := []struct {
		name   string
		status uint32
		state  State
		class  ErrorClass
		ctrl   CtrlError
	}{
		{"ok", statusOK, StateErrorActive, ErrClassCtrl, CtrlActive},
		{"warning", statusErrLim, StateErrorWarning, ErrClassCtrl, CtrlTxWarning | CtrlRxWarning},
		{"passive", statusErrPas, StateErrorPassive, ErrClassCtrl, CtrlTxPassive | CtrlRxPassive},
		{"warning and passive", statusErrLim | statusErrPas, StateErrorPassive, ErrClassCtrl, CtrlTxPassive | CtrlRxPassive},
		{"bus off", statusBusOff, StateBusOff, ErrClassBusOff, 0},
		{"overrun", statusOverrun, StateErrorWarning, ErrClassCtrl, CtrlRxOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, st, _ := newTestChannel(ProfileCL2)
			ch.state.Store(int32(StateErrorWarning))

			if err := ch.decodeBuffer(record(ProfileCL2, MsgStatus, 0, 0, 0, statusPayload(tt.status))); err != nil {
				t.Fatal(err)
			}
			if ch.State() != tt.state {
				t.Errorf("state %s, want %s", ch.State(), tt.state)
			}
			if len(st.errs) != 1 {
				t.Fatalf("%d error frames", len(st.errs))
			}
			if e := st.errs[0]; e.Class != tt.class || e.Ctrl != tt.ctrl {
				t.Errorf("error frame %+v", e)
			}
		})
	}
}

func TestBusOffSuppressesErrorRecords(t *testing.T) {
	ch, st, _ := newTestChannel(ProfileCL1)

	if err := ch.decodeBuffer(record(ProfileCL1, MsgStatus, 0, 0, 0, statusPayload(statusBusOff))); err != nil {
		t.Fatal(err)
	}
	if ch.State() != StateBusOff || st.busOff != 1 || len(st.errs) != 1 {
		t.Fatalf("state %s busoff %d errors %d", ch.State(), st.busOff, len(st.errs))
	}
	if st.errs[0].Class&ErrClassBusOff == 0 {
		t.Fatalf("error frame %+v", st.errs[0])
	}

	ack := []byte{errorAck, 0, 0, 12, 34}
	if err := ch.decodeBuffer(record(ProfileCL1, MsgError, 0, 0, 0, ack)); err != nil {
		t.Fatal(err)
	}
	if len(st.errs) != 1 {
		t.Fatalf("error record reported while bus-off")
	}
	if tx, rx := ch.ErrorCounters(); tx != 0 || rx != 0 {
		t.Fatalf("counters updated while bus-off: tx %d rx %d", tx, rx)
	}
	if s := ch.Stats(); s.BusOff != 1 || s.TxErrors != 0 {
		t.Fatalf("stats %+v", s)
	}
}

func TestErrorRecords(t *testing.T) {
	tests := []struct {
		name     string
		code     byte
		class    ErrorClass
		prot     ProtError
		txErrors uint64
		rxErrors uint64
	}{
		{"ack", errorAck, ErrClassAck, 0, 1, 0},
		{"bit", errorBit, ErrClassProt, ProtBit, 0, 1},
		{"form", errorForm, ErrClassProt, ProtForm, 0, 1},
		{"stuff", errorStuff, ErrClassProt, ProtStuff, 0, 1},
		{"crc", errorCRC, ErrClassProt, ProtCRC, 0, 1},
		{"other", 0x55, ErrClassProt, ProtUnspec, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, st, _ := newTestChannel(ProfileIDM)
			payload := []byte{tt.code, 0, 0, 96, 128}
			if err := ch.decodeBuffer(record(ProfileIDM, MsgError, 0, 0, 0, payload)); err != nil {
				t.Fatal(err)
			}
			if len(st.errs) != 1 {
				t.Fatalf("%d error frames", len(st.errs))
			}
			e := st.errs[0]
			if e.Class != tt.class || e.Prot != tt.prot || e.TxErr != 128 || e.RxErr != 96 {
				t.Fatalf("error frame %+v", e)
			}
			if tx, rx := ch.ErrorCounters(); tx != 128 || rx != 96 {
				t.Fatalf("counters tx %d rx %d", tx, rx)
			}
			if s := ch.Stats(); s.TxErrors != tt.txErrors || s.RxErrors != tt.rxErrors {
				t.Fatalf("stats %+v", s)
			}
		})
	}
}

func TestStatusActiveClearsCounters(t *testing.T) {
	ch, _, _ := newTestChannel(ProfileCL1)
	if err := ch.decodeBuffer(record(ProfileCL1, MsgError, 0, 0, 0, []byte{errorBit, 0, 0, 5, 7})); err != nil {
		t.Fatal(err)
	}
	if tx, rx := ch.ErrorCounters(); tx != 7 || rx != 5 {
		t.Fatalf("counters tx %d rx %d", tx, rx)
	}
	if err := ch.decodeBuffer(record(ProfileCL1, MsgStatus, 0, 0, 0, statusPayload(statusOK))); err != nil {
		t.Fatal(err)
	}
	if tx, rx := ch.ErrorCounters(); tx != 0 || rx != 0 {
		t.Fatalf("counters tx %d rx %d", tx, rx)
	}
}
