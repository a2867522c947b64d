package ixxat

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

var errFakeTimeout = errors.New("fake: control timeout")

type fakeCommand struct {
	port   uint16
	opcode uint32
	req    []byte
}

type fakeHandler func(port uint16, req []byte) (code uint32, resp []byte)

// fakeTransport answers control commands from handlers and keeps submitted
// bulk transfers pending until the test completes them.
type fakeTransport struct {
	mu        sync.Mutex
	endpoints []uint8
	handlers  map[uint32]fakeHandler
	commands  []fakeCommand
	outCalls  int
	inCalls   int
	failOut   int
	chunk     int
	response  []byte
	served    int
	pending   []*Transfer
	submits   int
	submitErr func(*Transfer) error
	ctrlErr   error

	// hold runs before a command is accepted, outside of mu.
	hold func(opcode uint32)
}

func newFakeTransport(caps ...uint16) *fakeTransport {
	ft := &fakeTransport{handlers: make(map[uint32]fakeHandler)}
	ft.handlers[cmdBrdDevCaps] = func(uint16, []byte) (uint32, []byte) {
		resp := make([]byte, 2+2*len(caps))
		binary.LittleEndian.PutUint16(resp, uint16(len(caps)))
		for i, c := range caps {
			binary.LittleEndian.PutUint16(resp[2+2*i:], c)
		}
		return 0, resp
	}
	ft.handlers[cmdBrdDevInfo] = func(uint16, []byte) (uint32, []byte) {
		resp := make([]byte, 38)
		copy(resp, "USB-to-CAN V2")
		copy(resp[16:], "HW123456")
		binary.LittleEndian.PutUint16(resp[32:], 0x0201)
		binary.LittleEndian.PutUint32(resp[34:], 0xCAFE)
		return 0, resp
	}
	ft.handlers[cmdCANStart] = func(uint16, []byte) (uint32, []byte) {
		resp := make([]byte, 4)
		binary.LittleEndian.PutUint32(resp, 1000)
		return 0, resp
	}
	return ft
}

func (ft *fakeTransport) Control(_ context.Context, requestType, request uint8, value, _ uint16, data []byte) (int, error) {
	if ft.hold != nil && requestType&RequestDirIn == 0 && len(data) >= reqHeaderSize {
		ft.hold(binary.LittleEndian.Uint32(data[8:]))
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.ctrlErr != nil {
		return 0, ft.ctrlErr
	}

	if requestType&RequestDirIn == 0 {
		ft.outCalls++
		if ft.failOut > 0 {
			ft.failOut--
			return 0, errFakeTimeout
		}
		size := binary.LittleEndian.Uint32(data)
		opcode := binary.LittleEndian.Uint32(data[8:])
		resSize := binary.LittleEndian.Uint32(data[size:])
		req := append([]byte(nil), data[reqHeaderSize:size]...)
		ft.commands = append(ft.commands, fakeCommand{port: value, opcode: opcode, req: req})

		var code uint32
		var payload []byte
		if h, ok := ft.handlers[opcode]; ok {
			code, payload = h(value, req)
		}
		ft.response = make([]byte, resSize)
		binary.LittleEndian.PutUint32(ft.response[0:], resSize)
		binary.LittleEndian.PutUint32(ft.response[4:], uint32(len(payload)))
		binary.LittleEndian.PutUint32(ft.response[8:], code)
		copy(ft.response[resHeaderSize:], payload)
		ft.served = 0
		return len(data), nil
	}

	ft.inCalls++
	buf := data
	if ft.chunk > 0 && ft.chunk < len(buf) {
		buf = buf[:ft.chunk]
	}
	n := copy(buf, ft.response[ft.served:])
	ft.served += n
	return n, nil
}

func (ft *fakeTransport) Submit(t *Transfer) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.submits++
	if ft.submitErr != nil {
		if err := ft.submitErr(t); err != nil {
			return err
		}
	}
	ft.pending = append(ft.pending, t)
	return nil
}

func (ft *fakeTransport) Cancel(t *Transfer) {
	if ft.take(func(p *Transfer) bool { return p == t }) != nil {
		t.Complete(0, ErrTransferCancelled)
	}
}

func (ft *fakeTransport) Endpoints() []uint8 {
	return ft.endpoints
}

func (ft *fakeTransport) take(match func(*Transfer) bool) *Transfer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for i, t := range ft.pending {
		if match(t) {
			ft.pending = append(ft.pending[:i], ft.pending[i+1:]...)
			return t
		}
	}
	return nil
}

// deliver completes a pending read transfer with data.
func (ft *fakeTransport) deliver(data []byte) bool {
	t := ft.take(func(t *Transfer) bool { return t.In() })
	if t == nil {
		return false
	}
	n := copy(t.Data(), data)
	t.Complete(n, nil)
	return true
}

// confirm completes the oldest pending write transfer with status.
func (ft *fakeTransport) confirm(status error) *Transfer {
	t := ft.take(func(t *Transfer) bool { return !t.In() })
	if t == nil {
		return nil
	}
	n := 0
	if status == nil {
		n = len(t.Data())
	}
	t.Complete(n, status)
	return t
}

func (ft *fakeTransport) pendingCount(in bool) int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	n := 0
	for _, t := range ft.pending {
		if t.In() == in {
			n++
		}
	}
	return n
}

func (ft *fakeTransport) opcodes() []uint32 {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	out := make([]uint32, len(ft.commands))
	for i, c := range ft.commands {
		out[i] = c.opcode
	}
	return out
}

func (ft *fakeTransport) lastCommand(opcode uint32) (fakeCommand, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for i := len(ft.commands) - 1; i >= 0; i-- {
		if ft.commands[i].opcode == opcode {
			return ft.commands[i], true
		}
	}
	return fakeCommand{}, false
}

// recordingStack records everything a channel hands to the network layer.
type recordingStack struct {
	mu       sync.Mutex
	cfg      ControllerConfig
	cfgErr   error
	frames   []*Frame
	errs     []*ErrorFrame
	echo     map[int]*Frame
	echoed   []*Frame
	freed    []int
	stopped  int
	woken    int
	busOff   int
	attached int
	detached int
}

func newRecordingStack() *recordingStack {
	return &recordingStack{echo: make(map[int]*Frame)}
}

func (s *recordingStack) Config() (ControllerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.cfgErr
}

func (s *recordingStack) Receive(f *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *recordingStack) ReceiveError(e *ErrorFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, e)
}

func (s *recordingStack) PutEcho(index int, f *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echo[index] = f
}

func (s *recordingStack) GetEcho(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.echo[index]; ok {
		s.echoed = append(s.echoed, f)
		delete(s.echo, index)
	}
}

func (s *recordingStack) FreeEcho(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.echo, index)
	s.freed = append(s.freed, index)
}

func (s *recordingStack) StopQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
}

func (s *recordingStack) WakeQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.woken++
}

func (s *recordingStack) BusOff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busOff++
}

func (s *recordingStack) Attach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached++
}

func (s *recordingStack) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached++
}

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// newTestChannel builds a started channel on controller 0 without probing.
func newTestChannel(p *Profile) (*Channel, *recordingStack, *fakeTransport) {
	ft := newFakeTransport()
	d := &Device{
		tr:      ft,
		profile: p,
		cmd:     newCommander(ft),
		logf:    func(string, ...any) {},
		now:     func() time.Time { return testEpoch },
	}
	d.cmd.cycle = 0
	st := newRecordingStack()
	ch, err := newChannel(d, 0, st, DeviceInfo{})
	if err != nil {
		panic(err)
	}
	ch.setupTX()
	ch.started.Store(true)
	ch.state.Store(int32(StateErrorActive))
	ch.ts.SetOrigin(0, testEpoch)
	return ch, st, ft
}

// record builds a raw message record with the stride of p.
func record(p *Profile, typ uint8, tick, id, flags uint32, payload []byte) []byte {
	size := msgBaseSize + p.Stride() + len(payload)
	buf := make([]byte, size)
	buf[0] = uint8(size - 1)
	binary.LittleEndian.PutUint32(buf[1:], tick)
	binary.LittleEndian.PutUint32(buf[5:], id)
	binary.LittleEndian.PutUint32(buf[9:], flags|uint32(typ))
	copy(buf[msgBaseSize+p.Stride():], payload)
	return buf
}

func statusPayload(status uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, status)
	return b
}
