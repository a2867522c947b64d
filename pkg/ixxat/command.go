package ixxat

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
)

const (
	reqHeaderSize = 12 // u32 size, u16 port, u16 socket, u32 code
	resHeaderSize = 12 // u32 res_size, u32 ret_size, u32 code
)

var errPartialResponse = errors.New("partial response")

// commander issues request/response commands over the control pipe. The
// protocol carries no correlation id so only one command may be in flight.
type commander struct {
	tr      Transport
	mu      sync.Mutex
	timeout time.Duration
	cycle   time.Duration
}

func newCommander(tr Transport) *commander {
	return &commander{
		tr:      tr,
		timeout: msgTimeout,
		cycle:   msgCycle,
	}
}

// encodeRequest lays out header, request payload and the response header template.
func encodeRequest(port uint16, opcode uint32, req []byte, respLen int) []byte {
	buf := make([]byte, reqHeaderSize+len(req)+resHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(reqHeaderSize+len(req)))
	binary.LittleEndian.PutUint16(buf[4:], port)
	binary.LittleEndian.PutUint16(buf[6:], broadcastSock)
	binary.LittleEndian.PutUint32(buf[8:], opcode)
	copy(buf[reqHeaderSize:], req)
	res := buf[reqHeaderSize+len(req):]
	binary.LittleEndian.PutUint32(res[0:], uint32(resHeaderSize+respLen))
	binary.LittleEndian.PutUint32(res[4:], 0)
	binary.LittleEndian.PutUint32(res[8:], noResponse)
	return buf
}

// exchange sends one command and returns the response code. resp is filled with
// the response payload following the response header.
func (c *commander) exchange(ctx context.Context, port uint16, opcode uint32, req, resp []byte) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := encodeRequest(port, opcode, req, len(resp))
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(MaxComReq),
		retry.Delay(c.cycle),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrNoDevice)
		}),
	}

	err := retry.Do(func() error {
		tctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		_, err := c.tr.Control(tctx, RequestTypeVendor|RequestDirOut, ctrlRequest, port, 0, out)
		return err
	}, opts...)
	if err != nil {
		return 0, fmt.Errorf("%w: tx command 0x%03X: %w", ErrTransport, opcode, err)
	}

	in := make([]byte, resHeaderSize+len(resp))
	pos := 0
	err = retry.Do(func() error {
		tctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		n, err := c.tr.Control(tctx, RequestTypeVendor|RequestDirIn, ctrlRequest, port, 0, in[pos:])
		if err != nil {
			return err
		}
		pos += n
		if pos < len(in) {
			return errPartialResponse
		}
		return nil
	}, opts...)
	switch {
	case errors.Is(err, errPartialResponse):
		return 0, fmt.Errorf("%w: rx command 0x%03X: got %d of %d bytes", ErrMalformedResponse, opcode, pos, len(in))
	case err != nil:
		return 0, fmt.Errorf("%w: rx command 0x%03X: %w", ErrTransport, opcode, err)
	}

	copy(resp, in[resHeaderSize:])
	return binary.LittleEndian.Uint32(in[8:]), nil
}

// do runs exchange and turns a non-zero response code into a DeviceError.
func (c *commander) do(ctx context.Context, port uint16, opcode uint32, req, resp []byte) error {
	code, err := c.exchange(ctx, port, opcode, req, resp)
	if err != nil {
		return err
	}
	if code != 0 {
		return &DeviceError{Opcode: opcode, Code: code}
	}
	return nil
}

// DeviceCaps lists the bus controllers of a device.
type DeviceCaps struct {
	BusCtrlTypes []uint16
}

// BusType returns the bus type of controller i.
func (c DeviceCaps) BusType(i int) uint8 {
	return uint8(c.BusCtrlTypes[i] >> 8)
}

// CANControllers returns the indexes of all CAN controllers.
func (c DeviceCaps) CANControllers() []uint16 {
	var out []uint16
	for i := range c.BusCtrlTypes {
		if c.BusType(i) == busTypeCAN {
			out = append(out, uint16(i))
		}
	}
	return out
}

func (c *commander) getDeviceCaps(ctx context.Context) (DeviceCaps, error) {
	resp := make([]byte, 2+2*MaxBusTypes)
	if err := c.do(ctx, broadcastPort, cmdBrdDevCaps, nil, resp); err != nil {
		return DeviceCaps{}, err
	}
	count := int(binary.LittleEndian.Uint16(resp))
	if count > MaxBusTypes {
		return DeviceCaps{}, fmt.Errorf("%w: %d bus controllers reported", ErrMalformedResponse, count)
	}
	caps := DeviceCaps{BusCtrlTypes: make([]uint16, count)}
	for i := range caps.BusCtrlTypes {
		caps.BusCtrlTypes[i] = binary.LittleEndian.Uint16(resp[2+2*i:])
	}
	return caps, nil
}

// DeviceInfo is the identification block reported by the firmware.
type DeviceInfo struct {
	Name        string
	ID          string
	Version     uint16
	FPGAVersion uint32
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s (%s) hw %d.%d fpga 0x%08X", d.Name, d.ID, d.Version>>8, d.Version&0xFF, d.FPGAVersion)
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (c *commander) getDeviceInfo(ctx context.Context) (DeviceInfo, error) {
	resp := make([]byte, 16+16+2+4)
	if err := c.do(ctx, broadcastPort, cmdBrdDevInfo, nil, resp); err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{
		Name:        cString(resp[0:16]),
		ID:          cString(resp[16:32]),
		Version:     binary.LittleEndian.Uint16(resp[32:]),
		FPGAVersion: binary.LittleEndian.Uint32(resp[34:]),
	}, nil
}

func (c *commander) setPower(ctx context.Context, mode uint8) error {
	return c.do(ctx, broadcastPort, cmdBrdSetPower, []byte{mode, 0, 0, 0}, nil)
}

// startController starts a controller and returns the device clock at start.
func (c *commander) startController(ctx context.Context, port uint16) (uint32, error) {
	resp := make([]byte, 4)
	if err := c.do(ctx, port, cmdCANStart, nil, resp); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(resp), nil
}

func (c *commander) stopController(ctx context.Context, port uint16) error {
	req := make([]byte, 4)
	binary.LittleEndian.PutUint32(req, stopActionClearAll)
	return c.do(ctx, port, cmdCANStop, req, nil)
}

func (c *commander) resetController(ctx context.Context, port uint16) error {
	return c.do(ctx, port, cmdCANReset, nil, nil)
}

// initController programs bit timing and operating mode of a controller.
func (c *commander) initController(ctx context.Context, p *Profile, port uint16, cfg ControllerConfig) error {
	if p.Family == FamilyCL1 {
		return c.do(ctx, port, cmdCANInitCL1, encodeInitCL1(cfg), nil)
	}
	return c.do(ctx, port, cmdCANInitCL2, encodeInitCL2(cfg), nil)
}

func opMode(mode CtrlMode) uint8 {
	op := uint8(opModeExtended | opModeStandard)
	if mode&CtrlModeBerrReporting != 0 {
		op |= opModeErrFrame
	}
	if mode&CtrlModeListenOnly != 0 {
		op |= opModeListOnly
	}
	return op
}

func encodeInitCL1(cfg ControllerConfig) []byte {
	bt := cfg.BitTiming
	btr0 := uint8((bt.BRP-1)&0x3F) | uint8(((bt.SJW-1)&0x3)<<6)
	btr1 := uint8((bt.PropSeg+bt.PhaseSeg1-1)&0xF) | uint8(((bt.PhaseSeg2-1)&0x7)<<4)
	if cfg.Mode&CtrlModeTripleSampling != 0 {
		btr1 |= btModeTSMCL1
	}
	return []byte{opMode(cfg.Mode), btr0, btr1, 0}
}

func putBitTimingCL2(b []byte, mode uint32, bt BitTiming, tdo uint16) {
	binary.LittleEndian.PutUint32(b[0:], mode)
	binary.LittleEndian.PutUint32(b[4:], bt.BRP)
	binary.LittleEndian.PutUint16(b[8:], uint16(bt.PropSeg+bt.PhaseSeg1))
	binary.LittleEndian.PutUint16(b[10:], uint16(bt.PhaseSeg2))
	binary.LittleEndian.PutUint16(b[12:], uint16(bt.SJW))
	binary.LittleEndian.PutUint16(b[14:], tdo)
}

func encodeInitCL2(cfg ControllerConfig) []byte {
	var exmode uint8
	btmode := uint32(btModeNative)
	if cfg.Mode&CtrlModeTripleSampling != 0 {
		btmode = btModeTSM
	}
	if cfg.Mode.IsFD() {
		exmode |= exModeExtData | exModeFastData
		if cfg.Mode&CtrlModeFDNonISO == 0 {
			exmode |= exModeISOFD
		}
	}

	buf := make([]byte, 2+16+16+2)
	buf[0] = opMode(cfg.Mode)
	buf[1] = exmode
	putBitTimingCL2(buf[2:], btmode, cfg.BitTiming, 0)
	if exmode != 0 {
		btd := cfg.DataBitTiming
		tdo := uint16(btd.BRP * (btd.PhaseSeg1 + 1 + btd.PropSeg))
		putBitTimingCL2(buf[18:], btmode, btd, tdo)
	}
	return buf
}
