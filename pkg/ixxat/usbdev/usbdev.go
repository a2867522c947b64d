// Package usbdev implements ixxat.Transport on top of libusb.
package usbdev

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/roffe/ixxatcan/pkg/ixxat"
)

const (
	usbConfigNumber = 1
	usbInterfaceNum = 0
	usbAltSetting   = 0
)

// Info identifies an attached adapter.
type Info struct {
	Bus       int
	Address   int
	ProductID uint16
	Product   ixxat.Product
	Serial    string
}

func (i Info) String() string {
	s := fmt.Sprintf("%03d.%03d %04x:%04x %s", i.Bus, i.Address, ixxat.VendorID, i.ProductID, i.Product.Name)
	if i.Serial != "" {
		s += " (" + i.Serial + ")"
	}
	return s
}

func supported(desc *gousb.DeviceDesc) bool {
	if desc.Vendor != gousb.ID(ixxat.VendorID) {
		return false
	}
	_, err := ixxat.LookupProduct(uint16(desc.Product))
	return err == nil
}

func describe(dev *gousb.Device) Info {
	pid := uint16(dev.Desc.Product)
	p, _ := ixxat.LookupProduct(pid)
	serial, _ := dev.SerialNumber()
	return Info{
		Bus:       dev.Desc.Bus,
		Address:   dev.Desc.Address,
		ProductID: pid,
		Product:   p,
		Serial:    serial,
	}
}

// List returns every supported adapter on the bus.
func List() ([]Info, error) {
	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	devs, err := usbCtx.OpenDevices(supported)
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil && len(devs) == 0 {
		return nil, err
	}
	out := make([]Info, 0, len(devs))
	for _, d := range devs {
		out = append(out, describe(d))
	}
	return out, nil
}

// Transport is an opened adapter.
type Transport struct {
	info Info

	usbCtx *gousb.Context
	dev    *gousb.Device
	devCfg *gousb.Config
	iface  *gousb.Interface

	mu       sync.Mutex
	in       map[uint8]*gousb.InEndpoint
	out      map[uint8]*gousb.OutEndpoint
	inflight map[*ixxat.Transfer]context.CancelFunc
	closed   bool
	wg       sync.WaitGroup
}

// Open claims the index'th supported adapter on the bus.
func Open(index int) (*Transport, error) {
	usbCtx := gousb.NewContext()
	devs, err := usbCtx.OpenDevices(supported)
	if err != nil && len(devs) == 0 {
		usbCtx.Close()
		return nil, err
	}
	sort.Slice(devs, func(i, j int) bool {
		if devs[i].Desc.Bus != devs[j].Desc.Bus {
			return devs[i].Desc.Bus < devs[j].Desc.Bus
		}
		return devs[i].Desc.Address < devs[j].Desc.Address
	})

	var dev *gousb.Device
	for i, d := range devs {
		if i == index {
			dev = d
			continue
		}
		d.Close()
	}
	if dev == nil {
		usbCtx.Close()
		return nil, fmt.Errorf("%w: adapter %d not found, %d attached", ixxat.ErrNoDevice, index, len(devs))
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		usbCtx.Close()
		return nil, err
	}
	cfg, err := dev.Config(usbConfigNumber)
	if err != nil {
		dev.Close()
		usbCtx.Close()
		return nil, err
	}
	iface, err := cfg.Interface(usbInterfaceNum, usbAltSetting)
	if err != nil {
		cfg.Close()
		dev.Close()
		usbCtx.Close()
		return nil, err
	}

	return &Transport{
		info:     describe(dev),
		usbCtx:   usbCtx,
		dev:      dev,
		devCfg:   cfg,
		iface:    iface,
		in:       make(map[uint8]*gousb.InEndpoint),
		out:      make(map[uint8]*gousb.OutEndpoint),
		inflight: make(map[*ixxat.Transfer]context.CancelFunc),
	}, nil
}

func (t *Transport) Info() Info {
	return t.info
}

func (t *Transport) ProductID() uint16 {
	return t.info.ProductID
}

// Endpoints lists the addresses of all endpoints of the claimed interface.
func (t *Transport) Endpoints() []uint8 {
	out := make([]uint8, 0, len(t.iface.Setting.Endpoints))
	for addr := range t.iface.Setting.Endpoints {
		out = append(out, uint8(addr))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *Transport) Control(ctx context.Context, requestType, request uint8, value, index uint16, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		t.dev.ControlTimeout = max(time.Until(deadline), time.Millisecond)
	}
	n, err := t.dev.Control(requestType, request, value, index, data)
	return n, mapError(ctx, err)
}

func (t *Transport) Submit(tr *ixxat.Transfer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ixxat.ErrNoDevice
	}

	num := int(tr.Endpoint & 0x0F)
	ctx, cancel := context.WithCancel(context.Background())
	var run func() (int, error)
	if tr.In() {
		ep, err := t.inEndpoint(num)
		if err != nil {
			cancel()
			return err
		}
		run = func() (int, error) { return ep.ReadContext(ctx, tr.Data()) }
	} else {
		ep, err := t.outEndpoint(num)
		if err != nil {
			cancel()
			return err
		}
		run = func() (int, error) { return ep.WriteContext(ctx, tr.Data()) }
	}

	t.inflight[tr] = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		n, err := run()
		err = mapError(ctx, err)

		t.mu.Lock()
		delete(t.inflight, tr)
		t.mu.Unlock()
		cancel()

		tr.Complete(n, err)
	}()
	return nil
}

func (t *Transport) Cancel(tr *ixxat.Transfer) {
	t.mu.Lock()
	cancel, ok := t.inflight[tr]
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// must hold t.mu
func (t *Transport) inEndpoint(num int) (*gousb.InEndpoint, error) {
	if ep, ok := t.in[uint8(num)]; ok {
		return ep, nil
	}
	ep, err := t.iface.InEndpoint(num)
	if err != nil {
		return nil, fmt.Errorf("InEndpoint(%d): %w", num, err)
	}
	t.in[uint8(num)] = ep
	return ep, nil
}

// must hold t.mu
func (t *Transport) outEndpoint(num int) (*gousb.OutEndpoint, error) {
	if ep, ok := t.out[uint8(num)]; ok {
		return ep, nil
	}
	ep, err := t.iface.OutEndpoint(num)
	if err != nil {
		return nil, fmt.Errorf("OutEndpoint(%d): %w", num, err)
	}
	t.out[uint8(num)] = ep
	return ep, nil
}

// Close cancels all transfers and releases the device.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, cancel := range t.inflight {
		cancel()
	}
	t.mu.Unlock()
	t.wg.Wait()

	t.iface.Close()
	var errs []error
	if err := t.devCfg.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.dev.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.usbCtx.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// mapError translates libusb failures into the errors the core understands.
func mapError(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.TransferNoDevice):
		return fmt.Errorf("%w: %v", ixxat.ErrNoDevice, err)
	case errors.Is(err, gousb.TransferCancelled), ctx.Err() != nil:
		return fmt.Errorf("%w: %v", ixxat.ErrTransferCancelled, err)
	default:
		return err
	}
}
