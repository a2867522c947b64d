package ixxat

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Device is a probed adapter with one Channel per CAN controller.
type Device struct {
	tr       Transport
	product  Product
	profile  *Profile
	cmd      *commander
	caps     DeviceCaps
	info     DeviceInfo
	channels []*Channel

	logf   func(format string, args ...any)
	now    func() time.Time
	wakeup time.Duration
}

type Option func(*Device)

// WithLogger sets the printf style function used for driver messages.
func WithLogger(fn func(format string, args ...any)) Option {
	return func(d *Device) {
		d.logf = fn
	}
}

// WithWakeupDelay sets how long to wait after powering up the adapter.
func WithWakeupDelay(delay time.Duration) Option {
	return func(d *Device) {
		d.wakeup = delay
	}
}

// WithClock replaces the host clock used to anchor device timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Device) {
		d.now = now
	}
}

// WithCommandTiming sets the per attempt timeout and the pause between
// attempts of control pipe commands.
func WithCommandTiming(timeout, cycle time.Duration) Option {
	return func(d *Device) {
		d.cmd.timeout = timeout
		d.cmd.cycle = cycle
	}
}

// Probe wakes up the adapter behind tr, reads its capabilities and creates a
// channel for every CAN controller. stackFor is called once per controller
// index. Either every channel is created or none is.
func Probe(ctx context.Context, tr Transport, productID uint16, stackFor func(index int) NetStack, opts ...Option) (*Device, error) {
	product, err := LookupProduct(productID)
	if err != nil {
		return nil, err
	}

	d := &Device{
		tr:      tr,
		product: product,
		profile: product.Profile,
		cmd:     newCommander(tr),
		logf:    log.Printf,
		now:     time.Now,
		wakeup:  powerWakeupDelay,
	}
	for _, opt := range opts {
		opt(d)
	}

	for _, ep := range tr.Endpoints() {
		if !d.profile.knownEndpoint(ep) {
			return nil, fmt.Errorf("%w: 0x%02X on %s", ErrEndpointMismatch, ep, product.Name)
		}
	}

	if err := d.cmd.setPower(ctx, powerWakeup); err != nil {
		return nil, fmt.Errorf("power up: %w", err)
	}
	select {
	case <-time.After(d.wakeup):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if d.caps, err = d.cmd.getDeviceCaps(ctx); err != nil {
		return nil, fmt.Errorf("device caps: %w", err)
	}
	if d.info, err = d.cmd.getDeviceInfo(ctx); err != nil {
		return nil, fmt.Errorf("device info: %w", err)
	}

	for _, index := range d.caps.CANControllers() {
		ch, err := newChannel(d, index, stackFor(int(index)), d.info)
		if err != nil {
			d.channels = nil
			return nil, fmt.Errorf("controller %d: %w", index, err)
		}
		d.channels = append(d.channels, ch)
	}
	if len(d.channels) == 0 {
		return nil, fmt.Errorf("%w: %d bus controllers reported", ErrNoCANController, len(d.caps.BusCtrlTypes))
	}
	for _, ch := range d.channels {
		ch.stack.Attach()
	}

	d.logf("%s: %s, %d can channel(s)", product.Name, d.info, len(d.channels))
	return d, nil
}

func (d *Device) Product() Product {
	return d.product
}

func (d *Device) Profile() *Profile {
	return d.profile
}

func (d *Device) Info() DeviceInfo {
	return d.info
}

func (d *Device) Caps() DeviceCaps {
	return d.caps
}

// Channels returns the channels in controller order.
func (d *Device) Channels() []*Channel {
	out := make([]*Channel, len(d.channels))
	copy(out, d.channels)
	return out
}

// Disconnect stops every started channel and detaches all of them.
func (d *Device) Disconnect(ctx context.Context) error {
	var firstErr error
	for i := len(d.channels) - 1; i >= 0; i-- {
		ch := d.channels[i]
		if ch.Started() {
			if err := ch.Stop(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		ch.detach()
	}
	d.channels = nil
	return firstErr
}
