package ixxatcan

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Client struct {
	adapter Adapter
	fh      *handler
}

// New creates the named adapter, opens it and returns a client for it.
func New(ctx context.Context, adapterName string, cfg *AdapterConfig) (*Client, error) {
	adapter, err := NewAdapter(adapterName, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithAdapter(ctx, adapter)
}

func NewWithAdapter(ctx context.Context, adapter Adapter) (*Client, error) {
	if adapter == nil {
		return nil, ErrNillAdapter
	}
	if err := adapter.Open(ctx); err != nil {
		return nil, err
	}
	c := &Client{
		adapter: adapter,
		fh:      newHandler(adapter),
	}
	go c.fh.run(ctx)
	return c, nil
}

func (c *Client) Adapter() Adapter {
	return c.adapter
}

// Err returns the adapter error channel. A nil error means the adapter was closed.
func (c *Client) Err() <-chan error {
	return c.adapter.Err()
}

func (c *Client) Event() <-chan Event {
	return c.adapter.Event()
}

func (c *Client) Close() error {
	c.fh.Close()
	return c.adapter.Close()
}

// Send a CAN Frame
func (c *Client) Send(frame *CANFrame) error {
	select {
	case c.adapter.Send() <- frame:
		return nil
	case <-time.After(5 * time.Second):
		return ErrSendTimeout
	}
}

// Shortcommand to send a standard 11bit frame
func (c *Client) SendFrame(identifier uint32, data []byte, f CANFrameType) error {
	return c.Send(NewFrame(identifier, data, f))
}

// Shortcommand to send a 29bit frame
func (c *Client) SendExtendedFrame(identifier uint32, data []byte, f CANFrameType) error {
	return c.Send(NewExtendedFrame(identifier, data, f))
}

// SendAndWait sends frame and waits up to timeout for a frame on one of identifiers.
func (c *Client) SendAndWait(ctx context.Context, frame *CANFrame, timeout time.Duration, identifiers ...uint32) (*CANFrame, error) {
	frame.Timeout = uint32(timeout.Milliseconds())
	sub := c.Subscribe(ctx, identifiers...)
	defer sub.Close()
	if err := c.Send(frame); err != nil {
		return nil, err
	}
	return c.waitSub(ctx, sub, timeout, identifiers)
}

// Wait for a frame on one of identifiers.
func (c *Client) Wait(ctx context.Context, timeout time.Duration, identifiers ...uint32) (*CANFrame, error) {
	sub := c.Subscribe(ctx, identifiers...)
	defer sub.Close()
	return c.waitSub(ctx, sub, timeout, identifiers)
}

func (c *Client) waitSub(ctx context.Context, sub *Subscriber, timeout time.Duration, identifiers []uint32) (*CANFrame, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	frame, err := sub.wait(tctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &TimeoutError{Timeout: timeout.Milliseconds(), Frames: identifiers, Type: "wait"}
	}
	if err != nil {
		return nil, fmt.Errorf("wait: %w", err)
	}
	return frame, nil
}

// Subscribe returns a subscriber receiving frames with any of identifiers,
// or all frames if none are given. It is closed when ctx is done.
func (c *Client) Subscribe(ctx context.Context, identifiers ...uint32) *Subscriber {
	return c.subscribe(ctx, newSubscriber(c, make(chan *CANFrame, 100), true, identifiers...))
}

// SubscribeChan delivers frames to ch. ch is never closed by the client.
func (c *Client) SubscribeChan(ctx context.Context, ch chan *CANFrame, identifiers ...uint32) *Subscriber {
	return c.subscribe(ctx, newSubscriber(c, ch, false, identifiers...))
}

// SubscribeFunc calls f for every matching frame from a single goroutine.
func (c *Client) SubscribeFunc(ctx context.Context, f func(*CANFrame), identifiers ...uint32) *Subscriber {
	sub := c.Subscribe(ctx, identifiers...)
	go func() {
		for frame := range sub.responseChan {
			f(frame)
		}
	}()
	return sub
}

func (c *Client) subscribe(ctx context.Context, sub *Subscriber) *Subscriber {
	c.fh.add(sub)
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub
}
