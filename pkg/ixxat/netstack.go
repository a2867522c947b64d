package ixxat

import "errors"

// NetStack is the CAN network layer a channel delivers to. Every method except
// Config may be called from a transport completion goroutine and must not block.
type NetStack interface {
	// Config returns bit timing and mode for the next start of the channel.
	Config() (ControllerConfig, error)

	Receive(*Frame)
	ReceiveError(*ErrorFrame)

	// PutEcho stores a frame handed to the device in echo slot index.
	// GetEcho delivers it as sent once the device confirmed the transfer,
	// FreeEcho drops it.
	PutEcho(index int, f *Frame)
	GetEcho(index int)
	FreeEcho(index int)

	StopQueue()
	WakeQueue()

	BusOff()
	Attach()
	Detach()
}

// IdleStack is a NetStack for controllers nobody opens. It drops everything.
type IdleStack struct{}

func (IdleStack) Config() (ControllerConfig, error) {
	return ControllerConfig{}, errors.New("channel not in use")
}

func (IdleStack) Receive(*Frame) {}

func (IdleStack) ReceiveError(*ErrorFrame) {}

func (IdleStack) PutEcho(int, *Frame) {}

func (IdleStack) GetEcho(int) {}

func (IdleStack) FreeEcho(int) {}

func (IdleStack) StopQueue() {}

func (IdleStack) WakeQueue() {}

func (IdleStack) BusOff() {}

func (IdleStack) Attach() {}

func (IdleStack) Detach() {}
