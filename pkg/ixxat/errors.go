package ixxat

import (
	"errors"
	"fmt"
)

var (
	ErrTransport          = errors.New("transport failure")
	ErrMalformedResponse  = errors.New("malformed command response")
	ErrMalformedMessage   = errors.New("invalid usb message size")
	ErrUnsupportedMessage = errors.New("unsupported usb message")
	ErrTxBusy             = errors.New("no free tx context")
	ErrNoDevice           = errors.New("device not present")
	ErrTransferCancelled  = errors.New("transfer cancelled")
	ErrNotStarted         = errors.New("channel not started")
	ErrUnsupportedMode    = errors.New("unsupported mode")
	ErrUnknownProduct     = errors.New("unknown product id")
	ErrEndpointMismatch   = errors.New("unknown usb endpoint")
	ErrInvalidFrame       = errors.New("invalid can frame")
	ErrNoBitTiming        = errors.New("no valid bit timing")
	ErrNoCANController    = errors.New("no can controller found")
	ErrAlreadyStarted     = errors.New("channel already started")
)

// DeviceError is a non-zero response code returned by the adapter firmware.
type DeviceError struct {
	Opcode uint32
	Code   uint32
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("command 0x%03X failed with device code 0x%08X", e.Opcode, e.Code)
}

func isNoDevice(err error) bool {
	return errors.Is(err, ErrNoDevice)
}
