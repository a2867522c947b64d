package ixxatcan

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
)

type CANFrameType struct {
	Type      int
	Responses int
}

var (
	Incoming         = CANFrameType{Type: 0, Responses: 0}
	Outgoing         = CANFrameType{Type: 1, Responses: 0}
	ResponseRequired = CANFrameType{Type: 2, Responses: 1}
)

type CANFrame struct {
	Identifier uint32
	Extended   bool
	RTR        bool
	FD         bool
	BRS        bool // bit rate switch, FD only
	ESI        bool
	Data       []byte
	FrameType  CANFrameType
	Timeout    uint32
	Timestamp  time.Time
}

// NewExtendedFrame creates a new CANFrame and copies the data slice
func NewExtendedFrame(identifier uint32, data []byte, frameType CANFrameType) *CANFrame {
	frame := NewFrame(identifier, data, frameType)
	frame.Extended = true
	return frame
}

// NewFrame creates a new CANFrame and copies the data slice
func NewFrame(identifier uint32, data []byte, frameType CANFrameType) *CANFrame {
	d := make([]byte, len(data))
	copy(d, data)
	return &CANFrame{
		Identifier: identifier,
		Data:       d,
		FrameType:  frameType,
	}
}

// NewFDFrame creates a CAN FD frame with bit rate switching and copies the data slice
func NewFDFrame(identifier uint32, data []byte, frameType CANFrameType) *CANFrame {
	frame := NewFrame(identifier, data, frameType)
	frame.FD = true
	frame.BRS = true
	return frame
}

// Returns the length of the data (DLC)
func (f *CANFrame) DLC() int {
	return len(f.Data)
}

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (f *CANFrame) prefix() string {
	var out strings.Builder
	switch f.FrameType.Type {
	case 0:
		out.WriteString("<i> || ")
	case 1:
		out.WriteString("<o> || ")
	case 2:
		out.WriteString("<r> || ")
	}
	return out.String()
}

func (f *CANFrame) identifier() string {
	if f.Extended {
		return fmt.Sprintf("0x%08X", f.Identifier)
	}
	return fmt.Sprintf("0x%03X", f.Identifier)
}

func (f *CANFrame) flags() string {
	var out strings.Builder
	if f.FD {
		out.WriteString(" FD")
		if f.BRS {
			out.WriteString(" BRS")
		}
		if f.ESI {
			out.WriteString(" ESI")
		}
	}
	if f.RTR {
		out.WriteString(" RTR")
	}
	return out.String()
}

func (f *CANFrame) hexView() string {
	var hexView strings.Builder
	for i, b := range f.Data {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != len(f.Data)-1 {
			hexView.WriteString(" ")
		}
	}
	return hexView.String()
}

func (f *CANFrame) String() string {
	var out strings.Builder
	out.WriteString(f.prefix())
	out.WriteString(f.identifier() + f.flags() + " || ")
	out.WriteString(strconv.Itoa(len(f.Data)) + " || ")
	if f.FD {
		out.WriteString(f.hexView())
		return out.String()
	}
	out.WriteString(fmt.Sprintf("%-23s", f.hexView()))
	out.WriteString(" || ")
	var binView strings.Builder
	for i, b := range f.Data {
		binView.WriteString(fmt.Sprintf("%08b", b))
		if i != len(f.Data)-1 {
			binView.WriteString(" ")
		}
	}
	out.WriteString(fmt.Sprintf("%-72s", binView.String()))
	out.WriteString(" || ")
	out.WriteString(onlyPrintable(f.Data))
	return out.String()
}

func (f *CANFrame) ColorString() string {
	var out strings.Builder
	out.WriteString(f.prefix())
	out.WriteString(green("%s", f.identifier()) + f.flags() + " || ")
	out.WriteString(strconv.Itoa(len(f.Data)) + " || ")
	if f.FD {
		out.WriteString(f.hexView())
		return out.String()
	}
	out.WriteString(fmt.Sprintf("%-23s", f.hexView()))
	out.WriteString(" || ")

	var binView strings.Builder
	for i, b := range f.Data {
		binView.WriteString(fmt.Sprintf("%08b", b))
		if i != len(f.Data)-1 {
			binView.WriteString(" ")
		}
	}
	out.WriteString(red(fmt.Sprintf("%-72s", binView.String())))
	out.WriteString(" || ")
	out.WriteString(yellow(onlyPrintable(f.Data)))
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 126 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
