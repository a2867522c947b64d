package ixxat

import (
	"fmt"
	"strings"
	"time"
)

const (
	CANMaxDataLen   = 8
	CANFDMaxDataLen = 64

	sffMask = 0x000007FF
	effMask = 0x1FFFFFFF
)

var dlcToLen = [16]uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// DLCToLen maps a CAN FD data length code to a payload length.
func DLCToLen(dlc uint8) int {
	return int(dlcToLen[dlc&0x0F])
}

// LenToDLC maps a payload length to the smallest data length code that can carry it.
func LenToDLC(n int) uint8 {
	if n <= CANMaxDataLen {
		return uint8(max(n, 0))
	}
	for dlc := uint8(9); dlc < 16; dlc++ {
		if int(dlcToLen[dlc]) >= n {
			return dlc
		}
	}
	return 15
}

// Frame is a classic or FD CAN frame. For remote frames Data only carries the
// requested length, its content is ignored.
type Frame struct {
	ID        uint32
	Extended  bool
	RTR       bool
	FD        bool
	BRS       bool
	ESI       bool
	Data      []byte
	Timestamp time.Time
}

// Validate checks the frame against the limits of a profile.
func (f *Frame) Validate(p *Profile) error {
	switch {
	case f.Extended && f.ID > effMask:
		return fmt.Errorf("%w: extended id 0x%X out of range", ErrInvalidFrame, f.ID)
	case !f.Extended && f.ID > sffMask:
		return fmt.Errorf("%w: standard id 0x%X out of range", ErrInvalidFrame, f.ID)
	case f.FD && !p.Modes.IsFD():
		return fmt.Errorf("%w: %s does not support CAN FD", ErrInvalidFrame, p.Name)
	case f.FD && f.RTR:
		return fmt.Errorf("%w: remote request in FD frame", ErrInvalidFrame)
	case f.FD && len(f.Data) > CANFDMaxDataLen:
		return fmt.Errorf("%w: %d bytes in FD frame", ErrInvalidFrame, len(f.Data))
	case !f.FD && len(f.Data) > CANMaxDataLen:
		return fmt.Errorf("%w: %d bytes in classic frame", ErrInvalidFrame, len(f.Data))
	}
	return nil
}

func (f *Frame) String() string {
	var out strings.Builder
	if f.Extended {
		fmt.Fprintf(&out, "%08X", f.ID)
	} else {
		fmt.Fprintf(&out, "%03X", f.ID)
	}
	switch {
	case f.RTR:
		fmt.Fprintf(&out, " [%d] remote request", len(f.Data))
		return out.String()
	case f.FD:
		out.WriteString(" ##")
		if f.BRS {
			out.WriteString("B")
		}
		if f.ESI {
			out.WriteString("E")
		}
	}
	fmt.Fprintf(&out, " [%d] % X", len(f.Data), f.Data)
	return out.String()
}

// State is the run and error state of a channel.
type State int32

const (
	StateConnected State = iota
	StateErrorActive
	StateErrorWarning
	StateErrorPassive
	StateBusOff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateErrorActive:
		return "ERROR-ACTIVE"
	case StateErrorWarning:
		return "ERROR-WARNING"
	case StateErrorPassive:
		return "ERROR-PASSIVE"
	case StateBusOff:
		return "BUS-OFF"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrorClass tells which parts of an ErrorFrame are set.
type ErrorClass uint32

const (
	ErrClassCtrl ErrorClass = 1 << iota
	ErrClassProt
	ErrClassAck
	ErrClassBusOff
)

// CtrlError describes a controller state change.
type CtrlError uint8

const (
	CtrlRxOverflow CtrlError = 1 << iota
	CtrlTxOverflow
	CtrlRxWarning
	CtrlTxWarning
	CtrlRxPassive
	CtrlTxPassive
	CtrlActive
)

// ProtError describes a protocol violation.
type ProtError uint8

const (
	ProtBit ProtError = 1 << iota
	ProtForm
	ProtStuff
	ProtCRC
	ProtUnspec
)

// ErrorFrame is an error report delivered next to regular frames.
type ErrorFrame struct {
	Class     ErrorClass
	Ctrl      CtrlError
	Prot      ProtError
	State     State
	TxErr     uint8
	RxErr     uint8
	Timestamp time.Time
}

func (e *ErrorFrame) String() string {
	var parts []string
	if e.Class&ErrClassBusOff != 0 {
		parts = append(parts, "bus-off")
	}
	if e.Class&ErrClassAck != 0 {
		parts = append(parts, "no ack")
	}
	if e.Class&ErrClassCtrl != 0 {
		switch {
		case e.Ctrl&CtrlActive != 0:
			parts = append(parts, "error-active")
		case e.Ctrl&(CtrlTxPassive|CtrlRxPassive) != 0:
			parts = append(parts, "error-passive")
		case e.Ctrl&(CtrlTxWarning|CtrlRxWarning) != 0:
			parts = append(parts, "error-warning")
		case e.Ctrl&CtrlRxOverflow != 0:
			parts = append(parts, "rx overflow")
		}
	}
	if e.Class&ErrClassProt != 0 {
		switch {
		case e.Prot&ProtBit != 0:
			parts = append(parts, "bit error")
		case e.Prot&ProtForm != 0:
			parts = append(parts, "form error")
		case e.Prot&ProtStuff != 0:
			parts = append(parts, "stuff error")
		case e.Prot&ProtCRC != 0:
			parts = append(parts, "crc error")
		default:
			parts = append(parts, "protocol error")
		}
	}
	return fmt.Sprintf("%s (tx %d rx %d)", strings.Join(parts, ", "), e.TxErr, e.RxErr)
}
