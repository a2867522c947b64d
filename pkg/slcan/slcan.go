// Package slcan implements the Lawicel/SLCAN ASCII protocol spoken by serial
// CAN adapters.
package slcan

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

const (
	CR   = '\r'
	Bell = 0x07
)

var (
	ErrEmpty          = errors.New("empty command")
	ErrUnknown        = errors.New("unknown command")
	ErrInvalidFrame   = errors.New("invalid frame")
	ErrInvalidBitrate = errors.New("invalid bitrate")
)

// Bitrates maps the S0..S8 setup codes to kbit/s.
var Bitrates = [...]float64{10, 20, 50, 100, 125, 250, 500, 800, 1000}

type Frame struct {
	ID       uint32
	Extended bool
	RTR      bool
	Data     []byte
}

// Command is one parsed line received from the host.
type Command struct {
	Op      byte
	Bitrate float64 // S
	Frame   *Frame  // t, T, r, R
	Arg     string
}

// ParseCommand parses a line without its trailing CR.
func ParseCommand(line []byte) (Command, error) {
	if len(line) == 0 {
		return Command{}, ErrEmpty
	}
	cmd := Command{Op: line[0], Arg: string(line[1:])}
	switch cmd.Op {
	case 'S':
		if len(line) != 2 || line[1] < '0' || int(line[1]-'0') >= len(Bitrates) {
			return cmd, fmt.Errorf("%w: %q", ErrInvalidBitrate, line)
		}
		cmd.Bitrate = Bitrates[line[1]-'0']
	case 't', 'T', 'r', 'R':
		f, err := DecodeFrame(line)
		if err != nil {
			return cmd, err
		}
		cmd.Frame = f
	case 'O', 'L', 'C', 'V', 'v', 'N', 'F', 'Z', 'M', 'm', 's':
	default:
		return cmd, fmt.Errorf("%w: %q", ErrUnknown, line)
	}
	return cmd, nil
}

// helper converts a 0..15 value to its ASCII hex nibble
func nybbleToHex(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + (n - 10)
}

// AppendFrame appends the SLCAN line for f, including the trailing CR, to buf.
func AppendFrame(buf []byte, f *Frame) []byte {
	op := byte('t')
	idLen := 3
	id := f.ID & 0x7FF
	if f.Extended {
		op, idLen, id = 'T', 8, f.ID&0x1FFFFFFF
	}
	if f.RTR {
		op = 'r'
		if f.Extended {
			op = 'R'
		}
	}
	buf = append(buf, op)
	for i := idLen - 1; i >= 0; i-- {
		buf = append(buf, nybbleToHex(byte(id>>(4*i))&0xF))
	}

	dlc := min(len(f.Data), 8)
	buf = append(buf, nybbleToHex(byte(dlc)))
	if !f.RTR {
		for _, b := range f.Data[:dlc] {
			buf = append(buf, nybbleToHex(b>>4), nybbleToHex(b&0xF))
		}
	}
	return append(buf, CR)
}

// DecodeFrame parses a t, T, r or R line without its trailing CR.
func DecodeFrame(line []byte) (*Frame, error) {
	if len(line) == 0 {
		return nil, ErrEmpty
	}
	f := &Frame{}
	idLen := 3
	switch line[0] {
	case 't':
	case 'T':
		f.Extended, idLen = true, 8
	case 'r':
		f.RTR = true
	case 'R':
		f.Extended, f.RTR, idLen = true, true, 8
	default:
		return nil, fmt.Errorf("%w: %q is not a frame", ErrInvalidFrame, line[0])
	}
	if len(line) < 1+idLen+1 {
		return nil, fmt.Errorf("%w: short line %q", ErrInvalidFrame, line)
	}

	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode identifier: %v", ErrInvalidFrame, err)
	}
	if (!f.Extended && id > 0x7FF) || id > 0x1FFFFFFF {
		return nil, fmt.Errorf("%w: identifier 0x%X out of range", ErrInvalidFrame, id)
	}
	f.ID = uint32(id)

	dataLen, err := strconv.ParseUint(string(line[1+idLen]), 16, 8)
	if err != nil || dataLen > 8 {
		return nil, fmt.Errorf("%w: invalid data length %q", ErrInvalidFrame, line[1+idLen])
	}
	body := line[2+idLen:]
	if f.RTR {
		f.Data = make([]byte, dataLen)
		return f, nil
	}
	if len(body) < int(dataLen)*2 {
		return nil, fmt.Errorf("%w: %d data bytes announced, %d hex digits present", ErrInvalidFrame, dataLen, len(body))
	}
	if f.Data, err = hex.DecodeString(string(body[:dataLen*2])); err != nil {
		return nil, fmt.Errorf("%w: failed to decode frame body: %v", ErrInvalidFrame, err)
	}
	return f, nil
}

// Splitter collects bytes read from a serial port into CR terminated lines.
type Splitter struct {
	buf []byte
}

// Feed appends p and calls fn for every complete line, without the CR.
// The line is only valid during the call.
func (s *Splitter) Feed(p []byte, fn func(line []byte)) {
	for _, b := range p {
		if b != CR {
			s.buf = append(s.buf, b)
			continue
		}
		if len(s.buf) > 0 {
			fn(s.buf)
		}
		s.buf = s.buf[:0]
	}
}
