package ixxat

import (
	"encoding/binary"
	"fmt"
)

// msgBaseSize covers u8 size, u32 time, u32 msg id and u32 flags.
const msgBaseSize = 13

// message is one record of a bulk buffer.
type message struct {
	size  int // including the size byte
	time  uint32
	id    uint32
	flags uint32
	raw   []byte
}

func (m message) typ() uint8 {
	return uint8(m.flags & flagType)
}

// payload returns the bytes following the family stride.
func (m message) payload(stride int) []byte {
	if msgBaseSize+stride > len(m.raw) {
		return nil
	}
	return m.raw[msgBaseSize+stride:]
}

// readMessage parses the record at the start of buf.
func readMessage(buf []byte) (message, error) {
	if len(buf) == 0 || buf[0] == 0 {
		return message{}, ErrUnsupportedMessage
	}
	size := int(buf[0]) + 1
	if size < msgBaseSize || size > len(buf) {
		return message{}, fmt.Errorf("%w: record of %d bytes, %d left in buffer", ErrMalformedMessage, size, len(buf))
	}
	return message{
		size:  size,
		time:  binary.LittleEndian.Uint32(buf[1:]),
		id:    binary.LittleEndian.Uint32(buf[5:]),
		flags: binary.LittleEndian.Uint32(buf[9:]),
		raw:   buf[:size],
	}, nil
}

// EncodeFrame writes f as a data record for profile p into buf and returns the
// record length. FD payloads are zero padded up to the next valid length.
func EncodeFrame(p *Profile, f *Frame, buf []byte) (int, error) {
	var flags, id uint32
	flags |= MsgData
	if f.RTR {
		flags |= flagRTR
	}
	if f.Extended {
		flags |= flagEXT
		id = f.ID & effMask
	} else {
		id = f.ID & sffMask
	}

	n := len(f.Data)
	if f.FD {
		flags |= flagEDL
		if !f.RTR && f.BRS {
			flags |= flagFDR
		}
		dlc := LenToDLC(n)
		flags |= encodeDLC(dlc)
		n = DLCToLen(dlc)
	} else {
		flags |= encodeDLC(uint8(n))
	}

	size := msgBaseSize + p.Stride() + n
	if size > len(buf) || size-1 > 0xFF {
		return 0, fmt.Errorf("%w: record of %d bytes does not fit buffer of %d", ErrInvalidFrame, size, len(buf))
	}
	clear(buf[:size])
	buf[0] = uint8(size - 1)
	binary.LittleEndian.PutUint32(buf[1:], 0)
	binary.LittleEndian.PutUint32(buf[5:], id)
	binary.LittleEndian.PutUint32(buf[9:], flags)
	if !f.RTR {
		copy(buf[msgBaseSize+p.Stride():size], f.Data)
	}
	return size, nil
}
