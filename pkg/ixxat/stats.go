package ixxat

import "sync/atomic"

// errFrameLen is the byte count an error frame adds to the rx counters.
const errFrameLen = 8

type counters struct {
	rxPackets, rxBytes, rxErrors, rxOverErrors atomic.Uint64
	txPackets, txBytes, txErrors, txDropped    atomic.Uint64
	busOff, errorWarning, errorPassive         atomic.Uint64
	busError, arbitrationLost, restarts        atomic.Uint64
}

// Stats is a snapshot of the traffic and error counters of a channel.
type Stats struct {
	RxPackets    uint64
	RxBytes      uint64
	RxErrors     uint64
	RxOverErrors uint64
	TxPackets    uint64
	TxBytes      uint64
	TxErrors     uint64
	TxDropped    uint64

	BusOff          uint64
	ErrorWarning    uint64
	ErrorPassive    uint64
	BusError        uint64
	ArbitrationLost uint64
	Restarts        uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		RxPackets:       c.rxPackets.Load(),
		RxBytes:         c.rxBytes.Load(),
		RxErrors:        c.rxErrors.Load(),
		RxOverErrors:    c.rxOverErrors.Load(),
		TxPackets:       c.txPackets.Load(),
		TxBytes:         c.txBytes.Load(),
		TxErrors:        c.txErrors.Load(),
		TxDropped:       c.txDropped.Load(),
		BusOff:          c.busOff.Load(),
		ErrorWarning:    c.errorWarning.Load(),
		ErrorPassive:    c.errorPassive.Load(),
		BusError:        c.busError.Load(),
		ArbitrationLost: c.arbitrationLost.Load(),
		Restarts:        c.restarts.Load(),
	}
}
