package ixxat

import (
	"sync"
	"time"
)

// TimeRef turns the wrapping 32 bit microsecond clock of the device into host time.
type TimeRef struct {
	mu     sync.Mutex
	tsDev0 uint32
	host0  time.Time
	tsLast uint32
}

// SetOrigin anchors device tick to the host time now.
func (r *TimeRef) SetOrigin(tick uint32, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tsDev0 = tick
	r.host0 = now
	r.tsLast = tick
}

// Observe returns the host time of a device tick. A tick lower than the last one
// seen means the device counter wrapped and the origin moves forward one span.
func (r *TimeRef) Observe(tick uint32) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tick < r.tsLast {
		span := uint64(0xFFFFFFFF) - uint64(r.tsDev0) + uint64(tick)
		r.host0 = r.host0.Add(time.Duration(span) * time.Microsecond)
		r.tsDev0 = tick
	}
	r.tsLast = tick
	return r.host0.Add(time.Duration(tick-r.tsDev0) * time.Microsecond)
}
