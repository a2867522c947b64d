package ixxatcan

import (
	"context"
	"fmt"
	"sync"
)

type Subscriber struct {
	cl           *Client
	identifiers  map[uint32]struct{}
	responseChan chan *CANFrame
	owned        bool
	done         chan struct{}
	closeOnce    sync.Once
}

func newSubscriber(cl *Client, ch chan *CANFrame, owned bool, identifiers ...uint32) *Subscriber {
	sub := &Subscriber{
		cl:           cl,
		identifiers:  make(map[uint32]struct{}, len(identifiers)),
		responseChan: ch,
		owned:        owned,
		done:         make(chan struct{}),
	}
	for _, id := range identifiers {
		sub.identifiers[id] = struct{}{}
	}
	return sub
}

// Close unregisters the subscriber. The channel is closed unless it was
// handed in by the caller.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cl.fh.remove(s)
	})
}

// wants reports whether the subscriber listens to id. No identifiers means all.
func (s *Subscriber) wants(id uint32) bool {
	if len(s.identifiers) == 0 {
		return true
	}
	_, ok := s.identifiers[id]
	return ok
}

func (s *Subscriber) Chan() <-chan *CANFrame {
	return s.responseChan
}

func (s *Subscriber) wait(ctx context.Context) (*CANFrame, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("timeout: %w", ctx.Err())
	case frame, ok := <-s.responseChan:
		if !ok {
			return nil, ErrResponsechannelClosed
		}
		return frame, nil
	}
}
