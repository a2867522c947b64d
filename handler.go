package ixxatcan

import (
	"context"
	"log"
	"sync"
)

// handler fans frames read from the adapter out to the client's subscribers.
type handler struct {
	adapter Adapter
	stop    chan struct{}
	once    sync.Once

	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

func newHandler(adapter Adapter) *handler {
	return &handler{
		adapter: adapter,
		stop:    make(chan struct{}),
		subs:    make(map[*Subscriber]struct{}),
	}
}

func (h *handler) add(sub *Subscriber) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
}

func (h *handler) remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	if sub.owned {
		close(sub.responseChan)
	}
}

func (h *handler) run(ctx context.Context) {
	frames := h.adapter.Recv()
	for {
		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				log.Println("adapter receive channel closed")
				return
			}
			h.dispatch(frame)
		}
	}
}

// dispatch holds the read lock so remove cannot close a channel mid-send.
// A full subscriber loses the frame.
func (h *handler) dispatch(frame *CANFrame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(frame.Identifier) {
			continue
		}
		select {
		case sub.responseChan <- frame:
		default:
			log.Printf("subscriber full, dropped 0x%03X", frame.Identifier)
		}
	}
}

func (h *handler) Close() {
	h.once.Do(func() { close(h.stop) })
}
