package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var ErrFull = errors.New("outbox: queue full")

// MemoryQueue is a bounded in-process event queue.
type MemoryQueue struct {
	ch chan Event
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan Event, size)}
}

func (q *MemoryQueue) Push(_ context.Context, e Event) error {
	select {
	case q.ch <- e:
		return nil
	default:
		return ErrFull
	}
}

func (q *MemoryQueue) Pop(ctx context.Context, block time.Duration) (Event, bool, error) {
	select {
	case e := <-q.ch:
		return e, true, nil
	default:
	}
	if block <= 0 {
		return Event{}, false, nil
	}
	t := time.NewTimer(block)
	defer t.Stop()
	select {
	case e := <-q.ch:
		return e, true, nil
	case <-t.C:
		return Event{}, false, nil
	case <-ctx.Done():
		return Event{}, false, ctx.Err()
	}
}

func (q *MemoryQueue) Len() int { return len(q.ch) }

// Hub is an in-process realtime broadcaster.
type Hub struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func NewHub() *Hub {
	return &Hub{subs: map[string][]chan []byte{}}
}

// Subscribe returns a channel receiving messages published on channel and a
// func that removes the subscription.
func (h *Hub) Subscribe(channel string, buf int) (<-chan []byte, func()) {
	ch := make(chan []byte, buf)
	h.mu.Lock()
	h.subs[channel] = append(h.subs[channel], ch)
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.subs[channel]
		for i, c := range list {
			if c == ch {
				h.subs[channel] = append(list[:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// Publish drops the message for subscribers whose buffer is full.
func (h *Hub) Publish(_ context.Context, channel string, msg []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.subs[channel] {
		select {
		case c <- msg:
		default:
		}
	}
	return nil
}
