package session

import (
	"errors"
	"sync"

	"github.com/tetherhq/tether/internal/schema"
)

// ErrBackpressureDropped is reported to a subscriber whose buffer overflowed.
var ErrBackpressureDropped = errors.New("subscriber dropped: backpressure")

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 256

// Deliver pushes one live message to a subscriber. Implementations may block;
// blocking backs up only that subscriber's buffer.
type Deliver func(schema.Message)

// DropHandler is invoked once, after buffered messages drain, when a
// subscriber is dropped for backpressure.
type DropHandler func(error)

// Hub fans one conversation's message stream out to its subscribers. The hub
// mutex spans both the persist-then-publish step and the snapshot-then-register
// step of Attach, so every subscriber sees the durable order with no gaps and
// no duplicates.
type Hub struct {
	bufSize int

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	ch      chan schema.Message
	deliver Deliver
	onDrop  DropHandler
	dropped bool
}

// NewHub creates a hub with the given per-subscriber buffer capacity.
// bufSize <= 0 selects DefaultSubscriberBuffer.
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = DefaultSubscriberBuffer
	}
	return &Hub{bufSize: bufSize, subs: make(map[int]*subscriber)}
}

// Attach registers a subscriber. fetchSnapshot runs under the hub mutex and
// must return the stored messages from the subscriber's cursor; the snapshot
// is delivered first, then live messages. The returned function unsubscribes;
// it is safe to call more than once.
func (h *Hub) Attach(fetchSnapshot func() ([]schema.Message, error), deliver Deliver, onDrop DropHandler) (func(), error) {
	h.mu.Lock()
	snapshot, err := fetchSnapshot()
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}

	sub := &subscriber{
		ch:      make(chan schema.Message, h.bufSize),
		deliver: deliver,
		onDrop:  onDrop,
	}
	id := h.nextID
	h.nextID++
	if h.closed {
		close(sub.ch)
	} else {
		h.subs[id] = sub
	}
	h.mu.Unlock()

	go func() {
		for _, m := range snapshot {
			deliver(m)
		}
		for m := range sub.ch {
			deliver(m)
		}
		if sub.dropped && onDrop != nil {
			onDrop(ErrBackpressureDropped)
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if s, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(s.ch)
			}
		})
	}
	return unsubscribe, nil
}

// Append runs save and, on success, enqueues the message to every live
// subscriber. A subscriber whose buffer is full is dropped on the spot; its
// already-buffered messages still drain in order.
func (h *Hub) Append(m schema.Message, save func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := save(); err != nil {
		return err
	}
	for id, sub := range h.subs {
		select {
		case sub.ch <- m:
		default:
			sub.dropped = true
			delete(h.subs, id)
			close(sub.ch)
		}
	}
	return nil
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close detaches every subscriber after their buffers drain. Further Attach
// calls deliver only the snapshot.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
