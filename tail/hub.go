package tail

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrHubClosed is returned when subscribing to a closed Hub
var ErrHubClosed = errors.New("hub is closed")

// Hub fans out records to in-process subscribers. A subscriber that doesn't
// keep up misses records, Publish never blocks.
type Hub struct {
	bufSize int
	dropped atomic.Int64

	mu     sync.RWMutex
	subs   map[*Subscription]bool
	closed bool
}

// Subscription receives records published to a Hub
type Subscription struct {
	ch        chan Record
	hub       *Hub
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewHub creates a hub. bufSize is the number of records buffered
// for each subscriber, 0 means 100.
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 100
	}
	return &Hub{
		bufSize: bufSize,
		subs:    map[*Subscription]bool{},
	}
}

// Subscribe creates a subscription that ends when ctx is done
// or when Unsubscribe is called
func (h *Hub) Subscribe(ctx context.Context) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		ch:     make(chan Record, h.bufSize),
		hub:    h,
		cancel: cancel,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return nil, ErrHubClosed
	}
	h.subs[sub] = true
	h.mu.Unlock()

	go func() {
		<-subCtx.Done()
		sub.Unsubscribe()
	}()
	return sub, nil
}

// Publish sends rec to all subscribers
func (h *Hub) Publish(rec Record) {
	// sending under read lock means close() of a channel
	// (which needs the write lock) can't race with the send
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for sub := range h.subs {
		select {
		case sub.ch <- rec:
		default:
			h.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the number of records not delivered to slow subscribers
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close ends all subscriptions
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = map[*Subscription]bool{}
	for sub := range subs {
		sub.close()
	}
	h.mu.Unlock()

	for sub := range subs {
		sub.cancel()
	}
}

// C returns the channel with records. It's closed when the
// subscription ends.
func (s *Subscription) C() <-chan Record {
	return s.ch
}

// Unsubscribe ends the subscription
func (s *Subscription) Unsubscribe() {
	s.cancel()
	h := s.hub
	h.mu.Lock()
	delete(h.subs, s)
	s.close()
	h.mu.Unlock()
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}
