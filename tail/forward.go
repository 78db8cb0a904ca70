package tail

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carlmjohnson/requests"
)

// HTTPForwarder POSTs records to an HTTP endpoint from a background
// goroutine. If the queue is full or the endpoint recently failed,
// records are dropped: forwarding must never slow down appends.
type HTTPForwarder struct {
	URL    string
	APIKey string
	// Content-Type of the request, default is application/json
	ContentType string
	// how long to stop sending after a failure, default is 15 seconds
	ThrottleTimeout time.Duration
	Logf            func(format string, args ...any)

	Sent    atomic.Int64
	Failed  atomic.Int64
	Dropped atomic.Int64

	ch   chan Record
	done chan struct{}

	mu            sync.Mutex
	closed        bool
	throttleUntil time.Time
}

// NewHTTPForwarder creates a forwarder and starts its worker.
// queueSize of 0 means 1000.
func NewHTTPForwarder(url string, queueSize int) *HTTPForwarder {
	if queueSize <= 0 {
		queueSize = 1000
	}
	f := &HTTPForwarder{
		URL:             url,
		ContentType:     "application/json",
		ThrottleTimeout: time.Second * 15,
		ch:              make(chan Record, queueSize),
		done:            make(chan struct{}),
	}
	go f.worker()
	return f
}

func (f *HTTPForwarder) logf(format string, args ...any) {
	if f.Logf != nil {
		f.Logf(format, args...)
	}
}

func (f *HTTPForwarder) throttleLeft() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Until(f.throttleUntil)
}

// Publish queues rec for sending
func (f *HTTPForwarder) Publish(rec Record) {
	if f.throttleLeft() > 0 {
		f.Dropped.Add(1)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.Dropped.Add(1)
		return
	}
	select {
	case f.ch <- rec:
	default:
		f.Dropped.Add(1)
	}
}

func (f *HTTPForwarder) post(rec Record) error {
	r := requests.
		URL(f.URL).
		BodyBytes(rec.Data).
		ContentType(f.ContentType).
		Header("X-Record-Offset", strconv.FormatInt(rec.Offset, 10))
	if f.APIKey != "" {
		r = r.Header("X-Api-Key", f.APIKey)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	return r.Fetch(ctx)
}

func (f *HTTPForwarder) worker() {
	defer close(f.done)
	for rec := range f.ch {
		if f.throttleLeft() > 0 {
			f.Dropped.Add(1)
			continue
		}
		if err := f.post(rec); err != nil {
			f.Failed.Add(1)
			f.logf("tail: POST %s failed: %v, will throttle for %s\n", f.URL, err, f.ThrottleTimeout)
			f.mu.Lock()
			f.throttleUntil = time.Now().Add(f.ThrottleTimeout)
			f.mu.Unlock()
			continue
		}
		f.Sent.Add(1)
	}
}

// Close stops accepting records and waits until queued records are sent
func (f *HTTPForwarder) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.ch)
	f.mu.Unlock()
	<-f.done
}
