// Package tail delivers records to live viewers.
//
// The log itself never pushes anything. Records reach viewers either from
// a Writer, which publishes a record after it was durably appended, or from
// Follow, which watches the file and decodes new frames as they show up.
package tail

import (
	"sync"

	"github.com/kjk/reclog/appendlog"
)

// Record is a record and the offset of its frame in the log file
type Record struct {
	Offset int64
	Data   []byte
}

// Publisher receives records after they were appended.
// Publish must not block and must not modify rec.Data.
type Publisher interface {
	Publish(rec Record)
}

// Writer appends records to a log and publishes them
type Writer struct {
	l *appendlog.Log

	mu   sync.RWMutex
	pubs []Publisher
}

// NewWriter creates a writer for l
func NewWriter(l *appendlog.Log, pubs ...Publisher) *Writer {
	return &Writer{
		l:    l,
		pubs: pubs,
	}
}

// AddPublisher adds a publisher
func (w *Writer) AddPublisher(p Publisher) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pubs = append(w.pubs, p)
}

// Append appends payload to the log. Publishers are only called if
// the append succeeded.
func (w *Writer) Append(payload []byte) error {
	off, err := w.l.Append2(payload)
	if err != nil {
		return err
	}
	w.mu.RLock()
	pubs := w.pubs
	w.mu.RUnlock()
	if len(pubs) == 0 {
		return nil
	}
	// the caller owns payload and might re-use it
	rec := Record{
		Offset: off,
		Data:   append([]byte(nil), payload...),
	}
	for _, p := range pubs {
		p.Publish(rec)
	}
	return nil
}

// Log returns the underlying log
func (w *Writer) Log() *appendlog.Log {
	return w.l
}
