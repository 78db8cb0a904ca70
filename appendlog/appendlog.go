package appendlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kjk/reclog/frame"
	"github.com/kjk/reclog/recovery"
)

// Observer is notified about appends, recoveries and errors.
// It's called with the log lock held so it must be fast.
type Observer interface {
	// ObserveAppend is called after a successful append. raw is the size of
	// payloads, written is the number of bytes written to the file.
	ObserveAppend(raw int, written int, dur time.Duration)
	// ObserveRecovery is called when Open removes bytes after the valid data
	ObserveRecovery(truncated int64)
	// ObserveError is called when an append fails, kind is "io" or "codec"
	ObserveError(kind string)
}

// Options configures a Log. The zero value is valid.
type Options struct {
	// Codec for new files, 0 means frame.CodecFlate.
	// Existing files are always appended with the codec they were created with.
	Codec frame.Codec
	// Level is codec-specific compression level, 0 means default.
	// Only used if Codec matches the codec of the file.
	Level int

	// if true, we don't fsync after writes. Much faster but a record might
	// be lost after a crash. Appends remain atomic-or-absent.
	NoSync bool

	// Logf, if given, is used to log recovery and non-fatal errors
	Logf func(format string, args ...any)

	Observer Observer
}

// Stats are counters for the current session
type Stats struct {
	Appends      int64
	Frames       int64
	RawBytes     int64
	WrittenBytes int64
	// number of bytes removed from the end of the file when opening
	TruncatedBytes int64
	Failures       int64
}

// Log is a compressed, append-only log of records stored in a single file.
// Only one Log should be open for a given file. Methods are safe to call
// from multiple goroutines.
type Log struct {
	path string
	opts Options
	hdr  *frame.Header

	mu sync.Mutex
	f  file
	st *frame.CompressorState
	// length of the file up to the end of the last durable frame
	committed int64
	// set after a codec failure
	broken error
	stats  Stats
	buf    []byte
}

// file is what we need from *os.File
type file interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
	Close() error
}

func (l *Log) logf(format string, args ...any) {
	if l.opts.Logf != nil {
		l.opts.Logf(format, args...)
	}
}

// Open opens a log file for appending, creating it if it doesn't exist.
// Data after the last valid frame (left by a crash during append) is removed
// from the file. Returns frame.ErrBadHeader if the file is not a log.
func Open(path string, opts *Options) (*Log, error) {
	l := &Log{
		path: path,
	}
	if opts != nil {
		l.opts = *opts
	}
	if l.opts.Codec == 0 {
		l.opts.Codec = frame.CodecFlate
	}
	// validates codec and level before we create anything on disk
	if _, err := frame.NewCompressorState(l.opts.Codec, l.opts.Level); err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		err = createFile(path, frame.NewHeader(l.opts.Codec), !l.opts.NoSync)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	l.f = f
	if err = l.recover(); err != nil {
		_ = f.Close()
		l.f = nil
		return nil, err
	}
	return l, nil
}

func (l *Log) sync() error {
	if l.opts.NoSync {
		return nil
	}
	return l.f.Sync()
}

// recover brings the file to the state where its length is the committed
// length and the commit marker is correct
func (l *Log) recover() error {
	st, err := l.f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	res, err := recovery.Scan(l.f, st.Size())
	if err != nil {
		if errors.Is(err, frame.ErrBadHeader) {
			return fmt.Errorf("%s: %w", l.path, err)
		}
		return fmt.Errorf("%w: scanning %s: %w", ErrIO, l.path, err)
	}

	if res.Header == nil {
		// interrupted while creating the file in place or an empty file
		// created by someone else. There are no records so we start over.
		if res.FileSize > 0 {
			l.logf("appendlog: %s: re-initializing file with incomplete header (%d bytes)\n", l.path, res.FileSize)
		}
		hdr := frame.NewHeader(l.opts.Codec)
		if _, err = l.f.WriteAt(hdr.Marshal(), 0); err == nil {
			err = l.sync()
		}
		if err != nil {
			return fmt.Errorf("%w: writing header: %w", ErrIO, err)
		}
		l.hdr = hdr
		l.committed = frame.HeaderSize
		l.recovered(res.FileSize)
		return l.newSession()
	}

	l.hdr = res.Header
	l.committed = res.ValidOffset
	if n := res.TrailingBytes(); n > 0 {
		l.logf("appendlog: %s: removing %d bytes after the last valid frame at %d (%s)\n", l.path, n, res.ValidOffset, res.Stop)
		if err = l.f.Truncate(res.ValidOffset); err == nil {
			err = l.sync()
		}
		if err != nil {
			return fmt.Errorf("%w: truncating to %d: %w", ErrIO, res.ValidOffset, err)
		}
		l.recovered(n)
	}
	if !res.MarkerMatches {
		if err = l.writeMarker(); err == nil {
			err = l.sync()
		}
		if err != nil {
			return fmt.Errorf("%w: writing commit marker: %w", ErrIO, err)
		}
	}
	return l.newSession()
}

func (l *Log) recovered(n int64) {
	l.stats.TruncatedBytes += n
	if l.opts.Observer != nil && n > 0 {
		l.opts.Observer.ObserveRecovery(n)
	}
}

// every session starts a new compression context at the end of the file
func (l *Log) newSession() error {
	level := 0
	if l.hdr.Codec == l.opts.Codec {
		level = l.opts.Level
	}
	st, err := frame.NewCompressorState(l.hdr.Codec, level)
	if err != nil {
		return err
	}
	l.st = st
	return nil
}

func (l *Log) writeMarker() error {
	_, err := l.f.WriteAt(frame.MarshalMarker(l.committed), frame.MarkerOffset)
	return err
}

// Append appends a record. When it returns nil, the record is durably
// stored (unless NoSync is set).
// Returns frame.ErrEmptyPayload for empty payload, *AppendError if the
// record was not written.
func (l *Log) Append(payload []byte) error {
	_, err := l.Append2(payload)
	return err
}

// Append2 is like Append but also returns the offset of the frame
// holding the record
func (l *Log) Append2(payload []byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	off := l.committed
	err := l.appendFrames(payload)
	return off, err
}

// AppendBatch appends multiple records with a single write and sync.
// After a crash, a prefix of the records might be present.
func (l *Log) AppendBatch(payloads ...[]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendFrames(payloads...)
}

func (l *Log) appendFrames(payloads ...[]byte) error {
	if l.f == nil {
		return ErrClosed
	}
	if l.broken != nil {
		return l.broken
	}
	if len(payloads) == 0 {
		return nil
	}
	raw := 0
	for _, p := range payloads {
		if len(p) == 0 {
			return frame.ErrEmptyPayload
		}
		if len(p) > frame.MaxPayloadSize {
			return fmt.Errorf("%w: %d bytes, max is %d", frame.ErrPayloadTooLarge, len(p), frame.MaxPayloadSize)
		}
		raw += len(p)
	}

	timeStart := time.Now()
	var err error
	buf := l.buf[:0]
	for _, p := range payloads {
		buf, err = frame.EncodeFrame(buf, p, l.st)
		if err != nil {
			l.broken = &AppendError{Kind: CodecFailure, Err: err}
			l.failed(CodecFailure)
			l.logf("appendlog: %s: %s\n", l.path, err)
			return l.broken
		}
	}
	// don't hold on to large buffers
	if cap(buf) <= 1024*1024 {
		l.buf = buf
	}

	_, err = l.f.WriteAt(buf, l.committed)
	if err == nil {
		err = l.sync()
	}
	if err != nil {
		// some bytes might have made it to the file. Frames encoded after
		// this point must not refer to them.
		l.st.Restart()
		if errTrunc := l.f.Truncate(l.committed); errTrunc != nil {
			l.logf("appendlog: %s: truncating to %d after failed write: %s\n", l.path, l.committed, errTrunc)
		}
		l.failed(IoFailure)
		return &AppendError{Kind: IoFailure, Err: err}
	}

	l.committed += int64(len(buf))
	// the frames are durable so a failure to update the marker
	// is not a failure to append. Open doesn't trust the marker anyway.
	if err = l.writeMarker(); err != nil {
		l.logf("appendlog: %s: writing commit marker: %s\n", l.path, err)
	}

	l.stats.Appends++
	l.stats.Frames += int64(len(payloads))
	l.stats.RawBytes += int64(raw)
	l.stats.WrittenBytes += int64(len(buf))
	if l.opts.Observer != nil {
		l.opts.Observer.ObserveAppend(raw, len(buf), time.Since(timeStart))
	}
	return nil
}

func (l *Log) failed(kind ErrorKind) {
	l.stats.Failures++
	if l.opts.Observer != nil {
		l.opts.Observer.ObserveError(kind.String())
	}
}

// Close writes the final commit marker and closes the file.
// Can be called multiple times.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	// all frames end with a flush so there's nothing buffered
	// in the compressor. We only need to persist the marker.
	err := l.writeMarker()
	if err == nil {
		err = l.sync()
	}
	err2 := l.f.Close()
	l.f = nil
	if err == nil {
		err = err2
	}
	return err
}

// Committed returns the length of the file up to the end of the last committed record
func (l *Log) Committed() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

// Path returns the path of the log file
func (l *Log) Path() string {
	return l.path
}

// ID returns the unique id of the log file, stored in its header
func (l *Log) ID() uuid.UUID {
	return l.hdr.ID
}

// Codec returns the codec used by the log file
func (l *Log) Codec() frame.Codec {
	return l.hdr.Codec
}

// Stats returns statistics for the current session
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
