package tail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/kjk/reclog/frame"
	"github.com/kjk/reclog/recovery"
)

// FollowOptions configures Follow
type FollowOptions struct {
	// how often to check the file for new data, 0 means 250 ms
	PollInterval time.Duration
	// if true, only records appended after Follow started are delivered
	FromEnd bool
	Logf    func(format string, args ...any)
}

// follower decodes frames of a file incrementally. The decoder carries
// the compression context so it must see every frame since the start
// of the file.
type follower struct {
	path string
	opts FollowOptions

	id  uuid.UUID
	dec *frame.Decoder
	// offset of the next frame to decode
	pos int64
	// bytes after pos that don't make up a whole frame yet
	pending []byte
	// frames before this offset were already delivered, or skipped
	deliverFrom int64
	started     bool
	// logged a corrupt frame at this offset
	corruptAt int64
}

func (f *follower) logf(format string, args ...any) {
	if f.opts.Logf != nil {
		f.opts.Logf(format, args...)
	}
}

// Follow calls fn for every record in the log file at path and then for
// records appended to it, until ctx is done or fn returns an error.
// It's fine to follow a file that doesn't exist yet or is being written.
// A partially written frame is delivered once it's complete.
func Follow(ctx context.Context, path string, opts *FollowOptions, fn func(Record) error) error {
	f := &follower{
		path: path,
	}
	if opts != nil {
		f.opts = *opts
	}
	interval := f.opts.PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	for {
		if err := f.poll(fn); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// restart decodes the file again from the first frame. Frames already
// delivered won't be delivered again.
func (f *follower) restart(codec frame.Codec, deliverFrom int64) error {
	dec, err := frame.NewDecoder(codec)
	if err != nil {
		return err
	}
	f.dec = dec
	f.pos = frame.HeaderSize
	f.pending = f.pending[:0]
	f.deliverFrom = deliverFrom
	return nil
}

// poll reads whatever was added to the file since the last poll
func (f *follower) poll(fn func(Record) error) error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()
	st, err := file.Stat()
	if err != nil {
		return err
	}
	size := st.Size()
	if size < frame.HeaderSize {
		// not created yet or being re-initialized
		return nil
	}

	d := make([]byte, frame.HeaderSize)
	if _, err = file.ReadAt(d, 0); err != nil {
		return err
	}
	hdr, err := frame.ParseHeader(d)
	if err != nil {
		return err
	}

	switch {
	case !f.started:
		f.started = true
		f.id = hdr.ID
		deliverFrom := int64(frame.HeaderSize)
		if f.opts.FromEnd {
			res, err := recovery.Scan(file, size)
			if err != nil {
				return err
			}
			deliverFrom = res.ValidOffset
		}
		if err = f.restart(hdr.Codec, deliverFrom); err != nil {
			return err
		}
	case hdr.ID != f.id:
		f.logf("tail: %s was replaced with a new log %s\n", f.path, hdr.ID)
		f.id = hdr.ID
		if err = f.restart(hdr.Codec, frame.HeaderSize); err != nil {
			return err
		}
	case size < f.pos+int64(len(f.pending)):
		f.logf("tail: %s shrunk to %d bytes, re-reading\n", f.path, size)
		if err = f.restart(hdr.Codec, max(f.deliverFrom, f.pos)); err != nil {
			return err
		}
	}

	end := f.pos + int64(len(f.pending))
	if size > end {
		n := len(f.pending)
		f.pending = append(f.pending, make([]byte, size-end)...)
		if _, err = file.ReadAt(f.pending[n:], end); err != nil && err != io.EOF {
			return err
		}
	}

	b := f.pending
	for len(b) > 0 {
		payload, n, err := f.dec.DecodeFrame(b)
		if errors.Is(err, frame.ErrIncomplete) {
			break
		}
		if err != nil {
			// most likely the writer is recovering from a failed append.
			// The frame at f.pos will be re-written so we start over.
			if f.corruptAt != f.pos {
				f.logf("tail: %s: frame at %d: %s\n", f.path, f.pos, err)
				f.corruptAt = f.pos
			}
			return f.restart(hdr.Codec, max(f.deliverFrom, f.pos))
		}
		rec := Record{
			Offset: f.pos,
			Data:   payload,
		}
		f.pos += int64(n)
		b = b[n:]
		if rec.Offset >= f.deliverFrom {
			if err = fn(rec); err != nil {
				f.pending = append(f.pending[:0], b...)
				return fmt.Errorf("tail: %w", err)
			}
		}
	}
	f.pending = append(f.pending[:0], b...)
	return nil
}
