package appendlog

import (
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/kjk/reclog/frame"
)

// ReadAll returns an iterator over payloads of records committed so far.
// Each iteration reads the file from the start. After iteration, call the
// returned function to check for errors.
//
//	seq, errFn := l.ReadAll()
//	for payload := range seq {
//	    ...
//	}
//	if err := errFn(); err != nil {
//	    ...
//	}
func (l *Log) ReadAll() (iter.Seq[[]byte], func() error) {
	l.mu.Lock()
	committed := l.committed
	l.mu.Unlock()
	return readRecords(l.path, committed, true)
}

// ReadFile returns an iterator over payloads of records in a log file that
// is not open for writing. The file is not modified and invalid data at
// the end of the file is ignored.
func ReadFile(path string) (iter.Seq[[]byte], func() error) {
	return readRecords(path, -1, false)
}

// readRecords decodes frames up to end (-1 means end of file).
// If strict, the frames must cover all data up to end.
func readRecords(path string, end int64, strict bool) (iter.Seq[[]byte], func() error) {
	var iterErr error

	seq := func(yield func([]byte) bool) {
		iterErr = nil
		f, err := os.Open(path)
		if err != nil {
			iterErr = err
			return
		}
		defer f.Close()

		limit := end
		if limit < 0 {
			st, err := f.Stat()
			if err != nil {
				iterErr = err
				return
			}
			limit = st.Size()
		}
		if limit < frame.HeaderSize {
			return
		}
		d := make([]byte, frame.HeaderSize)
		if _, err = f.ReadAt(d, 0); err != nil {
			iterErr = fmt.Errorf("%s: reading header: %w", path, err)
			return
		}
		hdr, err := frame.ParseHeader(d)
		if err != nil {
			iterErr = fmt.Errorf("%s: %w", path, err)
			return
		}

		sr := io.NewSectionReader(f, frame.HeaderSize, limit-frame.HeaderSize)
		r, err := frame.NewReader(sr, hdr.Codec, frame.HeaderSize)
		if err != nil {
			iterErr = err
			return
		}
		for r.Next() {
			if !yield(r.Data) {
				return
			}
		}
		if err = r.Err(); err != nil {
			iterErr = fmt.Errorf("%s: reading frame at %d: %w", path, r.CurrFramePos, err)
			return
		}
		if strict && r.ValidEnd() != limit {
			iterErr = fmt.Errorf("%s: %w at %d, committed length is %d: %s", path, frame.ErrCorrupt, r.ValidEnd(), limit, r.Stop())
		}
	}
	return seq, func() error { return iterErr }
}
