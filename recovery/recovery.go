// Package recovery finds the committed length of a log file.
//
// The scan always starts at the beginning of the file and decodes every frame.
// The commit marker in the header is only compared with the result, never
// trusted: a file that was interrupted mid-append has a marker that is either
// stale or right, and the scan gives the same answer in both cases.
package recovery

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kjk/reclog/frame"
)

// Result describes the state of a log file
type Result struct {
	// Header is nil if the file is shorter than a header
	Header *frame.Header
	// FileSize is the physical size of the file
	FileSize int64
	// ValidOffset is where the valid data ends. 0 if there's no header,
	// frame.HeaderSize if there are no valid frames.
	ValidOffset int64
	// Frames is the number of valid frames
	Frames int
	// Stop is why the scan of frames stopped
	Stop frame.StopReason
	// Corruption is set when Stop is frame.StopCorrupt
	Corruption error
	// MarkerMatches is true if the commit marker agrees with ValidOffset
	MarkerMatches bool
}

// Clean returns true if there's nothing after the valid data
func (r *Result) Clean() bool {
	return r.ValidOffset == r.FileSize
}

// TrailingBytes returns number of bytes after the valid data
func (r *Result) TrailingBytes() int64 {
	return r.FileSize - r.ValidOffset
}

func (r *Result) String() string {
	if r.Header == nil {
		return fmt.Sprintf("no header, %d bytes", r.FileSize)
	}
	s := fmt.Sprintf("%s %s, %d frames, valid: %d of %d bytes, stop: %s", r.Header.Codec, r.Header.ID, r.Frames, r.ValidOffset, r.FileSize, r.Stop)
	if r.Corruption != nil {
		s += fmt.Sprintf(" (%s)", r.Corruption)
	}
	return s
}

// Scan reads a log file of the given size and finds where the valid data ends.
// Returns frame.ErrBadHeader if the file has a full header that is invalid.
// Read errors are returned as errors, invalid frames are not.
func Scan(f io.ReaderAt, size int64) (*Result, error) {
	res := &Result{
		FileSize: size,
	}
	if size < frame.HeaderSize {
		// an empty or interrupted-at-creation file, nothing in it
		res.Stop = frame.StopClean
		res.MarkerMatches = size == 0
		return res, nil
	}

	d := make([]byte, frame.HeaderSize)
	if _, err := f.ReadAt(d, 0); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	hdr, err := frame.ParseHeader(d)
	if err != nil {
		return nil, err
	}
	res.Header = hdr

	sr := io.NewSectionReader(f, frame.HeaderSize, size-frame.HeaderSize)
	r, err := frame.NewReader(sr, hdr.Codec, frame.HeaderSize)
	if err != nil {
		return nil, err
	}
	for r.Next() {
		res.Frames++
	}
	if err = r.Err(); err != nil {
		return nil, fmt.Errorf("reading frame at %d: %w", r.CurrFramePos, err)
	}
	res.ValidOffset = r.ValidEnd()
	res.Stop = r.Stop()
	res.Corruption = r.Corruption
	res.MarkerMatches = hdr.MarkerValid && hdr.Committed == res.ValidOffset
	return res, nil
}

// ScanFile scans the log file at path. It never modifies the file.
func ScanFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	res, err := Scan(f, st.Size())
	if err != nil {
		if errors.Is(err, frame.ErrBadHeader) {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return nil, err
	}
	return res, nil
}
