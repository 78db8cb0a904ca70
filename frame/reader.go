package frame

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
)

// Decoder decodes frames one at a time, keeping the decompression context
// between frames. Frames must be given in file order.
type Decoder struct {
	codec Codec
	d     decompressor
	// true if there's a context that continuation frames can use
	started bool
}

// NewDecoder creates a decoder for codec
func NewDecoder(codec Codec) (*Decoder, error) {
	d, err := newDecompressor(codec)
	if err != nil {
		return nil, err
	}
	return &Decoder{
		codec: codec,
		d:     d,
	}, nil
}

// DecodeFrame decodes the frame at the start of b and returns its payload
// and the size of the frame.
// Returns ErrIncomplete if b doesn't hold the whole frame. In that case
// decoder state is not changed and the call can be repeated with more data.
// Returns an error wrapping ErrCorrupt if the frame is invalid. After that
// only a reset frame can be decoded.
func (d *Decoder) DecodeFrame(b []byte) ([]byte, int, error) {
	if len(b) < FrameHeaderSize {
		return nil, 0, ErrIncomplete
	}
	var fh frameHeader
	if err := parseFrameHeader(b, &fh); err != nil {
		return nil, 0, err
	}
	n := fh.size()
	if len(b) < n {
		return nil, 0, ErrIncomplete
	}
	payload, err := d.decodeBody(&fh, b[FrameHeaderSize:n])
	if err != nil {
		return nil, 0, err
	}
	return payload, n, nil
}

func (d *Decoder) decodeBody(fh *frameHeader, comp []byte) ([]byte, error) {
	reset := fh.isReset()
	if !reset && !d.started {
		return nil, fmt.Errorf("%w: continuation frame without a compression context", ErrCorrupt)
	}
	if !reset && !d.codec.Streaming() {
		return nil, fmt.Errorf("%w: continuation frame in %s file", ErrCorrupt, d.codec)
	}
	// from now on the context is either fresh or consumed by this frame
	d.started = false
	payload := make([]byte, fh.rawLen)
	if err := d.d.decompress(payload, comp, reset); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, d.codec, err)
	}
	if checksum(payload) != fh.rawCRC {
		return nil, fmt.Errorf("%w: payload checksum mismatch", ErrCorrupt)
	}
	d.started = true
	return payload, nil
}

// StopReason tells why a Reader stopped
type StopReason int

const (
	// StopNone means the reader didn't stop yet
	StopNone StopReason = iota
	// StopClean means we reached end of data exactly at a frame boundary
	StopClean
	// StopTruncated means the last frame is incomplete
	StopTruncated
	// StopCorrupt means a frame failed validation
	StopCorrupt
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopClean:
		return "clean"
	case StopTruncated:
		return "truncated"
	case StopCorrupt:
		return "corrupt"
	}
	return fmt.Sprintf("StopReason(%d)", int(r))
}

// Reader reads frames sequentially from frame data (file without the header).
//
//	r, _ := frame.NewReader(f, codec, frame.HeaderSize)
//	for r.Next() {
//	    use(r.Data)
//	}
//	if err := r.Err(); err != nil {
//	    // i/o error
//	}
//	validEnd := r.ValidEnd()
type Reader struct {
	r   *bufio.Reader
	dec *Decoder

	// Data is the payload of the current frame, available after Next().
	// A new slice is allocated for every frame.
	Data []byte

	// position of the current frame within the file
	CurrFramePos int64
	// position of the next frame within the file
	NextFramePos int64

	// Corruption describes why we stopped with StopCorrupt
	Corruption error

	hdr  [FrameHeaderSize]byte
	comp []byte
	stop StopReason
	err  error
}

// NewReader creates a reader of frames. pos is the position of the first
// frame in the file, used to report offsets.
func NewReader(r io.Reader, codec Codec, pos int64) (*Reader, error) {
	dec, err := NewDecoder(codec)
	if err != nil {
		return nil, err
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 64*1024)
	}
	return &Reader{
		r:            br,
		dec:          dec,
		CurrFramePos: pos,
		NextFramePos: pos,
	}, nil
}

// Done returns true if we're finished reading
func (r *Reader) Done() bool {
	return r.err != nil || r.stop != StopNone
}

func (r *Reader) finish(reason StopReason) bool {
	r.stop = reason
	r.Data = nil
	return false
}

// readFull maps io.EOF and io.ErrUnexpectedEOF to a truncated frame,
// anything else is an i/o error
func (r *Reader) readFull(d []byte, atFrameStart bool) (StopReason, error) {
	_, err := io.ReadFull(r.r, d)
	switch {
	case err == nil:
		return StopNone, nil
	case err == io.EOF && atFrameStart:
		return StopClean, nil
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return StopTruncated, nil
	}
	return StopNone, err
}

// Next reads the next frame. Returns false when there are no more valid
// frames. Check Err() for i/o errors and Stop() for the reason.
func (r *Reader) Next() bool {
	if r.Done() {
		return false
	}
	r.CurrFramePos = r.NextFramePos

	reason, err := r.readFull(r.hdr[:], true)
	if err != nil {
		r.err = err
		return false
	}
	if reason != StopNone {
		return r.finish(reason)
	}
	var fh frameHeader
	if err = parseFrameHeader(r.hdr[:], &fh); err != nil {
		r.Corruption = err
		return r.finish(StopCorrupt)
	}

	// we try to re-use r.comp as long as it doesn't grow too much
	n := int(fh.compLen)
	if cap(r.comp) > 1024*1024 && n < 64*1024 {
		r.comp = nil
	}
	if n > cap(r.comp) {
		r.comp = make([]byte, n)
	}
	r.comp = r.comp[:n]
	if reason, err = r.readFull(r.comp, false); err != nil {
		r.err = err
		return false
	}
	if reason != StopNone {
		return r.finish(reason)
	}

	r.Data, err = r.dec.decodeBody(&fh, r.comp)
	if err != nil {
		r.Corruption = err
		return r.finish(StopCorrupt)
	}
	r.NextFramePos += int64(fh.size())
	return true
}

// Err returns i/o error. Truncated or corrupt frames are not errors,
// see Stop()
func (r *Reader) Err() error {
	return r.err
}

// Stop returns why the reader stopped
func (r *Reader) Stop() StopReason {
	return r.stop
}

// ValidEnd returns the offset just past the last valid frame read so far
func (r *Reader) ValidEnd() int64 {
	return r.NextFramePos
}

// DecodeStream returns an iterator over payloads of frames in r.
// pos is the position of the first frame in the file.
// After iteration, call the returned function to get the offset at which
// valid data ends and i/o error, if any.
// Iteration is restartable only by creating a new stream from the first frame.
func DecodeStream(r io.Reader, codec Codec, pos int64) (iter.Seq[[]byte], func() (int64, error)) {
	validEnd := pos
	var iterErr error
	used := false

	seq := func(yield func([]byte) bool) {
		if used {
			iterErr = errors.New("frame stream can only be iterated once")
			return
		}
		used = true
		fr, err := NewReader(r, codec, pos)
		if err != nil {
			iterErr = err
			return
		}
		for fr.Next() {
			validEnd = fr.ValidEnd()
			if !yield(fr.Data) {
				return
			}
		}
		validEnd = fr.ValidEnd()
		iterErr = fr.Err()
	}
	return seq, func() (int64, error) { return validEnd, iterErr }
}
