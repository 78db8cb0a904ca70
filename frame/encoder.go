package frame

import (
	"fmt"
)

// CompressorState is the compression context carried from one frame to the
// next. It's owned by a single writer and advanced by EncodeFrame.
//
// After EncodeFrame fails with ErrCodec the state must be discarded.
type CompressorState struct {
	codec Codec
	c     compressor
	// next frame starts a new compression context
	reset  bool
	frames int64
	err    error
}

// NewCompressorState creates compression state for codec. level is
// codec-specific, 0 means a default level.
// The first frame encoded with a new state is a reset frame.
func NewCompressorState(codec Codec, level int) (*CompressorState, error) {
	c, err := newCompressor(codec, level)
	if err != nil {
		return nil, err
	}
	return &CompressorState{
		codec: codec,
		c:     c,
		reset: true,
	}, nil
}

// Codec returns the codec of the state
func (st *CompressorState) Codec() Codec {
	return st.codec
}

// Frames returns number of frames encoded since the state was created
func (st *CompressorState) Frames() int64 {
	return st.frames
}

// Restart makes the next frame start a new compression context.
// Must be called when frames returned by EncodeFrame didn't make it
// to the file, because the following frames would refer to them.
func (st *CompressorState) Restart() {
	st.reset = true
}

// EncodeFrame compresses payload with the ongoing context and appends
// a complete frame to dst. The frame ends on a restart boundary: the file
// up to and including this frame can be decompressed.
// On error dst is returned unchanged.
func EncodeFrame(dst []byte, payload []byte, st *CompressorState) ([]byte, error) {
	if len(payload) == 0 {
		return dst, ErrEmptyPayload
	}
	if len(payload) > MaxPayloadSize {
		return dst, fmt.Errorf("%w: %d bytes, max is %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	if st.err != nil {
		return dst, st.err
	}

	fh := frameHeader{
		rawLen: uint32(len(payload)),
		rawCRC: checksum(payload),
	}
	if st.reset || !st.codec.Streaming() {
		fh.flags |= flagReset
	}
	if st.reset {
		st.c.restart()
	}

	start := len(dst)
	var hdr [FrameHeaderSize]byte
	res := append(dst, hdr[:]...)
	res, err := st.c.compress(res, payload)
	if err != nil {
		st.err = fmt.Errorf("%w: %s: %w", ErrCodec, st.codec, err)
		return dst[:start], st.err
	}
	compLen := len(res) - start - FrameHeaderSize
	if compLen > maxCompressedSize {
		st.err = fmt.Errorf("%w: %s produced %d bytes from %d", ErrCodec, st.codec, compLen, len(payload))
		return dst[:start], st.err
	}
	fh.compLen = uint32(compLen)
	putFrameHeader(res[start:], &fh)

	st.reset = false
	st.frames++
	return res, nil
}
