package frame

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// Codec identifies how frame payloads are compressed.
// The value is stored in the file header so it must never change.
type Codec uint8

const (
	// CodecFlate is deflate with a compression context shared by all frames
	// of a writer session. Each frame ends with a sync flush.
	CodecFlate Codec = iota + 1
	// CodecZstd compresses every frame on its own
	CodecZstd
	// CodecSnappy compresses every frame on its own
	CodecSnappy
	// CodecBrotli compresses every frame on its own
	CodecBrotli
	// CodecNone stores payloads as-is
	CodecNone
)

var codecNames = map[Codec]string{
	CodecFlate:  "flate",
	CodecZstd:   "zstd",
	CodecSnappy: "snappy",
	CodecBrotli: "brotli",
	CodecNone:   "none",
}

func (c Codec) String() string {
	if s, ok := codecNames[c]; ok {
		return s
	}
	return fmt.Sprintf("codec(%d)", int(c))
}

// Valid returns true if c is a known codec
func (c Codec) Valid() bool {
	_, ok := codecNames[c]
	return ok
}

// Streaming returns true if frames share compression context, i.e.
// a frame can only be decoded after all frames since the last reset frame
func (c Codec) Streaming() bool {
	return c == CodecFlate
}

// ParseCodec converts a codec name to Codec. Empty string means CodecFlate.
func ParseCodec(s string) (Codec, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "deflate" {
		return CodecFlate, nil
	}
	for c, name := range codecNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown codec '%s'", s)
}

// compressor is the mutable part of CompressorState
type compressor interface {
	// compress appends compressed payload to dst
	compress(dst []byte, payload []byte) ([]byte, error)
	// restart drops the compression context
	restart()
}

// decompressor decodes one frame body into dst, which has the exact
// length of the raw payload
type decompressor interface {
	decompress(dst []byte, comp []byte, reset bool) error
}

func newCompressor(c Codec, level int) (compressor, error) {
	switch c {
	case CodecFlate:
		if level == 0 {
			level = flate.DefaultCompression
		}
		if level < flate.HuffmanOnly || level > flate.BestCompression {
			return nil, fmt.Errorf("invalid flate level %d", level)
		}
		return &flateCompressor{level: level}, nil
	case CodecZstd:
		lvl := zstd.SpeedDefault
		if level != 0 {
			lvl = zstd.EncoderLevelFromZstd(level)
		}
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return &zstdCompressor{enc: enc}, nil
	case CodecSnappy:
		return snappyCompressor{}, nil
	case CodecBrotli:
		if level == 0 {
			level = brotli.DefaultCompression
		}
		return &brotliCompressor{level: level}, nil
	case CodecNone:
		return noneCompressor{}, nil
	}
	return nil, fmt.Errorf("unknown codec %s", c)
}

func newDecompressor(c Codec) (decompressor, error) {
	switch c {
	case CodecFlate:
		return &flateDecompressor{}, nil
	case CodecZstd:
		return zstdDecompressor{}, nil
	case CodecSnappy:
		return snappyDecompressor{}, nil
	case CodecBrotli:
		return &brotliDecompressor{}, nil
	case CodecNone:
		return noneDecompressor{}, nil
	}
	return nil, fmt.Errorf("unknown codec %s", c)
}

// flate

type flateCompressor struct {
	level int
	out   bytes.Buffer
	w     *flate.Writer
}

func (c *flateCompressor) compress(dst []byte, payload []byte) ([]byte, error) {
	c.out.Reset()
	if c.w == nil {
		w, err := flate.NewWriter(&c.out, c.level)
		if err != nil {
			return nil, err
		}
		c.w = w
	}
	if _, err := c.w.Write(payload); err != nil {
		return nil, err
	}
	// sync flush: everything written so far can be decompressed
	// without any bytes that come after
	if err := c.w.Flush(); err != nil {
		return nil, err
	}
	return append(dst, c.out.Bytes()...), nil
}

func (c *flateCompressor) restart() {
	if c.w != nil {
		c.out.Reset()
		c.w.Reset(&c.out)
	}
}

// byteSource feeds frame bodies to a long-lived flate reader.
// Returns io.EOF when it runs out, which the reader reports as
// io.ErrUnexpectedEOF i.e. a frame that doesn't hold all of its data.
type byteSource struct {
	buf []byte
	b   []byte
}

func (s *byteSource) push(d []byte, reset bool) {
	if reset {
		s.buf = append(s.buf[:0], d...)
	} else {
		// keep bytes the reader didn't consume yet (the tail
		// of the previous sync flush marker)
		s.buf = append(s.buf[:0], s.b...)
		s.buf = append(s.buf, d...)
	}
	s.b = s.buf
}

func (s *byteSource) Read(p []byte) (int, error) {
	if len(s.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.b)
	s.b = s.b[n:]
	return n, nil
}

func (s *byteSource) ReadByte() (byte, error) {
	if len(s.b) == 0 {
		return 0, io.EOF
	}
	c := s.b[0]
	s.b = s.b[1:]
	return c, nil
}

type flateDecompressor struct {
	src byteSource
	r   io.ReadCloser
}

func (d *flateDecompressor) decompress(dst []byte, comp []byte, reset bool) error {
	d.src.push(comp, reset)
	if reset {
		if d.r == nil {
			d.r = flate.NewReader(&d.src)
		} else if err := d.r.(flate.Resetter).Reset(&d.src, nil); err != nil {
			return err
		}
	}
	panicIf(d.r == nil, "continuation frame without a compression context")
	_, err := io.ReadFull(d.r, dst)
	return err
}

// zstd

type zstdCompressor struct {
	enc *zstd.Encoder
}

func (c *zstdCompressor) compress(dst []byte, payload []byte) ([]byte, error) {
	return c.enc.EncodeAll(payload, dst), nil
}

func (c *zstdCompressor) restart() {}

var (
	zstdDec     *zstd.Decoder
	zstdDecErr  error
	zstdDecOnce sync.Once
)

// DecodeAll is safe for concurrent use so all readers share one decoder
func getZstdDecoder() (*zstd.Decoder, error) {
	zstdDecOnce.Do(func() {
		zstdDec, zstdDecErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return zstdDec, zstdDecErr
}

type zstdDecompressor struct{}

func (zstdDecompressor) decompress(dst []byte, comp []byte, reset bool) error {
	dec, err := getZstdDecoder()
	if err != nil {
		return err
	}
	d, err := dec.DecodeAll(comp, dst[:0])
	if err != nil {
		return err
	}
	if len(d) != len(dst) {
		return fmt.Errorf("decompressed %d bytes, expected %d", len(d), len(dst))
	}
	// no-op unless the decoder had to allocate
	copy(dst, d)
	return nil
}

// snappy

type snappyCompressor struct{}

func (snappyCompressor) compress(dst []byte, payload []byte) ([]byte, error) {
	return append(dst, snappy.Encode(nil, payload)...), nil
}

func (snappyCompressor) restart() {}

type snappyDecompressor struct{}

func (snappyDecompressor) decompress(dst []byte, comp []byte, reset bool) error {
	n, err := snappy.DecodedLen(comp)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return fmt.Errorf("decompressed size is %d, expected %d", n, len(dst))
	}
	_, err = snappy.Decode(dst, comp)
	return err
}

// brotli

type brotliCompressor struct {
	level int
	out   bytes.Buffer
	w     *brotli.Writer
}

func (c *brotliCompressor) compress(dst []byte, payload []byte) ([]byte, error) {
	c.out.Reset()
	if c.w == nil {
		c.w = brotli.NewWriterLevel(&c.out, c.level)
	} else {
		c.w.Reset(&c.out)
	}
	_, err := c.w.Write(payload)
	err2 := c.w.Close()
	if err = getErr(err, err2); err != nil {
		return nil, err
	}
	return append(dst, c.out.Bytes()...), nil
}

func (c *brotliCompressor) restart() {}

type brotliDecompressor struct {
	src bytes.Reader
	r   *brotli.Reader
}

func (d *brotliDecompressor) decompress(dst []byte, comp []byte, reset bool) error {
	d.src.Reset(comp)
	if d.r == nil {
		d.r = brotli.NewReader(&d.src)
	} else if err := d.r.Reset(&d.src); err != nil {
		return err
	}
	if _, err := io.ReadFull(d.r, dst); err != nil {
		return err
	}
	var extra [1]byte
	if n, _ := d.r.Read(extra[:]); n > 0 {
		return fmt.Errorf("frame decompresses to more than %d bytes", len(dst))
	}
	return nil
}

// none

type noneCompressor struct{}

func (noneCompressor) compress(dst []byte, payload []byte) ([]byte, error) {
	return append(dst, payload...), nil
}

func (noneCompressor) restart() {}

type noneDecompressor struct{}

func (noneDecompressor) decompress(dst []byte, comp []byte, reset bool) error {
	if len(comp) != len(dst) {
		return fmt.Errorf("stored frame has %d bytes, expected %d", len(comp), len(dst))
	}
	copy(dst, comp)
	return nil
}
