package recovery

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert"
	"github.com/kjk/reclog/frame"
)

type testFile struct {
	d       []byte
	hdr     *frame.Header
	offsets []int64
}

func buildFile(t *testing.T, codec frame.Codec, records ...string) *testFile {
	hdr := frame.NewHeader(codec)
	st, err := frame.NewCompressorState(codec, 0)
	assert.NoError(t, err)
	res := &testFile{hdr: hdr}
	d := hdr.Marshal()
	for _, rec := range records {
		res.offsets = append(res.offsets, int64(len(d)))
		d, err = frame.EncodeFrame(d, []byte(rec), st)
		assert.NoError(t, err)
	}
	copy(d[frame.MarkerOffset:], frame.MarshalMarker(int64(len(d))))
	res.d = d
	return res
}

func scanBytes(t *testing.T, d []byte) *Result {
	res, err := Scan(bytes.NewReader(d), int64(len(d)))
	assert.NoError(t, err)
	return res
}

var records = []string{`{"a":1}`, `{"b":2}`, `{"c":3}`, `{"name":"loss","value":0.25}`}

func TestScanClean(t *testing.T) {
	tf := buildFile(t, frame.CodecFlate, records...)
	res := scanBytes(t, tf.d)
	assert.True(t, res.Clean())
	assert.Equal(t, len(records), res.Frames)
	assert.Equal(t, int64(len(tf.d)), res.ValidOffset)
	assert.Equal(t, frame.StopClean, res.Stop)
	assert.True(t, res.MarkerMatches)
	assert.Equal(t, tf.hdr.ID, res.Header.ID)
	assert.Equal(t, int64(0), res.TrailingBytes())
}

func TestScanShortFile(t *testing.T) {
	for _, n := range []int{0, 1, frame.HeaderSize - 1} {
		d := frame.NewHeader(frame.CodecFlate).Marshal()[:n]
		res := scanBytes(t, d)
		assert.True(t, res.Header == nil)
		assert.Equal(t, int64(0), res.ValidOffset)
		assert.Equal(t, int64(n), res.TrailingBytes())
	}
}

func TestScanNoFrames(t *testing.T) {
	tf := buildFile(t, frame.CodecZstd)
	res := scanBytes(t, tf.d)
	assert.True(t, res.Clean())
	assert.Equal(t, 0, res.Frames)
	assert.Equal(t, int64(frame.HeaderSize), res.ValidOffset)
	assert.Equal(t, frame.CodecZstd, res.Header.Codec)
}

func TestScanBadHeader(t *testing.T) {
	tf := buildFile(t, frame.CodecFlate, records...)
	tf.d[1] = 'X'
	_, err := Scan(bytes.NewReader(tf.d), int64(len(tf.d)))
	assert.True(t, errors.Is(err, frame.ErrBadHeader))
}

func TestScanTruncated(t *testing.T) {
	codecs := []frame.Codec{frame.CodecFlate, frame.CodecZstd, frame.CodecSnappy, frame.CodecBrotli, frame.CodecNone}
	for _, codec := range codecs {
		tf := buildFile(t, codec, records...)
		last := tf.offsets[len(tf.offsets)-1]
		for size := last + 1; size < int64(len(tf.d)); size++ {
			res := scanBytes(t, tf.d[:size])
			assert.Equal(t, last, res.ValidOffset, "codec: %s, size: %d", codec, size)
			assert.Equal(t, len(records)-1, res.Frames)
			assert.Equal(t, frame.StopTruncated, res.Stop)
			// the marker says the file is longer
			assert.False(t, res.MarkerMatches)
			assert.False(t, res.Clean())
		}
	}
}

func TestScanGarbage(t *testing.T) {
	tf := buildFile(t, frame.CodecFlate, records...)
	d := append(tf.d, bytes.Repeat([]byte{0xab}, 100)...)
	res := scanBytes(t, d)
	assert.Equal(t, int64(len(tf.d)), res.ValidOffset)
	assert.Equal(t, int64(100), res.TrailingBytes())
	assert.Equal(t, frame.StopCorrupt, res.Stop)
	assert.True(t, res.Corruption != nil)
	// marker was written for the valid data
	assert.True(t, res.MarkerMatches)
}

func TestScanCorruptMiddle(t *testing.T) {
	tf := buildFile(t, frame.CodecNone, records...)
	tf.d[tf.offsets[1]+frame.FrameHeaderSize] ^= 0xff
	res := scanBytes(t, tf.d)
	assert.Equal(t, tf.offsets[1], res.ValidOffset)
	assert.Equal(t, 1, res.Frames)
	assert.Equal(t, frame.StopCorrupt, res.Stop)
}

func TestScanIgnoresMarker(t *testing.T) {
	tf := buildFile(t, frame.CodecFlate, records...)
	// stale marker, as left by a crash after fsync but before marker write
	copy(tf.d[frame.MarkerOffset:], frame.MarshalMarker(tf.offsets[1]))
	res := scanBytes(t, tf.d)
	assert.True(t, res.Clean())
	assert.Equal(t, len(records), res.Frames)
	assert.False(t, res.MarkerMatches)

	// torn marker
	tf.d[frame.MarkerOffset] ^= 0xff
	res = scanBytes(t, tf.d)
	assert.True(t, res.Clean())
	assert.False(t, res.Header.MarkerValid)
}

type failingReader struct {
	d       []byte
	failAt  int64
	readErr error
}

func (r *failingReader) ReadAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > r.failAt {
		return 0, r.readErr
	}
	return copy(p, r.d[off:]), nil
}

func TestScanReadError(t *testing.T) {
	tf := buildFile(t, frame.CodecFlate, records...)
	errDevice := errors.New("device error")
	fr := &failingReader{d: tf.d, failAt: tf.offsets[2], readErr: errDevice}
	_, err := Scan(fr, int64(len(tf.d)))
	assert.True(t, errors.Is(err, errDevice))

	fr.failAt = 4
	_, err = Scan(fr, int64(len(tf.d)))
	assert.True(t, errors.Is(err, errDevice))
}

func TestScanFile(t *testing.T) {
	tf := buildFile(t, frame.CodecFlate, records...)
	path := filepath.Join(t.TempDir(), "test.rlog")
	d := append(tf.d, 1, 2, 3)
	err := os.WriteFile(path, d, 0644)
	assert.NoError(t, err)

	res, err := ScanFile(path)
	assert.NoError(t, err)
	assert.Equal(t, int64(len(tf.d)), res.ValidOffset)
	assert.Equal(t, int64(3), res.TrailingBytes())

	// scanning doesn't modify the file
	d2, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Equal(t, d, d2)

	_, err = ScanFile(filepath.Join(t.TempDir(), "missing.rlog"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
