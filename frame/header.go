package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// FormatVersion is the version of the file format we write
	FormatVersion = 1

	// HeaderSize is the size of the file header. Frames start right after it.
	HeaderSize = 40

	// MarkerOffset is where the commit marker lives in the file header.
	// It's the only part of the file that is ever over-written.
	MarkerOffset = 28
	// MarkerSize is committed length (8 bytes) + its checksum (4 bytes)
	MarkerSize = 12

	// FrameHeaderSize is the size of a frame header
	FrameHeaderSize = 17

	// MaxPayloadSize limits the size of a single record
	MaxPayloadSize = 64 * 1024 * 1024

	// flagReset marks a frame that starts a new compression context
	flagReset = 1 << 0
)

var (
	magic = [4]byte{'R', 'L', 'G', 1}

	// ErrBadHeader means the file doesn't start with a valid header
	ErrBadHeader = errors.New("not a reclog file")
	// ErrEmptyPayload is returned when encoding an empty payload
	ErrEmptyPayload = errors.New("empty payload")
	// ErrPayloadTooLarge is returned when payload is bigger than MaxPayloadSize
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrCodec is an internal compressor fault
	ErrCodec = errors.New("codec failure")
	// ErrCorrupt means a frame failed validation
	ErrCorrupt = errors.New("corrupt frame")
	// ErrIncomplete means there's not enough data for a whole frame (yet)
	ErrIncomplete = errors.New("incomplete frame")
)

// Header is the fixed-size header at the start of every log file.
//
// Layout (little endian):
//
//	magic:     [4]byte "RLG\x01"
//	version:   uint8
//	codec:     uint8
//	reserved:  [2]byte
//	id:        [16]byte
//	crc:       uint32   // crc32c of bytes 0..24
//	committed: int64    // commit marker
//	crc:       uint32   // crc32c of committed
type Header struct {
	Version uint8
	Codec   Codec
	ID      uuid.UUID

	// Committed is the last committed length recorded in the file.
	// It's a cache, only valid if MarkerValid is true.
	Committed   int64
	MarkerValid bool
}

// NewHeader creates a header for a new, empty file
func NewHeader(codec Codec) *Header {
	return &Header{
		Version:     FormatVersion,
		Codec:       codec,
		ID:          uuid.New(),
		Committed:   HeaderSize,
		MarkerValid: true,
	}
}

// Marshal serializes the header
func (h *Header) Marshal() []byte {
	d := make([]byte, HeaderSize)
	copy(d[0:4], magic[:])
	d[4] = h.Version
	d[5] = byte(h.Codec)
	copy(d[8:24], h.ID[:])
	binary.LittleEndian.PutUint32(d[24:28], checksum(d[0:24]))
	copy(d[MarkerOffset:], MarshalMarker(h.Committed))
	return d
}

// MarshalMarker serializes the commit marker, to be written at MarkerOffset
func MarshalMarker(committed int64) []byte {
	d := make([]byte, MarkerSize)
	binary.LittleEndian.PutUint64(d[0:8], uint64(committed))
	binary.LittleEndian.PutUint32(d[8:12], checksum(d[0:8]))
	return d
}

// ParseHeader parses file header. A damaged commit marker is not an error,
// it just sets MarkerValid to false.
func ParseHeader(d []byte) (*Header, error) {
	if len(d) < HeaderSize {
		return nil, fmt.Errorf("%w: header is %d bytes, expected %d", ErrBadHeader, len(d), HeaderSize)
	}
	if [4]byte(d[0:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrBadHeader, d[0:4])
	}
	if binary.LittleEndian.Uint32(d[24:28]) != checksum(d[0:24]) {
		return nil, fmt.Errorf("%w: header checksum mismatch", ErrBadHeader)
	}
	h := &Header{
		Version: d[4],
		Codec:   Codec(d[5]),
	}
	if h.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadHeader, h.Version)
	}
	if !h.Codec.Valid() {
		return nil, fmt.Errorf("%w: unknown codec %d", ErrBadHeader, d[5])
	}
	copy(h.ID[:], d[8:24])

	m := d[MarkerOffset : MarkerOffset+MarkerSize]
	committed := int64(binary.LittleEndian.Uint64(m[0:8]))
	if binary.LittleEndian.Uint32(m[8:12]) == checksum(m[0:8]) && committed >= HeaderSize {
		h.Committed = committed
		h.MarkerValid = true
	}
	return h, nil
}

// frameHeader layout (little endian):
//
//	flags:   uint8
//	compLen: uint32
//	rawLen:  uint32
//	rawCRC:  uint32  // crc32c of raw payload
//	hdrCRC:  uint32  // crc32c of the 13 bytes above
type frameHeader struct {
	flags   byte
	compLen uint32
	rawLen  uint32
	rawCRC  uint32
}

func (fh *frameHeader) isReset() bool {
	return fh.flags&flagReset != 0
}

func (fh *frameHeader) size() int {
	return FrameHeaderSize + int(fh.compLen)
}

func putFrameHeader(d []byte, fh *frameHeader) {
	d[0] = fh.flags
	binary.LittleEndian.PutUint32(d[1:5], fh.compLen)
	binary.LittleEndian.PutUint32(d[5:9], fh.rawLen)
	binary.LittleEndian.PutUint32(d[9:13], fh.rawCRC)
	binary.LittleEndian.PutUint32(d[13:17], checksum(d[0:13]))
}

func parseFrameHeader(d []byte, fh *frameHeader) error {
	panicIf(len(d) < FrameHeaderSize)
	if binary.LittleEndian.Uint32(d[13:17]) != checksum(d[0:13]) {
		return fmt.Errorf("%w: header checksum mismatch", ErrCorrupt)
	}
	fh.flags = d[0]
	fh.compLen = binary.LittleEndian.Uint32(d[1:5])
	fh.rawLen = binary.LittleEndian.Uint32(d[5:9])
	fh.rawCRC = binary.LittleEndian.Uint32(d[9:13])
	if fh.flags&^flagReset != 0 {
		return fmt.Errorf("%w: unknown flags 0x%x", ErrCorrupt, fh.flags)
	}
	if fh.rawLen == 0 || fh.rawLen > MaxPayloadSize {
		return fmt.Errorf("%w: invalid payload size %d", ErrCorrupt, fh.rawLen)
	}
	if fh.compLen > maxCompressedSize {
		return fmt.Errorf("%w: invalid compressed size %d", ErrCorrupt, fh.compLen)
	}
	return nil
}

// worst case expansion of incompressible data is small for all codecs
// but we leave plenty of room
const maxCompressedSize = MaxPayloadSize + MaxPayloadSize/8 + 1024
