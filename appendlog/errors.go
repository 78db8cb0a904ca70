package appendlog

import (
	"errors"
	"fmt"

	"github.com/kjk/reclog/frame"
)

var (
	// ErrIO matches an *AppendError of kind IoFailure
	ErrIO = errors.New("i/o failure")
	// ErrCodec matches an *AppendError of kind CodecFailure.
	// It's the same as frame.ErrCodec.
	ErrCodec = frame.ErrCodec
	// ErrClosed is returned when using a closed log
	ErrClosed = errors.New("log is closed")
)

// ErrorKind classifies append failures
type ErrorKind int

const (
	// IoFailure means writing or syncing the file failed. The file was
	// restored to the committed length and the log can be used again.
	IoFailure ErrorKind = iota + 1
	// CodecFailure means the compressor failed. The log can't be used
	// anymore and should be closed.
	CodecFailure
)

func (k ErrorKind) String() string {
	switch k {
	case IoFailure:
		return "io"
	case CodecFailure:
		return "codec"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// AppendError is returned by Append when the record was not committed
type AppendError struct {
	Kind ErrorKind
	Err  error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append failed (%s): %s", e.Kind, e.Err)
}

func (e *AppendError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is(err, ErrIO) and errors.Is(err, ErrCodec)
func (e *AppendError) Is(target error) bool {
	switch target {
	case ErrIO:
		return e.Kind == IoFailure
	case ErrCodec:
		return e.Kind == CodecFailure
	}
	return false
}
