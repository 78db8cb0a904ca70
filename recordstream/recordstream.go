// Package recordstream stores JSON values as records of a log.
// Each record is a single JSON document, without a trailing newline.
package recordstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
)

// Appender is where records are written to. *appendlog.Log and *rotate.Log
// implement it.
type Appender interface {
	Append(payload []byte) error
}

// Writer writes JSON values to an Appender
type Writer struct {
	a Appender

	mu  sync.Mutex
	buf bytes.Buffer
	enc *json.Encoder
}

// NewWriter creates a writer
func NewWriter(a Appender) *Writer {
	w := &Writer{
		a: a,
	}
	w.enc = newEncoder(&w.buf)
	return w
}

func newEncoder(buf *bytes.Buffer) *json.Encoder {
	enc := json.NewEncoder(buf)
	// records are not html, "<" stays "<" and not "\u003c"
	enc.SetEscapeHTML(false)
	return enc
}

// Marshal serializes v the way Writer does it
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := newEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Write appends v as a record
func (w *Writer) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Reset()
	if err := w.enc.Encode(v); err != nil {
		return err
	}
	d := bytes.TrimSuffix(w.buf.Bytes(), []byte{'\n'})
	return w.a.Append(d)
}

// WriteKeyValues appends a record that is a JSON object built from
// key / value pairs: WriteKeyValues("name", "loss", "value", 0.25)
func (w *Writer) WriteKeyValues(args ...any) error {
	m, err := KeyValues(args...)
	if err != nil {
		return err
	}
	return w.Write(m)
}

// KeyValues builds a map from key / value pairs. Keys must be strings.
func KeyValues(args ...any) (map[string]any, error) {
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("odd number of arguments (%d), expected key / value pairs", len(args))
	}
	m := make(map[string]any, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		k, ok := args[i].(string)
		if !ok {
			return nil, fmt.Errorf("argument %d is %T, expected string key", i, args[i])
		}
		m[k] = args[i+1]
	}
	return m, nil
}

// Unmarshal decodes a record into v. Numbers decoded into interface values
// are json.Number so that integers don't lose precision.
func Unmarshal(d []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(d))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("record has data after the JSON value")
	}
	return nil
}

// Decode returns an iterator that decodes each payload as T.
// A record that fails to decode is yielded with an error and
// iteration continues with the next record.
func Decode[T any](seq iter.Seq[[]byte]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		i := 0
		for d := range seq {
			var v T
			err := Unmarshal(d, &v)
			if err != nil {
				err = fmt.Errorf("record %d: %w", i, err)
			}
			i++
			if !yield(v, err) {
				return
			}
		}
	}
}

// Objects decodes records that are JSON objects
func Objects(seq iter.Seq[[]byte]) iter.Seq2[map[string]any, error] {
	return Decode[map[string]any](seq)
}

// ReadAll decodes all records. errFn is the error function returned together
// with seq (e.g. by appendlog.ReadFile), it's checked after iteration.
func ReadAll[T any](seq iter.Seq[[]byte], errFn func() error) ([]T, error) {
	var res []T
	for v, err := range Decode[T](seq) {
		if err != nil {
			return res, err
		}
		res = append(res, v)
	}
	if errFn != nil {
		if err := errFn(); err != nil {
			return res, err
		}
	}
	return res, nil
}
