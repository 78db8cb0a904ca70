package appendlog

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/kjk/reclog/frame"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genRecords() gopter.Gen {
	rec := gen.AnyString().Map(func(s string) []byte {
		return []byte("r:" + s)
	})
	return gen.SliceOf(rec)
}

func readAllNoFail(l *Log) ([][]byte, error) {
	seq, errFn := l.ReadAll()
	var res [][]byte
	for d := range seq {
		res = append(res, d)
	}
	return res, errFn()
}

func sameRecords(a, b [][]byte) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func TestLogProperties(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping property-based test in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)
	dir := t.TempDir()
	n := 0
	newPath := func() string {
		n++
		return filepath.Join(dir, "prop", "log"+string(rune('a'+n%26))+".rlog")
	}

	// Property 1: read_all(write_each(P), close) == P
	properties.Property("round trip", prop.ForAll(
		func(records [][]byte, codecIdx int) bool {
			path := newPath()
			_ = os.Remove(path)
			codec := allCodecs[codecIdx]
			l, err := Open(path, &Options{Codec: codec, NoSync: true})
			if err != nil {
				return false
			}
			for _, rec := range records {
				if l.Append(rec) != nil {
					return false
				}
			}
			if l.Close() != nil {
				return false
			}
			l, err = Open(path, &Options{NoSync: true})
			if err != nil {
				return false
			}
			defer l.Close()
			got, err := readAllNoFail(l)
			return err == nil && sameRecords(records, got)
		},
		genRecords(),
		gen.IntRange(0, len(allCodecs)-1),
	))

	// Property 2: cutting the file anywhere in the last frame loses only that frame
	properties.Property("crash truncation", prop.ForAll(
		func(records [][]byte, next []byte, cutPercent int) bool {
			path := newPath()
			_ = os.Remove(path)
			l, err := Open(path, &Options{NoSync: true})
			if err != nil {
				return false
			}
			for _, rec := range records {
				if l.Append(rec) != nil {
					return false
				}
			}
			committed := l.Committed()
			if l.Append(next) != nil {
				return false
			}
			end := l.Committed()
			if l.Close() != nil {
				return false
			}
			cut := committed + (end-committed)*int64(cutPercent)/100
			if cut == end {
				cut--
			}
			if os.Truncate(path, cut) != nil {
				return false
			}

			l, err = Open(path, &Options{NoSync: true})
			if err != nil {
				return false
			}
			defer l.Close()
			got, err := readAllNoFail(l)
			if err != nil || !sameRecords(records, got) || l.Committed() != committed {
				return false
			}
			if l.Append(next) != nil {
				return false
			}
			got, err = readAllNoFail(l)
			return err == nil && sameRecords(append(records, next), got)
		},
		genRecords(),
		gen.AnyString().Map(func(s string) []byte { return []byte("next:" + s) }),
		gen.IntRange(0, 100),
	))

	// Property 3: opening and closing doesn't change the records
	properties.Property("idempotent recovery", prop.ForAll(
		func(records [][]byte, reopens int) bool {
			path := newPath()
			_ = os.Remove(path)
			l, err := Open(path, &Options{Codec: frame.CodecZstd, NoSync: true})
			if err != nil {
				return false
			}
			if len(records) > 0 && l.AppendBatch(records...) != nil {
				return false
			}
			_ = l.Close()
			for i := 0; i < reopens; i++ {
				l, err = Open(path, &Options{NoSync: true})
				if err != nil {
					return false
				}
				got, err := readAllNoFail(l)
				_ = l.Close()
				if err != nil || !sameRecords(records, got) {
					return false
				}
			}
			return true
		},
		genRecords(),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
