package log

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kjk/reclog/recordstream"
	"github.com/kjk/reclog/rotate"
)

var (
	logFile   *WriteDaily
	errorsLog *WriteDaily

	eventsMu  sync.Mutex
	eventsDir string
	eventsLog *rotate.Log
	events    *recordstream.Writer

	onLog func(s string)

	// if true, Verbosef() will log messages
	Verbose bool

	// Output is where Logf() prints. It's stderr so that it doesn't mix
	// with records printed to stdout.
	Output io.Writer = os.Stderr
)

// WriteDaily writes text to a file per day: <Dir>/<yyyy-mm-dd>.txt
type WriteDaily struct {
	Dir string
	// Now returns current time, time.Now if not set
	Now func() time.Time

	mu          sync.Mutex
	currentDate string
	file        *os.File
}

func NewWriteDaily(dir string) *WriteDaily {
	return &WriteDaily{
		Dir: dir,
	}
}

func (w *WriteDaily) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

// Path returns path of the file for t
func (w *WriteDaily) Path(t time.Time) string {
	return filepath.Join(w.Dir, t.UTC().Format("2006-01-02")+".txt")
}

func (w *WriteDaily) close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.currentDate = ""
	return err
}

// Write writes data to today's file, creating it if needed.
// It's safe to call on nil receiver.
func (w *WriteDaily) Write(d []byte) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	today := now.Format("2006-01-02")
	if w.file != nil && w.currentDate != today {
		if err := w.close(); err != nil {
			return err
		}
	}
	if w.file == nil {
		if err := os.MkdirAll(w.Dir, 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(w.Path(now), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		w.file = f
		w.currentDate = today
	}
	_, err := w.file.Write(d)
	return err
}

// WriteString writes a string to today's file
func (w *WriteDaily) WriteString(s string) error {
	return w.Write([]byte(s))
}

// Close closes the current file. It's safe to call on nil receiver.
func (w *WriteDaily) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		_ = w.file.Sync()
	}
	return w.close()
}

type Config struct {
	// directory where log files are stored.
	// text logs go to log/ and errors/, events to events/
	Dir string
	// called for every Logf() call
	// allows sending logs to other places
	OnLog func(s string)
}

// Init initializes the logging system. Without Init we only print.
func Init(config *Config) {
	dir := config.Dir
	logFile = NewWriteDaily(filepath.Join(dir, "log"))
	errorsLog = NewWriteDaily(filepath.Join(dir, "errors"))
	onLog = config.OnLog

	eventsMu.Lock()
	// the events log is created on first Event()
	eventsDir = filepath.Join(dir, "events")
	eventsMu.Unlock()
}

// Close closes all log files
func Close() {
	_ = logFile.Close()
	_ = errorsLog.Close()
	logFile = nil
	errorsLog = nil

	eventsMu.Lock()
	defer eventsMu.Unlock()
	if eventsLog != nil {
		if err := eventsLog.Close(); err != nil {
			fmt.Fprintf(Output, "closing events log failed with '%s'\n", err)
		}
	}
	eventsLog = nil
	events = nil
	eventsDir = ""
}

func Logf(s string, args ...any) {
	if len(args) > 0 {
		s = fmt.Sprintf(s, args...)
	}
	fmt.Fprint(Output, s)
	_ = logFile.WriteString(s)
	if onLog != nil {
		onLog(s)
	}
}

func Verbosef(format string, args ...any) {
	if !Verbose {
		return
	}
	Logf(format, args...)
}

func GetCallstackFrames(skip int) []string {
	var callers [32]uintptr
	n := runtime.Callers(skip+1, callers[:])
	frames := runtime.CallersFrames(callers[:n])
	var cs []string
	for {
		frame, more := frames.Next()
		if !more {
			break
		}
		s := frame.File + ":" + strconv.Itoa(frame.Line)
		cs = append(cs, s)
	}
	return cs
}

func GetCallstack(skip int) string {
	frames := GetCallstackFrames(skip + 1)
	return strings.Join(frames, "\n")
}

// Errorf logs an error message along with the callstack.
// Errors also go to a separate errors log.
func Errorf(s string, args ...any) {
	if len(args) > 0 {
		s = fmt.Sprintf(s, args...)
	}
	cs := GetCallstack(1)
	s = fmt.Sprintf("%s\n%s\n", s, cs)
	Logf("%s", s)
	_ = errorsLog.WriteString(s)
}

// if err != nil, log and return true
// IfErrf(err) => logs err.Error()
// IfErrf(err, "error is: %v", err) => logs message formatted
func IfErrf(err error, a ...any) bool {
	if err == nil {
		return false
	}
	if len(a) == 0 {
		Errorf("%s", err.Error())
		return true
	}
	s, ok := a[0].(string)
	if !ok {
		// shouldn't happen but just in case
		s = fmt.Sprintf("%s", a[0])
	}
	if len(a) > 1 {
		s = fmt.Sprintf(s, a[1:]...)
	}
	Errorf("%s", s)
	return true
}

// must be called with eventsMu held
func getEventsWriter() (*recordstream.Writer, error) {
	if events != nil {
		return events, nil
	}
	if eventsDir == "" {
		return nil, nil
	}
	l, err := rotate.NewDaily(eventsDir, "", nil)
	if err != nil {
		return nil, err
	}
	eventsLog = l
	events = recordstream.NewWriter(l)
	return events, nil
}

func writeEvent(m map[string]any) error {
	eventsMu.Lock()
	defer eventsMu.Unlock()
	w, err := getEventsWriter()
	if err != nil || w == nil {
		return err
	}
	return w.Write(m)
}

// Event logs an event as a JSON record in events log:
// {"name": name, "ts": <unix ms>, key1: val1, ...}
func Event(name string, vals ...any) error {
	m, err := recordstream.KeyValues(vals...)
	if err != nil {
		return err
	}
	m["name"] = name
	return EventMap(m)
}

// EventMap logs m as an event. If m has no "name", it's "_js".
// "ts" is set to current time unless present.
func EventMap(m map[string]any) error {
	if _, ok := m["name"].(string); !ok {
		m["name"] = "_js"
	}
	if _, ok := m["ts"]; !ok {
		m["ts"] = time.Now().UTC().UnixMilli()
	}
	return writeEvent(m)
}

// EventJSON logs event we presume is a JSON object
func EventJSON(d []byte) error {
	var m map[string]any
	if err := recordstream.Unmarshal(d, &m); err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("event is not a JSON object")
	}
	return EventMap(m)
}

func EventWithDuration(name string, dur time.Duration, vals ...any) error {
	vals = append(vals, "durmicro", dur.Microseconds())
	return Event(name, vals...)
}

// HandleEventJSON logs the body of a POST request as an event.
// It can receive records sent by tail.HTTPForwarder.
func HandleEventJSON(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	d, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = EventJSON(d); err != nil {
		Logf("HandleEventJSON: %s\n", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	serveJSONStatus(w, map[string]any{"Message": "ok"}, http.StatusOK)
}

func serveJSONStatus(w http.ResponseWriter, v any, statusCode int) {
	d, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write(d)
}
