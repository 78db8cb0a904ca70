package log

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert"
	"github.com/kjk/reclog/appendlog"
	"github.com/kjk/reclog/recordstream"
	"github.com/kjk/reclog/rotate"
)

func initTest(t *testing.T) (string, *bytes.Buffer) {
	dir := t.TempDir()
	var out bytes.Buffer
	prev := Output
	Output = &out
	Init(&Config{Dir: dir})
	t.Cleanup(func() {
		Close()
		Output = prev
	})
	return dir, &out
}

func readEvents(t *testing.T, dir string) []map[string]any {
	paths, err := filepath.Glob(filepath.Join(dir, "events", "*"+rotate.Ext))
	assert.NoError(t, err)
	assert.Equal(t, 1, len(paths))
	seq, errFn := appendlog.ReadFile(paths[0])
	res, err := recordstream.ReadAll[map[string]any](seq, errFn)
	assert.NoError(t, err)
	return res
}

func TestWriteDaily(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	w := NewWriteDaily(dir)
	w.Now = func() time.Time { return now }

	assert.NoError(t, w.WriteString("one\n"))
	assert.NoError(t, w.WriteString("two\n"))
	now = now.Add(2 * time.Minute)
	assert.NoError(t, w.WriteString("three\n"))
	assert.NoError(t, w.Close())
	// close is idempotent
	assert.NoError(t, w.Close())

	d, err := os.ReadFile(filepath.Join(dir, "2024-03-01.txt"))
	assert.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(d))
	d, err = os.ReadFile(filepath.Join(dir, "2024-03-02.txt"))
	assert.NoError(t, err)
	assert.Equal(t, "three\n", string(d))

	var nilW *WriteDaily
	assert.NoError(t, nilW.WriteString("ignored"))
	assert.NoError(t, nilW.Close())
}

func TestLogf(t *testing.T) {
	dir, out := initTest(t)
	var hooked []string
	onLog = func(s string) { hooked = append(hooked, s) }

	Logf("hello %d\n", 5)
	Logf("no args\n")
	Verbose = false
	Verbosef("quiet\n")
	Verbose = true
	Verbosef("loud\n")
	Verbose = false

	assert.Equal(t, "hello 5\nno args\nloud\n", out.String())
	assert.Equal(t, 3, len(hooked))

	Close()
	paths, err := filepath.Glob(filepath.Join(dir, "log", "*.txt"))
	assert.NoError(t, err)
	assert.Equal(t, 1, len(paths))
	d, err := os.ReadFile(paths[0])
	assert.NoError(t, err)
	assert.Equal(t, out.String(), string(d))
}

func TestErrorf(t *testing.T) {
	dir, out := initTest(t)
	assert.False(t, IfErrf(nil))
	assert.True(t, IfErrf(errors.New("disk full")))
	assert.True(t, IfErrf(errors.New("ignored"), "append to %s failed", "a.rlog"))

	s := out.String()
	assert.True(t, strings.Contains(s, "disk full\n"))
	assert.True(t, strings.Contains(s, "append to a.rlog failed\n"))
	// callstack includes this file
	assert.True(t, strings.Contains(s, "log_test.go:"))

	Close()
	paths, err := filepath.Glob(filepath.Join(dir, "errors", "*.txt"))
	assert.NoError(t, err)
	assert.Equal(t, 1, len(paths))
	d, err := os.ReadFile(paths[0])
	assert.NoError(t, err)
	assert.True(t, strings.Contains(string(d), "disk full"))
}

func TestCallstack(t *testing.T) {
	frames := GetCallstackFrames(1)
	assert.True(t, len(frames) > 0)
	assert.True(t, strings.Contains(frames[0], "log_test.go:"), "frame: %s", frames[0])
}

func TestEvents(t *testing.T) {
	dir, _ := initTest(t)
	assert.NoError(t, Event("upload", "file", "a.rlog", "size", 1234))
	assert.NoError(t, EventWithDuration("scan", 1500*time.Microsecond, "frames", 3))
	assert.NoError(t, EventMap(map[string]any{"x": true}))
	assert.NoError(t, EventJSON([]byte(`{"name":"client","ts":42}`)))
	assert.Error(t, EventJSON([]byte(`[1,2]`)))
	assert.Error(t, EventJSON([]byte(`null`)))
	assert.Error(t, Event("bad", "odd"))
	Close()

	events := readEvents(t, dir)
	assert.Equal(t, 4, len(events))
	e := events[0]
	assert.Equal(t, "upload", e["name"])
	assert.Equal(t, "a.rlog", e["file"])
	assert.Equal(t, "1234", e["size"].(interface{ String() string }).String())
	_, hasTs := e["ts"]
	assert.True(t, hasTs)

	assert.Equal(t, "scan", events[1]["name"])
	assert.Equal(t, "1500", events[1]["durmicro"].(interface{ String() string }).String())
	assert.Equal(t, "_js", events[2]["name"])
	assert.Equal(t, "client", events[3]["name"])
	assert.Equal(t, "42", events[3]["ts"].(interface{ String() string }).String())
}

func TestEventsWithoutInit(t *testing.T) {
	// without Init events are dropped
	assert.NoError(t, Event("nowhere", "a", 1))
}

func TestHandleEventJSON(t *testing.T) {
	dir, _ := initTest(t)
	srv := httptest.NewServer(http.HandlerFunc(HandleEventJSON))
	defer srv.Close()

	rsp, err := http.Post(srv.URL, "application/json", strings.NewReader(`{"name":"remote","n":1}`))
	assert.NoError(t, err)
	rsp.Body.Close()
	assert.Equal(t, http.StatusOK, rsp.StatusCode)

	rsp, err = http.Post(srv.URL, "application/json", strings.NewReader(`not json`))
	assert.NoError(t, err)
	rsp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, rsp.StatusCode)

	rsp, err = http.Get(srv.URL)
	assert.NoError(t, err)
	rsp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, rsp.StatusCode)

	Close()
	events := readEvents(t, dir)
	assert.Equal(t, 1, len(events))
	assert.Equal(t, "remote", events[0]["name"])
}
