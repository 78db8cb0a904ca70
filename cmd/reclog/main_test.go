package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert"
	"github.com/kjk/reclog/appendlog"
	"github.com/kjk/reclog/frame"
	"github.com/kjk/reclog/recovery"
)

func runCmd(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

const testRecords = `{"name":"train","epoch":1,"loss":0.5}

{"name":"train","epoch":2,"loss":0.25}
  {"name":"eval","accuracy":0.875}
`

func TestParseConfig(t *testing.T) {
	c, err := parseConfig([]byte(`
codec: zstd
level: 3
no_sync: true
metrics_addr: ":9090"
archive:
  bucket: logs
  prefix: prod
tail:
  publish: tcp://127.0.0.1:40899
  topic: train
  poll_ms: 50
`))
	assert.NoError(t, err)
	assert.Equal(t, "zstd", c.Codec)
	assert.Equal(t, 3, c.Level)
	assert.True(t, c.NoSync)
	assert.Equal(t, ":9090", c.MetricsAddr)
	assert.Equal(t, "logs", c.Archive.Bucket)
	assert.Equal(t, "prod", c.Archive.Prefix)
	assert.Equal(t, "train", c.Tail.Topic)
	assert.Equal(t, 50, c.Tail.PollMs)

	opts, err := c.logOptions(nil)
	assert.NoError(t, err)
	assert.Equal(t, frame.CodecZstd, opts.Codec)
	assert.Equal(t, 3, opts.Level)

	_, err = parseConfig([]byte("codec: lzma\n"))
	assert.Error(t, err)
	_, err = parseConfig([]byte("level: [1"))
	assert.Error(t, err)

	c, err = loadConfig("")
	assert.NoError(t, err)
	assert.Equal(t, "", c.Codec)
	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestArchiveConfigFromEnv(t *testing.T) {
	t.Setenv("RECLOG_S3_ACCESS", "access-from-env")
	t.Setenv("RECLOG_S3_SECRET", "secret-from-env")
	c := ArchiveConfig{Bucket: "logs", Secret: "secret"}
	ac := c.archiveConfig()
	assert.Equal(t, "access-from-env", ac.Access)
	assert.Equal(t, "secret", ac.Secret)
	assert.Equal(t, "logs", ac.Bucket)
}

func TestAppendAndCat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.rlog")
	_, err := runCmd(t, testRecords, "append", "--no-sync", path)
	assert.NoError(t, err)

	out, err := runCmd(t, "", "cat", path)
	assert.NoError(t, err)
	exp := `{"name":"train","epoch":1,"loss":0.5}
{"name":"train","epoch":2,"loss":0.25}
{"name":"eval","accuracy":0.875}
`
	assert.Equal(t, exp, out)

	// appending again continues the same file
	_, err = runCmd(t, `{"name":"done"}`, "append", "--no-sync", path)
	assert.NoError(t, err)
	out, err = runCmd(t, "", "cat", "--limit", "2", path, path)
	assert.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "\n"))
	out, err = runCmd(t, "", "cat", path, path)
	assert.NoError(t, err)
	assert.Equal(t, 8, strings.Count(out, "\n"))

	out, err = runCmd(t, "", "cat", "--pretty", path)
	assert.NoError(t, err)
	assert.True(t, strings.Contains(out, `"epoch": 2`), "out: %s", out)

	out, err = runCmd(t, "", "cat", "--format", "toon", path)
	assert.NoError(t, err)
	assert.True(t, strings.Contains(out, "accuracy: 0.875"), "out: %s", out)
	assert.True(t, strings.Contains(out, "epoch: 1"), "out: %s", out)

	_, err = runCmd(t, "", "cat", "--format", "xml", path)
	assert.Error(t, err)
	_, err = runCmd(t, "", "cat")
	assert.Error(t, err)
}

func TestAppendInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.rlog")
	_, err := runCmd(t, "{\"a\":1}\nnot json\n{\"b\":2}\n", "append", "--no-sync", path)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "line 2"), "err: %s", err)

	seq, errFn := appendlog.ReadFile(path)
	n := 0
	for range seq {
		n++
	}
	assert.NoError(t, errFn())
	assert.Equal(t, 1, n)

	path2 := filepath.Join(t.TempDir(), "skip.rlog")
	_, err = runCmd(t, "{\"a\":1}\nnot json\n{\"b\":2}", "append", "--no-sync", "--skip-invalid", path2)
	assert.NoError(t, err)
	out, err := runCmd(t, "", "cat", path2)
	assert.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}\n", out)
}

func TestAppendTargets(t *testing.T) {
	dir := t.TempDir()
	_, err := runCmd(t, testRecords, "append")
	assert.Error(t, err)
	_, err = runCmd(t, testRecords, "append", "--daily", dir, filepath.Join(dir, "x.rlog"))
	assert.Error(t, err)
	_, err = runCmd(t, testRecords, "append", "--upload", filepath.Join(dir, "x.rlog"))
	assert.Error(t, err)

	_, err = runCmd(t, testRecords, "append", "--no-sync", "--daily", dir, "--prefix", "train-")
	assert.NoError(t, err)
	paths, err := filepath.Glob(filepath.Join(dir, "train-*.rlog"))
	assert.NoError(t, err)
	assert.Equal(t, 1, len(paths))
	res, err := recovery.ScanFile(paths[0])
	assert.NoError(t, err)
	assert.Equal(t, 3, res.Frames)
}

func TestCodecFromConfigAndFlags(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "reclog.yaml")
	err := os.WriteFile(configPath, []byte("codec: zstd\nno_sync: true\n"), 0644)
	assert.NoError(t, err)

	p1 := filepath.Join(dir, "1.rlog")
	_, err = runCmd(t, testRecords, "--config", configPath, "append", p1)
	assert.NoError(t, err)
	res, err := recovery.ScanFile(p1)
	assert.NoError(t, err)
	assert.Equal(t, frame.CodecZstd, res.Header.Codec)

	p2 := filepath.Join(dir, "2.rlog")
	_, err = runCmd(t, testRecords, "--config", configPath, "append", "--codec", "snappy", p2)
	assert.NoError(t, err)
	res, err = recovery.ScanFile(p2)
	assert.NoError(t, err)
	assert.Equal(t, frame.CodecSnappy, res.Header.Codec)
	assert.Equal(t, 3, res.Frames)

	_, err = runCmd(t, testRecords, "append", "--codec", "lzma", filepath.Join(dir, "3.rlog"))
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.rlog")
	_, err := runCmd(t, testRecords, "append", "--no-sync", path)
	assert.NoError(t, err)
	out, err := runCmd(t, "", "check", path)
	assert.NoError(t, err)
	assert.True(t, strings.Contains(out, "3 frames"), "out: %s", out)

	// simulate a crash in the middle of writing a frame
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	assert.NoError(t, err)
	_, err = f.Write([]byte{0, 12, 0, 0})
	assert.NoError(t, err)
	assert.NoError(t, f.Close())

	out, err = runCmd(t, "", "check", path)
	assert.Error(t, err)
	assert.True(t, strings.Contains(out, "4 bytes after valid data"), "out: %s", out)

	out, err = runCmd(t, "", "check", "--repair", path)
	assert.NoError(t, err)
	assert.True(t, strings.Contains(out, "removed 4 bytes"), "out: %s", out)

	res, err := recovery.ScanFile(path)
	assert.NoError(t, err)
	assert.True(t, res.Clean())
	assert.True(t, res.MarkerMatches)
	assert.Equal(t, 3, res.Frames)

	_, err = runCmd(t, "", "check", filepath.Join(t.TempDir(), "missing.rlog"))
	assert.Error(t, err)
}

func TestEvents(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	path := filepath.Join(dir, "a.rlog")
	_, err := runCmd(t, testRecords, "--log-dir", logDir, "append", "--no-sync", path)
	assert.NoError(t, err)

	paths, err := filepath.Glob(filepath.Join(logDir, "events", "*.rlog"))
	assert.NoError(t, err)
	assert.Equal(t, 1, len(paths))
	out, err := runCmd(t, "", "cat", paths[0])
	assert.NoError(t, err)
	var m map[string]any
	assert.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, "append", m["name"])
	assert.Equal(t, float64(3), m["records"])
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tail.rlog")
	_, err := runCmd(t, testRecords, "append", "--no-sync", path)
	assert.NoError(t, err)

	c := &Config{Tail: TailConfig{PollMs: 10}}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	err = runTail(ctx, c, &tailOptions{Offsets: true}, path, &out)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "err: %v", err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, 3, len(lines))
	assert.True(t, strings.HasPrefix(lines[0], "40\t{"), "line: %s", lines[0])
	assert.True(t, strings.HasSuffix(lines[2], `{"name":"eval","accuracy":0.875}`))

	err = runTail(context.Background(), c, &tailOptions{}, "", &out)
	assert.Error(t, err)
	err = runTail(context.Background(), c, &tailOptions{Subscribe: "inproc://x"}, path, &out)
	assert.Error(t, err)
}

func TestPlainNumbers(t *testing.T) {
	v := map[string]any{
		"i": json.Number("12"),
		"f": json.Number("0.5"),
		"a": []any{json.Number("1"), "s"},
	}
	plainNumbers(v)
	assert.Equal(t, int64(12), v["i"])
	assert.Equal(t, 0.5, v["f"])
	assert.Equal(t, []any{int64(1), "s"}, v["a"])
}
