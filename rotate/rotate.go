// Package rotate writes records to a series of logs, starting a new log
// file every day or hour.
package rotate

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/kjk/reclog/appendlog"
)

// Ext is the extension of log files
const Ext = ".rlog"

type Config struct {
	// DidClose is called after a log file was closed, either because we
	// rotated to a new file (didRotate is true) or because of Close()
	DidClose func(path string, didRotate bool)
	// PathIfShouldRotate returns path of a new file if we should rotate,
	// "" otherwise. creationTime is when the current file was opened,
	// zero if there's no current file.
	PathIfShouldRotate func(creationTime time.Time, now time.Time) string
	// Options for opening log files, can be nil
	Options *appendlog.Options
	// Now returns current time, time.Now if not set
	Now func() time.Time
}

// Log appends records to the current log file
type Log struct {
	mu sync.Mutex

	// Path is the path of the current file
	Path string

	creationTime time.Time
	config       Config
	l            *appendlog.Log
}

func IsSameDay(t1, t2 time.Time) bool {
	return t1.Year() == t2.Year() && t1.YearDay() == t2.YearDay()
}

func IsSameHour(t1, t2 time.Time) bool {
	return IsSameDay(t1, t2) && t1.Hour() == t2.Hour()
}

// New creates a rotating log and opens the first file
func New(config *Config) (*Log, error) {
	if config == nil {
		return nil, fmt.Errorf("must provide config")
	}
	if config.PathIfShouldRotate == nil {
		return nil, fmt.Errorf("must provide config.PathIfShouldRotate")
	}
	l := &Log{
		config: *config,
	}
	if l.config.Now == nil {
		l.config.Now = time.Now
	}
	if err := l.reopenIfNeeded(); err != nil {
		return nil, err
	}
	return l, nil
}

func MakeDailyRotateInDir(dir string, prefix string) func(time.Time, time.Time) string {
	return func(creationTime time.Time, now time.Time) string {
		if IsSameDay(creationTime, now) {
			return ""
		}
		name := prefix + now.Format("2006-01-02") + Ext
		return filepath.Join(dir, name)
	}
}

func MakeHourlyRotateInDir(dir string, prefix string) func(time.Time, time.Time) string {
	return func(creationTime time.Time, now time.Time) string {
		if IsSameHour(creationTime, now) {
			return ""
		}
		name := prefix + now.Format("2006-01-02_15") + Ext
		return filepath.Join(dir, name)
	}
}

// NewDaily creates a log rotating daily in a given directory
func NewDaily(dir string, prefix string, didClose func(path string, didRotate bool)) (*Log, error) {
	config := Config{
		DidClose:           didClose,
		PathIfShouldRotate: MakeDailyRotateInDir(dir, prefix),
	}
	return New(&config)
}

// NewHourly creates a log rotating hourly in a given directory
func NewHourly(dir string, prefix string, didClose func(path string, didRotate bool)) (*Log, error) {
	config := Config{
		DidClose:           didClose,
		PathIfShouldRotate: MakeHourlyRotateInDir(dir, prefix),
	}
	return New(&config)
}

func (l *Log) close(didRotate bool) error {
	if l.l == nil {
		return nil
	}
	err := l.l.Close()
	l.l = nil
	if err == nil && l.config.DidClose != nil {
		l.config.DidClose(l.Path, didRotate)
	}
	return err
}

func (l *Log) reopenIfNeeded() error {
	now := l.config.Now()
	newPath := l.config.PathIfShouldRotate(l.creationTime, now)
	if newPath == "" && l.l != nil {
		return nil
	}
	if newPath == "" {
		// Close() was called, continue with the same file
		newPath = l.Path
	}
	if newPath == "" {
		return fmt.Errorf("PathIfShouldRotate didn't return a path for the first file")
	}
	if err := l.close(true); err != nil {
		return err
	}
	// appendlog.Open creates the directory
	al, err := appendlog.Open(newPath, l.config.Options)
	if err != nil {
		return err
	}
	l.l = al
	l.Path = newPath
	l.creationTime = now
	return nil
}

// Append appends a record to the current file
func (l *Log) Append(payload []byte) error {
	_, _, err := l.Append2(payload)
	return err
}

// Append2 appends a record and returns the path of the file it was
// written to and the offset of its frame
func (l *Log) Append2(payload []byte) (string, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.reopenIfNeeded(); err != nil {
		return "", 0, err
	}
	off, err := l.l.Append2(payload)
	return l.Path, off, err
}

// Close closes the current file. Appending after Close re-opens it.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.close(false)
}
