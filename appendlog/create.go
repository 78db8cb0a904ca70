package appendlog

import (
	"os"
	"path/filepath"

	"github.com/kjk/reclog/frame"
)

// createFile creates a log file with just the header. The file shows up at
// path only when it's complete: we write to a temporary file in the same
// directory, sync it and rename it.
// Some references:
// - https://www.slideshare.net/nan1nan1/eat-my-data
// - https://lwn.net/Articles/457667/
func createFile(path string, hdr *frame.Header, sync bool) error {
	dir, fName := filepath.Split(path)
	dir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if fName == "" {
		return &os.PathError{Op: "create", Path: path, Err: os.ErrInvalid}
	}
	tmpFile, err := os.CreateTemp(dir, fName+".tmp*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	didRename := false
	defer func() {
		if !didRename {
			// ignoring error on this one
			_ = os.Remove(tmpPath)
		}
	}()

	_, err = tmpFile.Write(hdr.Marshal())
	if err == nil && sync {
		err = tmpFile.Sync()
	}
	// https://www.joeshaw.org/dont-defer-close-on-writable-files/
	errClose := tmpFile.Close()
	if err == nil {
		err = errClose
	}
	if err != nil {
		return err
	}

	// another process might have created the file in the meantime,
	// so we don't over-write it
	if err = os.Link(tmpPath, path); err != nil {
		if os.IsExist(err) {
			return nil
		}
		// no hard links on this filesystem
		if err = os.Rename(tmpPath, path); err != nil {
			return err
		}
		didRename = true
	}
	if sync {
		syncDir(dir)
	}
	return nil
}

// for extra protection against crashes elsewhere, sync directory after
// creating a file in it
func syncDir(dir string) {
	fdir, _ := os.Open(dir)
	if fdir != nil {
		// ignore errors as those are a nice have, not must have
		_ = fdir.Sync()
		_ = fdir.Close()
	}
}
