// Package appendlog implements a crash-safe, compressed, append-only log of
// records stored in a single file.
//
// Appending a record costs work proportional to the size of the record, not
// the size of the file: the new frame is compressed with the context of the
// current session and written at the end of the file. Previously written
// frames are never touched.
//
// An append is durable when Append returns: the frame is written and the file
// is synced before the commit marker in the header is updated. A crash at any
// point leaves the record either fully present or absent. Open scans the file,
// removes whatever follows the last valid frame and continues from there.
//
//	l, err := appendlog.Open("events.rlog", nil)
//	if err != nil {
//	    return err
//	}
//	defer l.Close()
//	err = l.Append([]byte(`{"event":"start"}`))
package appendlog
