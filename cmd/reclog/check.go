package main

import (
	"fmt"
	"io"

	"github.com/kjk/reclog/appendlog"
	"github.com/kjk/reclog/log"
	"github.com/kjk/reclog/recovery"
	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "check <file.rlog>...",
		Short: "Check that log files end with a complete frame",
		Long: `Check that log files end with a complete frame.

A file with data after the last valid frame (e.g. after a crash during
append) is reported. With --repair that data is removed, the same way
opening the file for appending does.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nBad := 0
			for _, path := range args {
				ok, err := checkFile(cmd.OutOrStdout(), path, repair)
				if err != nil {
					return err
				}
				if !ok {
					nBad++
				}
			}
			if nBad > 0 {
				return fmt.Errorf("%d of %d files need repair", nBad, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "remove invalid data at the end of files")
	return cmd
}

// checkFile returns false if the file has invalid data at the end and
// wasn't repaired
func checkFile(w io.Writer, path string, repair bool) (bool, error) {
	res, err := recovery.ScanFile(path)
	if err != nil {
		return false, err
	}
	fmt.Fprintf(w, "%s: %s\n", path, res)
	if res.Clean() {
		if !res.MarkerMatches {
			fmt.Fprintf(w, "%s: commit marker is stale\n", path)
		}
		return true, nil
	}
	if !repair {
		fmt.Fprintf(w, "%s: %d bytes after valid data\n", path, res.TrailingBytes())
		return false, nil
	}
	l, err := appendlog.Open(path, &appendlog.Options{Logf: log.Logf})
	if err != nil {
		return false, err
	}
	if err = l.Close(); err != nil {
		return false, err
	}
	fmt.Fprintf(w, "%s: removed %d bytes, %d frames left\n", path, res.TrailingBytes(), res.Frames)
	log.IfErrf(log.Event("repair", "path", path, "removed", res.TrailingBytes(), "frames", res.Frames))
	return true, nil
}
