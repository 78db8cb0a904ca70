package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/kjk/reclog/appendlog"
	"github.com/kjk/reclog/recordstream"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
	"github.com/toon-format/toon-go"
)

type catOptions struct {
	Pretty bool
	Format string
	Limit  int
}

func newCatCmd() *cobra.Command {
	var opts catOptions
	cmd := &cobra.Command{
		Use:   "cat <file.rlog>...",
		Short: "Print records of log files, one per line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch opts.Format {
			case "json", "toon":
			default:
				return fmt.Errorf("invalid --format '%s', use json|toon", opts.Format)
			}
			w := bufio.NewWriter(cmd.OutOrStdout())
			defer w.Flush()
			n := 0
			for _, path := range args {
				var err error
				n, err = catFile(w, path, &opts, n)
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Pretty, "pretty", false, "pretty-print json records")
	cmd.Flags().StringVar(&opts.Format, "format", "json", "output format: json|toon")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "stop after printing that many records")
	return cmd
}

// catFile prints records of path, n is the number of records printed so far.
// Returns updated n.
func catFile(w io.Writer, path string, opts *catOptions, n int) (int, error) {
	seq, errFn := appendlog.ReadFile(path)
	for d := range seq {
		if opts.Limit > 0 && n >= opts.Limit {
			break
		}
		out, err := formatRecord(d, opts)
		if err != nil {
			return n, fmt.Errorf("%s: record %d: %w", path, n, err)
		}
		if _, err = w.Write(out); err != nil {
			return n, err
		}
		n++
	}
	if err := errFn(); err != nil {
		return n, fmt.Errorf("%s: %w", path, err)
	}
	return n, nil
}

func formatRecord(d []byte, opts *catOptions) ([]byte, error) {
	if opts.Format == "toon" {
		var v any
		if err := recordstream.Unmarshal(d, &v); err != nil {
			return nil, err
		}
		out, err := toon.Marshal(plainNumbers(v))
		if err != nil {
			return nil, err
		}
		return append(out, '\n', '\n'), nil
	}
	if opts.Pretty {
		// Pretty ends with a newline
		return pretty.Pretty(d), nil
	}
	res := make([]byte, 0, len(d)+1)
	res = append(res, d...)
	return append(res, '\n'), nil
}

// plainNumbers converts json.Number to int64 or float64
func plainNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		for k, el := range x {
			x[k] = plainNumbers(el)
		}
	case []any:
		for i, el := range x {
			x[i] = plainNumbers(el)
		}
	}
	return v
}
