package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kjk/reclog/appendlog"
	"github.com/kjk/reclog/archive"
	"github.com/kjk/reclog/log"
	"github.com/kjk/reclog/metrics"
	"github.com/kjk/reclog/rotate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

type appendTarget interface {
	Append(payload []byte) error
	Close() error
}

type appendOptions struct {
	Daily       string
	Hourly      string
	Prefix      string
	Upload      bool
	SkipInvalid bool
}

func newAppendCmd() *cobra.Command {
	var opts appendOptions
	cmd := &cobra.Command{
		Use:   "append [file.rlog]",
		Short: "Append JSON records read from stdin, one per line",
		Long: `Append JSON records read from stdin, one per line.

Records go to the given file or, with --daily or --hourly, to files
rotated in a directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := configFromCmd(cmd)
			if err != nil {
				return err
			}
			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			return runAppend(cmd.Context(), c, &opts, path, cmd.InOrStdin(), cmd.ErrOrStderr())
		},
	}
	addLogFlags(cmd)
	cmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address, e.g. :9090")
	cmd.Flags().StringVar(&opts.Daily, "daily", "", "directory with files rotated daily")
	cmd.Flags().StringVar(&opts.Hourly, "hourly", "", "directory with files rotated hourly")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "prefix of names of rotated files")
	cmd.Flags().BoolVar(&opts.Upload, "upload", false, "upload rotated files to archive from config")
	cmd.Flags().BoolVar(&opts.SkipInvalid, "skip-invalid", false, "skip lines that are not valid JSON instead of failing")
	return cmd
}

func runAppend(ctx context.Context, c *Config, opts *appendOptions, path string, r io.Reader, errOut io.Writer) error {
	nTargets := 0
	for _, s := range []string{path, opts.Daily, opts.Hourly} {
		if s != "" {
			nTargets++
		}
	}
	if nTargets != 1 {
		return errors.New("need exactly one of: file, --daily, --hourly")
	}
	logOpts, err := c.logOptions(log.Logf)
	if err != nil {
		return err
	}

	var srv *http.Server
	if c.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		logOpts.Observer = metrics.New(reg, "")
		srv = &http.Server{
			Addr:    c.MetricsAddr,
			Handler: metrics.Handler(reg),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics server: %s", err)
			}
		}()
		defer srv.Close()
	}

	var uploader *archive.Uploader
	if opts.Upload {
		if path != "" {
			return errors.New("--upload only works with --daily or --hourly")
		}
		client, err := archive.New(ctx, c.Archive.archiveConfig())
		if err != nil {
			return err
		}
		uploader = client.NewUploader()
		uploader.Logf = log.Logf
		defer uploader.Wait()
	}

	target, err := openAppendTarget(path, opts, logOpts, uploader)
	if err != nil {
		return err
	}
	timeStart := time.Now()
	n, skipped, err := appendLines(ctx, target, r, opts.SkipInvalid, errOut)
	if err2 := target.Close(); err == nil {
		err = err2
	}
	log.IfErrf(log.EventWithDuration("append", time.Since(timeStart), "records", n, "skipped", skipped))
	log.Verbosef("appended %d records, skipped %d\n", n, skipped)
	return err
}

func openAppendTarget(path string, opts *appendOptions, logOpts *appendlog.Options, uploader *archive.Uploader) (appendTarget, error) {
	if path != "" {
		return appendlog.Open(path, logOpts)
	}
	var didClose func(string, bool)
	if uploader != nil {
		didClose = uploader.DidClose
	}
	config := &rotate.Config{
		DidClose: didClose,
		Options:  logOpts,
	}
	if opts.Daily != "" {
		config.PathIfShouldRotate = rotate.MakeDailyRotateInDir(opts.Daily, opts.Prefix)
	} else {
		config.PathIfShouldRotate = rotate.MakeHourlyRotateInDir(opts.Hourly, opts.Prefix)
	}
	return rotate.New(config)
}

// appendLines appends every non-empty line of r as a record.
// Returns number of appended and skipped lines.
func appendLines(ctx context.Context, a appendTarget, r io.Reader, skipInvalid bool, errOut io.Writer) (int, int, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	n, skipped, lineNo := 0, 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return n, skipped, err
		}
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			line = bytes.TrimSpace(line)
		}
		if len(line) > 0 {
			if !json.Valid(line) {
				if !skipInvalid {
					return n, skipped, fmt.Errorf("line %d is not valid JSON", lineNo)
				}
				fmt.Fprintf(errOut, "skipping line %d: not valid JSON\n", lineNo)
				skipped++
			} else {
				if aerr := a.Append(line); aerr != nil {
					return n, skipped, aerr
				}
				n++
			}
		}
		if err == io.EOF {
			return n, skipped, nil
		}
		if err != nil {
			return n, skipped, err
		}
	}
}
