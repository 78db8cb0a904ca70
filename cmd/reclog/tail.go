package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kjk/reclog/log"
	"github.com/kjk/reclog/tail"
	"github.com/spf13/cobra"
)

type tailOptions struct {
	FromEnd   bool
	Offsets   bool
	Quiet     bool
	Subscribe string
}

func newTailCmd() *cobra.Command {
	var opts tailOptions
	cmd := &cobra.Command{
		Use:   "tail [file.rlog]",
		Short: "Print records as they are appended to a log file",
		Long: `Print records as they are appended to a log file.

Records can also be published on a nanomsg PUB socket (--publish) or
posted to an HTTP endpoint (--forward). With --subscribe, records are
received from another 'reclog tail --publish' instead of a file.`,
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
			err = runTail(cmd.Context(), c, &opts, path, cmd.OutOrStdout())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&opts.FromEnd, "from-end", false, "only print records appended from now on")
	cmd.Flags().BoolVar(&opts.Offsets, "offsets", false, "print offset of the frame before each record")
	cmd.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "don't print records")
	cmd.Flags().StringVar(&opts.Subscribe, "subscribe", "", "receive records from a publisher at this address")
	cmd.Flags().String("publish", "", "publish records on a PUB socket, e.g. tcp://127.0.0.1:40899")
	cmd.Flags().String("topic", "", "topic of published records")
	cmd.Flags().String("forward", "", "POST every record to this URL")
	return cmd
}

func runTail(ctx context.Context, c *Config, opts *tailOptions, path string, out io.Writer) error {
	if (path == "") == (opts.Subscribe == "") {
		return errors.New("need exactly one of: file, --subscribe")
	}
	w := bufio.NewWriter(out)
	defer w.Flush()

	var pubs []tail.Publisher
	if c.Tail.Publish != "" {
		p, err := tail.NewMangosPublisher(c.Tail.Publish, c.Tail.Topic)
		if err != nil {
			return err
		}
		p.Logf = log.Logf
		defer p.Close()
		pubs = append(pubs, p)
	}
	if c.Tail.ForwardURL != "" {
		f := tail.NewHTTPForwarder(c.Tail.ForwardURL, 0)
		f.APIKey = c.Tail.APIKey
		f.Logf = log.Logf
		defer func() {
			f.Close()
			log.Verbosef("forwarded %d records, failed: %d, dropped: %d\n", f.Sent.Load(), f.Failed.Load(), f.Dropped.Load())
		}()
		pubs = append(pubs, f)
	}

	fn := func(rec tail.Record) error {
		for _, p := range pubs {
			p.Publish(rec)
		}
		if opts.Quiet {
			return nil
		}
		if opts.Offsets {
			fmt.Fprintf(w, "%d\t", rec.Offset)
		}
		w.Write(rec.Data)
		w.WriteByte('\n')
		// records arrive one at a time, show them right away
		return w.Flush()
	}

	if opts.Subscribe != "" {
		return tail.Subscribe(ctx, opts.Subscribe, c.Tail.Topic, fn)
	}
	followOpts := &tail.FollowOptions{
		FromEnd: opts.FromEnd,
		Logf:    log.Logf,
	}
	if c.Tail.PollMs > 0 {
		followOpts.PollInterval = time.Duration(c.Tail.PollMs) * time.Millisecond
	}
	return tail.Follow(ctx, path, followOpts, fn)
}
