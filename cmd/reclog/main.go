package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kjk/reclog/log"
	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reclog",
		Short: "Crash-safe compressed logs of JSON records",
		Long:  "reclog reads, writes, checks, follows and archives .rlog files.",
		// errors are printed by cobra, usage only for bad flags
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log.Verbose, _ = cmd.Flags().GetBool("verbose")
			c, err := configFromCmd(cmd)
			if err != nil {
				return err
			}
			if c.LogDir != "" {
				log.Init(&log.Config{Dir: c.LogDir})
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Close()
		},
	}
	pf := rootCmd.PersistentFlags()
	pf.String("config", os.Getenv("RECLOG_CONFIG"), "yaml config file")
	pf.String("log-dir", "", "directory for reclog's own logs and events")
	pf.BoolP("verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(newCatCmd())
	rootCmd.AddCommand(newAppendCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newTailCmd())
	rootCmd.AddCommand(newArchiveCmd())
	return rootCmd
}

// addLogFlags adds flags for options of logs we write to
func addLogFlags(cmd *cobra.Command) {
	cmd.Flags().String("codec", "", "compression for new files: flate|zstd|snappy|brotli|none (default flate)")
	cmd.Flags().Int("level", 0, "compression level, 0 for codec's default")
	cmd.Flags().Bool("no-sync", false, "don't fsync after every append")
}
