package main

import (
	"fmt"
	"os"

	"github.com/kjk/reclog/archive"
	"github.com/kjk/reclog/log"
	"github.com/spf13/cobra"
)

func archiveClient(cmd *cobra.Command) (*archive.Client, error) {
	c, err := configFromCmd(cmd)
	if err != nil {
		return nil, err
	}
	return archive.New(cmd.Context(), c.Archive.archiveConfig())
}

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Store log files in s3-compatible storage",
	}
	cmd.PersistentFlags().String("bucket", "", "bucket name")
	cmd.PersistentFlags().String("prefix", "", "prefix of remote names")

	var remove bool
	uploadCmd := &cobra.Command{
		Use:   "upload <file.rlog>...",
		Short: "Upload log files that are no longer written to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := archiveClient(cmd)
			if err != nil {
				return err
			}
			for _, path := range args {
				remoteName, err := client.Upload(cmd.Context(), path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s => %s\n", path, remoteName)
				log.IfErrf(log.Event("upload", "path", path, "remote", remoteName))
				if remove {
					if err = os.Remove(path); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	uploadCmd.Flags().BoolVar(&remove, "remove", false, "remove local file after upload")
	cmd.AddCommand(uploadCmd)

	listCmd := &cobra.Command{
		Use:   "list [prefix]",
		Short: "List archived logs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := archiveClient(cmd)
			if err != nil {
				return err
			}
			prefix := ""
			if len(args) > 0 {
				prefix = args[0]
			}
			names, err := client.List(cmd.Context(), prefix)
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return err
		},
	}
	cmd.AddCommand(listCmd)

	downloadCmd := &cobra.Command{
		Use:   "download <remote name> <file.rlog>",
		Short: "Download an archived log and check it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := archiveClient(cmd)
			if err != nil {
				return err
			}
			return client.Download(cmd.Context(), args[0], args[1])
		},
	}
	cmd.AddCommand(downloadCmd)

	rmCmd := &cobra.Command{
		Use:   "rm <remote name>...",
		Short: "Remove archived logs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := archiveClient(cmd)
			if err != nil {
				return err
			}
			for _, name := range args {
				if err = client.Remove(cmd.Context(), name); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.AddCommand(rmCmd)
	return cmd
}
