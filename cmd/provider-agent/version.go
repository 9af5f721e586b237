package main

import (
	"context"
	"fmt"
	"time"

	"github.com/narvanalabs/provider-agent/internal/updater"
	"github.com/spf13/cobra"
)

const releaseRepo = "narvanalabs/provider-agent"

func newVersionCommand(opts *globalOptions) *cobra.Command {
	var check bool
	var apiBase string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "provider-agent %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)

			if !check {
				return nil
			}

			svc := updater.NewService(version, releaseRepo, opts.logger(nil).Logger)
			if apiBase != "" {
				svc = svc.WithAPIBase(apiBase)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			info, err := svc.CheckForUpdates(ctx)
			if err != nil {
				return fmt.Errorf("checking for updates: %w", err)
			}
			switch {
			case info.UpdateAvailable:
				fmt.Fprintf(out, "Update available: %s (%s)\n", info.LatestVersion, info.ReleaseURL)
			case info.LatestVersion == "":
				fmt.Fprintln(out, "No stable release to compare against")
			default:
				fmt.Fprintln(out, "Up to date")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Check for a newer release")
	cmd.Flags().StringVar(&apiBase, "releases-api", "", "Override the release API base URL")
	_ = cmd.Flags().MarkHidden("releases-api")

	return cmd
}
