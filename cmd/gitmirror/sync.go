package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/gitmirror/internal/graphsync"
)

type SyncOptions struct {
	Workspace   string
	Collections []string
}

func NewSyncCommand(root *RootOptions) *cobra.Command {
	opts := &SyncOptions{}
	cmd := &cobra.Command{
		Use:          "sync",
		Short:        "Run one polling sync and reconcile completed collections",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			collections, err := parseCollections(opts.Collections)
			if err != nil {
				return err
			}
			cfg, logger, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a, err := openApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			runner, err := a.newRunner(collections)
			if err != nil {
				return err
			}
			targets, err := targetsFromScope(a.scope.Current(), opts.Workspace, logger)
			if err != nil {
				return err
			}
			reports := runner.SyncAll(ctx, targets)
			return printReports(cmd.OutOrStdout(), reports)
		},
	}
	cmd.Flags().StringVar(&opts.Workspace, "workspace", "", "sync only this workspace")
	cmd.Flags().StringSliceVar(&opts.Collections, "collection", nil, "repository, collaborators, issues or pull_requests (repeatable)")
	return cmd
}

// printReports writes one row per collection run and fails when any run
// or tenant did not complete.
func printReports(w io.Writer, reports []graphsync.TenantReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TENANT\tREPOSITORY\tCOLLECTION\tSTATUS\tPAGES\tSYNCED\tSKIPPED\tREMOVED")
	failed := 0
	for _, report := range reports {
		if report.Err != nil {
			failed++
		}
		for _, r := range report.Results {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
				r.TenantID, r.Repository, r.Collection, r.Status, r.Pages, len(r.Synced), r.Skipped, r.Removed)
			if r.Status == graphsync.StatusAbortedError || r.Status == graphsync.StatusAbortedRateLimit {
				failed++
			}
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d sync runs did not complete", failed)
	}
	return nil
}
