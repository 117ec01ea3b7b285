package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/provisioner/pkg/engine"
)

func newReapCommand() *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Run one retention sweep",
		Long: `Delete successful dry-run jobs older than the retention period, together
with partitions that no apply ever wrote state to.

The serve command runs the same sweep every reaper.interval. Run this one
while the service is stopped.`,
		Example: `  # Sweep with the configured retention
  provisioner reap

  # Sweep dry runs older than one hour
  provisioner reap --retention 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			policy := engine.RetentionPolicy{DryRunRetention: cfg.Reaper.DryRunRetention}
			if retention > 0 {
				policy.DryRunRetention = retention
			}

			svc, err := newService(cmd.Context(), cfg, serviceOptions{offline: true})
			if err != nil {
				return err
			}
			defer svc.Close(context.Background())

			report, err := engine.NewReaper(svc.scheduler, policy).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return printReapReport(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().DurationVar(&retention, "retention", 0, "dry-run retention (overrides reaper.dry_run_retention)")

	return cmd
}

func printReapReport(w io.Writer, report *engine.ReapReport) error {
	if jsonOutput {
		return printJSON(w, report)
	}
	fmt.Fprintf(w, "Jobs deleted:       %d\n", report.JobsDeleted)
	fmt.Fprintf(w, "Partitions deleted: %d\n", report.PartitionsDeleted)
	if len(report.Skipped) > 0 {
		fmt.Fprintf(w, "Skipped (busy):     %s\n", strings.Join(report.Skipped, ", "))
	}
	return nil
}
