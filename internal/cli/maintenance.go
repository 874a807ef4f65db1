package cli

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newMaintenanceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Housekeeping for checkpoints and the operation ledger",
	}
	cmd.AddCommand(newMaintenancePurgeCmd(a))
	return cmd
}

func newMaintenancePurgeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove expired checkpoints, seen-content entries and old ledger rows",
		Long: `Remove checkpoints and rollback points past the retention window,
expired duplicate-detection entries and idle rate-limit windows, and
operation ledger rows older than checkpoints.retention.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			report, err := svc.Maintenance(cmd.Context(), time.Now())
			if err != nil {
				return err
			}

			p := newPrinter(cmd, a)
			if p.json {
				return p.JSON(report)
			}
			p.KeyValues([][2]string{
				{"Checkpoints removed", strconv.Itoa(report.Checkpoints)},
				{"Seen entries removed", strconv.Itoa(report.SeenEntries)},
				{"Rate windows removed", strconv.Itoa(report.RateWindows)},
				{"Operations pruned", strconv.Itoa(report.PrunedOperations)},
				{"Ledger rows purged", strconv.Itoa(report.PurgedLedgerRows)},
			})
			return nil
		},
	}
}
