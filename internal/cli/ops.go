package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/store"
)

func newOpsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "Inspect recorded operations and roll them back",
	}
	cmd.AddCommand(newOpsListCmd(a), newOpsShowCmd(a), newOpsRollbackCmd(a))
	return cmd
}

func newOpsListCmd(a *app) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List operations, newest first",
		Example: `  brainops ops list --status failed --limit 20`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st ops.Status
			if status != "" {
				parsed, err := ops.ParseStatus(status)
				if err != nil {
					return err
				}
				st = parsed
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			list, err := svc.ListOperations(cmd.Context(), st, limit)
			if err != nil {
				return err
			}

			p := newPrinter(cmd, a)
			if p.json {
				return p.JSON(list)
			}
			if len(list) == 0 {
				p.Muted("No operations recorded.")
				return nil
			}
			rows := make([][]string, 0, len(list))
			for _, op := range list {
				rows = append(rows, []string{
					op.OperationID,
					string(op.Kind),
					p.status(string(op.Status)),
					strconv.Itoa(op.TotalItems),
					strconv.Itoa(op.SuccessfulItems),
					strconv.Itoa(op.FailedItems),
					strconv.Itoa(op.SkippedItems),
					op.StartedAt.Local().Format(time.DateTime),
				})
			}
			p.Table([]string{"ID", "KIND", "STATUS", "TOTAL", "OK", "FAILED", "SKIPPED", "STARTED"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only operations in this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum operations to list (0 = all)")
	return cmd
}

// operationDetail is the JSON form of "ops show".
type operationDetail struct {
	Progress ops.Progress        `json:"progress"`
	Result   *ops.Result         `json:"result,omitempty"`
	Items    []store.ItemOutcome `json:"items,omitempty"`
}

func newOpsShowCmd(a *app) *cobra.Command {
	var items bool

	cmd := &cobra.Command{
		Use:   "show <operation-id>",
		Short: "Show the progress or result of one operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.service(ctx)
			if err != nil {
				return err
			}
			progress, err := svc.GetProgress(ctx, args[0])
			if err != nil {
				return err
			}

			detail := operationDetail{Progress: progress}
			if progress.Status.IsTerminal() {
				if res, err := svc.Wait(ctx, args[0]); err == nil {
					detail.Result = res
				}
			}
			if items {
				if detail.Items, err = svc.ItemOutcomes(ctx, args[0]); err != nil {
					return err
				}
			}

			p := newPrinter(cmd, a)
			if p.json {
				return p.JSON(detail)
			}
			if detail.Result != nil {
				if err := p.Result(detail.Result); err != nil {
					return err
				}
			} else {
				p.KeyValues([][2]string{
					{"Operation", progress.OperationID},
					{"Kind", string(progress.Kind)},
					{"Status", p.status(string(progress.Status))},
					{"Progress", fmt.Sprintf("%.1f%%", progress.PercentComplete())},
					{"Batch", fmt.Sprintf("%d/%d", progress.CurrentBatch, progress.TotalBatches)},
					{"Successful", strconv.Itoa(progress.SuccessfulItems)},
					{"Failed", strconv.Itoa(progress.FailedItems)},
					{"Skipped", strconv.Itoa(progress.SkippedItems)},
				})
			}
			if len(detail.Items) > 0 {
				p.Line("")
				rows := make([][]string, 0, len(detail.Items))
				for _, it := range detail.Items {
					rows = append(rows, []string{
						strconv.Itoa(it.BatchNumber), strconv.Itoa(it.Position), it.TargetID, it.Status, it.ErrorMessage,
					})
				}
				p.Table([]string{"BATCH", "POS", "TARGET", "STATUS", "ERROR"}, rows)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&items, "items", false, "include the per-item outcome ledger")
	return cmd
}

func newOpsRollbackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <rollback-point-id>",
		Short: "Undo an operation through its rollback point",
		Long: `Restore the records an operation changed to their state before it ran.
The rollback point id is printed with the operation result.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			ok, err := svc.ExecuteRollback(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			p := newPrinter(cmd, a)
			if p.json {
				return p.JSON(map[string]any{"rollback_point_id": args[0], "restored": ok})
			}
			if !ok {
				return &ExitError{ExitCode: ExitOperationFailed, Reason: "rollback point " + args[0] + " was not applied"}
			}
			p.Line("%s rolled back %s", p.style("✓", ColorOK, true), args[0])
			return nil
		},
	}
}
