package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"

	"github.com/raold/second-brain-sub001/internal/migration"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, inspect and roll back versioned migrations",
	}
	cmd.AddCommand(newMigrateStatusCmd(a), newMigrateUpCmd(a), newMigrateApplyCmd(a), newMigrateRollbackCmd(a))
	return cmd
}

func newMigrateStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List registered migrations and their history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := svc.MigrationStatus(cmd.Context())
			if err != nil {
				return err
			}

			p := newPrinter(cmd, a)
			if p.json {
				return p.JSON(entries)
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				applied := "-"
				if e.AppliedAt != nil {
					applied = e.AppliedAt.Local().Format(time.DateTime)
				}
				note := e.Error
				switch {
				case !e.Registered:
					note = "not registered"
				case e.ChecksumDrift:
					note = p.style("checksum changed since applied", ColorWarning, false)
				}
				rows = append(rows, []string{
					e.ID, e.Version, string(e.Kind), p.status(string(e.Status)), applied, strconv.Itoa(e.AffectedItems), note,
				})
			}
			p.Table([]string{"ID", "VERSION", "KIND", "STATUS", "APPLIED", "AFFECTED", "NOTE"}, rows)
			return nil
		},
	}
}

// runFlags override the configured migration run settings.
type runFlags struct {
	dryRun          bool
	continueOnError bool
	noRollback      bool
	batchSize       int
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "check preconditions and count changes without writing")
	cmd.Flags().BoolVar(&f.continueOnError, "continue-on-error", false, "keep going after a failed migration")
	cmd.Flags().BoolVar(&f.noRollback, "no-rollback", false, "leave a failed migration as it is instead of undoing it")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "records per page for data migrations")
}

func (f *runFlags) apply(cmd *cobra.Command, a *app) (migration.RunConfig, error) {
	cfg, err := a.cfg.Migrations.ToRunConfig()
	if err != nil {
		return cfg, err
	}
	fs := cmd.Flags()
	if fs.Changed("dry-run") {
		cfg.DryRun = f.dryRun
	}
	if fs.Changed("continue-on-error") {
		cfg.ContinueOnError = f.continueOnError
	}
	if fs.Changed("no-rollback") {
		cfg.EnableRollback = !f.noRollback
	}
	if fs.Changed("batch-size") {
		cfg.BatchSize = f.batchSize
	}
	return cfg, nil
}

func newMigrateUpCmd(a *app) *cobra.Command {
	var (
		flags  runFlags
		kind   string
		target string
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration in dependency order",
		Example: `  brainops migrate up --dry-run
  brainops migrate up --kind data --target-version 1.2.0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.apply(cmd, a)
			if err != nil {
				return err
			}
			k, err := migration.ParseKind(kind)
			if err != nil {
				return err
			}
			if target != "" {
				v, err := semver.NewVersion(target)
				if err != nil {
					return fmt.Errorf("invalid --target-version %q: %w", target, err)
				}
				cfg.TargetVersion = v
			}

			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			results, err := svc.ExecutePending(cmd.Context(), cfg, k)
			if printErr := printMigrationResults(newPrinter(cmd, a), results); printErr != nil && err == nil {
				err = printErr
			}
			if err != nil {
				return err
			}
			return migrationError(results...)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&kind, "kind", "", "only migrations of this kind: schema, data, structure or hybrid")
	cmd.Flags().StringVar(&target, "target-version", "", "apply migrations up to and including this version")
	return cmd
}

func newMigrateApplyCmd(a *app) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "apply <migration-id>",
		Short: "Apply one migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.apply(cmd, a)
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.ExecuteMigration(cmd.Context(), args[0], cfg)
			if err != nil {
				return err
			}
			if err := printMigrationResults(newPrinter(cmd, a), []*migration.Result{res}); err != nil {
				return err
			}
			return migrationError(res)
		},
	}

	flags.register(cmd)
	return cmd
}

func newMigrateRollbackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <migration-id>",
		Short: "Undo a completed or failed reversible migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.RollbackMigration(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := printMigrationResults(newPrinter(cmd, a), []*migration.Result{res}); err != nil {
				return err
			}
			if res.Status != migration.StatusRolledBack {
				return &ExitError{ExitCode: ExitMigrationFailed, Reason: fmt.Sprintf("migration %s was not rolled back: %s", res.MigrationID, res.Error)}
			}
			return nil
		},
	}
}

func printMigrationResults(p *printer, results []*migration.Result) error {
	if p.json {
		if results == nil {
			results = []*migration.Result{}
		}
		return p.JSON(results)
	}
	if len(results) == 0 {
		p.Muted("No pending migrations.")
		return nil
	}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		status := p.status(string(r.Status))
		if r.DryRun {
			status += p.style(" (dry run)", ColorMuted, false)
		}
		rows = append(rows, []string{
			r.MigrationID, r.Version, status, strconv.Itoa(r.AffectedItems),
			r.ExecutionTime.Round(time.Millisecond).String(), r.Error,
		})
	}
	p.Table([]string{"ID", "VERSION", "STATUS", "AFFECTED", "TIME", "ERROR"}, rows)
	for _, r := range results {
		for _, w := range r.Warnings {
			p.Line("%s %s: %s", p.style("!", ColorWarning, true), r.MigrationID, w)
		}
	}
	return nil
}

// migrationError returns an ExitError naming the first failed migration.
func migrationError(results ...*migration.Result) error {
	for _, r := range results {
		if r != nil && r.Failed() {
			return &ExitError{
				ExitCode: ExitMigrationFailed,
				Reason:   fmt.Sprintf("migration %s %s: %s", r.MigrationID, r.Status, r.Error),
			}
		}
	}
	return nil
}
