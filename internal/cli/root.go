// Package cli implements the brainops command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raold/second-brain-sub001/internal/config"
	"github.com/raold/second-brain-sub001/internal/logging"
	"github.com/raold/second-brain-sub001/internal/service"
)

// isTerminal checks if the given file is a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// ExitError carries a process exit code for an operation that ran but did
// not complete.
type ExitError struct {
	ExitCode int
	Reason   string
}

func (e *ExitError) Error() string {
	return e.Reason
}

// Exit codes beyond the generic failure.
const (
	ExitOperationFailed = 2
	ExitMigrationFailed = 3
)

// ExitCode maps an error returned by the command tree to a process exit
// code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode
	}
	return 1
}

// app is the state shared by one invocation of the command tree.
type app struct {
	cfg       *config.Config
	svc       *service.Service
	logger    zerolog.Logger
	logResult *logging.LogPathResult

	configPath string
	dbPath     string
	debug      bool
	output     string
}

// service opens the service on first use.
func (a *app) service(ctx context.Context) (*service.Service, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	svc, err := service.New(ctx, a.cfg, service.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	a.svc = svc
	return svc, nil
}

func (a *app) close() error {
	var errs []error
	if a.svc != nil {
		errs = append(errs, a.svc.Close())
		a.svc = nil
	}
	if a.logResult != nil {
		errs = append(errs, a.logResult.Close())
		a.logResult = nil
	}
	return errors.Join(errs...)
}

// NewRootCmd creates the root Cobra command for the brainops CLI. State
// opened by a command is released by Execute.
func NewRootCmd(ver string) *cobra.Command {
	return newRootCmd(&app{}, ver)
}

// Execute runs the command tree with args and returns the process exit
// code. The service and log file are closed whether or not the command
// succeeded.
func Execute(ctx context.Context, ver string, args []string, stdout, stderr io.Writer) int {
	a := &app{}
	cmd := newRootCmd(a, ver)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if closeErr := a.close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		_, _ = fmt.Fprintln(stderr, renderError(stderr, err))
	}
	return ExitCode(err)
}

func newRootCmd(a *app, ver string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "brainops",
		Short:         "Bulk operations and migrations for a second-brain store",
		Long:          "brainops: import, export, update and delete records in bulk, with safety limits, checkpoints, rollback and versioned migrations",
		Version:       ver,
		Example:       rootCmdExample,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.loadConfig(); err != nil {
				return err
			}
			setupLogging(cmd, a)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $BRAINOPS_CONFIG or ~/.brainops/config.yaml)")
	cmd.PersistentFlags().StringVar(&a.dbPath, "db", "", "database file, overrides store.path")
	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().StringVarP(&a.output, "output", "o", outputTable, "output format: table or json")

	cmd.AddCommand(
		newImportCmd(a), newExportCmd(a), newUpdateCmd(a), newDeleteCmd(a),
		newOpsCmd(a), newMigrateCmd(a), newMaintenanceCmd(a), newConfigCmd(a),
	)
	return cmd
}

// loadConfig resolves the configuration: file, then environment, then
// flags.
func (a *app) loadConfig() error {
	cfg, err := config.Load(config.ResolvePath(a.configPath))
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Store.Path = a.dbPath
	}
	if a.output != outputTable && a.output != outputJSON {
		return fmt.Errorf("unknown output format %q", a.output)
	}
	a.cfg = cfg
	return nil
}

const rootCmdExample = `  # Import notes from a JSON Lines file
  brainops import notes.jsonl --format jsonl

  # Export episodic records as CSV
  brainops export --filter type=episodic --format csv > episodic.csv

  # Raise the importance of everything mentioning "deadline"
  brainops update --filter contains=deadline --set-importance 0.9

  # Delete low-importance working notes, refusing more than 200
  brainops delete --filter type=working --filter max-importance=0.1 --safety-limit 200

  # Apply pending migrations
  brainops migrate up

  # Purge expired checkpoints and old ledger rows
  brainops maintenance purge`
