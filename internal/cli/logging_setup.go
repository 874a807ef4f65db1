package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/raold/second-brain-sub001/internal/logging"
)

// setupLogging configures logging from the loaded config and the --debug
// flag, and attaches the logger and a trace id to the command context.
func setupLogging(cmd *cobra.Command, a *app) {
	loggingCfg := a.cfg.Logging
	if a.debug {
		loggingCfg.Level = "debug"
		loggingCfg.Format = logging.FormatConsole
		loggingCfg.File = ""
	}

	// Ensure the log directory exists after all overrides have been applied.
	if loggingCfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(loggingCfg.File), 0o750); err != nil {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Warning: could not create log directory: %v\n", err)
		}
	}

	result := logging.NewLoggerWithPath(loggingCfg.ToLoggingConfig())
	a.logResult = &result
	a.logger = result.Logger
	logging.SetDefault(result.Logger)

	if result.FallbackUsed {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Warning: logging to stderr: %s\n", result.FallbackReason)
	}

	ctx := cmd.Context()
	traceID := logging.GetOrGenerateTraceID(ctx)
	ctx = logging.ContextWithTraceID(ctx, traceID)
	ctx = result.Logger.With().Str("trace_id", traceID).Logger().WithContext(ctx)
	cmd.SetContext(ctx)

	cliLogger := logging.ComponentLogger(a.logger, "cli")
	cliLogger.Debug().Str("command", cmd.CommandPath()).Str("trace_id", traceID).Msg("command started")
}
