package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/raold/second-brain-sub001/internal/events"
	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/service"
)

// opFlags are the per-operation settings shared by the write commands.
// Only flags the user set override the configured defaults.
type opFlags struct {
	batchSize        int
	workers          int
	maxRetries       int
	timeout          time.Duration
	validationLevel  string
	continueOnError  bool
	noRollback       bool
	detectDuplicates bool
	safetyLimit      int
	caller           string
	writesPerSecond  float64
	checkpointEvery  int
	resume           string
}

func (f *opFlags) register(fs *pflag.FlagSet, resumable bool) {
	fs.IntVar(&f.batchSize, "batch-size", 0, "items per batch")
	fs.IntVar(&f.workers, "workers", 0, "concurrent derived-field computations per batch")
	fs.IntVar(&f.maxRetries, "max-retries", 0, "retries of a failed transactional batch")
	fs.DurationVar(&f.timeout, "timeout", 0, "timeout per batch")
	fs.StringVar(&f.validationLevel, "validation-level", "", "minimal, standard, strict or paranoid")
	fs.BoolVar(&f.continueOnError, "continue-on-error", false, "keep going after a failed batch")
	fs.BoolVar(&f.noRollback, "no-rollback", false, "write without transactions or a rollback point")
	fs.BoolVar(&f.detectDuplicates, "detect-duplicates", false, "skip items whose content was seen recently")
	fs.IntVar(&f.safetyLimit, "safety-limit", 0, "refuse to touch more records than this")
	fs.StringVar(&f.caller, "caller", "", "caller id for rate limiting")
	fs.Float64Var(&f.writesPerSecond, "writes-per-second", 0, "throttle writes (0 = unlimited)")
	fs.IntVar(&f.checkpointEvery, "checkpoint-every", 0, "items between progress checkpoints")
	if resumable {
		fs.StringVar(&f.resume, "resume", "", "continue an interrupted run from a progress checkpoint")
	}
}

func (f *opFlags) apply(fs *pflag.FlagSet, base ops.Config) ops.Config {
	cfg := base
	if fs.Changed("batch-size") {
		cfg.BatchSize = f.batchSize
	}
	if fs.Changed("workers") {
		cfg.Workers = f.workers
	}
	if fs.Changed("max-retries") {
		cfg.MaxRetries = f.maxRetries
	}
	if fs.Changed("timeout") {
		cfg.Timeout = f.timeout
	}
	if fs.Changed("validation-level") {
		cfg.ValidationLevel = f.validationLevel
	}
	if fs.Changed("continue-on-error") {
		cfg.ContinueOnError = f.continueOnError
	}
	if fs.Changed("no-rollback") {
		cfg.EnableRollback = !f.noRollback
	}
	if fs.Changed("detect-duplicates") {
		cfg.DetectDuplicates = f.detectDuplicates
	}
	if fs.Changed("safety-limit") {
		cfg.SafetyLimit = f.safetyLimit
	}
	if fs.Changed("caller") {
		cfg.CallerID = f.caller
	}
	if fs.Changed("writes-per-second") {
		cfg.WritesPerSecond = f.writesPerSecond
	}
	if fs.Changed("checkpoint-every") {
		cfg.CheckpointFrequency = f.checkpointEvery
	}
	if f.resume != "" {
		cfg.ResumeFrom = f.resume
	}
	return cfg
}

// runOperation submits req, shows progress on a terminal, and waits for the
// result. Interrupting the command lets the batch in flight commit, stops
// the operation before the next batch and still reports the result.
func runOperation(cmd *cobra.Command, a *app, req service.Request) (*ops.Result, error) {
	ctx := cmd.Context()
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	progressOut := cmd.ErrOrStderr()
	showProgress := a.output != outputJSON && writerIsTerminal(progressOut)

	var (
		ch          <-chan events.Event
		unsubscribe = func() {}
	)
	if showProgress {
		ch, unsubscribe = svc.Subscribe(64)
	}
	defer unsubscribe()

	id, err := svc.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	if showProgress {
		go func() {
			defer close(done)
			renderProgress(progressOut, ch, id)
		}()
	} else {
		close(done)
	}

	res, err := svc.Wait(ctx, id)
	if err != nil && ctx.Err() != nil {
		svc.Cancel(id)
		res, err = svc.Wait(context.WithoutCancel(ctx), id)
	}
	unsubscribe()
	<-done
	return res, err
}

// renderProgress prints one status line per batch of operation id until ch
// closes or the operation completes.
func renderProgress(w io.Writer, ch <-chan events.Event, id string) {
	p := &printer{w: w, styled: true}
	for ev := range ch {
		if ev.OperationID != id {
			continue
		}
		switch ev.Type {
		case events.TypeProgress:
			if ev.Delta == nil || ev.Delta.CurrentBatch == 0 {
				continue
			}
			_, _ = fmt.Fprintf(w, "\r%s", p.style(fmt.Sprintf("batch %d/%d  +%d ok  +%d failed",
				ev.Delta.CurrentBatch, ev.Delta.TotalBatches, ev.Delta.Successful, ev.Delta.Failed), ColorMuted, false))
		case events.TypeCompletion:
			_, _ = fmt.Fprintln(w)
			return
		}
	}
}

// finishOperation prints the result and maps an incomplete one to an exit
// code.
func finishOperation(p *printer, res *ops.Result, err error) error {
	if err != nil {
		return err
	}
	if err := p.Result(res); err != nil {
		return err
	}
	return resultError(res)
}
