package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/raold/second-brain-sub001/internal/cli"
	"github.com/raold/second-brain-sub001/pkg/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the CLI and returns the process exit code. An interrupt lets
// the batch being written commit, then stops the running operation before
// the next one.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return cli.Execute(ctx, version.GetVersion(), args, stdout, stderr)
}
