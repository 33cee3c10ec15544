// Command keel computes state commitments over git revision ranges and
// manages event-sourced project state.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/roach88/keel/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
