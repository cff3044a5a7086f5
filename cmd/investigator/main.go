// investigator runs hypothesis investigations and serves their results.
//
// Usage:
//
//	investigator run --hypotheses=<file> [--data=<dir>] [--run-id=<id>]
//	investigator resume <run-id>
//	investigator status <run-id>
//	investigator serve
//
// SIGINT/SIGTERM cancel the active run; it can be continued with resume.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
