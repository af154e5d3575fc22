// vulnsla imports vulnerability scanner exports into a local inventory and
// tracks how long every finding has been open against its remediation SLA.
//
// Usage:
//
//	vulnsla import scan.nessus export.tsv
//	vulnsla vulns --breached --active
//	vulnsla trend
//	vulnsla revise <vulnerability-id> high
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	verrors "github.com/exploopio/vulnsla/pkg/errors"
)

const (
	appName    = "vulnsla"
	appVersion = "1.0.0"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error onto the process exit status.
func exitCode(err error) int {
	switch {
	case verrors.IsInvalidInput(err):
		return 2
	case verrors.IsNotFoundError(err):
		return 3
	default:
		return 1
	}
}
