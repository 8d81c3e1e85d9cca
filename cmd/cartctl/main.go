// cartctl is a terminal shopping cart that syncs with cartd.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cartsync/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewRootCommand(cli.DefaultOpener(os.Stderr)).ExecuteContext(ctx)
	stop()

	if err == nil {
		return
	}
	// ExitErrors have already been rendered to stdout.
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(cli.GetExitCode(err))
}
