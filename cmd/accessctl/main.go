package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/platinummonkey/accessgrid/pkg/audit"
	"github.com/platinummonkey/accessgrid/pkg/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = audit.WithActor(ctx, cli.Actor())

	rootCmd := cli.NewRootCommand()
	if err := rootCmd.Execute(ctx, cli.DefaultEnv(), os.Args[1:]); err != nil {
		if errors.Is(err, cli.ErrDenied) {
			stop()
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
