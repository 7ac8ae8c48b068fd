package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"finagent/cmd"
	"finagent/internal/apperr"
)

const (
	exitFailure = 1
	exitConfig  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx, os.Args[1:])
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	fmt.Fprintf(os.Stderr, "finagent: %v\n", err)
	var cfgErr *apperr.ConfigurationError
	if errors.As(err, &cfgErr) {
		stop()
		os.Exit(exitConfig)
	}
	stop()
	os.Exit(exitFailure)
}
