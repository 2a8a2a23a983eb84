package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clutch2sft/iw9165-eventpiped/internal/config"
	"github.com/clutch2sft/iw9165-eventpiped/internal/logging"
	"github.com/clutch2sft/iw9165-eventpiped/internal/orchestrator"
)

// Exit codes: 0 on normal shutdown, non-zero on any start-up failure
// (config missing, port bind failure, host-key load failure) or a
// pipeline that exits with an error after starting.
const (
	exitOK = iota
	exitConfigMissing
	exitStartupFailure
	exitRuntimeFailure
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the event-logging pipeline service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "/etc/eventpiped/config.json", "path to the JSON configuration file")
	return cmd
}

func runServe(configPath string) error {
	logger := logging.New(os.Stderr)

	if copied, err := config.CopySample(configPath); err != nil {
		logging.Critical(context.Background(), logger, "serve: sample config copy failed", "path", configPath, "error", err)
		os.Exit(exitStartupFailure)
	} else if copied {
		logging.Critical(context.Background(), logger, "serve: no config found, copied sample; edit it and restart", "path", configPath)
		os.Exit(exitConfigMissing)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logging.Critical(context.Background(), logger, "serve: config load failed", "path", configPath, "error", err)
		os.Exit(exitConfigMissing)
	}

	svc, err := orchestrator.New(cfg, logger)
	if err != nil {
		logging.Critical(context.Background(), logger, "serve: wiring failed", "error", err)
		os.Exit(exitStartupFailure)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(ctx) }()

	select {
	case <-ctx.Done():
		svc.Stop()
		<-runErr
	case err := <-runErr:
		if err != nil {
			logging.Critical(context.Background(), logger, "serve: pipeline exited with error", "error", err)
			os.Exit(exitRuntimeFailure)
		}
	}

	fmt.Fprintln(os.Stderr, "serve: shut down cleanly")
	return nil
}
