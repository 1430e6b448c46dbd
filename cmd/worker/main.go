// Package main is the Worker subprocess entry point. A Supervisor
// spawns one of these per Procedure and talks to it exclusively over
// this process's stdin/stdout, per the unified-binary precedent in
// cmd_kandev/main.go generalized to a one-procedure-per-process model.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ska-telescope/sec/internal/config"
	"github.com/ska-telescope/sec/internal/logger"
	"github.com/ska-telescope/sec/internal/scriptsource"
	"github.com/ska-telescope/sec/internal/signalctl"
	"github.com/ska-telescope/sec/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: worker <pid>")
		os.Exit(1)
	}
	selfSource := fmt.Sprintf("worker-%s", os.Args[1])
	// SEC_SCAN_ID, set by the Process Manager at spawn (procmanager.
	// ScanCounter), is read directly by the loaded script plugin via
	// os.Getenv — this process shares its address space with the
	// plugin, so no further threading through Worker is needed.

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)
	log = log.WithFields(zap.String("component", "worker"), zap.String("source", selfSource))

	// A Worker escalates to abrupt teardown on the very first signal —
	// there is no "please finish your current invocation" grace period
	// once the Supervisor has decided to terminate it, unlike the
	// Supervisor's own N=3 escalation policy.
	signals := signalctl.New(1, log)
	signals.Start()
	defer signals.Stop()

	err = worker.Serve(signals.Context(), os.Stdin, os.Stdout, worker.ServeConfig{
		SelfSource:    selfSource,
		Loader:        scriptsource.NewLoader(),
		PollTimeout:   cfg.Worker.InboxPollTimeout(),
		InboxCapacity: cfg.Queue.WorkItemCapacity,
		Log:           log,
	})
	if err != nil {
		log.Error("worker exited with error", zap.Error(err))
		os.Exit(1)
	}
}
