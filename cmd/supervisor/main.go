// Package main is the Supervisor entry point: the single long-lived
// process that owns the Process Manager, the Script Execution Service,
// and the event bus every Worker subprocess and external caller talks
// through. Structured the way cmd_kandev/main.go wires its services —
// load config, build the shared event bus, construct each service in
// dependency order, register its handlers, then block for a shutdown
// signal — generalized from Kandev's WebSocket gateway to this core's
// bus-native request/reply surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ska-telescope/sec/internal/config"
	"github.com/ska-telescope/sec/internal/eventbus"
	"github.com/ska-telescope/sec/internal/logger"
	"github.com/ska-telescope/sec/internal/procmanager"
	"github.com/ska-telescope/sec/internal/scriptsource"
	"github.com/ska-telescope/sec/internal/ses"
	"github.com/ska-telescope/sec/internal/signalctl"
)

func main() {
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

	log.Info("starting script execution core supervisor")

	signals := signalctl.New(cfg.Supervisor.TerminateMaxRetries, log)
	signals.Start()
	defer signals.Stop()

	provided, err := eventbus.Provide(cfg.Events, log)
	if err != nil {
		log.Fatal("failed to construct event bus", zap.Error(err))
	}
	defer provided.Cleanup()
	bus := provided.Bus

	registry := prometheus.NewRegistry()
	spawner := procmanager.NewExecSpawner(cfg.Supervisor)
	manager := procmanager.New(cfg.Supervisor, cfg.Queue, bus, spawner, log, registry)
	manager.Start()

	sesSvc, err := ses.New(ses.Config{
		Manager:      manager,
		Bus:          bus,
		ReadyTimeout: cfg.Supervisor.StartupTimeout(),
		AbortScripts: abortScriptsFromConfig(cfg.SES.AbortScripts),
		Log:          log,
	})
	if err != nil {
		log.Fatal("failed to construct script execution service", zap.Error(err))
	}

	requestSubs, err := sesSvc.RegisterHandlers(bus)
	if err != nil {
		log.Fatal("failed to register script execution service handlers", zap.Error(err))
	}

	var metricsServer *http.Server
	if cfg.Supervisor.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: ":9090", Handler: mux}
		go func() {
			log.Info("metrics server listening", zap.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	log.Info("script execution core supervisor ready")

	<-signals.Context().Done()
	log.Info("shutting down script execution core supervisor")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	for _, sub := range requestSubs {
		_ = sub.Unsubscribe()
	}
	sesSvc.Shutdown()

	log.Info("script execution core supervisor stopped")
}

// abortScriptsFromConfig resolves the configured prefix -> URI map into
// Script references. Every configured abort script is a filesystem
// plugin; the repo variant is reserved for Procedures submitted at
// runtime, which always carry their own fully-formed Script.
func abortScriptsFromConfig(raw map[string]string) map[string]scriptsource.Script {
	out := make(map[string]scriptsource.Script, len(raw))
	for prefix, uri := range raw {
		out[prefix] = scriptsource.Filesystem(uri)
	}
	return out
}
