// The history-api serves a user's conversation listing and messages from
// the history container.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cascadechat/cascade/internal/config"
	"github.com/cascadechat/cascade/internal/historyapi"
	"github.com/cascadechat/cascade/internal/httpapi"
	"github.com/cascadechat/cascade/internal/logger"
	"github.com/cascadechat/cascade/internal/store"
	"github.com/cascadechat/cascade/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "history-api:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.ValidateHistoryAPI(); err != nil {
		return err
	}

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName: "history-api",
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		Environment: cfg.Environment,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	telemetry.ServeMetrics(ctx, cfg.MetricsAddr, log)

	cosmosClient, err := store.NewClient(cfg.CosmosEndpoint, cfg.CosmosDatabase)
	if err != nil {
		return err
	}
	historyContainer, err := cosmosClient.Container(cfg.HistoryContainer)
	if err != nil {
		return err
	}

	engine := httpapi.NewEngine(cfg.GinMode, log, cfg.CORSAllowedOrigins)
	historyapi.New(store.NewHistoryStore(historyContainer, log), log).Routes(engine)

	serveErr := httpapi.Serve(ctx, ":"+cfg.Port, engine, log)

	if err := shutdownTracing(context.Background()); err != nil {
		log.Warn("shutting down tracing", "error", err)
	}
	return serveErr
}
