// The history-worker persists completed conversations to the history
// container, titling them on first persistence.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cascadechat/cascade/internal/bus"
	"github.com/cascadechat/cascade/internal/cache"
	"github.com/cascadechat/cascade/internal/config"
	"github.com/cascadechat/cascade/internal/historyworker"
	"github.com/cascadechat/cascade/internal/llm"
	"github.com/cascadechat/cascade/internal/logger"
	"github.com/cascadechat/cascade/internal/store"
	"github.com/cascadechat/cascade/internal/telemetry"
	"github.com/cascadechat/cascade/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "history-worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.ValidateHistoryWorker(); err != nil {
		return err
	}

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName: "history-worker",
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		Environment: cfg.Environment,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	telemetry.ServeMetrics(ctx, cfg.MetricsAddr, log)

	busClient, err := bus.NewClient(cfg.ServiceBusNamespace)
	if err != nil {
		return err
	}

	conversations, err := cache.New(ctx, cache.Options{
		Addr:     cfg.RedisAddr(),
		Password: os.Getenv("REDIS_PASSWORD"),
		UseTLS:   cfg.RedisSSL,
	})
	if err != nil {
		return err
	}

	cosmosClient, err := store.NewClient(cfg.CosmosEndpoint, cfg.CosmosDatabase)
	if err != nil {
		return err
	}
	historyContainer, err := cosmosClient.Container(cfg.HistoryContainer)
	if err != nil {
		return err
	}

	llmClient := llm.New(llm.Config{
		Endpoint:       cfg.OpenAIEndpoint,
		APIKey:         cfg.OpenAIAPIKey,
		APIVersion:     cfg.OpenAIAPIVersion,
		ChatDeployment: cfg.ChatDeployment,
	})

	processor := historyworker.New(historyworker.Config{
		Cache:  conversations,
		Store:  store.NewHistoryStore(historyContainer, log),
		LLM:    llmClient,
		Logger: log,
	})

	drain := cfg.DrainTimeout
	if drain == 0 {
		drain = config.DefaultWorkerDrainTimeout
	}
	runner := worker.New(worker.Config{
		Name:           "history-worker",
		Subscriber:     busClient.NewSubscriber(cfg.MessageCompletedTopic, cfg.MessageCompletedSubscription),
		Handler:        processor.Handle,
		Logger:         log,
		MaxConcurrency: cfg.MaxConcurrency,
		ReconnectDelay: cfg.ReconnectDelay,
		DrainTimeout:   drain,
	})

	runErr := runner.Run(ctx)

	closeCtx := context.Background()
	if err := busClient.Close(closeCtx); err != nil {
		log.Warn("closing bus client", "error", err)
	}
	if err := shutdownTracing(closeCtx); err != nil {
		log.Warn("shutting down tracing", "error", err)
	}
	return runErr
}
