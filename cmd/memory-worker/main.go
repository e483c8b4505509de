// The memory-worker derives conversation summaries and user profile updates
// from completed turns and persists them to the memory containers.
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
	"github.com/cascadechat/cascade/internal/llm"
	"github.com/cascadechat/cascade/internal/logger"
	"github.com/cascadechat/cascade/internal/memoryworker"
	"github.com/cascadechat/cascade/internal/store"
	"github.com/cascadechat/cascade/internal/telemetry"
	"github.com/cascadechat/cascade/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "memory-worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.ValidateMemoryWorker(); err != nil {
		return err
	}

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName: "memory-worker",
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
	memConversations, err := cosmosClient.Container(cfg.ConversationMemoriesContainer)
	if err != nil {
		return err
	}
	userMemories, err := cosmosClient.Container(cfg.UserMemoriesContainer)
	if err != nil {
		return err
	}

	llmClient := llm.New(llm.Config{
		Endpoint:             cfg.OpenAIEndpoint,
		APIKey:               cfg.OpenAIAPIKey,
		APIVersion:           cfg.OpenAIAPIVersion,
		ChatDeployment:       cfg.ChatDeployment,
		EmbeddingsDeployment: cfg.EmbeddingsDeployment,
	})

	processor := memoryworker.New(memoryworker.Config{
		Cache:  conversations,
		Store:  store.NewMemoryStore(memConversations, userMemories, log),
		LLM:    llmClient,
		Logger: log,
	})

	drain := cfg.DrainTimeout
	if drain == 0 {
		drain = config.DefaultWorkerDrainTimeout
	}
	runner := worker.New(worker.Config{
		Name:           "memory-worker",
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
