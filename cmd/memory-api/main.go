// The memory-api serves user profiles and semantic conversation search over
// the memory containers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cascadechat/cascade/internal/config"
	"github.com/cascadechat/cascade/internal/httpapi"
	"github.com/cascadechat/cascade/internal/llm"
	"github.com/cascadechat/cascade/internal/logger"
	"github.com/cascadechat/cascade/internal/memoryapi"
	"github.com/cascadechat/cascade/internal/store"
	"github.com/cascadechat/cascade/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "memory-api:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.ValidateMemoryAPI(); err != nil {
		return err
	}

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName: "memory-api",
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
		EmbeddingsDeployment: cfg.EmbeddingsDeployment,
	})

	engine := httpapi.NewEngine(cfg.GinMode, log, cfg.CORSAllowedOrigins)
	memoryapi.New(store.NewMemoryStore(memConversations, userMemories, log), llmClient, log).Routes(engine)

	serveErr := httpapi.Serve(ctx, ":"+cfg.Port, engine, log)

	if err := shutdownTracing(context.Background()); err != nil {
		log.Warn("shutting down tracing", "error", err)
	}
	return serveErr
}
