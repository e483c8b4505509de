// The llm-worker consumes chat requests, streams assistant replies to the
// token stream topic, and announces completed turns.
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
	"github.com/cascadechat/cascade/internal/llmworker"
	"github.com/cascadechat/cascade/internal/logger"
	"github.com/cascadechat/cascade/internal/memoryclient"
	"github.com/cascadechat/cascade/internal/telemetry"
	"github.com/cascadechat/cascade/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "llm-worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.ValidateLLMWorker(); err != nil {
		return err
	}

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName: "llm-worker",
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

	tokens, err := busClient.NewSender(cfg.TokenStreamsTopic)
	if err != nil {
		return err
	}
	completions, err := busClient.NewSender(cfg.MessageCompletedTopic)
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

	llmClient := llm.New(llm.Config{
		Endpoint:       cfg.OpenAIEndpoint,
		APIKey:         cfg.OpenAIAPIKey,
		APIVersion:     cfg.OpenAIAPIVersion,
		ChatDeployment: cfg.ChatDeployment,
	})
	memoryAPI := memoryclient.New(cfg.MemoryAPIEndpoint, cfg.MemoryAPITimeout)

	processor := llmworker.New(llmworker.Config{
		Cache:         conversations,
		LLM:           llmClient,
		Memory:        memoryAPI,
		Tokens:        tokens,
		Completions:   completions,
		Logger:        log,
		MaxToolRounds: cfg.MaxToolRounds,
		RecordContent: cfg.RecordMessageContent,
	})

	drain := cfg.DrainTimeout
	if drain == 0 {
		drain = config.DefaultLLMDrainTimeout
	}
	runner := worker.New(worker.Config{
		Name:           "llm-worker",
		Subscriber:     busClient.NewSubscriber(cfg.UserMessagesTopic, cfg.UserMessagesSubscription),
		Handler:        processor.Handle,
		Logger:         log,
		MaxConcurrency: cfg.MaxConcurrency,
		ReconnectDelay: cfg.ReconnectDelay,
		DrainTimeout:   drain,
	})

	runErr := runner.Run(ctx)

	// Teardown in reverse initialization order.
	closeCtx := context.Background()
	if err := completions.Close(closeCtx); err != nil {
		log.Warn("closing completion sender", "error", err)
	}
	if err := tokens.Close(closeCtx); err != nil {
		log.Warn("closing token sender", "error", err)
	}
	if err := busClient.Close(closeCtx); err != nil {
		log.Warn("closing bus client", "error", err)
	}
	if err := shutdownTracing(closeCtx); err != nil {
		log.Warn("shutting down tracing", "error", err)
	}
	return runErr
}
