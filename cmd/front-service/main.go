// The front-service is the chat ingress: it starts sessions and enqueues
// chat requests on the session-partitioned user-messages topic.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cascadechat/cascade/internal/bus"
	"github.com/cascadechat/cascade/internal/config"
	"github.com/cascadechat/cascade/internal/frontservice"
	"github.com/cascadechat/cascade/internal/httpapi"
	"github.com/cascadechat/cascade/internal/logger"
	"github.com/cascadechat/cascade/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "front-service:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.ValidateFrontService(); err != nil {
		return err
	}

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName: "front-service",
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

	server := frontservice.New(log)

	// Bring the sender pool up in the background; until it is ready the chat
	// endpoint answers 503 and clients retry.
	go func() {
		pool, err := bus.NewSenderPool(ctx, cfg.SenderPoolSize, func() (bus.Sender, error) {
			return busClient.NewSender(cfg.UserMessagesTopic)
		})
		if err != nil {
			log.Error("sender pool initialization failed", "error", err)
			return
		}
		server.AttachPool(pool)
		log.Info("sender pool ready", "size", pool.Size())
	}()

	engine := httpapi.NewEngine(cfg.GinMode, log, cfg.CORSAllowedOrigins)
	server.Routes(engine)

	serveErr := httpapi.Serve(ctx, ":"+cfg.Port, engine, log)

	closeCtx := context.Background()
	if err := busClient.Close(closeCtx); err != nil {
		log.Warn("closing bus client", "error", err)
	}
	if err := shutdownTracing(closeCtx); err != nil {
		log.Warn("shutting down tracing", "error", err)
	}
	return serveErr
}
