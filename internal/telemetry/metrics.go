package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cascadechat/cascade/internal/logger"
)

var (
	// MessagesProcessed counts successfully settled messages per worker.
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cascade_messages_processed_total",
		Help: "Bus messages completed successfully.",
	}, []string{"worker"})

	// MessagesFailed counts abandoned messages per worker and failure kind.
	MessagesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cascade_messages_failed_total",
		Help: "Bus messages abandoned or consumed as terminal failures.",
	}, []string{"worker", "kind"})

	// InFlight tracks messages currently being processed per worker.
	InFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cascade_messages_in_flight",
		Help: "Messages currently being processed.",
	}, []string{"worker"})

	// ProcessingDuration observes end-to-end per-message processing time.
	ProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cascade_message_processing_seconds",
		Help:    "Per-message processing duration.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"worker"})

	// TokensStreamed counts token events published by the LLM worker.
	TokensStreamed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cascade_tokens_streamed_total",
		Help: "Token events published to the token stream topic.",
	})

	// ToolCalls counts tool invocations by outcome.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cascade_tool_calls_total",
		Help: "Tool invocations executed by the LLM worker.",
	}, []string{"tool", "outcome"})
)

// ServeMetrics exposes /metrics on addr until ctx is cancelled. An empty
// addr disables the listener.
func ServeMetrics(ctx context.Context, addr string, log *logger.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics listener failed", "error", err, "addr", addr)
		}
	}()
}
