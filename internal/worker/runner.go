// Package worker is the shared shell run by every consumer: it accepts
// session receivers, dispatches messages under a bounded concurrency budget,
// settles them, and drains gracefully on shutdown.
//
// Ordering rests on the bus: one accepted session delivers its messages FIFO
// to one receiver, and each session runs in a single goroutine here, so
// parallelism is across sessions only.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cascadechat/cascade/internal/bus"
	"github.com/cascadechat/cascade/internal/logger"
	"github.com/cascadechat/cascade/internal/telemetry"
)

// HandlerFunc processes one bus message. A nil return completes the
// message; a Terminal error completes it too (consumed, not retried); any
// other error abandons it for redelivery.
type HandlerFunc func(ctx context.Context, msg *bus.Message) error

const settleTimeout = 30 * time.Second

// Config for a Runner.
type Config struct {
	Name           string
	Subscriber     bus.Subscriber
	Handler        HandlerFunc
	Logger         *logger.Logger
	MaxConcurrency int
	ReconnectDelay time.Duration
	DrainTimeout   time.Duration
}

// Runner owns the receive-dispatch loop of one worker process.
type Runner struct {
	cfg Config
	log *logger.Logger
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// New builds a runner.
func New(cfg Config) *Runner {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	return &Runner{
		cfg: cfg,
		log: cfg.Logger.WithComponent(cfg.Name),
		sem: semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
	}
}

// Run accepts sessions until ctx is cancelled, then drains in-flight work
// within the drain timeout. In-flight handlers keep running on a context
// detached from the shutdown signal; on drain timeout they are cancelled and
// their messages left to lock expiry.
func (r *Runner) Run(ctx context.Context) error {
	procCtx, procCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer procCancel()

	r.log.Info("worker started", "max_concurrency", r.cfg.MaxConcurrency)

	for {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}

		receiver, err := r.cfg.Subscriber.NextSession(ctx)
		if err != nil {
			r.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, bus.ErrNoSessions) {
				continue
			}
			r.log.Error("accepting session failed, reconnecting", "error", err)
			select {
			case <-time.After(r.cfg.ReconnectDelay):
			case <-ctx.Done():
			}
			continue
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.sem.Release(1)
			r.runSession(ctx, procCtx, receiver)
		}()
	}

	return r.drain(procCancel)
}

// runSession consumes one session serially until it idles out, the lock is
// lost, or shutdown is signaled.
func (r *Runner) runSession(acceptCtx, procCtx context.Context, receiver bus.SessionReceiver) {
	log := &logger.Logger{Logger: r.log.With("bus_session_id", receiver.SessionID())}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(procCtx), settleTimeout)
		defer cancel()
		if err := receiver.Close(closeCtx); err != nil {
			log.Warn("closing session receiver", "error", err)
		}
	}()

	for {
		msg, err := receiver.Receive(acceptCtx)
		if err != nil {
			if acceptCtx.Err() == nil && !errors.Is(err, bus.ErrNoSessions) {
				log.Warn("session receive ended", "error", err)
			}
			return
		}
		r.processOne(procCtx, receiver, msg, log)
		if acceptCtx.Err() != nil {
			return
		}
	}
}

func (r *Runner) processOne(procCtx context.Context, receiver bus.SessionReceiver, msg *bus.Message, log *logger.Logger) {
	telemetry.InFlight.WithLabelValues(r.cfg.Name).Inc()
	timer := time.Now()
	defer func() {
		telemetry.InFlight.WithLabelValues(r.cfg.Name).Dec()
		telemetry.ProcessingDuration.WithLabelValues(r.cfg.Name).Observe(time.Since(timer).Seconds())
	}()

	err := r.cfg.Handler(procCtx, msg)

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(procCtx), settleTimeout)
	defer cancel()

	switch {
	case err == nil:
		if serr := receiver.Complete(settleCtx, msg); serr != nil {
			log.Error("completing message failed, lock will expire", "error", serr, "message_id", msg.MessageID)
			return
		}
		telemetry.MessagesProcessed.WithLabelValues(r.cfg.Name).Inc()

	case IsTerminal(err):
		log.Error("terminal failure, consuming message", "error", err, "message_id", msg.MessageID)
		if serr := receiver.Complete(settleCtx, msg); serr != nil {
			log.Error("completing terminal message failed", "error", serr, "message_id", msg.MessageID)
		}
		telemetry.MessagesFailed.WithLabelValues(r.cfg.Name, "terminal").Inc()

	default:
		log.Error("processing failed, abandoning for redelivery",
			"error", err, "message_id", msg.MessageID, "delivery_count", msg.DeliveryCount)
		if serr := receiver.Abandon(settleCtx, msg); serr != nil {
			log.Error("abandoning message failed, lock will expire", "error", serr, "message_id", msg.MessageID)
		}
		telemetry.MessagesFailed.WithLabelValues(r.cfg.Name, "retryable").Inc()
	}
}

// drain waits for in-flight sessions, cancelling residual work on timeout.
func (r *Runner) drain(procCancel context.CancelFunc) error {
	r.log.Info("draining", "timeout", r.cfg.DrainTimeout.String())

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info("drained cleanly")
	case <-time.After(r.cfg.DrainTimeout):
		r.log.Warn("drain timeout, cancelling residual tasks")
		procCancel()
		<-done
	}
	return nil
}
