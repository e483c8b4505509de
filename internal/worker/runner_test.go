package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadechat/cascade/internal/bus"
	"github.com/cascadechat/cascade/internal/logger"
)

type fakeReceiver struct {
	id   string
	msgs []*bus.Message

	mu        sync.Mutex
	next      int
	completed []string
	abandoned []string
	closed    bool
}

func (f *fakeReceiver) SessionID() string { return f.id }

func (f *fakeReceiver) Receive(ctx context.Context) (*bus.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if f.next >= len(f.msgs) {
		return nil, bus.ErrNoSessions
	}
	m := f.msgs[f.next]
	f.next++
	return m, nil
}

func (f *fakeReceiver) Complete(ctx context.Context, msg *bus.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, msg.MessageID)
	return nil
}

func (f *fakeReceiver) Abandon(ctx context.Context, msg *bus.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, msg.MessageID)
	return nil
}

func (f *fakeReceiver) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeSubscriber struct {
	sessions chan bus.SessionReceiver
}

func (f *fakeSubscriber) NextSession(ctx context.Context) (bus.SessionReceiver, error) {
	select {
	case r := <-f.sessions:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSubscriber) Close(ctx context.Context) error { return nil }

func msg(id string, body string) *bus.Message {
	return &bus.Message{MessageID: id, SessionID: "s1", Body: []byte(body)}
}

func newRunner(sub bus.Subscriber, handler HandlerFunc) *Runner {
	return New(Config{
		Name:           "test-worker",
		Subscriber:     sub,
		Handler:        handler,
		Logger:         logger.New(logger.Config{Format: "text"}),
		MaxConcurrency: 4,
		ReconnectDelay: time.Millisecond,
		DrainTimeout:   2 * time.Second,
	})
}

func TestSettlementDiscipline(t *testing.T) {
	rec := &fakeReceiver{id: "s1", msgs: []*bus.Message{
		msg("ok", "ok"),
		msg("boom", "boom"),
		msg("bad-input", "bad-input"),
	}}
	sub := &fakeSubscriber{sessions: make(chan bus.SessionReceiver, 1)}
	sub.sessions <- rec

	processed := make(chan string, 3)
	handler := func(ctx context.Context, m *bus.Message) error {
		processed <- m.MessageID
		switch string(m.Body) {
		case "boom":
			return errors.New("transient failure")
		case "bad-input":
			return Terminal(errors.New("malformed"))
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	runnerDone := make(chan struct{})
	r := newRunner(sub, handler)
	go func() {
		_ = r.Run(ctx)
		close(runnerDone)
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-processed:
		case <-time.After(2 * time.Second):
			t.Fatal("handler not invoked in time")
		}
	}
	cancel()
	<-runnerDone

	rec.mu.Lock()
	defer rec.mu.Unlock()
	// Success and terminal failure complete; transient failure abandons.
	assert.ElementsMatch(t, []string{"ok", "bad-input"}, rec.completed)
	assert.Equal(t, []string{"boom"}, rec.abandoned)
	assert.True(t, rec.closed)
}

func TestPerSessionOrdering(t *testing.T) {
	var msgs []*bus.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, msg(fmt.Sprintf("m%d", i), "ok"))
	}
	rec := &fakeReceiver{id: "s1", msgs: msgs}
	sub := &fakeSubscriber{sessions: make(chan bus.SessionReceiver, 1)}
	sub.sessions <- rec

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	handler := func(ctx context.Context, m *bus.Message) error {
		mu.Lock()
		order = append(order, m.MessageID)
		finished := len(order) == 5
		mu.Unlock()
		if finished {
			close(done)
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := newRunner(sub, handler)
	runnerDone := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(runnerDone)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages not processed in time")
	}
	cancel()
	<-runnerDone

	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, order)
}

func TestParallelAcrossSessions(t *testing.T) {
	recA := &fakeReceiver{id: "sA", msgs: []*bus.Message{{MessageID: "a1", SessionID: "sA", Body: []byte("ok")}}}
	recB := &fakeReceiver{id: "sB", msgs: []*bus.Message{{MessageID: "b1", SessionID: "sB", Body: []byte("ok")}}}
	sub := &fakeSubscriber{sessions: make(chan bus.SessionReceiver, 2)}
	sub.sessions <- recA
	sub.sessions <- recB

	// Both handlers must be in flight at once before either returns.
	barrier := make(chan struct{}, 2)
	both := make(chan struct{})
	var once sync.Once
	handler := func(ctx context.Context, m *bus.Message) error {
		barrier <- struct{}{}
		if len(barrier) == 2 {
			once.Do(func() { close(both) })
		}
		select {
		case <-both:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("peer never arrived")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := newRunner(sub, handler)
	runnerDone := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(runnerDone)
	}()

	select {
	case <-both:
	case <-time.After(2 * time.Second):
		t.Fatal("sessions were not processed in parallel")
	}
	cancel()
	<-runnerDone

	require.Equal(t, []string{"a1"}, recA.completed)
	require.Equal(t, []string{"b1"}, recB.completed)
}

func TestGracefulDrainFinishesInFlightOnly(t *testing.T) {
	rec := &fakeReceiver{id: "s1", msgs: []*bus.Message{
		msg("first", "ok"),
		msg("second", "ok"),
	}}
	sub := &fakeSubscriber{sessions: make(chan bus.SessionReceiver, 1)}
	sub.sessions <- rec

	started := make(chan struct{})
	release := make(chan struct{})
	var handled []string
	var mu sync.Mutex
	handler := func(ctx context.Context, m *bus.Message) error {
		mu.Lock()
		handled = append(handled, m.MessageID)
		mu.Unlock()
		if m.MessageID == "first" {
			close(started)
			<-release
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := newRunner(sub, handler)
	runnerDone := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(runnerDone)
	}()

	<-started
	cancel()
	close(release)

	select {
	case <-runnerDone:
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	// The in-flight message finishes and settles; the one behind the shutdown
	// signal is never picked up.
	assert.Equal(t, []string{"first"}, handled)
	assert.Equal(t, []string{"first"}, rec.completed)
	assert.True(t, rec.closed)
}

func TestTerminalMarker(t *testing.T) {
	assert.Nil(t, Terminal(nil))
	err := Terminal(errors.New("bad"))
	assert.True(t, IsTerminal(err))
	assert.True(t, IsTerminal(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsTerminal(errors.New("bad")))
}
