// Package memoryworker derives structured memory from completed turns: a
// per-conversation summary with an embedding, and updates to the user's
// consolidated profile.
package memoryworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cascadechat/cascade/internal/bus"
	"github.com/cascadechat/cascade/internal/conversation"
	"github.com/cascadechat/cascade/internal/logger"
	"github.com/cascadechat/cascade/internal/store"
	"github.com/cascadechat/cascade/internal/telemetry"
	"github.com/cascadechat/cascade/internal/worker"
)

// ConversationCache is the session cache surface the worker needs.
type ConversationCache interface {
	Get(ctx context.Context, sessionID string) (*conversation.Conversation, error)
}

// MemoryStore persists memory documents.
type MemoryStore interface {
	UpsertConversationMemory(ctx context.Context, mem *conversation.ConversationMemory) error
	GetUserMemory(ctx context.Context, userID string) (*conversation.UserMemory, error)
	UpsertUserMemory(ctx context.Context, mem *conversation.UserMemory) error
}

// Extractor runs the JSON-schema completions and embeddings.
type Extractor interface {
	CompleteJSON(ctx context.Context, messages []openai.ChatCompletionMessage, schemaName string, schema json.RawMessage, out any) error
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config for the processor.
type Config struct {
	Cache  ConversationCache
	Store  MemoryStore
	LLM    Extractor
	Logger *logger.Logger
}

// Processor handles one completion event per bus message.
type Processor struct {
	cache ConversationCache
	store MemoryStore
	llm   Extractor
	log   *logger.Logger
	now   func() time.Time
}

// New builds a processor.
func New(cfg Config) *Processor {
	return &Processor{
		cache: cfg.Cache,
		store: cfg.Store,
		llm:   cfg.LLM,
		log:   cfg.Logger.WithComponent("memory-worker"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Handle extracts and persists memory for one completed turn. Both writes
// are idempotent upserts, so redelivery is safe.
func (p *Processor) Handle(ctx context.Context, msg *bus.Message) error {
	ev, err := conversation.ParseCompletionEvent(msg.Body)
	if err != nil {
		return worker.Terminal(err)
	}
	if ev.UserID == "" {
		return worker.Terminal(fmt.Errorf("completion event missing userId"))
	}

	ctx = logger.WithSessionID(ctx, ev.SessionID)
	ctx = logger.WithUserID(ctx, ev.UserID)
	ctx = logger.WithChatMessageID(ctx, ev.ChatMessageID)
	ctx, span := telemetry.StartSpan(ctx, "memoryworker", "extract_memory")
	defer span.End()

	conv, err := p.cache.Get(ctx, ev.SessionID)
	if err != nil {
		return fmt.Errorf("reading conversation for memory: %w", err)
	}

	summary := p.summarize(ctx, conv)

	// An empty vector still gets stored; vector search skips such documents.
	embedding, err := p.llm.Embed(ctx, (&conversation.ConversationMemory{
		Summary:       summary.Summary,
		Themes:        summary.Themes,
		Persons:       summary.Persons,
		Places:        summary.Places,
		UserSentiment: summary.UserSentiment,
	}).EmbeddingText())
	if err != nil {
		p.log.WithContext(ctx).Warn("embedding failed, storing without vector", "error", err)
		embedding = []float32{}
	}

	now := p.now()
	mem := &conversation.ConversationMemory{
		ID:            conversation.ConversationMemoryID(ev.SessionID, ev.UserID),
		UserID:        ev.UserID,
		SessionID:     ev.SessionID,
		Summary:       summary.Summary,
		Themes:        summary.Themes,
		Persons:       summary.Persons,
		Places:        summary.Places,
		UserSentiment: summary.UserSentiment,
		Timestamp:     now,
		Embedding:     embedding,
	}
	if err := p.store.UpsertConversationMemory(ctx, mem); err != nil {
		return fmt.Errorf("persisting conversation memory: %w", err)
	}

	if err := p.updateUserMemory(ctx, ev.UserID, conv); err != nil {
		return err
	}

	p.log.WithContext(ctx).Info("memory persisted",
		"themes", len(summary.Themes), "embedded", len(embedding) > 0)
	return nil
}

// updateUserMemory reads the profile, extracts merged updates, and replaces
// every returned category in full.
func (p *Processor) updateUserMemory(ctx context.Context, userID string, conv *conversation.Conversation) error {
	existing, err := p.store.GetUserMemory(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		existing = conversation.NewUserMemory(userID)
	} else if err != nil {
		return fmt.Errorf("reading user memory: %w", err)
	}

	updates, err := p.extractUpdates(ctx, existing, conv)
	if err != nil {
		return err
	}

	changed := existing.ApplyUpdates(updates, p.now())
	existing.Timestamp = p.now()
	if err := p.store.UpsertUserMemory(ctx, existing); err != nil {
		return fmt.Errorf("persisting user memory: %w", err)
	}
	if changed {
		p.log.WithContext(ctx).Info("user profile updated")
	}
	return nil
}
