// Package historyworker persists the final conversation state after each
// completed turn, generating a title on the first persistence.
package historyworker

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cascadechat/cascade/internal/bus"
	"github.com/cascadechat/cascade/internal/conversation"
	"github.com/cascadechat/cascade/internal/logger"
	"github.com/cascadechat/cascade/internal/telemetry"
	"github.com/cascadechat/cascade/internal/worker"
)

// ConversationCache is the session cache surface the worker needs.
type ConversationCache interface {
	Get(ctx context.Context, sessionID string) (*conversation.Conversation, error)
}

// HistoryUpserter persists history documents.
type HistoryUpserter interface {
	Upsert(ctx context.Context, doc *conversation.HistoryDocument) error
}

// TitleCompleter runs the short non-streaming completion used for titles.
type TitleCompleter interface {
	Complete(ctx context.Context, messages []openai.ChatCompletionMessage, maxTokens int, temperature float32) (string, error)
}

// Config for the processor.
type Config struct {
	Cache  ConversationCache
	Store  HistoryUpserter
	LLM    TitleCompleter
	Logger *logger.Logger
}

// Processor handles one completion event per bus message.
type Processor struct {
	cache ConversationCache
	store HistoryUpserter
	llm   TitleCompleter
	log   *logger.Logger
	now   func() time.Time
}

// New builds a processor.
func New(cfg Config) *Processor {
	return &Processor{
		cache: cfg.Cache,
		store: cfg.Store,
		llm:   cfg.LLM,
		log:   cfg.Logger.WithComponent("history-worker"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Handle persists one completed turn. Upserting by session id makes
// redelivery converge on the same document.
func (p *Processor) Handle(ctx context.Context, msg *bus.Message) error {
	ev, err := conversation.ParseCompletionEvent(msg.Body)
	if err != nil {
		return worker.Terminal(err)
	}

	ctx = logger.WithSessionID(ctx, ev.SessionID)
	ctx = logger.WithUserID(ctx, ev.UserID)
	ctx = logger.WithChatMessageID(ctx, ev.ChatMessageID)
	ctx, span := telemetry.StartSpan(ctx, "historyworker", "persist_history")
	defer span.End()

	// The LLM worker may have failed its cache write; redelivery gives it
	// time to catch up on the next turn.
	conv, err := p.cache.Get(ctx, ev.SessionID)
	if err != nil {
		return fmt.Errorf("reading conversation for history: %w", err)
	}

	title := conv.Title
	if title == nil || *title == "" {
		generated := p.generateTitle(ctx, conv)
		title = &generated
	}

	doc := conversation.NewHistoryDocument(conv, title, p.now())
	if err := p.store.Upsert(ctx, doc); err != nil {
		return fmt.Errorf("persisting history: %w", err)
	}

	p.log.WithContext(ctx).Info("history persisted",
		"message_count", len(doc.Messages), "title", *title)
	return nil
}
