// Package llmworker turns chat requests into streamed assistant replies:
// history load, system prompt with user memory, streaming generation with
// tool calling, cache persistence, and the completion event.
package llmworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cascadechat/cascade/internal/bus"
	"github.com/cascadechat/cascade/internal/cache"
	"github.com/cascadechat/cascade/internal/conversation"
	"github.com/cascadechat/cascade/internal/llm"
	"github.com/cascadechat/cascade/internal/logger"
	"github.com/cascadechat/cascade/internal/memoryclient"
	"github.com/cascadechat/cascade/internal/telemetry"
	"github.com/cascadechat/cascade/internal/worker"
)

// ConversationCache is the session cache surface the processor needs.
type ConversationCache interface {
	Get(ctx context.Context, sessionID string) (*conversation.Conversation, error)
	Put(ctx context.Context, conv *conversation.Conversation) error
}

// MemoryAPI is the memory read API surface: profile fetch for the system
// prompt and semantic search for the tool.
type MemoryAPI interface {
	FetchUserMemory(ctx context.Context, userID string) (*memoryclient.UserMemory, error)
	SearchConversations(ctx context.Context, userID, query string, limit int) (*memoryclient.SearchResponse, error)
}

// Config for the processor.
type Config struct {
	Cache         ConversationCache
	LLM           llm.Streamer
	Memory        MemoryAPI
	Tokens        bus.Sender
	Completions   bus.Sender
	Logger        *logger.Logger
	MaxToolRounds int
	RecordContent bool
}

// Processor handles one chat request per bus message.
type Processor struct {
	cache         ConversationCache
	llm           llm.Streamer
	memory        MemoryAPI
	tokens        bus.Sender
	completions   bus.Sender
	log           *logger.Logger
	maxToolRounds int
	recordContent bool
	now           func() time.Time
}

// New builds a processor.
func New(cfg Config) *Processor {
	if cfg.MaxToolRounds < 1 {
		cfg.MaxToolRounds = 3
	}
	return &Processor{
		cache:         cfg.Cache,
		llm:           cfg.LLM,
		memory:        cfg.Memory,
		tokens:        cfg.Tokens,
		completions:   cfg.Completions,
		log:           cfg.Logger.WithComponent("llm-worker"),
		maxToolRounds: cfg.MaxToolRounds,
		recordContent: cfg.RecordContent,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes one chat request end to end.
func (p *Processor) Handle(ctx context.Context, msg *bus.Message) error {
	req, err := conversation.ParseChatRequest(msg.Body)
	if err != nil {
		// Malformed input never retries. Close the token stream so the
		// delivery tier does not wait forever, then consume the message.
		if req != nil && req.SessionID != "" && req.ChatMessageID != "" {
			p.publishEndOfStream(ctx, req.SessionID, req.ChatMessageID)
		}
		return worker.Terminal(err)
	}

	ctx = logger.WithSessionID(ctx, req.SessionID)
	ctx = logger.WithUserID(ctx, req.UserID)
	ctx = logger.WithChatMessageID(ctx, req.ChatMessageID)
	ctx, span := telemetry.StartSpan(ctx, "llmworker", "process_message")
	defer span.End()

	log := p.log.WithContext(ctx)
	if p.recordContent {
		log.Info("processing chat request", "text", req.Text)
	} else {
		log.Info("processing chat request", "text_len", len(req.Text))
	}

	now := p.now()

	conv, newSession, err := p.loadHistory(ctx, req, now)
	if err != nil {
		return err
	}

	systemContent := ""
	if newSession {
		systemContent = p.buildSystemPrompt(ctx, req.UserID)
	}

	finalText, err := p.generate(ctx, req, conv, systemContent)
	if err != nil {
		return err
	}

	p.publishEndOfStream(ctx, req.SessionID, req.ChatMessageID)

	p.persist(ctx, conv, req, systemContent, finalText, newSession)

	if err := p.publishCompletion(ctx, req); err != nil {
		return err
	}

	log.Info("chat request completed", "response_len", len(finalText), "new_session", newSession)
	return nil
}

// loadHistory reads the cached conversation. A cache miss starts a new
// session; a user-id mismatch is treated as a miss so one user's history can
// never leak into another's turn.
func (p *Processor) loadHistory(ctx context.Context, req *conversation.ChatRequest, now time.Time) (*conversation.Conversation, bool, error) {
	conv, err := p.cache.Get(ctx, req.SessionID)
	if errors.Is(err, cache.ErrNotFound) {
		return p.newConversation(req, now), true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading history: %w", err)
	}
	if conv.UserID != req.UserID {
		p.log.WithContext(ctx).Warn("cached session belongs to another user, starting fresh",
			"cached_user_id", conv.UserID)
		return p.newConversation(req, now), true, nil
	}
	return conv, !conv.HasSystemMessage(), nil
}

func (p *Processor) newConversation(req *conversation.ChatRequest, now time.Time) *conversation.Conversation {
	return &conversation.Conversation{
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		CreatedAt:    now,
		LastActivity: now,
		Title:        nil,
	}
}

// buildSystemPrompt fetches the user's memory under the client's short
// timeout and renders the pinned instruction. Any failure renders the
// instruction with empty memory; the turn never blocks on the memory API.
func (p *Processor) buildSystemPrompt(ctx context.Context, userID string) string {
	mem, err := p.memory.FetchUserMemory(ctx, userID)
	if err != nil {
		p.log.WithContext(ctx).Warn("user memory unavailable, using empty profile", "error", err)
		mem = nil
	}
	return renderSystemPrompt(mem)
}

// generate runs the streaming completion with the tool loop and returns the
// assistant's full reply text.
func (p *Processor) generate(ctx context.Context, req *conversation.ChatRequest, conv *conversation.Conversation, systemContent string) (string, error) {
	messages := buildChatMessages(conv, systemContent, req.Text)

	var full strings.Builder
	for round := 0; ; round++ {
		stream, err := p.llm.StreamChat(ctx, openai.ChatCompletionRequest{
			Messages:   messages,
			Tools:      chatTools,
			ToolChoice: "auto",
		})
		if err != nil {
			return "", fmt.Errorf("starting completion: %w", err)
		}

		text, calls, err := p.consumeStream(ctx, stream, req)
		if err != nil {
			return "", err
		}
		full.WriteString(text)

		if len(calls) == 0 {
			return full.String(), nil
		}
		if round >= p.maxToolRounds {
			p.log.WithContext(ctx).Warn("tool round budget exhausted", "rounds", round)
			return full.String(), nil
		}

		messages = append(messages, assistantToolCallMessage(text, calls))
		for _, call := range calls {
			result := p.executeToolCall(ctx, req.UserID, call)
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}
}

// consumeStream drains one streaming completion, forwarding every content
// delta as a token event and reassembling tool-call deltas.
func (p *Processor) consumeStream(ctx context.Context, stream llm.ChatStream, req *conversation.ChatRequest) (string, []conversation.ToolCall, error) {
	defer stream.Close()

	var text strings.Builder
	acc := llm.NewToolCallAccumulator()
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("reading stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			if err := p.publishToken(ctx, req.SessionID, req.ChatMessageID, delta.Content); err != nil {
				return "", nil, err
			}
		}
		for _, tc := range delta.ToolCalls {
			acc.Add(tc)
		}
	}
	return text.String(), acc.Finalize(), nil
}

// persist appends this turn to the cache. Failures are logged, not fatal:
// the reply already streamed, and retrying the whole turn for a cache write
// would regenerate it.
func (p *Processor) persist(ctx context.Context, conv *conversation.Conversation, req *conversation.ChatRequest, systemContent, finalText string, newSession bool) {
	now := p.now()
	if newSession && systemContent != "" {
		conv.Messages = append([]conversation.Message{{
			MessageID: req.ChatMessageID + "_system",
			Role:      conversation.RoleSystem,
			Content:   systemContent,
			Timestamp: now,
		}}, conv.Messages...)
	}
	conv.Append(now,
		conversation.Message{
			MessageID: req.ChatMessageID + "_user",
			Role:      conversation.RoleUser,
			Content:   req.Text,
			Timestamp: now,
		},
		conversation.Message{
			MessageID: req.ChatMessageID + "_assistant",
			Role:      conversation.RoleAssistant,
			Content:   finalText,
			Timestamp: now,
		},
	)

	if err := p.cache.Put(ctx, conv); err != nil {
		p.log.LogError(ctx, err, "cache write failed, history worker will see a stale or missing entry")
	}
}

func (p *Processor) publishToken(ctx context.Context, sessionID, chatMessageID, token string) error {
	body, err := json.Marshal(conversation.TokenEvent{
		SessionID:     sessionID,
		ChatMessageID: chatMessageID,
		Token:         token,
	})
	if err != nil {
		return fmt.Errorf("encoding token event: %w", err)
	}
	if err := p.tokens.Send(ctx, &bus.Message{Body: body, SessionID: sessionID}); err != nil {
		return fmt.Errorf("publishing token event: %w", err)
	}
	telemetry.TokensStreamed.Inc()
	return nil
}

// publishEndOfStream closes the token stream for a turn. Best effort: by the
// time it runs the reply has either fully streamed or terminally failed.
func (p *Processor) publishEndOfStream(ctx context.Context, sessionID, chatMessageID string) {
	body, err := json.Marshal(conversation.TokenEvent{
		SessionID:     sessionID,
		ChatMessageID: chatMessageID,
		EndOfStream:   true,
	})
	if err != nil {
		return
	}
	if err := p.tokens.Send(ctx, &bus.Message{Body: body, SessionID: sessionID}); err != nil {
		p.log.LogError(ctx, err, "publishing end-of-stream sentinel failed")
	}
}

func (p *Processor) publishCompletion(ctx context.Context, req *conversation.ChatRequest) error {
	ev := conversation.NewCompletionEvent(req.SessionID, req.UserID, req.ChatMessageID, p.now())
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding completion event: %w", err)
	}
	err = p.completions.Send(ctx, &bus.Message{
		Body:      body,
		SessionID: req.SessionID,
		MessageID: req.ChatMessageID + "_completed",
	})
	if err != nil {
		return fmt.Errorf("publishing completion event: %w", err)
	}
	return nil
}

// buildChatMessages maps the cached history plus the new user text into the
// completion request. Cached tool exchanges are not replayed; the cache only
// holds system, user and final assistant messages.
func buildChatMessages(conv *conversation.Conversation, systemContent, userText string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(conv.Messages)+2)
	if systemContent != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemContent,
		})
	}
	for _, m := range conv.Messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	out = append(out, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userText,
	})
	return out
}

// assistantToolCallMessage converts reconstructed tool calls back into the
// assistant message that precedes their tool results.
func assistantToolCallMessage(content string, calls []conversation.ToolCall) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: content,
	}
	for _, c := range calls {
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:   c.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      c.Function.Name,
				Arguments: c.Function.Arguments,
			},
		})
	}
	return out
}
