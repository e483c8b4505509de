// Package conversation defines the data model shared by the workers and the
// HTTP services: the cached conversation, the persisted documents, and the
// events that travel on the bus.
package conversation

import (
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCallFunction is the function part of an assistant tool call.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a tool invocation requested by the assistant.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// Message is one entry of a conversation. Assistant messages that request
// tools carry ToolCalls; tool result messages carry ToolCallID.
type Message struct {
	MessageID  string     `json:"messageId"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Timestamp  time.Time  `json:"timestamp"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Conversation is the cached per-session state. The first message, when the
// session has one, is the pinned system instruction.
type Conversation struct {
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	Title        *string   `json:"title"`
	Messages     []Message `json:"messages"`
}

// HasSystemMessage reports whether the conversation already carries a pinned
// system instruction at its head.
func (c *Conversation) HasSystemMessage() bool {
	return len(c.Messages) > 0 && c.Messages[0].Role == RoleSystem
}

// Append adds messages and refreshes lastActivity.
func (c *Conversation) Append(now time.Time, msgs ...Message) {
	c.Messages = append(c.Messages, msgs...)
	c.LastActivity = now
}

// HistoryDocument mirrors the conversation for long-term storage. The id and
// the partition key are both the session id, so upserts are idempotent.
type HistoryDocument struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	PersistedAt  time.Time `json:"persistedAt"`
	Title        *string   `json:"title"`
	Messages     []Message `json:"messages"`
}

// NewHistoryDocument builds the document persisted by the history worker.
func NewHistoryDocument(c *Conversation, title *string, now time.Time) *HistoryDocument {
	return &HistoryDocument{
		ID:           c.SessionID,
		SessionID:    c.SessionID,
		UserID:       c.UserID,
		CreatedAt:    c.CreatedAt,
		LastActivity: c.LastActivity,
		PersistedAt:  now,
		Title:        title,
		Messages:     c.Messages,
	}
}
