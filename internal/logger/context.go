package logger

import (
	"context"

	"github.com/google/uuid"
)

// WithSessionID adds a session ID to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithUserID adds a user ID to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextKeyUserID, userID)
}

// WithChatMessageID adds a chat message ID to the context.
func WithChatMessageID(ctx context.Context, chatMessageID string) context.Context {
	return context.WithValue(ctx, ContextKeyChatMessageID, chatMessageID)
}

// WithOperation adds an operation name to the context.
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, ContextKeyOperation, operation)
}

// SessionID returns the session ID stored in ctx, or "".
func SessionID(ctx context.Context) string {
	v, _ := ctx.Value(ContextKeySessionID).(string)
	return v
}

// UserID returns the user ID stored in ctx, or "".
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(ContextKeyUserID).(string)
	return v
}

// ChatMessageID returns the chat message ID stored in ctx, or "".
func ChatMessageID(ctx context.Context) string {
	v, _ := ctx.Value(ContextKeyChatMessageID).(string)
	return v
}

// GenerateMessageID generates a new chat message ID.
func GenerateMessageID() string {
	return uuid.New().String()
}
