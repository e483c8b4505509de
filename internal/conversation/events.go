package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ChatRequest is the event on the user-messages topic. The bus message
// carries session_id = SessionID and message_id = ChatMessageID.
type ChatRequest struct {
	Text          string `json:"text"`
	SessionID     string `json:"sessionId"`
	ChatMessageID string `json:"chatMessageId"`
	UserID        string `json:"userId"`
}

// ParseChatRequest decodes and validates a chat request payload. A missing
// required field is a terminal error: the message must be consumed, not
// redelivered forever.
func ParseChatRequest(body []byte) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decoding chat request: %w", err)
	}
	if strings.TrimSpace(req.Text) == "" {
		return &req, fmt.Errorf("chat request missing text")
	}
	if req.SessionID == "" {
		return &req, fmt.Errorf("chat request missing sessionId")
	}
	if req.ChatMessageID == "" {
		return &req, fmt.Errorf("chat request missing chatMessageId")
	}
	return &req, nil
}

// TokenEvent is the event on the token-streams topic: either one content
// chunk or the end-of-stream sentinel.
type TokenEvent struct {
	SessionID     string `json:"sessionId"`
	ChatMessageID string `json:"chatMessageId"`
	Token         string `json:"token,omitempty"`
	EndOfStream   bool   `json:"end_of_stream,omitempty"`
}

// CompletionEventType is the eventType value of every completion event.
const CompletionEventType = "message_completed"

// CompletionEvent is the event on the message-completed topic, fanned out to
// the history and memory subscriptions. The bus message carries
// session_id = SessionID and message_id = "{ChatMessageID}_completed".
type CompletionEvent struct {
	SessionID     string    `json:"sessionId"`
	UserID        string    `json:"userId"`
	ChatMessageID string    `json:"chatMessageId"`
	CompletedAt   time.Time `json:"completedAt"`
	EventType     string    `json:"eventType"`
}

// NewCompletionEvent builds the completion event for a finished turn.
func NewCompletionEvent(sessionID, userID, chatMessageID string, now time.Time) *CompletionEvent {
	return &CompletionEvent{
		SessionID:     sessionID,
		UserID:        userID,
		ChatMessageID: chatMessageID,
		CompletedAt:   now,
		EventType:     CompletionEventType,
	}
}

// ParseCompletionEvent decodes a completion event and checks sessionId, which
// every downstream consumer needs. Callers that also need userId check it
// themselves.
func ParseCompletionEvent(body []byte) (*CompletionEvent, error) {
	var ev CompletionEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decoding completion event: %w", err)
	}
	if ev.SessionID == "" {
		return &ev, fmt.Errorf("completion event missing sessionId")
	}
	return &ev, nil
}
