package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/cascadechat/cascade/internal/conversation"
	"github.com/cascadechat/cascade/internal/logger"
)

// HistoryStore persists conversation history documents, partitioned by
// session id.
type HistoryStore struct {
	container container
	log       *logger.Logger
	backoff   time.Duration
}

// NewHistoryStore wraps the history container.
func NewHistoryStore(cc container, log *logger.Logger) *HistoryStore {
	return &HistoryStore{container: cc, log: log, backoff: throttleBackoff}
}

// Upsert writes the document, retrying throttled responses.
func (s *HistoryStore) Upsert(ctx context.Context, doc *conversation.HistoryDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding history %s: %w", doc.SessionID, err)
	}
	pk := azcosmos.NewPartitionKeyString(doc.SessionID)
	if err := upsertWithRetry(ctx, s.container, s.log, s.backoff, pk, raw); err != nil {
		return fmt.Errorf("upserting history %s: %w", doc.SessionID, err)
	}
	return nil
}

// Get reads one history document, or ErrNotFound.
func (s *HistoryStore) Get(ctx context.Context, sessionID string) (*conversation.HistoryDocument, error) {
	pk := azcosmos.NewPartitionKeyString(sessionID)
	resp, err := s.container.ReadItem(ctx, pk, sessionID, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading history %s: %w", sessionID, err)
	}
	var doc conversation.HistoryDocument
	if err := json.Unmarshal(resp.Value, &doc); err != nil {
		return nil, fmt.Errorf("decoding history %s: %w", sessionID, err)
	}
	return &doc, nil
}

// ConversationSummary is one row of a user's conversation listing.
type ConversationSummary struct {
	SessionID    string    `json:"sessionId"`
	Title        *string   `json:"title"`
	LastActivity time.Time `json:"lastActivity"`
	MessageCount int       `json:"messageCount"`
}

// ListByUser returns the user's conversations, most recent first. The history
// container is partitioned by session id so this is a cross-partition query.
func (s *HistoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]ConversationSummary, error) {
	query := `SELECT c.sessionId, c.title, c.lastActivity, ARRAY_LENGTH(c.messages) AS messageCount
		FROM c WHERE c.userId = @userId ORDER BY c.lastActivity DESC OFFSET 0 LIMIT @limit`
	pager := s.container.NewQueryItemsPager(query, azcosmos.NewPartitionKey(), &azcosmos.QueryOptions{
		QueryParameters: []azcosmos.QueryParameter{
			{Name: "@userId", Value: userID},
			{Name: "@limit", Value: limit},
		},
	})

	var out []ConversationSummary
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing conversations for %s: %w", userID, err)
		}
		for _, item := range page.Items {
			var row ConversationSummary
			if err := json.Unmarshal(item, &row); err != nil {
				return nil, fmt.Errorf("decoding conversation row: %w", err)
			}
			out = append(out, row)
		}
	}
	return out, nil
}

// UpdateTitle rewrites the stored title of one conversation.
func (s *HistoryStore) UpdateTitle(ctx context.Context, userID, sessionID, title string) error {
	doc, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if doc.UserID != userID {
		return ErrNotFound
	}
	doc.Title = &title
	return s.Upsert(ctx, doc)
}
