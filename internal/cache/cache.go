// Package cache holds the per-session conversation state in Redis.
package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cascadechat/cascade/internal/conversation"
)

// TTL is the session lifetime; every write resets it.
const TTL = 24 * time.Hour

// ErrNotFound is returned when a session has no cached conversation.
var ErrNotFound = errors.New("cache: conversation not found")

// cmdable is the slice of the redis client the store uses. Tests substitute
// a scripted fake.
type cmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// ConversationStore reads and writes conversations keyed by session id.
type ConversationStore struct {
	rdb cmdable
}

// Options configure the Redis connection.
type Options struct {
	Addr     string
	Password string
	UseTLS   bool
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*ConversationStore, error) {
	ro := &redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
	}
	if opts.UseTLS {
		ro.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return &ConversationStore{rdb: rdb}, nil
}

// NewWithClient wraps an existing client, mainly for tests.
func NewWithClient(rdb cmdable) *ConversationStore {
	return &ConversationStore{rdb: rdb}
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

// Get returns the cached conversation for the session, or ErrNotFound.
func (s *ConversationStore) Get(ctx context.Context, sessionID string) (*conversation.Conversation, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", sessionID, err)
	}
	var conv conversation.Conversation
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", sessionID, err)
	}
	return &conv, nil
}

// Put rewrites the conversation in full and resets the TTL.
func (s *ConversationStore) Put(ctx context.Context, conv *conversation.Conversation) error {
	raw, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", conv.SessionID, err)
	}
	if err := s.rdb.Set(ctx, sessionKey(conv.SessionID), raw, TTL).Err(); err != nil {
		return fmt.Errorf("writing session %s: %w", conv.SessionID, err)
	}
	return nil
}
