// Package store persists history and memory documents in Cosmos DB.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/cascadechat/cascade/internal/logger"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("store: document not found")

const (
	throttleAttempts = 3
	throttleBackoff  = 2 * time.Second
)

// container is the slice of azcosmos.ContainerClient the stores use; tests
// substitute fakes.
type container interface {
	UpsertItem(ctx context.Context, pk azcosmos.PartitionKey, item []byte, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error)
	ReadItem(ctx context.Context, pk azcosmos.PartitionKey, id string, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error)
	DeleteItem(ctx context.Context, pk azcosmos.PartitionKey, id string, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error)
	NewQueryItemsPager(query string, pk azcosmos.PartitionKey, o *azcosmos.QueryOptions) *runtime.Pager[azcosmos.QueryItemsResponse]
}

// Client wraps the Cosmos connection and hands out container clients.
type Client struct {
	inner *azcosmos.Client
	db    string
}

// NewClient connects to the Cosmos account with the ambient Azure credential.
func NewClient(endpoint, database string) (*Client, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating azure credential: %w", err)
	}
	inner, err := azcosmos.NewClient(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}
	return &Client{inner: inner, db: database}, nil
}

// Container returns a client for the named container.
func (c *Client) Container(name string) (*azcosmos.ContainerClient, error) {
	cc, err := c.inner.NewContainer(c.db, name)
	if err != nil {
		return nil, fmt.Errorf("opening container %s: %w", name, err)
	}
	return cc, nil
}

// isThrottled reports whether err is a Cosmos rate-limit response.
func isThrottled(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 429
}

// isNotFound reports whether err is a 404 from the store.
func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

// upsertWithRetry upserts an item, retrying throttled responses with linear
// backoff (2s, 4s, 6s by default). Any other error returns immediately so
// the bus-level retry takes over.
func upsertWithRetry(ctx context.Context, cc container, log *logger.Logger, backoff time.Duration, pk azcosmos.PartitionKey, item []byte) error {
	var lastErr error
	for attempt := 1; attempt <= throttleAttempts; attempt++ {
		_, err := cc.UpsertItem(ctx, pk, item, nil)
		if err == nil {
			return nil
		}
		if !isThrottled(err) {
			return err
		}
		lastErr = err
		delay := time.Duration(attempt) * backoff
		log.WithContext(ctx).Warn("store throttled, backing off",
			"attempt", attempt, "delay", delay.String())
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("upsert still throttled after %d attempts: %w", throttleAttempts, lastErr)
}
