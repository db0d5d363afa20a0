// Package cache keeps fetched record bodies in Redis so repeated runs can
// skip records they already have. Only body fetches are cached: partitions and
// identifiers change between runs and always go to the remote API.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/namus-crawler/internal/metrics"
	"github.com/JakeFAU/namus-crawler/internal/namus"
	"github.com/JakeFAU/namus-crawler/internal/pipeline"
)

// ErrMiss is returned by a Store when the key is absent.
var ErrMiss = errors.New("cache miss")

// DefaultTTL applies when Config.TTL is unset.
const DefaultTTL = 24 * time.Hour

// Lookup results recorded in metrics.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// Store is a byte-oriented key/value store with expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Config controls key layout and expiry.
type Config struct {
	Prefix string
	TTL    time.Duration
}

// Client wraps a pipeline.Client and serves GetRecord from a Store when it can.
// Store failures are logged and never fail a fetch.
type Client struct {
	next   pipeline.Client
	store  Store
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

var _ pipeline.Client = (*Client)(nil)

// New builds a caching Client.
func New(next pipeline.Client, store Store, cfg Config, logger *zap.Logger) (*Client, error) {
	if next == nil {
		return nil, errors.New("cache: client is required")
	}
	if store == nil {
		return nil, errors.New("cache: store is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "namus"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{next: next, store: store, prefix: cfg.Prefix, ttl: cfg.TTL, logger: logger.Named("cache")}, nil
}

// ListPartitions passes through.
func (c *Client) ListPartitions(ctx context.Context) ([]namus.Partition, error) {
	return c.next.ListPartitions(ctx)
}

// SearchPartition passes through.
func (c *Client) SearchPartition(ctx context.Context, partition namus.Partition, category namus.Category) ([]namus.RecordID, error) {
	return c.next.SearchPartition(ctx, partition, category)
}

// GetRecord returns a cached body or fetches and stores it.
func (c *Client) GetRecord(ctx context.Context, id namus.RecordID, category namus.Category) (namus.RecordBody, error) {
	key := c.key(id, category)

	cached, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		metrics.ObserveCacheLookup(ResultHit)
		return namus.RecordBody(cached), nil
	case errors.Is(err, ErrMiss):
		metrics.ObserveCacheLookup(ResultMiss)
	default:
		metrics.ObserveCacheLookup(ResultError)
		c.logger.Debug("cache lookup failed", zap.String("key", key), zap.Error(err))
	}

	body, err := c.next.GetRecord(ctx, id, category)
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(ctx, key, body, c.ttl); err != nil {
		c.logger.Debug("cache store failed", zap.String("key", key), zap.Error(err))
	}
	return body, nil
}

func (c *Client) key(id namus.RecordID, category namus.Category) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, category.Slug(), id)
}
