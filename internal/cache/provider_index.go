package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ProviderKeyPrefix = "dlr:provider:"
	DefaultIndexTTL   = 7 * 24 * time.Hour
)

// ErrMiss means the provider id is not in the index. Callers fall back to the store.
var ErrMiss = errors.New("provider id not indexed")

// ProviderIndex maps carrier provider ids to message ids so delivery reports
// can be resolved without a database round trip.
type ProviderIndex struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewProviderIndex(rdb *redis.Client, ttl time.Duration) *ProviderIndex {
	if ttl <= 0 {
		ttl = DefaultIndexTTL
	}
	return &ProviderIndex{rdb: rdb, ttl: ttl}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string, ttl time.Duration) (*ProviderIndex, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewProviderIndex(rdb, ttl), nil
}

func (p *ProviderIndex) Remember(ctx context.Context, providerID, messageID string) error {
	if err := p.rdb.Set(ctx, ProviderKeyPrefix+providerID, messageID, p.ttl).Err(); err != nil {
		slog.WarnContext(ctx, "Failed to index provider id",
			slog.String("provider_id", providerID),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

func (p *ProviderIndex) Lookup(ctx context.Context, providerID string) (string, error) {
	messageID, err := p.rdb.Get(ctx, ProviderKeyPrefix+providerID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", err
	}
	return messageID, nil
}

func (p *ProviderIndex) Close() error {
	return p.rdb.Close()
}
