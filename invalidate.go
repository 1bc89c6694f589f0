package scansync

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Cache keys for the read models a successful sync makes stale.
const (
	CacheKeyKumbaras       = "kumbaras:all"
	CacheKeyDonations      = "donations:all"
	CacheKeyDashboardStats = "dashboard:stats"
)

// Invalidator drops downstream read caches after queued scans reach
// the server, so listings and dashboard figures refetch. Invalidation
// is best effort and must never fail a sync.
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string)
}

// RedisInvalidator deletes cache entries from the shared Redis-backed
// read cache.
type RedisInvalidator struct {
	cache *cache.Cache
	log   *logrus.Entry
}

// NewRedisInvalidator connects to Redis and verifies the connection,
// retrying with exponential backoff so a daemon starting alongside
// Redis does not lose the race.
func NewRedisInvalidator(client redis.UniversalClient, log *logrus.Entry) (*RedisInvalidator, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 15 * time.Second
	if err := backoff.Retry(ping, policy); err != nil {
		return nil, err
	}

	return &RedisInvalidator{
		cache: cache.New(&cache.Options{Redis: client}),
		log:   log.WithField("component", "cache-invalidator"),
	}, nil
}

func (r *RedisInvalidator) Invalidate(ctx context.Context, keys ...string) {
	for _, key := range keys {
		if err := r.cache.Delete(ctx, key); err != nil && err != cache.ErrCacheMiss {
			r.log.WithError(err).WithField("key", key).Warn("cache invalidation failed")
		}
	}
}

// NopInvalidator is used when no shared cache is configured.
type NopInvalidator struct{}

func (NopInvalidator) Invalidate(context.Context, ...string) {}
