package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const keyPrefix = "dedupe:"

// Reservation reports the outcome of a cache-layer dedupe check.
//
// Reserved means the key was newly claimed. Duplicate means the key already
// existed, a genuine duplicate signal. When both are false the cache was
// unavailable and the caller must fall through to the relational layer,
// which remains the arbiter of uniqueness.
type Reservation struct {
	Key       string
	Reserved  bool
	Duplicate bool
}

// Reserver claims dedupe keys in Redis with a TTL. Cache failures never
// block ingestion: the reserver fails open and lets the unique constraint
// on the idempotency table catch duplicates.
type Reserver struct {
	client  redis.UniversalClient
	breaker *gobreaker.CircuitBreaker
	ttl     time.Duration
	logger  *zap.Logger
}

// NewReserver builds a Reserver over an established Redis client.
func NewReserver(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Reserver {
	settings := gobreaker.Settings{
		Name:    "dedupe-cache",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("dedupe cache breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Reserver{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(settings),
		ttl:     ttl,
		logger:  logger,
	}
}

// Reserve attempts to claim the dedupe key for a tenant. The returned
// Reservation distinguishes a genuine duplicate from a cache failure; only
// the former should short-circuit ingestion.
func (r *Reserver) Reserve(ctx context.Context, tenantID, dedupeKey string) Reservation {
	key := cacheKey(tenantID, dedupeKey)

	result, err := r.breaker.Execute(func() (any, error) {
		return r.client.SetNX(ctx, key, "1", r.ttl).Result()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.logger.Warn("dedupe cache breaker rejecting requests, failing open",
				zap.String("key", key))
		} else {
			r.logger.Warn("dedupe cache reservation failed, failing open",
				zap.String("key", key),
				zap.Error(err))
		}

		return Reservation{Key: key}
	}

	claimed, _ := result.(bool)
	if !claimed {
		return Reservation{Key: key, Duplicate: true}
	}

	return Reservation{Key: key, Reserved: true}
}

// Release drops a reservation after a failed durable write so a retry of the
// same submission is not falsely rejected by the cache. Best effort: the key
// expires on its own if the delete fails.
func (r *Reserver) Release(ctx context.Context, key string) {
	_, err := r.breaker.Execute(func() (any, error) {
		return r.client.Del(ctx, key).Result()
	})
	if err != nil {
		r.logger.Warn("dedupe reservation release failed, key will expire by TTL",
			zap.String("key", key),
			zap.Error(err))
	}
}

func cacheKey(tenantID, dedupeKey string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, tenantID, dedupeKey)
}
