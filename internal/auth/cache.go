package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const cacheKeyPrefix = "console-auth"

// VerdictStore holds short-lived verification verdicts.
type VerdictStore interface {
	// Get returns the cached owner, or ok=false on a miss.
	Get(ctx context.Context, key string) (owner string, ok bool, err error)
	Set(ctx context.Context, key, owner string, ttl time.Duration) error
}

// RedisVerdictStore is a VerdictStore backed by Redis string keys with a TTL.
type RedisVerdictStore struct {
	client *redis.Client
}

// NewRedisVerdictStore wraps a connected Redis client.
func NewRedisVerdictStore(client *redis.Client) *RedisVerdictStore {
	return &RedisVerdictStore{client: client}
}

func (s *RedisVerdictStore) Get(ctx context.Context, key string) (string, bool, error) {
	owner, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("verdict get: %w", err)
	}
	return owner, true, nil
}

func (s *RedisVerdictStore) Set(ctx context.Context, key, owner string, ttl time.Duration) error {
	return s.client.Set(ctx, key, owner, ttl).Err()
}

// CachedAuthority remembers successful console verifications for a short TTL so
// reconnect storms do not hammer the authority. Rejections are never cached, and
// a failing store falls through to the authority.
type CachedAuthority struct {
	next  ConsoleAuthority
	store VerdictStore
	ttl   time.Duration
	log   zerolog.Logger
}

// NewCachedAuthority wraps next with store.
func NewCachedAuthority(next ConsoleAuthority, store VerdictStore, ttl time.Duration, log zerolog.Logger) *CachedAuthority {
	return &CachedAuthority{
		next:  next,
		store: store,
		ttl:   ttl,
		log:   log.With().Str("component", "authority-cache").Logger(),
	}
}

// VerifyConsole implements ConsoleAuthority.
func (c *CachedAuthority) VerifyConsole(ctx context.Context, consoleID, consoleToken string) (string, error) {
	key := verdictKey(consoleID, consoleToken)

	owner, ok, err := c.store.Get(ctx, key)
	switch {
	case err != nil:
		c.log.Warn().Err(err).Str("console", consoleID).Msg("verdict cache read failed, asking authority")
	case ok:
		return owner, nil
	}

	owner, err = c.next.VerifyConsole(ctx, consoleID, consoleToken)
	if err != nil {
		return "", err
	}

	if err := c.store.Set(ctx, key, owner, c.ttl); err != nil {
		c.log.Warn().Err(err).Str("console", consoleID).Msg("failed to cache verdict")
	}
	return owner, nil
}

// verdictKey never embeds the raw credential.
func verdictKey(consoleID, consoleToken string) string {
	sum := sha256.Sum256([]byte(consoleID + "\x00" + consoleToken))
	return cacheKeyPrefix + ":" + consoleID + ":" + hex.EncodeToString(sum[:])
}
