// Package redisstore provides a Redis-backed apix.SessionStore for
// multi-instance deployments that want shared quota state without
// delegating transitions to a remote session authority. Atomic updates
// use optimistic WATCH/MULTI transactions, so quota transitions on the
// same token serialize across processes.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"

	apix "github.com/apixlabs/apix-go"
)

// txRetries bounds the optimistic transaction retry loop in Update.
const txRetries = 16

// Config for a Redis-backed session store.
type Config struct {
	// RedisAddr like "localhost:6379".
	RedisAddr string `env:"APIX_REDIS_ADDR" envDefault:"localhost:6379"`

	// KeyPrefix for all session keys.
	KeyPrefix string `env:"APIX_SESSIONS_KEY_PREFIX" envDefault:"apix:sessions:"`
}

// Store is a Redis-backed session store. Implements apix.AtomicStore.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New creates a Store and verifies connectivity with a ping.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "apix:sessions:"
	}
	return &Store{client: client, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store from APIX_REDIS_* environment variables.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse redis store config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(token string) string { return s.keyPrefix + token }

// recordTTL maps the credential expiry onto a Redis key TTL so the store
// garbage-collects dead sessions on its own.
func recordTTL(record *apix.SessionRecord) time.Duration {
	exp := record.Claims.ExpiresAt
	if exp == nil {
		return 0
	}
	ttl := time.Until(exp.Time)
	if ttl <= 0 {
		return time.Second
	}
	return ttl
}

func decodeRecord(raw []byte) (*apix.SessionRecord, error) {
	var record apix.SessionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}
	return &record, nil
}

// Get returns the record for token, or (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, token string) (*apix.SessionRecord, error) {
	raw, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decodeRecord(raw)
}

// Set stores record under token with a TTL derived from its expiry.
func (s *Store) Set(ctx context.Context, token string, record *apix.SessionRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), raw, recordTTL(record)).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes the record for token.
func (s *Store) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Update applies fn under a WATCH/MULTI transaction, retrying when a
// concurrent writer invalidates the watched key.
func (s *Store) Update(ctx context.Context, token string, fn apix.UpdateFunc) (*apix.SessionRecord, error) {
	key := s.key(token)
	var next *apix.SessionRecord

	txn := func(tx *redis.Tx) error {
		var current *apix.SessionRecord
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis get: %w", err)
		default:
			if current, err = decodeRecord(raw); err != nil {
				return err
			}
		}

		next = fn(current)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
				return nil
			}
			encoded, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("encode session record: %w", err)
			}
			pipe.Set(ctx, key, encoded, recordTTL(next))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < txRetries; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return next, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("redis update: too many transaction conflicts for %s", key)
}

var _ apix.AtomicStore = (*Store)(nil)
