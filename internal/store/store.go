package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("store: key not found")

// KV is the key-value cache consumed by the pipeline: TTL'd values,
// atomic counters, lists for rolling histories and sets for blacklists.
// SetNX is the atomic check-and-set used for alert cooldown markers.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	ListPush(ctx context.Context, key string, value string) error
	ListTrim(ctx context.Context, key string, start, stop int64) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	SetAdd(ctx context.Context, key string, members ...string) error
	SetCard(ctx context.Context, key string) (int64, error)
	SetIsMember(ctx context.Context, key, member string) (bool, error)

	Close() error
}
