package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Storage is the shared ephemeral key-value store every security component
// uses for counters and short-lived flags. Values are field maps (redis
// hashes); IncrAttrEx is the only sanctioned way to mutate a counter so that
// concurrent callers never race a read-modify-write cycle.
type Storage interface {
	Get(ctx context.Context, key string, val any) error
	Set(ctx context.Context, key string, val any, expiresIn time.Duration) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, expiresAt time.Time) error
	SetAttr(ctx context.Context, key string, field string, val any) error
	GetAttr(ctx context.Context, key, field string, val any) error
	// IncrAttrEx atomically increments a field and, when the increment
	// created the field, applies ttl to it. ttl <= 0 leaves the field
	// without expiry.
	IncrAttrEx(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error)
	DelAttr(ctx context.Context, key, field string) error
	ExpireAttr(ctx context.Context, key string, expiresAt time.Time, fields ...string) error
	// Scan returns the keys matching pattern ("prefix*" globs).
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// Store is a typed view over a Storage with a fixed key prefix.
type Store[T any] interface {
	Storage() Storage
	Get(ctx context.Context, key string) (T, error)
	Set(ctx context.Context, key string, val T, expiresIn time.Duration) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, expiresAt time.Time) error
	SetAttr(ctx context.Context, key string, field string, val any) error
	GetAttr(ctx context.Context, key, field string, val any) error
	IncrAttrEx(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error)
	DelAttr(ctx context.Context, key, field string) error
	ExpireAttr(ctx context.Context, key string, expiresAt time.Time, fields ...string) error
	Scan(ctx context.Context, pattern string) ([]string, error)
}
