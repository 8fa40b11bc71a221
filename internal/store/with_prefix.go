package store

import (
	"context"
	"strings"
	"time"
)

type prefixedStorage struct {
	underlying Storage
	prefix     string
}

func (p *prefixedStorage) Get(ctx context.Context, key string, val any) error {
	return p.underlying.Get(ctx, p.prefix+key, val)
}

func (p *prefixedStorage) Set(ctx context.Context, key string, val any, expiresIn time.Duration) error {
	return p.underlying.Set(ctx, p.prefix+key, val, expiresIn)
}

func (p *prefixedStorage) Delete(ctx context.Context, key string) error {
	return p.underlying.Delete(ctx, p.prefix+key)
}

func (p *prefixedStorage) Expire(ctx context.Context, key string, expiresAt time.Time) error {
	return p.underlying.Expire(ctx, p.prefix+key, expiresAt)
}

func (p *prefixedStorage) SetAttr(ctx context.Context, key string, field string, val any) error {
	return p.underlying.SetAttr(ctx, p.prefix+key, field, val)
}

func (p *prefixedStorage) GetAttr(ctx context.Context, key string, field string, val any) error {
	return p.underlying.GetAttr(ctx, p.prefix+key, field, val)
}

func (p *prefixedStorage) IncrAttrEx(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error) {
	return p.underlying.IncrAttrEx(ctx, p.prefix+key, field, delta, ttl)
}

func (p *prefixedStorage) DelAttr(ctx context.Context, key string, field string) error {
	return p.underlying.DelAttr(ctx, p.prefix+key, field)
}

func (p *prefixedStorage) ExpireAttr(ctx context.Context, key string, expires time.Time, fields ...string) error {
	return p.underlying.ExpireAttr(ctx, p.prefix+key, expires, fields...)
}

func (p *prefixedStorage) Scan(ctx context.Context, pattern string) ([]string, error) {
	keys, err := p.underlying.Scan(ctx, p.prefix+pattern)
	if err != nil {
		return nil, err
	}
	trimmed := make([]string, 0, len(keys))
	for _, key := range keys {
		trimmed = append(trimmed, strings.TrimPrefix(key, p.prefix))
	}
	return trimmed, nil
}

func StorageWithPrefix(storage Storage, prefix string) Storage {
	return &prefixedStorage{
		underlying: storage,
		prefix:     prefix,
	}
}
