package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
)

type memoryEntry struct {
	fields    map[string]any
	expiresAt time.Time // zero means no expiry
	fieldExp  map[string]time.Time
}

func (e *memoryEntry) prune(now time.Time) {
	for field, exp := range e.fieldExp {
		if now.After(exp) {
			delete(e.fields, field)
			delete(e.fieldExp, field)
		}
	}
}

// MemoryStorage is an in-process Storage used by tests and by dev setups
// without redis. All operations hold one mutex, so increments are atomic by
// construction and match the redis backend semantics.
type MemoryStorage struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		entries: make(map[string]*memoryEntry),
	}
}

// entry returns the live entry for a key, lazily dropping expired state.
// Callers must hold the mutex.
func (s *MemoryStorage) entry(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	now := time.Now()
	if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	e.prune(now)
	if len(e.fields) == 0 {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStorage) ensure(key string) *memoryEntry {
	if e := s.entry(key); e != nil {
		return e
	}
	e := &memoryEntry{
		fields:   make(map[string]any),
		fieldExp: make(map[string]time.Time),
	}
	s.entries[key] = e
	return e
}

func toFields(val any) (map[string]any, error) {
	if m, ok := val.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func (s *MemoryStorage) Get(ctx context.Context, key string, val any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(key)
	if e == nil {
		return ErrNotFound
	}
	raw, err := json.Marshal(e.fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, val)
}

func (s *MemoryStorage) Set(ctx context.Context, key string, val any, expiresIn time.Duration) error {
	fields, err := toFields(val)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ensure(key)
	for field, fv := range fields {
		e.fields[field] = fv
	}
	if expiresIn > 0 {
		e.expiresAt = time.Now().Add(expiresIn)
	}
	return nil
}

func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry(key) == nil {
		return ErrNotFound
	}
	delete(s.entries, key)
	return nil
}

func (s *MemoryStorage) Expire(ctx context.Context, key string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entry(key); e != nil {
		e.expiresAt = expiresAt
	}
	return nil
}

func (s *MemoryStorage) SetAttr(ctx context.Context, key string, field string, val any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ensure(key)
	e.fields[field] = val
	delete(e.fieldExp, field)
	return nil
}

func (s *MemoryStorage) GetAttr(ctx context.Context, key, field string, val any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(key)
	if e == nil {
		return ErrNotFound
	}
	stored, ok := e.fields[field]
	if !ok {
		return ErrNotFound
	}
	switch out := val.(type) {
	case *int64:
		parsed, err := cast.ToInt64E(stored)
		if err != nil {
			return err
		}
		*out = parsed
	case *int:
		parsed, err := cast.ToIntE(stored)
		if err != nil {
			return err
		}
		*out = parsed
	case *string:
		parsed, err := cast.ToStringE(stored)
		if err != nil {
			return err
		}
		*out = parsed
	case *bool:
		parsed, err := cast.ToBoolE(stored)
		if err != nil {
			return err
		}
		*out = parsed
	case *time.Time:
		parsed, err := cast.ToTimeE(stored)
		if err != nil {
			return err
		}
		*out = parsed
	default:
		raw, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, val)
	}
	return nil
}

func (s *MemoryStorage) IncrAttrEx(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ensure(key)
	current, existed := e.fields[field]
	var count int64 = delta
	if existed {
		count = cast.ToInt64(current) + delta
	}
	e.fields[field] = count
	if !existed && ttl > 0 {
		e.fieldExp[field] = time.Now().Add(ttl)
	}
	return count, nil
}

func (s *MemoryStorage) DelAttr(ctx context.Context, key string, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entry(key); e != nil {
		delete(e.fields, field)
		delete(e.fieldExp, field)
	}
	return nil
}

func (s *MemoryStorage) ExpireAttr(ctx context.Context, key string, expiresAt time.Time, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(key)
	if e == nil {
		return ErrNotFound
	}
	for _, field := range fields {
		if _, ok := e.fields[field]; ok {
			e.fieldExp[field] = expiresAt
		}
	}
	return nil
}

func (s *MemoryStorage) Scan(ctx context.Context, pattern string) ([]string, error) {
	prefix := strings.TrimSuffix(pattern, "*")
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.entries {
		if s.entry(key) == nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
