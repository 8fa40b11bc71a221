package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryStorageAttrRoundTrip(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()

	if err := storage.SetAttr(ctx, "k", "name", "alice"); err != nil {
		t.Fatalf("SetAttr: %v", err)
	}
	var name string
	if err := storage.GetAttr(ctx, "k", "name", &name); err != nil {
		t.Fatalf("GetAttr: %v", err)
	}
	if name != "alice" {
		t.Fatalf("got %q, want alice", name)
	}

	if err := storage.GetAttr(ctx, "k", "missing", &name); err != ErrNotFound {
		t.Fatalf("missing field: got %v, want ErrNotFound", err)
	}
	if err := storage.GetAttr(ctx, "nope", "name", &name); err != ErrNotFound {
		t.Fatalf("missing key: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStorageStructRoundTrip(t *testing.T) {
	type state struct {
		Count int    `json:"count"`
		Tag   string `json:"tag"`
	}
	storage := NewMemoryStorage()
	ctx := context.Background()

	if err := storage.Set(ctx, "k", &state{Count: 3, Tag: "x"}, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var got state
	if err := storage.Get(ctx, "k", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Count != 3 || got.Tag != "x" {
		t.Fatalf("got %+v", got)
	}
}

func TestMemoryStorageIncrAttrExAtomic(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()

	const goroutines = 50
	const perGoroutine = 20
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				if _, err := storage.IncrAttrEx(ctx, "counter", "count", 1, time.Minute); err != nil {
					t.Errorf("IncrAttrEx: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	var count int64
	if err := storage.GetAttr(ctx, "counter", "count", &count); err != nil {
		t.Fatalf("GetAttr: %v", err)
	}
	if count != goroutines*perGoroutine {
		t.Fatalf("count = %d, want %d", count, goroutines*perGoroutine)
	}
}

func TestMemoryStorageIncrAttrExTTLOnFirstIncrement(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()

	if _, err := storage.IncrAttrEx(ctx, "k", "count", 1, 20*time.Millisecond); err != nil {
		t.Fatalf("IncrAttrEx: %v", err)
	}
	// the second increment must not extend the window
	if _, err := storage.IncrAttrEx(ctx, "k", "count", 1, time.Hour); err != nil {
		t.Fatalf("IncrAttrEx: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	var count int64
	if err := storage.GetAttr(ctx, "k", "count", &count); err != ErrNotFound {
		t.Fatalf("expired field: got %v (count=%d), want ErrNotFound", err, count)
	}

	// the next increment opens a fresh window
	count, err := storage.IncrAttrEx(ctx, "k", "count", 1, time.Minute)
	if err != nil {
		t.Fatalf("IncrAttrEx: %v", err)
	}
	if count != 1 {
		t.Fatalf("fresh window count = %d, want 1", count)
	}
}

func TestMemoryStorageKeyExpiry(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()

	if err := storage.SetAttr(ctx, "k", "v", 1); err != nil {
		t.Fatalf("SetAttr: %v", err)
	}
	if err := storage.Expire(ctx, "k", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	var v int64
	if err := storage.GetAttr(ctx, "k", "v", &v); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestMemoryStorageScanWithPrefix(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()

	prefixed := StorageWithPrefix(storage, "lk:")
	prefixed.SetAttr(ctx, "ip:1.2.3.4", "locked_at", 1)
	prefixed.SetAttr(ctx, "user:alice", "locked_at", 1)
	storage.SetAttr(ctx, "other", "v", 1)

	keys, err := prefixed.Scan(ctx, "ip:*")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(keys) != 1 || keys[0] != "ip:1.2.3.4" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestStoreTypedWrapper(t *testing.T) {
	type session struct {
		UserID uint `json:"user_id"`
	}
	storage := NewMemoryStorage()
	sessions := New[session](storage, "sess:")
	ctx := context.Background()

	if err := sessions.Set(ctx, "abc", session{UserID: 7}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := sessions.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID != 7 {
		t.Fatalf("UserID = %d, want 7", got.UserID)
	}
	if _, err := sessions.Get(ctx, "nope"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
