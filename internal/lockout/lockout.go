package lockout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Patopm/grupos-estudiantiles-sub000/internal/audit"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/store"
	"github.com/Patopm/grupos-estudiantiles-sub000/params"
)

// Kind is the class of identity a lock applies to.
type Kind string

const (
	KindIP   Kind = "ip"
	KindUser Kind = "user"
)

// LockedError reports that an identity is currently locked out. RetryAfter is
// the full lock duration for the kind, an upper bound on the remaining wait.
type LockedError struct {
	Kind       Kind
	Identity   string
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s %s is locked", e.Kind, e.Identity)
}

// Policy is the per-kind lockout tuning.
type Policy struct {
	Threshold    int
	LockDuration time.Duration
}

// Manager tracks consecutive authentication failures per identity and
// escalates to a timed lock once a threshold is crossed. Failure counters are
// atomic increments with a one hour TTL; the lock itself is a presence key
// whose TTL is the lock duration. A successful authentication resets the
// failure counter but never clears an active lock: the lock expires by TTL or
// by explicit admin unlock only.
type Manager struct {
	locks    store.Storage
	failures store.Storage
	policies map[Kind]Policy
}

func NewManager(storage store.Storage) *Manager {
	return &Manager{
		locks:    store.StorageWithPrefix(storage, params.LockoutKeyPrefix),
		failures: store.StorageWithPrefix(storage, params.FailureKeyPrefix),
		policies: map[Kind]Policy{
			KindIP:   {Threshold: params.IPFailureThreshold, LockDuration: params.IPLockDuration},
			KindUser: {Threshold: params.UserFailureThreshold, LockDuration: params.UserLockDuration},
		},
	}
}

// NewLockedError builds the rejection error for a locked identity using the
// kind's configured lock duration.
func (m *Manager) NewLockedError(kind Kind, identity string) *LockedError {
	return &LockedError{Kind: kind, Identity: identity, RetryAfter: m.policies[kind].LockDuration}
}

// WithPolicy overrides the tuning for one kind.
func (m *Manager) WithPolicy(kind Kind, policy Policy) *Manager {
	m.policies[kind] = policy
	return m
}

func key(kind Kind, identity string) string {
	return string(kind) + ":" + identity
}

// RecordFailure bumps the failure counter and, when the threshold is crossed
// and no lock is active yet, sets the lock and emits an audit event. It
// returns the current failure count.
func (m *Manager) RecordFailure(ctx context.Context, kind Kind, identity string) (int, error) {
	policy, ok := m.policies[kind]
	if !ok {
		return 0, fmt.Errorf("unknown lockout kind %q", kind)
	}
	count, err := m.failures.IncrAttrEx(ctx, key(kind, identity), "count", 1, params.FailureCounterTTL)
	if err != nil {
		// counters fail open; a store outage must not block requests
		slog.Error("failure counter unavailable", "kind", kind, "identity", identity, "error", err)
		return 0, err
	}
	if int(count) >= policy.Threshold {
		locked, err := m.IsLocked(ctx, kind, identity)
		if err != nil {
			return int(count), err
		}
		if !locked {
			if err := m.Lock(ctx, kind, identity, policy.LockDuration); err != nil {
				return int(count), err
			}
			m.recordLockEvent(ctx, kind, identity, int(count), policy.LockDuration)
		}
	}
	return int(count), nil
}

func (m *Manager) recordLockEvent(ctx context.Context, kind Kind, identity string, failures int, duration time.Duration) {
	event := audit.Event{
		Type:    audit.EventIPLocked,
		IP:      identity,
		Message: fmt.Sprintf("ip locked after %d failed attempts", failures),
		Extra: map[string]any{
			"failures":      failures,
			"lock_duration": duration.String(),
		},
	}
	if kind == KindUser {
		event.Type = audit.EventAccountLocked
		event.IP = ""
		event.Username = identity
		event.Message = fmt.Sprintf("account locked after %d failed attempts", failures)
	}
	audit.Record(ctx, event)
}

// IsLocked reports whether the identity currently holds a lock. A confirmed
// lock fails closed: a store error is surfaced so callers can decide, but a
// missing key simply means unlocked.
func (m *Manager) IsLocked(ctx context.Context, kind Kind, identity string) (bool, error) {
	var lockedAt int64
	err := m.locks.GetAttr(ctx, key(kind, identity), "locked_at", &lockedAt)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Lock sets a timed lock for the identity. Re-locking an already locked
// identity restarts the TTL, which only explicit callers do; RecordFailure
// never re-locks while a lock is active.
func (m *Manager) Lock(ctx context.Context, kind Kind, identity string, duration time.Duration) error {
	fields := map[string]any{"locked_at": time.Now().UnixMilli()}
	return m.locks.Set(ctx, key(kind, identity), fields, duration)
}

// Unlock removes an active lock, for the admin surface.
func (m *Manager) Unlock(ctx context.Context, kind Kind, identity string) error {
	err := m.locks.Delete(ctx, key(kind, identity))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// ResetFailures clears the failure counter after a successful
// authentication. It deliberately leaves any active lock in place.
func (m *Manager) ResetFailures(ctx context.Context, kind Kind, identity string) error {
	err := m.failures.Delete(ctx, key(kind, identity))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// FailureCount reports the current counter without mutating it.
func (m *Manager) FailureCount(ctx context.Context, kind Kind, identity string) int {
	var count int64
	m.failures.GetAttr(ctx, key(kind, identity), "count", &count)
	return int(count)
}

// ActiveLocks lists currently locked identities of a kind; identity pattern
// "" matches all.
func (m *Manager) ActiveLocks(ctx context.Context, kind Kind, identityPattern string) ([]string, error) {
	if identityPattern == "" {
		identityPattern = "*"
	}
	keys, err := m.locks.Scan(ctx, key(kind, identityPattern))
	if err != nil {
		return nil, err
	}
	identities := make([]string, 0, len(keys))
	for _, k := range keys {
		identities = append(identities, strings.TrimPrefix(k, string(kind)+":"))
	}
	return identities, nil
}
