package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Patopm/grupos-estudiantiles-sub000/internal/store"
	"github.com/Patopm/grupos-estudiantiles-sub000/params"
)

// Throttle scopes. A scope is the logical endpoint class a quota applies to;
// the identity is the subject it is charged against (ip or ip+user).
const (
	ScopeAuthLogin     = "auth_login"
	ScopeAuthRegister  = "auth_register"
	ScopePasswordReset = "password_reset"
	ScopeSecurityEvent = "security_event"
	ScopeMFAVerify     = "mfa_verify"
	ScopeGlobalIP      = "global_ip"
	ScopeGlobalUser    = "global_user"
)

// Rule is the per-scope quota: at most Limit calls per fixed Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

var DefaultRules = map[string]Rule{
	ScopeAuthLogin:     {Limit: 5, Window: 5 * time.Minute},
	ScopeAuthRegister:  {Limit: 3, Window: time.Hour},
	ScopePasswordReset: {Limit: 3, Window: time.Hour},
	ScopeSecurityEvent: {Limit: 30, Window: time.Minute},
	ScopeMFAVerify:     {Limit: 10, Window: 5 * time.Minute},
	ScopeGlobalIP:      {Limit: 300, Window: time.Minute},
	ScopeGlobalUser:    {Limit: 120, Window: time.Minute},
}

// Decision is the outcome of a quota check. RetryAfter is only set when the
// call was rejected.
type Decision struct {
	Allowed    bool
	Remaining  int
	Violations int
	RetryAfter time.Duration
}

// Engine is a fixed-window counter with progressive backoff. The window count
// lives in the state store under a per-(scope, identity) key and is only ever
// mutated through atomic increments; the first increment of a window opens it
// and starts its expiry, so count and window start are replaced together.
type Engine struct {
	states   store.Storage
	rules    map[string]Rule
	maxDelay time.Duration
}

func NewEngine(storage store.Storage) *Engine {
	return &Engine{
		states:   store.StorageWithPrefix(storage, params.ThrottleKeyPrefix),
		rules:    DefaultRules,
		maxDelay: params.ThrottleMaxDelay,
	}
}

// WithRules overrides the default scope rules, for configuration-driven
// quotas.
func (e *Engine) WithRules(rules map[string]Rule) *Engine {
	merged := make(map[string]Rule, len(e.rules)+len(rules))
	for scope, rule := range e.rules {
		merged[scope] = rule
	}
	for scope, rule := range rules {
		merged[scope] = rule
	}
	e.rules = merged
	return e
}

func stateKey(scope, identity string) string {
	return scope + ":" + identity
}

// Allow charges one call against the (scope, identity) quota. A state store
// failure fails open: the request proceeds and the error is reported so the
// caller can log it.
func (e *Engine) Allow(ctx context.Context, scope, identity string, limit int, window time.Duration) (Decision, error) {
	key := stateKey(scope, identity)
	count, err := e.states.IncrAttrEx(ctx, key, "count", 1, window)
	if err != nil {
		return Decision{Allowed: true}, err
	}
	if count == 1 {
		// window just opened; remember its start for retry-after hints
		if err := e.states.SetAttr(ctx, key, "window_start", time.Now().UnixMilli()); err != nil {
			slog.Debug("throttle window start not recorded", "scope", scope, "identity", identity, "error", err)
		}
	}
	if count <= int64(limit) {
		return Decision{Allowed: true, Remaining: limit - int(count)}, nil
	}

	violations, err := e.states.IncrAttrEx(ctx, key, "violations", 1, params.ThrottleViolationTTL)
	if err != nil {
		return Decision{Allowed: true}, err
	}
	return Decision{
		Allowed:    false,
		Violations: int(violations),
		RetryAfter: e.retryAfter(ctx, key, window, violations),
	}, nil
}

// AllowScope charges against the configured rule for a named scope.
func (e *Engine) AllowScope(ctx context.Context, scope, identity string) (Decision, error) {
	rule, ok := e.rules[scope]
	if !ok {
		return Decision{Allowed: true}, nil
	}
	return e.Allow(ctx, scope, identity, rule.Limit, rule.Window)
}

// retryAfter scales the remaining window time by 2^violations, capped.
func (e *Engine) retryAfter(ctx context.Context, key string, window time.Duration, violations int64) time.Duration {
	remaining := window
	var startMs int64
	if err := e.states.GetAttr(ctx, key, "window_start", &startMs); err == nil && startMs > 0 {
		elapsed := time.Since(time.UnixMilli(startMs))
		if elapsed >= 0 && elapsed < window {
			remaining = window - elapsed
		}
	}
	if remaining < time.Second {
		remaining = time.Second
	}
	// shifting beyond 30 would overflow long before reaching the cap
	if violations > 30 {
		return e.maxDelay
	}
	delay := remaining << uint(violations)
	if delay <= 0 || delay > e.maxDelay {
		return e.maxDelay
	}
	return delay
}

// Peek reports the current window count and violation count without charging
// the quota.
func (e *Engine) Peek(ctx context.Context, scope, identity string) (count, violations int64) {
	key := stateKey(scope, identity)
	e.states.GetAttr(ctx, key, "count", &count)
	e.states.GetAttr(ctx, key, "violations", &violations)
	return count, violations
}

// Reset clears all throttle state for a (scope, identity), used by the admin
// surface.
func (e *Engine) Reset(ctx context.Context, scope, identity string) error {
	err := e.states.Delete(ctx, stateKey(scope, identity))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// RateLimitedError reports a rejected call together with the backoff hint.
type RateLimitedError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Scope, e.RetryAfter)
}

func NewRateLimitedError(scope string, retryAfter time.Duration) *RateLimitedError {
	return &RateLimitedError{Scope: scope, RetryAfter: retryAfter}
}

// ActiveKeys lists the throttle keys currently held for an identity suffix,
// or every key when identity is empty.
func (e *Engine) ActiveKeys(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	return e.states.Scan(ctx, pattern)
}
