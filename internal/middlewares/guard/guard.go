// Package guard is the request-level security pipeline. Every request passes
// through it before and after the business handler: it screens forged proxy
// headers and injection probes, tracks per-IP request bursts, enforces active
// lockouts and global rate limits, and turns authentication outcomes into
// failure-counter updates and audit events.
package guard

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/Patopm/grupos-estudiantiles-sub000/internal/audit"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/common"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/lockout"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/middlewares/sessions"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/store"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/throttle"
	"github.com/Patopm/grupos-estudiantiles-sub000/model"
	"github.com/Patopm/grupos-estudiantiles-sub000/params"
	"github.com/gofiber/fiber/v2"
)

// forgedHeaders are rewrite headers no legitimate client sends. Their presence
// means someone is trying to trick path-based routing or host validation.
var forgedHeaders = []string{
	"X-Forwarded-Host",
	"X-Original-URL",
	"X-Rewrite-URL",
}

// sqlTokens are matched against the lowercased raw query string.
var sqlTokens = []string{
	"union select",
	"' or '",
	"' or 1=1",
	"\" or \"",
	"; drop ",
	"/*",
	"*/",
	"xp_cmdshell",
	"waitfor delay",
}

// scannerAgents flag known probing tools. Matches are recorded but never
// blocked on their own.
var scannerAgents = []string{
	"sqlmap",
	"nikto",
	"nmap",
	"masscan",
	"dirbuster",
	"nessus",
	"metasploit",
	"hydra",
}

// burstState keeps the rolling sample window as a JSON-encoded string so the
// struct round-trips through the redis hash codec, which only takes primitive
// field types.
type burstState struct {
	Samples string `json:"samples" redis:"samples"`
}

func (s *burstState) samples() []int64 {
	if s.Samples == "" {
		return nil
	}
	var out []int64
	if err := json.Unmarshal([]byte(s.Samples), &out); err != nil {
		return nil
	}
	return out
}

func (s *burstState) setSamples(samples []int64) {
	raw, _ := json.Marshal(samples)
	s.Samples = string(raw)
}

// Options tunes which paths the guard treats as authentication endpoints and
// which as admin-only surface.
type Options struct {
	AuthPathPrefixes    []string
	AdminPathPrefix     string
	PresidentPathPrefix string
	// FingerprintKey keys the client fingerprint attached to audit events.
	// Events carry no fingerprint when it is empty.
	FingerprintKey string
}

func defaultOptions() Options {
	return Options{
		AuthPathPrefixes:    []string{"/api/auth"},
		AdminPathPrefix:     "/api/admin",
		PresidentPathPrefix: "/api/president",
	}
}

type Guard struct {
	locks   *lockout.Manager
	limiter *throttle.Engine
	bursts  store.Storage
	opts    Options
}

func New(locks *lockout.Manager, limiter *throttle.Engine, storage store.Storage) *Guard {
	return &Guard{
		locks:   locks,
		limiter: limiter,
		bursts:  store.StorageWithPrefix(storage, params.BurstKeyPrefix),
		opts:    defaultOptions(),
	}
}

func (g *Guard) WithOptions(opts Options) *Guard {
	if len(opts.AuthPathPrefixes) > 0 {
		g.opts.AuthPathPrefixes = opts.AuthPathPrefixes
	}
	if opts.AdminPathPrefix != "" {
		g.opts.AdminPathPrefix = opts.AdminPathPrefix
	}
	if opts.PresidentPathPrefix != "" {
		g.opts.PresidentPathPrefix = opts.PresidentPathPrefix
	}
	if opts.FingerprintKey != "" {
		g.opts.FingerprintKey = opts.FingerprintKey
	}
	return g
}

func (g *Guard) isAuthPath(path string) bool {
	for _, prefix := range g.opts.AuthPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (g *Guard) isAdminPath(path string) bool {
	return g.opts.AdminPathPrefix != "" && strings.HasPrefix(path, g.opts.AdminPathPrefix)
}

func (g *Guard) isPresidentPath(path string) bool {
	return g.opts.PresidentPathPrefix != "" && strings.HasPrefix(path, g.opts.PresidentPathPrefix)
}

// sessionUsername resolves the authenticated identity from the session, if the
// sessions middleware runs ahead of the guard.
func sessionUsername(c *fiber.Ctx) string {
	if sess := sessions.Current(c); sess != nil && sess.IsLoggedIn() {
		return sess.Username
	}
	return ""
}

func (g *Guard) baseEvent(c *fiber.Ctx, eventType string) audit.Event {
	event := audit.Event{
		Type:      eventType,
		IP:        c.IP(),
		UserAgent: string(c.Request().Header.UserAgent()),
		Path:      c.Path(),
		Method:    c.Method(),
	}
	if g.opts.FingerprintKey != "" {
		event.Fingerprint = common.Fingerprint(g.opts.FingerprintKey,
			event.IP, event.UserAgent, c.Get(fiber.HeaderAcceptLanguage))
	}
	return event
}

// screenRequest rejects requests carrying forged rewrite headers or SQL
// injection tokens in the query string.
func (g *Guard) screenRequest(c *fiber.Ctx) error {
	for _, header := range forgedHeaders {
		if c.Get(header) != "" {
			event := g.baseEvent(c, audit.EventSuspiciousRequest)
			event.Message = "forged rewrite header " + header
			audit.Record(c.UserContext(), event)
			return fiber.ErrBadRequest
		}
	}
	query := strings.ToLower(string(c.Request().URI().QueryString()))
	for _, token := range sqlTokens {
		if strings.Contains(query, token) {
			event := g.baseEvent(c, audit.EventSuspiciousRequest)
			event.Message = "sql token in query string"
			audit.Record(c.UserContext(), event)
			return fiber.ErrBadRequest
		}
	}
	agent := strings.ToLower(string(c.Request().Header.UserAgent()))
	for _, signature := range scannerAgents {
		if strings.Contains(agent, signature) {
			event := g.baseEvent(c, audit.EventSuspiciousAgent)
			event.Message = "scanner user agent"
			audit.Record(c.UserContext(), event)
			break
		}
	}
	return nil
}

// trackBurst keeps a rolling window of request timestamps per IP and flags the
// IP once the window fills. The read-modify-write race here only affects when
// the flag fires, never whether requests are served.
func (g *Guard) trackBurst(c *fiber.Ctx) {
	ctx := c.UserContext()
	ip := c.IP()
	now := time.Now().UnixMilli()
	cutoff := now - params.BurstWindow.Milliseconds()

	var state burstState
	if err := g.bursts.Get(ctx, ip, &state); err != nil && !errors.Is(err, store.ErrNotFound) {
		return
	}
	samples := state.samples()
	kept := samples[:0]
	for _, sample := range samples {
		if sample >= cutoff {
			kept = append(kept, sample)
		}
	}
	kept = append(kept, now)
	if len(kept) > params.BurstMaxSamples {
		kept = kept[len(kept)-params.BurstMaxSamples:]
	}
	wasFlagged := len(samples) >= params.BurstMaxRequests
	state.setSamples(kept)
	if err := g.bursts.Set(ctx, ip, &state, params.BurstWindow); err != nil {
		return
	}
	if !wasFlagged && len(kept) >= params.BurstMaxRequests {
		event := g.baseEvent(c, audit.EventRequestBurst)
		event.Message = "request burst detected"
		event.Extra = map[string]any{"requests": len(kept), "windowSeconds": int(params.BurstWindow.Seconds())}
		audit.Record(ctx, event)
	}
}

// bodyUsername pulls the claimed identity out of a login or reset request body
// so failures can be charged against the right account.
func bodyUsername(c *fiber.Ctx) string {
	var payload struct {
		Username   string `json:"username"`
		Identifier string `json:"identifier"`
		Email      string `json:"email"`
	}
	if err := json.Unmarshal(c.Body(), &payload); err != nil {
		return ""
	}
	if payload.Username != "" {
		return payload.Username
	}
	if payload.Identifier != "" {
		return payload.Identifier
	}
	return payload.Email
}

// checkLocks rejects requests from locked IPs and locked accounts, whether the
// account is named in an auth request body or resolved from a live session.
func (g *Guard) checkLocks(c *fiber.Ctx) error {
	ctx := c.UserContext()
	ip := c.IP()
	if locked, err := g.locks.IsLocked(ctx, lockout.KindIP, ip); err == nil && locked {
		return g.locks.NewLockedError(lockout.KindIP, ip)
	}
	if username := sessionUsername(c); username != "" {
		if locked, err := g.locks.IsLocked(ctx, lockout.KindUser, username); err == nil && locked {
			return g.locks.NewLockedError(lockout.KindUser, username)
		}
	}
	if g.isAuthPath(c.Path()) {
		if username := bodyUsername(c); username != "" {
			if locked, err := g.locks.IsLocked(ctx, lockout.KindUser, username); err == nil && locked {
				return g.locks.NewLockedError(lockout.KindUser, username)
			}
		}
	}
	return nil
}

func (g *Guard) checkGlobalLimit(c *fiber.Ctx) error {
	decision, err := g.limiter.AllowScope(c.UserContext(), throttle.ScopeGlobalIP, c.IP())
	if err != nil {
		return nil
	}
	if !decision.Allowed {
		event := g.baseEvent(c, audit.EventRateLimitExceeded)
		event.Message = "global per-ip limit exceeded"
		event.Extra = map[string]any{"violations": decision.Violations, "retryAfterSeconds": int(decision.RetryAfter.Seconds())}
		audit.Record(c.UserContext(), event)
		return throttle.NewRateLimitedError(throttle.ScopeGlobalIP, decision.RetryAfter)
	}
	if username := sessionUsername(c); username != "" {
		decision, err := g.limiter.AllowScope(c.UserContext(), throttle.ScopeGlobalUser, username)
		if err != nil {
			return nil
		}
		if !decision.Allowed {
			event := g.baseEvent(c, audit.EventRateLimitExceeded)
			event.Username = username
			event.Message = "global per-user limit exceeded"
			event.Extra = map[string]any{"violations": decision.Violations, "retryAfterSeconds": int(decision.RetryAfter.Seconds())}
			audit.Record(c.UserContext(), event)
			return throttle.NewRateLimitedError(throttle.ScopeGlobalUser, decision.RetryAfter)
		}
	}
	return nil
}

func requestUser(c *fiber.Ctx) *model.User {
	user, _ := c.Locals("user").(*model.User)
	return user
}

// recordOutcome translates a finished request into failure-counter updates and
// audit events.
func (g *Guard) recordOutcome(c *fiber.Ctx, status int, elapsed time.Duration) {
	ctx := c.UserContext()
	ip := c.IP()
	path := c.Path()
	user := requestUser(c)

	if elapsed >= params.PotentialDoSThreshold {
		event := g.baseEvent(c, audit.EventPotentialDoS)
		event.Status = status
		event.Message = "request took abnormally long"
		event.Extra = map[string]any{"elapsedMs": elapsed.Milliseconds()}
		audit.Record(ctx, event)
	} else if elapsed >= params.SlowRequestThreshold {
		event := g.baseEvent(c, audit.EventSlowRequest)
		event.Status = status
		event.Message = "slow request"
		event.Extra = map[string]any{"elapsedMs": elapsed.Milliseconds()}
		audit.Record(ctx, event)
	}

	if g.isAuthPath(path) {
		username := bodyUsername(c)
		switch {
		case status == fiber.StatusUnauthorized || status == fiber.StatusForbidden:
			g.locks.RecordFailure(ctx, lockout.KindIP, ip)
			if username != "" {
				g.locks.RecordFailure(ctx, lockout.KindUser, username)
			}
			event := g.baseEvent(c, audit.EventLoginFailed)
			event.Status = status
			event.Username = username
			audit.Record(ctx, event)
		case status >= 200 && status < 300:
			g.locks.ResetFailures(ctx, lockout.KindIP, ip)
			if username != "" {
				g.locks.ResetFailures(ctx, lockout.KindUser, username)
			}
		}
		return
	}

	switch status {
	case fiber.StatusUnauthorized:
		event := g.baseEvent(c, audit.EventUnauthorizedAccess)
		event.Status = status
		audit.Record(ctx, event)
	case fiber.StatusForbidden:
		event := g.baseEvent(c, audit.EventPermissionDenied)
		event.Status = status
		if user != nil {
			event.UserID = user.ID
			event.Username = user.Username
		}
		audit.Record(ctx, event)
		if user != nil {
			var message string
			switch {
			case g.isAdminPath(path) && user.Role != model.RoleAdmin:
				message = "non-admin request to admin surface"
			case g.isPresidentPath(path) && user.Role != model.RoleAdmin && user.Role != model.RolePresident:
				message = "non-president request to president surface"
			}
			if message != "" {
				escalation := g.baseEvent(c, audit.EventRoleEscalationAttempt)
				escalation.Status = status
				escalation.UserID = user.ID
				escalation.Username = user.Username
				escalation.Message = message
				audit.Record(ctx, escalation)
			}
		}
	}
}

// Middleware returns the fiber handler that runs the full pipeline.
func (g *Guard) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := g.screenRequest(c); err != nil {
			return err
		}
		g.trackBurst(c)
		if err := g.checkLocks(c); err != nil {
			return err
		}
		if err := g.checkGlobalLimit(c); err != nil {
			return err
		}

		start := time.Now()
		err := c.Next()
		elapsed := time.Since(start)

		status := c.Response().StatusCode()
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
		}
		g.recordOutcome(c, status, elapsed)
		return err
	}
}
