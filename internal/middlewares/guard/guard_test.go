package guard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Patopm/grupos-estudiantiles-sub000/internal/audit"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/lockout"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/middlewares"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/middlewares/sessions"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/store"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/store/storetest"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/throttle"
	"github.com/Patopm/grupos-estudiantiles-sub000/model"
	"github.com/Patopm/grupos-estudiantiles-sub000/params"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

type testEnv struct {
	app   *fiber.App
	locks *lockout.Manager
}

// newTestEnv builds a fiber app with the guard in front of a stub login
// endpoint that accepts only secret/secret, plus a public and an admin route.
func newTestEnv(rules map[string]throttle.Rule) *testEnv {
	return newStorageEnv(store.NewMemoryStorage(), rules)
}

func newStorageEnv(storage store.Storage, rules map[string]throttle.Rule) *testEnv {
	locks := lockout.NewManager(storage).
		WithPolicy(lockout.KindIP, lockout.Policy{Threshold: 3, LockDuration: time.Hour}).
		WithPolicy(lockout.KindUser, lockout.Policy{Threshold: 2, LockDuration: time.Hour})
	limiter := throttle.NewEngine(storage)
	if rules != nil {
		limiter = limiter.WithRules(rules)
	}

	app := fiber.New(fiber.Config{ErrorHandler: middlewares.ErrorHandler})
	app.Use(New(locks, limiter, storage).Middleware())
	app.Post("/api/auth/login", func(c *fiber.Ctx) error {
		var payload struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := c.BodyParser(&payload); err != nil {
			return fiber.ErrBadRequest
		}
		if payload.Username == "secret" && payload.Password == "secret" {
			return c.JSON(fiber.Map{"ok": true})
		}
		return fiber.ErrUnauthorized
	})
	app.Get("/api/public", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})
	return &testEnv{app: app, locks: locks}
}

func loginRequest(username, password string) *http.Request {
	body := `{"username":"` + username + `","password":"` + password + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestForgedHeaderRejected(t *testing.T) {
	env := newTestEnv(nil)
	req := httptest.NewRequest(http.MethodGet, "/api/public", nil)
	req.Header.Set("X-Original-URL", "/api/admin/audit/summary")

	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSQLTokenInQueryRejected(t *testing.T) {
	env := newTestEnv(nil)
	req := httptest.NewRequest(http.MethodGet, "/api/public?q=1%27%20or%201=1--", nil)

	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCleanRequestPasses(t *testing.T) {
	env := newTestEnv(nil)
	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/api/public", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRepeatedLoginFailuresLockUser(t *testing.T) {
	env := newTestEnv(nil)

	for i := 0; i < 2; i++ {
		resp, err := env.app.Test(loginRequest("victim", "wrong"))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d, want 401", i+1, resp.StatusCode)
		}
	}

	// threshold reached, further attempts bounce before the handler
	resp, err := env.app.Test(loginRequest("victim", "secret"))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("locked status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("locked response misses Retry-After")
	}
}

func TestIPLockBlocksEverything(t *testing.T) {
	env := newTestEnv(nil)

	for i := 0; i < 3; i++ {
		if _, err := env.app.Test(loginRequest("u"+string(rune('a'+i)), "wrong")); err != nil {
			t.Fatalf("app.Test: %v", err)
		}
	}

	// ip crossed its threshold, even unrelated paths are refused
	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/api/public", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
}

func TestSuccessfulLoginResetsCounters(t *testing.T) {
	env := newTestEnv(nil)

	if _, err := env.app.Test(loginRequest("secret", "wrong")); err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	resp, err := env.app.Test(loginRequest("secret", "secret"))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}

	// counters went back to zero on both kinds
	if count := env.locks.FailureCount(context.Background(), lockout.KindUser, "secret"); count != 0 {
		t.Fatalf("user failures = %d, want 0", count)
	}
	if count := env.locks.FailureCount(context.Background(), lockout.KindIP, "0.0.0.0"); count != 0 {
		t.Fatalf("ip failures = %d, want 0", count)
	}
}

func TestGlobalRateLimitAnswers429(t *testing.T) {
	env := newTestEnv(map[string]throttle.Rule{
		throttle.ScopeGlobalIP: {Limit: 2, Window: time.Minute},
	})

	for i := 0; i < 2; i++ {
		resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/api/public", nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, resp.StatusCode)
		}
	}

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/api/public", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("throttled response misses Retry-After")
	}
}

// newSessionEnv wires the sessions middleware ahead of the guard, the way the
// production stack runs, with a login stub that opens a session.
func newSessionEnv(storage store.Storage, rules map[string]throttle.Rule) *testEnv {
	locks := lockout.NewManager(storage).
		WithPolicy(lockout.KindIP, lockout.Policy{Threshold: 10, LockDuration: time.Hour}).
		WithPolicy(lockout.KindUser, lockout.Policy{Threshold: 2, LockDuration: time.Hour})
	limiter := throttle.NewEngine(storage)
	if rules != nil {
		limiter = limiter.WithRules(rules)
	}

	app := fiber.New(fiber.Config{ErrorHandler: middlewares.ErrorHandler})
	app.Use(sessions.Initialize(sessions.Config{Storage: storage}))
	app.Use(New(locks, limiter, storage).Middleware())
	app.Post("/api/auth/login", func(c *fiber.Ctx) error {
		var payload struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := c.BodyParser(&payload); err != nil {
			return fiber.ErrBadRequest
		}
		if payload.Password != "secret" {
			return fiber.ErrUnauthorized
		}
		if _, err := sessions.Reset(c, sessions.SessionData{
			UserID:    1,
			Username:  payload.Username,
			LoginTime: time.Now(),
		}); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"ok": true})
	})
	app.Get("/api/public", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})
	return &testEnv{app: app, locks: locks}
}

func sessionCookie(t *testing.T, env *testEnv, username string) *http.Cookie {
	t.Helper()
	resp, err := env.app.Test(loginRequest(username, "secret"))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "sid" {
			return cookie
		}
	}
	t.Fatal("login response misses session cookie")
	return nil
}

func TestLockedUserWithSessionIsRejected(t *testing.T) {
	env := newSessionEnv(store.NewMemoryStorage(), nil)
	cookie := sessionCookie(t, env, "mallory")

	ctx := context.Background()
	env.locks.RecordFailure(ctx, lockout.KindUser, "mallory")
	env.locks.RecordFailure(ctx, lockout.KindUser, "mallory")

	req := httptest.NewRequest(http.MethodGet, "/api/public", nil)
	req.AddCookie(cookie)
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("locked response misses Retry-After")
	}
}

func TestGlobalPerUserLimitAnswers429(t *testing.T) {
	env := newSessionEnv(store.NewMemoryStorage(), map[string]throttle.Rule{
		throttle.ScopeGlobalUser: {Limit: 2, Window: time.Minute},
	})
	cookie := sessionCookie(t, env, "alice")

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/public", nil)
		req.AddCookie(cookie)
		resp, err := env.app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, resp.StatusCode)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/public", nil)
	req.AddCookie(cookie)
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
}

type recordingAuditRepo struct {
	mu      sync.Mutex
	entries []*model.AuditLogEntry
}

func (r *recordingAuditRepo) Create(ctx context.Context, entry *model.AuditLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingAuditRepo) Get(context.Context, uint64) (*model.AuditLogEntry, error) {
	return nil, nil
}

func (r *recordingAuditRepo) Find(context.Context, audit.Filter) ([]*model.AuditLogEntry, error) {
	return nil, nil
}

func (r *recordingAuditRepo) UpdateResolution(context.Context, uint64, string, string, time.Time) error {
	return nil
}

func (r *recordingAuditRepo) Summarize(context.Context, time.Time) (*audit.Summary, error) {
	return nil, nil
}

func (r *recordingAuditRepo) Purge(context.Context, audit.PurgeOptions) (int64, error) {
	return 0, nil
}

func TestStudentOnPresidentPathRecordsEscalation(t *testing.T) {
	repo := &recordingAuditRepo{}
	audit.Initialize(repo)
	defer audit.Initialize(nil)

	env := newTestEnv(nil)
	env.app.Get("/api/president/groups", func(c *fiber.Ctx) error {
		c.Locals("user", &model.User{ID: 7, Username: "stud", Role: model.RoleStudent})
		return fiber.ErrForbidden
	})

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/api/president/groups", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	found := false
	for _, entry := range repo.entries {
		if entry.EventType == audit.EventRoleEscalationAttempt && entry.Username == "stud" {
			found = true
		}
	}
	if !found {
		t.Fatal("no role escalation entry recorded")
	}
}

// Burst samples must survive the redis hash codec, which only accepts
// primitive field types. The in-memory backend is JSON-based and would not
// catch a field the redis writer rejects.
func TestBurstSamplesSurviveRedisBackend(t *testing.T) {
	srv := storetest.NewServer(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	storage := store.NewRedisStorage(client)
	env := newStorageEnv(storage, nil)

	for i := 0; i < 3; i++ {
		resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/api/public", nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, resp.StatusCode)
		}
	}

	bursts := store.StorageWithPrefix(storage, params.BurstKeyPrefix)
	var state burstState
	if err := bursts.Get(context.Background(), "0.0.0.0", &state); err != nil {
		t.Fatalf("Get burst state: %v", err)
	}
	if got := len(state.samples()); got != 3 {
		t.Fatalf("tracked samples = %d, want 3", got)
	}
}
