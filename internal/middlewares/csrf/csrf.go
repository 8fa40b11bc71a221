package csrf

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"path"
	"time"

	"github.com/Patopm/grupos-estudiantiles-sub000/internal/middlewares/sessions"
	"github.com/Patopm/grupos-estudiantiles-sub000/params"
	"github.com/gofiber/fiber/v2"
)

const (
	tokenSessionField  = "_csrf_token"
	expireSessionField = "_csrf_expire"
)

var (
	ErrInvalidToken = errors.New("invalid CSRF token")
)

type CSRF struct {
	Token     string
	ExpiresAt time.Time
}

func Get(ctx *fiber.Ctx) CSRF {
	session := sessions.Get(ctx)
	var (
		token    string
		expireMs int64
	)
	session.GetField(ctx.Context(), tokenSessionField, &token)
	session.GetField(ctx.Context(), expireSessionField, &expireMs)
	if token == "" || time.Now().UnixMilli() >= expireMs {
		return refresh(ctx, session)
	}
	return CSRF{Token: token, ExpiresAt: time.UnixMilli(expireMs)}
}

func refresh(ctx *fiber.Ctx, session *sessions.Session) CSRF {
	csrf := CSRF{
		Token:     randomToken(),
		ExpiresAt: time.Now().Add(params.CSRFTokenExpiration),
	}
	session.SetField(ctx.Context(), tokenSessionField, csrf.Token)
	session.SetField(ctx.Context(), expireSessionField, csrf.ExpiresAt.UnixMilli())
	return csrf
}

func Verify(ctx *fiber.Ctx) bool {
	token := ctx.Get("X-CSRF-Token")
	if token == "" && ctx.Method() == fiber.MethodPost {
		token = ctx.FormValue("_csrf")
	}

	csrf := Get(ctx)
	if time.Now().After(csrf.ExpiresAt) || csrf.Token != token {
		return false
	}
	return true
}

func randomToken() string {
	const tokenLength = 32
	b := make([]byte, tokenLength)
	if _, err := rand.Read(b); err != nil {
		panic("failed to generate CSRF token: " + err.Error())
	}
	return hex.EncodeToString(b)
}

type Config struct {
	ExcludePaths []string
}

var unsafeMethods = map[string]bool{
	fiber.MethodPost:   true,
	fiber.MethodPut:    true,
	fiber.MethodPatch:  true,
	fiber.MethodDelete: true,
}

// New enforces the session CSRF token on state-changing methods and hands the
// current token to safe requests via the X-CSRF-Token response header.
func New(config Config) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		for _, p := range config.ExcludePaths {
			if ok, _ := path.Match(p, ctx.Path()); ok {
				return ctx.Next()
			}
		}
		if unsafeMethods[ctx.Method()] {
			if !Verify(ctx) {
				return fiber.NewError(fiber.StatusForbidden, ErrInvalidToken.Error())
			}
			return ctx.Next()
		}
		ctx.Set("X-CSRF-Token", Get(ctx).Token)
		return ctx.Next()
	}
}
