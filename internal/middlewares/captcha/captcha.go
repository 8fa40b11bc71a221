package captcha

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

var (
	ErrInvalidCaptcha = errors.New("invalid captcha")
)

// CaptchaVerifier checks a challenge answer embedded in the request. The
// registration and login handlers call Verify before touching credentials.
type CaptchaVerifier interface {
	Verify(ctx *fiber.Ctx) error
}

var verifier CaptchaVerifier = NewNullVerifier()

func SetVerifier(v CaptchaVerifier) {
	verifier = v
}

func Verify(ctx *fiber.Ctx) error {
	return verifier.Verify(ctx)
}

// NullVerifier accepts every request; used when no captcha provider is
// configured.
type NullVerifier struct{}

func (v *NullVerifier) Verify(ctx *fiber.Ctx) error {
	return nil
}

func NewNullVerifier() *NullVerifier {
	return &NullVerifier{}
}
