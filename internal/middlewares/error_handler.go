package middlewares

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/Patopm/grupos-estudiantiles-sub000/internal/lockout"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/mfa"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/throttle"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/verification"
	"github.com/gofiber/fiber/v2"
)

type errorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(d.Round(time.Second).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// ErrorHandler maps domain errors onto JSON responses. Throttle and lockout
// rejections both surface as 429 with a Retry-After header.
func ErrorHandler(ctx *fiber.Ctx, err error) error {
	var (
		rateLimited *throttle.RateLimitedError
		locked      *lockout.LockedError
		requirement *verification.RequirementError
	)
	switch {
	case errors.As(err, &rateLimited):
		seconds := retryAfterSeconds(rateLimited.RetryAfter)
		ctx.Set(fiber.HeaderRetryAfter, strconv.Itoa(seconds))
		return ctx.Status(fiber.StatusTooManyRequests).JSON(errorResponse{
			Error:      "too many requests",
			RetryAfter: seconds,
		})
	case errors.As(err, &locked):
		seconds := retryAfterSeconds(locked.RetryAfter)
		ctx.Set(fiber.HeaderRetryAfter, strconv.Itoa(seconds))
		return ctx.Status(fiber.StatusTooManyRequests).JSON(errorResponse{
			Error:      string(locked.Kind) + " is temporarily locked",
			RetryAfter: seconds,
		})
	case errors.As(err, &requirement):
		return ctx.Status(fiber.StatusForbidden).JSON(errorResponse{
			Error: requirement.Error(),
		})
	case errors.Is(err, mfa.ErrInvalidCode), errors.Is(err, mfa.ErrInvalidBackupCode):
		return ctx.Status(fiber.StatusUnauthorized).JSON(errorResponse{Error: err.Error()})
	case errors.Is(err, verification.ErrTokenInvalid),
		errors.Is(err, verification.ErrTokenExpired),
		errors.Is(err, verification.ErrTooManyAttempts):
		return ctx.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: err.Error()})
	}

	code := fiber.StatusInternalServerError
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}
	if code == fiber.StatusInternalServerError {
		slog.Error("unhandled error", "path", ctx.Path(), "error", err)
		return ctx.Status(code).JSON(errorResponse{Error: "internal server error"})
	}
	return ctx.Status(code).JSON(errorResponse{Error: err.Error()})
}
