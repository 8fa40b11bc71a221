package api

import (
	"context"

	"github.com/Patopm/grupos-estudiantiles-sub000/internal/lockout"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/mfa"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/throttle"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/users"
	"github.com/Patopm/grupos-estudiantiles-sub000/model"
	"github.com/gofiber/fiber/v2"
)

// Google JSON API style response structures
type APIResponse struct {
	APIVersion string        `json:"apiVersion"`
	Data       any           `json:"data,omitempty"`
	Error      *APIErrorInfo `json:"error,omitempty"`
}

type APIErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const apiVersion = "1.0"

func jsonData(ctx *fiber.Ctx, data any) error {
	return ctx.JSON(APIResponse{APIVersion: apiVersion, Data: data})
}

func jsonError(ctx *fiber.Ctx, code int, message string) error {
	return ctx.Status(code).JSON(APIResponse{
		APIVersion: apiVersion,
		Error:      &APIErrorInfo{Code: code, Message: message},
	})
}

type UserService interface {
	GetUserByID(ctx context.Context, userID uint) (*model.User, error)
	GetUserByUsernameOrEmail(ctx context.Context, identifier string) (*model.User, error)
	CreateUser(ctx context.Context, opts users.CreateUserOptions) (*model.User, error)
	Authenticate(ctx context.Context, identifier string, password string) (*model.User, error)
	UpdatePassword(ctx context.Context, userID uint, newPassword string) error
}

type MFAService interface {
	Setup(ctx context.Context, user *model.User, name string) (*mfa.SetupResult, error)
	Confirm(ctx context.Context, user *model.User, code string) ([]string, error)
	Verify(ctx context.Context, user *model.User, code string) error
	Disable(ctx context.Context, user *model.User, code string) error
	VerifyBackupCode(ctx context.Context, user *model.User, code string) error
	Enabled(ctx context.Context, userID uint) (bool, error)
	EnforcementFor(ctx context.Context, role model.Role) (*model.MFAEnforcementPolicy, error)
	SetEnforcement(ctx context.Context, role model.Role, required bool, gracePeriodDays int) error
}

type VerificationService interface {
	Status(ctx context.Context, user *model.User) (*model.UserVerificationStatus, error)
	CheckRequired(ctx context.Context, operation string, user *model.User) error
	RequestEmailVerification(ctx context.Context, user *model.User) (*model.EmailVerificationToken, error)
	ConfirmEmail(ctx context.Context, user *model.User, token string) error
	RequestPhoneVerification(ctx context.Context, user *model.User) (*model.PhoneVerificationToken, error)
	ConfirmPhone(ctx context.Context, user *model.User, code string) error
	RequestPasswordReset(ctx context.Context, email string, ip string) error
	ConsumePasswordReset(ctx context.Context, token string) (uint, error)
	SetRequirement(ctx context.Context, operation string, vType model.VerificationType, roles string) error
	Requirements(ctx context.Context) ([]*model.VerificationRequirement, error)
}

type LockoutService interface {
	ActiveLocks(ctx context.Context, kind lockout.Kind, identityPattern string) ([]string, error)
	Unlock(ctx context.Context, kind lockout.Kind, identity string) error
	FailureCount(ctx context.Context, kind lockout.Kind, identity string) int
}

type ThrottleService interface {
	AllowScope(ctx context.Context, scope, identity string) (throttle.Decision, error)
	Reset(ctx context.Context, scope, identity string) error
}
