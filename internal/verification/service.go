package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Patopm/grupos-estudiantiles-sub000/internal/audit"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/common"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/mail"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/sms"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/throttle"
	"github.com/Patopm/grupos-estudiantiles-sub000/model"
	"github.com/Patopm/grupos-estudiantiles-sub000/params"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserDirectory is the slice of the user store this package needs.
type UserDirectory interface {
	GetByEmail(ctx context.Context, email string) (*model.User, error)
}

// Limiter gates token issuance against abuse.
type Limiter interface {
	AllowScope(ctx context.Context, scope, identity string) (throttle.Decision, error)
}

// Service owns contact-channel verification, the per-operation requirement
// table, and the one-time token lifecycle.
type Service struct {
	statuses     StatusRepository
	requirements RequirementRepository
	tokens       TokenRepository
	users        UserDirectory
	mailer       mail.MailSender
	texter       sms.SMSSender
	limiter      Limiter
	baseURL      string
}

func NewService(statuses StatusRepository, requirements RequirementRepository, tokens TokenRepository,
	users UserDirectory, mailer mail.MailSender, texter sms.SMSSender, limiter Limiter, baseURL string) *Service {
	return &Service{
		statuses:     statuses,
		requirements: requirements,
		tokens:       tokens,
		users:        users,
		mailer:       mailer,
		texter:       texter,
		limiter:      limiter,
		baseURL:      baseURL,
	}
}

// Status returns the user's verification record, creating it with role-based
// defaults on first access.
func (s *Service) Status(ctx context.Context, user *model.User) (*model.UserVerificationStatus, error) {
	status, err := s.statuses.GetByUser(ctx, user.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		status = &model.UserVerificationStatus{
			UserID:        user.ID,
			EmailRequired: true,
			PhoneRequired: user.Role == model.RoleAdmin || user.Role == model.RolePresident,
		}
		if err := s.statuses.Create(ctx, status); err != nil {
			return nil, err
		}
		return status, nil
	}
	if err != nil {
		return nil, err
	}
	return status, nil
}

// refreshAccountVerified flips AccountVerified on when every required channel
// is confirmed. It never flips the flag back off.
func (s *Service) refreshAccountVerified(ctx context.Context, status *model.UserVerificationStatus) error {
	if status.AccountVerified || status.MissingChannel() != "" {
		return s.statuses.Save(ctx, status)
	}
	now := time.Now()
	status.AccountVerified = true
	status.AccountVerifiedAt = &now
	return s.statuses.Save(ctx, status)
}

// RequirementError reports the channel a caller must verify before an
// operation is allowed.
type RequirementError struct {
	Operation string
	Missing   model.VerificationType
}

func (e *RequirementError) Error() string {
	return fmt.Sprintf("operation %s requires %s verification", e.Operation, e.Missing)
}

// CheckRequired enforces the verification requirement bound to an operation,
// if any. Lookup failures allow the operation: a broken requirement table must
// not take the platform down.
func (s *Service) CheckRequired(ctx context.Context, operation string, user *model.User) error {
	requirement, err := s.requirements.GetByOperation(ctx, operation)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		slog.Warn("verification requirement lookup failed, allowing operation", "operation", operation, "error", err)
		return nil
	}
	if !requirement.AppliesTo(user.Role) {
		return nil
	}
	status, err := s.Status(ctx, user)
	if err != nil {
		slog.Warn("verification status lookup failed, allowing operation", "operation", operation, "error", err)
		return nil
	}
	switch requirement.Type {
	case model.VerificationEmail:
		if !status.EmailVerified {
			return &RequirementError{Operation: operation, Missing: model.VerificationEmail}
		}
	case model.VerificationPhone:
		if !status.PhoneVerified {
			return &RequirementError{Operation: operation, Missing: model.VerificationPhone}
		}
	case model.VerificationBoth:
		if !status.EmailVerified {
			return &RequirementError{Operation: operation, Missing: model.VerificationEmail}
		}
		if !status.PhoneVerified {
			return &RequirementError{Operation: operation, Missing: model.VerificationPhone}
		}
	case model.VerificationAccount:
		if !status.AccountVerified {
			missing := status.MissingChannel()
			if missing == "" {
				missing = model.VerificationAccount
			}
			return &RequirementError{Operation: operation, Missing: missing}
		}
	}
	return nil
}

// RequestEmailVerification issues a fresh email token, invalidating any prior
// one, and mails the confirmation link. A delivery failure is reported but the
// token stays valid so a retry can reuse the same link flow.
func (s *Service) RequestEmailVerification(ctx context.Context, user *model.User) (*model.EmailVerificationToken, error) {
	if err := s.tokens.DeactivateEmailTokens(ctx, user.ID); err != nil {
		return nil, err
	}
	token := &model.EmailVerificationToken{
		UserID:    user.ID,
		Token:     uuid.NewString(),
		Email:     user.Email,
		IsActive:  true,
		ExpiresAt: time.Now().Add(params.EmailVerificationTokenMaxAge),
	}
	if err := s.tokens.CreateEmailToken(ctx, token); err != nil {
		return nil, err
	}
	verifyURL := fmt.Sprintf("%s/verify-email?token=%s", s.baseURL, token.Token)
	if err := mail.SendEmailVerification(s.mailer, user.Email, verifyURL); err != nil {
		slog.Error("could not deliver verification email", "userId", user.ID, "error", err)
		return token, ErrDeliveryFailed
	}
	return token, nil
}

// ConfirmEmail consumes an email verification token and marks the channel
// verified.
func (s *Service) ConfirmEmail(ctx context.Context, user *model.User, tokenValue string) error {
	token, err := s.tokens.GetEmailToken(ctx, tokenValue)
	if err != nil {
		return err
	}
	if token.UserID != user.ID {
		return ErrTokenInvalid
	}
	now := time.Now()
	if !token.Usable(now) {
		if now.After(token.ExpiresAt) {
			return ErrTokenExpired
		}
		return ErrTokenInvalid
	}
	if err := s.tokens.MarkEmailVerified(ctx, token.ID, now); err != nil {
		return err
	}
	status, err := s.Status(ctx, user)
	if err != nil {
		return err
	}
	status.EmailVerified = true
	status.EmailVerifiedAt = &now
	if err := s.refreshAccountVerified(ctx, status); err != nil {
		return err
	}
	audit.Record(ctx, audit.Event{
		Type:     audit.EventEmailVerified,
		UserID:   user.ID,
		Username: user.Username,
		Message:  "email address confirmed",
	})
	return nil
}

// RequestPhoneVerification sends a short numeric code to the user's phone.
func (s *Service) RequestPhoneVerification(ctx context.Context, user *model.User) (*model.PhoneVerificationToken, error) {
	if user.Phone == "" {
		return nil, ErrNoPhoneNumber
	}
	if err := s.tokens.DeactivatePhoneTokens(ctx, user.ID); err != nil {
		return nil, err
	}
	code, err := common.GenerateDigits(params.PhoneVerificationCodeDigits)
	if err != nil {
		return nil, err
	}
	token := &model.PhoneVerificationToken{
		UserID:      user.ID,
		Token:       uuid.NewString(),
		Code:        code,
		Phone:       user.Phone,
		MaxAttempts: params.PhoneVerificationMaxAttempts,
		IsActive:    true,
		ExpiresAt:   time.Now().Add(params.PhoneVerificationTokenMaxAge),
	}
	if err := s.tokens.CreatePhoneToken(ctx, token); err != nil {
		return nil, err
	}
	body := fmt.Sprintf("Tu código de verificación es %s. Expira en %d minutos.",
		code, int(params.PhoneVerificationTokenMaxAge.Minutes()))
	if err := s.texter.Send(user.Phone, body); err != nil {
		slog.Error("could not deliver verification sms", "userId", user.ID, "error", err)
		return token, ErrDeliveryFailed
	}
	return token, nil
}

// ConfirmPhone checks a submitted code against the active phone token. Every
// attempt is counted before comparison so a miss can never be retried for
// free.
func (s *Service) ConfirmPhone(ctx context.Context, user *model.User, code string) error {
	token, err := s.tokens.GetActivePhoneToken(ctx, user.ID)
	if err != nil {
		return err
	}
	now := time.Now()
	if !token.Usable(now) {
		if now.After(token.ExpiresAt) {
			return ErrTokenExpired
		}
		if token.Attempts >= token.MaxAttempts {
			return ErrTooManyAttempts
		}
		return ErrTokenInvalid
	}
	attempts, err := s.tokens.IncrementPhoneAttempts(ctx, token.ID)
	if err != nil {
		return err
	}
	if token.Code != code {
		if attempts >= token.MaxAttempts {
			return ErrTooManyAttempts
		}
		return ErrTokenInvalid
	}
	if err := s.tokens.MarkPhoneVerified(ctx, token.ID, now); err != nil {
		return err
	}
	status, err := s.Status(ctx, user)
	if err != nil {
		return err
	}
	status.PhoneVerified = true
	status.PhoneVerifiedAt = &now
	if err := s.refreshAccountVerified(ctx, status); err != nil {
		return err
	}
	audit.Record(ctx, audit.Event{
		Type:     audit.EventPhoneVerified,
		UserID:   user.ID,
		Username: user.Username,
		Message:  "phone number confirmed",
	})
	return nil
}

// RequestPasswordReset issues a reset token for the account behind an email
// address and mails the reset link. Unknown addresses succeed silently so the
// endpoint cannot be used to probe which accounts exist.
func (s *Service) RequestPasswordReset(ctx context.Context, email string, ip string) error {
	if s.limiter != nil {
		decision, err := s.limiter.AllowScope(ctx, throttle.ScopePasswordReset, ip)
		if err == nil && !decision.Allowed {
			return throttle.NewRateLimitedError(throttle.ScopePasswordReset, decision.RetryAfter)
		}
	}
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			slog.Info("password reset requested for unknown email", "ip", ip)
			return nil
		}
		return err
	}
	if err := s.tokens.DeactivatePasswordResets(ctx, user.ID); err != nil {
		return err
	}
	token := &model.PasswordResetToken{
		UserID:    user.ID,
		Token:     uuid.NewString(),
		Email:     user.Email,
		IsActive:  true,
		ExpiresAt: time.Now().Add(params.PasswordResetTokenMaxAge),
	}
	if err := s.tokens.CreatePasswordReset(ctx, token); err != nil {
		return err
	}
	audit.Record(ctx, audit.Event{
		Type:     audit.EventPasswordResetRequest,
		UserID:   user.ID,
		Username: user.Username,
		IP:       ip,
		Message:  "password reset token issued",
	})
	resetURL := fmt.Sprintf("%s/reset-password?token=%s", s.baseURL, token.Token)
	if err := mail.SendPasswordReset(s.mailer, user.Email, resetURL); err != nil {
		slog.Error("could not deliver password reset email", "userId", user.ID, "error", err)
		return ErrDeliveryFailed
	}
	return nil
}

// ConsumePasswordReset burns a reset token and returns the owning user's id.
func (s *Service) ConsumePasswordReset(ctx context.Context, tokenValue string) (uint, error) {
	token, err := s.tokens.GetPasswordReset(ctx, tokenValue)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	if !token.Usable(now) {
		if now.After(token.ExpiresAt) {
			return 0, ErrTokenExpired
		}
		return 0, ErrTokenInvalid
	}
	if err := s.tokens.MarkPasswordResetUsed(ctx, token.ID, now); err != nil {
		return 0, err
	}
	audit.Record(ctx, audit.Event{
		Type:    audit.EventPasswordResetComplete,
		UserID:  token.UserID,
		Message: "password reset token consumed",
	})
	return token.UserID, nil
}

// PurgeExpiredTokens drops expired and spent tokens across all three tables.
func (s *Service) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	return s.tokens.PurgeExpired(ctx, time.Now())
}

// SetRequirement installs or replaces the verification requirement for an
// operation.
func (s *Service) SetRequirement(ctx context.Context, operation string, vType model.VerificationType, roles string) error {
	return s.requirements.Upsert(ctx, &model.VerificationRequirement{
		Operation: operation,
		Type:      vType,
		Roles:     roles,
	})
}

// Requirements lists the full requirement table.
func (s *Service) Requirements(ctx context.Context) ([]*model.VerificationRequirement, error) {
	return s.requirements.List(ctx)
}

// SeedDefaults installs the stock requirement table. Existing rows for the
// same operations are replaced.
func (s *Service) SeedDefaults(ctx context.Context) error {
	allRoles := string(model.RoleAdmin) + "," + string(model.RolePresident) + "," + string(model.RoleStudent)
	defaults := []model.VerificationRequirement{
		{Operation: "password_change", Type: model.VerificationEmail, Roles: allRoles},
		{Operation: "event_register", Type: model.VerificationEmail, Roles: string(model.RoleStudent)},
		{Operation: "group_join", Type: model.VerificationEmail, Roles: string(model.RoleStudent)},
		{Operation: "group_create", Type: model.VerificationAccount, Roles: string(model.RolePresident)},
		{Operation: "event_create", Type: model.VerificationAccount, Roles: string(model.RolePresident)},
		{Operation: "member_manage", Type: model.VerificationBoth, Roles: string(model.RoleAdmin) + "," + string(model.RolePresident)},
	}
	for i := range defaults {
		if err := s.requirements.Upsert(ctx, &defaults[i]); err != nil {
			return err
		}
	}
	return nil
}
