package mfa

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/Patopm/grupos-estudiantiles-sub000/internal/audit"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/common"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/throttle"
	"github.com/Patopm/grupos-estudiantiles-sub000/model"
	"github.com/Patopm/grupos-estudiantiles-sub000/params"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Limiter gates every code verification against brute force.
type Limiter interface {
	AllowScope(ctx context.Context, scope, identity string) (throttle.Decision, error)
}

// SetupResult is everything the client needs to enroll an authenticator app.
// The secret is only ever returned here.
type SetupResult struct {
	Secret  string
	URI     string
	QRImage []byte
}

// Service drives the TOTP device lifecycle (setup, confirm, verify, disable)
// and the single-use backup code pool.
type Service struct {
	devices  DeviceRepository
	codes    BackupCodeRepository
	policies PolicyRepository
	limiter  Limiter
	issuer   string
}

func NewService(devices DeviceRepository, codes BackupCodeRepository, policies PolicyRepository, limiter Limiter, issuer string) *Service {
	return &Service{
		devices:  devices,
		codes:    codes,
		policies: policies,
		limiter:  limiter,
		issuer:   issuer,
	}
}

func userIdentity(userID uint) string {
	return fmt.Sprintf("user:%d", userID)
}

func (s *Service) gate(ctx context.Context, userID uint) error {
	decision, err := s.limiter.AllowScope(ctx, throttle.ScopeMFAVerify, userIdentity(userID))
	if err != nil {
		return nil // counters fail open
	}
	if !decision.Allowed {
		return throttle.NewRateLimitedError(throttle.ScopeMFAVerify, decision.RetryAfter)
	}
	return nil
}

// Setup starts an enrollment. An active confirmed device blocks a new one; a
// leftover unconfirmed device is replaced rather than accumulated.
func (s *Service) Setup(ctx context.Context, user *model.User, name string) (*SetupResult, error) {
	existing, err := s.devices.GetByUser(ctx, user.ID)
	if err != nil && !errors.Is(err, ErrNoDevice) {
		return nil, err
	}
	if existing != nil {
		if existing.Confirmed && existing.IsActive {
			return nil, ErrDeviceExists
		}
		if err := s.devices.DeleteByUser(ctx, user.ID); err != nil {
			return nil, err
		}
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: user.Email,
		Period:      params.TOTPPeriod,
	})
	if err != nil {
		return nil, err
	}

	device := &model.TOTPDevice{
		UserID: user.ID,
		Name:   name,
		Secret: key.Secret(),
	}
	if err := s.devices.Create(ctx, device); err != nil {
		return nil, err
	}

	img, err := key.Image(256, 256)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}

	audit.Record(ctx, audit.Event{
		Type:     audit.EventTOTPSetup,
		UserID:   user.ID,
		Username: user.Username,
		Message:  "TOTP enrollment started",
		Extra:    map[string]any{"device_name": name},
	})

	return &SetupResult{
		Secret:  key.Secret(),
		URI:     key.URL(),
		QRImage: buf.Bytes(),
	}, nil
}

// Confirm finishes an enrollment with a live code. On success the device
// turns active and a fresh backup code pool replaces any prior one; the
// plaintext codes are returned exactly once. A failed code leaves the device
// untouched, and confirming an already confirmed device fails cleanly with no
// new pool.
func (s *Service) Confirm(ctx context.Context, user *model.User, code string) ([]string, error) {
	if err := s.gate(ctx, user.ID); err != nil {
		return nil, err
	}
	device, err := s.devices.GetByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if device.Confirmed {
		return nil, ErrDeviceAlreadyConfirmed
	}
	if !totp.Validate(code, device.Secret) {
		s.recordVerifyFailure(ctx, user, "TOTP confirmation failed")
		return nil, ErrInvalidCode
	}

	now := time.Now()
	device.Confirmed = true
	device.IsActive = true
	device.LastWindow = now.Unix() / params.TOTPPeriod
	device.LastUsedAt = &now
	if err := s.devices.Save(ctx, device); err != nil {
		return nil, err
	}

	codes, err := s.regenerateBackupCodes(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	audit.Record(ctx, audit.Event{
		Type:     audit.EventTOTPConfirmed,
		UserID:   user.ID,
		Username: user.Username,
		Message:  "TOTP device confirmed",
	})
	return codes, nil
}

// Verify checks a live code against the active device. A code is accepted at
// most once per TOTP window, which rejects replays inside the skew tolerance.
func (s *Service) Verify(ctx context.Context, user *model.User, code string) error {
	if err := s.gate(ctx, user.ID); err != nil {
		return err
	}
	device, err := s.activeDevice(ctx, user.ID)
	if err != nil {
		return err
	}
	window := time.Now().Unix() / params.TOTPPeriod
	if !totp.Validate(code, device.Secret) || window <= device.LastWindow {
		s.recordVerifyFailure(ctx, user, "TOTP verification failed")
		return ErrInvalidCode
	}
	now := time.Now()
	device.LastWindow = window
	device.LastUsedAt = &now
	return s.devices.Save(ctx, device)
}

// Disable requires a valid current code and then removes the device together
// with every backup code.
func (s *Service) Disable(ctx context.Context, user *model.User, code string) error {
	if err := s.gate(ctx, user.ID); err != nil {
		return err
	}
	device, err := s.activeDevice(ctx, user.ID)
	if err != nil {
		return err
	}
	if !totp.Validate(code, device.Secret) {
		s.recordVerifyFailure(ctx, user, "TOTP disable rejected")
		return ErrInvalidCode
	}
	if err := s.devices.DeleteByUser(ctx, user.ID); err != nil {
		return err
	}
	if err := s.codes.DeleteByUser(ctx, user.ID); err != nil {
		return err
	}
	audit.Record(ctx, audit.Event{
		Type:     audit.EventTOTPDisabled,
		UserID:   user.ID,
		Username: user.Username,
		Message:  "TOTP device disabled",
	})
	return nil
}

// VerifyBackupCode consumes a single-use fallback code. Matching is
// case-insensitive against the unused pool; a used or unknown code fails the
// same way so nothing about the pool leaks.
func (s *Service) VerifyBackupCode(ctx context.Context, user *model.User, code string) error {
	if err := s.gate(ctx, user.ID); err != nil {
		return err
	}
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return ErrInvalidBackupCode
	}
	unused, err := s.codes.FindUnused(ctx, user.ID)
	if err != nil {
		return err
	}
	for _, candidate := range unused {
		if bcrypt.CompareHashAndPassword([]byte(candidate.CodeHash), []byte(normalized)) != nil {
			continue
		}
		if err := s.codes.MarkUsed(ctx, candidate.ID, time.Now()); err != nil {
			// lost the race against a concurrent use of the same code
			break
		}
		audit.Record(ctx, audit.Event{
			Type:     audit.EventBackupCodeUsed,
			UserID:   user.ID,
			Username: user.Username,
			Message:  "backup code consumed",
		})
		return nil
	}
	audit.Record(ctx, audit.Event{
		Type:     audit.EventBackupCodeFailed,
		UserID:   user.ID,
		Username: user.Username,
		Message:  "backup code verification failed",
	})
	return ErrInvalidBackupCode
}

// Enabled reports whether the user has an active confirmed device.
func (s *Service) Enabled(ctx context.Context, userID uint) (bool, error) {
	device, err := s.devices.GetByUser(ctx, userID)
	if errors.Is(err, ErrNoDevice) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return device.Confirmed && device.IsActive, nil
}

// EnforcementFor returns the MFA policy for a role; roles without a stored
// policy are not required to enroll.
func (s *Service) EnforcementFor(ctx context.Context, role model.Role) (*model.MFAEnforcementPolicy, error) {
	policy, err := s.policies.GetByRole(ctx, role)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.MFAEnforcementPolicy{Role: role}, nil
	}
	if err != nil {
		return nil, err
	}
	return policy, nil
}

// SetEnforcement toggles the MFA requirement for a role. Turning the
// requirement on stamps the enforcement date; turning it off clears it.
func (s *Service) SetEnforcement(ctx context.Context, role model.Role, required bool, gracePeriodDays int) error {
	policy, err := s.EnforcementFor(ctx, role)
	if err != nil {
		return err
	}
	policy.GracePeriodDays = gracePeriodDays
	if required && !policy.MFARequired {
		now := time.Now()
		policy.EnforcementDate = &now
	}
	if !required {
		policy.EnforcementDate = nil
	}
	policy.MFARequired = required
	return s.policies.Upsert(ctx, policy)
}

func (s *Service) activeDevice(ctx context.Context, userID uint) (*model.TOTPDevice, error) {
	device, err := s.devices.GetByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !device.Confirmed || !device.IsActive {
		return nil, ErrDeviceNotConfirmed
	}
	return device, nil
}

func (s *Service) recordVerifyFailure(ctx context.Context, user *model.User, message string) {
	audit.Record(ctx, audit.Event{
		Type:     audit.EventTOTPVerifyFailed,
		UserID:   user.ID,
		Username: user.Username,
		Message:  message,
	})
}

func (s *Service) regenerateBackupCodes(ctx context.Context, userID uint) ([]string, error) {
	codes := make([]string, 0, params.BackupCodeCount)
	hashes := make([]string, 0, params.BackupCodeCount)
	for i := 0; i < params.BackupCodeCount; i++ {
		code, err := common.GenerateSecret(params.BackupCodeLength)
		if err != nil {
			return nil, err
		}
		code = strings.ToUpper(code)
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, string(hash))
	}
	if err := s.codes.ReplaceAll(ctx, userID, hashes); err != nil {
		return nil, err
	}
	return codes, nil
}
