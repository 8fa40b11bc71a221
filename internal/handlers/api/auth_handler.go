package api

import (
	"errors"
	"time"

	"github.com/Patopm/grupos-estudiantiles-sub000/internal/audit"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/mfa"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/middlewares/captcha"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/middlewares/sessions"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/throttle"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/users"
	"github.com/Patopm/grupos-estudiantiles-sub000/model"
	"github.com/gofiber/fiber/v2"
)

type AuthHandler struct {
	userService         UserService
	mfaService          MFAService
	verificationService VerificationService
	limiter             ThrottleService
}

func NewAuthHandler(userService UserService, mfaService MFAService, verificationService VerificationService, limiter ThrottleService) *AuthHandler {
	return &AuthHandler{
		userService:         userService,
		mfaService:          mfaService,
		verificationService: verificationService,
		limiter:             limiter,
	}
}

type registerRequest struct {
	Username string `json:"username"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type mfaLoginRequest struct {
	Code       string `json:"code,omitempty"`
	BackupCode string `json:"backupCode,omitempty"`
}

type userInfoResponse struct {
	UserID   uint       `json:"userId"`
	Username string     `json:"username"`
	FullName string     `json:"fullName"`
	Email    string     `json:"email"`
	Role     model.Role `json:"role"`
}

type loginResponse struct {
	User        userInfoResponse `json:"user"`
	MFARequired bool             `json:"mfaRequired"`
}

func userInfo(user *model.User) userInfoResponse {
	return userInfoResponse{
		UserID:   user.ID,
		Username: user.Username,
		FullName: user.FullName,
		Email:    user.Email,
		Role:     user.Role,
	}
}

func (h *AuthHandler) gate(ctx *fiber.Ctx, scope string) error {
	decision, err := h.limiter.AllowScope(ctx.UserContext(), scope, ctx.IP())
	if err == nil && !decision.Allowed {
		return throttle.NewRateLimitedError(scope, decision.RetryAfter)
	}
	return nil
}

func (h *AuthHandler) PostRegister(ctx *fiber.Ctx) error {
	if err := h.gate(ctx, throttle.ScopeAuthRegister); err != nil {
		return err
	}
	if err := captcha.Verify(ctx); err != nil {
		return jsonError(ctx, fiber.StatusBadRequest, "captcha verification failed")
	}
	var req registerRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	if req.Username == "" || req.Email == "" || len(req.Password) < 8 {
		return jsonError(ctx, fiber.StatusBadRequest, "username, email and a password of at least 8 characters are required")
	}
	user, err := h.userService.CreateUser(ctx.UserContext(), users.CreateUserOptions{
		Username: req.Username,
		FullName: req.FullName,
		Email:    req.Email,
		Phone:    req.Phone,
		Password: req.Password,
	})
	if errors.Is(err, users.ErrUsernameTaken) || errors.Is(err, users.ErrEmailRegistered) {
		return jsonError(ctx, fiber.StatusConflict, err.Error())
	}
	if err != nil {
		return err
	}
	// best effort; the user can re-request the mail later
	h.verificationService.RequestEmailVerification(ctx.UserContext(), user)
	return jsonData(ctx, userInfo(user))
}

func (h *AuthHandler) PostLogin(ctx *fiber.Ctx) error {
	if err := h.gate(ctx, throttle.ScopeAuthLogin); err != nil {
		return err
	}
	var req loginRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	user, err := h.userService.Authenticate(ctx.UserContext(), req.Username, req.Password)
	if errors.Is(err, users.ErrUserNotFound) || errors.Is(err, users.ErrInvalidPassword) {
		return fiber.ErrUnauthorized
	}
	if errors.Is(err, users.ErrAccountDisabled) {
		return fiber.ErrForbidden
	}
	if err != nil {
		return err
	}

	mfaEnabled, err := h.mfaService.Enabled(ctx.UserContext(), user.ID)
	if err != nil {
		return err
	}
	if _, err := sessions.Reset(ctx, sessions.SessionData{
		IP:          ctx.IP(),
		UserID:      user.ID,
		Username:    user.Username,
		Role:        string(user.Role),
		LoginTime:   time.Now(),
		MFARequired: mfaEnabled,
	}); err != nil {
		return err
	}

	if !mfaEnabled {
		audit.Record(ctx.UserContext(), audit.Event{
			Type:     audit.EventLoginSuccess,
			UserID:   user.ID,
			Username: user.Username,
			IP:       ctx.IP(),
		})
	}
	return jsonData(ctx, loginResponse{User: userInfo(user), MFARequired: mfaEnabled})
}

// PostLoginMFA completes a login that is pending a second factor. Either a
// TOTP code or a backup code is accepted.
func (h *AuthHandler) PostLoginMFA(ctx *fiber.Ctx) error {
	session := sessions.Get(ctx)
	if !session.IsMFAPending() {
		return fiber.ErrUnauthorized
	}
	user, err := h.userService.GetUserByID(ctx.UserContext(), session.UserID)
	if err != nil {
		return fiber.ErrUnauthorized
	}

	var req mfaLoginRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	switch {
	case req.Code != "":
		err = h.mfaService.Verify(ctx.UserContext(), user, req.Code)
	case req.BackupCode != "":
		err = h.mfaService.VerifyBackupCode(ctx.UserContext(), user, req.BackupCode)
	default:
		return jsonError(ctx, fiber.StatusBadRequest, "a code or backup code is required")
	}
	if errors.Is(err, mfa.ErrInvalidCode) || errors.Is(err, mfa.ErrInvalidBackupCode) {
		return fiber.ErrUnauthorized
	}
	if err != nil {
		return err
	}

	data := session.SessionData
	data.MFARequired = false
	data.MFAVerifiedAt = time.Now()
	if err := sessions.Save(ctx, data); err != nil {
		return err
	}
	audit.Record(ctx.UserContext(), audit.Event{
		Type:     audit.EventLoginSuccess,
		UserID:   user.ID,
		Username: user.Username,
		IP:       ctx.IP(),
		Message:  "second factor accepted",
	})
	return jsonData(ctx, loginResponse{User: userInfo(user)})
}

func (h *AuthHandler) PostLogout(ctx *fiber.Ctx) error {
	if err := sessions.Destroy(ctx); err != nil {
		return err
	}
	return jsonData(ctx, fiber.Map{"loggedOut": true})
}

type passwordResetRequest struct {
	Email string `json:"email"`
}

type passwordResetConfirm struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

func (h *AuthHandler) PostPasswordResetRequest(ctx *fiber.Ctx) error {
	var req passwordResetRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	if err := h.verificationService.RequestPasswordReset(ctx.UserContext(), req.Email, ctx.IP()); err != nil {
		var rateLimited *throttle.RateLimitedError
		if errors.As(err, &rateLimited) {
			return err
		}
		// do not leak whether the address exists
	}
	return jsonData(ctx, fiber.Map{"sent": true})
}

func (h *AuthHandler) PostPasswordResetConfirm(ctx *fiber.Ctx) error {
	var req passwordResetConfirm
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	if len(req.NewPassword) < 8 {
		return jsonError(ctx, fiber.StatusBadRequest, "password must be at least 8 characters")
	}
	userID, err := h.verificationService.ConsumePasswordReset(ctx.UserContext(), req.Token)
	if err != nil {
		return err
	}
	if err := h.userService.UpdatePassword(ctx.UserContext(), userID, req.NewPassword); err != nil {
		return err
	}
	return jsonData(ctx, fiber.Map{"updated": true})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// PostChangePassword runs behind RequireVerified("password_change").
func (h *AuthHandler) PostChangePassword(ctx *fiber.Ctx) error {
	user := currentUser(ctx)
	var req changePasswordRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	if len(req.NewPassword) < 8 {
		return jsonError(ctx, fiber.StatusBadRequest, "password must be at least 8 characters")
	}
	if _, err := h.userService.Authenticate(ctx.UserContext(), user.Username, req.CurrentPassword); err != nil {
		return fiber.ErrUnauthorized
	}
	if err := h.userService.UpdatePassword(ctx.UserContext(), user.ID, req.NewPassword); err != nil {
		return err
	}
	return jsonData(ctx, fiber.Map{"updated": true})
}

func (h *AuthHandler) GetMe(ctx *fiber.Ctx) error {
	user := currentUser(ctx)
	if user == nil {
		return fiber.ErrUnauthorized
	}
	return jsonData(ctx, userInfo(user))
}
