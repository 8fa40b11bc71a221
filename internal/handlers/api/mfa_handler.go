package api

import (
	"encoding/base64"
	"errors"
	"time"

	"github.com/Patopm/grupos-estudiantiles-sub000/internal/mfa"
	"github.com/gofiber/fiber/v2"
)

type MFAHandler struct {
	mfaService MFAService
}

func NewMFAHandler(mfaService MFAService) *MFAHandler {
	return &MFAHandler{mfaService: mfaService}
}

type mfaSetupRequest struct {
	DeviceName string `json:"deviceName,omitempty"`
}

type mfaSetupResponse struct {
	Secret  string `json:"secret"`
	URI     string `json:"uri"`
	QRImage string `json:"qrImage"` // base64 encoded png
}

type mfaCodeRequest struct {
	Code string `json:"code"`
}

type mfaBackupCodeRequest struct {
	BackupCode string `json:"backupCode"`
}

type mfaConfirmResponse struct {
	Confirmed   bool     `json:"confirmed"`
	BackupCodes []string `json:"backupCodes"`
}

type mfaStatusResponse struct {
	Enabled       bool   `json:"enabled"`
	Required      bool   `json:"required"`
	InGracePeriod bool   `json:"inGracePeriod"`
	GraceDaysLeft int    `json:"graceDaysLeft,omitempty"`
	Message       string `json:"message,omitempty"`
}

func (h *MFAHandler) PostSetup(ctx *fiber.Ctx) error {
	user := currentUser(ctx)
	var req mfaSetupRequest
	ctx.BodyParser(&req)

	result, err := h.mfaService.Setup(ctx.UserContext(), user, req.DeviceName)
	if errors.Is(err, mfa.ErrDeviceExists) {
		return jsonError(ctx, fiber.StatusConflict, "an authenticator is already configured")
	}
	if err != nil {
		return err
	}
	return jsonData(ctx, mfaSetupResponse{
		Secret:  result.Secret,
		URI:     result.URI,
		QRImage: base64.StdEncoding.EncodeToString(result.QRImage),
	})
}

func (h *MFAHandler) PostConfirm(ctx *fiber.Ctx) error {
	user := currentUser(ctx)
	var req mfaCodeRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	backupCodes, err := h.mfaService.Confirm(ctx.UserContext(), user, req.Code)
	if errors.Is(err, mfa.ErrNoDevice) {
		return jsonError(ctx, fiber.StatusNotFound, "no authenticator is pending confirmation")
	}
	if errors.Is(err, mfa.ErrDeviceAlreadyConfirmed) {
		return jsonError(ctx, fiber.StatusConflict, "authenticator is already confirmed")
	}
	if err != nil {
		return err
	}
	return jsonData(ctx, mfaConfirmResponse{Confirmed: true, BackupCodes: backupCodes})
}

func (h *MFAHandler) PostVerify(ctx *fiber.Ctx) error {
	user := currentUser(ctx)
	var req mfaCodeRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	if err := h.mfaService.Verify(ctx.UserContext(), user, req.Code); err != nil {
		return err
	}
	return jsonData(ctx, fiber.Map{"verified": true})
}

func (h *MFAHandler) PostVerifyBackupCode(ctx *fiber.Ctx) error {
	user := currentUser(ctx)
	var req mfaBackupCodeRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	if err := h.mfaService.VerifyBackupCode(ctx.UserContext(), user, req.BackupCode); err != nil {
		return err
	}
	return jsonData(ctx, fiber.Map{"verified": true})
}

func (h *MFAHandler) PostDisable(ctx *fiber.Ctx) error {
	user := currentUser(ctx)
	var req mfaCodeRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	err := h.mfaService.Disable(ctx.UserContext(), user, req.Code)
	if errors.Is(err, mfa.ErrNoDevice) {
		return jsonError(ctx, fiber.StatusNotFound, "no authenticator is configured")
	}
	if err != nil {
		return err
	}
	return jsonData(ctx, fiber.Map{"disabled": true})
}

func (h *MFAHandler) GetStatus(ctx *fiber.Ctx) error {
	user := currentUser(ctx)
	enabled, err := h.mfaService.Enabled(ctx.UserContext(), user.ID)
	if err != nil {
		return err
	}
	policy, err := h.mfaService.EnforcementFor(ctx.UserContext(), user.Role)
	if err != nil {
		return err
	}
	resp := mfaStatusResponse{
		Enabled:  enabled,
		Required: policy.MFARequired,
	}
	if policy.MFARequired && !enabled {
		if policy.InGracePeriod(time.Now()) {
			resp.InGracePeriod = true
			resp.GraceDaysLeft = policy.GraceDaysLeft(time.Now())
			resp.Message = "multi-factor authentication will become mandatory for your role"
		} else {
			resp.Message = "multi-factor authentication is mandatory for your role"
		}
	}
	return jsonData(ctx, resp)
}
