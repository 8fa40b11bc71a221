package api

import (
	"errors"

	"github.com/Patopm/grupos-estudiantiles-sub000/internal/verification"
	"github.com/gofiber/fiber/v2"
)

type VerificationHandler struct {
	verificationService VerificationService
}

func NewVerificationHandler(verificationService VerificationService) *VerificationHandler {
	return &VerificationHandler{verificationService: verificationService}
}

type verificationStatusResponse struct {
	EmailVerified   bool `json:"emailVerified"`
	PhoneVerified   bool `json:"phoneVerified"`
	AccountVerified bool `json:"accountVerified"`
	EmailRequired   bool `json:"emailRequired"`
	PhoneRequired   bool `json:"phoneRequired"`
}

type confirmTokenRequest struct {
	Token string `json:"token"`
}

type confirmCodeRequest struct {
	Code string `json:"code"`
}

func (h *VerificationHandler) GetStatus(ctx *fiber.Ctx) error {
	user := currentUser(ctx)
	status, err := h.verificationService.Status(ctx.UserContext(), user)
	if err != nil {
		return err
	}
	return jsonData(ctx, verificationStatusResponse{
		EmailVerified:   status.EmailVerified,
		PhoneVerified:   status.PhoneVerified,
		AccountVerified: status.AccountVerified,
		EmailRequired:   status.EmailRequired,
		PhoneRequired:   status.PhoneRequired,
	})
}

func (h *VerificationHandler) PostEmailRequest(ctx *fiber.Ctx) error {
	user := currentUser(ctx)
	_, err := h.verificationService.RequestEmailVerification(ctx.UserContext(), user)
	if errors.Is(err, verification.ErrDeliveryFailed) {
		return jsonError(ctx, fiber.StatusBadGateway, "verification email could not be delivered")
	}
	if err != nil {
		return err
	}
	return jsonData(ctx, fiber.Map{"sent": true})
}

func (h *VerificationHandler) PostEmailConfirm(ctx *fiber.Ctx) error {
	user := currentUser(ctx)
	var req confirmTokenRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	if err := h.verificationService.ConfirmEmail(ctx.UserContext(), user, req.Token); err != nil {
		return err
	}
	return jsonData(ctx, fiber.Map{"emailVerified": true})
}

func (h *VerificationHandler) PostPhoneRequest(ctx *fiber.Ctx) error {
	user := currentUser(ctx)
	_, err := h.verificationService.RequestPhoneVerification(ctx.UserContext(), user)
	if errors.Is(err, verification.ErrNoPhoneNumber) {
		return jsonError(ctx, fiber.StatusBadRequest, "no phone number on file")
	}
	if errors.Is(err, verification.ErrDeliveryFailed) {
		return jsonError(ctx, fiber.StatusBadGateway, "verification sms could not be delivered")
	}
	if err != nil {
		return err
	}
	return jsonData(ctx, fiber.Map{"sent": true})
}

func (h *VerificationHandler) PostPhoneConfirm(ctx *fiber.Ctx) error {
	user := currentUser(ctx)
	var req confirmCodeRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	if err := h.verificationService.ConfirmPhone(ctx.UserContext(), user, req.Code); err != nil {
		return err
	}
	return jsonData(ctx, fiber.Map{"phoneVerified": true})
}
