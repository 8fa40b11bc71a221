package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/Patopm/grupos-estudiantiles-sub000/internal/audit"
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/lockout"
	"github.com/Patopm/grupos-estudiantiles-sub000/model"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// AdminHandler exposes the security operations surface: audit queries and
// resolution, lockout inspection and release, and policy management.
type AdminHandler struct {
	locks               LockoutService
	mfaService          MFAService
	verificationService VerificationService
}

func NewAdminHandler(locks LockoutService, mfaService MFAService, verificationService VerificationService) *AdminHandler {
	return &AdminHandler{
		locks:               locks,
		mfaService:          mfaService,
		verificationService: verificationService,
	}
}

func (h *AdminHandler) GetAuditSummary(ctx *fiber.Ctx) error {
	hours := ctx.QueryInt("hours", 24)
	if hours < 1 {
		hours = 24
	}
	summary, err := audit.Summarize(ctx.UserContext(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return err
	}
	return jsonData(ctx, summary)
}

func (h *AdminHandler) GetAuditEvents(ctx *fiber.Ctx) error {
	filter := audit.Filter{
		EventType:      ctx.Query("type"),
		Severity:       ctx.Query("severity"),
		IP:             ctx.Query("ip"),
		UnresolvedOnly: ctx.QueryBool("unresolved"),
		Limit:          ctx.QueryInt("limit", 100),
	}
	if userID, err := strconv.ParseUint(ctx.Query("userId"), 10, 64); err == nil {
		filter.UserID = uint(userID)
	}
	if since := ctx.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return jsonError(ctx, fiber.StatusBadRequest, "since must be RFC3339")
		}
		filter.Since = t
	}
	entries, err := audit.Find(ctx.UserContext(), filter)
	if err != nil {
		return err
	}
	return jsonData(ctx, entries)
}

func (h *AdminHandler) GetAuditEvent(ctx *fiber.Ctx) error {
	id, err := strconv.ParseUint(ctx.Params("id"), 10, 64)
	if err != nil {
		return fiber.ErrBadRequest
	}
	entry, err := audit.Get(ctx.UserContext(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fiber.ErrNotFound
	}
	if err != nil {
		return err
	}
	return jsonData(ctx, entry)
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (h *AdminHandler) PostAuditResolve(ctx *fiber.Ctx) error {
	id, err := strconv.ParseUint(ctx.Params("id"), 10, 64)
	if err != nil {
		return fiber.ErrBadRequest
	}
	var req resolveRequest
	ctx.BodyParser(&req)

	admin := currentUser(ctx)
	err = audit.Resolve(ctx.UserContext(), id, admin.Username, req.Notes)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fiber.ErrNotFound
	}
	if err != nil {
		return err
	}
	return jsonData(ctx, fiber.Map{"resolved": true})
}

type lockInfo struct {
	Kind     lockout.Kind `json:"kind"`
	Identity string       `json:"identity"`
	Failures int          `json:"failures"`
}

func (h *AdminHandler) GetLockouts(ctx *fiber.Ctx) error {
	var locks []lockInfo
	for _, kind := range []lockout.Kind{lockout.KindIP, lockout.KindUser} {
		identities, err := h.locks.ActiveLocks(ctx.UserContext(), kind, "")
		if err != nil {
			return err
		}
		for _, identity := range identities {
			locks = append(locks, lockInfo{
				Kind:     kind,
				Identity: identity,
				Failures: h.locks.FailureCount(ctx.UserContext(), kind, identity),
			})
		}
	}
	return jsonData(ctx, locks)
}

func (h *AdminHandler) DeleteLockout(ctx *fiber.Ctx) error {
	kind := lockout.Kind(ctx.Params("kind"))
	if kind != lockout.KindIP && kind != lockout.KindUser {
		return fiber.ErrBadRequest
	}
	identity := ctx.Params("identity")
	if identity == "" {
		return fiber.ErrBadRequest
	}
	if err := h.locks.Unlock(ctx.UserContext(), kind, identity); err != nil {
		return err
	}
	return jsonData(ctx, fiber.Map{"unlocked": true})
}

type enforcementRequest struct {
	Role            model.Role `json:"role"`
	MFARequired     bool       `json:"mfaRequired"`
	GracePeriodDays int        `json:"gracePeriodDays"`
}

func (h *AdminHandler) PutMFAEnforcement(ctx *fiber.Ctx) error {
	var req enforcementRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	if !req.Role.Valid() {
		return jsonError(ctx, fiber.StatusBadRequest, "unknown role")
	}
	if err := h.mfaService.SetEnforcement(ctx.UserContext(), req.Role, req.MFARequired, req.GracePeriodDays); err != nil {
		return err
	}
	return jsonData(ctx, fiber.Map{"updated": true})
}

type requirementRequest struct {
	Operation string                 `json:"operation"`
	Type      model.VerificationType `json:"type"`
	Roles     string                 `json:"roles"`
}

func (h *AdminHandler) GetRequirements(ctx *fiber.Ctx) error {
	requirements, err := h.verificationService.Requirements(ctx.UserContext())
	if err != nil {
		return err
	}
	return jsonData(ctx, requirements)
}

func (h *AdminHandler) PutRequirement(ctx *fiber.Ctx) error {
	var req requirementRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	if req.Operation == "" || req.Roles == "" {
		return jsonError(ctx, fiber.StatusBadRequest, "operation and roles are required")
	}
	switch req.Type {
	case model.VerificationEmail, model.VerificationPhone, model.VerificationBoth, model.VerificationAccount:
	default:
		return jsonError(ctx, fiber.StatusBadRequest, "unknown verification type")
	}
	if err := h.verificationService.SetRequirement(ctx.UserContext(), req.Operation, req.Type, req.Roles); err != nil {
		return err
	}
	return jsonData(ctx, fiber.Map{"updated": true})
}
