package api

import (
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/middlewares/sessions"
	"github.com/Patopm/grupos-estudiantiles-sub000/model"
	"github.com/gofiber/fiber/v2"
)

const userContextKey = "user"

// RequireAuth rejects requests without a fully authenticated session and
// stores the resolved user in request locals.
func RequireAuth(userService UserService) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		session := sessions.Get(ctx)
		if !session.IsAuthenticated() {
			return fiber.ErrUnauthorized
		}
		user, err := userService.GetUserByID(ctx.UserContext(), session.UserID)
		if err != nil {
			return fiber.ErrUnauthorized
		}
		if user.Disabled {
			return fiber.ErrForbidden
		}
		ctx.Locals(userContextKey, user)
		return ctx.Next()
	}
}

// RequireRole restricts a route to the given roles. It must run after
// RequireAuth.
func RequireRole(roles ...model.Role) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		user := currentUser(ctx)
		if user == nil {
			return fiber.ErrUnauthorized
		}
		for _, role := range roles {
			if user.Role == role {
				return ctx.Next()
			}
		}
		return fiber.ErrForbidden
	}
}

// RequireVerified enforces the verification requirement registered for an
// operation. It must run after RequireAuth.
func RequireVerified(verificationService VerificationService, operation string) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		user := currentUser(ctx)
		if user == nil {
			return fiber.ErrUnauthorized
		}
		if err := verificationService.CheckRequired(ctx.UserContext(), operation, user); err != nil {
			return err
		}
		return ctx.Next()
	}
}

func currentUser(ctx *fiber.Ctx) *model.User {
	user, _ := ctx.Locals(userContextKey).(*model.User)
	return user
}
