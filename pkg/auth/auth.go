package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/wamux/wamux/pkg/env"
	"github.com/wamux/wamux/pkg/router"
)

// AdminSecretKey guards account management endpoints
// REQUIRED: Application will panic if not set
var AdminSecretKey string

func init() {
	AdminSecretKey = env.MustGetEnvString("ADMIN_SECRET_KEY")
}

// AdminAuth validates the X-Admin-Secret header for management endpoints
func AdminAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		adminSecret := c.Get("X-Admin-Secret")
		if adminSecret == "" {
			return router.ResponseUnauthorized(c, "Missing X-Admin-Secret header")
		}

		if subtle.ConstantTimeCompare([]byte(adminSecret), []byte(AdminSecretKey)) != 1 {
			return router.ResponseUnauthorized(c, "Invalid admin secret")
		}

		return c.Next()
	}
}

// AccountAuth validates the JWT token from the Authorization header and
// requires its account claim to match the :account_id route parameter.
// A valid X-Admin-Secret header is accepted as an override.
func AccountAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		accountID := c.Params("account_id")
		if accountID == "" {
			return router.ResponseBadRequest(c, "account_id is required")
		}

		if adminSecret := c.Get("X-Admin-Secret"); adminSecret != "" {
			if subtle.ConstantTimeCompare([]byte(adminSecret), []byte(AdminSecretKey)) == 1 {
				c.Locals("account_id", accountID)
				return c.Next()
			}
			return router.ResponseUnauthorized(c, "Invalid admin secret")
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return router.ResponseUnauthorized(c, "Missing Authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return router.ResponseUnauthorized(c, "Invalid Authorization header format. Use: Bearer <token>")
		}

		claims, err := ValidateAccountToken(parts[1])
		if err != nil {
			return router.ResponseUnauthorized(c, "Invalid or expired token")
		}
		if claims.AccountID != accountID {
			return router.ResponseUnauthorized(c, "Token does not match account")
		}

		c.Locals("account_id", accountID)
		return c.Next()
	}
}
