package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/shinejohn/CRM-CC-LC-sub004/utils"
)

// Locals keys set by Protected
const (
	LocalTenantID = "tenantID"
	LocalSubject  = "subject"
)

// Protected admits requests carrying a valid operator token, from the
// Authorization header or the access_token cookie
func Protected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var token string
		if authHeader := c.Get("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid authorization format", nil)
			}
			token = parts[1]
		} else {
			token = c.Cookies("access_token")
			if token == "" {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Authorization required", nil)
			}
		}

		claims, err := utils.ParseJWTToken(secret, token)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid or expired token", nil)
		}

		c.Locals(LocalTenantID, claims.TenantID)
		c.Locals(LocalSubject, claims.Subject)
		return c.Next()
	}
}

// TenantID returns the tenant of the authenticated operator
func TenantID(c *fiber.Ctx) uint {
	id, _ := c.Locals(LocalTenantID).(uint)
	return id
}
