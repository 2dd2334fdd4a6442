package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/shinejohn/CRM-CC-LC-sub004/utils"
)

// HeaderWebhookSignature carries the provider's HMAC of the raw body
const HeaderWebhookSignature = "X-Webhook-Signature"

// WebhookSignature admits provider callbacks signed with the shared secret
func WebhookSignature(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !utils.ValidWebhookSignature(secret, c.Body(), c.Get(HeaderWebhookSignature)) {
			utils.LogEvent("webhook_signature_rejected", map[string]interface{}{
				"ip":   c.IP(),
				"path": c.Path(),
			})
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid webhook signature", nil)
		}
		return c.Next()
	}
}
