package middleware

import (
	"crypto/subtle"

	"github.com/buildrelay/api/utils/response"
	"github.com/gofiber/fiber/v2"
)

// WebhookAuth verifies the shared secret on worker callbacks. Worker webhooks
// do not carry user JWTs; they authenticate with the X-Webhook-Secret header
// configured on both sides.
func WebhookAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			// No secret configured: accept (development setups)
			return c.Next()
		}

		provided := c.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			return response.Unauthorized(c, "Invalid webhook secret")
		}

		return c.Next()
	}
}
