// middleware/gateway.go
package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// GatewayAuthMiddleware validates the Bearer token the gateway attaches to
// every request it forwards. An empty token disables the check, which only
// makes sense for local runs.
func GatewayAuthMiddleware(expectedToken string, logger *zap.Logger) fiber.Handler {
	if expectedToken == "" {
		logger.Warn("⚠️ [GATEWAY_AUTH] GAME_SERVICE_TOKEN is not set, gateway authentication disabled")
		return func(c *fiber.Ctx) error {
			return c.Next()
		}
	}

	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			logger.Info("🚫 [GATEWAY_AUTH] missing Authorization header", zap.String("path", c.Path()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "gateway authentication token missing",
			})
		}

		// "Bearer <token>", or the raw token
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if token != expectedToken {
			logger.Warn("❌ [GATEWAY_AUTH] invalid token", zap.String("path", c.Path()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid gateway authentication token",
			})
		}

		return c.Next()
	}
}
