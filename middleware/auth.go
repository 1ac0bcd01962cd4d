// middleware/auth.go
package middleware

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	PlayerIDKey = "player_id"
	RolesKey    = "user_roles"
)

// PlayerContextMiddleware extracts the caller identity the gateway resolved.
// Requests without a player id pass through with player_id 0 so service
// callers (provider callbacks) can reach role-guarded routes.
func PlayerContextMiddleware(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		playerID := 0
		if raw := c.Get("X-Player-ID"); raw != "" {
			id, err := strconv.Atoi(raw)
			if err != nil || id <= 0 {
				logger.Info("❌ [PLAYER_CTX] malformed X-Player-ID", zap.String("value", raw), zap.String("path", c.Path()))
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "malformed X-Player-ID",
				})
			}
			playerID = id
		}

		var roles []string
		for _, r := range strings.Split(c.Get("X-User-Roles"), ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}

		c.Locals(PlayerIDKey, playerID)
		c.Locals(RolesKey, roles)

		logger.Debug("👤 [PLAYER_CTX]", zap.Int("player_id", playerID), zap.Strings("roles", roles), zap.String("path", c.Path()))
		return c.Next()
	}
}

// RequirePlayer rejects requests that carry no player identity.
func RequirePlayer() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if CurrentPlayer(c) == 0 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-Player-ID, request must come through the gateway with auth context",
			})
		}
		return c.Next()
	}
}

// RequireRole admits only callers holding role.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		roles, _ := c.Locals(RolesKey).([]string)
		for _, r := range roles {
			if r == role {
				return c.Next()
			}
		}
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "requires role " + role,
		})
	}
}

// CurrentPlayer returns the caller's player id, 0 when absent.
func CurrentPlayer(c *fiber.Ctx) int {
	id, _ := c.Locals(PlayerIDKey).(int)
	return id
}
