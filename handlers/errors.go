package handlers

import (
	"errors"

	"game-coordination-system/utils"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// respondError maps coordination failures onto status codes. Anything
// unclassified is a 500 and gets logged.
func respondError(c *fiber.Ctx, logger *zap.Logger, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, utils.ErrValidation):
		status = fiber.StatusBadRequest
	case errors.Is(err, utils.ErrConflict):
		status = fiber.StatusConflict
	case errors.Is(err, utils.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, utils.ErrUnauthorized):
		status = fiber.StatusUnauthorized
	case errors.Is(err, utils.ErrForbidden):
		status = fiber.StatusForbidden
	}

	var perr *utils.ProviderError
	if errors.As(err, &perr) {
		logger.Error("❌ [PROVIDER] request failed",
			zap.String("path", c.Path()),
			zap.String("diagnostics", perr.Diagnostics),
			zap.Error(perr.Err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": perr.Message})
	}

	if status == fiber.StatusInternalServerError {
		logger.Error("❌ request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(status).JSON(fiber.Map{"error": "internal error"})
	}

	var cerr *utils.CoordinationError
	message := err.Error()
	if errors.As(err, &cerr) {
		message = cerr.Message
	}
	return c.Status(status).JSON(fiber.Map{"error": message})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": message})
}
