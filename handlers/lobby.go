package handlers

import (
	"game-coordination-system/middleware"
	"game-coordination-system/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func SetupLobbyRoutes(app *fiber.App, lobbies *services.LobbyService, logger *zap.Logger) {
	// 🔔 Placement callbacks share the matchmaking event role
	app.Put("/lobbies/placement-events", middleware.RequireRole("flexmatch_event"), func(c *fiber.Ctx) error {
		if err := lobbies.ApplyPlacementEvent(c.UserContext(), c.Body()); err != nil {
			return respondError(c, logger, err)
		}
		return c.JSON(fiber.Map{})
	})

	secured := app.Group("/lobbies", middleware.RequirePlayer())

	secured.Get("/", func(c *fiber.Ctx) error {
		lobby, err := lobbies.Get(c.UserContext(), middleware.CurrentPlayer(c), "")
		if err != nil {
			return respondError(c, logger, err)
		}
		return c.JSON(lobby)
	})

	secured.Post("/", func(c *fiber.Ctx) error {
		var req services.CreateLobbyRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		lobby, err := lobbies.Create(c.UserContext(), middleware.CurrentPlayer(c), req)
		if err != nil {
			return respondError(c, logger, err)
		}
		return c.Status(fiber.StatusCreated).JSON(lobby)
	})

	secured.Get("/:lobby_id", func(c *fiber.Ctx) error {
		lobby, err := lobbies.Get(c.UserContext(), middleware.CurrentPlayer(c), c.Params("lobby_id"))
		if err != nil {
			return respondError(c, logger, err)
		}
		return c.JSON(lobby)
	})

	secured.Patch("/:lobby_id", func(c *fiber.Ctx) error {
		var req services.UpdateLobbyRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		lobby, err := lobbies.Update(c.UserContext(), middleware.CurrentPlayer(c), c.Params("lobby_id"), req)
		if err != nil {
			return respondError(c, logger, err)
		}
		return c.JSON(lobby)
	})

	secured.Delete("/:lobby_id", func(c *fiber.Ctx) error {
		if err := lobbies.Delete(c.UserContext(), middleware.CurrentPlayer(c), c.Params("lobby_id")); err != nil {
			return respondError(c, logger, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	secured.Post("/:lobby_id/members", func(c *fiber.Ctx) error {
		lobby, err := lobbies.Join(c.UserContext(), middleware.CurrentPlayer(c), c.Params("lobby_id"))
		if err != nil {
			return respondError(c, logger, err)
		}
		return c.Status(fiber.StatusCreated).JSON(lobby)
	})

	secured.Patch("/:lobby_id/members/:member_id", func(c *fiber.Ctx) error {
		memberID, ok := intParam(c, "member_id")
		if !ok {
			return badRequest(c, "invalid member id")
		}
		var req services.UpdateMemberRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		lobby, err := lobbies.UpdateMember(c.UserContext(), middleware.CurrentPlayer(c), c.Params("lobby_id"), memberID, req)
		if err != nil {
			return respondError(c, logger, err)
		}
		return c.JSON(lobby)
	})

	// leaving and kicking share the member resource
	secured.Delete("/:lobby_id/members/:member_id", func(c *fiber.Ctx) error {
		memberID, ok := intParam(c, "member_id")
		if !ok {
			return badRequest(c, "invalid member id")
		}
		actor := middleware.CurrentPlayer(c)
		var err error
		if memberID == actor {
			err = lobbies.Leave(c.UserContext(), actor, c.Params("lobby_id"))
		} else {
			err = lobbies.Kick(c.UserContext(), actor, c.Params("lobby_id"), memberID)
		}
		if err != nil {
			return respondError(c, logger, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	secured.Post("/:lobby_id/match", func(c *fiber.Ctx) error {
		lobby, err := lobbies.StartMatch(c.UserContext(), middleware.CurrentPlayer(c), c.Params("lobby_id"))
		if err != nil {
			return respondError(c, logger, err)
		}
		return c.JSON(lobby)
	})
}
