package handlers

import (
	"fmt"
	"strconv"

	"game-coordination-system/middleware"
	"game-coordination-system/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type inviteRequest struct {
	PlayerID int `json:"player_id"`
}

type acceptInviteRequest struct {
	InviterID          int  `json:"inviter_id"`
	LeaveExistingParty bool `json:"leave_existing_party"`
}

func intParam(c *fiber.Ctx, name string) (int, bool) {
	id, err := strconv.Atoi(c.Params(name))
	return id, err == nil && id > 0
}

func SetupPartyRoutes(app *fiber.App, parties *services.PartyService, logger *zap.Logger) {
	invites := app.Group("/party_invites", middleware.RequirePlayer())

	invites.Post("/", func(c *fiber.Ctx) error {
		var req inviteRequest
		if err := c.BodyParser(&req); err != nil || req.PlayerID <= 0 {
			return badRequest(c, "player_id is required")
		}
		inviteID, err := parties.Invite(c.UserContext(), middleware.CurrentPlayer(c), req.PlayerID)
		if err != nil {
			return respondError(c, logger, err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"invite_id": inviteID,
			"url":       fmt.Sprintf("/party_invites/%d", inviteID),
		})
	})

	invites.Get("/:invite_id", func(c *fiber.Ctx) error {
		inviteID, ok := intParam(c, "invite_id")
		if !ok {
			return badRequest(c, "invalid invite id")
		}
		invite, err := parties.GetInvite(c.UserContext(), middleware.CurrentPlayer(c), inviteID)
		if err != nil {
			return respondError(c, logger, err)
		}
		return c.JSON(invite)
	})

	invites.Patch("/:invite_id", func(c *fiber.Ctx) error {
		inviteID, ok := intParam(c, "invite_id")
		if !ok {
			return badRequest(c, "invalid invite id")
		}
		var req acceptInviteRequest
		if err := c.BodyParser(&req); err != nil || req.InviterID <= 0 {
			return badRequest(c, "inviter_id is required")
		}
		playerID := middleware.CurrentPlayer(c)
		partyID, members, err := parties.AcceptInvite(c.UserContext(), playerID, inviteID, req.InviterID, req.LeaveExistingParty)
		if err != nil {
			return respondError(c, logger, err)
		}
		return c.JSON(fiber.Map{
			"party_id":  partyID,
			"party_url": fmt.Sprintf("/parties/%d/", partyID),
			"player_id": playerID,
			"members":   members,
		})
	})

	invites.Delete("/:invite_id", func(c *fiber.Ctx) error {
		inviteID, ok := intParam(c, "invite_id")
		if !ok {
			return badRequest(c, "invalid invite id")
		}
		if err := parties.DeclineInvite(c.UserContext(), middleware.CurrentPlayer(c), inviteID); err != nil {
			return respondError(c, logger, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	group := app.Group("/parties", middleware.RequirePlayer())

	group.Get("/", func(c *fiber.Ctx) error {
		party, err := parties.GetPlayerPartyDetails(c.UserContext(), middleware.CurrentPlayer(c))
		if err != nil {
			return respondError(c, logger, err)
		}
		return c.JSON(party)
	})

	group.Get("/:party_id", func(c *fiber.Ctx) error {
		partyID, ok := intParam(c, "party_id")
		if !ok {
			return badRequest(c, "invalid party id")
		}
		party, err := parties.GetParty(c.UserContext(), middleware.CurrentPlayer(c), partyID)
		if err != nil {
			return respondError(c, logger, err)
		}
		return c.JSON(party)
	})

	group.Get("/:party_id/members", func(c *fiber.Ctx) error {
		partyID, ok := intParam(c, "party_id")
		if !ok {
			return badRequest(c, "invalid party id")
		}
		party, err := parties.GetParty(c.UserContext(), middleware.CurrentPlayer(c), partyID)
		if err != nil {
			return respondError(c, logger, err)
		}
		return c.JSON(party.Members)
	})

	group.Delete("/:party_id/members/:player_id", func(c *fiber.Ctx) error {
		partyID, ok := intParam(c, "party_id")
		if !ok {
			return badRequest(c, "invalid party id")
		}
		playerID, ok := intParam(c, "player_id")
		if !ok {
			return badRequest(c, "invalid player id")
		}
		if playerID != middleware.CurrentPlayer(c) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "you can only remove yourself from a party"})
		}
		if err := parties.Leave(c.UserContext(), playerID, partyID); err != nil {
			return respondError(c, logger, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	group.Delete("/:party_id", func(c *fiber.Ctx) error {
		partyID, ok := intParam(c, "party_id")
		if !ok {
			return badRequest(c, "invalid party id")
		}
		if err := parties.Disband(c.UserContext(), middleware.CurrentPlayer(c), partyID); err != nil {
			return respondError(c, logger, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}
