package handlers

import (
	"errors"
	"strconv"

	"game-coordination-system/middleware"
	"game-coordination-system/models"
	"game-coordination-system/services"
	"game-coordination-system/utils"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type latencyRequest struct {
	LatencyMs *float64 `json:"latency_ms"`
	Region    string   `json:"region"`
}

type ticketRequest struct {
	Matchmaker           string                                   `json:"matchmaker"`
	ExtraMatchmakingData map[int]map[string]models.AttributeValue `json:"extra_matchmaking_data"`
}

type acceptanceRequest struct {
	MatchID    string `json:"match_id"`
	Acceptance *bool  `json:"acceptance"`
}

const ticketsPath = "/matchmakers/flexmatch/tickets/"

func SetupMatchmakingRoutes(app *fiber.App, matchmaking *services.MatchmakingService, latency *services.LatencyService, logger *zap.Logger) {
	// 🔔 Provider callbacks, forwarded by the event bridge
	app.Put("/matchmakers/flexmatch/events", middleware.RequireRole("flexmatch_event"), func(c *fiber.Ctx) error {
		if err := matchmaking.ProcessProviderEvent(c.UserContext(), c.Body()); err != nil {
			return respondError(c, logger, err)
		}
		return c.JSON(fiber.Map{})
	})

	// 🔐 Player routes
	secured := app.Group("/matchmakers/flexmatch", middleware.RequirePlayer())

	secured.Patch("/:player_id", func(c *fiber.Ctx) error {
		playerID, err := strconv.Atoi(c.Params("player_id"))
		if err != nil {
			return badRequest(c, "invalid player id")
		}
		if playerID != middleware.CurrentPlayer(c) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "you can only report your own latency"})
		}

		var req latencyRequest
		if err := c.BodyParser(&req); err != nil || req.LatencyMs == nil || req.Region == "" {
			return badRequest(c, "invalid or missing arguments")
		}
		averages, err := latency.Record(c.UserContext(), playerID, req.Region, *req.LatencyMs)
		if err != nil {
			return respondError(c, logger, err)
		}
		return c.JSON(averages)
	})

	secured.Get("/tickets/", func(c *fiber.Ctx) error {
		ticket, err := matchmaking.GetTicket(c.UserContext(), middleware.CurrentPlayer(c))
		if err != nil {
			return respondError(c, logger, err)
		}
		if ticket == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{})
		}
		return c.JSON(fiber.Map{"ticket_url": ticketsPath + ticket.TicketID})
	})

	secured.Post("/tickets/", func(c *fiber.Ctx) error {
		var req ticketRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		ticket, err := matchmaking.UpsertTicket(c.UserContext(), middleware.CurrentPlayer(c), req.Matchmaker, req.ExtraMatchmakingData)
		if err != nil {
			return respondError(c, logger, err)
		}
		return c.JSON(fiber.Map{
			"ticket_url":    ticketsPath + ticket.TicketID,
			"ticket_id":     ticket.TicketID,
			"ticket_status": ticket.Status,
		})
	})

	secured.Get("/tickets/:ticket_id", func(c *fiber.Ctx) error {
		ticket, err := matchmaking.GetTicket(c.UserContext(), middleware.CurrentPlayer(c))
		if err != nil {
			return respondError(c, logger, err)
		}
		if ticket == nil || ticket.TicketID != c.Params("ticket_id") {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{})
		}
		return c.JSON(ticket)
	})

	secured.Delete("/tickets/:ticket_id", func(c *fiber.Ctx) error {
		ticket, err := matchmaking.CancelTicket(c.UserContext(), middleware.CurrentPlayer(c), c.Params("ticket_id"))
		if errors.Is(err, utils.ErrNotFound) {
			return c.JSON(fiber.Map{"status": "NoTicketFound"})
		}
		if err != nil {
			return respondError(c, logger, err)
		}
		return c.JSON(fiber.Map{"status": "Deleted", "ticket_id": ticket.TicketID})
	})

	secured.Patch("/tickets/:ticket_id", func(c *fiber.Ctx) error {
		var req acceptanceRequest
		if err := c.BodyParser(&req); err != nil || req.MatchID == "" || req.Acceptance == nil {
			return badRequest(c, "match_id and acceptance are required")
		}
		err := matchmaking.UpdateAcceptance(c.UserContext(), middleware.CurrentPlayer(c), c.Params("ticket_id"), req.MatchID, *req.Acceptance)
		if err != nil {
			return respondError(c, logger, err)
		}
		return c.JSON(fiber.Map{})
	})
}
