package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"game-coordination-system/middleware"
	"game-coordination-system/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	messageBatchRows   = 100
	streamPollInterval = 2 * time.Second
)

func SetupMessageRoutes(app *fiber.App, notifications *services.NotificationService, logger *zap.Logger) {
	secured := app.Group("/messages", middleware.RequirePlayer())

	// 📬 One-shot fetch; clients pass back last_id as messages_after
	secured.Get("/", func(c *fiber.Ctx) error {
		playerID := middleware.CurrentPlayer(c)
		messages, last, err := notifications.FetchMessages(c.UserContext(), services.PlayersExchange, playerID, c.Query("messages_after", "0"), messageBatchRows)
		if err != nil {
			return respondError(c, logger, err)
		}
		return c.JSON(fiber.Map{"messages": messages, "last_id": last})
	})

	// 📡 Server-sent events, polling the player's exchange
	secured.Get("/stream", func(c *fiber.Ctx) error {
		playerID := middleware.CurrentPlayer(c)
		cursor := c.Query("messages_after", "0")
		ctx := c.Context()

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("X-Accel-Buffering", "no")

		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			ticker := time.NewTicker(streamPollInterval)
			defer ticker.Stop()

			w.WriteString(":\n\n")
			if err := w.Flush(); err != nil {
				return
			}

			for {
				select {
				case <-ticker.C:
					messages, last, err := notifications.FetchMessages(ctx, services.PlayersExchange, playerID, cursor, messageBatchRows)
					if err != nil {
						logger.Warn("⚠️ [SSE] fetch failed", zap.Int("player_id", playerID), zap.Error(err))
						continue
					}
					cursor = last
					if len(messages) == 0 {
						// keepalive, also how a gone client is noticed
						w.WriteString(": ping\n\n")
					}
					for _, m := range messages {
						payload, _ := json.Marshal(m)
						fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", m.MessageID, m.Queue, payload)
					}
					if err := w.Flush(); err != nil {
						logger.Debug("📡 [SSE] client disconnected", zap.Int("player_id", playerID))
						return
					}
				case <-ctx.Done():
					return
				}
			}
		})
		return nil
	})
}
