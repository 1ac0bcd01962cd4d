package services

import (
	"context"
	"fmt"

	"game-coordination-system/models"
	"game-coordination-system/utils"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

// ticketEventHandler applies provider events. It implements every
// ProviderEventVisitor method, so a new event kind does not compile until
// it is handled here.
type ticketEventHandler struct {
	s *MatchmakingService
}

var _ models.ProviderEventVisitor = (*ticketEventHandler)(nil)

// ticketUpdate mutates stored in place and reports whether it changed.
// It is only called while stored's key is locked.
type ticketUpdate func(stored *models.Ticket, et models.EventTicket) bool

// apply locks the current ticket key of every player named in the event and
// runs update against what is stored there. The key is resolved per player
// at processing time, so a player who changed party since the event was
// produced may no longer share a key with the event's other players; such
// tickets are skipped by the ticket id checks in update.
func (h *ticketEventHandler) apply(ctx context.Context, kind models.ProviderEventKind, base *models.EventBase, allowBackfill bool, update ticketUpdate) ([]*models.Ticket, error) {
	s := h.s
	seen := mapset.NewThreadUnsafeSet[string]()
	var updated []*models.Ticket

	for _, et := range base.Tickets {
		if !allowBackfill && s.IsBackfillTicket(et.TicketID) {
			s.logger.Debug("skipping backfill ticket event", zap.String("type", kind.String()), zap.String("ticket_id", et.TicketID))
			continue
		}

		for _, player := range et.Players {
			key, err := s.ticketKey(ctx, player.PlayerID)
			if err != nil {
				return updated, err
			}
			if !seen.Add(key) {
				continue
			}

			var result *models.Ticket
			err = s.locker.WithLock(ctx, key, func(lock *utils.JSONLock) error {
				var stored models.Ticket
				found, err := lock.Load(&stored)
				if err != nil {
					return err
				}
				if !found {
					s.logger.Info("no stored ticket for event player",
						zap.String("type", kind.String()),
						zap.Int("player_id", player.PlayerID),
						zap.String("ticket_id", et.TicketID))
					return nil
				}
				if !update(&stored, et) {
					s.logger.Info("stale or out of order event skipped",
						zap.String("type", kind.String()),
						zap.Int("player_id", player.PlayerID),
						zap.String("ticket_id", et.TicketID),
						zap.String("stored_ticket_id", stored.TicketID),
						zap.String("status", string(stored.Status)))
					return nil
				}
				stored.UpdatedAt = s.now().UTC()
				if err := lock.Set(&stored); err != nil {
					return err
				}
				result = &stored
				return nil
			})
			if err != nil {
				return updated, fmt.Errorf("failed to apply %s to player %d: %w", kind, player.PlayerID, err)
			}
			if result != nil {
				updated = append(updated, result)
			}
		}
	}
	return updated, nil
}

func (h *ticketEventHandler) notify(ctx context.Context, tickets []*models.Ticket, event string, data func(t *models.Ticket) map[string]any) {
	for _, t := range tickets {
		PostToPlayers(ctx, h.s.notifier, t.PlayerIDs(), MatchmakingQueue, models.QueueEvent{Event: event, Data: data(t)})
	}
}

func ticketData(t *models.Ticket) map[string]any {
	return map[string]any{"ticket_id": t.TicketID, "status": t.Status}
}

func sameTicket(stored *models.Ticket, et models.EventTicket) bool {
	return stored.TicketID == et.TicketID
}

func (h *ticketEventHandler) Searching(ctx context.Context, e *models.SearchingEvent) error {
	updated, err := h.apply(ctx, e.Kind(), e.Base(), false, func(stored *models.Ticket, et models.EventTicket) bool {
		if !sameTicket(stored, et) {
			return false
		}
		// a rejected match sends the ticket back to searching
		if stored.Status != models.TicketQueued && stored.Status != models.TicketRequiresAcceptance {
			return false
		}
		stored.Status = models.TicketSearching
		stored.MatchID = ""
		return true
	})
	h.notify(ctx, updated, models.TicketEventSearching, ticketData)
	return err
}

func (h *ticketEventHandler) PotentialMatchCreated(ctx context.Context, e *models.PotentialMatchCreatedEvent) error {
	next := models.TicketPlacing
	if e.AcceptanceRequired {
		next = models.TicketRequiresAcceptance
	}

	updated, err := h.apply(ctx, e.Kind(), e.Base(), false, func(stored *models.Ticket, et models.EventTicket) bool {
		if !sameTicket(stored, et) {
			return false
		}
		switch stored.Status {
		case models.TicketQueued, models.TicketSearching:
		case models.TicketRequiresAcceptance:
			if stored.MatchID == e.MatchID {
				return false
			}
		default:
			return false
		}
		stored.Status = next
		stored.MatchID = e.MatchID
		for i := range stored.Players {
			stored.Players[i].Accepted = nil
		}
		return true
	})

	teams := e.GameSessionInfo.Teams()
	h.notify(ctx, updated, models.TicketEventPotentialMatchCreated, func(t *models.Ticket) map[string]any {
		return map[string]any{
			"ticket_id":           t.TicketID,
			"match_id":            e.MatchID,
			"acceptance_required": e.AcceptanceRequired,
			"acceptance_timeout":  e.AcceptanceTimeout,
			"teams":               teams,
		}
	})
	return err
}

func (h *ticketEventHandler) Succeeded(ctx context.Context, e *models.SucceededEvent) error {
	info := e.GameSessionInfo
	sessions := make([]models.MatchedPlayerSession, 0, len(info.Players))
	for _, p := range info.Players {
		sessions = append(sessions, models.MatchedPlayerSession{PlayerID: p.PlayerID, PlayerSessionID: p.PlayerSessionID})
	}

	updated, err := h.apply(ctx, e.Kind(), e.Base(), false, func(stored *models.Ticket, et models.EventTicket) bool {
		if !sameTicket(stored, et) {
			return false
		}
		switch stored.Status {
		case models.TicketQueued, models.TicketSearching, models.TicketRequiresAcceptance, models.TicketPlacing:
		default:
			return false
		}
		stored.Status = models.TicketCompleted
		if e.MatchID != "" {
			stored.MatchID = e.MatchID
		}
		stored.ConnectionInfo = &models.ConnectionInfo{
			GameSessionArn:        info.GameSessionArn,
			IPAddress:             info.IPAddress,
			DNSName:               info.DNSName,
			Port:                  info.Port,
			ConnectionString:      info.ConnectionString(),
			MatchedPlayerSessions: sessions,
		}
		return true
	})

	// every player gets their own seat token
	for _, t := range updated {
		for _, id := range t.PlayerIDs() {
			options := ""
			for _, session := range sessions {
				if session.PlayerID == id {
					options = fmt.Sprintf("PlayerSessionId=%s?PlayerId=%d", session.PlayerSessionID, id)
					break
				}
			}
			h.s.notifier.Post(ctx, PlayersExchange, id, MatchmakingQueue, models.QueueEvent{
				Event: models.TicketEventSuccess,
				Data: map[string]any{
					"ticket_id":          t.TicketID,
					"match_id":           t.MatchID,
					"connection_string":  info.ConnectionString(),
					"connection_options": options,
				},
			})
		}
	}
	return err
}

func (h *ticketEventHandler) Cancelled(ctx context.Context, e *models.CancelledEvent) error {
	matchComplete := make(map[string]bool)
	updated, err := h.apply(ctx, e.Kind(), e.Base(), true, func(stored *models.Ticket, et models.EventTicket) bool {
		if !sameTicket(stored, et) {
			// a backfill search for the match the player is already in
			if stored.Status == models.TicketCompleted {
				stored.Status = models.TicketMatchComplete
				matchComplete[stored.TicketID] = true
				return true
			}
			return false
		}
		if stored.Status.Expired() {
			return false
		}
		stored.Status = models.TicketCancelled
		stored.StatusReason = e.Reason
		stored.StatusMessage = e.Message
		return true
	})

	var cancelled []*models.Ticket
	for _, t := range updated {
		if !matchComplete[t.TicketID] {
			cancelled = append(cancelled, t)
		}
	}
	h.notify(ctx, cancelled, models.TicketEventCancelled, ticketData)
	return err
}

func (h *ticketEventHandler) AcceptMatch(ctx context.Context, e *models.AcceptMatchEvent) error {
	updated, err := h.apply(ctx, e.Kind(), e.Base(), false, func(stored *models.Ticket, et models.EventTicket) bool {
		if !sameTicket(stored, et) || stored.Status != models.TicketRequiresAcceptance {
			return false
		}
		if e.MatchID != "" && stored.MatchID != e.MatchID {
			return false
		}
		changed := false
		for _, p := range et.Players {
			if p.Accepted == nil {
				continue
			}
			if tp := stored.Player(p.PlayerID); tp != nil && (tp.Accepted == nil || *tp.Accepted != *p.Accepted) {
				accepted := *p.Accepted
				tp.Accepted = &accepted
				changed = true
			}
		}
		return changed
	})

	h.notify(ctx, updated, models.TicketEventAcceptMatch, func(t *models.Ticket) map[string]any {
		acceptance := make(map[int]*bool, len(t.Players))
		for _, p := range t.Players {
			acceptance[p.PlayerID] = p.Accepted
		}
		return map[string]any{"ticket_id": t.TicketID, "match_id": t.MatchID, "acceptance": acceptance}
	})
	return err
}

func (h *ticketEventHandler) AcceptMatchCompleted(ctx context.Context, e *models.AcceptMatchCompletedEvent) error {
	accepted := e.Acceptance == "Accepted"
	updated, err := h.apply(ctx, e.Kind(), e.Base(), false, func(stored *models.Ticket, et models.EventTicket) bool {
		if !sameTicket(stored, et) || stored.Status != models.TicketRequiresAcceptance {
			return false
		}
		if e.MatchID != "" && stored.MatchID != e.MatchID {
			return false
		}
		if accepted {
			stored.Status = models.TicketPlacing
			return true
		}
		// the provider follows up with Searching or Cancelled
		stored.MatchID = ""
		for i := range stored.Players {
			stored.Players[i].Accepted = nil
		}
		return true
	})

	h.notify(ctx, updated, models.TicketEventAcceptMatchCompleted, func(t *models.Ticket) map[string]any {
		return map[string]any{"ticket_id": t.TicketID, "match_id": e.MatchID, "acceptance": e.Acceptance}
	})
	return err
}

func (h *ticketEventHandler) TimedOut(ctx context.Context, e *models.TimedOutEvent) error {
	updated, err := h.apply(ctx, e.Kind(), e.Base(), false, terminate(models.TicketTimedOut, e.Reason, e.Message))
	h.notify(ctx, updated, models.TicketEventTimedOut, failureData)
	return err
}

func (h *ticketEventHandler) Failed(ctx context.Context, e *models.FailedEvent) error {
	updated, err := h.apply(ctx, e.Kind(), e.Base(), false, terminate(models.TicketFailed, e.Reason, e.Message))
	h.notify(ctx, updated, models.TicketEventFailed, failureData)
	return err
}

// terminate moves a live, not yet completed ticket into a final state.
func terminate(status models.TicketStatus, reason, message string) ticketUpdate {
	return func(stored *models.Ticket, et models.EventTicket) bool {
		if !sameTicket(stored, et) || stored.Status.Expired() || stored.Status == models.TicketCompleted {
			return false
		}
		stored.Status = status
		stored.StatusReason = reason
		stored.StatusMessage = message
		return true
	}
}

func failureData(t *models.Ticket) map[string]any {
	return map[string]any{"ticket_id": t.TicketID, "status": t.Status, "reason": t.StatusReason, "message": t.StatusMessage}
}
