package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"game-coordination-system/models"
	"game-coordination-system/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	MatchmakingQueue = "matchmaking"

	defaultSkill = 50.0
)

// PartyLookup resolves which players share a ticket.
type PartyLookup interface {
	GetPlayerParty(ctx context.Context, playerID int) (int, error)
	GetPartyMembers(ctx context.Context, partyID int) ([]int, error)
}

// LatencyLookup supplies per-region latency averages for a player.
type LatencyLookup interface {
	Averages(ctx context.Context, playerID int) (map[string]int, error)
}

// MatchmakingService mirrors the provider's matchmaking tickets. A group's
// ticket lives at party:{id}:flexmatch: when partied, else at
// player:{id}:flexmatch:, and is always rewritten whole under its lock.
type MatchmakingService struct {
	cache     *utils.Cache
	locker    *utils.Locker
	providers *ProviderRegistry
	parties   PartyLookup
	latency   LatencyLookup
	notifier  Notifier
	cfg       utils.Config
	backfill  *regexp.Regexp
	logger    *zap.Logger
	now       func() time.Time
}

func NewMatchmakingService(
	cache *utils.Cache,
	locker *utils.Locker,
	providers *ProviderRegistry,
	parties PartyLookup,
	latency LatencyLookup,
	notifier Notifier,
	cfg utils.Config,
	logger *zap.Logger,
) (*MatchmakingService, error) {
	backfill, err := regexp.Compile(cfg.BackfillTicketPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid BACKFILL_TICKET_PATTERN: %w", err)
	}
	return &MatchmakingService{
		cache:     cache,
		locker:    locker,
		providers: providers,
		parties:   parties,
		latency:   latency,
		notifier:  notifier,
		cfg:       cfg,
		backfill:  backfill,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (s *MatchmakingService) provider(ctx context.Context) (MatchmakingProvider, error) {
	return s.providers.Get(ctx, s.cfg.AWSRegion, s.cfg.Tenant)
}

// group returns the actor's party id (0 when solo) and every member.
func (s *MatchmakingService) group(ctx context.Context, playerID int) (int, []int, error) {
	partyID, err := s.parties.GetPlayerParty(ctx, playerID)
	if err != nil {
		return 0, nil, err
	}
	if partyID == 0 {
		return 0, []int{playerID}, nil
	}
	members, err := s.parties.GetPartyMembers(ctx, partyID)
	if err != nil {
		return 0, nil, err
	}
	if len(members) == 0 {
		// party vanished between the two reads
		return 0, []int{playerID}, nil
	}
	return partyID, members, nil
}

func (s *MatchmakingService) groupTicketKey(playerID, partyID int) string {
	if partyID != 0 {
		return s.cache.Key("party:%d:flexmatch:", partyID)
	}
	return s.cache.Key("player:%d:flexmatch:", playerID)
}

// ticketKey resolves the key of the ticket playerID currently belongs to.
func (s *MatchmakingService) ticketKey(ctx context.Context, playerID int) (string, error) {
	partyID, err := s.parties.GetPlayerParty(ctx, playerID)
	if err != nil {
		return "", err
	}
	return s.groupTicketKey(playerID, partyID), nil
}

// UpsertTicket starts matchmaking for the actor's group, or returns the
// group's ticket if one is already underway.
func (s *MatchmakingService) UpsertTicket(ctx context.Context, actor int, configName string, extra map[int]map[string]models.AttributeValue) (*models.Ticket, error) {
	if configName == "" {
		return nil, utils.Validation("matchmaker is required")
	}

	partyID, members, err := s.group(ctx, actor)
	if err != nil {
		return nil, err
	}
	key := s.groupTicketKey(actor, partyID)

	var ticket *models.Ticket
	started := false
	err = s.locker.WithLock(ctx, key, func(lock *utils.JSONLock) error {
		var stored models.Ticket
		found, err := lock.Load(&stored)
		if err != nil {
			return err
		}
		if found && stored.Status.Active() {
			s.logger.Info("returning existing ticket",
				zap.Int("player_id", actor),
				zap.String("ticket_id", stored.TicketID),
				zap.String("status", string(stored.Status)))
			ticket = &stored
			return nil
		}

		players, err := s.ticketPlayers(ctx, members, extra)
		if err != nil {
			return err
		}
		provider, err := s.provider(ctx)
		if err != nil {
			return err
		}
		created, err := provider.StartMatchmaking(ctx, MatchmakingRequest{ConfigurationName: configName, Players: players})
		if err != nil {
			var perr *utils.ProviderError
			if errors.As(err, &perr) {
				s.logger.Error("❌ [MATCHMAKING] provider rejected ticket",
					zap.Int("player_id", actor),
					zap.String("diagnostics", perr.Diagnostics))
			}
			return err
		}

		if len(created.Players) == 0 {
			created.Players = players
		}
		if created.ConfigurationName == "" {
			created.ConfigurationName = configName
		}
		created.PartyID = partyID
		created.UpdatedAt = s.now().UTC()
		if err := lock.Set(created); err != nil {
			return err
		}
		ticket = created
		started = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if started {
		s.logger.Info("🎯 [MATCHMAKING] ticket started",
			zap.Int("player_id", actor),
			zap.Int("party_id", partyID),
			zap.String("ticket_id", ticket.TicketID))
		PostToPlayers(ctx, s.notifier, members, MatchmakingQueue, models.QueueEvent{
			Event: models.TicketEventStarted,
			Data:  map[string]any{"ticket_id": ticket.TicketID, "status": ticket.Status},
		})
	}
	return ticket, nil
}

// ticketPlayers builds the provider player list: latency averages plus a
// default skill overlaid with caller supplied attributes.
func (s *MatchmakingService) ticketPlayers(ctx context.Context, members []int, extra map[int]map[string]models.AttributeValue) ([]models.TicketPlayer, error) {
	players := make([]models.TicketPlayer, 0, len(members))
	for _, id := range members {
		latencies, err := s.latency.Averages(ctx, id)
		if err != nil {
			return nil, err
		}
		skill := defaultSkill
		attrs := map[string]models.AttributeValue{"skill": {N: &skill}}
		for name, v := range extra[id] {
			attrs[name] = v
		}
		players = append(players, models.TicketPlayer{PlayerID: id, PlayerAttributes: attrs, LatencyInMs: latencies})
	}
	return players, nil
}

// CancelTicket stops matchmaking for the actor's group. When ticketID is
// set it must name the stored ticket. Returns the removed ticket.
func (s *MatchmakingService) CancelTicket(ctx context.Context, actor int, ticketID string) (*models.Ticket, error) {
	key, err := s.ticketKey(ctx, actor)
	if err != nil {
		return nil, err
	}

	var cancelled models.Ticket
	stopped := false
	err = s.locker.WithLock(ctx, key, func(lock *utils.JSONLock) error {
		found, err := lock.Load(&cancelled)
		if err != nil {
			return err
		}
		if !found || (ticketID != "" && cancelled.TicketID != ticketID) {
			return utils.NotFound("no matchmaking ticket found")
		}

		switch {
		case cancelled.Status.Committing():
			return utils.Conflict("ticket %s is %s and can no longer be cancelled", cancelled.TicketID, cancelled.Status)
		case cancelled.Status.Expired():
			s.logger.Info("clearing expired ticket", zap.String("ticket_id", cancelled.TicketID), zap.String("status", string(cancelled.Status)))
			lock.Delete()
			return nil
		}

		provider, err := s.provider(ctx)
		if err != nil {
			return err
		}
		if err := provider.StopMatchmaking(ctx, cancelled.TicketID); err != nil {
			return err
		}
		lock.Delete()
		stopped = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if stopped {
		s.logger.Info("🛑 [MATCHMAKING] ticket cancelled", zap.Int("player_id", actor), zap.String("ticket_id", cancelled.TicketID))
		PostToPlayers(ctx, s.notifier, cancelled.PlayerIDs(), MatchmakingQueue, models.QueueEvent{
			Event: models.TicketEventStopped,
			Data:  map[string]any{"ticket_id": cancelled.TicketID},
		})
	}
	return &cancelled, nil
}

// GetTicket returns the actor's group ticket, nil when there is none. The
// read is unguarded.
func (s *MatchmakingService) GetTicket(ctx context.Context, actor int) (*models.Ticket, error) {
	key, err := s.ticketKey(ctx, actor)
	if err != nil {
		return nil, err
	}
	return s.readTicket(ctx, key)
}

func (s *MatchmakingService) readTicket(ctx context.Context, key string) (*models.Ticket, error) {
	raw, err := s.cache.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	var ticket models.Ticket
	if err := json.Unmarshal(raw, &ticket); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return &ticket, nil
}

// UpdateAcceptance forwards the actor's answer to a potential match. Answers
// for a match the ticket is no longer waiting on are logged and dropped.
func (s *MatchmakingService) UpdateAcceptance(ctx context.Context, actor int, ticketID, matchID string, accept bool) error {
	key, err := s.ticketKey(ctx, actor)
	if err != nil {
		return err
	}

	return s.locker.WithLock(ctx, key, func(lock *utils.JSONLock) error {
		var ticket models.Ticket
		found, err := lock.Load(&ticket)
		if err != nil {
			return err
		}
		if !found || (ticketID != "" && ticket.TicketID != ticketID) {
			return utils.NotFound("no matchmaking ticket found")
		}
		if ticket.Status != models.TicketRequiresAcceptance || ticket.MatchID != matchID {
			s.logger.Warn("ignoring acceptance for a match the ticket isn't waiting on",
				zap.Int("player_id", actor),
				zap.String("ticket_id", ticket.TicketID),
				zap.String("status", string(ticket.Status)),
				zap.String("match_id", matchID),
				zap.String("stored_match_id", ticket.MatchID))
			return nil
		}

		provider, err := s.provider(ctx)
		if err != nil {
			return err
		}
		if err := provider.AcceptMatch(ctx, ticket.TicketID, []int{actor}, accept); err != nil {
			var perr *utils.ProviderError
			if errors.As(err, &perr) {
				s.logger.Error("❌ [MATCHMAKING] acceptance rejected",
					zap.Int("player_id", actor),
					zap.String("match_id", matchID),
					zap.String("diagnostics", perr.Diagnostics))
			}
			return err
		}
		s.logger.Info("match acceptance sent", zap.Int("player_id", actor), zap.String("match_id", matchID), zap.Bool("accept", accept))
		return nil
	})
}

// ProcessProviderEvent applies a matchmaking callback to every affected
// player's stored ticket.
func (s *MatchmakingService) ProcessProviderEvent(ctx context.Context, raw []byte) error {
	event, err := models.ParseProviderEvent(raw)
	if err != nil {
		return utils.Validation("%s", err.Error())
	}
	s.logger.Info("📨 [MATCHMAKING] provider event",
		zap.String("type", event.Kind().String()),
		zap.Int("tickets", len(event.Base().Tickets)))
	return event.Accept(ctx, &ticketEventHandler{s: s})
}

// IsBackfillTicket reports whether ticketID was issued by a running game
// session to refill its match.
func (s *MatchmakingService) IsBackfillTicket(ticketID string) bool {
	return s.backfill.MatchString(ticketID)
}
