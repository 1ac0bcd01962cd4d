package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"game-coordination-system/models"
	"game-coordination-system/utils"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

const (
	LobbyQueue = "lobby"

	lobbyIDLength       = 6
	lobbyIDAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxLobbyIDAttempts  = 100
	defaultLobbyName    = "Lobby"
	spectatorOnlyOption = "SpectatorOnly=1"
)

// TicketLookup reports a player's current matchmaking ticket.
type TicketLookup interface {
	GetTicket(ctx context.Context, playerID int) (*models.Ticket, error)
}

type CreateLobbyRequest struct {
	TeamCapacity int      `json:"team_capacity"`
	TeamNames    []string `json:"team_names"`
	LobbyName    *string  `json:"lobby_name"`
	MapName      *string  `json:"map_name"`
	CustomData   *string  `json:"custom_data"`
}

type UpdateLobbyRequest struct {
	TeamCapacity *int     `json:"team_capacity"`
	TeamNames    []string `json:"team_names"`
	LobbyName    *string  `json:"lobby_name"`
	MapName      *string  `json:"map_name"`
	CustomData   *string  `json:"custom_data"`
}

type UpdateMemberRequest struct {
	TeamName *string `json:"team_name"`
	Ready    *bool   `json:"ready"`
}

// LobbyService coordinates host-run lobbies. A lobby is one JSON value at
// lobby:{id}:, changed only under its lock; player:{id}:lobby: points each
// member at it and is written in the same commit.
type LobbyService struct {
	cache     *utils.Cache
	locker    *utils.Locker
	parties   PartyLookup
	tickets   TicketLookup
	latency   LatencyLookup
	directory Directory
	notifier  Notifier
	providers *ProviderRegistry
	cfg       utils.Config
	logger    *zap.Logger
	now       func() time.Time
}

func NewLobbyService(
	cache *utils.Cache,
	locker *utils.Locker,
	parties PartyLookup,
	tickets TicketLookup,
	latency LatencyLookup,
	directory Directory,
	notifier Notifier,
	providers *ProviderRegistry,
	cfg utils.Config,
	logger *zap.Logger,
) *LobbyService {
	return &LobbyService{
		cache:     cache,
		locker:    locker,
		parties:   parties,
		tickets:   tickets,
		latency:   latency,
		directory: directory,
		notifier:  notifier,
		providers: providers,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *LobbyService) lobbyKey(lobbyID string) string {
	return s.cache.Key("lobby:%s:", lobbyID)
}

func (s *LobbyService) playerLobbyKey(playerID int) string {
	return s.cache.Key("player:%d:lobby:", playerID)
}

func (s *LobbyService) placementKey(placementID string) string {
	return s.cache.Key("placement:%s:lobby:", placementID)
}

func (s *LobbyService) playerLobby(ctx context.Context, playerID int) (string, error) {
	id, err := s.cache.Client.Get(ctx, s.playerLobbyKey(playerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lobby of player %d: %w", playerID, err)
	}
	return id, nil
}

// requireMember checks the unguarded reverse index before taking the lock.
func (s *LobbyService) requireMember(ctx context.Context, actor int, lobbyID string) error {
	current, err := s.playerLobby(ctx, actor)
	if err != nil {
		return err
	}
	if current == "" || current != lobbyID {
		return utils.Unauthorized("you don't have permission to access lobby %s", lobbyID)
	}
	return nil
}

// withLobby locks lobbyID and hands fn the stored lobby, after verifying
// the actor did not leave while waiting. A lobby that no longer exists
// clears the actor's stale reverse entry and yields NotFound.
func (s *LobbyService) withLobby(ctx context.Context, actor int, lobbyID string, fn func(lock *utils.JSONLock, lobby *models.Lobby) error) error {
	gone := false
	err := s.locker.WithLock(ctx, s.lobbyKey(lobbyID), func(lock *utils.JSONLock) error {
		current, err := s.playerLobby(ctx, actor)
		if err != nil {
			return err
		}
		if current != lobbyID {
			return utils.Conflict("you left lobby %s while waiting for it", lobbyID)
		}

		var lobby models.Lobby
		found, err := lock.Load(&lobby)
		if err != nil {
			return err
		}
		if !found || lobby.Member(actor) == nil {
			s.logger.Warn("player points at a lobby it isn't in", zap.Int("player_id", actor), zap.String("lobby_id", lobbyID))
			lock.DeleteKey(s.playerLobbyKey(actor))
			gone = true
			return nil
		}
		return fn(lock, &lobby)
	})
	if err != nil {
		return err
	}
	if gone {
		return utils.NotFound("lobby %s not found", lobbyID)
	}
	return nil
}

func (s *LobbyService) post(ctx context.Context, receivers []int, event string, data any) {
	if len(receivers) == 0 {
		return
	}
	PostToPlayers(ctx, s.notifier, receivers, LobbyQueue, models.QueueEvent{Event: event, Data: data})
}

func normalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

func normalizeTeams(names []string) ([]string, error) {
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = normalizeName(name)
		if name == "" {
			return nil, utils.Validation("team names must not be empty")
		}
		if !seen.Add(name) {
			return nil, utils.Validation("team name %q is listed twice", name)
		}
		out = append(out, name)
	}
	return out, nil
}

func (s *LobbyService) validateCustomData(data *string) error {
	if data != nil && len(*data) > s.cfg.MaxLobbyDataBytes {
		return utils.Validation("custom data too large, maximum amount of bytes is %d", s.cfg.MaxLobbyDataBytes)
	}
	return nil
}

func generateLobbyID() (string, error) {
	id, err := gonanoid.Generate(lobbyIDAlphabet, lobbyIDLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate lobby id: %w", err)
	}
	return id, nil
}

var errLobbyIDTaken = errors.New("lobby id taken")

// Create opens a lobby hosted by actor. Players in a party, matchmaking, or
// in another lobby cannot create one.
func (s *LobbyService) Create(ctx context.Context, actor int, req CreateLobbyRequest) (*models.Lobby, error) {
	if req.TeamCapacity < 1 {
		return nil, utils.Validation("team capacity must be at least 1")
	}
	teams, err := normalizeTeams(req.TeamNames)
	if err != nil {
		return nil, err
	}
	if len(teams) == 0 {
		return nil, utils.Validation("at least one team is required")
	}
	if err := s.validateCustomData(req.CustomData); err != nil {
		return nil, err
	}

	partyID, err := s.parties.GetPlayerParty(ctx, actor)
	if err != nil {
		return nil, err
	}
	if partyID != 0 {
		return nil, utils.Validation("cannot create a lobby while in a party")
	}
	ticket, err := s.tickets.GetTicket(ctx, actor)
	if err != nil {
		return nil, err
	}
	if ticket != nil && !ticket.Status.Expired() {
		return nil, utils.Validation("cannot create a lobby while matchmaking")
	}
	current, err := s.playerLobby(ctx, actor)
	if err != nil {
		return nil, err
	}
	if current != "" {
		return nil, utils.Validation("you cannot create a lobby while in another lobby")
	}

	name, err := s.directory.PlayerName(ctx, actor)
	if err != nil {
		return nil, err
	}

	lobbyName := defaultLobbyName
	if req.LobbyName != nil && normalizeName(*req.LobbyName) != "" {
		lobbyName = normalizeName(*req.LobbyName)
	}
	now := s.now().UTC()

	for attempt := 0; attempt < maxLobbyIDAttempts; attempt++ {
		lobbyID, err := generateLobbyID()
		if err != nil {
			return nil, err
		}
		var created *models.Lobby

		err = s.locker.WithLock(ctx, s.lobbyKey(lobbyID), func(lock *utils.JSONLock) error {
			if lock.Exists() {
				return errLobbyIDTaken
			}
			current, err := s.playerLobby(ctx, actor)
			if err != nil {
				return err
			}
			if current != "" {
				return utils.Conflict("you joined a lobby while creating a lobby")
			}

			lobby := &models.Lobby{
				LobbyID:      lobbyID,
				LobbyName:    lobbyName,
				MapName:      req.MapName,
				TeamCapacity: req.TeamCapacity,
				TeamNames:    teams,
				CreateDate:   now,
				Status:       models.LobbyIdle,
				CustomData:   req.CustomData,
				Members: []models.LobbyMember{{
					PlayerID:   actor,
					PlayerName: name,
					Host:       true,
					JoinDate:   now,
				}},
			}
			if err := lock.Set(lobby); err != nil {
				return err
			}
			lock.SetKey(s.playerLobbyKey(actor), lobbyID)
			created = lobby
			return nil
		})
		if errors.Is(err, errLobbyIDTaken) {
			s.logger.Info("generated an existing lobby id, retrying", zap.String("lobby_id", lobbyID))
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("🏠 [LOBBY] lobby created", zap.String("lobby_id", lobbyID), zap.Int("player_id", actor))
		return created, nil
	}
	return nil, fmt.Errorf("failed to generate a unique lobby id for player %d after %d attempts", actor, maxLobbyIDAttempts)
}

// Get returns the actor's lobby with connection options for the actor once
// the match runs. The read is unguarded.
func (s *LobbyService) Get(ctx context.Context, actor int, expectedID string) (*models.Lobby, error) {
	lobbyID, err := s.playerLobby(ctx, actor)
	if err != nil {
		return nil, err
	}
	if lobbyID == "" {
		return nil, utils.NotFound("no lobby found")
	}
	if expectedID != "" && expectedID != lobbyID {
		return nil, utils.Unauthorized("you don't have permission to access lobby %s", expectedID)
	}

	raw, err := s.cache.Client.Get(ctx, s.lobbyKey(lobbyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, utils.NotFound("no lobby found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lobby %s: %w", lobbyID, err)
	}
	var lobby models.Lobby
	if err := json.Unmarshal(raw, &lobby); err != nil {
		return nil, fmt.Errorf("failed to decode lobby %s: %w", lobbyID, err)
	}
	if lobby.Member(actor) == nil {
		return nil, utils.NotFound("no lobby found")
	}
	return personalize(&lobby, actor), nil
}

// personalize returns a copy carrying the player's connection options.
func personalize(lobby *models.Lobby, playerID int) *models.Lobby {
	out := *lobby
	out.Members = append([]models.LobbyMember(nil), lobby.Members...)
	if !lobby.Status.MatchInitiated() || lobby.ConnectionString == "" {
		return &out
	}

	out.ConnectionOptions = spectatorOnlyOption
	if m := lobby.Member(playerID); m != nil && m.TeamName != nil && m.PlayerSessionID != "" {
		out.ConnectionOptions = fmt.Sprintf("PlayerSessionId=%s?PlayerId=%d", m.PlayerSessionID, playerID)
	}
	return &out
}

// Update changes lobby-wide settings. Host only, and only before a match
// was started.
func (s *LobbyService) Update(ctx context.Context, actor int, lobbyID string, req UpdateLobbyRequest) (*models.Lobby, error) {
	if err := s.validateCustomData(req.CustomData); err != nil {
		return nil, err
	}
	if req.TeamCapacity != nil && *req.TeamCapacity < 1 {
		return nil, utils.Validation("team capacity must be at least 1")
	}
	var teams []string
	if len(req.TeamNames) > 0 {
		var err error
		if teams, err = normalizeTeams(req.TeamNames); err != nil {
			return nil, err
		}
	}
	if err := s.requireMember(ctx, actor, lobbyID); err != nil {
		return nil, err
	}

	var result *models.Lobby
	updated := false
	err := s.withLobby(ctx, actor, lobbyID, func(lock *utils.JSONLock, lobby *models.Lobby) error {
		if lobby.HostID() != actor {
			return utils.Forbidden("you aren't the host of lobby %s, only the host can update the lobby", lobbyID)
		}
		if lobby.Status.MatchInitiated() {
			return utils.Validation("cannot update the lobby after the lobby match has been initiated")
		}

		if req.TeamCapacity != nil && *req.TeamCapacity != lobby.TeamCapacity {
			lobby.TeamCapacity = *req.TeamCapacity
			updated = true
		}
		if teams != nil && !equalStrings(teams, lobby.TeamNames) {
			lobby.TeamNames = teams
			updated = true
		}
		if req.LobbyName != nil {
			if name := normalizeName(*req.LobbyName); name != "" && name != lobby.LobbyName {
				lobby.LobbyName = name
				updated = true
			}
		}
		if req.MapName != nil && *req.MapName != "" && (lobby.MapName == nil || *lobby.MapName != *req.MapName) {
			lobby.MapName = req.MapName
			updated = true
		}
		if req.CustomData != nil && *req.CustomData != "" && (lobby.CustomData == nil || *lobby.CustomData != *req.CustomData) {
			lobby.CustomData = req.CustomData
			updated = true
		}

		result = lobby
		if !updated {
			return nil
		}
		lobby.EnforceTeams()
		return lock.Set(lobby)
	})
	if err != nil {
		return nil, err
	}

	if updated {
		s.logger.Info("🛠️ [LOBBY] lobby updated", zap.String("lobby_id", lobbyID), zap.Int("player_id", actor))
		s.post(ctx, result.MemberIDs(), models.LobbyEventUpdated, result)
	}
	return personalize(result, actor), nil
}

// Delete removes the lobby and every member's reverse entry. Host only.
func (s *LobbyService) Delete(ctx context.Context, actor int, lobbyID string) error {
	if err := s.requireMember(ctx, actor, lobbyID); err != nil {
		return err
	}

	var receivers []int
	err := s.withLobby(ctx, actor, lobbyID, func(lock *utils.JSONLock, lobby *models.Lobby) error {
		if lobby.HostID() != actor {
			return utils.Forbidden("you aren't the host of lobby %s, only the host can delete the lobby", lobbyID)
		}
		if lobby.Status == models.LobbyStarting {
			return utils.Validation("cannot delete the lobby while the lobby match is starting")
		}
		for _, id := range lobby.MemberIDs() {
			lock.DeleteKey(s.playerLobbyKey(id))
		}
		lock.Delete()
		receivers = lobby.MemberIDs(actor)
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("🗑️ [LOBBY] lobby deleted", zap.String("lobby_id", lobbyID), zap.Int("player_id", actor))
	s.post(ctx, receivers, models.LobbyEventDeleted, map[string]any{"lobby_id": lobbyID})
	return nil
}

// Join adds actor to the lobby. Joining a lobby one is already in is a no-op.
func (s *LobbyService) Join(ctx context.Context, actor int, lobbyID string) (*models.Lobby, error) {
	lobbyID = strings.ToUpper(strings.TrimSpace(lobbyID))
	current, err := s.playerLobby(ctx, actor)
	if err != nil {
		return nil, err
	}
	if current != "" && current != lobbyID {
		return nil, utils.Validation("you cannot join a lobby while in another lobby")
	}
	name, err := s.directory.PlayerName(ctx, actor)
	if err != nil {
		return nil, err
	}

	var result *models.Lobby
	joined := false
	err = s.locker.WithLock(ctx, s.lobbyKey(lobbyID), func(lock *utils.JSONLock) error {
		current, err := s.playerLobby(ctx, actor)
		if err != nil {
			return err
		}
		if current != "" && current != lobbyID {
			return utils.Conflict("you joined lobby %s while attempting to join lobby %s", current, lobbyID)
		}

		var lobby models.Lobby
		found, err := lock.Load(&lobby)
		if err != nil {
			return err
		}
		if !found {
			return utils.NotFound("lobby %s doesn't exist", lobbyID)
		}
		result = &lobby

		if lobby.Member(actor) != nil {
			s.logger.Info("player already in lobby", zap.Int("player_id", actor), zap.String("lobby_id", lobbyID))
			return nil
		}
		if lobby.Status.MatchInitiated() {
			return utils.Validation("cannot join the lobby after the lobby match has been initiated")
		}

		lobby.Members = append(lobby.Members, models.LobbyMember{
			PlayerID:   actor,
			PlayerName: name,
			JoinDate:   s.now().UTC(),
		})
		if err := lock.Set(&lobby); err != nil {
			return err
		}
		lock.SetKey(s.playerLobbyKey(actor), lobbyID)
		joined = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if joined {
		s.logger.Info("🚪 [LOBBY] player joined", zap.String("lobby_id", lobbyID), zap.Int("player_id", actor))
		s.post(ctx, result.MemberIDs(actor), models.LobbyEventMemberJoined, map[string]any{
			"lobby_id": lobbyID,
			"members":  result.Members,
		})
	}
	return personalize(result, actor), nil
}

// Leave removes actor from the lobby, promoting the longest-standing member
// if the host leaves. The last member out deletes the lobby. While a match
// is starting, leaving is refused until the grace window has passed.
func (s *LobbyService) Leave(ctx context.Context, actor int, lobbyID string) error {
	if err := s.requireMember(ctx, actor, lobbyID); err != nil {
		return err
	}

	var remaining *models.Lobby
	newHost := 0
	err := s.withLobby(ctx, actor, lobbyID, func(lock *utils.JSONLock, lobby *models.Lobby) error {
		if lobby.Status == models.LobbyStarting && lobby.PlacementDate != nil {
			elapsed := s.now().Sub(*lobby.PlacementDate)
			if elapsed <= s.cfg.LobbyLeaveGrace {
				wait := int(math.Ceil((s.cfg.LobbyLeaveGrace - elapsed).Seconds()))
				return utils.Validation("cannot leave the lobby while the lobby match is starting, you can leave after %d seconds", wait)
			}
			s.logger.Warn("player leaving a lobby stuck in starting",
				zap.Int("player_id", actor),
				zap.String("lobby_id", lobbyID),
				zap.Duration("elapsed", elapsed))
		}

		_, newHost = lobby.RemoveMember(actor)
		lock.DeleteKey(s.playerLobbyKey(actor))
		if len(lobby.Members) == 0 {
			lock.Delete()
			return nil
		}
		remaining = lobby
		return lock.Set(lobby)
	})
	if err != nil {
		return err
	}

	if remaining == nil {
		s.logger.Info("🗑️ [LOBBY] last member left, lobby deleted", zap.String("lobby_id", lobbyID), zap.Int("player_id", actor))
		return nil
	}
	s.logger.Info("👋 [LOBBY] player left", zap.String("lobby_id", lobbyID), zap.Int("player_id", actor), zap.Int("new_host_id", newHost))
	s.post(ctx, remaining.MemberIDs(), models.LobbyEventMemberLeft, map[string]any{
		"lobby_id":       lobbyID,
		"left_player_id": actor,
		"members":        remaining.Members,
	})
	return nil
}

// UpdateMember changes a member's team or ready flag. Members update
// themselves; the host may update anyone. Changing team resets ready.
func (s *LobbyService) UpdateMember(ctx context.Context, actor int, lobbyID string, memberID int, req UpdateMemberRequest) (*models.Lobby, error) {
	if err := s.requireMember(ctx, actor, lobbyID); err != nil {
		return nil, err
	}

	var team *string
	if req.TeamName != nil {
		if name := normalizeName(*req.TeamName); name != "" {
			team = &name
		}
	}

	var result *models.Lobby
	changed := false
	err := s.withLobby(ctx, actor, lobbyID, func(lock *utils.JSONLock, lobby *models.Lobby) error {
		if actor != memberID && lobby.HostID() != actor {
			return utils.Forbidden("you aren't the host of lobby %s, only the host can update other members", lobbyID)
		}
		if lobby.Status.MatchInitiated() {
			return utils.Validation("cannot update lobby members after the lobby match has been initiated")
		}
		member := lobby.Member(memberID)
		if member == nil {
			return utils.NotFound("player %d isn't a member of lobby %s", memberID, lobbyID)
		}
		if team != nil && !lobby.HasTeam(*team) {
			return utils.Validation("team name %q is invalid", *team)
		}

		ready := member.Ready
		if req.Ready != nil {
			ready = *req.Ready
		}
		switching := !sameTeam(member.TeamName, team)
		if switching {
			if team != nil && lobby.TeamCount(*team) >= lobby.TeamCapacity {
				return utils.Conflict("team %q is full", *team)
			}
			member.TeamName = team
			ready = false
			changed = true
		}
		if team == nil {
			ready = false
		}
		if ready != member.Ready {
			member.Ready = ready
			changed = true
		}

		result = lobby
		if !changed {
			return nil
		}
		return lock.Set(lobby)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.post(ctx, result.MemberIDs(), models.LobbyEventMemberUpdated, map[string]any{
			"lobby_id": lobbyID,
			"members":  result.Members,
		})
	}
	return personalize(result, actor), nil
}

// Kick removes another member. Host only.
func (s *LobbyService) Kick(ctx context.Context, actor int, lobbyID string, memberID int) error {
	if err := s.requireMember(ctx, actor, lobbyID); err != nil {
		return err
	}
	if actor == memberID {
		return utils.Validation("you can't kick yourself, leave the lobby instead")
	}

	var receivers []int
	var members []models.LobbyMember
	kicked := false
	err := s.withLobby(ctx, actor, lobbyID, func(lock *utils.JSONLock, lobby *models.Lobby) error {
		memberLobby, err := s.playerLobby(ctx, memberID)
		if err != nil {
			return err
		}
		// a member whose index points elsewhere can still be kicked
		if memberLobby != lobbyID && lobby.Member(memberID) == nil {
			return utils.Validation("you and player %d aren't in the same lobby", memberID)
		}
		if lobby.HostID() != actor {
			return utils.Forbidden("you aren't the host of lobby %s, only the host can kick other members", lobbyID)
		}
		if lobby.Status.MatchInitiated() {
			return utils.Validation("cannot kick members after the lobby match has been initiated")
		}

		receivers = lobby.MemberIDs()
		if memberLobby == lobbyID {
			lock.DeleteKey(s.playerLobbyKey(memberID))
		}
		if kicked, _ = lobby.RemoveMember(memberID); !kicked {
			s.logger.Warn("kicked player wasn't a lobby member", zap.String("lobby_id", lobbyID), zap.Int("member_id", memberID))
			return nil
		}
		members = lobby.Members
		return lock.Set(lobby)
	})
	if err != nil || !kicked {
		return err
	}

	s.logger.Info("🥾 [LOBBY] member kicked", zap.String("lobby_id", lobbyID), zap.Int("player_id", actor), zap.Int("member_id", memberID))
	s.post(ctx, receivers, models.LobbyEventMemberKicked, map[string]any{
		"lobby_id":         lobbyID,
		"kicked_player_id": memberID,
		"members":          members,
	})
	return nil
}

type placementPlayerData struct {
	PlayerName string `json:"player_name"`
	TeamName   string `json:"team_name"`
	Host       bool   `json:"host"`
}

// StartMatch asks the provider to place a game session for the lobby's
// team members. Host only. The lobby is frozen until the placement event.
func (s *LobbyService) StartMatch(ctx context.Context, actor int, lobbyID string) (*models.Lobby, error) {
	if s.cfg.PlacementQueue == "" {
		return nil, utils.Validation("lobby matches are not enabled")
	}
	if err := s.requireMember(ctx, actor, lobbyID); err != nil {
		return nil, err
	}

	var result *models.Lobby
	err := s.withLobby(ctx, actor, lobbyID, func(lock *utils.JSONLock, lobby *models.Lobby) error {
		if lobby.HostID() != actor {
			return utils.Forbidden("you aren't the host of lobby %s, only the host can start the match", lobbyID)
		}
		if lobby.Status.MatchInitiated() {
			return utils.Validation("the lobby match has already been initiated")
		}

		var players []PlacementPlayer
		for _, m := range lobby.Members {
			if m.TeamName == nil {
				continue
			}
			data, err := json.Marshal(placementPlayerData{PlayerName: m.PlayerName, TeamName: *m.TeamName, Host: m.Host})
			if err != nil {
				return err
			}
			latencies, err := s.latency.Averages(ctx, m.PlayerID)
			if err != nil {
				return err
			}
			players = append(players, PlacementPlayer{PlayerID: m.PlayerID, PlayerData: string(data), LatencyInMs: latencies})
		}
		if len(players) == 0 {
			return utils.Validation("no lobby member has joined a team")
		}

		placementID := uuid.NewString()
		properties := map[string]string{"lobby": "true", "lobby_id": lobby.LobbyID}
		if lobby.MapName != nil {
			properties["map_name"] = *lobby.MapName
		}
		req := PlacementRequest{
			PlacementID:     placementID,
			QueueName:       s.cfg.PlacementQueue,
			GameSessionName: slug.Make(lobby.LobbyName + " " + lobby.LobbyID),
			MaxPlayers:      lobby.TeamCapacity * len(lobby.TeamNames),
			GameProperties:  properties,
			Players:         players,
		}
		if lobby.CustomData != nil {
			req.GameSessionData = *lobby.CustomData
		}

		provider, err := s.providers.Get(ctx, s.cfg.AWSRegion, s.cfg.Tenant)
		if err != nil {
			return err
		}
		if err := provider.StartPlacement(ctx, req); err != nil {
			return err
		}

		now := s.now().UTC()
		lobby.Status = models.LobbyStarting
		lobby.PlacementID = placementID
		lobby.PlacementDate = &now
		lobby.ConnectionString = ""
		lobby.GameSessionArn = ""
		if err := lock.Set(lobby); err != nil {
			return err
		}
		lock.SetKey(s.placementKey(placementID), lobby.LobbyID)
		result = lobby
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("🚀 [LOBBY] match placement started", zap.String("lobby_id", lobbyID), zap.String("placement_id", result.PlacementID))
	s.post(ctx, result.MemberIDs(), models.LobbyEventMatchStarting, map[string]any{
		"lobby_id":     lobbyID,
		"placement_id": result.PlacementID,
		"status":       result.Status,
	})
	return personalize(result, actor), nil
}

// ApplyPlacementEvent records the outcome of a lobby match placement. Events
// for unknown or superseded placements are logged and ignored.
func (s *LobbyService) ApplyPlacementEvent(ctx context.Context, raw []byte) error {
	event, err := models.ParsePlacementEvent(raw)
	if err != nil {
		return utils.Validation("%s", err.Error())
	}

	lobbyID, err := s.cache.Client.Get(ctx, s.placementKey(event.PlacementID)).Result()
	if errors.Is(err, redis.Nil) {
		s.logger.Info("placement event for unknown placement", zap.String("placement_id", event.PlacementID), zap.String("type", string(event.Type)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve placement %s: %w", event.PlacementID, err)
	}

	var result *models.Lobby
	err = s.locker.WithLock(ctx, s.lobbyKey(lobbyID), func(lock *utils.JSONLock) error {
		var lobby models.Lobby
		found, err := lock.Load(&lobby)
		if err != nil {
			return err
		}
		lock.DeleteKey(s.placementKey(event.PlacementID))
		if !found || lobby.PlacementID != event.PlacementID || lobby.Status != models.LobbyStarting {
			s.logger.Info("stale placement event skipped",
				zap.String("placement_id", event.PlacementID),
				zap.String("lobby_id", lobbyID),
				zap.String("type", string(event.Type)))
			return nil
		}

		switch event.Type {
		case models.PlacementFulfilled:
			now := s.now().UTC()
			lobby.Status = models.LobbyStarted
			lobby.StartDate = &now
			lobby.GameSessionArn = event.GameSessionArn
			lobby.ConnectionString = event.ConnectionString()
			for _, session := range event.PlacedPlayerSessions {
				if m := lobby.Member(session.PlayerID); m != nil {
					m.PlayerSessionID = session.PlayerSessionID
				}
			}
		case models.PlacementCancelled:
			lobby.Status = models.LobbyCancelled
		case models.PlacementTimedOut:
			lobby.Status = models.LobbyTimedOut
		case models.PlacementFailed:
			lobby.Status = models.LobbyFailed
		}
		result = &lobby
		return lock.Set(&lobby)
	})
	if err != nil || result == nil {
		return err
	}

	s.logger.Info("🏁 [LOBBY] placement finished", zap.String("lobby_id", lobbyID), zap.String("status", string(result.Status)))
	name := placementEvents[result.Status]
	for _, id := range result.MemberIDs() {
		s.notifier.Post(ctx, PlayersExchange, id, LobbyQueue, models.QueueEvent{Event: name, Data: personalize(result, id)})
	}
	return nil
}

var placementEvents = map[models.LobbyStatus]string{
	models.LobbyStarted:   models.LobbyEventMatchStarted,
	models.LobbyCancelled: models.LobbyEventMatchCancelled,
	models.LobbyTimedOut:  models.LobbyEventMatchTimedOut,
	models.LobbyFailed:    models.LobbyEventMatchFailed,
}

func sameTeam(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
