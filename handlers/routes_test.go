package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"game-coordination-system/middleware"
	"game-coordination-system/models"
	"game-coordination-system/services"
	"game-coordination-system/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProvider struct {
	tickets int
	err     error
}

func (p *stubProvider) StartMatchmaking(ctx context.Context, req services.MatchmakingRequest) (*models.Ticket, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.tickets++
	return &models.Ticket{TicketID: fmt.Sprintf("ticket-%d", p.tickets), Status: models.TicketQueued, Players: req.Players}, nil
}

func (p *stubProvider) StopMatchmaking(ctx context.Context, ticketID string) error { return p.err }

func (p *stubProvider) AcceptMatch(ctx context.Context, ticketID string, playerIDs []int, accept bool) error {
	return p.err
}

func (p *stubProvider) StartPlacement(ctx context.Context, req services.PlacementRequest) error {
	return p.err
}

type stubDirectory struct{}

func (stubDirectory) PlayerName(ctx context.Context, playerID int) (string, error) {
	return "player-" + strconv.Itoa(playerID), nil
}

func (stubDirectory) PlayerNames(ctx context.Context, playerIDs []int) (map[int]string, error) {
	out := make(map[int]string, len(playerIDs))
	for _, id := range playerIDs {
		out[id] = "player-" + strconv.Itoa(id)
	}
	return out, nil
}

type testServer struct {
	app      *fiber.App
	provider *stubProvider
	mr       *miniredis.Miniredis
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := &utils.Cache{Client: client, Prefix: "test:"}

	cfg := utils.DefaultConfig()
	cfg.ValidRegions = []string{"eu-west-1"}
	cfg.PlacementQueue = "lobby-queue"
	cfg.LockBackoff = 5 * time.Millisecond
	logger := zap.NewNop()

	provider := &stubProvider{}
	registry := services.NewProviderRegistry(func(ctx context.Context, region, tenant string) (services.MatchmakingProvider, error) {
		return provider, nil
	})
	locker := utils.NewLocker(cache, utils.LockOptions{TTL: cfg.LockTTL, Backoff: cfg.LockBackoff, Timeout: cfg.LockTimeout}, logger)
	notifications := services.NewNotificationService(cache, logger)
	parties := services.NewPartyService(cache, utils.NewWatcher(cache, cfg.TxnTimeout, logger), notifications, stubDirectory{}, cfg.MaxPlayersPerParty, logger)
	latency := services.NewLatencyService(cache, cfg, logger)
	matchmaking, err := services.NewMatchmakingService(cache, locker, registry, parties, latency, notifications, cfg, logger)
	require.NoError(t, err)
	lobbies := services.NewLobbyService(cache, locker, parties, matchmaking, latency, stubDirectory{}, notifications, registry, cfg, logger)

	app := fiber.New()
	app.Use(middleware.GatewayAuthMiddleware("secret", logger))
	app.Use(middleware.PlayerContextMiddleware(logger))
	SetupMatchmakingRoutes(app, matchmaking, latency, logger)
	SetupPartyRoutes(app, parties, logger)
	SetupLobbyRoutes(app, lobbies, logger)
	SetupMessageRoutes(app, notifications, logger)

	return &testServer{app: app, provider: provider, mr: mr}
}

type call struct {
	method string
	path   string
	player int
	roles  string
	body   any
}

func (s *testServer) do(t *testing.T, c call) (int, map[string]any) {
	t.Helper()
	var body io.Reader
	switch b := c.body.(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		body = strings.NewReader(string(raw))
	}

	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Content-Type", "application/json")
	if c.player != 0 {
		req.Header.Set("X-Player-ID", strconv.Itoa(c.player))
	}
	if c.roles != "" {
		req.Header.Set("X-User-Roles", c.roles)
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestGatewayAndIdentity(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/lobbies/", nil)
	req.Header.Set("X-Player-ID", "1")
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	status, _ := s.do(t, call{method: http.MethodGet, path: "/matchmakers/flexmatch/tickets/"})
	assert.Equal(t, fiber.StatusUnauthorized, status)

	req = httptest.NewRequest(http.MethodGet, "/lobbies/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Player-ID", "abc")
	resp, err = s.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestProviderCallbacksRequireRole(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, call{method: http.MethodPut, path: "/matchmakers/flexmatch/events", body: "{}"})
	assert.Equal(t, fiber.StatusForbidden, status)

	// no player identity needed, but the event must be well formed
	status, body := s.do(t, call{method: http.MethodPut, path: "/matchmakers/flexmatch/events", roles: "flexmatch_event", body: "{}"})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.NotEmpty(t, body["error"])

	status, _ = s.do(t, call{method: http.MethodPut, path: "/lobbies/placement-events", roles: "service, flexmatch_event", body: map[string]any{
		"detail-type": "GameLift Queue Placement Event",
		"detail":      map[string]any{"type": "PlacementFulfilled", "placementId": "unknown"},
	}})
	assert.Equal(t, fiber.StatusOK, status)
}

func TestLatencyReporting(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, call{method: http.MethodPatch, path: "/matchmakers/flexmatch/2", player: 1, body: map[string]any{"latency_ms": 30, "region": "eu-west-1"}})
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = s.do(t, call{method: http.MethodPatch, path: "/matchmakers/flexmatch/1", player: 1, body: map[string]any{"latency_ms": 30, "region": "mars-1"}})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body := s.do(t, call{method: http.MethodPatch, path: "/matchmakers/flexmatch/1", player: 1, body: map[string]any{"latency_ms": 30, "region": "eu-west-1"}})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, map[string]any{"eu-west-1": 30.0}, body)
}

func TestTicketRoutes(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, call{method: http.MethodGet, path: "/matchmakers/flexmatch/tickets/", player: 1})
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = s.do(t, call{method: http.MethodPost, path: "/matchmakers/flexmatch/tickets/", player: 1, body: map[string]any{}})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body := s.do(t, call{method: http.MethodPost, path: "/matchmakers/flexmatch/tickets/", player: 1, body: map[string]any{"matchmaker": "ranked"}})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ticket-1", body["ticket_id"])
	assert.Equal(t, "QUEUED", body["ticket_status"])

	status, body = s.do(t, call{method: http.MethodGet, path: "/matchmakers/flexmatch/tickets/", player: 1})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "/matchmakers/flexmatch/tickets/ticket-1", body["ticket_url"])

	status, body = s.do(t, call{method: http.MethodGet, path: "/matchmakers/flexmatch/tickets/ticket-1", player: 1})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ticket-1", body["TicketId"])

	status, _ = s.do(t, call{method: http.MethodPatch, path: "/matchmakers/flexmatch/tickets/ticket-1", player: 1, body: map[string]any{"match_id": "m"}})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body = s.do(t, call{method: http.MethodDelete, path: "/matchmakers/flexmatch/tickets/ticket-1", player: 1})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "Deleted", body["status"])

	status, body = s.do(t, call{method: http.MethodDelete, path: "/matchmakers/flexmatch/tickets/ticket-1", player: 1})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "NoTicketFound", body["status"])
}

func TestProviderErrorsBecomeServerErrors(t *testing.T) {
	s := newTestServer(t)
	s.provider.err = &utils.ProviderError{Message: "matchmaking is unavailable", Diagnostics: "ThrottlingException"}

	status, body := s.do(t, call{method: http.MethodPost, path: "/matchmakers/flexmatch/tickets/", player: 1, body: map[string]any{"matchmaker": "ranked"}})
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "matchmaking is unavailable", body["error"])
}

func TestPartyRoutes(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, call{method: http.MethodPost, path: "/party_invites/", player: 1, body: map[string]any{"player_id": 2}})
	require.Equal(t, fiber.StatusCreated, status)
	inviteID := int(body["invite_id"].(float64))

	status, body = s.do(t, call{method: http.MethodPatch, path: fmt.Sprintf("/party_invites/%d", inviteID), player: 2, body: map[string]any{"inviter_id": 1}})
	require.Equal(t, fiber.StatusOK, status)
	partyID := int(body["party_id"].(float64))
	assert.Equal(t, []any{1.0, 2.0}, body["members"])

	status, _ = s.do(t, call{method: http.MethodDelete, path: fmt.Sprintf("/parties/%d/members/1", partyID), player: 2})
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = s.do(t, call{method: http.MethodDelete, path: fmt.Sprintf("/parties/%d/members/2", partyID), player: 2})
	assert.Equal(t, fiber.StatusNoContent, status)

	status, _ = s.do(t, call{method: http.MethodGet, path: fmt.Sprintf("/parties/%d", partyID), player: 1})
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestLobbyRoutes(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, call{method: http.MethodPost, path: "/lobbies/", player: 1, body: map[string]any{
		"team_capacity": 2,
		"team_names":    []string{"red", "blue"},
		"lobby_name":    "Test",
	}})
	require.Equal(t, fiber.StatusCreated, status)
	lobbyID := body["lobby_id"].(string)

	status, _ = s.do(t, call{method: http.MethodGet, path: "/lobbies/", player: 2})
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = s.do(t, call{method: http.MethodPost, path: "/lobbies/" + lobbyID + "/members", player: 2})
	assert.Equal(t, fiber.StatusCreated, status)

	status, _ = s.do(t, call{method: http.MethodPatch, path: "/lobbies/" + lobbyID, player: 2, body: map[string]any{"lobby_name": "Mine"}})
	assert.Equal(t, fiber.StatusForbidden, status)

	status, body = s.do(t, call{method: http.MethodPatch, path: "/lobbies/" + lobbyID + "/members/2", player: 2, body: map[string]any{"team_name": "red", "ready": true}})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["members"], 2)

	status, _ = s.do(t, call{method: http.MethodGet, path: "/lobbies/OTHER1", player: 2})
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, body = s.do(t, call{method: http.MethodPost, path: "/lobbies/" + lobbyID + "/match", player: 1})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "starting", body["status"])

	status, body = s.do(t, call{method: http.MethodDelete, path: "/lobbies/" + lobbyID + "/members/2", player: 2})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, body["error"], "you can leave after")

	// the joiner's feed carries the lobby events
	status, body = s.do(t, call{method: http.MethodGet, path: "/messages/", player: 1})
	assert.Equal(t, fiber.StatusOK, status)
	messages := body["messages"].([]any)
	require.NotEmpty(t, messages)
	first := messages[0].(map[string]any)
	assert.Equal(t, services.LobbyQueue, first["queue"])
	assert.NotEmpty(t, body["last_id"])
}
