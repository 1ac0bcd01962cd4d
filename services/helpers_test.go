package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"game-coordination-system/models"
	"game-coordination-system/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T) (*utils.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &utils.Cache{Client: client, Prefix: "test:"}, mr
}

func testConfig() utils.Config {
	cfg := utils.DefaultConfig()
	cfg.LockTimeout = 5 * time.Second
	cfg.LockBackoff = 5 * time.Millisecond
	cfg.TxnTimeout = 5 * time.Second
	cfg.ValidRegions = []string{"eu-west-1", "us-east-1"}
	cfg.PlacementQueue = "lobby-queue"
	cfg.Tenant = "test"
	return cfg
}

func testLocker(cache *utils.Cache, cfg utils.Config) *utils.Locker {
	return utils.NewLocker(cache, utils.LockOptions{
		TTL:     cfg.LockTTL,
		Backoff: cfg.LockBackoff,
		Timeout: cfg.LockTimeout,
	}, zap.NewNop())
}

type posted struct {
	Exchange   string
	ExchangeID int
	Queue      string
	Payload    any
}

type fakeNotifier struct {
	mu    sync.Mutex
	posts []posted
}

func (n *fakeNotifier) Post(ctx context.Context, exchange string, exchangeID int, queue string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posts = append(n.posts, posted{Exchange: exchange, ExchangeID: exchangeID, Queue: queue, Payload: payload})
}

// events lists the event names posted to playerID on queue, in order.
func (n *fakeNotifier) events(playerID int, queue string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, p := range n.posts {
		if p.ExchangeID != playerID || p.Queue != queue {
			continue
		}
		switch v := p.Payload.(type) {
		case models.QueueEvent:
			out = append(out, v.Event)
		case models.PartyNotification:
			out = append(out, v.Event)
		}
	}
	return out
}

func (n *fakeNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posts = nil
}

type fakeDirectory struct {
	names map[int]string
}

func newFakeDirectory(ids ...int) *fakeDirectory {
	d := &fakeDirectory{names: make(map[int]string)}
	for _, id := range ids {
		d.names[id] = fmt.Sprintf("player-%d", id)
	}
	return d
}

func (d *fakeDirectory) PlayerName(ctx context.Context, playerID int) (string, error) {
	name, ok := d.names[playerID]
	if !ok {
		return "", utils.NotFound("player %d not found", playerID)
	}
	return name, nil
}

func (d *fakeDirectory) PlayerNames(ctx context.Context, playerIDs []int) (map[int]string, error) {
	out := make(map[int]string)
	for _, id := range playerIDs {
		if name, ok := d.names[id]; ok {
			out[id] = name
		}
	}
	return out, nil
}

type fakeProvider struct {
	mu         sync.Mutex
	started    []MatchmakingRequest
	stopped    []string
	accepted   []string
	placements []PlacementRequest
	delay      time.Duration
	err        error
}

func (p *fakeProvider) StartMatchmaking(ctx context.Context, req MatchmakingRequest) (*models.Ticket, error) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.started = append(p.started, req)
	return &models.Ticket{
		TicketID:          fmt.Sprintf("ticket-%d", len(p.started)),
		ConfigurationName: req.ConfigurationName,
		Status:            models.TicketQueued,
		Players:           req.Players,
		StartTime:         time.Now().UTC(),
	}, nil
}

func (p *fakeProvider) StopMatchmaking(ctx context.Context, ticketID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.stopped = append(p.stopped, ticketID)
	return nil
}

func (p *fakeProvider) AcceptMatch(ctx context.Context, ticketID string, playerIDs []int, accept bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for _, id := range playerIDs {
		p.accepted = append(p.accepted, fmt.Sprintf("%s:%d:%t", ticketID, id, accept))
	}
	return nil
}

func (p *fakeProvider) StartPlacement(ctx context.Context, req PlacementRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.placements = append(p.placements, req)
	return nil
}

func (p *fakeProvider) startCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.started)
}

func registryFor(p MatchmakingProvider) *ProviderRegistry {
	return NewProviderRegistry(func(ctx context.Context, region, tenant string) (MatchmakingProvider, error) {
		return p, nil
	})
}

// storeJSON writes v under the prefixed key as the services would.
func storeJSON(t *testing.T, mr *miniredis.Miniredis, key string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, mr.Set("test:"+key, string(data)))
}

func loadJSON(t *testing.T, mr *miniredis.Miniredis, key string, v any) bool {
	t.Helper()
	raw, err := mr.Get("test:" + key)
	if err != nil {
		return false
	}
	require.NoError(t, json.Unmarshal([]byte(raw), v))
	return true
}
