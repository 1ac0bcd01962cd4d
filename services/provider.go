package services

import (
	"context"
	"fmt"
	"sync"

	"game-coordination-system/models"
)

// MatchmakingRequest asks the provider to open a ticket for a group.
type MatchmakingRequest struct {
	ConfigurationName string
	Players           []models.TicketPlayer
}

type PlacementPlayer struct {
	PlayerID    int
	PlayerData  string
	LatencyInMs map[string]int
}

// PlacementRequest asks the provider to host a game session for a lobby.
type PlacementRequest struct {
	PlacementID     string
	QueueName       string
	GameSessionName string
	MaxPlayers      int
	GameProperties  map[string]string
	GameSessionData string
	Players         []PlacementPlayer
}

// MatchmakingProvider is the external matchmaking service. Failures are
// returned as *utils.ProviderError and are never retried here.
type MatchmakingProvider interface {
	StartMatchmaking(ctx context.Context, req MatchmakingRequest) (*models.Ticket, error)
	StopMatchmaking(ctx context.Context, ticketID string) error
	AcceptMatch(ctx context.Context, ticketID string, playerIDs []int, accept bool) error
	StartPlacement(ctx context.Context, req PlacementRequest) error
}

// ProviderFactory builds the client for one (region, tenant) pair.
type ProviderFactory func(ctx context.Context, region, tenant string) (MatchmakingProvider, error)

type providerKey struct {
	region string
	tenant string
}

// ProviderRegistry hands out one provider client per (region, tenant). A
// client is built on first use and reused for the life of the process.
type ProviderRegistry struct {
	factory ProviderFactory

	mu      sync.Mutex
	clients map[providerKey]MatchmakingProvider
}

func NewProviderRegistry(factory ProviderFactory) *ProviderRegistry {
	return &ProviderRegistry{factory: factory, clients: make(map[providerKey]MatchmakingProvider)}
}

// Get returns the cached client or builds it. A failed build is not cached.
func (r *ProviderRegistry) Get(ctx context.Context, region, tenant string) (MatchmakingProvider, error) {
	key := providerKey{region: region, tenant: tenant}

	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[key]; ok {
		return client, nil
	}
	client, err := r.factory(ctx, region, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to create matchmaking client for %s/%s: %w", region, tenant, err)
	}
	r.clients[key] = client
	return client, nil
}

// Len reports how many clients have been built.
func (r *ProviderRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
