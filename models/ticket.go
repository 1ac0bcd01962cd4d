package models

import "time"

// TicketStatus mirrors the provider's matchmaking ticket states, plus the
// local-only MATCH_COMPLETE.
type TicketStatus string

const (
	TicketQueued             TicketStatus = "QUEUED"
	TicketSearching          TicketStatus = "SEARCHING"
	TicketRequiresAcceptance TicketStatus = "REQUIRES_ACCEPTANCE"
	TicketPlacing            TicketStatus = "PLACING"
	TicketCompleted          TicketStatus = "COMPLETED"
	TicketCancelled          TicketStatus = "CANCELLED"
	TicketTimedOut           TicketStatus = "TIMED_OUT"
	TicketFailed             TicketStatus = "FAILED"

	// TicketMatchComplete marks a stored COMPLETED ticket that later saw a
	// cancellation for an unrelated (backfill) ticket.
	TicketMatchComplete TicketStatus = "MATCH_COMPLETE"
)

// Active reports whether a ticket in this state blocks issuing a new one.
func (s TicketStatus) Active() bool {
	switch s {
	case TicketQueued, TicketSearching, TicketRequiresAcceptance, TicketPlacing, TicketCompleted:
		return true
	}
	return false
}

// Expired reports whether the ticket reached an end state and only lingers
// for clients to read the outcome.
func (s TicketStatus) Expired() bool {
	switch s {
	case TicketCancelled, TicketTimedOut, TicketFailed, TicketMatchComplete:
		return true
	}
	return false
}

// Committing reports whether a match is being put together for the ticket,
// in which case it can no longer be cancelled.
func (s TicketStatus) Committing() bool {
	return s == TicketRequiresAcceptance || s == TicketPlacing || s == TicketCompleted
}

// AttributeValue is a matchmaking player attribute. Exactly one field is set.
type AttributeValue struct {
	N   *float64           `json:"N,omitempty"`
	S   *string            `json:"S,omitempty"`
	SL  []string           `json:"SL,omitempty"`
	SDM map[string]float64 `json:"SDM,omitempty"`
}

// TicketPlayer is one member of a ticket as submitted to the provider.
type TicketPlayer struct {
	PlayerID         int                       `json:"PlayerId"`
	Team             string                    `json:"Team,omitempty"`
	PlayerAttributes map[string]AttributeValue `json:"PlayerAttributes,omitempty"`
	LatencyInMs      map[string]int            `json:"LatencyInMs,omitempty"`
	Accepted         *bool                     `json:"Accepted,omitempty"`
}

// MatchedPlayerSession ties a player to their reserved seat on the server.
type MatchedPlayerSession struct {
	PlayerID        int    `json:"PlayerId"`
	PlayerSessionID string `json:"PlayerSessionId"`
}

// ConnectionInfo tells players where their match is hosted.
type ConnectionInfo struct {
	GameSessionArn        string                 `json:"GameSessionArn,omitempty"`
	IPAddress             string                 `json:"IpAddress,omitempty"`
	DNSName               string                 `json:"DnsName,omitempty"`
	Port                  int                    `json:"Port,omitempty"`
	ConnectionString      string                 `json:"ConnectionString,omitempty"`
	MatchedPlayerSessions []MatchedPlayerSession `json:"MatchedPlayerSessions,omitempty"`
}

// Ticket is the locally mirrored matchmaking ticket of a group. It is always
// stored and replaced as one JSON value.
type Ticket struct {
	TicketID          string          `json:"TicketId"`
	ConfigurationName string          `json:"ConfigurationName"`
	Status            TicketStatus    `json:"Status"`
	StatusReason      string          `json:"StatusReason,omitempty"`
	StatusMessage     string          `json:"StatusMessage,omitempty"`
	MatchID           string          `json:"MatchId,omitempty"`
	ConnectionInfo    *ConnectionInfo `json:"GameSessionConnectionInfo,omitempty"`
	Players           []TicketPlayer  `json:"Players"`
	PartyID           int             `json:"PartyId,omitempty"`
	StartTime         time.Time       `json:"StartTime"`
	UpdatedAt         time.Time       `json:"UpdatedAt"`
}

// PlayerIDs lists the players on the ticket in submission order.
func (t *Ticket) PlayerIDs() []int {
	ids := make([]int, 0, len(t.Players))
	for _, p := range t.Players {
		ids = append(ids, p.PlayerID)
	}
	return ids
}

// Player returns the ticket entry for playerID, or nil.
func (t *Ticket) Player(playerID int) *TicketPlayer {
	for i := range t.Players {
		if t.Players[i].PlayerID == playerID {
			return &t.Players[i]
		}
	}
	return nil
}

// QueueEvent is the payload posted to a player's matchmaking or lobby queue.
type QueueEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

const (
	TicketEventStarted               = "MatchmakingStarted"
	TicketEventStopped               = "MatchmakingStopped"
	TicketEventSearching             = "MatchmakingSearching"
	TicketEventPotentialMatchCreated = "PotentialMatchCreated"
	TicketEventSuccess               = "MatchmakingSuccess"
	TicketEventCancelled             = "MatchmakingCancelled"
	TicketEventAcceptMatch           = "AcceptMatch"
	TicketEventAcceptMatchCompleted  = "AcceptMatchCompleted"
	TicketEventTimedOut              = "MatchmakingTimedOut"
	TicketEventFailed                = "MatchmakingFailed"
)
