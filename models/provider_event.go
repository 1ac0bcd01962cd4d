package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformedEvent is returned for provider callbacks that cannot be decoded.
var ErrMalformedEvent = errors.New("malformed provider event")

const matchmakingDetailType = "GameLift Matchmaking Event"

// ProviderEventKind enumerates the matchmaking callbacks we handle.
type ProviderEventKind int

const (
	EventSearching ProviderEventKind = iota + 1
	EventPotentialMatchCreated
	EventSucceeded
	EventCancelled
	EventAcceptMatch
	EventAcceptMatchCompleted
	EventTimedOut
	EventFailed
)

var eventKindNames = map[ProviderEventKind]string{
	EventSearching:             "MatchmakingSearching",
	EventPotentialMatchCreated: "PotentialMatchCreated",
	EventSucceeded:             "MatchmakingSucceeded",
	EventCancelled:             "MatchmakingCancelled",
	EventAcceptMatch:           "AcceptMatch",
	EventAcceptMatchCompleted:  "AcceptMatchCompleted",
	EventTimedOut:              "MatchmakingTimedOut",
	EventFailed:                "MatchmakingFailed",
}

func (k ProviderEventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "Unknown(" + strconv.Itoa(int(k)) + ")"
}

// EventPlayer is a player entry inside an event ticket or game session.
type EventPlayer struct {
	PlayerID        int
	Team            string
	PlayerSessionID string
	Accepted        *bool
}

// EventTicket is one ticket affected by an event.
type EventTicket struct {
	TicketID  string
	StartTime time.Time
	Players   []EventPlayer
}

// GameSessionInfo describes the (potential) match an event refers to.
type GameSessionInfo struct {
	GameSessionArn string
	IPAddress      string
	DNSName        string
	Port           int
	Players        []EventPlayer
}

// ConnectionString is the address clients connect to, empty until placed.
func (g GameSessionInfo) ConnectionString() string {
	if g.IPAddress == "" || g.Port == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", g.IPAddress, g.Port)
}

// Teams groups the session's players by team name.
func (g GameSessionInfo) Teams() map[string][]int {
	teams := make(map[string][]int)
	for _, p := range g.Players {
		teams[p.Team] = append(teams[p.Team], p.PlayerID)
	}
	return teams
}

// EventBase carries the fields every matchmaking event has.
type EventBase struct {
	Tickets         []EventTicket
	GameSessionInfo GameSessionInfo
	MatchID         string
}

func (b *EventBase) Base() *EventBase { return b }

func (b *EventBase) sealed() {}

// ProviderEvent is the closed set of matchmaking events. Only the types in
// this file implement it.
type ProviderEvent interface {
	Kind() ProviderEventKind
	Base() *EventBase
	// Accept dispatches to the visitor method for the concrete event type.
	Accept(ctx context.Context, v ProviderEventVisitor) error
	sealed()
}

// ProviderEventVisitor must handle every event kind; adding a kind breaks
// every implementation until it is handled.
type ProviderEventVisitor interface {
	Searching(ctx context.Context, e *SearchingEvent) error
	PotentialMatchCreated(ctx context.Context, e *PotentialMatchCreatedEvent) error
	Succeeded(ctx context.Context, e *SucceededEvent) error
	Cancelled(ctx context.Context, e *CancelledEvent) error
	AcceptMatch(ctx context.Context, e *AcceptMatchEvent) error
	AcceptMatchCompleted(ctx context.Context, e *AcceptMatchCompletedEvent) error
	TimedOut(ctx context.Context, e *TimedOutEvent) error
	Failed(ctx context.Context, e *FailedEvent) error
}

type SearchingEvent struct {
	EventBase
	EstimatedWaitMillis string
}

type PotentialMatchCreatedEvent struct {
	EventBase
	AcceptanceRequired bool
	AcceptanceTimeout  int
}

type SucceededEvent struct {
	EventBase
}

type CancelledEvent struct {
	EventBase
	Reason  string
	Message string
}

type AcceptMatchEvent struct {
	EventBase
}

// AcceptMatchCompletedEvent.Acceptance is one of Accepted, Rejected, TimedOut.
type AcceptMatchCompletedEvent struct {
	EventBase
	Acceptance string
}

type TimedOutEvent struct {
	EventBase
	Reason  string
	Message string
}

type FailedEvent struct {
	EventBase
	Reason  string
	Message string
}

func (*SearchingEvent) Kind() ProviderEventKind             { return EventSearching }
func (*PotentialMatchCreatedEvent) Kind() ProviderEventKind { return EventPotentialMatchCreated }
func (*SucceededEvent) Kind() ProviderEventKind             { return EventSucceeded }
func (*CancelledEvent) Kind() ProviderEventKind             { return EventCancelled }
func (*AcceptMatchEvent) Kind() ProviderEventKind           { return EventAcceptMatch }
func (*AcceptMatchCompletedEvent) Kind() ProviderEventKind  { return EventAcceptMatchCompleted }
func (*TimedOutEvent) Kind() ProviderEventKind              { return EventTimedOut }
func (*FailedEvent) Kind() ProviderEventKind                { return EventFailed }

func (e *SearchingEvent) Accept(ctx context.Context, v ProviderEventVisitor) error {
	return v.Searching(ctx, e)
}

func (e *PotentialMatchCreatedEvent) Accept(ctx context.Context, v ProviderEventVisitor) error {
	return v.PotentialMatchCreated(ctx, e)
}

func (e *SucceededEvent) Accept(ctx context.Context, v ProviderEventVisitor) error {
	return v.Succeeded(ctx, e)
}

func (e *CancelledEvent) Accept(ctx context.Context, v ProviderEventVisitor) error {
	return v.Cancelled(ctx, e)
}

func (e *AcceptMatchEvent) Accept(ctx context.Context, v ProviderEventVisitor) error {
	return v.AcceptMatch(ctx, e)
}

func (e *AcceptMatchCompletedEvent) Accept(ctx context.Context, v ProviderEventVisitor) error {
	return v.AcceptMatchCompleted(ctx, e)
}

func (e *TimedOutEvent) Accept(ctx context.Context, v ProviderEventVisitor) error {
	return v.TimedOut(ctx, e)
}

func (e *FailedEvent) Accept(ctx context.Context, v ProviderEventVisitor) error {
	return v.Failed(ctx, e)
}

// wire format of the event bus envelope
type wireEnvelope struct {
	DetailType string          `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`
}

type wirePlayer struct {
	PlayerID        string `json:"playerId"`
	Team            string `json:"team"`
	PlayerSessionID string `json:"playerSessionId"`
	Accepted        *bool  `json:"accepted"`
}

type wireTicket struct {
	TicketID  string       `json:"ticketId"`
	StartTime time.Time    `json:"startTime"`
	Players   []wirePlayer `json:"players"`
}

type wireGameSession struct {
	GameSessionArn string       `json:"gameSessionArn"`
	IPAddress      string       `json:"ipAddress"`
	DNSName        string       `json:"dnsName"`
	Port           int          `json:"port"`
	Players        []wirePlayer `json:"players"`
}

type wireDetail struct {
	Type                string          `json:"type"`
	Tickets             []wireTicket    `json:"tickets"`
	EstimatedWaitMillis json.RawMessage `json:"estimatedWaitMillis"`
	GameSessionInfo     wireGameSession `json:"gameSessionInfo"`
	MatchID             string          `json:"matchId"`
	AcceptanceRequired  bool            `json:"acceptanceRequired"`
	AcceptanceTimeout   int             `json:"acceptanceTimeout"`
	Acceptance          string          `json:"acceptance"`
	Reason              string          `json:"reason"`
	Message             string          `json:"message"`
}

// ParseProviderEvent decodes a matchmaking callback into its concrete type.
func ParseProviderEvent(raw []byte) (ProviderEvent, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.DetailType != matchmakingDetailType {
		return nil, fmt.Errorf("%w: unexpected detail-type %q", ErrMalformedEvent, env.DetailType)
	}
	if len(env.Detail) == 0 {
		return nil, fmt.Errorf("%w: missing detail", ErrMalformedEvent)
	}

	var d wireDetail
	if err := json.Unmarshal(env.Detail, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	base, err := d.base()
	if err != nil {
		return nil, err
	}

	switch d.Type {
	case "MatchmakingSearching":
		return &SearchingEvent{EventBase: base, EstimatedWaitMillis: string(d.EstimatedWaitMillis)}, nil
	case "PotentialMatchCreated":
		return &PotentialMatchCreatedEvent{EventBase: base, AcceptanceRequired: d.AcceptanceRequired, AcceptanceTimeout: d.AcceptanceTimeout}, nil
	case "MatchmakingSucceeded":
		return &SucceededEvent{EventBase: base}, nil
	case "MatchmakingCancelled":
		return &CancelledEvent{EventBase: base, Reason: d.Reason, Message: d.Message}, nil
	case "AcceptMatch":
		return &AcceptMatchEvent{EventBase: base}, nil
	case "AcceptMatchCompleted":
		return &AcceptMatchCompletedEvent{EventBase: base, Acceptance: d.Acceptance}, nil
	case "MatchmakingTimedOut":
		return &TimedOutEvent{EventBase: base, Reason: d.Reason, Message: d.Message}, nil
	case "MatchmakingFailed":
		return &FailedEvent{EventBase: base, Reason: d.Reason, Message: d.Message}, nil
	case "":
		return nil, fmt.Errorf("%w: missing event type", ErrMalformedEvent)
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, d.Type)
	}
}

func (d wireDetail) base() (EventBase, error) {
	if len(d.Tickets) == 0 {
		return EventBase{}, fmt.Errorf("%w: event carries no tickets", ErrMalformedEvent)
	}

	base := EventBase{MatchID: d.MatchID}
	for _, t := range d.Tickets {
		if t.TicketID == "" {
			return EventBase{}, fmt.Errorf("%w: ticket without ticketId", ErrMalformedEvent)
		}
		players, err := convertPlayers(t.Players)
		if err != nil {
			return EventBase{}, err
		}
		base.Tickets = append(base.Tickets, EventTicket{TicketID: t.TicketID, StartTime: t.StartTime, Players: players})
	}

	players, err := convertPlayers(d.GameSessionInfo.Players)
	if err != nil {
		return EventBase{}, err
	}
	base.GameSessionInfo = GameSessionInfo{
		GameSessionArn: d.GameSessionInfo.GameSessionArn,
		IPAddress:      d.GameSessionInfo.IPAddress,
		DNSName:        d.GameSessionInfo.DNSName,
		Port:           d.GameSessionInfo.Port,
		Players:        players,
	}
	return base, nil
}

func convertPlayers(in []wirePlayer) ([]EventPlayer, error) {
	out := make([]EventPlayer, 0, len(in))
	for _, p := range in {
		id, err := strconv.Atoi(p.PlayerID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid playerId %q", ErrMalformedEvent, p.PlayerID)
		}
		out = append(out, EventPlayer{PlayerID: id, Team: p.Team, PlayerSessionID: p.PlayerSessionID, Accepted: p.Accepted})
	}
	return out, nil
}
