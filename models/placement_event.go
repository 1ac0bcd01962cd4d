package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const placementDetailType = "GameLift Queue Placement Event"

type PlacementEventType string

const (
	PlacementFulfilled PlacementEventType = "PlacementFulfilled"
	PlacementCancelled PlacementEventType = "PlacementCancelled"
	PlacementTimedOut  PlacementEventType = "PlacementTimedOut"
	PlacementFailed    PlacementEventType = "PlacementFailed"
)

// PlacementEvent reports the outcome of a game session placement.
type PlacementEvent struct {
	Type                 PlacementEventType
	PlacementID          string
	GameSessionArn       string
	IPAddress            string
	DNSName              string
	Port                 int
	PlacedPlayerSessions []MatchedPlayerSession
}

func (e *PlacementEvent) ConnectionString() string {
	if e.IPAddress == "" || e.Port == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", e.IPAddress, e.Port)
}

type wirePlacementDetail struct {
	Type                 string `json:"type"`
	PlacementID          string `json:"placementId"`
	GameSessionArn       string `json:"gameSessionArn"`
	IPAddress            string `json:"ipAddress"`
	DNSName              string `json:"dnsName"`
	Port                 string `json:"port"`
	PlacedPlayerSessions []struct {
		PlayerID        string `json:"playerId"`
		PlayerSessionID string `json:"playerSessionId"`
	} `json:"placedPlayerSessions"`
}

// ParsePlacementEvent decodes a queue placement callback.
func ParsePlacementEvent(raw []byte) (*PlacementEvent, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.DetailType != placementDetailType {
		return nil, fmt.Errorf("%w: unexpected detail-type %q", ErrMalformedEvent, env.DetailType)
	}

	var d wirePlacementDetail
	if err := json.Unmarshal(env.Detail, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if d.PlacementID == "" {
		return nil, fmt.Errorf("%w: missing placementId", ErrMalformedEvent)
	}

	event := &PlacementEvent{
		Type:           PlacementEventType(d.Type),
		PlacementID:    d.PlacementID,
		GameSessionArn: d.GameSessionArn,
		IPAddress:      d.IPAddress,
		DNSName:        d.DNSName,
	}
	switch event.Type {
	case PlacementFulfilled, PlacementCancelled, PlacementTimedOut, PlacementFailed:
	default:
		return nil, fmt.Errorf("%w: unknown placement event type %q", ErrMalformedEvent, d.Type)
	}

	// the port arrives as a string
	if d.Port != "" {
		port, err := strconv.Atoi(d.Port)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid port %q", ErrMalformedEvent, d.Port)
		}
		event.Port = port
	}
	for _, s := range d.PlacedPlayerSessions {
		id, err := strconv.Atoi(s.PlayerID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid playerId %q", ErrMalformedEvent, s.PlayerID)
		}
		event.PlacedPlayerSessions = append(event.PlacedPlayerSessions, MatchedPlayerSession{PlayerID: id, PlayerSessionID: s.PlayerSessionID})
	}
	return event, nil
}
