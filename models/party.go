package models

// Invite is a pending party invitation. Stored as a hash with from/to fields.
type Invite struct {
	InviteID int `json:"invite_id"`
	From     int `json:"from"`
	To       int `json:"to"`
}

// Party is a read-only snapshot of a party and its member names.
type Party struct {
	PartyID int           `json:"party_id"`
	Members []PartyMember `json:"members"`
}

type PartyMember struct {
	PlayerID   int    `json:"player_id"`
	PlayerName string `json:"player_name"`
}

// PartyNotification is posted to the party_notification queue.
type PartyNotification struct {
	Event              string `json:"event"`
	PartyID            int    `json:"party_id,omitempty"`
	PlayerID           int    `json:"player_id,omitempty"`
	InviteID           int    `json:"invite_id,omitempty"`
	InvitingPlayerID   int    `json:"inviting_player_id,omitempty"`
	InvitingPlayerName string `json:"inviting_player_name,omitempty"`
}

const (
	PartyEventInvite         = "invite"
	PartyEventInviteCanceled = "invite_canceled"
	PartyEventInviteDeclined = "invite_declined"
	PartyEventPlayerJoined   = "player_joined"
	PartyEventPlayerLeft     = "player_left"
	PartyEventDisbanded      = "disbanded"
)
