package models

import (
	"sort"
	"time"
)

type LobbyStatus string

const (
	LobbyIdle      LobbyStatus = "idle"
	LobbyStarting  LobbyStatus = "starting"
	LobbyStarted   LobbyStatus = "started"
	LobbyFailed    LobbyStatus = "failed"
	LobbyCancelled LobbyStatus = "cancelled"
	LobbyTimedOut  LobbyStatus = "timed_out"
)

// MatchInitiated reports whether a placement is in flight or done, which
// freezes the lobby's structure.
func (s LobbyStatus) MatchInitiated() bool {
	return s == LobbyStarting || s == LobbyStarted
}

type LobbyMember struct {
	PlayerID   int       `json:"player_id"`
	PlayerName string    `json:"player_name"`
	TeamName   *string   `json:"team_name"`
	Ready      bool      `json:"ready"`
	Host       bool      `json:"host"`
	JoinDate   time.Time `json:"join_date"`

	PlayerSessionID string `json:"player_session_id,omitempty"`
}

// Lobby is stored whole as JSON under lobby:{id}: and only changed under its lock.
type Lobby struct {
	LobbyID       string        `json:"lobby_id"`
	LobbyName     string        `json:"lobby_name"`
	MapName       *string       `json:"map_name"`
	TeamCapacity  int           `json:"team_capacity"`
	TeamNames     []string      `json:"team_names"`
	CreateDate    time.Time     `json:"create_date"`
	StartDate     *time.Time    `json:"start_date"`
	PlacementDate *time.Time    `json:"placement_date"`
	Status        LobbyStatus   `json:"status"`
	CustomData    *string       `json:"custom_data"`
	Members       []LobbyMember `json:"members"`

	PlacementID      string `json:"placement_id,omitempty"`
	GameSessionArn   string `json:"game_session_arn,omitempty"`
	ConnectionString string `json:"connection_string,omitempty"`

	// Only set on copies returned to a single player.
	ConnectionOptions string `json:"connection_options,omitempty"`
}

// Member returns the member entry for playerID, or nil.
func (l *Lobby) Member(playerID int) *LobbyMember {
	for i := range l.Members {
		if l.Members[i].PlayerID == playerID {
			return &l.Members[i]
		}
	}
	return nil
}

// HostID returns the host's player id, or 0 for a lobby without host.
func (l *Lobby) HostID() int {
	for _, m := range l.Members {
		if m.Host {
			return m.PlayerID
		}
	}
	return 0
}

// MemberIDs lists members in lobby order, leaving out exclude.
func (l *Lobby) MemberIDs(exclude ...int) []int {
	ids := make([]int, 0, len(l.Members))
outer:
	for _, m := range l.Members {
		for _, x := range exclude {
			if m.PlayerID == x {
				continue outer
			}
		}
		ids = append(ids, m.PlayerID)
	}
	return ids
}

// TeamCount counts the members assigned to team.
func (l *Lobby) TeamCount(team string) int {
	n := 0
	for _, m := range l.Members {
		if m.TeamName != nil && *m.TeamName == team {
			n++
		}
	}
	return n
}

func (l *Lobby) HasTeam(team string) bool {
	for _, t := range l.TeamNames {
		if t == team {
			return true
		}
	}
	return false
}

// RemoveMember drops playerID and reports whether it was a member. If the
// host left and members remain, the longest-standing member becomes host.
func (l *Lobby) RemoveMember(playerID int) (removed bool, newHost int) {
	hostID := l.HostID()
	kept := l.Members[:0]
	for _, m := range l.Members {
		if m.PlayerID == playerID {
			removed = true
			continue
		}
		kept = append(kept, m)
	}
	l.Members = kept

	if !removed || hostID != playerID || len(l.Members) == 0 {
		return removed, 0
	}
	sort.SliceStable(l.Members, func(i, j int) bool {
		return l.Members[i].JoinDate.Before(l.Members[j].JoinDate)
	})
	l.Members[0].Host = true
	return true, l.Members[0].PlayerID
}

// EnforceTeams unassigns members from teams that no longer exist and from
// teams over capacity, in member order.
func (l *Lobby) EnforceTeams() {
	counts := make(map[string]int)
	for i := range l.Members {
		m := &l.Members[i]
		if m.TeamName == nil {
			continue
		}
		team := *m.TeamName
		if !l.HasTeam(team) || counts[team] >= l.TeamCapacity {
			m.TeamName = nil
			m.Ready = false
			continue
		}
		counts[team]++
	}
}

const (
	LobbyEventUpdated        = "LobbyUpdated"
	LobbyEventDeleted        = "LobbyDeleted"
	LobbyEventMemberJoined   = "LobbyMemberJoined"
	LobbyEventMemberLeft     = "LobbyMemberLeft"
	LobbyEventMemberUpdated  = "LobbyMemberUpdated"
	LobbyEventMemberKicked   = "LobbyMemberKicked"
	LobbyEventMatchStarting  = "LobbyMatchStarting"
	LobbyEventMatchStarted   = "LobbyMatchStarted"
	LobbyEventMatchCancelled = "LobbyMatchCancelled"
	LobbyEventMatchTimedOut  = "LobbyMatchTimedOut"
	LobbyEventMatchFailed    = "LobbyMatchFailed"
)
