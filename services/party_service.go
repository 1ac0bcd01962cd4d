package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"game-coordination-system/models"
	"game-coordination-system/utils"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const PartyNotificationQueue = "party_notification"

// PartyService manages party membership and invites. Every mutation is one
// watch-set transaction over the indexes below.
//
//	player:{id}:party:     party id of the player
//	party:{id}:players:    set of member ids
//	party_invite:{id}:     hash with from/to
//	player:{id}:invites:   zset of invite ids sent by the player, scored by invitee
type PartyService struct {
	cache      *utils.Cache
	watcher    *utils.Watcher
	notifier   Notifier
	directory  Directory
	maxPlayers int
	logger     *zap.Logger
}

func NewPartyService(cache *utils.Cache, watcher *utils.Watcher, notifier Notifier, directory Directory, maxPlayers int, logger *zap.Logger) *PartyService {
	return &PartyService{
		cache:      cache,
		watcher:    watcher,
		notifier:   notifier,
		directory:  directory,
		maxPlayers: maxPlayers,
		logger:     logger,
	}
}

func (s *PartyService) playerPartyKey(playerID int) string {
	return s.cache.Key("player:%d:party:", playerID)
}

func (s *PartyService) partyPlayersKey(partyID int) string {
	return s.cache.Key("party:%d:players:", partyID)
}

func (s *PartyService) inviteKey(inviteID int) string {
	return s.cache.Key("party_invite:%d:", inviteID)
}

func (s *PartyService) playerInvitesKey(playerID int) string {
	return s.cache.Key("player:%d:invites:", playerID)
}

// GetPlayerParty returns the player's party id, 0 when not in a party.
func (s *PartyService) GetPlayerParty(ctx context.Context, playerID int) (int, error) {
	return getInt(ctx, s.cache.Client, s.playerPartyKey(playerID))
}

// GetPartyMembers returns the member ids in ascending order.
func (s *PartyService) GetPartyMembers(ctx context.Context, partyID int) ([]int, error) {
	raw, err := s.cache.Client.SMembers(ctx, s.partyPlayersKey(partyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read members of party %d: %w", partyID, err)
	}
	return parseIDs(raw), nil
}

// GetParty returns the party with member names, visible to members only.
func (s *PartyService) GetParty(ctx context.Context, actor, partyID int) (*models.Party, error) {
	members, err := s.GetPartyMembers(ctx, partyID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, utils.NotFound("party %d not found", partyID)
	}
	if !mapset.NewSet(members...).Contains(actor) {
		return nil, utils.Forbidden("this is not your party")
	}

	names, err := s.directory.PlayerNames(ctx, members)
	if err != nil {
		return nil, err
	}
	party := &models.Party{PartyID: partyID}
	for _, id := range members {
		party.Members = append(party.Members, models.PartyMember{PlayerID: id, PlayerName: names[id]})
	}
	return party, nil
}

// GetPlayerPartyDetails returns the actor's own party.
func (s *PartyService) GetPlayerPartyDetails(ctx context.Context, actor int) (*models.Party, error) {
	partyID, err := s.GetPlayerParty(ctx, actor)
	if err != nil {
		return nil, err
	}
	if partyID == 0 {
		return nil, utils.NotFound("you're not in a party")
	}
	return s.GetParty(ctx, actor, partyID)
}

// GetInvite returns an invite to or from actor.
func (s *PartyService) GetInvite(ctx context.Context, actor, inviteID int) (*models.Invite, error) {
	fields, err := s.cache.Client.HGetAll(ctx, s.inviteKey(inviteID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read invite %d: %w", inviteID, err)
	}
	invite, ok := parseInvite(inviteID, fields)
	if !ok {
		return nil, utils.NotFound("invite %d not found", inviteID)
	}
	if invite.From != actor && invite.To != actor {
		return nil, utils.Forbidden("invite %d isn't yours", inviteID)
	}
	return invite, nil
}

// Invite asks invitee to join sender's party, or to form one with sender.
func (s *PartyService) Invite(ctx context.Context, sender, invitee int) (int, error) {
	if sender == invitee {
		return 0, utils.Validation("you can't invite yourself to a party")
	}

	senderName, err := s.directory.PlayerName(ctx, sender)
	if err != nil {
		return 0, err
	}
	if _, err := s.directory.PlayerName(ctx, invitee); err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return 0, utils.Validation("invited player doesn't exist")
		}
		return 0, err
	}

	senderPartyKey := s.playerPartyKey(sender)
	inviteeParty := s.playerPartyKey(invitee)

	var inviteID int
	err = s.watcher.Run(ctx, func(ctx context.Context, tx *redis.Tx) error {
		partyID, err := getInt(ctx, tx, senderPartyKey)
		if err != nil {
			return err
		}

		if partyID != 0 {
			playersKey := s.partyPlayersKey(partyID)
			if err := tx.Watch(ctx, playersKey).Err(); err != nil {
				return err
			}
			raw, err := tx.SMembers(ctx, playersKey).Result()
			if err != nil {
				return err
			}
			members := mapset.NewSet(parseIDs(raw)...)
			if members.Cardinality() >= s.maxPlayers {
				s.logger.Debug("invite into full party rejected", zap.Int("party_id", partyID), zap.Int("player_id", sender))
				return utils.Validation("party is already full")
			}
			if members.Contains(invitee) {
				return utils.Validation("player is already in the party")
			}
		}

		id, err := tx.Incr(ctx, s.cache.Key("party_invite:id:")).Result()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			key := s.inviteKey(int(id))
			pipe.HSet(ctx, key, "from", sender, "to", invitee)
			pipe.ZAdd(ctx, s.playerInvitesKey(sender), redis.Z{Score: float64(invitee), Member: id})
			return nil
		})
		if err != nil {
			return err
		}
		inviteID = int(id)
		return nil
	}, senderPartyKey, inviteeParty)
	if err != nil {
		return 0, err
	}

	s.logger.Info("✉️ [PARTY] invite sent", zap.Int("invite_id", inviteID), zap.Int("player_id", sender), zap.Int("invitee_id", invitee))
	s.notifier.Post(ctx, PlayersExchange, invitee, PartyNotificationQueue, models.PartyNotification{
		Event:              models.PartyEventInvite,
		InviteID:           inviteID,
		InvitingPlayerID:   sender,
		InvitingPlayerName: senderName,
	})
	return inviteID, nil
}

// AcceptInvite puts acceptor in inviter's party, forming the party if the
// inviter had none. A party that filled up since the invite was sent
// consumes the invite and fails with a conflict.
func (s *PartyService) AcceptInvite(ctx context.Context, acceptor, inviteID, inviter int, leaveExisting bool) (int, []int, error) {
	inviteKey := s.inviteKey(inviteID)
	acceptorPartyKey := s.playerPartyKey(acceptor)
	inviterPartyKey := s.playerPartyKey(inviter)
	inviterInvitesKey := s.playerInvitesKey(inviter)

	var partyID int
	var members []int
	err := s.watcher.Run(ctx, func(ctx context.Context, tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, inviteKey).Result()
		if err != nil {
			return err
		}
		invite, ok := parseInvite(inviteID, fields)
		if !ok {
			return utils.NotFound("invite %d not found", inviteID)
		}
		if invite.From != inviter || invite.To != acceptor {
			return utils.Validation("invite doesn't match players")
		}

		inviterParty, err := getInt(ctx, tx, inviterPartyKey)
		if err != nil {
			return err
		}
		acceptorParty, err := getInt(ctx, tx, acceptorPartyKey)
		if err != nil {
			return err
		}

		if acceptorParty != 0 && acceptorParty != inviterParty {
			if !leaveExisting {
				return utils.Validation("you must leave your current party first")
			}
			if err := s.leave(ctx, acceptor, acceptorParty); err != nil {
				return err
			}
			// acceptorPartyKey changed under our watch, start over
			return utils.ErrTxnRetry
		}

		newParty := inviterParty == 0
		if !newParty {
			playersKey := s.partyPlayersKey(inviterParty)
			if err := tx.Watch(ctx, playersKey).Err(); err != nil {
				return err
			}
			count, err := tx.SCard(ctx, playersKey).Result()
			if err != nil {
				return err
			}
			if int(count) >= s.maxPlayers {
				_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, inviteKey)
					pipe.ZRem(ctx, inviterInvitesKey, inviteID)
					return nil
				})
				if err != nil {
					return err
				}
				s.logger.Debug("invite consumed, party is full", zap.Int("invite_id", inviteID), zap.Int("party_id", inviterParty))
				return utils.Conflict("party is full")
			}
		}

		id := inviterParty
		if newParty {
			next, err := tx.Incr(ctx, s.cache.Key("party:id:")).Result()
			if err != nil {
				return err
			}
			id = int(next)
		}
		playersKey := s.partyPlayersKey(id)

		var membersCmd *redis.StringSliceCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if newParty {
				pipe.SAdd(ctx, playersKey, inviter)
				pipe.Set(ctx, inviterPartyKey, id, 0)
			}
			pipe.Del(ctx, inviteKey)
			pipe.ZRem(ctx, inviterInvitesKey, inviteID)
			pipe.SAdd(ctx, playersKey, acceptor)
			pipe.Set(ctx, acceptorPartyKey, id, 0)
			membersCmd = pipe.SMembers(ctx, playersKey)
			return nil
		})
		if err != nil {
			return err
		}
		partyID = id
		members = parseIDs(membersCmd.Val())
		return nil
	}, inviteKey, acceptorPartyKey, inviterPartyKey, inviterInvitesKey)
	if err != nil {
		return 0, nil, err
	}

	s.logger.Info("🎉 [PARTY] invite accepted", zap.Int("party_id", partyID), zap.Int("player_id", acceptor), zap.Int("inviter_id", inviter))
	others := mapset.NewSet(members...)
	others.Remove(acceptor)
	PostToPlayers(ctx, s.notifier, sortedIDs(others), PartyNotificationQueue, models.PartyNotification{
		Event:            models.PartyEventPlayerJoined,
		PartyID:          partyID,
		PlayerID:         acceptor,
		InvitingPlayerID: inviter,
	})
	return partyID, members, nil
}

// DeclineInvite removes an invite. The invitee declines it, the sender
// cancels it; the other side is told which.
func (s *PartyService) DeclineInvite(ctx context.Context, actor, inviteID int) error {
	inviteKey := s.inviteKey(inviteID)

	var invite *models.Invite
	err := s.watcher.Run(ctx, func(ctx context.Context, tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, inviteKey).Result()
		if err != nil {
			return err
		}
		inv, ok := parseInvite(inviteID, fields)
		if !ok {
			return utils.NotFound("invite %d not found", inviteID)
		}
		if inv.To != actor && inv.From != actor {
			return utils.Forbidden("you can only decline invites to or from yourself")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, inviteKey)
			pipe.ZRem(ctx, s.playerInvitesKey(inv.From), inviteID)
			return nil
		})
		if err != nil {
			return err
		}
		invite = inv
		return nil
	}, inviteKey)
	if err != nil {
		return err
	}

	if invite.From == actor {
		s.notifier.Post(ctx, PlayersExchange, invite.To, PartyNotificationQueue, models.PartyNotification{
			Event:            models.PartyEventInviteCanceled,
			InviteID:         inviteID,
			InvitingPlayerID: actor,
		})
		return nil
	}
	s.notifier.Post(ctx, PlayersExchange, invite.From, PartyNotificationQueue, models.PartyNotification{
		Event:    models.PartyEventInviteDeclined,
		InviteID: inviteID,
		PlayerID: actor,
	})
	return nil
}

// Leave removes actor from partyID. Invites the actor sent are withdrawn. A
// party left with a single member is disbanded.
func (s *PartyService) Leave(ctx context.Context, actor, partyID int) error {
	return s.leave(ctx, actor, partyID)
}

func (s *PartyService) leave(ctx context.Context, playerID, partyID int) error {
	playersKey := s.partyPlayersKey(partyID)
	playerPartyKey := s.playerPartyKey(playerID)
	invitesKey := s.playerInvitesKey(playerID)

	var remaining []int
	left, disbanded := false, false
	err := s.watcher.Run(ctx, func(ctx context.Context, tx *redis.Tx) error {
		current, err := getInt(ctx, tx, playerPartyKey)
		if err != nil {
			return err
		}
		if current != partyID {
			return utils.Validation("you're not a member of this party")
		}

		raw, err := tx.SMembers(ctx, playersKey).Result()
		if err != nil {
			return err
		}
		members := mapset.NewThreadUnsafeSet(parseIDs(raw)...)
		if !members.Contains(playerID) {
			return nil
		}
		members.Remove(playerID)
		others := sortedIDs(members)

		// the last member standing is released in the same transaction
		disband := len(others) <= 1
		var stale []string
		if disband {
			for _, id := range others {
				key := s.playerPartyKey(id)
				if err := tx.Watch(ctx, key).Err(); err != nil {
					return err
				}
				p, err := getInt(ctx, tx, key)
				if err != nil {
					return err
				}
				if p == partyID {
					stale = append(stale, key)
				}
			}
		}

		outstanding, err := tx.ZRange(ctx, invitesKey, 0, -1).Result()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, id := range parseIDs(outstanding) {
				pipe.Del(ctx, s.inviteKey(id))
			}
			pipe.SRem(ctx, playersKey, playerID)
			pipe.Del(ctx, playerPartyKey)
			pipe.Del(ctx, invitesKey)
			if disband {
				for _, key := range stale {
					pipe.Del(ctx, key)
				}
				pipe.Del(ctx, playersKey)
			}
			return nil
		})
		if err != nil {
			return err
		}
		left, disbanded, remaining = true, disband, others
		return nil
	}, playersKey, playerPartyKey, invitesKey)
	if err != nil || !left {
		return err
	}

	s.logger.Info("👋 [PARTY] player left", zap.Int("party_id", partyID), zap.Int("player_id", playerID), zap.Bool("disbanded", disbanded))
	PostToPlayers(ctx, s.notifier, remaining, PartyNotificationQueue, models.PartyNotification{
		Event:    models.PartyEventPlayerLeft,
		PartyID:  partyID,
		PlayerID: playerID,
	})
	if disbanded {
		PostToPlayers(ctx, s.notifier, remaining, PartyNotificationQueue, models.PartyNotification{
			Event:   models.PartyEventDisbanded,
			PartyID: partyID,
		})
	}
	return nil
}

// Disband dissolves a party on behalf of one of its members.
func (s *PartyService) Disband(ctx context.Context, actor, partyID int) error {
	members, err := s.GetPartyMembers(ctx, partyID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return utils.NotFound("party %d not found", partyID)
	}
	set := mapset.NewSet(members...)
	if !set.Contains(actor) {
		return utils.Forbidden("this is not your party")
	}

	if err := s.disband(ctx, partyID); err != nil {
		return err
	}
	s.logger.Info("💥 [PARTY] party disbanded", zap.Int("party_id", partyID), zap.Int("player_id", actor))
	set.Remove(actor)
	PostToPlayers(ctx, s.notifier, sortedIDs(set), PartyNotificationQueue, models.PartyNotification{
		Event:   models.PartyEventDisbanded,
		PartyID: partyID,
	})
	return nil
}

func (s *PartyService) disband(ctx context.Context, partyID int) error {
	playersKey := s.partyPlayersKey(partyID)
	return s.watcher.Run(ctx, func(ctx context.Context, tx *redis.Tx) error {
		raw, err := tx.SMembers(ctx, playersKey).Result()
		if err != nil {
			return err
		}
		members := parseIDs(raw)

		keys := make([]string, 0, len(members))
		for _, id := range members {
			keys = append(keys, s.playerPartyKey(id))
		}
		// only clear reverse entries that still point at this party
		current := make([]int, len(keys))
		if len(keys) > 0 {
			if err := tx.Watch(ctx, keys...).Err(); err != nil {
				return err
			}
			for i, key := range keys {
				if current[i], err = getInt(ctx, tx, key); err != nil {
					return err
				}
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, key := range keys {
				if current[i] == partyID {
					pipe.Del(ctx, key)
				}
			}
			pipe.Del(ctx, playersKey)
			return nil
		})
		return err
	}, playersKey)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getInt reads an integer key, 0 when missing.
func getInt(ctx context.Context, c getter, key string) (int, error) {
	v, err := c.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, nil
}

func parseIDs(raw []string) []int {
	ids := make([]int, 0, len(raw))
	for _, r := range raw {
		if id, err := strconv.Atoi(r); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

func sortedIDs(set mapset.Set[int]) []int {
	ids := set.ToSlice()
	sort.Ints(ids)
	return ids
}

func parseInvite(inviteID int, fields map[string]string) (*models.Invite, bool) {
	from, err1 := strconv.Atoi(fields["from"])
	to, err2 := strconv.Atoi(fields["to"])
	if err1 != nil || err2 != nil {
		return nil, false
	}
	return &models.Invite{InviteID: inviteID, From: from, To: to}, true
}
