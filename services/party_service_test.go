package services

import (
	"context"
	"sync"
	"testing"

	"game-coordination-system/models"
	"game-coordination-system/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type partyFixture struct {
	svc      *PartyService
	notifier *fakeNotifier
	cache    *utils.Cache
}

func newPartyFixture(t *testing.T, maxPlayers int) *partyFixture {
	t.Helper()
	cache, _ := newTestCache(t)
	cfg := testConfig()
	notifier := &fakeNotifier{}
	watcher := utils.NewWatcher(cache, cfg.TxnTimeout, zap.NewNop())
	svc := NewPartyService(cache, watcher, notifier, newFakeDirectory(1, 2, 3, 4, 5), maxPlayers, zap.NewNop())
	return &partyFixture{svc: svc, notifier: notifier, cache: cache}
}

// formParty has leader invite each member in turn and each member accept.
func (f *partyFixture) formParty(t *testing.T, leader int, members ...int) int {
	t.Helper()
	ctx := context.Background()
	partyID := 0
	for _, m := range members {
		inviteID, err := f.svc.Invite(ctx, leader, m)
		require.NoError(t, err)
		partyID, _, err = f.svc.AcceptInvite(ctx, m, inviteID, leader, false)
		require.NoError(t, err)
	}
	return partyID
}

func TestInviteAndAcceptFormsParty(t *testing.T) {
	f := newPartyFixture(t, 4)
	ctx := context.Background()

	inviteID, err := f.svc.Invite(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{models.PartyEventInvite}, f.notifier.events(2, PartyNotificationQueue))

	invite, err := f.svc.GetInvite(ctx, 2, inviteID)
	require.NoError(t, err)
	assert.Equal(t, &models.Invite{InviteID: inviteID, From: 1, To: 2}, invite)

	partyID, members, err := f.svc.AcceptInvite(ctx, 2, inviteID, 1, false)
	require.NoError(t, err)
	assert.NotZero(t, partyID)
	assert.Equal(t, []int{1, 2}, members)

	for _, id := range []int{1, 2} {
		got, err := f.svc.GetPlayerParty(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, partyID, got)
	}
	assert.Equal(t, []string{models.PartyEventPlayerJoined}, f.notifier.events(1, PartyNotificationQueue))

	party, err := f.svc.GetPlayerPartyDetails(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []models.PartyMember{{PlayerID: 1, PlayerName: "player-1"}, {PlayerID: 2, PlayerName: "player-2"}}, party.Members)

	_, err = f.svc.GetInvite(ctx, 2, inviteID)
	assert.ErrorIs(t, err, utils.ErrNotFound, "accepted invite is consumed")
}

func TestInviteValidation(t *testing.T) {
	f := newPartyFixture(t, 4)
	ctx := context.Background()

	_, err := f.svc.Invite(ctx, 1, 1)
	assert.ErrorIs(t, err, utils.ErrValidation)

	_, err = f.svc.Invite(ctx, 1, 99)
	assert.ErrorIs(t, err, utils.ErrValidation)

	f.formParty(t, 1, 2)
	_, err = f.svc.Invite(ctx, 1, 2)
	assert.ErrorIs(t, err, utils.ErrValidation, "already in the party")
}

func TestInviteIntoFullPartyRejected(t *testing.T) {
	f := newPartyFixture(t, 2)
	f.formParty(t, 1, 2)

	_, err := f.svc.Invite(context.Background(), 1, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrValidation)
	assert.Equal(t, "party is already full", err.Error())
}

func TestAcceptIntoPartyThatFilledUpConsumesInvite(t *testing.T) {
	f := newPartyFixture(t, 2)
	ctx := context.Background()

	toB, err := f.svc.Invite(ctx, 1, 2)
	require.NoError(t, err)
	toC, err := f.svc.Invite(ctx, 1, 3)
	require.NoError(t, err)

	_, _, err = f.svc.AcceptInvite(ctx, 2, toB, 1, false)
	require.NoError(t, err)

	_, _, err = f.svc.AcceptInvite(ctx, 3, toC, 1, false)
	assert.ErrorIs(t, err, utils.ErrConflict)

	_, err = f.svc.GetInvite(ctx, 3, toC)
	assert.ErrorIs(t, err, utils.ErrNotFound)
	partyID, err := f.svc.GetPlayerParty(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, partyID)
}

func TestAcceptWithMismatchedPlayers(t *testing.T) {
	f := newPartyFixture(t, 4)
	ctx := context.Background()
	inviteID, err := f.svc.Invite(ctx, 1, 2)
	require.NoError(t, err)

	_, _, err = f.svc.AcceptInvite(ctx, 3, inviteID, 1, false)
	assert.ErrorIs(t, err, utils.ErrValidation)
	_, _, err = f.svc.AcceptInvite(ctx, 2, 12345, 1, false)
	assert.ErrorIs(t, err, utils.ErrNotFound)
}

func TestLeavingTwoPlayerPartyDisbandsIt(t *testing.T) {
	f := newPartyFixture(t, 4)
	ctx := context.Background()
	partyID := f.formParty(t, 1, 2)
	f.notifier.reset()

	require.NoError(t, f.svc.Leave(ctx, 2, partyID))

	assert.Equal(t, []string{models.PartyEventPlayerLeft, models.PartyEventDisbanded}, f.notifier.events(1, PartyNotificationQueue))
	for _, id := range []int{1, 2} {
		got, err := f.svc.GetPlayerParty(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, got)
	}
	members, err := f.svc.GetPartyMembers(ctx, partyID)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestLeavingLargerPartyKeepsIt(t *testing.T) {
	f := newPartyFixture(t, 4)
	ctx := context.Background()
	partyID := f.formParty(t, 1, 2, 3)
	f.notifier.reset()

	require.NoError(t, f.svc.Leave(ctx, 3, partyID))

	members, err := f.svc.GetPartyMembers(ctx, partyID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, members)
	assert.Equal(t, []string{models.PartyEventPlayerLeft}, f.notifier.events(2, PartyNotificationQueue))

	err = f.svc.Leave(ctx, 3, partyID)
	assert.ErrorIs(t, err, utils.ErrValidation)
}

func TestConcurrentLeavesDisbandOnce(t *testing.T) {
	f := newPartyFixture(t, 4)
	ctx := context.Background()
	partyID := f.formParty(t, 1, 2, 3)
	f.notifier.reset()

	var wg sync.WaitGroup
	for _, id := range []int{2, 3} {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			assert.NoError(t, f.svc.Leave(ctx, id, partyID))
		}(id)
	}
	wg.Wait()

	events := f.notifier.events(1, PartyNotificationQueue)
	disbanded := 0
	for _, e := range events {
		if e == models.PartyEventDisbanded {
			disbanded++
		}
	}
	assert.Equal(t, 1, disbanded, "events: %v", events)

	got, err := f.svc.GetPlayerParty(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, got)
	members, err := f.svc.GetPartyMembers(ctx, partyID)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestLeaveWithdrawsSentInvites(t *testing.T) {
	f := newPartyFixture(t, 4)
	ctx := context.Background()
	partyID := f.formParty(t, 1, 2, 3)
	inviteID, err := f.svc.Invite(ctx, 1, 4)
	require.NoError(t, err)

	require.NoError(t, f.svc.Leave(ctx, 1, partyID))

	_, err = f.svc.GetInvite(ctx, 4, inviteID)
	assert.ErrorIs(t, err, utils.ErrNotFound)
}

func TestDeclineAndCancelInvite(t *testing.T) {
	f := newPartyFixture(t, 4)
	ctx := context.Background()

	declined, err := f.svc.Invite(ctx, 1, 2)
	require.NoError(t, err)
	require.NoError(t, f.svc.DeclineInvite(ctx, 2, declined))
	assert.Equal(t, []string{models.PartyEventInviteDeclined}, f.notifier.events(1, PartyNotificationQueue))

	canceled, err := f.svc.Invite(ctx, 1, 3)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.DeclineInvite(ctx, 4, canceled), utils.ErrForbidden)
	require.NoError(t, f.svc.DeclineInvite(ctx, 1, canceled))
	assert.Equal(t, []string{models.PartyEventInvite, models.PartyEventInviteCanceled}, f.notifier.events(3, PartyNotificationQueue))

	assert.ErrorIs(t, f.svc.DeclineInvite(ctx, 1, canceled), utils.ErrNotFound)
}

func TestAcceptWhileInAnotherParty(t *testing.T) {
	f := newPartyFixture(t, 4)
	ctx := context.Background()
	oldParty := f.formParty(t, 3, 2)

	inviteID, err := f.svc.Invite(ctx, 1, 2)
	require.NoError(t, err)

	_, _, err = f.svc.AcceptInvite(ctx, 2, inviteID, 1, false)
	assert.ErrorIs(t, err, utils.ErrValidation)

	newParty, members, err := f.svc.AcceptInvite(ctx, 2, inviteID, 1, true)
	require.NoError(t, err)
	assert.NotEqual(t, oldParty, newParty)
	assert.Equal(t, []int{1, 2}, members)

	// the old party dropped to one member and was disbanded
	leftover, err := f.svc.GetPlayerParty(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, leftover)
	assert.Contains(t, f.notifier.events(3, PartyNotificationQueue), models.PartyEventDisbanded)
}

func TestDisbandRequiresMembership(t *testing.T) {
	f := newPartyFixture(t, 4)
	ctx := context.Background()
	partyID := f.formParty(t, 1, 2, 3)
	f.notifier.reset()

	assert.ErrorIs(t, f.svc.Disband(ctx, 4, partyID), utils.ErrForbidden)
	assert.ErrorIs(t, f.svc.Disband(ctx, 1, 999), utils.ErrNotFound)

	require.NoError(t, f.svc.Disband(ctx, 1, partyID))
	for _, id := range []int{1, 2, 3} {
		got, err := f.svc.GetPlayerParty(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, got)
	}
	assert.Equal(t, []string{models.PartyEventDisbanded}, f.notifier.events(2, PartyNotificationQueue))
	assert.Empty(t, f.notifier.events(1, PartyNotificationQueue))

	_, err := f.svc.GetParty(ctx, 1, partyID)
	assert.ErrorIs(t, err, utils.ErrNotFound)
}
