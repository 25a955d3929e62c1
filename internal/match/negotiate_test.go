// internal/match/negotiate_test.go
package match

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tommar21/matchroom/internal/models"
	"github.com/tommar21/matchroom/internal/rules/tictactoe"
)

func TestEqualStakesAgreeOnClaim(t *testing.T) {
	rig := newTestRig(t, quietConfig())
	rig.wallet(t, alice, 1000)
	rig.wallet(t, bob, 1000)
	ctx := context.Background()

	host, err := rig.engine.QuickMatch(ctx, alice, MatchOptions{GameKind: tictactoe.Kind, Stake: 100})
	require.NoError(t, err)
	hostEv := watchSession(host)
	startSession(t, host)

	guest, err := rig.engine.QuickMatch(ctx, bob, MatchOptions{GameKind: tictactoe.Kind, Stake: 100})
	require.NoError(t, err)

	require.Equal(t, host.RoomID(), guest.RoomID(), "matching stakes pair up")

	w := guest.Wager()
	assert.Equal(t, models.WagerAgreed, w.State)
	assert.EqualValues(t, 100, w.Stake)
	assert.Nil(t, w.Deadline)
	assert.Equal(t, PhasePlaying, host.Phase())
	assert.Equal(t, PhasePlaying, guest.Phase())

	// Each side collected its own stake the moment it saw the agreement.
	assert.EqualValues(t, 900, rig.balance(t, alice))
	assert.EqualValues(t, 900, rig.balance(t, bob))
	assert.Contains(t, hostEv.wagerStates(), models.WagerAgreed)

	_, err = host.ProposeStake(ctx, 50)
	assert.ErrorIs(t, err, ErrNoNegotiation)
}

func TestGuestStakeOpensNegotiationOnUnstakedRoom(t *testing.T) {
	rig := newTestRig(t, quietConfig())
	rig.wallet(t, alice, 1000)
	rig.wallet(t, bob, 1000)
	ctx := context.Background()

	host, err := rig.engine.QuickMatch(ctx, alice, MatchOptions{GameKind: tictactoe.Kind})
	require.NoError(t, err)
	watchSession(host)
	startSession(t, host)

	guest, err := rig.engine.Join(ctx, bob, host.RoomID(), 30)
	require.NoError(t, err)
	startSession(t, guest)

	assert.Equal(t, PhaseNegotiating, host.Phase())
	w := host.Wager()
	require.NotNil(t, w.GuestOffer)
	assert.EqualValues(t, 30, *w.GuestOffer)
	assert.Nil(t, w.HostOffer)
	assert.NotNil(t, w.Deadline, "open negotiation carries its deadline")

	res, err := host.AcceptStake(ctx)
	require.NoError(t, err)
	require.False(t, res.Conflict)
	assert.EqualValues(t, 970, rig.balance(t, alice))
	assert.EqualValues(t, 970, rig.balance(t, bob))
}

func TestAcceptSettlesCounterOffer(t *testing.T) {
	rig := newTestRig(t, quietConfig())
	rig.wallet(t, alice, 1000)
	rig.wallet(t, bob, 1000)
	d := rig.pairUp(t, 100, 40)

	res, err := d.host.AcceptStake(context.Background())
	require.NoError(t, err)
	require.False(t, res.Conflict)

	w := d.host.Wager()
	assert.Equal(t, models.WagerAgreed, w.State)
	assert.EqualValues(t, 40, w.Stake, "acceptance binds the opponent's amount")
	require.NotNil(t, w.HostOffer)
	assert.EqualValues(t, 40, *w.HostOffer, "acceptance mirrors the accepted offer")

	assert.EqualValues(t, 960, rig.balance(t, alice))
	assert.EqualValues(t, 960, rig.balance(t, bob))
	assert.Contains(t, d.guestEv.wagerStates(), models.WagerAgreed)
}

func TestProposeMatchingOfferAgrees(t *testing.T) {
	rig := newTestRig(t, quietConfig())
	rig.wallet(t, alice, 1000)
	rig.wallet(t, bob, 1000)
	d := rig.pairUp(t, 100, 0)

	res, err := d.guest.ProposeStake(context.Background(), 100)
	require.NoError(t, err)
	require.False(t, res.Conflict)

	w := d.guest.Wager()
	assert.Equal(t, models.WagerAgreed, w.State)
	assert.EqualValues(t, 100, w.Stake)
	assert.EqualValues(t, 900, rig.balance(t, alice))
	assert.EqualValues(t, 900, rig.balance(t, bob))
}

func TestProposeKeepsOpponentCounter(t *testing.T) {
	rig := newTestRig(t, quietConfig())
	rig.wallet(t, alice, 1000)
	rig.wallet(t, bob, 1000)
	d := rig.pairUp(t, 100, 0)
	ctx := context.Background()

	_, err := d.guest.ProposeStake(ctx, 60)
	require.NoError(t, err)

	res, err := d.host.ProposeStake(ctx, 80)
	require.NoError(t, err)
	require.False(t, res.Conflict)

	w := res.Room.Wager
	assert.Equal(t, models.WagerPending, w.State)
	require.NotNil(t, w.HostOffer)
	require.NotNil(t, w.GuestOffer)
	assert.EqualValues(t, 80, *w.HostOffer)
	assert.EqualValues(t, 60, *w.GuestOffer, "counter-proposal must not erase the opponent's offer")

	_, err = d.guest.AcceptStake(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 80, d.guest.Wager().Stake)
	assert.EqualValues(t, 920, rig.balance(t, alice))
	assert.EqualValues(t, 920, rig.balance(t, bob))
}

// A counter the proposer never observed must survive a blind re-propose.
func TestProposeConflictsWithUnseenCounter(t *testing.T) {
	rig := newTestRig(t, quietConfig())
	rig.wallet(t, alice, 1000)
	rig.wallet(t, bob, 1000)
	ctx := context.Background()

	// Both sides stay off the feed: the host's snapshot still shows no
	// counter when the guest's lands first.
	host, err := rig.engine.QuickMatch(ctx, alice, MatchOptions{GameKind: tictactoe.Kind, Stake: 100})
	require.NoError(t, err)
	guest, err := rig.engine.Join(ctx, bob, host.RoomID(), 0)
	require.NoError(t, err)

	res, err := guest.ProposeStake(ctx, 60)
	require.NoError(t, err)
	require.False(t, res.Conflict)

	res, err = host.ProposeStake(ctx, 80)
	require.NoError(t, err)
	assert.True(t, res.Conflict, "blind re-propose must not erase the unseen counter")

	w := res.Room.Wager
	assert.Equal(t, models.WagerPending, w.State)
	require.NotNil(t, w.HostOffer)
	assert.EqualValues(t, 100, *w.HostOffer)
	require.NotNil(t, w.GuestOffer)
	assert.EqualValues(t, 60, *w.GuestOffer, "the counter is still on the table")
	assert.EqualValues(t, 1000, rig.balance(t, alice))
	assert.EqualValues(t, 1000, rig.balance(t, bob))

	// The conflict resynchronized the host; countering now keeps both offers.
	res, err = host.ProposeStake(ctx, 80)
	require.NoError(t, err)
	require.False(t, res.Conflict)
	w = res.Room.Wager
	require.NotNil(t, w.HostOffer)
	assert.EqualValues(t, 80, *w.HostOffer)
	require.NotNil(t, w.GuestOffer)
	assert.EqualValues(t, 60, *w.GuestOffer)
}

func TestAcceptRequiresOpponentOffer(t *testing.T) {
	rig := newTestRig(t, quietConfig())
	rig.wallet(t, alice, 1000)
	rig.wallet(t, bob, 1000)
	d := rig.pairUp(t, 0, 30)
	ctx := context.Background()

	_, err := d.guest.AcceptStake(ctx)
	assert.ErrorIs(t, err, ErrNoOffer, "nothing from the host to accept")

	_, err = d.host.AcceptStake(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 30, d.host.Wager().Stake)
}

// A client that has not yet seen a revised offer must not be able to agree
// to it blind.
func TestAcceptOnlyBindsObservedOffer(t *testing.T) {
	rig := newTestRig(t, quietConfig())
	rig.wallet(t, alice, 1000)
	rig.wallet(t, bob, 1000)
	ctx := context.Background()

	host, err := rig.engine.QuickMatch(ctx, alice, MatchOptions{GameKind: tictactoe.Kind, Stake: 100})
	require.NoError(t, err)
	watchSession(host)
	startSession(t, host)

	// The guest stays off the feed, so its snapshot freezes at claim time.
	guest, err := rig.engine.Join(ctx, bob, host.RoomID(), 0)
	require.NoError(t, err)

	_, err = host.ProposeStake(ctx, 200)
	require.NoError(t, err)

	res, err := guest.AcceptStake(ctx)
	require.NoError(t, err)
	assert.True(t, res.Conflict, "acceptance of a superseded offer must not land")
	assert.Equal(t, models.WagerPending, res.Room.Wager.State)
	assert.EqualValues(t, 1000, rig.balance(t, alice))
	assert.EqualValues(t, 1000, rig.balance(t, bob))

	// The conflict resynchronized the guest; accepting now binds 200.
	res, err = guest.AcceptStake(ctx)
	require.NoError(t, err)
	require.False(t, res.Conflict)
	assert.EqualValues(t, 200, guest.Wager().Stake)
	assert.EqualValues(t, 800, rig.balance(t, alice))
	assert.EqualValues(t, 800, rig.balance(t, bob))
}

func TestSkipStakeUnblocksPlay(t *testing.T) {
	rig := newTestRig(t, quietConfig())
	d := rig.pairUp(t, 100, 40)
	ctx := context.Background()

	res, err := d.guest.SkipStake(ctx)
	require.NoError(t, err)
	require.False(t, res.Conflict)

	w := d.host.Wager()
	assert.Equal(t, models.WagerNoBet, w.State)
	assert.Zero(t, w.Stake)
	assert.Nil(t, w.Deadline)
	assert.Equal(t, PhasePlaying, d.host.Phase())
	assert.Zero(t, d.host.PotTotal())

	_, err = d.host.SubmitMove(ctx, cellMove(t, 0))
	require.NoError(t, err)
}

func TestNegotiationDeadlineVoidsBet(t *testing.T) {
	cfg := quietConfig()
	cfg.NegotiationWindow = 40 * time.Millisecond
	rig := newTestRig(t, cfg)
	d := rig.pairUp(t, 50, 0)

	require.Equal(t, PhaseNegotiating, d.host.Phase())

	// Both clients race the void write; exactly one lands and both converge.
	require.Eventually(t, func() bool {
		return d.host.Wager().State == models.WagerNoBet && d.guest.Wager().State == models.WagerNoBet
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, PhasePlaying, d.host.Phase())
	_, err := d.host.SubmitMove(context.Background(), cellMove(t, 0))
	require.NoError(t, err)
}

func TestNegotiationClosedOutsidePendingWager(t *testing.T) {
	rig := newTestRig(t, quietConfig())
	d := rig.pairUp(t, 0, 0)
	ctx := context.Background()

	_, err := d.host.ProposeStake(ctx, 50)
	assert.ErrorIs(t, err, ErrNoNegotiation, "an unstaked match never grows a bet")
	_, err = d.host.AcceptStake(ctx)
	assert.ErrorIs(t, err, ErrNoNegotiation)
	_, err = d.host.SkipStake(ctx)
	assert.ErrorIs(t, err, ErrNoNegotiation)

	_, err = d.host.ProposeStake(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidStake)
	_, err = d.host.ProposeStake(ctx, -10)
	assert.ErrorIs(t, err, ErrInvalidStake)
}

func TestForfeitDuringNegotiationEndsGameUnstaked(t *testing.T) {
	rig := newTestRig(t, quietConfig())
	d := rig.pairUp(t, 100, 40)
	ctx := context.Background()

	require.NoError(t, d.host.Leave(ctx))

	room, err := rig.store.Read(ctx, d.guest.RoomID())
	require.NoError(t, err)
	assert.Equal(t, models.RoomFinished, room.Status)
	require.NotNil(t, room.WinnerID)
	assert.Equal(t, bob, *room.WinnerID)

	o := d.guestEv.lastOutcome(t)
	assert.Equal(t, bob, o.WinnerID)
	assert.Zero(t, o.Stake, "a bet that never agreed pays nothing")

	_, err = d.guest.ProposeStake(ctx, 40)
	assert.ErrorIs(t, err, ErrNoNegotiation)
}
