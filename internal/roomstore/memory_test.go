// internal/roomstore/memory_test.go
package roomstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tommar21/matchroom/internal/models"
)

func waitingRoom(host string) *models.Room {
	return &models.Room{
		GameKind: "tictactoe",
		Status:   models.RoomWaiting,
		HostID:   host,
		Wager:    models.Wager{State: models.WagerNone},
	}
}

func mustCreate(t *testing.T, s *Memory, room *models.Room) *models.Room {
	t.Helper()
	created, err := s.Create(context.Background(), room)
	require.NoError(t, err)
	return created
}

// updateLog collects change-feed deliveries under a lock.
type updateLog struct {
	mu      sync.Mutex
	updates []Update
	conns   []Connectivity
}

func (l *updateLog) onChange(up Update) {
	l.mu.Lock()
	l.updates = append(l.updates, up)
	l.mu.Unlock()
}

func (l *updateLog) onConnectivity(c Connectivity) {
	l.mu.Lock()
	l.conns = append(l.conns, c)
	l.mu.Unlock()
}

func (l *updateLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.updates)
}

func (l *updateLog) last(t *testing.T) Update {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotEmpty(t, l.updates)
	return l.updates[len(l.updates)-1]
}

func (l *updateLog) connectivity() []Connectivity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Connectivity(nil), l.conns...)
}

func TestCreateAssignsIdentity(t *testing.T) {
	s := NewMemory()
	created := mustCreate(t, s, waitingRoom("alice"))

	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.EqualValues(t, 1, created.Revision)
	assert.False(t, created.CreatedAt.IsZero())
	assert.False(t, created.UpdatedAt.IsZero())

	// Returned snapshots are clones; mutating one never leaks into the store.
	created.Board = "scribble"
	stored, err := s.Read(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Board)
}

func TestReadUnknownRoom(t *testing.T) {
	s := NewMemory()
	_, err := s.Read(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConditionalUpdateGatesOnPredicate(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	created := mustCreate(t, s, waitingRoom("alice"))

	playing := models.RoomPlaying
	guest := "bob"
	waiting := models.RoomWaiting
	patch := Patch{Status: &playing, GuestID: &guest, Turn: &created.HostID}
	pred := Predicate{Status: &waiting, GuestEmpty: true}

	updated, err := s.ConditionalUpdate(ctx, created.ID, patch, pred)
	require.NoError(t, err)
	assert.EqualValues(t, 2, updated.Revision)
	assert.Equal(t, models.RoomPlaying, updated.Status)
	require.NotNil(t, updated.GuestID)
	assert.Equal(t, "bob", *updated.GuestID)
	assert.True(t, updated.IsTurn("alice"))

	// The same claim replayed finds the slot taken and writes nothing.
	_, err = s.ConditionalUpdate(ctx, created.ID, patch, pred)
	assert.ErrorIs(t, err, ErrConflict)
	stored, err := s.Read(ctx, created.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stored.Revision)
}

func TestConditionalUpdateUnknownRoom(t *testing.T) {
	s := NewMemory()
	playing := models.RoomPlaying
	_, err := s.ConditionalUpdate(context.Background(), uuid.New(), Patch{Status: &playing}, Predicate{})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPredicateFields(t *testing.T) {
	turn := "alice"
	guest := "bob"
	hostOffer := int64(50)
	rematcher := "bob"
	room := &models.Room{
		GameKind: "tictactoe",
		Status:   models.RoomPlaying,
		HostID:   "alice",
		GuestID:  &guest,
		Turn:     &turn,
		Board:    "b1",
		Wager:    models.Wager{State: models.WagerPending, HostOffer: &hostOffer},
	}

	playing := models.RoomPlaying
	finished := models.RoomFinished
	alice := "alice"
	bob := "bob"
	b1 := "b1"
	b2 := "b2"
	pending := models.WagerPending
	agreed := models.WagerAgreed
	fifty := int64(50)
	sixty := int64(60)

	cases := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"empty predicate always holds", Predicate{}, true},
		{"status match", Predicate{Status: &playing}, true},
		{"status mismatch", Predicate{Status: &finished}, false},
		{"turn match", Predicate{TurnIs: &alice}, true},
		{"turn mismatch", Predicate{TurnIs: &bob}, false},
		{"guest empty fails on claimed room", Predicate{GuestEmpty: true}, false},
		{"board match", Predicate{BoardIs: &b1}, true},
		{"board mismatch", Predicate{BoardIs: &b2}, false},
		{"wager state match", Predicate{WagerState: &pending}, true},
		{"wager state mismatch", Predicate{WagerState: &agreed}, false},
		{"host offer match", Predicate{HostOfferIs: &fifty}, true},
		{"host offer mismatch", Predicate{HostOfferIs: &sixty}, false},
		{"host offer set fails absence pin", Predicate{HostOfferEmpty: true}, false},
		{"guest offer absent", Predicate{GuestOfferIs: &fifty}, false},
		{"guest offer absence holds", Predicate{GuestOfferEmpty: true}, true},
		{"rematch absent", Predicate{RematchByIs: &bob}, false},
		{"rematch none holds on clean room", Predicate{RematchNone: true}, true},
		{"host match", Predicate{HostIs: &alice}, true},
		{"host mismatch", Predicate{HostIs: &bob}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.pred.holds(room))
		})
	}

	// RematchNone asserts both link fields, so a half-written rematch still
	// blocks new requests.
	withRequest := room.Clone()
	withRequest.RematchBy = &rematcher
	assert.False(t, Predicate{RematchNone: true}.holds(withRequest))

	spawned := uuid.New()
	withSpawn := room.Clone()
	withSpawn.RematchRoomID = &spawned
	assert.False(t, Predicate{RematchNone: true}.holds(withSpawn))

	withTurnCleared := room.Clone()
	withTurnCleared.Turn = nil
	assert.False(t, Predicate{TurnIs: &alice}.holds(withTurnCleared))
}

func TestWagerPatchReplacesWholeRecord(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	offer := int64(50)
	room := waitingRoom("alice")
	room.Wager = models.Wager{State: models.WagerPending, HostOffer: &offer}
	created := mustCreate(t, s, room)

	agreed := models.Wager{State: models.WagerAgreed, Stake: 50}
	updated, err := s.ConditionalUpdate(ctx, created.ID, Patch{Wager: &agreed}, Predicate{})
	require.NoError(t, err)

	assert.Equal(t, models.WagerAgreed, updated.Wager.State)
	assert.EqualValues(t, 50, updated.Wager.Stake)
	assert.Nil(t, updated.Wager.HostOffer, "old offers do not survive a wager replacement")
}

func TestDeletePublishesTombstone(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	created := mustCreate(t, s, waitingRoom("alice"))

	log := &updateLog{}
	stop, err := s.Subscribe(ctx, created.ID, log.onChange, nil, log.onConnectivity)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, s.Delete(ctx, created.ID, Predicate{}))
	up := log.last(t)
	assert.True(t, up.Deleted)
	assert.Nil(t, up.Room)

	_, err = s.Read(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, created.ID, Predicate{}), ErrConflict)
}

func TestDeleteRespectsPredicate(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	created := mustCreate(t, s, waitingRoom("alice"))

	playing := models.RoomPlaying
	err := s.Delete(ctx, created.ID, Predicate{Status: &playing})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.Read(ctx, created.ID)
	assert.NoError(t, err, "failed delete leaves the room in place")
}

func TestListOpenFiltersAndOrders(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	older := mustCreate(t, s, waitingRoom("alice"))
	newer := mustCreate(t, s, waitingRoom("bob"))

	private := waitingRoom("carol")
	private.Private = true
	mustCreate(t, s, private)

	claimed := waitingRoom("dave")
	guest := "eve"
	claimed.GuestID = &guest
	mustCreate(t, s, claimed)

	playing := waitingRoom("frank")
	playing.Status = models.RoomPlaying
	mustCreate(t, s, playing)

	otherKind := waitingRoom("grace")
	otherKind.GameKind = "checkers"
	mustCreate(t, s, otherKind)

	open, err := s.ListOpen(ctx, "tictactoe", "", 0)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, newer.ID, open[0].ID, "newest room lists first")
	assert.Equal(t, older.ID, open[1].ID)

	// A seeker never gets their own room back.
	open, err = s.ListOpen(ctx, "tictactoe", "alice", 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, newer.ID, open[0].ID)

	open, err = s.ListOpen(ctx, "tictactoe", "", 1)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, newer.ID, open[0].ID)
}

func TestSubscribeDeliversWrites(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	created := mustCreate(t, s, waitingRoom("alice"))

	log := &updateLog{}
	stop, err := s.Subscribe(ctx, created.ID, log.onChange, nil, log.onConnectivity)
	require.NoError(t, err)
	defer stop()

	assert.Equal(t, []Connectivity{Connected}, log.connectivity())
	assert.Zero(t, log.count(), "subscribing delivers no backlog")

	playing := models.RoomPlaying
	_, err = s.ConditionalUpdate(ctx, created.ID, Patch{Status: &playing}, Predicate{})
	require.NoError(t, err)

	require.Equal(t, 1, log.count())
	up := log.last(t)
	require.NotNil(t, up.Room)
	assert.EqualValues(t, 2, up.Room.Revision)

	// Deliveries are clones; a consumer scribbling on one affects nobody else.
	up.Room.Board = "scribble"
	stored, err := s.Read(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Board)
}

func TestSubscribeFanout(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	created := mustCreate(t, s, waitingRoom("alice"))

	first := &updateLog{}
	second := &updateLog{}
	stop1, err := s.Subscribe(ctx, created.ID, first.onChange, nil, nil)
	require.NoError(t, err)
	defer stop1()
	stop2, err := s.Subscribe(ctx, created.ID, second.onChange, nil, nil)
	require.NoError(t, err)
	defer stop2()

	playing := models.RoomPlaying
	_, err = s.ConditionalUpdate(ctx, created.ID, Patch{Status: &playing}, Predicate{})
	require.NoError(t, err)

	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())
	assert.NotSame(t, first.last(t).Room, second.last(t).Room)
}

func TestSubscribeStopEndsDeliveries(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	created := mustCreate(t, s, waitingRoom("alice"))

	log := &updateLog{}
	stop, err := s.Subscribe(ctx, created.ID, log.onChange, nil, log.onConnectivity)
	require.NoError(t, err)

	stop()
	stop()
	assert.Equal(t, []Connectivity{Connected, Disconnected}, log.connectivity())

	playing := models.RoomPlaying
	_, err = s.ConditionalUpdate(ctx, created.ID, Patch{Status: &playing}, Predicate{})
	require.NoError(t, err)
	assert.Zero(t, log.count())
}

func TestSubscribeStopsWhenContextEnds(t *testing.T) {
	s := NewMemory()
	created := mustCreate(t, s, waitingRoom("alice"))

	ctx, cancel := context.WithCancel(context.Background())
	log := &updateLog{}
	_, err := s.Subscribe(ctx, created.ID, log.onChange, nil, log.onConnectivity)
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		for _, c := range log.connectivity() {
			if c == Disconnected {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	playing := models.RoomPlaying
	_, err = s.ConditionalUpdate(context.Background(), created.ID, Patch{Status: &playing}, Predicate{})
	require.NoError(t, err)
	assert.Zero(t, log.count())
}
