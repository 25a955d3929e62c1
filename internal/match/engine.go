// internal/match/engine.go
package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tommar21/matchroom/internal/ledger"
	"github.com/tommar21/matchroom/internal/metrics"
	"github.com/tommar21/matchroom/internal/models"
	"github.com/tommar21/matchroom/internal/roomstore"
	"github.com/tommar21/matchroom/internal/rules"
)

const (
	defaultNegotiationWindow = 30 * time.Second
	defaultPollActive        = 2 * time.Second
	defaultPollIdle          = 20 * time.Second
	defaultMatchScanLimit    = 10

	// joinClaimAttempts bounds how often Join re-reads and re-claims a room
	// whose wager keeps moving while it stays open.
	joinClaimAttempts = 3
)

// Config tunes engine timing and matchmaking. Zero values take the defaults.
type Config struct {
	// NegotiationWindow is how long a claimed room's stake negotiation may
	// stay pending before the clients void it.
	NegotiationWindow time.Duration
	// PollActive is the re-read cadence while the change feed is degraded.
	PollActive time.Duration
	// PollIdle is the re-read cadence while the change feed is healthy.
	PollIdle time.Duration
	// MatchScanLimit caps how many open rooms a quick match considers.
	MatchScanLimit int
	// RakeBps is the house cut of the pot in basis points, taken out of the
	// winner's payout.
	RakeBps int64
}

func (c Config) withDefaults() Config {
	if c.NegotiationWindow <= 0 {
		c.NegotiationWindow = defaultNegotiationWindow
	}
	if c.PollActive <= 0 {
		c.PollActive = defaultPollActive
	}
	if c.PollIdle <= 0 {
		c.PollIdle = defaultPollIdle
	}
	if c.MatchScanLimit <= 0 {
		c.MatchScanLimit = defaultMatchScanLimit
	}
	return c
}

// Recorder receives finished-match reports for archival. Implementations
// must tolerate duplicate reports for one room, since each client of a game
// reports it independently.
type Recorder interface {
	RecordMatch(ctx context.Context, rec models.MatchRecord) error
}

// MatchOptions carries matchmaking parameters. A positive Stake opens the
// stake negotiation with that proposal.
type MatchOptions struct {
	GameKind string
	Stake    int64
}

// Engine hands out sessions. All game state lives in the store; the engine
// holds only the shared collaborators and the rules registry.
type Engine struct {
	store    roomstore.Store
	log      *logrus.Logger
	cfg      Config
	bridge   *Bridge
	recorder Recorder

	mu    sync.Mutex
	rules map[string]rules.Engine
}

func NewEngine(store roomstore.Store, led ledger.Ledger, log *logrus.Logger, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		store:  store,
		log:    log,
		cfg:    cfg,
		bridge: NewBridge(led, log, cfg.RakeBps),
		rules:  make(map[string]rules.Engine),
	}
}

// RegisterRules makes a game kind playable.
func (e *Engine) RegisterRules(kind string, re rules.Engine) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[kind] = re
}

// SetRecorder wires the finished-match archive queue. Optional; call before
// handing out sessions.
func (e *Engine) SetRecorder(r Recorder) {
	e.recorder = r
}

func (e *Engine) rulesFor(kind string) (rules.Engine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	re, ok := e.rules[kind]
	if !ok {
		return nil, ErrUnknownKind
	}
	return re, nil
}

// QuickMatch claims the most recently opened compatible room, or creates a
// fresh one when none exists or the single claim attempt loses its race.
// The caller's own rooms are never candidates. The returned session is not
// started: set callbacks, then Start.
func (e *Engine) QuickMatch(ctx context.Context, userID string, opts MatchOptions) (*Session, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	if opts.Stake < 0 {
		return nil, ErrInvalidStake
	}
	re, err := e.rulesFor(opts.GameKind)
	if err != nil {
		return nil, err
	}

	cands, err := e.store.ListOpen(ctx, opts.GameKind, userID, e.cfg.MatchScanLimit)
	if err != nil {
		return nil, fmt.Errorf("list open rooms: %w", err)
	}
	if len(cands) > 0 {
		sess, err := e.claim(ctx, userID, cands[0], re, opts.Stake)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, roomstore.ErrConflict) {
			return nil, err
		}
		e.log.WithFields(logrus.Fields{
			"room_id": cands[0].ID,
			"user_id": userID,
		}).Debug("Claim lost, creating a fresh room")
	}

	room, err := e.createRoom(ctx, userID, opts, false)
	if err != nil {
		return nil, err
	}
	metrics.RoomsCreated.WithLabelValues("quick").Inc()
	return newSession(e, userID, room, re), nil
}

// CreatePrivate opens an invite-only room. It never shows up in quick-match
// listings; the share link carries the room id for Join.
func (e *Engine) CreatePrivate(ctx context.Context, userID string, opts MatchOptions) (*Session, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	if opts.Stake < 0 {
		return nil, ErrInvalidStake
	}
	re, err := e.rulesFor(opts.GameKind)
	if err != nil {
		return nil, err
	}
	room, err := e.createRoom(ctx, userID, opts, true)
	if err != nil {
		return nil, err
	}
	metrics.RoomsCreated.WithLabelValues("private").Inc()
	return newSession(e, userID, room, re), nil
}

// Join attaches to a specific room. An existing participant gets a session
// on the room as it stands, with nothing written; anyone else claims the
// empty guest slot under the usual predicate. A claim that loses only
// because the negotiation moved underneath it, with the room still waiting
// and unclaimed, is retried against the fresh snapshot; a room that really
// filled up reports ErrRoomFull.
func (e *Engine) Join(ctx context.Context, userID string, roomID uuid.UUID, stake int64) (*Session, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	if stake < 0 {
		return nil, ErrInvalidStake
	}
	for attempt := 0; attempt < joinClaimAttempts; attempt++ {
		room, err := e.store.Read(ctx, roomID)
		if err != nil {
			if errors.Is(err, roomstore.ErrNotFound) {
				return nil, ErrRoomClosed
			}
			return nil, fmt.Errorf("read room: %w", err)
		}
		re, err := e.rulesFor(room.GameKind)
		if err != nil {
			return nil, err
		}
		if room.HasPlayer(userID) {
			return newSession(e, userID, room, re), nil
		}
		if room.Status != models.RoomWaiting || room.GuestID != nil {
			return nil, ErrRoomFull
		}

		sess, err := e.claim(ctx, userID, room, re, stake)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, roomstore.ErrConflict) {
			return nil, err
		}
		e.log.WithFields(logrus.Fields{
			"room_id": roomID,
			"user_id": userID,
		}).Debug("Claim lost, re-reading the room")
	}
	return nil, ErrRoomBusy
}

// claim fills the candidate's guest slot and flips it into play. The written
// wager is derived from the candidate snapshot, so an observed pending
// negotiation pins both its state and the host's offer in the predicate: a
// host who skipped or re-proposed since the snapshot forces a conflict rather
// than having the dead offer resurrected against them. The session adopts the
// pre-claim snapshot and applies the claim result through the reconciler, so
// a stake that resolves straight to agreed settles the same way it would for
// the observing side.
func (e *Engine) claim(ctx context.Context, userID string, cand *models.Room, re rules.Engine, stake int64) (*Session, error) {
	board, err := re.NewBoard(cand.HostID, userID)
	if err != nil {
		return nil, fmt.Errorf("init board: %w", err)
	}

	observed := cand.Clone().Wager
	wager := observed
	if stake > 0 {
		mine := stake
		switch {
		case observed.State == models.WagerPending && observed.HostOffer != nil && *observed.HostOffer == stake:
			wager.GuestOffer = &mine
			wager.State = models.WagerAgreed
			wager.Stake = stake
			wager.Deadline = nil
		case observed.State == models.WagerNoBet:
			// The host withdrew their offer before anyone joined. The
			// joiner's stake opens a fresh round instead of reviving it.
			wager = models.Wager{State: models.WagerPending, GuestOffer: &mine}
		default:
			wager.GuestOffer = &mine
			wager.State = models.WagerPending
		}
	}
	if wager.State == models.WagerPending {
		deadline := time.Now().Add(e.cfg.NegotiationWindow)
		wager.Deadline = &deadline
	}

	playing := models.RoomPlaying
	turn := cand.HostID
	patch := roomstore.Patch{
		Status:  &playing,
		GuestID: &userID,
		Turn:    &turn,
		Board:   &board,
		Wager:   &wager,
	}
	waiting := models.RoomWaiting
	pred := roomstore.Predicate{Status: &waiting, GuestEmpty: true}
	if observed.State == models.WagerPending {
		pending := models.WagerPending
		pred.WagerState = &pending
		pred.HostOfferIs = observed.HostOffer
	}

	claimed, err := e.store.ConditionalUpdate(ctx, cand.ID, patch, pred)
	if err != nil {
		if errors.Is(err, roomstore.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("claim room: %w", err)
	}

	sess := newSession(e, userID, cand, re)
	sess.apply(claimed, sourceWrite)
	return sess, nil
}

func (e *Engine) createRoom(ctx context.Context, userID string, opts MatchOptions, private bool) (*models.Room, error) {
	turn := userID
	room := &models.Room{
		ID:       uuid.New(),
		GameKind: opts.GameKind,
		Status:   models.RoomWaiting,
		HostID:   userID,
		Private:  private,
		Turn:     &turn,
		Wager:    models.Wager{State: models.WagerNone},
	}
	if opts.Stake > 0 {
		mine := opts.Stake
		room.Wager = models.Wager{State: models.WagerPending, HostOffer: &mine}
	}
	created, err := e.store.Create(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	return created, nil
}
