// internal/match/session.go
package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tommar21/matchroom/internal/metrics"
	"github.com/tommar21/matchroom/internal/models"
	"github.com/tommar21/matchroom/internal/roomstore"
	"github.com/tommar21/matchroom/internal/rules"
)

// writeTimeout bounds store writes issued from internal goroutines, where no
// caller context exists.
const writeTimeout = 10 * time.Second

// Session is one client's live attachment to a room. It keeps a local room
// snapshot current through the change feed and the poll loop, funnels every
// inbound copy through the revision gate, and exposes the mutating actions
// as conditional writes against the store.
//
// Set the callback fields before Start; they are not synchronized afterwards.
// Callbacks fire after internal state has settled and without the session
// lock held, so an implementation may call back into the session.
type Session struct {
	userID string
	roomID uuid.UUID

	store    roomstore.Store
	rules    rules.Engine
	bridge   *Bridge
	recorder Recorder
	cfg      Config
	log      *logrus.Entry

	// OnRoomUpdate fires on every applied snapshot with a private copy.
	OnRoomUpdate func(room *models.Room)
	// OnWagerUpdate fires when any negotiation field changes.
	OnWagerUpdate func(w models.Wager)
	// OnGameFinished fires once, on the observed transition into finished.
	OnGameFinished func(o Outcome)
	// OnRematchRequested fires when the opponent asks for a rematch.
	OnRematchRequested func(by string)
	// OnRematchSpawned fires for every observer once a rematch room exists,
	// the accepting side included.
	OnRematchSpawned func(roomID uuid.UUID)
	// OnRematchDeclined fires when an open rematch request is withdrawn or
	// turned down.
	OnRematchDeclined func()
	// OnConnectivity reports change-feed health; the poll loop keeps the
	// snapshot converging regardless.
	OnConnectivity func(c roomstore.Connectivity)
	// OnRoomClosed fires once if the room record disappears.
	OnRoomClosed func()
	// OnError receives non-fatal background failures, settlement errors
	// mostly. When nil they are logged instead.
	OnError func(err error)

	mu          sync.Mutex
	room        *models.Room
	conn        roomstore.Connectivity
	started     bool
	closed      bool
	roomGone    bool
	unsub       func()
	cancel      context.CancelFunc
	negTimer    *time.Timer
	negDeadline time.Time
	pollKick    chan struct{}
}

func newSession(e *Engine, userID string, room *models.Room, re rules.Engine) *Session {
	return &Session{
		userID:   userID,
		roomID:   room.ID,
		store:    e.store,
		rules:    re,
		bridge:   e.bridge,
		recorder: e.recorder,
		cfg:      e.cfg,
		log: e.log.WithFields(logrus.Fields{
			"room_id": room.ID,
			"user_id": userID,
		}),
		room:     room.Clone(),
		conn:     roomstore.Connecting,
		pollKick: make(chan struct{}, 1),
	}
}

// Start launches the change-feed subscription and the poll loop. A failed
// subscription is not fatal: the session degrades to poll-only, reports
// disconnected, and still converges through the poller.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.armNegotiationTimer()
	s.mu.Unlock()

	unsub, err := s.store.Subscribe(runCtx, s.roomID, s.onFeedUpdate, s.onFeedError, s.onFeedConnectivity)
	if err != nil {
		s.log.WithError(err).Warn("Change feed unavailable, poll-only session")
		s.setConnectivity(roomstore.Disconnected)
	} else {
		s.mu.Lock()
		s.unsub = unsub
		s.mu.Unlock()
	}

	go s.pollLoop(runCtx)
	metrics.ActiveSessions.Inc()
	return nil
}

// Close detaches the session from the room without touching the record.
// Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	s.stopNegotiationTimer()
	cancel := s.cancel
	unsub := s.unsub
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
	if started {
		metrics.ActiveSessions.Dec()
	}
}

// Leave exits the room and closes the session. A creator leaving an unclaimed
// room deletes the record; leaving mid-game forfeits to the opponent; leaving
// a finished room just detaches.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	room := s.room
	gone := s.roomGone
	s.mu.Unlock()

	if gone {
		s.Close()
		return nil
	}

	var err error
	switch room.Status {
	case models.RoomWaiting:
		if room.HostID == s.userID {
			err = s.leaveWaiting(ctx)
		}
	case models.RoomPlaying:
		err = s.forfeit(ctx, room.Opponent(s.userID))
	}
	s.Close()
	return err
}

// leaveWaiting deletes the creator's unclaimed room. When the delete loses to
// a concurrent claim the room is suddenly live, so the leave becomes a
// forfeit.
func (s *Session) leaveWaiting(ctx context.Context) error {
	waiting := models.RoomWaiting
	pred := roomstore.Predicate{Status: &waiting, HostIs: &s.userID}
	err := s.store.Delete(ctx, s.roomID, pred)
	if err == nil || errors.Is(err, roomstore.ErrNotFound) {
		return nil
	}
	if !errors.Is(err, roomstore.ErrConflict) {
		return fmt.Errorf("delete room: %w", err)
	}
	fresh, rerr := s.store.Read(ctx, s.roomID)
	if rerr != nil {
		if errors.Is(rerr, roomstore.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("read after delete conflict: %w", rerr)
	}
	s.apply(fresh, sourceWrite)
	if fresh.Status == models.RoomPlaying && fresh.HasPlayer(s.userID) {
		return s.forfeit(ctx, fresh.Opponent(s.userID))
	}
	return nil
}

// forfeit finishes the game in the opponent's favor. A conflict means the
// game ended some other way first, which is fine.
func (s *Session) forfeit(ctx context.Context, winner string) error {
	if winner == "" {
		return nil
	}
	playing := models.RoomPlaying
	finished := models.RoomFinished
	patch := roomstore.Patch{Status: &finished, WinnerID: &winner}
	pred := roomstore.Predicate{Status: &playing}
	room, err := s.store.ConditionalUpdate(ctx, s.roomID, patch, pred)
	if err != nil {
		if errors.Is(err, roomstore.ErrConflict) {
			if fresh, rerr := s.store.Read(ctx, s.roomID); rerr == nil {
				s.apply(fresh, sourceWrite)
			} else if errors.Is(rerr, roomstore.ErrNotFound) {
				s.handleDeleted()
			}
			return nil
		}
		return fmt.Errorf("forfeit: %w", err)
	}
	s.apply(room, sourceWrite)
	return nil
}

// UserID returns the identity this session acts as.
func (s *Session) UserID() string { return s.userID }

// RoomID returns the attached room's id.
func (s *Session) RoomID() uuid.UUID { return s.roomID }

// Room returns a private copy of the current snapshot.
func (s *Session) Room() *models.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room.Clone()
}

// Phase derives the lifecycle stage. A playing room with a pending wager
// reads as negotiating even though the stored status is already playing.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.roomGone {
		return PhaseClosed
	}
	switch s.room.Status {
	case models.RoomWaiting:
		return PhaseWaiting
	case models.RoomPlaying:
		if s.room.Wager.State == models.WagerPending {
			return PhaseNegotiating
		}
		return PhasePlaying
	default:
		return PhaseFinished
	}
}

// IsMyTurn reports whether the local snapshot puts this user on move.
func (s *Session) IsMyTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room.Status == models.RoomPlaying && s.room.Wager.Resolved() && s.room.IsTurn(s.userID)
}

// OpponentID returns the other player's id, or "" while waiting.
func (s *Session) OpponentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room.Opponent(s.userID)
}

// Wager returns a copy of the current negotiation state.
func (s *Session) Wager() models.Wager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room.Clone().Wager
}

// PotTotal is the gross pot: both stakes once agreed, zero before that.
func (s *Session) PotTotal() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room.Wager.State != models.WagerAgreed {
		return 0
	}
	return s.room.Wager.Stake * winnerPayoutMultiplier
}

// Connectivity reports the change feed's last known state.
func (s *Session) Connectivity() roomstore.Connectivity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) onFeedUpdate(up roomstore.Update) {
	if up.Deleted {
		s.handleDeleted()
		return
	}
	s.apply(up.Room, sourcePush)
}

func (s *Session) onFeedError(err error) {
	s.log.WithError(err).Debug("Change feed error")
}

func (s *Session) onFeedConnectivity(c roomstore.Connectivity) {
	s.setConnectivity(c)
}

func (s *Session) setConnectivity(c roomstore.Connectivity) {
	s.mu.Lock()
	if s.closed || s.conn == c {
		s.mu.Unlock()
		return
	}
	s.conn = c
	cb := s.OnConnectivity
	s.mu.Unlock()

	// Wake the poll loop so the cadence matches the new feed state.
	select {
	case s.pollKick <- struct{}{}:
	default:
	}
	if cb != nil {
		cb(c)
	}
}

// pollLoop re-reads the room on a timer: slow while the feed is healthy,
// fast while it is degraded. Every snapshot goes through the same revision
// gate as pushed ones, so overlap is harmless.
func (s *Session) pollLoop(ctx context.Context) {
	t := time.NewTimer(s.pollInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.pollKick:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(s.pollInterval())
		case <-t.C:
			s.pollOnce(ctx)
			t.Reset(s.pollInterval())
		}
	}
}

func (s *Session) pollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == roomstore.Connected {
		return s.cfg.PollIdle
	}
	return s.cfg.PollActive
}

func (s *Session) pollOnce(ctx context.Context) {
	room, err := s.store.Read(ctx, s.roomID)
	if err != nil {
		if errors.Is(err, roomstore.ErrNotFound) {
			s.handleDeleted()
			return
		}
		s.log.WithError(err).Debug("Poll read failed")
		return
	}
	s.apply(room, sourcePoll)
}

// handleDeleted marks the room gone exactly once and tells the owner.
func (s *Session) handleDeleted() {
	s.mu.Lock()
	if s.closed || s.roomGone {
		s.mu.Unlock()
		return
	}
	s.roomGone = true
	s.stopNegotiationTimer()
	cb := s.OnRoomClosed
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
}

func (s *Session) reportError(err error) {
	s.mu.Lock()
	cb := s.OnError
	s.mu.Unlock()
	if cb != nil {
		cb(err)
		return
	}
	s.log.WithError(err).Warn("Session error")
}
