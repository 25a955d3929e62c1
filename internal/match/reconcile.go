// internal/match/reconcile.go
package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tommar21/matchroom/internal/metrics"
	"github.com/tommar21/matchroom/internal/models"
	"github.com/tommar21/matchroom/internal/roomstore"
)

// source tags where an inbound snapshot came from, for metrics only. Pushed
// feed messages, poll reads and our own write results all go through the
// same gate.
type source string

const (
	sourcePush  source = "push"
	sourcePoll  source = "poll"
	sourceWrite source = "write"
)

// apply funnels one inbound snapshot through the revision gate. Copies at or
// below the local revision are dropped, so overlapping push and poll delivery
// and replays after a conflict stay idempotent. An accepted snapshot replaces
// the local one, and the side effects for every transition observed between
// the two fire exactly once, after the lock is released.
func (s *Session) apply(next *models.Room, src source) {
	if next == nil || next.ID != s.roomID {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.room
	if next.Revision <= prev.Revision {
		s.mu.Unlock()
		metrics.Reconciles.WithLabelValues(string(src), "stale").Inc()
		return
	}
	s.room = next.Clone()
	cur := s.room

	var fires []func()

	// Ledger effects queue ahead of the app callbacks so balances are
	// already settled when the app observes the new state.
	if prev.Wager.State != models.WagerAgreed && cur.Wager.State == models.WagerAgreed {
		metrics.Negotiations.WithLabelValues(string(models.WagerAgreed)).Inc()
		stake := cur.Wager.Stake
		fires = append(fires, func() { s.collectStake(stake) })
	}
	if prev.Wager.State == models.WagerAgreed && cur.Wager.State == models.WagerNoBet {
		fires = append(fires, func() { s.refundStake() })
	}
	if prev.Wager.State == models.WagerPending && cur.Wager.State == models.WagerNoBet {
		metrics.Negotiations.WithLabelValues(string(models.WagerNoBet)).Inc()
	}

	finished := prev.Status != models.RoomFinished && cur.Status == models.RoomFinished
	var outcome Outcome
	if finished {
		outcome = Outcome{Draw: cur.Draw}
		if cur.WinnerID != nil {
			outcome.WinnerID = *cur.WinnerID
		}
		if cur.Wager.State == models.WagerAgreed {
			outcome.Stake = cur.Wager.Stake
		}
		settled := cur.Clone()
		fires = append(fires, func() { s.settleOutcome(settled) })
		if s.recorder != nil && cur.GuestID != nil {
			rec := matchRecord(cur)
			fires = append(fires, func() { s.recordMatch(rec) })
		}
	}

	if cb := s.OnRoomUpdate; cb != nil {
		snap := cur.Clone()
		fires = append(fires, func() { cb(snap) })
	}
	if cb := s.OnWagerUpdate; cb != nil && !wagerEqual(prev.Wager, cur.Wager) {
		w := cur.Clone().Wager
		fires = append(fires, func() { cb(w) })
	}
	if finished {
		if cb := s.OnGameFinished; cb != nil {
			o := outcome
			fires = append(fires, func() { cb(o) })
		}
	}

	if cb := s.OnRematchRequested; cb != nil && cur.RematchBy != nil && *cur.RematchBy != s.userID &&
		(prev.RematchBy == nil || *prev.RematchBy != *cur.RematchBy) {
		by := *cur.RematchBy
		fires = append(fires, func() { cb(by) })
	}
	if cb := s.OnRematchSpawned; cb != nil && cur.RematchRoomID != nil && prev.RematchRoomID == nil {
		id := *cur.RematchRoomID
		fires = append(fires, func() { cb(id) })
	}
	if cb := s.OnRematchDeclined; cb != nil && prev.RematchBy != nil && cur.RematchBy == nil && cur.RematchRoomID == nil {
		fires = append(fires, func() { cb() })
	}

	s.syncNegotiationTimer()
	s.mu.Unlock()

	metrics.Reconciles.WithLabelValues(string(src), "applied").Inc()
	for _, f := range fires {
		f()
	}
}

// resyncConflict reads the authoritative snapshot after a lost write and
// reports it as a conflict result.
func (s *Session) resyncConflict(ctx context.Context) (*Result, error) {
	room, err := s.store.Read(ctx, s.roomID)
	if err != nil {
		if errors.Is(err, roomstore.ErrNotFound) {
			s.handleDeleted()
			return nil, ErrRoomClosed
		}
		return nil, fmt.Errorf("resync after conflict: %w", err)
	}
	s.apply(room, sourceWrite)
	return &Result{Room: room, Conflict: true}, nil
}

// collectStake debits this user's side of a freshly agreed stake. When the
// debit fails the wager is driven back to no_bet so the game stays playable
// unstaked.
func (s *Session) collectStake(stake int64) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.bridge.CollectStake(ctx, s.roomID, s.userID, stake); err != nil {
		s.reportError(err)
		s.abandonStake(ctx)
	}
}

// abandonStake flips an agreed wager to no_bet after a failed debit. The
// opponent observes the transition and refunds itself if it already paid.
func (s *Session) abandonStake(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.roomGone || s.room.Wager.State != models.WagerAgreed {
		s.mu.Unlock()
		return
	}
	w := s.room.Clone().Wager
	s.mu.Unlock()

	w.State = models.WagerNoBet
	w.Stake = 0
	w.Deadline = nil
	playing := models.RoomPlaying
	agreed := models.WagerAgreed
	pred := roomstore.Predicate{Status: &playing, WagerState: &agreed}
	room, err := s.store.ConditionalUpdate(ctx, s.roomID, roomstore.Patch{Wager: &w}, pred)
	if err != nil {
		if errors.Is(err, roomstore.ErrConflict) {
			if fresh, rerr := s.store.Read(ctx, s.roomID); rerr == nil {
				s.apply(fresh, sourceWrite)
			} else if errors.Is(rerr, roomstore.ErrNotFound) {
				s.handleDeleted()
			}
			return
		}
		s.log.WithError(err).Error("Failed to void stake after debit failure")
		return
	}
	s.log.Warn("Stake voided after failed debit, game continues without a bet")
	s.apply(room, sourceWrite)
}

func (s *Session) refundStake() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.bridge.RefundCharge(ctx, s.roomID, s.userID); err != nil {
		s.reportError(err)
	}
}

func (s *Session) settleOutcome(room *models.Room) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.bridge.SettleOutcome(ctx, room, s.userID); err != nil {
		s.reportError(err)
	}
}

// recordMatch hands the finished game to the archive queue. Both clients
// report; the historian deduplicates on room id.
func (s *Session) recordMatch(rec models.MatchRecord) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.recorder.RecordMatch(ctx, rec); err != nil {
			s.log.WithError(err).Warn("Match record enqueue failed")
		}
	}()
}

func matchRecord(r *models.Room) models.MatchRecord {
	rec := models.MatchRecord{
		RoomID:     r.ID,
		GameKind:   r.GameKind,
		HostID:     r.HostID,
		Draw:       r.Draw,
		FinishedAt: time.Now().UTC(),
	}
	if r.GuestID != nil {
		rec.GuestID = *r.GuestID
	}
	if r.WinnerID != nil {
		w := *r.WinnerID
		rec.WinnerID = &w
	}
	if r.Wager.State == models.WagerAgreed {
		rec.Stake = r.Wager.Stake
	}
	return rec
}

func wagerEqual(a, b models.Wager) bool {
	return a.State == b.State &&
		a.Stake == b.Stake &&
		eqInt64Ptr(a.HostOffer, b.HostOffer) &&
		eqInt64Ptr(a.GuestOffer, b.GuestOffer) &&
		eqTimePtr(a.Deadline, b.Deadline)
}

func eqInt64Ptr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
