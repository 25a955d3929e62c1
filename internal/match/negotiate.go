// internal/match/negotiate.go
package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tommar21/matchroom/internal/models"
	"github.com/tommar21/matchroom/internal/roomstore"
)

// pendingWager snapshots the open negotiation, or reports why there is none.
func (s *Session) pendingWager() (models.Wager, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.Wager{}, false, ErrSessionClosed
	}
	if s.roomGone {
		return models.Wager{}, false, ErrRoomClosed
	}
	room := s.room
	if !room.HasPlayer(s.userID) {
		return models.Wager{}, false, ErrNotParticipant
	}
	if room.Status == models.RoomFinished || room.Wager.State != models.WagerPending {
		return models.Wager{}, false, ErrNoNegotiation
	}
	return room.Clone().Wager, room.HostID == s.userID, nil
}

// ProposeStake opens or counters a stake offer while negotiation is pending.
// Matching the opponent's outstanding offer settles the wager as agreed at
// that amount.
func (s *Session) ProposeStake(ctx context.Context, amount int64) (*Result, error) {
	if amount <= 0 {
		return nil, ErrInvalidStake
	}
	w, iAmHost, err := s.pendingWager()
	if err != nil {
		return nil, err
	}

	var oppOffer *int64
	if iAmHost {
		oppOffer = w.GuestOffer
	} else {
		oppOffer = w.HostOffer
	}

	mine := amount
	if iAmHost {
		w.HostOffer = &mine
	} else {
		w.GuestOffer = &mine
	}
	pending := models.WagerPending
	pred := roomstore.Predicate{WagerState: &pending}
	// Pin the opponent's offer as observed, absence included, so the write
	// can neither erase an unseen counter nor agree to an amount that
	// changed underneath us.
	if oppOffer != nil {
		if iAmHost {
			pred.GuestOfferIs = oppOffer
		} else {
			pred.HostOfferIs = oppOffer
		}
	} else {
		if iAmHost {
			pred.GuestOfferEmpty = true
		} else {
			pred.HostOfferEmpty = true
		}
	}
	if oppOffer != nil && *oppOffer == amount {
		w.State = models.WagerAgreed
		w.Stake = amount
		w.Deadline = nil
	}
	return s.applyWagerWrite(ctx, w, pred)
}

// AcceptStake agrees to the opponent's outstanding offer as this client last
// observed it. The write lands only if that offer is still current.
func (s *Session) AcceptStake(ctx context.Context) (*Result, error) {
	w, iAmHost, err := s.pendingWager()
	if err != nil {
		return nil, err
	}

	var oppOffer *int64
	if iAmHost {
		oppOffer = w.GuestOffer
	} else {
		oppOffer = w.HostOffer
	}
	if oppOffer == nil {
		return nil, ErrNoOffer
	}

	mine := *oppOffer
	if iAmHost {
		w.HostOffer = &mine
	} else {
		w.GuestOffer = &mine
	}
	w.State = models.WagerAgreed
	w.Stake = mine
	w.Deadline = nil

	pending := models.WagerPending
	pred := roomstore.Predicate{WagerState: &pending}
	if iAmHost {
		pred.GuestOfferIs = oppOffer
	} else {
		pred.HostOfferIs = oppOffer
	}
	return s.applyWagerWrite(ctx, w, pred)
}

// SkipStake resolves the negotiation as no_bet; the game proceeds unstaked.
func (s *Session) SkipStake(ctx context.Context) (*Result, error) {
	w, _, err := s.pendingWager()
	if err != nil {
		return nil, err
	}
	w.State = models.WagerNoBet
	w.Stake = 0
	w.Deadline = nil
	pending := models.WagerPending
	pred := roomstore.Predicate{WagerState: &pending}
	return s.applyWagerWrite(ctx, w, pred)
}

func (s *Session) applyWagerWrite(ctx context.Context, w models.Wager, pred roomstore.Predicate) (*Result, error) {
	room, err := s.store.ConditionalUpdate(ctx, s.roomID, roomstore.Patch{Wager: &w}, pred)
	if err != nil {
		if errors.Is(err, roomstore.ErrConflict) {
			return s.resyncConflict(ctx)
		}
		return nil, fmt.Errorf("update wager: %w", err)
	}
	s.apply(room, sourceWrite)
	return &Result{Room: room}, nil
}

// syncNegotiationTimer arms or disarms the deadline timer to match the
// current snapshot. Assumes s.mu is held.
func (s *Session) syncNegotiationTimer() {
	w := s.room.Wager
	if s.started && !s.closed && s.room.Status == models.RoomPlaying &&
		w.State == models.WagerPending && w.Deadline != nil {
		s.armNegotiationTimer()
		return
	}
	s.stopNegotiationTimer()
}

// armNegotiationTimer schedules the advisory no-bet write for the snapshot's
// deadline. Assumes s.mu is held.
func (s *Session) armNegotiationTimer() {
	w := s.room.Wager
	if !s.started || s.closed || s.room.Status != models.RoomPlaying ||
		w.State != models.WagerPending || w.Deadline == nil {
		return
	}
	if s.negTimer != nil && s.negDeadline.Equal(*w.Deadline) {
		return
	}
	s.stopNegotiationTimer()
	deadline := *w.Deadline
	s.negDeadline = deadline
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	s.negTimer = time.AfterFunc(d, func() { s.negotiationDeadline(deadline) })
}

// stopNegotiationTimer cancels any armed deadline timer. Assumes s.mu is
// held.
func (s *Session) stopNegotiationTimer() {
	if s.negTimer != nil {
		s.negTimer.Stop()
		s.negTimer = nil
	}
}

// negotiationDeadline fires when the local negotiation window lapses. The
// captured deadline identifies stale timers left over from a re-arm. Both
// clients may attempt the same write; the predicate lets exactly one land.
func (s *Session) negotiationDeadline(deadline time.Time) {
	s.mu.Lock()
	if s.closed || s.roomGone || s.negTimer == nil || !s.negDeadline.Equal(deadline) {
		s.mu.Unlock()
		return
	}
	s.negTimer = nil
	if s.room.Wager.State != models.WagerPending {
		s.mu.Unlock()
		return
	}
	w := s.room.Clone().Wager
	s.mu.Unlock()

	w.State = models.WagerNoBet
	w.Stake = 0
	w.Deadline = nil
	playing := models.RoomPlaying
	pending := models.WagerPending
	pred := roomstore.Predicate{Status: &playing, WagerState: &pending}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
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
		s.log.WithError(err).Warn("Negotiation deadline write failed")
		return
	}
	s.log.Info("Stake negotiation timed out, continuing without a bet")
	s.apply(room, sourceWrite)
}
