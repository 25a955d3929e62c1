// internal/match/rematch.go
package match

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tommar21/matchroom/internal/metrics"
	"github.com/tommar21/matchroom/internal/models"
	"github.com/tommar21/matchroom/internal/roomstore"
)

// finishedRoom snapshots the room once it is finished, for the rematch ops.
func (s *Session) finishedRoom() (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.roomGone {
		return nil, ErrRoomClosed
	}
	if !s.room.HasPlayer(s.userID) {
		return nil, ErrNotParticipant
	}
	if s.room.Status != models.RoomFinished {
		return nil, ErrNotFinished
	}
	return s.room.Clone(), nil
}

// RequestRematch marks this user as wanting to replay. Idempotent for the
// requester; when the opponent already holds the open request the caller
// should accept instead.
func (s *Session) RequestRematch(ctx context.Context) (*Result, error) {
	room, err := s.finishedRoom()
	if err != nil {
		return nil, err
	}
	if room.RematchRoomID != nil {
		// A rematch room already exists; nothing left to request.
		return &Result{Room: room}, nil
	}
	if room.RematchBy != nil {
		if *room.RematchBy == s.userID {
			return &Result{Room: room}, nil
		}
		return nil, ErrRematchPending
	}

	me := s.userID
	finished := models.RoomFinished
	patch := roomstore.Patch{RematchBy: &me}
	pred := roomstore.Predicate{Status: &finished, RematchNone: true}
	room2, err := s.store.ConditionalUpdate(ctx, s.roomID, patch, pred)
	if err != nil {
		if errors.Is(err, roomstore.ErrConflict) {
			return s.resyncConflict(ctx)
		}
		return nil, fmt.Errorf("request rematch: %w", err)
	}
	s.apply(room2, sourceWrite)
	return &Result{Room: room2}, nil
}

// AcceptRematch spawns the replacement room and links it into the finished
// one. The new room starts straight in play with the slots swapped, so the
// player who moved second last game moves first now, and carries no wager
// over. The spawned id lands on the finished room's RematchRoomID; joining
// it is a plain Join. When the link write loses its race the spawned room
// is torn down again.
func (s *Session) AcceptRematch(ctx context.Context) (*Result, error) {
	room, err := s.finishedRoom()
	if err != nil {
		return nil, err
	}
	if room.RematchBy == nil || room.GuestID == nil {
		return nil, ErrNoRematch
	}
	if *room.RematchBy == s.userID {
		return nil, ErrSelfAccept
	}
	requester := *room.RematchBy

	newHost := *room.GuestID
	newGuest := room.HostID
	board, err := s.rules.NewBoard(newHost, newGuest)
	if err != nil {
		return nil, fmt.Errorf("init board: %w", err)
	}
	turn := newHost
	spawn := &models.Room{
		ID:       uuid.New(),
		GameKind: room.GameKind,
		Status:   models.RoomPlaying,
		HostID:   newHost,
		GuestID:  &newGuest,
		Private:  true,
		Turn:     &turn,
		Board:    board,
		Wager:    models.Wager{State: models.WagerNone},
	}
	created, err := s.store.Create(ctx, spawn)
	if err != nil {
		return nil, fmt.Errorf("create rematch room: %w", err)
	}
	metrics.RoomsCreated.WithLabelValues("rematch").Inc()

	finished := models.RoomFinished
	patch := roomstore.Patch{ClearRematchBy: true, RematchRoomID: &created.ID}
	pred := roomstore.Predicate{Status: &finished, RematchByIs: &requester}
	room2, err := s.store.ConditionalUpdate(ctx, s.roomID, patch, pred)
	if err != nil {
		// The request changed underneath us; the spawned room must not leak.
		if derr := s.store.Delete(ctx, created.ID, roomstore.Predicate{}); derr != nil && !errors.Is(derr, roomstore.ErrNotFound) {
			s.log.WithError(derr).Warn("Orphan rematch room cleanup failed")
		}
		if errors.Is(err, roomstore.ErrConflict) {
			return s.resyncConflict(ctx)
		}
		return nil, fmt.Errorf("link rematch room: %w", err)
	}
	s.apply(room2, sourceWrite)
	return &Result{Room: room2}, nil
}

// DeclineRematch clears the open request. The requester may call this too,
// to withdraw their own request.
func (s *Session) DeclineRematch(ctx context.Context) (*Result, error) {
	room, err := s.finishedRoom()
	if err != nil {
		return nil, err
	}
	if room.RematchBy == nil {
		return nil, ErrNoRematch
	}
	requester := *room.RematchBy

	patch := roomstore.Patch{ClearRematchBy: true}
	pred := roomstore.Predicate{RematchByIs: &requester}
	room2, err := s.store.ConditionalUpdate(ctx, s.roomID, patch, pred)
	if err != nil {
		if errors.Is(err, roomstore.ErrConflict) {
			return s.resyncConflict(ctx)
		}
		return nil, fmt.Errorf("decline rematch: %w", err)
	}
	s.apply(room2, sourceWrite)
	return &Result{Room: room2}, nil
}
