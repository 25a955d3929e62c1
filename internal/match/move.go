// internal/match/move.go
package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tommar21/matchroom/internal/metrics"
	"github.com/tommar21/matchroom/internal/models"
	"github.com/tommar21/matchroom/internal/roomstore"
)

// SubmitMove validates the move against the local snapshot, applies it with
// the rules engine, and writes the result conditioned on the turn and board
// still being exactly what was validated against. If the game ends on this
// move, the terminal result goes into the same write. A lost race comes back
// as a conflict result with the fresh snapshot, never as an error.
func (s *Session) SubmitMove(ctx context.Context, move json.RawMessage) (*Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.roomGone {
		s.mu.Unlock()
		return nil, ErrRoomClosed
	}
	room := s.room
	if !room.HasPlayer(s.userID) {
		s.mu.Unlock()
		return nil, ErrNotParticipant
	}
	if room.Status != models.RoomPlaying {
		s.mu.Unlock()
		return nil, ErrNotPlaying
	}
	if !room.Wager.Resolved() {
		s.mu.Unlock()
		return nil, ErrBetPending
	}
	if !room.IsTurn(s.userID) {
		s.mu.Unlock()
		return nil, ErrNotYourTurn
	}
	prior := room.Board
	opponent := room.Opponent(s.userID)
	s.mu.Unlock()

	nextBoard, err := s.rules.Apply(prior, move, s.userID)
	if err != nil {
		return nil, err
	}
	winner, err := s.rules.Winner(nextBoard)
	if err != nil {
		return nil, fmt.Errorf("evaluate board: %w", err)
	}
	draw := false
	if winner == "" {
		draw, err = s.rules.IsDraw(nextBoard)
		if err != nil {
			return nil, fmt.Errorf("evaluate board: %w", err)
		}
	}

	me := s.userID
	playing := models.RoomPlaying
	pred := roomstore.Predicate{
		Status:  &playing,
		TurnIs:  &me,
		BoardIs: &prior,
	}
	patch := roomstore.Patch{Board: &nextBoard}
	switch {
	case winner != "":
		finished := models.RoomFinished
		patch.Status = &finished
		patch.WinnerID = &winner
	case draw:
		finished := models.RoomFinished
		patch.Status = &finished
		d := true
		patch.Draw = &d
	default:
		patch.Turn = &opponent
	}

	room2, err := s.store.ConditionalUpdate(ctx, s.roomID, patch, pred)
	if err != nil {
		if errors.Is(err, roomstore.ErrConflict) {
			metrics.Moves.WithLabelValues("conflict").Inc()
			return s.resyncConflict(ctx)
		}
		return nil, fmt.Errorf("submit move: %w", err)
	}
	metrics.Moves.WithLabelValues("ok").Inc()
	s.apply(room2, sourceWrite)
	return &Result{Room: room2}, nil
}

// ValidMoves lists the legal moves for the local snapshot's board. Empty
// when the game is over or it is not this user's turn.
func (s *Session) ValidMoves() ([]json.RawMessage, error) {
	s.mu.Lock()
	room := s.room
	closed := s.closed
	board := room.Board
	myTurn := room.Status == models.RoomPlaying && room.Wager.Resolved() && room.IsTurn(s.userID)
	s.mu.Unlock()

	if closed {
		return nil, ErrSessionClosed
	}
	if !myTurn {
		return nil, nil
	}
	return s.rules.ValidMoves(board)
}
