// internal/roomstore/store.go
package roomstore

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/tommar21/matchroom/internal/models"
)

var (
	// ErrNotFound is returned by Read when no room exists under the id.
	ErrNotFound = errors.New("roomstore: room not found")

	// ErrConflict is returned by ConditionalUpdate and Delete when the
	// predicate did not hold against the stored record at write time. No
	// write happened. This is the normal signal that another actor won a
	// race, not a fault.
	ErrConflict = errors.New("roomstore: predicate did not match stored room")
)

// Connectivity describes the health of a change-feed subscription. Callers
// use the transitions to engage or back off fallback polling.
type Connectivity string

const (
	Connecting   Connectivity = "connecting"
	Connected    Connectivity = "connected"
	Reconnecting Connectivity = "reconnecting"
	Disconnected Connectivity = "disconnected"
)

// Update is one change-feed delivery: either a fresh room snapshot or a
// tombstone for a deleted room.
type Update struct {
	Room    *models.Room
	Deleted bool
}

// Patch lists the fields a conditional update wants to change. Nil fields are
// left untouched. The wager sub-record is always replaced wholesale.
type Patch struct {
	Status         *models.RoomStatus
	GuestID        *string
	Turn           *string
	Board          *string
	WinnerID       *string
	Draw           *bool
	Wager          *models.Wager
	RematchBy      *string
	ClearRematchBy bool
	RematchRoomID  *uuid.UUID
}

// Predicate lists the conditions that must hold against the stored record for
// a conditional write to apply. Zero-value fields assert nothing. The offer
// conditions come in both directions: OfferIs pins an observed value,
// OfferEmpty pins the observed absence, so a write derived from a snapshot
// without an offer conflicts if one has landed since.
type Predicate struct {
	Status          *models.RoomStatus
	TurnIs          *string
	GuestEmpty      bool
	BoardIs         *string
	WagerState      *models.WagerState
	HostOfferIs     *int64
	HostOfferEmpty  bool
	GuestOfferIs    *int64
	GuestOfferEmpty bool
	RematchByIs     *string
	RematchNone     bool
	HostIs          *string
}

// Store is the room record store: one shared mutable record per match, with
// conditional update-if-match as the only mutual-exclusion primitive and an
// eventually-delivered per-room change feed.
type Store interface {
	// Create persists a new room, assigning id, revision and timestamps if
	// unset, and publishes the initial snapshot.
	Create(ctx context.Context, room *models.Room) (*models.Room, error)

	// Read returns the current stored snapshot.
	Read(ctx context.Context, id uuid.UUID) (*models.Room, error)

	// ConditionalUpdate atomically applies patch if pred holds against the
	// stored record at write time, bumping the revision and publishing the
	// new snapshot. Returns ErrConflict (and performs no write) otherwise.
	ConditionalUpdate(ctx context.Context, id uuid.UUID, patch Patch, pred Predicate) (*models.Room, error)

	// Delete removes the room if pred holds, publishing a tombstone.
	Delete(ctx context.Context, id uuid.UUID, pred Predicate) error

	// ListOpen returns public waiting rooms of the given kind with an empty
	// guest slot, newest first, excluding rooms created by excludeUser.
	ListOpen(ctx context.Context, gameKind, excludeUser string, limit int) ([]*models.Room, error)

	// Subscribe delivers room snapshots and tombstones asynchronously until
	// the returned stop function is called or ctx is done. Connectivity
	// transitions are reported through onConnectivity; feed errors through
	// onError. Both are advisory and never fatal.
	Subscribe(ctx context.Context, id uuid.UUID, onChange func(Update), onError func(error), onConnectivity func(Connectivity)) (func(), error)
}

// holds evaluates the predicate against a snapshot. The in-memory store uses
// it directly; the SQL store compiles the same conditions into the WHERE
// clause.
func (p Predicate) holds(r *models.Room) bool {
	if p.Status != nil && r.Status != *p.Status {
		return false
	}
	if p.TurnIs != nil && (r.Turn == nil || *r.Turn != *p.TurnIs) {
		return false
	}
	if p.GuestEmpty && r.GuestID != nil {
		return false
	}
	if p.BoardIs != nil && r.Board != *p.BoardIs {
		return false
	}
	if p.WagerState != nil && r.Wager.State != *p.WagerState {
		return false
	}
	if p.HostOfferIs != nil && (r.Wager.HostOffer == nil || *r.Wager.HostOffer != *p.HostOfferIs) {
		return false
	}
	if p.HostOfferEmpty && r.Wager.HostOffer != nil {
		return false
	}
	if p.GuestOfferIs != nil && (r.Wager.GuestOffer == nil || *r.Wager.GuestOffer != *p.GuestOfferIs) {
		return false
	}
	if p.GuestOfferEmpty && r.Wager.GuestOffer != nil {
		return false
	}
	if p.RematchByIs != nil && (r.RematchBy == nil || *r.RematchBy != *p.RematchByIs) {
		return false
	}
	if p.RematchNone && (r.RematchBy != nil || r.RematchRoomID != nil) {
		return false
	}
	if p.HostIs != nil && r.HostID != *p.HostIs {
		return false
	}
	return true
}

// applyTo mutates a snapshot in place with the patched fields.
func (p Patch) applyTo(r *models.Room) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.GuestID != nil {
		v := *p.GuestID
		r.GuestID = &v
	}
	if p.Turn != nil {
		v := *p.Turn
		r.Turn = &v
	}
	if p.Board != nil {
		r.Board = *p.Board
	}
	if p.WinnerID != nil {
		v := *p.WinnerID
		r.WinnerID = &v
	}
	if p.Draw != nil {
		r.Draw = *p.Draw
	}
	if p.Wager != nil {
		w := *p.Wager
		if p.Wager.HostOffer != nil {
			v := *p.Wager.HostOffer
			w.HostOffer = &v
		}
		if p.Wager.GuestOffer != nil {
			v := *p.Wager.GuestOffer
			w.GuestOffer = &v
		}
		if p.Wager.Deadline != nil {
			v := *p.Wager.Deadline
			w.Deadline = &v
		}
		r.Wager = w
	}
	if p.RematchBy != nil {
		v := *p.RematchBy
		r.RematchBy = &v
	} else if p.ClearRematchBy {
		r.RematchBy = nil
	}
	if p.RematchRoomID != nil {
		v := *p.RematchRoomID
		r.RematchRoomID = &v
	}
}
