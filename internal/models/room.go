// internal/models/room.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// RoomStatus is the lifecycle tag of a room record.
type RoomStatus string

const (
	RoomWaiting  RoomStatus = "waiting"
	RoomPlaying  RoomStatus = "playing"
	RoomFinished RoomStatus = "finished"
)

// WagerState tracks the pre-game stake negotiation on a room.
type WagerState string

const (
	WagerNone    WagerState = "none"
	WagerPending WagerState = "pending"
	WagerAgreed  WagerState = "agreed"
	WagerNoBet   WagerState = "no_bet"
)

// Wager is the negotiation sub-record stored on a room. Offers are keyed by
// slot; Stake holds the agreed amount once State is agreed.
type Wager struct {
	State      WagerState `json:"state"`
	HostOffer  *int64     `json:"host_offer,omitempty"`
	GuestOffer *int64     `json:"guest_offer,omitempty"`
	Stake      int64      `json:"stake,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`
}

// Resolved reports whether negotiation no longer blocks play. A pending wager
// is the only state that gates moves.
func (w Wager) Resolved() bool {
	return w.State != WagerPending
}

// Room is the single shared record representing one match's full state.
// HostID is slot A (the creator and first mover); GuestID is slot B, empty
// until someone claims it. Board is an opaque payload interpreted only by the
// game's rules engine. Revision is a monotonic logical clock bumped by every
// successful write; clients use it to reject stale snapshots.
type Room struct {
	ID       uuid.UUID  `json:"id"`
	GameKind string     `json:"game_kind"`
	Status   RoomStatus `json:"status"`

	HostID  string  `json:"host_id"`
	GuestID *string `json:"guest_id,omitempty"`
	Private bool    `json:"private"`

	Turn  *string `json:"turn,omitempty"`
	Board string  `json:"board,omitempty"`

	WinnerID *string `json:"winner_id,omitempty"`
	Draw     bool    `json:"draw"`

	RematchBy     *string    `json:"rematch_by,omitempty"`
	RematchRoomID *uuid.UUID `json:"rematch_room_id,omitempty"`

	Wager Wager `json:"wager"`

	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasPlayer reports whether userID occupies either slot.
func (r *Room) HasPlayer(userID string) bool {
	if r.HostID == userID {
		return true
	}
	return r.GuestID != nil && *r.GuestID == userID
}

// Opponent returns the other participant's id, or "" if the caller is not in
// the room or the second slot is still empty.
func (r *Room) Opponent(userID string) string {
	if r.HostID == userID {
		if r.GuestID != nil {
			return *r.GuestID
		}
		return ""
	}
	if r.GuestID != nil && *r.GuestID == userID {
		return r.HostID
	}
	return ""
}

// OfferBy returns the outstanding offer made by userID, keyed by slot.
func (r *Room) OfferBy(userID string) *int64 {
	if r.HostID == userID {
		return r.Wager.HostOffer
	}
	if r.GuestID != nil && *r.GuestID == userID {
		return r.Wager.GuestOffer
	}
	return nil
}

// IsTurn reports whether it is userID's turn per this snapshot.
func (r *Room) IsTurn(userID string) bool {
	return r.Turn != nil && *r.Turn == userID
}

// Clone returns a deep copy so callers can hand snapshots across goroutines
// without sharing pointers.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	cp := *r
	cp.GuestID = copyStr(r.GuestID)
	cp.Turn = copyStr(r.Turn)
	cp.WinnerID = copyStr(r.WinnerID)
	cp.RematchBy = copyStr(r.RematchBy)
	if r.RematchRoomID != nil {
		id := *r.RematchRoomID
		cp.RematchRoomID = &id
	}
	cp.Wager.HostOffer = copyInt(r.Wager.HostOffer)
	cp.Wager.GuestOffer = copyInt(r.Wager.GuestOffer)
	if r.Wager.Deadline != nil {
		d := *r.Wager.Deadline
		cp.Wager.Deadline = &d
	}
	return &cp
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyInt(n *int64) *int64 {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}
