// internal/models/record.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// MatchRecord is the archival row pushed onto the historian queue when a room
// reaches finished. Both participants report; the historian dedupes on RoomID.
type MatchRecord struct {
	RoomID     uuid.UUID `json:"room_id"`
	GameKind   string    `json:"game_kind"`
	HostID     string    `json:"host_id"`
	GuestID    string    `json:"guest_id"`
	WinnerID   *string   `json:"winner_id,omitempty"`
	Draw       bool      `json:"draw"`
	Stake      int64     `json:"stake"`
	FinishedAt time.Time `json:"finished_at"`
}
