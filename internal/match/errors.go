// internal/match/errors.go
package match

import (
	"errors"

	"github.com/tommar21/matchroom/internal/models"
)

// Validation errors. These report a request the local snapshot already rules
// out; nothing was written to the store.
var (
	ErrNoUser         = errors.New("match: user id required")
	ErrUnknownKind    = errors.New("match: no rules engine registered for game kind")
	ErrNotParticipant = errors.New("match: user is not in this room")
	ErrRoomFull       = errors.New("match: room already has two players")
	ErrRoomClosed     = errors.New("match: room no longer exists")
	ErrNotPlaying     = errors.New("match: room is not in play")
	ErrNotFinished    = errors.New("match: room is not finished")
	ErrNotYourTurn    = errors.New("match: not your turn")
	ErrBetPending     = errors.New("match: stake negotiation still open")
	ErrNoNegotiation  = errors.New("match: no stake negotiation open")
	ErrInvalidStake   = errors.New("match: stake must be positive")
	ErrNoOffer        = errors.New("match: opponent has no outstanding offer")
	ErrRematchPending = errors.New("match: opponent already requested a rematch")
	ErrSelfAccept     = errors.New("match: cannot accept your own rematch request")
	ErrNoRematch      = errors.New("match: no rematch requested")
	ErrSessionClosed  = errors.New("match: session closed")
)

// ErrRoomBusy reports a join whose claim kept losing races while the room
// stayed open. Nothing was written; the join can simply be retried.
var ErrRoomBusy = errors.New("match: room keeps changing, retry the join")

// Result reports the outcome of one mutating action. Conflict means another
// actor changed the room first and the write did not land; Room carries the
// fresh authoritative snapshot either way. A Conflict result is not an error:
// the caller inspects Room and decides whether to retry.
type Result struct {
	Room     *models.Room
	Conflict bool
}

// Outcome summarizes a finished game. WinnerID is empty on a draw. Stake is
// the per-player amount that was locked in, zero for unstaked games.
type Outcome struct {
	WinnerID string
	Draw     bool
	Stake    int64
}

// Phase is the lifecycle stage a session derives from its room snapshot.
// Negotiating is virtual: the stored status is already playing, but moves
// stay gated until the wager resolves.
type Phase string

const (
	PhaseWaiting     Phase = "waiting"
	PhaseNegotiating Phase = "negotiating"
	PhasePlaying     Phase = "playing"
	PhaseFinished    Phase = "finished"
	PhaseClosed      Phase = "closed"
)
