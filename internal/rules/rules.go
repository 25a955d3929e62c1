// internal/rules/rules.go
package rules

import "encoding/json"

// Engine evaluates game-specific board payloads. Implementations must be pure
// and deterministic: same inputs, same outputs, no hidden state. The board
// payload and the move encoding are opaque to everything outside the
// implementation.
type Engine interface {
	// NewBoard builds the initial payload once both participants are known.
	// The payload must embed whatever mapping Winner needs to return ids.
	NewBoard(hostID, guestID string) (string, error)

	// Apply validates and applies one move for playerID, returning the next
	// payload. An error means the move is invalid against this payload
	// (occupied cell, out of range, unknown player, malformed move).
	Apply(board string, move json.RawMessage, playerID string) (string, error)

	// Winner returns the winning participant's id, or "" while play is open.
	Winner(board string) (string, error)

	// IsDraw reports whether the board is exhausted with no winner.
	IsDraw(board string) (bool, error)

	// ValidMoves enumerates the moves currently open on the board.
	ValidMoves(board string) ([]json.RawMessage, error)
}
