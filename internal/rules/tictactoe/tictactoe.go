// internal/rules/tictactoe/tictactoe.go
package tictactoe

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tommar21/matchroom/internal/rules"
)

// Kind is the game-kind tag rooms carry for this engine.
const Kind = "tictactoe"

const cellCount = 9

var winningLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

var (
	ErrCellOccupied = errors.New("tictactoe: cell occupied")
	ErrBadMove      = errors.New("tictactoe: malformed move")
	ErrNotPlayer    = errors.New("tictactoe: player not on this board")
)

// board is the serialized payload: nine cells holding "", "X" or "O", plus
// the id behind each mark. X is the host and moves first.
type board struct {
	Cells [cellCount]string `json:"cells"`
	X     string            `json:"x"`
	O     string            `json:"o"`
}

// Move targets one cell by index, row-major from the top left.
type Move struct {
	Cell int `json:"cell"`
}

// Engine implements rules.Engine for 3x3 tic-tac-toe.
type Engine struct{}

func New() *Engine { return &Engine{} }

var _ rules.Engine = (*Engine)(nil)

func (e *Engine) NewBoard(hostID, guestID string) (string, error) {
	return encode(board{X: hostID, O: guestID})
}

func (e *Engine) Apply(payload string, move json.RawMessage, playerID string) (string, error) {
	b, err := decode(payload)
	if err != nil {
		return "", err
	}
	mark, err := b.markOf(playerID)
	if err != nil {
		return "", err
	}
	var m Move
	if err := json.Unmarshal(move, &m); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadMove, err)
	}
	if m.Cell < 0 || m.Cell >= cellCount {
		return "", fmt.Errorf("%w: cell %d out of range", ErrBadMove, m.Cell)
	}
	if b.Cells[m.Cell] != "" {
		return "", ErrCellOccupied
	}
	b.Cells[m.Cell] = mark
	return encode(b)
}

func (e *Engine) Winner(payload string) (string, error) {
	b, err := decode(payload)
	if err != nil {
		return "", err
	}
	switch winnerMark(b) {
	case "X":
		return b.X, nil
	case "O":
		return b.O, nil
	}
	return "", nil
}

func (e *Engine) IsDraw(payload string) (bool, error) {
	b, err := decode(payload)
	if err != nil {
		return false, err
	}
	for _, c := range b.Cells {
		if c == "" {
			return false, nil
		}
	}
	return winnerMark(b) == "", nil
}

func (e *Engine) ValidMoves(payload string) ([]json.RawMessage, error) {
	b, err := decode(payload)
	if err != nil {
		return nil, err
	}
	if winnerMark(b) != "" {
		return nil, nil
	}
	var out []json.RawMessage
	for i, c := range b.Cells {
		if c != "" {
			continue
		}
		raw, err := json.Marshal(Move{Cell: i})
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func (b *board) markOf(playerID string) (string, error) {
	switch playerID {
	case b.X:
		return "X", nil
	case b.O:
		return "O", nil
	}
	return "", ErrNotPlayer
}

func winnerMark(b board) string {
	for _, line := range winningLines {
		mark := b.Cells[line[0]]
		if mark != "" && mark == b.Cells[line[1]] && mark == b.Cells[line[2]] {
			return mark
		}
	}
	return ""
}

func encode(b board) (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("tictactoe: encode board: %w", err)
	}
	return string(raw), nil
}

func decode(payload string) (board, error) {
	var b board
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		return board{}, fmt.Errorf("tictactoe: decode board: %w", err)
	}
	return b, nil
}
