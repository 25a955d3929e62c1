// internal/roomstore/postgres.go
package roomstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tommar21/matchroom/internal/models"
)

const feedChannelPrefix = "room:"

const roomColumns = `id, game_kind, status, host_id, guest_id, private, turn, board, winner_id, draw, rematch_by, rematch_room_id, wager, revision, created_at, updated_at`

// feedEnvelope is the wire shape published on the per-room Redis channel.
type feedEnvelope struct {
	RoomID  uuid.UUID    `json:"room_id"`
	Deleted bool         `json:"deleted,omitempty"`
	Room    *models.Room `json:"room,omitempty"`
}

// Postgres keeps room records in PostgreSQL and fans out change notifications
// over Redis pub/sub, one channel per room. The conditional update compiles
// the predicate into the UPDATE's WHERE clause, so the check-and-write is a
// single atomic statement; a publish failure is logged and swallowed because
// pollers converge on the row regardless.
type Postgres struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  *logrus.Logger
}

func NewPostgres(pool *pgxpool.Pool, rdb *redis.Client, log *logrus.Logger) *Postgres {
	return &Postgres{pool: pool, rdb: rdb, log: log}
}

// InitSchema creates the rooms table and its matchmaking index if absent.
func (s *Postgres) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id UUID PRIMARY KEY,
			game_kind TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'waiting',
			host_id TEXT NOT NULL,
			guest_id TEXT,
			private BOOLEAN NOT NULL DEFAULT FALSE,
			turn TEXT,
			board TEXT NOT NULL DEFAULT '',
			winner_id TEXT,
			draw BOOLEAN NOT NULL DEFAULT FALSE,
			rematch_by TEXT,
			rematch_room_id UUID,
			wager JSONB NOT NULL DEFAULT '{"state":"none"}'::jsonb,
			revision BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS rooms_open_idx
			ON rooms (game_kind, created_at DESC)
			WHERE status = 'waiting' AND guest_id IS NULL AND private = FALSE`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("init rooms schema: %w", err)
		}
	}
	return nil
}

func (s *Postgres) Create(ctx context.Context, room *models.Room) (*models.Room, error) {
	if room.ID == uuid.Nil {
		room.ID = uuid.New()
	}
	wagerJSON, err := json.Marshal(room.Wager)
	if err != nil {
		return nil, fmt.Errorf("encode wager: %w", err)
	}
	q := `
		INSERT INTO rooms (id, game_kind, status, host_id, guest_id, private, turn, board, winner_id, draw, rematch_by, rematch_room_id, wager)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING ` + roomColumns
	row := s.pool.QueryRow(ctx, q,
		room.ID, room.GameKind, string(room.Status), room.HostID, room.GuestID,
		room.Private, room.Turn, room.Board, room.WinnerID, room.Draw,
		room.RematchBy, room.RematchRoomID, wagerJSON,
	)
	created, err := scanRoom(row)
	if err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}
	s.publish(ctx, feedEnvelope{RoomID: created.ID, Room: created})
	return created, nil
}

func (s *Postgres) Read(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	q := `SELECT ` + roomColumns + ` FROM rooms WHERE id = $1`
	room, err := scanRoom(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read room: %w", err)
	}
	return room, nil
}

func (s *Postgres) ConditionalUpdate(ctx context.Context, id uuid.UUID, patch Patch, pred Predicate) (*models.Room, error) {
	sets := []string{"revision = revision + 1", "updated_at = now()"}
	args := []interface{}{id}

	set := func(col string, val interface{}) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.GuestID != nil {
		set("guest_id", *patch.GuestID)
	}
	if patch.Turn != nil {
		set("turn", *patch.Turn)
	}
	if patch.Board != nil {
		set("board", *patch.Board)
	}
	if patch.WinnerID != nil {
		set("winner_id", *patch.WinnerID)
	}
	if patch.Draw != nil {
		set("draw", *patch.Draw)
	}
	if patch.Wager != nil {
		wagerJSON, err := json.Marshal(patch.Wager)
		if err != nil {
			return nil, fmt.Errorf("encode wager: %w", err)
		}
		set("wager", wagerJSON)
	}
	if patch.RematchBy != nil {
		set("rematch_by", *patch.RematchBy)
	} else if patch.ClearRematchBy {
		sets = append(sets, "rematch_by = NULL")
	}
	if patch.RematchRoomID != nil {
		set("rematch_room_id", *patch.RematchRoomID)
	}

	conds, args := compilePredicate(pred, args)

	q := fmt.Sprintf(`UPDATE rooms SET %s WHERE %s RETURNING %s`,
		strings.Join(sets, ", "), strings.Join(conds, " AND "), roomColumns)
	room, err := scanRoom(s.pool.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("conditional update: %w", err)
	}
	s.publish(ctx, feedEnvelope{RoomID: room.ID, Room: room})
	return room, nil
}

func (s *Postgres) Delete(ctx context.Context, id uuid.UUID, pred Predicate) error {
	args := []interface{}{id}
	conds, args := compilePredicate(pred, args)
	q := fmt.Sprintf(`DELETE FROM rooms WHERE %s`, strings.Join(conds, " AND "))
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	s.publish(ctx, feedEnvelope{RoomID: id, Deleted: true})
	return nil
}

func (s *Postgres) ListOpen(ctx context.Context, gameKind, excludeUser string, limit int) ([]*models.Room, error) {
	q := `
		SELECT ` + roomColumns + `
		FROM rooms
		WHERE status = 'waiting' AND guest_id IS NULL AND private = FALSE
		  AND game_kind = $1 AND host_id <> $2
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, q, gameKind, excludeUser, limit)
	if err != nil {
		return nil, fmt.Errorf("list open rooms: %w", err)
	}
	defer rows.Close()

	var out []*models.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan open room: %w", err)
		}
		out = append(out, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list open rooms: %w", err)
	}
	return out, nil
}

// Subscribe consumes the per-room Redis channel. The read loop reports
// Connected after the subscription ack, flips to Reconnecting on receive
// errors (go-redis re-subscribes under the hood), and Disconnected once the
// subscription is stopped.
func (s *Postgres) Subscribe(ctx context.Context, id uuid.UUID, onChange func(Update), onError func(error), onConnectivity func(Connectivity)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := s.rdb.Subscribe(subCtx, feedChannelPrefix+id.String())

	notifyConn := func(c Connectivity) {
		if onConnectivity != nil {
			onConnectivity(c)
		}
	}
	notifyErr := func(err error) {
		if onError != nil {
			onError(err)
		}
	}

	notifyConn(Connecting)

	go func() {
		defer pubsub.Close()

		// Wait for the subscription ack before claiming a live feed.
		connected := false
		if _, err := pubsub.Receive(subCtx); err != nil {
			if subCtx.Err() != nil {
				notifyConn(Disconnected)
				return
			}
			notifyErr(fmt.Errorf("room feed subscribe: %w", err))
			notifyConn(Reconnecting)
		} else {
			connected = true
			notifyConn(Connected)
		}
		for {
			msg, err := pubsub.ReceiveMessage(subCtx)
			if err != nil {
				if subCtx.Err() != nil {
					notifyConn(Disconnected)
					return
				}
				if connected {
					connected = false
					notifyConn(Reconnecting)
				}
				notifyErr(err)
				select {
				case <-subCtx.Done():
					notifyConn(Disconnected)
					return
				case <-time.After(time.Second):
				}
				continue
			}
			if !connected {
				connected = true
				notifyConn(Connected)
			}
			var env feedEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				notifyErr(fmt.Errorf("decode room feed payload: %w", err))
				continue
			}
			if env.Deleted {
				onChange(Update{Deleted: true})
			} else if env.Room != nil {
				onChange(Update{Room: env.Room})
			}
		}
	}()

	return cancel, nil
}

func (s *Postgres) publish(ctx context.Context, env feedEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		s.log.WithError(err).Error("encode room feed envelope")
		return
	}
	if err := s.rdb.Publish(ctx, feedChannelPrefix+env.RoomID.String(), payload).Err(); err != nil {
		s.log.WithError(err).WithField("room_id", env.RoomID).Warn("room feed publish failed, pollers will converge")
	}
}

// compilePredicate renders the predicate as WHERE clauses, appending bind args
// after the ones already collected. args[0] is always the room id.
func compilePredicate(pred Predicate, args []interface{}) ([]string, []interface{}) {
	conds := []string{"id = $1"}
	cond := func(expr string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if pred.Status != nil {
		cond("status = $%d", string(*pred.Status))
	}
	if pred.TurnIs != nil {
		cond("turn = $%d", *pred.TurnIs)
	}
	if pred.GuestEmpty {
		conds = append(conds, "guest_id IS NULL")
	}
	if pred.BoardIs != nil {
		cond("board = $%d", *pred.BoardIs)
	}
	if pred.WagerState != nil {
		cond("(wager->>'state') = $%d", string(*pred.WagerState))
	}
	if pred.HostOfferIs != nil {
		cond("(wager->>'host_offer')::bigint = $%d", *pred.HostOfferIs)
	}
	if pred.HostOfferEmpty {
		conds = append(conds, "(wager->>'host_offer') IS NULL")
	}
	if pred.GuestOfferIs != nil {
		cond("(wager->>'guest_offer')::bigint = $%d", *pred.GuestOfferIs)
	}
	if pred.GuestOfferEmpty {
		conds = append(conds, "(wager->>'guest_offer') IS NULL")
	}
	if pred.RematchByIs != nil {
		cond("rematch_by = $%d", *pred.RematchByIs)
	}
	if pred.RematchNone {
		conds = append(conds, "rematch_by IS NULL", "rematch_room_id IS NULL")
	}
	if pred.HostIs != nil {
		cond("host_id = $%d", *pred.HostIs)
	}
	return conds, args
}

// scanRoom decodes one rooms row in roomColumns order.
func scanRoom(row pgx.Row) (*models.Room, error) {
	var r models.Room
	var status string
	var wagerJSON []byte
	err := row.Scan(
		&r.ID, &r.GameKind, &status, &r.HostID, &r.GuestID, &r.Private,
		&r.Turn, &r.Board, &r.WinnerID, &r.Draw, &r.RematchBy,
		&r.RematchRoomID, &wagerJSON, &r.Revision, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = models.RoomStatus(status)
	if err := json.Unmarshal(wagerJSON, &r.Wager); err != nil {
		return nil, fmt.Errorf("decode wager: %w", err)
	}
	return &r, nil
}
