// internal/historian/historian.go

// Package historian archives finished matches. Clients push records onto a
// Redis queue as games end; the service pops them, batches them, and writes
// them to Postgres, deduplicating on room id since both participants report
// the same game. It also sweeps abandoned waiting rooms out of the store.
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tommar21/matchroom/internal/models"
	"github.com/tommar21/matchroom/internal/roomstore"
)

// QueueWriter is the producer side of the archive queue. It satisfies the
// engine's Recorder interface.
type QueueWriter struct {
	rdb      *redis.Client
	queueKey string
}

func NewQueueWriter(rdb *redis.Client, queueKey string) *QueueWriter {
	return &QueueWriter{rdb: rdb, queueKey: queueKey}
}

// RecordMatch enqueues one finished-match record. Duplicates are fine; the
// consumer drops them on insert.
func (w *QueueWriter) RecordMatch(ctx context.Context, rec models.MatchRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal match record: %w", err)
	}
	if err := w.rdb.RPush(ctx, w.queueKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue match record: %w", err)
	}
	return nil
}

// Options tunes the consumer service.
type Options struct {
	QueueKey   string
	BatchSize  int
	FlushEvery time.Duration
	SweepEvery time.Duration
	// MaxWaitAge is how long an unclaimed waiting room may sit before the
	// sweeper deletes it.
	MaxWaitAge time.Duration
}

// Service is the queue consumer. It accumulates popped records into an
// in-memory batch and flushes on size or on a timer, whichever comes first.
type Service struct {
	rdb   *redis.Client
	pool  *pgxpool.Pool
	store roomstore.Store
	log   *logrus.Logger
	opts  Options

	batchMu sync.Mutex
	batch   []models.MatchRecord
}

func NewService(rdb *redis.Client, pool *pgxpool.Pool, store roomstore.Store, log *logrus.Logger, opts Options) *Service {
	if opts.QueueKey == "" {
		opts.QueueKey = "match_history_queue"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = 10 * time.Second
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = 5 * time.Minute
	}
	if opts.MaxWaitAge <= 0 {
		opts.MaxWaitAge = 30 * time.Minute
	}
	return &Service{
		rdb:   rdb,
		pool:  pool,
		store: store,
		log:   log,
		opts:  opts,
		batch: make([]models.MatchRecord, 0, opts.BatchSize),
	}
}

// InitSchema creates the archive table.
func (s *Service) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS match_history (
			room_id UUID PRIMARY KEY,
			game_kind TEXT NOT NULL,
			host_id TEXT NOT NULL,
			guest_id TEXT NOT NULL,
			winner_id TEXT,
			draw BOOLEAN NOT NULL DEFAULT FALSE,
			stake BIGINT NOT NULL DEFAULT 0,
			finished_at TIMESTAMPTZ NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create match_history table: %w", err)
	}
	return nil
}

// Run consumes the queue and sweeps stale rooms until ctx is done. The final
// flush on shutdown drains whatever the batch still holds.
func (s *Service) Run(ctx context.Context) {
	go s.sweepLoop(ctx)

	ticker := time.NewTicker(s.opts.FlushEvery)
	defer ticker.Stop()

	s.log.WithField("queue", s.opts.QueueKey).Info("Historian started")
	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			s.log.Info("Historian stopped")
			return

		case <-ticker.C:
			s.flush(ctx)

		default:
			// BLPop with a short timeout keeps ctx cancellation responsive.
			res, err := s.rdb.BLPop(ctx, 3*time.Second, s.opts.QueueKey).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					s.log.WithError(err).Warn("Queue pop failed")
				}
				continue
			}
			if len(res) < 2 {
				continue
			}
			var rec models.MatchRecord
			if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
				s.log.WithError(err).Warn("Dropping malformed match record")
				continue
			}
			s.append(ctx, rec)
		}
	}
}

// append adds a record to the batch and flushes early once it is full.
func (s *Service) append(ctx context.Context, rec models.MatchRecord) {
	s.batchMu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.opts.BatchSize
	s.batchMu.Unlock()
	if full {
		s.flush(ctx)
	}
}

// flush writes the current batch in one transaction. Conflicting room ids
// are duplicates from the second reporting client and are dropped.
func (s *Service) flush(ctx context.Context) {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	pending := make([]models.MatchRecord, len(s.batch))
	copy(pending, s.batch)
	s.batch = s.batch[:0]
	s.batchMu.Unlock()

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
			INSERT INTO match_history (
				room_id, game_kind, host_id, guest_id, winner_id, draw, stake, finished_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (room_id) DO NOTHING
		`
		for _, rec := range pending {
			if _, err := tx.Exec(ctx, q,
				rec.RoomID, rec.GameKind, rec.HostID, rec.GuestID,
				rec.WinnerID, rec.Draw, rec.Stake, rec.FinishedAt,
			); err != nil {
				return fmt.Errorf("insert match %s: %w", rec.RoomID, err)
			}
		}
		return nil
	})
	if err != nil {
		s.log.WithError(err).Error("Batch flush failed")
		// Put the records back so the next flush retries them.
		s.batchMu.Lock()
		s.batch = append(pending, s.batch...)
		s.batchMu.Unlock()
		return
	}
	s.log.WithField("count", len(pending)).Info("Flushed match records")
}

// sweepLoop deletes public waiting rooms nobody claimed within MaxWaitAge.
// Private rooms are invite links that pollute no listing; they stay until
// their creator abandons them. Deletes go through the room store so a
// creator still watching gets the tombstone.
func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.opts.MaxWaitAge)
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM rooms
		WHERE status = 'waiting' AND guest_id IS NULL AND private = FALSE AND updated_at < $1
		LIMIT 100
	`, cutoff)
	if err != nil {
		s.log.WithError(err).Warn("Stale room scan failed")
		return
	}
	var stale []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			s.log.WithError(err).Warn("Stale room scan failed")
			return
		}
		stale = append(stale, id)
	}
	rows.Close()
	if rows.Err() != nil {
		s.log.WithError(rows.Err()).Warn("Stale room scan failed")
		return
	}

	waiting := models.RoomWaiting
	for _, id := range stale {
		pred := roomstore.Predicate{Status: &waiting, GuestEmpty: true}
		if err := s.store.Delete(ctx, id, pred); err != nil {
			// Conflict means the room got claimed since the scan; leave it.
			if !errors.Is(err, roomstore.ErrConflict) && !errors.Is(err, roomstore.ErrNotFound) {
				s.log.WithError(err).WithField("room_id", id).Warn("Stale room delete failed")
			}
			continue
		}
		s.log.WithField("room_id", id).Info("Swept stale waiting room")
	}
}
