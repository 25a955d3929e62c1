// internal/match/settle.go
package match

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tommar21/matchroom/internal/ledger"
	"github.com/tommar21/matchroom/internal/metrics"
	"github.com/tommar21/matchroom/internal/models"
)

const winnerPayoutMultiplier = 2

// Bridge drives the ledger at the two settlement points: the debit when a
// stake transitions to agreed, and the credit when a staked game finishes.
// Every session settles only its own user; the opponent's session performs
// the mirror-image calls, possibly inside the same process when both players
// share a server. The guards are therefore keyed per room and user: each
// user's side of a room settles at most once per process, so replayed
// snapshots after a conflict resync never double-charge, and duplicate
// sessions of one user never charge twice.
type Bridge struct {
	ledger  ledger.Ledger
	log     *logrus.Logger
	rakeBps int64

	mu       sync.Mutex
	charged  map[chargeKey]*roomCharge
	paid     map[chargeKey]bool
	refunded map[chargeKey]bool
}

// chargeKey scopes the settlement guards to one user's side of one room.
type chargeKey struct {
	room uuid.UUID
	user string
}

// roomCharge records a debit attempt. ok stays false when the ledger call
// failed, which blocks the later refund and payout paths for the room.
type roomCharge struct {
	amount int64
	ok     bool
}

func NewBridge(led ledger.Ledger, log *logrus.Logger, rakeBps int64) *Bridge {
	return &Bridge{
		ledger:   led,
		log:      log,
		rakeBps:  rakeBps,
		charged:  make(map[chargeKey]*roomCharge),
		paid:     make(map[chargeKey]bool),
		refunded: make(map[chargeKey]bool),
	}
}

// CollectStake debits the user's side of an agreed stake. The attempt is
// recorded before the ledger call, so a second invocation for the same room
// and user is a no-op regardless of how the first one ended. A returned error
// means the debit failed and the caller should drive the wager to no_bet.
func (b *Bridge) CollectStake(ctx context.Context, roomID uuid.UUID, userID string, stake int64) error {
	if stake <= 0 {
		return nil
	}
	key := chargeKey{room: roomID, user: userID}
	b.mu.Lock()
	if _, done := b.charged[key]; done {
		b.mu.Unlock()
		return nil
	}
	rec := &roomCharge{amount: stake}
	b.charged[key] = rec
	b.mu.Unlock()

	if err := b.ledger.Debit(ctx, userID, stake, "stake:"+roomID.String()); err != nil {
		metrics.Settlements.WithLabelValues("debit", "failed").Inc()
		b.log.WithError(err).WithFields(logrus.Fields{
			"room_id": roomID,
			"user_id": userID,
			"stake":   stake,
		}).Warn("Stake debit failed")
		return fmt.Errorf("collect stake: %w", err)
	}
	b.mu.Lock()
	rec.ok = true
	b.mu.Unlock()
	metrics.Settlements.WithLabelValues("debit", "ok").Inc()
	return nil
}

// RefundCharge returns the user's stake after an agreed wager collapses to
// no_bet. It credits only when this process actually charged the user for the
// room, and only once.
func (b *Bridge) RefundCharge(ctx context.Context, roomID uuid.UUID, userID string) error {
	key := chargeKey{room: roomID, user: userID}
	b.mu.Lock()
	rec := b.charged[key]
	if rec == nil || !rec.ok || b.refunded[key] {
		b.mu.Unlock()
		return nil
	}
	b.refunded[key] = true
	amount := rec.amount
	b.mu.Unlock()

	if err := b.ledger.Credit(ctx, userID, amount, "stake_refund:"+roomID.String()); err != nil {
		metrics.Settlements.WithLabelValues("refund", "failed").Inc()
		b.log.WithError(err).WithFields(logrus.Fields{
			"room_id": roomID,
			"user_id": userID,
		}).Error("Stake refund failed")
		return fmt.Errorf("refund stake: %w", err)
	}
	metrics.Settlements.WithLabelValues("refund", "ok").Inc()
	return nil
}

// SettleOutcome pays out the user's side of a finished staked game: double
// the stake minus rake to the winner, the stake back on a draw, nothing to
// the loser. Attempted at most once per room and user. A user whose own debit
// never succeeded collects nothing.
func (b *Bridge) SettleOutcome(ctx context.Context, room *models.Room, userID string) error {
	if room.Wager.State != models.WagerAgreed || room.Wager.Stake <= 0 {
		return nil
	}
	key := chargeKey{room: room.ID, user: userID}
	b.mu.Lock()
	if b.paid[key] {
		b.mu.Unlock()
		return nil
	}
	b.paid[key] = true
	rec := b.charged[key]
	b.mu.Unlock()

	if rec != nil && !rec.ok {
		b.log.WithFields(logrus.Fields{
			"room_id": room.ID,
			"user_id": userID,
		}).Warn("Skipping payout, local stake was never collected")
		return nil
	}

	stake := room.Wager.Stake
	switch {
	case room.Draw:
		if err := b.ledger.Credit(ctx, userID, stake, "stake_refund_draw:"+room.ID.String()); err != nil {
			metrics.Settlements.WithLabelValues("payout", "failed").Inc()
			return fmt.Errorf("draw refund: %w", err)
		}
	case room.WinnerID != nil && *room.WinnerID == userID:
		if err := b.ledger.Credit(ctx, userID, b.winnerPayout(stake), "win_payout:"+room.ID.String()); err != nil {
			metrics.Settlements.WithLabelValues("payout", "failed").Inc()
			return fmt.Errorf("win payout: %w", err)
		}
	default:
		// The loser's stake stays in the pot; nothing to move.
		return nil
	}
	metrics.Settlements.WithLabelValues("payout", "ok").Inc()
	return nil
}

// winnerPayout is the full pot less the configured rake, in basis points.
func (b *Bridge) winnerPayout(stake int64) int64 {
	pot := stake * winnerPayoutMultiplier
	if b.rakeBps > 0 {
		pot -= pot * b.rakeBps / 10000
	}
	return pot
}
