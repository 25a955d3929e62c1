// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoomsCreated counts new room records by path: quick, private or rematch.
	RoomsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchroom_rooms_created_total",
		Help: "Rooms created, by creation path.",
	}, []string{"path"})

	// Moves counts move submissions by result: ok or conflict.
	Moves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchroom_moves_total",
		Help: "Move submissions by result.",
	}, []string{"result"})

	// Reconciles counts inbound room snapshots by source (push, poll, write)
	// and outcome (applied, stale).
	Reconciles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchroom_reconciles_total",
		Help: "Inbound room snapshots by source and outcome.",
	}, []string{"source", "outcome"})

	// Settlements counts ledger calls by kind (debit, payout, refund) and
	// outcome (ok, failed).
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchroom_settlements_total",
		Help: "Ledger settlement calls by kind and outcome.",
	}, []string{"kind", "outcome"})

	// Negotiations counts observed terminal negotiation transitions.
	Negotiations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchroom_negotiations_total",
		Help: "Stake negotiations resolved, by final state.",
	}, []string{"state"})

	// ActiveSessions tracks sessions between Start and Close.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "matchroom_active_sessions",
		Help: "Sessions currently reconciling a room.",
	})
)
