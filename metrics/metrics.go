// Package metrics defines the prometheus collectors shared by the devchain
// components. A Metrics value is created once per node and handed to the
// fork backend, pool and miner.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "devchain"

// Drop reasons reported by the transaction pool.
const (
	DropIncluded = "included"
	DropStale    = "stale"
	DropEvicted  = "evicted"
	DropReplaced = "replaced"
	DropManual   = "manual"
	DropFunds    = "unaffordable"
)

// Metrics groups every devchain collector.
type Metrics struct {
	// ---- Chain ----

	// ChainHeight tracks the head block number.
	ChainHeight prometheus.Gauge
	// BlocksMined counts blocks produced by the miner.
	BlocksMined prometheus.Counter
	// BlockGasUsed records gas used per mined block.
	BlockGasUsed prometheus.Histogram
	// TxIncluded counts transactions included in mined blocks.
	TxIncluded prometheus.Counter
	// TxInvalid counts transactions excluded at execution time.
	TxInvalid prometheus.Counter
	// Reverts counts snapshot reverts.
	Reverts prometheus.Counter

	// ---- Transaction pool ----

	PoolReady   prometheus.Gauge
	PoolPending prometheus.Gauge
	// PoolAdded counts admitted transactions.
	PoolAdded prometheus.Counter
	// PoolRejected counts rejected insertions by error.
	PoolRejected *prometheus.CounterVec
	// PoolDropped counts removals by reason.
	PoolDropped *prometheus.CounterVec

	// ---- Fork backend ----

	// ForkFetches counts remote reads by selector.
	ForkFetches *prometheus.CounterVec
	// ForkCacheHits counts reads served from the fork cache.
	ForkCacheHits prometheus.Counter
	// ForkRetries counts retried remote reads.
	ForkRetries prometheus.Counter
}

// New registers all collectors with reg. A nil reg uses a private registry,
// which keeps tests and embedded nodes from clashing on the global one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		ChainHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "chain", Name: "height",
			Help: "Head block number.",
		}),
		BlocksMined: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chain", Name: "blocks_mined_total",
			Help: "Blocks produced by the miner.",
		}),
		BlockGasUsed: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "chain", Name: "block_gas_used",
			Help:    "Gas used per mined block.",
			Buckets: prometheus.ExponentialBuckets(21_000, 4, 8),
		}),
		TxIncluded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chain", Name: "tx_included_total",
			Help: "Transactions included in mined blocks.",
		}),
		TxInvalid: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chain", Name: "tx_invalid_total",
			Help: "Transactions excluded at execution time.",
		}),
		Reverts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chain", Name: "reverts_total",
			Help: "Snapshot reverts.",
		}),
		PoolReady: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "txpool", Name: "ready",
			Help: "Executable transactions in the pool.",
		}),
		PoolPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "txpool", Name: "pending",
			Help: "Transactions waiting behind a nonce gap.",
		}),
		PoolAdded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "txpool", Name: "added_total",
			Help: "Transactions admitted to the pool.",
		}),
		PoolRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "txpool", Name: "rejected_total",
			Help: "Transactions rejected on insertion.",
		}, []string{"reason"}),
		PoolDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "txpool", Name: "dropped_total",
			Help: "Transactions removed from the pool.",
		}, []string{"reason"}),
		ForkFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fork", Name: "remote_fetches_total",
			Help: "Remote reads issued by the fork backend.",
		}, []string{"selector"}),
		ForkCacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fork", Name: "cache_hits_total",
			Help: "Fork reads served from cache.",
		}),
		ForkRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fork", Name: "retries_total",
			Help: "Retried remote reads.",
		}),
	}
}

// Nop returns collectors bound to a throwaway registry.
func Nop() *Metrics { return New(nil) }

// OrNop returns m, or fresh unregistered collectors when m is nil.
func OrNop(m *Metrics) *Metrics {
	if m == nil {
		return Nop()
	}
	return m
}
