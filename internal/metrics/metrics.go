// Package metrics defines the Prometheus metrics for the engine. Every
// soft-swallow in the system (dropped slow clients, rejected messages, late
// ticks, cache misses) increments a counter here so that nothing fails
// silently.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tick pipeline
	TicksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pt_ticks_received_total",
		Help: "Ticks decoded from the upstream broker feed",
	})
	TicksDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pt_ticks_dispatched_total",
		Help: "Ticks delivered to tick bus handlers (after coalescing)",
	})
	TicksCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pt_ticks_coalesced_total",
		Help: "Ticks absorbed by latest-wins coalescing without dispatch",
	})
	LateTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pt_candle_late_ticks_total",
		Help: "Ticks older than the current candle bucket, dropped",
	})
	HandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pt_tickbus_handler_panics_total",
		Help: "Tick bus handlers that panicked during dispatch",
	})

	// Fanout server
	DroppedSlowClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pt_ws_dropped_slow_clients_total",
		Help: "Client connections terminated for exceeding the outbound buffer cap",
	})
	RejectedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pt_ws_rejected_messages_total",
		Help: "Inbound client messages rejected as invalid or oversized",
	})
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pt_ws_connected_clients",
		Help: "Currently connected fanout clients",
	})

	// Upstream feed
	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pt_feed_reconnects_total",
		Help: "Upstream broker reconnect attempts",
	})
	BreakerOpens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pt_feed_breaker_opens_total",
		Help: "Times the reconnect circuit breaker opened",
	})

	// Snapshot cache
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pt_snapshot_cache_hits_total",
		Help: "Snapshot reads served from Redis",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pt_snapshot_cache_misses_total",
		Help: "Snapshot reads that fell through to the broker",
	})
	SingleflightHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pt_snapshot_singleflight_hits_total",
		Help: "Snapshot fetches coalesced into an in-flight upstream call",
	})
	SnapshotInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pt_snapshot_inflight",
		Help: "Upstream snapshot fetches currently in flight",
	})

	// Financial core
	JournalRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pt_journal_recovered_total",
		Help: "Journal records resolved during startup recovery",
	}, []string{"outcome"})
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pt_orders_placed_total",
		Help: "Orders accepted by the placement path",
	}, []string{"type"})
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pt_orders_rejected_total",
		Help: "Orders rejected before any ledger mutation",
	}, []string{"reason"})
	LiquidationSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pt_liquidation_steps_total",
		Help: "Forced-close orders submitted by the liquidation engine",
	})
	StalePriceWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pt_stale_price_warnings_total",
		Help: "MARKET orders priced from a stale mark in paper mode",
	})
)
