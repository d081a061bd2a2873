// Package engine is the central orchestrator of the paper-trading system.
//
// It wires together all subsystems:
//
//  1. The broker adapter holds the single upstream WebSocket; the feed
//     supervisor owns its reconnect/backoff policy.
//  2. Decoded ticks flow onto the tick bus (latest-wins per symbol) and fan
//     out to the mark tracker, candle engine, snapshot cache, and the
//     client stream hub.
//  3. The subscription registry refcounts client symbol interest and drives
//     upstream subscribe/unsubscribe through the supervisor.
//  4. The financial core (journal, ledger, position book, order service)
//     shares one SQLite store; journal recovery completes before the
//     execution loop starts.
//  5. The liquidation engine sweeps wallets against their margin curves.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"papertrade/internal/api"
	"papertrade/internal/broker"
	"papertrade/internal/candles"
	"papertrade/internal/config"
	"papertrade/internal/feed"
	"papertrade/internal/instruments"
	"papertrade/internal/journal"
	"papertrade/internal/ledger"
	"papertrade/internal/marks"
	"papertrade/internal/positions"
	"papertrade/internal/risk"
	"papertrade/internal/snapshot"
	"papertrade/internal/store"
	"papertrade/internal/stream"
	"papertrade/internal/subs"
	"papertrade/internal/tickbus"
	"papertrade/internal/trading"
)

const instrumentSyncInterval = 24 * time.Hour

// resubRelay breaks the construction cycle between the supervisor (which
// replays subscriptions after reconnect) and the registry (whose upstream
// is the supervisor).
type resubRelay struct{ registry *subs.Registry }

func (r *resubRelay) FlushPending() {
	if r.registry != nil {
		r.registry.FlushPending()
	}
}

// Engine owns every component and their goroutine lifecycles.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	st       *store.Store
	wal      *journal.Journal
	led      *ledger.Ledger
	book     *positions.Book
	repo     *instruments.Repo
	marks    *marks.Tracker
	bus      *tickbus.Bus
	candles  *candles.Engine
	registry *subs.Registry
	adapter  *broker.Adapter
	rest     *broker.Client
	super    *feed.Supervisor
	rdb      *redis.Client
	cache    *snapshot.Cache
	hub      *stream.Hub
	svc      *trading.Service
	riskMgr  *risk.Manager
	server   *api.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all components. Nothing starts running until
// Start.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	wal := journal.New(st, logger)
	led := ledger.New(st, cfg.Trading.DefaultCurrency, logger)
	book := positions.New(st, logger)
	repo := instruments.New(st, logger)
	tracker := marks.New(cfg.Trading.StalePriceAfter)
	bus := tickbus.New(logger)

	rest := broker.NewClient(cfg.Broker.RESTBaseURL, cfg.Broker.AccessToken,
		cfg.Broker.FetchTimeout, logger)
	adapter := broker.NewAdapter(cfg.Broker.WSURL, cfg.Broker.AccessToken,
		cfg.Broker.AuthCooldown, logger)

	relay := &resubRelay{}
	super := feed.New(cfg.Feed, adapter, relay, bus.EmitTick, logger)
	registry := subs.New(super, logger)
	relay.registry = registry

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	cache := snapshot.New(rdb, rest, cfg.Redis, logger)

	hub := stream.NewHub(cfg.Stream, registry, logger)
	candleEngine := candles.New(cfg.Feed.CandleIntervals, hub.BroadcastCandle, logger)

	svc := trading.NewService(st, wal, led, book, repo, tracker,
		cfg.Trading, cfg.Risk, logger)
	riskMgr := risk.NewManager(cfg.Risk, svc, led, book, repo, tracker, logger)

	handlers := api.NewHandlers(svc, led, book, cache, logger)
	server := api.NewServer(cfg.Server, handlers, hub, logger)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		st:       st,
		wal:      wal,
		led:      led,
		book:     book,
		repo:     repo,
		marks:    tracker,
		bus:      bus,
		candles:  candleEngine,
		registry: registry,
		adapter:  adapter,
		rest:     rest,
		super:    super,
		rdb:      rdb,
		cache:    cache,
		hub:      hub,
		svc:      svc,
		riskMgr:  riskMgr,
		server:   server,
		ctx:      ctx,
		cancel:   cancel,
	}

	// Fan the tick stream out. Handlers must not block; each of these only
	// mutates in-memory state or does channel handoff.
	bus.Subscribe(tracker.OnTick)
	bus.Subscribe(candleEngine.OnTick)
	bus.Subscribe(hub.BroadcastTick)
	bus.Subscribe(cache.StoreTick)

	return e, nil
}

// Start recovers the journal, syncs the instrument master, and launches
// all background loops. Journal recovery must finish before the execution
// loop starts, so it runs synchronously here.
func (e *Engine) Start() error {
	if err := e.wal.Recover(e.ctx, trading.NewProber(e.svc)); err != nil {
		// Corruption halts trading but the market-data side still serves.
		e.logger.Error("journal recovery failed", "error", err)
	}

	if err := e.repo.Sync(e.ctx, e.rest, e.cfg.Broker.MinSafetyCount); err != nil {
		e.logger.Error("initial instrument sync failed", "error", err)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.repo.RunDailySync(e.ctx, e.rest, e.cfg.Broker.MinSafetyCount, instrumentSyncInterval)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.super.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.svc.RunExecutor(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.riskMgr.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.server.Start(); err != nil {
			e.logger.Error("api server failed", "error", err)
		}
	}()

	e.logger.Info("engine started",
		"port", e.cfg.Server.Port,
		"paper_trading", e.cfg.PaperTradingMode,
		"candle_intervals", e.cfg.Feed.CandleIntervals)
	return nil
}

// Stop shuts down in dependency order: stop accepting requests, stop the
// loops, drain the tick bus, then close storage.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	if err := e.server.Stop(); err != nil {
		e.logger.Error("api server shutdown failed", "error", err)
	}

	e.cancel()
	e.wg.Wait()

	e.adapter.Disconnect()
	e.bus.Close()
	e.cache.Close()

	if err := e.rdb.Close(); err != nil {
		e.logger.Error("redis close failed", "error", err)
	}
	if err := e.st.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}

	e.logger.Info("shutdown complete")
}
