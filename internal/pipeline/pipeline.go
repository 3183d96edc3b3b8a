// Package pipeline wires the market-data/strategy-execution core
// together: Feed Connector → Candle Aggregator → Distribution Bus →
// Strategy Scheduler → Risk Gate, plus the REST/WS surface and
// background maintenance loops. cmd/marketcored and cmd/replay share
// this wiring and differ only in which tick.Source they hand it.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/tradingcore/marketcore/internal/api"
	"github.com/tradingcore/marketcore/internal/archive"
	"github.com/tradingcore/marketcore/internal/assembler"
	"github.com/tradingcore/marketcore/internal/candle"
	"github.com/tradingcore/marketcore/internal/config"
	"github.com/tradingcore/marketcore/internal/distbus"
	"github.com/tradingcore/marketcore/internal/indicator"
	"github.com/tradingcore/marketcore/internal/obs"
	"github.com/tradingcore/marketcore/internal/risk"
	"github.com/tradingcore/marketcore/internal/store"
	"github.com/tradingcore/marketcore/internal/strategy"
	"github.com/tradingcore/marketcore/internal/tick"
	"github.com/tradingcore/marketcore/internal/tsdb"
	"github.com/tradingcore/marketcore/internal/wsgateway"

	"github.com/tradingcore/marketcore/pkg/plugins/macrossover"
)

const tickChannelSize = 4096

// Deps is every component cmd/marketcored and cmd/replay wire into a
// running server: built once by Wire, then driven by RunFeed and Serve.
type Deps struct {
	TSDB  *tsdb.Store
	Redis *store.Client

	Aggregator *candle.Aggregator
	History    *tsdb.CandleHistory
	Bus        *distbus.Bus
	Assembler  *assembler.Assembler
	Gate       *risk.Gate
	Scheduler  *strategy.Scheduler
	Metrics    *obs.Metrics

	Signals chan strategy.Signal
}

// Wire connects every component against live MongoDB/Redis backends and
// loads the demo strategy if cfg.DemoStrategy is set. The caller is
// responsible for calling Close when done.
func Wire(ctx context.Context, cfg *config.Config) (*Deps, error) {
	tsdbStore, err := tsdb.NewStore(ctx, cfg.MongoURI)
	if err != nil {
		return nil, fmt.Errorf("pipeline.Wire: mongo: %w", err)
	}
	if err := tsdbStore.Migrate(ctx); err != nil {
		tsdbStore.Close(context.Background())
		return nil, fmt.Errorf("pipeline.Wire: migrate: %w", err)
	}

	redisClient, err := store.New(ctx, store.ClientConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		PoolSize:   cfg.RedisPoolSize,
		MaxRetries: cfg.RedisMaxRetries,
		TLSEnabled: cfg.RedisTLS,
	})
	if err != nil {
		tsdbStore.Close(context.Background())
		return nil, fmt.Errorf("pipeline.Wire: redis: %w", err)
	}

	metrics := obs.NewMetrics()

	history := tsdb.NewCandleHistory(tsdbStore)
	writer := tsdb.NewCandleWriter(tsdbStore)
	formingStore := store.NewFormingCandleStore(redisClient)

	agg := candle.NewAggregator(formingStore, writer, candle.WithWriterErrorHandler(func(err error) {
		metrics.DroppedCandleWrites.Inc()
		log.Printf("pipeline: candle write failed: %v", err)
	}))

	indicatorCache := store.NewIndicatorCache(redisClient)
	engine := indicator.NewEngine(indicatorCache)
	asm := assembler.NewAssembler(history, formingStore, engine, 60*time.Second)

	bus := distbus.NewBus(500)

	signals := make(chan strategy.Signal, 256)

	riskStore := store.NewRiskLimitsStore(redisClient)

	var scheduler *strategy.Scheduler
	gate := risk.NewGate(riskStore,
		risk.WithConcurrentLimit(risk.ModePaper, cfg.MaxConcurrentPaper),
		risk.WithConcurrentLimit(risk.ModeLive, cfg.MaxConcurrentLive),
		risk.WithBreachHandler(func(accountID string, mode risk.Mode, reason string) {
			if scheduler == nil {
				return
			}
			scheduler.PauseFleet(context.Background(), accountID, mode, reason)
		}),
	)

	stateStore := store.NewStrategyStateStore(redisClient)
	scheduler = strategy.NewScheduler(stateStore, gate, asm, strategy.WithSignalHandler(func(sig strategy.Signal) {
		select {
		case signals <- sig:
		default:
			metrics.DroppedSignals.Inc()
			log.Printf("pipeline: dropped signal for %s, signals channel full", sig.StrategyID)
		}
	}))

	// Forward every bar completion to the Distribution Bus and to every
	// active strategy's OnCandleComplete: a single goroutine dispatching
	// both to subscribers and to strategies.
	agg.OnComplete(func(c candle.Candle) {
		if err := formingStore.PublishComplete(ctx, c); err != nil {
			log.Printf("pipeline: publish candle complete failed: %v", err)
		}
		bus.PublishCandleComplete(c.Symbol, c.Timeframe, c)
		dispatchCandleComplete(ctx, scheduler, c)
	})
	agg.OnUpdate(func(c candle.Candle) {
		bus.PublishCandleUpdate(c.Symbol, c.Timeframe, c)
	})

	if cfg.PluginDir != "" {
		if err := scheduler.ReloadPlugins(cfg.PluginDir); err != nil {
			log.Printf("pipeline: plugin manifests not loaded from %s: %v", cfg.PluginDir, err)
		}
	}

	if n, err := scheduler.Rehydrate(ctx); err != nil {
		log.Printf("pipeline: strategy rehydration failed: %v", err)
	} else if n > 0 {
		log.Printf("pipeline: rehydrated %d strategies from persisted state", n)
	}

	if cfg.DemoStrategy {
		if err := loadDemoStrategy(ctx, gate, scheduler, cfg); err != nil {
			log.Printf("pipeline: demo strategy not loaded: %v", err)
		}
	}

	return &Deps{
		TSDB:       tsdbStore,
		Redis:      redisClient,
		Aggregator: agg,
		History:    history,
		Bus:        bus,
		Assembler:  asm,
		Gate:       gate,
		Scheduler:  scheduler,
		Metrics:    metrics,
		Signals:    signals,
	}, nil
}

func loadDemoStrategy(ctx context.Context, gate *risk.Gate, scheduler *strategy.Scheduler, cfg *config.Config) error {
	maxLoss, err := decimal.NewFromString(cfg.DefaultMaxLossPaper)
	if err != nil {
		return fmt.Errorf("parse default-max-loss-paper: %w", err)
	}
	if err := gate.SetMaxLoss(ctx, cfg.DemoAccountID, risk.ModePaper, maxLoss); err != nil {
		return fmt.Errorf("set default risk limit: %w", err)
	}

	demoCfg := strategy.Config{
		StrategyID: "demo-ma-crossover",
		AccountID:  cfg.DemoAccountID,
		Mode:       risk.ModePaper,
		Symbols:    cfg.Symbols,
		Timeframes: []candle.Timeframe{candle.Timeframe(cfg.DemoTimeframe)},
		Parameters: map[string]interface{}{
			"fast_period": float64(cfg.DemoFastPeriod),
			"slow_period": float64(cfg.DemoSlowPeriod),
			"quantity":    float64(cfg.DemoQuantity),
		},
	}
	if err := scheduler.LoadStrategy(ctx, demoCfg, macrossover.Name); err != nil {
		return fmt.Errorf("load strategy: %w", err)
	}
	log.Printf("pipeline: demo strategy %s loaded for account %s over %v", demoCfg.StrategyID, demoCfg.AccountID, cfg.Symbols)
	return nil
}

// dispatchCandleComplete runs every currently active strategy's
// OnCandleComplete for the bar that just closed. Scheduler filters
// irrelevant (symbol, timeframe, strategy) combinations internally.
func dispatchCandleComplete(ctx context.Context, scheduler *strategy.Scheduler, c candle.Candle) {
	for _, id := range scheduler.ActiveStrategyIDs() {
		if _, err := scheduler.ExecuteOnCandleComplete(ctx, c.Symbol, c.Timeframe, c, id); err != nil {
			log.Printf("pipeline: %s candle-complete dispatch failed: %v", id, err)
		}
	}
}

// RunFeed connects source, subscribes to cfg.Symbols, and drains ticks
// through a bounded channel into the Candle Aggregator and every active
// strategy's OnTick: a single goroutine draining a bounded channel,
// dropping on overflow rather than blocking the feed. Blocks until ctx
// is cancelled.
func (d *Deps) RunFeed(ctx context.Context, cfg *config.Config, source tick.Source) error {
	tickCh := make(chan tick.Tick, tickChannelSize)

	// The Distribution Bus owns subscriber interest; once a symbol's last
	// subscriber unsubscribes the Feed Connector is told to drop it
	// upstream, and resubscribed the next time a subscriber asks for it.
	d.Bus.SetSymbolDropped(func(symbol string) {
		if err := source.Unsubscribe([]string{symbol}); err != nil {
			log.Printf("pipeline: drop upstream subscription for %s failed: %v", symbol, err)
		}
	})
	d.Bus.SetSymbolSubscribed(func(symbol string) {
		if err := source.Subscribe([]string{symbol}, cfg.Exchange); err != nil {
			log.Printf("pipeline: resubscribe upstream for %s failed: %v", symbol, err)
		}
	})

	// On overflow the oldest queued tick is discarded to make room for the
	// newest one.
	source.OnTick(func(t tick.Tick) {
		select {
		case tickCh <- t:
			return
		default:
		}
		select {
		case <-tickCh:
			d.Metrics.DroppedTicks.Inc()
		default:
		}
		select {
		case tickCh <- t:
		default:
			d.Metrics.DroppedTicks.Inc()
		}
	})
	source.OnConnectionLost(func() {
		log.Println("pipeline: feed connection lost")
	})

	if err := source.Connect(); err != nil {
		return fmt.Errorf("pipeline.RunFeed: connect: %w", err)
	}
	if err := source.Subscribe(cfg.Symbols, cfg.Exchange); err != nil {
		return fmt.Errorf("pipeline.RunFeed: subscribe: %w", err)
	}
	log.Printf("pipeline: feed connected, subscribed to %v", cfg.Symbols)

	for {
		select {
		case <-ctx.Done():
			source.Disconnect()
			return nil
		case t := <-tickCh:
			d.handleTick(ctx, t)
		}
	}
}

func (d *Deps) handleTick(ctx context.Context, t tick.Tick) {
	d.Bus.PublishTick(t.Symbol, t)

	if err := d.Aggregator.Ingest(ctx, t.Symbol, t.Price, t.Volume, t.Timestamp); err != nil {
		log.Printf("pipeline: ingest %s failed: %v", t.Symbol, err)
		return
	}

	for _, id := range d.Scheduler.ActiveStrategyIDs() {
		if _, err := d.Scheduler.ExecuteOnTick(ctx, t.Symbol, id); err != nil {
			log.Printf("pipeline: %s tick dispatch failed: %v", id, err)
		}
	}
}

// DrainSignals logs every strategy signal until ctx is cancelled. The
// actual order processor is an external collaborator, consumed by an
// order processor goroutine outside this repo; this is the in-repo
// stand-in so the channel never backs up silently during local runs.
func (d *Deps) DrainSignals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-d.Signals:
			log.Printf("pipeline: signal strategy=%s symbol=%s type=%s direction=%s qty=%s",
				sig.StrategyID, sig.Symbol, sig.Type, sig.Direction, sig.Quantity)
		}
	}
}

// Serve starts the background maintenance loops (retention, archiver,
// metrics logger) and the REST/WS HTTP server. Blocks until ctx is
// cancelled, then shuts the server down gracefully.
func (d *Deps) Serve(ctx context.Context, cfg *config.Config) error {
	go tsdb.RunRetention(ctx, d.TSDB, cfg.CandleRetentionDays)
	go d.Metrics.RunLogger(ctx, cfg.MetricsLogInterval)

	if cfg.ArchiveDir != "" {
		archiver := archive.New(d.TSDB.DB(), cfg.ArchiveDir, cfg.ArchiveMaxGB, cfg.ArchiveIntervalHours, cfg.ArchiveAfterHours)
		go archiver.Run(ctx)
	}

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/feed", wsgateway.Handler(d.Bus))
	wsMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","subscribers":%d,"strategies":%d}`, d.Bus.SubscriberCount(), len(d.Scheduler.ActiveStrategyIDs()))
	})

	apiServer := api.NewServer(d.History, d.Scheduler, store.NewStrategyStateStore(d.Redis), d.Bus)
	apiMux := http.NewServeMux()
	apiServer.Register(apiMux)

	wsAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.WSPort)
	apiAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.APIPort)

	wsSrv := &http.Server{Addr: wsAddr, Handler: wsMux}
	apiSrv := &http.Server{Addr: apiAddr, Handler: apiMux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		wsSrv.Shutdown(shutdownCtx)
		apiSrv.Shutdown(shutdownCtx)
	}()

	var g errgroup.Group
	g.Go(func() error {
		log.Printf("wsgateway listening on ws://%s/feed", wsAddr)
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ws server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("api listening on http://%s", apiAddr)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close releases the store connections. Call after ctx cancellation
// once Serve/RunFeed have returned.
func (d *Deps) Close() {
	d.TSDB.Close(context.Background())
	d.Redis.Close()
}
