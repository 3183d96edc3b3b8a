// Command marketcored runs the market-data and strategy-execution core:
// Feed Connector → Candle Aggregator → Distribution Bus → Strategy
// Scheduler → Risk Gate, fronted by a WebSocket gateway and a REST API.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/tradingcore/marketcore/internal/config"
	"github.com/tradingcore/marketcore/internal/pipeline"
	"github.com/tradingcore/marketcore/internal/tick"
)

func main() {
	_ = godotenv.Load()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()
	if cfg.FeedMode == config.FeedReplay {
		log.Fatal("marketcored: feed-mode=replay is served by cmd/replay, not marketcored")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("marketcored: %v", err)
	}

	log.Println("marketcored starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		cancel()
	}()

	deps, err := pipeline.Wire(ctx, cfg)
	if err != nil {
		log.Fatalf("marketcored: wiring failed: %v", err)
	}
	defer deps.Close()

	source := newSource(cfg)

	// errgroup supervises every long-running goroutine of this instance:
	// the feed loop, the signal drain, and the WS/API servers. The first
	// one to return an error cancels the shared context, which unwinds
	// the rest — the pipeline's top-level shutdown.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		deps.DrainSignals(gctx)
		return nil
	})
	g.Go(func() error {
		if err := deps.RunFeed(gctx, cfg, source); err != nil {
			return fmt.Errorf("feed loop: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := deps.Serve(gctx, cfg); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("marketcored: %v", err)
	}
	cancel()

	log.Println("marketcored stopped")
}

// newSource builds the configured tick.Source: a live upstream feed or a
// synthetic per-symbol GBM walk.
func newSource(cfg *config.Config) tick.Source {
	switch cfg.FeedMode {
	case config.FeedLive:
		return tick.NewLiveSource(cfg.LiveFeedURL)
	default:
		symbols := make([]tick.SimSymbol, 0, len(cfg.Symbols))
		for _, sym := range cfg.Symbols {
			symbols = append(symbols, tick.SimSymbol{
				Symbol:               sym,
				Exchange:             cfg.Exchange,
				BasePrice:            decimal.NewFromInt(100),
				TickSize:             decimal.NewFromFloat(0.05),
				VolatilityMultiplier: 1,
				Interval:             tickInterval(cfg),
			})
		}
		return tick.NewSimulatedSource(cfg.SimSeed, symbols)
	}
}

func tickInterval(cfg *config.Config) time.Duration {
	if cfg.SimTickInterval <= 0 {
		return time.Second
	}
	return cfg.SimTickInterval
}
