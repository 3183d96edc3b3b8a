// Command replay runs the same core pipeline as marketcored, but driven
// by a synthetic clock reading historical ticks from an NDJSON file
// instead of a live or simulated feed — the Replay subsystem's
// entrypoint, substituting tick.Source the way cmd/marketcored's
// newSource does for live/simulated.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tradingcore/marketcore/internal/config"
	"github.com/tradingcore/marketcore/internal/pipeline"
	"github.com/tradingcore/marketcore/internal/replay"
)

func main() {
	_ = godotenv.Load()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()
	if cfg.FeedMode != config.FeedReplay {
		log.Fatal("replay: -feed-mode must be replay")
	}
	if cfg.ReplayFile == "" {
		log.Fatal("replay: -replay-file is required")
	}

	log.Printf("replay starting: file=%s speed=%v window=[%v,%v)", cfg.ReplayFile, cfg.ReplaySpeed, cfg.ReplayStart, cfg.ReplayEnd)

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
		log.Fatalf("replay: wiring failed: %v", err)
	}
	defer deps.Close()

	history := replay.NewFileHistory(cfg.ReplayFile)
	source := replay.NewSource(history, cfg.ReplayStart, cfg.ReplayEnd, cfg.ReplaySpeed)

	// Same errgroup-supervised shutdown as cmd/marketcored: the feed
	// loop, the signal drain, and the WS/API servers all share gctx, and
	// the first failure cancels the rest.
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
		log.Printf("replay: %v", err)
	}
	cancel()

	log.Println("replay stopped")
}
