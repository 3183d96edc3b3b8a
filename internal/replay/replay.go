// Package replay implements the Replay subsystem: a tick.Source driven
// by a synthetic clock reading historical ticks instead of a live or
// simulated feed, so the rest of the pipeline (aggregator, distribution
// bus, scheduler) runs unmodified against recorded data.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradingcore/marketcore/internal/tick"
)

// Record is one historical tick as persisted to an NDJSON replay file,
// one JSON object per line, ascending by Timestamp.
type Record struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// History is the historical-tick read path a Source replays from. The
// module's one implementation is the NDJSON-backed one NewFileHistory
// returns (used by cmd/replay); tests use an in-memory one.
type History interface {
	// Ticks returns every recorded tick for symbols within [start, end),
	// ascending by Timestamp. symbols empty means all symbols.
	Ticks(ctx context.Context, symbols []string, start, end time.Time) ([]Record, error)
}

// fileHistory reads Records from an NDJSON file, one JSON object per
// line, reproduced as a flat tick log rather than a serialized session.
type fileHistory struct {
	path string
}

// NewFileHistory opens an NDJSON tick log for replay.
func NewFileHistory(path string) History {
	return &fileHistory{path: path}
}

func (f *fileHistory) Ticks(ctx context.Context, symbols []string, start, end time.Time) ([]Record, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("replay.fileHistory.Ticks: %w", err)
	}
	defer file.Close()

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	var out []Record
	scanner := bufio.NewReader(file)
	for {
		line, err := scanner.ReadBytes('\n')
		if len(line) > 0 {
			var r Record
			if jsonErr := json.Unmarshal(line, &r); jsonErr == nil {
				if (len(want) == 0 || want[r.Symbol]) && !r.Timestamp.Before(start) && r.Timestamp.Before(end) {
					out = append(out, r)
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("replay.fileHistory.Ticks: %w", err)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Source replays historical ticks through the tick.Source contract,
// advancing a virtual clock at Speed× real time (or as fast as
// possible when Speed is 0), with support for jumping to an arbitrary
// point in the replay window.
type Source struct {
	history    History
	start, end time.Time
	speed      float64

	mu          sync.Mutex
	subscribed  map[string]bool
	running     bool
	cancel      func()
	wg          sync.WaitGroup
	virtualTime time.Time

	tickCbs []func(tick.Tick)
	lostCbs []func()
}

// NewSource creates a replay Source over [start, end). speed is the
// playback speed multiplier relative to wall-clock time; 0 means play
// back as fast as possible with no pacing.
func NewSource(history History, start, end time.Time, speed float64) *Source {
	return &Source{
		history:    history,
		start:      start,
		end:        end,
		speed:      speed,
		subscribed: make(map[string]bool),
	}
}

func (s *Source) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.virtualTime = s.start
	return nil
}

func (s *Source) Disconnect() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	lostCbs := append([]func(){}, s.lostCbs...)
	s.mu.Unlock()
	for _, cb := range lostCbs {
		cb()
	}
}

// Subscribe starts (or restarts) playback across symbols. Calling
// Subscribe again while already playing adds symbols to the active symbol
// set and restarts playback from the current virtual time.
func (s *Source) Subscribe(symbols []string, exchange string) error {
	s.mu.Lock()
	for _, sym := range symbols {
		s.subscribed[sym] = true
	}
	running := s.running
	if running && s.cancel != nil {
		cancel := s.cancel
		s.cancel = nil
		s.mu.Unlock()
		cancel()
		s.wg.Wait()
		s.mu.Lock()
	}
	s.mu.Unlock()

	if running {
		return s.startPlayback()
	}
	return nil
}

func (s *Source) Unsubscribe(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		delete(s.subscribed, sym)
	}
	return nil
}

func (s *Source) OnTick(cb func(tick.Tick)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickCbs = append(s.tickCbs, cb)
}

func (s *Source) OnConnectionLost(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lostCbs = append(s.lostCbs, cb)
}

// startPlayback loads the symbol set's history and runs it on a
// dedicated goroutine, pacing emission by Speed.
func (s *Source) startPlayback() error {
	s.mu.Lock()
	symbols := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		symbols = append(symbols, sym)
	}
	from := s.virtualTime
	s.mu.Unlock()

	records, err := s.history.Ticks(context.Background(), symbols, from, s.end)
	if err != nil {
		return fmt.Errorf("replay.Source.Subscribe: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := newCancelPair()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.playback(ctx, records)
	return nil
}

func (s *Source) playback(ctx cancelCtx, records []Record) {
	defer s.wg.Done()

	prevTS := records[0].Timestamp
	for _, r := range records {
		if s.speed > 0 {
			gap := r.Timestamp.Sub(prevTS)
			if gap > 0 {
				wait := time.Duration(float64(gap) / s.speed)
				t := time.NewTimer(wait)
				select {
				case <-ctx.done:
					t.Stop()
					return
				case <-t.C:
				}
			}
		} else {
			select {
			case <-ctx.done:
				return
			default:
			}
		}
		prevTS = r.Timestamp

		s.mu.Lock()
		s.virtualTime = r.Timestamp
		cbs := append([]func(tick.Tick){}, s.tickCbs...)
		s.mu.Unlock()

		t := tick.Tick{
			Symbol:    r.Symbol,
			Price:     decimal.NewFromFloat(r.Price),
			Volume:    r.Volume,
			Timestamp: r.Timestamp,
		}
		for _, cb := range cbs {
			invokeTickCallback(cb, t)
		}
	}
}

// CurrentTime returns the replay's current virtual time.
func (s *Source) CurrentTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.virtualTime
}

// JumpTo sets the virtual clock to target (clamped to [start, end]) and,
// if playback is active, restarts it from there.
func (s *Source) JumpTo(target time.Time) {
	s.mu.Lock()
	if target.Before(s.start) {
		target = s.start
	}
	if target.After(s.end) {
		target = s.end
	}
	s.virtualTime = target
	running := s.running
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	if running {
		_ = s.startPlayback()
	}
}

// invokeTickCallback is the Feed Connector's recover boundary, mirrored
// here from internal/tick since a panicking subscriber must never stall
// replay playback.
func invokeTickCallback(cb func(tick.Tick), t tick.Tick) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("replay: callback panicked on %s: %v", t.Symbol, r)
		}
	}()
	cb(t)
}

// cancelCtx is a minimal cancellation signal, the same pattern
// internal/tick's SimulatedSource uses to stop per-symbol goroutines
// without a context.Context import for what is purely an internal stop
// signal.
type cancelCtx struct {
	done <-chan struct{}
}

func newCancelPair() (cancelCtx, func()) {
	ch := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(ch) }) }
	return cancelCtx{done: ch}, cancel
}
