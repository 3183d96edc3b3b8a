package tick

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradingcore/marketcore/internal/engine"
)

const (
	baseDailyVol = 0.02
	ticksPerDay  = 86400
)

// SimSymbol is the per-symbol price-walk configuration for
// SimulatedSource: base price, tick size and volatility multiplier.
type SimSymbol struct {
	Symbol               string
	Exchange             string
	BasePrice            decimal.Decimal
	TickSize             decimal.Decimal
	VolatilityMultiplier float64
	Interval             time.Duration
}

type simState struct {
	cfg   SimSymbol
	price float64
}

// SimulatedSource replays a synthetic GBM price walk per symbol using
// engine.RNG, emitting tick.Tick values through OnTick on a fixed
// per-symbol interval.
type SimulatedSource struct {
	rng *engine.RNG

	mu         sync.Mutex
	states     map[string]*simState
	subscribed map[string]bool
	running    bool
	ctx        cancelCtx
	cancel     func()
	wg         sync.WaitGroup

	tickCbs []func(Tick)
	lostCbs []func()
}

// NewSimulatedSource creates a SimulatedSource seeded with rngSeed (0 picks
// a time-derived seed, matching engine.NewRNG) over the given symbol set.
func NewSimulatedSource(rngSeed int64, symbols []SimSymbol) *SimulatedSource {
	states := make(map[string]*simState, len(symbols))
	for _, s := range symbols {
		price, _ := s.BasePrice.Float64()
		states[s.Symbol] = &simState{cfg: s, price: price}
	}
	return &SimulatedSource{
		rng:        engine.NewRNG(rngSeed),
		states:     states,
		subscribed: make(map[string]bool),
	}
}

// Connect starts one tick-generating goroutine per subscribed symbol.
// Calling Connect again after Disconnect resumes generation.
func (s *SimulatedSource) Connect() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := newCancelPair()
	s.ctx = ctx
	s.cancel = cancel
	s.running = true
	symbols := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		symbols = append(symbols, sym)
	}
	s.mu.Unlock()

	for _, sym := range symbols {
		s.startRunner(ctx, sym)
	}
	return nil
}

// Disconnect stops all tick-generating goroutines.
func (s *SimulatedSource) Disconnect() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	cbs := s.lostCbs
	s.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// Subscribe starts generating ticks for symbols if currently connected;
// otherwise they start generating on the next Connect.
func (s *SimulatedSource) Subscribe(symbols []string, exchange string) error {
	s.mu.Lock()
	running := s.running
	var toStart []string
	for _, sym := range symbols {
		if _, ok := s.states[sym]; !ok {
			s.states[sym] = &simState{cfg: SimSymbol{Symbol: sym, Exchange: exchange, BasePrice: decimal.NewFromInt(100), TickSize: decimal.NewFromFloat(0.01), VolatilityMultiplier: 1, Interval: time.Second}, price: 100}
		}
		if !s.subscribed[sym] {
			s.subscribed[sym] = true
			toStart = append(toStart, sym)
		}
	}
	s.mu.Unlock()

	if running {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		for _, sym := range toStart {
			s.startRunner(ctx, sym)
		}
	}
	return nil
}

// Unsubscribe stops tick generation for symbols. The runner goroutines
// observe this on their next tick and exit.
func (s *SimulatedSource) Unsubscribe(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		delete(s.subscribed, sym)
	}
	return nil
}

func (s *SimulatedSource) OnTick(f func(Tick)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickCbs = append(s.tickCbs, f)
}

func (s *SimulatedSource) OnConnectionLost(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lostCbs = append(s.lostCbs, f)
}

func (s *SimulatedSource) startRunner(ctx cancelCtx, sym string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSymbol(ctx, sym)
	}()
}

// runSymbol is the per-symbol tick loop: a fixed-interval ticker
// advancing a GBM price walk.
func (s *SimulatedSource) runSymbol(ctx cancelCtx, sym string) {
	s.mu.Lock()
	st, ok := s.states[sym]
	s.mu.Unlock()
	if !ok {
		return
	}

	interval := st.cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.subscribed[sym] {
				s.mu.Unlock()
				return
			}
			price := s.stepPrice(st)
			volume := int64(1 + s.rng.Intn(500))
			cbs := append([]func(Tick){}, s.tickCbs...)
			s.mu.Unlock()

			tk := Tick{
				Symbol:    sym,
				Price:     decimal.NewFromFloat(price).Round(8),
				Volume:    volume,
				Timestamp: time.Now(),
			}
			for _, cb := range cbs {
				invokeTickCallback(cb, tk)
			}
		}
	}
}

// stepPrice advances the GBM walk one tick: per-tick vol scaled from
// daily vol, snapped to the symbol's tick size and floored at one tick.
func (s *SimulatedSource) stepPrice(st *simState) float64 {
	tickSize, _ := st.cfg.TickSize.Float64()
	if tickSize <= 0 {
		tickSize = 0.01
	}
	volMult := st.cfg.VolatilityMultiplier
	if volMult <= 0 {
		volMult = 1
	}

	tickVol := baseDailyVol / math.Sqrt(ticksPerDay) * volMult
	z := s.rng.Gaussian()
	logReturn := tickVol * z
	price := st.price * math.Exp(logReturn)

	price = math.Round(price/tickSize) * tickSize
	if price < tickSize {
		price = tickSize
	}
	st.price = price
	return price
}

// cancelCtx is a minimal cancellation signal, avoiding a context.Context
// import for what is purely an internal stop signal (Ingest downstream
// still takes a context.Context; this is about stopping goroutines, not
// request-scoped deadlines).
type cancelCtx struct {
	done <-chan struct{}
}

func newCancelPair() (cancelCtx, func()) {
	ch := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(ch) }) }
	return cancelCtx{done: ch}, cancel
}
