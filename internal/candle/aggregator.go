package candle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradingcore/marketcore/internal/errs"
)

// FormingStore is the forming-candle key-value store: keys are
// forming_candle:<symbol>:<timeframe>, values are serialized Candles, TTL
// at least one hour. Redis is the production implementation
// (internal/store); tests use an in-memory stand-in.
type FormingStore interface {
	Get(ctx context.Context, symbol string, tf Timeframe) (*Candle, error)
	Set(ctx context.Context, c Candle) error
	Delete(ctx context.Context, symbol string, tf Timeframe) error
}

// Writer is the append-only time-series sink completed candles are
// written to. Writer failures are logged but never stall the pipeline.
type Writer interface {
	WriteCandle(ctx context.Context, c Candle) error
}

// Aggregator is the tick-to-candle state machine: a pure function of
// tick arrival order, fanning out forming-candle updates and
// exactly-once bar completions across the seven timeframes.
type Aggregator struct {
	store  FormingStore
	writer Writer
	loc    *time.Location

	keyMu sync.Map // string -> *sync.Mutex, one per "symbol:timeframe"

	mu         sync.RWMutex
	onUpdate   []func(Candle)
	onComplete []func(Candle)

	onWriterError func(error)
}

// Option configures an Aggregator at construction.
type Option func(*Aggregator)

// WithLocation sets the exchange-local location used to floor 1d candles
// to midnight. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) { a.loc = loc }
}

// WithWriterErrorHandler registers a callback invoked when the
// Time-Series Writer fails; the pipeline otherwise continues unaffected.
func WithWriterErrorHandler(f func(error)) Option {
	return func(a *Aggregator) { a.onWriterError = f }
}

// NewAggregator creates an Aggregator over the given forming-candle store
// and time-series writer.
func NewAggregator(store FormingStore, writer Writer, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:  store,
		writer: writer,
		loc:    time.UTC,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OnUpdate registers a callback fired on every tick that touches a
// forming candle (including the tick that opens a new bar).
func (a *Aggregator) OnUpdate(f func(Candle)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onUpdate = append(a.onUpdate, f)
}

// OnComplete registers a callback fired exactly once per bar with ticks,
// on the first tick of the next bar (or on ForceComplete).
func (a *Aggregator) OnComplete(f func(Candle)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onComplete = append(a.onComplete, f)
}

func (a *Aggregator) lockFor(symbol string, tf Timeframe) *sync.Mutex {
	key := symbol + ":" + string(tf)
	v, _ := a.keyMu.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Ingest folds one tick into the forming candle of every one of the seven
// timeframes. Timeframes are logically parallel, each updated once per
// tick; per-key locking lets unrelated (symbol, timeframe) pairs advance
// independently while keeping a single timeframe's updates strictly
// ordered.
func (a *Aggregator) Ingest(ctx context.Context, symbol string, price decimal.Decimal, volume int64, at time.Time) error {
	for _, tf := range All() {
		if err := a.ingestOne(ctx, symbol, tf, price, volume, at); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) ingestOne(ctx context.Context, symbol string, tf Timeframe, price decimal.Decimal, volume int64, at time.Time) error {
	lock := a.lockFor(symbol, tf)
	lock.Lock()
	defer lock.Unlock()

	start := BucketStart(at, tf, a.loc)

	forming, err := a.store.Get(ctx, symbol, tf)
	if err != nil {
		return errs.New(errs.Fatal, fmt.Sprintf("candle.Ingest(%s,%s)", symbol, tf), err)
	}

	var updated Candle
	switch {
	case forming == nil:
		updated = FirstTick(symbol, tf, start, price, volume)
	case forming.Start.Equal(start):
		updated = *forming
		updated.ApplyTick(price, volume)
	default:
		// Bucket has rolled over: the prior forming candle is now final.
		completed := *forming
		completed.Forming = false
		a.dispatchComplete(completed)
		a.writeCompleted(ctx, completed)
		updated = FirstTick(symbol, tf, start, price, volume)
	}

	if err := a.store.Set(ctx, updated); err != nil {
		return errs.New(errs.Fatal, fmt.Sprintf("candle.Ingest(%s,%s)", symbol, tf), err)
	}
	a.dispatchUpdate(updated)
	return nil
}

// ForceComplete finalizes the forming candle for (symbol, timeframe)
// without waiting for a follow-up tick, for end-of-session flushes.
func (a *Aggregator) ForceComplete(ctx context.Context, symbol string, tf Timeframe) error {
	lock := a.lockFor(symbol, tf)
	lock.Lock()
	defer lock.Unlock()

	forming, err := a.store.Get(ctx, symbol, tf)
	if err != nil {
		return errs.New(errs.Fatal, fmt.Sprintf("candle.ForceComplete(%s,%s)", symbol, tf), err)
	}
	if forming == nil {
		return nil
	}

	completed := *forming
	completed.Forming = false
	if err := a.store.Delete(ctx, symbol, tf); err != nil {
		return errs.New(errs.Fatal, fmt.Sprintf("candle.ForceComplete(%s,%s)", symbol, tf), err)
	}
	a.dispatchComplete(completed)
	a.writeCompleted(ctx, completed)
	return nil
}

func (a *Aggregator) writeCompleted(ctx context.Context, c Candle) {
	if a.writer == nil {
		return
	}
	if err := a.writer.WriteCandle(ctx, c); err != nil {
		if a.onWriterError != nil {
			a.onWriterError(errs.New(errs.Transient, "candle.Writer.WriteCandle", err))
		}
	}
}

func (a *Aggregator) dispatchUpdate(c Candle) {
	a.mu.RLock()
	cbs := a.onUpdate
	a.mu.RUnlock()
	for _, cb := range cbs {
		cb(c)
	}
}

func (a *Aggregator) dispatchComplete(c Candle) {
	a.mu.RLock()
	cbs := a.onComplete
	a.mu.RUnlock()
	for _, cb := range cbs {
		cb(c)
	}
}
