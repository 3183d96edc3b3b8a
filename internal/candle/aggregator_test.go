package candle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type memStore struct {
	mu sync.Mutex
	m  map[string]Candle
}

func newMemStore() *memStore { return &memStore{m: make(map[string]Candle)} }

func (s *memStore) key(symbol string, tf Timeframe) string { return symbol + ":" + string(tf) }

func (s *memStore) Get(_ context.Context, symbol string, tf Timeframe) (*Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[s.key(symbol, tf)]
	if !ok {
		return nil, nil
	}
	cp := c
	return &cp, nil
}

func (s *memStore) Set(_ context.Context, c Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[s.key(c.Symbol, c.Timeframe)] = c
	return nil
}

func (s *memStore) Delete(_ context.Context, symbol string, tf Timeframe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, s.key(symbol, tf))
	return nil
}

type memWriter struct {
	mu      sync.Mutex
	written []Candle
}

func (w *memWriter) WriteCandle(_ context.Context, c Candle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, c)
	return nil
}

// TestS2CandleCompletion reproduces spec scenario S2: a fourth tick past
// the bar boundary completes the 09:15 bar and opens a new forming bar.
func TestS2CandleCompletion(t *testing.T) {
	store := newMemStore()
	writer := &memWriter{}
	agg := NewAggregator(store, writer)

	var completed []Candle
	var updates []Candle
	agg.OnComplete(func(c Candle) { completed = append(completed, c) })
	agg.OnUpdate(func(c Candle) { updates = append(updates, c) })

	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	ticks := []struct {
		at     time.Duration
		price  int64
		volume int64
	}{
		{9*time.Hour + 15*time.Minute + 10*time.Second, 100, 10},
		{9*time.Hour + 15*time.Minute + 40*time.Second, 102, 5},
		{9*time.Hour + 15*time.Minute + 55*time.Second, 99, 7},
		{9*time.Hour + 16*time.Minute + 2*time.Second, 101, 3},
	}

	for _, tk := range ticks {
		if err := agg.Ingest(context.Background(), "X", decimal.NewFromInt(tk.price), tk.volume, day.Add(tk.at)); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	var oneMinCompletions []Candle
	for _, c := range completed {
		if c.Timeframe == TF1m {
			oneMinCompletions = append(oneMinCompletions, c)
		}
	}
	if len(oneMinCompletions) != 1 {
		t.Fatalf("expected exactly 1 completion for 1m, got %d", len(oneMinCompletions))
	}
	bar := oneMinCompletions[0]
	if !bar.Open.Equal(decimal.NewFromInt(100)) || !bar.High.Equal(decimal.NewFromInt(102)) ||
		!bar.Low.Equal(decimal.NewFromInt(99)) || !bar.Close.Equal(decimal.NewFromInt(99)) || bar.Volume != 22 {
		t.Fatalf("unexpected completed bar: %+v", bar)
	}
	if bar.Forming {
		t.Fatalf("completed bar still marked forming: %+v", bar)
	}

	forming, err := store.Get(context.Background(), "X", TF1m)
	if err != nil || forming == nil {
		t.Fatalf("expected a forming 1m candle after completion, err=%v", err)
	}
	if !forming.Open.Equal(decimal.NewFromInt(101)) || forming.Volume != 3 {
		t.Fatalf("unexpected new forming candle: %+v", forming)
	}

	if len(writer.written) != 1 {
		t.Fatalf("expected 1 candle written to time-series store, got %d", len(writer.written))
	}
}

// TestOnCompleteFiresExactlyOncePerBar verifies OnComplete fires exactly
// once per completed bar.
func TestOnCompleteFiresExactlyOncePerBar(t *testing.T) {
	store := newMemStore()
	agg := NewAggregator(store, nil)

	completions := 0
	agg.OnComplete(func(Candle) { completions++ })

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 65; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		if err := agg.Ingest(context.Background(), "Y", decimal.NewFromInt(int64(50+i)), 1, at); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	if completions != 1 {
		t.Fatalf("expected exactly 1 completion across 65 one-second ticks spanning a single 1m rollover, got %d", completions)
	}
}

// TestForceComplete exercises the end-of-session flush path.
func TestForceComplete(t *testing.T) {
	store := newMemStore()
	agg := NewAggregator(store, nil)

	var completed []Candle
	agg.OnComplete(func(c Candle) { completed = append(completed, c) })

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := agg.Ingest(context.Background(), "Z", decimal.NewFromInt(10), 1, at); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := agg.ForceComplete(context.Background(), "Z", TF1m); err != nil {
		t.Fatalf("force complete: %v", err)
	}

	found := false
	for _, c := range completed {
		if c.Timeframe == TF1m {
			found = true
		}
	}
	if !found {
		t.Fatal("expected force-completed 1m candle in callbacks")
	}

	forming, err := store.Get(context.Background(), "Z", TF1m)
	if err != nil {
		t.Fatalf("get after force complete: %v", err)
	}
	if forming != nil {
		t.Fatalf("expected no forming candle after force complete, got %+v", forming)
	}
}

// TestReplayDeterminism covers the round-trip property: the same tick
// sequence through two fresh Aggregators yields identical completed bars.
func TestReplayDeterminism(t *testing.T) {
	ticks := []struct {
		at     time.Duration
		price  int64
		volume int64
	}{
		{0, 100, 10}, {20 * time.Second, 105, 4}, {61 * time.Second, 103, 2},
		{130 * time.Second, 98, 6}, {190 * time.Second, 101, 1},
	}
	base := time.Date(2024, 7, 4, 9, 30, 0, 0, time.UTC)

	run := func() []Candle {
		store := newMemStore()
		agg := NewAggregator(store, nil)
		var out []Candle
		agg.OnComplete(func(c Candle) { out = append(out, c) })
		for _, tk := range ticks {
			_ = agg.Ingest(context.Background(), "REPLAY", decimal.NewFromInt(tk.price), tk.volume, base.Add(tk.at))
		}
		return out
	}

	a := run()
	b := run()
	if len(a) != len(b) {
		t.Fatalf("non-deterministic completion count: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if !candlesEqual(a[i], b[i]) {
			t.Fatalf("candle %d differs between runs:\n%+v\n%+v", i, a[i], b[i])
		}
	}
}

func candlesEqual(a, b Candle) bool {
	return a.Symbol == b.Symbol &&
		a.Timeframe == b.Timeframe &&
		a.Open.Equal(b.Open) &&
		a.High.Equal(b.High) &&
		a.Low.Equal(b.Low) &&
		a.Close.Equal(b.Close) &&
		a.Volume == b.Volume &&
		a.Start.Equal(b.Start) &&
		a.Forming == b.Forming
}
