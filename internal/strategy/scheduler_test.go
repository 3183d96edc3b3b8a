package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradingcore/marketcore/internal/assembler"
	"github.com/tradingcore/marketcore/internal/candle"
	"github.com/tradingcore/marketcore/internal/risk"
)

type memStateStore struct {
	mu     sync.Mutex
	states map[string]State
	active map[string]bool
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: make(map[string]State), active: make(map[string]bool)}
}

func (m *memStateStore) Load(ctx context.Context, strategyID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[strategyID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memStateStore) Save(ctx context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.StrategyID] = s
	m.active[s.StrategyID] = true
	return nil
}

// ActiveStrategyIDs mirrors the Redis store's active_strategies set: every
// saved strategy ID stays listed until Remove explicitly drops it,
// independent of its last-saved Status.
func (m *memStateStore) ActiveStrategyIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memStateStore) Remove(ctx context.Context, strategyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, strategyID)
	return nil
}

type memRiskStore struct {
	mu     sync.Mutex
	limits map[string]risk.Limits
}

func newMemRiskStore() *memRiskStore {
	return &memRiskStore{limits: make(map[string]risk.Limits)}
}

func (m *memRiskStore) key(accountID string, mode risk.Mode) string { return accountID + "|" + string(mode) }

func (m *memRiskStore) Get(ctx context.Context, accountID string, mode risk.Mode) (*risk.Limits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limits[m.key(accountID, mode)]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (m *memRiskStore) Save(ctx context.Context, l risk.Limits) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[m.key(l.AccountID, l.Mode)] = l
	return nil
}

type fakeHistory struct{}

func (fakeHistory) RecentCandles(ctx context.Context, symbol string, tf candle.Timeframe, count int) ([]candle.Candle, error) {
	return []candle.Candle{
		{Symbol: symbol, Timeframe: tf, Close: decimal.NewFromInt(100), Start: time.Now()},
	}, nil
}

type fakeForming struct{}

func (fakeForming) Get(ctx context.Context, symbol string, tf candle.Timeframe) (*candle.Candle, error) {
	return nil, nil
}
func (fakeForming) Set(ctx context.Context, c candle.Candle) error { return nil }
func (fakeForming) Delete(ctx context.Context, symbol string, tf candle.Timeframe) error {
	return nil
}

func newTestAssembler() *assembler.Assembler {
	return assembler.NewAssembler(fakeHistory{}, fakeForming{}, nil, time.Hour)
}

// recordingPlugin counts callback invocations and can be told to panic or
// return a canned signal.
type recordingPlugin struct {
	mu            sync.Mutex
	ticks         int
	candles       int
	panicOn       string
	nextOnTick    *Signal
	restoredState map[string]interface{}
}

func (p *recordingPlugin) Initialize(cfg Config) error { return nil }

func (p *recordingPlugin) OnTick(data *assembler.Data) (*Signal, error) {
	p.mu.Lock()
	p.ticks++
	p.mu.Unlock()
	if p.panicOn == "tick" {
		panic("boom")
	}
	return p.nextOnTick, nil
}

func (p *recordingPlugin) OnCandleComplete(tf candle.Timeframe, c candle.Candle, data *assembler.Data) (*Signal, error) {
	p.mu.Lock()
	p.candles++
	p.mu.Unlock()
	if p.panicOn == "candle" {
		panic("boom")
	}
	return nil, nil
}

func (p *recordingPlugin) Cleanup() error { return nil }

func (p *recordingPlugin) GetState() (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{"ticks": float64(p.ticks), "candles": float64(p.candles)}, nil
}

func (p *recordingPlugin) SetState(st map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restoredState = st
	return nil
}

func registerTestPlugin(t *testing.T, name string, p *recordingPlugin) {
	t.Helper()
	Register(name, func() Plugin { return p })
}

func testConfig(strategyID string) Config {
	return Config{
		StrategyID: strategyID,
		AccountID:  "acct-1",
		Mode:       risk.ModePaper,
		Symbols:    []string{"RELIANCE"},
		Timeframes: []candle.Timeframe{candle.TF1m},
	}
}

func TestLoadStrategyStartsRunning(t *testing.T) {
	plugin := &recordingPlugin{}
	registerTestPlugin(t, "load-test", plugin)

	stateStore := newMemStateStore()
	gate := risk.NewGate(newMemRiskStore())
	sched := NewScheduler(stateStore, gate, newTestAssembler())

	ctx := context.Background()
	if err := sched.LoadStrategy(ctx, testConfig("s1"), "load-test"); err != nil {
		t.Fatalf("LoadStrategy: %v", err)
	}

	state, err := stateStore.Load(ctx, "s1")
	if err != nil || state == nil {
		t.Fatalf("expected saved state, got %v, %v", state, err)
	}
	if state.Status != StatusRunning {
		t.Errorf("expected StatusRunning, got %v", state.Status)
	}
}

func TestExecuteOnTickDispatchesToPlugin(t *testing.T) {
	sig := &Signal{Symbol: "RELIANCE", Type: "entry", Direction: "long", OrderType: "market", Quantity: decimal.NewFromInt(10)}
	plugin := &recordingPlugin{nextOnTick: sig}
	registerTestPlugin(t, "tick-test", plugin)

	var captured []Signal
	stateStore := newMemStateStore()
	gate := risk.NewGate(newMemRiskStore())
	sched := NewScheduler(stateStore, gate, newTestAssembler(), WithSignalHandler(func(s Signal) {
		captured = append(captured, s)
	}))

	ctx := context.Background()
	if err := sched.LoadStrategy(ctx, testConfig("s2"), "tick-test"); err != nil {
		t.Fatalf("LoadStrategy: %v", err)
	}

	got, err := sched.ExecuteOnTick(ctx, "RELIANCE", "s2")
	if err != nil {
		t.Fatalf("ExecuteOnTick: %v", err)
	}
	if got == nil {
		t.Fatal("expected a signal")
	}
	if plugin.ticks != 1 {
		t.Errorf("expected 1 tick, got %d", plugin.ticks)
	}
	if len(captured) != 1 {
		t.Fatalf("expected 1 captured signal, got %d", len(captured))
	}
}

func TestExecuteOnTickIgnoresUnrelatedSymbol(t *testing.T) {
	plugin := &recordingPlugin{}
	registerTestPlugin(t, "symbol-test", plugin)

	stateStore := newMemStateStore()
	gate := risk.NewGate(newMemRiskStore())
	sched := NewScheduler(stateStore, gate, newTestAssembler())

	ctx := context.Background()
	if err := sched.LoadStrategy(ctx, testConfig("s3"), "symbol-test"); err != nil {
		t.Fatalf("LoadStrategy: %v", err)
	}

	sig, err := sched.ExecuteOnTick(ctx, "INFY", "s3")
	if err != nil {
		t.Fatalf("ExecuteOnTick: %v", err)
	}
	if sig != nil {
		t.Error("expected no signal for unrelated symbol")
	}
	if plugin.ticks != 0 {
		t.Errorf("expected plugin not invoked, got %d ticks", plugin.ticks)
	}
}

// TestPanickingPluginIsIsolated reproduces the fault-isolation requirement:
// a plugin panic during OnTick pauses that strategy (via StatusError) but
// never crashes the scheduler, and other strategies keep running.
func TestPanickingPluginIsIsolated(t *testing.T) {
	panicky := &recordingPlugin{panicOn: "tick"}
	healthy := &recordingPlugin{}
	registerTestPlugin(t, "panicky", panicky)
	registerTestPlugin(t, "healthy", healthy)

	stateStore := newMemStateStore()
	gate := risk.NewGate(newMemRiskStore())
	sched := NewScheduler(stateStore, gate, newTestAssembler())

	ctx := context.Background()
	if err := sched.LoadStrategy(ctx, testConfig("bad"), "panicky"); err != nil {
		t.Fatalf("LoadStrategy(bad): %v", err)
	}
	if err := sched.LoadStrategy(ctx, testConfig("good"), "healthy"); err != nil {
		t.Fatalf("LoadStrategy(good): %v", err)
	}

	if _, err := sched.ExecuteOnTick(ctx, "RELIANCE", "bad"); err != nil {
		t.Fatalf("ExecuteOnTick(bad) should not surface the panic as an error: %v", err)
	}

	state, err := stateStore.Load(ctx, "bad")
	if err != nil || state == nil {
		t.Fatalf("expected state for bad, got %v, %v", state, err)
	}
	if state.Status != StatusError {
		t.Errorf("expected bad strategy to be StatusError after panic, got %v", state.Status)
	}

	sig, err := sched.ExecuteOnTick(ctx, "RELIANCE", "good")
	if err != nil {
		t.Fatalf("ExecuteOnTick(good): %v", err)
	}
	if sig != nil {
		t.Error("healthy plugin returned no signal in this test, expected nil")
	}
	if healthy.ticks != 1 {
		t.Errorf("expected healthy strategy to still run, got %d ticks", healthy.ticks)
	}
}

func TestPauseResumeStop(t *testing.T) {
	plugin := &recordingPlugin{}
	registerTestPlugin(t, "lifecycle-test", plugin)

	stateStore := newMemStateStore()
	gate := risk.NewGate(newMemRiskStore())
	sched := NewScheduler(stateStore, gate, newTestAssembler())

	ctx := context.Background()
	if err := sched.LoadStrategy(ctx, testConfig("s4"), "lifecycle-test"); err != nil {
		t.Fatalf("LoadStrategy: %v", err)
	}

	if err := sched.Pause(ctx, "s4"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := sched.ExecuteOnTick(ctx, "RELIANCE", "s4"); err != nil {
		t.Fatalf("ExecuteOnTick while paused: %v", err)
	}
	if plugin.ticks != 0 {
		t.Errorf("expected paused strategy to not receive ticks, got %d", plugin.ticks)
	}

	if err := sched.Resume(ctx, "s4"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, err := sched.ExecuteOnTick(ctx, "RELIANCE", "s4"); err != nil {
		t.Fatalf("ExecuteOnTick after resume: %v", err)
	}
	if plugin.ticks != 1 {
		t.Errorf("expected 1 tick after resume, got %d", plugin.ticks)
	}

	if err := sched.Stop(ctx, "s4"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	state, _ := stateStore.Load(ctx, "s4")
	if state.Status != StatusStopped {
		t.Errorf("expected StatusStopped, got %v", state.Status)
	}
	if len(sched.ActiveStrategyIDs()) != 0 {
		t.Error("expected no active strategies after Stop")
	}
}

// TestS6ConcurrentStrategyCap reproduces spec scenario S6: a second
// strategy for the same account/mode is refused once the concurrent cap
// is reached.
func TestS6ConcurrentStrategyCap(t *testing.T) {
	p1 := &recordingPlugin{}
	p2 := &recordingPlugin{}
	registerTestPlugin(t, "cap-test-1", p1)
	registerTestPlugin(t, "cap-test-2", p2)

	stateStore := newMemStateStore()
	gate := risk.NewGate(newMemRiskStore(), risk.WithConcurrentLimit(risk.ModePaper, 1))
	sched := NewScheduler(stateStore, gate, newTestAssembler())

	ctx := context.Background()
	if err := sched.LoadStrategy(ctx, testConfig("cap-1"), "cap-test-1"); err != nil {
		t.Fatalf("LoadStrategy(cap-1): %v", err)
	}
	if err := sched.LoadStrategy(ctx, testConfig("cap-2"), "cap-test-2"); err == nil {
		t.Error("expected second strategy to be refused by the concurrent-strategy cap")
	}
}

func TestPauseFleetPausesOnlyMatchingAccount(t *testing.T) {
	p1 := &recordingPlugin{}
	p2 := &recordingPlugin{}
	registerTestPlugin(t, "fleet-test-1", p1)
	registerTestPlugin(t, "fleet-test-2", p2)

	stateStore := newMemStateStore()
	gate := risk.NewGate(newMemRiskStore())
	sched := NewScheduler(stateStore, gate, newTestAssembler())

	ctx := context.Background()
	cfgA := testConfig("fleet-a")
	cfgA.AccountID = "acct-A"
	cfgB := testConfig("fleet-b")
	cfgB.AccountID = "acct-B"

	if err := sched.LoadStrategy(ctx, cfgA, "fleet-test-1"); err != nil {
		t.Fatalf("LoadStrategy(a): %v", err)
	}
	if err := sched.LoadStrategy(ctx, cfgB, "fleet-test-2"); err != nil {
		t.Fatalf("LoadStrategy(b): %v", err)
	}

	n := sched.PauseFleet(ctx, "acct-A", risk.ModePaper, "loss limit breached")
	if n != 1 {
		t.Errorf("expected 1 strategy paused, got %d", n)
	}

	stateA, _ := stateStore.Load(ctx, "fleet-a")
	stateB, _ := stateStore.Load(ctx, "fleet-b")
	if stateA.Status != StatusPaused {
		t.Errorf("expected fleet-a paused, got %v", stateA.Status)
	}
	if stateB.Status != StatusRunning {
		t.Errorf("expected fleet-b to remain running, got %v", stateB.Status)
	}
}

// TestPauseFleetIgnoresOtherMode reproduces the fix for a paper-mode
// breach wrongly pausing the same account's live strategies: PauseFleet
// must filter on (accountID, mode) together, not accountID alone.
func TestPauseFleetIgnoresOtherMode(t *testing.T) {
	pPaper := &recordingPlugin{}
	pLive := &recordingPlugin{}
	registerTestPlugin(t, "mode-test-paper", pPaper)
	registerTestPlugin(t, "mode-test-live", pLive)

	stateStore := newMemStateStore()
	gate := risk.NewGate(newMemRiskStore())
	sched := NewScheduler(stateStore, gate, newTestAssembler())

	ctx := context.Background()
	cfgPaper := testConfig("mode-paper")
	cfgPaper.Mode = risk.ModePaper
	cfgLive := testConfig("mode-live")
	cfgLive.Mode = risk.ModeLive

	if err := sched.LoadStrategy(ctx, cfgPaper, "mode-test-paper"); err != nil {
		t.Fatalf("LoadStrategy(paper): %v", err)
	}
	if err := sched.LoadStrategy(ctx, cfgLive, "mode-test-live"); err != nil {
		t.Fatalf("LoadStrategy(live): %v", err)
	}

	n := sched.PauseFleet(ctx, "acct-1", risk.ModePaper, "paper breach")
	if n != 1 {
		t.Errorf("expected 1 strategy paused, got %d", n)
	}

	statePaper, _ := stateStore.Load(ctx, "mode-paper")
	stateLive, _ := stateStore.Load(ctx, "mode-live")
	if statePaper.Status != StatusPaused {
		t.Errorf("expected the paper strategy paused, got %v", statePaper.Status)
	}
	if stateLive.Status != StatusRunning {
		t.Errorf("expected the live strategy to remain running on a paper breach, got %v", stateLive.Status)
	}
}

// TestExecuteOnTickCheckpointsPluginState reproduces state-store
// persistence of a plugin's custom_state: a successful OnTick must flush
// GetState() into the saved State row.
func TestExecuteOnTickCheckpointsPluginState(t *testing.T) {
	plugin := &recordingPlugin{}
	registerTestPlugin(t, "checkpoint-test", plugin)

	stateStore := newMemStateStore()
	gate := risk.NewGate(newMemRiskStore())
	sched := NewScheduler(stateStore, gate, newTestAssembler())

	ctx := context.Background()
	if err := sched.LoadStrategy(ctx, testConfig("chk-1"), "checkpoint-test"); err != nil {
		t.Fatalf("LoadStrategy: %v", err)
	}
	if _, err := sched.ExecuteOnTick(ctx, "RELIANCE", "chk-1"); err != nil {
		t.Fatalf("ExecuteOnTick: %v", err)
	}

	state, err := stateStore.Load(ctx, "chk-1")
	if err != nil || state == nil {
		t.Fatalf("expected saved state, got %v, %v", state, err)
	}
	if state.PluginState == nil {
		t.Fatal("expected PluginState to be populated after a successful OnTick")
	}
	if state.PluginState["ticks"] != float64(1) {
		t.Errorf("expected checkpointed ticks=1, got %v", state.PluginState["ticks"])
	}
}

// TestRehydrateRestoresActiveStrategies reproduces restart recovery: a
// strategy state store that still lists a strategy as active (and was
// never loaded into this Scheduler instance) gets re-instantiated,
// Initialize'd from its persisted config, and handed back its persisted
// custom_state via SetState.
func TestRehydrateRestoresActiveStrategies(t *testing.T) {
	plugin := &recordingPlugin{}
	registerTestPlugin(t, "rehydrate-test", plugin)

	stateStore := newMemStateStore()
	gate := risk.NewGate(newMemRiskStore())

	ctx := context.Background()
	persisted := State{
		StrategyID: "rehydrate-1",
		AccountID:  "acct-1",
		Status:     StatusRunning,
		StartedAt:  time.Now(),
		LastUpdate: time.Now(),
		PluginName: "rehydrate-test",
		Mode:       risk.ModePaper,
		Symbols:    []string{"RELIANCE"},
		Timeframes: []candle.Timeframe{candle.TF1m},
		PluginState: map[string]interface{}{
			"ticks": float64(7),
		},
	}
	if err := stateStore.Save(ctx, persisted); err != nil {
		t.Fatalf("Save: %v", err)
	}

	sched := NewScheduler(stateStore, gate, newTestAssembler())
	n, err := sched.Rehydrate(ctx)
	if err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 strategy rehydrated, got %d", n)
	}

	ids := sched.ActiveStrategyIDs()
	if len(ids) != 1 || ids[0] != "rehydrate-1" {
		t.Fatalf("expected rehydrate-1 to be active after Rehydrate, got %v", ids)
	}
	if plugin.restoredState == nil || plugin.restoredState["ticks"] != float64(7) {
		t.Errorf("expected SetState to restore the persisted custom state, got %v", plugin.restoredState)
	}

	if _, err := sched.ExecuteOnTick(ctx, "RELIANCE", "rehydrate-1"); err != nil {
		t.Fatalf("ExecuteOnTick after rehydrate: %v", err)
	}
	if plugin.ticks != 1 {
		t.Errorf("expected the rehydrated strategy to dispatch ticks, got %d", plugin.ticks)
	}
}

// TestStopRemovesFromActiveSet reproduces the fix for Stop leaving a
// stopped strategy in the state store's active set.
func TestStopRemovesFromActiveSet(t *testing.T) {
	plugin := &recordingPlugin{}
	registerTestPlugin(t, "stop-active-test", plugin)

	stateStore := newMemStateStore()
	gate := risk.NewGate(newMemRiskStore())
	sched := NewScheduler(stateStore, gate, newTestAssembler())

	ctx := context.Background()
	if err := sched.LoadStrategy(ctx, testConfig("stop-active-1"), "stop-active-test"); err != nil {
		t.Fatalf("LoadStrategy: %v", err)
	}
	if err := sched.Stop(ctx, "stop-active-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	ids, err := stateStore.ActiveStrategyIDs(ctx)
	if err != nil {
		t.Fatalf("ActiveStrategyIDs: %v", err)
	}
	for _, id := range ids {
		if id == "stop-active-1" {
			t.Fatalf("expected stop-active-1 to be removed from the active set, got %v", ids)
		}
	}
}
