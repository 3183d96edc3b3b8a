// Package strategy implements the Strategy Scheduler: plugin lifecycle
// management, per-strategy serialized callback execution, fault
// isolation, and pause/resume/stop/fleet-pause control.
package strategy

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tradingcore/marketcore/internal/assembler"
	"github.com/tradingcore/marketcore/internal/candle"
	"github.com/tradingcore/marketcore/internal/errs"
	"github.com/tradingcore/marketcore/internal/risk"
)

// Scheduler orchestrates strategy plugin instances: loading, tick/candle
// dispatch, lifecycle transitions, and risk-driven fleet pause.
type Scheduler struct {
	mu        sync.RWMutex
	instances map[string]*instance
	configs   map[string]Config

	stateStore StateStore
	gate       *risk.Gate
	asm        *assembler.Assembler

	onSignal  func(Signal)
	manifests map[string]Manifest
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithSignalHandler registers a callback invoked for every validated
// signal a strategy produces.
func WithSignalHandler(f func(Signal)) Option {
	return func(s *Scheduler) { s.onSignal = f }
}

// NewScheduler creates a Scheduler. gate may be nil to skip loss/cap
// checks (e.g. in a replay-only context).
func NewScheduler(stateStore StateStore, gate *risk.Gate, asm *assembler.Assembler, opts ...Option) *Scheduler {
	s := &Scheduler{
		instances:  make(map[string]*instance),
		configs:    make(map[string]Config),
		stateStore: stateStore,
		gate:       gate,
		asm:        asm,
		manifests:  make(map[string]Manifest),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadStrategy instantiates pluginName, initializes it with cfg, and
// starts its dedicated execution goroutine.
func (s *Scheduler) LoadStrategy(ctx context.Context, cfg Config, pluginName string) error {
	s.mu.Lock()
	if _, exists := s.instances[cfg.StrategyID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("strategy.LoadStrategy: strategy %s already loaded", cfg.StrategyID)
	}
	s.mu.Unlock()

	if s.gate != nil {
		ok, err := s.gate.CanActivate(ctx, cfg.AccountID, cfg.Mode)
		if err != nil {
			return fmt.Errorf("strategy.LoadStrategy: %w", err)
		}
		if !ok {
			return fmt.Errorf("strategy.LoadStrategy: account %s mode %s refused activation (breached or over concurrent-strategy cap)", cfg.AccountID, cfg.Mode)
		}
	}

	if err := s.validateParameters(pluginName, cfg); err != nil {
		return fmt.Errorf("strategy.LoadStrategy: %w", err)
	}

	plugin, err := newPlugin(pluginName)
	if err != nil {
		return fmt.Errorf("strategy.LoadStrategy: %w", err)
	}

	inst := newInstance(plugin, cfg)
	if err := s.runGuarded(inst, func() error { return plugin.Initialize(cfg) }); err != nil {
		inst.stop()
		return fmt.Errorf("strategy.LoadStrategy: initialize: %w", err)
	}

	now := time.Now()
	state := State{
		StrategyID: cfg.StrategyID,
		AccountID:  cfg.AccountID,
		Status:     StatusRunning,
		StartedAt:  now,
		LastUpdate: now,
		PluginName: pluginName,
		Mode:       cfg.Mode,
		Symbols:    cfg.Symbols,
		Timeframes: cfg.Timeframes,
		Parameters: cfg.Parameters,
	}
	if err := s.stateStore.Save(ctx, state); err != nil {
		inst.stop()
		return fmt.Errorf("strategy.LoadStrategy: save state: %w", err)
	}

	s.mu.Lock()
	s.instances[cfg.StrategyID] = inst
	s.configs[cfg.StrategyID] = cfg
	s.mu.Unlock()

	if s.gate != nil {
		s.gate.RegisterActive(cfg.AccountID, cfg.Mode)
	}
	log.Printf("strategy: loaded %s (%s)", cfg.StrategyID, pluginName)
	return nil
}

// runGuarded is the strategy-callback recover boundary: a panicking
// plugin is converted into an errs.Plugin error instead of taking down
// the scheduler goroutine.
func (s *Scheduler) runGuarded(inst *instance, f func() error) (err error) {
	inst.submit(func() {
		defer func() {
			if r := recover(); r != nil {
				err = errs.New(errs.Plugin, "strategy callback", fmt.Errorf("panic: %v", r))
			}
		}()
		err = f()
	})
	return err
}

func (s *Scheduler) lookup(strategyID string) (*instance, Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[strategyID]
	if !ok {
		return nil, Config{}, false
	}
	return inst, s.configs[strategyID], true
}

// ExecuteOnTick runs the named strategy's OnTick callback if it is
// running, the tick's symbol is relevant to it, and the assembled
// multi-timeframe data is consistent. Returns the validated signal, or
// nil if none was produced or the strategy is not eligible to run.
func (s *Scheduler) ExecuteOnTick(ctx context.Context, symbol, strategyID string) (*Signal, error) {
	inst, cfg, ok := s.lookup(strategyID)
	if !ok {
		return nil, nil
	}
	if !cfg.symbolSet()[symbol] {
		return nil, nil
	}

	state, err := s.stateStore.Load(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("strategy.ExecuteOnTick: %w", err)
	}
	if state == nil || state.Status != StatusRunning {
		return nil, nil
	}

	data, err := s.asm.GetData(ctx, symbol, cfg.Timeframes, nil)
	if err != nil {
		return nil, fmt.Errorf("strategy.ExecuteOnTick: %w", err)
	}
	if !s.asm.EnsureConsistency(data) {
		log.Printf("strategy: inconsistent data for %s, skipping tick for %s", symbol, strategyID)
		return nil, nil
	}

	var signal *Signal
	callErr := s.runGuarded(inst, func() error {
		sig, err := inst.plugin.OnTick(data)
		signal = sig
		return err
	})
	if callErr != nil {
		s.handleError(ctx, strategyID, callErr)
		return nil, nil
	}
	s.checkpoint(ctx, inst, state)

	return s.validateAndEmit(signal, cfg, strategyID)
}

// ExecuteOnCandleComplete runs the named strategy's OnCandleComplete
// callback for a newly-closed candle.
func (s *Scheduler) ExecuteOnCandleComplete(ctx context.Context, symbol string, tf candle.Timeframe, c candle.Candle, strategyID string) (*Signal, error) {
	inst, cfg, ok := s.lookup(strategyID)
	if !ok {
		return nil, nil
	}
	if !cfg.symbolSet()[symbol] || !cfg.timeframeSet()[tf] {
		return nil, nil
	}

	state, err := s.stateStore.Load(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("strategy.ExecuteOnCandleComplete: %w", err)
	}
	if state == nil || state.Status != StatusRunning {
		return nil, nil
	}

	data, err := s.asm.GetData(ctx, symbol, cfg.Timeframes, nil)
	if err != nil {
		return nil, fmt.Errorf("strategy.ExecuteOnCandleComplete: %w", err)
	}

	var signal *Signal
	callErr := s.runGuarded(inst, func() error {
		sig, err := inst.plugin.OnCandleComplete(tf, c, data)
		signal = sig
		return err
	})
	if callErr != nil {
		s.handleError(ctx, strategyID, callErr)
		return nil, nil
	}
	s.checkpoint(ctx, inst, state)

	return s.validateAndEmit(signal, cfg, strategyID)
}

// checkpoint flushes a plugin's custom_state into state.PluginState and
// persists it after a successful OnTick/OnCandleComplete callback, so a
// restart's Rehydrate can restore exactly what the plugin last reported
// via GetState.
func (s *Scheduler) checkpoint(ctx context.Context, inst *instance, state *State) {
	var pluginState map[string]interface{}
	callErr := s.runGuarded(inst, func() error {
		ps, err := inst.plugin.GetState()
		pluginState = ps
		return err
	})
	if callErr != nil {
		log.Printf("strategy: %s GetState failed, skipping checkpoint: %v", state.StrategyID, callErr)
		return
	}

	state.PluginState = pluginState
	state.LastUpdate = time.Now()
	if err := s.stateStore.Save(ctx, *state); err != nil {
		log.Printf("strategy: %s checkpoint save failed: %v", state.StrategyID, err)
	}
}

func (s *Scheduler) validateAndEmit(signal *Signal, cfg Config, strategyID string) (*Signal, error) {
	if signal == nil {
		return nil, nil
	}
	signal.StrategyID = strategyID
	if signal.GeneratedAt.IsZero() {
		signal.GeneratedAt = time.Now()
	}
	if !signal.Valid() || !cfg.symbolSet()[signal.Symbol] {
		log.Printf("strategy: dropping invalid signal from %s: %+v", strategyID, *signal)
		return nil, nil
	}
	if s.onSignal != nil {
		s.onSignal(*signal)
	}
	return signal, nil
}

// handleError records a strategy callback failure and pauses the
// strategy.
func (s *Scheduler) handleError(ctx context.Context, strategyID string, callErr error) {
	log.Printf("strategy: %s errored and will be paused: %v", strategyID, callErr)
	state, err := s.stateStore.Load(ctx, strategyID)
	if err != nil || state == nil {
		return
	}
	state.Status = StatusError
	state.ErrorMessage = callErr.Error()
	state.LastUpdate = time.Now()
	_ = s.stateStore.Save(ctx, *state)
}

// Pause transitions a running strategy to paused.
func (s *Scheduler) Pause(ctx context.Context, strategyID string) error {
	return s.transition(ctx, strategyID, StatusPaused, StatusRunning)
}

// Resume transitions a paused strategy back to running.
func (s *Scheduler) Resume(ctx context.Context, strategyID string) error {
	return s.transition(ctx, strategyID, StatusRunning, StatusPaused)
}

func (s *Scheduler) transition(ctx context.Context, strategyID string, to, from Status) error {
	if _, _, ok := s.lookup(strategyID); !ok {
		return fmt.Errorf("strategy: %s not found", strategyID)
	}
	state, err := s.stateStore.Load(ctx, strategyID)
	if err != nil {
		return err
	}
	if state == nil || state.Status != from {
		return fmt.Errorf("strategy: %s is not %s", strategyID, from)
	}
	state.Status = to
	state.LastUpdate = time.Now()
	return s.stateStore.Save(ctx, *state)
}

// Stop calls the plugin's Cleanup, removes the strategy, and marks it
// stopped.
func (s *Scheduler) Stop(ctx context.Context, strategyID string) error {
	inst, cfg, ok := s.lookup(strategyID)
	if !ok {
		return fmt.Errorf("strategy: %s not found", strategyID)
	}

	_ = s.runGuarded(inst, func() error { return inst.plugin.Cleanup() })
	inst.stop()

	s.mu.Lock()
	delete(s.instances, strategyID)
	delete(s.configs, strategyID)
	s.mu.Unlock()

	if s.gate != nil {
		s.gate.UnregisterActive(cfg.AccountID, cfg.Mode)
	}

	state, err := s.stateStore.Load(ctx, strategyID)
	if err != nil {
		return err
	}
	if state == nil {
		state = &State{StrategyID: strategyID, AccountID: cfg.AccountID}
	}
	state.Status = StatusStopped
	state.LastUpdate = time.Now()
	if err := s.stateStore.Save(ctx, *state); err != nil {
		return err
	}
	if err := s.stateStore.Remove(ctx, strategyID); err != nil {
		log.Printf("strategy: %s stopped but active-set removal failed: %v", strategyID, err)
	}
	return nil
}

// PauseFleet pauses every running strategy for (accountID, mode) — the
// Risk Gate's breach handler calls this (see internal/pipeline's wiring). A
// breach in one trading mode must never pause the account's strategies
// running in the other mode, so both dimensions are matched.
func (s *Scheduler) PauseFleet(ctx context.Context, accountID string, mode risk.Mode, reason string) int {
	s.mu.RLock()
	var ids []string
	for id, cfg := range s.configs {
		if cfg.AccountID == accountID && cfg.Mode == mode {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	count := 0
	for _, id := range ids {
		if err := s.Pause(ctx, id); err == nil {
			count++
		}
	}
	log.Printf("strategy: paused %d strategies for account %s mode %s: %s", count, accountID, mode, reason)
	return count
}

// Rehydrate reconstructs and restarts every strategy the state store still
// lists as active: each plugin is re-instantiated, Initialize'd with its
// persisted config, and handed back its last checkpointed custom_state via
// SetState. Meant to run once at process startup, before the feed and
// candle dispatch loops start delivering callbacks. Returns the number of
// strategies successfully restored.
func (s *Scheduler) Rehydrate(ctx context.Context) (int, error) {
	ids, err := s.stateStore.ActiveStrategyIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("strategy.Rehydrate: %w", err)
	}

	restored := 0
	for _, id := range ids {
		if s.rehydrateOne(ctx, id) {
			restored++
		}
	}
	return restored, nil
}

func (s *Scheduler) rehydrateOne(ctx context.Context, strategyID string) bool {
	s.mu.RLock()
	_, alreadyLoaded := s.instances[strategyID]
	s.mu.RUnlock()
	if alreadyLoaded {
		return false
	}

	state, err := s.stateStore.Load(ctx, strategyID)
	if err != nil || state == nil {
		log.Printf("strategy: rehydrate %s: load failed: %v", strategyID, err)
		return false
	}
	if state.Status == StatusStopped || state.PluginName == "" {
		return false
	}

	cfg := Config{
		StrategyID: state.StrategyID,
		AccountID:  state.AccountID,
		Mode:       state.Mode,
		Symbols:    state.Symbols,
		Timeframes: state.Timeframes,
		Parameters: state.Parameters,
	}

	plugin, err := newPlugin(state.PluginName)
	if err != nil {
		log.Printf("strategy: rehydrate %s: %v", strategyID, err)
		return false
	}

	inst := newInstance(plugin, cfg)
	if err := s.runGuarded(inst, func() error { return plugin.Initialize(cfg) }); err != nil {
		log.Printf("strategy: rehydrate %s: initialize: %v", strategyID, err)
		inst.stop()
		return false
	}
	if state.PluginState != nil {
		if err := s.runGuarded(inst, func() error { return plugin.SetState(state.PluginState) }); err != nil {
			log.Printf("strategy: rehydrate %s: restore custom state: %v", strategyID, err)
		}
	}

	s.mu.Lock()
	s.instances[strategyID] = inst
	s.configs[strategyID] = cfg
	s.mu.Unlock()

	if s.gate != nil {
		s.gate.RegisterActive(cfg.AccountID, cfg.Mode)
	}
	log.Printf("strategy: rehydrated %s (%s)", strategyID, state.PluginName)
	return true
}

// ActiveStrategyIDs returns the IDs of every currently loaded strategy.
func (s *Scheduler) ActiveStrategyIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.instances))
	for id := range s.instances {
		out = append(out, id)
	}
	return out
}
