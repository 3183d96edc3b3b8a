// Package risk implements the Risk Gate: per-account, per-trading-mode
// loss limit tracking with breach-triggered fleet pause, and a
// concurrent-strategy cap.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Mode is a trading mode: paper or live.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Limits is one account/mode's loss-limit row.
type Limits struct {
	AccountID    string
	Mode         Mode
	MaxLoss      decimal.Decimal
	CurrentLoss  decimal.Decimal
	Breached     bool
	BreachedAt   *time.Time
	Acknowledged bool
	UpdatedAt    time.Time
}

// StrategyLimits caps concurrent strategy execution per trading mode.
type StrategyLimits struct {
	Mode                    Mode
	MaxConcurrentStrategies int
}

// Store persists Limits rows; Redis is the production implementation
// in internal/store.
type Store interface {
	Get(ctx context.Context, accountID string, mode Mode) (*Limits, error)
	Set(ctx context.Context, l Limits) error
}

// BreachHandler is invoked when an account/mode pair newly breaches its
// loss limit. Gate takes this as an injected callback rather than
// importing internal/strategy directly, avoiding an import cycle (the
// scheduler in turn calls into Gate to check CanActivate).
type BreachHandler func(accountID string, mode Mode, reason string)

// Gate is the Risk Gate. Loss tracking and breach checks for a given
// (account, mode) pair are strictly serialized via a per-key mutex so
// concurrent strategies recording losses for the same account never race
// on the breach decision.
type Gate struct {
	store Store

	keyMu sync.Map // string "account:mode" -> *sync.Mutex

	mu             sync.RWMutex
	defaultLimit   int
	concurrentCaps map[Mode]int
	activeCounts   map[string]int // "account:mode" -> count

	onBreach BreachHandler
}

// Option configures a Gate at construction.
type Option func(*Gate)

// WithBreachHandler registers the callback invoked on a new breach.
func WithBreachHandler(h BreachHandler) Option {
	return func(g *Gate) { g.onBreach = h }
}

// WithConcurrentLimit sets the max concurrent strategies for mode,
// overriding the default of 5.
func WithConcurrentLimit(mode Mode, max int) Option {
	return func(g *Gate) { g.concurrentCaps[mode] = max }
}

// NewGate creates a Gate backed by store.
func NewGate(store Store, opts ...Option) *Gate {
	g := &Gate{
		store:          store,
		defaultLimit:   5,
		concurrentCaps: make(map[Mode]int),
		activeCounts:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func key(accountID string, mode Mode) string { return accountID + ":" + string(mode) }

func (g *Gate) lockFor(accountID string, mode Mode) *sync.Mutex {
	v, _ := g.keyMu.LoadOrStore(key(accountID, mode), &sync.Mutex{})
	return v.(*sync.Mutex)
}

// SetMaxLoss sets (or resets) the maximum allowed cumulative loss for an
// account/mode pair, clearing any prior breach.
func (g *Gate) SetMaxLoss(ctx context.Context, accountID string, mode Mode, maxLoss decimal.Decimal) error {
	lock := g.lockFor(accountID, mode)
	lock.Lock()
	defer lock.Unlock()

	existing, err := g.store.Get(ctx, accountID, mode)
	if err != nil {
		return fmt.Errorf("risk.SetMaxLoss: %w", err)
	}
	l := Limits{AccountID: accountID, Mode: mode, MaxLoss: maxLoss, UpdatedAt: time.Now()}
	if existing != nil {
		l.CurrentLoss = existing.CurrentLoss
	} else {
		l.CurrentLoss = decimal.Zero
	}
	return g.store.Set(ctx, l)
}

// RecordLossDelta adds delta (positive = more loss, negative = recovery)
// to the account/mode's cumulative loss and checks for a breach. Returns
// true if this call newly breached the limit — the caller (or the
// BreachHandler) is responsible for acting on it.
func (g *Gate) RecordLossDelta(ctx context.Context, accountID string, mode Mode, delta decimal.Decimal) (bool, error) {
	lock := g.lockFor(accountID, mode)
	lock.Lock()
	defer lock.Unlock()

	l, err := g.store.Get(ctx, accountID, mode)
	if err != nil {
		return false, fmt.Errorf("risk.RecordLossDelta: %w", err)
	}
	if l == nil {
		return false, fmt.Errorf("risk.RecordLossDelta: no limits configured for account %s mode %s", accountID, mode)
	}

	wasBreached := l.Breached
	l.CurrentLoss = l.CurrentLoss.Add(delta)
	l.UpdatedAt = time.Now()

	newlyBreached := false
	if !wasBreached && l.CurrentLoss.GreaterThanOrEqual(l.MaxLoss) {
		l.Breached = true
		now := time.Now()
		l.BreachedAt = &now
		newlyBreached = true
	}

	if err := g.store.Set(ctx, *l); err != nil {
		return false, fmt.Errorf("risk.RecordLossDelta: %w", err)
	}

	if newlyBreached && g.onBreach != nil {
		g.onBreach(accountID, mode, fmt.Sprintf("cumulative loss %s reached limit %s", l.CurrentLoss, l.MaxLoss))
	}
	return newlyBreached, nil
}

// Acknowledge marks a breach as seen without clearing it — Breached and
// Acknowledged are independent fields. A breached-and-acknowledged
// account is still breached.
func (g *Gate) Acknowledge(ctx context.Context, accountID string, mode Mode) error {
	lock := g.lockFor(accountID, mode)
	lock.Lock()
	defer lock.Unlock()

	l, err := g.store.Get(ctx, accountID, mode)
	if err != nil {
		return fmt.Errorf("risk.Acknowledge: %w", err)
	}
	if l == nil {
		return fmt.Errorf("risk.Acknowledge: no limits configured for account %s mode %s", accountID, mode)
	}
	l.Acknowledged = true
	l.UpdatedAt = time.Now()
	return g.store.Set(ctx, *l)
}

// GetLimits returns the current Limits row, or nil if none is configured.
func (g *Gate) GetLimits(ctx context.Context, accountID string, mode Mode) (*Limits, error) {
	return g.store.Get(ctx, accountID, mode)
}

func (g *Gate) concurrentCap(mode Mode) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if cap, ok := g.concurrentCaps[mode]; ok {
		return cap
	}
	return g.defaultLimit
}

// CanActivate reports whether another strategy may be activated for
// accountID/mode: the account must not be in breach, and must be under
// its concurrent-strategy cap.
func (g *Gate) CanActivate(ctx context.Context, accountID string, mode Mode) (bool, error) {
	l, err := g.store.Get(ctx, accountID, mode)
	if err != nil {
		return false, fmt.Errorf("risk.CanActivate: %w", err)
	}
	if l != nil && l.Breached {
		return false, nil
	}

	g.mu.RLock()
	count := g.activeCounts[key(accountID, mode)]
	g.mu.RUnlock()
	return count < g.concurrentCap(mode), nil
}

// RegisterActive increments the active-strategy count for accountID/mode.
// Call on successful strategy load.
func (g *Gate) RegisterActive(accountID string, mode Mode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.activeCounts[key(accountID, mode)]++
}

// UnregisterActive decrements the active-strategy count. Call on
// strategy stop or cleanup.
func (g *Gate) UnregisterActive(accountID string, mode Mode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.activeCounts[key(accountID, mode)] > 0 {
		g.activeCounts[key(accountID, mode)]--
	}
}

// ActiveCount returns the current active-strategy count for accountID/mode.
func (g *Gate) ActiveCount(accountID string, mode Mode) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.activeCounts[key(accountID, mode)]
}
