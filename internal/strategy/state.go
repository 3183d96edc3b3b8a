package strategy

import (
	"context"
	"time"

	"github.com/tradingcore/marketcore/internal/candle"
	"github.com/tradingcore/marketcore/internal/risk"
)

// Status is a strategy instance's lifecycle state.
type Status string

const (
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// State is a strategy instance's persisted lifecycle, config, and plugin
// state. Carrying PluginName/Mode/Symbols/Timeframes/Parameters alongside
// the lifecycle fields means a restart can fully reconstruct a Config and
// re-Initialize the plugin without a separate config store; PluginState is
// the plugin's own custom_state, checkpointed after every successful
// OnTick/OnCandleComplete callback and
// restored via Plugin.SetState during rehydration.
type State struct {
	StrategyID   string
	AccountID    string
	Status       Status
	StartedAt    time.Time
	LastUpdate   time.Time
	ErrorMessage string
	PluginState  map[string]interface{}

	PluginName string
	Mode       risk.Mode
	Symbols    []string
	Timeframes []candle.Timeframe
	Parameters map[string]interface{}
}

// StateStore persists State rows; Redis with a TTL is the production
// implementation in internal/store.
type StateStore interface {
	Load(ctx context.Context, strategyID string) (*State, error)
	Save(ctx context.Context, s State) error

	// ActiveStrategyIDs returns every strategy ID currently tracked as
	// active, for Scheduler.Rehydrate to reload after a restart.
	ActiveStrategyIDs(ctx context.Context) ([]string, error)
	// Remove drops strategyID from the active set (its last-saved State
	// row, if any, is left in place for audit/history).
	Remove(ctx context.Context, strategyID string) error
}
