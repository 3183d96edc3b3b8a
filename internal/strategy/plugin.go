package strategy

import (
	"fmt"
	"sort"

	"github.com/tradingcore/marketcore/internal/assembler"
	"github.com/tradingcore/marketcore/internal/candle"
	"github.com/tradingcore/marketcore/internal/risk"
)

// Config is a strategy instance's configuration.
type Config struct {
	StrategyID string
	AccountID  string
	Mode       risk.Mode
	Symbols    []string
	Timeframes []candle.Timeframe
	Parameters map[string]interface{}
}

// symbolSet and timeframeSet give ExecuteOnTick/ExecuteOnCandleComplete an
// O(1) relevance check instead of scanning Symbols/Timeframes each call.
func (c Config) symbolSet() map[string]bool {
	out := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		out[s] = true
	}
	return out
}

func (c Config) timeframeSet() map[candle.Timeframe]bool {
	out := make(map[candle.Timeframe]bool, len(c.Timeframes))
	for _, tf := range c.Timeframes {
		out[tf] = true
	}
	return out
}

// Plugin is the strategy contract every algorithm implements:
// Initialize/OnTick/OnCandleComplete/Cleanup/GetState/SetState.
type Plugin interface {
	Initialize(cfg Config) error
	OnTick(data *assembler.Data) (*Signal, error)
	OnCandleComplete(tf candle.Timeframe, c candle.Candle, data *assembler.Data) (*Signal, error)
	Cleanup() error
	GetState() (map[string]interface{}, error)
	SetState(map[string]interface{}) error
}

// Constructor builds a fresh Plugin instance.
type Constructor func() Plugin

var registry = make(map[string]Constructor)

// Register adds a plugin constructor under name. Built-in plugins call
// this from an init() in pkg/plugins — Go has no runtime import-by-name
// package scan, so self-registration at package init stands in for it.
func Register(name string, c Constructor) {
	registry[name] = c
}

// Lookup returns the constructor registered under name.
func Lookup(name string) (Constructor, bool) {
	c, ok := registry[name]
	return c, ok
}

// Available returns every registered plugin name.
func Available() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func newPlugin(name string) (Plugin, error) {
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("strategy: unknown plugin %q", name)
	}
	return c(), nil
}
