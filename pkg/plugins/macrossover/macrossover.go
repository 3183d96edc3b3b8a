// Package macrossover implements a moving-average crossover strategy: go
// long when a fast MA crosses above a slow MA, exit when it crosses back
// below, with an optional higher-timeframe confirmation.
package macrossover

import (
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"github.com/tradingcore/marketcore/internal/assembler"
	"github.com/tradingcore/marketcore/internal/candle"
	"github.com/tradingcore/marketcore/internal/strategy"
)

const Name = "ma_crossover"

func init() {
	strategy.Register(Name, func() strategy.Plugin { return &Strategy{} })
}

// Strategy is a single moving-average-crossover instance. A fresh
// Strategy is constructed per loaded config, so fields are never shared
// across strategies.
type Strategy struct {
	cfg strategy.Config

	fastPeriod            int
	slowPeriod            int
	maType                string
	confirmationTimeframe candle.Timeframe
	hasConfirmation       bool
	quantity              decimal.Decimal

	positionOpen bool
	lastFastMA   *float64
	lastSlowMA   *float64
}

func (s *Strategy) Initialize(cfg strategy.Config) error {
	s.cfg = cfg
	s.fastPeriod = paramInt(cfg.Parameters, "fast_period", 10)
	s.slowPeriod = paramInt(cfg.Parameters, "slow_period", 20)
	s.maType = paramString(cfg.Parameters, "ma_type", "SMA")
	s.quantity = decimal.NewFromInt(int64(paramInt(cfg.Parameters, "quantity", 1)))

	if tf := paramString(cfg.Parameters, "confirmation_timeframe", ""); tf != "" {
		s.confirmationTimeframe = candle.Timeframe(tf)
		s.hasConfirmation = true
	}

	if s.fastPeriod >= s.slowPeriod {
		return fmt.Errorf("macrossover: fast period %d must be less than slow period %d", s.fastPeriod, s.slowPeriod)
	}

	log.Printf("macrossover: initialized %s fast=%d slow=%d type=%s", cfg.StrategyID, s.fastPeriod, s.slowPeriod, s.maType)
	return nil
}

// OnTick never produces a signal: crossovers are only evaluated when a
// candle completes.
func (s *Strategy) OnTick(data *assembler.Data) (*strategy.Signal, error) {
	return nil, nil
}

func (s *Strategy) OnCandleComplete(tf candle.Timeframe, c candle.Candle, data *assembler.Data) (*strategy.Signal, error) {
	if len(s.cfg.Timeframes) == 0 || tf != s.cfg.Timeframes[0] {
		return nil, nil
	}
	tfData, ok := data.Timeframes[tf]
	if !ok {
		return nil, nil
	}
	if len(tfData.Historical) < s.slowPeriod {
		return nil, nil
	}

	fastMA, ok := s.calculateMA(tfData.Historical, s.fastPeriod)
	if !ok {
		return nil, nil
	}
	slowMA, ok := s.calculateMA(tfData.Historical, s.slowPeriod)
	if !ok {
		return nil, nil
	}

	var signal *strategy.Signal
	if s.lastFastMA != nil && s.lastSlowMA != nil {
		switch {
		case *s.lastFastMA <= *s.lastSlowMA && fastMA > slowMA:
			if !s.positionOpen && s.checkConfirmation(data) {
				signal = s.entrySignal(data.Symbol, fastMA, slowMA)
				s.positionOpen = true
			}
		case *s.lastFastMA >= *s.lastSlowMA && fastMA < slowMA:
			if s.positionOpen {
				signal = s.exitSignal(data.Symbol, fastMA, slowMA)
				s.positionOpen = false
			}
		}
	}

	s.lastFastMA = &fastMA
	s.lastSlowMA = &slowMA
	return signal, nil
}

func (s *Strategy) Cleanup() error {
	s.positionOpen = false
	s.lastFastMA = nil
	s.lastSlowMA = nil
	return nil
}

func (s *Strategy) GetState() (map[string]interface{}, error) {
	state := map[string]interface{}{"position_open": s.positionOpen}
	if s.lastFastMA != nil {
		state["last_fast_ma"] = *s.lastFastMA
	}
	if s.lastSlowMA != nil {
		state["last_slow_ma"] = *s.lastSlowMA
	}
	return state, nil
}

func (s *Strategy) SetState(state map[string]interface{}) error {
	if v, ok := state["position_open"].(bool); ok {
		s.positionOpen = v
	}
	if v, ok := state["last_fast_ma"].(float64); ok {
		s.lastFastMA = &v
	}
	if v, ok := state["last_slow_ma"].(float64); ok {
		s.lastSlowMA = &v
	}
	return nil
}

// calculateMA reproduces the trailing-window SMA/EMA the original
// strategy computes inline, since it needs a plain float64 over the
// window rather than the cached indicator engine's per-(symbol,
// timeframe) fingerprinted result.
func (s *Strategy) calculateMA(candles []candle.Candle, period int) (float64, bool) {
	if len(candles) < period {
		return 0, false
	}
	recent := candles[len(candles)-period:]

	switch s.maType {
	case "EMA":
		multiplier := 2.0 / (float64(period) + 1)
		ema, _ := recent[0].Close.Float64()
		for _, c := range recent[1:] {
			close, _ := c.Close.Float64()
			ema = (close-ema)*multiplier + ema
		}
		return ema, true
	default: // "SMA"
		var total float64
		for _, c := range recent {
			close, _ := c.Close.Float64()
			total += close
		}
		return total / float64(period), true
	}
}

func (s *Strategy) checkConfirmation(data *assembler.Data) bool {
	if !s.hasConfirmation {
		return true
	}
	tfData, ok := data.Timeframes[s.confirmationTimeframe]
	if !ok || len(tfData.Historical) < s.slowPeriod {
		return true
	}
	fastMA, ok1 := s.calculateMA(tfData.Historical, s.fastPeriod)
	slowMA, ok2 := s.calculateMA(tfData.Historical, s.slowPeriod)
	if !ok1 || !ok2 {
		return true
	}
	return fastMA > slowMA
}

func (s *Strategy) entrySignal(symbol string, fastMA, slowMA float64) *strategy.Signal {
	return &strategy.Signal{
		Symbol:    symbol,
		Type:      "entry",
		Direction: "long",
		OrderType: "market",
		Quantity:  s.quantity,
	}
}

func (s *Strategy) exitSignal(symbol string, fastMA, slowMA float64) *strategy.Signal {
	return &strategy.Signal{
		Symbol:    symbol,
		Type:      "exit",
		Direction: "long",
		OrderType: "market",
		Quantity:  s.quantity,
	}
}

func paramInt(params map[string]interface{}, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return def
	}
}

func paramString(params map[string]interface{}, key, def string) string {
	v, ok := params[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}
