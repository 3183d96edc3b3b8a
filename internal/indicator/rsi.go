package indicator

import (
	"fmt"

	"github.com/tradingcore/marketcore/internal/candle"
)

func init() {
	register(RSI, func(p Params) (Indicator, error) { return newRSI(p) })
}

type rsiIndicator struct {
	period int
	params Params
}

func newRSI(p Params) (Indicator, error) {
	period, ok := p["period"]
	if !ok {
		return nil, fmt.Errorf("RSI requires 'period' parameter")
	}
	if period < 2 {
		return nil, fmt.Errorf("RSI period must be >= 2")
	}
	return &rsiIndicator{period: int(period), params: p}, nil
}

func (r *rsiIndicator) RequiredCandles() int { return r.period + 1 }

func (r *rsiIndicator) Calculate(candles []candle.Candle) (*Value, error) {
	if len(candles) < r.period+1 {
		return nil, nil
	}

	cl := closes(candles)
	deltas := make([]float64, len(cl)-1)
	for i := 1; i < len(cl); i++ {
		deltas[i-1] = cl[i] - cl[i-1]
	}

	window := deltas[len(deltas)-r.period:]
	var gainSum, lossSum float64
	for _, d := range window {
		if d > 0 {
			gainSum += d
		} else {
			lossSum += -d
		}
	}
	avgGain := gainSum / float64(r.period)
	avgLoss := lossSum / float64(r.period)

	var rsi float64
	if avgLoss == 0 {
		rsi = 100.0
	} else {
		rs := avgGain / avgLoss
		rsi = 100 - (100 / (1 + rs))
	}

	last := candles[len(candles)-1]
	return &Value{
		Symbol:    last.Symbol,
		Timeframe: last.Timeframe,
		Kind:      RSI,
		Scalar:    rsi,
		Timestamp: timestampOf(last),
		Params:    r.params,
	}, nil
}
