package indicator

import (
	"fmt"

	"github.com/tradingcore/marketcore/internal/candle"
)

func init() {
	register(EMA, func(p Params) (Indicator, error) { return newEMA(p) })
}

type emaIndicator struct {
	period int
	params Params
}

func newEMA(p Params) (Indicator, error) {
	period, ok := p["period"]
	if !ok {
		return nil, fmt.Errorf("EMA requires 'period' parameter")
	}
	if period < 1 {
		return nil, fmt.Errorf("EMA period must be >= 1")
	}
	return &emaIndicator{period: int(period), params: p}, nil
}

// RequiredCandles asks for twice the period so the EMA has room to
// stabilize away from its seed value.
func (e *emaIndicator) RequiredCandles() int { return e.period * 2 }

func (e *emaIndicator) Calculate(candles []candle.Candle) (*Value, error) {
	if len(candles) < e.period {
		return nil, nil
	}

	ema := ewm(closes(candles), e.period)
	last := candles[len(candles)-1]
	return &Value{
		Symbol:    last.Symbol,
		Timeframe: last.Timeframe,
		Kind:      EMA,
		Scalar:    ema[len(ema)-1],
		Timestamp: timestampOf(last),
		Params:    e.params,
	}, nil
}

func closes(candles []candle.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		f, _ := c.Close.Float64()
		out[i] = f
	}
	return out
}

// ewm computes an exponential weighted moving average with adjust=false,
// matching pandas' df.ewm(span=period, adjust=False).mean(): alpha =
// 2/(period+1), seeded at the first value.
func ewm(values []float64, period int) []float64 {
	if len(values) == 0 {
		return nil
	}
	alpha := 2.0 / (float64(period) + 1.0)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}
