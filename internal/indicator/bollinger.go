package indicator

import (
	"fmt"
	"math"

	"github.com/tradingcore/marketcore/internal/candle"
)

func init() {
	register(BB, func(p Params) (Indicator, error) { return newBollinger(p) })
}

type bollingerIndicator struct {
	period int
	stdDev float64
	params Params
}

func newBollinger(p Params) (Indicator, error) {
	period, ok := p["period"]
	if !ok {
		return nil, fmt.Errorf("Bollinger Bands requires 'period' parameter")
	}
	stdDev, ok := p["std_dev"]
	if !ok {
		return nil, fmt.Errorf("Bollinger Bands requires 'std_dev' parameter")
	}
	if period < 2 {
		return nil, fmt.Errorf("Bollinger Bands period must be >= 2")
	}
	return &bollingerIndicator{period: int(period), stdDev: stdDev, params: p}, nil
}

func (b *bollingerIndicator) RequiredCandles() int { return b.period }

func (b *bollingerIndicator) Calculate(candles []candle.Candle) (*Value, error) {
	if len(candles) < b.period {
		return nil, nil
	}
	window := closes(candles)[len(candles)-b.period:]

	sum := 0.0
	for _, c := range window {
		sum += c
	}
	middle := sum / float64(b.period)

	variance := 0.0
	for _, c := range window {
		d := c - middle
		variance += d * d
	}
	variance /= float64(b.period)
	std := math.Sqrt(variance)

	last := candles[len(candles)-1]
	return &Value{
		Symbol:    last.Symbol,
		Timeframe: last.Timeframe,
		Kind:      BB,
		Fields: map[string]float64{
			"upper":  middle + b.stdDev*std,
			"middle": middle,
			"lower":  middle - b.stdDev*std,
		},
		Timestamp: timestampOf(last),
		Params:    b.params,
	}, nil
}
