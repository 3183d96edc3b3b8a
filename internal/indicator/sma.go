package indicator

import (
	"fmt"
	"time"

	"github.com/tradingcore/marketcore/internal/candle"
)

func init() {
	register(SMA, func(p Params) (Indicator, error) { return newSMA(p) })
}

type smaIndicator struct {
	period int
	params Params
}

func newSMA(p Params) (Indicator, error) {
	period, ok := p["period"]
	if !ok {
		return nil, fmt.Errorf("SMA requires 'period' parameter")
	}
	if period < 1 {
		return nil, fmt.Errorf("SMA period must be >= 1")
	}
	return &smaIndicator{period: int(period), params: p}, nil
}

func (s *smaIndicator) RequiredCandles() int { return s.period }

func (s *smaIndicator) Calculate(candles []candle.Candle) (*Value, error) {
	if len(candles) < s.period {
		return nil, nil
	}
	window := candles[len(candles)-s.period:]

	sum := 0.0
	for _, c := range window {
		f, _ := c.Close.Float64()
		sum += f
	}

	last := candles[len(candles)-1]
	return &Value{
		Symbol:    last.Symbol,
		Timeframe: last.Timeframe,
		Kind:      SMA,
		Scalar:    sum / float64(s.period),
		Timestamp: timestampOf(last),
		Params:    s.params,
	}, nil
}

func timestampOf(c candle.Candle) time.Time { return c.Start }
