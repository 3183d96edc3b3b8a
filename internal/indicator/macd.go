package indicator

import (
	"fmt"

	"github.com/tradingcore/marketcore/internal/candle"
)

func init() {
	register(MACD, func(p Params) (Indicator, error) { return newMACD(p) })
}

type macdIndicator struct {
	fast, slow, signal int
	params             Params
}

func newMACD(p Params) (Indicator, error) {
	for _, name := range []string{"fast_period", "slow_period", "signal_period"} {
		if _, ok := p[name]; !ok {
			return nil, fmt.Errorf("MACD requires '%s' parameter", name)
		}
	}
	if p["fast_period"] >= p["slow_period"] {
		return nil, fmt.Errorf("MACD fast_period must be < slow_period")
	}
	return &macdIndicator{
		fast:   int(p["fast_period"]),
		slow:   int(p["slow_period"]),
		signal: int(p["signal_period"]),
		params: p,
	}, nil
}

func (m *macdIndicator) RequiredCandles() int { return m.slow + m.signal }

func (m *macdIndicator) Calculate(candles []candle.Candle) (*Value, error) {
	required := m.slow + m.signal
	if len(candles) < required {
		return nil, nil
	}

	cl := closes(candles)
	fastEMA := ewm(cl, m.fast)
	slowEMA := ewm(cl, m.slow)

	macdLine := make([]float64, len(cl))
	for i := range cl {
		macdLine[i] = fastEMA[i] - slowEMA[i]
	}
	signalLine := ewm(macdLine, m.signal)

	n := len(cl) - 1
	histogram := macdLine[n] - signalLine[n]

	last := candles[len(candles)-1]
	return &Value{
		Symbol:    last.Symbol,
		Timeframe: last.Timeframe,
		Kind:      MACD,
		Fields: map[string]float64{
			"macd":      macdLine[n],
			"signal":    signalLine[n],
			"histogram": histogram,
		},
		Timestamp: timestampOf(last),
		Params:    m.params,
	}, nil
}
