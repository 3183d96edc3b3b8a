package tsdb

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradingcore/marketcore/internal/candle"
)

// candleDoc is the on-disk shape of a completed candle. OHLC are stored
// as decimal strings rather than float64 or bson Decimal128 so the round
// trip through RecentCandles never loses the precision the rest of the
// pipeline relies on (decimal.Decimal throughout).
type candleDoc struct {
	Symbol    string    `bson:"symbol"`
	Timeframe string    `bson:"timeframe"`
	Start     time.Time `bson:"start"`
	Open      string    `bson:"open"`
	High      string    `bson:"high"`
	Low       string    `bson:"low"`
	Close     string    `bson:"close"`
	Volume    int64     `bson:"volume"`
}

func toDoc(c candle.Candle) candleDoc {
	return candleDoc{
		Symbol:    c.Symbol,
		Timeframe: string(c.Timeframe),
		Start:     c.Start,
		Open:      c.Open.String(),
		High:      c.High.String(),
		Low:       c.Low.String(),
		Close:     c.Close.String(),
		Volume:    c.Volume,
	}
}

func fromDoc(d candleDoc) (candle.Candle, error) {
	open, err := decimal.NewFromString(d.Open)
	if err != nil {
		return candle.Candle{}, fmt.Errorf("tsdb: decode open %q: %w", d.Open, err)
	}
	high, err := decimal.NewFromString(d.High)
	if err != nil {
		return candle.Candle{}, fmt.Errorf("tsdb: decode high %q: %w", d.High, err)
	}
	low, err := decimal.NewFromString(d.Low)
	if err != nil {
		return candle.Candle{}, fmt.Errorf("tsdb: decode low %q: %w", d.Low, err)
	}
	closePrice, err := decimal.NewFromString(d.Close)
	if err != nil {
		return candle.Candle{}, fmt.Errorf("tsdb: decode close %q: %w", d.Close, err)
	}
	return candle.Candle{
		Symbol:    d.Symbol,
		Timeframe: candle.Timeframe(d.Timeframe),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    d.Volume,
		Start:     d.Start,
		Forming:   false,
	}, nil
}
