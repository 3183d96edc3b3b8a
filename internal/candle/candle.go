// Package candle defines the OHLCV bar type, the seven supported
// timeframes, and the bucketing rule that maps a tick timestamp to the
// start of its bar.
package candle

import (
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe is one of the seven supported bar widths.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF1d  Timeframe = "1d"
)

// All returns the seven timeframes in ascending width order.
func All() []Timeframe {
	return []Timeframe{TF1m, TF3m, TF5m, TF15m, TF30m, TF1h, TF1d}
}

// minutes returns the bar width in minutes; 1d is handled separately by
// BucketStart since it floors to midnight rather than a minute multiple.
func (tf Timeframe) minutes() int {
	switch tf {
	case TF1m:
		return 1
	case TF3m:
		return 3
	case TF5m:
		return 5
	case TF15m:
		return 15
	case TF30m:
		return 30
	case TF1h:
		return 60
	case TF1d:
		return 1440
	default:
		return 0
	}
}

// Valid reports whether tf is one of the seven supported timeframes.
func (tf Timeframe) Valid() bool {
	return tf.minutes() > 0
}

// Candle is the OHLCV bar for a (symbol, timeframe) pair.
type Candle struct {
	Symbol    string
	Timeframe Timeframe
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
	Start     time.Time
	Forming   bool
}

// BucketStart floors t to the start of the bar it belongs to for tf. The
// rule is total and deterministic: identical (t, tf) pairs always produce
// the identical bucket start, which is what makes replay runs
// reproducible. 1d candles floor to the exchange's local midnight for
// t's calendar day; sub-day timeframes floor minutes-since-midnight to
// the timeframe width.
func BucketStart(t time.Time, tf Timeframe, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)

	if tf == TF1d {
		return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	}

	width := tf.minutes()
	minutesSinceMidnight := local.Hour()*60 + local.Minute()
	bucketMinutes := (minutesSinceMidnight / width) * width
	return time.Date(local.Year(), local.Month(), local.Day(), bucketMinutes/60, bucketMinutes%60, 0, 0, loc)
}

// FirstTick seeds a new forming candle from the first tick of a bar.
func FirstTick(symbol string, tf Timeframe, start time.Time, price decimal.Decimal, volume int64) Candle {
	return Candle{
		Symbol:    symbol,
		Timeframe: tf,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    volume,
		Start:     start,
		Forming:   true,
	}
}

// ApplyTick folds a subsequent tick of the same bar into c.
func (c *Candle) ApplyTick(price decimal.Decimal, volume int64) {
	if price.GreaterThan(c.High) {
		c.High = price
	}
	if price.LessThan(c.Low) {
		c.Low = price
	}
	c.Close = price
	c.Volume += volume
}

// Valid checks the OHLCV invariant: low <= open, close <= high.
func (c Candle) Valid() bool {
	lo := c.Open
	if c.Close.LessThan(lo) {
		lo = c.Close
	}
	hi := c.Open
	if c.Close.GreaterThan(hi) {
		hi = c.Close
	}
	return c.Low.LessThanOrEqual(lo) && hi.LessThanOrEqual(c.High) && c.Volume >= 0
}
