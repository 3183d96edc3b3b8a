// Package assembler implements the Multi-Timeframe Assembler: a
// pull-based read path that synchronizes historical candles, the
// current forming candle, and indicator values across the timeframes a
// strategy asks for, plus a freshness/consistency check before handing
// the bundle to a strategy callback.
package assembler

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/tradingcore/marketcore/internal/candle"
	"github.com/tradingcore/marketcore/internal/indicator"
)

// IndicatorRequest names one indicator a caller wants computed alongside
// a timeframe's candle data.
type IndicatorRequest struct {
	Name   string
	Kind   indicator.Kind
	Params indicator.Params
}

// TimeframeData bundles one timeframe's historical candles, forming
// candle, and requested indicator values.
type TimeframeData struct {
	Historical []candle.Candle
	Forming    *candle.Candle
	Indicators map[string]indicator.Value
}

// Data is the synchronized multi-timeframe bundle handed to a strategy.
type Data struct {
	Symbol       string
	Timeframes   map[candle.Timeframe]TimeframeData
	CurrentPrice float64
	AssembledAt  time.Time
}

// CandleHistory is the historical-candle read path; internal/tsdb is
// the production implementation.
type CandleHistory interface {
	RecentCandles(ctx context.Context, symbol string, tf candle.Timeframe, count int) ([]candle.Candle, error)
}

const historyDepth = 500

// Assembler pulls together historical candles, the forming candle, and
// indicator values for a symbol across a set of timeframes.
type Assembler struct {
	history CandleHistory
	forming candle.FormingStore
	engine  *indicator.Engine
	maxAge  time.Duration
}

// NewAssembler creates an Assembler. maxAge bounds how stale the latest
// candle in any requested timeframe may be before EnsureConsistency rejects
// the bundle.
func NewAssembler(history CandleHistory, forming candle.FormingStore, engine *indicator.Engine, maxAge time.Duration) *Assembler {
	if maxAge <= 0 {
		maxAge = 60 * time.Second
	}
	return &Assembler{history: history, forming: forming, engine: engine, maxAge: maxAge}
}

// GetData assembles Data for symbol across timeframes, computing any
// indicators requested per timeframe via indicatorsByTF.
func (a *Assembler) GetData(ctx context.Context, symbol string, timeframes []candle.Timeframe, indicatorsByTF map[candle.Timeframe][]IndicatorRequest) (*Data, error) {
	out := &Data{
		Symbol:      symbol,
		Timeframes:  make(map[candle.Timeframe]TimeframeData, len(timeframes)),
		AssembledAt: time.Now(),
	}

	// CurrentPrice comes from the smallest requested timeframe that has a
	// candle: its forming close if present, else its latest historical close.
	priceRank := -1
	for _, tf := range timeframes {
		tfData, err := a.getTimeframeData(ctx, symbol, tf, indicatorsByTF[tf])
		if err != nil {
			return nil, fmt.Errorf("assembler.GetData(%s,%s): %w", symbol, tf, err)
		}
		out.Timeframes[tf] = tfData

		rank := slices.Index(candle.All(), tf)
		if priceRank >= 0 && rank >= priceRank {
			continue
		}
		if tfData.Forming != nil {
			f, _ := tfData.Forming.Close.Float64()
			out.CurrentPrice = f
			priceRank = rank
		} else if len(tfData.Historical) > 0 {
			f, _ := tfData.Historical[len(tfData.Historical)-1].Close.Float64()
			out.CurrentPrice = f
			priceRank = rank
		}
	}

	return out, nil
}

func (a *Assembler) getTimeframeData(ctx context.Context, symbol string, tf candle.Timeframe, reqs []IndicatorRequest) (TimeframeData, error) {
	historical, err := a.history.RecentCandles(ctx, symbol, tf, historyDepth)
	if err != nil {
		return TimeframeData{}, err
	}

	forming, err := a.forming.Get(ctx, symbol, tf)
	if err != nil {
		return TimeframeData{}, err
	}

	indicators := make(map[string]indicator.Value)
	if len(reqs) > 0 {
		all := append(append([]candle.Candle{}, historical...), optionalForming(forming)...)
		for _, req := range reqs {
			v, err := a.engine.Calculate(ctx, symbol, tf, req.Kind, req.Params, all)
			if err != nil {
				continue
			}
			if v != nil {
				indicators[req.Name] = *v
			}
		}
	}

	return TimeframeData{Historical: historical, Forming: forming, Indicators: indicators}, nil
}

func optionalForming(c *candle.Candle) []candle.Candle {
	if c == nil {
		return nil
	}
	return []candle.Candle{*c}
}

// EnsureConsistency reports whether data is usable by a strategy: every
// requested timeframe must have at least one candle (historical or
// forming), and the latest candle in every timeframe must be no older
// than the Assembler's maxAge.
func (a *Assembler) EnsureConsistency(data *Data) bool {
	if data == nil || len(data.Timeframes) == 0 {
		return false
	}

	now := time.Now()
	for _, tfData := range data.Timeframes {
		latest := latestCandle(tfData)
		if latest == nil {
			return false
		}
		if now.Sub(latest.Start) > a.maxAge {
			return false
		}
	}
	return true
}

func latestCandle(tfData TimeframeData) *candle.Candle {
	if tfData.Forming != nil {
		return tfData.Forming
	}
	if len(tfData.Historical) > 0 {
		return &tfData.Historical[len(tfData.Historical)-1]
	}
	return nil
}
