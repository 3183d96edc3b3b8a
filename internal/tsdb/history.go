package tsdb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/tradingcore/marketcore/internal/assembler"
	"github.com/tradingcore/marketcore/internal/candle"
)

// CandleHistory implements assembler.CandleHistory over the candles
// collection.
type CandleHistory struct {
	store *Store
}

// NewCandleHistory creates a CandleHistory backed by store.
func NewCandleHistory(store *Store) *CandleHistory {
	return &CandleHistory{store: store}
}

// RecentCandles returns up to count completed candles for (symbol, tf),
// oldest first — the order the Assembler and indicator engine expect a
// window of bars in.
func (h *CandleHistory) RecentCandles(ctx context.Context, symbol string, tf candle.Timeframe, count int) ([]candle.Candle, error) {
	if count <= 0 {
		return nil, nil
	}

	filter := bson.M{"symbol": symbol, "timeframe": string(tf)}
	opts := options.Find().
		SetSort(bson.D{{Key: "start", Value: -1}}).
		SetLimit(int64(count))

	cursor, err := h.store.db.Collection("candles").Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("tsdb.CandleHistory.RecentCandles(%s,%s): %w", symbol, tf, err)
	}
	defer cursor.Close(ctx)

	var docs []candleDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("tsdb.CandleHistory.RecentCandles(%s,%s): decode: %w", symbol, tf, err)
	}

	candles := make([]candle.Candle, len(docs))
	for i, d := range docs {
		c, err := fromDoc(d)
		if err != nil {
			return nil, fmt.Errorf("tsdb.CandleHistory.RecentCandles(%s,%s): %w", symbol, tf, err)
		}
		// docs arrive newest-first; place them oldest-first by filling
		// from the tail.
		candles[len(docs)-1-i] = c
	}
	return candles, nil
}

// RangeQuery controls a time-bounded candle read for the REST API.
type RangeQuery struct {
	Symbol    string
	Timeframe candle.Timeframe
	From      *time.Time
	To        *time.Time
	Limit     int
}

// QueryRange returns completed candles for a symbol/timeframe within an
// optional [From, To) window, oldest first, capped at Limit (default and
// max 1000).
func (h *CandleHistory) QueryRange(ctx context.Context, q RangeQuery) ([]candle.Candle, error) {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 1000
	}

	filter := bson.M{"symbol": q.Symbol, "timeframe": string(q.Timeframe)}
	if q.From != nil || q.To != nil {
		timeFilter := bson.M{}
		if q.From != nil {
			timeFilter["$gte"] = *q.From
		}
		if q.To != nil {
			timeFilter["$lt"] = *q.To
		}
		filter["start"] = timeFilter
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "start", Value: 1}}).
		SetLimit(int64(q.Limit))

	cursor, err := h.store.db.Collection("candles").Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("tsdb.CandleHistory.QueryRange(%s,%s): %w", q.Symbol, q.Timeframe, err)
	}
	defer cursor.Close(ctx)

	var docs []candleDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("tsdb.CandleHistory.QueryRange(%s,%s): decode: %w", q.Symbol, q.Timeframe, err)
	}

	candles := make([]candle.Candle, len(docs))
	for i, d := range docs {
		c, err := fromDoc(d)
		if err != nil {
			return nil, fmt.Errorf("tsdb.CandleHistory.QueryRange(%s,%s): %w", q.Symbol, q.Timeframe, err)
		}
		candles[i] = c
	}
	return candles, nil
}

var _ assembler.CandleHistory = (*CandleHistory)(nil)
