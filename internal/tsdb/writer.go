package tsdb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/tradingcore/marketcore/internal/candle"
)

// CandleWriter implements candle.Writer over the candles collection.
// Completed bars are append-only: a candle is written exactly once by
// the Aggregator, so a duplicate insert (a redelivered completion after
// an upstream retry) is idempotent rather than an error, mirroring the
// teacher's SaveTrade.
type CandleWriter struct {
	store *Store
}

// NewCandleWriter creates a CandleWriter backed by store.
func NewCandleWriter(store *Store) *CandleWriter {
	return &CandleWriter{store: store}
}

func (w *CandleWriter) WriteCandle(ctx context.Context, c candle.Candle) error {
	_, err := w.store.db.Collection("candles").InsertOne(ctx, toDoc(c))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("tsdb.CandleWriter.WriteCandle(%s,%s): %w", c.Symbol, c.Timeframe, err)
	}
	return nil
}

var _ candle.Writer = (*CandleWriter)(nil)
