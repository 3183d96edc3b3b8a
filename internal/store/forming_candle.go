package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradingcore/marketcore/internal/candle"
)

const formingCandleTTL = time.Hour

func formingCandleKey(symbol string, tf candle.Timeframe) string {
	return fmt.Sprintf("forming_candle:%s:%s", symbol, tf)
}

func candleUpdateChannel(symbol string, tf candle.Timeframe) string {
	return fmt.Sprintf("candle_update:%s:%s", symbol, tf)
}

// FormingCandleStore implements candle.FormingStore over Redis, storing
// and publishing forming-candle updates on a per-symbol/timeframe channel.
type FormingCandleStore struct {
	rdb *redis.Client
}

// NewFormingCandleStore creates a FormingCandleStore backed by c.
func NewFormingCandleStore(c *Client) *FormingCandleStore {
	return &FormingCandleStore{rdb: c.Underlying()}
}

// Get returns the forming candle for symbol/tf, or nil if none is
// cached.
func (s *FormingCandleStore) Get(ctx context.Context, symbol string, tf candle.Timeframe) (*candle.Candle, error) {
	data, err := s.rdb.Get(ctx, formingCandleKey(symbol, tf)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("store.FormingCandleStore.Get(%s,%s): %w", symbol, tf, err)
	}
	var c candle.Candle
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("store.FormingCandleStore.Get(%s,%s): unmarshal: %w", symbol, tf, err)
	}
	return &c, nil
}

// Set stores c with a 1-hour expiry and publishes a candle_update event
// for any subscriber watching the live forming candle.
func (s *FormingCandleStore) Set(ctx context.Context, c candle.Candle) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("store.FormingCandleStore.Set: marshal: %w", err)
	}

	key := formingCandleKey(c.Symbol, c.Timeframe)
	if err := s.rdb.Set(ctx, key, data, formingCandleTTL).Err(); err != nil {
		return fmt.Errorf("store.FormingCandleStore.Set(%s,%s): %w", c.Symbol, c.Timeframe, err)
	}

	if err := s.rdb.Publish(ctx, candleUpdateChannel(c.Symbol, c.Timeframe), data).Err(); err != nil {
		return fmt.Errorf("store.FormingCandleStore.Set(%s,%s): publish: %w", c.Symbol, c.Timeframe, err)
	}
	return nil
}

// Delete removes the forming candle — called by Aggregator.ForceComplete.
// On a normal bucket rollover the next bar's Set overwrites the key
// instead.
func (s *FormingCandleStore) Delete(ctx context.Context, symbol string, tf candle.Timeframe) error {
	if err := s.rdb.Del(ctx, formingCandleKey(symbol, tf)).Err(); err != nil {
		return fmt.Errorf("store.FormingCandleStore.Delete(%s,%s): %w", symbol, tf, err)
	}
	return nil
}

func candleCompleteChannel(symbol string, tf candle.Timeframe) string {
	return fmt.Sprintf("candle_complete:%s:%s", symbol, tf)
}

// PublishComplete publishes a bar-completion event, wired to
// candle.Aggregator.OnComplete so external consumers across processes
// see completions the same way in-process subscribers do via
// internal/distbus.
func (s *FormingCandleStore) PublishComplete(ctx context.Context, c candle.Candle) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("store.FormingCandleStore.PublishComplete: marshal: %w", err)
	}
	if err := s.rdb.Publish(ctx, candleCompleteChannel(c.Symbol, c.Timeframe), data).Err(); err != nil {
		return fmt.Errorf("store.FormingCandleStore.PublishComplete(%s,%s): %w", c.Symbol, c.Timeframe, err)
	}
	return nil
}

var _ candle.FormingStore = (*FormingCandleStore)(nil)
