package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradingcore/marketcore/internal/indicator"
)

func indicatorKey(fingerprint string) string {
	return "indicator:" + fingerprint
}

// IndicatorCache implements indicator.Cache over Redis. fingerprint is
// indicator.Fingerprint's sorted-param key, already namespaced as
// "symbol:timeframe:kind:params".
type IndicatorCache struct {
	rdb *redis.Client
}

// NewIndicatorCache creates an IndicatorCache backed by c.
func NewIndicatorCache(c *Client) *IndicatorCache {
	return &IndicatorCache{rdb: c.Underlying()}
}

func (c *IndicatorCache) Get(ctx context.Context, fingerprint string) (*indicator.Value, bool, error) {
	data, err := c.rdb.Get(ctx, indicatorKey(fingerprint)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store.IndicatorCache.Get(%s): %w", fingerprint, err)
	}
	var v indicator.Value
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("store.IndicatorCache.Get(%s): unmarshal: %w", fingerprint, err)
	}
	return &v, true, nil
}

func (c *IndicatorCache) Set(ctx context.Context, fingerprint string, v indicator.Value, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store.IndicatorCache.Set(%s): marshal: %w", fingerprint, err)
	}
	if err := c.rdb.Set(ctx, indicatorKey(fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("store.IndicatorCache.Set(%s): %w", fingerprint, err)
	}
	return nil
}

var _ indicator.Cache = (*IndicatorCache)(nil)
