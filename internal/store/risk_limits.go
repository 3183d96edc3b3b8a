package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tradingcore/marketcore/internal/risk"
)

func riskLimitsKey(accountID string, mode risk.Mode) string {
	return fmt.Sprintf("risk_limits:%s:%s", accountID, mode)
}

// RiskLimitsStore implements risk.Store over Redis as a cache-speed
// key/value row rather than a relational one — risk checks sit on the
// strategy activation hot path (risk.Gate.CanActivate) and cannot
// afford a round trip to a relational store per tick.
type RiskLimitsStore struct {
	rdb *redis.Client
}

// NewRiskLimitsStore creates a RiskLimitsStore backed by c.
func NewRiskLimitsStore(c *Client) *RiskLimitsStore {
	return &RiskLimitsStore{rdb: c.Underlying()}
}

func (s *RiskLimitsStore) Get(ctx context.Context, accountID string, mode risk.Mode) (*risk.Limits, error) {
	data, err := s.rdb.Get(ctx, riskLimitsKey(accountID, mode)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("store.RiskLimitsStore.Get(%s,%s): %w", accountID, mode, err)
	}
	var l risk.Limits
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("store.RiskLimitsStore.Get(%s,%s): unmarshal: %w", accountID, mode, err)
	}
	return &l, nil
}

func (s *RiskLimitsStore) Set(ctx context.Context, l risk.Limits) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("store.RiskLimitsStore.Set(%s,%s): marshal: %w", l.AccountID, l.Mode, err)
	}
	if err := s.rdb.Set(ctx, riskLimitsKey(l.AccountID, l.Mode), data, 0).Err(); err != nil {
		return fmt.Errorf("store.RiskLimitsStore.Set(%s,%s): %w", l.AccountID, l.Mode, err)
	}
	return nil
}

var _ risk.Store = (*RiskLimitsStore)(nil)
