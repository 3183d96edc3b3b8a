package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradingcore/marketcore/internal/strategy"
)

const strategyStateTTL = 86400 * time.Second

func strategyStateKey(strategyID string) string {
	return "strategy_state:" + strategyID
}

const activeStrategiesKey = "active_strategies"

// StrategyStateStore implements strategy.StateStore over Redis: each
// strategy's lifecycle state is a JSON blob at
// strategy_state:<strategy_id> with an 86400s TTL, and every saved
// strategy ID is tracked in the active_strategies set, following the
// same key-per-domain convention as the rest of this package.
type StrategyStateStore struct {
	rdb *redis.Client
}

// NewStrategyStateStore creates a StrategyStateStore backed by c.
func NewStrategyStateStore(c *Client) *StrategyStateStore {
	return &StrategyStateStore{rdb: c.Underlying()}
}

func (s *StrategyStateStore) Load(ctx context.Context, strategyID string) (*strategy.State, error) {
	data, err := s.rdb.Get(ctx, strategyStateKey(strategyID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("store.StrategyStateStore.Load(%s): %w", strategyID, err)
	}
	var state strategy.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("store.StrategyStateStore.Load(%s): unmarshal: %w", strategyID, err)
	}
	return &state, nil
}

func (s *StrategyStateStore) Save(ctx context.Context, state strategy.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store.StrategyStateStore.Save(%s): marshal: %w", state.StrategyID, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, strategyStateKey(state.StrategyID), data, strategyStateTTL)
	pipe.SAdd(ctx, activeStrategiesKey, state.StrategyID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store.StrategyStateStore.Save(%s): %w", state.StrategyID, err)
	}
	return nil
}

// ActiveStrategyIDs returns every strategy ID saved and not since
// removed from the active_strategies set (the set itself has no TTL) —
// used by Scheduler.Rehydrate to reload strategies after a restart.
func (s *StrategyStateStore) ActiveStrategyIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, activeStrategiesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("store.StrategyStateStore.ActiveStrategyIDs: %w", err)
	}
	return ids, nil
}

// Remove drops strategyID from the active_strategies set so a stopped
// strategy no longer reports as active; the strategy_state:<id> blob
// itself is left to expire on its own TTL.
func (s *StrategyStateStore) Remove(ctx context.Context, strategyID string) error {
	if err := s.rdb.SRem(ctx, activeStrategiesKey, strategyID).Err(); err != nil {
		return fmt.Errorf("store.StrategyStateStore.Remove(%s): %w", strategyID, err)
	}
	return nil
}

var _ strategy.StateStore = (*StrategyStateStore)(nil)
