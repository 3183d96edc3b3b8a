// Package indicator implements the technical indicator library used by
// strategies: SMA, EMA, RSI, MACD and Bollinger Bands, each registered by
// name at package init and fronted by a fingerprinted TTL cache.
package indicator

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tradingcore/marketcore/internal/candle"
)

// Kind names an indicator algorithm.
type Kind string

const (
	SMA Kind = "SMA"
	EMA Kind = "EMA"
	RSI Kind = "RSI"
	MACD Kind = "MACD"
	BB   Kind = "BB"
)

// Params are an indicator's named numeric parameters (e.g. "period": 14).
type Params map[string]float64

// Value is one computed indicator reading. Single-valued indicators
// (SMA/EMA/RSI) set Scalar; multi-valued ones (MACD/BB) set Fields.
type Value struct {
	Symbol    string
	Timeframe candle.Timeframe
	Kind      Kind
	Scalar    float64
	Fields    map[string]float64
	Timestamp time.Time
	Params    Params
}

// Indicator is the plugin contract every algorithm implements.
type Indicator interface {
	RequiredCandles() int
	Calculate(candles []candle.Candle) (*Value, error)
}

type constructor func(Params) (Indicator, error)

var registry = make(map[Kind]constructor)

func register(k Kind, c constructor) {
	registry[k] = c
}

// New creates an Indicator instance of kind from params, validating params
// the way each concrete indicator's validate_params does.
func New(k Kind, params Params) (Indicator, error) {
	c, ok := registry[k]
	if !ok {
		return nil, fmt.Errorf("indicator: unknown kind %q", k)
	}
	return c(params)
}

// Available returns the registered indicator kinds.
func Available() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Cache is the fingerprinted TTL store backing Engine; Redis is the
// production implementation in internal/store.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (*Value, bool, error)
	Set(ctx context.Context, fingerprint string, v Value, ttl time.Duration) error
}

const defaultTTL = 5 * time.Minute

// Engine is the indicator registry + cache facade strategies call
// through. Concurrent cache misses for the same fingerprint collapse
// into a single calculation via singleflight instead of recomputing
// redundantly.
type Engine struct {
	cache Cache
	ttl   time.Duration
	group singleflight.Group

	instancesMu sync.Mutex
	instances   map[string]Indicator
}

// NewEngine creates an Engine. cache may be nil to disable caching.
func NewEngine(cache Cache) *Engine {
	return &Engine{cache: cache, ttl: defaultTTL, instances: make(map[string]Indicator)}
}

// Fingerprint returns the cache key for (symbol, timeframe, kind, params):
// params sorted by name so identical parameter sets always fingerprint
// identically.
func Fingerprint(symbol string, tf candle.Timeframe, k Kind, params Params) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	key := symbol + ":" + string(tf) + ":" + string(k)
	for _, name := range names {
		key += ":" + name + "=" + strconv.FormatFloat(params[name], 'g', -1, 64)
	}
	return key
}

func (e *Engine) indicatorFor(fingerprint string, k Kind, params Params) (Indicator, error) {
	e.instancesMu.Lock()
	defer e.instancesMu.Unlock()

	if ind, ok := e.instances[fingerprint]; ok {
		return ind, nil
	}
	ind, err := New(k, params)
	if err != nil {
		return nil, err
	}
	e.instances[fingerprint] = ind
	return ind, nil
}

// Calculate returns the indicator value for (symbol, timeframe, kind,
// params) over candles, preferring a cached value when available and
// collapsing concurrent misses for the same fingerprint into one
// calculation.
func (e *Engine) Calculate(ctx context.Context, symbol string, tf candle.Timeframe, k Kind, params Params, candles []candle.Candle) (*Value, error) {
	fp := Fingerprint(symbol, tf, k, params)

	if e.cache != nil {
		if v, ok, err := e.cache.Get(ctx, fp); err == nil && ok {
			return v, nil
		}
	}

	result, err, _ := e.group.Do(fp, func() (interface{}, error) {
		ind, err := e.indicatorFor(fp, k, params)
		if err != nil {
			return nil, err
		}
		v, err := ind.Calculate(candles)
		if err != nil {
			return nil, err
		}
		if v != nil && e.cache != nil {
			_ = e.cache.Set(ctx, fp, *v, e.ttl)
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.(*Value), nil
}
