// Package config loads marketcored's runtime configuration from flags
// with environment-variable defaults: one Config struct, one Load(),
// env-var-default helpers per scalar type.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// FeedMode selects which tick.Source cmd/marketcored wires up.
type FeedMode string

const (
	FeedLive      FeedMode = "live"
	FeedSimulated FeedMode = "simulated"
	FeedReplay    FeedMode = "replay"
)

// Config holds all marketcored configuration.
type Config struct {
	// Server
	WSPort  int
	APIPort int
	Host    string

	// Feed Connector
	FeedMode    FeedMode
	LiveFeedURL string
	Symbols     []string
	Exchange    string

	// Simulated feed
	SimSeed         int64
	SimTickInterval time.Duration

	// Replay
	ReplayFile  string
	ReplaySpeed float64
	ReplayStart time.Time
	ReplayEnd   time.Time

	// Time-series store (MongoDB)
	MongoURI string

	// Key/value store (Redis)
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisPoolSize   int
	RedisMaxRetries int
	RedisTLS        bool

	// Candle retention / cold storage
	CandleRetentionDays  int
	ArchiveDir           string
	ArchiveIntervalHours int
	ArchiveAfterHours    int
	ArchiveMaxGB         int

	// Strategy plugins
	PluginDir string

	// Risk Gate defaults
	DefaultMaxLossPaper string
	DefaultMaxLossLive  string
	MaxConcurrentPaper  int
	MaxConcurrentLive   int

	// Observability
	MetricsLogInterval time.Duration

	// Demo strategy, loaded at startup so cmd/marketcored is runnable
	// end-to-end with no external admin tool.
	DemoStrategy   bool
	DemoAccountID  string
	DemoTimeframe  string
	DemoFastPeriod int
	DemoSlowPeriod int
	DemoQuantity   int
}

// Load parses flags (with environment-variable defaults) into a Config.
func Load() *Config {
	c := &Config{}

	flag.IntVar(&c.WSPort, "ws-port", envInt("WS_PORT", 8100), "WebSocket gateway port")
	flag.IntVar(&c.APIPort, "api-port", envInt("API_PORT", 8101), "REST API port")
	flag.StringVar(&c.Host, "host", envStr("HOST", "0.0.0.0"), "Listen host")

	mode := flag.String("feed-mode", envStr("FEED_MODE", "simulated"), "Feed Connector mode: live, simulated, replay")
	flag.StringVar(&c.LiveFeedURL, "live-feed-url", envStr("LIVE_FEED_URL", ""), "Upstream WebSocket URL for live feed mode")
	symbols := flag.String("symbols", envStr("SYMBOLS", "RELIANCE,TCS,INFY"), "Comma-separated symbol list")
	flag.StringVar(&c.Exchange, "exchange", envStr("EXCHANGE", "NSE"), "Exchange identifier used on subscribe")

	flag.Int64Var(&c.SimSeed, "sim-seed", envInt64("SIM_SEED", 0), "Simulated feed PRNG seed (0 = random)")
	simInterval := flag.Int("sim-tick-interval-ms", envInt("SIM_TICK_INTERVAL_MS", 1000), "Simulated feed tick interval in milliseconds")

	flag.StringVar(&c.ReplayFile, "replay-file", envStr("REPLAY_FILE", ""), "NDJSON tick log to replay (replay mode only)")
	speed := flag.Float64("replay-speed", envFloat("REPLAY_SPEED", 1.0), "Replay playback speed multiplier (0 = as fast as possible)")
	replayStart := flag.String("replay-start", envStr("REPLAY_START", ""), "RFC3339 replay window start (empty = beginning of file)")
	replayEnd := flag.String("replay-end", envStr("REPLAY_END", ""), "RFC3339 replay window end (empty = end of file)")

	flag.StringVar(&c.MongoURI, "mongo-uri", envStr("MONGO_URI", "mongodb://localhost:27017/marketcore"), "MongoDB connection URI")

	flag.StringVar(&c.RedisAddr, "redis-addr", envStr("REDIS_ADDR", "localhost:6379"), "Redis address")
	flag.StringVar(&c.RedisPassword, "redis-password", envStr("REDIS_PASSWORD", ""), "Redis password")
	flag.IntVar(&c.RedisDB, "redis-db", envInt("REDIS_DB", 0), "Redis logical database index")
	flag.IntVar(&c.RedisPoolSize, "redis-pool-size", envInt("REDIS_POOL_SIZE", 20), "Redis connection pool size")
	flag.IntVar(&c.RedisMaxRetries, "redis-max-retries", envInt("REDIS_MAX_RETRIES", 3), "Redis command retry count")
	flag.BoolVar(&c.RedisTLS, "redis-tls", envBool("REDIS_TLS", false), "Enable TLS for the Redis connection")

	flag.IntVar(&c.CandleRetentionDays, "candle-retention", envInt("CANDLE_RETENTION_DAYS", 90), "Completed-candle retention in days (0 = keep forever)")
	flag.StringVar(&c.ArchiveDir, "archive-dir", envStr("ARCHIVE_DIR", ""), "Directory for gzipped candle archives (empty = disabled)")
	flag.IntVar(&c.ArchiveIntervalHours, "archive-interval", envInt("ARCHIVE_INTERVAL_HOURS", 6), "Hours between archive runs")
	flag.IntVar(&c.ArchiveAfterHours, "archive-after", envInt("ARCHIVE_AFTER_HOURS", 168), "Archive candles older than this many hours")
	flag.IntVar(&c.ArchiveMaxGB, "archive-max-gb", envInt("ARCHIVE_MAX_GB", 5), "Delete oldest archive shards once total size exceeds this many gigabytes")

	flag.StringVar(&c.PluginDir, "plugin-dir", envStr("PLUGIN_DIR", ""), "Directory of plugin.yaml manifests to load at startup (empty = built-ins only)")

	flag.StringVar(&c.DefaultMaxLossPaper, "default-max-loss-paper", envStr("DEFAULT_MAX_LOSS_PAPER", "100000"), "Default per-account max cumulative loss, paper mode")
	flag.StringVar(&c.DefaultMaxLossLive, "default-max-loss-live", envStr("DEFAULT_MAX_LOSS_LIVE", "25000"), "Default per-account max cumulative loss, live mode")
	flag.IntVar(&c.MaxConcurrentPaper, "max-concurrent-paper", envInt("MAX_CONCURRENT_PAPER", 5), "Max concurrent strategies per account, paper mode")
	flag.IntVar(&c.MaxConcurrentLive, "max-concurrent-live", envInt("MAX_CONCURRENT_LIVE", 5), "Max concurrent strategies per account, live mode")

	metricsInterval := flag.Int("metrics-log-interval-s", envInt("METRICS_LOG_INTERVAL_S", 30), "Seconds between obs.Metrics log lines")

	flag.BoolVar(&c.DemoStrategy, "demo-strategy", envBool("DEMO_STRATEGY", true), "Load a demo moving-average-crossover strategy at startup")
	flag.StringVar(&c.DemoAccountID, "demo-account-id", envStr("DEMO_ACCOUNT_ID", "demo-account"), "Account ID the demo strategy runs under")
	flag.StringVar(&c.DemoTimeframe, "demo-timeframe", envStr("DEMO_TIMEFRAME", "5m"), "Timeframe the demo strategy watches")
	flag.IntVar(&c.DemoFastPeriod, "demo-fast-period", envInt("DEMO_FAST_PERIOD", 10), "Demo strategy fast MA period")
	flag.IntVar(&c.DemoSlowPeriod, "demo-slow-period", envInt("DEMO_SLOW_PERIOD", 20), "Demo strategy slow MA period")
	flag.IntVar(&c.DemoQuantity, "demo-quantity", envInt("DEMO_QUANTITY", 1), "Demo strategy order quantity")

	flag.Parse()

	c.FeedMode = FeedMode(*mode)
	c.Symbols = splitCSV(*symbols)
	c.SimTickInterval = time.Duration(*simInterval) * time.Millisecond
	c.ReplaySpeed = *speed
	c.ReplayStart = parseRFC3339OrZero(*replayStart)
	c.ReplayEnd = parseRFC3339OrDefault(*replayEnd, time.Now().AddDate(100, 0, 0))
	c.MetricsLogInterval = time.Duration(*metricsInterval) * time.Second

	return c
}

func parseRFC3339OrZero(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseRFC3339OrDefault(s string, def time.Time) time.Time {
	if s == "" {
		return def
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return def
	}
	return t
}

// Validate rejects configuration combinations that would otherwise fail
// deep inside startup (e.g. replay mode with no file).
func (c *Config) Validate() error {
	switch c.FeedMode {
	case FeedLive:
		if c.LiveFeedURL == "" {
			return fmt.Errorf("config: feed-mode=live requires -live-feed-url")
		}
	case FeedSimulated:
		// no extra requirement
	case FeedReplay:
		if c.ReplayFile == "" {
			return fmt.Errorf("config: feed-mode=replay requires -replay-file")
		}
	default:
		return fmt.Errorf("config: unknown feed-mode %q", c.FeedMode)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: at least one symbol is required")
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
