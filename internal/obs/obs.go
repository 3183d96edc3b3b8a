// Package obs holds the module's logging/metrics ambient concern: plain
// atomic counters surfaced through periodic log lines rather than a
// metrics client library — nothing in the example pack pulls in a
// Prometheus/StatsD client as a direct dependency (prometheus/client_golang
// shows up only as an indirect, unimported transitive dependency in one
// unrelated example's go.mod), so there is no ecosystem precedent to
// follow here instead of a stdlib atomic-counter-plus-log pattern.
package obs

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing metric, safe for concurrent use.
type Counter struct {
	v atomic.Uint64
}

// Inc increments the counter by one.
func (c *Counter) Inc() {
	c.v.Add(1)
}

// Add increments the counter by delta.
func (c *Counter) Add(delta uint64) {
	c.v.Add(delta)
}

// Value returns the counter's current value.
func (c *Counter) Value() uint64 {
	return c.v.Load()
}

// Metrics is the module-wide set of drop counters internal/pipeline
// increments: DroppedTicks when the inbound tick queue overflows,
// DroppedCandleWrites when persisting a completed candle fails, and
// DroppedSignals when the signals channel is full. DroppedSubscriberMsg
// is reported by RunLogger but nothing in the module increments it; the
// Distribution Bus counts its per-subscriber drops on Subscriber.Dropped.
type Metrics struct {
	DroppedTicks         Counter
	DroppedSubscriberMsg Counter
	DroppedCandleWrites  Counter
	DroppedSignals       Counter
}

// NewMetrics creates a zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RunLogger periodically logs a snapshot of every counter until ctx is
// cancelled.
func (m *Metrics) RunLogger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("obs: dropped_ticks=%d dropped_subscriber_msgs=%d dropped_candle_writes=%d dropped_signals=%d",
				m.DroppedTicks.Value(), m.DroppedSubscriberMsg.Value(), m.DroppedCandleWrites.Value(), m.DroppedSignals.Value())
		}
	}
}
