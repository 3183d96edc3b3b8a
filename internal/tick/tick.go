// Package tick defines the Tick record and the Feed Connector contract:
// a polymorphic source with live and simulated/replay variants, bounded
// reconnection, and per-symbol ordered synchronous callback dispatch.
package tick

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one immutable price update.
type Tick struct {
	Symbol    string
	Price     decimal.Decimal
	Volume    int64
	Timestamp time.Time
}

// Source is the Feed Connector contract. Live and simulated/replay
// variants both implement it; the rest of the pipeline only ever
// depends on this interface.
type Source interface {
	Connect() error
	Disconnect()
	Subscribe(symbols []string, exchange string) error
	Unsubscribe(symbols []string) error
	OnTick(func(Tick))
	OnConnectionLost(func())
}
