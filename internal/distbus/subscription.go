package distbus

import "github.com/tradingcore/marketcore/internal/candle"

// Subscription is one subscriber's interest in one symbol: the set of
// timeframes it wants candle_update/candle_complete messages for, plus
// the exchange it was requested on. Subscription is keyed by
// (SubscriberID, Symbol) in Bus.subscriptions — a subscriber interested
// in several symbols holds one Subscription per symbol.
type Subscription struct {
	SubscriberID string
	Symbol       string
	Timeframes   map[candle.Timeframe]struct{}
	Exchange     string
}

func newSubscription(subscriberID, symbol, exchange string) *Subscription {
	return &Subscription{
		SubscriberID: subscriberID,
		Symbol:       symbol,
		Timeframes:   make(map[candle.Timeframe]struct{}),
		Exchange:     exchange,
	}
}

// wantsTimeframe reports whether this subscription should receive a
// candle message for tf. A subscription with no timeframes recorded
// (e.g. a tick-only subscribe call) is treated as wanting every
// timeframe, matching symbol-level tick interest.
func (s *Subscription) wantsTimeframe(tf candle.Timeframe) bool {
	if len(s.Timeframes) == 0 {
		return true
	}
	_, ok := s.Timeframes[tf]
	return ok
}

func subKey(subscriberID, symbol string) string {
	return subscriberID + ":" + symbol
}
