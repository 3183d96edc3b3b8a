package distbus

import (
	"log"
	"sync"

	"github.com/tradingcore/marketcore/internal/candle"
)

// Bus is the subscription registry and fan-out pub/sub core. Unlike a
// broadcast that scans every connected client on every message, Bus
// keeps a dual index — subscriptions keyed by "subscriberID:symbol" and
// a symbol -> subscriber-ID set — so Publish only visits subscribers
// that actually want the symbol, and candle messages further filter on
// the requested timeframe.
type Bus struct {
	mu            sync.RWMutex
	subscribers   map[string]*Subscriber
	subscriptions map[string]*Subscription // "subscriberID:symbol" -> Subscription
	bySymbol      map[string]map[string]bool // symbol -> subscriber IDs
	allSymbolID   map[string]bool            // subscriber IDs subscribed to "*"
	bufferSize    int

	onSymbolDropped    func(symbol string)
	onSymbolSubscribed func(symbol string)
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithSymbolDropped registers a callback invoked when a symbol's last
// subscriber unsubscribes (or disconnects) and its bySymbol entry empties
// — the hook the Feed Connector uses to stop subscribing to that symbol
// upstream.
func WithSymbolDropped(f func(symbol string)) Option {
	return func(b *Bus) { b.onSymbolDropped = f }
}

// WithSymbolSubscribed registers a callback invoked the first time a
// symbol goes from zero to one subscriber — the hook the Feed Connector
// uses to resubscribe a symbol it had previously dropped.
func WithSymbolSubscribed(f func(symbol string)) Option {
	return func(b *Bus) { b.onSymbolSubscribed = f }
}

// SetSymbolDropped sets (or replaces) the symbol-dropped callback after
// construction — cmd/marketcored and cmd/replay only have a live
// tick.Source once RunFeed starts, after Wire has already built the Bus.
func (b *Bus) SetSymbolDropped(f func(symbol string)) {
	b.mu.Lock()
	b.onSymbolDropped = f
	b.mu.Unlock()
}

// SetSymbolSubscribed sets (or replaces) the symbol-subscribed callback
// after construction, for the same reason as SetSymbolDropped.
func (b *Bus) SetSymbolSubscribed(f func(symbol string)) {
	b.mu.Lock()
	b.onSymbolSubscribed = f
	b.mu.Unlock()
}

// NewBus creates a Bus whose subscribers each get a send buffer of
// bufferSize.
func NewBus(bufferSize int, opts ...Option) *Bus {
	b := &Bus{
		subscribers:   make(map[string]*Subscriber),
		subscriptions: make(map[string]*Subscription),
		bySymbol:      make(map[string]map[string]bool),
		allSymbolID:   make(map[string]bool),
		bufferSize:    bufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register creates and tracks a new Subscriber.
func (b *Bus) Register() *Subscriber {
	sub := NewSubscriber(b.bufferSize)
	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unregister removes a subscriber from every index and closes it,
// dropping every symbol whose subscriber set consequently empties.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	var emptied []string
	if ok {
		delete(b.subscribers, id)
		delete(b.allSymbolID, id)
		for sym, ids := range b.bySymbol {
			if !ids[id] {
				continue
			}
			delete(ids, id)
			delete(b.subscriptions, subKey(id, sym))
			if len(ids) == 0 {
				delete(b.bySymbol, sym)
				emptied = append(emptied, sym)
			}
		}
	}
	b.mu.Unlock()

	if ok {
		sub.Close()
	}
	b.notifyDropped(emptied)
}

// Subscribe adds or extends a subscriber's interest in symbol: tfs are
// merged idempotently into the existing Subscription's timeframe set
// (an empty tfs means "ticks only, every timeframe" until a later call
// narrows it), and exchange overwrites any previously recorded value
// once non-empty.
func (b *Bus) Subscribe(subscriberID, symbol string, tfs []candle.Timeframe, exchange string) {
	b.mu.Lock()

	if _, ok := b.subscribers[subscriberID]; !ok {
		b.mu.Unlock()
		return
	}

	key := subKey(subscriberID, symbol)
	sub, ok := b.subscriptions[key]
	if !ok {
		sub = newSubscription(subscriberID, symbol, exchange)
		b.subscriptions[key] = sub
	}
	if exchange != "" {
		sub.Exchange = exchange
	}
	for _, tf := range tfs {
		sub.Timeframes[tf] = struct{}{}
	}

	ids, ok := b.bySymbol[symbol]
	if !ok {
		ids = make(map[string]bool)
		b.bySymbol[symbol] = ids
	}
	wasEmpty := len(ids) == 0
	ids[subscriberID] = true

	onSubscribed := b.onSymbolSubscribed
	b.mu.Unlock()

	if wasEmpty && onSubscribed != nil {
		onSubscribed(symbol)
	}
}

// SubscribeAll marks a subscriber as wanting every symbol and timeframe.
func (b *Bus) SubscribeAll(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	b.allSymbolID[id] = true
	b.mu.Unlock()

	sub.setAllSymbols(true)
}

// Unsubscribe removes symbols (in full, regardless of timeframe) from a
// subscriber's interest set, invoking the symbol-dropped callback for
// any symbol whose subscriber set consequently empties.
func (b *Bus) Unsubscribe(subscriberID string, symbols []string) {
	b.mu.Lock()

	if _, ok := b.subscribers[subscriberID]; !ok {
		b.mu.Unlock()
		return
	}

	var emptied []string
	for _, sym := range symbols {
		delete(b.subscriptions, subKey(subscriberID, sym))
		if ids, ok := b.bySymbol[sym]; ok {
			delete(ids, subscriberID)
			if len(ids) == 0 {
				delete(b.bySymbol, sym)
				emptied = append(emptied, sym)
			}
		}
	}

	b.mu.Unlock()
	b.notifyDropped(emptied)
}

// UnsubscribeTimeframes narrows an existing subscription's timeframe set
// without dropping the subscriber's tick-level interest in symbol, unless
// the symbol had no tick-only subscription to fall back to and the
// timeframe set empties entirely — in which case the subscription (and,
// if it was the last one, the symbol) is dropped exactly as Unsubscribe
// would.
func (b *Bus) UnsubscribeTimeframes(subscriberID, symbol string, tfs []candle.Timeframe) {
	b.mu.Lock()

	key := subKey(subscriberID, symbol)
	sub, ok := b.subscriptions[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	hadTimeframes := len(sub.Timeframes) > 0
	for _, tf := range tfs {
		delete(sub.Timeframes, tf)
	}

	var emptied []string
	if hadTimeframes && len(sub.Timeframes) == 0 {
		delete(b.subscriptions, key)
		if ids, ok := b.bySymbol[symbol]; ok {
			delete(ids, subscriberID)
			if len(ids) == 0 {
				delete(b.bySymbol, symbol)
				emptied = append(emptied, symbol)
			}
		}
	}

	b.mu.Unlock()
	b.notifyDropped(emptied)
}

// notifyDropped invokes the symbol-dropped callback for each symbol.
// Callers must not hold b.mu when calling this.
func (b *Bus) notifyDropped(symbols []string) {
	b.mu.RLock()
	onDropped := b.onSymbolDropped
	b.mu.RUnlock()

	if onDropped == nil {
		return
	}
	for _, sym := range symbols {
		onDropped(sym)
	}
}

// Publish fans msg out to every subscriber interested in it: every
// all-symbols subscriber, plus every subscriber registered against
// msg.Symbol whose Subscription wants msg.Timeframe (ticks carry no
// timeframe and reach every symbol-level subscriber; candle_update and
// candle_complete messages only reach subscribers whose timeframe set
// includes msg.Timeframe). Delivery is at-least-once per subscriber's
// buffered channel; a full buffer drops the message for that subscriber
// only and increments its Dropped counter — one slow subscriber never
// blocks another, or the publisher.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	targets := make(map[string]*Subscriber, len(b.allSymbolID))
	for id := range b.allSymbolID {
		if sub, ok := b.subscribers[id]; ok {
			targets[id] = sub
		}
	}
	for id := range b.bySymbol[msg.Symbol] {
		if sub, ok := b.subscribers[id]; !ok {
			continue
		} else if sc, ok := b.subscriptions[subKey(id, msg.Symbol)]; ok && sc.wantsTimeframe(msg.Timeframe) {
			targets[id] = sub
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if !sub.Send(msg) {
			log.Printf("distbus: dropped %s message for %s, subscriber %s buffer full", msg.Kind, msg.Symbol, sub.ID)
		}
	}
}

// PublishTick is a convenience wrapper for symbol-level tick messages.
func (b *Bus) PublishTick(symbol string, payload interface{}) {
	b.Publish(Message{Symbol: symbol, Kind: "tick", Payload: payload})
}

// PublishCandleUpdate publishes a forming-candle update addressed to
// subscribers of (symbol, tf).
func (b *Bus) PublishCandleUpdate(symbol string, tf candle.Timeframe, payload interface{}) {
	b.Publish(Message{Symbol: symbol, Timeframe: tf, Kind: "candle_update", Payload: payload})
}

// PublishCandleComplete publishes a bar-completion event addressed to
// subscribers of (symbol, tf).
func (b *Bus) PublishCandleComplete(symbol string, tf candle.Timeframe, payload interface{}) {
	b.Publish(Message{Symbol: symbol, Timeframe: tf, Kind: "candle_complete", Payload: payload})
}

// SubscriberCount returns the number of currently registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
