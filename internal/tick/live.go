package tick

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// LiveSource is a WebSocket adapter to an upstream market data feed:
// bounded reconnection (10 attempts by default, immediate first retry
// then a fixed interval), full resubscription on reconnect, and ticks
// dropped while disconnected (there is no upstream replay buffer in
// this layer).
type LiveSource struct {
	url               string
	maxAttempts       int
	reconnectInterval time.Duration

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	subscribed  map[string]string // symbol -> exchange
	shouldRetry bool

	tickCbs []func(Tick)
	lostCbs []func()

	readDone chan struct{}
}

// LiveSourceOption configures a LiveSource at construction.
type LiveSourceOption func(*LiveSource)

// WithMaxReconnectAttempts overrides the default of 10 bounded attempts.
func WithMaxReconnectAttempts(n int) LiveSourceOption {
	return func(l *LiveSource) { l.maxAttempts = n }
}

// WithReconnectInterval overrides the default fixed 30s retry interval.
func WithReconnectInterval(d time.Duration) LiveSourceOption {
	return func(l *LiveSource) { l.reconnectInterval = d }
}

// NewLiveSource creates a LiveSource dialing wsURL on Connect.
func NewLiveSource(wsURL string, opts ...LiveSourceOption) *LiveSource {
	l := &LiveSource{
		url:               wsURL,
		maxAttempts:       10,
		reconnectInterval: 30 * time.Second,
		subscribed:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type wireTick struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    int64   `json:"volume"`
	Timestamp int64   `json:"timestamp_unix_nano"`
}

type controlMessage struct {
	Action   string   `json:"action"`
	Symbols  []string `json:"symbols,omitempty"`
	Exchange string   `json:"exchange,omitempty"`
}

// Connect establishes the upstream session. Any dial failure, including
// a non-101 handshake, is returned directly and not retried; the
// reconnect loop only runs after an established session drops.
func (l *LiveSource) Connect() error {
	if _, err := url.Parse(l.url); err != nil {
		return fmt.Errorf("connect: invalid url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(l.url, nil)
	if err != nil {
		return fmt.Errorf("connect: dial %s: %w", l.url, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.connected = true
	l.shouldRetry = true
	l.readDone = make(chan struct{})
	l.mu.Unlock()

	go l.readLoop()

	// Resubscribe to the full previously-requested symbol set.
	l.mu.Lock()
	prior := make(map[string]string, len(l.subscribed))
	for s, ex := range l.subscribed {
		prior[s] = ex
	}
	l.mu.Unlock()
	for ex, group := range groupByExchange(prior) {
		_ = l.sendControl(controlMessage{Action: "subscribe", Symbols: group, Exchange: ex})
	}

	return nil
}

func groupByExchange(m map[string]string) map[string][]string {
	out := make(map[string][]string)
	for sym, ex := range m {
		out[ex] = append(out[ex], sym)
	}
	return out
}

// Disconnect terminates the upstream session and suppresses reconnection.
func (l *LiveSource) Disconnect() {
	l.mu.Lock()
	l.shouldRetry = false
	conn := l.conn
	l.connected = false
	l.conn = nil
	l.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Subscribe requests ticks for symbols on exchange; remembered for
// resubscription across reconnects.
func (l *LiveSource) Subscribe(symbols []string, exchange string) error {
	l.mu.Lock()
	for _, s := range symbols {
		l.subscribed[s] = exchange
	}
	connected := l.connected
	l.mu.Unlock()

	if !connected {
		return nil
	}
	return l.sendControl(controlMessage{Action: "subscribe", Symbols: symbols, Exchange: exchange})
}

// Unsubscribe stops ticks for symbols and forgets them for resubscription.
func (l *LiveSource) Unsubscribe(symbols []string) error {
	l.mu.Lock()
	for _, s := range symbols {
		delete(l.subscribed, s)
	}
	connected := l.connected
	l.mu.Unlock()

	if !connected {
		return nil
	}
	return l.sendControl(controlMessage{Action: "unsubscribe", Symbols: symbols})
}

func (l *LiveSource) sendControl(msg controlMessage) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("sendControl: not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// OnTick registers a callback invoked synchronously, in arrival order per
// symbol, for every tick received from upstream.
func (l *LiveSource) OnTick(f func(Tick)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tickCbs = append(l.tickCbs, f)
}

// OnConnectionLost registers a callback invoked when the upstream session
// drops, before reconnection begins.
func (l *LiveSource) OnConnectionLost(f func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lostCbs = append(l.lostCbs, f)
}

func (l *LiveSource) readLoop() {
	l.mu.Lock()
	conn := l.conn
	done := l.readDone
	l.mu.Unlock()

	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.handleConnectionLost()
			return
		}

		var wt wireTick
		if err := json.Unmarshal(data, &wt); err != nil {
			log.Printf("tick.LiveSource: dropping unparseable message: %v", err)
			continue
		}
		l.dispatchTick(wt)
	}
}

func (l *LiveSource) dispatchTick(wt wireTick) {
	t := Tick{
		Symbol:    wt.Symbol,
		Price:     decimal.NewFromFloat(wt.Price),
		Volume:    wt.Volume,
		Timestamp: time.Unix(0, wt.Timestamp),
	}

	l.mu.Lock()
	cbs := l.tickCbs
	l.mu.Unlock()
	for _, cb := range cbs {
		invokeTickCallback(cb, t)
	}
}

// invokeTickCallback is the Feed Connector's recover boundary: a
// panicking subscriber callback must never take down the read loop or
// starve other subscribers of subsequent ticks.
func invokeTickCallback(cb func(Tick), t Tick) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("tick: callback panicked on %s: %v", t.Symbol, r)
		}
	}()
	cb(t)
}

func (l *LiveSource) handleConnectionLost() {
	l.mu.Lock()
	l.connected = false
	l.conn = nil
	shouldRetry := l.shouldRetry
	cbs := l.lostCbs
	l.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}

	if shouldRetry {
		go l.reconnectLoop()
	}
}

// reconnectLoop retries Connect up to maxAttempts times: the first
// attempt is immediate, subsequent attempts wait reconnectInterval.
func (l *LiveSource) reconnectLoop() {
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		l.mu.Lock()
		retry := l.shouldRetry
		l.mu.Unlock()
		if !retry {
			return
		}

		if err := l.Connect(); err == nil {
			log.Printf("tick.LiveSource: reconnected on attempt %d/%d", attempt, l.maxAttempts)
			return
		}

		if attempt < l.maxAttempts {
			time.Sleep(l.reconnectInterval)
		}
	}
	log.Printf("tick.LiveSource: exhausted %d reconnect attempts, remaining disconnected", l.maxAttempts)
}

