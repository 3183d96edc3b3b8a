package distbus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tradingcore/marketcore/internal/candle"
)

// Message is one published unit of market data: a tick, a forming-candle
// update, a completed candle, or an indicator value. Timeframe is unset
// for ticks (ticks are symbol-level, not timeframe-scoped). The bus
// itself is agnostic to what Payload holds — internal/wsgateway and
// internal/assembler are responsible for interpreting it.
type Message struct {
	Symbol    string
	Timeframe candle.Timeframe
	Kind      string
	Payload   interface{}
}

// Subscriber is a registered fan-out target: a buffered send channel
// with drop-on-full backpressure. Its per-(symbol, timeframe) interest
// is tracked by Bus in Subscription rows, not here — Subscriber only
// carries the global "subscribed to everything" flag, since that
// bypasses the per-symbol registry entirely.
type Subscriber struct {
	ID string

	mu         sync.RWMutex
	allSymbols bool

	sendCh    chan Message
	done      chan struct{}
	closeOnce sync.Once

	Dropped uint64
}

// NewSubscriber creates a Subscriber with a send buffer of bufferSize.
func NewSubscriber(bufferSize int) *Subscriber {
	return &Subscriber{
		ID:     uuid.NewString(),
		sendCh: make(chan Message, bufferSize),
		done:   make(chan struct{}),
	}
}

func (s *Subscriber) setAllSymbols(v bool) {
	s.mu.Lock()
	s.allSymbols = v
	s.mu.Unlock()
}

// AllSymbols reports whether the subscriber is subscribed to every symbol.
func (s *Subscriber) AllSymbols() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allSymbols
}

// Send enqueues msg for delivery. Returns false if the buffer was full and
// the message was dropped — delivery is at-least-once only while the
// buffer has room.
func (s *Subscriber) Send(msg Message) bool {
	select {
	case s.sendCh <- msg:
		return true
	default:
		atomic.AddUint64(&s.Dropped, 1)
		return false
	}
}

// Recv returns the channel a delivery loop should range over.
func (s *Subscriber) Recv() <-chan Message {
	return s.sendCh
}

// Done is closed when the subscriber is unregistered.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Close terminates the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
