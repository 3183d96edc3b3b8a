package distbus

import (
	"testing"

	"github.com/tradingcore/marketcore/internal/candle"
)

func TestSubscribeAndPublishDelivers(t *testing.T) {
	b := NewBus(10)
	sub := b.Register()
	b.Subscribe(sub.ID, "AAPL", nil, "NASDAQ")

	b.PublishTick("AAPL", 100)

	select {
	case msg := <-sub.Recv():
		if msg.Symbol != "AAPL" {
			t.Fatalf("expected AAPL, got %s", msg.Symbol)
		}
	default:
		t.Fatal("expected a delivered message")
	}
}

func TestPublishSkipsUninterestedSubscribers(t *testing.T) {
	b := NewBus(10)
	sub := b.Register()
	b.Subscribe(sub.ID, "AAPL", nil, "")

	b.PublishTick("MSFT", nil)

	select {
	case msg := <-sub.Recv():
		t.Fatalf("did not expect a message, got %+v", msg)
	default:
	}
}

func TestSubscribeAllReceivesEverySymbol(t *testing.T) {
	b := NewBus(10)
	sub := b.Register()
	b.SubscribeAll(sub.ID)

	b.PublishTick("AAPL", nil)
	b.PublishTick("MSFT", nil)

	count := 0
	for i := 0; i < 2; i++ {
		select {
		case <-sub.Recv():
			count++
		default:
		}
	}
	if count != 2 {
		t.Fatalf("expected 2 deliveries for an all-symbols subscriber, got %d", count)
	}
	if !sub.AllSymbols() {
		t.Fatal("expected AllSymbols() to report true")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus(10)
	sub := b.Register()
	b.Subscribe(sub.ID, "AAPL", nil, "")
	b.Unsubscribe(sub.ID, []string{"AAPL"})

	b.PublishTick("AAPL", nil)

	select {
	case msg := <-sub.Recv():
		t.Fatalf("did not expect a message after unsubscribe, got %+v", msg)
	default:
	}
}

func TestUnregisterRemovesFromBothIndices(t *testing.T) {
	b := NewBus(10)
	sub := b.Register()
	b.Subscribe(sub.ID, "AAPL", nil, "")
	b.Unregister(sub.ID)

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unregister, got %d", b.SubscriberCount())
	}
	if ids, ok := b.bySymbol["AAPL"]; ok && len(ids) != 0 {
		t.Fatalf("expected AAPL's symbol index to be empty, got %v", ids)
	}
	if _, ok := b.subscriptions[subKey(sub.ID, "AAPL")]; ok {
		t.Fatal("expected the subscription row to be removed after unregister")
	}

	select {
	case <-sub.Done():
	default:
		t.Fatal("expected subscriber to be closed after unregister")
	}
}

// TestDropOnFullBuffer verifies that a full subscriber buffer drops the
// message for that subscriber only, never blocking the
// publisher or other subscribers.
func TestDropOnFullBuffer(t *testing.T) {
	b := NewBus(1)
	slow := b.Register()
	fast := b.Register()
	b.SubscribeAll(slow.ID)
	b.SubscribeAll(fast.ID)

	b.PublishTick("X", nil)
	<-fast.Recv()           // fast drains its buffer; slow never reads
	b.PublishTick("X", nil) // slow's buffer (size 1) is now full
	<-fast.Recv()

	if slow.Dropped != 1 {
		t.Fatalf("expected 1 dropped message for the slow subscriber, got %d", slow.Dropped)
	}
}

func TestCandleMessageFiltersByTimeframe(t *testing.T) {
	b := NewBus(10)
	oneMin := b.Register()
	fiveMin := b.Register()
	b.Subscribe(oneMin.ID, "AAPL", []candle.Timeframe{candle.TF1m}, "")
	b.Subscribe(fiveMin.ID, "AAPL", []candle.Timeframe{candle.TF5m}, "")

	b.PublishCandleUpdate("AAPL", candle.TF1m, "bar")

	select {
	case <-oneMin.Recv():
	default:
		t.Fatal("expected the 1m subscriber to receive a 1m candle_update")
	}
	select {
	case msg := <-fiveMin.Recv():
		t.Fatalf("did not expect the 5m subscriber to receive a 1m candle_update, got %+v", msg)
	default:
	}
}

func TestTickOnlySubscriptionReceivesEveryTimeframe(t *testing.T) {
	b := NewBus(10)
	sub := b.Register()
	b.Subscribe(sub.ID, "AAPL", nil, "")

	b.PublishCandleComplete("AAPL", candle.TF1h, "bar")

	select {
	case <-sub.Recv():
	default:
		t.Fatal("expected a tick-only subscription to also receive candle messages for any timeframe")
	}
}

func TestSymbolDroppedCallbackFiresWhenLastSubscriberLeaves(t *testing.T) {
	var dropped []string
	b := NewBus(10, WithSymbolDropped(func(symbol string) {
		dropped = append(dropped, symbol)
	}))
	sub := b.Register()
	b.Subscribe(sub.ID, "AAPL", nil, "")
	b.Unsubscribe(sub.ID, []string{"AAPL"})

	if len(dropped) != 1 || dropped[0] != "AAPL" {
		t.Fatalf("expected onSymbolDropped to fire once for AAPL, got %v", dropped)
	}
}

func TestSymbolDroppedCallbackFiresOnUnregister(t *testing.T) {
	var dropped []string
	b := NewBus(10, WithSymbolDropped(func(symbol string) {
		dropped = append(dropped, symbol)
	}))
	sub := b.Register()
	b.Subscribe(sub.ID, "AAPL", nil, "")
	b.Unregister(sub.ID)

	if len(dropped) != 1 || dropped[0] != "AAPL" {
		t.Fatalf("expected onSymbolDropped to fire once for AAPL on unregister, got %v", dropped)
	}
}

func TestSymbolSubscribedCallbackFiresOnceForFirstSubscriber(t *testing.T) {
	var subscribed []string
	b := NewBus(10, WithSymbolSubscribed(func(symbol string) {
		subscribed = append(subscribed, symbol)
	}))
	a := b.Register()
	c := b.Register()
	b.Subscribe(a.ID, "AAPL", nil, "")
	b.Subscribe(c.ID, "AAPL", nil, "")

	if len(subscribed) != 1 || subscribed[0] != "AAPL" {
		t.Fatalf("expected onSymbolSubscribed to fire exactly once for AAPL, got %v", subscribed)
	}
}

func TestSymbolResubscribedAfterDrop(t *testing.T) {
	var events []string
	b := NewBus(10,
		WithSymbolDropped(func(symbol string) { events = append(events, "drop:"+symbol) }),
		WithSymbolSubscribed(func(symbol string) { events = append(events, "sub:"+symbol) }),
	)
	sub := b.Register()
	b.Subscribe(sub.ID, "AAPL", nil, "")
	b.Unsubscribe(sub.ID, []string{"AAPL"})
	b.Subscribe(sub.ID, "AAPL", nil, "")

	want := []string{"sub:AAPL", "drop:AAPL", "sub:AAPL"}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, events)
		}
	}
}
