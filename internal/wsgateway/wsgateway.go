// Package wsgateway is the subscriber-facing WebSocket fan-out: it
// upgrades HTTP connections, registers each as an internal/distbus
// Subscriber, and pumps that subscriber's published ticks/candles out as
// JSON frames.
package wsgateway

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradingcore/marketcore/internal/candle"
	"github.com/tradingcore/marketcore/internal/distbus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// controlMessage is a client -> server subscription control frame.
// Timeframes and Exchange apply to every symbol in Symbols; omitting
// Timeframes subscribes to ticks and every candle timeframe for those
// symbols.
type controlMessage struct {
	Action     string   `json:"action"`
	Symbols    []string `json:"symbols,omitempty"`
	Timeframes []string `json:"timeframes,omitempty"`
	Exchange   string   `json:"exchange,omitempty"`
}

// outboundMessage is a server -> client market-data frame.
type outboundMessage struct {
	Symbol    string      `json:"symbol"`
	Timeframe string      `json:"timeframe,omitempty"`
	Kind      string      `json:"kind"`
	Payload   interface{} `json:"payload"`
}

// Handler returns the HTTP handler that upgrades connections to
// WebSocket and registers them with bus.
func Handler(bus *distbus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("wsgateway: upgrade error: %v", err)
			return
		}

		sub := bus.Register()
		log.Printf("wsgateway: subscriber %s connected (%s)", sub.ID, conn.RemoteAddr())

		go writePump(conn, sub)
		go readPump(conn, bus, sub)
	}
}

// readPump processes incoming subscribe/unsubscribe control frames until
// the connection closes, then unregisters the subscriber.
func readPump(conn *websocket.Conn, bus *distbus.Bus, sub *distbus.Subscriber) {
	defer func() {
		bus.Unregister(sub.ID)
		conn.Close()
		log.Printf("wsgateway: subscriber %s disconnected", sub.ID)
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("wsgateway: subscriber %s read error: %v", sub.ID, err)
			}
			return
		}

		var ctrl controlMessage
		if err := json.Unmarshal(message, &ctrl); err != nil {
			log.Printf("wsgateway: subscriber %s invalid control message: %v", sub.ID, err)
			continue
		}
		handleControl(bus, sub, &ctrl)
	}
}

func handleControl(bus *distbus.Bus, sub *distbus.Subscriber, ctrl *controlMessage) {
	switch ctrl.Action {
	case "subscribe":
		if len(ctrl.Symbols) == 1 && ctrl.Symbols[0] == "*" {
			bus.SubscribeAll(sub.ID)
			log.Printf("wsgateway: subscriber %s subscribed to all symbols", sub.ID)
			return
		}
		tfs := parseTimeframes(ctrl.Timeframes)
		for _, sym := range ctrl.Symbols {
			bus.Subscribe(sub.ID, sym, tfs, ctrl.Exchange)
		}
		log.Printf("wsgateway: subscriber %s subscribed to %v timeframes=%v", sub.ID, ctrl.Symbols, tfs)

	case "unsubscribe":
		if len(ctrl.Timeframes) > 0 {
			tfs := parseTimeframes(ctrl.Timeframes)
			for _, sym := range ctrl.Symbols {
				bus.UnsubscribeTimeframes(sub.ID, sym, tfs)
			}
			log.Printf("wsgateway: subscriber %s unsubscribed from %v timeframes=%v", sub.ID, ctrl.Symbols, tfs)
			return
		}
		bus.Unsubscribe(sub.ID, ctrl.Symbols)
		log.Printf("wsgateway: subscriber %s unsubscribed from %v", sub.ID, ctrl.Symbols)

	default:
		log.Printf("wsgateway: subscriber %s unknown action: %s", sub.ID, ctrl.Action)
	}
}

func parseTimeframes(raw []string) []candle.Timeframe {
	if len(raw) == 0 {
		return nil
	}
	out := make([]candle.Timeframe, len(raw))
	for i, r := range raw {
		out[i] = candle.Timeframe(r)
	}
	return out
}

// writePump delivers published messages and periodic pings until sub is
// closed or the connection fails.
func writePump(conn *websocket.Conn, sub *distbus.Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.Recv():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(outboundMessage{Symbol: msg.Symbol, Timeframe: string(msg.Timeframe), Kind: msg.Kind, Payload: msg.Payload})
			if err != nil {
				log.Printf("wsgateway: subscriber %s encode error: %v", sub.ID, err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-sub.Done():
			return
		}
	}
}
