// Package api is the REST query surface: a thin HTTP adapter exposing
// candle history, strategy status, and runtime stats.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/tradingcore/marketcore/internal/candle"
	"github.com/tradingcore/marketcore/internal/distbus"
	"github.com/tradingcore/marketcore/internal/strategy"
	"github.com/tradingcore/marketcore/internal/tsdb"
)

// CandleReader abstracts the read-only candle query internal/tsdb.CandleHistory
// provides, so handlers can be tested against a fake instead of a live
// MongoDB.
type CandleReader interface {
	QueryRange(ctx context.Context, q tsdb.RangeQuery) ([]candle.Candle, error)
}

// StrategyLister abstracts the scheduler methods the API reads from,
// mirroring teacher's *session.Manager dependency on the Server.
type StrategyLister interface {
	ActiveStrategyIDs() []string
}

// Server provides REST API endpoints over the market data core.
type Server struct {
	history   CandleReader
	scheduler StrategyLister
	states    strategy.StateStore
	bus       *distbus.Bus
	startAt   time.Time
}

// NewServer creates a new API server.
func NewServer(history CandleReader, scheduler StrategyLister, states strategy.StateStore, bus *distbus.Bus) *Server {
	return &Server{
		history:   history,
		scheduler: scheduler,
		states:    states,
		bus:       bus,
		startAt:   time.Now(),
	}
}

// Register attaches API routes to the given mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/candles/{symbol}", s.handleCandles)
	mux.HandleFunc("GET /api/strategies", s.handleStrategies)
	mux.HandleFunc("GET /api/strategies/{id}", s.handleStrategyDetail)
	mux.HandleFunc("GET /api/stats", s.handleStats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseIntParam(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func parseTimeParam(r *http.Request, key string) *time.Time {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}

func parseTimeframeParam(r *http.Request) candle.Timeframe {
	tf := candle.Timeframe(r.URL.Query().Get("timeframe"))
	if !tf.Valid() {
		return candle.TF1m
	}
	return tf
}
