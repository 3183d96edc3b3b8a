package api

import (
	"context"
	"net/http"
	"time"

	"github.com/tradingcore/marketcore/internal/tsdb"
)

// handleCandles returns completed OHLCV bars for a symbol and timeframe.
func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing symbol")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	candles, err := s.history.QueryRange(ctx, tsdb.RangeQuery{
		Symbol:    symbol,
		Timeframe: parseTimeframeParam(r),
		Limit:     parseIntParam(r, "limit", 100),
		From:      parseTimeParam(r, "from"),
		To:        parseTimeParam(r, "to"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, candles)
}

type strategySummary struct {
	StrategyID string `json:"strategyId"`
	AccountID  string `json:"accountId"`
	Status     string `json:"status"`
}

// handleStrategies lists every currently active strategy.
func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ids := s.scheduler.ActiveStrategyIDs()
	out := make([]strategySummary, 0, len(ids))
	for _, id := range ids {
		state, err := s.states.Load(ctx, id)
		if err != nil || state == nil {
			continue
		}
		out = append(out, strategySummary{
			StrategyID: state.StrategyID,
			AccountID:  state.AccountID,
			Status:     string(state.Status),
		})
	}

	writeJSON(w, http.StatusOK, out)
}

// handleStrategyDetail returns the full persisted state of one strategy.
func (s *Server) handleStrategyDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	state, err := s.states.Load(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "strategy not found: "+id)
		return
	}

	writeJSON(w, http.StatusOK, state)
}

type statsResponse struct {
	Uptime           string `json:"uptime"`
	Subscribers      int    `json:"subscribers"`
	ActiveStrategies int    `json:"activeStrategies"`
}

// handleStats returns runtime statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Uptime:           time.Since(s.startAt).Truncate(time.Second).String(),
		Subscribers:      s.bus.SubscriberCount(),
		ActiveStrategies: len(s.scheduler.ActiveStrategyIDs()),
	})
}
