package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"virtual_exchange/internal/backtest"
	"virtual_exchange/internal/core"
)

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	intent, err := req.intent(s.session.Known())
	if err != nil {
		writeErr(w, statusFor(err), rejectionReason(err))
		return
	}

	parent, childErrs, err := s.session.Place(r.Context(), intent)
	if err != nil {
		writeErr(w, statusFor(err), rejectionReason(err))
		return
	}
	writeOK(w, placementResult(parent, childErrs))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req cancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if _, err := s.session.Cancel(r.Context(), req.Oid); err != nil {
		writeErr(w, statusFor(err), rejectionReason(err))
		return
	}
	writeOK(w, map[string]string{"data": "Order canceled"})
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req modifyOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if _, err := s.session.Modify(r.Context(), req.Oid, req.NewPrice, req.NewSize); err != nil {
		writeErr(w, statusFor(err), rejectionReason(err))
		return
	}
	writeOK(w, map[string]string{"data": "Order modified"})
}

// handleInfo serves the account and universe queries. Successful payloads
// are bare, matching the upstream exchange API this service stands in for.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req infoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	switch req.Type {
	case "clearinghouseState":
		writeJSON(w, http.StatusOK, s.session.AccountInfo())
	case "metaAndAssetCtxs":
		symbols := s.session.Symbols()
		universe := make([]universeEntry, 0, len(symbols))
		for _, sym := range symbols {
			coin := backtest.SymbolCoin(sym)
			universe = append(universe, universeEntry{
				Name:        coin,
				SzDecimals:  szDecimalsFor(coin),
				MaxLeverage: 50,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"universe": universe})
	default:
		writeErr(w, http.StatusBadRequest, "Unknown info type")
	}
}

// handleIndicators serves GET /gpt-latest/{symbol}?timestamp=T: the candle
// and indicator snapshot per interval as of T, computed from data at or
// before T only.
func (s *Server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	symbol := strings.TrimPrefix(r.URL.Path, "/gpt-latest/")
	if symbol == "" || strings.Contains(symbol, "/") {
		writeErr(w, http.StatusNotFound, "unknown path")
		return
	}

	ts := r.URL.Query().Get("timestamp")
	t, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || t <= 0 {
		writeErr(w, http.StatusBadRequest, "timestamp query parameter must be a positive unix time")
		return
	}

	bundle, err := s.market.BundleAt(r.Context(), symbol, t)
	if err != nil {
		writeErr(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":         symbol,
		"timestamp":      t,
		"intervals_data": bundle,
	})
}

// handleTopNews serves GET /top-news?before_timestamp=T&k=N: the N most
// recent items published at or before T, newest first, as a bare array.
func (s *Server) handleTopNews(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	before, err := strconv.ParseInt(q.Get("before_timestamp"), 10, 64)
	if err != nil || before <= 0 {
		writeErr(w, http.StatusBadRequest, "before_timestamp query parameter must be a positive unix time")
		return
	}
	k := 10
	if ks := q.Get("k"); ks != "" {
		k, err = strconv.Atoi(ks)
		if err != nil || k <= 0 {
			writeErr(w, http.StatusBadRequest, "k query parameter must be a positive integer")
			return
		}
	}

	items, err := s.deps.News.Before(r.Context(), before, k)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []core.NewsItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// handleOrchestrate starts a strategy-driven run. Synchronous calls hold
// the response until the run finishes; async calls return the run id
// immediately and the caller follows up via /backtest/status or the event
// stream.
func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req orchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	start, err := parseTimeUTC("start_time", req.StartTime)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseTimeUTC("end_time", req.EndTime)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MeetingIntervalHours < 0 {
		writeErr(w, http.StatusBadRequest, "meeting_interval_hours must not be negative")
		return
	}

	strategyURL := req.StrategyAgentURL
	if strategyURL == "" {
		strategyURL = s.cfg.Backtest.StrategyURL
	}

	runID := uuid.New().String()
	orch, err := backtest.New(backtest.Config{
		RunID:            runID,
		Symbol:           req.Symbol,
		StartTime:        start.Unix(),
		EndTime:          end.Unix(),
		DecisionInterval: time.Duration(req.MeetingIntervalHours * float64(time.Hour)),
		FeeRate:          s.cfg.Exchange.FeeRateDecimal(),
		InitialBalance:   s.cfg.Exchange.InitialBalanceDecimal(),
		MarketFill:       s.session.MarketFill(),
		EngineVersion:    s.cfg.Backtest.EngineVersion,
		StrategyURL:      strategyURL,
	}, backtest.Deps{
		Candles:  s.deps.Candles,
		News:     s.deps.News,
		Strategy: s.newStrategy(strategyURL),
		Store:    s.deps.Store,
		Events:   s.hub,
		Logger:   s.deps.Logger,
	})
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.registry.Submit(runID, req.Symbol, orch.Run); err != nil {
		writeErr(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if req.Async {
		writeOK(w, map[string]interface{}{"run_id": runID, "state": RunStatePending})
		return
	}

	report, err := s.registry.Wait(r.Context(), runID)
	if err != nil {
		writeErr(w, statusFor(err), err.Error())
		return
	}
	writeOK(w, report)
}

// handleBatchRun replays a fixed order list over a candle window and
// returns the report synchronously.
func (s *Server) handleBatchRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req batchRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Timeframe != "" && req.Timeframe != "1m" {
		writeErr(w, http.StatusBadRequest, "unsupported timeframe "+strconv.Quote(req.Timeframe)+": matching runs on 1m candles")
		return
	}
	start, err := parseTimeUTC("start_time", req.StartTime)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseTimeUTC("end_time", req.EndTime)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	// Replays are not held to the standing session's symbols; the coin of
	// every order must still resolve to the run's symbol.
	known := map[string]bool{req.Symbol: true}
	orders := make([]backtest.OrderIntent, 0, len(req.Orders))
	for i, o := range req.Orders {
		intent, err := o.intent(known)
		if err != nil {
			writeErr(w, statusFor(err), "order "+strconv.Itoa(i)+": "+err.Error())
			return
		}
		orders = append(orders, *intent)
	}

	br, err := backtest.NewBatch(backtest.BatchConfig{
		Symbol:         req.Symbol,
		StartTime:      start.Unix(),
		EndTime:        end.Unix(),
		FeeRate:        s.cfg.Exchange.FeeRateDecimal(),
		InitialBalance: s.cfg.Exchange.InitialBalanceDecimal(),
		MarketFill:     s.session.MarketFill(),
		EngineVersion:  s.cfg.Backtest.EngineVersion,
		Orders:         orders,
	}, backtest.BatchDeps{
		Candles: s.deps.Candles,
		Store:   s.deps.Store,
		Events:  s.hub,
		Logger:  s.deps.Logger,
	})
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.registry.Submit(br.RunID(), req.Symbol, br.Run); err != nil {
		writeErr(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	report, err := s.registry.Wait(r.Context(), br.RunID())
	if err != nil {
		writeErr(w, statusFor(err), err.Error())
		return
	}
	writeOK(w, report)
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	runID := strings.TrimPrefix(r.URL.Path, "/backtest/status/")
	if runID == "" || strings.Contains(runID, "/") {
		writeErr(w, http.StatusNotFound, "unknown path")
		return
	}

	status, ok := s.registry.Status(runID)
	if !ok {
		writeErr(w, http.StatusNotFound, "Run not found")
		return
	}
	writeOK(w, status)
}
