// Package mock provides in-process fakes for the external collaborators:
// a scriptable strategy service used by tests and the CLI self-check.
package mock

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"virtual_exchange/internal/core"
)

// AnalyzeCall records one request the strategy server answered.
type AnalyzeCall struct {
	Symbol            string `json:"symbol"`
	BacktestMode      bool   `json:"backtest_mode"`
	BacktestTimestamp int64  `json:"backtest_timestamp"`
}

// StrategyServer is a canned strategy service. It answers POST /analyze from
// a per-timestamp script and GET /health with ok, and records every call.
type StrategyServer struct {
	mu         sync.Mutex
	replies    map[int64]*core.StrategyReply
	fallback   *core.StrategyReply
	failStatus int
	calls      []AnalyzeCall

	srv *http.Server
	ln  net.Listener
}

func NewStrategyServer() *StrategyServer {
	s := &StrategyServer{
		replies:  make(map[int64]*core.StrategyReply),
		fallback: &core.StrategyReply{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/analyze", s.handleAnalyze)
	s.srv = &http.Server{Handler: mux}
	return s
}

// Start listens on an ephemeral loopback port and returns the base URL.
func (s *StrategyServer) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	s.ln = ln
	go s.srv.Serve(ln)
	return "http://" + ln.Addr().String(), nil
}

func (s *StrategyServer) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.srv.Close()
}

// Script sets the reply returned for one decision timestamp.
func (s *StrategyServer) Script(ts int64, reply *core.StrategyReply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[ts] = reply
}

// SetFallback sets the reply for timestamps without a scripted entry.
func (s *StrategyServer) SetFallback(reply *core.StrategyReply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = reply
}

// FailWith makes /analyze answer with the given HTTP status; 0 restores
// normal replies.
func (s *StrategyServer) FailWith(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = status
}

// Calls returns the analyze requests seen so far, in arrival order.
func (s *StrategyServer) Calls() []AnalyzeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AnalyzeCall(nil), s.calls...)
}

func (s *StrategyServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *StrategyServer) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var call AnalyzeCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	status := s.failStatus
	reply, ok := s.replies[call.BacktestTimestamp]
	if !ok {
		reply = s.fallback
	}
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, "scripted failure", status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}
