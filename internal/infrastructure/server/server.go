package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"virtual_exchange/internal/config"
	"virtual_exchange/internal/core"
	"virtual_exchange/internal/exchange/match"
	"virtual_exchange/internal/infrastructure/health"
	"virtual_exchange/internal/strategy"
	"virtual_exchange/pkg/concurrency"
	"virtual_exchange/pkg/telemetry"
)

// maxEventStreams caps concurrent websocket subscribers across all runs.
const maxEventStreams = 64

// Deps are the data and persistence collaborators behind the API.
type Deps struct {
	Candles core.CandleSource
	News    core.NewsSource
	Store   core.IStateStore
	Logger  core.ILogger
}

// Server hosts the exchange and backtest HTTP API: the standing paper
// account under /exchange and /info, indicator and news lookups, and the
// run lifecycle under /backtest.
type Server struct {
	cfg      *config.Config
	deps     Deps
	logger   core.ILogger
	session  *Session
	market   *MarketData
	hub      *Hub
	registry *Registry
	checks   *health.Registry
	upgrader websocket.Upgrader
	wsSlots  chan struct{}

	// newStrategy builds the client for an orchestrated run's agent URL.
	// Swappable so tests can pin a stub.
	newStrategy func(url string) core.IStrategyClient

	mu  sync.Mutex
	srv *http.Server
}

// New wires the API server from configuration and its collaborators.
func New(cfg *config.Config, deps Deps) *Server {
	session := NewSession(SessionConfig{
		Symbols:        cfg.Exchange.Symbols,
		InitialBalance: cfg.Exchange.InitialBalanceDecimal(),
		FeeRate:        cfg.Exchange.FeeRateDecimal(),
		MarketFill:     match.MarketFillMode(cfg.Exchange.MarketFill),
	}, deps.Logger)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "backtest-runs",
		MaxWorkers:  cfg.Concurrency.RunPoolSize,
		MaxCapacity: cfg.Concurrency.RunPoolBuffer,
		NonBlocking: true,
	}, deps.Logger)

	hub := NewHub(deps.Logger)
	checks := health.NewRegistry(deps.Logger)
	checks.Register("event_hub", func() error {
		if !hub.Running() {
			return errors.New("event hub stopped")
		}
		return nil
	})
	checks.Register("run_queue", func() error {
		if pool.Saturated() {
			return errors.New("run queue full")
		}
		return nil
	})
	if len(cfg.Exchange.Symbols) > 0 {
		probeSymbol := cfg.Exchange.Symbols[0]
		checks.Register("candles", func() error {
			probeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := deps.Candles.Range(probeCtx, probeSymbol, 0, 0)
			return err
		})
	}

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.WithField("component", "api_server"),
		session:  session,
		market:   NewMarketData(deps.Candles, session.Known(), deps.Logger),
		hub:      hub,
		registry: NewRegistry(pool, hub, deps.Logger, cfg.Concurrency.RunHistoryLimit),
		checks:   checks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The stream carries no account mutations, so any origin may
			// subscribe.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		wsSlots: make(chan struct{}, maxEventStreams),
	}

	s.newStrategy = func(url string) core.IStrategyClient {
		return strategy.New(strategy.Config{
			URL:       url,
			AuthToken: string(cfg.Backtest.StrategyAuthToken),
			Timeout:   cfg.Backtest.StrategyTimeoutDuration(),
			RateLimit: cfg.Backtest.StrategyRateLimit,
			Burst:     cfg.Backtest.StrategyBurst,
		}, deps.Logger)
	}

	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/exchange/order", s.handlePlaceOrder)
	mux.HandleFunc("/exchange/cancel", s.handleCancelOrder)
	mux.HandleFunc("/exchange/modify", s.handleModifyOrder)
	mux.HandleFunc("/info", s.handleInfo)
	mux.HandleFunc("/gpt-latest/", s.handleIndicators)
	mux.HandleFunc("/top-news", s.handleTopNews)
	mux.HandleFunc("/backtest/orchestrate", s.handleOrchestrate)
	mux.HandleFunc("/backtest/run", s.handleBatchRun)
	mux.HandleFunc("/backtest/status/", s.handleRunStatus)
	mux.HandleFunc("/backtest/events/", s.handleRunEvents)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Handler returns the routed handler, for tests that mount the API on an
// httptest server.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// Start runs the event hub and serves the API until the context ends or
// the listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on a caller-bound listener, for callers that need an
// ephemeral port.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeout) * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	go s.hub.Run(ctx)

	s.logger.Info("Starting API server", "addr", ln.Addr().String(), "symbols", s.session.Symbols())
	errChan := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop shuts the listener down and cancels outstanding runs.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()

	s.logger.Info("Stopping API server")
	var err error
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
	}
	s.registry.Close()
	return err
}

// Ready reports whether every registered probe passes. The metrics sidecar
// serves this as its readiness endpoint.
func (s *Server) Ready() bool {
	return s.checks.Healthy()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics := telemetry.GetGlobalMetrics()

	components := s.checks.Status()
	status := "ok"
	for _, state := range components {
		if state != "ok" {
			status = "degraded"
			break
		}
	}

	payload := map[string]interface{}{
		"status":     status,
		"time":       time.Now().UTC().Format(time.RFC3339),
		"symbols":    s.session.Symbols(),
		"components": components,
		"runs": map[string]interface{}{
			"registered": s.registry.Count(),
			"active":     metrics.GetActiveRuns(),
		},
		"event_subscribers": s.hub.SubscriberCount(),
	}

	writeJSON(w, http.StatusOK, payload)
}
