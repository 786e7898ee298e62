package server

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"virtual_exchange/internal/backtest"
	"virtual_exchange/internal/core"
	"virtual_exchange/internal/data"
	"virtual_exchange/internal/exchange/match"
	"virtual_exchange/internal/exchange/runner"
	"virtual_exchange/internal/exchange/wallet"
)

// SessionConfig sizes the standing session.
type SessionConfig struct {
	Symbols        []string
	InitialBalance decimal.Decimal
	FeeRate        decimal.Decimal
	MarketFill     match.MarketFillMode
}

// Session is the server's standing paper account: one wallet and engine over
// the configured symbols, driven only by API calls. No candle window is
// loaded behind it, so resting orders never match; market buys are rejected
// until a mark price exists. Backtest runs do not touch it; they get their
// own isolated bundles.
type Session struct {
	mu      sync.Mutex
	symbols []string
	known   map[string]bool
	fill    match.MarketFillMode
	run     *runner.Runner
	wallet  *wallet.Wallet
	engine  *match.Engine
}

func NewSession(cfg SessionConfig, logger core.ILogger) *Session {
	known := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		known[s] = true
	}
	run := runner.New(data.NewMemoryCandleSource(), nil, logger)
	w := wallet.New("session", cfg.InitialBalance)
	eng := match.New(w, run, run, nil, match.Config{
		Symbols:    cfg.Symbols,
		FeeRate:    cfg.FeeRate,
		MarketFill: cfg.MarketFill,
	}, logger)
	return &Session{
		symbols: append([]string(nil), cfg.Symbols...),
		known:   known,
		fill:    cfg.MarketFill,
		run:     run,
		wallet:  w,
		engine:  eng,
	}
}

// Known returns the symbol membership set used for coin resolution.
func (s *Session) Known() map[string]bool { return s.known }

// Symbols returns the configured symbols in their configured order.
func (s *Session) Symbols() []string { return s.symbols }

// MarketFill returns the configured fill mode, shared with run configs so
// session and backtest pricing agree.
func (s *Session) MarketFill() match.MarketFillMode { return s.fill }

// Place accepts the parent order and then its protective children. A parent
// rejection returns the error; child rejections are collected so the caller
// can report them next to the accepted parent.
func (s *Session) Place(ctx context.Context, intent *backtest.OrderIntent) (*core.Order, []error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, err := s.engine.Place(ctx, intent.Request)
	if err != nil {
		return nil, nil, err
	}
	var childErrs []error
	for _, req := range intent.Children(parent) {
		if _, err := s.engine.Place(ctx, req); err != nil {
			childErrs = append(childErrs, err)
		}
	}
	return parent, childErrs, nil
}

func (s *Session) Cancel(ctx context.Context, oid int64) (*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Cancel(ctx, oid)
}

func (s *Session) Modify(ctx context.Context, oid int64, newPrice, newSize *decimal.Decimal) (*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Modify(ctx, oid, newPrice, newSize)
}

// AccountInfo returns the account view at the session clock.
func (s *Session) AccountInfo() core.AccountInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.AccountInfo()
}

// Clock returns the session's virtual time.
func (s *Session) Clock() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run.CurrentTime()
}
