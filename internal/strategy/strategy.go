// Package strategy provides building blocks for trading strategies
// bound to instrument sessions: a Base with trade issuance helpers and
// concurrent-position gating, and a moving-average crossover example.
package strategy

import (
	"fmt"
	"log/slog"

	"tickframe/internal/epic"
	"tickframe/internal/model"
	"tickframe/internal/trade"
)

// Base carries the state every strategy shares: a reference, a cap on
// concurrently open positions and a logger. Embed it and override the
// callbacks you need; the defaults do nothing.
type Base struct {
	ref           string
	maxConcurrent int
	log           *slog.Logger
}

// NewBase creates the shared strategy core. maxConcurrent caps the
// positions this strategy may hold in any non-terminal state at once.
func NewBase(ref string, maxConcurrent int, log *slog.Logger) (*Base, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty strategy ref", model.ErrConfig)
	}
	if maxConcurrent <= 0 {
		return nil, fmt.Errorf("%w: max concurrent trades must be positive, got %d", model.ErrConfig, maxConcurrent)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Base{ref: ref, maxConcurrent: maxConcurrent, log: log.With("strategy", ref)}, nil
}

func (b *Base) Ref() string { return b.ref }

// Logger returns the strategy-scoped logger.
func (b *Base) Logger() *slog.Logger { return b.log }

// OpenTrades returns this strategy's trades on e that are still in a
// non-terminal state, creation order preserved.
func (b *Base) OpenTrades(e *epic.Epic) []*trade.Trade {
	var open []*trade.Trade
	for _, t := range e.Book().StrategyTrades(b.ref) {
		if !t.Status().Terminal() {
			open = append(open, t)
		}
	}
	return open
}

// CanOpen reports whether the concurrency cap leaves room for another
// position. Requested, pending and closing trades all count against the
// cap, not only confirmed ones.
func (b *Base) CanOpen(e *epic.Epic) bool {
	return len(b.OpenTrades(e)) < b.maxConcurrent
}

// OpenTrade stamps the request with this strategy's ref and opens it on
// e at the last dispatched observation. Callers gate with CanOpen.
func (b *Base) OpenTrade(e *epic.Epic, req trade.Request) (*trade.Trade, error) {
	req.StrategyRef = b.ref
	return e.OpenTrade(req)
}

// CloseAll requests a full close of every open position of this
// strategy, optionally filtered by direction (0 closes both sides).
func (b *Base) CloseAll(e *epic.Epic, dir trade.Direction, reason string) {
	for _, t := range b.OpenTrades(e) {
		if dir != 0 && t.Direction != dir {
			continue
		}
		if t.Status() != trade.StatusConfirmed {
			continue
		}
		if _, err := e.CloseTrade(t.Ref, 0, reason); err != nil {
			b.log.Warn("close failed", "trade", t.Ref, "err", err)
		}
	}
}

// Default no-op callbacks, overridden by embedders as needed.

func (b *Base) OnEveryTick(e *epic.Epic, obs model.Observation)           {}
func (b *Base) OnMarketOpen(e *epic.Epic, obs model.Observation)          {}
func (b *Base) OnMarketClose(e *epic.Epic, obs model.Observation)         {}
func (b *Base) OnEveryTickMarketOpen(e *epic.Epic, obs model.Observation) {}
