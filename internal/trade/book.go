package trade

import (
	"fmt"

	"tickframe/internal/model"
)

// Provider is the confirmation authority for trades. A synchronous
// provider settles within the submit call (backtests); an asynchronous
// one settles later through Book.Resolve / Book.ResolveClose.
type Provider interface {
	// SubmitOpen hands a PENDING trade to the authority.
	SubmitOpen(t *Trade) error
	// SubmitClose hands a PENDING close to the authority.
	SubmitClose(t *Trade, c *Close) error
}

// Book owns every trade of one session: it creates trades, routes them
// through the Provider and tracks them for stop/limit updates and
// reporting. Single-goroutine, like the dispatch pipeline it serves.
type Book struct {
	provider Provider
	trades   []*Trade
	byRef    map[string]*Trade

	// OnTransition, when set, is called after every trade status change
	// (open submit, resolution, close resolution).
	OnTransition func(t *Trade)
}

// NewBook creates a Book bound to the given confirmation authority.
func NewBook(p Provider) (*Book, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil trade provider", model.ErrConfig)
	}
	return &Book{provider: p, byRef: make(map[string]*Trade)}, nil
}

// Open creates a trade from the request, opened at obs, and submits it
// to the Provider. The returned trade may already be CONFIRMED (or
// REJECTED) when the provider is synchronous.
func (b *Book) Open(req Request, obs model.Observation) (*Trade, error) {
	t, err := New(req, obs)
	if err != nil {
		return nil, err
	}
	if _, dup := b.byRef[t.Ref]; dup {
		return nil, fmt.Errorf("%w: duplicate trade ref %q", model.ErrConfig, t.Ref)
	}
	b.trades = append(b.trades, t)
	b.byRef[t.Ref] = t
	if err := t.submit(); err != nil {
		return nil, err
	}
	b.transition(t)
	if err := b.provider.SubmitOpen(t); err != nil {
		return t, fmt.Errorf("submit open %s: %w", t.Ref, err)
	}
	b.transition(t)
	return t, nil
}

// Close requests a (partial when quantity > 0) close of the trade at obs
// and submits it to the Provider.
func (b *Book) Close(tradeRef string, quantity float64, reason string, obs model.Observation) (*Close, error) {
	t, err := b.Trade(tradeRef)
	if err != nil {
		return nil, err
	}
	c, err := t.RequestClose(quantity, reason, obs)
	if err != nil {
		return nil, err
	}
	return c, b.submitClose(t, c)
}

func (b *Book) submitClose(t *Trade, c *Close) error {
	if err := t.submitClose(c); err != nil {
		return err
	}
	b.transition(t)
	if err := b.provider.SubmitClose(t, c); err != nil {
		return fmt.Errorf("submit close %s on %s: %w", c.Ref, t.Ref, err)
	}
	b.transition(t)
	return nil
}

// Trade looks a trade up by reference.
func (b *Book) Trade(ref string) (*Trade, error) {
	t, ok := b.byRef[ref]
	if !ok {
		return nil, fmt.Errorf("trade %q: %w", ref, model.ErrNotFound)
	}
	return t, nil
}

// Trades returns all trades in creation order, terminal ones included.
func (b *Book) Trades() []*Trade { return b.trades }

// OpenTrades returns the trades in a non-terminal state, in creation
// order. This is the set concurrent-position gating must count.
func (b *Book) OpenTrades() []*Trade {
	var open []*Trade
	for _, t := range b.trades {
		if !t.Status().Terminal() {
			open = append(open, t)
		}
	}
	return open
}

// StrategyTrades returns the trades issued by one strategy, in creation
// order.
func (b *Book) StrategyTrades(strategyRef string) []*Trade {
	var out []*Trade
	for _, t := range b.trades {
		if t.StrategyRef == strategyRef {
			out = append(out, t)
		}
	}
	return out
}

// Update feeds the observation to every non-terminal trade. Stop/limit
// closes triggered by the move are submitted to the Provider; a close
// that fails to submit does not block the remaining trades.
func (b *Book) Update(obs model.Observation) {
	for _, t := range b.trades {
		if t.Status().Terminal() {
			continue
		}
		if c := t.Update(obs); c != nil {
			if err := b.submitClose(t, c); err != nil {
				continue
			}
		}
	}
}

// Resolve settles a pending trade; called by asynchronous providers when
// the authority's confirmation arrives.
func (b *Book) Resolve(tradeRef string, confirmed bool) error {
	t, err := b.Trade(tradeRef)
	if err != nil {
		return err
	}
	if err := t.resolve(confirmed); err != nil {
		return err
	}
	b.transition(t)
	return nil
}

// ResolveClose settles a pending close; the asynchronous counterpart of
// the backtest provider's same-call confirmation.
func (b *Book) ResolveClose(tradeRef, closeRef string, confirmed bool) error {
	t, err := b.Trade(tradeRef)
	if err != nil {
		return err
	}
	for _, c := range t.Closes() {
		if c.Ref == closeRef {
			if err := t.resolveClose(c, confirmed); err != nil {
				return err
			}
			b.transition(t)
			return nil
		}
	}
	return fmt.Errorf("close %q on trade %q: %w", closeRef, tradeRef, model.ErrNotFound)
}

func (b *Book) transition(t *Trade) {
	if b.OnTransition != nil {
		b.OnTransition(t)
	}
}
