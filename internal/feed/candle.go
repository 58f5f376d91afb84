// Package feed turns external price sources into ordered observation
// streams for an instrument session: a replayer for pre-aggregated
// candle rows and a websocket client for live quotes.
package feed

import (
	"fmt"
	"time"

	"tickframe/internal/epic"
	"tickframe/internal/model"
	"tickframe/internal/trade"
)

// Expand converts one pre-aggregated candle into four observations:
// open, then the intra-candle extremes, then close. With no sub-candle
// granularity available the extremes are ordered pessimistically for
// the given side — low before high when the pending trigger is
// BUY-side, high before low when it is SELL-side — so a stop is never
// assumed to have been skipped in favor of a limit.
//
// The synthetic observations are spaced one nanosecond apart so they
// stay ordered and land in the candle's own bucket.
func Expand(c model.Candle, side trade.Direction) ([]model.Observation, error) {
	if c.High < c.Open || c.High < c.Close || c.Low > c.Open || c.Low > c.Close {
		return nil, fmt.Errorf("%w: candle %s at %s has extremes inside its open/close range", model.ErrConfig, c.Ref, c.Time)
	}
	first, second := c.Low, c.High
	if side == trade.Sell {
		first, second = c.High, c.Low
	}
	half := c.Spread / 2
	out := make([]model.Observation, 0, 4)
	for i, p := range []float64{c.Open, first, second, c.Close} {
		obs, err := model.NewObservation(p-half, p+half, c.Time.Add(time.Duration(i)), map[string]string{"source": "candle"})
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	return out, nil
}

// Replayer feeds candle rows into an instrument session, choosing the
// pessimistic extreme ordering from the session's open positions.
type Replayer struct {
	epic *epic.Epic

	// Candles counts the rows dispatched so far.
	Candles int
}

// NewReplayer creates a Replayer bound to one session.
func NewReplayer(e *epic.Epic) *Replayer {
	return &Replayer{epic: e}
}

// Dispatch expands one candle and pushes its observations through the
// session in order. Rows must arrive in non-decreasing time order.
func (r *Replayer) Dispatch(c model.Candle) error {
	obs, err := Expand(c, r.pendingSide())
	if err != nil {
		return err
	}
	for _, o := range obs {
		if err := r.epic.OnNewObservation(o); err != nil {
			return fmt.Errorf("replay candle at %s: %w", c.Time, err)
		}
	}
	r.Candles++
	return nil
}

// pendingSide picks the direction whose triggers the expansion must be
// pessimistic about: the side of the oldest open position, BUY when
// the book is flat.
func (r *Replayer) pendingSide() trade.Direction {
	for _, t := range r.epic.Book().OpenTrades() {
		return t.Direction
	}
	return trade.Buy
}
