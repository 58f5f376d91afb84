// Package trade implements the position lifecycle: a two-phase
// request/confirm state machine driven by a pluggable Provider, with
// partial closes, stop/limit exits and per-trade result accounting.
package trade

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"tickframe/internal/model"
)

// Direction is the side of a position.
type Direction int

const (
	Buy  Direction = 1
	Sell Direction = -1
)

// Sign returns +1 for Buy and -1 for Sell, the factor applied to the
// close-minus-open difference when computing results.
func (d Direction) Sign() float64 { return float64(d) }

func (d Direction) String() string {
	switch d {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Status is the lifecycle state shared by trades and closes.
//
//	REQUESTED -> PENDING -> {CONFIRMED, REJECTED}
//	CONFIRMED -> CLOSING -> {CLOSED, CONFIRMED on close rejection}
//
// REJECTED and CLOSED are terminal.
type Status int

const (
	StatusRequested Status = iota
	StatusPending
	StatusConfirmed
	StatusRejected
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusRequested:
		return "REQUESTED"
	case StatusPending:
		return "PENDING"
	case StatusConfirmed:
		return "CONFIRMED"
	case StatusRejected:
		return "REJECTED"
	case StatusClosing:
		return "CLOSING"
	case StatusClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool { return s == StatusRejected || s == StatusClosed }

// Level is a stop or limit trigger, either an absolute price or a
// distance from the open price.
type Level struct {
	value    float64
	relative bool
}

// Absolute returns a Level triggering at the given price.
func Absolute(price float64) *Level { return &Level{value: price} }

// Relative returns a Level triggering at the given distance from the
// trade's open price.
func Relative(distance float64) *Level { return &Level{value: distance, relative: true} }

type levelKind int

const (
	levelStop levelKind = iota
	levelLimit
)

func (k levelKind) String() string {
	if k == levelStop {
		return "stop"
	}
	return "limit"
}

// price resolves the absolute trigger price for a trade opened at open
// in the given direction. Stops sit on the losing side of the open,
// limits on the winning side.
func (l *Level) price(k levelKind, dir Direction, open float64) (float64, error) {
	// losing side is below the open for a BUY, above for a SELL
	side := -dir.Sign()
	if k == levelLimit {
		side = dir.Sign()
	}
	if l.relative {
		if l.value <= 0 {
			return 0, fmt.Errorf("%w: relative %s distance must be positive, got %v", model.ErrConfig, k, l.value)
		}
		return open + side*l.value, nil
	}
	if side*(l.value-open) <= 0 {
		return 0, fmt.Errorf("%w: %s %v on the wrong side of %s open %v", model.ErrConfig, k, l.value, dir, open)
	}
	return l.value, nil
}

// Close is one (partial or full) close of a trade. Its status follows
// the same request/confirm machine as the trade itself.
type Close struct {
	Ref      string
	TradeRef string
	Quantity float64
	Price    float64
	Result   float64
	Reason   string
	Time     time.Time

	status Status
}

// Status returns the close's lifecycle state.
func (c *Close) Status() Status { return c.status }

// Request describes a trade to open. Ref is optional: when empty a
// random reference is generated.
type Request struct {
	Ref         string
	EpicRef     string
	StrategyRef string
	Direction   Direction
	Quantity    float64
	Stop        *Level
	Limit       *Level
	Meta        map[string]string
}

// Trade is a single position. It is created in REQUESTED state and
// mutated only by its Provider (status) and by close requests.
// Trades are never removed: terminal trades stay queryable for reporting.
type Trade struct {
	Ref         string
	EpicRef     string
	StrategyRef string
	Direction   Direction
	Quantity    float64
	Meta        map[string]string

	openObs model.Observation
	lastObs model.Observation

	status            Status
	stop              float64 // absolute trigger price, 0 when unset
	limit             float64
	hasStop, hasLimit bool

	closes         []*Close
	closedQuantity float64 // confirmed closes
	inFlight       float64 // requested/pending closes

	maxGain float64
	maxLoss float64
}

// New validates a Request against the opening observation and returns a
// Trade in REQUESTED state. A BUY opens at the ask, a SELL at the bid.
func New(req Request, open model.Observation) (*Trade, error) {
	if req.Direction != Buy && req.Direction != Sell {
		return nil, fmt.Errorf("%w: invalid trade direction %d", model.ErrConfig, int(req.Direction))
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: trade quantity must be positive, got %v", model.ErrConfig, req.Quantity)
	}
	if req.Ref == "" {
		req.Ref = uuid.NewString()
	}
	t := &Trade{
		Ref:         req.Ref,
		EpicRef:     req.EpicRef,
		StrategyRef: req.StrategyRef,
		Direction:   req.Direction,
		Quantity:    req.Quantity,
		Meta:        req.Meta,
		openObs:     open,
		lastObs:     open,
		status:      StatusRequested,
		maxGain:     math.Inf(-1),
		maxLoss:     math.Inf(1),
	}
	if req.Stop != nil {
		p, err := req.Stop.price(levelStop, t.Direction, t.OpenPrice())
		if err != nil {
			return nil, err
		}
		t.stop, t.hasStop = p, true
	}
	if req.Limit != nil {
		p, err := req.Limit.price(levelLimit, t.Direction, t.OpenPrice())
		if err != nil {
			return nil, err
		}
		t.limit, t.hasLimit = p, true
	}
	t.mark()
	return t, nil
}

// Status returns the trade's lifecycle state.
func (t *Trade) Status() Status { return t.status }

// OpenObservation returns the observation the trade opened on.
func (t *Trade) OpenObservation() model.Observation { return t.openObs }

// OpenPrice is the price basis of the open: ask for a BUY, bid for a SELL.
func (t *Trade) OpenPrice() float64 {
	if t.Direction == Buy {
		return t.openObs.Ask
	}
	return t.openObs.Bid
}

// closePrice is the price basis of a close at obs: bid for a BUY, ask
// for a SELL. The spread is paid once per round trip.
func (t *Trade) closePrice(obs model.Observation) float64 {
	if t.Direction == Buy {
		return obs.Bid
	}
	return obs.Ask
}

// Stop returns the absolute stop trigger price, false when unset.
func (t *Trade) Stop() (float64, bool) { return t.stop, t.hasStop }

// Limit returns the absolute limit trigger price, false when unset.
func (t *Trade) Limit() (float64, bool) { return t.limit, t.hasLimit }

// OpenQuantity is the quantity not yet closed or reserved by an
// in-flight close.
func (t *Trade) OpenQuantity() float64 { return t.Quantity - t.closedQuantity - t.inFlight }

// ClosedQuantity is the quantity released by confirmed closes.
func (t *Trade) ClosedQuantity() float64 { return t.closedQuantity }

// Closes returns the trade's close requests in creation order.
func (t *Trade) Closes() []*Close { return t.closes }

// ClosedResult sums the realized result of confirmed closes.
func (t *Trade) ClosedResult() float64 {
	var sum float64
	for _, c := range t.closes {
		if c.status == StatusClosed {
			sum += c.Result
		}
	}
	return sum
}

// OpenResult is the unrealized result of the remaining quantity against
// the last seen observation.
func (t *Trade) OpenResult() float64 {
	return t.result(t.lastObs, t.Quantity-t.closedQuantity)
}

// Result is the total trade result, realized plus unrealized.
func (t *Trade) Result() float64 { return t.ClosedResult() + t.OpenResult() }

// MaxGain is the highest total result observed so far.
func (t *Trade) MaxGain() float64 { return t.maxGain }

// MaxLoss is the lowest total result observed so far.
func (t *Trade) MaxLoss() float64 { return t.maxLoss }

func (t *Trade) result(obs model.Observation, quantity float64) float64 {
	return quantity * t.Direction.Sign() * (t.closePrice(obs) - t.OpenPrice())
}

func (t *Trade) mark() {
	r := t.Result()
	if r > t.maxGain {
		t.maxGain = r
	}
	if r < t.maxLoss {
		t.maxLoss = r
	}
}

// Update folds a new observation into the trade: refreshes the result
// watermarks and, on a confirmed trade with a breached stop or limit,
// returns a full-close request for the caller to submit. It returns nil
// when no exit triggered.
func (t *Trade) Update(obs model.Observation) *Close {
	if t.status.Terminal() {
		return nil
	}
	t.lastObs = obs
	t.mark()
	if t.status != StatusConfirmed || t.OpenQuantity() <= 0 {
		return nil
	}
	p := t.closePrice(obs)
	// the stop sits on the losing side, breached when the close price
	// moves through it against the position
	if t.hasStop && t.Direction.Sign()*(p-t.stop) <= 0 {
		c, _ := t.RequestClose(0, "stop", obs)
		return c
	}
	if t.hasLimit && t.Direction.Sign()*(p-t.limit) >= 0 {
		c, _ := t.RequestClose(0, "limit", obs)
		return c
	}
	return nil
}

// RequestClose creates a close for the given quantity (0 closes all the
// remaining open quantity) priced at obs, and moves the trade to
// CLOSING. The result is fixed at request time; the Provider's
// confirmation releases the quantity.
func (t *Trade) RequestClose(quantity float64, reason string, obs model.Observation) (*Close, error) {
	if t.status != StatusConfirmed && t.status != StatusClosing {
		return nil, fmt.Errorf("trade %s: cannot close in state %s", t.Ref, t.status)
	}
	open := t.OpenQuantity()
	if quantity == 0 {
		quantity = open
	}
	if quantity <= 0 || quantity > open {
		return nil, fmt.Errorf("%w: close quantity %v exceeds open quantity %v on trade %s", model.ErrConfig, quantity, open, t.Ref)
	}
	c := &Close{
		Ref:      uuid.NewString(),
		TradeRef: t.Ref,
		Quantity: quantity,
		Price:    t.closePrice(obs),
		Result:   t.result(obs, quantity),
		Reason:   reason,
		Time:     obs.Time,
		status:   StatusRequested,
	}
	t.closes = append(t.closes, c)
	t.inFlight += quantity
	t.status = StatusClosing
	return c, nil
}

// submit moves a freshly created trade to PENDING. Called by the Book
// when handing the trade to its Provider.
func (t *Trade) submit() error {
	if t.status != StatusRequested {
		return fmt.Errorf("trade %s: cannot submit in state %s", t.Ref, t.status)
	}
	t.status = StatusPending
	return nil
}

// resolve settles a PENDING trade to CONFIRMED or REJECTED.
func (t *Trade) resolve(confirmed bool) error {
	if t.status != StatusPending {
		return fmt.Errorf("trade %s: cannot resolve in state %s", t.Ref, t.status)
	}
	if confirmed {
		t.status = StatusConfirmed
	} else {
		t.status = StatusRejected
	}
	return nil
}

// submitClose moves a close to PENDING.
func (t *Trade) submitClose(c *Close) error {
	if c.status != StatusRequested {
		return fmt.Errorf("close %s on trade %s: cannot submit in state %s", c.Ref, t.Ref, c.status)
	}
	c.status = StatusPending
	return nil
}

// resolveClose settles a pending close. On confirmation the quantity is
// released and the trade moves to CLOSED when nothing remains open; on
// rejection the trade returns to CONFIRMED with its quantity intact.
func (t *Trade) resolveClose(c *Close, confirmed bool) error {
	if c.status != StatusPending {
		return fmt.Errorf("close %s on trade %s: cannot resolve in state %s", c.Ref, t.Ref, c.status)
	}
	t.inFlight -= c.Quantity
	if !confirmed {
		c.status = StatusRejected
		if t.inFlight == 0 {
			t.status = StatusConfirmed
		}
		return nil
	}
	c.status = StatusClosed
	t.closedQuantity += c.Quantity
	if t.closedQuantity >= t.Quantity {
		t.status = StatusClosed
	} else if t.inFlight == 0 {
		t.status = StatusConfirmed
	}
	return nil
}
