// Package epic implements the instrument session: it owns the frame
// sets and trade book for one instrument, converts incoming
// observations to the session timezone, tracks the market-open state
// and fires strategy callbacks in a fixed, deterministic order.
package epic

import (
	"fmt"
	"log/slog"
	"time"

	"tickframe/internal/frameset"
	"tickframe/internal/model"
	"tickframe/internal/trade"
)

// Strategy receives the session's ordered callbacks. Implementations
// must not block: a slow callback stalls the whole dispatch pipeline.
type Strategy interface {
	Ref() string
	// OnEveryTick fires for every dispatched observation.
	OnEveryTick(e *Epic, obs model.Observation)
	// OnMarketOpen fires on the closed-to-open transition.
	OnMarketOpen(e *Epic, obs model.Observation)
	// OnMarketClose fires on the open-to-closed transition.
	OnMarketClose(e *Epic, obs model.Observation)
	// OnEveryTickMarketOpen fires for every observation while open,
	// the opening one included.
	OnEveryTickMarketOpen(e *Epic, obs model.Observation)
}

// OpenPeriod is one trading window: a weekday plus local start/end
// offsets from midnight, end exclusive.
type OpenPeriod struct {
	Day   time.Weekday
	Start time.Duration
	End   time.Duration
}

func (p OpenPeriod) validate() error {
	if p.Start < 0 || p.End > 24*time.Hour || p.Start >= p.End {
		return fmt.Errorf("%w: open period %s %v-%v: start must precede end within the day", model.ErrConfig, p.Day, p.Start, p.End)
	}
	return nil
}

// DailyPeriods builds one OpenPeriod per given weekday with the same
// local start/end window.
func DailyPeriods(start, end time.Duration, days ...time.Weekday) []OpenPeriod {
	periods := make([]OpenPeriod, 0, len(days))
	for _, d := range days {
		periods = append(periods, OpenPeriod{Day: d, Start: start, End: end})
	}
	return periods
}

// Weekdays is the Monday-to-Friday calendar most instruments trade on.
func Weekdays() []time.Weekday {
	return []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
}

// Config describes an instrument session.
type Config struct {
	// Ref identifies the instrument.
	Ref string
	// Timezone is the IANA name observations are converted to before
	// any calendar test. Empty means UTC.
	Timezone string
	// OpenPeriods is the trading-hours calendar. An observation outside
	// every period leaves the market closed.
	OpenPeriods []OpenPeriod
	// TradeDays restricts trading to the given weekdays. Empty means no
	// weekday restriction beyond what OpenPeriods encodes.
	TradeDays []time.Weekday
	// Holidays lists full dates (in session local time) on which the
	// market never opens.
	Holidays []time.Time
	// Provider is the trade confirmation authority. Nil selects the
	// synchronous backtest provider.
	Provider trade.Provider
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Epic is an instrument session. All methods must be called from a
// single goroutine: OnNewObservation runs to completion, strategy
// callbacks and trade submissions included, before the next
// observation is accepted.
type Epic struct {
	ref  string
	loc  *time.Location
	log  *slog.Logger
	book *trade.Book

	periods   []OpenPeriod
	tradeDays map[time.Weekday]bool
	holidays  map[string]bool

	frameSets []*frameset.FrameSet
	fsByRef   map[string]*frameset.FrameSet

	strategies []Strategy
	stratRefs  map[string]bool

	lastObs    *model.Observation
	marketOpen bool
	dispatched bool

	frameHook func(frameSetRef string, f *model.Frame)
}

// New creates an instrument session from cfg.
func New(cfg Config) (*Epic, error) {
	if cfg.Ref == "" {
		return nil, fmt.Errorf("%w: empty epic ref", model.ErrConfig)
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid timezone %q: %v", model.ErrConfig, cfg.Timezone, err)
	}
	for _, p := range cfg.OpenPeriods {
		if err := p.validate(); err != nil {
			return nil, err
		}
	}
	provider := cfg.Provider
	if provider == nil {
		provider = trade.NewBacktestProvider()
	}
	book, err := trade.NewBook(provider)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	e := &Epic{
		ref:       cfg.Ref,
		loc:       loc,
		log:       log.With("epic", cfg.Ref),
		book:      book,
		periods:   append([]OpenPeriod(nil), cfg.OpenPeriods...),
		tradeDays: make(map[time.Weekday]bool, len(cfg.TradeDays)),
		holidays:  make(map[string]bool, len(cfg.Holidays)),
		fsByRef:   make(map[string]*frameset.FrameSet),
		stratRefs: make(map[string]bool),
	}
	for _, d := range cfg.TradeDays {
		e.tradeDays[d] = true
	}
	for _, h := range cfg.Holidays {
		e.holidays[h.In(loc).Format("2006-01-02")] = true
	}
	e.log.Info("epic created", "timezone", tz, "open_periods", len(e.periods))
	return e, nil
}

// Ref returns the instrument reference.
func (e *Epic) Ref() string { return e.ref }

// Timezone returns the session location.
func (e *Epic) Timezone() *time.Location { return e.loc }

// Book returns the session's trade book.
func (e *Epic) Book() *trade.Book { return e.book }

// MarketOpen reports the open state computed from the last observation.
func (e *Epic) MarketOpen() bool { return e.marketOpen }

// LastObservation returns the most recent dispatched observation, false
// before the first dispatch.
func (e *Epic) LastObservation() (model.Observation, bool) {
	if e.lastObs == nil {
		return model.Observation{}, false
	}
	return *e.lastObs, true
}

// AddFrameSet attaches a windowing engine. Setup-phase only.
func (e *Epic) AddFrameSet(fs *frameset.FrameSet) error {
	if e.dispatched {
		return fmt.Errorf("epic %s: %w", e.ref, model.ErrDispatchStarted)
	}
	if _, dup := e.fsByRef[fs.Ref()]; dup {
		return fmt.Errorf("%w: duplicate frame set ref %q on epic %s", model.ErrConfig, fs.Ref(), e.ref)
	}
	if e.frameHook != nil {
		e.hookFrameSet(fs)
	}
	e.frameSets = append(e.frameSets, fs)
	e.fsByRef[fs.Ref()] = fs
	e.log.Info("frame set attached", "frame_set", fs.Ref(), "width", fs.Width())
	return nil
}

// AddStrategy binds a strategy. The same strategy may be bound to
// several epics; the epic does not own it. Setup-phase only.
func (e *Epic) AddStrategy(s Strategy) error {
	if e.dispatched {
		return fmt.Errorf("epic %s: %w", e.ref, model.ErrDispatchStarted)
	}
	if e.stratRefs[s.Ref()] {
		return fmt.Errorf("%w: duplicate strategy ref %q on epic %s", model.ErrConfig, s.Ref(), e.ref)
	}
	e.strategies = append(e.strategies, s)
	e.stratRefs[s.Ref()] = true
	e.log.Info("strategy attached", "strategy", s.Ref())
	return nil
}

// OnFrameClosed registers a hook called for every finalized frame of
// every attached frame set, keyed by frame set ref. Setup-phase only.
func (e *Epic) OnFrameClosed(fn func(frameSetRef string, f *model.Frame)) error {
	if e.dispatched {
		return fmt.Errorf("epic %s: %w", e.ref, model.ErrDispatchStarted)
	}
	e.frameHook = fn
	for _, fs := range e.frameSets {
		e.hookFrameSet(fs)
	}
	return nil
}

func (e *Epic) hookFrameSet(fs *frameset.FrameSet) {
	ref := fs.Ref()
	fs.OnFrameClosed = func(f *model.Frame) { e.frameHook(ref, f) }
}

// OnNewObservation dispatches one observation through the session:
// timezone conversion, ordering check, market-state recompute, frame
// set updates, open-trade stop/limit updates, then strategy callbacks
// ordered by the (previous, current) open-state pair. An out-of-order
// observation is rejected with ErrOutOfOrder and leaves every piece of
// session state untouched.
func (e *Epic) OnNewObservation(obs model.Observation) error {
	obs.Time = obs.Time.In(e.loc)
	if e.lastObs != nil && obs.Time.Before(e.lastObs.Time) {
		return fmt.Errorf("epic %s: observation at %s precedes last observation at %s: %w",
			e.ref, obs.Time, e.lastObs.Time, model.ErrOutOfOrder)
	}
	e.dispatched = true

	prevOpen := e.marketOpen
	e.lastObs = &obs
	e.marketOpen = e.isOpen(obs.Time)

	for _, fs := range e.frameSets {
		fs.Update(obs)
	}
	e.book.Update(obs)

	for _, s := range e.strategies {
		s.OnEveryTick(e, obs)
	}
	switch {
	case !prevOpen && e.marketOpen:
		e.log.Debug("market open", "at", obs.Time)
		for _, s := range e.strategies {
			s.OnMarketOpen(e, obs)
		}
		for _, s := range e.strategies {
			s.OnEveryTickMarketOpen(e, obs)
		}
	case prevOpen && e.marketOpen:
		for _, s := range e.strategies {
			s.OnEveryTickMarketOpen(e, obs)
		}
	case prevOpen && !e.marketOpen:
		e.log.Debug("market close", "at", obs.Time)
		for _, s := range e.strategies {
			s.OnMarketClose(e, obs)
		}
	}
	return nil
}

// isOpen tests a session-local timestamp against the trading calendar.
func (e *Epic) isOpen(ts time.Time) bool {
	if len(e.tradeDays) > 0 && !e.tradeDays[ts.Weekday()] {
		return false
	}
	if e.holidays[ts.Format("2006-01-02")] {
		return false
	}
	midnight := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, e.loc)
	tod := ts.Sub(midnight)
	for _, p := range e.periods {
		if p.Day == ts.Weekday() && tod >= p.Start && tod < p.End {
			return true
		}
	}
	return false
}

// FrameSet looks up an attached windowing engine by ref.
func (e *Epic) FrameSet(ref string) (*frameset.FrameSet, error) {
	fs, ok := e.fsByRef[ref]
	if !ok {
		return nil, fmt.Errorf("epic %s: frame set %q: %w", e.ref, ref, model.ErrNotFound)
	}
	return fs, nil
}

// GetFrame returns the frame offset buckets back on the given frame
// set: 0 is the current frame, 1 the last closed one.
func (e *Epic) GetFrame(frameSetRef string, offset int) (*model.Frame, error) {
	fs, err := e.FrameSet(frameSetRef)
	if err != nil {
		return nil, err
	}
	return fs.Frame(offset)
}

// GetIndicatorValue returns the indicator value attached to the frame
// offset buckets back. The value itself may still report unavailable.
func (e *Epic) GetIndicatorValue(frameSetRef, indicatorRef string, offset int) (model.IndicatorValue, error) {
	f, err := e.GetFrame(frameSetRef, offset)
	if err != nil {
		return nil, err
	}
	return f.Indicator(indicatorRef)
}

// OpenTrade opens a trade at the last dispatched observation.
func (e *Epic) OpenTrade(req trade.Request) (*trade.Trade, error) {
	if e.lastObs == nil {
		return nil, fmt.Errorf("epic %s: no observation to open trade on", e.ref)
	}
	req.EpicRef = e.ref
	t, err := e.book.Open(req, *e.lastObs)
	if err != nil {
		return nil, err
	}
	e.log.Debug("trade opened", "trade", t.Ref, "direction", t.Direction.String(), "quantity", t.Quantity)
	return t, nil
}

// CloseTrade closes quantity (0 for all) of a trade at the last
// dispatched observation.
func (e *Epic) CloseTrade(tradeRef string, quantity float64, reason string) (*trade.Close, error) {
	if e.lastObs == nil {
		return nil, fmt.Errorf("epic %s: no observation to close trade on", e.ref)
	}
	return e.book.Close(tradeRef, quantity, reason, *e.lastObs)
}
