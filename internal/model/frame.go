package model

import (
	"encoding/json"
	"time"
)

// IndicatorValue is one indicator's per-frame snapshot. It mutates while
// its frame is the current one and freezes when the frame closes.
// Concrete types expose richer accessors (lookback means, pivot levels);
// Value reports the primary figure, false while unavailable.
type IndicatorValue interface {
	Value() (float64, bool)
}

// Frame is one fixed-width time bucket: OHLC observations plus the
// per-indicator snapshots computed over it. A Frame is mutated only while
// it is the current (unclosed) frame of its FrameSet.
type Frame struct {
	Start time.Time // bucket start, inclusive
	End   time.Time // bucket end, exclusive

	Open  Observation
	High  Observation
	Low   Observation
	Close Observation

	Ticks  int // observations applied to this frame
	Values map[string]IndicatorValue

	Previous *Frame
	Next     *Frame
}

// NewFrame opens a bucket [start, end) with first as its only observation.
func NewFrame(start, end time.Time, first Observation, prev *Frame) *Frame {
	f := &Frame{
		Start:    start,
		End:      end,
		Open:     first,
		High:     first,
		Low:      first,
		Close:    first,
		Ticks:    1,
		Values:   make(map[string]IndicatorValue),
		Previous: prev,
	}
	if prev != nil {
		prev.Next = f
	}
	return f
}

// Apply folds one observation into the frame OHLC. The caller guarantees
// the observation's timestamp lies in [Start, End).
func (f *Frame) Apply(obs Observation) {
	f.Ticks++
	f.Close = obs
	if obs.Mid() > f.High.Mid() {
		f.High = obs
	} else if obs.Mid() < f.Low.Mid() {
		f.Low = obs
	}
}

// Closed reports whether the frame has been succeeded by another one.
func (f *Frame) Closed() bool { return f.Next != nil }

// Contains reports whether ts falls inside [Start, End).
func (f *Frame) Contains(ts time.Time) bool {
	return !ts.Before(f.Start) && ts.Before(f.End)
}

// Indicator returns the snapshot stored for indicatorRef, or ErrNotFound.
func (f *Frame) Indicator(indicatorRef string) (IndicatorValue, error) {
	v, ok := f.Values[indicatorRef]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// frameJSON is the wire shape used when publishing closed frames.
type frameJSON struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
	Ticks int       `json:"ticks"`
}

// JSON returns the JSON-encoded frame OHLC (mid values).
func (f *Frame) JSON() []byte {
	b, _ := json.Marshal(frameJSON{
		Start: f.Start,
		End:   f.End,
		Open:  f.Open.Mid(),
		High:  f.High.Mid(),
		Low:   f.Low.Mid(),
		Close: f.Close.Mid(),
		Ticks: f.Ticks,
	})
	return b
}
