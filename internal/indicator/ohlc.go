package indicator

import (
	"fmt"

	"tickframe/internal/model"
)

// OHLC is the pass-through indicator: its per-frame snapshot exposes the
// frame's own open/high/low/close mid values. Stateless across frames.
type OHLC struct {
	ref string
	cur *OHLCValue
}

// NewOHLC creates an OHLC pass-through indicator.
func NewOHLC(ref string) (*OHLC, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty indicator ref", model.ErrConfig)
	}
	return &OHLC{ref: ref}, nil
}

func (o *OHLC) Ref() string { return o.ref }

func (o *OHLC) OnFrameOpen(f *model.Frame) model.IndicatorValue {
	o.cur = &OHLCValue{frame: f}
	return o.cur
}

// OnTick is a no-op: the snapshot reads straight from its frame.
func (o *OHLC) OnTick(model.Observation) {}

func (o *OHLC) OnFrameClose(f *model.Frame) model.IndicatorValue {
	return o.cur
}

// OHLCValue mirrors its frame's OHLC mid values.
type OHLCValue struct {
	frame *model.Frame
}

// Value returns the frame's close mid value; it is always available.
func (v *OHLCValue) Value() (float64, bool) { return v.Close(), true }

func (v *OHLCValue) Open() float64  { return v.frame.Open.Mid() }
func (v *OHLCValue) High() float64  { return v.frame.High.Mid() }
func (v *OHLCValue) Low() float64   { return v.frame.Low.Mid() }
func (v *OHLCValue) Close() float64 { return v.frame.Close.Mid() }
