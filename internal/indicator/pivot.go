package indicator

import (
	"fmt"

	"tickframe/internal/model"
)

// Pivot computes classic pivot levels from the previous closed frame's
// high/low/close. The first frame of a series has no prior frame to pivot
// from, so its snapshot is unavailable. Levels do not move within a frame.
type Pivot struct {
	ref string
	cur *PivotValue
}

// NewPivot creates a classic pivot-level indicator.
func NewPivot(ref string) (*Pivot, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty indicator ref", model.ErrConfig)
	}
	return &Pivot{ref: ref}, nil
}

func (p *Pivot) Ref() string { return p.ref }

func (p *Pivot) OnFrameOpen(f *model.Frame) model.IndicatorValue {
	p.cur = &PivotValue{}
	if prev := f.Previous; prev != nil {
		h := prev.High.Mid()
		l := prev.Low.Mid()
		c := prev.Close.Mid()
		pivot := (h + l + c) / 3
		p.cur.ok = true
		p.cur.pivot = pivot
		p.cur.r1 = 2*pivot - l
		p.cur.s1 = 2*pivot - h
		p.cur.r2 = pivot + (h - l)
		p.cur.s2 = pivot - (h - l)
	}
	return p.cur
}

// OnTick is a no-op: pivot levels are fixed for the frame's lifetime.
func (p *Pivot) OnTick(model.Observation) {}

func (p *Pivot) OnFrameClose(f *model.Frame) model.IndicatorValue {
	return p.cur
}

// PivotValue holds one frame's pivot levels.
type PivotValue struct {
	ok                    bool
	pivot, r1, s1, r2, s2 float64
}

// Value returns the pivot point, false on the first frame of a series.
func (v *PivotValue) Value() (float64, bool) { return v.pivot, v.ok }

func (v *PivotValue) Pivot() (float64, bool)       { return v.pivot, v.ok }
func (v *PivotValue) Resistance1() (float64, bool) { return v.r1, v.ok }
func (v *PivotValue) Support1() (float64, bool)    { return v.s1, v.ok }
func (v *PivotValue) Resistance2() (float64, bool) { return v.r2, v.ok }
func (v *PivotValue) Support2() (float64, bool)    { return v.s2, v.ok }
