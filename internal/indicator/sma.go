package indicator

import (
	"fmt"

	"tickframe/internal/model"
)

// SMA is a bounded simple moving average over closed-frame close values.
// It keeps at most maxPeriods closes; each frame's snapshot extends the
// closed series with the frame's own live close.
type SMA struct {
	ref        string
	maxPeriods int
	closes     []float64 // closed-frame closes, oldest first, len <= maxPeriods
	cur        *SMAValue
}

// NewSMA creates a simple moving average indicator keeping at most
// maxPeriods closed-frame close values.
func NewSMA(ref string, maxPeriods int) (*SMA, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty indicator ref", model.ErrConfig)
	}
	if maxPeriods <= 0 {
		return nil, fmt.Errorf("%w: sma max periods must be positive, got %d", model.ErrConfig, maxPeriods)
	}
	return &SMA{ref: ref, maxPeriods: maxPeriods}, nil
}

func (s *SMA) Ref() string { return s.ref }

func (s *SMA) OnFrameOpen(f *model.Frame) model.IndicatorValue {
	// The snapshot carries the last maxPeriods-1 closed closes so that the
	// live close completes a full window.
	prior := s.closes
	if keep := s.maxPeriods - 1; len(prior) > keep {
		prior = prior[len(prior)-keep:]
	}
	snap := make([]float64, len(prior))
	copy(snap, prior)
	s.cur = &SMAValue{maxPeriods: s.maxPeriods, prior: snap, live: f.Close.Mid()}
	return s.cur
}

func (s *SMA) OnTick(obs model.Observation) {
	s.cur.live = obs.Mid()
}

func (s *SMA) OnFrameClose(f *model.Frame) model.IndicatorValue {
	s.cur.live = f.Close.Mid()
	s.closes = append(s.closes, f.Close.Mid())
	if len(s.closes) > s.maxPeriods {
		s.closes = s.closes[len(s.closes)-s.maxPeriods:]
	}
	return s.cur
}

// SMAValue is one frame's moving-average snapshot: up to maxPeriods-1
// previously closed closes plus the frame's own close.
type SMAValue struct {
	maxPeriods int
	prior      []float64
	live       float64
}

// Get returns the arithmetic mean of the most recent periods close values.
// It reports false while fewer than periods closes are known.
func (v *SMAValue) Get(periods int) (float64, bool) {
	n := len(v.prior) + 1
	if periods <= 0 || periods > v.maxPeriods || n < periods {
		return 0, false
	}
	sum := v.live
	for i := 0; i < periods-1; i++ {
		sum += v.prior[len(v.prior)-1-i]
	}
	return sum / float64(periods), true
}

// Value returns the mean over the full window of maxPeriods closes.
func (v *SMAValue) Value() (float64, bool) { return v.Get(v.maxPeriods) }
