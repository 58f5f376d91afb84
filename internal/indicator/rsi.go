package indicator

import (
	"fmt"

	"tickframe/internal/model"
)

// RSI is the relative strength index over closed-frame close-to-close
// deltas, smoothed with Wilder's method (exponential factor 1/period,
// seeded by a simple average of the first period deltas). Updates are
// O(1) per frame — no history scans.
type RSI struct {
	ref    string
	period int

	count     int // closed closes committed
	prevClose float64
	avgGain   float64
	avgLoss   float64

	cur *RSIValue
}

// NewRSI creates an RSI indicator with the given period (typically 14).
func NewRSI(ref string, period int) (*RSI, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty indicator ref", model.ErrConfig)
	}
	if period <= 0 {
		return nil, fmt.Errorf("%w: rsi period must be positive, got %d", model.ErrConfig, period)
	}
	return &RSI{ref: ref, period: period}, nil
}

func (r *RSI) Ref() string { return r.ref }

func (r *RSI) OnFrameOpen(f *model.Frame) model.IndicatorValue {
	r.cur = &RSIValue{}
	r.cur.val, r.cur.ok = r.preview(f.Close.Mid())
	return r.cur
}

func (r *RSI) OnTick(obs model.Observation) {
	r.cur.val, r.cur.ok = r.preview(obs.Mid())
}

func (r *RSI) OnFrameClose(f *model.Frame) model.IndicatorValue {
	r.cur.val, r.cur.ok = r.preview(f.Close.Mid())
	r.commit(f.Close.Mid())
	return r.cur
}

// preview computes the RSI as if price closed the current frame, without
// mutating the smoothing state.
func (r *RSI) preview(price float64) (float64, bool) {
	if r.count < r.period {
		// Fewer than period deltas even counting the live one.
		return 0, false
	}
	gain, loss := split(price - r.prevClose)
	var avgGain, avgLoss float64
	if r.count == r.period {
		// The live delta completes the simple-average seed.
		avgGain = (r.avgGain + gain) / float64(r.period)
		avgLoss = (r.avgLoss + loss) / float64(r.period)
	} else {
		p := float64(r.period)
		avgGain = (r.avgGain*(p-1) + gain) / p
		avgLoss = (r.avgLoss*(p-1) + loss) / p
	}
	return rsiOf(avgGain, avgLoss), true
}

// commit folds a closed-frame close into the smoothing state.
func (r *RSI) commit(price float64) {
	r.count++
	if r.count == 1 {
		r.prevClose = price
		return
	}

	gain, loss := split(price - r.prevClose)
	r.prevClose = price

	switch {
	case r.count <= r.period:
		// Accumulation phase for the simple-average seed.
		r.avgGain += gain
		r.avgLoss += loss
	case r.count == r.period+1:
		r.avgGain = (r.avgGain + gain) / float64(r.period)
		r.avgLoss = (r.avgLoss + loss) / float64(r.period)
	default:
		p := float64(r.period)
		r.avgGain = (r.avgGain*(p-1) + gain) / p
		r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	}
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

func rsiOf(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// RSIValue is one frame's oscillator snapshot.
type RSIValue struct {
	val float64
	ok  bool
}

// Value returns the RSI in [0,100], false until enough closed frames exist.
func (v *RSIValue) Value() (float64, bool) { return v.val, v.ok }
