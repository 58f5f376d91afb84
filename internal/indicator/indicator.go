// Package indicator provides per-frame technical indicators for a FrameSet.
//
// An Indicator receives frame lifecycle events from the FrameSet it is
// attached to: OnFrameOpen when a new bucket starts, OnTick for every
// observation applied to the current bucket, and OnFrameClose when the
// bucket rolls over. Each frame carries one snapshot per indicator; the
// snapshot is live while the frame is current and frozen once it closes.
package indicator

import "tickframe/internal/model"

// Indicator is the capability implemented by all indicator variants.
type Indicator interface {
	// Ref returns the indicator reference, unique within its FrameSet.
	Ref() string

	// OnFrameOpen builds the snapshot for a newly opened frame.
	// The returned value is stored on the frame and updated via OnTick.
	OnFrameOpen(f *model.Frame) model.IndicatorValue

	// OnTick folds one observation into the current snapshot.
	OnTick(obs model.Observation)

	// OnFrameClose finalizes and returns the closing frame's snapshot.
	// After this call the snapshot must no longer change.
	OnFrameClose(f *model.Frame) model.IndicatorValue
}
