// Package frameset provides the windowing engine: it converts an ordered
// observation stream into fixed-width frames for one timeframe.
//
// Bucket boundaries are anchored at the Unix epoch (start = ts - ts mod
// width), so every instant maps to exactly one bucket and consecutive
// buckets partition the timeline without gaps or overlap. Updates are
// O(1) per attached indicator per observation.
package frameset

import (
	"fmt"
	"time"

	"tickframe/internal/indicator"
	"tickframe/internal/model"
)

const defaultMaxFrames = 100

// FrameSet groups observations into frames of one fixed bucket width and
// drives its attached indicators. Designed for single-goroutine usage —
// no locks needed.
type FrameSet struct {
	ref       string
	width     time.Duration
	maxFrames int

	indicators []indicator.Indicator
	byRef      map[string]indicator.Indicator

	frames []*model.Frame

	// OnFrameClosed, when set, is called for every finalized frame
	// (optional, used for persistence/publishing off the hot path).
	OnFrameClosed func(f *model.Frame)
}

// Option configures a FrameSet.
type Option func(*FrameSet)

// WithMaxFrames bounds the closed-frame history kept in memory.
func WithMaxFrames(n int) Option {
	return func(fs *FrameSet) { fs.maxFrames = n }
}

// New creates a FrameSet with the given bucket width.
func New(ref string, width time.Duration, opts ...Option) (*FrameSet, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty frame set ref", model.ErrConfig)
	}
	if width <= 0 {
		return nil, fmt.Errorf("%w: bucket width must be positive, got %v", model.ErrConfig, width)
	}
	fs := &FrameSet{
		ref:       ref,
		width:     width,
		maxFrames: defaultMaxFrames,
		byRef:     make(map[string]indicator.Indicator),
	}
	for _, opt := range opts {
		opt(fs)
	}
	if fs.maxFrames < 2 {
		return nil, fmt.Errorf("%w: max frames must be at least 2, got %d", model.ErrConfig, fs.maxFrames)
	}
	return fs, nil
}

// Ref returns the frame set reference, unique within its session.
func (fs *FrameSet) Ref() string { return fs.ref }

// Width returns the configured bucket width.
func (fs *FrameSet) Width() time.Duration { return fs.width }

// AddIndicator attaches an indicator. Attachment is a setup-phase
// operation: it fails once the first observation has been applied.
func (fs *FrameSet) AddIndicator(ind indicator.Indicator) error {
	if len(fs.frames) > 0 {
		return fmt.Errorf("frame set %s: %w", fs.ref, model.ErrDispatchStarted)
	}
	if _, dup := fs.byRef[ind.Ref()]; dup {
		return fmt.Errorf("%w: duplicate indicator ref %q on frame set %s", model.ErrConfig, ind.Ref(), fs.ref)
	}
	fs.indicators = append(fs.indicators, ind)
	fs.byRef[ind.Ref()] = ind
	return nil
}

// Current returns the open frame, nil before the first observation.
func (fs *FrameSet) Current() *model.Frame {
	if len(fs.frames) == 0 {
		return nil
	}
	return fs.frames[len(fs.frames)-1]
}

// Frame returns the frame offset buckets back: 0 is the current frame,
// 1 the last closed frame, and so on. Returns ErrNotFound past history.
func (fs *FrameSet) Frame(offset int) (*model.Frame, error) {
	idx := len(fs.frames) - 1 - offset
	if offset < 0 || idx < 0 {
		return nil, fmt.Errorf("frame set %s offset %d: %w", fs.ref, offset, model.ErrNotFound)
	}
	return fs.frames[idx], nil
}

// Len returns the number of frames held, the current one included.
func (fs *FrameSet) Len() int { return len(fs.frames) }

// Update folds one observation into the frame sequence. The caller must
// feed observations in non-decreasing timestamp order (the session
// enforces this). It returns the frames finalized by this observation —
// several when skipped buckets are gap-filled — and the current frame.
func (fs *FrameSet) Update(obs model.Observation) (closed []*model.Frame, current *model.Frame) {
	cur := fs.Current()
	if cur != nil && cur.Contains(obs.Time) {
		cur.Apply(obs)
		for _, ind := range fs.indicators {
			ind.OnTick(obs)
		}
		return nil, cur
	}

	start := fs.bucketStart(obs.Time)

	if cur != nil {
		closed = append(closed, fs.close(cur))

		// Fill skipped buckets with the carried close so the partition
		// stays gapless.
		prev := cur
		for gapStart := prev.End; gapStart.Before(start); gapStart = gapStart.Add(fs.width) {
			carry := prev.Close
			carry.Time = gapStart
			g := fs.open(gapStart, carry)
			closed = append(closed, fs.close(g))
			prev = g
		}
	}

	fs.open(start, obs)
	return closed, fs.Current()
}

// bucketStart aligns ts to the epoch-anchored bucket containing it.
func (fs *FrameSet) bucketStart(ts time.Time) time.Time {
	w := fs.width.Nanoseconds()
	ns := ts.UnixNano()
	return time.Unix(0, ns-ns%w).In(ts.Location())
}

func (fs *FrameSet) open(start time.Time, first model.Observation) *model.Frame {
	f := model.NewFrame(start, start.Add(fs.width), first, fs.Current())
	fs.frames = append(fs.frames, f)
	fs.trim()
	for _, ind := range fs.indicators {
		f.Values[ind.Ref()] = ind.OnFrameOpen(f)
	}
	return f
}

func (fs *FrameSet) close(f *model.Frame) *model.Frame {
	for _, ind := range fs.indicators {
		f.Values[ind.Ref()] = ind.OnFrameClose(f)
	}
	if fs.OnFrameClosed != nil {
		fs.OnFrameClosed(f)
	}
	return f
}

// trim drops the oldest frames beyond maxFrames, unlinking them so the
// chain does not keep the whole history reachable.
func (fs *FrameSet) trim() {
	for len(fs.frames) > fs.maxFrames {
		fs.frames[1].Previous = nil
		fs.frames[0].Next = nil
		fs.frames = fs.frames[1:]
	}
}
