package model

import (
	"errors"
	"testing"
	"time"
)

func TestNewObservation_Valid(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	obs, err := NewObservation(99, 101, ts, map[string]string{"source": "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := obs.Mid(); got != 100 {
		t.Errorf("expected mid=100, got %v", got)
	}
	if got := obs.Spread(); got != 2 {
		t.Errorf("expected spread=2, got %v", got)
	}
	if obs.Meta["source"] != "test" {
		t.Errorf("expected meta to be kept")
	}
}

func TestNewObservation_AskBelowBid(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err := NewObservation(101, 99, ts, nil)
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestNewObservation_ZeroTime(t *testing.T) {
	_, err := NewObservation(99, 101, time.Time{}, nil)
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestFrame_Apply(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	mk := func(mid float64, offset time.Duration) Observation {
		return Observation{Bid: mid - 1, Ask: mid + 1, Time: ts.Add(offset)}
	}

	f := NewFrame(ts, ts.Add(time.Minute), mk(100, 0), nil)
	f.Apply(mk(105, 10*time.Second))
	f.Apply(mk(95, 20*time.Second))
	f.Apply(mk(101, 30*time.Second))

	if f.Open.Mid() != 100 {
		t.Errorf("expected open=100, got %v", f.Open.Mid())
	}
	if f.High.Mid() != 105 {
		t.Errorf("expected high=105, got %v", f.High.Mid())
	}
	if f.Low.Mid() != 95 {
		t.Errorf("expected low=95, got %v", f.Low.Mid())
	}
	if f.Close.Mid() != 101 {
		t.Errorf("expected close=101, got %v", f.Close.Mid())
	}
	if f.Ticks != 4 {
		t.Errorf("expected 4 ticks, got %d", f.Ticks)
	}
	if f.Closed() {
		t.Error("frame without successor must not be closed")
	}
}

func TestFrame_IndicatorNotFound(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	f := NewFrame(ts, ts.Add(time.Minute), Observation{Bid: 1, Ask: 1, Time: ts}, nil)
	if _, err := f.Indicator("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
