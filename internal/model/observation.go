package model

import (
	"fmt"
	"time"
)

// Observation is a single bid/ask price sample for an instrument.
// It is immutable after construction; validation happens in NewObservation.
type Observation struct {
	Bid  float64           `json:"bid"`
	Ask  float64           `json:"ask"`
	Time time.Time         `json:"time"`
	Meta map[string]string `json:"meta,omitempty"`
}

// NewObservation builds a validated Observation.
// The timestamp must carry a location (zoned instant) and ask must be >= bid.
func NewObservation(bid, ask float64, ts time.Time, meta map[string]string) (Observation, error) {
	if ask < bid {
		return Observation{}, fmt.Errorf("%w: ask %v < bid %v", ErrConfig, ask, bid)
	}
	if ts.IsZero() {
		return Observation{}, fmt.Errorf("%w: observation timestamp is zero", ErrConfig)
	}
	return Observation{Bid: bid, Ask: ask, Time: ts, Meta: meta}, nil
}

// Mid returns the value exactly between bid and ask.
func (o Observation) Mid() float64 {
	return (o.Bid + o.Ask) / 2
}

// Spread returns the difference between ask and bid.
func (o Observation) Spread() float64 {
	return o.Ask - o.Bid
}

func (o Observation) String() string {
	return fmt.Sprintf("@%s: %v (bid: %v, ask: %v, spread: %v)",
		o.Time.Format(time.RFC3339), o.Mid(), o.Bid, o.Ask, o.Spread())
}
