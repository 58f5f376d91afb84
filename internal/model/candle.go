package model

import "time"

// Candle is a pre-aggregated OHLC row, the reduced-granularity input shape
// used when no per-tick data is available. Prices are mid values; Spread
// is reapplied when the row is expanded into Observations.
type Candle struct {
	Ref    string    `json:"ref"` // instrument session reference
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Spread float64   `json:"spread"`
}
