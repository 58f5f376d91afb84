package strategy

import (
	"fmt"
	"log/slog"

	"tickframe/internal/epic"
	"tickframe/internal/model"
	"tickframe/internal/trade"
)

// CrossoverConfig parameterizes an SMACrossover strategy.
type CrossoverConfig struct {
	Ref         string
	FrameSetRef string
	// FastPeriods and SlowPeriods are lookbacks into the same bounded
	// moving average indicator, FastPeriods < SlowPeriods.
	IndicatorRef string
	FastPeriods  int
	SlowPeriods  int
	Quantity     float64
	// Stop and Limit are applied to every opened position. Optional.
	Stop  *trade.Level
	Limit *trade.Level
	// MaxConcurrentTrades defaults to 1.
	MaxConcurrentTrades int
	Logger              *slog.Logger
}

// SMACrossover goes long while the fast average sits above the slow one
// and short while below, flattening the opposite side first. All
// positions are closed on market close.
type SMACrossover struct {
	*Base
	cfg CrossoverConfig
}

// NewSMACrossover validates cfg and builds the strategy.
func NewSMACrossover(cfg CrossoverConfig) (*SMACrossover, error) {
	if cfg.FrameSetRef == "" || cfg.IndicatorRef == "" {
		return nil, fmt.Errorf("%w: crossover needs frame set and indicator refs", model.ErrConfig)
	}
	if cfg.FastPeriods <= 0 || cfg.SlowPeriods <= cfg.FastPeriods {
		return nil, fmt.Errorf("%w: crossover periods must satisfy 0 < fast < slow, got %d/%d", model.ErrConfig, cfg.FastPeriods, cfg.SlowPeriods)
	}
	if cfg.Quantity <= 0 {
		return nil, fmt.Errorf("%w: crossover quantity must be positive, got %v", model.ErrConfig, cfg.Quantity)
	}
	if cfg.MaxConcurrentTrades == 0 {
		cfg.MaxConcurrentTrades = 1
	}
	base, err := NewBase(cfg.Ref, cfg.MaxConcurrentTrades, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &SMACrossover{Base: base, cfg: cfg}, nil
}

// averages reads the fast and slow lookbacks off the current frame.
func (s *SMACrossover) averages(e *epic.Epic) (fast, slow float64, ok bool) {
	iv, err := e.GetIndicatorValue(s.cfg.FrameSetRef, s.cfg.IndicatorRef, 0)
	if err != nil {
		return 0, 0, false
	}
	sma, isSMA := iv.(interface {
		Get(periods int) (float64, bool)
	})
	if !isSMA {
		return 0, 0, false
	}
	fast, fastOK := sma.Get(s.cfg.FastPeriods)
	slow, slowOK := sma.Get(s.cfg.SlowPeriods)
	return fast, slow, fastOK && slowOK
}

func (s *SMACrossover) OnEveryTickMarketOpen(e *epic.Epic, obs model.Observation) {
	fast, slow, ok := s.averages(e)
	if !ok || fast == slow {
		return
	}

	dir := trade.Buy
	if fast < slow {
		dir = trade.Sell
	}
	s.CloseAll(e, -dir, "crossover")

	for _, t := range s.OpenTrades(e) {
		if t.Direction == dir {
			return // already positioned on the right side
		}
	}
	if !s.CanOpen(e) {
		return
	}
	if _, err := s.OpenTrade(e, trade.Request{
		Direction: dir,
		Quantity:  s.cfg.Quantity,
		Stop:      s.cfg.Stop,
		Limit:     s.cfg.Limit,
	}); err != nil {
		s.Logger().Warn("open failed", "direction", dir.String(), "err", err)
	}
}

func (s *SMACrossover) OnMarketClose(e *epic.Epic, obs model.Observation) {
	s.CloseAll(e, 0, "market close")
}
