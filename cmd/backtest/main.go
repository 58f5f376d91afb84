// cmd/backtest replays stored candles through an instrument session to
// evaluate a moving-average crossover strategy, then writes CSV result
// reports.
//
// Usage:
//
//	go run ./cmd/backtest --db=data/engine.db --epic=EURUSD --widths=60,300
package main

import (
	"fmt"
	"log"
	"time"

	"tickframe/config"
	"tickframe/internal/epic"
	"tickframe/internal/feed"
	"tickframe/internal/frameset"
	"tickframe/internal/indicator"
	"tickframe/internal/logger"
	"tickframe/internal/report"
	sqlitestore "tickframe/internal/store/sqlite"
	"tickframe/internal/strategy"
	"tickframe/internal/trade"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg := config.Load()
	logger.Init("backtest", logger.ParseLevel(cfg.LogLevel))

	store, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[backtest] sqlite open failed: %v", err)
	}
	defer store.Close()

	candles, err := store.ReadCandles(cfg.EpicRef, time.Time{})
	if err != nil {
		log.Fatalf("[backtest] candle read failed: %v", err)
	}
	if len(candles) == 0 {
		log.Fatalf("[backtest] no candles stored for %s", cfg.SQLitePath)
	}
	log.Printf("[backtest] replaying %d candles for %s", len(candles), cfg.EpicRef)

	e, err := buildEpic(cfg)
	if err != nil {
		log.Fatalf("[backtest] session setup failed: %v", err)
	}

	replayer := feed.NewReplayer(e)
	for _, c := range candles {
		if err := replayer.Dispatch(c); err != nil {
			log.Fatalf("[backtest] dispatch failed at %s: %v", c.Time, err)
		}
	}

	printSummary(e)

	csv := report.NewCSV(cfg.ReportDir)
	path, err := csv.Write(e.Book(), []string{"sma-crossover"})
	if err != nil {
		log.Fatalf("[backtest] report write failed: %v", err)
	}
	log.Printf("[backtest] report written to %s", path)
}

func buildEpic(cfg *config.Config) (*epic.Epic, error) {
	open, ok := config.ParseClock(cfg.OpenTime)
	if !ok {
		return nil, fmt.Errorf("invalid EPIC_OPEN %q", cfg.OpenTime)
	}
	clos, ok := config.ParseClock(cfg.CloseTime)
	if !ok {
		return nil, fmt.Errorf("invalid EPIC_CLOSE %q", cfg.CloseTime)
	}

	e, err := epic.New(epic.Config{
		Ref:         cfg.EpicRef,
		Timezone:    cfg.EpicTimezone,
		OpenPeriods: epic.DailyPeriods(open, clos, epic.Weekdays()...),
	})
	if err != nil {
		return nil, err
	}

	widths := cfg.ParseFrameWidths()
	if len(widths) == 0 {
		return nil, fmt.Errorf("no valid frame widths in %q", cfg.FrameWidths)
	}
	for _, w := range widths {
		fs, err := frameset.New(frameRef(w), w, frameset.WithMaxFrames(cfg.MaxFrames))
		if err != nil {
			return nil, err
		}
		sma, err := indicator.NewSMA("sma", cfg.SMASlowPeriods)
		if err != nil {
			return nil, err
		}
		if err := fs.AddIndicator(sma); err != nil {
			return nil, err
		}
		if err := e.AddFrameSet(fs); err != nil {
			return nil, err
		}
	}

	cross, err := strategy.NewSMACrossover(strategy.CrossoverConfig{
		Ref:          "sma-crossover",
		FrameSetRef:  frameRef(widths[0]),
		IndicatorRef: "sma",
		FastPeriods:  cfg.SMAFastPeriods,
		SlowPeriods:  cfg.SMASlowPeriods,
		Quantity:     cfg.TradeQuantity,
		Stop:         levelOf(cfg.StopDistance),
		Limit:        levelOf(cfg.LimitDistance),
	})
	if err != nil {
		return nil, err
	}
	if err := e.AddStrategy(cross); err != nil {
		return nil, err
	}
	return e, nil
}

func frameRef(w time.Duration) string {
	return fmt.Sprintf("f%ds", int(w.Seconds()))
}

func levelOf(distance float64) *trade.Level {
	if distance <= 0 {
		return nil
	}
	return trade.Relative(distance)
}

func printSummary(e *epic.Epic) {
	var closed int
	var result float64
	for _, t := range e.Book().Trades() {
		if t.Status() == trade.StatusClosed {
			closed++
		}
		result += t.Result()
	}
	log.Printf("[backtest] trades: %d (%d closed), result: %.2f",
		len(e.Book().Trades()), closed, result)
}
