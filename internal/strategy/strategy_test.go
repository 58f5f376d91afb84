package strategy

import (
	"errors"
	"testing"
	"time"

	"tickframe/internal/epic"
	"tickframe/internal/frameset"
	"tickframe/internal/indicator"
	"tickframe/internal/model"
	"tickframe/internal/trade"
)

// 2024-03-04 is a Monday.
var monday = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func obsAt(t *testing.T, mid float64, ts time.Time) model.Observation {
	t.Helper()
	obs, err := model.NewObservation(mid-0.5, mid+0.5, ts, nil)
	if err != nil {
		t.Fatalf("NewObservation: %v", err)
	}
	return obs
}

// pendingProvider accepts submissions and never resolves them.
type pendingProvider struct{}

func (pendingProvider) SubmitOpen(t *trade.Trade) error                  { return nil }
func (pendingProvider) SubmitClose(t *trade.Trade, c *trade.Close) error { return nil }

func TestGating_CountsNonTerminalTrades(t *testing.T) {
	e, err := epic.New(epic.Config{Ref: "UT.GATE", Provider: pendingProvider{}})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.OnNewObservation(obsAt(t, 100, monday.Add(10*time.Hour))); err != nil {
		t.Fatal(err)
	}

	base, err := NewBase("gate", 2, nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if !base.CanOpen(e) {
			t.Fatalf("gated after %d pending trades, cap is 2", i)
		}
		if _, err := base.OpenTrade(e, trade.Request{Direction: trade.Buy, Quantity: 1}); err != nil {
			t.Fatal(err)
		}
	}
	// Both trades are PENDING, not CONFIRMED — they must still count.
	if base.CanOpen(e) {
		t.Fatal("pending trades not counted against the concurrency cap")
	}

	// A rejection frees a slot.
	tr := base.OpenTrades(e)[0]
	if err := e.Book().Resolve(tr.Ref, false); err != nil {
		t.Fatal(err)
	}
	if !base.CanOpen(e) {
		t.Fatal("rejected trade still counted against the concurrency cap")
	}
}

func TestNewBase_Validation(t *testing.T) {
	if _, err := NewBase("", 1, nil); !errors.Is(err, model.ErrConfig) {
		t.Fatalf("empty ref err = %v, want ErrConfig", err)
	}
	if _, err := NewBase("x", 0, nil); !errors.Is(err, model.ErrConfig) {
		t.Fatalf("zero cap err = %v, want ErrConfig", err)
	}
}

func TestCrossover_Config(t *testing.T) {
	bad := []CrossoverConfig{
		{Ref: "x", FrameSetRef: "", IndicatorRef: "sma", FastPeriods: 1, SlowPeriods: 3, Quantity: 1},
		{Ref: "x", FrameSetRef: "m1", IndicatorRef: "sma", FastPeriods: 3, SlowPeriods: 1, Quantity: 1},
		{Ref: "x", FrameSetRef: "m1", IndicatorRef: "sma", FastPeriods: 1, SlowPeriods: 3, Quantity: 0},
	}
	for i, cfg := range bad {
		if _, err := NewSMACrossover(cfg); !errors.Is(err, model.ErrConfig) {
			t.Errorf("case %d: err = %v, want ErrConfig", i, err)
		}
	}
}

func crossoverFixture(t *testing.T) (*epic.Epic, *SMACrossover) {
	t.Helper()
	e, err := epic.New(epic.Config{
		Ref:         "UT.XO",
		OpenPeriods: epic.DailyPeriods(9*time.Hour, 17*time.Hour, epic.Weekdays()...),
	})
	if err != nil {
		t.Fatal(err)
	}
	fs, err := frameset.New("m1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	sma, err := indicator.NewSMA("sma", 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.AddIndicator(sma); err != nil {
		t.Fatal(err)
	}
	if err := e.AddFrameSet(fs); err != nil {
		t.Fatal(err)
	}
	xo, err := NewSMACrossover(CrossoverConfig{
		Ref:          "xo",
		FrameSetRef:  "m1",
		IndicatorRef: "sma",
		FastPeriods:  1,
		SlowPeriods:  3,
		Quantity:     2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.AddStrategy(xo); err != nil {
		t.Fatal(err)
	}
	return e, xo
}

func TestCrossover_OpensAndFlips(t *testing.T) {
	e, xo := crossoverFixture(t)
	feed := func(mid float64, minute int) {
		t.Helper()
		if err := e.OnNewObservation(obsAt(t, mid, monday.Add(9*time.Hour+time.Duration(minute)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	// Rising closes: once three closes exist the live close sits above
	// the slow average, so the strategy goes long.
	for i, mid := range []float64{100, 101, 102, 103} {
		feed(mid, i)
	}
	open := xo.OpenTrades(e)
	if len(open) != 1 || open[0].Direction != trade.Buy {
		t.Fatalf("after rising closes: open trades = %v, want one BUY", open)
	}
	buyRef := open[0].Ref

	// Falling closes drag the live close under the slow average: the
	// long is flattened and a short opened.
	for i, mid := range []float64{95, 90, 85} {
		feed(mid, 4+i)
	}
	bought, err := e.Book().Trade(buyRef)
	if err != nil {
		t.Fatal(err)
	}
	if got := bought.Status(); got != trade.StatusClosed {
		t.Fatalf("long status after cross down = %s, want CLOSED", got)
	}
	open = xo.OpenTrades(e)
	if len(open) != 1 || open[0].Direction != trade.Sell {
		t.Fatalf("after falling closes: open trades = %v, want one SELL", open)
	}

	// Market close flattens everything.
	feed(85, 8*60) // 17:00
	if got := len(xo.OpenTrades(e)); got != 0 {
		t.Fatalf("open trades after market close = %d, want 0", got)
	}
}
