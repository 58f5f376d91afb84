package feed

import (
	"errors"
	"testing"
	"time"

	"tickframe/internal/epic"
	"tickframe/internal/frameset"
	"tickframe/internal/model"
	"tickframe/internal/trade"
)

var monday = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func candle(open, high, low, close float64) model.Candle {
	return model.Candle{Ref: "UT", Time: monday, Open: open, High: high, Low: low, Close: close, Spread: 0.2}
}

func mids(obs []model.Observation) []float64 {
	out := make([]float64, len(obs))
	for i, o := range obs {
		out[i] = o.Mid()
	}
	return out
}

func TestExpand_PessimisticOrdering(t *testing.T) {
	c := candle(100, 110, 90, 105)

	buySide, err := Expand(c, trade.Buy)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{100, 90, 110, 105}
	for i, m := range mids(buySide) {
		if m != want[i] {
			t.Fatalf("BUY-side mids = %v, want %v", mids(buySide), want)
		}
	}

	sellSide, err := Expand(c, trade.Sell)
	if err != nil {
		t.Fatal(err)
	}
	want = []float64{100, 110, 90, 105}
	for i, m := range mids(sellSide) {
		if m != want[i] {
			t.Fatalf("SELL-side mids = %v, want %v", mids(sellSide), want)
		}
	}

	for i := 1; i < len(buySide); i++ {
		if !buySide[i].Time.After(buySide[i-1].Time) {
			t.Fatal("expanded observations not strictly ordered in time")
		}
	}
	if got := buySide[0].Spread(); got != 0.2 {
		t.Fatalf("spread = %v, want 0.2", got)
	}
}

func TestExpand_RejectsInconsistentCandle(t *testing.T) {
	bad := candle(100, 99, 90, 95) // high below open
	if _, err := Expand(bad, trade.Buy); !errors.Is(err, model.ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestReplayer_StopBeforeLimitOnBuy(t *testing.T) {
	e, err := epic.New(epic.Config{Ref: "UT.RP"})
	if err != nil {
		t.Fatal(err)
	}
	r := NewReplayer(e)

	if err := r.Dispatch(candle(100, 100.5, 99.5, 100)); err != nil {
		t.Fatal(err)
	}

	// BUY with both the stop (95) and the limit (108) inside the next
	// candle's range: the pessimistic low-first expansion must hit the
	// stop, never the limit.
	tr, err := e.OpenTrade(trade.Request{
		Direction: trade.Buy,
		Quantity:  1,
		Stop:      trade.Absolute(95),
		Limit:     trade.Absolute(108),
	})
	if err != nil {
		t.Fatal(err)
	}

	next := candle(100, 112, 92, 104)
	next.Time = monday.Add(time.Minute)
	if err := r.Dispatch(next); err != nil {
		t.Fatal(err)
	}

	if got := tr.Status(); got != trade.StatusClosed {
		t.Fatalf("trade status = %s, want CLOSED", got)
	}
	if got := tr.Closes()[0].Reason; got != "stop" {
		t.Fatalf("close reason = %q, want stop (pessimistic ordering)", got)
	}
	if r.Candles != 2 {
		t.Fatalf("replayed candles = %d, want 2", r.Candles)
	}
}

func TestReplayer_RebuildsFrameOHLC(t *testing.T) {
	e, err := epic.New(epic.Config{Ref: "UT.RF"})
	if err != nil {
		t.Fatal(err)
	}
	fs, err := frameset.New("m1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.AddFrameSet(fs); err != nil {
		t.Fatal(err)
	}
	r := NewReplayer(e)

	if err := r.Dispatch(candle(100, 110, 90, 105)); err != nil {
		t.Fatal(err)
	}
	f := fs.Current()
	if f.Open.Mid() != 100 || f.High.Mid() != 110 || f.Low.Mid() != 90 || f.Close.Mid() != 105 {
		t.Fatalf("frame OHLC = %v/%v/%v/%v, want 100/110/90/105",
			f.Open.Mid(), f.High.Mid(), f.Low.Mid(), f.Close.Mid())
	}
	if f.Ticks != 4 {
		t.Fatalf("frame ticks = %d, want 4", f.Ticks)
	}
}
