package indicator

import "testing"

// Golden values pin the smoothing method: Wilder (factor 1/period) seeded
// by a simple average of the first period deltas.
func TestRSI_GoldenValues(t *testing.T) {
	rsi, err := NewRSI("rsi3", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	values := driveFrames(rsi, 10, 11, 10, 12, 13)

	// Frames 1-3 hold fewer than 3 deltas.
	for i := 0; i < 3; i++ {
		if _, ok := values[i].Value(); ok {
			t.Errorf("frame %d: expected unavailable RSI", i+1)
		}
	}

	// Frame 4: deltas +1, -1, +2 — seed avgGain=1, avgLoss=1/3, RS=3.
	got, ok := values[3].Value()
	if !ok {
		t.Fatal("expected RSI available after 4 frames")
	}
	if !almostEqual(got, 75) {
		t.Errorf("expected RSI=75, got %v", got)
	}

	// Frame 5: delta +1 — avgGain=(1*2+1)/3=1, avgLoss=(1/3*2)/3=2/9, RS=4.5.
	got, ok = values[4].Value()
	if !ok {
		t.Fatal("expected RSI available after 5 frames")
	}
	if !almostEqual(got, 100-100/5.5) {
		t.Errorf("expected RSI=%.6f, got %v", 100-100/5.5, got)
	}
}

func TestRSI_AllGainsIs100(t *testing.T) {
	rsi, _ := NewRSI("rsi3", 3)
	values := driveFrames(rsi, 10, 11, 12, 13, 14)

	got, ok := values[4].Value()
	if !ok {
		t.Fatal("expected RSI available")
	}
	if got != 100 {
		t.Errorf("expected RSI=100 with zero average loss, got %v", got)
	}
}

func TestRSI_BoundedRange(t *testing.T) {
	rsi, _ := NewRSI("rsi2", 2)
	values := driveFrames(rsi, 50, 20, 90, 10, 80, 30)
	for i, v := range values {
		got, ok := v.Value()
		if !ok {
			continue
		}
		if got < 0 || got > 100 {
			t.Errorf("frame %d: RSI %v out of [0,100]", i+1, got)
		}
	}
}

func TestRSI_InvalidConfig(t *testing.T) {
	if _, err := NewRSI("rsi", -1); err == nil {
		t.Error("expected error for negative period")
	}
}
