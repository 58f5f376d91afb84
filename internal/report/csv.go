// Package report renders read-only trade snapshots to CSV files: one
// summary row per strategy plus an optional per-strategy trade detail
// file.
package report

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tickframe/internal/trade"
)

// CSV writes reports under a target directory, created on demand.
type CSV struct {
	Dir string
	// TradeDetails controls whether a per-strategy detail file is
	// written next to the summary.
	TradeDetails bool
}

// NewCSV creates a reporter writing into dir.
func NewCSV(dir string) *CSV {
	return &CSV{Dir: dir, TradeDetails: true}
}

// Write renders one summary row per strategy from the book's snapshot
// and, when TradeDetails is set, one detail file per strategy. It
// returns the summary file path.
func (r *CSV) Write(book *trade.Book, strategyRefs []string) (string, error) {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", fmt.Errorf("report dir: %w", err)
	}
	stamp := time.Now().UTC().Format("2006-01-02_150405")

	summaryPath := filepath.Join(r.Dir, "strategies_"+stamp+".csv")
	f, err := os.Create(summaryPath)
	if err != nil {
		return "", fmt.Errorf("create summary: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"ref", "trades", "result", "profit_factor"}); err != nil {
		return "", err
	}
	for _, ref := range strategyRefs {
		trades := book.StrategyTrades(ref)
		result, factor := summarize(trades)
		row := []string{
			ref,
			strconv.Itoa(len(trades)),
			formatFloat(result),
			formatFloat(factor),
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
		if r.TradeDetails {
			if err := r.writeDetails(ref, stamp, trades); err != nil {
				return "", err
			}
		}
	}
	w.Flush()
	return summaryPath, w.Error()
}

func (r *CSV) writeDetails(ref, stamp string, trades []*trade.Trade) error {
	path := filepath.Join(r.Dir, "trades_"+ref+"_"+stamp+".csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create details: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{
		"ref", "opened_at", "direction", "quantity", "open_price",
		"status", "closed_result", "max_gain", "max_loss", "closes",
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, t := range trades {
		row := []string{
			t.Ref,
			t.OpenObservation().Time.Format(time.RFC3339),
			t.Direction.String(),
			formatFloat(t.Quantity),
			formatFloat(t.OpenPrice()),
			t.Status().String(),
			formatFloat(t.ClosedResult()),
			formatFloat(t.MaxGain()),
			formatFloat(t.MaxLoss()),
			strconv.Itoa(len(t.Closes())),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// summarize returns the total closed result and the profit factor
// (gross gains over gross losses) of a trade list.
func summarize(trades []*trade.Trade) (result, profitFactor float64) {
	var gains, losses float64
	for _, t := range trades {
		r := t.ClosedResult()
		result += r
		if r >= 0 {
			gains += r
		} else {
			losses -= r
		}
	}
	if losses == 0 {
		if gains == 0 {
			return result, 0
		}
		return result, math.Inf(1)
	}
	return result, gains / losses
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
