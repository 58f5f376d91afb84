package trade

// BacktestProvider confirms every submission within the submit call, so
// a backtest never observes a pending interval and replays are
// deterministic.
type BacktestProvider struct{}

// NewBacktestProvider returns the synchronous confirmation authority
// used for backtests.
func NewBacktestProvider() *BacktestProvider { return &BacktestProvider{} }

func (p *BacktestProvider) SubmitOpen(t *Trade) error {
	return t.resolve(true)
}

func (p *BacktestProvider) SubmitClose(t *Trade, c *Close) error {
	return t.resolveClose(c, true)
}
