// Package redis publishes closed frames, indicator results and trade
// state transitions onto capped Redis streams for downstream consumers
// (dashboards, alerting, external recorders).
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"tickframe/internal/model"
	"tickframe/internal/trade"
)

const (
	// Stream trimming: roughly a session of 1m frames plus buffer.
	defaultStreamMaxLen = 2000
	defaultLatestTTL    = 30 * time.Minute
	defaultMaxBuffered  = 10000
)

// Config configures the publisher.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// entry is one prepared stream write, kept JSON-encoded so it can be
// buffered and replayed when the breaker reopens the path.
type entry struct {
	stream    string
	latestKey string
	data      string
}

// Publisher writes engine events to Redis. A circuit breaker guards the
// connection: while it is open, writes are buffered in memory and
// flushed once the probe succeeds, so a Redis outage never stalls or
// drops the dispatch pipeline's events.
type Publisher struct {
	client *goredis.Client
	cb     *CircuitBreaker

	mu     sync.Mutex
	buffer []entry
	maxBuf int

	// OnBuffer is called when a write is buffered (for metrics).
	OnBuffer func()
	// OnFlush is called after replaying buffered writes.
	OnFlush func(count int)
	// OnCircuitChange is called on every breaker transition.
	OnCircuitChange func(from, to State)
}

// New creates a Publisher and pings the server.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	p := &Publisher{
		client: client,
		cb:     NewCircuitBreaker(5, 10*time.Second),
		maxBuf: defaultMaxBuffered,
	}
	p.cb.OnStateChange = func(from, to State) {
		log.Printf("[redis] circuit %s -> %s", from, to)
		if p.OnCircuitChange != nil {
			p.OnCircuitChange(from, to)
		}
		if to == StateClosed {
			go p.flush(context.Background())
		}
	}
	return p, nil
}

// CircuitState reports the breaker's current state.
func (p *Publisher) CircuitState() State { return p.cb.CurrentState() }

// Client returns the underlying client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// frameEvent is the wire shape of one closed frame.
type frameEvent struct {
	EpicRef     string          `json:"epic_ref"`
	FrameSetRef string          `json:"frame_set_ref"`
	Frame       json.RawMessage `json:"frame"`
}

// PublishFrame pushes one closed frame, its indicator values included,
// onto the frame stream of its frame set.
func (p *Publisher) PublishFrame(ctx context.Context, epicRef, frameSetRef string, f *model.Frame) {
	data, err := json.Marshal(frameEvent{
		EpicRef:     epicRef,
		FrameSetRef: frameSetRef,
		Frame:       f.JSON(),
	})
	if err != nil {
		log.Printf("[redis] marshal frame: %v", err)
		return
	}
	p.publish(ctx, entry{
		stream:    "frames:" + epicRef + ":" + frameSetRef,
		latestKey: "frames:latest:" + epicRef + ":" + frameSetRef,
		data:      string(data),
	})
}

// tradeEvent is the wire shape of one trade state transition.
type tradeEvent struct {
	TradeRef    string  `json:"trade_ref"`
	EpicRef     string  `json:"epic_ref"`
	StrategyRef string  `json:"strategy_ref"`
	Direction   string  `json:"direction"`
	Status      string  `json:"status"`
	Quantity    float64 `json:"quantity"`
	OpenPrice   float64 `json:"open_price"`
	Result      float64 `json:"result"`
	At          int64   `json:"at"`
}

// PublishTrade pushes a trade's current state onto the epic's trade
// stream. Wire it to the book's OnTransition hook to record every
// lifecycle step.
func (p *Publisher) PublishTrade(ctx context.Context, t *trade.Trade) {
	data, err := json.Marshal(tradeEvent{
		TradeRef:    t.Ref,
		EpicRef:     t.EpicRef,
		StrategyRef: t.StrategyRef,
		Direction:   t.Direction.String(),
		Status:      t.Status().String(),
		Quantity:    t.Quantity,
		OpenPrice:   t.OpenPrice(),
		Result:      t.Result(),
		At:          time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("[redis] marshal trade: %v", err)
		return
	}
	p.publish(ctx, entry{
		stream: "trades:" + t.EpicRef,
		data:   string(data),
	})
}

// publish routes one entry through the breaker, buffering it when the
// path is open.
func (p *Publisher) publish(ctx context.Context, e entry) {
	err := p.cb.Execute(func() error {
		return p.write(ctx, e)
	})
	if err == ErrCircuitOpen {
		p.bufferEntry(e)
		return
	}
	if err != nil {
		log.Printf("[redis] publish %s: %v", e.stream, err)
	}
}

// write performs the pipelined XADD (+ latest-key SET) for one entry.
func (p *Publisher) write(ctx context.Context, e entry) error {
	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: e.stream,
		MaxLen: defaultStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": e.data},
	})
	if e.latestKey != "" {
		pipe.Set(ctx, e.latestKey, e.data, defaultLatestTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (p *Publisher) bufferEntry(e entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) >= p.maxBuf {
		p.buffer = p.buffer[1:] // drop oldest
	}
	p.buffer = append(p.buffer, e)
	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

// flush replays buffered entries after the breaker closes.
func (p *Publisher) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	toFlush := p.buffer
	p.buffer = make([]entry, 0, 256)
	p.mu.Unlock()

	for _, e := range toFlush {
		if err := p.write(ctx, e); err != nil {
			log.Printf("[redis] flush %s: %v", e.stream, err)
		}
	}
	log.Printf("[redis] flushed %d buffered writes", len(toFlush))
	if p.OnFlush != nil {
		p.OnFlush(len(toFlush))
	}
}

// PendingCount returns the number of writes waiting for the breaker to
// close.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Close closes the client.
func (p *Publisher) Close() error { return p.client.Close() }
