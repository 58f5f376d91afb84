package feed

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"tickframe/internal/model"
)

// Quote is the wire format of one bid/ask update:
//
//	{"ref":"EURUSD","bid":1.0712,"ask":1.0714,"ts":"2024-03-04T10:00:00Z"}
type Quote struct {
	Ref string    `json:"ref"`
	Bid float64   `json:"bid"`
	Ask float64   `json:"ask"`
	TS  time.Time `json:"ts"`
}

// WSConfig holds configuration for the websocket quote feed.
type WSConfig struct {
	// URL of the quote server, e.g. "ws://localhost:9001/quotes".
	URL string

	// Ref filters quotes to one instrument. Empty accepts all.
	Ref string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *WSConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// WSFeed reads JSON quotes over a websocket and pushes observations
// into a channel in arrival order. The consumer owns dispatch ordering:
// one goroutine drains the channel into the session.
type WSFeed struct {
	cfg WSConfig

	// OnConnect is called after every successful dial, the first one
	// included.
	OnConnect func()

	// OnReconnect is called when the connection is lost, before the
	// backoff wait.
	OnReconnect func()
}

// NewWSFeed creates a feed. Returns an error if the URL is unparseable.
func NewWSFeed(cfg WSConfig) (*WSFeed, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, err
	}
	return &WSFeed{cfg: cfg}, nil
}

// Start connects and streams observations into obsCh. Blocks until ctx
// is cancelled, reconnecting with exponential backoff on disconnect.
func (f *WSFeed) Start(ctx context.Context, obsCh chan<- model.Observation) error {
	delay := f.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := f.runOnce(ctx, obsCh)
		if err == nil {
			return nil
		}

		log.Printf("[feed] disconnected (%v), reconnecting in %s...", err, delay)
		if f.OnReconnect != nil {
			f.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect
// or ctx cancellation.
func (f *WSFeed) runOnce(ctx context.Context, obsCh chan<- model.Observation) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Printf("[feed] connected to %s", f.cfg.URL)
	if f.OnConnect != nil {
		f.OnConnect()
	}

	// The watcher must die with this connection, not with the process:
	// one leaked goroutine per reconnect adds up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		var q Quote
		if err := json.Unmarshal(raw, &q); err != nil {
			log.Printf("[feed] parse error: %v (raw: %s)", err, raw)
			continue
		}
		if f.cfg.Ref != "" && q.Ref != f.cfg.Ref {
			continue
		}
		ts := q.TS
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		obs, err := model.NewObservation(q.Bid, q.Ask, ts, map[string]string{"source": "ws"})
		if err != nil {
			log.Printf("[feed] invalid quote dropped: %v", err)
			continue
		}

		select {
		case obsCh <- obs:
		case <-ctx.Done():
			return nil
		}
	}
}
