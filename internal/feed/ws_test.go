package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tickframe/internal/model"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// oneQuoteServer upgrades, sends a single quote and drops the
// connection, forcing the feed through a full reconnect cycle per dial.
func oneQuoteServer(connects *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt32(connects, 1)
		q := Quote{Ref: "EURUSD", Bid: 1.0949, Ask: 1.0951, TS: time.Now().UTC()}
		b, _ := json.Marshal(q)
		conn.WriteMessage(websocket.TextMessage, b)
		conn.Close()
	}
}

func wsURL(srv *httptest.Server) string {
	return strings.Replace(srv.URL, "http", "ws", 1) + "/"
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWSFeed_ConnectionSignals(t *testing.T) {
	var serverConns int32
	srv := httptest.NewServer(oneQuoteServer(&serverConns))
	defer srv.Close()

	f, err := NewWSFeed(WSConfig{
		URL:               wsURL(srv),
		ReconnectDelay:    5 * time.Millisecond,
		MaxReconnectDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewWSFeed: %v", err)
	}
	var connects, drops int32
	f.OnConnect = func() { atomic.AddInt32(&connects, 1) }
	f.OnReconnect = func() { atomic.AddInt32(&drops, 1) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	obsCh := make(chan model.Observation, 64)
	go f.Start(ctx, obsCh)

	select {
	case obs := <-obsCh:
		if atomic.LoadInt32(&connects) < 1 {
			t.Fatal("observation delivered before OnConnect fired")
		}
		if obs.Bid != 1.0949 {
			t.Fatalf("obs bid = %v", obs.Bid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no observation received")
	}

	// Every dial fires OnConnect; every lost connection fires
	// OnReconnect before the backoff.
	waitFor(t, "a reconnect cycle", func() bool {
		return atomic.LoadInt32(&connects) >= 2 && atomic.LoadInt32(&drops) >= 1
	})
	if c, d := atomic.LoadInt32(&connects), atomic.LoadInt32(&drops); c < d {
		t.Fatalf("connects = %d < drops = %d: drops must not outrun successful dials", c, d)
	}
}

func TestWSFeed_NoWatcherLeakAcrossReconnects(t *testing.T) {
	var serverConns int32
	srv := httptest.NewServer(oneQuoteServer(&serverConns))
	defer srv.Close()

	f, err := NewWSFeed(WSConfig{
		URL:               wsURL(srv),
		ReconnectDelay:    time.Millisecond,
		MaxReconnectDelay: 2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewWSFeed: %v", err)
	}

	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	obsCh := make(chan model.Observation, 256)
	go f.Start(ctx, obsCh)

	waitFor(t, "six reconnect cycles", func() bool {
		return atomic.LoadInt32(&serverConns) >= 6
	})
	cancel()

	// Each cycle spawned one connection watcher; all of them must be
	// gone once their connections are.
	waitFor(t, "goroutines to settle", func() bool {
		return runtime.NumGoroutine() <= before+2
	})
}
