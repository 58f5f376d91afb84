// cmd/quotesim — Demo WebSocket quote server.
// Broadcasts simulated bid/ask quotes for exercising the engine without
// a real price feed.
//
// Quote JSON shape is identical to feed.Quote:
//
//	{"ref":"EURUSD","bid":1.0949,"ask":1.0951,"ts":"..."}
//
// Config (env vars):
//
//	QUOTE_SERVER_ADDR  — listen address  (default: ":8081")
//	QUOTE_REFS         — comma-separated REF:PRICE pairs (default: "EURUSD:1.095")
//	QUOTE_INTERVAL_MS  — broadcast interval milliseconds (default: "100")
//	QUOTE_SPREAD       — fixed bid/ask spread (default: "0.0002")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// quoteMsg mirrors feed.Quote for JSON serialisation.
type quoteMsg struct {
	Ref string    `json:"ref"`
	Bid float64   `json:"bid"`
	Ask float64   `json:"ask"`
	TS  time.Time `json:"ts"`
}

// instrument holds per-symbol simulation state.
type instrument struct {
	Ref string
	Mid float64 // current simulated mid price
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client — drop quote
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[quotesim] upgrade error: %v", err)
			return
		}
		log.Printf("[quotesim] client connected: %s", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[quotesim] client disconnected: %s", r.RemoteAddr)
		}()

		// Write pump: sends quote JSON to this client.
		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// walkPrice applies a tiny random walk (±0.1%) to simulate price movement.
func walkPrice(mid float64) float64 {
	pct := (rand.Float64()*0.2 - 0.1) / 100.0
	next := mid * (1 + pct)
	if next <= 0 {
		next = mid
	}
	return next
}

func runGenerator(h *hub, instruments []instrument, intervalMs int, spread float64) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		for i := range instruments {
			instruments[i].Mid = walkPrice(instruments[i].Mid)
			msg := quoteMsg{
				Ref: instruments[i].Ref,
				Bid: instruments[i].Mid - spread/2,
				Ask: instruments[i].Mid + spread/2,
				TS:  time.Now().UTC(),
			}
			b, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.broadcast(b)
		}
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("[quotesim] starting demo quote server...")

	addr := envOrDefault("QUOTE_SERVER_ADDR", ":8081")
	refsEnv := envOrDefault("QUOTE_REFS", "EURUSD:1.095")
	intervalMs := envIntOrDefault("QUOTE_INTERVAL_MS", 100)
	spread := envFloatOrDefault("QUOTE_SPREAD", 0.0002)

	instruments := parseInstruments(refsEnv)
	if len(instruments) == 0 {
		log.Fatalf("[quotesim] no instruments configured via QUOTE_REFS")
	}
	log.Printf("[quotesim] instruments: %+v", instruments)
	log.Printf("[quotesim] broadcast interval: %dms, spread: %g", intervalMs, spread)

	h := newHub()
	go runGenerator(h, instruments, intervalMs, spread)

	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"quotesim"}`)
	})

	log.Printf("[quotesim] listening on %s  (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[quotesim] server error: %v", err)
	}
}

func parseInstruments(s string) []instrument {
	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			log.Printf("[quotesim] skipping invalid ref spec: %q", part)
			continue
		}
		ref := strings.TrimSpace(seg[0])
		mid, err := strconv.ParseFloat(strings.TrimSpace(seg[1]), 64)
		if err != nil || mid <= 0 {
			log.Printf("[quotesim] skipping invalid start price: %q", part)
			continue
		}
		result = append(result, instrument{Ref: ref, Mid: mid})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloatOrDefault(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
