package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"tickframe/internal/model"
	"tickframe/internal/trade"
)

const testSecret = "JBSWY3DPEHPK3PXP"

// fakeBroker is an httptest-backed order API with TOTP login.
type fakeBroker struct {
	mu          sync.Mutex
	nextOrderID int
	orders      []orderRequest
	settled     []settlement
	logins      int
	rejectNext  bool // force a 401 on the next authed call
}

func (fb *fakeBroker) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session/login", func(w http.ResponseWriter, r *http.Request) {
		var lr loginRequest
		if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.Header.Get("X-API-Key") != "key" {
			http.Error(w, "bad api key", http.StatusUnauthorized)
			return
		}
		if !totp.Validate(lr.TOTP, testSecret) {
			http.Error(w, "bad totp", http.StatusUnauthorized)
			return
		}
		fb.mu.Lock()
		fb.logins++
		fb.mu.Unlock()
		json.NewEncoder(w).Encode(loginResponse{SessionToken: "tok"})
	})
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			fb.mu.Lock()
			reject := fb.rejectNext
			fb.rejectNext = false
			fb.mu.Unlock()
			if reject || r.Header.Get("Authorization") != "Bearer tok" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	placeOrder := func(w http.ResponseWriter, r *http.Request) {
		var or orderRequest
		if err := json.NewDecoder(r.Body).Decode(&or); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fb.mu.Lock()
		fb.nextOrderID++
		id := fb.nextOrderID
		fb.orders = append(fb.orders, or)
		fb.mu.Unlock()
		json.NewEncoder(w).Encode(orderResponse{OrderID: orderID(id)})
	}
	mux.HandleFunc("/orders", authed(placeOrder))
	mux.HandleFunc("/orders/close", authed(placeOrder))
	mux.HandleFunc("/orders/settled", authed(func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		out := fb.settled
		fb.settled = nil
		fb.mu.Unlock()
		json.NewEncoder(w).Encode(out)
	}))
	return mux
}

func orderID(n int) string {
	return "ord-" + string(rune('0'+n))
}

func (fb *fakeBroker) settle(id string, accepted bool) {
	fb.mu.Lock()
	fb.settled = append(fb.settled, settlement{OrderID: id, Accepted: accepted})
	fb.mu.Unlock()
}

// applySettlements polls once and applies every outcome, standing in
// for the dispatch goroutine that owns the book.
func applySettlements(t *testing.T, c *Client, book *trade.Book) {
	t.Helper()
	outcomes, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	for _, o := range outcomes {
		if err := o.Apply(book); err != nil {
			t.Fatalf("apply outcome for %s: %v", o.TradeRef, err)
		}
	}
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:    baseURL,
		APIKey:     "key",
		ClientCode: "C123",
		PIN:        "0000",
		TOTPSecret: testSecret,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func brokerObs(bid, ask float64) model.Observation {
	return model.Observation{Bid: bid, Ask: ask, Time: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)}
}

func TestNew_Validation(t *testing.T) {
	cases := []Config{
		{APIKey: "k", ClientCode: "c", TOTPSecret: testSecret},
		{BaseURL: "http://x", ClientCode: "c", TOTPSecret: testSecret},
		{BaseURL: "http://x", APIKey: "k", TOTPSecret: testSecret},
		{BaseURL: "http://x", APIKey: "k", ClientCode: "c"},
	}
	for i, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Errorf("case %d: want config error", i)
		}
	}
}

func TestOpenSettlementLifecycle(t *testing.T) {
	fb := &fakeBroker{}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	book, err := trade.NewBook(client)
	if err != nil {
		t.Fatalf("NewBook: %v", err)
	}

	tr, err := book.Open(trade.Request{
		Ref:       "t1",
		EpicRef:   "EURUSD",
		Direction: trade.Buy,
		Quantity:  2,
	}, brokerObs(99, 101))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if tr.Status() != trade.StatusPending {
		t.Fatalf("status after submit = %v, want PENDING", tr.Status())
	}
	if got := client.PendingOrders(); got != 1 {
		t.Fatalf("PendingOrders = %d, want 1", got)
	}
	fb.mu.Lock()
	if fb.orders[0].Direction != "BUY" || fb.orders[0].Quantity != 2 {
		t.Fatalf("submitted order = %+v", fb.orders[0])
	}
	fb.mu.Unlock()

	fb.settle(orderID(1), true)
	applySettlements(t, client, book)
	if tr.Status() != trade.StatusConfirmed {
		t.Fatalf("status after settlement = %v, want CONFIRMED", tr.Status())
	}
	if got := client.PendingOrders(); got != 0 {
		t.Fatalf("PendingOrders after settlement = %d, want 0", got)
	}
}

func TestRejectedOpenSettlement(t *testing.T) {
	fb := &fakeBroker{}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	book, _ := trade.NewBook(client)

	tr, err := book.Open(trade.Request{Ref: "t1", EpicRef: "EURUSD", Direction: trade.Sell, Quantity: 1}, brokerObs(99, 101))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fb.settle(orderID(1), false)
	applySettlements(t, client, book)
	if tr.Status() != trade.StatusRejected {
		t.Fatalf("status = %v, want REJECTED", tr.Status())
	}
}

func TestCloseSettlementLifecycle(t *testing.T) {
	fb := &fakeBroker{}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	book, _ := trade.NewBook(client)

	tr, err := book.Open(trade.Request{Ref: "t1", EpicRef: "EURUSD", Direction: trade.Buy, Quantity: 2}, brokerObs(99, 101))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fb.settle(orderID(1), true)
	applySettlements(t, client, book)

	cl, err := book.Close("t1", 0, "manual", brokerObs(109, 111))
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if tr.Status() != trade.StatusClosing {
		t.Fatalf("status after close submit = %v, want CLOSING", tr.Status())
	}
	fb.mu.Lock()
	closeOrder := fb.orders[1]
	fb.mu.Unlock()
	if closeOrder.TradeRef != "t1" || closeOrder.Direction != "SELL" {
		t.Fatalf("close order = %+v", closeOrder)
	}

	fb.settle(orderID(2), true)
	applySettlements(t, client, book)
	if tr.Status() != trade.StatusClosed {
		t.Fatalf("status after close settlement = %v, want CLOSED", tr.Status())
	}
	if cl.Result != 2*(109-101) {
		t.Fatalf("close result = %v, want %v", cl.Result, 2*(109-101))
	}
}

// The poll loop must never touch the book itself: it hands outcomes to
// the goroutine that owns the book, over a channel, and that goroutine
// applies them between dispatches.
func TestRun_HandsOutcomesToBookOwner(t *testing.T) {
	fb := &fakeBroker{}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	book, _ := trade.NewBook(client)

	tr, err := book.Open(trade.Request{Ref: "t1", EpicRef: "EURUSD", Direction: trade.Buy, Quantity: 1}, brokerObs(99, 101))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fb.settle(orderID(1), true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	outCh := make(chan Outcome, 16)
	go client.Run(ctx, outCh, 5*time.Millisecond)

	select {
	case o := <-outCh:
		if tr.Status() != trade.StatusPending {
			t.Fatalf("status before apply = %v, want PENDING", tr.Status())
		}
		if err := o.Apply(book); err != nil {
			t.Fatalf("apply: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome delivered")
	}
	if tr.Status() != trade.StatusConfirmed {
		t.Fatalf("status after apply = %v, want CONFIRMED", tr.Status())
	}
}

func TestExpiredSessionRetriesLogin(t *testing.T) {
	fb := &fakeBroker{}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	if err := client.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	fb.mu.Lock()
	fb.rejectNext = true
	fb.mu.Unlock()

	book, _ := trade.NewBook(client)
	if _, err := book.Open(trade.Request{Ref: "t1", EpicRef: "EURUSD", Direction: trade.Buy, Quantity: 1}, brokerObs(99, 101)); err != nil {
		t.Fatalf("Open after expiry: %v", err)
	}
	fb.mu.Lock()
	logins := fb.logins
	fb.mu.Unlock()
	if logins != 2 {
		t.Fatalf("logins = %d, want 2 (initial + re-auth)", logins)
	}
}
