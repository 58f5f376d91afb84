// Package broker implements a trade provider backed by an HTTP order
// API secured by TOTP session login. Order submissions are
// asynchronous: trades stay PENDING until a settlement is pulled and
// applied to the book through its Resolve calls.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"tickframe/internal/model"
	"tickframe/internal/trade"
)

// Config carries the broker session credentials.
type Config struct {
	BaseURL    string
	APIKey     string
	ClientCode string
	PIN        string
	TOTPSecret string

	// Timeout bounds each HTTP call. Defaults to 10s.
	Timeout time.Duration

	Logger *slog.Logger
}

// submission tracks an in-flight order until the broker settles it.
type submission struct {
	tradeRef string
	closeRef string // empty for opens
}

// Client submits opens and closes over HTTP. It satisfies
// trade.Provider.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger

	mu      sync.Mutex
	token   string
	pending map[string]submission // broker order id -> subject
}

// New validates the credentials and returns a logged-out client. The
// first submission triggers a session login.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" || cfg.ClientCode == "" || cfg.TOTPSecret == "" {
		return nil, fmt.Errorf("%w: broker base URL, api key, client code and totp secret are required", model.ErrConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     cfg.Logger.With("component", "broker"),
		pending: make(map[string]submission),
	}, nil
}

type loginRequest struct {
	ClientCode string `json:"client_code"`
	PIN        string `json:"pin"`
	TOTP       string `json:"totp"`
}

type loginResponse struct {
	SessionToken string `json:"session_token"`
}

// Login generates a fresh TOTP code and opens a session. Safe to call
// concurrently; the newest token wins.
func (c *Client) Login(ctx context.Context) error {
	code, err := totp.GenerateCode(c.cfg.TOTPSecret, time.Now())
	if err != nil {
		return fmt.Errorf("%w: totp generation: %v", model.ErrConfig, err)
	}
	body, _ := json.Marshal(loginRequest{ClientCode: c.cfg.ClientCode, PIN: c.cfg.PIN, TOTP: code})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/session/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("broker login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("broker login: status %d: %s", resp.StatusCode, b)
	}
	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("broker login: decode: %w", err)
	}
	c.mu.Lock()
	c.token = lr.SessionToken
	c.mu.Unlock()
	c.log.Info("broker session opened", "client_code", c.cfg.ClientCode)
	return nil
}

func (c *Client) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}
	if err := c.Login(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	token = c.token
	c.mu.Unlock()
	return token, nil
}

type orderRequest struct {
	Ref       string  `json:"ref"`
	EpicRef   string  `json:"epic_ref"`
	Direction string  `json:"direction"`
	Quantity  float64 `json:"quantity"`
	TradeRef  string  `json:"trade_ref,omitempty"` // set on close orders
}

type orderResponse struct {
	OrderID string `json:"order_id"`
}

// SubmitOpen places an open order. The trade transitions to PENDING
// and stays there until the order settles.
func (c *Client) SubmitOpen(t *trade.Trade) error {
	or, err := c.placeOrder("/orders", orderRequest{
		Ref:       t.Ref,
		EpicRef:   t.EpicRef,
		Direction: t.Direction.String(),
		Quantity:  t.Quantity,
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.pending[or.OrderID] = submission{tradeRef: t.Ref}
	c.mu.Unlock()
	c.log.Info("open order submitted", "order_id", or.OrderID, "trade_ref", t.Ref)
	return nil
}

// SubmitClose places a close order against an open trade.
func (c *Client) SubmitClose(t *trade.Trade, cl *trade.Close) error {
	or, err := c.placeOrder("/orders/close", orderRequest{
		Ref:       cl.Ref,
		EpicRef:   t.EpicRef,
		Direction: (-t.Direction).String(),
		Quantity:  cl.Quantity,
		TradeRef:  t.Ref,
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.pending[or.OrderID] = submission{tradeRef: t.Ref, closeRef: cl.Ref}
	c.mu.Unlock()
	c.log.Info("close order submitted", "order_id", or.OrderID, "trade_ref", t.Ref, "close_ref", cl.Ref)
	return nil
}

func (c *Client) placeOrder(path string, or orderRequest) (*orderResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, path, or)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("broker order: status %d: %s", resp.StatusCode, b)
	}
	var out orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("broker order: decode: %w", err)
	}
	return &out, nil
}

// do issues an authenticated request, re-logging in once on a 401.
func (c *Client) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.sessionToken(ctx)
		if err != nil {
			return nil, err
		}
		var body io.Reader
		if payload != nil {
			b, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", c.cfg.APIKey)
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
			c.log.Warn("broker session expired, re-authenticating")
			continue
		}
		return resp, nil
	}
}

type settlement struct {
	OrderID  string `json:"order_id"`
	Accepted bool   `json:"accepted"`
}

// Outcome is one settled order mapped back to the trade it belongs to.
// The poller never touches the book: outcomes are handed to the
// goroutine that owns it and applied there.
type Outcome struct {
	TradeRef string
	CloseRef string // empty for opens
	Accepted bool
}

// Apply resolves the outcome against the book. Must be called from the
// goroutine the book is confined to.
func (o Outcome) Apply(book *trade.Book) error {
	if o.CloseRef == "" {
		return book.Resolve(o.TradeRef, o.Accepted)
	}
	return book.ResolveClose(o.TradeRef, o.CloseRef, o.Accepted)
}

// Poll pulls settled orders and maps them to outcomes. Unknown order
// ids are ignored; they belong to other sessions.
func (c *Client) Poll(ctx context.Context) ([]Outcome, error) {
	resp, err := c.do(ctx, http.MethodGet, "/orders/settled", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("broker settlements: status %d: %s", resp.StatusCode, b)
	}
	var settled []settlement
	if err := json.NewDecoder(resp.Body).Decode(&settled); err != nil {
		return nil, fmt.Errorf("broker settlements: decode: %w", err)
	}

	var outcomes []Outcome
	for _, s := range settled {
		c.mu.Lock()
		sub, ok := c.pending[s.OrderID]
		if ok {
			delete(c.pending, s.OrderID)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}
		c.log.Info("order settled", "order_id", s.OrderID, "trade_ref", sub.tradeRef, "accepted", s.Accepted)
		outcomes = append(outcomes, Outcome{TradeRef: sub.tradeRef, CloseRef: sub.closeRef, Accepted: s.Accepted})
	}
	return outcomes, nil
}

// Run polls for settlements at the given interval until ctx is done,
// pushing outcomes into outCh for the book's goroutine to apply.
func (c *Client) Run(ctx context.Context, outCh chan<- Outcome, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			outcomes, err := c.Poll(ctx)
			if err != nil {
				c.log.Warn("settlement poll failed", "err", err)
				continue
			}
			for _, o := range outcomes {
				select {
				case outCh <- o:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// PendingOrders reports how many submissions await settlement.
func (c *Client) PendingOrders() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
