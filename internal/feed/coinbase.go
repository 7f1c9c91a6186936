// Package feed streams top-of-book quotes from the Coinbase Exchange public
// websocket into a TickSink and keeps short candle histories per symbol.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/perpsim/internal/metrics"
)

// DefaultURL is the Coinbase Exchange public feed.
const DefaultURL = "wss://ws-feed.exchange.coinbase.com"

// TickSink receives validated quotes. Bid and ask are always positive.
type TickSink interface {
	OnTick(symbol string, bid, ask decimal.Decimal, ts time.Time)
}

// Client is a reconnecting ticker-channel subscriber.
type Client struct {
	url     string
	symbols []string
	sink    TickSink
	dialer  websocket.Dialer

	minBackoff time.Duration
	maxBackoff time.Duration
	now        func() time.Time

	mu        sync.RWMutex
	lastTick  time.Time
	connected bool
	candles   map[Interval]map[string]*series
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		c.minBackoff = min
		c.maxBackoff = max
	}
}

// WithClock overrides the wall clock used for staleness.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client for symbols. Call Run to start streaming.
func New(url string, symbols []string, sink TickSink, opts ...Option) *Client {
	if url == "" {
		url = DefaultURL
	}
	c := &Client{
		url:        url,
		symbols:    symbols,
		sink:       sink,
		dialer:     websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		minBackoff: time.Second,
		maxBackoff: time.Minute,
		now:        time.Now,
		candles: map[Interval]map[string]*series{
			Interval1m: {},
			Interval4h: {},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastTick = c.now()
	return c
}

// Run connects and streams until ctx is canceled, reconnecting with
// exponential backoff. It always returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	delay := c.minBackoff
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = c.minBackoff
		}
		metrics.FeedReconnects.Inc()
		slog.Warn("coinbase ws disconnected", "err", err, "retry_in", delay.String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, c.maxBackoff)
	}
}

type subscribe struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// session runs one connection. connected reports whether the subscribe
// handshake completed.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	sub := subscribe{Type: "subscribe", ProductIDs: c.symbols, Channels: []string{"ticker"}}
	if err := conn.WriteJSON(sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	slog.Info("connected to coinbase ws", "url", c.url, "symbols", c.symbols)
	c.setConnected(true)
	defer c.setConnected(false)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		if err := c.handle(raw); err != nil {
			slog.Error("failed to parse ws message", "err", err)
		}
	}
}

// message covers the feed message types the client acts on.
type message struct {
	Type      string          `json:"type"`
	ProductID string          `json:"product_id"`
	BestBid   string          `json:"best_bid"`
	BestAsk   string          `json:"best_ask"`
	Time      string          `json:"time"`
	Message   string          `json:"message"`
	Reason    string          `json:"reason"`
	Channels  json.RawMessage `json:"channels"`
}

func (c *Client) handle(raw []byte) error {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}

	switch m.Type {
	case "ticker":
		bid, _ := decimal.NewFromString(m.BestBid)
		ask, _ := decimal.NewFromString(m.BestAsk)
		if !bid.IsPositive() || !ask.IsPositive() {
			slog.Warn("invalid ticker data", "symbol", m.ProductID, "bid", m.BestBid, "ask", m.BestAsk)
			return nil
		}
		ts, err := time.Parse(time.RFC3339Nano, m.Time)
		if err != nil {
			ts = c.now()
		}
		c.record(m.ProductID, bid, ask, ts.UTC())
		c.sink.OnTick(m.ProductID, bid, ask, ts.UTC())
	case "subscriptions":
		slog.Info("subscription confirmed", "channels", string(m.Channels))
	case "error":
		slog.Error("coinbase ws error", "message", m.Message, "reason", m.Reason)
	default:
		slog.Debug("ignored ws message", "type", m.Type)
	}
	return nil
}

func (c *Client) record(symbol string, bid, ask decimal.Decimal, ts time.Time) {
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTick = c.now()
	for iv, bySymbol := range c.candles {
		s, ok := bySymbol[symbol]
		if !ok {
			s = newSeries(iv)
			bySymbol[symbol] = s
		}
		s.update(mid, ts)
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Connected reports whether a subscribed session is open.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Candles returns a copy of the candle history for symbol, oldest first.
func (c *Client) Candles(symbol string, iv Interval) []Candle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.candles[iv][symbol]
	if !ok {
		return []Candle{}
	}
	return s.snapshot()
}

// LastTick is when the last valid quote arrived (or when the client was
// created).
func (c *Client) LastTick() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastTick
}

// Stale reports whether no valid quote has arrived for longer than max.
func (c *Client) Stale(max time.Duration) bool {
	return c.now().Sub(c.LastTick()) > max
}
