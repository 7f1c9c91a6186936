// Package trade provides the HTTP handlers for placing and canceling
// orders against a trading backend and for querying account state, market
// data and the persisted audit trail.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perpsim/internal/broker"
	"github.com/atmx/perpsim/internal/feed"
	"github.com/atmx/perpsim/internal/metrics"
	"github.com/atmx/perpsim/internal/model"
	"github.com/atmx/perpsim/internal/risk"
	"github.com/atmx/perpsim/internal/store"
)

// maxListLimit caps ?limit= on list endpoints.
const maxListLimit = 1000

// staleAfter is how long without quotes before the feed reports degraded.
const staleAfter = 2 * time.Minute

// FeedStatus is the read side of the market-data feed.
type FeedStatus interface {
	Connected() bool
	LastTick() time.Time
	Stale(max time.Duration) bool
	Candles(symbol string, iv feed.Interval) []feed.Candle
}

// Service serves the order and reporting API.
type Service struct {
	backend   broker.Backend
	store     store.Store
	validator *risk.Validator
	symbols   []string
	feed      FeedStatus // optional
}

// NewService creates a new trade service. symbols is the default set for
// market queries. Pass nil for validator to skip pre-trade checks.
func NewService(b broker.Backend, st store.Store, v *risk.Validator, symbols []string) *Service {
	return &Service{
		backend:   b,
		store:     st,
		validator: v,
		symbols:   symbols,
	}
}

// SetFeed attaches the market-data feed for health and candle endpoints.
func (s *Service) SetFeed(f FeedStatus) {
	s.feed = f
}

// --- Request/Response types ---

// OrderRequest is one order in a POST /orders batch.
type OrderRequest struct {
	Symbol      string           `json:"symbol"`
	Side        model.Side       `json:"side"`
	Qty         decimal.Decimal  `json:"qty"`
	Type        model.OrderType  `json:"order_type"` // empty → market
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty"`
	TimeInForce string           `json:"time_in_force,omitempty"`
	ReduceOnly  bool             `json:"reduce_only,omitempty"`
	ClientID    string           `json:"client_id,omitempty"` // empty → generated
	Leverage    decimal.Decimal  `json:"leverage"`
}

func (o OrderRequest) order() model.Order {
	typ := o.Type
	if typ == "" {
		typ = model.OrderTypeMarket
	}
	return model.Order{
		Symbol:      o.Symbol,
		Side:        o.Side,
		Qty:         o.Qty,
		Type:        typ,
		LimitPrice:  o.LimitPrice,
		TimeInForce: o.TimeInForce,
		ReduceOnly:  o.ReduceOnly,
		ClientID:    o.ClientID,
		Leverage:    o.Leverage,
	}
}

// PlaceOrdersRequest is the JSON body for POST /orders.
type PlaceOrdersRequest struct {
	Orders []OrderRequest `json:"orders"`
}

// PlaceOrdersResponse carries one result per submitted order, in order.
type PlaceOrdersResponse struct {
	Results []model.PlacedOrder `json:"results"`
}

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status  string      `json:"status"`
	Service string      `json:"service"`
	Feed    *FeedHealth `json:"feed,omitempty"`
}

// FeedHealth reports market-data liveness.
type FeedHealth struct {
	Connected bool      `json:"connected"`
	Stale     bool      `json:"stale"`
	LastTick  time.Time `json:"last_tick"`
}

// --- HTTP Handlers ---

// Health handles GET /health
func (s *Service) Health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Service: "perpsim"}
	if s.feed != nil {
		fh := &FeedHealth{
			Connected: s.feed.Connected(),
			Stale:     s.feed.Stale(staleAfter),
			LastTick:  s.feed.LastTick(),
		}
		if fh.Stale {
			resp.Status = "degraded"
		}
		resp.Feed = fh
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAccount handles GET /api/v1/account
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.GetAccountState(r.Context()))
}

// GetMarkets handles GET /api/v1/markets?symbols=BTC-USD,ETH-USD
// Symbols without cached data are omitted.
func (s *Service) GetMarkets(w http.ResponseWriter, r *http.Request) {
	symbols := s.symbols
	if raw := r.URL.Query().Get("symbols"); raw != "" {
		symbols = splitSymbols(raw)
	}
	writeJSON(w, http.StatusOK, s.backend.GetMarketState(r.Context(), symbols))
}

// GetLimits handles GET /api/v1/limits
func (s *Service) GetLimits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Limits())
}

// PlaceOrders handles POST /api/v1/orders
// Each order is checked by the risk validator, then handed to the backend.
// Rejections are reported per order; the response is 200 unless the body
// itself is malformed.
func (s *Service) PlaceOrders(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrdersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Orders) == 0 {
		writeError(w, "orders must not be empty", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	orders := make([]model.Order, len(req.Orders))
	for i, o := range req.Orders {
		orders[i] = o.order()
		if orders[i].ClientID == "" {
			orders[i].ClientID = uuid.New().String()
		}
	}

	checks := make([]error, len(orders))
	if s.validator != nil {
		checks = s.validator.CheckBatch(orders, s.marks(r, orders), s.exposures(r))
	}

	results := make([]model.PlacedOrder, len(orders))
	for i, o := range orders {
		if err := checks[i]; err != nil {
			metrics.OrderRejections.WithLabelValues(rejectReason(err)).Inc()
			results[i] = model.PlacedOrder{ClientID: o.ClientID, Error: err.Error()}
			continue
		}
		results[i] = s.backend.PlaceOrder(ctx, o)
	}

	writeJSON(w, http.StatusOK, PlaceOrdersResponse{Results: results})
}

// marks prices market orders at the current mark of their symbol.
func (s *Service) marks(r *http.Request, orders []model.Order) map[string]decimal.Decimal {
	seen := make(map[string]bool)
	var symbols []string
	for _, o := range orders {
		if !seen[o.Symbol] {
			seen[o.Symbol] = true
			symbols = append(symbols, o.Symbol)
		}
	}
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, m := range s.backend.GetMarketState(r.Context(), symbols).Markets {
		out[m.Symbol] = m.Mark
	}
	return out
}

// exposures returns the signed notional of each open position.
func (s *Service) exposures(r *http.Request) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, p := range s.backend.GetAccountState(r.Context()).Positions {
		n := p.Notional
		if p.Qty.IsNegative() {
			n = n.Neg()
		}
		out[p.Symbol] = n
	}
	return out
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, risk.ErrInvalidSymbol):
		return "risk_symbol"
	case errors.Is(err, risk.ErrTickMisaligned):
		return "risk_tick"
	case errors.Is(err, risk.ErrBelowMinNotional):
		return "risk_min_notional"
	case errors.Is(err, risk.ErrLeverageTooHigh):
		return "risk_leverage"
	case errors.Is(err, risk.ErrNoPrice):
		return "risk_no_price"
	case errors.Is(err, risk.ErrDuplicateClientID):
		return "risk_duplicate"
	case errors.Is(err, risk.ErrSymbolLimit), errors.Is(err, risk.ErrAggregateLimit):
		return "risk_exposure"
	}
	return "risk_other"
}

// CancelOrder handles DELETE /api/v1/orders/{clientID}
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	res := s.backend.CancelOrder(r.Context(), clientID)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusNotFound
	}
	writeJSON(w, status, res)
}

// ListOrders handles GET /api/v1/orders
// Returns resting limit orders, oldest first.
func (s *Service) ListOrders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.OpenOrders())
}

// Reconcile handles POST /api/v1/reconcile
func (s *Service) Reconcile(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Reconcile(r.Context()); err != nil {
		writeError(w, "reconcile failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.backend.GetAccountState(r.Context()))
}

// ListTrades handles GET /api/v1/trades?limit=N
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	trades, err := s.store.ListTrades(r.Context(), limit)
	if err != nil {
		slog.Error("list trades failed", "err", err)
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListPositions handles GET /api/v1/positions
// Returns positions as of the last reconcile.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositions(r.Context())
	if err != nil {
		slog.Error("list positions failed", "err", err)
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.PositionRecord{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// ListEquity handles GET /api/v1/equity?limit=N
func (s *Service) ListEquity(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	snaps, err := s.store.ListEquitySnapshots(r.Context(), limit)
	if err != nil {
		slog.Error("list equity failed", "err", err)
		writeError(w, "failed to list equity snapshots", http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []model.EquitySnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// ListChat handles GET /api/v1/chat?limit=N
func (s *Service) ListChat(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	msgs, err := s.store.ListChat(r.Context(), limit)
	if err != nil {
		slog.Error("list chat failed", "err", err)
		writeError(w, "failed to list chat", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []model.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// GetCandles handles GET /api/v1/candles/{symbol}?interval=1m|4h
func (s *Service) GetCandles(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, "market data feed not running", http.StatusServiceUnavailable)
		return
	}
	iv, ok := feed.ParseInterval(r.URL.Query().Get("interval"))
	if !ok {
		writeError(w, "interval must be 1m or 4h", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.feed.Candles(chi.URLParam(r, "symbol"), iv))
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return store.DefaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return min(n, maxListLimit), true
}

func splitSymbols(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
