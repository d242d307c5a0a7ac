package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pebble-core/internal/config"
	"pebble-core/internal/markets"
	"pebble-core/internal/ratelimit"
	"pebble-core/internal/store"
	"pebble-core/pkg/apperr"
	"pebble-core/pkg/types"
)

const (
	defaultTradeLimit = 100
	sessionTTL        = 24 * time.Hour
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	cfg    config.Config
	svcs   Services
	logger *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(cfg config.Config, svcs Services, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:    cfg,
		svcs:   svcs,
		logger: logger.With("component", "api-handlers"),
	}
}

// ——— plumbing ———

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. Internal errors are
// reported opaquely; everything else surfaces its stable code.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	var status int
	switch apperr.KindOf(err) {
	case apperr.Validation, apperr.InsufficientFunds, apperr.InsufficientPosition:
		status = http.StatusBadRequest
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.RateLimited:
		status = http.StatusTooManyRequests
	case apperr.LedgerUnavailable:
		status = http.StatusServiceUnavailable
	case apperr.LedgerRejected:
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}

	detail := errorDetail{Code: apperr.CodeOf(err), Message: err.Error()}
	if status == http.StatusInternalServerError {
		h.logger.Error("internal error", "error", err)
		detail.Message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(err, apperr.Validation, apperr.CodeInvalidRequest, "malformed request body")
	}
	return nil
}

// user authenticates the bearer session token and returns the user id.
func (h *Handlers) user(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", apperr.New(apperr.Validation, apperr.CodeAuthRequired, "bearer token required")
	}
	return h.svcs.Verifier.Verify(token)
}

// requireAdmin checks the operator key header.
func (h *Handlers) requireAdmin(r *http.Request) error {
	if r.Header.Get("X-Admin-Key") != h.cfg.AdminKey {
		return apperr.New(apperr.Validation, apperr.CodeAuthRequired, "admin key required")
	}
	return nil
}

func (h *Handlers) allow(userID string, category ratelimit.Category) error {
	if h.svcs.Limiter == nil {
		return nil
	}
	return h.svcs.Limiter.Allow(userID, category)
}

// ——— health and ops ———

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStatus reports settlement, event stream, and hub health.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svcs.Settlement.Stats()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settlement":  stats,
		"events":      h.svcs.Events.Status(),
		"connections": h.svcs.Hub.ConnectionCount(),
	})
}

// HandleIssueToken mints a session token for a user. The endpoint is for
// operators and tooling; production user authentication happens upstream.
func (h *Handlers) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	if err := h.requireAdmin(r); err != nil {
		h.writeError(w, err)
		return
	}
	var req struct {
		UserID string `json:"userId"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.UserID == "" {
		h.writeError(w, apperr.New(apperr.Validation, apperr.CodeInvalidRequest, "userId is required"))
		return
	}
	token, err := h.svcs.Verifier.Issue(req.UserID, sessionTTL)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// ——— markets ———

// HandleListMarkets lists markets, optionally filtered by ?status=.
func (h *Handlers) HandleListMarkets(w http.ResponseWriter, r *http.Request) {
	status := types.MarketStatus(r.URL.Query().Get("status"))
	markets, err := h.svcs.Markets.List(status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": markets})
}

// HandleGetMarket returns one market.
func (h *Handlers) HandleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.svcs.Markets.Get(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleBook returns the aggregated order book snapshot.
func (h *Handlers) HandleBook(w http.ResponseWriter, r *http.Request) {
	marketID := r.PathValue("id")
	if _, err := h.svcs.Markets.Get(marketID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svcs.Orders.Snapshot(marketID))
}

// HandleMarketTrades returns recent trades in a market.
func (h *Handlers) HandleMarketTrades(w http.ResponseWriter, r *http.Request) {
	marketID := r.PathValue("id")
	limit := queryLimit(r, defaultTradeLimit)
	trades, err := h.svcs.Store.ListTradesByMarket(marketID, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

// HandleCreateMarket opens a new market (admin).
func (h *Handlers) HandleCreateMarket(w http.ResponseWriter, r *http.Request) {
	if err := h.requireAdmin(r); err != nil {
		h.writeError(w, err)
		return
	}
	var req markets.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	m, err := h.svcs.Markets.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// HandleCloseMarket stops trading on a market (admin).
func (h *Handlers) HandleCloseMarket(w http.ResponseWriter, r *http.Request) {
	if err := h.requireAdmin(r); err != nil {
		h.writeError(w, err)
		return
	}
	m, err := h.svcs.Markets.Close(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleResolveMarket resolves a closed market (admin).
func (h *Handlers) HandleResolveMarket(w http.ResponseWriter, r *http.Request) {
	if err := h.requireAdmin(r); err != nil {
		h.writeError(w, err)
		return
	}
	var req struct {
		Outcome *bool `json:"outcome"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Outcome == nil {
		h.writeError(w, apperr.New(apperr.Validation, apperr.CodeInvalidRequest, "outcome is required"))
		return
	}
	m, err := h.svcs.Markets.Resolve(r.Context(), r.PathValue("id"), *req.Outcome)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ——— orders ———

// HandlePlaceOrder places an order for the authenticated user. The
// Idempotency-Key header makes retries safe.
func (h *Handlers) HandlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := h.user(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.allow(userID, ratelimit.CategoryOrder); err != nil {
		h.writeError(w, err)
		return
	}
	var req types.PlaceOrderRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	result, err := h.svcs.Orders.PlaceOrder(r.Context(), userID, req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// HandleCancelOrder cancels a resting order owned by the caller.
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := h.user(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.allow(userID, ratelimit.CategoryCancel); err != nil {
		h.writeError(w, err)
		return
	}
	order, err := h.svcs.Orders.CancelOrder(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// HandleGetOrder returns one of the caller's orders.
func (h *Handlers) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := h.user(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	order, err := h.svcs.Orders.GetOrder(userID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// HandleListOrders lists the caller's orders, filtered by ?marketId= and
// ?status=.
func (h *Handlers) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	userID, err := h.user(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.allow(userID, ratelimit.CategoryRead); err != nil {
		h.writeError(w, err)
		return
	}
	filter := store.OrderFilter{
		MarketID: r.URL.Query().Get("marketId"),
		Status:   types.OrderStatus(r.URL.Query().Get("status")),
		Limit:    queryLimit(r, defaultTradeLimit),
	}
	orders, err := h.svcs.Orders.ListOrders(userID, filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// ——— accounts ———

// HandleOnboard provisions a ledger party and account for a user (admin).
func (h *Handlers) HandleOnboard(w http.ResponseWriter, r *http.Request) {
	if err := h.requireAdmin(r); err != nil {
		h.writeError(w, err)
		return
	}
	var req struct {
		UserID string `json:"userId"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	account, err := h.svcs.Accounts.Onboard(r.Context(), req.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

// HandleGetAccount returns the caller's balances.
func (h *Handlers) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := h.user(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	account, err := h.svcs.Accounts.Get(userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
	TxID   string          `json:"txId,omitempty"`
}

// HandleDeposit credits external funds to the caller's account.
func (h *Handlers) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	userID, err := h.user(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	account, err := h.svcs.Accounts.Deposit(r.Context(), userID, req.TxID, req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// HandleWithdraw debits available funds.
func (h *Handlers) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	userID, err := h.user(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	account, err := h.svcs.Accounts.Withdraw(r.Context(), userID, req.TxID, req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// HandleFaucet grants capped test money.
func (h *Handlers) HandleFaucet(w http.ResponseWriter, r *http.Request) {
	userID, err := h.user(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	account, err := h.svcs.Accounts.Faucet(r.Context(), userID, req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// ——— positions and trades ———

// HandleListPositions returns the caller's active positions.
func (h *Handlers) HandleListPositions(w http.ResponseWriter, r *http.Request) {
	userID, err := h.user(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.allow(userID, ratelimit.CategoryRead); err != nil {
		h.writeError(w, err)
		return
	}
	positions, err := h.svcs.Positions.List(userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

type marketRequest struct {
	MarketID string `json:"marketId"`
}

// HandleRedeem redeems the caller's winning shares in a resolved market.
func (h *Handlers) HandleRedeem(w http.ResponseWriter, r *http.Request) {
	userID, err := h.user(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req marketRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	result, err := h.svcs.Positions.Redeem(r.Context(), userID, req.MarketID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleMerge burns the caller's matched YES/NO pairs back into collateral.
func (h *Handlers) HandleMerge(w http.ResponseWriter, r *http.Request) {
	userID, err := h.user(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req marketRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	result, err := h.svcs.Positions.Merge(r.Context(), userID, req.MarketID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleUserTrades returns the caller's trade history.
func (h *Handlers) HandleUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, err := h.user(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.allow(userID, ratelimit.CategoryRead); err != nil {
		h.writeError(w, err)
		return
	}
	trades, err := h.svcs.Store.ListTradesForUser(userID, queryLimit(r, defaultTradeLimit))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return fallback
	}
	return n
}
