package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tmarkov/exchange/internal/auth"
	"github.com/tmarkov/exchange/internal/engine"
	"github.com/tmarkov/exchange/internal/models"
	"github.com/tmarkov/exchange/internal/store"
	"go.uber.org/zap"
)

type ctxKey string

const ctxKeyUserID ctxKey = "user_id"

// Handler contains dependencies for HTTP handlers.
type Handler struct {
	Store       store.Store
	Engine      *engine.Engine
	AuthService *auth.AuthService
	Log         *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(st store.Store, eng *engine.Engine, authService *auth.AuthService, log *zap.Logger) *Handler {
	return &Handler{Store: st, Engine: eng, AuthService: authService, Log: log}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Register handles user registration. The starting balance is in dollars
// and converted to cents at the edge.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username        string  `json:"username"`
		Email           string  `json:"email"`
		Password        string  `json:"password"`
		StartingBalance float64 `json:"starting_balance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username, email and password required")
		return
	}
	balance, err := models.DollarsToCents(req.StartingBalance)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Email, req.Password, balance)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "User already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
	})
}

// Login handles user login by email.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens and injects the user id.
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFrom(r *http.Request) (int64, bool) {
	userID, ok := r.Context().Value(ctxKeyUserID).(int64)
	return userID, ok
}

// SubmitOrder runs an order through the matching engine. Price is in
// dollars; volumes are whole shares. Responses carry cents.
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req struct {
		Side      string    `json:"side"`
		Symbol    string    `json:"symbol"`
		Volume    int64     `json:"volume"`
		Price     float64   `json:"price"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	price, err := models.DollarsToCents(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := h.Engine.Submit(r.Context(), engine.SubmitRequest{
		UserID:    userID,
		Symbol:    req.Symbol,
		Side:      models.Side(req.Side),
		Volume:    req.Volume,
		Price:     price,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrInsufficientFunds):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": "Insufficient funds", "reason": "insufficient_funds",
			})
		case errors.Is(err, engine.ErrInsufficientShares):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": "Insufficient shares", "reason": "insufficient_shares",
			})
		case errors.Is(err, engine.ErrInvalidOrder):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.Log.Error("order submission failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Failed to submit order")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"ref":              outcome.Ref,
		"status":           outcome.Status(),
		"fills":            outcome.Fills,
		"filled_volume":    outcome.FilledVolume,
		"remaining_volume": outcome.RemainingVolume,
		"resting":          outcome.Resting,
	})
}

// CancelOrder removes a resting order owned by the caller.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	side := models.Side(chi.URLParam(r, "side"))
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	if err := h.Engine.Cancel(r.Context(), userID, side, orderID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "Order not found")
		case errors.Is(err, engine.ErrInvalidOrder):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.Log.Error("order cancellation failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Failed to cancel order")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Order canceled"})
}

// GetBalance returns the caller's cash balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	user, err := h.Store.UserByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve balance")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":         user.Balance,
		"balance_dollars": models.CentsToDollars(user.Balance),
	})
}

// GetPositions returns the caller's open lots.
func (h *Handler) GetPositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	positions, err := h.Store.UserPositions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve positions")
		return
	}
	if positions == nil {
		positions = []models.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetUserOrders returns the caller's resting orders.
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	orders, err := h.Store.UserOrders(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve orders")
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetTransactions returns the caller's fill history.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	txns, err := h.Store.UserTransactions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve transactions")
		return
	}
	if txns == nil {
		txns = []models.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

// GetOrderBook returns both sides of one symbol's book in matching
// priority order, excluding expired orders.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter required")
		return
	}
	now := time.Now().UTC()

	bids, err := h.Store.BookOrders(r.Context(), symbol, models.SideBuy, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve order book")
		return
	}
	asks, err := h.Store.BookOrders(r.Context(), symbol, models.SideSell, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve order book")
		return
	}
	if bids == nil {
		bids = []models.Order{}
	}
	if asks == nil {
		asks = []models.Order{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":      symbol,
		"buy_orders":  bids,
		"sell_orders": asks,
	})
}
