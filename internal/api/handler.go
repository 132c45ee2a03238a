// Package api exposes the wallet service over HTTP: auth, transfer
// submission, history and notifications. Routing is gorilla/mux;
// request metrics are Prometheus counters and histograms labeled by
// method, endpoint and status.
package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/custodia-tech/walletd/internal/auth"
	"github.com/custodia-tech/walletd/internal/domain"
	"github.com/custodia-tech/walletd/internal/ledger"
	"github.com/custodia-tech/walletd/internal/store"
)

var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletd_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "walletd_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	store   store.Store
	engine  *ledger.Engine
	gateway *auth.Gateway
	logger  *slog.Logger
}

func NewHandler(s store.Store, engine *ledger.Engine, gateway *auth.Gateway, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: s, engine: engine, gateway: gateway, logger: logger}
}

type registerRequest struct {
	Password string `json:"password"`
}

type loginRequest struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}

type importRequest struct {
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
}

type transferRequest struct {
	Source string `json:"source_account"`
	Dest   string `json:"dest_account"`
	Amount int64  `json:"amount"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/auth/register")
		return
	}

	wallet, err := h.gateway.Register(r.Context(), req.Password)
	if err != nil {
		h.respondMapped(w, err, "POST", "/auth/register")
		return
	}
	h.respondJSON(w, http.StatusCreated, wallet, "POST", "/auth/register")
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/auth/login")
		return
	}

	session, err := h.gateway.Login(r.Context(), req.Address, req.Password)
	if err != nil {
		h.respondMapped(w, err, "POST", "/auth/login")
		return
	}
	h.respondJSON(w, http.StatusOK, session, "POST", "/auth/login")
}

func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/auth/import")
		return
	}
	if req.Address == "" || req.PrivateKey == "" {
		h.respondError(w, http.StatusBadRequest, "Address and private key required", "POST", "/auth/import")
		return
	}

	wallet, err := h.gateway.Import(r.Context(), req.Address, req.PrivateKey)
	if err != nil {
		h.respondMapped(w, err, "POST", "/auth/import")
		return
	}
	h.respondJSON(w, http.StatusOK, wallet, "POST", "/auth/import")
}

func (h *Handler) VerifyWallet(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	exists, err := h.gateway.Verify(r.Context(), address)
	if err != nil {
		h.respondMapped(w, err, "GET", "/auth/verify/{address}")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"exists": exists, "address": address},
		"GET", "/auth/verify/{address}")
}

// GetWallet returns the authenticated caller's own account.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request, address string) {
	account, err := h.store.GetAccount(r.Context(), address)
	if err != nil {
		h.respondMapped(w, err, "GET", "/wallet")
		return
	}
	h.respondJSON(w, http.StatusOK, account, "GET", "/wallet")
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	account, err := h.store.GetAccount(r.Context(), address)
	if err != nil {
		h.respondMapped(w, err, "GET", "/accounts/{address}")
		return
	}
	h.respondJSON(w, http.StatusOK, account, "GET", "/accounts/{address}")
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request, address string) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/transfers"))
	defer timer.ObserveDuration()

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		h.respondError(w, http.StatusBadRequest, "Missing Idempotency-Key header", "POST", "/transfers")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Stream read error", "POST", "/transfers")
		return
	}
	r.Body = io.NopCloser(bytes.NewBuffer(body))
	hash := sha256.Sum256(body)
	reqHash := hex.EncodeToString(hash[:])

	var req transferRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/transfers")
		return
	}
	if req.Source == "" {
		req.Source = address
	}
	if req.Source != address {
		h.respondError(w, http.StatusForbidden, "Source account does not match bearer token", "POST", "/transfers")
		return
	}

	outcome, err := h.engine.Submit(r.Context(), domain.SubmitRequest{
		Source:         req.Source,
		Dest:           req.Dest,
		Amount:         req.Amount,
		IdempotencyKey: idemKey,
		RequestHash:    reqHash,
	})
	if err != nil {
		if outcome != nil {
			// A finalized rejection is still a structured result.
			h.respondJSON(w, statusFor(err), map[string]any{
				"error":            err.Error(),
				"transfer_id":      outcome.TransferID,
				"status":           outcome.Status,
				"rejection_reason": outcome.RejectReason,
			}, "POST", "/transfers")
			return
		}
		h.respondMapped(w, err, "POST", "/transfers")
		return
	}

	code := http.StatusCreated
	if outcome.Replayed {
		code = http.StatusOK
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/%s", outcome.TransferID))
	h.respondJSON(w, code, outcome, "POST", "/transfers")
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	transfer, err := h.store.GetTransfer(r.Context(), id)
	if err != nil {
		h.respondMapped(w, err, "GET", "/transfers/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, transfer, "GET", "/transfers/{id}")
}

func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	cursor, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid cursor", "GET", "/accounts/{address}/transfers")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	transfers, next, err := h.store.ListTransfers(r.Context(), address, cursor, limit)
	if err != nil {
		h.respondMapped(w, err, "GET", "/accounts/{address}/transfers")
		return
	}
	if transfers == nil {
		transfers = []domain.Transfer{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"transfers":   transfers,
		"next_cursor": encodeCursor(next),
	}, "GET", "/accounts/{address}/transfers")
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request, address string) {
	notifications, err := h.store.ListNotifications(r.Context(), address)
	if err != nil {
		h.respondMapped(w, err, "GET", "/notifications")
		return
	}
	if notifications == nil {
		notifications = []domain.Notification{}
	}
	h.respondJSON(w, http.StatusOK, notifications, "GET", "/notifications")
}

func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request, address string) {
	id := mux.Vars(r)["id"]
	if !h.ownsNotification(w, r, id, address, "PUT", "/notifications/{id}/read") {
		return
	}

	notification, err := h.store.MarkNotificationRead(r.Context(), id)
	if err != nil {
		h.respondMapped(w, err, "PUT", "/notifications/{id}/read")
		return
	}
	h.respondJSON(w, http.StatusOK, notification, "PUT", "/notifications/{id}/read")
}

func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request, address string) {
	id := mux.Vars(r)["id"]
	if !h.ownsNotification(w, r, id, address, "DELETE", "/notifications/{id}") {
		return
	}

	if err := h.store.DeleteNotification(r.Context(), id); err != nil {
		h.respondMapped(w, err, "DELETE", "/notifications/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"message": "Notification deleted successfully"},
		"DELETE", "/notifications/{id}")
}

func (h *Handler) ownsNotification(w http.ResponseWriter, r *http.Request, id, address, method, endpoint string) bool {
	owned, err := h.store.ListNotifications(r.Context(), address)
	if err != nil {
		h.respondMapped(w, err, method, endpoint)
		return false
	}
	for _, n := range owned {
		if n.ID == id {
			return true
		}
	}
	h.respondError(w, http.StatusNotFound, "Notification not found", method, endpoint)
	return false
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

// requireAuth resolves the bearer token through the auth gateway and
// hands the wallet address to the wrapped handler.
func (h *Handler) requireAuth(endpoint string, next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			h.respondError(w, http.StatusUnauthorized, "Missing bearer token", r.Method, endpoint)
			return
		}
		address, err := h.gateway.Authenticate(token)
		if err != nil {
			h.respondError(w, http.StatusUnauthorized, "Invalid authentication credentials", r.Method, endpoint)
			return
		}
		next(w, r, address)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateInFlight), errors.Is(err, ledger.ErrContention):
		return http.StatusConflict
	case errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, store.ErrIdempotencyMismatch),
		errors.Is(err, store.ErrAccountClosed),
		errors.Is(err, ledger.ErrInvalidTransfer),
		errors.Is(err, ledger.ErrExpired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrDuplicateAccount):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondMapped(w http.ResponseWriter, err error, method, endpoint string) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("method", method),
			slog.String("endpoint", endpoint),
			slog.String("error", msg))
		msg = "Internal Server Error"
	}
	h.respondError(w, code, msg, method, endpoint)
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload any, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}

func encodeCursor(seq int64) string {
	if seq == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(seq, 10)))
}

func decodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}
