// Package handler provides HTTP handlers for the cart persistence API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"cartsync/internal/middleware"
	"cartsync/internal/model"
	"cartsync/internal/service"
)

// CartService is the server-side cart API the handlers expose.
type CartService interface {
	Get(ctx context.Context, userID string) (model.Cart, error)
	AddItem(ctx context.Context, userID, productRef string, quantity int) (model.Cart, error)
	UpdateItem(ctx context.Context, userID, productRef string, quantity int) (model.Cart, error)
	RemoveItem(ctx context.Context, userID, productRef string) (model.Cart, error)
	Clear(ctx context.Context, userID string) error
	Merge(ctx context.Context, userID, key string, items []model.MergeLine) (service.MergeResult, error)
	Products() []model.Product
}

var _ CartService = (*service.Service)(nil)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc      CartService
	logger   *slog.Logger
	sessions *mcpSessions
}

// New creates a Handler over svc.
func New(svc CartService, logger *slog.Logger) *Handler {
	return &Handler{
		svc:      svc,
		logger:   logger,
		sessions: newMCPSessions(),
	}
}

// PublicPaths lists the routes served without a bearer token.
var PublicPaths = []string{"/health", "/healthz", "/products"}

// RegisterRoutes registers all HTTP routes with the given ServeMux.
// Every route except PublicPaths expects middleware.Auth in front of it.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /cart", h.handleGetCart)
	mux.HandleFunc("DELETE /cart", h.handleClearCart)
	mux.HandleFunc("POST /cart/items", h.handleAddItem)
	mux.HandleFunc("PUT /cart/items/{productRef}", h.handleUpdateItem)
	mux.HandleFunc("DELETE /cart/items/{productRef}", h.handleRemoveItem)
	mux.HandleFunc("POST /cart/merge", h.handleMerge)

	mux.HandleFunc("GET /products", h.handleProducts)

	// MCP transport - JSON-RPC endpoint using official MCP SDK
	mux.Handle("/mcp", h.NewMCPHandler())

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /healthz", h.handleHealth)
}

// handleHealth returns a simple health check response.
// GET /health, GET /healthz
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

type healthResponse struct {
	Status string `json:"status"`
}

// === Response Helpers ===

// writeJSON sends a JSON response with the given status code.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError sends an error response, extracting status/code from APIError if present.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		h.logger.ErrorContext(r.Context(), "internal error",
			slog.String("error", err.Error()),
			slog.String("request_id", middleware.RequestIDFrom(r.Context())),
		)
		apiErr = model.NewInternalError(err)
	}
	h.writeJSON(w, apiErr.StatusCode, model.ErrorResponse{Error: apiErr})
}

// MaxRequestBodySize limits JSON request bodies to 1MB.
const MaxRequestBodySize = 1 << 20

// decodeJSON reads JSON from request body into v.
// Returns an APIError if decoding fails.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.NewValidationError("body", "invalid JSON")
	}
	return nil
}

// userFrom returns the caller resolved by middleware.Auth.
func userFrom(r *http.Request) (string, error) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		return "", model.NewUnauthorizedError("authentication required")
	}
	return userID, nil
}
