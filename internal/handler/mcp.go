// MCP transport for the cart API using the official MCP Go SDK.
// Each MCP session is bound to the user that opened it.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"cartsync/internal/middleware"
	"cartsync/internal/model"
)

const mcpSessionHeader = "Mcp-Session-Id"

// === MCP Tool Input Types ===

// GetCartInput is the input schema for get_cart.
type GetCartInput struct{}

// AddItemInput is the input schema for add_item.
type AddItemInput struct {
	ProductRef string `json:"product_ref" jsonschema:"catalog product reference"`
	Quantity   int    `json:"quantity" jsonschema:"units to add, at least 1"`
}

// UpdateItemInput is the input schema for update_item.
type UpdateItemInput struct {
	ProductRef string `json:"product_ref" jsonschema:"product reference of an existing line"`
	Quantity   int    `json:"quantity" jsonschema:"new quantity, at least 1"`
}

// RemoveItemInput is the input schema for remove_item.
type RemoveItemInput struct {
	ProductRef string `json:"product_ref" jsonschema:"product reference of the line to remove"`
}

// ClearCartInput is the input schema for clear_cart.
type ClearCartInput struct{}

// MergeItemsInput is the input schema for merge_items.
type MergeItemsInput struct {
	MergeKey string            `json:"merge_key,omitempty" jsonschema:"idempotency key; a repeated key is applied once"`
	Items    []model.MergeLine `json:"items" jsonschema:"guest cart lines to merge"`
}

// NewMCPServer creates an MCP server whose tools act on userID's cart.
func (h *Handler) NewMCPServer(userID string) *mcp.Server {
	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    "cartsync",
			Version: "1.0.0",
		},
		&mcp.ServerOptions{
			Instructions: "Shopping cart for the signed-in user. " +
				"Read the cart, change line quantities, or merge a guest cart.",
		},
	)

	t := &mcpTools{h: h, userID: userID}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_cart",
		Description: "Get the current cart with subtotal and item count.",
	}, t.getCart)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_item",
		Description: "Add a product to the cart, or increase the quantity of its line.",
	}, t.addItem)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "update_item",
		Description: "Set the quantity of a line already in the cart.",
	}, t.updateItem)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "remove_item",
		Description: "Remove a line from the cart.",
	}, t.removeItem)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "clear_cart",
		Description: "Remove every line from the cart.",
	}, t.clearCart)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "merge_items",
		Description: "Merge guest cart lines into the cart. Quantities of matching products are summed.",
	}, t.mergeItems)

	return server
}

// NewMCPHandler returns an HTTP handler for the MCP endpoint.
// It must sit behind middleware.Auth; a session can only be used by the
// user that initialized it.
func (h *Handler) NewMCPHandler() http.Handler {
	inner := mcp.NewStreamableHTTPHandler(
		func(r *http.Request) *mcp.Server {
			userID, ok := middleware.UserIDFrom(r.Context())
			if !ok {
				return nil
			}
			return h.NewMCPServer(userID)
		},
		nil,
	)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := userFrom(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		if sid := r.Header.Get(mcpSessionHeader); sid != "" {
			if owner, ok := h.sessions.owner(sid); ok && owner != userID {
				h.logger.WarnContext(r.Context(), "mcp session used by another user",
					"session_id", sid, "user_id", userID)
				h.writeError(w, r, model.NewNotFoundError("session"))
				return
			}
			if r.Method == http.MethodDelete {
				defer h.sessions.forget(sid)
			}
		}

		inner.ServeHTTP(&sessionRecorder{ResponseWriter: w, sessions: h.sessions, userID: userID}, r)
	})
}

// mcpSessions maps MCP session ids to the user that created them.
type mcpSessions struct {
	mu     sync.Mutex
	owners map[string]string
}

func newMCPSessions() *mcpSessions {
	return &mcpSessions{owners: make(map[string]string)}
}

func (s *mcpSessions) owner(sid string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.owners[sid]
	return u, ok
}

func (s *mcpSessions) bind(sid, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[sid]; !ok {
		s.owners[sid] = userID
	}
}

func (s *mcpSessions) forget(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owners, sid)
}

// sessionRecorder binds a newly issued session id before the response
// reaches the client.
type sessionRecorder struct {
	http.ResponseWriter
	sessions *mcpSessions
	userID   string
	bound    bool
}

func (w *sessionRecorder) bindOnce() {
	if w.bound {
		return
	}
	w.bound = true
	if sid := w.Header().Get(mcpSessionHeader); sid != "" {
		w.sessions.bind(sid, w.userID)
	}
}

func (w *sessionRecorder) WriteHeader(status int) {
	w.bindOnce()
	w.ResponseWriter.WriteHeader(status)
}

func (w *sessionRecorder) Write(b []byte) (int, error) {
	w.bindOnce()
	return w.ResponseWriter.Write(b)
}

func (w *sessionRecorder) Flush() {
	w.bindOnce()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *sessionRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// === Tool Handlers ===

type mcpTools struct {
	h      *Handler
	userID string
}

func (t *mcpTools) getCart(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetCartInput,
) (*mcp.CallToolResult, *model.CartResponse, error) {
	cart, err := t.h.svc.Get(ctx, t.userID)
	return t.result(cart, err)
}

func (t *mcpTools) addItem(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input AddItemInput,
) (*mcp.CallToolResult, *model.CartResponse, error) {
	if input.ProductRef == "" {
		return nil, nil, fmt.Errorf("product_ref is required")
	}
	cart, err := t.h.svc.AddItem(ctx, t.userID, input.ProductRef, input.Quantity)
	return t.result(cart, err)
}

func (t *mcpTools) updateItem(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input UpdateItemInput,
) (*mcp.CallToolResult, *model.CartResponse, error) {
	if input.ProductRef == "" {
		return nil, nil, fmt.Errorf("product_ref is required")
	}
	cart, err := t.h.svc.UpdateItem(ctx, t.userID, input.ProductRef, input.Quantity)
	return t.result(cart, err)
}

func (t *mcpTools) removeItem(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input RemoveItemInput,
) (*mcp.CallToolResult, *model.CartResponse, error) {
	if input.ProductRef == "" {
		return nil, nil, fmt.Errorf("product_ref is required")
	}
	cart, err := t.h.svc.RemoveItem(ctx, t.userID, input.ProductRef)
	return t.result(cart, err)
}

func (t *mcpTools) clearCart(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ClearCartInput,
) (*mcp.CallToolResult, *model.CartResponse, error) {
	if err := t.h.svc.Clear(ctx, t.userID); err != nil {
		return nil, nil, t.h.mcpError(err)
	}
	return t.result(model.EmptyCart(model.OriginAuthenticated), nil)
}

func (t *mcpTools) mergeItems(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input MergeItemsInput,
) (*mcp.CallToolResult, *model.CartResponse, error) {
	res, err := t.h.svc.Merge(ctx, t.userID, input.MergeKey, input.Items)
	if err != nil {
		return nil, nil, t.h.mcpError(err)
	}
	if len(res.Skipped) > 0 {
		t.h.logger.WarnContext(ctx, "merge skipped unknown products",
			"user_id", t.userID, "product_refs", res.Skipped)
	}
	return t.result(res.Cart, nil)
}

func (t *mcpTools) result(cart model.Cart, err error) (*mcp.CallToolResult, *model.CartResponse, error) {
	if err != nil {
		return nil, nil, t.h.mcpError(err)
	}
	resp := model.ToResponse(cart)
	return nil, &resp, nil
}

// mcpError converts service errors to MCP-friendly errors.
func (h *Handler) mcpError(err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
	}
	h.logger.Error("mcp internal error", "error", err.Error())
	return fmt.Errorf("internal error")
}
