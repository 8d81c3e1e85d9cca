package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cartsync/internal/model"
)

// jsonrpcRequest is a JSON-RPC 2.0 request structure for testing.
type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// jsonrpcResponse is a JSON-RPC 2.0 response structure for testing.
type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// toolCallParams represents the params for tools/call method.
type toolCallParams struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments,omitempty"`
}

// callToolResult is the expected result structure from a tool call.
type callToolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

func TestMCPServerCreation(t *testing.T) {
	h, _ := testHandler(nil)
	if h.NewMCPServer("alice") == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPRequiresToken(t *testing.T) {
	_, srv := testHandler(nil)

	req := httptest.NewRequest("POST", "/mcp", strings.NewReader(`{}`))
	setMCPHeaders(req, "", "")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestMCPInitialize(t *testing.T) {
	_, srv := testHandler(nil)

	sessionID := initMCPSession(t, srv, "tok-alice")

	if sessionID == "" {
		t.Error("expected Mcp-Session-Id header")
	}
}

func TestMCPToolsList(t *testing.T) {
	_, srv := testHandler(nil)
	sessionID := initMCPSession(t, srv, "tok-alice")

	resp := mcpCall(t, srv, "tok-alice", sessionID, "tools/list", nil)

	var toolsResult struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &toolsResult); err != nil {
		t.Fatalf("Failed to parse tools result: %v", err)
	}

	expected := map[string]bool{
		"get_cart":    false,
		"add_item":    false,
		"update_item": false,
		"remove_item": false,
		"clear_cart":  false,
		"merge_items": false,
	}
	for _, tool := range toolsResult.Tools {
		if _, ok := expected[tool.Name]; ok {
			expected[tool.Name] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("Expected tool %q not found in tools list", name)
		}
	}
}

func TestMCPAddItemThenGetCart(t *testing.T) {
	_, srv := testHandler(nil)
	sessionID := initMCPSession(t, srv, "tok-alice")

	res := callTool(t, srv, "tok-alice", sessionID, "add_item", map[string]any{"product_ref": "p1", "quantity": 2})
	if res.IsError {
		t.Fatalf("add_item failed: %+v", res.Content)
	}

	res = callTool(t, srv, "tok-alice", sessionID, "get_cart", map[string]any{})
	var cart model.CartResponse
	if err := json.Unmarshal(res.StructuredContent, &cart); err != nil {
		t.Fatalf("decode structured content: %v", err)
	}
	if cart.ItemCount != 2 || cart.Subtotal != "20.00" {
		t.Errorf("cart = %+v", cart)
	}

	// The REST view of the same user agrees.
	w := doRequest(t, srv, "GET", "/cart", "tok-alice", nil)
	if rest := decodeCart(t, w); rest.ItemCount != 2 {
		t.Errorf("REST ItemCount = %d, want 2", rest.ItemCount)
	}
}

func TestMCPToolError(t *testing.T) {
	_, srv := testHandler(nil)
	sessionID := initMCPSession(t, srv, "tok-alice")

	res := callTool(t, srv, "tok-alice", sessionID, "update_item", map[string]any{"product_ref": "p1", "quantity": 1})

	if !res.IsError {
		t.Fatal("expected tool error for absent line")
	}
	if len(res.Content) == 0 || !strings.Contains(res.Content[0].Text, "NOT_FOUND") {
		t.Errorf("Content = %+v, want NOT_FOUND", res.Content)
	}
}

func TestMCPMergeItemsIsIdempotent(t *testing.T) {
	_, srv := testHandler(nil)
	sessionID := initMCPSession(t, srv, "tok-alice")
	args := map[string]any{
		"merge_key": "guest-1",
		"items":     []map[string]any{{"product_ref": "p2", "quantity": 3}},
	}

	callTool(t, srv, "tok-alice", sessionID, "merge_items", args)
	res := callTool(t, srv, "tok-alice", sessionID, "merge_items", args)

	var cart model.CartResponse
	if err := json.Unmarshal(res.StructuredContent, &cart); err != nil {
		t.Fatalf("decode structured content: %v", err)
	}
	if cart.ItemCount != 3 {
		t.Errorf("ItemCount = %d, want 3", cart.ItemCount)
	}
}

func TestMCPSessionBoundToUser(t *testing.T) {
	_, srv := testHandler(nil)
	sessionID := initMCPSession(t, srv, "tok-alice")

	body, _ := json.Marshal(jsonrpcRequest{JSONRPC: "2.0", ID: 9, Method: "tools/list"})
	req := httptest.NewRequest("POST", "/mcp", bytes.NewReader(body))
	setMCPHeaders(req, "tok-bob", sessionID)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// setMCPHeaders sets the required headers for MCP Streamable HTTP requests.
func setMCPHeaders(req *http.Request, token, sessionID string) {
	req.Header.Set("Content-Type", "application/json")
	// MCP Streamable HTTP requires Accept header with both json and event-stream
	req.Header.Set("Accept", "application/json, text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
}

// parseSSEResponse extracts JSON data from SSE formatted response.
// SSE format: "event: message\ndata: {json}\n\n"
func parseSSEResponse(body string) []byte {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			return []byte(strings.TrimPrefix(line, "data: "))
		}
	}
	return []byte(body)
}

// initMCPSession initializes an MCP session and returns the session ID.
func initMCPSession(t *testing.T, srv http.Handler, token string) string {
	t.Helper()

	initReq := jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "initialize",
		Params: map[string]any{
			"protocolVersion": "2025-06-18",
			"clientInfo":      map[string]string{"name": "test", "version": "1.0"},
			"capabilities":    map[string]any{},
		},
	}

	body, _ := json.Marshal(initReq)
	httpReq := httptest.NewRequest("POST", "/mcp", bytes.NewReader(body))
	setMCPHeaders(httpReq, token, "")
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, httpReq)

	if w.Code != http.StatusOK {
		t.Fatalf("Failed to initialize MCP session: %d %s", w.Code, w.Body.String())
	}

	return w.Header().Get("Mcp-Session-Id")
}

func mcpCall(t *testing.T, srv http.Handler, token, sessionID, method string, params any) jsonrpcResponse {
	t.Helper()

	body, _ := json.Marshal(jsonrpcRequest{JSONRPC: "2.0", ID: 2, Method: method, Params: params})
	req := httptest.NewRequest("POST", "/mcp", bytes.NewReader(body))
	setMCPHeaders(req, token, sessionID)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("%s: Status = %d\nBody: %s", method, w.Code, w.Body.String())
	}

	var resp jsonrpcResponse
	if err := json.Unmarshal(parseSSEResponse(w.Body.String()), &resp); err != nil {
		t.Fatalf("%s: decode response: %v\nBody: %s", method, err, w.Body.String())
	}
	if resp.Error != nil {
		t.Fatalf("%s: unexpected error: %+v", method, resp.Error)
	}
	return resp
}

func callTool(t *testing.T, srv http.Handler, token, sessionID, name string, args any) callToolResult {
	t.Helper()

	resp := mcpCall(t, srv, token, sessionID, "tools/call", toolCallParams{Name: name, Arguments: args})

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("%s: decode result: %v", name, err)
	}
	return result
}
