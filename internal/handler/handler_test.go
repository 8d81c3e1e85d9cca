package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cartsync/internal/catalog"
	"cartsync/internal/identity"
	"cartsync/internal/middleware"
	"cartsync/internal/model"
	"cartsync/internal/remote"
	"cartsync/internal/repository/memory"
	"cartsync/internal/service"
)

var testTokens = identity.StaticVerifier{
	"tok-alice": "alice",
	"tok-bob":   "bob",
}

func testCatalog() *catalog.Catalog {
	return catalog.New(
		model.Product{Ref: "p1", Name: "Tee", Price: 1000},
		model.Product{Ref: "p2", Name: "Mug", Price: 250},
	)
}

func testHandler(svc CartService) (*Handler, http.Handler) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if svc == nil {
		svc = service.New(memory.New(), testCatalog(), logger)
	}
	h := New(svc, logger)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h, middleware.Auth(testTokens, logger, PublicPaths...)(mux)
}

func doRequest(t *testing.T, srv http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		if s, ok := body.(string); ok {
			r = strings.NewReader(s)
		} else {
			data, _ := json.Marshal(body)
			r = bytes.NewReader(data)
		}
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeCart(t *testing.T, w *httptest.ResponseRecorder) model.CartResponse {
	t.Helper()
	var resp model.CartResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode cart: %v\nBody: %s", err, w.Body.String())
	}
	return resp
}

func errorCode(body []byte) string {
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	return resp.Error.Code
}

func TestHandleHealth(t *testing.T) {
	_, srv := testHandler(nil)

	w := doRequest(t, srv, "GET", "/health", "", nil)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp healthResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Status != "ok" {
		t.Errorf("Status = %s, want ok", resp.Status)
	}
}

func TestHandleProductsIsPublic(t *testing.T) {
	_, srv := testHandler(nil)

	w := doRequest(t, srv, "GET", "/products", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	var products []model.ProductResponse
	json.NewDecoder(w.Body).Decode(&products)
	if len(products) != 2 {
		t.Fatalf("len(products) = %d, want 2", len(products))
	}
	if products[0].Price == "" {
		t.Errorf("product price missing: %+v", products[0])
	}
}

func TestCartRoutesRequireToken(t *testing.T) {
	_, srv := testHandler(nil)

	w := doRequest(t, srv, "GET", "/cart", "", nil)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if code := errorCode(w.Body.Bytes()); code != "UNAUTHORIZED" {
		t.Errorf("Code = %s, want UNAUTHORIZED", code)
	}
}

func TestHandleGetCartEmpty(t *testing.T) {
	_, srv := testHandler(nil)

	w := doRequest(t, srv, "GET", "/cart", "tok-alice", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decodeCart(t, w)
	if len(resp.Items) != 0 || resp.Subtotal != "0.00" || resp.ItemCount != 0 {
		t.Errorf("cart = %+v, want empty", resp)
	}
}

func TestHandleAddUpdateRemove(t *testing.T) {
	_, srv := testHandler(nil)

	w := doRequest(t, srv, "POST", "/cart/items", "tok-alice", model.AddItemRequest{ProductRef: "p1", Quantity: 2})
	if w.Code != http.StatusOK {
		t.Fatalf("add Status = %d\nBody: %s", w.Code, w.Body.String())
	}
	resp := decodeCart(t, w)
	if resp.Subtotal != "20.00" || resp.ItemCount != 2 {
		t.Errorf("after add = %+v", resp)
	}

	w = doRequest(t, srv, "PUT", "/cart/items/p1", "tok-alice", model.UpdateItemRequest{Quantity: 5})
	if w.Code != http.StatusOK {
		t.Fatalf("update Status = %d\nBody: %s", w.Code, w.Body.String())
	}
	if resp := decodeCart(t, w); resp.ItemCount != 5 {
		t.Errorf("after update ItemCount = %d, want 5", resp.ItemCount)
	}

	w = doRequest(t, srv, "DELETE", "/cart/items/p1", "tok-alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove Status = %d", w.Code)
	}
	if resp := decodeCart(t, w); len(resp.Items) != 0 {
		t.Errorf("after remove Items = %+v", resp.Items)
	}
}

func TestHandleProductRefIsPathEscaped(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cat := catalog.New(model.Product{Ref: "shirt/blue", Price: 100})
	_, srv := testHandler(service.New(memory.New(), cat, logger))

	doRequest(t, srv, "POST", "/cart/items", "tok-alice", model.AddItemRequest{ProductRef: "shirt/blue", Quantity: 1})
	w := doRequest(t, srv, "PUT", "/cart/items/shirt%2Fblue", "tok-alice", model.UpdateItemRequest{Quantity: 3})

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d\nBody: %s", w.Code, w.Body.String())
	}
	if resp := decodeCart(t, w); resp.ItemCount != 3 {
		t.Errorf("ItemCount = %d, want 3", resp.ItemCount)
	}
}

func TestHandleClearCart(t *testing.T) {
	_, srv := testHandler(nil)
	doRequest(t, srv, "POST", "/cart/items", "tok-alice", model.AddItemRequest{ProductRef: "p1", Quantity: 1})

	w := doRequest(t, srv, "DELETE", "/cart", "tok-alice", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusNoContent)
	}

	w = doRequest(t, srv, "GET", "/cart", "tok-alice", nil)
	if resp := decodeCart(t, w); len(resp.Items) != 0 {
		t.Errorf("Items after clear = %+v", resp.Items)
	}
}

func TestCartsArePerUser(t *testing.T) {
	_, srv := testHandler(nil)
	doRequest(t, srv, "POST", "/cart/items", "tok-alice", model.AddItemRequest{ProductRef: "p1", Quantity: 1})

	w := doRequest(t, srv, "GET", "/cart", "tok-bob", nil)
	if resp := decodeCart(t, w); len(resp.Items) != 0 {
		t.Errorf("bob sees %+v", resp.Items)
	}
}

func TestHandleMerge(t *testing.T) {
	_, srv := testHandler(nil)
	doRequest(t, srv, "POST", "/cart/items", "tok-alice", model.AddItemRequest{ProductRef: "p1", Quantity: 1})

	header, _ := remote.FormatMergeHeader(remote.MergeMeta{Key: "k-1", Lines: 2})
	body := model.MergeRequest{Items: []model.MergeLine{
		{ProductRef: "p1", Quantity: 2},
		{ProductRef: "p2", Quantity: 4},
	}}
	send := func() *httptest.ResponseRecorder {
		data, _ := json.Marshal(body)
		req := httptest.NewRequest("POST", "/cart/merge", bytes.NewReader(data))
		req.Header.Set("Authorization", "Bearer tok-alice")
		req.Header.Set(remote.MergeHeader, header)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		return w
	}

	w := send()
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d\nBody: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get(MergeStatusHeader); got != "applied" {
		t.Errorf("%s = %q, want applied", MergeStatusHeader, got)
	}
	resp := decodeCart(t, w)
	if resp.ItemCount != 7 || resp.Subtotal != "40.00" {
		t.Errorf("merged cart = %+v", resp)
	}

	w = send()
	if got := w.Header().Get(MergeStatusHeader); got != "duplicate" {
		t.Errorf("replay %s = %q, want duplicate", MergeStatusHeader, got)
	}
	if resp := decodeCart(t, w); resp.ItemCount != 7 {
		t.Errorf("replay ItemCount = %d, want 7", resp.ItemCount)
	}
}

func TestHandleMergeBadHeader(t *testing.T) {
	_, srv := testHandler(nil)

	tests := []struct {
		name   string
		header string
		items  int
	}{
		{"not a dictionary", "key=", 1},
		{"missing key", "lines=1", 1},
		{"line count mismatch", `key="k", lines=3`, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := make([]model.MergeLine, tt.items)
			for i := range items {
				items[i] = model.MergeLine{ProductRef: "p1", Quantity: 1}
			}
			data, _ := json.Marshal(model.MergeRequest{Items: items})
			req := httptest.NewRequest("POST", "/cart/merge", bytes.NewReader(data))
			req.Header.Set("Authorization", "Bearer tok-alice")
			req.Header.Set(remote.MergeHeader, tt.header)
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Status = %d, want %d\nBody: %s", w.Code, http.StatusBadRequest, w.Body.String())
			}
		})
	}
}

func TestHandleInvalidJSON(t *testing.T) {
	_, srv := testHandler(nil)

	w := doRequest(t, srv, "POST", "/cart/items", "tok-alice", "{not json")

	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if code := errorCode(w.Body.Bytes()); code != "VALIDATION_ERROR" {
		t.Errorf("Code = %s, want VALIDATION_ERROR", code)
	}
}

// stubService fails every call with err.
type stubService struct {
	CartService
	err error
}

func (s stubService) Get(context.Context, string) (model.Cart, error) {
	return model.Cart{}, s.err
}

func TestErrorResponses(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", model.NewNotFoundError("cart item"), http.StatusNotFound, "NOT_FOUND"},
		{"validation", model.NewValidationError("quantity", "must be at least 1"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unavailable", model.NewRemoteUnavailableError("firestore", nil), http.StatusServiceUnavailable, "REMOTE_UNAVAILABLE"},
		{"wrapped not found", errors.Join(errors.New("ctx"), model.NewNotFoundError("x")), http.StatusNotFound, "NOT_FOUND"},
		{"plain error", errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, srv := testHandler(stubService{err: tt.err})

			w := doRequest(t, srv, "GET", "/cart", "tok-alice", nil)

			if w.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d", w.Code, tt.wantStatus)
			}
			if code := errorCode(w.Body.Bytes()); code != tt.wantCode {
				t.Errorf("Code = %s, want %s\nBody: %s", code, tt.wantCode, w.Body.String())
			}
			if strings.Contains(w.Body.String(), "disk on fire") {
				t.Error("internal error details leaked")
			}
		})
	}
}
