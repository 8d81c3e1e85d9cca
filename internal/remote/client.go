// Package remote talks to the Cart Persistence Service on behalf of an
// authenticated user.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"cartsync/internal/model"
	"cartsync/internal/transport"
)

const (
	pathCart      = "/cart"
	pathCartItems = "/cart/items"
	pathCartMerge = "/cart/merge"
	pathProducts  = "/products"

	userAgent   = "cartsync/1.0"
	serviceName = "cart service"
)

// CartService is the remote cart API.
// Errors wrap model.ErrUnauthorized (no/expired credential), model.ErrRemoteUnavailable
// (network failure or 5xx) or model.ErrInvalidRequest / model.ErrNotFound.
type CartService interface {
	Fetch(ctx context.Context) (model.Cart, error)
	AddItem(ctx context.Context, productRef string, quantity int) (model.Cart, error)
	UpdateItem(ctx context.Context, productRef string, quantity int) (model.Cart, error)
	RemoveItem(ctx context.Context, productRef string) (model.Cart, error)
	Clear(ctx context.Context) error
	// MergeItems sums lines into the server cart. The idempotency key is taken
	// from ctx (see WithMergeKey); a fresh one is generated if absent.
	MergeItems(ctx context.Context, lines []model.CartLine) (model.Cart, error)
}

// Credentials supplies the bearer token. identity.Provider satisfies it.
type Credentials interface {
	Token(ctx context.Context) (string, error)
}

// Client is the HTTP CartService. Stateless and safe for concurrent use.
// It never retries; callers decide.
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      Credentials
}

// NewClient creates a client for the service at baseURL.
// A nil httpClient gets a 30s timeout over the standard transport.
func NewClient(baseURL string, creds Credentials, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport.New(transport.Standard, 30*time.Second),
		}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
	}
}

func (c *Client) Fetch(ctx context.Context) (model.Cart, error) {
	req, err := c.newRequest(ctx, http.MethodGet, pathCart, nil)
	if err != nil {
		return model.Cart{}, err
	}
	return c.doCart(req)
}

func (c *Client) AddItem(ctx context.Context, productRef string, quantity int) (model.Cart, error) {
	body := &model.AddItemRequest{ProductRef: productRef, Quantity: quantity}
	req, err := c.newRequest(ctx, http.MethodPost, pathCartItems, body)
	if err != nil {
		return model.Cart{}, err
	}
	return c.doCart(req)
}

func (c *Client) UpdateItem(ctx context.Context, productRef string, quantity int) (model.Cart, error) {
	body := &model.UpdateItemRequest{Quantity: quantity}
	req, err := c.newRequest(ctx, http.MethodPut, itemPath(productRef), body)
	if err != nil {
		return model.Cart{}, err
	}
	return c.doCart(req)
}

func (c *Client) RemoveItem(ctx context.Context, productRef string) (model.Cart, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, itemPath(productRef), nil)
	if err != nil {
		return model.Cart{}, err
	}
	return c.doCart(req)
}

func (c *Client) Clear(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodDelete, pathCart, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) MergeItems(ctx context.Context, lines []model.CartLine) (model.Cart, error) {
	key, ok := MergeKeyFrom(ctx)
	if !ok {
		key = uuid.NewString()
	}
	header, err := FormatMergeHeader(MergeMeta{Key: key, Lines: len(lines)})
	if err != nil {
		return model.Cart{}, err
	}

	body := &model.MergeRequest{Items: model.MergeLinesFrom(lines)}
	req, err := c.newRequest(ctx, http.MethodPost, pathCartMerge, body)
	if err != nil {
		return model.Cart{}, err
	}
	req.Header.Set(MergeHeader, header)

	return c.doCart(req)
}

// Products lists the public catalog. No credential is needed.
func (c *Client) Products(ctx context.Context) ([]model.Product, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathProducts, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	var resp []model.ProductResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	products := make([]model.Product, len(resp))
	for i, p := range resp {
		products[i] = p.ToProduct()
	}
	return products, nil
}

// === HTTP Helpers ===

func itemPath(productRef string) string {
	return pathCartItems + "/" + url.PathEscape(productRef)
}

// newRequest creates a JSON request with the caller's bearer token.
// A missing credential fails here, before anything goes on the wire.
func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+token)

	return req, nil
}

func (c *Client) doCart(req *http.Request) (model.Cart, error) {
	var resp model.CartResponse
	if err := c.do(req, &resp); err != nil {
		return model.Cart{}, err
	}
	return resp.ToCart(), nil
}

// do executes the request and decodes the response.
func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.NewRemoteUnavailableError(serviceName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.NewRemoteUnavailableError(serviceName, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode >= 400 {
		return parseError(resp.StatusCode, body)
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return model.NewRemoteUnavailableError(serviceName, fmt.Errorf("parsing response: %w", err))
		}
	}

	return nil
}

// parseError converts service error responses to model.APIError.
func parseError(statusCode int, body []byte) error {
	var errResp model.ErrorResponse
	json.Unmarshal(body, &errResp) // Best effort parse

	msg := ""
	if errResp.Error != nil {
		msg = errResp.Error.Message
	}

	switch {
	case statusCode == http.StatusUnauthorized:
		return model.NewUnauthorizedError("cart service rejected the credential")
	case statusCode == http.StatusForbidden:
		return model.NewUnauthorizedError("cart service access denied")
	case statusCode == http.StatusNotFound:
		if msg == "" {
			return model.NewNotFoundError("resource")
		}
		return &model.APIError{Code: "NOT_FOUND", Message: msg, StatusCode: statusCode, Err: model.ErrNotFound}
	case statusCode >= 500:
		return model.NewRemoteUnavailableError(serviceName, fmt.Errorf("status %d: %s", statusCode, msg))
	default:
		if msg == "" {
			msg = "invalid request"
		}
		return &model.APIError{Code: "VALIDATION_ERROR", Message: msg, StatusCode: statusCode, Err: model.ErrInvalidRequest}
	}
}

var _ CartService = (*Client)(nil)
