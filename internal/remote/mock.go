package remote

import (
	"context"

	"cartsync/internal/model"
)

// Mock implements CartService for testing.
// Each method can be configured via function fields.
type Mock struct {
	FetchFunc      func(ctx context.Context) (model.Cart, error)
	AddItemFunc    func(ctx context.Context, productRef string, quantity int) (model.Cart, error)
	UpdateItemFunc func(ctx context.Context, productRef string, quantity int) (model.Cart, error)
	RemoveItemFunc func(ctx context.Context, productRef string) (model.Cart, error)
	ClearFunc      func(ctx context.Context) error
	MergeItemsFunc func(ctx context.Context, lines []model.CartLine) (model.Cart, error)
}

// Fetch calls the configured FetchFunc or returns an empty authenticated cart.
func (m *Mock) Fetch(ctx context.Context) (model.Cart, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx)
	}
	return model.EmptyCart(model.OriginAuthenticated), nil
}

// AddItem calls the configured AddItemFunc or returns an error.
func (m *Mock) AddItem(ctx context.Context, productRef string, quantity int) (model.Cart, error) {
	if m.AddItemFunc != nil {
		return m.AddItemFunc(ctx, productRef, quantity)
	}
	return model.Cart{}, model.NewInternalError(nil)
}

// UpdateItem calls the configured UpdateItemFunc or returns an error.
func (m *Mock) UpdateItem(ctx context.Context, productRef string, quantity int) (model.Cart, error) {
	if m.UpdateItemFunc != nil {
		return m.UpdateItemFunc(ctx, productRef, quantity)
	}
	return model.Cart{}, model.NewInternalError(nil)
}

// RemoveItem calls the configured RemoveItemFunc or returns an error.
func (m *Mock) RemoveItem(ctx context.Context, productRef string) (model.Cart, error) {
	if m.RemoveItemFunc != nil {
		return m.RemoveItemFunc(ctx, productRef)
	}
	return model.Cart{}, model.NewInternalError(nil)
}

// Clear calls the configured ClearFunc or succeeds.
func (m *Mock) Clear(ctx context.Context) error {
	if m.ClearFunc != nil {
		return m.ClearFunc(ctx)
	}
	return nil
}

// MergeItems calls the configured MergeItemsFunc or returns an error.
func (m *Mock) MergeItems(ctx context.Context, lines []model.CartLine) (model.Cart, error) {
	if m.MergeItemsFunc != nil {
		return m.MergeItemsFunc(ctx, lines)
	}
	return model.Cart{}, model.NewInternalError(nil)
}

// Verify Mock implements CartService at compile time.
var _ CartService = (*Mock)(nil)
