// Package service implements the Cart Persistence Service operations on top
// of a repository and the product catalog. REST handlers and MCP tools both
// call into it.
package service

import (
	"context"
	"io"
	"log/slog"

	"cartsync/internal/catalog"
	"cartsync/internal/model"
	"cartsync/internal/reconcile"
	"cartsync/internal/repository"
)

// Service is the server-side cart API for one deployment.
type Service struct {
	repo    repository.Repository
	catalog *catalog.Catalog
	logger  *slog.Logger
}

func New(repo repository.Repository, cat *catalog.Catalog, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{repo: repo, catalog: cat, logger: logger}
}

// MergeResult reports what Merge did.
type MergeResult struct {
	Cart    model.Cart
	Applied bool     // false when the key was already applied
	Skipped []string // product refs not in the catalog
}

func cartOf(rec *repository.Record) model.Cart {
	return model.NewCart(rec.Lines, model.OriginAuthenticated)
}

// Get returns the user's cart; a user without one has an empty cart.
func (s *Service) Get(ctx context.Context, userID string) (model.Cart, error) {
	rec, err := s.repo.Get(ctx, userID)
	if err != nil {
		return model.Cart{}, err
	}
	return cartOf(rec), nil
}

// AddItem adds quantity of productRef at the catalog price, incrementing an existing line.
func (s *Service) AddItem(ctx context.Context, userID, productRef string, quantity int) (model.Cart, error) {
	if quantity < 1 {
		return model.Cart{}, model.NewValidationError("quantity", "must be at least 1")
	}
	line, err := s.catalog.Price(productRef, quantity)
	if err != nil {
		return model.Cart{}, err
	}

	rec, err := s.repo.Update(ctx, userID, func(rec *repository.Record) error {
		rec.Lines = reconcile.MergeInto(rec.Lines, []model.CartLine{line})
		return nil
	})
	if err != nil {
		return model.Cart{}, err
	}
	return cartOf(rec), nil
}

// UpdateItem sets the quantity of an existing line.
func (s *Service) UpdateItem(ctx context.Context, userID, productRef string, quantity int) (model.Cart, error) {
	if quantity < 1 {
		return model.Cart{}, model.NewValidationError("quantity", "must be at least 1")
	}

	rec, err := s.repo.Update(ctx, userID, func(rec *repository.Record) error {
		for i := range rec.Lines {
			if rec.Lines[i].ProductRef == productRef {
				rec.Lines[i].Quantity = quantity
				return nil
			}
		}
		return model.NewNotFoundError("cart item")
	})
	if err != nil {
		return model.Cart{}, err
	}
	return cartOf(rec), nil
}

// RemoveItem deletes the line for productRef. Removing an absent line succeeds.
func (s *Service) RemoveItem(ctx context.Context, userID, productRef string) (model.Cart, error) {
	rec, err := s.repo.Update(ctx, userID, func(rec *repository.Record) error {
		kept := rec.Lines[:0]
		for _, l := range rec.Lines {
			if l.ProductRef != productRef {
				kept = append(kept, l)
			}
		}
		rec.Lines = kept
		return nil
	})
	if err != nil {
		return model.Cart{}, err
	}
	return cartOf(rec), nil
}

// Clear empties the cart.
func (s *Service) Clear(ctx context.Context, userID string) error {
	return s.repo.Delete(ctx, userID)
}

// Merge sums items into the user's cart at catalog prices.
// With a non-empty key the merge is applied at most once; replays return the
// current cart with Applied=false. Unknown products are skipped rather than
// failing the whole merge, so one discontinued item can't strand the rest.
func (s *Service) Merge(ctx context.Context, userID, key string, items []model.MergeLine) (MergeResult, error) {
	var incoming []model.CartLine
	var skipped []string
	for _, it := range items {
		if it.Quantity < 1 {
			continue
		}
		line, err := s.catalog.Price(it.ProductRef, it.Quantity)
		if err != nil {
			skipped = append(skipped, it.ProductRef)
			continue
		}
		incoming = append(incoming, line)
	}

	applied := true
	rec, err := s.repo.Update(ctx, userID, func(rec *repository.Record) error {
		if key != "" && rec.HasMergeKey(key) {
			applied = false
			return nil
		}
		rec.Lines = reconcile.MergeInto(rec.Lines, incoming)
		if key != "" {
			rec.AddMergeKey(key)
		}
		return nil
	})
	if err != nil {
		return MergeResult{}, err
	}

	log := s.logger.With("user_id", userID, "merge_key", key)
	if applied {
		log.Info("guest cart merged", "lines", len(incoming), "skipped", len(skipped))
	} else {
		log.Info("duplicate merge ignored")
		skipped = nil
	}
	return MergeResult{Cart: cartOf(rec), Applied: applied, Skipped: skipped}, nil
}

// Products lists the catalog.
func (s *Service) Products() []model.Product {
	return s.catalog.Products()
}
