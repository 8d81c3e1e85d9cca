// Package cartstore owns the current cart and is the only API the UI layer
// uses to read or change it.
//
// Every operation picks a strategy from the sync phase. While no sync session
// is active, edits go to the guest cart and are persisted to the Local Cart
// Store; once one has started they go through the Remote Cart Client and the
// cart is re-fetched, so what is published is always the server's view. Totals are recomputed on every
// publish.
package cartstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"cartsync/internal/coordinator"
	"cartsync/internal/identity"
	"cartsync/internal/model"
	"cartsync/internal/reconcile"
	"cartsync/internal/remote"
)

// LocalStore is the durable guest snapshot.
type LocalStore interface {
	Load(ctx context.Context) []model.CartLine
	Save(ctx context.Context, lines []model.CartLine) error
	Clear(ctx context.Context) error
}

// Snapshot is what the UI renders.
type Snapshot struct {
	Cart    model.Cart
	Loading bool
	Err     error
	IsGuest bool
}

// Listener receives each published snapshot and what changed since the previous one.
// Listeners run on the publishing goroutine and must not block.
type Listener func(Snapshot, *reconcile.LineDiff)

// Config wires a Store.
type Config struct {
	Identity identity.Provider
	Local    LocalStore
	Remote   remote.CartService
	Logger   *slog.Logger
}

// Store is the Cart State Store.
type Store struct {
	identity identity.Provider
	local    LocalStore
	remote   remote.CartService
	coord    *coordinator.Coordinator
	logger   *slog.Logger

	mu        sync.RWMutex
	snap      Snapshot
	listeners map[int]Listener
	nextID    int

	// guestMu serializes guest read-modify-write cycles with the
	// coordinator's reads and clears of the guest snapshot.
	guestMu sync.Mutex
}

// New creates a Store holding an empty guest cart. Call Start to load state.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Store{
		identity:  cfg.Identity,
		local:     cfg.Local,
		remote:    cfg.Remote,
		logger:    logger.With("component", "cartstore"),
		listeners: make(map[int]Listener),
		snap: Snapshot{
			Cart:    model.EmptyCart(model.OriginGuest),
			IsGuest: true,
		},
	}
	s.coord = coordinator.New(cfg.Identity, (*guestLock)(s), cfg.Remote, (*sink)(s), logger)
	return s
}

// Start loads the initial cart and begins following identity changes.
func (s *Store) Start(ctx context.Context) {
	s.coord.Start(ctx)
}

// Close stops following identity changes and waits for in-flight reconciliation.
func (s *Store) Close() {
	s.coord.Close()
}

// Wait blocks until in-flight reconciliations finish.
func (s *Store) Wait() {
	s.coord.Wait()
}

// Phase reports the sync state machine position.
func (s *Store) Phase() coordinator.Phase {
	return s.coord.Phase()
}

// RetryMerge re-attempts merging guest lines left behind by a failed merge.
func (s *Store) RetryMerge(ctx context.Context) error {
	return s.coord.RetryMerge(ctx)
}

// Snapshot returns the current cart state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// IsInCart reports whether productRef has a line in the current cart.
func (s *Store) IsInCart(productRef string) bool {
	return s.Snapshot().Cart.Contains(productRef)
}

// ItemQuantity returns the quantity of productRef, or 0.
func (s *Store) ItemQuantity(productRef string) int {
	return s.Snapshot().Cart.Quantity(productRef)
}

// Summary returns subtotal, shipping and total for the current cart.
func (s *Store) Summary() model.Summary {
	return s.Snapshot().Cart.Summarize()
}

// PendingGuestLines returns guest lines still in local storage while signed
// in, i.e. lines a failed merge left behind. Nil in guest mode.
func (s *Store) PendingGuestLines(ctx context.Context) []model.CartLine {
	if s.Snapshot().IsGuest {
		return nil
	}
	return s.local.Load(ctx)
}

// Subscribe registers fn for every published snapshot. Returns an unsubscribe func.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// === Mutations ===

// AddItem adds quantity of product, incrementing an existing line.
func (s *Store) AddItem(ctx context.Context, product model.Product, quantity int) error {
	if product.Ref == "" {
		return model.NewValidationError("product", "reference is required")
	}
	if quantity < 1 {
		return model.NewValidationError("quantity", "must be at least 1")
	}
	return s.mutate(ctx, func(lines []model.CartLine) ([]model.CartLine, error) {
		for i := range lines {
			if lines[i].ProductRef == product.Ref {
				lines[i].Quantity += quantity
				return lines, nil
			}
		}
		return append(lines, model.CartLine{
			ProductRef: product.Ref,
			UnitPrice:  product.UnitPrice(),
			Quantity:   quantity,
		}), nil
	}, func(ctx context.Context) error {
		_, err := s.remote.AddItem(ctx, product.Ref, quantity)
		return err
	})
}

// UpdateQuantity sets the quantity of an existing line. Quantity ≤ 0 is a no-op;
// use RemoveItem to delete a line.
func (s *Store) UpdateQuantity(ctx context.Context, productRef string, quantity int) error {
	if quantity < 1 {
		return nil
	}
	return s.mutate(ctx, func(lines []model.CartLine) ([]model.CartLine, error) {
		for i := range lines {
			if lines[i].ProductRef == productRef {
				lines[i].Quantity = quantity
				return lines, nil
			}
		}
		return nil, model.NewNotFoundError("cart item")
	}, func(ctx context.Context) error {
		_, err := s.remote.UpdateItem(ctx, productRef, quantity)
		return err
	})
}

// RemoveItem deletes the line for productRef. Removing an absent line is not an error.
func (s *Store) RemoveItem(ctx context.Context, productRef string) error {
	return s.mutate(ctx, func(lines []model.CartLine) ([]model.CartLine, error) {
		kept := lines[:0]
		for _, l := range lines {
			if l.ProductRef != productRef {
				kept = append(kept, l)
			}
		}
		return kept, nil
	}, func(ctx context.Context) error {
		_, err := s.remote.RemoveItem(ctx, productRef)
		return err
	})
}

// Clear empties the cart. For guests the durable snapshot is removed entirely.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.coord.AwaitSettled(ctx); err != nil {
		return err
	}

	s.guestMu.Lock()
	if s.guestMode() {
		defer s.guestMu.Unlock()
		if err := s.local.Clear(ctx); err != nil {
			return s.fail(err)
		}
		s.publishIf(model.OriginGuest, model.EmptyCart(model.OriginGuest), nil)
		return nil
	}
	s.guestMu.Unlock()

	if err := s.coord.AwaitSettled(ctx); err != nil {
		return err
	}
	return s.mutateRemote(ctx, s.remote.Clear)
}

// mutate applies edit to the guest cart while no sync session is active,
// and runs op against the server otherwise.
func (s *Store) mutate(ctx context.Context, edit func([]model.CartLine) ([]model.CartLine, error), op func(context.Context) error) error {
	if err := s.coord.AwaitSettled(ctx); err != nil {
		return err
	}
	if done, err := s.mutateGuest(ctx, edit); done {
		return err
	}
	// A login began after the first wait; its merge must land first.
	if err := s.coord.AwaitSettled(ctx); err != nil {
		return err
	}
	return s.mutateRemote(ctx, op)
}

// guestMode reports whether no sync session is active. Callers hold guestMu,
// which the coordinator also takes to read or clear the guest snapshot, so
// the answer holds until guestMu is released.
func (s *Store) guestMode() bool {
	switch s.coord.Phase() {
	case coordinator.PhaseIdle, coordinator.PhaseGuest:
		return true
	default:
		return false
	}
}

// mutateGuest applies edit to a copy of the current guest lines, persists the
// result and publishes it. It reports false without doing anything once a
// sync session has started. Nothing is published if the save fails.
func (s *Store) mutateGuest(ctx context.Context, edit func([]model.CartLine) ([]model.CartLine, error)) (bool, error) {
	s.guestMu.Lock()
	defer s.guestMu.Unlock()
	if !s.guestMode() {
		return false, nil
	}

	snap := s.Snapshot()
	current := snap.Cart.Lines
	if !snap.IsGuest {
		// Signed out, but the guest cart is not republished yet.
		current = s.local.Load(ctx)
	}
	lines := make([]model.CartLine, len(current))
	copy(lines, current)

	lines, err := edit(lines)
	if err != nil {
		return true, err
	}
	if err := s.local.Save(ctx, lines); err != nil {
		return true, s.fail(err)
	}
	if !s.publishIf(model.OriginGuest, model.NewCart(lines, model.OriginGuest), nil) {
		s.logger.Debug("guest edit saved, published with the guest cart reload")
	}
	return true, nil
}

// mutateRemote runs op then re-fetches and publishes the server cart, with
// duplicate and empty lines normalized away.
// On any failure the published cart is left as is.
func (s *Store) mutateRemote(ctx context.Context, op func(context.Context) error) error {
	if err := op(ctx); err != nil {
		return s.fail(err)
	}
	cart, err := s.remote.Fetch(ctx)
	if err != nil {
		return s.fail(err)
	}
	cart = model.NewCart(reconcile.AggregateLines(cart.Lines), model.OriginAuthenticated)
	s.publishIf(model.OriginAuthenticated, cart, nil)
	return nil
}

// fail records err on the snapshot and signs out on Unauthorized.
func (s *Store) fail(err error) error {
	s.mu.Lock()
	s.snap.Err = err
	snap := s.snap
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.notify(listeners, snap, &reconcile.LineDiff{})

	if errors.Is(err, model.ErrUnauthorized) {
		s.logger.Warn("cart service rejected credential, signing out", "error", err)
		s.identity.Logout()
	}
	return err
}

// publishIf replaces the cart when the current origin still matches.
func (s *Store) publishIf(origin model.Origin, cart model.Cart, err error) bool {
	s.mu.Lock()
	if s.snap.Cart.Origin != origin {
		s.mu.Unlock()
		return false
	}
	prev := s.snap.Cart.Lines
	s.snap = Snapshot{Cart: cart, Err: err, IsGuest: cart.Origin == model.OriginGuest}
	snap := s.snap
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.notify(listeners, snap, reconcile.DiffLines(prev, cart.Lines))
	return true
}

func (s *Store) listenersLocked() []Listener {
	out := make([]Listener, 0, len(s.listeners))
	for id := 0; id < s.nextID; id++ {
		if fn, ok := s.listeners[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (s *Store) notify(listeners []Listener, snap Snapshot, diff *reconcile.LineDiff) {
	for _, fn := range listeners {
		fn(snap, diff)
	}
}

// guestLock hands the coordinator the guest snapshot under guestMu, so a
// merge never reads or clears it halfway through a guest edit.
type guestLock Store

func (g *guestLock) Load(ctx context.Context) []model.CartLine {
	s := (*Store)(g)
	s.guestMu.Lock()
	defer s.guestMu.Unlock()
	return s.local.Load(ctx)
}

func (g *guestLock) Clear(ctx context.Context) error {
	s := (*Store)(g)
	s.guestMu.Lock()
	defer s.guestMu.Unlock()
	return s.local.Clear(ctx)
}

var _ coordinator.LocalStore = (*guestLock)(nil)

// sink adapts Store to coordinator.Sink without exporting the methods.
type sink Store

func (k *sink) SetLoading(loading bool) {
	s := (*Store)(k)
	s.mu.Lock()
	s.snap.Loading = loading
	snap := s.snap
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.notify(listeners, snap, &reconcile.LineDiff{})
}

// Publish replaces the cart unconditionally; the coordinator decides origin.
func (k *sink) Publish(cart model.Cart, err error) {
	s := (*Store)(k)
	s.mu.Lock()
	prev := s.snap.Cart.Lines
	s.snap = Snapshot{Cart: cart, Err: err, IsGuest: cart.Origin == model.OriginGuest}
	snap := s.snap
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.notify(listeners, snap, reconcile.DiffLines(prev, cart.Lines))
}

var _ coordinator.Sink = (*sink)(nil)
