// Package coordinator reconciles the guest cart with the server cart when the
// user signs in.
//
// State machine:
//
//	Idle ──Start──▶ Guest ──login──▶ Merging ──done──▶ Authenticated
//	                  ▲                                     │
//	                  └───────────────logout────────────────┘
//
// Each continuous signed-in period for one user id is a sync session with two
// guard flags, mergeInFlight and hasMerged. Identity observers may fire any
// number of times, concurrently, for one login; the guards ensure MergeItems is
// attempted at most once per session. The session id doubles as the server-side
// merge idempotency key.
package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"cartsync/internal/identity"
	"cartsync/internal/model"
	"cartsync/internal/reconcile"
	"cartsync/internal/remote"
)

// Phase is the coordinator's position in the state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseGuest
	PhaseMerging
	PhaseAuthenticated
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseGuest:
		return "guest"
	case PhaseMerging:
		return "merging"
	case PhaseAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// LocalStore is the guest snapshot the coordinator reads and discards.
type LocalStore interface {
	Load(ctx context.Context) []model.CartLine
	Clear(ctx context.Context) error
}

// Sink receives the carts the coordinator produces.
// Calls are serialized; results from a session that has since ended are dropped.
type Sink interface {
	SetLoading(loading bool)
	Publish(cart model.Cart, err error)
}

type session struct {
	id            string
	userID        string
	mergeInFlight bool
	hasMerged     bool
	settled       chan struct{} // closed when the in-flight merge finishes
}

// Coordinator drives reconciliation from identity changes.
type Coordinator struct {
	identity identity.Provider
	local    LocalStore
	remote   remote.CartService
	sink     Sink
	logger   *slog.Logger

	mu         sync.Mutex
	phase      Phase
	session    *session
	generation uint64
	ctx        context.Context
	stop       func()

	// publishMu serializes sink calls so a stale result can't land after
	// the logout that invalidated it.
	publishMu sync.Mutex
	wg        sync.WaitGroup
}

// New creates a Coordinator. Nothing happens until Start.
func New(provider identity.Provider, local LocalStore, svc remote.CartService, sink Sink, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{
		identity: provider,
		local:    local,
		remote:   svc,
		sink:     sink,
		logger:   logger.With("component", "coordinator"),
		ctx:      context.Background(),
	}
}

// Start subscribes to identity changes and reconciles the current state.
// ctx is the base context for all remote calls made by the coordinator.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return
	}
	c.ctx = ctx
	c.stop = c.identity.Subscribe(c.Handle)
	c.mu.Unlock()

	c.Handle(c.identity.State())
}

// Close unsubscribes and waits for in-flight reconciliations.
func (c *Coordinator) Close() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.wg.Wait()
}

// Wait blocks until every reconciliation started so far has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Phase returns the current state.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Handle reacts to an identity state. Safe to call repeatedly and concurrently.
func (c *Coordinator) Handle(state identity.State) {
	c.mu.Lock()

	if !state.Authenticated {
		if c.session != nil {
			c.logger.Info("sync session ended", "user_id", c.session.userID, "session_id", c.session.id)
		}
		c.session = nil
		c.generation++
		c.phase = PhaseGuest
		gen := c.generation
		ctx := c.ctx
		c.mu.Unlock()

		lines := c.local.Load(ctx)
		c.publish(gen, func() {
			c.sink.Publish(model.NewCart(lines, model.OriginGuest), nil)
		})
		return
	}

	if c.session == nil || c.session.userID != state.UserID ||
		(state.LoginID != "" && state.LoginID != c.session.id) {
		id := state.LoginID
		if id == "" {
			id = uuid.NewString()
		}
		c.session = &session{id: id, userID: state.UserID}
		c.generation++
		c.logger.Info("sync session started", "user_id", state.UserID, "session_id", c.session.id)
	}
	s := c.session

	if s.mergeInFlight || s.hasMerged {
		c.mu.Unlock()
		c.logger.Debug("reconciliation already handled for session",
			"session_id", s.id, "in_flight", s.mergeInFlight, "merged", s.hasMerged)
		return
	}

	s.mergeInFlight = true
	s.settled = make(chan struct{})
	c.phase = PhaseMerging
	gen := c.generation
	ctx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	go c.reconcile(ctx, gen, s)
}

// RetryMerge re-attempts a failed merge for the current session. It is a no-op
// when a merge is running or no guest lines are left.
func (c *Coordinator) RetryMerge(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return model.NewUnauthorizedError("not signed in")
	}

	if len(c.local.Load(ctx)) == 0 {
		return nil
	}

	c.mu.Lock()
	if c.session != s || s.mergeInFlight {
		c.mu.Unlock()
		return nil
	}
	s.hasMerged = false
	c.mu.Unlock()

	c.logger.Info("retrying guest cart merge", "session_id", s.id)
	c.Handle(identity.State{Authenticated: true, UserID: s.userID, LoginID: s.id})
	return nil
}

// AwaitSettled blocks until the current session has no merge in flight.
func (c *Coordinator) AwaitSettled(ctx context.Context) error {
	c.mu.Lock()
	var settled chan struct{}
	if c.session != nil && c.session.mergeInFlight {
		settled = c.session.settled
	}
	c.mu.Unlock()

	if settled == nil {
		return nil
	}
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) reconcile(ctx context.Context, gen uint64, s *session) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		s.mergeInFlight = false
		close(s.settled)
		if c.session == s && c.phase == PhaseMerging {
			c.phase = PhaseAuthenticated
		}
		c.mu.Unlock()
	}()

	log := c.logger.With("user_id", s.userID, "session_id", s.id)
	c.publish(gen, func() { c.sink.SetLoading(true) })

	lines := c.local.Load(ctx)
	if len(lines) == 0 {
		log.Debug("no guest lines, fetching server cart")
		c.markMerged(s)
		cart, err := c.remote.Fetch(ctx)
		if err != nil {
			cart = model.EmptyCart(model.OriginAuthenticated)
		}
		c.finish(gen, cart, err, log)
		return
	}

	agg := reconcile.AggregateLines(lines)
	log.Info("merging guest cart", "lines", len(agg))

	cart, err := c.remote.MergeItems(remote.WithMergeKey(ctx, s.id), agg)
	c.markMerged(s)
	if err == nil {
		if clearErr := c.local.Clear(ctx); clearErr != nil {
			log.Error("merged but failed to clear guest cart", "error", clearErr)
		}
		log.Info("guest cart merged", "item_count", cart.ItemCount)
		c.finish(gen, cart, nil, log)
		return
	}

	// Guest lines stay in local storage; fall back to whatever the server has.
	log.Warn("guest cart merge failed, falling back to fetch", "error", err)
	mergeErr := model.NewMergeFailedError(err)

	cart, fetchErr := c.remote.Fetch(ctx)
	if fetchErr != nil {
		c.finish(gen, model.EmptyCart(model.OriginAuthenticated), errors.Join(mergeErr, fetchErr), log)
		return
	}
	c.finish(gen, cart, mergeErr, log)
}

func (c *Coordinator) markMerged(s *session) {
	c.mu.Lock()
	s.hasMerged = true
	c.mu.Unlock()
}

// finish publishes the outcome with duplicate and empty lines normalized away.
// An unauthorized outcome signs the user out, which moves the coordinator back
// to guest mode with the local lines intact.
func (c *Coordinator) finish(gen uint64, cart model.Cart, err error, log *slog.Logger) {
	cart = model.NewCart(reconcile.AggregateLines(cart.Lines), model.OriginAuthenticated)

	published := c.publish(gen, func() { c.sink.Publish(cart, err) })
	if !published {
		log.Info("dropping result of ended sync session")
		return
	}

	if errors.Is(err, model.ErrUnauthorized) {
		log.Warn("credential rejected during reconciliation, signing out")
		c.identity.Logout()
	}
}

// publish runs fn if gen is still the current generation.
func (c *Coordinator) publish(gen uint64, fn func()) bool {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.mu.Lock()
	current := gen == c.generation
	c.mu.Unlock()

	if current {
		fn()
	}
	return current
}
