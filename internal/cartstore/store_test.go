package cartstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cartsync/internal/coordinator"
	"cartsync/internal/identity"
	"cartsync/internal/localstore"
	"cartsync/internal/model"
	"cartsync/internal/reconcile"
	"cartsync/internal/remote"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	p1 = model.Product{Ref: "p1", Price: 1000}
	p2 = model.Product{Ref: "p2", Price: 500}
)

type harness struct {
	session *identity.Session
	mem     *localstore.MemoryStorage
	local   *localstore.Store
	remote  *remote.Mock
	store   *Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		session: identity.NewSession(),
		mem:     localstore.NewMemoryStorage(),
		remote:  &remote.Mock{},
	}
	h.local = localstore.New(h.mem, nil)
	h.store = New(Config{Identity: h.session, Local: h.local, Remote: h.remote})
	t.Cleanup(h.store.Close)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.store.Start(context.Background())
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.LoginWithToken("u1", "tok"))
	h.store.Wait()
}

// fakeServer is an in-memory server cart behind remote.Mock.
type fakeServer struct {
	mu    sync.Mutex
	lines []model.CartLine
	calls map[string]int
}

func newFakeServer(m *remote.Mock) *fakeServer {
	f := &fakeServer{calls: map[string]int{}}
	cart := func() model.Cart { return model.NewCart(f.lines, model.OriginAuthenticated) }
	m.FetchFunc = func(context.Context) (model.Cart, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls["fetch"]++
		return cart(), nil
	}
	m.AddItemFunc = func(_ context.Context, ref string, qty int) (model.Cart, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls["add"]++
		f.lines = reconcile.MergeInto(f.lines, []model.CartLine{{ProductRef: ref, UnitPrice: 1000, Quantity: qty}})
		return cart(), nil
	}
	m.UpdateItemFunc = func(_ context.Context, ref string, qty int) (model.Cart, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls["update"]++
		for i := range f.lines {
			if f.lines[i].ProductRef == ref {
				f.lines[i].Quantity = qty
			}
		}
		return cart(), nil
	}
	m.RemoveItemFunc = func(_ context.Context, ref string) (model.Cart, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls["remove"]++
		var kept []model.CartLine
		for _, l := range f.lines {
			if l.ProductRef != ref {
				kept = append(kept, l)
			}
		}
		f.lines = kept
		return cart(), nil
	}
	m.ClearFunc = func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls["clear"]++
		f.lines = nil
		return nil
	}
	m.MergeItemsFunc = func(_ context.Context, lines []model.CartLine) (model.Cart, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls["merge"]++
		f.lines = reconcile.MergeInto(f.lines, lines)
		return cart(), nil
	}
	return f
}

func (f *fakeServer) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func TestGuestAddThenLogin_MergesOnce(t *testing.T) {
	h := newHarness(t)
	server := newFakeServer(h.remote)
	var merged [][]model.CartLine
	baseMerge := h.remote.MergeItemsFunc
	h.remote.MergeItemsFunc = func(ctx context.Context, lines []model.CartLine) (model.Cart, error) {
		merged = append(merged, lines)
		return baseMerge(ctx, lines)
	}
	ctx := context.Background()
	h.start(t)

	require.NoError(t, h.store.AddItem(ctx, p1, 1))
	require.NoError(t, h.store.AddItem(ctx, p1, 2))

	snap := h.store.Snapshot()
	assert.True(t, snap.IsGuest)
	assert.Equal(t, []model.CartLine{{ProductRef: "p1", UnitPrice: 1000, Quantity: 3}}, snap.Cart.Lines)
	assert.Equal(t, []model.CartLine{{ProductRef: "p1", UnitPrice: 1000, Quantity: 3}}, h.local.Load(ctx))

	h.login(t)
	h.session.Refresh()
	h.store.Wait()

	require.Len(t, merged, 1)
	assert.Equal(t, []model.CartLine{{ProductRef: "p1", UnitPrice: 1000, Quantity: 3}}, merged[0])
	assert.Empty(t, h.local.Load(ctx), "local snapshot should be cleared after merge")

	snap = h.store.Snapshot()
	assert.False(t, snap.IsGuest)
	assert.NoError(t, snap.Err)
	assert.Equal(t, 3, snap.Cart.Quantity("p1"))
	assert.Equal(t, 1, server.count("merge"))
	assert.Equal(t, coordinator.PhaseAuthenticated, h.store.Phase())
}

func TestGuestOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t)

	require.NoError(t, h.store.AddItem(ctx, p1, 2))
	require.NoError(t, h.store.AddItem(ctx, p2, 1))
	assert.True(t, h.store.IsInCart("p2"))
	assert.Equal(t, 2, h.store.ItemQuantity("p1"))

	require.NoError(t, h.store.UpdateQuantity(ctx, "p1", 4))
	assert.Equal(t, model.Summary{Subtotal: 4500, Shipping: 0, Total: 4500, ItemCount: 5}, h.store.Summary())

	require.NoError(t, h.store.RemoveItem(ctx, "p2"))
	assert.False(t, h.store.IsInCart("p2"))
	require.NoError(t, h.store.RemoveItem(ctx, "p2"), "removing an absent line is not an error")

	err := h.store.UpdateQuantity(ctx, "missing", 3)
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, h.store.Clear(ctx))
	assert.True(t, h.store.Snapshot().Cart.IsEmpty())
	_, getErr := h.mem.Get(ctx, localstore.GuestCartKey)
	assert.ErrorIs(t, getErr, localstore.ErrNotExist, "guest clear removes the snapshot")
}

func TestGuestAddUsesDiscountPrice(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	discount := model.Cents(750)

	require.NoError(t, h.store.AddItem(context.Background(), model.Product{Ref: "p3", Price: 1000, DiscountPrice: &discount}, 2))

	assert.Equal(t, model.Cents(1500), h.store.Snapshot().Cart.Subtotal)
}

func TestAddItem_Validation(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	assert.ErrorIs(t, h.store.AddItem(context.Background(), p1, 0), model.ErrInvalidRequest)
	assert.ErrorIs(t, h.store.AddItem(context.Background(), model.Product{}, 1), model.ErrInvalidRequest)
	assert.True(t, h.store.Snapshot().Cart.IsEmpty())
}

func TestUpdateQuantityZero_IsNoOp(t *testing.T) {
	h := newHarness(t)
	server := newFakeServer(h.remote)
	server.lines = []model.CartLine{{ProductRef: "p1", UnitPrice: 1000, Quantity: 2}}
	ctx := context.Background()
	h.start(t)
	h.login(t)
	before := h.store.Snapshot()

	require.NoError(t, h.store.UpdateQuantity(ctx, "p1", 0))
	require.NoError(t, h.store.UpdateQuantity(ctx, "p1", -4))

	assert.Equal(t, 0, server.count("update"), "no remote call")
	assert.Equal(t, before.Cart, h.store.Snapshot().Cart)
}

func TestAuthenticatedOperationsRefetch(t *testing.T) {
	h := newHarness(t)
	server := newFakeServer(h.remote)
	ctx := context.Background()
	h.start(t)
	h.login(t)
	fetchesAfterLogin := server.count("fetch")

	require.NoError(t, h.store.AddItem(ctx, p1, 2))
	assert.Equal(t, 2, h.store.ItemQuantity("p1"))

	require.NoError(t, h.store.UpdateQuantity(ctx, "p1", 5))
	assert.Equal(t, 5, h.store.ItemQuantity("p1"))

	require.NoError(t, h.store.RemoveItem(ctx, "p1"))
	assert.False(t, h.store.IsInCart("p1"))

	require.NoError(t, h.store.AddItem(ctx, p2, 1))
	require.NoError(t, h.store.Clear(ctx))
	assert.True(t, h.store.Snapshot().Cart.IsEmpty())

	assert.Equal(t, fetchesAfterLogin+5, server.count("fetch"), "every mutation re-fetches")
	assert.Empty(t, h.local.Load(ctx), "authenticated edits never touch local storage")
}

func TestRemoteFailure_LeavesCartUnchanged(t *testing.T) {
	h := newHarness(t)
	server := newFakeServer(h.remote)
	server.lines = []model.CartLine{{ProductRef: "p1", UnitPrice: 1000, Quantity: 1}}
	h.start(t)
	h.login(t)
	before := h.store.Snapshot().Cart

	h.remote.AddItemFunc = func(context.Context, string, int) (model.Cart, error) {
		return model.Cart{}, model.NewRemoteUnavailableError("cart service", errors.New("timeout"))
	}

	err := h.store.AddItem(context.Background(), p2, 1)

	assert.ErrorIs(t, err, model.ErrRemoteUnavailable)
	snap := h.store.Snapshot()
	assert.Equal(t, before, snap.Cart)
	assert.ErrorIs(t, snap.Err, model.ErrRemoteUnavailable)
	assert.True(t, h.session.State().Authenticated, "transport errors don't sign out")
}

func TestRefetchFailure_LeavesCartUnchanged(t *testing.T) {
	h := newHarness(t)
	newFakeServer(h.remote)
	h.start(t)
	h.login(t)
	before := h.store.Snapshot().Cart

	h.remote.FetchFunc = func(context.Context) (model.Cart, error) {
		return model.Cart{}, model.NewRemoteUnavailableError("cart service", errors.New("reset"))
	}

	err := h.store.AddItem(context.Background(), p1, 1)

	assert.ErrorIs(t, err, model.ErrRemoteUnavailable)
	assert.Equal(t, before, h.store.Snapshot().Cart)
}

func TestUnauthorized_SignsOut(t *testing.T) {
	h := newHarness(t)
	newFakeServer(h.remote)
	ctx := context.Background()
	h.start(t)
	h.login(t)

	h.remote.UpdateItemFunc = func(context.Context, string, int) (model.Cart, error) {
		return model.Cart{}, model.NewUnauthorizedError("expired")
	}

	err := h.store.UpdateQuantity(ctx, "p1", 2)

	assert.ErrorIs(t, err, model.ErrUnauthorized)
	assert.False(t, h.session.State().Authenticated)
	assert.True(t, h.store.Snapshot().IsGuest)
	assert.Equal(t, coordinator.PhaseGuest, h.store.Phase())
}

func TestGuestSaveFailure_NotPublished(t *testing.T) {
	h := newHarness(t)
	h.local = localstore.New(failingStorage{}, nil)
	h.store = New(Config{Identity: h.session, Local: h.local, Remote: h.remote})
	t.Cleanup(h.store.Close)
	h.start(t)

	err := h.store.AddItem(context.Background(), p1, 1)

	assert.Error(t, err)
	assert.True(t, h.store.Snapshot().Cart.IsEmpty())
}

type failingStorage struct{}

func (failingStorage) Get(context.Context, string) ([]byte, error) { return nil, localstore.ErrNotExist }
func (failingStorage) Set(context.Context, string, []byte) error  { return errors.New("quota exceeded") }
func (failingStorage) Remove(context.Context, string) error       { return nil }

func TestPendingGuestLines_AfterFailedMerge(t *testing.T) {
	h := newHarness(t)
	server := newFakeServer(h.remote)
	var fail atomic.Bool
	fail.Store(true)
	baseMerge := h.remote.MergeItemsFunc
	h.remote.MergeItemsFunc = func(ctx context.Context, lines []model.CartLine) (model.Cart, error) {
		if fail.Load() {
			return model.Cart{}, model.NewRemoteUnavailableError("cart service", errors.New("timeout"))
		}
		return baseMerge(ctx, lines)
	}
	ctx := context.Background()
	h.start(t)
	require.NoError(t, h.store.AddItem(ctx, p1, 2))
	assert.Nil(t, h.store.PendingGuestLines(ctx), "guest mode has no pending lines")

	h.login(t)

	snap := h.store.Snapshot()
	assert.ErrorIs(t, snap.Err, model.ErrMergeFailed)
	assert.Equal(t, []model.CartLine{{ProductRef: "p1", UnitPrice: 1000, Quantity: 2}}, h.store.PendingGuestLines(ctx))

	fail.Store(false)
	require.NoError(t, h.store.RetryMerge(ctx))
	h.store.Wait()

	assert.Empty(t, h.store.PendingGuestLines(ctx))
	assert.Equal(t, 2, h.store.ItemQuantity("p1"))
	assert.Equal(t, 1, server.count("merge"))
}

func TestLogout_RestoresGuestCart(t *testing.T) {
	h := newHarness(t)
	server := newFakeServer(h.remote)
	server.lines = []model.CartLine{{ProductRef: "server-only", UnitPrice: 100, Quantity: 1}}
	h.start(t)
	h.login(t)
	require.True(t, h.store.IsInCart("server-only"))

	h.session.Logout()

	snap := h.store.Snapshot()
	assert.True(t, snap.IsGuest)
	assert.False(t, h.store.IsInCart("server-only"))
}

func TestSubscribe_ReceivesDiffs(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	var diffs []*reconcile.LineDiff
	unsubscribe := h.store.Subscribe(func(_ Snapshot, d *reconcile.LineDiff) {
		diffs = append(diffs, d)
	})
	ctx := context.Background()

	require.NoError(t, h.store.AddItem(ctx, p1, 1))
	require.NoError(t, h.store.AddItem(ctx, p1, 1))
	require.NoError(t, h.store.RemoveItem(ctx, "p1"))
	unsubscribe()
	require.NoError(t, h.store.AddItem(ctx, p2, 1))

	require.Len(t, diffs, 3)
	assert.Len(t, diffs[0].ToAdd, 1)
	require.Len(t, diffs[1].ToUpdate, 1)
	assert.Equal(t, 2, diffs[1].ToUpdate[0].NewQuantity)
	assert.Len(t, diffs[2].ToRemove, 1)
}

func TestMutationDuringMerge_WaitsForSettle(t *testing.T) {
	h := newHarness(t)
	server := newFakeServer(h.remote)
	release := make(chan struct{})
	entered := make(chan struct{})
	baseMerge := h.remote.MergeItemsFunc
	h.remote.MergeItemsFunc = func(ctx context.Context, lines []model.CartLine) (model.Cart, error) {
		close(entered)
		<-release
		return baseMerge(ctx, lines)
	}
	ctx := context.Background()
	h.start(t)
	require.NoError(t, h.store.AddItem(ctx, p1, 1))
	require.NoError(t, h.session.LoginWithToken("u1", "tok"))
	<-entered

	done := make(chan error, 1)
	go func() { done <- h.store.AddItem(ctx, p2, 1) }()
	close(release)
	require.NoError(t, <-done)
	h.store.Wait()

	// The add went to the server, after the merge.
	assert.Equal(t, 1, server.count("add"))
	assert.True(t, h.store.IsInCart("p1"))
	assert.True(t, h.store.IsInCart("p2"))
	assert.Empty(t, h.local.Load(ctx))
}

// gatedStorage holds the next Set until release is closed.
type gatedStorage struct {
	*localstore.MemoryStorage
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStorage) Set(ctx context.Context, key string, value []byte) error {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.MemoryStorage.Set(ctx, key, value)
}

func TestGuestEditSavedDuringLogin_IsMerged(t *testing.T) {
	h := newHarness(t)
	gated := &gatedStorage{
		MemoryStorage: localstore.NewMemoryStorage(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	h.local = localstore.New(gated, nil)
	h.store = New(Config{Identity: h.session, Local: h.local, Remote: h.remote})
	t.Cleanup(h.store.Close)
	server := newFakeServer(h.remote)
	ctx := context.Background()
	h.start(t)
	require.NoError(t, h.store.AddItem(ctx, p1, 1))

	gated.armed.Store(true)
	done := make(chan error, 1)
	go func() { done <- h.store.AddItem(ctx, p2, 1) }()
	<-gated.entered

	// The merge starts while p2 is still being written.
	require.NoError(t, h.session.LoginWithToken("u1", "tok"))
	close(gated.release)
	require.NoError(t, <-done)
	h.store.Wait()

	assert.Equal(t, 1, server.count("merge"))
	assert.Equal(t, 0, server.count("add"))
	assert.Equal(t, 1, h.store.ItemQuantity("p1"))
	assert.Equal(t, 1, h.store.ItemQuantity("p2"))
	assert.Empty(t, h.local.Load(ctx))
	assert.Empty(t, h.store.PendingGuestLines(ctx))
}

func TestGuestEditQueuedBehindLogin_GoesToServer(t *testing.T) {
	h := newHarness(t)
	server := newFakeServer(h.remote)
	ctx := context.Background()
	h.start(t)
	require.NoError(t, h.store.AddItem(ctx, p1, 1))

	// Hold the guest lock so the add and the merge's read queue up behind it.
	h.store.guestMu.Lock()
	done := make(chan error, 1)
	go func() { done <- h.store.AddItem(ctx, p2, 2) }()
	require.NoError(t, h.session.LoginWithToken("u1", "tok"))
	h.store.guestMu.Unlock()

	require.NoError(t, <-done)
	h.store.Wait()

	assert.Equal(t, 1, server.count("merge"))
	assert.Equal(t, 1, h.store.ItemQuantity("p1"))
	assert.Equal(t, 2, h.store.ItemQuantity("p2"))
	assert.False(t, h.store.Snapshot().IsGuest)
	assert.Empty(t, h.local.Load(ctx))
}

func TestAuthenticatedRefetch_NormalizesLines(t *testing.T) {
	h := newHarness(t)
	newFakeServer(h.remote)
	ctx := context.Background()
	h.start(t)
	h.login(t)

	h.remote.FetchFunc = func(context.Context) (model.Cart, error) {
		return model.Cart{Lines: []model.CartLine{
			{ProductRef: "p1", UnitPrice: 1000, Quantity: 2},
			{ProductRef: "p1", UnitPrice: 1000, Quantity: 1},
			{ProductRef: "p2", UnitPrice: 500, Quantity: -1},
		}}, nil
	}
	require.NoError(t, h.store.AddItem(ctx, p1, 1))

	snap := h.store.Snapshot()
	assert.Equal(t, []model.CartLine{{ProductRef: "p1", UnitPrice: 1000, Quantity: 3}}, snap.Cart.Lines)
	assert.Equal(t, 3, snap.Cart.ItemCount)
	assert.Equal(t, model.Cents(3000), snap.Cart.Subtotal)
}
