package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"

	"cartsync/internal/cartstore"
	"cartsync/internal/config"
	"cartsync/internal/identity"
	"cartsync/internal/localstore"
	"cartsync/internal/model"
	"cartsync/internal/remote"
	"cartsync/internal/transport"
)

// sessionKey holds the persisted login in the same kv storage as the guest cart.
const sessionKey = "session"

// stateFileMode keeps the saved bearer token readable by its owner only.
const stateFileMode = 0o600

// ProductSource resolves catalog entries for guest adds.
type ProductSource interface {
	Products(ctx context.Context) ([]model.Product, error)
}

// Deps are the collaborators an App is built from.
type Deps struct {
	Storage  localstore.Storage
	Session  *identity.Session
	Remote   remote.CartService
	Products ProductSource
	Logger   *slog.Logger
	// Close releases resources behind Storage and Remote. Optional.
	Close func() error
}

// App is one cartctl invocation: a started cart store over persisted state.
type App struct {
	Store    *cartstore.Store
	Session  *identity.Session
	products ProductSource
	storage  localstore.Storage
	logger   *slog.Logger
	close    func() error
}

// Opener builds the App for a command.
type Opener func(ctx context.Context, opts *RootOptions) (*App, error)

// persistedSession is the JSON stored under sessionKey. The token is kept in
// the clear; the state file is restricted to its owner instead.
type persistedSession struct {
	UserID  string `json:"user_id"`
	LoginID string `json:"login_id"`
	Token   string `json:"token"`
}

// DefaultOpener wires cartctl against the configured server and SQLite file.
// Diagnostics go to logOut; --verbose lowers the level to debug.
func DefaultOpener(logOut io.Writer) Opener {
	return func(ctx context.Context, opts *RootOptions) (*App, error) {
		level := slog.LevelWarn
		if opts.Verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))

		cfg, err := config.LoadClient()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("creating state dir: %w", err)
		}
		storage, err := localstore.OpenSQLite(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := os.Chmod(cfg.DBPath, stateFileMode); err != nil {
			_ = storage.Close()
			return nil, fmt.Errorf("restricting state file: %w", err)
		}

		session := identity.NewSession()
		httpClient := &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport.New(cfg.Transport, 10*time.Second),
		}
		client := remote.NewClient(cfg.Server, session, httpClient)

		logger.Debug("opened client state",
			slog.String("db", cfg.DBPath),
			slog.String("server", cfg.Server),
			slog.String("transport", string(cfg.Transport)),
		)
		return NewApp(ctx, Deps{
			Storage:  storage,
			Session:  session,
			Remote:   client,
			Products: client,
			Logger:   logger,
			Close:    storage.Close,
		})
	}
}

// NewApp restores the persisted login, starts the store and waits for the
// initial reconciliation to settle.
func NewApp(ctx context.Context, d Deps) (*App, error) {
	a := &App{
		Session:  d.Session,
		products: d.Products,
		storage:  d.Storage,
		logger:   d.Logger,
		close:    d.Close,
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := a.restoreSession(ctx); err != nil {
		a.logger.Warn("discarding saved login", "error", err)
		_ = a.storage.Remove(ctx, sessionKey)
	}

	a.Store = cartstore.New(cartstore.Config{
		Identity: d.Session,
		Local:    localstore.New(d.Storage, a.logger),
		Remote:   d.Remote,
		Logger:   a.logger,
	})
	a.Store.Start(ctx)
	a.Store.Wait()
	return a, nil
}

func (a *App) restoreSession(ctx context.Context) error {
	raw, err := a.storage.Get(ctx, sessionKey)
	if errors.Is(err, localstore.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var p persistedSession
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decoding saved login: %w", err)
	}
	return a.Session.Resume(
		identity.State{UserID: p.UserID, LoginID: p.LoginID},
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: p.Token}),
	)
}

// saveSession mirrors the live session into storage, removing it after a logout.
func (a *App) saveSession(ctx context.Context) error {
	state := a.Session.State()
	if !state.Authenticated {
		if err := a.storage.Remove(ctx, sessionKey); err != nil && !errors.Is(err, localstore.ErrNotExist) {
			return err
		}
		return nil
	}
	token, err := a.Session.Token(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(persistedSession{UserID: state.UserID, LoginID: state.LoginID, Token: token})
	if err != nil {
		return err
	}
	return a.storage.Set(ctx, sessionKey, raw)
}

// Product looks ref up in the catalog.
func (a *App) Product(ctx context.Context, ref string) (model.Product, error) {
	products, err := a.products.Products(ctx)
	if err != nil {
		return model.Product{}, fmt.Errorf("loading catalog: %w", err)
	}
	for _, p := range products {
		if p.Ref == ref {
			return p, nil
		}
	}
	return model.Product{}, model.NewNotFoundError("product " + ref)
}

// Close waits for in-flight work, persists the login and releases resources.
func (a *App) Close(ctx context.Context) error {
	a.Store.Wait()
	a.Store.Close()
	err := a.saveSession(ctx)
	if a.close != nil {
		err = errors.Join(err, a.close())
	}
	return err
}

// View renders the current cart state.
func (a *App) View(ctx context.Context) CartView {
	snap := a.Store.Snapshot()
	var userID string
	if !snap.IsGuest {
		userID = a.Session.State().UserID
	}
	return NewCartView(snap.Cart, userID, a.Store.Phase().String(), a.Store.PendingGuestLines(ctx), snap.Err)
}
