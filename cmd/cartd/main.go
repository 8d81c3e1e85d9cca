// cartd serves the Cart Persistence API: per-user server carts with
// idempotent guest-cart merging, over REST and MCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"cartsync/internal/catalog"
	"cartsync/internal/config"
	"cartsync/internal/handler"
	"cartsync/internal/identity"
	"cartsync/internal/middleware"
	"cartsync/internal/repository"
	"cartsync/internal/repository/firestore"
	"cartsync/internal/repository/memory"
	"cartsync/internal/repository/postgres"
	"cartsync/internal/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := initLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.String("repository", cfg.Repository),
		slog.Bool("oidc", cfg.OIDC.Enabled()),
		slog.Int("static_tokens", len(cfg.Secrets.StaticTokens)),
	)

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	defer closeRepo()

	cat, err := loadCatalog(cfg)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	verifier, err := buildVerifier(ctx, cfg)
	if err != nil {
		return fmt.Errorf("configuring auth: %w", err)
	}

	svc := service.New(repo, cat, logger)
	h := handler.New(svc, logger)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	// Recovery must be outermost to catch panics from logging middleware
	httpHandler := middleware.Chain(
		middleware.Recovery(logger),
		middleware.RequestID,
		middleware.Logging(logger),
		middleware.Auth(verifier, logger, handler.PublicPaths...),
	)(mux)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give outstanding requests time to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func openRepository(ctx context.Context, cfg *config.Config) (repository.Repository, func(), error) {
	switch cfg.Repository {
	case config.RepoFirestore:
		r, err := firestore.Open(ctx, cfg.Firestore.ProjectID, cfg.Firestore.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	case config.RepoPostgres:
		r, err := postgres.Open(ctx, cfg.Secrets.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	default:
		return memory.New(), func() {}, nil
	}
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.CatalogFile == "" {
		return catalog.Demo(), nil
	}
	return catalog.Load(cfg.CatalogFile)
}

func buildVerifier(ctx context.Context, cfg *config.Config) (identity.Verifier, error) {
	var vs identity.Verifiers
	if cfg.OIDC.Enabled() {
		v, err := identity.NewOIDCVerifier(ctx, cfg.OIDC.Issuer, cfg.OIDC.ClientID)
		if err != nil {
			return nil, err
		}
		vs = append(vs, v)
	}
	if len(cfg.Secrets.StaticTokens) > 0 {
		vs = append(vs, identity.StaticVerifier(cfg.Secrets.StaticTokens))
	}
	return vs, nil
}

// initLogger creates a structured logger configured for the environment.
// Production uses JSON format for Cloud Logging compatibility.
func initLogger() *slog.Logger {
	return newLogger(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("ENVIRONMENT"))
}

func newLogger(w io.Writer, levelName, environment string) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if environment == "production" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
