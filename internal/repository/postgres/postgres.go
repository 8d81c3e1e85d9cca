// Package postgres stores carts in PostgreSQL, one JSONB row per user.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"cartsync/internal/model"
	"cartsync/internal/repository"
)

type Repository struct {
	db *sql.DB
}

// Open connects with connStr and creates the schema if needed.
func Open(ctx context.Context, connStr string) (*Repository, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	r := &Repository{db: db}
	if err := r.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS carts (
			user_id TEXT PRIMARY KEY,
			lines JSONB NOT NULL DEFAULT '[]',
			merge_keys JSONB NOT NULL DEFAULT '[]',
			updated_at TIMESTAMPTZ NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(userID string, row scanner) (*repository.Record, error) {
	var linesRaw, keysRaw []byte
	rec := &repository.Record{UserID: userID}
	if err := row.Scan(&linesRaw, &keysRaw, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(linesRaw, &rec.Lines); err != nil {
		return nil, fmt.Errorf("decoding lines for %s: %w", userID, err)
	}
	if err := json.Unmarshal(keysRaw, &rec.MergeKeys); err != nil {
		return nil, fmt.Errorf("decoding merge keys for %s: %w", userID, err)
	}
	return rec, nil
}

func (r *Repository) Get(ctx context.Context, userID string) (*repository.Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT lines, merge_keys, updated_at FROM carts WHERE user_id = $1`, userID)
	rec, err := scanRecord(userID, row)
	if errors.Is(err, sql.ErrNoRows) {
		return &repository.Record{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cart %s: %w", userID, err)
	}
	return rec, nil
}

// Update locks the user's row for the duration of fn.
func (r *Repository) Update(ctx context.Context, userID string, fn func(*repository.Record) error) (*repository.Record, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Ensure the row exists so FOR UPDATE has something to lock.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO carts (user_id, updated_at) VALUES ($1, now()) ON CONFLICT (user_id) DO NOTHING`,
		userID); err != nil {
		return nil, fmt.Errorf("ensuring cart row: %w", err)
	}

	rec, err := scanRecord(userID, tx.QueryRowContext(ctx,
		`SELECT lines, merge_keys, updated_at FROM carts WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, fmt.Errorf("locking cart %s: %w", userID, err)
	}

	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.UserID = userID
	rec.UpdatedAt = time.Now().UTC()

	lines := rec.Lines
	if lines == nil {
		lines = []model.CartLine{}
	}
	keys := rec.MergeKeys
	if keys == nil {
		keys = []string{}
	}
	linesRaw, err := json.Marshal(lines)
	if err != nil {
		return nil, err
	}
	keysRaw, err := json.Marshal(keys)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE carts SET lines = $2, merge_keys = $3, updated_at = $4 WHERE user_id = $1`,
		userID, string(linesRaw), string(keysRaw), rec.UpdatedAt); err != nil {
		return nil, fmt.Errorf("writing cart %s: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Repository) Delete(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE carts SET lines = '[]', updated_at = now() WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("clearing cart %s: %w", userID, err)
	}
	return nil
}

var _ repository.Repository = (*Repository)(nil)
