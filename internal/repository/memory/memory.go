// Package memory is an in-process cart repository for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"cartsync/internal/repository"
)

// Repository keeps cart records in a map guarded by a mutex.
// Records do not survive a restart.
type Repository struct {
	mu      sync.Mutex
	records map[string]*repository.Record
	now     func() time.Time
}

// New returns an empty Repository.
func New() *Repository {
	return &Repository{
		records: make(map[string]*repository.Record),
		now:     time.Now,
	}
}

func (r *Repository) Get(_ context.Context, userID string) (*repository.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[userID]; ok {
		return rec.Clone(), nil
	}
	return &repository.Record{UserID: userID}, nil
}

func (r *Repository) Update(_ context.Context, userID string, fn func(*repository.Record) error) (*repository.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &repository.Record{UserID: userID}
	if existing, ok := r.records[userID]; ok {
		rec = existing.Clone()
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.UserID = userID
	rec.UpdatedAt = r.now().UTC()
	r.records[userID] = rec
	return rec.Clone(), nil
}

func (r *Repository) Delete(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[userID]; ok {
		rec.Lines = nil
		rec.UpdatedAt = r.now().UTC()
	}
	return nil
}

var _ repository.Repository = (*Repository)(nil)
