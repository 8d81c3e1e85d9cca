// Package repository defines storage for server-side carts.
// Implementations live in the memory, firestore and postgres subpackages.
package repository

import (
	"context"
	"slices"
	"time"

	"cartsync/internal/model"
)

// MaxMergeKeys bounds how many applied merge keys a record remembers.
// A client retries a merge within one sync session, so a short history suffices.
const MaxMergeKeys = 32

// Record is one user's stored cart.
type Record struct {
	UserID    string
	Lines     []model.CartLine
	MergeKeys []string // applied Cart-Merge keys, oldest first
	UpdatedAt time.Time
}

// HasMergeKey reports whether key was already applied.
func (r *Record) HasMergeKey(key string) bool {
	return slices.Contains(r.MergeKeys, key)
}

// AddMergeKey remembers key, dropping the oldest beyond MaxMergeKeys.
func (r *Record) AddMergeKey(key string) {
	if r.HasMergeKey(key) {
		return
	}
	r.MergeKeys = append(r.MergeKeys, key)
	if over := len(r.MergeKeys) - MaxMergeKeys; over > 0 {
		r.MergeKeys = slices.Delete(r.MergeKeys, 0, over)
	}
}

// Repository stores carts keyed by user id.
type Repository interface {
	// Get returns the user's record, or an empty record if there is none.
	Get(ctx context.Context, userID string) (*Record, error)
	// Update applies fn to the current record atomically and stores the result.
	// If fn returns an error nothing is written.
	Update(ctx context.Context, userID string, fn func(*Record) error) (*Record, error)
	// Delete removes the user's lines. Deleting a missing record is not an error.
	// Merge keys survive so a replayed merge after a clear stays a no-op.
	Delete(ctx context.Context, userID string) error
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	return &Record{
		UserID:    r.UserID,
		Lines:     slices.Clone(r.Lines),
		MergeKeys: slices.Clone(r.MergeKeys),
		UpdatedAt: r.UpdatedAt,
	}
}
