// Package localstore persists the guest cart on the client device.
//
// The snapshot is one JSON record under a single key. Reads never fail the
// caller: a record that cannot be parsed, or that was written by an
// incompatible schema major version, is discarded and treated as empty.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/mod/semver"

	"cartsync/internal/model"
	"cartsync/internal/reconcile"
)

// GuestCartKey is the storage key of the guest snapshot.
const GuestCartKey = "guestCart"

// SchemaVersion is written into every snapshot. Bump the major on
// incompatible layout changes; older majors are then discarded on Load.
const SchemaVersion = "v1.0.0"

// record is the durable layout.
type record struct {
	Version   string           `json:"version"`
	Lines     []model.CartLine `json:"lines"`
	Subtotal  model.Cents      `json:"subtotal"`
	ItemCount int              `json:"item_count"`
}

// Store reads and writes the guest snapshot.
type Store struct {
	storage Storage
	key     string
	logger  *slog.Logger
}

// New creates a Store over storage. A nil logger discards output.
func New(storage Storage, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		storage: storage,
		key:     GuestCartKey,
		logger:  logger.With("component", "localstore"),
	}
}

// Load returns the persisted guest lines, or nil when there are none.
func (s *Store) Load(ctx context.Context) []model.CartLine {
	raw, err := s.storage.Get(ctx, s.key)
	if errors.Is(err, ErrNotExist) {
		return nil
	}
	if err != nil {
		// Unreadable is not the same as corrupted; leave the record alone.
		s.logger.Warn("guest cart read failed", "error", err)
		return nil
	}

	lines, err := decode(raw)
	if err != nil {
		s.logger.Warn("discarding corrupted guest cart", "error", err, "bytes", len(raw))
		if rmErr := s.storage.Remove(ctx, s.key); rmErr != nil {
			s.logger.Error("failed to discard corrupted guest cart", "error", rmErr)
		}
		return nil
	}
	return lines
}

// Save writes lines as a full snapshot with freshly computed totals.
func (s *Store) Save(ctx context.Context, lines []model.CartLine) error {
	totals := model.ComputeTotals(lines)
	rec := record{
		Version:   SchemaVersion,
		Lines:     lines,
		Subtotal:  totals.Subtotal,
		ItemCount: totals.ItemCount,
	}
	if rec.Lines == nil {
		rec.Lines = []model.CartLine{}
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode guest cart: %w", err)
	}
	if err := s.storage.Set(ctx, s.key, raw); err != nil {
		return fmt.Errorf("save guest cart: %w", err)
	}
	return nil
}

// Clear removes the snapshot entirely.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.storage.Remove(ctx, s.key); err != nil {
		return fmt.Errorf("clear guest cart: %w", err)
	}
	return nil
}

func decode(raw []byte) ([]model.CartLine, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCorruptedState, err)
	}
	if !semver.IsValid(rec.Version) {
		return nil, fmt.Errorf("%w: invalid version %q", model.ErrCorruptedState, rec.Version)
	}
	if semver.Major(rec.Version) != semver.Major(SchemaVersion) {
		return nil, fmt.Errorf("%w: unsupported version %s", model.ErrCorruptedState, rec.Version)
	}
	// Normalize: duplicates summed, invalid quantities dropped.
	lines := reconcile.AggregateLines(rec.Lines)
	if len(lines) == 0 {
		return nil, nil
	}
	return lines, nil
}
