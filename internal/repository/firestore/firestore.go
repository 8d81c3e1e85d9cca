// Package firestore stores carts in Cloud Firestore.
//
// Collection design:
//   - collection: carts
//   - docId: user id
//   - fields: lines (array), mergeKeys (array), updatedAt
package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"cartsync/internal/model"
	"cartsync/internal/repository"
)

const collection = "carts"

type Repository struct {
	client *firestore.Client
}

// Open connects to projectID. credentialsFile may be empty to use
// application default credentials (or the emulator via FIRESTORE_EMULATOR_HOST).
func Open(ctx context.Context, projectID, credentialsFile string) (*Repository, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	return New(client), nil
}

func New(client *firestore.Client) *Repository {
	return &Repository{client: client}
}

// Close releases the client.
func (r *Repository) Close() error {
	return r.client.Close()
}

func (r *Repository) doc(userID string) (*firestore.DocumentRef, error) {
	id := strings.TrimSpace(userID)
	if id == "" {
		return nil, errors.New("firestore cart repository: user id is empty")
	}
	return r.client.Collection(collection).Doc(id), nil
}

func (r *Repository) Get(ctx context.Context, userID string) (*repository.Record, error) {
	ref, err := r.doc(userID)
	if err != nil {
		return nil, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return &repository.Record{UserID: userID}, nil
		}
		return nil, fmt.Errorf("reading cart %s: %w", userID, err)
	}
	return fromSnapshot(userID, snap)
}

func (r *Repository) Update(ctx context.Context, userID string, fn func(*repository.Record) error) (*repository.Record, error) {
	ref, err := r.doc(userID)
	if err != nil {
		return nil, err
	}

	var out *repository.Record
	err = r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		rec := &repository.Record{UserID: userID}
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			if rec, err = fromSnapshot(userID, snap); err != nil {
				return err
			}
		}

		if err := fn(rec); err != nil {
			return err
		}
		rec.UserID = userID
		rec.UpdatedAt = time.Now().UTC()
		out = rec
		return tx.Set(ref, toDoc(rec))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) Delete(ctx context.Context, userID string) error {
	ref, err := r.doc(userID)
	if err != nil {
		return err
	}
	_, err = ref.Update(ctx, []firestore.Update{
		{Path: "lines", Value: []lineDoc{}},
		{Path: "updatedAt", Value: time.Now().UTC()},
	})
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("clearing cart %s: %w", userID, err)
	}
	return nil
}

// -----------------------------------------
// Firestore DTO
// -----------------------------------------

type cartDoc struct {
	Lines     []lineDoc `firestore:"lines"`
	MergeKeys []string  `firestore:"mergeKeys"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type lineDoc struct {
	ProductRef string `firestore:"productRef"`
	UnitPrice  int64  `firestore:"unitPrice"`
	Quantity   int    `firestore:"qty"`
}

func toDoc(rec *repository.Record) cartDoc {
	lines := make([]lineDoc, len(rec.Lines))
	for i, l := range rec.Lines {
		lines[i] = lineDoc{ProductRef: l.ProductRef, UnitPrice: int64(l.UnitPrice), Quantity: l.Quantity}
	}
	keys := rec.MergeKeys
	if keys == nil {
		keys = []string{}
	}
	return cartDoc{Lines: lines, MergeKeys: keys, UpdatedAt: rec.UpdatedAt}
}

func fromSnapshot(userID string, snap *firestore.DocumentSnapshot) (*repository.Record, error) {
	var doc cartDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decoding cart %s: %w", userID, err)
	}
	rec := &repository.Record{
		UserID:    userID,
		MergeKeys: doc.MergeKeys,
		UpdatedAt: doc.UpdatedAt,
	}
	for _, l := range doc.Lines {
		rec.Lines = append(rec.Lines, model.CartLine{
			ProductRef: l.ProductRef,
			UnitPrice:  model.Cents(l.UnitPrice),
			Quantity:   l.Quantity,
		})
	}
	return rec, nil
}

var _ repository.Repository = (*Repository)(nil)
