// Package repotest holds behavior tests every repository.Repository must pass.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartsync/internal/model"
	"cartsync/internal/reconcile"
	"cartsync/internal/repository"
)

// Run exercises repo. userPrefix keeps runs against shared databases apart.
func Run(t *testing.T, repo repository.Repository, userPrefix string) {
	ctx := context.Background()
	user := func(name string) string { return userPrefix + name }

	t.Run("GetMissingIsEmpty", func(t *testing.T) {
		rec, err := repo.Get(ctx, user("nobody"))
		require.NoError(t, err)
		assert.Equal(t, user("nobody"), rec.UserID)
		assert.Empty(t, rec.Lines)
		assert.Empty(t, rec.MergeKeys)
	})

	t.Run("UpdateThenGet", func(t *testing.T) {
		lines := []model.CartLine{
			{ProductRef: "p1", UnitPrice: 1250, Quantity: 2},
			{ProductRef: "p2", UnitPrice: 99, Quantity: 1},
		}
		_, err := repo.Update(ctx, user("alice"), func(rec *repository.Record) error {
			rec.Lines = lines
			rec.AddMergeKey("k1")
			return nil
		})
		require.NoError(t, err)

		rec, err := repo.Get(ctx, user("alice"))
		require.NoError(t, err)
		assert.Equal(t, lines, rec.Lines)
		assert.True(t, rec.HasMergeKey("k1"))
		assert.False(t, rec.UpdatedAt.IsZero())
	})

	t.Run("UpdateErrorWritesNothing", func(t *testing.T) {
		_, err := repo.Update(ctx, user("bob"), func(rec *repository.Record) error {
			rec.Lines = []model.CartLine{{ProductRef: "p1", Quantity: 1}}
			return errors.New("validation failed")
		})
		require.Error(t, err)

		rec, err := repo.Get(ctx, user("bob"))
		require.NoError(t, err)
		assert.Empty(t, rec.Lines)
	})

	t.Run("DeleteKeepsMergeKeys", func(t *testing.T) {
		_, err := repo.Update(ctx, user("carol"), func(rec *repository.Record) error {
			rec.Lines = []model.CartLine{{ProductRef: "p1", UnitPrice: 1, Quantity: 1}}
			rec.AddMergeKey("carol-key")
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, repo.Delete(ctx, user("carol")))
		require.NoError(t, repo.Delete(ctx, user("never-existed")))

		rec, err := repo.Get(ctx, user("carol"))
		require.NoError(t, err)
		assert.Empty(t, rec.Lines)
		assert.True(t, rec.HasMergeKey("carol-key"))
	})

	t.Run("ConcurrentUpdatesDontLoseWrites", func(t *testing.T) {
		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := repo.Update(ctx, user("dave"), func(rec *repository.Record) error {
					rec.Lines = reconcile.MergeInto(rec.Lines, []model.CartLine{
						{ProductRef: fmt.Sprintf("p%d", i%2), UnitPrice: 100, Quantity: 1},
					})
					return nil
				})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		rec, err := repo.Get(ctx, user("dave"))
		require.NoError(t, err)
		assert.Equal(t, writers, model.ComputeTotals(rec.Lines).ItemCount)
	})
}
