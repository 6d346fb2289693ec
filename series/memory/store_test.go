package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/eventseries/series"
	"github.com/cyp0633/eventseries/series/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (series.Store, series.Scope) {
		return New(), series.Scope{TenantID: "tenant-1", ActorID: "user-1"}
	})
}

func TestInTx_RollbackLeavesOtherTenantsAlone(t *testing.T) {
	ctx := context.Background()
	store := New()
	a := series.Scope{TenantID: "tenant-a"}
	b := series.Scope{TenantID: "tenant-b"}
	at := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	boom := errors.New("boom")
	var other *series.EventRecord
	err := store.InTx(ctx, func(s series.Store) error {
		if _, err := s.CreateEvent(ctx, a, &series.EventRecord{Name: "Yoga", StartDate: at}); err != nil {
			return err
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			other, err = store.CreateEvent(ctx, b, &series.EventRecord{
				Name:                   "Chess",
				StartDate:              at,
				SeriesSlug:             "chess",
				OriginalOccurrenceDate: &at,
			})
			assert.NoError(t, err)
		}()
		wg.Wait()
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Len(t, store.events, 1)
	require.NotNil(t, other)
	got, err := store.FindEventByID(ctx, b, other.ID)
	require.NoError(t, err)
	assert.Equal(t, "Chess", got.Name)

	// the slot stays claimed
	_, err = store.CreateEvent(ctx, b, &series.EventRecord{
		Name:                   "Chess",
		StartDate:              at,
		SeriesSlug:             "chess",
		OriginalOccurrenceDate: &at,
	})
	assert.ErrorIs(t, err, series.ErrConflict)
}

func TestInTx_Nested(t *testing.T) {
	ctx := context.Background()
	store := New()
	scope := series.Scope{TenantID: "tenant-a"}

	boom := errors.New("boom")
	err := store.InTx(ctx, func(s series.Store) error {
		return s.(series.Transactor).InTx(ctx, func(inner series.Store) error {
			if _, err := inner.CreateEvent(ctx, scope, &series.EventRecord{Name: "Yoga", StartDate: time.Now()}); err != nil {
				return err
			}
			return boom
		})
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, store.events)
}
