package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"provisioner/internal/types"
)

func TestSubscriptionCacheRepository_Upsert(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionCacheRepository(db)

	t0 := time.Unix(1_700_000_000, 0)
	t1 := time.Unix(1_702_592_000, 0)
	updated := time.Unix(1_700_000_100, 0)

	db.On("Exec", mock.Anything,
		`SELECT upsert_subscription_cache($1, $2, $3, $4, $5, $6, $7)`,
		mock.Anything,
	).Run(func(args mock.Arguments) {
		a := args.Get(2).([]any)
		require.Len(t, a, 7)
		assert.Equal(t, "sub_1", a[0])
		assert.Equal(t, "cus_1", a[1])
		assert.Equal(t, "active", a[2])
		assert.True(t, t0.Equal(*a[3].(*time.Time)))
		assert.True(t, t1.Equal(*a[4].(*time.Time)))
		assert.Nil(t, a[5].(*bool), "unknown cancel flag is sent as NULL")
		assert.True(t, updated.Equal(a[6].(time.Time)))
	}).Return(pgconn.NewCommandTag("SELECT 1"), nil)

	err := repo.Upsert(context.Background(), types.SubscriptionSnapshot{
		SubscriptionID:     "sub_1",
		CustomerID:         "cus_1",
		Status:             types.SubStatusActive,
		CurrentPeriodStart: t0,
		CurrentPeriodEnd:   t1,
		StripeUpdatedAt:    updated,
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestSubscriptionCacheRepository_Upsert_ZeroPeriodIsNull(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionCacheRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			a := args.Get(2).([]any)
			assert.Nil(t, a[3].(*time.Time))
			assert.Nil(t, a[4].(*time.Time))
		}).Return(pgconn.NewCommandTag("SELECT 1"), nil)

	require.NoError(t, repo.Upsert(context.Background(), types.SubscriptionSnapshot{
		SubscriptionID: "sub_1", CustomerID: "cus_1", Status: types.SubStatusCanceled,
	}))
}

func TestSubscriptionCacheRepository_Upsert_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionCacheRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("function does not exist"))

	err := repo.Upsert(context.Background(), types.SubscriptionSnapshot{SubscriptionID: "sub_1"})
	assert.True(t, types.HasCode(err, types.ErrCodeInternalDB))
}

func TestSubscriptionCacheRepository_Get(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionCacheRepository(db)

	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"sub_1"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = "sub_1"
			*dest[1].(*string) = "cus_1"
			*dest[2].(*types.SubscriptionStatus) = types.SubStatusActive
			*dest[3].(**time.Time) = nil
			*dest[4].(**time.Time) = &end
			*dest[5].(*bool) = true
			*dest[6].(*time.Time) = end
			return nil
		}})

	c, err := repo.Get(context.Background(), "sub_1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, types.SubStatusActive, c.Status)
	assert.True(t, c.CancelAtPeriodEnd)
	assert.Equal(t, end, *c.CurrentPeriodEnd)
}

func TestSubscriptionCacheRepository_Get_Missing(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionCacheRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	c, err := repo.Get(context.Background(), "sub_x")
	require.NoError(t, err)
	assert.Nil(t, c)
}
