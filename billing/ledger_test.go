package billing_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingportal/billing"
)

func TestPGSubscriptionStoreCreateIfAbsent(t *testing.T) {
	t.Parallel()

	t.Run("inserts new record", func(t *testing.T) {
		t.Parallel()

		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		store := billing.NewPGSubscriptionStore(mock)

		mock.ExpectExec("INSERT INTO subscriptions").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "sub_1", billing.StatusActive, billing.IntervalMonth,
				pgxmock.AnyArg(), pgxmock.AnyArg(), false, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		created, err := store.CreateIfAbsent(t.Context(), &billing.Subscription{
			AccountID: uuid.New(),
			RemoteID:  "sub_1",
			Status:    billing.StatusActive,
			Interval:  billing.IntervalMonth,
		})
		require.NoError(t, err)
		assert.True(t, created)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conflict on remote id is a no-op", func(t *testing.T) {
		t.Parallel()

		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		store := billing.NewPGSubscriptionStore(mock)

		mock.ExpectExec("INSERT INTO subscriptions").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "sub_1", billing.StatusActive, billing.Interval(""),
				pgxmock.AnyArg(), pgxmock.AnyArg(), false, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		created, err := store.CreateIfAbsent(t.Context(), &billing.Subscription{
			AccountID: uuid.New(),
			RemoteID:  "sub_1",
			Status:    billing.StatusActive,
		})
		require.NoError(t, err)
		assert.False(t, created)
	})
}

func TestPGSubscriptionStoreApplySnapshot(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := billing.NewPGSubscriptionStore(mock)

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE subscriptions").
		WithArgs("sub_1", billing.StatusPastDue, billing.IntervalMonth, start, end, true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = store.ApplySnapshot(t.Context(), "sub_1", &billing.Snapshot{
		Status:             billing.StatusPastDue,
		Interval:           billing.IntervalMonth,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		CancelAtPeriodEnd:  true,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGSubscriptionStoreForceStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := billing.NewPGSubscriptionStore(mock)

	mock.ExpectExec("UPDATE subscriptions SET status").
		WithArgs("sub_1", billing.StatusPastDue, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.ForceStatus(t.Context(), "sub_1", billing.StatusPastDue))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGSubscriptionStoreByID(t *testing.T) {
	t.Parallel()

	t.Run("not found", func(t *testing.T) {
		t.Parallel()

		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		store := billing.NewPGSubscriptionStore(mock)
		id := uuid.New()

		mock.ExpectQuery("SELECT (.+) FROM subscriptions WHERE id").
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{
				"id", "account_id", "remote_subscription_id", "status", "billing_interval",
				"current_period_start", "current_period_end", "cancel_at_period_end", "created_at", "updated_at",
			}))

		_, err = store.ByID(t.Context(), id)
		require.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	})

	t.Run("found", func(t *testing.T) {
		t.Parallel()

		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		store := billing.NewPGSubscriptionStore(mock)
		id := uuid.New()
		accountID := uuid.New()
		now := time.Now().UTC()

		mock.ExpectQuery("SELECT (.+) FROM subscriptions WHERE id").
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{
				"id", "account_id", "remote_subscription_id", "status", "billing_interval",
				"current_period_start", "current_period_end", "cancel_at_period_end", "created_at", "updated_at",
			}).AddRow(id, accountID, "sub_1", billing.StatusActive, billing.IntervalMonth, now, now, false, now, now))

		sub, err := store.ByID(t.Context(), id)
		require.NoError(t, err)
		assert.Equal(t, accountID, sub.AccountID)
		assert.Equal(t, "sub_1", sub.RemoteID)
		assert.True(t, sub.IsOpen())
	})
}

func TestPGSubscriptionStoreActiveForAccount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := billing.NewPGSubscriptionStore(mock)
	accountID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM subscriptions").
		WithArgs(accountID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "account_id", "remote_subscription_id", "status", "billing_interval",
			"current_period_start", "current_period_end", "cancel_at_period_end", "created_at", "updated_at",
		}))

	_, err = store.ActiveForAccount(t.Context(), accountID)
	require.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
}
