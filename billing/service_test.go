package billing_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingportal/billing"
)

func testCatalog() *billing.PlanCatalog {
	catalog, err := billing.ParsePlanCatalog([]byte(`
plans:
  - price_id: price_basic
    name: Basic
    amount_cents: 900
    currency: usd
    interval: month
    public: true
  - price_id: price_pro
    name: Pro
    amount_cents: 2900
    currency: usd
    interval: month
    public: true
`))
	if err != nil {
		panic(err)
	}
	return catalog
}

func testServiceConfig() billing.ServiceConfig {
	return billing.ServiceConfig{
		ProviderName:       "stripe",
		CheckoutSuccessURL: "https://app.example.com/billing/success",
		CheckoutCancelURL:  "https://app.example.com/billing/cancel",
		PortalReturnURL:    "https://app.example.com/billing",
	}
}

func newTestService(provider *mockProvider, store *mockStore, directory *mockDirectory, retry *mockRetryQueue) *billing.Service {
	return billing.NewService(provider, store, directory, testCatalog(), retry, testServiceConfig(),
		slog.New(slog.DiscardHandler))
}

func TestServiceCheckout(t *testing.T) {
	t.Parallel()

	accountID := uuid.New()

	t.Run("existing customer", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		store := new(mockStore)
		directory := new(mockDirectory)
		retry := new(mockRetryQueue)
		svc := newTestService(provider, store, directory, retry)

		directory.On("CustomerID", mock.Anything, accountID, "stripe").Return("cus_123", nil)
		provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(p billing.CheckoutParams) bool {
			return p.CustomerID == "cus_123" &&
				p.PriceID == "price_basic" &&
				p.Metadata["account_id"] == accountID.String()
		})).Return(&billing.CheckoutSession{ID: "cs_1", URL: "https://checkout.example.com/cs_1"}, nil)

		session, err := svc.Checkout(context.Background(), accountID, "user@example.com", "User", "price_basic")
		require.NoError(t, err)
		assert.Equal(t, "https://checkout.example.com/cs_1", session.URL)
		provider.AssertNotCalled(t, "CreateCustomer", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("creates customer on first use", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		store := new(mockStore)
		directory := new(mockDirectory)
		retry := new(mockRetryQueue)
		svc := newTestService(provider, store, directory, retry)

		directory.On("CustomerID", mock.Anything, accountID, "stripe").Return("", billing.ErrCustomerNotFound).Once()
		provider.On("CreateCustomer", mock.Anything, "user@example.com", "User", "").Return("cus_new", nil)
		directory.On("Link", mock.Anything, accountID, "stripe", "cus_new").Return(nil)
		provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).
			Return(&billing.CheckoutSession{ID: "cs_2", URL: "https://checkout.example.com/cs_2"}, nil)

		_, err := svc.Checkout(context.Background(), accountID, "user@example.com", "User", "price_basic")
		require.NoError(t, err)
		directory.AssertExpectations(t)
		provider.AssertExpectations(t)
	})

	t.Run("lost identity race falls back to winner", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		store := new(mockStore)
		directory := new(mockDirectory)
		retry := new(mockRetryQueue)
		svc := newTestService(provider, store, directory, retry)

		directory.On("CustomerID", mock.Anything, accountID, "stripe").Return("", billing.ErrCustomerNotFound).Once()
		provider.On("CreateCustomer", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("cus_loser", nil)
		directory.On("Link", mock.Anything, accountID, "stripe", "cus_loser").Return(billing.ErrIdentityExists)
		directory.On("CustomerID", mock.Anything, accountID, "stripe").Return("cus_winner", nil).Once()
		provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(p billing.CheckoutParams) bool {
			return p.CustomerID == "cus_winner"
		})).Return(&billing.CheckoutSession{ID: "cs_3", URL: "u"}, nil)

		_, err := svc.Checkout(context.Background(), accountID, "user@example.com", "User", "price_basic")
		require.NoError(t, err)
	})

	t.Run("unknown plan rejected before any provider call", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		store := new(mockStore)
		directory := new(mockDirectory)
		retry := new(mockRetryQueue)
		svc := newTestService(provider, store, directory, retry)

		_, err := svc.Checkout(context.Background(), accountID, "user@example.com", "User", "price_unknown")
		require.ErrorIs(t, err, billing.ErrPlanNotFound)
		provider.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything, mock.Anything)
	})
}

func TestServicePortal(t *testing.T) {
	t.Parallel()

	accountID := uuid.New()

	t.Run("no customer yet", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		store := new(mockStore)
		directory := new(mockDirectory)
		retry := new(mockRetryQueue)
		svc := newTestService(provider, store, directory, retry)

		directory.On("CustomerID", mock.Anything, accountID, "stripe").Return("", billing.ErrCustomerNotFound)

		_, err := svc.Portal(context.Background(), accountID)
		require.ErrorIs(t, err, billing.ErrCustomerNotFound)
	})

	t.Run("creates session", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		store := new(mockStore)
		directory := new(mockDirectory)
		retry := new(mockRetryQueue)
		svc := newTestService(provider, store, directory, retry)

		directory.On("CustomerID", mock.Anything, accountID, "stripe").Return("cus_123", nil)
		provider.On("CreatePortalSession", mock.Anything, "cus_123", "https://app.example.com/billing").
			Return(&billing.PortalSession{URL: "https://portal.example.com/p_1"}, nil)

		session, err := svc.Portal(context.Background(), accountID)
		require.NoError(t, err)
		assert.Equal(t, "https://portal.example.com/p_1", session.URL)
	})
}

func TestServiceCancel(t *testing.T) {
	t.Parallel()

	accountID := uuid.New()
	subID := uuid.New()
	ownedSub := func() *billing.Subscription {
		return &billing.Subscription{
			ID:        subID,
			AccountID: accountID,
			RemoteID:  "sub_remote_1",
			Status:    billing.StatusActive,
		}
	}

	t.Run("schedules cancellation and writes back snapshot", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		store := new(mockStore)
		directory := new(mockDirectory)
		retry := new(mockRetryQueue)
		svc := newTestService(provider, store, directory, retry)

		snap := &billing.Snapshot{
			RemoteID:          "sub_remote_1",
			Status:            billing.StatusActive,
			CancelAtPeriodEnd: true,
			CurrentPeriodEnd:  time.Now().Add(20 * 24 * time.Hour).UTC(),
		}
		store.On("ByID", mock.Anything, subID).Return(ownedSub(), nil)
		provider.On("UpdateSubscription", mock.Anything, "sub_remote_1", mock.MatchedBy(func(p billing.UpdateParams) bool {
			return p.CancelAtPeriodEnd != nil && *p.CancelAtPeriodEnd && p.PriceID == ""
		})).Return(snap, nil)
		store.On("ApplySnapshot", mock.Anything, "sub_remote_1", snap).Return(nil)

		sub, err := svc.Cancel(context.Background(), accountID, subID, true)
		require.NoError(t, err)
		assert.True(t, sub.CancelAtPeriodEnd)
		assert.Equal(t, billing.StatusActive, sub.Status, "record stays open until the terminal event")
		retry.AssertNotCalled(t, "Enqueue", mock.Anything)
	})

	t.Run("immediate cancellation terminates remotely right away", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		store := new(mockStore)
		directory := new(mockDirectory)
		retry := new(mockRetryQueue)
		svc := newTestService(provider, store, directory, retry)

		snap := &billing.Snapshot{
			RemoteID: "sub_remote_1",
			Status:   billing.StatusCanceled,
		}
		store.On("ByID", mock.Anything, subID).Return(ownedSub(), nil)
		provider.On("UpdateSubscription", mock.Anything, "sub_remote_1", mock.MatchedBy(func(p billing.UpdateParams) bool {
			return p.CancelNow && p.CancelAtPeriodEnd == nil && p.PriceID == ""
		})).Return(snap, nil)
		store.On("ApplySnapshot", mock.Anything, "sub_remote_1", snap).Return(nil)

		sub, err := svc.Cancel(context.Background(), accountID, subID, false)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, sub.Status)
		provider.AssertExpectations(t)
	})

	t.Run("foreign subscription reads as missing and provider is untouched", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		store := new(mockStore)
		directory := new(mockDirectory)
		retry := new(mockRetryQueue)
		svc := newTestService(provider, store, directory, retry)

		foreign := ownedSub()
		foreign.AccountID = uuid.New()
		store.On("ByID", mock.Anything, subID).Return(foreign, nil)

		_, err := svc.Cancel(context.Background(), accountID, subID, true)
		require.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
		provider.AssertNotCalled(t, "UpdateSubscription", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("local write failure queues reconciliation but succeeds", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		store := new(mockStore)
		directory := new(mockDirectory)
		retry := new(mockRetryQueue)
		svc := newTestService(provider, store, directory, retry)

		snap := &billing.Snapshot{RemoteID: "sub_remote_1", Status: billing.StatusActive, CancelAtPeriodEnd: true}
		store.On("ByID", mock.Anything, subID).Return(ownedSub(), nil)
		provider.On("UpdateSubscription", mock.Anything, "sub_remote_1", mock.Anything).Return(snap, nil)
		store.On("ApplySnapshot", mock.Anything, "sub_remote_1", snap).Return(errors.New("db down"))
		retry.On("Enqueue", "sub_remote_1").Return()

		sub, err := svc.Cancel(context.Background(), accountID, subID, true)
		require.NoError(t, err, "remote change already happened; request must not fail")
		assert.True(t, sub.CancelAtPeriodEnd)
		retry.AssertExpectations(t)
	})
}

func TestServiceReactivate(t *testing.T) {
	t.Parallel()

	accountID := uuid.New()
	subID := uuid.New()

	provider := new(mockProvider)
	store := new(mockStore)
	directory := new(mockDirectory)
	retry := new(mockRetryQueue)
	svc := newTestService(provider, store, directory, retry)

	store.On("ByID", mock.Anything, subID).Return(&billing.Subscription{
		ID:                subID,
		AccountID:         accountID,
		RemoteID:          "sub_remote_2",
		Status:            billing.StatusActive,
		CancelAtPeriodEnd: true,
	}, nil)
	snap := &billing.Snapshot{RemoteID: "sub_remote_2", Status: billing.StatusActive, CancelAtPeriodEnd: false}
	provider.On("UpdateSubscription", mock.Anything, "sub_remote_2", mock.MatchedBy(func(p billing.UpdateParams) bool {
		return p.CancelAtPeriodEnd != nil && !*p.CancelAtPeriodEnd
	})).Return(snap, nil)
	store.On("ApplySnapshot", mock.Anything, "sub_remote_2", snap).Return(nil)

	sub, err := svc.Reactivate(context.Background(), accountID, subID)
	require.NoError(t, err)
	assert.False(t, sub.CancelAtPeriodEnd)
}

func TestServiceChangePlan(t *testing.T) {
	t.Parallel()

	accountID := uuid.New()
	subID := uuid.New()

	t.Run("invalid proration rejected", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		store := new(mockStore)
		directory := new(mockDirectory)
		retry := new(mockRetryQueue)
		svc := newTestService(provider, store, directory, retry)

		_, err := svc.ChangePlan(context.Background(), accountID, subID, "price_pro", "whenever")
		require.ErrorIs(t, err, billing.ErrInvalidProration)
	})

	t.Run("unknown target plan rejected", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		store := new(mockStore)
		directory := new(mockDirectory)
		retry := new(mockRetryQueue)
		svc := newTestService(provider, store, directory, retry)

		_, err := svc.ChangePlan(context.Background(), accountID, subID, "price_unknown", billing.ProrationNone)
		require.ErrorIs(t, err, billing.ErrPlanNotFound)
	})

	t.Run("snapshot periods are written back verbatim", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		store := new(mockStore)
		directory := new(mockDirectory)
		retry := new(mockRetryQueue)
		svc := newTestService(provider, store, directory, retry)

		periodStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
		periodEnd := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
		store.On("ByID", mock.Anything, subID).Return(&billing.Subscription{
			ID:        subID,
			AccountID: accountID,
			RemoteID:  "sub_remote_3",
			Status:    billing.StatusActive,
		}, nil)
		snap := &billing.Snapshot{
			RemoteID:           "sub_remote_3",
			Status:             billing.StatusActive,
			Interval:           billing.IntervalMonth,
			PriceID:            "price_pro",
			CurrentPeriodStart: periodStart,
			CurrentPeriodEnd:   periodEnd,
		}
		provider.On("UpdateSubscription", mock.Anything, "sub_remote_3", mock.MatchedBy(func(p billing.UpdateParams) bool {
			return p.PriceID == "price_pro" && p.Proration == billing.ProrationNone && p.CancelAtPeriodEnd == nil
		})).Return(snap, nil)
		store.On("ApplySnapshot", mock.Anything, "sub_remote_3", snap).Return(nil)

		sub, err := svc.ChangePlan(context.Background(), accountID, subID, "price_pro", billing.ProrationNone)
		require.NoError(t, err)
		assert.Equal(t, periodStart, sub.CurrentPeriodStart)
		assert.Equal(t, periodEnd, sub.CurrentPeriodEnd)
	})

	t.Run("empty proration defaults to create_prorations", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		store := new(mockStore)
		directory := new(mockDirectory)
		retry := new(mockRetryQueue)
		svc := newTestService(provider, store, directory, retry)

		store.On("ByID", mock.Anything, subID).Return(&billing.Subscription{
			ID:        subID,
			AccountID: accountID,
			RemoteID:  "sub_remote_4",
			Status:    billing.StatusActive,
		}, nil)
		snap := &billing.Snapshot{RemoteID: "sub_remote_4", Status: billing.StatusActive, PriceID: "price_pro"}
		provider.On("UpdateSubscription", mock.Anything, "sub_remote_4", mock.MatchedBy(func(p billing.UpdateParams) bool {
			return p.Proration == billing.ProrationCreate
		})).Return(snap, nil)
		store.On("ApplySnapshot", mock.Anything, "sub_remote_4", snap).Return(nil)

		_, err := svc.ChangePlan(context.Background(), accountID, subID, "price_pro", "")
		require.NoError(t, err)
	})
}
