package billing_test

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/dmitrymomot/billingportal/billing"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) CreateCustomer(ctx context.Context, email, name, phone string) (string, error) {
	args := m.Called(ctx, email, name, phone)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) CreateCheckoutSession(ctx context.Context, params billing.CheckoutParams) (*billing.CheckoutSession, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.CheckoutSession), args.Error(1)
}

func (m *mockProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*billing.PortalSession, error) {
	args := m.Called(ctx, customerID, returnURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.PortalSession), args.Error(1)
}

func (m *mockProvider) Subscription(ctx context.Context, remoteID string) (*billing.Snapshot, error) {
	args := m.Called(ctx, remoteID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Snapshot), args.Error(1)
}

func (m *mockProvider) UpdateSubscription(ctx context.Context, remoteID string, params billing.UpdateParams) (*billing.Snapshot, error) {
	args := m.Called(ctx, remoteID, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Snapshot), args.Error(1)
}

func (m *mockProvider) ParseWebhook(payload []byte, signature string) (*billing.Event, error) {
	args := m.Called(payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Event), args.Error(1)
}

func (m *mockProvider) SignatureHeader() string { return "Test-Signature" }

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateIfAbsent(ctx context.Context, sub *billing.Subscription) (bool, error) {
	args := m.Called(ctx, sub)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) ApplySnapshot(ctx context.Context, remoteID string, snap *billing.Snapshot) error {
	args := m.Called(ctx, remoteID, snap)
	return args.Error(0)
}

func (m *mockStore) ForceStatus(ctx context.Context, remoteID string, status billing.Status) error {
	args := m.Called(ctx, remoteID, status)
	return args.Error(0)
}

func (m *mockStore) ByID(ctx context.Context, id uuid.UUID) (*billing.Subscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Subscription), args.Error(1)
}

func (m *mockStore) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]billing.Subscription, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]billing.Subscription), args.Error(1)
}

func (m *mockStore) ActiveForAccount(ctx context.Context, accountID uuid.UUID) (*billing.Subscription, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Subscription), args.Error(1)
}

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) Link(ctx context.Context, accountID uuid.UUID, provider, customerID string) error {
	args := m.Called(ctx, accountID, provider, customerID)
	return args.Error(0)
}

func (m *mockDirectory) CustomerID(ctx context.Context, accountID uuid.UUID, provider string) (string, error) {
	args := m.Called(ctx, accountID, provider)
	return args.String(0), args.Error(1)
}

func (m *mockDirectory) AccountByCustomer(ctx context.Context, provider, customerID string) (uuid.UUID, error) {
	args := m.Called(ctx, provider, customerID)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

type mockRetryQueue struct {
	mock.Mock
}

func (m *mockRetryQueue) Enqueue(remoteID string) {
	m.Called(remoteID)
}

type mockDedup struct {
	mock.Mock
}

func (m *mockDedup) Seen(ctx context.Context, eventID string) (bool, error) {
	args := m.Called(ctx, eventID)
	return args.Bool(0), args.Error(1)
}

type mockArchive struct {
	mock.Mock
}

func (m *mockArchive) Archive(ctx context.Context, event *billing.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}
