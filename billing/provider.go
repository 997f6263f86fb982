package billing

import (
	"context"
	"time"
)

// PaymentProvider is the boundary with the hosted payment vendor. It is a
// pure I/O wrapper: no local state, every method maps to one remote API
// interaction. Implementations must verify webhook signatures in
// ParseWebhook to prevent spoofed events from reaching the ledger.
type PaymentProvider interface {
	// CreateCustomer registers a remote customer and returns its ID.
	CreateCustomer(ctx context.Context, email, name, phone string) (string, error)

	// CreateCheckoutSession creates a hosted checkout flow for a price.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)

	// CreatePortalSession creates a hosted self-service portal session.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (*PortalSession, error)

	// Subscription fetches the full remote subscription state.
	Subscription(ctx context.Context, remoteID string) (*Snapshot, error)

	// UpdateSubscription mutates the remote subscription and returns the
	// resulting state. The returned snapshot, not the request, is what gets
	// written to the ledger.
	UpdateSubscription(ctx context.Context, remoteID string, params UpdateParams) (*Snapshot, error)

	// ParseWebhook verifies the payload signature and decodes the event.
	// A signature failure returns an error wrapping ErrInvalidSignature.
	ParseWebhook(payload []byte, signature string) (*Event, error)

	// SignatureHeader names the HTTP header carrying the webhook signature.
	SignatureHeader() string
}

// Snapshot is the provider's view of a subscription at one point in time.
type Snapshot struct {
	RemoteID           string
	CustomerID         string
	Status             Status
	Interval           Interval
	PriceID            string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
}

// CheckoutParams contains data needed to create a checkout session.
type CheckoutParams struct {
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// CheckoutSession represents a hosted checkout flow.
type CheckoutSession struct {
	ID  string
	URL string
}

// PortalSession represents a hosted self-service portal session.
type PortalSession struct {
	URL string
}

// UpdateParams describes a remote subscription mutation. Nil/zero fields are
// left untouched remotely. CancelNow terminates the subscription immediately
// and is mutually exclusive with the other fields.
type UpdateParams struct {
	CancelNow         bool
	CancelAtPeriodEnd *bool
	PriceID           string
	Proration         ProrationBehavior
}
