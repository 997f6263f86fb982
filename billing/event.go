package billing

// EventKind is the normalized webhook event type. Provider implementations
// map their vendor-specific event names onto this closed set; anything
// unmapped becomes EventUnknown so new vendor events never break ingestion.
type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout_completed"
	EventPaymentSucceeded    EventKind = "payment_succeeded"
	EventPaymentFailed       EventKind = "payment_failed"
	EventSubscriptionUpdated EventKind = "subscription_updated"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
	EventUnknown             EventKind = "unknown"
)

// Event is the typed envelope produced by PaymentProvider.ParseWebhook after
// signature verification.
type Event struct {
	// ID is the provider's event identifier, used for best-effort dedup.
	ID string
	// Kind is the normalized event type.
	Kind EventKind
	// ProviderType is the original vendor event name, kept for logging.
	ProviderType string
	// RemoteSubscriptionID joins the event to a ledger record. Empty for
	// events that don't reference a subscription.
	RemoteSubscriptionID string
	// AccountID carries the local account ID recovered from checkout
	// metadata. Only set for EventCheckoutCompleted.
	AccountID string
	// Snapshot holds the full subscription state for events whose payload
	// carries the whole object (subscription_updated, subscription_deleted).
	// Nil for summary events, which must re-fetch via the provider.
	Snapshot *Snapshot
	// Raw is the verified request body, retained for the event archive.
	Raw []byte
}
