package billing

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the state of a subscription. The ledger only drives
// transition logic for the recognized subset below; anything else the vendor
// introduces is stored as an opaque string and passed through untouched.
type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
)

// Recognized reports whether the status belongs to the closed set the ledger
// reasons about.
func (s Status) Recognized() bool {
	switch s {
	case StatusIncomplete, StatusTrialing, StatusActive, StatusPastDue, StatusCanceled:
		return true
	}
	return false
}

// Open reports whether the subscription counts as "the active subscription"
// for an account.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusTrialing
}

// Interval represents the billing frequency of a subscription.
type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// ProrationBehavior is forwarded opaquely to the provider when a plan changes
// mid-period.
type ProrationBehavior string

const (
	// ProrationCreate bills the difference immediately.
	ProrationCreate ProrationBehavior = "create_prorations"
	// ProrationNone applies no adjustment.
	ProrationNone ProrationBehavior = "none"
	// ProrationAlwaysInvoice bills immediately and finalizes the invoice.
	ProrationAlwaysInvoice ProrationBehavior = "always_invoice"
)

// Valid reports whether the value is one of the supported behaviors.
func (p ProrationBehavior) Valid() bool {
	switch p {
	case ProrationCreate, ProrationNone, ProrationAlwaysInvoice:
		return true
	}
	return false
}

// Subscription is the authoritative local record of a remote subscription.
// Records are never deleted; cancellation is a status transition.
type Subscription struct {
	ID                 uuid.UUID
	AccountID          uuid.UUID
	RemoteID           string // provider's subscription ID, globally unique
	Status             Status
	Interval           Interval
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	// CancelAtPeriodEnd is orthogonal to Status: a subscription can be
	// active and scheduled to cancel at the same time.
	CancelAtPeriodEnd bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsOpen reports whether this record is active or trialing.
func (s *Subscription) IsOpen() bool {
	return s.Status.Open()
}
