package billing

import "errors"

var (
	// ErrSubscriptionNotFound covers both a genuinely missing record and a
	// record owned by another account; callers must not be able to tell the
	// two apart.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrCustomerNotFound means the account has no payment identity yet.
	// Callers message the user specifically instead of a generic failure.
	ErrCustomerNotFound = errors.New("payment customer not found for account")

	ErrPlanNotFound      = errors.New("billing plan not found")
	ErrInvalidProration  = errors.New("invalid proration behavior")
	ErrUpstream          = errors.New("payment provider call failed")
	ErrInvalidSignature  = errors.New("webhook signature verification failed")
	ErrMalformedEvent    = errors.New("malformed webhook event payload")
	ErrIdentityExists    = errors.New("customer identity already exists for account")
	ErrMissingPriceID    = errors.New("price ID is required")
	ErrMissingCustomerID = errors.New("customer ID is required")
)
