// Package billing keeps local subscription state consistent with the state
// held by the external payment provider.
//
// Two independent paths write to the subscription ledger: webhook events
// delivered by the provider (at-least-once, possibly out of order) and
// user-initiated actions that call the provider first and then mirror the
// returned snapshot locally. Both paths converge on upsert-style writes keyed
// by the provider's subscription ID, so redelivery and races resolve to
// last-writer-wins rather than duplicated or corrupted records.
//
// The provider itself is abstracted behind PaymentProvider so the portal can
// run against Stripe or Paddle without touching reconciliation logic.
package billing
