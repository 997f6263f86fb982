package billing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingportal/pkg/logger"
)

// ServiceConfig holds the portal-facing URLs used by checkout and portal
// sessions.
type ServiceConfig struct {
	ProviderName       string `env:"BILLING_PROVIDER" envDefault:"stripe"`
	CheckoutSuccessURL string `env:"BILLING_CHECKOUT_SUCCESS_URL,required"`
	CheckoutCancelURL  string `env:"BILLING_CHECKOUT_CANCEL_URL,required"`
	PortalReturnURL    string `env:"BILLING_PORTAL_RETURN_URL,required"`
	PlanCatalogPath    string `env:"BILLING_PLAN_CATALOG" envDefault:"plans.yaml"`
}

// Service orchestrates account-initiated billing actions. Every mutation is
// two-phase: the remote provider is mutated first, then the returned snapshot
// is written back to the ledger. When the local write fails the remote ID is
// queued for reconciliation instead of failing the request, since the remote
// change has already happened and cannot be unwound.
type Service struct {
	provider  PaymentProvider
	store     SubscriptionStore
	directory CustomerDirectory
	catalog   *PlanCatalog
	retry     RetryQueue
	cfg       ServiceConfig
	log       *slog.Logger
}

// NewService creates the billing service.
func NewService(
	provider PaymentProvider,
	store SubscriptionStore,
	directory CustomerDirectory,
	catalog *PlanCatalog,
	retry RetryQueue,
	cfg ServiceConfig,
	log *slog.Logger,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		provider:  provider,
		store:     store,
		directory: directory,
		catalog:   catalog,
		retry:     retry,
		cfg:       cfg,
		log:       log.With(logger.Component("billing")),
	}
}

// Plans returns the publicly purchasable plan catalog.
func (s *Service) Plans() []Plan {
	return s.catalog.Public()
}

// Subscriptions returns all of the account's subscription records, newest
// first.
func (s *Service) Subscriptions(ctx context.Context, accountID uuid.UUID) ([]Subscription, error) {
	return s.store.ListByAccount(ctx, accountID)
}

// ActiveSubscription returns the account's open subscription, or
// ErrSubscriptionNotFound.
func (s *Service) ActiveSubscription(ctx context.Context, accountID uuid.UUID) (*Subscription, error) {
	return s.store.ActiveForAccount(ctx, accountID)
}

// Checkout starts a hosted checkout flow for the given plan. The account's
// payment identity is created on first use. The account ID rides along as
// checkout metadata so the completion webhook can attribute the subscription.
func (s *Service) Checkout(ctx context.Context, accountID uuid.UUID, email, name, priceID string) (*CheckoutSession, error) {
	if _, err := s.catalog.ByPriceID(priceID); err != nil {
		return nil, err
	}

	customerID, err := s.ensureCustomer(ctx, accountID, email, name)
	if err != nil {
		return nil, err
	}

	return s.provider.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID: customerID,
		PriceID:    priceID,
		SuccessURL: s.cfg.CheckoutSuccessURL,
		CancelURL:  s.cfg.CheckoutCancelURL,
		Metadata:   map[string]string{"account_id": accountID.String()},
	})
}

// Portal creates a hosted self-service portal session for the account.
// Accounts without a payment identity get ErrCustomerNotFound, which callers
// surface specifically: there is nothing to manage yet.
func (s *Service) Portal(ctx context.Context, accountID uuid.UUID) (*PortalSession, error) {
	customerID, err := s.directory.CustomerID(ctx, accountID, s.cfg.ProviderName)
	if err != nil {
		return nil, err
	}
	return s.provider.CreatePortalSession(ctx, customerID, s.cfg.PortalReturnURL)
}

// Cancel cancels the subscription. With atPeriodEnd the cancellation is
// scheduled for the end of the current period and the record stays open until
// the provider's terminal event arrives; without it the provider cancels
// immediately.
func (s *Service) Cancel(ctx context.Context, accountID, subscriptionID uuid.UUID, atPeriodEnd bool) (*Subscription, error) {
	if !atPeriodEnd {
		return s.mutate(ctx, accountID, subscriptionID, UpdateParams{CancelNow: true})
	}
	return s.mutate(ctx, accountID, subscriptionID, UpdateParams{
		CancelAtPeriodEnd: ptrTo(true),
	})
}

// Reactivate clears a scheduled cancellation before it takes effect.
func (s *Service) Reactivate(ctx context.Context, accountID, subscriptionID uuid.UUID) (*Subscription, error) {
	return s.mutate(ctx, accountID, subscriptionID, UpdateParams{
		CancelAtPeriodEnd: ptrTo(false),
	})
}

// ChangePlan switches the subscription to a different plan mid-period.
// Billing stays anchored to the existing cycle; proration controls how the
// price difference is settled.
func (s *Service) ChangePlan(ctx context.Context, accountID, subscriptionID uuid.UUID, priceID string, proration ProrationBehavior) (*Subscription, error) {
	if _, err := s.catalog.ByPriceID(priceID); err != nil {
		return nil, err
	}
	if proration == "" {
		proration = ProrationCreate
	}
	if !proration.Valid() {
		return nil, ErrInvalidProration
	}
	return s.mutate(ctx, accountID, subscriptionID, UpdateParams{
		PriceID:   priceID,
		Proration: proration,
	})
}

// mutate performs the ownership check, the remote mutation, and the local
// write-back shared by all subscription actions.
func (s *Service) mutate(ctx context.Context, accountID, subscriptionID uuid.UUID, params UpdateParams) (*Subscription, error) {
	sub, err := s.store.ByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	// Another account's subscription is indistinguishable from a missing one;
	// the remote object is never touched in either case.
	if sub.AccountID != accountID {
		return nil, ErrSubscriptionNotFound
	}

	snap, err := s.provider.UpdateSubscription(ctx, sub.RemoteID, params)
	if err != nil {
		return nil, err
	}

	if err := s.store.ApplySnapshot(ctx, sub.RemoteID, snap); err != nil {
		// The remote change succeeded; don't fail the request over a local
		// write. The reconciler converges the ledger shortly.
		s.log.ErrorContext(ctx, "subscription write-back failed, queued for reconciliation",
			logger.RemoteSubscriptionID(sub.RemoteID), logger.Error(err))
		s.retry.Enqueue(sub.RemoteID)
	}

	sub.Status = snap.Status
	sub.Interval = snap.Interval
	sub.CurrentPeriodStart = snap.CurrentPeriodStart
	sub.CurrentPeriodEnd = snap.CurrentPeriodEnd
	sub.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
	return sub, nil
}

// ensureCustomer returns the account's remote customer ID, creating the
// identity on first use. A concurrent first use is resolved by re-reading
// after a duplicate-link conflict.
func (s *Service) ensureCustomer(ctx context.Context, accountID uuid.UUID, email, name string) (string, error) {
	customerID, err := s.directory.CustomerID(ctx, accountID, s.cfg.ProviderName)
	if err == nil {
		return customerID, nil
	}
	if !errors.Is(err, ErrCustomerNotFound) {
		return "", err
	}

	customerID, err = s.provider.CreateCustomer(ctx, email, name, "")
	if err != nil {
		return "", err
	}

	if err := s.directory.Link(ctx, accountID, s.cfg.ProviderName, customerID); err != nil {
		if errors.Is(err, ErrIdentityExists) {
			// Lost the race; the winner's customer ID is the canonical one.
			return s.directory.CustomerID(ctx, accountID, s.cfg.ProviderName)
		}
		return "", err
	}
	return customerID, nil
}

func ptrTo[T any](v T) *T { return &v }
