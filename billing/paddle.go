package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleConfig holds configuration for the Paddle payment provider.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleProvider implements PaymentProvider for Paddle Billing.
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	config   PaddleConfig
}

// NewPaddleProvider creates a Paddle-backed PaymentProvider.
func NewPaddleProvider(config PaddleConfig) (*PaddleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("paddle API key is required")
	}
	if config.WebhookSecret == "" {
		return nil, errors.New("paddle webhook secret is required")
	}

	var client *paddle.SDK
	var err error

	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey)
	case "production", "":
		client, err = paddle.New(config.APIKey)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", config.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleProvider{
		client:   client,
		verifier: paddle.NewWebhookVerifier(config.WebhookSecret),
		config:   config,
	}, nil
}

// SignatureHeader implements PaymentProvider.
func (p *PaddleProvider) SignatureHeader() string { return "Paddle-Signature" }

// CreateCustomer implements PaymentProvider.
func (p *PaddleProvider) CreateCustomer(ctx context.Context, email, name, phone string) (string, error) {
	req := &paddle.CreateCustomerRequest{Email: email}
	if name != "" {
		req.Name = paddle.PtrTo(name)
	}
	// Paddle has no customer phone field; keep it in custom data instead.
	if phone != "" {
		req.CustomData = paddle.CustomData{"phone": phone}
	}

	customer, err := p.client.CustomersClient.CreateCustomer(ctx, req)
	if err != nil {
		return "", errors.Join(ErrUpstream, err)
	}
	return customer.ID, nil
}

// CreateCheckoutSession implements PaymentProvider. Paddle models checkout as
// a draft transaction with a hosted checkout URL attached.
func (p *PaddleProvider) CreateCheckoutSession(ctx context.Context, cp CheckoutParams) (*CheckoutSession, error) {
	if cp.PriceID == "" {
		return nil, ErrMissingPriceID
	}
	if cp.CustomerID == "" {
		return nil, ErrMissingCustomerID
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  cp.PriceID,
		Quantity: 1,
	})

	custom := paddle.CustomData{}
	for k, v := range cp.Metadata {
		custom[k] = v
	}

	req := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomerID: paddle.PtrTo(cp.CustomerID),
		CustomData: custom,
	}
	if cp.SuccessURL != "" {
		req.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(cp.SuccessURL),
		}
	}

	transaction, err := p.client.TransactionsClient.CreateTransaction(ctx, req)
	if err != nil {
		return nil, errors.Join(ErrUpstream, err)
	}
	if transaction.Checkout == nil || transaction.Checkout.URL == nil {
		return nil, fmt.Errorf("%w: no checkout URL returned from paddle", ErrUpstream)
	}

	return &CheckoutSession{
		ID:  transaction.ID,
		URL: *transaction.Checkout.URL,
	}, nil
}

// CreatePortalSession implements PaymentProvider.
func (p *PaddleProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*PortalSession, error) {
	if customerID == "" {
		return nil, ErrMissingCustomerID
	}

	// Paddle portal sessions don't take a return URL; the portal handles
	// navigation itself.
	session, err := p.client.CustomerPortalSessionsClient.CreateCustomerPortalSession(ctx, &paddle.CreateCustomerPortalSessionRequest{
		CustomerID: customerID,
	})
	if err != nil {
		return nil, errors.Join(ErrUpstream, err)
	}
	if session.URLs.General.Overview == "" {
		return nil, fmt.Errorf("%w: no portal URL returned from paddle", ErrUpstream)
	}

	return &PortalSession{URL: session.URLs.General.Overview}, nil
}

// Subscription implements PaymentProvider.
func (p *PaddleProvider) Subscription(ctx context.Context, remoteID string) (*Snapshot, error) {
	sub, err := p.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: remoteID,
	})
	if err != nil {
		return nil, errors.Join(ErrUpstream, err)
	}
	return paddleSnapshot(sub), nil
}

// UpdateSubscription implements PaymentProvider. Paddle has no single
// cancel_at_period_end flag; scheduling and unscheduling cancellation are
// separate API operations.
func (p *PaddleProvider) UpdateSubscription(ctx context.Context, remoteID string, up UpdateParams) (*Snapshot, error) {
	if up.CancelNow {
		sub, err := p.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
			SubscriptionID: remoteID,
			EffectiveFrom:  paddle.PtrTo(paddle.EffectiveFromImmediately),
		})
		if err != nil {
			return nil, errors.Join(ErrUpstream, err)
		}
		return paddleSnapshot(sub), nil
	}

	if up.CancelAtPeriodEnd != nil {
		if *up.CancelAtPeriodEnd {
			sub, err := p.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
				SubscriptionID: remoteID,
				EffectiveFrom:  paddle.PtrTo(paddle.EffectiveFromNextBillingPeriod),
			})
			if err != nil {
				return nil, errors.Join(ErrUpstream, err)
			}
			if up.PriceID == "" {
				return paddleSnapshot(sub), nil
			}
		} else {
			sub, err := p.client.SubscriptionsClient.UpdateSubscription(ctx, &paddle.UpdateSubscriptionRequest{
				SubscriptionID:  remoteID,
				ScheduledChange: paddle.NewPatchField[*paddle.SubscriptionScheduledChange](nil),
			})
			if err != nil {
				return nil, errors.Join(ErrUpstream, err)
			}
			if up.PriceID == "" {
				return paddleSnapshot(sub), nil
			}
		}
	}

	if up.PriceID == "" {
		return p.Subscription(ctx, remoteID)
	}

	item := paddle.NewUpdateSubscriptionItemsSubscriptionUpdateItemFromCatalog(&paddle.SubscriptionUpdateItemFromCatalog{
		PriceID:  up.PriceID,
		Quantity: 1,
	})
	req := &paddle.UpdateSubscriptionRequest{
		SubscriptionID:       remoteID,
		Items:                paddle.NewPatchField([]paddle.UpdateSubscriptionItems{*item}),
		ProrationBillingMode: paddle.NewPatchField(paddleProration(up.Proration)),
	}

	sub, err := p.client.SubscriptionsClient.UpdateSubscription(ctx, req)
	if err != nil {
		return nil, errors.Join(ErrUpstream, err)
	}
	return paddleSnapshot(sub), nil
}

// ParseWebhook implements PaymentProvider. The SDK verifier operates on an
// http.Request, so one is reconstructed around the raw payload.
func (p *PaddleProvider) ParseWebhook(payload []byte, signature string) (*Event, error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}
	if !valid {
		return nil, ErrInvalidSignature
	}

	var paddleEvent struct {
		EventID   string         `json:"event_id"`
		EventType string         `json:"event_type"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &paddleEvent); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}

	event := &Event{
		ID:           paddleEvent.EventID,
		ProviderType: paddleEvent.EventType,
		Raw:          payload,
	}

	switch paddleEvent.EventType {
	case "transaction.completed":
		event.Kind = EventCheckoutCompleted
		if subID, ok := paddleEvent.Data["subscription_id"].(string); ok {
			event.RemoteSubscriptionID = subID
		}
		if custom, ok := paddleEvent.Data["custom_data"].(map[string]any); ok {
			if accountID, ok := custom["account_id"].(string); ok {
				event.AccountID = accountID
			}
		}

	case "transaction.payment_succeeded":
		event.Kind = EventPaymentSucceeded
		if subID, ok := paddleEvent.Data["subscription_id"].(string); ok {
			event.RemoteSubscriptionID = subID
		}

	case "transaction.payment_failed":
		event.Kind = EventPaymentFailed
		if subID, ok := paddleEvent.Data["subscription_id"].(string); ok {
			event.RemoteSubscriptionID = subID
		}

	case "subscription.updated", "subscription.activated", "subscription.resumed":
		event.Kind = EventSubscriptionUpdated
		event.RemoteSubscriptionID, event.Snapshot = paddleWebhookSnapshot(paddleEvent.Data)

	case "subscription.canceled":
		event.Kind = EventSubscriptionDeleted
		event.RemoteSubscriptionID, event.Snapshot = paddleWebhookSnapshot(paddleEvent.Data)

	default:
		event.Kind = EventUnknown
	}

	return event, nil
}

// paddleSnapshot converts an SDK subscription object into a Snapshot.
func paddleSnapshot(sub *paddle.Subscription) *Snapshot {
	snap := &Snapshot{
		RemoteID:   sub.ID,
		CustomerID: sub.CustomerID,
		Status:     mapPaddleStatus(string(sub.Status)),
	}
	if sub.CurrentBillingPeriod != nil {
		snap.CurrentPeriodStart = parsePaddleTime(sub.CurrentBillingPeriod.StartsAt)
		snap.CurrentPeriodEnd = parsePaddleTime(sub.CurrentBillingPeriod.EndsAt)
	}
	if len(sub.Items) > 0 {
		snap.PriceID = sub.Items[0].Price.ID
		snap.Interval = Interval(sub.Items[0].Price.BillingCycle.Interval)
	}
	if sub.ScheduledChange != nil && sub.ScheduledChange.Action == paddle.ScheduledChangeActionCancel {
		snap.CancelAtPeriodEnd = true
	}
	return snap
}

// paddleWebhookSnapshot builds a Snapshot from the loosely typed webhook data
// map, mirroring paddleSnapshot for the JSON representation.
func paddleWebhookSnapshot(data map[string]any) (string, *Snapshot) {
	snap := &Snapshot{}

	remoteID, _ := data["id"].(string)
	snap.RemoteID = remoteID
	if customerID, ok := data["customer_id"].(string); ok {
		snap.CustomerID = customerID
	}
	if status, ok := data["status"].(string); ok {
		snap.Status = mapPaddleStatus(status)
	}
	if period, ok := data["current_billing_period"].(map[string]any); ok {
		if startsAt, ok := period["starts_at"].(string); ok {
			snap.CurrentPeriodStart = parsePaddleTime(startsAt)
		}
		if endsAt, ok := period["ends_at"].(string); ok {
			snap.CurrentPeriodEnd = parsePaddleTime(endsAt)
		}
	}
	if items, ok := data["items"].([]any); ok && len(items) > 0 {
		if item, ok := items[0].(map[string]any); ok {
			if price, ok := item["price"].(map[string]any); ok {
				if priceID, ok := price["id"].(string); ok {
					snap.PriceID = priceID
				}
				if cycle, ok := price["billing_cycle"].(map[string]any); ok {
					if interval, ok := cycle["interval"].(string); ok {
						snap.Interval = Interval(interval)
					}
				}
			}
		}
	}
	if change, ok := data["scheduled_change"].(map[string]any); ok {
		if action, ok := change["action"].(string); ok && action == "cancel" {
			snap.CancelAtPeriodEnd = true
		}
	}

	return remoteID, snap
}

// mapPaddleStatus normalizes Paddle statuses onto the ledger vocabulary.
// Unknown statuses pass through unchanged.
func mapPaddleStatus(paddleStatus string) Status {
	switch strings.ToLower(paddleStatus) {
	case "trialing":
		return StatusTrialing
	case "active":
		return StatusActive
	case "past_due":
		return StatusPastDue
	case "canceled", "cancelled":
		return StatusCanceled
	default:
		return Status(paddleStatus)
	}
}

// paddleProration maps proration behavior to Paddle's billing modes.
func paddleProration(p ProrationBehavior) paddle.ProrationBillingMode {
	switch p {
	case ProrationNone:
		return paddle.ProrationBillingModeDoNotBill
	case ProrationAlwaysInvoice:
		return paddle.ProrationBillingModeFullImmediately
	default:
		return paddle.ProrationBillingModeProratedImmediately
	}
}

func parsePaddleTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
