package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dmitrymomot/billingportal/pkg/logger"
)

// stripeAPIBase is the default Stripe API base URL, overridable in tests.
const stripeAPIBase = "https://api.stripe.com"

// StripeConfig holds configuration for the Stripe payment provider.
type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	BaseURL       string `env:"STRIPE_API_BASE"`
}

// StripeProvider implements PaymentProvider against the Stripe REST API.
// Requests are plain form-encoded HTTP calls with typed response structs,
// which keeps the wire format explicit and makes httptest-based testing
// straightforward. Webhook signatures are verified with the official SDK.
type StripeProvider struct {
	httpClient    *http.Client
	secretKey     string
	webhookSecret string
	baseURL       string
	log           *slog.Logger
}

// StripeOption configures a StripeProvider.
type StripeOption func(*StripeProvider)

// WithStripeHTTPClient overrides the HTTP client, mainly for tests.
func WithStripeHTTPClient(c *http.Client) StripeOption {
	return func(p *StripeProvider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// NewStripeProvider creates a Stripe-backed PaymentProvider.
func NewStripeProvider(cfg StripeConfig, log *slog.Logger, opts ...StripeOption) (*StripeProvider, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("stripe webhook secret is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	if log == nil {
		log = slog.Default()
	}

	p := &StripeProvider{
		httpClient:    &http.Client{Timeout: 20 * time.Second},
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		log:           log.With(logger.Component("stripe")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SignatureHeader implements PaymentProvider.
func (p *StripeProvider) SignatureHeader() string { return "Stripe-Signature" }

// CreateCustomer implements PaymentProvider.
func (p *StripeProvider) CreateCustomer(ctx context.Context, email, name, phone string) (string, error) {
	params := url.Values{}
	params.Set("email", email)
	params.Set("name", name)
	if phone != "" {
		params.Set("phone", phone)
	}
	params.Set("metadata[created_by]", "billing_portal")

	var customer stripeCustomer
	if err := p.post(ctx, "/v1/customers", params, &customer); err != nil {
		return "", err
	}
	return customer.ID, nil
}

// CreateCheckoutSession implements PaymentProvider.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, cp CheckoutParams) (*CheckoutSession, error) {
	if cp.PriceID == "" {
		return nil, ErrMissingPriceID
	}
	if cp.CustomerID == "" {
		return nil, ErrMissingCustomerID
	}

	params := url.Values{}
	params.Set("customer", cp.CustomerID)
	params.Set("mode", "subscription")
	params.Set("line_items[0][price]", cp.PriceID)
	params.Set("line_items[0][quantity]", "1")
	params.Set("success_url", cp.SuccessURL)
	params.Set("cancel_url", cp.CancelURL)
	params.Set("billing_address_collection", "required")
	params.Set("allow_promotion_codes", "true")
	for k, v := range cp.Metadata {
		params.Set(fmt.Sprintf("metadata[%s]", k), v)
		// Copy metadata onto the subscription object too, so subscription
		// events can be correlated without loading the checkout session.
		params.Set(fmt.Sprintf("subscription_data[metadata][%s]", k), v)
	}

	var session stripeCheckoutSession
	if err := p.post(ctx, "/v1/checkout/sessions", params, &session); err != nil {
		return nil, err
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// CreatePortalSession implements PaymentProvider.
func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*PortalSession, error) {
	if customerID == "" {
		return nil, ErrMissingCustomerID
	}

	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("return_url", returnURL)

	var session stripePortalSession
	if err := p.post(ctx, "/v1/billing_portal/sessions", params, &session); err != nil {
		return nil, err
	}
	return &PortalSession{URL: session.URL}, nil
}

// Subscription implements PaymentProvider.
func (p *StripeProvider) Subscription(ctx context.Context, remoteID string) (*Snapshot, error) {
	var sub stripeSubscription
	if err := p.get(ctx, "/v1/subscriptions/"+remoteID, nil, &sub); err != nil {
		return nil, err
	}
	return sub.snapshot(), nil
}

// UpdateSubscription implements PaymentProvider. Price changes need the
// subscription item ID, so the current object is fetched first in that case.
func (p *StripeProvider) UpdateSubscription(ctx context.Context, remoteID string, up UpdateParams) (*Snapshot, error) {
	if up.CancelNow {
		var sub stripeSubscription
		if err := p.delete(ctx, "/v1/subscriptions/"+remoteID, &sub); err != nil {
			return nil, err
		}
		return sub.snapshot(), nil
	}

	params := url.Values{}

	if up.CancelAtPeriodEnd != nil {
		params.Set("cancel_at_period_end", fmt.Sprintf("%t", *up.CancelAtPeriodEnd))
	}

	if up.PriceID != "" {
		var current stripeSubscription
		if err := p.get(ctx, "/v1/subscriptions/"+remoteID, nil, &current); err != nil {
			return nil, err
		}
		if len(current.Items.Data) == 0 {
			return nil, fmt.Errorf("%w: subscription %s has no items", ErrUpstream, remoteID)
		}
		params.Set("items[0][id]", current.Items.Data[0].ID)
		params.Set("items[0][price]", up.PriceID)
		params.Set("billing_cycle_anchor", "unchanged")

		proration := up.Proration
		if proration == "" {
			proration = ProrationCreate
		}
		params.Set("proration_behavior", string(proration))
	}

	var sub stripeSubscription
	if err := p.post(ctx, "/v1/subscriptions/"+remoteID, params, &sub); err != nil {
		return nil, err
	}
	return sub.snapshot(), nil
}

// ParseWebhook implements PaymentProvider. Signature verification happens
// before any payload inspection; a well-formed body with a bad signature is
// rejected outright.
func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (*Event, error) {
	stripeEvent, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}

	event := &Event{
		ID:           stripeEvent.ID,
		ProviderType: string(stripeEvent.Type),
		Raw:          payload,
	}

	switch string(stripeEvent.Type) {
	case "checkout.session.completed":
		var session stripeCheckoutSession
		if err := json.Unmarshal(stripeEvent.Data.Raw, &session); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		event.Kind = EventCheckoutCompleted
		event.RemoteSubscriptionID = session.Subscription
		event.AccountID = session.Metadata["account_id"]

	case "invoice.payment_succeeded", "invoice.payment_failed":
		var invoice stripeInvoice
		if err := json.Unmarshal(stripeEvent.Data.Raw, &invoice); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		if string(stripeEvent.Type) == "invoice.payment_succeeded" {
			event.Kind = EventPaymentSucceeded
		} else {
			event.Kind = EventPaymentFailed
		}
		event.RemoteSubscriptionID = invoice.Subscription

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(stripeEvent.Data.Raw, &sub); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		if string(stripeEvent.Type) == "customer.subscription.updated" {
			event.Kind = EventSubscriptionUpdated
		} else {
			event.Kind = EventSubscriptionDeleted
		}
		event.RemoteSubscriptionID = sub.ID
		event.Snapshot = sub.snapshot()

	default:
		event.Kind = EventUnknown
	}

	return event, nil
}

// get performs an authenticated GET request to the Stripe API.
func (p *StripeProvider) get(ctx context.Context, path string, params url.Values, dst any) error {
	reqURL := p.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return errors.Join(ErrUpstream, err)
	}
	return p.do(req, dst)
}

// delete performs an authenticated DELETE request.
func (p *StripeProvider) delete(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+path, nil)
	if err != nil {
		return errors.Join(ErrUpstream, err)
	}
	return p.do(req, dst)
}

// post performs an authenticated POST request with a form-encoded body.
func (p *StripeProvider) post(ctx context.Context, path string, params url.Values, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return errors.Join(ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return p.do(req, dst)
}

func (p *StripeProvider) do(req *http.Request, dst any) error {
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errors.Join(ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return p.errorFromResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: failed to decode stripe response: %v", ErrUpstream, err)
	}
	return nil
}

func (p *StripeProvider) errorFromResponse(resp *http.Response) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if readErr != nil {
		return fmt.Errorf("%w: stripe returned status %d with unreadable body", ErrUpstream, resp.StatusCode)
	}

	var stripeErr struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &stripeErr); err != nil {
		return fmt.Errorf("%w: stripe returned status %d with non-JSON body", ErrUpstream, resp.StatusCode)
	}

	return fmt.Errorf("%w: stripe error (%d %s): %s",
		ErrUpstream, resp.StatusCode, stripeErr.Error.Code, stripeErr.Error.Message)
}

// Stripe response types for JSON deserialization.

type stripeCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type stripeCheckoutSession struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type stripePortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeInvoice struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
	Status       string `json:"status"`
}

type stripeSubscription struct {
	ID                 string                  `json:"id"`
	Customer           string                  `json:"customer"`
	Status             string                  `json:"status"`
	CancelAtPeriodEnd  bool                    `json:"cancel_at_period_end"`
	CurrentPeriodStart int64                   `json:"current_period_start"`
	CurrentPeriodEnd   int64                   `json:"current_period_end"`
	Items              stripeSubscriptionItems `json:"items"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	ID    string      `json:"id"`
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID        string          `json:"id"`
	Recurring stripeRecurring `json:"recurring"`
}

type stripeRecurring struct {
	Interval string `json:"interval"`
}

func (s *stripeSubscription) snapshot() *Snapshot {
	snap := &Snapshot{
		RemoteID:           s.ID,
		CustomerID:         s.Customer,
		Status:             Status(s.Status),
		CurrentPeriodStart: time.Unix(s.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(s.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
	}
	if len(s.Items.Data) > 0 {
		snap.PriceID = s.Items.Data[0].Price.ID
		snap.Interval = Interval(s.Items.Data[0].Price.Recurring.Interval)
	}
	return snap
}
