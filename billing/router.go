package billing

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/billingportal/pkg/httpx"
)

// Identity is the authenticated caller as seen by billing handlers. The auth
// layer resolves it from the request; billing never reads credentials itself.
type Identity struct {
	AccountID uuid.UUID
	Email     string
	Name      string
}

// RouterConfig wires the billing HTTP surface.
type RouterConfig struct {
	Service   *Service
	Processor *WebhookProcessor
	// Auth protects the account-facing routes. The webhook route stays
	// outside it: providers authenticate with signatures, not sessions.
	Auth func(http.Handler) http.Handler
	// Identity resolves the authenticated account from a request that passed
	// Auth.
	Identity func(r *http.Request) (Identity, error)
	// SignatureHeader names the webhook signature header, taken from the
	// active provider.
	SignatureHeader string
}

// maxWebhookBody caps webhook payloads at 1MB.
const maxWebhookBody = 1 << 20

// Router builds the billing routes.
func Router(cfg RouterConfig) chi.Router {
	h := &handlers{cfg: cfg}

	r := chi.NewRouter()
	r.Get("/plans", h.listPlans)
	r.Post("/webhook", h.webhook)

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth)
		r.Post("/checkout", h.checkout)
		r.Post("/portal", h.portal)
		r.Get("/subscriptions", h.listSubscriptions)
		r.Get("/subscriptions/active", h.activeSubscription)
		r.Post("/subscriptions/{id}/cancel", h.cancel)
		r.Post("/subscriptions/{id}/reactivate", h.reactivate)
		r.Post("/subscriptions/{id}/plan", h.changePlan)
	})

	return r
}

type handlers struct {
	cfg RouterConfig
}

type planResponse struct {
	PriceID     string   `json:"price_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	AmountCents int64    `json:"amount_cents"`
	Currency    string   `json:"currency"`
	Interval    Interval `json:"interval"`
	Features    []string `json:"features,omitempty"`
}

func (h *handlers) listPlans(w http.ResponseWriter, r *http.Request) {
	plans := h.cfg.Service.Plans()
	out := make([]planResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, planResponse{
			PriceID:     p.PriceID,
			Name:        p.Name,
			Description: p.Description,
			AmountCents: p.AmountCents,
			Currency:    p.Currency,
			Interval:    p.Interval,
			Features:    p.Features,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httpx.Error(w, httpx.ErrBadRequest)
		return
	}

	signature := r.Header.Get(h.cfg.SignatureHeader)
	if err := h.cfg.Processor.Process(r.Context(), payload, signature); err != nil {
		httpx.Error(w, mapBillingError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"received": true})
}

type checkoutRequest struct {
	PriceID string `json:"price_id"`
}

func (h *handlers) checkout(w http.ResponseWriter, r *http.Request) {
	identity, err := h.cfg.Identity(r)
	if err != nil {
		httpx.Error(w, httpx.ErrUnauthorized)
		return
	}

	var req checkoutRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}
	if req.PriceID == "" {
		httpx.Error(w, httpx.NewHTTPError(http.StatusUnprocessableEntity, "validation_error", "price_id is required"))
		return
	}

	session, err := h.cfg.Service.Checkout(r.Context(), identity.AccountID, identity.Email, identity.Name, req.PriceID)
	if err != nil {
		httpx.Error(w, mapBillingError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"checkout_url": session.URL})
}

func (h *handlers) portal(w http.ResponseWriter, r *http.Request) {
	identity, err := h.cfg.Identity(r)
	if err != nil {
		httpx.Error(w, httpx.ErrUnauthorized)
		return
	}

	session, err := h.cfg.Service.Portal(r.Context(), identity.AccountID)
	if err != nil {
		httpx.Error(w, mapBillingError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"portal_url": session.URL})
}

type subscriptionResponse struct {
	ID                 uuid.UUID `json:"id"`
	Status             Status    `json:"status"`
	Interval           Interval  `json:"interval,omitempty"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
	CancelAtPeriodEnd  bool      `json:"cancel_at_period_end"`
	CreatedAt          time.Time `json:"created_at"`
}

func toSubscriptionResponse(s *Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                 s.ID,
		Status:             s.Status,
		Interval:           s.Interval,
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		CreatedAt:          s.CreatedAt,
	}
}

func (h *handlers) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	identity, err := h.cfg.Identity(r)
	if err != nil {
		httpx.Error(w, httpx.ErrUnauthorized)
		return
	}

	subs, err := h.cfg.Service.Subscriptions(r.Context(), identity.AccountID)
	if err != nil {
		httpx.Error(w, mapBillingError(err))
		return
	}
	out := make([]subscriptionResponse, 0, len(subs))
	for i := range subs {
		out = append(out, toSubscriptionResponse(&subs[i]))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *handlers) activeSubscription(w http.ResponseWriter, r *http.Request) {
	identity, err := h.cfg.Identity(r)
	if err != nil {
		httpx.Error(w, httpx.ErrUnauthorized)
		return
	}

	sub, err := h.cfg.Service.ActiveSubscription(r.Context(), identity.AccountID)
	if err != nil {
		httpx.Error(w, mapBillingError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

type cancelRequest struct {
	CancelAtPeriodEnd *bool `json:"cancel_at_period_end"`
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	// The body is optional; its absence means cancel at period end.
	atPeriodEnd := true
	if r.ContentLength != 0 {
		var req cancelRequest
		if err := httpx.Decode(r, &req); err != nil {
			httpx.Error(w, err)
			return
		}
		if req.CancelAtPeriodEnd != nil {
			atPeriodEnd = *req.CancelAtPeriodEnd
		}
	}

	h.subscriptionAction(w, r, func(identity Identity, subID uuid.UUID) (*Subscription, error) {
		return h.cfg.Service.Cancel(r.Context(), identity.AccountID, subID, atPeriodEnd)
	})
}

func (h *handlers) reactivate(w http.ResponseWriter, r *http.Request) {
	h.subscriptionAction(w, r, func(identity Identity, subID uuid.UUID) (*Subscription, error) {
		return h.cfg.Service.Reactivate(r.Context(), identity.AccountID, subID)
	})
}

type changePlanRequest struct {
	PriceID   string `json:"price_id"`
	Proration string `json:"proration_behavior"`
}

func (h *handlers) changePlan(w http.ResponseWriter, r *http.Request) {
	var req changePlanRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}
	if req.PriceID == "" {
		httpx.Error(w, httpx.NewHTTPError(http.StatusUnprocessableEntity, "validation_error", "price_id is required"))
		return
	}

	h.subscriptionAction(w, r, func(identity Identity, subID uuid.UUID) (*Subscription, error) {
		return h.cfg.Service.ChangePlan(r.Context(), identity.AccountID, subID, req.PriceID, ProrationBehavior(req.Proration))
	})
}

func (h *handlers) subscriptionAction(w http.ResponseWriter, r *http.Request, action func(Identity, uuid.UUID) (*Subscription, error)) {
	identity, err := h.cfg.Identity(r)
	if err != nil {
		httpx.Error(w, httpx.ErrUnauthorized)
		return
	}

	subID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, httpx.ErrNotFound)
		return
	}

	sub, err := action(identity, subID)
	if err != nil {
		httpx.Error(w, mapBillingError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

// mapBillingError translates domain errors into the response envelope.
func mapBillingError(err error) error {
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		return httpx.NewHTTPError(http.StatusNotFound, "subscription_not_found", "subscription not found")
	case errors.Is(err, ErrCustomerNotFound):
		return httpx.NewHTTPError(http.StatusNotFound, "customer_not_found", "no billing profile exists for this account yet")
	case errors.Is(err, ErrPlanNotFound):
		return httpx.NewHTTPError(http.StatusUnprocessableEntity, "plan_not_found", "unknown plan")
	case errors.Is(err, ErrInvalidProration):
		return httpx.NewHTTPError(http.StatusUnprocessableEntity, "invalid_proration", "invalid proration behavior")
	case errors.Is(err, ErrInvalidSignature):
		return httpx.NewHTTPError(http.StatusBadRequest, "invalid_signature", "webhook signature verification failed")
	case errors.Is(err, ErrUpstream):
		return httpx.ErrBadGateway
	default:
		return err
	}
}
