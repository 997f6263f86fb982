package billing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingportal/pkg/logger"
)

// WebhookProcessor turns verified provider events into ledger writes.
//
// Error handling is deliberately asymmetric around signature verification:
// before verification any failure rejects the request so forged payloads never
// touch state; after verification failures are logged and swallowed, because
// the event stream is self-healing (every full snapshot supersedes whatever a
// dropped event would have written) and a retry storm from the provider helps
// nobody.
type WebhookProcessor struct {
	provider PaymentProvider
	store    SubscriptionStore
	dedup    EventDeduplicator
	archive  EventArchive
	retry    RetryQueue
	log      *slog.Logger
}

// RetryQueue accepts remote subscription IDs whose local state needs to be
// re-synced from the provider.
type RetryQueue interface {
	Enqueue(remoteID string)
}

// NewWebhookProcessor creates a webhook processor.
func NewWebhookProcessor(
	provider PaymentProvider,
	store SubscriptionStore,
	dedup EventDeduplicator,
	archive EventArchive,
	retry RetryQueue,
	log *slog.Logger,
) *WebhookProcessor {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookProcessor{
		provider: provider,
		store:    store,
		dedup:    dedup,
		archive:  archive,
		retry:    retry,
		log:      log.With(logger.Component("webhook")),
	}
}

// Process verifies and applies one webhook delivery. It returns an error only
// when the signature fails to verify; everything past that point is
// acknowledged regardless of outcome.
func (p *WebhookProcessor) Process(ctx context.Context, payload []byte, signature string) error {
	event, err := p.provider.ParseWebhook(payload, signature)
	if err != nil {
		// A payload that verified but failed to decode is still an authentic
		// delivery; rejecting it would only buy a retry storm of the same
		// bytes.
		if errors.Is(err, ErrMalformedEvent) {
			p.log.ErrorContext(ctx, "discarding malformed event from verified delivery", logger.Error(err))
			return nil
		}
		return err
	}

	log := p.log.With(
		logger.EventID(event.ID),
		logger.EventType(event.ProviderType),
		logger.RemoteSubscriptionID(event.RemoteSubscriptionID),
	)

	seen, err := p.dedup.Seen(ctx, event.ID)
	if err != nil {
		// Dedup is advisory; processing is idempotent.
		log.WarnContext(ctx, "event dedup check failed", logger.Error(err))
	} else if seen {
		log.DebugContext(ctx, "duplicate event acknowledged")
		return nil
	}

	if err := p.archive.Archive(ctx, event); err != nil {
		log.WarnContext(ctx, "failed to archive event", logger.Error(err))
	}

	if err := p.apply(ctx, event); err != nil {
		log.ErrorContext(ctx, "failed to apply event", logger.Error(err))
	}
	return nil
}

func (p *WebhookProcessor) apply(ctx context.Context, event *Event) error {
	switch event.Kind {
	case EventCheckoutCompleted:
		return p.applyCheckoutCompleted(ctx, event)

	case EventPaymentSucceeded:
		// The invoice payload only references the subscription, so the full
		// state comes from a fresh fetch.
		if event.RemoteSubscriptionID == "" {
			return nil // one-off invoice, nothing to sync
		}
		snap, err := p.provider.Subscription(ctx, event.RemoteSubscriptionID)
		if err != nil {
			p.retry.Enqueue(event.RemoteSubscriptionID)
			return err
		}
		return p.store.ApplySnapshot(ctx, event.RemoteSubscriptionID, snap)

	case EventPaymentFailed:
		// A failed payment means past_due locally no matter what the remote
		// object says right now; the next full snapshot corrects any drift.
		if event.RemoteSubscriptionID == "" {
			return nil
		}
		return p.store.ForceStatus(ctx, event.RemoteSubscriptionID, StatusPastDue)

	case EventSubscriptionUpdated:
		if event.Snapshot == nil {
			return errors.New("subscription_updated event without snapshot")
		}
		return p.store.ApplySnapshot(ctx, event.RemoteSubscriptionID, event.Snapshot)

	case EventSubscriptionDeleted:
		if event.Snapshot == nil {
			return p.store.ForceStatus(ctx, event.RemoteSubscriptionID, StatusCanceled)
		}
		// The terminal event always lands as canceled regardless of the
		// status string in the payload.
		snap := *event.Snapshot
		snap.Status = StatusCanceled
		return p.store.ApplySnapshot(ctx, event.RemoteSubscriptionID, &snap)

	default:
		// Unrecognized events are acknowledged and dropped.
		return nil
	}
}

// applyCheckoutCompleted inserts the ledger record for a completed checkout.
// The checkout payload is a summary, so the authoritative state is fetched
// from the provider before insert. Replays are absorbed by CreateIfAbsent.
func (p *WebhookProcessor) applyCheckoutCompleted(ctx context.Context, event *Event) error {
	if event.RemoteSubscriptionID == "" {
		return errors.New("checkout event without subscription reference")
	}

	accountID, err := uuid.Parse(event.AccountID)
	if err != nil {
		return errors.New("checkout event without valid account metadata")
	}

	snap, err := p.provider.Subscription(ctx, event.RemoteSubscriptionID)
	if err != nil {
		// Insert a placeholder so the record exists for attribution, then let
		// the reconciler fill in the real state once the provider recovers.
		if _, insErr := p.store.CreateIfAbsent(ctx, &Subscription{
			AccountID: accountID,
			RemoteID:  event.RemoteSubscriptionID,
			Status:    StatusIncomplete,
		}); insErr != nil {
			return errors.Join(err, insErr)
		}
		p.retry.Enqueue(event.RemoteSubscriptionID)
		return err
	}

	created, err := p.store.CreateIfAbsent(ctx, &Subscription{
		AccountID:          accountID,
		RemoteID:           snap.RemoteID,
		Status:             snap.Status,
		Interval:           snap.Interval,
		CurrentPeriodStart: snap.CurrentPeriodStart,
		CurrentPeriodEnd:   snap.CurrentPeriodEnd,
		CancelAtPeriodEnd:  snap.CancelAtPeriodEnd,
	})
	if err != nil {
		return err
	}
	if !created {
		// Record already exists; refresh it with the snapshot we just paid
		// an API call for.
		return p.store.ApplySnapshot(ctx, snap.RemoteID, snap)
	}
	return nil
}
