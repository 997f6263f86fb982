package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingportal/pkg/logger"
)

// Reconciler converges ledger records that missed a write. Remote IDs are
// queued whenever a snapshot write-back fails or a webhook could not complete
// its provider fetch; the worker re-fetches the remote state and applies it,
// retrying with backoff.
//
// The queue is in-memory and bounded. Losing it on restart is acceptable: the
// provider's recurring subscription events eventually deliver the same state.
type Reconciler struct {
	provider    PaymentProvider
	store       SubscriptionStore
	queue       chan string
	maxAttempts int
	backoff     time.Duration
	log         *slog.Logger
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerQueueSize sets the queue capacity (default 256).
func WithReconcilerQueueSize(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.queue = make(chan string, n)
		}
	}
}

// WithReconcilerMaxAttempts sets the per-item attempt limit (default 5).
func WithReconcilerMaxAttempts(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithReconcilerBackoff sets the base delay between attempts (default 2s).
// The delay grows linearly with the attempt number.
func WithReconcilerBackoff(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.backoff = d
		}
	}
}

// NewReconciler creates a reconciler worker.
func NewReconciler(provider PaymentProvider, store SubscriptionStore, log *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	r := &Reconciler{
		provider:    provider,
		store:       store,
		queue:       make(chan string, 256),
		maxAttempts: 5,
		backoff:     2 * time.Second,
		log:         log.With(logger.Component("reconciler")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enqueue implements RetryQueue. Never blocks; when the queue is full the
// item is dropped with a log line and left to the provider's event stream.
func (r *Reconciler) Enqueue(remoteID string) {
	if remoteID == "" {
		return
	}
	select {
	case r.queue <- remoteID:
	default:
		r.log.Warn("reconcile queue full, dropping item",
			logger.RemoteSubscriptionID(remoteID))
	}
}

// Run processes the queue until ctx is canceled. Intended to run as a
// background goroutine alongside the HTTP server.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case remoteID := <-r.queue:
			r.reconcile(ctx, remoteID)
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context, remoteID string) {
	log := r.log.With(logger.RemoteSubscriptionID(remoteID))

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := r.sync(ctx, remoteID)
		if err == nil {
			log.InfoContext(ctx, "subscription reconciled", logger.RetryCount(attempt))
			return
		}
		log.WarnContext(ctx, "reconcile attempt failed",
			logger.RetryCount(attempt), logger.Error(err))

		if attempt == r.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * r.backoff):
		}
	}

	log.ErrorContext(ctx, "subscription reconcile abandoned",
		logger.RetryCount(r.maxAttempts))
}

func (r *Reconciler) sync(ctx context.Context, remoteID string) error {
	snap, err := r.provider.Subscription(ctx, remoteID)
	if err != nil {
		return err
	}
	return r.store.ApplySnapshot(ctx, remoteID, snap)
}
