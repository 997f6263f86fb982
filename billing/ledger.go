package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrymomot/billingportal/pkg/pg"
)

// SubscriptionStore defines the persistence interface for subscription records.
// The remote subscription ID is the natural key: both write paths (webhooks and
// action write-backs) address records by it, so concurrent writers converge on
// the same row and the last write wins.
type SubscriptionStore interface {
	// CreateIfAbsent inserts a new record keyed by its remote ID. If a record
	// with the same remote ID already exists the call is a no-op and returns
	// false; duplicate checkout events therefore never produce duplicates.
	CreateIfAbsent(ctx context.Context, sub *Subscription) (bool, error)

	// ApplySnapshot overwrites the mutable fields of the record with the given
	// remote ID. Unknown remote IDs are a silent no-op: an event can arrive
	// before its checkout record exists, and dropping it is safe because the
	// next full snapshot supersedes it.
	ApplySnapshot(ctx context.Context, remoteID string, snap *Snapshot) error

	// ForceStatus sets only the status of the record with the given remote ID.
	// Used for events that imply a status but don't carry the full object.
	// Unknown remote IDs are a silent no-op.
	ForceStatus(ctx context.Context, remoteID string, status Status) error

	// ByID fetches a record by local ID. Returns ErrSubscriptionNotFound.
	ByID(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// ListByAccount returns all records for an account, newest first.
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]Subscription, error)

	// ActiveForAccount returns the account's open (active or trialing)
	// subscription, or ErrSubscriptionNotFound if there is none.
	ActiveForAccount(ctx context.Context, accountID uuid.UUID) (*Subscription, error)
}

// dbtx is the subset of pgxpool.Pool the stores need; pgxmock satisfies it.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGSubscriptionStore is the Postgres-backed SubscriptionStore.
type PGSubscriptionStore struct {
	db dbtx
}

// NewPGSubscriptionStore creates a Postgres subscription store.
func NewPGSubscriptionStore(db dbtx) *PGSubscriptionStore {
	return &PGSubscriptionStore{db: db}
}

const subscriptionColumns = `id, account_id, remote_subscription_id, status, billing_interval,
	current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at`

// CreateIfAbsent implements SubscriptionStore.
func (s *PGSubscriptionStore) CreateIfAbsent(ctx context.Context, sub *Subscription) (bool, error) {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	now := time.Now().UTC()

	tag, err := s.db.Exec(ctx, `
		INSERT INTO subscriptions (id, account_id, remote_subscription_id, status, billing_interval,
			current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (remote_subscription_id) DO NOTHING`,
		sub.ID, sub.AccountID, sub.RemoteID, sub.Status, sub.Interval,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, now,
	)
	if err != nil {
		return false, errors.Join(pg.ErrQueryFailed, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ApplySnapshot implements SubscriptionStore.
func (s *PGSubscriptionStore) ApplySnapshot(ctx context.Context, remoteID string, snap *Snapshot) error {
	_, err := s.db.Exec(ctx, `
		UPDATE subscriptions
		SET status = $2, billing_interval = $3, current_period_start = $4,
			current_period_end = $5, cancel_at_period_end = $6, updated_at = $7
		WHERE remote_subscription_id = $1`,
		remoteID, snap.Status, snap.Interval,
		snap.CurrentPeriodStart, snap.CurrentPeriodEnd, snap.CancelAtPeriodEnd, time.Now().UTC(),
	)
	if err != nil {
		return errors.Join(pg.ErrQueryFailed, err)
	}
	return nil
}

// ForceStatus implements SubscriptionStore.
func (s *PGSubscriptionStore) ForceStatus(ctx context.Context, remoteID string, status Status) error {
	_, err := s.db.Exec(ctx, `
		UPDATE subscriptions SET status = $2, updated_at = $3
		WHERE remote_subscription_id = $1`,
		remoteID, status, time.Now().UTC(),
	)
	if err != nil {
		return errors.Join(pg.ErrQueryFailed, err)
	}
	return nil
}

// ByID implements SubscriptionStore.
func (s *PGSubscriptionStore) ByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

// ListByAccount implements SubscriptionStore.
func (s *PGSubscriptionStore) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]Subscription, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE account_id = $1
		ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, errors.Join(pg.ErrQueryFailed, err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(
			&sub.ID, &sub.AccountID, &sub.RemoteID, &sub.Status, &sub.Interval,
			&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
			&sub.CreatedAt, &sub.UpdatedAt,
		); err != nil {
			return nil, errors.Join(pg.ErrQueryFailed, err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(pg.ErrQueryFailed, err)
	}
	return subs, nil
}

// ActiveForAccount implements SubscriptionStore.
func (s *PGSubscriptionStore) ActiveForAccount(ctx context.Context, accountID uuid.UUID) (*Subscription, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE account_id = $1 AND status IN ('active', 'trialing')
		ORDER BY created_at DESC
		LIMIT 1`, accountID)
	return scanSubscription(row)
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(
		&sub.ID, &sub.AccountID, &sub.RemoteID, &sub.Status, &sub.Interval,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, errors.Join(pg.ErrQueryFailed, err)
	}
	return &sub, nil
}
