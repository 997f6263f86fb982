package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingportal/pkg/pg"
)

// CustomerDirectory maps local accounts to their remote payment customer IDs.
// The mapping is created lazily: an account gets an identity the first time a
// billing operation needs one, or at registration when customer pre-creation
// succeeds.
type CustomerDirectory interface {
	// Link records the remote customer ID for an account. Each account holds
	// at most one identity per provider; a second Link for the same pair
	// returns ErrIdentityExists.
	Link(ctx context.Context, accountID uuid.UUID, provider, customerID string) error

	// CustomerID returns the remote customer ID for an account, or
	// ErrCustomerNotFound when no identity exists yet.
	CustomerID(ctx context.Context, accountID uuid.UUID, provider string) (string, error)

	// AccountByCustomer resolves the owning account for a remote customer ID.
	// Returns ErrCustomerNotFound for unknown customers.
	AccountByCustomer(ctx context.Context, provider, customerID string) (uuid.UUID, error)
}

// PGCustomerDirectory is the Postgres-backed CustomerDirectory.
type PGCustomerDirectory struct {
	db dbtx
}

// NewPGCustomerDirectory creates a Postgres customer directory.
func NewPGCustomerDirectory(db dbtx) *PGCustomerDirectory {
	return &PGCustomerDirectory{db: db}
}

// Link implements CustomerDirectory.
func (d *PGCustomerDirectory) Link(ctx context.Context, accountID uuid.UUID, provider, customerID string) error {
	_, err := d.db.Exec(ctx, `
		INSERT INTO customer_identities (id, account_id, provider, remote_customer_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), accountID, provider, customerID, time.Now().UTC(),
	)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrIdentityExists
		}
		return errors.Join(pg.ErrQueryFailed, err)
	}
	return nil
}

// CustomerID implements CustomerDirectory.
func (d *PGCustomerDirectory) CustomerID(ctx context.Context, accountID uuid.UUID, provider string) (string, error) {
	var customerID string
	err := d.db.QueryRow(ctx, `
		SELECT remote_customer_id FROM customer_identities
		WHERE account_id = $1 AND provider = $2`,
		accountID, provider,
	).Scan(&customerID)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return "", ErrCustomerNotFound
		}
		return "", errors.Join(pg.ErrQueryFailed, err)
	}
	return customerID, nil
}

// AccountByCustomer implements CustomerDirectory.
func (d *PGCustomerDirectory) AccountByCustomer(ctx context.Context, provider, customerID string) (uuid.UUID, error) {
	var accountID uuid.UUID
	err := d.db.QueryRow(ctx, `
		SELECT account_id FROM customer_identities
		WHERE provider = $1 AND remote_customer_id = $2`,
		provider, customerID,
	).Scan(&accountID)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return uuid.Nil, ErrCustomerNotFound
		}
		return uuid.Nil, errors.Join(pg.ErrQueryFailed, err)
	}
	return accountID, nil
}
