package account

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrymomot/billingportal/pkg/pg"
)

// Account is a portal user.
type Account struct {
	ID           uuid.UUID
	Email        string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store defines account persistence.
type Store interface {
	// Create inserts a new account. Returns ErrEmailTaken when the email is
	// already registered.
	Create(ctx context.Context, acc *Account) error

	// ByEmail fetches an account by email, or ErrAccountNotFound.
	ByEmail(ctx context.Context, email string) (*Account, error)

	// ByID fetches an account by ID, or ErrAccountNotFound.
	ByID(ctx context.Context, id uuid.UUID) (*Account, error)

	// UpdateProfile updates the display name.
	UpdateProfile(ctx context.Context, id uuid.UUID, name string) error

	// UpdatePassword replaces the password hash.
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error

	// CreateResetToken stores a hashed password reset token.
	CreateResetToken(ctx context.Context, accountID uuid.UUID, tokenHash string, expiresAt time.Time) error

	// ConsumeResetToken marks the token used and updates the password hash in
	// one transaction. Returns ErrInvalidResetToken when the token is
	// unknown, expired, or already consumed.
	ConsumeResetToken(ctx context.Context, tokenHash, passwordHash string) error
}

// dbtx is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGStore is the Postgres-backed account store.
type PGStore struct {
	db dbtx
}

// NewPGStore creates a Postgres account store.
func NewPGStore(db dbtx) *PGStore {
	return &PGStore{db: db}
}

const accountColumns = `id, email, name, password_hash, created_at, updated_at`

// Create implements Store.
func (s *PGStore) Create(ctx context.Context, acc *Account) error {
	if acc.ID == uuid.Nil {
		acc.ID = uuid.New()
	}
	now := time.Now().UTC()
	acc.CreatedAt = now
	acc.UpdatedAt = now

	_, err := s.db.Exec(ctx, `
		INSERT INTO accounts (id, email, name, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		acc.ID, acc.Email, acc.Name, acc.PasswordHash, now,
	)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrEmailTaken
		}
		return errors.Join(pg.ErrQueryFailed, err)
	}
	return nil
}

// ByEmail implements Store.
func (s *PGStore) ByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
	return scanAccount(row)
}

// ByID implements Store.
func (s *PGStore) ByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// UpdateProfile implements Store.
func (s *PGStore) UpdateProfile(ctx context.Context, id uuid.UUID, name string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE accounts SET name = $2, updated_at = $3 WHERE id = $1`,
		id, name, time.Now().UTC(),
	)
	if err != nil {
		return errors.Join(pg.ErrQueryFailed, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdatePassword implements Store.
func (s *PGStore) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE accounts SET password_hash = $2, updated_at = $3 WHERE id = $1`,
		id, passwordHash, time.Now().UTC(),
	)
	if err != nil {
		return errors.Join(pg.ErrQueryFailed, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// CreateResetToken implements Store.
func (s *PGStore) CreateResetToken(ctx context.Context, accountID uuid.UUID, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO password_reset_tokens (id, account_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), accountID, tokenHash, expiresAt, time.Now().UTC(),
	)
	if err != nil {
		return errors.Join(pg.ErrQueryFailed, err)
	}
	return nil
}

// ConsumeResetToken implements Store. The token row is locked for the
// duration of the transaction so a token can only ever be spent once.
func (s *PGStore) ConsumeResetToken(ctx context.Context, tokenHash, passwordHash string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Join(pg.ErrQueryFailed, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var accountID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT account_id FROM password_reset_tokens
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > now()
		FOR UPDATE`, tokenHash,
	).Scan(&accountID)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return ErrInvalidResetToken
		}
		return errors.Join(pg.ErrQueryFailed, err)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE password_reset_tokens SET used_at = $2 WHERE token_hash = $1`,
		tokenHash, now,
	); err != nil {
		return errors.Join(pg.ErrQueryFailed, err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET password_hash = $2, updated_at = $3 WHERE id = $1`,
		accountID, passwordHash, now,
	); err != nil {
		return errors.Join(pg.ErrQueryFailed, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Join(pg.ErrQueryFailed, err)
	}
	return nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var acc Account
	err := row.Scan(&acc.ID, &acc.Email, &acc.Name, &acc.PasswordHash, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrAccountNotFound
		}
		return nil, errors.Join(pg.ErrQueryFailed, err)
	}
	return &acc, nil
}
