package account

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrymomot/billingportal/billing"
	"github.com/dmitrymomot/billingportal/pkg/email"
	"github.com/dmitrymomot/billingportal/pkg/logger"
)

// ServiceConfig holds account service settings.
type ServiceConfig struct {
	ProviderName  string        `env:"BILLING_PROVIDER" envDefault:"stripe"`
	ResetURLBase  string        `env:"ACCOUNT_RESET_URL_BASE,required"`
	ResetTokenTTL time.Duration `env:"ACCOUNT_RESET_TOKEN_TTL" envDefault:"1h"`
}

// Service implements account registration, authentication, and recovery.
type Service struct {
	store     Store
	provider  billing.PaymentProvider
	directory billing.CustomerDirectory
	mailer    email.Sender
	cfg       ServiceConfig
	log       *slog.Logger
}

// NewService creates the account service.
func NewService(
	store Store,
	provider billing.PaymentProvider,
	directory billing.CustomerDirectory,
	mailer email.Sender,
	cfg ServiceConfig,
	log *slog.Logger,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:     store,
		provider:  provider,
		directory: directory,
		mailer:    mailer,
		cfg:       cfg,
		log:       log.With(logger.Component("account")),
	}
}

// Register creates an account and, as a best effort, its payment customer
// identity. Provider downtime never blocks signup.
func (s *Service) Register(ctx context.Context, emailAddr, name, password string) (*Account, error) {
	emailAddr = strings.ToLower(strings.TrimSpace(emailAddr))
	if _, err := mail.ParseAddress(emailAddr); err != nil {
		return nil, ErrInvalidEmail
	}
	if len(password) < 8 {
		return nil, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	acc := &Account{
		Email:        emailAddr,
		Name:         strings.TrimSpace(name),
		PasswordHash: string(hash),
	}
	if err := s.store.Create(ctx, acc); err != nil {
		return nil, err
	}

	s.linkPaymentCustomer(ctx, acc)
	s.sendWelcomeEmail(ctx, acc)

	return acc, nil
}

// Login verifies credentials and returns the account.
func (s *Service) Login(ctx context.Context, emailAddr, password string) (*Account, error) {
	emailAddr = strings.ToLower(strings.TrimSpace(emailAddr))

	acc, err := s.store.ByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return acc, nil
}

// Profile returns the account by ID.
func (s *Service) Profile(ctx context.Context, id uuid.UUID) (*Account, error) {
	return s.store.ByID(ctx, id)
}

// UpdateProfile changes the display name.
func (s *Service) UpdateProfile(ctx context.Context, id uuid.UUID, name string) error {
	return s.store.UpdateProfile(ctx, id, strings.TrimSpace(name))
}

// RequestPasswordReset issues a reset token and emails it. The call succeeds
// for unknown emails too, so responses don't reveal which accounts exist.
func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string) error {
	emailAddr = strings.ToLower(strings.TrimSpace(emailAddr))

	acc, err := s.store.ByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil
		}
		return err
	}

	token, err := newResetToken()
	if err != nil {
		return err
	}
	expiresAt := time.Now().UTC().Add(s.cfg.ResetTokenTTL)
	if err := s.store.CreateResetToken(ctx, acc.ID, hashResetToken(token), expiresAt); err != nil {
		return err
	}

	resetURL := fmt.Sprintf("%s?token=%s", s.cfg.ResetURLBase, token)
	if err := s.mailer.Send(ctx, email.SendParams{
		SendTo:  acc.Email,
		Subject: "Reset your password",
		BodyHTML: fmt.Sprintf(
			`<p>Hi %s,</p><p>Click <a href="%s">here</a> to reset your password. The link expires in %s.</p>`,
			acc.Name, resetURL, s.cfg.ResetTokenTTL,
		),
		Tag: "password-reset",
	}); err != nil {
		return fmt.Errorf("failed to send reset email: %w", err)
	}
	return nil
}

// ChangePassword sets a new password for a logged-in account after verifying
// the current one.
func (s *Service) ChangePassword(ctx context.Context, id uuid.UUID, currentPassword, newPassword string) error {
	if len(newPassword) < 8 {
		return ErrWeakPassword
	}

	acc, err := s.store.ByID(ctx, id)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(currentPassword)); err != nil {
		return ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return s.store.UpdatePassword(ctx, id, string(hash))
}

// ResetPassword spends a reset token and sets the new password.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < 8 {
		return ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return s.store.ConsumeResetToken(ctx, hashResetToken(token), string(hash))
}

// linkPaymentCustomer pre-creates the remote payment customer. Failures are
// logged and ignored; billing creates the identity lazily on first use.
func (s *Service) linkPaymentCustomer(ctx context.Context, acc *Account) {
	customerID, err := s.provider.CreateCustomer(ctx, acc.Email, acc.Name, "")
	if err != nil {
		s.log.WarnContext(ctx, "payment customer pre-creation failed",
			logger.AccountID(acc.ID.String()), logger.Error(err))
		return
	}
	if err := s.directory.Link(ctx, acc.ID, s.cfg.ProviderName, customerID); err != nil {
		s.log.WarnContext(ctx, "payment customer link failed",
			logger.AccountID(acc.ID.String()), logger.Error(err))
	}
}

func (s *Service) sendWelcomeEmail(ctx context.Context, acc *Account) {
	err := s.mailer.Send(ctx, email.SendParams{
		SendTo:   acc.Email,
		Subject:  "Welcome aboard",
		BodyHTML: fmt.Sprintf("<p>Hi %s,</p><p>Your account is ready. Pick a plan to get started.</p>", acc.Name),
		Tag:      "welcome",
	})
	if err != nil {
		s.log.WarnContext(ctx, "welcome email failed",
			logger.AccountID(acc.ID.String()), logger.Error(err))
	}
}

func newResetToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate reset token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
