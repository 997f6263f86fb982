package account

import "errors"

var (
	ErrEmailTaken = errors.New("email is already registered")

	// ErrInvalidCredentials covers both an unknown email and a wrong password
	// so login responses don't reveal which accounts exist.
	ErrInvalidCredentials = errors.New("invalid email or password")

	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidResetToken covers unknown, expired, and already-used tokens.
	ErrInvalidResetToken = errors.New("invalid or expired reset token")

	ErrWeakPassword = errors.New("password must be at least 8 characters")

	ErrInvalidEmail = errors.New("invalid email address")
)
