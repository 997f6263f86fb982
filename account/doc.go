// Package account implements registration, password authentication, and
// profile management for portal accounts. Sessions are stateless JWT cookies;
// password resets use single-use hashed tokens delivered by email.
//
// Registration pre-creates the payment customer identity when the provider is
// reachable, but never fails signup over it: billing lazily creates the
// identity on first checkout if needed.
package account
