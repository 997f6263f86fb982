package account

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/billingportal/pkg/httpx"
)

// Router builds the account routes. Session issuance and the auth middleware
// both come from the same SessionManager so the cookie settings stay in one
// place.
func Router(svc *Service, sessions *SessionManager) chi.Router {
	h := &handlers{svc: svc, sessions: sessions}

	r := chi.NewRouter()
	r.Post("/register", h.register)
	r.Post("/login", h.login)
	r.Post("/logout", h.logout)
	r.Post("/password/forgot", h.forgotPassword)
	r.Post("/password/reset", h.resetPassword)

	r.Group(func(r chi.Router) {
		r.Use(sessions.Middleware)
		r.Get("/me", h.profile)
		r.Patch("/me", h.updateProfile)
		r.Post("/password/change", h.changePassword)
	})

	return r
}

type handlers struct {
	svc      *Service
	sessions *SessionManager
}

type accountResponse struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func toAccountResponse(acc *Account) accountResponse {
	return accountResponse{
		ID:        acc.ID,
		Email:     acc.Email,
		Name:      acc.Name,
		CreatedAt: acc.CreatedAt,
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}

	acc, err := h.svc.Register(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		httpx.Error(w, mapAccountError(err))
		return
	}

	if err := h.issueSession(w, acc.ID); err != nil {
		httpx.Error(w, httpx.ErrInternal)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAccountResponse(acc))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}

	acc, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		httpx.Error(w, mapAccountError(err))
		return
	}

	if err := h.issueSession(w, acc.ID); err != nil {
		httpx.Error(w, httpx.ErrInternal)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccountResponse(acc))
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.ClearCookie(w)
	httpx.JSON(w, http.StatusOK, map[string]bool{"logged_out": true})
}

func (h *handlers) profile(w http.ResponseWriter, r *http.Request) {
	accountID, ok := AccountIDFromContext(r.Context())
	if !ok {
		httpx.Error(w, httpx.ErrUnauthorized)
		return
	}

	acc, err := h.svc.Profile(r.Context(), accountID)
	if err != nil {
		httpx.Error(w, mapAccountError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, toAccountResponse(acc))
}

type updateProfileRequest struct {
	Name string `json:"name"`
}

func (h *handlers) updateProfile(w http.ResponseWriter, r *http.Request) {
	accountID, ok := AccountIDFromContext(r.Context())
	if !ok {
		httpx.Error(w, httpx.ErrUnauthorized)
		return
	}

	var req updateProfileRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}

	if err := h.svc.UpdateProfile(r.Context(), accountID, req.Name); err != nil {
		httpx.Error(w, mapAccountError(err))
		return
	}

	acc, err := h.svc.Profile(r.Context(), accountID)
	if err != nil {
		httpx.Error(w, mapAccountError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, toAccountResponse(acc))
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

func (h *handlers) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}

	if err := h.svc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		httpx.Error(w, mapAccountError(err))
		return
	}
	// Same response whether the email exists or not.
	httpx.JSON(w, http.StatusOK, map[string]bool{"sent": true})
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (h *handlers) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}

	if err := h.svc.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		httpx.Error(w, mapAccountError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"reset": true})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *handlers) changePassword(w http.ResponseWriter, r *http.Request) {
	accountID, ok := AccountIDFromContext(r.Context())
	if !ok {
		httpx.Error(w, httpx.ErrUnauthorized)
		return
	}

	var req changePasswordRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}

	if err := h.svc.ChangePassword(r.Context(), accountID, req.CurrentPassword, req.NewPassword); err != nil {
		httpx.Error(w, mapAccountError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"changed": true})
}

func (h *handlers) issueSession(w http.ResponseWriter, accountID uuid.UUID) error {
	token, err := h.sessions.Issue(accountID)
	if err != nil {
		return err
	}
	h.sessions.SetCookie(w, token)
	return nil
}

func mapAccountError(err error) error {
	switch {
	case errors.Is(err, ErrEmailTaken):
		return httpx.NewHTTPError(http.StatusConflict, "email_taken", "email is already registered")
	case errors.Is(err, ErrInvalidCredentials):
		return httpx.NewHTTPError(http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
	case errors.Is(err, ErrInvalidEmail):
		return httpx.NewHTTPError(http.StatusUnprocessableEntity, "invalid_email", "invalid email address")
	case errors.Is(err, ErrWeakPassword):
		return httpx.NewHTTPError(http.StatusUnprocessableEntity, "weak_password", "password must be at least 8 characters")
	case errors.Is(err, ErrInvalidResetToken):
		return httpx.NewHTTPError(http.StatusBadRequest, "invalid_reset_token", "invalid or expired reset token")
	case errors.Is(err, ErrAccountNotFound):
		return httpx.ErrNotFound
	default:
		return err
	}
}
