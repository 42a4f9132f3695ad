package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rruiz22/mda-authz/internal/platform/httpx"
	"github.com/rruiz22/mda-authz/internal/shared"
)

// Handler exposes login/logout and dealer-context switching.
type Handler struct {
	service        *Service
	sessionManager *shared.SessionManager
	csrf           *shared.CSRFManager
	validate       *validator.Validate
	logger         *slog.Logger
}

// NewHandler constructs the auth HTTP handler.
func NewHandler(service *Service, sessionManager *shared.SessionManager, csrf *shared.CSRFManager, logger *slog.Logger) *Handler {
	return &Handler{
		service:        service,
		sessionManager: sessionManager,
		csrf:           csrf,
		validate:       validator.New(),
		logger:         logger,
	}
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

// Login handles POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	principal, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, shared.ErrInvalidCredentials) {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
			return
		}
		h.logger.Error("login failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("login without session middleware")
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	sess.SetPrincipal(principal.ID)
	sess.SetDealer(principal.DefaultDealerID)

	expiresAt := time.Now().Add(h.sessionManager.TTL())
	if err := h.service.RegisterSession(r.Context(), sess.ID, principal.ID, expiresAt, clientIP(r), r.UserAgent()); err != nil {
		h.logger.Warn("session audit record failed", slog.Any("error", err))
	}

	token, err := h.csrf.EnsureToken(r.Context(), sess)
	if err != nil {
		h.logger.Warn("csrf token issue failed", slog.Any("error", err))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"principal_id": principal.ID,
		"dealer_id":    principal.DefaultDealerID,
		"csrf_token":   token,
	})
}

// Logout handles POST /auth/logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.Warn("session audit delete failed", slog.Any("error", err))
		}
		h.sessionManager.Destroy(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}

type switchDealerRequest struct {
	DealerID int64 `json:"dealer_id" validate:"gte=0"`
}

// SwitchDealer handles POST /auth/dealer: changes the dealer context the
// session's permission checks are scoped to.
func (h *Handler) SwitchDealer(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || sess.PrincipalID() == 0 {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req switchDealerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	sess.SetDealer(req.DealerID)
	w.WriteHeader(http.StatusNoContent)
}

func clientIP(r *http.Request) string {
	// chi's RealIP middleware already rewrote RemoteAddr when forwarded
	// headers were present.
	return r.RemoteAddr
}
