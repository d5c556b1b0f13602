package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/filmgen/backend/internal/apperr"
	"github.com/filmgen/backend/internal/handlers"
	"github.com/filmgen/backend/internal/logger"
)

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: logger.OrDefault(log)}
}

// Register handles POST /auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := handlers.Decode(r, &req); err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	u, err := h.svc.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		var invalid *ValidationError
		switch {
		case errors.As(err, &invalid):
			err = apperr.Invalid(invalid.Msg)
		case errors.Is(err, ErrDuplicateEmail):
			err = apperr.New(http.StatusConflict, "EMAIL_TAKEN", err.Error())
		}
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusCreated, u)
}

// Login handles POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := handlers.Decode(r, &req); err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		handlers.WriteError(w, h.log, apperr.Invalid("missing email or password"))
		return
	}
	token, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		err = apperr.New(http.StatusUnauthorized, "INVALID_CREDENTIALS", err.Error())
	}
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, LoginResponse{Token: token})
}
