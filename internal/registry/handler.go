package registry

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/filmgen/backend/internal/apperr"
	"github.com/filmgen/backend/internal/handlers"
	"github.com/filmgen/backend/internal/logger"
	"github.com/filmgen/backend/internal/models"
)

// KeyStore is the user key persistence the handler needs.
type KeyStore interface {
	SetUserKey(ctx context.Context, userID uuid.UUID, provider, key string) error
	DeleteUserKey(ctx context.Context, userID uuid.UUID, provider string) error
	ListUserKeys(ctx context.Context, userID uuid.UUID) ([]*models.ProviderKey, error)
}

type Handler struct {
	reg  *Registry
	keys KeyStore
	log  *slog.Logger
}

func NewHandler(reg *Registry, keys KeyStore, log *slog.Logger) *Handler {
	return &Handler{reg: reg, keys: keys, log: logger.OrDefault(log)}
}

// ListProviders handles GET /providers.
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	handlers.WriteJSON(w, http.StatusOK, h.reg.List())
}

// ListKeys handles GET /account/provider-keys. Keys themselves are never
// returned.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := handlers.RequireUser(w, r)
	if !ok {
		return
	}
	keys, err := h.keys.ListUserKeys(r.Context(), userID)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, keys)
}

type setKeyRequest struct {
	APIKey string `json:"api_key"`
}

// SetKey handles PUT /account/provider-keys/{provider}.
func (h *Handler) SetKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := handlers.RequireUser(w, r)
	if !ok {
		return
	}
	provider := r.PathValue("provider")
	if _, ok := h.reg.Get(provider); !ok {
		handlers.WriteError(w, h.log, apperr.NotFound("provider"))
		return
	}
	var req setKeyRequest
	if err := handlers.Decode(r, &req); err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	key := strings.TrimSpace(req.APIKey)
	if key == "" {
		handlers.WriteError(w, h.log, apperr.Invalid("api_key is required"))
		return
	}
	if err := h.keys.SetUserKey(r.Context(), userID, provider, key); err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	h.log.Info("provider key stored", "user_id", userID, "provider", provider)
	handlers.WriteJSON(w, http.StatusOK, map[string]string{"provider": provider, "status": "stored"})
}

// DeleteKey handles DELETE /account/provider-keys/{provider}.
func (h *Handler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := handlers.RequireUser(w, r)
	if !ok {
		return
	}
	if err := h.keys.DeleteUserKey(r.Context(), userID, r.PathValue("provider")); err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
