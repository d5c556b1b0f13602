// Package dashboard serves the signed-in user's account pages: profile and
// balance, the credit ledger and notifications.
package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/filmgen/backend/internal/apperr"
	"github.com/filmgen/backend/internal/handlers"
	"github.com/filmgen/backend/internal/ledger"
	"github.com/filmgen/backend/internal/logger"
	"github.com/filmgen/backend/internal/models"
	"github.com/filmgen/backend/internal/repository"
)

type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Notifications is implemented by *notify.Service.
type Notifications interface {
	List(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*models.Notification, error)
	MarkRead(ctx context.Context, userID, id uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
}

type Handler struct {
	users  Users
	ledger ledger.Service
	notes  Notifications
	// webhookSecret signs payment provider callbacks; empty disables them.
	webhookSecret []byte
	now           func() time.Time
	log           *slog.Logger
}

func NewHandler(users Users, l ledger.Service, notes Notifications, webhookSecret string, log *slog.Logger) *Handler {
	return &Handler{
		users:         users,
		ledger:        l,
		notes:         notes,
		webhookSecret: []byte(webhookSecret),
		now:           time.Now,
		log:           logger.OrDefault(log),
	}
}

type meResponse struct {
	*models.User
	Credits *models.Balance `json:"credits"`
}

// GetMe handles GET /account/me.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := handlers.RequireUser(w, r)
	if !ok {
		return
	}
	u, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		h.log.Warn("account lookup failed", "user_id", userID, "error", err)
		handlers.WriteError(w, h.log, apperr.NotFound("account"))
		return
	}
	b, err := h.ledger.GetOrCreateBalance(r.Context(), userID)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, meResponse{User: u, Credits: b})
}

// ListCreditLedger handles GET /credit-ledger, newest first.
func (h *Handler) ListCreditLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := handlers.RequireUser(w, r)
	if !ok {
		return
	}
	limit, offset := handlers.Page(r, 50, 200)
	list, err := h.ledger.ListTransactions(r.Context(), userID, limit, offset)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	if list == nil {
		list = []*models.Transaction{}
	}
	handlers.WriteJSON(w, http.StatusOK, list)
}

type checkRequest struct {
	Action   string `json:"action"`
	Quantity int    `json:"quantity"`
	Amount   int    `json:"amount"`
}

// CheckCredits handles POST /credits/check. The caller names either a
// priced action (times quantity) or a raw amount.
func (h *Handler) CheckCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := handlers.RequireUser(w, r)
	if !ok {
		return
	}
	var req checkRequest
	if err := handlers.Decode(r, &req); err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	required := req.Amount
	if req.Action != "" {
		cost, err := h.ledger.Cost(req.Action)
		if err != nil {
			handlers.WriteError(w, h.log, apperr.Invalid("unknown action "+req.Action))
			return
		}
		required = cost * max(req.Quantity, 1)
	}
	if required < 0 {
		handlers.WriteError(w, h.log, apperr.Invalid("amount must not be negative"))
		return
	}
	check, err := h.ledger.CheckBalance(r.Context(), userID, required)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, check)
}

// ListNotifications handles GET /notifications. ?unread=true filters.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := handlers.RequireUser(w, r)
	if !ok {
		return
	}
	limit, offset := handlers.Page(r, 50, 100)
	unread := r.URL.Query().Get("unread") == "true"
	list, err := h.notes.List(r.Context(), userID, unread, limit, offset)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	if list == nil {
		list = []*models.Notification{}
	}
	handlers.WriteJSON(w, http.StatusOK, list)
}

// MarkRead handles POST /notifications/{id}/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := handlers.RequireUser(w, r)
	if !ok {
		return
	}
	id, err := handlers.PathUUID(r, "id")
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	if err := h.notes.MarkRead(r.Context(), userID, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = apperr.NotFound("notification")
		}
		handlers.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkAllRead handles POST /notifications/read-all.
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := handlers.RequireUser(w, r)
	if !ok {
		return
	}
	n, err := h.notes.MarkAllRead(r.Context(), userID)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]int64{"updated": n})
}
