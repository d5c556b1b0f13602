package jobs

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/filmgen/backend/internal/handlers"
	"github.com/filmgen/backend/internal/logger"
	"github.com/filmgen/backend/internal/models"
)

// API is the subset of *Service the handler serves.
type API interface {
	CreateJob(ctx context.Context, userID, projectID uuid.UUID, in CreateInput) (*models.GenerationJob, error)
	CreateBatch(ctx context.Context, userID, projectID uuid.UUID, items []CreateInput) ([]*models.GenerationJob, error)
	GetJob(ctx context.Context, userID, jobID uuid.UUID) (*models.GenerationJob, error)
	ListProjectJobs(ctx context.Context, userID, projectID uuid.UUID, limit, offset int) ([]*models.GenerationJob, error)
	CreateComposition(ctx context.Context, userID, projectID uuid.UUID, in CompositionInput) (*models.GenerationJob, error)
}

type Handler struct {
	svc API
	log *slog.Logger
}

func NewHandler(svc API, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: logger.OrDefault(log)}
}

// Create handles POST /projects/{id}/generations.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := handlers.RequireUser(w, r)
	if !ok {
		return
	}
	projectID, err := handlers.PathUUID(r, "id")
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	var in CreateInput
	if err := handlers.Decode(r, &in); err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	job, err := h.svc.CreateJob(r.Context(), userID, projectID, in)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusAccepted, job)
}

type batchRequest struct {
	Items []CreateInput `json:"items"`
}

// CreateBatch handles POST /projects/{id}/generations/batch.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := handlers.RequireUser(w, r)
	if !ok {
		return
	}
	projectID, err := handlers.PathUUID(r, "id")
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	var req batchRequest
	if err := handlers.Decode(r, &req); err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	list, err := h.svc.CreateBatch(r.Context(), userID, projectID, req.Items)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusAccepted, map[string]any{"jobs": list})
}

// Compose handles POST /projects/{id}/compositions.
func (h *Handler) Compose(w http.ResponseWriter, r *http.Request) {
	userID, ok := handlers.RequireUser(w, r)
	if !ok {
		return
	}
	projectID, err := handlers.PathUUID(r, "id")
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	var in CompositionInput
	if err := handlers.Decode(r, &in); err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	job, err := h.svc.CreateComposition(r.Context(), userID, projectID, in)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusAccepted, job)
}

// Get handles GET /generations/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := handlers.RequireUser(w, r)
	if !ok {
		return
	}
	jobID, err := handlers.PathUUID(r, "id")
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	job, err := h.svc.GetJob(r.Context(), userID, jobID)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, job)
}

// List handles GET /projects/{id}/generations.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := handlers.RequireUser(w, r)
	if !ok {
		return
	}
	projectID, err := handlers.PathUUID(r, "id")
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	limit, offset := handlers.Page(r, 50, 200)
	list, err := h.svc.ListProjectJobs(r.Context(), userID, projectID, limit, offset)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, list)
}
