package projects

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/filmgen/backend/internal/handlers"
	"github.com/filmgen/backend/internal/logger"
	"github.com/filmgen/backend/internal/middleware"
)

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: logger.OrDefault(log)}
}

// userAndProject reads the caller and the {id} path segment, writing the
// error response when either is missing.
func (h *Handler) userAndProject(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := handlers.RequireUser(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	projectID, err := handlers.PathUUID(r, "id")
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return uuid.Nil, uuid.Nil, false
	}
	return userID, projectID, true
}

// viewerAndProject is userAndProject for read routes that anonymous callers
// may reach; the viewer is uuid.Nil when no token was sent.
func (h *Handler) viewerAndProject(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	projectID, err := handlers.PathUUID(r, "id")
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return uuid.Nil, uuid.Nil, false
	}
	return middleware.UserIDFromCtx(r.Context()), projectID, true
}

// Create handles POST /projects.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := handlers.RequireUser(w, r)
	if !ok {
		return
	}
	var in CreateInput
	if err := handlers.Decode(r, &in); err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	p, err := h.svc.Create(r.Context(), userID, in)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusCreated, p)
}

// Get handles GET /projects/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := h.viewerAndProject(w, r)
	if !ok {
		return
	}
	p, err := h.svc.Get(r.Context(), userID, projectID)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, p)
}

// Role handles GET /projects/{id}/role.
func (h *Handler) Role(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := h.viewerAndProject(w, r)
	if !ok {
		return
	}
	v, err := h.svc.Role(r.Context(), userID, projectID)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, v)
}

// UpdateModelConfig handles PUT /projects/{id}/model-config.
func (h *Handler) UpdateModelConfig(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := h.userAndProject(w, r)
	if !ok {
		return
	}
	var cfg json.RawMessage
	if err := handlers.Decode(r, &cfg); err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	if err := h.svc.UpdateModelConfig(r.Context(), userID, projectID, cfg); err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMembers handles GET /projects/{id}/members.
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := h.userAndProject(w, r)
	if !ok {
		return
	}
	list, err := h.svc.ListMembers(r.Context(), userID, projectID)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, list)
}

// AddMember handles POST /projects/{id}/members.
func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := h.userAndProject(w, r)
	if !ok {
		return
	}
	var in MemberInput
	if err := handlers.Decode(r, &in); err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	m, err := h.svc.AddMember(r.Context(), userID, projectID, in)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, m)
}

// RemoveMember handles DELETE /projects/{id}/members/{userId}.
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := h.userAndProject(w, r)
	if !ok {
		return
	}
	memberID, err := handlers.PathUUID(r, "userId")
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	if err := h.svc.RemoveMember(r.Context(), userID, projectID, memberID); err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListScenes handles GET /projects/{id}/scenes.
func (h *Handler) ListScenes(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := h.viewerAndProject(w, r)
	if !ok {
		return
	}
	list, err := h.svc.ListScenes(r.Context(), userID, projectID)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, list)
}

// AddScene handles POST /projects/{id}/scenes.
func (h *Handler) AddScene(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := h.userAndProject(w, r)
	if !ok {
		return
	}
	var in SceneInput
	if err := handlers.Decode(r, &in); err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	sc, err := h.svc.AddScene(r.Context(), userID, projectID, in)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusCreated, sc)
}

type reorderRequest struct {
	SceneIDs []uuid.UUID `json:"scene_ids"`
}

// ReorderScenes handles PUT /projects/{id}/scenes/order.
func (h *Handler) ReorderScenes(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := h.userAndProject(w, r)
	if !ok {
		return
	}
	var req reorderRequest
	if err := handlers.Decode(r, &req); err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	if err := h.svc.ReorderScenes(r.Context(), userID, projectID, req.SceneIDs); err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteScene handles DELETE /projects/{id}/scenes/{sceneId}.
func (h *Handler) DeleteScene(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := h.userAndProject(w, r)
	if !ok {
		return
	}
	sceneID, err := handlers.PathUUID(r, "sceneId")
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	if err := h.svc.DeleteScene(r.Context(), userID, projectID, sceneID); err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
