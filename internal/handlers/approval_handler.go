package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/filmgen/backend/internal/approvals"
	"github.com/filmgen/backend/internal/models"
)

// Approvals is the workflow surface served over HTTP. Implemented by
// *approvals.Workflow.
type Approvals interface {
	RequestDeletion(ctx context.Context, userID, projectID uuid.UUID, in approvals.DeletionInput) (*models.DeletionRequest, bool, error)
	ResolveDeletion(ctx context.Context, reviewerID, requestID uuid.UUID, approve bool, note string) (*models.DeletionRequest, error)
	RequestRegeneration(ctx context.Context, userID, projectID uuid.UUID, in approvals.RegenerationInput) (*approvals.RegenerationBatch, error)
	ResolveRegeneration(ctx context.Context, reviewerID, requestID uuid.UUID, approve bool, note string) ([]*models.RegenerationRequest, error)
	ResolveRegenerationBatch(ctx context.Context, reviewerID, batchID uuid.UUID, approve bool, note string) ([]*models.RegenerationRequest, error)
	RetryRegeneration(ctx context.Context, reviewerID, requestID uuid.UUID) (*models.RegenerationRequest, error)
	SelectOutput(ctx context.Context, userID, requestID uuid.UUID, url string) (*models.RegenerationRequest, error)
	RequestPromptEdit(ctx context.Context, userID, projectID uuid.UUID, in approvals.PromptEditInput) (*models.PromptEditRequest, bool, error)
	ResolvePromptEdit(ctx context.Context, reviewerID, requestID uuid.UUID, approve bool, note string) (*models.PromptEditRequest, error)
	ListPending(ctx context.Context, reviewerID, projectID uuid.UUID) (*approvals.Requests, error)
	ListMine(ctx context.Context, userID uuid.UUID) (*approvals.Requests, error)
}

// ApprovalHandler serves the deletion, regeneration and prompt-edit request
// endpoints.
type ApprovalHandler struct {
	Workflow Approvals
	Logger   *slog.Logger
}

type reviewRequest struct {
	Note string `json:"note"`
}

// pathIDs returns the caller and the UUID path segment name.
func (h *ApprovalHandler) pathIDs(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := RequireUser(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	id, err := PathUUID(r, name)
	if err != nil {
		WriteError(w, h.Logger, err)
		return uuid.Nil, uuid.Nil, false
	}
	return userID, id, true
}

// created writes 201 for a new request and 200 when an existing pending one
// was returned.
func created(w http.ResponseWriter, isNew bool, v any) {
	if isNew {
		WriteJSON(w, http.StatusCreated, v)
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

// --- Deletion ---

// RequestDeletion handles POST /projects/{id}/deletion-requests.
func (h *ApprovalHandler) RequestDeletion(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := h.pathIDs(w, r, "id")
	if !ok {
		return
	}
	var in approvals.DeletionInput
	if err := Decode(r, &in); err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	d, isNew, err := h.Workflow.RequestDeletion(r.Context(), userID, projectID, in)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	created(w, isNew, d)
}

func (h *ApprovalHandler) resolveDeletion(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, id, ok := h.pathIDs(w, r, "id")
		if !ok {
			return
		}
		var body reviewRequest
		if err := Decode(r, &body); err != nil {
			WriteError(w, h.Logger, err)
			return
		}
		d, err := h.Workflow.ResolveDeletion(r.Context(), userID, id, approve, body.Note)
		if err != nil {
			WriteError(w, h.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, d)
	}
}

// ApproveDeletion handles POST /deletion-requests/{id}/approve.
func (h *ApprovalHandler) ApproveDeletion(w http.ResponseWriter, r *http.Request) {
	h.resolveDeletion(true)(w, r)
}

// RejectDeletion handles POST /deletion-requests/{id}/reject.
func (h *ApprovalHandler) RejectDeletion(w http.ResponseWriter, r *http.Request) {
	h.resolveDeletion(false)(w, r)
}

// --- Regeneration ---

// RequestRegeneration handles POST /projects/{id}/regeneration-requests.
func (h *ApprovalHandler) RequestRegeneration(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := h.pathIDs(w, r, "id")
	if !ok {
		return
	}
	var in approvals.RegenerationInput
	if err := Decode(r, &in); err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	batch, err := h.Workflow.RequestRegeneration(r.Context(), userID, projectID, in)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	created(w, len(batch.Created) > 0, batch)
}

func (h *ApprovalHandler) resolveRegeneration(approve, wholeBatch bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := "id"
		if wholeBatch {
			name = "batchId"
		}
		userID, id, ok := h.pathIDs(w, r, name)
		if !ok {
			return
		}
		var body reviewRequest
		if err := Decode(r, &body); err != nil {
			WriteError(w, h.Logger, err)
			return
		}
		resolve := h.Workflow.ResolveRegeneration
		if wholeBatch {
			resolve = h.Workflow.ResolveRegenerationBatch
		}
		list, err := resolve(r.Context(), userID, id, approve, body.Note)
		if err != nil {
			WriteError(w, h.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"requests": list})
	}
}

// ApproveRegeneration handles POST /regeneration-requests/{id}/approve. A
// batch member resolves its whole batch.
func (h *ApprovalHandler) ApproveRegeneration(w http.ResponseWriter, r *http.Request) {
	h.resolveRegeneration(true, false)(w, r)
}

// RejectRegeneration handles POST /regeneration-requests/{id}/reject.
func (h *ApprovalHandler) RejectRegeneration(w http.ResponseWriter, r *http.Request) {
	h.resolveRegeneration(false, false)(w, r)
}

// ApproveBatch handles POST /regeneration-batches/{batchId}/approve.
func (h *ApprovalHandler) ApproveBatch(w http.ResponseWriter, r *http.Request) {
	h.resolveRegeneration(true, true)(w, r)
}

// RejectBatch handles POST /regeneration-batches/{batchId}/reject.
func (h *ApprovalHandler) RejectBatch(w http.ResponseWriter, r *http.Request) {
	h.resolveRegeneration(false, true)(w, r)
}

// RetryRegeneration handles POST /regeneration-requests/{id}/retry.
func (h *ApprovalHandler) RetryRegeneration(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.pathIDs(w, r, "id")
	if !ok {
		return
	}
	g, err := h.Workflow.RetryRegeneration(r.Context(), userID, id)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, g)
}

type selectRequest struct {
	URL string `json:"url"`
}

// SelectOutput handles POST /regeneration-requests/{id}/select.
func (h *ApprovalHandler) SelectOutput(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.pathIDs(w, r, "id")
	if !ok {
		return
	}
	var body selectRequest
	if err := Decode(r, &body); err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	g, err := h.Workflow.SelectOutput(r.Context(), userID, id, body.URL)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, g)
}

// --- Prompt edits ---

// RequestPromptEdit handles POST /projects/{id}/prompt-edit-requests.
func (h *ApprovalHandler) RequestPromptEdit(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := h.pathIDs(w, r, "id")
	if !ok {
		return
	}
	var in approvals.PromptEditInput
	if err := Decode(r, &in); err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	p, isNew, err := h.Workflow.RequestPromptEdit(r.Context(), userID, projectID, in)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	created(w, isNew, p)
}

func (h *ApprovalHandler) resolvePromptEdit(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, id, ok := h.pathIDs(w, r, "id")
		if !ok {
			return
		}
		var body reviewRequest
		if err := Decode(r, &body); err != nil {
			WriteError(w, h.Logger, err)
			return
		}
		p, err := h.Workflow.ResolvePromptEdit(r.Context(), userID, id, approve, body.Note)
		if err != nil {
			WriteError(w, h.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

// ApprovePromptEdit handles POST /prompt-edit-requests/{id}/approve.
func (h *ApprovalHandler) ApprovePromptEdit(w http.ResponseWriter, r *http.Request) {
	h.resolvePromptEdit(true)(w, r)
}

// RejectPromptEdit handles POST /prompt-edit-requests/{id}/reject.
func (h *ApprovalHandler) RejectPromptEdit(w http.ResponseWriter, r *http.Request) {
	h.resolvePromptEdit(false)(w, r)
}

// --- Listing ---

// ListPending handles GET /projects/{id}/requests.
func (h *ApprovalHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := h.pathIDs(w, r, "id")
	if !ok {
		return
	}
	reqs, err := h.Workflow.ListPending(r.Context(), userID, projectID)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, reqs)
}

// ListMine handles GET /requests/mine.
func (h *ApprovalHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}
	reqs, err := h.Workflow.ListMine(r.Context(), userID)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, reqs)
}
