package approvals

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/filmgen/backend/internal/apperr"
	"github.com/filmgen/backend/internal/metrics"
	"github.com/filmgen/backend/internal/models"
	"github.com/filmgen/backend/internal/permissions"
	"github.com/filmgen/backend/internal/repository"
)

const maxPromptLength = 4000

type PromptEditInput struct {
	SceneID   uuid.UUID `json:"scene_id"`
	FieldName string    `json:"field_name"`
	NewValue  string    `json:"new_value"`
	Reason    string    `json:"reason"`
}

// RequestPromptEdit proposes a new value for a scene prompt field. The
// current value is captured so the reviewer sees the diff.
func (w *Workflow) RequestPromptEdit(ctx context.Context, userID, projectID uuid.UUID, in PromptEditInput) (*models.PromptEditRequest, bool, error) {
	if in.FieldName != models.FieldImagePrompt && in.FieldName != models.FieldVideoPrompt {
		return nil, false, apperr.Invalid("field_name must be image_prompt or video_prompt")
	}
	in.NewValue = strings.TrimSpace(in.NewValue)
	if in.NewValue == "" {
		return nil, false, apperr.Invalid("new_value is required")
	}
	if len(in.NewValue) > maxPromptLength {
		return nil, false, apperr.Invalid("new_value is too long")
	}
	if in.SceneID == uuid.Nil {
		return nil, false, apperr.Invalid("scene_id is required")
	}

	if err := w.guardCreate(ctx, userID, projectID, permissions.CanEditPrompts, permissions.CanRequestPromptEdit); err != nil {
		return nil, false, err
	}
	scene, err := w.content.GetScene(ctx, projectID, in.SceneID)
	if err != nil {
		return nil, false, notFound(err, "scene")
	}

	existing, err := w.store.FindPendingPromptEdit(ctx, projectID, models.TargetScene, in.SceneID)
	if err == nil {
		return pendingEdit(existing, in.FieldName)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	old := scene.ImagePrompt
	if in.FieldName == models.FieldVideoPrompt {
		old = scene.VideoPrompt
	}
	p := &models.PromptEditRequest{
		ID:          uuid.New(),
		ProjectID:   projectID,
		RequesterID: userID,
		TargetType:  models.TargetScene,
		TargetID:    in.SceneID,
		FieldName:   in.FieldName,
		OldValue:    old,
		NewValue:    in.NewValue,
		Reason:      optional(in.Reason),
		Status:      models.RequestPending,
	}
	if err := w.store.CreatePromptEdit(ctx, p); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			if existing, ferr := w.store.FindPendingPromptEdit(ctx, projectID, models.TargetScene, in.SceneID); ferr == nil {
				return pendingEdit(existing, in.FieldName)
			}
		}
		return nil, false, err
	}

	w.notifyOwner(ctx, projectID, models.NotificationPromptEditRequest,
		"New prompt edit request",
		"A collaborator proposed a new "+strings.ReplaceAll(p.FieldName, "_", " ")+".",
		map[string]any{"request_id": p.ID.String(), "scene_id": p.TargetID.String(), "field_name": p.FieldName})
	return p, true, nil
}

// pendingEdit answers a request for a scene that already has a pending edit.
// A scene holds one pending edit at a time, so an edit of the other prompt is
// refused with the field the pending one covers.
func pendingEdit(existing *models.PromptEditRequest, field string) (*models.PromptEditRequest, bool, error) {
	if existing.FieldName == field {
		return existing, false, nil
	}
	e := apperr.New(http.StatusConflict, apperr.CodeRequestPending,
		fmt.Sprintf("this scene already has a pending %s edit, resolve it first", strings.ReplaceAll(existing.FieldName, "_", " ")))
	e.Details = map[string]any{"request_id": existing.ID, "field_name": existing.FieldName}
	return nil, false, e
}

// ResolvePromptEdit approves (applying the new value in the same
// transaction) or rejects a pending prompt edit.
func (w *Workflow) ResolvePromptEdit(ctx context.Context, reviewerID, requestID uuid.UUID, approve bool, note string) (*models.PromptEditRequest, error) {
	p, err := w.store.GetPromptEdit(ctx, requestID)
	if err != nil {
		return nil, notFound(err, "prompt edit request")
	}
	if err := w.guardReview(ctx, reviewerID, p.ProjectID); err != nil {
		return nil, err
	}
	if p.Status != models.RequestPending {
		return nil, errAlreadyProcessed(p.Status)
	}

	tx, err := w.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	locked, err := w.store.LockPromptEditTx(ctx, tx, requestID)
	if err != nil {
		return nil, notFound(err, "prompt edit request")
	}
	if locked.Status != models.RequestPending {
		return nil, errAlreadyProcessed(locked.Status)
	}

	res := w.resolution(reviewerID, approve, note)
	if err := w.store.ResolvePromptEditTx(ctx, tx, locked.ID, res); err != nil {
		return nil, conflictOr(err)
	}
	if approve {
		if err := w.content.UpdateScenePromptTx(ctx, tx, locked.ProjectID, locked.TargetID, locked.FieldName, locked.NewValue); err != nil {
			return nil, notFound(err, "scene")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	locked.Status = res.Status
	locked.ReviewedBy = &res.ReviewedBy
	locked.ReviewedAt = &res.ReviewedAt
	locked.ReviewNote = res.Note

	metrics.ApprovalResolutions.WithLabelValues("prompt_edit", res.Status).Inc()
	w.log.Info("prompt edit request resolved", "request_id", locked.ID, "project_id", locked.ProjectID, "status", res.Status, "reviewer_id", reviewerID)
	if approve {
		w.invalidate(ctx, locked.ProjectID)
	}
	w.notifyResolution(ctx, locked.RequesterID, "prompt edit", "change a scene "+strings.ReplaceAll(locked.FieldName, "_", " "), res, map[string]any{
		"request_id": locked.ID.String(),
		"project_id": locked.ProjectID.String(),
		"scene_id":   locked.TargetID.String(),
	})
	return locked, nil
}
