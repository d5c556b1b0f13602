package approvals

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/filmgen/backend/internal/apperr"
	"github.com/filmgen/backend/internal/metrics"
	"github.com/filmgen/backend/internal/models"
	"github.com/filmgen/backend/internal/permissions"
	"github.com/filmgen/backend/internal/repository"
)

type DeletionInput struct {
	TargetType string    `json:"target_type"`
	TargetID   uuid.UUID `json:"target_id"`
	Reason     string    `json:"reason"`
}

var deletionSubjects = map[string]string{
	models.TargetProject:   "delete the project",
	models.TargetScene:     "delete a scene",
	models.TargetCharacter: "delete a character",
	models.TargetVideo:     "delete a scene video",
}

// RequestDeletion files a deletion request. When a pending request for the
// same target exists it is returned with created=false.
func (w *Workflow) RequestDeletion(ctx context.Context, userID, projectID uuid.UUID, in DeletionInput) (*models.DeletionRequest, bool, error) {
	if _, ok := deletionSubjects[in.TargetType]; !ok {
		return nil, false, apperr.Invalid("target_type must be one of project, scene, character, video")
	}
	if in.TargetType == models.TargetProject {
		if in.TargetID == uuid.Nil {
			in.TargetID = projectID
		}
		if in.TargetID != projectID {
			return nil, false, apperr.Invalid("target_id must be the project id for project deletion")
		}
	} else if in.TargetID == uuid.Nil {
		return nil, false, apperr.Invalid("target_id is required")
	}

	if err := w.guardCreate(ctx, userID, projectID, permissions.CanDelete, permissions.CanRequestDeletion); err != nil {
		return nil, false, err
	}
	if err := w.checkDeletionTarget(ctx, projectID, in); err != nil {
		return nil, false, err
	}

	existing, err := w.store.FindPendingDeletion(ctx, projectID, in.TargetType, in.TargetID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	d := &models.DeletionRequest{
		ID:          uuid.New(),
		ProjectID:   projectID,
		RequesterID: userID,
		TargetType:  in.TargetType,
		TargetID:    in.TargetID,
		Reason:      optional(in.Reason),
		Status:      models.RequestPending,
	}
	if err := w.store.CreateDeletion(ctx, d); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			if existing, ferr := w.store.FindPendingDeletion(ctx, projectID, in.TargetType, in.TargetID); ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}

	w.notifyOwner(ctx, projectID, models.NotificationDeletionRequest,
		"New deletion request",
		"A collaborator asked to "+deletionSubjects[d.TargetType]+".",
		map[string]any{"request_id": d.ID.String(), "target_type": d.TargetType, "target_id": d.TargetID.String()})
	return d, true, nil
}

func (w *Workflow) checkDeletionTarget(ctx context.Context, projectID uuid.UUID, in DeletionInput) error {
	switch in.TargetType {
	case models.TargetScene:
		_, err := w.content.GetScene(ctx, projectID, in.TargetID)
		return notFound(err, "scene")
	case models.TargetVideo:
		s, err := w.content.GetScene(ctx, projectID, in.TargetID)
		if err != nil {
			return notFound(err, "scene")
		}
		if s.VideoURL == nil {
			return apperr.Invalid("scene has no video to delete")
		}
	case models.TargetCharacter:
		_, err := w.content.GetCharacter(ctx, projectID, in.TargetID)
		return notFound(err, "character")
	}
	return nil
}

// ResolveDeletion approves or rejects a pending deletion request. Approval
// deletes the target in the same transaction; if the delete fails the request
// stays pending and DELETE_FAILED (503) is returned so the reviewer can retry.
func (w *Workflow) ResolveDeletion(ctx context.Context, reviewerID, requestID uuid.UUID, approve bool, note string) (*models.DeletionRequest, error) {
	d, err := w.store.GetDeletion(ctx, requestID)
	if err != nil {
		return nil, notFound(err, "deletion request")
	}
	if err := w.guardReview(ctx, reviewerID, d.ProjectID); err != nil {
		return nil, err
	}
	if d.Status != models.RequestPending {
		return nil, errAlreadyProcessed(d.Status)
	}

	tx, err := w.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	locked, err := w.store.LockDeletionTx(ctx, tx, requestID)
	if err != nil {
		return nil, notFound(err, "deletion request")
	}
	if locked.Status != models.RequestPending {
		return nil, errAlreadyProcessed(locked.Status)
	}

	res := w.resolution(reviewerID, approve, note)
	if err := w.store.ResolveDeletionTx(ctx, tx, locked.ID, res); err != nil {
		return nil, conflictOr(err)
	}
	if approve {
		if err := w.applyDeletion(ctx, tx, locked); err != nil {
			w.log.Error("approved deletion failed", "request_id", locked.ID, "target_type", locked.TargetType, "target_id", locked.TargetID, "error", err)
			return nil, deleteFailed(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		if approve {
			return nil, deleteFailed(err)
		}
		return nil, err
	}

	locked.Status = res.Status
	locked.ReviewedBy = &res.ReviewedBy
	locked.ReviewedAt = &res.ReviewedAt
	locked.ReviewNote = res.Note

	metrics.ApprovalResolutions.WithLabelValues("deletion", res.Status).Inc()
	w.log.Info("deletion request resolved", "request_id", locked.ID, "project_id", locked.ProjectID, "status", res.Status, "reviewer_id", reviewerID)
	if approve && locked.TargetType != models.TargetProject {
		w.invalidate(ctx, locked.ProjectID)
	}
	w.notifyResolution(ctx, locked.RequesterID, "deletion", deletionSubjects[locked.TargetType], res, map[string]any{
		"request_id":  locked.ID.String(),
		"project_id":  locked.ProjectID.String(),
		"target_type": locked.TargetType,
		"target_id":   locked.TargetID.String(),
	})
	return locked, nil
}

func (w *Workflow) applyDeletion(ctx context.Context, tx pgx.Tx, d *models.DeletionRequest) error {
	var err error
	switch d.TargetType {
	case models.TargetProject:
		err = w.content.DeleteProjectTx(ctx, tx, d.ProjectID)
	case models.TargetScene:
		err = w.content.DeleteSceneTx(ctx, tx, d.ProjectID, d.TargetID)
	case models.TargetCharacter:
		err = w.content.DeleteCharacterTx(ctx, tx, d.ProjectID, d.TargetID)
	case models.TargetVideo:
		err = w.content.ClearSceneVideoTx(ctx, tx, d.ProjectID, d.TargetID)
	default:
		return errors.New("unknown deletion target " + d.TargetType)
	}
	// A target that is already gone counts as deleted.
	if errors.Is(err, repository.ErrNotFound) {
		w.log.Warn("deletion target already gone", "request_id", d.ID, "target_type", d.TargetType, "target_id", d.TargetID)
		return nil
	}
	return err
}

func deleteFailed(err error) *apperr.Error {
	return &apperr.Error{
		Status:  http.StatusServiceUnavailable,
		Code:    apperr.CodeDeleteFailed,
		Message: "deletion could not be completed; the request is still pending, please retry",
		Err:     err,
	}
}
