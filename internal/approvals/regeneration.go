package approvals

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/filmgen/backend/internal/apperr"
	"github.com/filmgen/backend/internal/metrics"
	"github.com/filmgen/backend/internal/models"
	"github.com/filmgen/backend/internal/permissions"
	"github.com/filmgen/backend/internal/repository"
)

const maxTargetsPerRequest = 50

type RegenerationTarget struct {
	TargetType string    `json:"target_type"`
	TargetID   uuid.UUID `json:"target_id"`
}

type RegenerationInput struct {
	Targets []RegenerationTarget `json:"targets"`
	Reason  string               `json:"reason"`
}

// RegenerationBatch is the result of RequestRegeneration. Targets that
// already had a pending request are reported in Existing.
type RegenerationBatch struct {
	BatchID  *uuid.UUID                    `json:"batch_id,omitempty"`
	Created  []*models.RegenerationRequest `json:"created"`
	Existing []*models.RegenerationRequest `json:"existing"`
}

// RequestRegeneration files one request per target. Two or more new requests
// filed together share a batch id and are later resolved as a unit.
func (w *Workflow) RequestRegeneration(ctx context.Context, userID, projectID uuid.UUID, in RegenerationInput) (*RegenerationBatch, error) {
	targets, err := normalizeTargets(in.Targets)
	if err != nil {
		return nil, err
	}
	if err := w.guardCreate(ctx, userID, projectID, permissions.CanRegenerate, permissions.CanRequestRegeneration); err != nil {
		return nil, err
	}
	for _, t := range targets {
		if _, err := w.content.GetScene(ctx, projectID, t.TargetID); err != nil {
			return nil, notFound(err, "scene")
		}
	}

	// A concurrent request for the same target makes the insert hit the
	// pending unique index; the retry then sees it as existing.
	var out *RegenerationBatch
	for attempt := 0; attempt < 2; attempt++ {
		out, err = w.createRegenerations(ctx, userID, projectID, targets, in.Reason)
		if !errors.Is(err, repository.ErrDuplicate) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	if n := len(out.Created); n > 0 {
		meta := map[string]any{"request_id": out.Created[0].ID.String(), "count": n}
		if out.BatchID != nil {
			meta["batch_id"] = out.BatchID.String()
		}
		w.notifyOwner(ctx, projectID, models.NotificationRegenerationRequest,
			"New regeneration request",
			fmt.Sprintf("A collaborator asked to regenerate %d item(s).", n),
			meta)
	}
	return out, nil
}

func normalizeTargets(in []RegenerationTarget) ([]RegenerationTarget, error) {
	if len(in) == 0 {
		return nil, apperr.Invalid("at least one target is required")
	}
	if len(in) > maxTargetsPerRequest {
		return nil, apperr.Invalid(fmt.Sprintf("at most %d targets per request", maxTargetsPerRequest))
	}
	seen := make(map[RegenerationTarget]bool, len(in))
	out := make([]RegenerationTarget, 0, len(in))
	for _, t := range in {
		if t.TargetType != models.TargetImage && t.TargetType != models.TargetVideo {
			return nil, apperr.Invalid("target_type must be image or video")
		}
		if t.TargetID == uuid.Nil {
			return nil, apperr.Invalid("target_id is required")
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

func (w *Workflow) createRegenerations(ctx context.Context, userID, projectID uuid.UUID, targets []RegenerationTarget, reason string) (*RegenerationBatch, error) {
	tx, err := w.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	out := &RegenerationBatch{Created: []*models.RegenerationRequest{}, Existing: []*models.RegenerationRequest{}}
	var fresh []RegenerationTarget
	for _, t := range targets {
		existing, err := w.store.FindPendingRegenerationTx(ctx, tx, projectID, t.TargetType, t.TargetID)
		switch {
		case err == nil:
			out.Existing = append(out.Existing, existing)
		case errors.Is(err, repository.ErrNotFound):
			fresh = append(fresh, t)
		default:
			return nil, err
		}
	}

	if len(fresh) > 1 {
		id := uuid.New()
		out.BatchID = &id
	}
	for _, t := range fresh {
		g := &models.RegenerationRequest{
			ID:            uuid.New(),
			ProjectID:     projectID,
			RequesterID:   userID,
			TargetType:    t.TargetType,
			TargetID:      t.TargetID,
			BatchID:       out.BatchID,
			Reason:        optional(reason),
			Status:        models.RequestPending,
			MaxAttempts:   w.maxAttempts,
			GeneratedURLs: []string{},
		}
		if err := w.store.CreateRegenerationTx(ctx, tx, g); err != nil {
			return nil, err
		}
		out.Created = append(out.Created, g)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveRegeneration decides a single request. A request that belongs to a
// batch resolves its whole batch.
func (w *Workflow) ResolveRegeneration(ctx context.Context, reviewerID, requestID uuid.UUID, approve bool, note string) ([]*models.RegenerationRequest, error) {
	g, err := w.store.GetRegeneration(ctx, requestID)
	if err != nil {
		return nil, notFound(err, "regeneration request")
	}
	if err := w.guardReview(ctx, reviewerID, g.ProjectID); err != nil {
		return nil, err
	}
	if g.Status != models.RequestPending {
		return nil, errAlreadyProcessed(g.Status)
	}
	if g.BatchID != nil {
		return w.resolveRegenerations(ctx, reviewerID, g.ProjectID, approve, note, func(tx pgx.Tx) ([]*models.RegenerationRequest, error) {
			return w.store.LockPendingBatchTx(ctx, tx, *g.BatchID)
		})
	}
	return w.resolveRegenerations(ctx, reviewerID, g.ProjectID, approve, note, func(tx pgx.Tx) ([]*models.RegenerationRequest, error) {
		locked, err := w.store.LockRegenerationTx(ctx, tx, requestID)
		if err != nil {
			return nil, notFound(err, "regeneration request")
		}
		if locked.Status != models.RequestPending {
			return nil, nil
		}
		return []*models.RegenerationRequest{locked}, nil
	})
}

// ResolveRegenerationBatch decides every still-pending member of a batch.
// Members resolved earlier are left untouched.
func (w *Workflow) ResolveRegenerationBatch(ctx context.Context, reviewerID, batchID uuid.UUID, approve bool, note string) ([]*models.RegenerationRequest, error) {
	members, err := w.store.ListBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, apperr.NotFound("regeneration batch")
	}
	projectID := members[0].ProjectID
	if err := w.guardReview(ctx, reviewerID, projectID); err != nil {
		return nil, err
	}
	return w.resolveRegenerations(ctx, reviewerID, projectID, approve, note, func(tx pgx.Tx) ([]*models.RegenerationRequest, error) {
		return w.store.LockPendingBatchTx(ctx, tx, batchID)
	})
}

func (w *Workflow) resolveRegenerations(ctx context.Context, reviewerID, projectID uuid.UUID, approve bool, note string, lock func(pgx.Tx) ([]*models.RegenerationRequest, error)) ([]*models.RegenerationRequest, error) {
	if approve && w.regen == nil {
		return nil, errors.New("regeneration is not configured")
	}

	tx, err := w.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	pending, err := lock(tx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, errAlreadyProcessed("processed")
	}

	res := w.resolution(reviewerID, approve, note)
	for _, g := range pending {
		if err := w.store.ResolveRegenerationTx(ctx, tx, g.ID, res); err != nil {
			return nil, conflictOr(err)
		}
		g.Status = res.Status
		g.ReviewedBy = &res.ReviewedBy
		g.ReviewedAt = &res.ReviewedAt
		g.ReviewNote = res.Note
	}
	if approve {
		for _, g := range pending {
			if err := w.reserveAttempt(ctx, tx, g); err != nil {
				return nil, err
			}
		}
		if err := w.regen.EnqueueRegenerationTx(ctx, tx, reviewerID, pending); err != nil {
			return nil, insufficientOr(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	metrics.ApprovalResolutions.WithLabelValues("regeneration", res.Status).Add(float64(len(pending)))
	w.log.Info("regeneration requests resolved", "project_id", projectID, "count", len(pending), "status", res.Status, "reviewer_id", reviewerID)

	ids := make([]string, len(pending))
	for i, g := range pending {
		ids[i] = g.ID.String()
	}
	meta := map[string]any{"project_id": projectID.String(), "request_ids": ids}
	if pending[0].BatchID != nil {
		meta["batch_id"] = pending[0].BatchID.String()
	}
	what := fmt.Sprintf("regenerate %d item(s)", len(pending))
	if len(pending) == 1 {
		what = "regenerate a scene " + pending[0].TargetType
	}
	w.notifyResolution(ctx, pending[0].RequesterID, "regeneration", what, res, meta)
	return pending, nil
}

// RetryRegeneration schedules another attempt for an approved request while
// attempts remain.
func (w *Workflow) RetryRegeneration(ctx context.Context, reviewerID, requestID uuid.UUID) (*models.RegenerationRequest, error) {
	if w.regen == nil {
		return nil, errors.New("regeneration is not configured")
	}
	g, err := w.store.GetRegeneration(ctx, requestID)
	if err != nil {
		return nil, notFound(err, "regeneration request")
	}
	if err := w.guardReview(ctx, reviewerID, g.ProjectID); err != nil {
		return nil, err
	}
	if g.Status != models.RequestApproved {
		return nil, apperr.Invalid("only approved requests can be retried")
	}

	tx, err := w.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	locked, err := w.store.LockRegenerationTx(ctx, tx, requestID)
	if err != nil {
		return nil, notFound(err, "regeneration request")
	}
	if err := w.reserveAttempt(ctx, tx, locked); err != nil {
		return nil, err
	}
	if err := w.regen.EnqueueRegenerationTx(ctx, tx, reviewerID, []*models.RegenerationRequest{locked}); err != nil {
		return nil, insufficientOr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return locked, nil
}

// reserveAttempt claims one attempt for g inside tx. Attempts still running
// count against the budget, so retries cannot outrun it.
func (w *Workflow) reserveAttempt(ctx context.Context, tx pgx.Tx, g *models.RegenerationRequest) error {
	err := w.store.ReserveAttemptTx(ctx, tx, g.ID)
	if errors.Is(err, repository.ErrConditionFailed) {
		return apperr.New(http.StatusConflict, apperr.CodeAttemptsExhausted,
			fmt.Sprintf("all %d regeneration attempts have been used", g.MaxAttempts))
	}
	if err != nil {
		return err
	}
	g.AttemptsReserved++
	return nil
}

// SelectOutput makes one of the generated candidates the scene's media. The
// requester or a reviewer may choose.
func (w *Workflow) SelectOutput(ctx context.Context, userID, requestID uuid.UUID, url string) (*models.RegenerationRequest, error) {
	g, err := w.store.GetRegeneration(ctx, requestID)
	if err != nil {
		return nil, notFound(err, "regeneration request")
	}
	d, err := w.perms.VerifyPermission(ctx, userID, g.ProjectID, permissions.CanView)
	if err != nil {
		return nil, err
	}
	if e := d.Err(); e != nil {
		return nil, e
	}
	if userID != g.RequesterID {
		if err := w.guardReview(ctx, userID, g.ProjectID); err != nil {
			return nil, err
		}
	}
	if g.Status != models.RequestApproved {
		return nil, apperr.Invalid("request is not approved")
	}
	if !slices.Contains(g.GeneratedURLs, url) {
		return nil, apperr.Invalid("url is not one of the generated candidates")
	}

	tx, err := w.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := w.content.SetSceneMediaTx(ctx, tx, g.ProjectID, g.TargetID, g.TargetType, url); err != nil {
		return nil, notFound(err, "scene")
	}
	if err := w.store.SetSelectedURLTx(ctx, tx, g.ID, url); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	g.SelectedURL = &url
	w.invalidate(ctx, g.ProjectID)
	return g, nil
}
