// Package approvals implements the request/approve workflow that lets
// collaborators ask project admins for deletions, regenerations and prompt
// edits they cannot perform directly.
//
// Every request moves pending -> approved | rejected exactly once. Resolution
// runs in one transaction holding a row lock on the request, so concurrent
// reviewers cannot both win, and the approved action (delete, prompt update,
// generation enqueue) commits or rolls back together with the status change.
package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/filmgen/backend/internal/apperr"
	"github.com/filmgen/backend/internal/ledger"
	"github.com/filmgen/backend/internal/logger"
	"github.com/filmgen/backend/internal/models"
	"github.com/filmgen/backend/internal/permissions"
	"github.com/filmgen/backend/internal/repository"
)

type Permissions interface {
	VerifyPermission(ctx context.Context, userID, projectID uuid.UUID, c permissions.Capability) (permissions.Decision, error)
}

// Store is implemented by repository.RequestRepo.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)

	CreateDeletion(ctx context.Context, d *models.DeletionRequest) error
	GetDeletion(ctx context.Context, id uuid.UUID) (*models.DeletionRequest, error)
	FindPendingDeletion(ctx context.Context, projectID uuid.UUID, targetType string, targetID uuid.UUID) (*models.DeletionRequest, error)
	LockDeletionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.DeletionRequest, error)
	ResolveDeletionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, res repository.Resolution) error
	ListPendingDeletions(ctx context.Context, projectID uuid.UUID) ([]*models.DeletionRequest, error)
	ListDeletionsByRequester(ctx context.Context, userID uuid.UUID) ([]*models.DeletionRequest, error)

	CreateRegenerationTx(ctx context.Context, tx pgx.Tx, g *models.RegenerationRequest) error
	GetRegeneration(ctx context.Context, id uuid.UUID) (*models.RegenerationRequest, error)
	FindPendingRegenerationTx(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, targetType string, targetID uuid.UUID) (*models.RegenerationRequest, error)
	LockRegenerationTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.RegenerationRequest, error)
	ListBatch(ctx context.Context, batchID uuid.UUID) ([]*models.RegenerationRequest, error)
	LockPendingBatchTx(ctx context.Context, tx pgx.Tx, batchID uuid.UUID) ([]*models.RegenerationRequest, error)
	ResolveRegenerationTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, res repository.Resolution) error
	ReserveAttemptTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	SetSelectedURLTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, url string) error
	ListPendingRegenerations(ctx context.Context, projectID uuid.UUID) ([]*models.RegenerationRequest, error)
	ListRegenerationsByRequester(ctx context.Context, userID uuid.UUID) ([]*models.RegenerationRequest, error)

	CreatePromptEdit(ctx context.Context, p *models.PromptEditRequest) error
	GetPromptEdit(ctx context.Context, id uuid.UUID) (*models.PromptEditRequest, error)
	FindPendingPromptEdit(ctx context.Context, projectID uuid.UUID, targetType string, targetID uuid.UUID) (*models.PromptEditRequest, error)
	LockPromptEditTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.PromptEditRequest, error)
	ResolvePromptEditTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, res repository.Resolution) error
	ListPendingPromptEdits(ctx context.Context, projectID uuid.UUID) ([]*models.PromptEditRequest, error)
	ListPromptEditsByRequester(ctx context.Context, userID uuid.UUID) ([]*models.PromptEditRequest, error)
}

// Content mutates the entities requests point at. Implemented by
// repository.ProjectRepo; the *Tx methods join the resolving transaction.
type Content interface {
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	GetScene(ctx context.Context, projectID, sceneID uuid.UUID) (*models.Scene, error)
	GetCharacter(ctx context.Context, projectID, characterID uuid.UUID) (*models.Character, error)
	DeleteProjectTx(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) error
	DeleteSceneTx(ctx context.Context, tx pgx.Tx, projectID, sceneID uuid.UUID) error
	DeleteCharacterTx(ctx context.Context, tx pgx.Tx, projectID, characterID uuid.UUID) error
	ClearSceneVideoTx(ctx context.Context, tx pgx.Tx, projectID, sceneID uuid.UUID) error
	UpdateScenePromptTx(ctx context.Context, tx pgx.Tx, projectID, sceneID uuid.UUID, field, value string) error
	SetSceneMediaTx(ctx context.Context, tx pgx.Tx, projectID, sceneID uuid.UUID, mediaType, url string) error
}

type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

// Regenerator schedules generation for approved regeneration requests inside
// the approving transaction, charging payerID when each result lands.
type Regenerator interface {
	EnqueueRegenerationTx(ctx context.Context, tx pgx.Tx, payerID uuid.UUID, reqs []*models.RegenerationRequest) error
}

// Invalidator drops cached project reads after content changes.
type Invalidator interface {
	InvalidateProject(ctx context.Context, projectID uuid.UUID)
}

type Options struct {
	MaxAttempts int
	Regenerator Regenerator
	Cache       Invalidator
	Logger      *slog.Logger
	Now         func() time.Time
}

type Workflow struct {
	store       Store
	content     Content
	perms       Permissions
	notifier    Notifier
	regen       Regenerator
	cache       Invalidator
	maxAttempts int
	now         func() time.Time
	log         *slog.Logger
}

func New(store Store, content Content, perms Permissions, notifier Notifier, opts Options) *Workflow {
	w := &Workflow{
		store:       store,
		content:     content,
		perms:       perms,
		notifier:    notifier,
		regen:       opts.Regenerator,
		cache:       opts.Cache,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
		log:         logger.OrDefault(opts.Logger),
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 3
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// SetRegenerator wires the generation side after construction; the jobs
// service and the workflow depend on each other.
func (w *Workflow) SetRegenerator(r Regenerator) { w.regen = r }

// ---------------------------------------------------------------------------
// Guards
// ---------------------------------------------------------------------------

// guardCreate admits a request only from users who lack the direct
// capability but hold the request capability.
func (w *Workflow) guardCreate(ctx context.Context, userID, projectID uuid.UUID, direct, request permissions.Capability) error {
	d, err := w.perms.VerifyPermission(ctx, userID, projectID, direct)
	if err != nil {
		return err
	}
	if d.Allowed {
		return apperr.New(http.StatusBadRequest, apperr.CodeNoRequestNeeded, "you can perform this action directly; no request needed")
	}
	d, err = w.perms.VerifyPermission(ctx, userID, projectID, request)
	if err != nil {
		return err
	}
	if e := d.Err(); e != nil {
		return e
	}
	return nil
}

func (w *Workflow) guardReview(ctx context.Context, reviewerID, projectID uuid.UUID) error {
	d, err := w.perms.VerifyPermission(ctx, reviewerID, projectID, permissions.CanApproveRequests)
	if err != nil {
		return err
	}
	if e := d.Err(); e != nil {
		return e
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func errAlreadyProcessed(status string) *apperr.Error {
	return apperr.New(http.StatusConflict, apperr.CodeAlreadyProcessed, "request already "+status)
}

func notFound(err error, what string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound(what)
	}
	return err
}

// conflictOr maps a lost race on the pending guard to ALREADY_PROCESSED.
func conflictOr(err error) error {
	if errors.Is(err, repository.ErrConditionFailed) {
		return apperr.New(http.StatusConflict, apperr.CodeAlreadyProcessed, "request already processed")
	}
	return err
}

func insufficientOr(err error) error {
	var short *ledger.InsufficientCreditsError
	if errors.As(err, &short) {
		return &apperr.Error{
			Status:  http.StatusPaymentRequired,
			Code:    apperr.CodeInsufficientCredits,
			Message: "insufficient credits",
			Details: map[string]int{"required": short.Required, "balance": short.Balance},
			Err:     err,
		}
	}
	return err
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func (w *Workflow) resolution(reviewerID uuid.UUID, approve bool, note string) repository.Resolution {
	status := models.RequestRejected
	if approve {
		status = models.RequestApproved
	}
	return repository.Resolution{
		Status:     status,
		ReviewedBy: reviewerID,
		ReviewedAt: w.now().UTC(),
		Note:       optional(note),
	}
}

// notifyResolution tells the requester how their request was decided.
func (w *Workflow) notifyResolution(ctx context.Context, requesterID uuid.UUID, kind, what string, res repository.Resolution, meta map[string]any) {
	typ := models.NotificationRequestRejected
	if res.Status == models.RequestApproved {
		typ = models.NotificationRequestApproved
	}
	msg := fmt.Sprintf("Your request to %s was %s.", what, res.Status)
	if res.Note != nil {
		msg += " Note: " + *res.Note
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["request_kind"] = kind
	meta["reviewed_by"] = res.ReviewedBy.String()
	w.notifier.Notify(ctx, models.Notification{
		UserID:   requesterID,
		Type:     typ,
		Title:    fmt.Sprintf("%s request %s", titleCase(kind), res.Status),
		Message:  msg,
		Metadata: meta,
	})
}

// notifyOwner tells the project owner a new request awaits review.
func (w *Workflow) notifyOwner(ctx context.Context, projectID uuid.UUID, typ, title, msg string, meta map[string]any) {
	p, err := w.content.GetProject(ctx, projectID)
	if err != nil {
		w.log.Warn("request notification skipped: project lookup failed", "project_id", projectID, "error", err)
		return
	}
	action := fmt.Sprintf("/projects/%s/requests", projectID)
	w.notifier.Notify(ctx, models.Notification{
		UserID:    p.UserID,
		Type:      typ,
		Title:     title,
		Message:   msg,
		Metadata:  meta,
		ActionURL: &action,
	})
}

func (w *Workflow) invalidate(ctx context.Context, projectID uuid.UUID) {
	if w.cache != nil {
		w.cache.InvalidateProject(ctx, projectID)
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// ---------------------------------------------------------------------------
// Listing
// ---------------------------------------------------------------------------

type Requests struct {
	Deletions     []*models.DeletionRequest     `json:"deletions"`
	Regenerations []*models.RegenerationRequest `json:"regenerations"`
	PromptEdits   []*models.PromptEditRequest   `json:"prompt_edits"`
}

func (r *Requests) normalize() {
	if r.Deletions == nil {
		r.Deletions = []*models.DeletionRequest{}
	}
	if r.Regenerations == nil {
		r.Regenerations = []*models.RegenerationRequest{}
	}
	if r.PromptEdits == nil {
		r.PromptEdits = []*models.PromptEditRequest{}
	}
}

// ListPending returns the project's pending requests of every kind. Only
// reviewers may list them.
func (w *Workflow) ListPending(ctx context.Context, reviewerID, projectID uuid.UUID) (*Requests, error) {
	if err := w.guardReview(ctx, reviewerID, projectID); err != nil {
		return nil, err
	}
	var out Requests
	var err error
	if out.Deletions, err = w.store.ListPendingDeletions(ctx, projectID); err != nil {
		return nil, err
	}
	if out.Regenerations, err = w.store.ListPendingRegenerations(ctx, projectID); err != nil {
		return nil, err
	}
	if out.PromptEdits, err = w.store.ListPendingPromptEdits(ctx, projectID); err != nil {
		return nil, err
	}
	out.normalize()
	return &out, nil
}

// ListMine returns every request userID has filed, in any status.
func (w *Workflow) ListMine(ctx context.Context, userID uuid.UUID) (*Requests, error) {
	var out Requests
	var err error
	if out.Deletions, err = w.store.ListDeletionsByRequester(ctx, userID); err != nil {
		return nil, err
	}
	if out.Regenerations, err = w.store.ListRegenerationsByRequester(ctx, userID); err != nil {
		return nil, err
	}
	if out.PromptEdits, err = w.store.ListPromptEditsByRequester(ctx, userID); err != nil {
		return nil, err
	}
	out.normalize()
	return &out, nil
}
