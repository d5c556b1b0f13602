// Package jobs prices, records and settles generation jobs. Credits are
// checked when a job is created and spent only once its result has landed.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/filmgen/backend/internal/apperr"
	"github.com/filmgen/backend/internal/execution"
	"github.com/filmgen/backend/internal/ledger"
	"github.com/filmgen/backend/internal/logger"
	"github.com/filmgen/backend/internal/metrics"
	"github.com/filmgen/backend/internal/models"
	"github.com/filmgen/backend/internal/permissions"
	"github.com/filmgen/backend/internal/registry"
	"github.com/filmgen/backend/internal/repository"
	"github.com/filmgen/backend/internal/services"
)

// maxBatch caps the number of jobs created by one call.
const maxBatch = 20

// InsertTxFunc enqueues a River job within the given transaction. Provided by
// main as a closure over river.Client.InsertTx.
type InsertTxFunc func(ctx context.Context, tx pgx.Tx, args river.JobArgs) error

// Store is implemented by *Repository.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	InsertTx(ctx context.Context, tx pgx.Tx, j *models.GenerationJob) error
	Get(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error)
	ListByProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]*models.GenerationJob, error)
	LatestCompleted(ctx context.Context, projectID uuid.UUID, kind string) (*models.GenerationJob, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, resultURL string) (*models.GenerationJob, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*models.GenerationJob, error)
	RevokeResult(ctx context.Context, id uuid.UUID, reason string) error
	FailStale(ctx context.Context, cutoff time.Time, reason string) ([]*models.GenerationJob, error)
}

// Projects is implemented by repository.ProjectRepo.
type Projects interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	GetScene(ctx context.Context, projectID, sceneID uuid.UUID) (*models.Scene, error)
	ListScenes(ctx context.Context, projectID uuid.UUID) ([]*models.Scene, error)
	SetSceneMediaTx(ctx context.Context, tx pgx.Tx, projectID, sceneID uuid.UUID, mediaType, url string) error
}

type Permissions interface {
	VerifyPermission(ctx context.Context, userID, projectID uuid.UUID, c permissions.Capability) (permissions.Decision, error)
}

// Providers is implemented by *registry.Registry.
type Providers interface {
	Select(kind string, modelConfig json.RawMessage) (registry.Provider, error)
	Get(name string) (registry.Provider, bool)
	Cost(name string) float64
}

// Keys looks up users' own provider credentials.
type Keys interface {
	GetUserKey(ctx context.Context, userID uuid.UUID, provider string) (string, bool, error)
}

// Attempts tracks the attempt budget of regeneration requests. Implemented
// by repository.RequestRepo.
type Attempts interface {
	RecordAttempt(ctx context.Context, id uuid.UUID, url string) (*models.RegenerationRequest, error)
	UndoAttempt(ctx context.Context, id uuid.UUID, url string) error
	ReleaseAttempt(ctx context.Context, id uuid.UUID) error
}

type Validator interface {
	ValidateInput(kind string, input json.RawMessage) error
}

type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

type Invalidator interface {
	InvalidateProject(ctx context.Context, projectID uuid.UUID)
}

// Deps wires a Service. Cache may be nil.
type Deps struct {
	Store     Store
	Projects  Projects
	Perms     Permissions
	Providers Providers
	Keys      Keys
	Attempts  Attempts
	Validator Validator
	Ledger    ledger.Service
	Notifier  Notifier
	Cache     Invalidator
	Insert    InsertTxFunc
	Logger    *slog.Logger
	Now       func() time.Time
}

type Service struct {
	Deps
	log *slog.Logger
}

func NewService(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{Deps: d, log: logger.OrDefault(d.Logger)}
}

// CreateInput is one generation request. Input is validated against the
// schema for Kind.
type CreateInput struct {
	Kind  string          `json:"kind"`
	Input json.RawMessage `json:"input"`
}

// CreateJob queues one generation for projectID. It fails with 402 when the
// user's balance cannot cover it, unless the user brings their own key.
func (s *Service) CreateJob(ctx context.Context, userID, projectID uuid.UUID, in CreateInput) (*models.GenerationJob, error) {
	list, err := s.CreateBatch(ctx, userID, projectID, []CreateInput{in})
	if err != nil {
		return nil, err
	}
	return list[0], nil
}

// CreateBatch queues several generations at once. They are priced together
// and run through the fan-out pool.
func (s *Service) CreateBatch(ctx context.Context, userID, projectID uuid.UUID, items []CreateInput) ([]*models.GenerationJob, error) {
	if len(items) == 0 {
		return nil, apperr.Invalid("at least one generation is required")
	}
	if len(items) > maxBatch {
		return nil, apperr.Invalid(fmt.Sprintf("at most %d generations per request", maxBatch))
	}
	d, err := s.Perms.VerifyPermission(ctx, userID, projectID, permissions.CanEdit)
	if err != nil {
		return nil, err
	}
	if e := d.Err(); e != nil {
		return nil, e
	}
	project, err := s.Projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, s.notFoundOr(err, "project")
	}

	jobs := make([]*models.GenerationJob, 0, len(items))
	for _, it := range items {
		if err := s.Validator.ValidateInput(it.Kind, it.Input); err != nil {
			if errors.Is(err, services.ErrValidation) {
				return nil, apperr.Invalid(err.Error())
			}
			return nil, err
		}
		var sceneID *uuid.UUID
		if raw := gjson.GetBytes(it.Input, "scene_id"); raw.Exists() {
			id, err := uuid.Parse(raw.String())
			if err != nil {
				return nil, apperr.Invalid("invalid scene_id")
			}
			if _, err := s.Projects.GetScene(ctx, projectID, id); err != nil {
				return nil, s.notFoundOr(err, "scene")
			}
			sceneID = &id
		}
		j, err := s.price(ctx, userID, project, it.Kind)
		if err != nil {
			return nil, err
		}
		j.SceneID = sceneID
		j.Input = it.Input
		jobs = append(jobs, j)
	}

	if err := s.ensureBalance(ctx, userID, jobs); err != nil {
		var short *ledger.InsufficientCreditsError
		if errors.As(err, &short) {
			return nil, insufficient(short)
		}
		return nil, err
	}

	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	if err := s.insertTx(ctx, tx, jobs); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.log.Info("generation queued", "user_id", userID, "project_id", projectID, "jobs", len(jobs))
	return jobs, nil
}

// price picks the provider for kind and fills in credits and real cost.
func (s *Service) price(ctx context.Context, payerID uuid.UUID, project *models.Project, kind string) (*models.GenerationJob, error) {
	prov, err := s.Providers.Select(kind, project.ModelConfig)
	if err != nil {
		if errors.Is(err, registry.ErrNoProvider) || errors.Is(err, registry.ErrUnknownProvider) {
			return nil, apperr.New(http.StatusBadRequest, apperr.CodeMissingConfig, err.Error())
		}
		return nil, apperr.Invalid(err.Error())
	}
	credits, err := s.Ledger.Cost(kind)
	if err != nil {
		return nil, apperr.New(http.StatusBadRequest, apperr.CodeMissingConfig, err.Error())
	}
	_, own, err := s.Keys.GetUserKey(ctx, payerID, prov.Name())
	if err != nil {
		return nil, err
	}
	return &models.GenerationJob{
		UserID:    payerID,
		ProjectID: project.ID,
		Kind:      kind,
		Provider:  prov.Name(),
		Credits:   credits,
		RealCost:  s.Providers.Cost(prov.Name()),
		UseOwnKey: own,
	}, nil
}

// ensureBalance checks that the payer can cover every job not run on their
// own key. Nothing is reserved; the charge happens at completion.
func (s *Service) ensureBalance(ctx context.Context, payerID uuid.UUID, jobs []*models.GenerationJob) error {
	var total int
	for _, j := range jobs {
		if !j.UseOwnKey {
			total += j.Credits
		}
	}
	if total == 0 {
		return nil
	}
	check, err := s.Ledger.CheckBalance(ctx, payerID, total)
	if err != nil {
		return err
	}
	if !check.HasEnough {
		return &ledger.InsufficientCreditsError{Required: total, Balance: check.Balance}
	}
	return nil
}

func (s *Service) insertTx(ctx context.Context, tx pgx.Tx, jobs []*models.GenerationJob) error {
	ids := make([]uuid.UUID, 0, len(jobs))
	for _, j := range jobs {
		if err := s.Store.InsertTx(ctx, tx, j); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		ids = append(ids, j.ID)
	}
	var args river.JobArgs = execution.GenerateMediaArgs{JobID: ids[0]}
	if len(ids) > 1 {
		args = execution.GenerateBatchArgs{JobIDs: ids}
	}
	if err := s.Insert(ctx, tx, args); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// EnqueueRegenerationTx queues one job per approved regeneration request
// inside the approving transaction. payerID is charged when each result
// lands; a short balance fails with *ledger.InsufficientCreditsError.
func (s *Service) EnqueueRegenerationTx(ctx context.Context, tx pgx.Tx, payerID uuid.UUID, reqs []*models.RegenerationRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	projects := map[uuid.UUID]*models.Project{}
	jobs := make([]*models.GenerationJob, 0, len(reqs))
	for _, req := range reqs {
		project, ok := projects[req.ProjectID]
		if !ok {
			p, err := s.Projects.GetProject(ctx, req.ProjectID)
			if err != nil {
				return s.notFoundOr(err, "project")
			}
			project, projects[req.ProjectID] = p, p
		}
		scene, err := s.Projects.GetScene(ctx, req.ProjectID, req.TargetID)
		if err != nil {
			return s.notFoundOr(err, "scene")
		}
		input, err := regenerationInput(req.TargetType, scene)
		if err != nil {
			return err
		}
		j, err := s.price(ctx, payerID, project, req.TargetType)
		if err != nil {
			return err
		}
		reqID := req.ID
		j.SceneID = &scene.ID
		j.Input = input
		j.RegenerationRequestID = &reqID
		jobs = append(jobs, j)
	}
	if err := s.ensureBalance(ctx, payerID, jobs); err != nil {
		return err
	}
	return s.insertTx(ctx, tx, jobs)
}

// regenerationInput builds the generation input from the scene's current
// prompts.
func regenerationInput(targetType string, scene *models.Scene) (json.RawMessage, error) {
	var prompt string
	switch targetType {
	case models.TargetImage:
		prompt = scene.ImagePrompt
	case models.TargetVideo:
		prompt = scene.VideoPrompt
	default:
		return nil, apperr.Invalid("cannot regenerate " + targetType)
	}
	if prompt == "" {
		prompt = scene.Prompt
	}
	if prompt == "" {
		return nil, apperr.Invalid("scene has no prompt to regenerate from")
	}
	body, err := sjson.Set(`{}`, "prompt", prompt)
	if err != nil {
		return nil, err
	}
	if body, err = sjson.Set(body, "scene_id", scene.ID.String()); err != nil {
		return nil, err
	}
	if targetType == models.TargetVideo && scene.ImageURL != nil {
		if body, err = sjson.Set(body, "image_url", *scene.ImageURL); err != nil {
			return nil, err
		}
	}
	return json.RawMessage(body), nil
}

// Prepare implements execution.JobService: it moves the job to processing
// and builds the provider request.
func (s *Service) Prepare(ctx context.Context, jobID uuid.UUID) (execution.Task, error) {
	job, err := s.Store.MarkProcessing(ctx, jobID)
	if errors.Is(err, ErrNotTransitioned) || errors.Is(err, ErrNotFound) {
		return execution.Task{}, execution.ErrJobFinished
	}
	if err != nil {
		return execution.Task{}, err
	}
	prov, ok := s.Providers.Get(job.Provider)
	if !ok {
		return execution.Task{}, fmt.Errorf("%w %q", registry.ErrUnknownProvider, job.Provider)
	}
	if job.UseOwnKey {
		key, found, err := s.Keys.GetUserKey(ctx, job.UserID, job.Provider)
		if err != nil {
			return execution.Task{}, err
		}
		if !found {
			return execution.Task{}, fmt.Errorf("%w: own %s key was removed", registry.ErrProviderFailed, job.Provider)
		}
		prov = prov.WithAPIKey(key)
	}
	project, err := s.Projects.GetProject(ctx, job.ProjectID)
	if err != nil {
		return execution.Task{}, err
	}
	return execution.Task{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Kind:      job.Kind,
		Provider:  prov,
		Request:   buildRequest(job.Input, registry.ModelParams(job.Kind, project.ModelConfig)),
	}, nil
}

// buildRequest merges project model params with the job input. Input wins.
func buildRequest(input json.RawMessage, modelParams map[string]any) registry.Request {
	params := make(map[string]any, len(modelParams))
	for k, v := range modelParams {
		params[k] = v
	}
	var fields map[string]any
	_ = json.Unmarshal(input, &fields)
	for k, v := range fields {
		switch k {
		case "prompt", "scene_id":
		case "params":
			if m, ok := v.(map[string]any); ok {
				for pk, pv := range m {
					params[pk] = pv
				}
			}
		default:
			params[k] = v
		}
	}
	return registry.Request{Prompt: gjson.GetBytes(input, "prompt").String(), Params: params}
}

// MarkJobCompleted implements execution.JobService. It attaches the result,
// then charges the job owner. A short balance revokes the result.
func (s *Service) MarkJobCompleted(ctx context.Context, jobID uuid.UUID, resultURL string) error {
	job, err := s.Store.MarkCompleted(ctx, jobID, resultURL)
	if errors.Is(err, ErrNotTransitioned) {
		s.log.Info("job already settled", "job_id", jobID)
		return nil
	}
	if err != nil {
		return err
	}

	if job.RegenerationRequestID != nil {
		return s.completeRegeneration(ctx, job, resultURL)
	}
	if reason := s.charge(ctx, job); reason != "" {
		return s.revoke(ctx, job, reason)
	}
	metrics.GenerationJobs.WithLabelValues(job.Kind, models.JobStatusCompleted).Inc()

	switch {
	case job.Kind == models.KindComposition:
		s.notifyComposed(ctx, job, resultURL)
	case job.SceneID != nil && (job.Kind == models.KindImage || job.Kind == models.KindVideo):
		s.attachToScene(ctx, job, resultURL)
	}
	return nil
}

// revoke fails a completed job whose result must not be kept.
func (s *Service) revoke(ctx context.Context, job *models.GenerationJob, reason string) error {
	if err := s.Store.RevokeResult(ctx, job.ID, reason); err != nil {
		return fmt.Errorf("revoke result of job %s: %w", job.ID, err)
	}
	metrics.GenerationJobs.WithLabelValues(job.Kind, models.JobStatusFailed).Inc()
	s.notifyFailed(ctx, job, reason)
	return nil
}

// completeRegeneration records the result against the request's reserved
// attempt before billing, so a result that cannot be kept is never paid for.
func (s *Service) completeRegeneration(ctx context.Context, job *models.GenerationJob, url string) error {
	requestID := *job.RegenerationRequestID
	req, err := s.Attempts.RecordAttempt(ctx, requestID, url)
	if err != nil {
		reason := "no regeneration attempts left"
		if !errors.Is(err, repository.ErrConditionFailed) {
			reason = "regeneration result not recorded"
			s.releaseAttempt(ctx, job)
		}
		s.log.Warn("regeneration result discarded", "job_id", job.ID, "request_id", requestID, "error", err)
		return s.revoke(ctx, job, reason)
	}
	if reason := s.charge(ctx, job); reason != "" {
		if err := s.Attempts.UndoAttempt(ctx, requestID, url); err != nil {
			s.log.Error("undo regeneration attempt failed", "job_id", job.ID, "request_id", requestID, "error", err)
		}
		return s.revoke(ctx, job, reason)
	}
	metrics.GenerationJobs.WithLabelValues(job.Kind, models.JobStatusCompleted).Inc()

	s.Notifier.Notify(ctx, models.Notification{
		UserID:  req.RequesterID,
		Type:    models.NotificationRegenerationReady,
		Title:   "Regeneration ready",
		Message: fmt.Sprintf("A new %s is ready (attempt %d of %d).", req.TargetType, req.AttemptsUsed, req.MaxAttempts),
		Metadata: map[string]any{
			"request_id": req.ID.String(),
			"project_id": req.ProjectID.String(),
			"url":        url,
		},
	})
	return nil
}

// releaseAttempt frees the attempt a failed regeneration job had reserved.
func (s *Service) releaseAttempt(ctx context.Context, job *models.GenerationJob) {
	if job.RegenerationRequestID == nil {
		return
	}
	if err := s.Attempts.ReleaseAttempt(ctx, *job.RegenerationRequestID); err != nil && !errors.Is(err, repository.ErrConditionFailed) {
		s.log.Error("release regeneration attempt failed", "job_id", job.ID, "error", err)
	}
}

// charge bills a completed job and returns a failure reason when the result
// must not be kept.
func (s *Service) charge(ctx context.Context, job *models.GenerationJob) string {
	provider := job.Provider
	meta := map[string]any{"job_id": job.ID.String()}
	if job.RegenerationRequestID != nil {
		meta["regeneration_request_id"] = job.RegenerationRequestID.String()
	}
	description := fmt.Sprintf("%s generation (%s)", job.Kind, provider)

	if job.UseOwnKey {
		err := s.Ledger.TrackRealCostOnly(ctx, ledger.TrackParams{
			UserID:      job.UserID,
			Type:        job.Kind,
			Description: description,
			ProjectID:   &job.ProjectID,
			Provider:    provider,
			Metadata:    meta,
			RealCost:    job.RealCost,
		})
		if err != nil {
			s.log.Error("track own-key usage failed", "job_id", job.ID, "error", err)
		}
		return ""
	}

	realCost := job.RealCost
	res, err := s.Ledger.Spend(ctx, ledger.SpendParams{
		UserID:      job.UserID,
		Amount:      job.Credits,
		Type:        job.Kind,
		Description: description,
		ProjectID:   &job.ProjectID,
		Provider:    &provider,
		Metadata:    meta,
		RealCost:    &realCost,
	})
	if err != nil {
		s.log.Error("charge failed", "job_id", job.ID, "error", err)
		return "billing failed"
	}
	if !res.Success {
		s.log.Warn("insufficient credits at completion", "job_id", job.ID, "user_id", job.UserID, "required", res.Required, "balance", res.Balance)
		return "insufficient credits"
	}
	return ""
}

func (s *Service) attachToScene(ctx context.Context, job *models.GenerationJob, url string) {
	tx, err := s.Projects.Begin(ctx)
	if err != nil {
		s.log.Error("attach result: begin", "job_id", job.ID, "error", err)
		return
	}
	defer tx.Rollback(ctx)
	if err := s.Projects.SetSceneMediaTx(ctx, tx, job.ProjectID, *job.SceneID, job.Kind, url); err != nil {
		s.log.Warn("attach result to scene failed", "job_id", job.ID, "scene_id", *job.SceneID, "error", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		s.log.Error("attach result: commit", "job_id", job.ID, "error", err)
		return
	}
	if s.Cache != nil {
		s.Cache.InvalidateProject(ctx, job.ProjectID)
	}
}

// MarkJobFailed implements execution.JobService. Failed jobs are never
// charged.
func (s *Service) MarkJobFailed(ctx context.Context, jobID uuid.UUID, reason string) error {
	job, err := s.Store.MarkFailed(ctx, jobID, reason)
	if errors.Is(err, ErrNotTransitioned) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.GenerationJobs.WithLabelValues(job.Kind, models.JobStatusFailed).Inc()
	s.log.Warn("generation failed", "job_id", jobID, "provider", job.Provider, "reason", reason)
	s.releaseAttempt(ctx, job)
	s.notifyFailed(ctx, job, reason)
	return nil
}

func (s *Service) notifyFailed(ctx context.Context, job *models.GenerationJob, reason string) {
	meta := map[string]any{
		"job_id":     job.ID.String(),
		"project_id": job.ProjectID.String(),
		"error":      reason,
	}
	if job.RegenerationRequestID != nil {
		meta["request_id"] = job.RegenerationRequestID.String()
	}
	s.Notifier.Notify(ctx, models.Notification{
		UserID:   job.UserID,
		Type:     models.NotificationGenerationFailed,
		Title:    "Generation failed",
		Message:  fmt.Sprintf("Your %s generation failed: %s", job.Kind, reason),
		Metadata: meta,
	})
}

// SweepStale fails jobs that have been processing for longer than olderThan.
func (s *Service) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	jobs, err := s.Store.FailStale(ctx, s.Now().Add(-olderThan), "timed out")
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		metrics.GenerationJobs.WithLabelValues(j.Kind, models.JobStatusFailed).Inc()
		s.releaseAttempt(ctx, j)
		s.notifyFailed(ctx, j, "timed out")
	}
	if len(jobs) > 0 {
		s.log.Warn("stale jobs failed", "count", len(jobs))
	}
	return len(jobs), nil
}

// GetJob returns a job to its owner or to anyone who can view its project.
func (s *Service) GetJob(ctx context.Context, userID, jobID uuid.UUID) (*models.GenerationJob, error) {
	job, err := s.Store.Get(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("generation")
	}
	if err != nil {
		return nil, err
	}
	if job.UserID == userID {
		return job, nil
	}
	d, err := s.Perms.VerifyPermission(ctx, userID, job.ProjectID, permissions.CanView)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, apperr.NotFound("generation")
	}
	return job, nil
}

func (s *Service) ListProjectJobs(ctx context.Context, userID, projectID uuid.UUID, limit, offset int) ([]*models.GenerationJob, error) {
	d, err := s.Perms.VerifyPermission(ctx, userID, projectID, permissions.CanView)
	if err != nil {
		return nil, err
	}
	if e := d.Err(); e != nil {
		return nil, e
	}
	return s.Store.ListByProject(ctx, projectID, limit, offset)
}

func (s *Service) notFoundOr(err error, what string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound(what)
	}
	return err
}

func insufficient(short *ledger.InsufficientCreditsError) *apperr.Error {
	return &apperr.Error{
		Status:  http.StatusPaymentRequired,
		Code:    apperr.CodeInsufficientCredits,
		Message: "insufficient credits",
		Details: map[string]int{"required": short.Required, "balance": short.Balance},
		Err:     short,
	}
}
