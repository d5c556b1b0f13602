package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filmgen/backend/internal/models"
)

// ErrNotFound is returned for an unknown job.
var ErrNotFound = errors.New("generation job not found")

// ErrNotTransitioned is returned when a status change did not apply because
// the job was not in the expected state.
var ErrNotTransitioned = errors.New("job status did not change")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const jobColumns = `id, user_id, project_id, scene_id, kind, provider, status, input, result_url, error,
	credits, real_cost, use_own_key, regeneration_request_id, created_at, updated_at`

func scanJob(row pgx.Row) (*models.GenerationJob, error) {
	var j models.GenerationJob
	err := row.Scan(&j.ID, &j.UserID, &j.ProjectID, &j.SceneID, &j.Kind, &j.Provider, &j.Status, &j.Input,
		&j.ResultURL, &j.Error, &j.Credits, &j.RealCost, &j.UseOwnKey, &j.RegenerationRequestID, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// InsertTx stores a queued job. ID and timestamps are filled in.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, j *models.GenerationJob) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	j.Status = models.JobStatusQueued
	return tx.QueryRow(ctx, `
		INSERT INTO generation_jobs (id, user_id, project_id, scene_id, kind, provider, status, input,
			credits, real_cost, use_own_key, regeneration_request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`, j.ID, j.UserID, j.ProjectID, j.SceneID, j.Kind, j.Provider, j.Status, j.Input,
		j.Credits, j.RealCost, j.UseOwnKey, j.RegenerationRequestID).Scan(&j.CreatedAt, &j.UpdatedAt)
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id))
}

// LatestCompleted returns the project's most recent completed job of kind.
func (r *Repository) LatestCompleted(ctx context.Context, projectID uuid.UUID, kind string) (*models.GenerationJob, error) {
	return scanJob(r.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM generation_jobs
		WHERE project_id = $1 AND kind = $2 AND status = 'completed' AND result_url IS NOT NULL
		ORDER BY updated_at DESC LIMIT 1
	`, projectID, kind))
}

func (r *Repository) ListByProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]*models.GenerationJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM generation_jobs WHERE project_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, projectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.GenerationJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// MarkProcessing moves a queued (or retried processing) job to processing.
func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `
		UPDATE generation_jobs SET status = 'processing', updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'processing')
		RETURNING `+jobColumns, id))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotTransitioned
	}
	return j, err
}

// MarkCompleted attaches the result to a job that is not yet terminal. Only
// one caller can win the transition.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, resultURL string) (*models.GenerationJob, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `
		UPDATE generation_jobs SET status = 'completed', result_url = $2, error = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'processing')
		RETURNING `+jobColumns, id, resultURL))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotTransitioned
	}
	return j, err
}

// MarkFailed fails a job that is not yet terminal.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*models.GenerationJob, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `
		UPDATE generation_jobs SET status = 'failed', error = $2, updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'processing')
		RETURNING `+jobColumns, id, reason))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotTransitioned
	}
	return j, err
}

// RevokeResult fails a completed job and drops its result. Used when the
// charge for the result cannot be taken.
func (r *Repository) RevokeResult(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs SET status = 'failed', result_url = NULL, error = $2, updated_at = now()
		WHERE id = $1 AND status = 'completed'
	`, id, reason)
	return err
}

// FailStale fails jobs left queued or processing since before cutoff and
// returns them.
func (r *Repository) FailStale(ctx context.Context, cutoff time.Time, reason string) ([]*models.GenerationJob, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE generation_jobs SET status = 'failed', error = $2, updated_at = now()
		WHERE status IN ('queued', 'processing') AND updated_at < $1
		RETURNING `+jobColumns, cutoff, reason)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.GenerationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}
