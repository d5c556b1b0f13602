package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filmgen/backend/internal/models"
)

// RequestRepo persists deletion, regeneration and prompt-edit requests.
// Status changes are guarded with "AND status = 'pending'" so a request
// leaves pending at most once.
type RequestRepo struct {
	pool *pgxpool.Pool
}

func NewRequestRepo(pool *pgxpool.Pool) *RequestRepo {
	return &RequestRepo{pool: pool}
}

func (r *RequestRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Resolution is the reviewer's verdict written onto a pending request.
type Resolution struct {
	Status     string
	ReviewedBy uuid.UUID
	ReviewedAt time.Time
	Note       *string
}

// ---------------------------------------------------------------------------
// Deletion requests
// ---------------------------------------------------------------------------

const deletionColumns = `id, project_id, requester_id, target_type, target_id, reason, status, reviewed_by, reviewed_at, review_note, created_at`

func scanDeletion(row pgx.Row) (*models.DeletionRequest, error) {
	var d models.DeletionRequest
	if err := row.Scan(&d.ID, &d.ProjectID, &d.RequesterID, &d.TargetType, &d.TargetID, &d.Reason, &d.Status, &d.ReviewedBy, &d.ReviewedAt, &d.ReviewNote, &d.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

func (r *RequestRepo) CreateDeletion(ctx context.Context, d *models.DeletionRequest) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO deletion_requests (id, project_id, requester_id, target_type, target_id, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, d.ID, d.ProjectID, d.RequesterID, d.TargetType, d.TargetID, d.Reason, d.Status).Scan(&d.CreatedAt)
	return mapErr(err)
}

func (r *RequestRepo) GetDeletion(ctx context.Context, id uuid.UUID) (*models.DeletionRequest, error) {
	return scanDeletion(r.pool.QueryRow(ctx, `SELECT `+deletionColumns+` FROM deletion_requests WHERE id = $1`, id))
}

// FindPendingDeletion returns the pending request for a target, or ErrNotFound.
func (r *RequestRepo) FindPendingDeletion(ctx context.Context, projectID uuid.UUID, targetType string, targetID uuid.UUID) (*models.DeletionRequest, error) {
	return scanDeletion(r.pool.QueryRow(ctx, `
		SELECT `+deletionColumns+` FROM deletion_requests
		WHERE project_id = $1 AND target_type = $2 AND target_id = $3 AND status = 'pending'
	`, projectID, targetType, targetID))
}

// LockDeletionTx reads the request with a row lock held until tx ends.
func (r *RequestRepo) LockDeletionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.DeletionRequest, error) {
	return scanDeletion(tx.QueryRow(ctx, `SELECT `+deletionColumns+` FROM deletion_requests WHERE id = $1 FOR UPDATE`, id))
}

func (r *RequestRepo) ResolveDeletionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, res Resolution) error {
	return rowsAffected(tx.Exec(ctx, `
		UPDATE deletion_requests SET status = $2, reviewed_by = $3, reviewed_at = $4, review_note = $5
		WHERE id = $1 AND status = 'pending'
	`, id, res.Status, res.ReviewedBy, res.ReviewedAt, res.Note))
}

func (r *RequestRepo) listDeletions(ctx context.Context, where string, arg any) ([]*models.DeletionRequest, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+deletionColumns+` FROM deletion_requests WHERE `+where+` ORDER BY created_at DESC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.DeletionRequest
	for rows.Next() {
		d, err := scanDeletion(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, d)
	}
	return list, rows.Err()
}

func (r *RequestRepo) ListPendingDeletions(ctx context.Context, projectID uuid.UUID) ([]*models.DeletionRequest, error) {
	return r.listDeletions(ctx, `project_id = $1 AND status = 'pending'`, projectID)
}

func (r *RequestRepo) ListDeletionsByRequester(ctx context.Context, userID uuid.UUID) ([]*models.DeletionRequest, error) {
	return r.listDeletions(ctx, `requester_id = $1`, userID)
}

// ---------------------------------------------------------------------------
// Regeneration requests
// ---------------------------------------------------------------------------

const regenerationColumns = `id, project_id, requester_id, target_type, target_id, batch_id, reason, status, attempts_used, attempts_reserved, max_attempts, generated_urls, selected_url, reviewed_by, reviewed_at, review_note, created_at`

func scanRegeneration(row pgx.Row) (*models.RegenerationRequest, error) {
	var g models.RegenerationRequest
	if err := row.Scan(&g.ID, &g.ProjectID, &g.RequesterID, &g.TargetType, &g.TargetID, &g.BatchID, &g.Reason, &g.Status,
		&g.AttemptsUsed, &g.AttemptsReserved, &g.MaxAttempts, &g.GeneratedURLs, &g.SelectedURL, &g.ReviewedBy, &g.ReviewedAt, &g.ReviewNote, &g.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	if g.GeneratedURLs == nil {
		g.GeneratedURLs = []string{}
	}
	return &g, nil
}

func collectRegenerations(rows pgx.Rows) ([]*models.RegenerationRequest, error) {
	defer rows.Close()
	var list []*models.RegenerationRequest
	for rows.Next() {
		g, err := scanRegeneration(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, g)
	}
	return list, rows.Err()
}

func (r *RequestRepo) CreateRegenerationTx(ctx context.Context, tx pgx.Tx, g *models.RegenerationRequest) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO regeneration_requests (id, project_id, requester_id, target_type, target_id, batch_id, reason, status, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, g.ID, g.ProjectID, g.RequesterID, g.TargetType, g.TargetID, g.BatchID, g.Reason, g.Status, g.MaxAttempts).Scan(&g.CreatedAt)
	return mapErr(err)
}

func (r *RequestRepo) GetRegeneration(ctx context.Context, id uuid.UUID) (*models.RegenerationRequest, error) {
	return scanRegeneration(r.pool.QueryRow(ctx, `SELECT `+regenerationColumns+` FROM regeneration_requests WHERE id = $1`, id))
}

func (r *RequestRepo) FindPendingRegenerationTx(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, targetType string, targetID uuid.UUID) (*models.RegenerationRequest, error) {
	return scanRegeneration(tx.QueryRow(ctx, `
		SELECT `+regenerationColumns+` FROM regeneration_requests
		WHERE project_id = $1 AND target_type = $2 AND target_id = $3 AND status = 'pending'
	`, projectID, targetType, targetID))
}

func (r *RequestRepo) LockRegenerationTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.RegenerationRequest, error) {
	return scanRegeneration(tx.QueryRow(ctx, `SELECT `+regenerationColumns+` FROM regeneration_requests WHERE id = $1 FOR UPDATE`, id))
}

// ListBatch returns every member of a batch regardless of status.
func (r *RequestRepo) ListBatch(ctx context.Context, batchID uuid.UUID) ([]*models.RegenerationRequest, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+regenerationColumns+` FROM regeneration_requests WHERE batch_id = $1 ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, err
	}
	return collectRegenerations(rows)
}

// LockPendingBatchTx locks and returns the still-pending members of a batch.
func (r *RequestRepo) LockPendingBatchTx(ctx context.Context, tx pgx.Tx, batchID uuid.UUID) ([]*models.RegenerationRequest, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+regenerationColumns+` FROM regeneration_requests
		WHERE batch_id = $1 AND status = 'pending'
		ORDER BY created_at, id
		FOR UPDATE
	`, batchID)
	if err != nil {
		return nil, err
	}
	return collectRegenerations(rows)
}

func (r *RequestRepo) ResolveRegenerationTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, res Resolution) error {
	return rowsAffected(tx.Exec(ctx, `
		UPDATE regeneration_requests SET status = $2, reviewed_by = $3, reviewed_at = $4, review_note = $5
		WHERE id = $1 AND status = 'pending'
	`, id, res.Status, res.ReviewedBy, res.ReviewedAt, res.Note))
}

// ReserveAttemptTx claims one attempt of an approved request before its job
// is queued. It fails with ErrConditionFailed once every attempt is claimed.
func (r *RequestRepo) ReserveAttemptTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	return rowsAffected(tx.Exec(ctx, `
		UPDATE regeneration_requests SET attempts_reserved = attempts_reserved + 1
		WHERE id = $1 AND status = 'approved' AND attempts_reserved < max_attempts
	`, id))
}

// ReleaseAttempt returns the reservation of an attempt whose job failed.
func (r *RequestRepo) ReleaseAttempt(ctx context.Context, id uuid.UUID) error {
	return rowsAffected(r.pool.Exec(ctx, `
		UPDATE regeneration_requests SET attempts_reserved = attempts_reserved - 1
		WHERE id = $1 AND attempts_reserved > attempts_used
	`, id))
}

// RecordAttempt appends a generated URL and counts the attempt against a
// reservation. It fails with ErrConditionFailed when no reservation is open.
func (r *RequestRepo) RecordAttempt(ctx context.Context, id uuid.UUID, url string) (*models.RegenerationRequest, error) {
	g, err := scanRegeneration(r.pool.QueryRow(ctx, `
		UPDATE regeneration_requests
		SET attempts_used = attempts_used + 1, generated_urls = array_append(generated_urls, $2)
		WHERE id = $1 AND status = 'approved' AND attempts_used < attempts_reserved
		RETURNING `+regenerationColumns, id, url))
	if err == ErrNotFound {
		return nil, ErrConditionFailed
	}
	return g, err
}

// UndoAttempt drops a recorded result that could not be paid for and frees
// its attempt.
func (r *RequestRepo) UndoAttempt(ctx context.Context, id uuid.UUID, url string) error {
	return rowsAffected(r.pool.Exec(ctx, `
		UPDATE regeneration_requests
		SET attempts_used = attempts_used - 1, attempts_reserved = attempts_reserved - 1,
		    generated_urls = array_remove(generated_urls, $2)
		WHERE id = $1 AND $2 = ANY(generated_urls) AND (selected_url IS NULL OR selected_url <> $2)
	`, id, url))
}

func (r *RequestRepo) SetSelectedURLTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, url string) error {
	return rowsAffected(tx.Exec(ctx, `
		UPDATE regeneration_requests SET selected_url = $2 WHERE id = $1 AND $2 = ANY(generated_urls)
	`, id, url))
}

func (r *RequestRepo) ListPendingRegenerations(ctx context.Context, projectID uuid.UUID) ([]*models.RegenerationRequest, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+regenerationColumns+` FROM regeneration_requests WHERE project_id = $1 AND status = 'pending' ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	return collectRegenerations(rows)
}

func (r *RequestRepo) ListRegenerationsByRequester(ctx context.Context, userID uuid.UUID) ([]*models.RegenerationRequest, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+regenerationColumns+` FROM regeneration_requests WHERE requester_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return collectRegenerations(rows)
}

// ---------------------------------------------------------------------------
// Prompt-edit requests
// ---------------------------------------------------------------------------

const promptEditColumns = `id, project_id, requester_id, target_type, target_id, field_name, old_value, new_value, reason, status, reviewed_by, reviewed_at, review_note, created_at`

func scanPromptEdit(row pgx.Row) (*models.PromptEditRequest, error) {
	var p models.PromptEditRequest
	if err := row.Scan(&p.ID, &p.ProjectID, &p.RequesterID, &p.TargetType, &p.TargetID, &p.FieldName, &p.OldValue, &p.NewValue,
		&p.Reason, &p.Status, &p.ReviewedBy, &p.ReviewedAt, &p.ReviewNote, &p.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (r *RequestRepo) CreatePromptEdit(ctx context.Context, p *models.PromptEditRequest) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO prompt_edit_requests (id, project_id, requester_id, target_type, target_id, field_name, old_value, new_value, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`, p.ID, p.ProjectID, p.RequesterID, p.TargetType, p.TargetID, p.FieldName, p.OldValue, p.NewValue, p.Reason, p.Status).Scan(&p.CreatedAt)
	return mapErr(err)
}

func (r *RequestRepo) GetPromptEdit(ctx context.Context, id uuid.UUID) (*models.PromptEditRequest, error) {
	return scanPromptEdit(r.pool.QueryRow(ctx, `SELECT `+promptEditColumns+` FROM prompt_edit_requests WHERE id = $1`, id))
}

func (r *RequestRepo) FindPendingPromptEdit(ctx context.Context, projectID uuid.UUID, targetType string, targetID uuid.UUID) (*models.PromptEditRequest, error) {
	return scanPromptEdit(r.pool.QueryRow(ctx, `
		SELECT `+promptEditColumns+` FROM prompt_edit_requests
		WHERE project_id = $1 AND target_type = $2 AND target_id = $3 AND status = 'pending'
	`, projectID, targetType, targetID))
}

func (r *RequestRepo) LockPromptEditTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.PromptEditRequest, error) {
	return scanPromptEdit(tx.QueryRow(ctx, `SELECT `+promptEditColumns+` FROM prompt_edit_requests WHERE id = $1 FOR UPDATE`, id))
}

func (r *RequestRepo) ResolvePromptEditTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, res Resolution) error {
	return rowsAffected(tx.Exec(ctx, `
		UPDATE prompt_edit_requests SET status = $2, reviewed_by = $3, reviewed_at = $4, review_note = $5
		WHERE id = $1 AND status = 'pending'
	`, id, res.Status, res.ReviewedBy, res.ReviewedAt, res.Note))
}

func (r *RequestRepo) listPromptEdits(ctx context.Context, where string, arg any) ([]*models.PromptEditRequest, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+promptEditColumns+` FROM prompt_edit_requests WHERE `+where+` ORDER BY created_at DESC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.PromptEditRequest
	for rows.Next() {
		p, err := scanPromptEdit(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func (r *RequestRepo) ListPendingPromptEdits(ctx context.Context, projectID uuid.UUID) ([]*models.PromptEditRequest, error) {
	return r.listPromptEdits(ctx, `project_id = $1 AND status = 'pending'`, projectID)
}

func (r *RequestRepo) ListPromptEditsByRequester(ctx context.Context, userID uuid.UUID) ([]*models.PromptEditRequest, error) {
	return r.listPromptEdits(ctx, `requester_id = $1`, userID)
}
