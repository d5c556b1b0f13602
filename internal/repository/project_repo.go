package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filmgen/backend/internal/models"
)

type ProjectRepo struct {
	pool *pgxpool.Pool
}

func NewProjectRepo(pool *pgxpool.Pool) *ProjectRepo {
	return &ProjectRepo{pool: pool}
}

func (r *ProjectRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *ProjectRepo) CreateProject(ctx context.Context, p *models.Project) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO projects (id, user_id, name, visibility, model_config)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, p.ID, p.UserID, p.Name, p.Visibility, []byte(p.ModelConfig)).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *ProjectRepo) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var p models.Project
	var cfg []byte
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, name, visibility, model_config, created_at, updated_at
		FROM projects WHERE id = $1
	`, id).Scan(&p.ID, &p.UserID, &p.Name, &p.Visibility, &cfg, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	p.ModelConfig = cfg
	return &p, nil
}

// GetMemberRole returns the member role of userID in projectID. ok is false
// when the user is not a member.
func (r *ProjectRepo) GetMemberRole(ctx context.Context, projectID, userID uuid.UUID) (role string, ok bool, err error) {
	err = r.pool.QueryRow(ctx, `
		SELECT role FROM project_members WHERE project_id = $1 AND user_id = $2
	`, projectID, userID).Scan(&role)
	if err != nil {
		if err = mapErr(err); err == ErrNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return role, true, nil
}

func (r *ProjectRepo) ListMembers(ctx context.Context, projectID uuid.UUID) ([]*models.ProjectMember, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, user_id, role, created_at
		FROM project_members WHERE project_id = $1 ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.ProjectMember
	for rows.Next() {
		var m models.ProjectMember
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &m)
	}
	return list, rows.Err()
}

// UpsertMember adds a member or changes the role of an existing one.
func (r *ProjectRepo) UpsertMember(ctx context.Context, m *models.ProjectMember) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO project_members (id, project_id, user_id, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role = EXCLUDED.role
		RETURNING id, created_at
	`, m.ID, m.ProjectID, m.UserID, m.Role).Scan(&m.ID, &m.CreatedAt)
}

func (r *ProjectRepo) RemoveMember(ctx context.Context, projectID, userID uuid.UUID) error {
	return rowsAffected(r.pool.Exec(ctx, `
		DELETE FROM project_members WHERE project_id = $1 AND user_id = $2
	`, projectID, userID))
}

const sceneColumns = `id, project_id, position, title, prompt, image_prompt, video_prompt, image_url, video_url, created_at, updated_at`

func scanScene(row pgx.Row) (*models.Scene, error) {
	var s models.Scene
	if err := row.Scan(&s.ID, &s.ProjectID, &s.Position, &s.Title, &s.Prompt, &s.ImagePrompt, &s.VideoPrompt, &s.ImageURL, &s.VideoURL, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

func (r *ProjectRepo) ListScenes(ctx context.Context, projectID uuid.UUID) ([]*models.Scene, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sceneColumns+` FROM scenes WHERE project_id = $1 ORDER BY position, created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Scene
	for rows.Next() {
		s, err := scanScene(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// GetScene returns a scene only if it belongs to projectID.
func (r *ProjectRepo) GetScene(ctx context.Context, projectID, sceneID uuid.UUID) (*models.Scene, error) {
	return scanScene(r.pool.QueryRow(ctx, `SELECT `+sceneColumns+` FROM scenes WHERE id = $1 AND project_id = $2`, sceneID, projectID))
}

// ReorderScenesTx assigns positions 1..n in the order of sceneIDs. Every ID
// must belong to the project.
func (r *ProjectRepo) ReorderScenesTx(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, sceneIDs []uuid.UUID) error {
	batch := &pgx.Batch{}
	for i, id := range sceneIDs {
		batch.Queue(`UPDATE scenes SET position = $1, updated_at = now() WHERE id = $2 AND project_id = $3`, i+1, id, projectID)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for _, id := range sceneIDs {
		tag, err := br.Exec()
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("scene %s: %w", id, ErrNotFound)
		}
	}
	return br.Close()
}

func (r *ProjectRepo) DeleteProjectTx(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) error {
	return mapNotFound(rowsAffected(tx.Exec(ctx, `DELETE FROM projects WHERE id = $1`, projectID)))
}

func (r *ProjectRepo) DeleteSceneTx(ctx context.Context, tx pgx.Tx, projectID, sceneID uuid.UUID) error {
	return mapNotFound(rowsAffected(tx.Exec(ctx, `DELETE FROM scenes WHERE id = $1 AND project_id = $2`, sceneID, projectID)))
}

func (r *ProjectRepo) DeleteCharacterTx(ctx context.Context, tx pgx.Tx, projectID, characterID uuid.UUID) error {
	return mapNotFound(rowsAffected(tx.Exec(ctx, `DELETE FROM characters WHERE id = $1 AND project_id = $2`, characterID, projectID)))
}

// ClearSceneVideoTx removes the generated video from a scene.
func (r *ProjectRepo) ClearSceneVideoTx(ctx context.Context, tx pgx.Tx, projectID, sceneID uuid.UUID) error {
	return mapNotFound(rowsAffected(tx.Exec(ctx, `
		UPDATE scenes SET video_url = NULL, updated_at = now() WHERE id = $1 AND project_id = $2
	`, sceneID, projectID)))
}

// UpdateScenePromptTx sets one of the editable prompt fields.
func (r *ProjectRepo) UpdateScenePromptTx(ctx context.Context, tx pgx.Tx, projectID, sceneID uuid.UUID, field, value string) error {
	var column string
	switch field {
	case models.FieldImagePrompt:
		column = "image_prompt"
	case models.FieldVideoPrompt:
		column = "video_prompt"
	default:
		return fmt.Errorf("unknown prompt field %q", field)
	}
	return mapNotFound(rowsAffected(tx.Exec(ctx,
		`UPDATE scenes SET `+column+` = $1, updated_at = now() WHERE id = $2 AND project_id = $3`,
		value, sceneID, projectID)))
}

// SetSceneMediaTx stores url as the scene's image or video.
func (r *ProjectRepo) SetSceneMediaTx(ctx context.Context, tx pgx.Tx, projectID, sceneID uuid.UUID, mediaType, url string) error {
	var column string
	switch mediaType {
	case models.TargetImage:
		column = "image_url"
	case models.TargetVideo:
		column = "video_url"
	default:
		return fmt.Errorf("unknown media type %q", mediaType)
	}
	return mapNotFound(rowsAffected(tx.Exec(ctx,
		`UPDATE scenes SET `+column+` = $1, updated_at = now() WHERE id = $2 AND project_id = $3`,
		url, sceneID, projectID)))
}

func mapNotFound(err error) error {
	if err == ErrConditionFailed {
		return ErrNotFound
	}
	return err
}

func (r *ProjectRepo) GetCharacter(ctx context.Context, projectID, characterID uuid.UUID) (*models.Character, error) {
	var c models.Character
	err := r.pool.QueryRow(ctx, `
		SELECT id, project_id, name, description, image_url, created_at
		FROM characters WHERE id = $1 AND project_id = $2
	`, characterID, projectID).Scan(&c.ID, &c.ProjectID, &c.Name, &c.Description, &c.ImageURL, &c.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

// UpdateModelConfig replaces the project's provider selection.
func (r *ProjectRepo) UpdateModelConfig(ctx context.Context, projectID uuid.UUID, cfg []byte) error {
	return mapNotFound(rowsAffected(r.pool.Exec(ctx, `
		UPDATE projects SET model_config = $1, updated_at = now() WHERE id = $2
	`, cfg, projectID)))
}

// CreateScene appends s to the end of the project's scene list.
func (r *ProjectRepo) CreateScene(ctx context.Context, s *models.Scene) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO scenes (id, project_id, position, title, prompt, image_prompt, video_prompt)
		VALUES ($1, $2, (SELECT COALESCE(MAX(position), 0) + 1 FROM scenes WHERE project_id = $2), $3, $4, $5, $6)
		RETURNING position, created_at, updated_at
	`, s.ID, s.ProjectID, s.Title, s.Prompt, s.ImagePrompt, s.VideoPrompt).Scan(&s.Position, &s.CreatedAt, &s.UpdatedAt)
}
