// Package projects serves project settings, membership and scene ordering.
// Every operation checks the caller's capability first.
package projects

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/filmgen/backend/internal/apperr"
	"github.com/filmgen/backend/internal/cache"
	"github.com/filmgen/backend/internal/logger"
	"github.com/filmgen/backend/internal/models"
	"github.com/filmgen/backend/internal/permissions"
	"github.com/filmgen/backend/internal/repository"
	"github.com/filmgen/backend/internal/services"
)

// Store is implemented by repository.ProjectRepo.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	UpdateModelConfig(ctx context.Context, projectID uuid.UUID, cfg []byte) error
	ListMembers(ctx context.Context, projectID uuid.UUID) ([]*models.ProjectMember, error)
	UpsertMember(ctx context.Context, m *models.ProjectMember) error
	RemoveMember(ctx context.Context, projectID, userID uuid.UUID) error
	ListScenes(ctx context.Context, projectID uuid.UUID) ([]*models.Scene, error)
	CreateScene(ctx context.Context, s *models.Scene) error
	ReorderScenesTx(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, sceneIDs []uuid.UUID) error
	DeleteSceneTx(ctx context.Context, tx pgx.Tx, projectID, sceneID uuid.UUID) error
}

// Permissions is implemented by *permissions.Resolver.
type Permissions interface {
	VerifyPermission(ctx context.Context, userID, projectID uuid.UUID, c permissions.Capability) (permissions.Decision, error)
	Capabilities(role permissions.Role) map[permissions.Capability]bool
}

// SceneCache is implemented by *cache.Projects.
type SceneCache interface {
	Load(ctx context.Context, key string, dst any, fill func(ctx context.Context) (any, error)) error
	InvalidateProject(ctx context.Context, projectID uuid.UUID)
}

type ConfigValidator interface {
	ValidateModelConfig(cfg json.RawMessage) error
}

type Service struct {
	store     Store
	perms     Permissions
	cache     SceneCache
	validator ConfigValidator
	log       *slog.Logger
}

func NewService(store Store, perms Permissions, c SceneCache, v ConfigValidator, log *slog.Logger) *Service {
	return &Service{store: store, perms: perms, cache: c, validator: v, log: logger.OrDefault(log)}
}

func (s *Service) require(ctx context.Context, userID, projectID uuid.UUID, c permissions.Capability) (permissions.Decision, error) {
	d, err := s.perms.VerifyPermission(ctx, userID, projectID, c)
	if err != nil {
		return d, err
	}
	if e := d.Err(); e != nil {
		return d, e
	}
	return d, nil
}

type CreateInput struct {
	Name        string          `json:"name"`
	Visibility  string          `json:"visibility"`
	ModelConfig json.RawMessage `json:"model_config,omitempty"`
}

// Create makes userID the owner of a new project.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, in CreateInput) (*models.Project, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Invalid("name is required")
	}
	switch in.Visibility {
	case "":
		in.Visibility = models.VisibilityPrivate
	case models.VisibilityPrivate, models.VisibilityPublic:
	default:
		return nil, apperr.Invalid("visibility must be private or public")
	}
	if err := s.checkModelConfig(in.ModelConfig); err != nil {
		return nil, err
	}
	p := &models.Project{ID: uuid.New(), UserID: userID, Name: name, Visibility: in.Visibility, ModelConfig: in.ModelConfig}
	if len(p.ModelConfig) == 0 {
		p.ModelConfig = json.RawMessage(`{}`)
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	s.log.Info("project created", "project_id", p.ID, "user_id", userID)
	return p, nil
}

func (s *Service) Get(ctx context.Context, userID, projectID uuid.UUID) (*models.Project, error) {
	if _, err := s.require(ctx, userID, projectID, permissions.CanView); err != nil {
		return nil, err
	}
	p, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("project")
	}
	return p, err
}

// RoleView is the caller's role and the capabilities it grants.
type RoleView struct {
	Role         permissions.Role                `json:"role"`
	Capabilities map[permissions.Capability]bool `json:"capabilities"`
}

// Role reports what userID may do on projectID. Non-members of a public
// project get an empty role with read access only.
func (s *Service) Role(ctx context.Context, userID, projectID uuid.UUID) (*RoleView, error) {
	d, err := s.require(ctx, userID, projectID, permissions.CanView)
	if err != nil {
		return nil, err
	}
	caps := s.perms.Capabilities(d.Role)
	if d.Role == permissions.RoleNone {
		caps[permissions.CanView] = true
	}
	return &RoleView{Role: d.Role, Capabilities: caps}, nil
}

// UpdateModelConfig replaces the per-kind provider selection.
func (s *Service) UpdateModelConfig(ctx context.Context, userID, projectID uuid.UUID, cfg json.RawMessage) error {
	if _, err := s.require(ctx, userID, projectID, permissions.CanEdit); err != nil {
		return err
	}
	if err := s.checkModelConfig(cfg); err != nil {
		return err
	}
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	return s.notFound(s.store.UpdateModelConfig(ctx, projectID, cfg), "project")
}

func (s *Service) checkModelConfig(cfg json.RawMessage) error {
	if err := s.validator.ValidateModelConfig(cfg); err != nil {
		if errors.Is(err, services.ErrValidation) {
			return apperr.Invalid(err.Error())
		}
		return err
	}
	return nil
}

func (s *Service) ListMembers(ctx context.Context, userID, projectID uuid.UUID) ([]*models.ProjectMember, error) {
	if _, err := s.require(ctx, userID, projectID, permissions.CanView); err != nil {
		return nil, err
	}
	list, err := s.store.ListMembers(ctx, projectID)
	if list == nil {
		list = []*models.ProjectMember{}
	}
	return list, err
}

type MemberInput struct {
	UserID uuid.UUID `json:"user_id"`
	Role   string    `json:"role"`
}

// AddMember adds a member or changes an existing member's role.
func (s *Service) AddMember(ctx context.Context, userID, projectID uuid.UUID, in MemberInput) (*models.ProjectMember, error) {
	if _, err := s.require(ctx, userID, projectID, permissions.CanManageMembers); err != nil {
		return nil, err
	}
	switch in.Role {
	case models.MemberRoleAdmin, models.MemberRoleCollaborator, models.MemberRoleReader:
	default:
		return nil, apperr.Invalid("role must be admin, collaborator or reader")
	}
	if in.UserID == uuid.Nil {
		return nil, apperr.Invalid("user_id is required")
	}
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, s.notFound(err, "project")
	}
	if p.UserID == in.UserID {
		return nil, apperr.Invalid("the owner cannot be added as a member")
	}
	m := &models.ProjectMember{ID: uuid.New(), ProjectID: projectID, UserID: in.UserID, Role: in.Role}
	if err := s.store.UpsertMember(ctx, m); err != nil {
		return nil, err
	}
	s.log.Info("member set", "project_id", projectID, "member_id", in.UserID, "role", in.Role)
	return m, nil
}

func (s *Service) RemoveMember(ctx context.Context, userID, projectID, memberID uuid.UUID) error {
	if _, err := s.require(ctx, userID, projectID, permissions.CanManageMembers); err != nil {
		return err
	}
	err := s.store.RemoveMember(ctx, projectID, memberID)
	if errors.Is(err, repository.ErrConditionFailed) {
		return apperr.NotFound("member")
	}
	return err
}

// ListScenes returns the project's scenes in position order, from the cache
// when possible.
func (s *Service) ListScenes(ctx context.Context, userID, projectID uuid.UUID) ([]*models.Scene, error) {
	if _, err := s.require(ctx, userID, projectID, permissions.CanView); err != nil {
		return nil, err
	}
	fill := func(ctx context.Context) (any, error) {
		list, err := s.store.ListScenes(ctx, projectID)
		if list == nil {
			list = []*models.Scene{}
		}
		return list, err
	}
	if s.cache == nil {
		v, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		return v.([]*models.Scene), nil
	}
	var scenes []*models.Scene
	if err := s.cache.Load(ctx, cache.ScenesKey(projectID), &scenes, fill); err != nil {
		return nil, err
	}
	return scenes, nil
}

type SceneInput struct {
	Title       string `json:"title"`
	Prompt      string `json:"prompt"`
	ImagePrompt string `json:"image_prompt"`
	VideoPrompt string `json:"video_prompt"`
}

// AddScene appends a scene to the project.
func (s *Service) AddScene(ctx context.Context, userID, projectID uuid.UUID, in SceneInput) (*models.Scene, error) {
	if _, err := s.require(ctx, userID, projectID, permissions.CanEdit); err != nil {
		return nil, err
	}
	sc := &models.Scene{
		ID:          uuid.New(),
		ProjectID:   projectID,
		Title:       strings.TrimSpace(in.Title),
		Prompt:      in.Prompt,
		ImagePrompt: in.ImagePrompt,
		VideoPrompt: in.VideoPrompt,
	}
	if err := s.store.CreateScene(ctx, sc); err != nil {
		return nil, err
	}
	s.invalidate(ctx, projectID)
	return sc, nil
}

// ReorderScenes sets positions 1..n in the given order in one transaction.
// sceneIDs must name every scene of the project exactly once.
func (s *Service) ReorderScenes(ctx context.Context, userID, projectID uuid.UUID, sceneIDs []uuid.UUID) error {
	if _, err := s.require(ctx, userID, projectID, permissions.CanEdit); err != nil {
		return err
	}
	current, err := s.store.ListScenes(ctx, projectID)
	if err != nil {
		return err
	}
	if len(sceneIDs) != len(current) {
		return apperr.Invalid("scene order must list every scene exactly once")
	}
	seen := make(map[uuid.UUID]bool, len(sceneIDs))
	for _, id := range sceneIDs {
		if seen[id] {
			return apperr.Invalid("scene order must list every scene exactly once")
		}
		seen[id] = true
	}
	for _, sc := range current {
		if !seen[sc.ID] {
			return apperr.Invalid("scene order must list every scene exactly once")
		}
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := s.store.ReorderScenesTx(ctx, tx, projectID, sceneIDs); err != nil {
		return s.notFound(err, "scene")
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.invalidate(ctx, projectID)
	return nil
}

// DeleteScene removes a scene directly. Callers without canDelete go through
// a deletion request instead.
func (s *Service) DeleteScene(ctx context.Context, userID, projectID, sceneID uuid.UUID) error {
	if _, err := s.require(ctx, userID, projectID, permissions.CanDelete); err != nil {
		return err
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := s.store.DeleteSceneTx(ctx, tx, projectID, sceneID); err != nil {
		return s.notFound(err, "scene")
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.invalidate(ctx, projectID)
	s.log.Info("scene deleted", "project_id", projectID, "scene_id", sceneID, "user_id", userID)
	return nil
}

func (s *Service) invalidate(ctx context.Context, projectID uuid.UUID) {
	if s.cache != nil {
		s.cache.InvalidateProject(ctx, projectID)
	}
}

func (s *Service) notFound(err error, what string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound(what)
	}
	return err
}
