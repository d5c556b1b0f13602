// Package permissions resolves a user's role in a project and answers
// capability questions against a fixed role matrix.
package permissions

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/casbin/casbin/v3"
	"github.com/google/uuid"

	"github.com/filmgen/backend/internal/apperr"
	"github.com/filmgen/backend/internal/logger"
	"github.com/filmgen/backend/internal/models"
	"github.com/filmgen/backend/internal/repository"
)

//go:embed model.conf policy.csv
var embedFS embed.FS

type Role string

const (
	RoleNone         Role = ""
	RoleAdmin        Role = "admin"
	RoleCollaborator Role = "collaborator"
	RoleReader       Role = "reader"

	// rolePublic is the casbin subject for a non-member reading a public project.
	rolePublic Role = "public"
)

type Capability string

const (
	CanView                Capability = "canView"
	CanEdit                Capability = "canEdit"
	CanDelete              Capability = "canDelete"
	CanRequestDeletion     Capability = "canRequestDeletion"
	CanApproveRequests     Capability = "canApproveRequests"
	CanRegenerate          Capability = "canRegenerate"
	CanRequestRegeneration Capability = "canRequestRegeneration"
	CanEditPrompts         Capability = "canEditPrompts"
	CanRequestPromptEdit   Capability = "canRequestPromptEdit"
	CanManageMembers       Capability = "canManageMembers"
)

// AllCapabilities lists every capability in a stable order.
var AllCapabilities = []Capability{
	CanView, CanEdit, CanDelete, CanRequestDeletion, CanApproveRequests,
	CanRegenerate, CanRequestRegeneration, CanEditPrompts, CanRequestPromptEdit, CanManageMembers,
}

// ErrProjectNotFound is returned by GetUserProjectRole for an unknown project.
var ErrProjectNotFound = errors.New("project not found")

// ProjectLookup is implemented by repository.ProjectRepo. GetProject returns
// repository.ErrNotFound for an unknown project.
type ProjectLookup interface {
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	GetMemberRole(ctx context.Context, projectID, userID uuid.UUID) (string, bool, error)
}

// Decision is the outcome of VerifyPermission. Denials carry the HTTP status
// to surface: 404 when the project is unknown or private to the caller, 403
// when the caller can see the project but lacks the capability.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Role    Role   `json:"role"`
	Status  int    `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Err converts a denial into an *apperr.Error. It returns nil when allowed.
func (d Decision) Err() *apperr.Error {
	if d.Allowed {
		return nil
	}
	if d.Status == http.StatusNotFound {
		return apperr.NotFound("project")
	}
	return apperr.Forbidden(d.Error)
}

// Resolver reads roles from the store on every call; nothing is cached.
type Resolver struct {
	projects ProjectLookup
	enforcer *casbin.Enforcer
	log      *slog.Logger
}

func NewResolver(projects ProjectLookup, log *slog.Logger) (*Resolver, error) {
	dir, err := os.MkdirTemp("", "filmgen-casbin-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	for _, name := range []string{"model.conf", "policy.csv"} {
		data, err := embedFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0600); err != nil {
			return nil, err
		}
	}

	e, err := casbin.NewEnforcer(filepath.Join(dir, "model.conf"), filepath.Join(dir, "policy.csv"))
	if err != nil {
		return nil, fmt.Errorf("load capability policy: %w", err)
	}
	return &Resolver{projects: projects, enforcer: e, log: logger.OrDefault(log)}, nil
}

// Can reports whether role holds capability c.
func (r *Resolver) Can(role Role, c Capability) bool {
	if role == RoleNone {
		return false
	}
	ok, err := r.enforcer.Enforce(string(role), string(c))
	if err != nil {
		r.log.Error("capability check failed", "role", role, "capability", c, "error", err)
		return false
	}
	return ok
}

// Capabilities returns the full capability set of role.
func (r *Resolver) Capabilities(role Role) map[Capability]bool {
	out := make(map[Capability]bool, len(AllCapabilities))
	for _, c := range AllCapabilities {
		out[c] = r.Can(role, c)
	}
	return out
}

// GetUserProjectRole returns admin for the owner, the stored member role for
// members and RoleNone otherwise.
func (r *Resolver) GetUserProjectRole(ctx context.Context, userID, projectID uuid.UUID) (Role, error) {
	p, err := r.projects.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return RoleNone, ErrProjectNotFound
		}
		return RoleNone, err
	}
	return r.roleIn(ctx, p, userID)
}

func (r *Resolver) roleIn(ctx context.Context, p *models.Project, userID uuid.UUID) (Role, error) {
	if userID == uuid.Nil {
		return RoleNone, nil
	}
	if p.UserID == userID {
		return RoleAdmin, nil
	}
	role, ok, err := r.projects.GetMemberRole(ctx, p.ID, userID)
	if err != nil {
		return RoleNone, err
	}
	if !ok {
		return RoleNone, nil
	}
	switch Role(role) {
	case RoleAdmin, RoleCollaborator, RoleReader:
		return Role(role), nil
	default:
		r.log.Warn("unknown member role", "project_id", p.ID, "user_id", userID, "role", role)
		return RoleNone, nil
	}
}

// VerifyPermission decides whether userID may exercise c on projectID.
// uuid.Nil stands for an anonymous caller. Only store failures are errors.
func (r *Resolver) VerifyPermission(ctx context.Context, userID, projectID uuid.UUID, c Capability) (Decision, error) {
	p, err := r.projects.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Decision{Status: http.StatusNotFound, Error: "project not found"}, nil
		}
		return Decision{}, err
	}
	role, err := r.roleIn(ctx, p, userID)
	if err != nil {
		return Decision{}, err
	}

	if role == RoleNone {
		if p.Visibility != models.VisibilityPublic {
			return Decision{Status: http.StatusNotFound, Error: "project not found"}, nil
		}
		if ok, _ := r.enforcer.Enforce(string(rolePublic), string(c)); ok {
			return Decision{Allowed: true, Role: RoleNone, Status: http.StatusOK}, nil
		}
		return Decision{Status: http.StatusForbidden, Error: fmt.Sprintf("permission denied: %s", c)}, nil
	}

	if !r.Can(role, c) {
		return Decision{Role: role, Status: http.StatusForbidden, Error: fmt.Sprintf("permission denied: %s requires a different role than %s", c, role)}, nil
	}
	return Decision{Allowed: true, Role: role, Status: http.StatusOK}, nil
}
