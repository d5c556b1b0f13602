package permissions

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/filmgen/backend/internal/models"
	"github.com/filmgen/backend/internal/repository"
)

type fakeProjects struct {
	mu       sync.Mutex
	projects map[uuid.UUID]*models.Project
	members  map[[2]uuid.UUID]string
	err      error
}

func newFakeProjects() *fakeProjects {
	return &fakeProjects{projects: map[uuid.UUID]*models.Project{}, members: map[[2]uuid.UUID]string{}}
}

func (f *fakeProjects) GetProject(_ context.Context, id uuid.UUID) (*models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProjects) GetMemberRole(_ context.Context, projectID, userID uuid.UUID) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.members[[2]uuid.UUID{projectID, userID}]
	return role, ok, nil
}

type fixture struct {
	resolver     *Resolver
	projects     *fakeProjects
	owner        uuid.UUID
	admin        uuid.UUID
	collaborator uuid.UUID
	reader       uuid.UUID
	stranger     uuid.UUID
	private      uuid.UUID
	public       uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		projects:     newFakeProjects(),
		owner:        uuid.New(),
		admin:        uuid.New(),
		collaborator: uuid.New(),
		reader:       uuid.New(),
		stranger:     uuid.New(),
		private:      uuid.New(),
		public:       uuid.New(),
	}
	f.projects.projects[f.private] = &models.Project{ID: f.private, UserID: f.owner, Visibility: models.VisibilityPrivate}
	f.projects.projects[f.public] = &models.Project{ID: f.public, UserID: f.owner, Visibility: models.VisibilityPublic}
	for _, p := range []uuid.UUID{f.private, f.public} {
		f.projects.members[[2]uuid.UUID{p, f.admin}] = models.MemberRoleAdmin
		f.projects.members[[2]uuid.UUID{p, f.collaborator}] = models.MemberRoleCollaborator
		f.projects.members[[2]uuid.UUID{p, f.reader}] = models.MemberRoleReader
	}
	r, err := NewResolver(f.projects, nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	f.resolver = r
	return f
}

func TestCapabilityMatrix(t *testing.T) {
	f := newFixture(t)

	want := map[Role]map[Capability]bool{
		RoleAdmin: {
			CanView: true, CanEdit: true, CanDelete: true, CanRequestDeletion: false, CanApproveRequests: true,
			CanRegenerate: true, CanRequestRegeneration: false, CanEditPrompts: true, CanRequestPromptEdit: false, CanManageMembers: true,
		},
		RoleCollaborator: {
			CanView: true, CanEdit: true, CanDelete: false, CanRequestDeletion: true, CanApproveRequests: false,
			CanRegenerate: false, CanRequestRegeneration: true, CanEditPrompts: false, CanRequestPromptEdit: true, CanManageMembers: false,
		},
		RoleReader: {
			CanView: true,
		},
		RoleNone: {},
	}

	for role, caps := range want {
		got := f.resolver.Capabilities(role)
		for _, c := range AllCapabilities {
			if got[c] != caps[c] {
				t.Errorf("role %q capability %s: got %v, want %v", role, c, got[c], caps[c])
			}
		}
	}
}

func TestGetUserProjectRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		user uuid.UUID
		want Role
	}{
		{"owner is admin", f.owner, RoleAdmin},
		{"admin member", f.admin, RoleAdmin},
		{"collaborator member", f.collaborator, RoleCollaborator},
		{"reader member", f.reader, RoleReader},
		{"stranger", f.stranger, RoleNone},
		{"anonymous", uuid.Nil, RoleNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.resolver.GetUserProjectRole(ctx, tt.user, f.private)
			if err != nil {
				t.Fatalf("GetUserProjectRole: %v", err)
			}
			if got != tt.want {
				t.Errorf("role: got %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := f.resolver.GetUserProjectRole(ctx, f.owner, uuid.New()); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("unknown project: got %v, want ErrProjectNotFound", err)
	}
}

func TestVerifyPermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		user       uuid.UUID
		project    uuid.UUID
		capability Capability
		allowed    bool
		status     int
	}{
		{"owner deletes", f.owner, f.private, CanDelete, true, http.StatusOK},
		{"collaborator edits", f.collaborator, f.private, CanEdit, true, http.StatusOK},
		{"collaborator cannot delete", f.collaborator, f.private, CanDelete, false, http.StatusForbidden},
		{"collaborator requests deletion", f.collaborator, f.private, CanRequestDeletion, true, http.StatusOK},
		{"admin never requests deletion", f.admin, f.private, CanRequestDeletion, false, http.StatusForbidden},
		{"reader views", f.reader, f.private, CanView, true, http.StatusOK},
		{"reader cannot edit", f.reader, f.private, CanEdit, false, http.StatusForbidden},
		{"stranger on private project sees nothing", f.stranger, f.private, CanView, false, http.StatusNotFound},
		{"anonymous on private project sees nothing", uuid.Nil, f.private, CanView, false, http.StatusNotFound},
		{"stranger views public project", f.stranger, f.public, CanView, true, http.StatusOK},
		{"anonymous views public project", uuid.Nil, f.public, CanView, true, http.StatusOK},
		{"stranger cannot edit public project", f.stranger, f.public, CanEdit, false, http.StatusForbidden},
		{"unknown project", f.owner, uuid.New(), CanView, false, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := f.resolver.VerifyPermission(ctx, tt.user, tt.project, tt.capability)
			if err != nil {
				t.Fatalf("VerifyPermission: %v", err)
			}
			if d.Allowed != tt.allowed || d.Status != tt.status {
				t.Errorf("decision: got allowed=%v status=%d, want allowed=%v status=%d", d.Allowed, d.Status, tt.allowed, tt.status)
			}
			if !d.Allowed && d.Error == "" {
				t.Error("denial should carry an error message")
			}
		})
	}
}

func TestVerifyPermission_RoleChangeTakesEffectImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, _ := f.resolver.VerifyPermission(ctx, f.reader, f.private, CanEdit)
	if d.Allowed {
		t.Fatal("reader should not edit")
	}
	f.projects.mu.Lock()
	f.projects.members[[2]uuid.UUID{f.private, f.reader}] = models.MemberRoleCollaborator
	f.projects.mu.Unlock()

	d, _ = f.resolver.VerifyPermission(ctx, f.reader, f.private, CanEdit)
	if !d.Allowed {
		t.Error("promoted member should edit without any cache delay")
	}
}

func TestVerifyPermission_StoreErrorPropagates(t *testing.T) {
	f := newFixture(t)
	f.projects.err = errors.New("connection reset")

	if _, err := f.resolver.VerifyPermission(context.Background(), f.owner, f.private, CanView); err == nil {
		t.Error("expected store error")
	}
}

func TestDecisionErr(t *testing.T) {
	if (Decision{Allowed: true, Status: http.StatusOK}).Err() != nil {
		t.Error("allowed decision should have no error")
	}
	if e := (Decision{Status: http.StatusNotFound, Error: "project not found"}).Err(); e == nil || e.Status != http.StatusNotFound {
		t.Errorf("404 decision: got %+v", e)
	}
	if e := (Decision{Status: http.StatusForbidden, Error: "nope"}).Err(); e == nil || e.Status != http.StatusForbidden {
		t.Errorf("403 decision: got %+v", e)
	}
}
