package approvals

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/filmgen/backend/internal/apperr"
	"github.com/filmgen/backend/internal/models"
)

func TestRequestDeletion_CreatesAndDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := DeletionInput{TargetType: models.TargetScene, TargetID: f.scene, Reason: "duplicate shot"}

	d, created, err := f.wf.RequestDeletion(ctx, f.collaborator, f.project, in)
	if err != nil {
		t.Fatalf("RequestDeletion: %v", err)
	}
	if !created || d.Status != models.RequestPending || d.RequesterID != f.collaborator {
		t.Fatalf("request: created=%v %+v", created, d)
	}
	owner := f.notifier.to(f.owner)
	if len(owner) != 1 || owner[0].Type != models.NotificationDeletionRequest || owner[0].ActionURL == nil {
		t.Fatalf("owner notifications: %+v", owner)
	}

	again, created, err := f.wf.RequestDeletion(ctx, f.collaborator, f.project, in)
	if err != nil {
		t.Fatalf("second RequestDeletion: %v", err)
	}
	if created || again.ID != d.ID {
		t.Errorf("duplicate should return the existing request: created=%v id=%s want %s", created, again.ID, d.ID)
	}
	if n := len(f.notifier.to(f.owner)); n != 1 {
		t.Errorf("owner should be notified once, got %d", n)
	}
}

func TestRequestDeletion_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scene := DeletionInput{TargetType: models.TargetScene, TargetID: f.scene}

	tests := []struct {
		name   string
		user   uuid.UUID
		in     DeletionInput
		status int
		code   string
	}{
		{"owner needs no request", f.owner, scene, http.StatusBadRequest, apperr.CodeNoRequestNeeded},
		{"admin needs no request", f.admin, scene, http.StatusBadRequest, apperr.CodeNoRequestNeeded},
		{"reader cannot request", f.reader, scene, http.StatusForbidden, apperr.CodeForbidden},
		{"stranger sees nothing", f.stranger, scene, http.StatusNotFound, apperr.CodeNotFound},
		{"unknown scene", f.collaborator, DeletionInput{TargetType: models.TargetScene, TargetID: uuid.New()}, http.StatusNotFound, apperr.CodeNotFound},
		{"unknown character", f.collaborator, DeletionInput{TargetType: models.TargetCharacter, TargetID: uuid.New()}, http.StatusNotFound, apperr.CodeNotFound},
		{"bad target type", f.collaborator, DeletionInput{TargetType: "music", TargetID: f.scene}, http.StatusBadRequest, apperr.CodeInvalidRequest},
		{"missing target id", f.collaborator, DeletionInput{TargetType: models.TargetScene}, http.StatusBadRequest, apperr.CodeInvalidRequest},
		{"video on scene without video", f.collaborator, DeletionInput{TargetType: models.TargetVideo, TargetID: f.scene2}, http.StatusBadRequest, apperr.CodeInvalidRequest},
		{"project target must match", f.collaborator, DeletionInput{TargetType: models.TargetProject, TargetID: uuid.New()}, http.StatusBadRequest, apperr.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.wf.RequestDeletion(ctx, tt.user, f.project, tt.in)
			assertAppErr(t, err, tt.status, tt.code)
		})
	}
	if len(f.db.deletions) != 0 {
		t.Errorf("no request should be stored, got %d", len(f.db.deletions))
	}
}

func TestRequestDeletion_ProjectTargetDefaultsToProject(t *testing.T) {
	f := newFixture(t)
	d, _, err := f.wf.RequestDeletion(context.Background(), f.collaborator, f.project, DeletionInput{TargetType: models.TargetProject})
	if err != nil {
		t.Fatalf("RequestDeletion: %v", err)
	}
	if d.TargetID != f.project {
		t.Errorf("target id: got %s, want project %s", d.TargetID, f.project)
	}
}

func requestSceneDeletion(t *testing.T, f *fixture) *models.DeletionRequest {
	t.Helper()
	d, _, err := f.wf.RequestDeletion(context.Background(), f.collaborator, f.project, DeletionInput{TargetType: models.TargetScene, TargetID: f.scene})
	if err != nil {
		t.Fatalf("RequestDeletion: %v", err)
	}
	return d
}

func TestResolveDeletion_ApproveDeletesTarget(t *testing.T) {
	f := newFixture(t)
	d := requestSceneDeletion(t, f)

	got, err := f.wf.ResolveDeletion(context.Background(), f.admin, d.ID, true, "")
	if err != nil {
		t.Fatalf("ResolveDeletion: %v", err)
	}
	if got.Status != models.RequestApproved || got.ReviewedBy == nil || *got.ReviewedBy != f.admin || got.ReviewedAt == nil {
		t.Errorf("resolved request: %+v", got)
	}
	if _, ok := f.db.scenes[f.scene]; ok {
		t.Error("scene should be deleted")
	}
	if f.db.deletions[d.ID].Status != models.RequestApproved {
		t.Error("stored status should be approved")
	}
	msgs := f.notifier.to(f.collaborator)
	if len(msgs) != 1 || msgs[0].Type != models.NotificationRequestApproved {
		t.Fatalf("requester notifications: %+v", msgs)
	}
	if msgs[0].Title != "Deletion request approved" {
		t.Errorf("title: %q", msgs[0].Title)
	}
	if len(f.cache.invalidated) != 1 || f.cache.invalidated[0] != f.project {
		t.Errorf("cache invalidations: %v", f.cache.invalidated)
	}
}

func TestResolveDeletion_RejectKeepsTarget(t *testing.T) {
	f := newFixture(t)
	d := requestSceneDeletion(t, f)

	got, err := f.wf.ResolveDeletion(context.Background(), f.owner, d.ID, false, "we still need it")
	if err != nil {
		t.Fatalf("ResolveDeletion: %v", err)
	}
	if got.Status != models.RequestRejected || got.ReviewNote == nil || *got.ReviewNote != "we still need it" {
		t.Errorf("resolved request: %+v", got)
	}
	if _, ok := f.db.scenes[f.scene]; !ok {
		t.Error("scene should survive a rejection")
	}
	msgs := f.notifier.to(f.collaborator)
	if len(msgs) != 1 || msgs[0].Type != models.NotificationRequestRejected {
		t.Fatalf("requester notifications: %+v", msgs)
	}
	if !strings.Contains(msgs[0].Message, "we still need it") {
		t.Errorf("message should carry the note: %q", msgs[0].Message)
	}
	if len(f.cache.invalidated) != 0 {
		t.Error("rejection should not invalidate the cache")
	}
}

func TestResolveDeletion_AlreadyProcessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := requestSceneDeletion(t, f)

	if _, err := f.wf.ResolveDeletion(ctx, f.admin, d.ID, false, ""); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	_, err := f.wf.ResolveDeletion(ctx, f.owner, d.ID, true, "")
	assertAppErr(t, err, http.StatusConflict, apperr.CodeAlreadyProcessed)

	if n := len(f.notifier.to(f.collaborator)); n != 1 {
		t.Errorf("requester should be notified once, got %d", n)
	}
	if _, ok := f.db.scenes[f.scene]; !ok {
		t.Error("a late approval must not delete")
	}
}

func TestResolveDeletion_ReviewerGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := requestSceneDeletion(t, f)

	_, err := f.wf.ResolveDeletion(ctx, f.collaborator, d.ID, true, "")
	assertAppErr(t, err, http.StatusForbidden, apperr.CodeForbidden)

	_, err = f.wf.ResolveDeletion(ctx, f.stranger, d.ID, true, "")
	assertAppErr(t, err, http.StatusNotFound, apperr.CodeNotFound)

	_, err = f.wf.ResolveDeletion(ctx, f.admin, uuid.New(), true, "")
	assertAppErr(t, err, http.StatusNotFound, apperr.CodeNotFound)

	if f.db.deletions[d.ID].Status != models.RequestPending {
		t.Error("request should still be pending")
	}
}

func TestResolveDeletion_DeleteFailureLeavesRequestPending(t *testing.T) {
	f := newFixture(t)
	d := requestSceneDeletion(t, f)
	f.db.failDelete = errors.New("storage offline")

	_, err := f.wf.ResolveDeletion(context.Background(), f.admin, d.ID, true, "")
	assertAppErr(t, err, http.StatusServiceUnavailable, apperr.CodeDeleteFailed)

	if f.db.deletions[d.ID].Status != models.RequestPending {
		t.Errorf("status: got %s, want pending", f.db.deletions[d.ID].Status)
	}
	if _, ok := f.db.scenes[f.scene]; !ok {
		t.Error("scene should still exist")
	}
	if n := len(f.notifier.to(f.collaborator)); n != 0 {
		t.Errorf("requester should not be notified, got %d", n)
	}

	// The reviewer can retry once the failure clears.
	f.db.failDelete = nil
	if _, err := f.wf.ResolveDeletion(context.Background(), f.admin, d.ID, true, ""); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestResolveDeletion_TargetAlreadyGone(t *testing.T) {
	f := newFixture(t)
	d := requestSceneDeletion(t, f)
	delete(f.db.scenes, f.scene)

	got, err := f.wf.ResolveDeletion(context.Background(), f.admin, d.ID, true, "")
	if err != nil {
		t.Fatalf("ResolveDeletion: %v", err)
	}
	if got.Status != models.RequestApproved {
		t.Errorf("status: got %s", got.Status)
	}
}

func TestResolveDeletion_VideoAndCharacter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, _, err := f.wf.RequestDeletion(ctx, f.collaborator, f.project, DeletionInput{TargetType: models.TargetVideo, TargetID: f.scene})
	if err != nil {
		t.Fatalf("video request: %v", err)
	}
	c, _, err := f.wf.RequestDeletion(ctx, f.collaborator, f.project, DeletionInput{TargetType: models.TargetCharacter, TargetID: f.char})
	if err != nil {
		t.Fatalf("character request: %v", err)
	}
	if _, err := f.wf.ResolveDeletion(ctx, f.admin, v.ID, true, ""); err != nil {
		t.Fatalf("approve video: %v", err)
	}
	if _, err := f.wf.ResolveDeletion(ctx, f.admin, c.ID, true, ""); err != nil {
		t.Fatalf("approve character: %v", err)
	}
	s, ok := f.db.scenes[f.scene]
	if !ok || s.VideoURL != nil {
		t.Errorf("scene should remain with its video cleared: %+v", s)
	}
	if _, ok := f.db.characters[f.char]; ok {
		t.Error("character should be deleted")
	}
}

func TestResolveDeletion_Project(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, _, err := f.wf.RequestDeletion(ctx, f.collaborator, f.project, DeletionInput{TargetType: models.TargetProject})
	if err != nil {
		t.Fatalf("RequestDeletion: %v", err)
	}
	if _, err := f.wf.ResolveDeletion(ctx, f.owner, d.ID, true, ""); err != nil {
		t.Fatalf("ResolveDeletion: %v", err)
	}
	if _, ok := f.db.projects[f.project]; ok {
		t.Error("project should be deleted")
	}
	if len(f.db.scenes) != 0 {
		t.Errorf("scenes should cascade, %d left", len(f.db.scenes))
	}
	if len(f.cache.invalidated) != 0 {
		t.Error("a deleted project has nothing to invalidate")
	}
}

func TestResolveDeletion_ConcurrentReviewersOneWins(t *testing.T) {
	f := newFixture(t)
	d := requestSceneDeletion(t, f)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for _, reviewer := range []uuid.UUID{f.owner, f.admin, f.owner, f.admin} {
		wg.Add(1)
		go func(reviewer uuid.UUID) {
			defer wg.Done()
			_, err := f.wf.ResolveDeletion(context.Background(), reviewer, d.ID, true, "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			if e, ok := apperr.As(err); ok && e.Code == apperr.CodeAlreadyProcessed {
				conflicts++
			}
		}(reviewer)
	}
	wg.Wait()

	if wins != 1 || conflicts != 3 {
		t.Errorf("got %d wins and %d conflicts, want 1 and 3", wins, conflicts)
	}
	if n := len(f.notifier.to(f.collaborator)); n != 1 {
		t.Errorf("requester should be notified once, got %d", n)
	}
}
