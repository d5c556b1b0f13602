package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/filmgen/backend/internal/apperr"
	"github.com/filmgen/backend/internal/execution"
	"github.com/filmgen/backend/internal/middleware"
	"github.com/filmgen/backend/internal/models"
)

func ptr[T any](v T) *T { return &v }

// filmScenes gives the fixture project three ordered scenes.
func (f *fixture) filmScenes() []*models.Scene {
	f.projects.project.Name = "Lighthouse"
	scenes := []*models.Scene{
		{ID: uuid.New(), ProjectID: f.project, Position: 0, Title: "Dawn", VideoURL: ptr("https://m/1.mp4")},
		{ID: uuid.New(), ProjectID: f.project, Position: 1, Title: "Storm", ImageURL: ptr("https://m/2.png")},
		{ID: uuid.New(), ProjectID: f.project, Position: 2, Title: "Calm", VideoURL: ptr("https://m/3.mp4"), ImageURL: ptr("https://m/3.png")},
	}
	f.projects.scenes = scenes
	return scenes
}

func (f *fixture) completedAudio(kind, url string, at time.Time) {
	f.store.jobs[uuid.New()] = &models.GenerationJob{
		ProjectID: f.project, Kind: kind, Status: models.JobStatusCompleted, ResultURL: &url, UpdatedAt: at,
	}
}

func TestCreateComposition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scenes := f.filmScenes()
	f.completedAudio(models.KindMusic, "https://m/old-theme.mp3", f.now.Add(-time.Hour))
	f.completedAudio(models.KindMusic, "https://m/theme.mp3", f.now)
	f.completedAudio(models.KindVoiceover, "https://m/narration.mp3", f.now)

	job, err := f.svc.CreateComposition(ctx, f.owner, f.project, CompositionInput{
		Transition:  "fade",
		Transitions: map[uuid.UUID]string{scenes[1].ID: "zoomIn"},
		Captions:    map[uuid.UUID]string{scenes[0].ID: "First light", scenes[2].ID: "  "},
		MusicVolume: ptr(0.5),
	})
	require.NoError(t, err)
	assert.Equal(t, models.KindComposition, job.Kind)
	assert.Equal(t, "vectcut", job.Provider)
	assert.Equal(t, 60, job.Credits)
	assert.Nil(t, job.SceneID)
	require.Len(t, f.enqueued, 1)
	assert.Equal(t, execution.GenerateMediaArgs{JobID: job.ID}, f.enqueued[0])

	in := gjson.ParseBytes(job.Input)
	assert.Equal(t, f.project.String(), in.Get("project_id").String())
	assert.Equal(t, "Lighthouse", in.Get("project_name").String())
	assert.Equal(t, []string{scenes[0].ID.String(), scenes[1].ID.String(), scenes[2].ID.String()},
		stringsOf(in.Get("scenes.#.id").Array()))
	assert.Equal(t, "https://m/1.mp4", in.Get("scenes.0.video_url").String())
	assert.Equal(t, "https://m/2.png", in.Get("scenes.1.image_url").String())
	assert.Equal(t, "https://m/3.mp4", in.Get("scenes.2.video_url").String(), "video wins over image")
	assert.Equal(t, "fade", in.Get("scenes.0.transition_to_next").String())
	assert.Equal(t, "zoomIn", in.Get("scenes.1.transition_to_next").String())
	assert.False(t, in.Get("scenes.2.transition_to_next").Exists(), "the last scene has nothing to transition to")

	assert.Equal(t, "https://m/theme.mp3", in.Get("music.audio_url").String())
	assert.InDelta(t, 0.5, in.Get("music.volume").Float(), 1e-9)
	assert.Equal(t, "https://m/narration.mp3", in.Get("voiceover.audio_url").String())

	require.Len(t, in.Get("captions").Array(), 1, "blank captions are dropped")
	assert.Equal(t, "First light", in.Get("captions.0.text").String())
	assert.Equal(t, "1\n00:00:00,000 --> 00:00:06,000\nFirst light\n\n", in.Get("srt").String())
	assert.Equal(t, "hd", in.Get("resolution").String())
	assert.Equal(t, int64(30), in.Get("fps").Int())

	task, err := f.svc.Prepare(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KindComposition, task.Kind)
	assert.Len(t, task.Request.Params["scenes"], 3)
	music, ok := task.Request.Params["music"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://m/theme.mp3", music["audio_url"])
}

func TestCreateCompositionWithoutAudio(t *testing.T) {
	f := newFixture(t)
	f.filmScenes()

	job, err := f.svc.CreateComposition(context.Background(), f.owner, f.project, CompositionInput{SceneSeconds: 4})
	require.NoError(t, err)
	in := gjson.ParseBytes(job.Input)
	assert.False(t, in.Get("music").Exists())
	assert.False(t, in.Get("voiceover").Exists())
	assert.False(t, in.Get("srt").Exists())
	assert.InDelta(t, 4.0, in.Get("scenes.2.duration").Float(), 1e-9)
}

func TestCreateCompositionRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("scene without media", func(t *testing.T) {
		f := newFixture(t)
		scenes := f.filmScenes()
		scenes[1].ImageURL = nil
		_, err := f.svc.CreateComposition(ctx, f.owner, f.project, CompositionInput{})
		e := requireAppErr(t, err, http.StatusBadRequest, apperr.CodeInvalidRequest)
		assert.Contains(t, e.Message, "Storm")
		assert.Empty(t, f.enqueued)
	})

	t.Run("no scenes", func(t *testing.T) {
		f := newFixture(t)
		f.projects.scenes = []*models.Scene{}
		_, err := f.svc.CreateComposition(ctx, f.owner, f.project, CompositionInput{})
		requireAppErr(t, err, http.StatusBadRequest, apperr.CodeInvalidRequest)
	})

	t.Run("unknown transition", func(t *testing.T) {
		f := newFixture(t)
		f.filmScenes()
		_, err := f.svc.CreateComposition(ctx, f.owner, f.project, CompositionInput{Transition: "spin"})
		requireAppErr(t, err, http.StatusBadRequest, apperr.CodeInvalidRequest)
	})

	t.Run("caption for another project's scene", func(t *testing.T) {
		f := newFixture(t)
		f.filmScenes()
		_, err := f.svc.CreateComposition(ctx, f.owner, f.project, CompositionInput{Captions: map[uuid.UUID]string{uuid.New(): "x"}})
		requireAppErr(t, err, http.StatusBadRequest, apperr.CodeInvalidRequest)
	})

	t.Run("reader cannot compose", func(t *testing.T) {
		f := newFixture(t)
		f.filmScenes()
		_, err := f.svc.CreateComposition(ctx, f.reader, f.project, CompositionInput{})
		requireAppErr(t, err, http.StatusForbidden, "")
	})

	t.Run("short balance", func(t *testing.T) {
		f := newFixture(t)
		f.filmScenes()
		f.ledger.balances[f.owner] = 59
		_, err := f.svc.CreateComposition(ctx, f.owner, f.project, CompositionInput{})
		requireAppErr(t, err, http.StatusPaymentRequired, apperr.CodeInsufficientCredits)
		assert.Empty(t, f.store.jobs)
	})
}

func TestCompositionCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.filmScenes()
	job, err := f.svc.CreateComposition(ctx, f.owner, f.project, CompositionInput{})
	require.NoError(t, err)

	require.NoError(t, f.svc.MarkJobCompleted(ctx, job.ID, "https://m/film.mp4"))
	assert.Equal(t, 40, f.ledger.balances[f.owner])
	assert.Empty(t, f.projects.media, "the film is not attached to any scene")
	require.Len(t, f.notes.sent, 1)
	assert.Equal(t, models.NotificationCompositionReady, f.notes.sent[0].Type)
	assert.Equal(t, "https://m/film.mp4", f.notes.sent[0].Metadata["url"])
}

func TestComposeHandler(t *testing.T) {
	f := newFixture(t)
	scenes := f.filmScenes()
	h := NewHandler(f.svc, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /projects/{id}/compositions", h.Compose)

	do := func(user uuid.UUID, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/projects/"+f.project.String()+"/compositions", strings.NewReader(body))
		req = req.WithContext(middleware.WithUserID(req.Context(), user))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	rec := do(f.owner, `{"transition":"swoosh","captions":{"`+scenes[1].ID.String()+`":"Thunder"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, models.KindComposition, body.Get("kind").String())
	assert.Equal(t, "1\n00:00:06,000 --> 00:00:12,000\nThunder\n\n", body.Get("input.srt").String())

	assert.Equal(t, http.StatusBadRequest, do(f.owner, `{"resolution":"8k"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, do(uuid.Nil, `{}`).Code)
}

func TestSRTTimestamps(t *testing.T) {
	got := srt([]compCaption{
		{Text: "one", Start: 0.5, End: 2.25},
		{Text: "two", Start: 3661.0, End: 3662.999},
	})
	want := "1\n00:00:00,500 --> 00:00:02,250\none\n\n" +
		"2\n01:01:01,000 --> 01:01:02,999\ntwo\n\n"
	assert.Equal(t, want, got)
	assert.Empty(t, srt(nil))
}

func stringsOf(rs []gjson.Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.String()
	}
	return out
}
