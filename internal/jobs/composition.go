package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/filmgen/backend/internal/apperr"
	"github.com/filmgen/backend/internal/ledger"
	"github.com/filmgen/backend/internal/models"
	"github.com/filmgen/backend/internal/permissions"
	"github.com/filmgen/backend/internal/services"
)

const (
	defaultSceneSeconds = 6.0
	defaultMusicVolume  = 0.3
	musicFadeSeconds    = 2.0
)

// CompositionInput tunes the final render. Scene order, media and audio come
// from the project itself.
type CompositionInput struct {
	// Transition applies between every pair of scenes unless Transitions
	// names one for the outgoing scene.
	Transition   string               `json:"transition"`
	Transitions  map[uuid.UUID]string `json:"transitions"`
	SceneSeconds float64              `json:"scene_seconds"`
	// Captions maps a scene to the text burned in while it plays.
	Captions    map[uuid.UUID]string `json:"captions"`
	MusicVolume *float64             `json:"music_volume"`
	Resolution  string               `json:"resolution"`
	FPS         int                  `json:"fps"`
}

type compScene struct {
	ID         uuid.UUID `json:"id"`
	VideoURL   string    `json:"video_url,omitempty"`
	ImageURL   string    `json:"image_url,omitempty"`
	Duration   float64   `json:"duration"`
	Transition string    `json:"transition_to_next,omitempty"`
}

type compCaption struct {
	Text  string  `json:"text"`
	Start float64 `json:"start_time"`
	End   float64 `json:"end_time"`
}

type compAudio struct {
	AudioURL string  `json:"audio_url"`
	Volume   float64 `json:"volume"`
	FadeIn   float64 `json:"fade_in,omitempty"`
	FadeOut  float64 `json:"fade_out,omitempty"`
}

type compositionRequest struct {
	ProjectID    uuid.UUID     `json:"project_id"`
	ProjectName  string        `json:"project_name,omitempty"`
	Scenes       []compScene   `json:"scenes"`
	Captions     []compCaption `json:"captions,omitempty"`
	Music        *compAudio    `json:"music,omitempty"`
	Voiceover    *compAudio    `json:"voiceover,omitempty"`
	OutputFormat string        `json:"output_format"`
	Resolution   string        `json:"resolution"`
	FPS          int           `json:"fps"`
	IncludeSRT   bool          `json:"include_srt"`
	SRT          string        `json:"srt,omitempty"`
}

// CreateComposition queues the render of the project's scenes, in order, into
// one MP4. The latest completed voiceover and music jobs are mixed in. The
// SRT for the captions travels in the job input.
func (s *Service) CreateComposition(ctx context.Context, userID, projectID uuid.UUID, in CompositionInput) (*models.GenerationJob, error) {
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
	scenes, err := s.Projects.ListScenes(ctx, projectID)
	if err != nil {
		return nil, err
	}
	req, err := composition(project, scenes, in)
	if err != nil {
		return nil, err
	}
	if req.Voiceover, err = s.latestAudio(ctx, projectID, models.KindVoiceover, 1); err != nil {
		return nil, err
	}
	volume := defaultMusicVolume
	if in.MusicVolume != nil {
		volume = *in.MusicVolume
	}
	if req.Music, err = s.latestAudio(ctx, projectID, models.KindMusic, volume); err != nil {
		return nil, err
	}
	if req.Music != nil {
		req.Music.FadeIn, req.Music.FadeOut = musicFadeSeconds, musicFadeSeconds
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := s.Validator.ValidateInput(models.KindComposition, input); err != nil {
		if errors.Is(err, services.ErrValidation) {
			return nil, apperr.Invalid(err.Error())
		}
		return nil, err
	}

	job, err := s.price(ctx, userID, project, models.KindComposition)
	if err != nil {
		return nil, err
	}
	job.Input = input
	jobs := []*models.GenerationJob{job}
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
	s.log.Info("composition queued", "user_id", userID, "project_id", projectID, "scenes", len(req.Scenes), "job_id", job.ID)
	return job, nil
}

// composition lays the scenes out on one timeline.
func composition(project *models.Project, scenes []*models.Scene, in CompositionInput) (*compositionRequest, error) {
	if len(scenes) == 0 {
		return nil, apperr.Invalid("the project has no scenes to compose")
	}
	seconds := in.SceneSeconds
	if seconds == 0 {
		seconds = defaultSceneSeconds
	}
	req := &compositionRequest{
		ProjectID:    project.ID,
		ProjectName:  project.Name,
		OutputFormat: "mp4",
		Resolution:   in.Resolution,
		FPS:          in.FPS,
		IncludeSRT:   true,
	}
	if req.Resolution == "" {
		req.Resolution = "hd"
	}
	if req.FPS == 0 {
		req.FPS = 30
	}

	var at float64
	for i, sc := range scenes {
		cs := compScene{ID: sc.ID, Duration: seconds}
		switch {
		case sc.VideoURL != nil && *sc.VideoURL != "":
			cs.VideoURL = *sc.VideoURL
		case sc.ImageURL != nil && *sc.ImageURL != "":
			cs.ImageURL = *sc.ImageURL
		default:
			return nil, apperr.Invalid(fmt.Sprintf("scene %q has no image or video yet", sceneLabel(sc, i)))
		}
		if i < len(scenes)-1 {
			cs.Transition = in.Transition
			if t, ok := in.Transitions[sc.ID]; ok {
				cs.Transition = t
			}
		}
		req.Scenes = append(req.Scenes, cs)

		if text := strings.TrimSpace(in.Captions[sc.ID]); text != "" {
			req.Captions = append(req.Captions, compCaption{Text: text, Start: at, End: at + seconds})
		}
		at += seconds
	}
	for id := range in.Captions {
		if !containsScene(scenes, id) {
			return nil, apperr.Invalid("caption for unknown scene " + id.String())
		}
	}
	for id := range in.Transitions {
		if !containsScene(scenes, id) {
			return nil, apperr.Invalid("transition for unknown scene " + id.String())
		}
	}
	req.SRT = srt(req.Captions)
	return req, nil
}

func (s *Service) latestAudio(ctx context.Context, projectID uuid.UUID, kind string, volume float64) (*compAudio, error) {
	job, err := s.Store.LatestCompleted(ctx, projectID, kind)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s: %w", kind, err)
	}
	if job.ResultURL == nil {
		return nil, nil
	}
	return &compAudio{AudioURL: *job.ResultURL, Volume: volume}, nil
}

func (s *Service) notifyComposed(ctx context.Context, job *models.GenerationJob, url string) {
	s.Notifier.Notify(ctx, models.Notification{
		UserID:  job.UserID,
		Type:    models.NotificationCompositionReady,
		Title:   "Your film is ready",
		Message: "The final render of your project has finished.",
		Metadata: map[string]any{
			"job_id":     job.ID.String(),
			"project_id": job.ProjectID.String(),
			"url":        url,
		},
	})
}

func sceneLabel(sc *models.Scene, i int) string {
	if sc.Title != "" {
		return sc.Title
	}
	return fmt.Sprintf("#%d", i+1)
}

func containsScene(scenes []*models.Scene, id uuid.UUID) bool {
	return slices.ContainsFunc(scenes, func(sc *models.Scene) bool { return sc.ID == id })
}

// srt renders captions as a SubRip subtitle file.
func srt(captions []compCaption) string {
	var b strings.Builder
	for i, c := range captions {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, srtTime(c.Start), srtTime(c.End), c.Text)
	}
	return b.String()
}

func srtTime(seconds float64) string {
	ms := int64(seconds*1000 + 0.5)
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	sec := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, sec, ms%1000)
}
