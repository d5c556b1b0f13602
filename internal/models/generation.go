package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Generation job status enums.
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Media kinds a provider can generate. They double as pricing keys.
const (
	KindImage     = "image"
	KindVideo     = "video"
	KindVoiceover = "voiceover"
	KindMusic     = "music"
	// KindComposition renders the ordered scenes, voiceover and music into
	// the final film.
	KindComposition = "composition"
)

type GenerationJob struct {
	ID                    uuid.UUID       `json:"id"`
	UserID                uuid.UUID       `json:"user_id"`
	ProjectID             uuid.UUID       `json:"project_id"`
	SceneID               *uuid.UUID      `json:"scene_id,omitempty"`
	Kind                  string          `json:"kind"`
	Provider              string          `json:"provider"`
	Status                string          `json:"status"`
	Input                 json.RawMessage `json:"input"`
	ResultURL             *string         `json:"result_url,omitempty"`
	Error                 *string         `json:"error,omitempty"`
	Credits               int             `json:"credits"`
	RealCost              float64         `json:"real_cost"`
	UseOwnKey             bool            `json:"use_own_key"`
	RegenerationRequestID *uuid.UUID      `json:"regeneration_request_id,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}
