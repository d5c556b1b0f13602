package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	NotificationRequestApproved     = "request_approved"
	NotificationRequestRejected     = "request_rejected"
	NotificationDeletionRequest     = "deletion_request"
	NotificationRegenerationRequest = "regeneration_request"
	NotificationPromptEditRequest   = "prompt_edit_request"
	NotificationRegenerationReady   = "regeneration_ready"
	NotificationGenerationFailed    = "generation_failed"
	NotificationCompositionReady    = "composition_ready"
)

type Notification struct {
	ID        uuid.UUID      `json:"id"`
	UserID    uuid.UUID      `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ActionURL *string        `json:"action_url,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
}
