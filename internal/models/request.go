package models

import (
	"time"

	"github.com/google/uuid"
)

// Approval request lifecycle. approved and rejected are terminal.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
)

// Request target types. image and video target a scene's media.
const (
	TargetProject   = "project"
	TargetScene     = "scene"
	TargetCharacter = "character"
	TargetVideo     = "video"
	TargetImage     = "image"
)

type DeletionRequest struct {
	ID          uuid.UUID  `json:"id"`
	ProjectID   uuid.UUID  `json:"project_id"`
	RequesterID uuid.UUID  `json:"requester_id"`
	TargetType  string     `json:"target_type"`
	TargetID    uuid.UUID  `json:"target_id"`
	Reason      *string    `json:"reason,omitempty"`
	Status      string     `json:"status"`
	ReviewedBy  *uuid.UUID `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`
	ReviewNote  *string    `json:"review_note,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RegenerationRequest asks for a scene's image or video to be generated
// again. Requests created together share a BatchID and are resolved together.
type RegenerationRequest struct {
	ID           uuid.UUID  `json:"id"`
	ProjectID    uuid.UUID  `json:"project_id"`
	RequesterID  uuid.UUID  `json:"requester_id"`
	TargetType   string     `json:"target_type"`
	TargetID     uuid.UUID  `json:"target_id"`
	BatchID      *uuid.UUID `json:"batch_id,omitempty"`
	Reason       *string    `json:"reason,omitempty"`
	Status       string     `json:"status"`
	AttemptsUsed int        `json:"attempts_used"`
	// AttemptsReserved counts queued plus finished attempts.
	AttemptsReserved int        `json:"attempts_reserved"`
	MaxAttempts      int        `json:"max_attempts"`
	GeneratedURLs    []string   `json:"generated_urls"`
	SelectedURL      *string    `json:"selected_url,omitempty"`
	ReviewedBy       *uuid.UUID `json:"reviewed_by,omitempty"`
	ReviewedAt       *time.Time `json:"reviewed_at,omitempty"`
	ReviewNote       *string    `json:"review_note,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// PromptEditRequest proposes NewValue for one prompt field of a scene.
type PromptEditRequest struct {
	ID          uuid.UUID  `json:"id"`
	ProjectID   uuid.UUID  `json:"project_id"`
	RequesterID uuid.UUID  `json:"requester_id"`
	TargetType  string     `json:"target_type"`
	TargetID    uuid.UUID  `json:"target_id"`
	FieldName   string     `json:"field_name"`
	OldValue    string     `json:"old_value"`
	NewValue    string     `json:"new_value"`
	Reason      *string    `json:"reason,omitempty"`
	Status      string     `json:"status"`
	ReviewedBy  *uuid.UUID `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`
	ReviewNote  *string    `json:"review_note,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
