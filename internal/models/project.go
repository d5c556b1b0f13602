package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

// project_members.role values. The owner is not stored as a member.
const (
	MemberRoleAdmin        = "admin"
	MemberRoleCollaborator = "collaborator"
	MemberRoleReader       = "reader"
)

// Project is owned by UserID. ModelConfig selects the provider per media kind,
// e.g. {"image":{"provider":"modal-image","params":{"steps":30}}}.
type Project struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	Name        string          `json:"name"`
	Visibility  string          `json:"visibility"`
	ModelConfig json.RawMessage `json:"model_config,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type ProjectMember struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	UserID    uuid.UUID `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Scene prompt fields that may be edited through a prompt-edit request.
const (
	FieldImagePrompt = "image_prompt"
	FieldVideoPrompt = "video_prompt"
)

type Scene struct {
	ID          uuid.UUID `json:"id"`
	ProjectID   uuid.UUID `json:"project_id"`
	Position    int       `json:"position"`
	Title       string    `json:"title"`
	Prompt      string    `json:"prompt"`
	ImagePrompt string    `json:"image_prompt"`
	VideoPrompt string    `json:"video_prompt"`
	ImageURL    *string   `json:"image_url,omitempty"`
	VideoURL    *string   `json:"video_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Character struct {
	ID          uuid.UUID `json:"id"`
	ProjectID   uuid.UUID `json:"project_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	ImageURL    *string   `json:"image_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
