package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProviderKey is a user-supplied credential for a generation provider.
type ProviderKey struct {
	UserID    uuid.UUID `json:"user_id"`
	Provider  string    `json:"provider"`
	APIKey    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
