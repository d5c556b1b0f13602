package models

import (
	"time"

	"github.com/google/uuid"
)

// credit_transactions.type values. Spending types match the pricing table keys.
const (
	TxTypeImage       = "image"
	TxTypeVideo       = "video"
	TxTypeVoiceover   = "voiceover"
	TxTypeMusic       = "music"
	TxTypeScene       = "scene"
	TxTypeCharacter   = "character"
	TxTypeComposition = "composition"
	TxTypePurchase    = "purchase"
	TxTypeBonus       = "bonus"
	TxTypeRefund      = "refund"
)

// Balance is the per-user row in user_credits. Balance never goes negative.
type Balance struct {
	UserID      uuid.UUID `json:"user_id"`
	Balance     int       `json:"balance"`
	TotalEarned int       `json:"total_earned"`
	TotalSpent  int       `json:"total_spent"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Transaction is an append-only ledger entry. Amount is negative for spends,
// positive for grants and zero for own-key usage tracking.
type Transaction struct {
	ID          uuid.UUID      `json:"id"`
	UserID      uuid.UUID      `json:"user_id"`
	Amount      int            `json:"amount"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	ProjectID   *uuid.UUID     `json:"project_id,omitempty"`
	Provider    *string        `json:"provider,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	RealCost    *float64       `json:"real_cost,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
