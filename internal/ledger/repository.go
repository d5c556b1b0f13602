package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/filmgen/backend/internal/models"
)

// Repository is the persistence the ledger needs. repository.CreditRepo
// implements it against Postgres. DebitTx must be a single conditional update
// and return repository.ErrConditionFailed when the balance is short.
type Repository interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Get(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
	GetOrCreate(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
	EnsureTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
	GetTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Balance, error)
	DebitTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (*models.Balance, error)
	CreditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (*models.Balance, error)
	InsertTransactionTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Transaction, error)
}
