package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filmgen/backend/internal/models"
)

type CreditRepo struct {
	pool *pgxpool.Pool
}

func NewCreditRepo(pool *pgxpool.Pool) *CreditRepo {
	return &CreditRepo{pool: pool}
}

func (r *CreditRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const balanceColumns = `user_id, balance, total_earned, total_spent, created_at, updated_at`

func scanBalance(row pgx.Row) (*models.Balance, error) {
	var b models.Balance
	if err := row.Scan(&b.UserID, &b.Balance, &b.TotalEarned, &b.TotalSpent, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &b, nil
}

// Get returns the balance row or ErrNotFound.
func (r *CreditRepo) Get(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	return scanBalance(r.pool.QueryRow(ctx, `SELECT `+balanceColumns+` FROM user_credits WHERE user_id = $1`, userID))
}

// GetOrCreate returns the balance row, inserting a zeroed one on first access.
// Concurrent first accesses converge on a single row.
func (r *CreditRepo) GetOrCreate(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO user_credits (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return nil, err
	}
	return r.Get(ctx, userID)
}

// EnsureTx inserts a zeroed balance row inside tx if none exists.
func (r *CreditRepo) EnsureTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO user_credits (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	return err
}

func (r *CreditRepo) GetTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Balance, error) {
	return scanBalance(tx.QueryRow(ctx, `SELECT `+balanceColumns+` FROM user_credits WHERE user_id = $1`, userID))
}

// DebitTx atomically deducts amount if balance >= amount. A short balance
// returns ErrConditionFailed and leaves the row untouched.
func (r *CreditRepo) DebitTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (*models.Balance, error) {
	b, err := scanBalance(tx.QueryRow(ctx, `
		UPDATE user_credits
		SET balance = balance - $1, total_spent = total_spent + $1, updated_at = now()
		WHERE user_id = $2 AND balance >= $1
		RETURNING `+balanceColumns, amount, userID))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConditionFailed
	}
	return b, err
}

// CreditTx adds amount to balance and total_earned.
func (r *CreditRepo) CreditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (*models.Balance, error) {
	return scanBalance(tx.QueryRow(ctx, `
		UPDATE user_credits
		SET balance = balance + $1, total_earned = total_earned + $1, updated_at = now()
		WHERE user_id = $2
		RETURNING `+balanceColumns, amount, userID))
}

// InsertTransactionTx appends a ledger entry inside tx.
func (r *CreditRepo) InsertTransactionTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	var meta []byte
	if len(t.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(t.Metadata); err != nil {
			return err
		}
	}
	return tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, type, description, project_id, provider, metadata, real_cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, t.ID, t.UserID, t.Amount, t.Type, t.Description, t.ProjectID, t.Provider, meta, t.RealCost).Scan(&t.CreatedAt)
}

func (r *CreditRepo) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, amount, type, description, project_id, provider, metadata, real_cost, created_at
		FROM credit_transactions WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		var meta []byte
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &t.Description, &t.ProjectID, &t.Provider, &meta, &t.RealCost, &t.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Metadata); err != nil {
				return nil, err
			}
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
