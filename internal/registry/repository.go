package registry

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filmgen/backend/internal/models"
)

// KeyRepository stores users' own provider credentials.
type KeyRepository struct {
	pool *pgxpool.Pool
}

func NewKeyRepository(pool *pgxpool.Pool) *KeyRepository {
	return &KeyRepository{pool: pool}
}

// GetUserKey returns the user's key for provider; ok is false when none is
// stored.
func (r *KeyRepository) GetUserKey(ctx context.Context, userID uuid.UUID, provider string) (string, bool, error) {
	var key string
	err := r.pool.QueryRow(ctx, `
		SELECT api_key FROM user_provider_keys WHERE user_id = $1 AND provider = $2
	`, userID, provider).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return key, true, nil
}

func (r *KeyRepository) SetUserKey(ctx context.Context, userID uuid.UUID, provider, key string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_provider_keys (user_id, provider, api_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, provider) DO UPDATE SET api_key = EXCLUDED.api_key
	`, userID, provider, key)
	return err
}

func (r *KeyRepository) DeleteUserKey(ctx context.Context, userID uuid.UUID, provider string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM user_provider_keys WHERE user_id = $1 AND provider = $2`, userID, provider)
	return err
}

func (r *KeyRepository) ListUserKeys(ctx context.Context, userID uuid.UUID) ([]*models.ProviderKey, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, provider, created_at FROM user_provider_keys WHERE user_id = $1 ORDER BY provider
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.ProviderKey{}
	for rows.Next() {
		var k models.ProviderKey
		if err := rows.Scan(&k.UserID, &k.Provider, &k.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &k)
	}
	return list, rows.Err()
}
