package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filmgen/backend/internal/models"
)

type NotificationRepo struct {
	pool *pgxpool.Pool
}

func NewNotificationRepo(pool *pgxpool.Pool) *NotificationRepo {
	return &NotificationRepo{pool: pool}
}

func (r *NotificationRepo) Create(ctx context.Context, n *models.Notification) error {
	var meta []byte
	if len(n.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(n.Metadata); err != nil {
			return err
		}
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, metadata, action_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, n.ID, n.UserID, n.Type, n.Title, n.Message, meta, n.ActionURL).Scan(&n.CreatedAt)
}

func (r *NotificationRepo) List(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*models.Notification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, type, title, message, metadata, action_url, read, created_at
		FROM notifications
		WHERE user_id = $1 AND (NOT $2 OR read = false)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, userID, unreadOnly, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Notification
	for rows.Next() {
		var n models.Notification
		var meta []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &meta, &n.ActionURL, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &n.Metadata); err != nil {
				return nil, err
			}
		}
		list = append(list, &n)
	}
	return list, rows.Err()
}

// MarkRead flags one notification owned by userID as read.
func (r *NotificationRepo) MarkRead(ctx context.Context, userID, id uuid.UUID) error {
	return mapNotFound(rowsAffected(r.pool.Exec(ctx, `
		UPDATE notifications SET read = true WHERE id = $1 AND user_id = $2
	`, id, userID)))
}

func (r *NotificationRepo) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE notifications SET read = true WHERE user_id = $1 AND read = false`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
