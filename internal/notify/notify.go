// Package notify persists user notifications and optionally mirrors them by
// email. Delivery failures are logged and never surface to callers.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/filmgen/backend/internal/logger"
	"github.com/filmgen/backend/internal/models"
)

// Store is implemented by repository.NotificationRepo.
type Store interface {
	Create(ctx context.Context, n *models.Notification) error
	List(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*models.Notification, error)
	MarkRead(ctx context.Context, userID, id uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Users resolves a recipient's email address for the mail copy.
type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type Mailer interface {
	Send(ctx context.Context, toEmail, toName, subject, body string) error
}

// mailTimeout bounds one background email delivery.
const mailTimeout = 30 * time.Second

type Service struct {
	store  Store
	users  Users
	mailer Mailer
	log    *slog.Logger
	mail   sync.WaitGroup
}

// NewService builds the notification sink. users and mailer may be nil, in
// which case no email is sent.
func NewService(store Store, users Users, mailer Mailer, log *slog.Logger) *Service {
	return &Service{store: store, users: users, mailer: mailer, log: logger.OrDefault(log)}
}

// Notify records n for its recipient. The email copy is sent in the
// background; Wait blocks until pending copies are out.
func (s *Service) Notify(ctx context.Context, n models.Notification) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if err := s.store.Create(ctx, &n); err != nil {
		s.log.Error("notification not stored", "user_id", n.UserID, "type", n.Type, "error", err)
		return
	}
	if s.mailer == nil || s.users == nil {
		return
	}
	mailCtx := context.WithoutCancel(ctx)
	s.mail.Add(1)
	go func() {
		defer s.mail.Done()
		ctx, cancel := context.WithTimeout(mailCtx, mailTimeout)
		defer cancel()
		s.sendMail(ctx, n)
	}()
}

func (s *Service) sendMail(ctx context.Context, n models.Notification) {
	u, err := s.users.GetByID(ctx, n.UserID)
	if err != nil {
		s.log.Warn("notification email skipped: recipient lookup failed", "user_id", n.UserID, "error", err)
		return
	}
	if err := s.mailer.Send(ctx, u.Email, u.Name, n.Title, n.Message); err != nil {
		s.log.Warn("notification email failed", "user_id", n.UserID, "type", n.Type, "error", err)
	}
}

// Wait blocks until background emails finish or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.mail.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) List(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.List(ctx, userID, unreadOnly, limit, offset)
}

func (s *Service) MarkRead(ctx context.Context, userID, id uuid.UUID) error {
	return s.store.MarkRead(ctx, userID, id)
}

func (s *Service) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.store.MarkAllRead(ctx, userID)
}
