package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/filmgen/backend/internal/logger"
	"github.com/filmgen/backend/internal/metrics"
	"github.com/filmgen/backend/internal/models"
	"github.com/filmgen/backend/internal/repository"
)

// ErrInvalidAmount is returned for a non-positive spend or grant.
var ErrInvalidAmount = errors.New("amount must be positive")

// ErrUnknownAction is returned by Cost for an action with no price.
var ErrUnknownAction = errors.New("unknown billable action")

// InsufficientCreditsError reports a short balance to callers that must fail
// rather than return a SpendResult.
type InsufficientCreditsError struct {
	Required int
	Balance  int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, balance %d", e.Required, e.Balance)
}

// SpendParams describes one debit. Amount is in credits and must be > 0.
type SpendParams struct {
	UserID      uuid.UUID
	Amount      int
	Type        string
	Description string
	ProjectID   *uuid.UUID
	Provider    *string
	Metadata    map[string]any
	RealCost    *float64
}

// SpendResult is the outcome of a spend. A short balance is Success=false,
// not an error.
type SpendResult struct {
	Success  bool   `json:"success"`
	Balance  int    `json:"balance"`
	Required int    `json:"required,omitempty"`
	Error    string `json:"error,omitempty"`
}

type AddParams struct {
	UserID      uuid.UUID
	Amount      int
	Type        string
	Description string
	ProjectID   *uuid.UUID
	Metadata    map[string]any
}

// TrackParams records provider usage paid with the user's own key.
type TrackParams struct {
	UserID      uuid.UUID
	Type        string
	Description string
	ProjectID   *uuid.UUID
	Provider    string
	Metadata    map[string]any
	RealCost    float64
}

type BalanceCheck struct {
	HasEnough bool `json:"has_enough"`
	Balance   int  `json:"balance"`
	Required  int  `json:"required"`
}

type Service interface {
	GetOrCreateBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
	CheckBalance(ctx context.Context, userID uuid.UUID, required int) (BalanceCheck, error)
	Spend(ctx context.Context, p SpendParams) (SpendResult, error)
	Add(ctx context.Context, p AddParams) (*models.Balance, error)
	Refund(ctx context.Context, userID uuid.UUID, amount int, description string, projectID *uuid.UUID, metadata map[string]any) (*models.Balance, error)
	TrackRealCostOnly(ctx context.Context, p TrackParams) error
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Transaction, error)
	Cost(action string) (int, error)
}

type service struct {
	repo   Repository
	prices map[string]int
	log    *slog.Logger
}

// NewService builds the ledger over repo. prices maps an action type to its
// credit cost.
func NewService(repo Repository, prices map[string]int, log *slog.Logger) Service {
	p := make(map[string]int, len(prices))
	for k, v := range prices {
		p[k] = v
	}
	return &service{repo: repo, prices: p, log: logger.OrDefault(log)}
}

var _ Service = (*service)(nil)

func (s *service) GetOrCreateBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	return s.repo.GetOrCreate(ctx, userID)
}

// CheckBalance is read only. A user without a balance row has zero credits.
func (s *service) CheckBalance(ctx context.Context, userID uuid.UUID, required int) (BalanceCheck, error) {
	balance := 0
	b, err := s.repo.Get(ctx, userID)
	switch {
	case err == nil:
		balance = b.Balance
	case errors.Is(err, repository.ErrNotFound):
	default:
		return BalanceCheck{}, err
	}
	return BalanceCheck{HasEnough: balance >= required, Balance: balance, Required: required}, nil
}

// Spend deducts p.Amount and appends a -Amount transaction atomically. The
// deduction is a single conditional update, so concurrent spends can never
// drive the balance below zero.
func (s *service) Spend(ctx context.Context, p SpendParams) (SpendResult, error) {
	if p.Amount <= 0 {
		return SpendResult{}, ErrInvalidAmount
	}
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return SpendResult{}, err
	}
	defer tx.Rollback(ctx)

	if err := s.repo.EnsureTx(ctx, tx, p.UserID); err != nil {
		return SpendResult{}, err
	}
	b, err := s.repo.DebitTx(ctx, tx, p.UserID, p.Amount)
	if errors.Is(err, repository.ErrConditionFailed) {
		current, err := s.repo.GetTx(ctx, tx, p.UserID)
		if err != nil {
			return SpendResult{}, err
		}
		metrics.LedgerOperations.WithLabelValues("spend", "insufficient").Inc()
		return SpendResult{
			Success:  false,
			Balance:  current.Balance,
			Required: p.Amount,
			Error:    "insufficient credits",
		}, nil
	}
	if err != nil {
		return SpendResult{}, err
	}

	entry := &models.Transaction{
		ID:          uuid.New(),
		UserID:      p.UserID,
		Amount:      -p.Amount,
		Type:        p.Type,
		Description: p.Description,
		ProjectID:   p.ProjectID,
		Provider:    p.Provider,
		Metadata:    p.Metadata,
		RealCost:    p.RealCost,
	}
	if err := s.repo.InsertTransactionTx(ctx, tx, entry); err != nil {
		return SpendResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return SpendResult{}, err
	}

	metrics.LedgerOperations.WithLabelValues("spend", "ok").Inc()
	metrics.CreditsMoved.WithLabelValues("spent", p.Type).Add(float64(p.Amount))
	s.log.Info("credits spent", "user_id", p.UserID, "amount", p.Amount, "type", p.Type, "balance", b.Balance)
	return SpendResult{Success: true, Balance: b.Balance}, nil
}

// Add grants p.Amount credits and appends a positive transaction atomically.
func (s *service) Add(ctx context.Context, p AddParams) (*models.Balance, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.repo.EnsureTx(ctx, tx, p.UserID); err != nil {
		return nil, err
	}
	b, err := s.repo.CreditTx(ctx, tx, p.UserID, p.Amount)
	if err != nil {
		return nil, err
	}
	entry := &models.Transaction{
		ID:          uuid.New(),
		UserID:      p.UserID,
		Amount:      p.Amount,
		Type:        p.Type,
		Description: p.Description,
		ProjectID:   p.ProjectID,
		Metadata:    p.Metadata,
	}
	if err := s.repo.InsertTransactionTx(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	metrics.LedgerOperations.WithLabelValues("add", "ok").Inc()
	metrics.CreditsMoved.WithLabelValues("granted", p.Type).Add(float64(p.Amount))
	s.log.Info("credits added", "user_id", p.UserID, "amount", p.Amount, "type", p.Type, "balance", b.Balance)
	return b, nil
}

func (s *service) Refund(ctx context.Context, userID uuid.UUID, amount int, description string, projectID *uuid.UUID, metadata map[string]any) (*models.Balance, error) {
	return s.Add(ctx, AddParams{
		UserID:      userID,
		Amount:      amount,
		Type:        models.TxTypeRefund,
		Description: description,
		ProjectID:   projectID,
		Metadata:    metadata,
	})
}

// TrackRealCostOnly appends a zero-amount transaction carrying the provider's
// real cost. The balance is not touched.
func (s *service) TrackRealCostOnly(ctx context.Context, p TrackParams) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := s.repo.EnsureTx(ctx, tx, p.UserID); err != nil {
		return err
	}
	provider := p.Provider
	realCost := p.RealCost
	entry := &models.Transaction{
		ID:          uuid.New(),
		UserID:      p.UserID,
		Amount:      0,
		Type:        p.Type,
		Description: p.Description,
		ProjectID:   p.ProjectID,
		Provider:    &provider,
		Metadata:    p.Metadata,
		RealCost:    &realCost,
	}
	if err := s.repo.InsertTransactionTx(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	metrics.LedgerOperations.WithLabelValues("track", "ok").Inc()
	return nil
}

func (s *service) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListTransactions(ctx, userID, limit, offset)
}

// Cost returns the credit price of action.
func (s *service) Cost(action string) (int, error) {
	c, ok := s.prices[action]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return c, nil
}
