// Package auth registers users and issues the bearer tokens the API accepts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/filmgen/backend/internal/ledger"
	"github.com/filmgen/backend/internal/logger"
	"github.com/filmgen/backend/internal/models"
)

var (
	// ErrDuplicateEmail is returned when registering with an email that already exists.
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

const minPasswordLen = 8

// Users is implemented by *Repository.
type Users interface {
	Create(ctx context.Context, u *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Credits grants the signup bonus.
type Credits interface {
	Add(ctx context.Context, p ledger.AddParams) (*models.Balance, error)
}

type Options struct {
	Secret      string
	TTL         time.Duration
	SignupBonus int
	Logger      *slog.Logger
	Now         func() time.Time
}

type Service struct {
	users   Users
	credits Credits
	secret  []byte
	ttl     time.Duration
	bonus   int
	now     func() time.Time
	log     *slog.Logger
}

func NewService(users Users, credits Credits, opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		users:   users,
		credits: credits,
		secret:  []byte(opts.Secret),
		ttl:     opts.TTL,
		bonus:   opts.SignupBonus,
		now:     opts.Now,
		log:     logger.OrDefault(opts.Logger),
	}
}

// ValidationError reports bad registration input.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

// Register creates a user and grants the signup bonus. A failed grant is
// logged; the account still exists.
func (s *Service) Register(ctx context.Context, email, password, name string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, &ValidationError{Msg: "invalid email"}
	}
	if len(password) < minPasswordLen {
		return nil, &ValidationError{Msg: fmt.Sprintf("password must be at least %d characters", minPasswordLen)}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u := &models.User{Email: email, Name: strings.TrimSpace(name), PasswordHash: string(hash)}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	if s.bonus > 0 {
		_, err := s.credits.Add(ctx, ledger.AddParams{
			UserID:      u.ID,
			Amount:      s.bonus,
			Type:        models.TxTypeBonus,
			Description: "Welcome bonus",
		})
		if err != nil {
			s.log.Error("signup bonus failed", "user_id", u.ID, "error", err)
		}
	}
	s.log.Info("user registered", "user_id", u.ID)
	return u, nil
}

// Login checks the password and returns a signed token.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	u, err := s.users.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, ErrUserNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(u.ID)
}

func (s *Service) issueToken(userID uuid.UUID) (string, error) {
	now := s.now()
	c := jwt.RegisteredClaims{
		Subject:   userID.String(),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

// ValidateToken returns the user a token was issued to. It satisfies
// middleware.TokenValidator.
func (s *Service) ValidateToken(_ context.Context, token string) (uuid.UUID, error) {
	var c jwt.RegisteredClaims
	tok, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !tok.Valid {
		return uuid.Nil, ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	return id, nil
}

// Me returns the user behind an authenticated request.
func (s *Service) Me(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	return s.users.GetByID(ctx, userID)
}
