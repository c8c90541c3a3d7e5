// Package authpw provides email/password registration and sign-in.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"postwork/api/internal/apperr"
	"postwork/api/internal/auth"
	"postwork/api/internal/store"
	"postwork/api/internal/util"
)

const minPasswordLength = 8

// ErrInvalidCredentials is returned for an unknown email or a wrong password.
// The two cases are not distinguished.
var ErrInvalidCredentials = errors.New("invalid email or password")

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

// Service provides email/password authentication
type Service struct {
	store     UserStore
	secret    []byte
	accessTTL time.Duration
	cost      int
}

// NewService creates a new auth service
func NewService(store UserStore, secret string, accessTTL time.Duration) *Service {
	return &Service{
		store:     store,
		secret:    []byte(secret),
		accessTTL: accessTTL,
		cost:      bcrypt.DefaultCost,
	}
}

// RegisterRequest contains sign-up parameters
type RegisterRequest struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Session is a signed-in user plus the access token issued for them.
type Session struct {
	Token     string
	ExpiresAt time.Time
	User      store.User
}

// Register creates a new user account and signs it in.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Session, error) {
	name := strings.TrimSpace(req.Name)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if name == "" || email == "" || req.Password == "" {
		return Session{}, apperr.Validation("name, email, and password are required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return Session{}, apperr.Validation("email is invalid")
	}
	if len(req.Password) < minPasswordLength {
		return Session{}, apperr.Validation(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return Session{}, apperr.Conflict("email already registered")
		}
		return Session{}, apperr.Storage(err, "create user")
	}
	return s.issue(user)
}

// SignIn authenticates a user and issues an access token.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (Session, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		return Session{}, apperr.Validation("email and password are required")
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, apperr.Storage(err, "load user")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return Session{}, ErrInvalidCredentials
	}
	return s.issue(user)
}

// Authenticate verifies an access token and returns its claims.
func (s *Service) Authenticate(token string) (auth.Claims, error) {
	return auth.ParseToken(s.secret, token)
}

func (s *Service) issue(user store.User) (Session, error) {
	token, expiresAt, err := auth.IssueToken(s.secret, user.ID, user.Name, user.Email, s.accessTTL)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, ExpiresAt: expiresAt, User: user}, nil
}
