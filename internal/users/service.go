package users

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/snapy/snapy/backend/go-session/internal/config"
	"github.com/snapy/snapy/backend/go-session/internal/models"
)

// ErrInvalidCredentials covers both unknown emails and wrong passwords.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service encapsulates user-related business logic
type Service struct {
	repo UserRepository
	cost int
}

func NewService(r UserRepository) *Service {
	return &Service{repo: r, cost: bcrypt.DefaultCost}
}

// Register creates or replaces the account for email with a hashed password.
func (s *Service) Register(ctx context.Context, email, password, name, role string) (*models.User, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("email and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	if role == "" {
		role = "user"
	}
	a, err := s.repo.UpsertByEmail(ctx, &models.Account{
		User:         models.User{Email: email, Name: name, Role: role},
		PasswordHash: string(hash),
	})
	if err != nil {
		return nil, err
	}
	return &a.User, nil
}

// Seed registers the configured development accounts.
func (s *Service) Seed(ctx context.Context, devUsers []config.DevUser) error {
	for _, u := range devUsers {
		if _, err := s.Register(ctx, u.Email, u.Password, u.Email, u.Role); err != nil {
			return fmt.Errorf("seed %s: %w", u.Email, err)
		}
	}
	return nil
}

// Authenticate checks the password and returns the public profile.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	a, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &a.User, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*models.User, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil || a == nil {
		return nil, err
	}
	return &a.User, nil
}
