package users

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/snapy/snapy/backend/go-session/internal/config"
	"github.com/snapy/snapy/backend/go-session/internal/models"
)

type fakeRepo struct {
	lastUpsert *models.Account
	upsertErr  error
}

func (f *fakeRepo) UpsertByEmail(ctx context.Context, a *models.Account) (*models.Account, error) {
	f.lastUpsert = a
	ret := *a
	ret.ID = "abcd1234"
	return &ret, f.upsertErr
}

func (f *fakeRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return nil, nil
}

func (f *fakeRepo) GetByID(ctx context.Context, id string) (*models.Account, error) {
	return nil, nil
}

func newTestService(r UserRepository) *Service {
	s := NewService(r)
	s.cost = bcrypt.MinCost
	return s
}

func TestRegister_HashesPassword(t *testing.T) {
	repo := &fakeRepo{}
	svc := newTestService(repo)

	u, err := svc.Register(context.Background(), "x@example.com", "secret", "X User", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.ID != "abcd1234" || u.Role != "user" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if repo.lastUpsert.PasswordHash == "secret" || repo.lastUpsert.PasswordHash == "" {
		t.Fatalf("password must be stored hashed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(repo.lastUpsert.PasswordHash), []byte("secret")); err != nil {
		t.Fatalf("hash does not match: %v", err)
	}

	repo.upsertErr = errors.New("db down")
	if _, err := svc.Register(context.Background(), "x@example.com", "secret", "", ""); err == nil {
		t.Fatal("expected repository error")
	}
	if _, err := svc.Register(context.Background(), "", "secret", "", ""); err == nil {
		t.Fatal("expected error for missing email")
	}
}

func TestAuthenticate(t *testing.T) {
	svc := newTestService(NewMemoryUserRepository())
	ctx := context.Background()
	err := svc.Seed(ctx, []config.DevUser{
		{Email: "demo@snapy.dev", Password: "demo", Role: "user"},
		{Email: "admin@snapy.dev", Password: "admin", Role: "admin"},
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	u, err := svc.Authenticate(ctx, "Admin@Snapy.dev", "admin")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if u.Role != "admin" || u.ID == "" {
		t.Fatalf("unexpected user: %+v", u)
	}

	byID, err := svc.GetByID(ctx, u.ID)
	if err != nil || byID == nil || byID.Email != "admin@snapy.dev" {
		t.Fatalf("lookup by id failed: %+v %v", byID, err)
	}

	if _, err := svc.Authenticate(ctx, "admin@snapy.dev", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "nobody@snapy.dev", "admin"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestMemoryUserRepository_UpsertKeepsIdentity(t *testing.T) {
	repo := NewMemoryUserRepository()
	ctx := context.Background()
	first, _ := repo.UpsertByEmail(ctx, &models.Account{User: models.User{Email: "a@b.c", Role: "user"}})
	second, _ := repo.UpsertByEmail(ctx, &models.Account{User: models.User{Email: "A@B.C", Role: "admin"}})

	if first.ID != second.ID {
		t.Fatalf("expected stable ID, got %s and %s", first.ID, second.ID)
	}
	if second.CreatedAt != first.CreatedAt || second.UpdatedAt.Before(first.UpdatedAt) {
		t.Fatalf("unexpected timestamps: %+v %+v", first, second)
	}
	got, _ := repo.GetByEmail(ctx, "a@b.c")
	if got.Role != "admin" {
		t.Fatalf("expected role to be updated, got %s", got.Role)
	}
}
