package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/snapy/snapy/backend/go-session/internal/models"
)

// Claims carried by access tokens minted by the dev auth server.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// GenerateAccessToken creates a signed HS256 access token for the user.
func GenerateAccessToken(secret string, u *models.User, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Email: u.Email,
		Name:  u.Name,
		Role:  u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	jt := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return jt.SignedString([]byte(secret))
}

// ParseAccessToken verifies signature and expiry and returns the claims.
func ParseAccessToken(secret, raw string) (*Claims, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Verifier checks HS256 access tokens signed with Secret.
type Verifier struct {
	Secret string
}

func (v Verifier) Verify(_ context.Context, raw string) (*Claims, error) {
	return ParseAccessToken(v.Secret, raw)
}

// ExpiryUnverified reads the exp claim without verifying the signature. The
// session client uses it for display only; it never trusts it for decisions.
func ExpiryUnverified(raw string) (time.Time, error) {
	var c jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &c); err != nil {
		return time.Time{}, err
	}
	if c.ExpiresAt == nil {
		return time.Time{}, errors.New("exp claim not present")
	}
	return c.ExpiresAt.Time, nil
}

// RemainingTTL is the time left before raw expires, for blacklisting. Tokens
// that cannot be parsed or are already expired yield zero.
func RemainingTTL(raw string, now time.Time) time.Duration {
	exp, err := ExpiryUnverified(raw)
	if err != nil {
		return 0
	}
	if d := exp.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Describe renders "expires in 59m0s" style text for the CLI.
func Describe(raw string, now time.Time) string {
	exp, err := ExpiryUnverified(raw)
	if err != nil {
		return "opaque token"
	}
	if !now.Before(exp) {
		return fmt.Sprintf("jwt expired %s ago", now.Sub(exp).Truncate(time.Second))
	}
	return fmt.Sprintf("jwt expires in %s", exp.Sub(now).Truncate(time.Second))
}
