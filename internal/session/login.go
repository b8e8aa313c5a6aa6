package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/snapy/snapy/backend/go-session/internal/models"
)

// APIError is a non-2xx answer from the auth endpoints.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("auth api returned %d", e.Status)
	}
	return fmt.Sprintf("auth api returned %d: %s", e.Status, e.Message)
}

// LoginResponse is the body of a successful POST /auth/login.
type LoginResponse struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	ExpiresIn    int64        `json:"expiresIn"`
	User         *models.User `json:"user"`
}

// Login exchanges credentials for a session and stores the triple and profile.
func (m *Manager) Login(ctx context.Context, email, password string) (*models.User, error) {
	var out LoginResponse
	if err := m.postJSON(ctx, loginPath, "", map[string]string{"email": email, "password": password}, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		return nil, fmt.Errorf("login response is missing tokens")
	}
	if err := m.SaveTokens(ctx, out.AccessToken, out.RefreshToken, out.ExpiresIn); err != nil {
		return nil, fmt.Errorf("store tokens: %w", err)
	}
	if out.User != nil {
		if err := m.SaveUser(ctx, out.User); err != nil {
			return nil, fmt.Errorf("store user: %w", err)
		}
	}
	m.log.Infof("logged in (expires in %ds)", out.ExpiresIn)
	return out.User, nil
}

// Revoke asks the server to invalidate the stored refresh token. It does not
// touch local state; call Logout afterwards.
func (m *Manager) Revoke(ctx context.Context) error {
	rt, ok := m.RefreshToken(ctx)
	if !ok {
		return nil
	}
	at, _ := m.AccessToken(ctx)
	return m.postJSON(ctx, logoutPath, at, map[string]string{"refreshToken": rt}, nil)
}

func (m *Manager) postJSON(ctx context.Context, path, bearer string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		var e struct {
			Error string `json:"error"`
		}
		msg := ""
		if json.Unmarshal(b, &e) == nil {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
