package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/snapy/snapy/backend/go-session/pkg/metrics"
)

// RefreshResponse is the body of a successful POST /auth/refresh.
type RefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// errRefreshFailed marks a ValidToken failure where the refresh path has
// already cleared the session.
var errRefreshFailed = fmt.Errorf("%w: refresh failed", ErrNoSession)

// RefreshAccessToken exchanges the stored refresh token for a new triple.
// Concurrent callers share a single network call and its outcome. Any failure
// clears the session, except giving up on another process's refresh lock,
// which leaves the stored pair alone. There is no retry here.
//
// A caller whose ctx ends stops waiting and gets false; the shared refresh
// keeps running for the other callers.
func (m *Manager) RefreshAccessToken(ctx context.Context) bool {
	m.waiting.Add(1)
	defer m.waiting.Add(-1)

	ch := m.group.DoChan(refreshKey, func() (interface{}, error) {
		m.refreshing.Store(true)
		defer m.refreshing.Store(false)
		return m.refresh(context.WithoutCancel(ctx)), nil
	})
	select {
	case res := <-ch:
		if res.Shared {
			metrics.RefreshShared.Inc()
		}
		return res.Val.(bool)
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) refresh(ctx context.Context) bool {
	rt, ok := m.RefreshToken(ctx)
	if !ok {
		m.log.Warnf("refresh skipped: no refresh token stored")
		metrics.RefreshTotal.WithLabelValues("no_refresh_token").Inc()
		m.logout(ctx, "no_refresh_token")
		return false
	}

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, refreshKey, m.lockTTL)
		if err != nil {
			// the holder may still be spending rt, so only its result is usable
			m.log.Warnf("refresh lock unavailable: %v", err)
			if _, settled, ok := m.checkRotated(ctx, rt); settled {
				return ok
			}
			metrics.RefreshTotal.WithLabelValues("lock_unavailable").Inc()
			return false
		}
		defer unlock()
		current, settled, ok := m.checkRotated(ctx, rt)
		if settled {
			return ok
		}
		rt = current
	}

	res, outcome, err := m.postRefresh(ctx, rt)
	if err != nil {
		m.log.Errorf("token refresh failed (%s): %v", outcome, err)
		metrics.RefreshTotal.WithLabelValues(outcome).Inc()
		m.logout(ctx, "refresh_"+outcome)
		return false
	}
	next := res.RefreshToken
	if next == "" {
		next = rt
	}
	if err := m.SaveTokens(ctx, res.AccessToken, next, res.ExpiresIn); err != nil {
		m.log.Errorf("store refreshed tokens: %v", err)
		metrics.RefreshTotal.WithLabelValues("store").Inc()
		m.logout(ctx, "refresh_store")
		return false
	}
	metrics.RefreshTotal.WithLabelValues("success").Inc()
	m.log.Debugf("access token refreshed, expires in %ds", res.ExpiresIn)
	return true
}

// checkRotated re-reads the refresh token after waiting for the lock. settled
// reports that the outcome is decided without a network call.
func (m *Manager) checkRotated(ctx context.Context, rt string) (current string, settled, ok bool) {
	current, found := m.RefreshToken(ctx)
	if !found {
		metrics.RefreshTotal.WithLabelValues("no_refresh_token").Inc()
		m.logout(ctx, "no_refresh_token")
		return "", true, false
	}
	if current != rt && !m.IsTokenExpiringSoon(ctx) {
		m.log.Debugf("refresh satisfied by another process")
		metrics.RefreshTotal.WithLabelValues("rotated_elsewhere").Inc()
		return current, true, true
	}
	return current, false, false
}

// postRefresh calls the refresh endpoint. outcome classifies failures for
// metrics: transport, rejected or malformed.
func (m *Manager) postRefresh(ctx context.Context, refreshToken string) (*RefreshResponse, string, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, "malformed", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+refreshPath, bytes.NewReader(body))
	if err != nil {
		return nil, "transport", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "transport", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, "rejected", fmt.Errorf("refresh endpoint returned %d", resp.StatusCode)
	}
	var out RefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "malformed", fmt.Errorf("decode refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return nil, "malformed", errors.New("refresh response has no accessToken")
	}
	return &out, "", nil
}

// ValidToken returns an access token safe to attach to a request. It never
// logs in: without a stored access token it returns ErrNoSession at once.
// Expired or expiring tokens are refreshed first.
func (m *Manager) ValidToken(ctx context.Context) (string, error) {
	tok, ok := m.AccessToken(ctx)
	if !ok {
		return "", ErrNoSession
	}
	if !m.IsTokenExpired(ctx) && !m.IsTokenExpiringSoon(ctx) {
		return tok, nil
	}
	if !m.RefreshAccessToken(ctx) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if _, ok := m.RefreshToken(ctx); ok {
			return "", ErrRefreshUnavailable
		}
		return "", errRefreshFailed
	}
	tok, ok = m.AccessToken(ctx)
	if !ok {
		return "", errRefreshFailed
	}
	return tok, nil
}
