package session

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetch_AttachesBearerAndResolvesPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.m.SaveTokens(ctx, "A1", "R1", twoDays))
	h.api.accepted["A1"] = true

	hdr := http.Header{}
	hdr.Set("X-Trace", "abc")
	hdr.Set("Authorization", "Basic Zm9vOmJhcg==")
	resp, err := h.m.Fetch(ctx, http.MethodGet, "/me", nil, hdr)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "abc", resp.Header.Get("X-Seen-Trace"))
	require.EqualValues(t, 1, h.api.meCalls.Load())
	require.Zero(t, h.api.refreshCalls.Load())
}

func TestDo_RetriesOnceWithRefreshedToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.m.SaveTokens(ctx, "A1", "R1", twoDays))
	h.api.next = []RefreshResponse{{AccessToken: "A2", RefreshToken: "R2", ExpiresIn: twoDays}}

	resp, err := h.m.Fetch(ctx, http.MethodPost, "/me", []byte(`{"x":1}`), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 2, h.api.meCalls.Load())
	require.EqualValues(t, 1, h.api.refreshCalls.Load())
	require.Equal(t, []string{`{"x":1}`, `{"x":1}`}, h.api.meBodies)
	require.Zero(t, h.logouts.Load())

	at, _ := h.m.AccessToken(ctx)
	require.Equal(t, "A2", at)
}

func TestDo_SecondUnauthorizedClearsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.m.SaveTokens(ctx, "A1", "R1", twoDays))
	h.api.meStatus = http.StatusUnauthorized
	h.api.next = []RefreshResponse{{AccessToken: "A2", RefreshToken: "R2", ExpiresIn: twoDays}}

	resp, err := h.m.Fetch(ctx, http.MethodGet, "/me", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.EqualValues(t, 2, h.api.meCalls.Load(), "exactly one retry")
	require.EqualValues(t, 1, h.api.refreshCalls.Load())
	require.EqualValues(t, 1, h.logouts.Load())
	require.Equal(t, "retry_unauthorized", <-h.reasons)
	require.Zero(t, h.store.Len())
}

func TestDo_RefreshFailureReturnsOriginalResponse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.m.SaveTokens(ctx, "A1", "R1", twoDays))
	h.api.refreshStatus = http.StatusUnauthorized

	resp, err := h.m.Fetch(ctx, http.MethodGet, "/me", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.EqualValues(t, 1, h.api.meCalls.Load())
	require.EqualValues(t, 1, h.logouts.Load())
	require.Equal(t, "refresh_rejected", <-h.reasons)
}

func TestDo_WithoutSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.Fetch(ctx, http.MethodGet, "/me", nil, nil)
	require.ErrorIs(t, err, ErrUnauthenticated)
	require.Zero(t, h.api.meCalls.Load())
	require.Zero(t, h.api.refreshCalls.Load())
	require.EqualValues(t, 1, h.logouts.Load())
	require.Equal(t, "no_session", <-h.reasons)
}

func TestDo_ExpiredTokenWithFailingRefreshLogsOutOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.m.SaveTokens(ctx, "A1", "R1", 0))
	h.api.refreshStatus = http.StatusUnauthorized

	_, err := h.m.Fetch(ctx, http.MethodGet, "/me", nil, nil)
	require.ErrorIs(t, err, ErrUnauthenticated)
	require.Zero(t, h.api.meCalls.Load())
	require.EqualValues(t, 1, h.logouts.Load())
}

func TestDo_NonReplayableBodyIsNotRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.m.SaveTokens(ctx, "A1", "R1", twoDays))
	h.api.next = []RefreshResponse{{AccessToken: "A2", RefreshToken: "R2", ExpiresIn: twoDays}}

	// a bare io.Reader leaves GetBody unset
	body := struct{ io.Reader }{strings.NewReader("payload")}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.m.BaseURL()+"/me", body)
	require.NoError(t, err)
	require.Nil(t, req.GetBody)

	resp, err := h.m.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.EqualValues(t, 1, h.api.meCalls.Load())
	require.Zero(t, h.logouts.Load())
	at, _ := h.m.AccessToken(ctx)
	require.Equal(t, "A2", at, "the refreshed session is kept")
}

func TestDo_OtherStatusesPassThrough(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.m.SaveTokens(ctx, "A1", "R1", twoDays))
	h.api.meStatus = http.StatusForbidden

	resp, err := h.m.Fetch(ctx, http.MethodGet, "/me", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Zero(t, h.api.refreshCalls.Load())
	require.Zero(t, h.logouts.Load())
}

func TestDo_CancelledContext(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.SaveTokens(context.Background(), "A1", "R1", 0))
	h.api.gate = make(chan struct{})
	defer close(h.api.gate)
	h.api.next = []RefreshResponse{{AccessToken: "A2", RefreshToken: "R2", ExpiresIn: twoDays}}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.m.Fetch(ctx, http.MethodGet, "/me", nil, nil)
		errc <- err
	}()
	<-h.api.refreshSeen
	cancel()

	require.ErrorIs(t, <-errc, context.Canceled)
	require.Zero(t, h.logouts.Load())
}

func TestClient_RoutesThroughManager(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.m.Client()

	_, err := c.Get(h.srv.URL + "/api/me")
	require.ErrorIs(t, err, ErrUnauthenticated)

	require.NoError(t, h.m.SaveTokens(ctx, "A1", "R1", twoDays))
	h.api.accepted["A1"] = true
	resp, err := c.Get(h.srv.URL + "/api/me")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"u1"}`, string(b))
}

type closeRecorder struct {
	io.Reader
	closed atomic.Bool
}

func (c *closeRecorder) Close() error {
	c.closed.Store(true)
	return nil
}

func TestDo_ClosesBodyWhenUnauthenticated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	body := &closeRecorder{Reader: strings.NewReader("payload")}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.m.BaseURL()+"/me", body)
	require.NoError(t, err)
	_, err = h.m.Do(req)
	require.ErrorIs(t, err, ErrUnauthenticated)
	require.True(t, body.closed.Load())

	body = &closeRecorder{Reader: strings.NewReader("payload")}
	_, err = h.m.Client().Post(h.m.BaseURL()+"/me", "text/plain", body)
	require.ErrorIs(t, err, ErrUnauthenticated)
	require.True(t, body.closed.Load())
}
