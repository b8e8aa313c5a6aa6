package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	mr "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/snapy/snapy/backend/go-session/internal/storage"
)

// Two managers standing in for two processes share one Redis-backed session.
// Only one of them may spend the single-use refresh token.
func TestRefreshAccessToken_SharedStoreRefreshesOnce(t *testing.T) {
	srv, err := mr.Run()
	require.NoError(t, err)
	defer srv.Close()

	store := storage.NewRedisStore(redis.NewClient(&redis.Options{Addr: srv.Addr()}), "")
	api := newFakeAPI()
	api.gate = make(chan struct{})
	api.next = []RefreshResponse{{AccessToken: "A2", RefreshToken: "R2", ExpiresIn: twoDays}}
	hs := httptest.NewServer(api)
	defer hs.Close()

	clock := newFakeClock()
	newManager := func() *Manager {
		return New(hs.URL+"/api", store,
			WithClock(clock.Now),
			WithHTTPClient(hs.Client()),
			WithLocker(store, 5*time.Second),
		)
	}
	a, b := newManager(), newManager()
	ctx := context.Background()
	require.NoError(t, a.SaveTokens(ctx, "A1", "R1", 3600))

	results := make(chan bool, 2)
	go func() { results <- a.RefreshAccessToken(ctx) }()
	<-api.refreshSeen

	// b reads R1 and then waits on the lock held by a
	go func() { results <- b.RefreshAccessToken(ctx) }()
	require.Eventually(t, func() bool { return b.waiting.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	close(api.gate)

	require.True(t, <-results)
	require.True(t, <-results)
	require.EqualValues(t, 1, api.refreshCalls.Load())
	require.Equal(t, []string{"R1"}, api.gotRefresh)

	at, _ := b.AccessToken(ctx)
	rt, _ := b.RefreshToken(ctx)
	require.Equal(t, "A2", at)
	require.Equal(t, "R2", rt)
	require.False(t, srv.Exists("snapy:session:lock:refresh"))
}

type lockerFunc func(ctx context.Context, name string, ttl time.Duration) (func(), error)

func (f lockerFunc) Lock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	return f(ctx, name, ttl)
}

// A holder whose refresh outlasts the waiter's patience still owns the token:
// the waiter must not send it again.
func TestRefreshAccessToken_LockTimeoutKeepsTokenUnspent(t *testing.T) {
	srv, err := mr.Run()
	require.NoError(t, err)
	defer srv.Close()

	store := storage.NewRedisStore(redis.NewClient(&redis.Options{Addr: srv.Addr()}), "")
	api := newFakeAPI()
	api.gate = make(chan struct{})
	api.next = []RefreshResponse{{AccessToken: "A2", RefreshToken: "R2", ExpiresIn: twoDays}}
	hs := httptest.NewServer(api)
	defer hs.Close()

	var logouts atomic.Int32
	clock := newFakeClock()
	newManager := func() *Manager {
		return New(hs.URL+"/api", store,
			WithClock(clock.Now),
			WithHTTPClient(hs.Client()),
			WithLocker(store, 150*time.Millisecond),
			WithLogoutHook(func(string) { logouts.Add(1) }),
		)
	}
	a, b := newManager(), newManager()
	ctx := context.Background()
	require.NoError(t, a.SaveTokens(ctx, "A1", "R1", 0))

	done := make(chan bool, 1)
	go func() { done <- a.RefreshAccessToken(ctx) }()
	<-api.refreshSeen

	_, err = b.Fetch(ctx, http.MethodGet, "/me", nil, nil)
	require.ErrorIs(t, err, ErrRefreshUnavailable)
	require.EqualValues(t, 1, api.refreshCalls.Load())
	require.Zero(t, api.meCalls.Load())

	close(api.gate)
	require.True(t, <-done)

	require.EqualValues(t, 1, api.refreshCalls.Load())
	require.Equal(t, []string{"R1"}, api.gotRefresh)
	require.Zero(t, logouts.Load())
	rt, _ := b.RefreshToken(ctx)
	require.Equal(t, "R2", rt)
}

func TestRefreshAccessToken_LockTimeoutAfterRotationElsewhere(t *testing.T) {
	var h *harness
	h = newHarness(t, WithLocker(lockerFunc(func(ctx context.Context, _ string, _ time.Duration) (func(), error) {
		// another process finishes its refresh while this one waits
		other := New(h.srv.URL+"/api", h.store, WithClock(h.clock.Now))
		require.NoError(t, other.SaveTokens(ctx, "A2", "R2", twoDays))
		return nil, storage.ErrLockTimeout
	}), time.Second))
	ctx := context.Background()
	require.NoError(t, h.m.SaveTokens(ctx, "A1", "R1", 3600))

	require.True(t, h.m.RefreshAccessToken(ctx))
	require.Zero(t, h.api.refreshCalls.Load())
	require.Zero(t, h.logouts.Load())
	at, _ := h.m.AccessToken(ctx)
	require.Equal(t, "A2", at)
}

func TestRefreshAccessToken_LockErrorLeavesSession(t *testing.T) {
	h := newHarness(t, WithLocker(lockerFunc(func(context.Context, string, time.Duration) (func(), error) {
		return nil, storage.ErrLockTimeout
	}), time.Second))
	ctx := context.Background()
	require.NoError(t, h.m.SaveTokens(ctx, "A1", "R1", 0))

	_, err := h.m.ValidToken(ctx)
	require.ErrorIs(t, err, ErrRefreshUnavailable)
	require.Zero(t, h.api.refreshCalls.Load())
	require.Zero(t, h.logouts.Load())
	rt, _ := h.m.RefreshToken(ctx)
	require.Equal(t, "R1", rt)
}

func TestNew_LockTTLCoversHTTPTimeout(t *testing.T) {
	noop := lockerFunc(func(context.Context, string, time.Duration) (func(), error) { return func() {}, nil })

	m := New("http://localhost/api", storage.NewMemoryStore(),
		WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		WithLocker(noop, 15*time.Second),
	)
	require.Equal(t, 35*time.Second, m.lockTTL)

	m = New("http://localhost/api", storage.NewMemoryStore(),
		WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		WithLocker(noop, time.Minute),
	)
	require.Equal(t, time.Minute, m.lockTTL)
}
