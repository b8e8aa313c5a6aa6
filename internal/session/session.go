// Package session manages the client-side credential pair for the Snapy API:
// persistence of the access/refresh tokens and their expiry, proactive and
// on-demand renewal with a single in-flight refresh per process, and an HTTP
// client that attaches the bearer token and retries once after a 401.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/snapy/snapy/backend/go-session/internal/config"
	"github.com/snapy/snapy/backend/go-session/internal/models"
	"github.com/snapy/snapy/backend/go-session/internal/storage"
	"github.com/snapy/snapy/backend/go-session/pkg/logger"
	"github.com/snapy/snapy/backend/go-session/pkg/metrics"
)

// Storage keys, shared with the web client's local storage layout.
const (
	KeyAccessToken  = "token"
	KeyRefreshToken = "refreshToken"
	KeyExpiresAt    = "tokenExpiresAt"
	KeyUser         = "user"
)

const (
	DefaultExpiringSoonWindow = 24 * time.Hour
	DefaultPollInterval       = 10 * time.Minute
	DefaultLockTTL            = 45 * time.Second

	// lockMargin is added to the HTTP timeout so the lock outlives the request.
	lockMargin = 5 * time.Second
	// maxExpiresIn caps server-supplied lifetimes (ten years, in seconds).
	maxExpiresIn = int64(10 * 365 * 24 * 3600)

	refreshPath = "/auth/refresh"
	loginPath   = "/auth/login"
	logoutPath  = "/auth/logout"
	refreshKey  = "refresh"
)

var (
	// ErrNoSession means no usable access token exists and none could be obtained.
	ErrNoSession = errors.New("no active session")
	// ErrUnauthenticated is returned by Do when a request cannot be authenticated.
	// The session has been cleared by the time it is returned.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrRefreshUnavailable means another process held the refresh lock past
	// its deadline. The stored session is left untouched.
	ErrRefreshUnavailable = errors.New("refresh in progress elsewhere")
)

// TokenState is the persisted credential triple.
type TokenState struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // zero when no expiry is recorded
}

// LogoutHook is called after the session has been cleared. It stands in for
// the web client's redirect to /login.
type LogoutHook func(reason string)

// Manager owns one credential pair for the lifetime of the process.
type Manager struct {
	baseURL      string
	store        storage.Store
	httpClient   *http.Client
	now          func() time.Time
	window       time.Duration
	pollInterval time.Duration
	locker       storage.Locker
	lockTTL      time.Duration
	onLogout     LogoutHook
	log          *logger.Logger

	group      singleflight.Group
	refreshing atomic.Bool
	waiting    atomic.Int32
}

type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option { return func(m *Manager) { m.httpClient = c } }

// WithClock replaces time.Now for expiry arithmetic.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithLogoutHook(h LogoutHook) Option { return func(m *Manager) { m.onLogout = h } }

func WithExpiringSoonWindow(d time.Duration) Option { return func(m *Manager) { m.window = d } }

func WithPollInterval(d time.Duration) Option { return func(m *Manager) { m.pollInterval = d } }

// WithLocker serializes refreshes across processes sharing the same store.
func WithLocker(l storage.Locker, ttl time.Duration) Option {
	return func(m *Manager) {
		m.locker = l
		m.lockTTL = ttl
	}
}

func WithLogger(l *logger.Logger) Option { return func(m *Manager) { m.log = l } }

// New creates a manager for the API rooted at baseURL (e.g. "http://localhost:5001/api").
func New(baseURL string, store storage.Store, opts ...Option) *Manager {
	m := &Manager{
		baseURL:      trimSlash(baseURL),
		store:        store,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		now:          time.Now,
		window:       DefaultExpiringSoonWindow,
		pollInterval: DefaultPollInterval,
		lockTTL:      DefaultLockTTL,
		log:          logger.Named("session"),
	}
	for _, o := range opts {
		o(m)
	}
	if m.locker != nil && m.httpClient.Timeout > 0 && m.lockTTL < m.httpClient.Timeout+lockMargin {
		m.lockTTL = m.httpClient.Timeout + lockMargin
	}
	return m
}

// NewFromConfig wires a manager from configuration. When the store can lock
// across processes (Redis) the refresh is serialized through it.
func NewFromConfig(cfg *config.Config, store storage.Store, opts ...Option) *Manager {
	base := []Option{
		WithHTTPClient(&http.Client{Timeout: cfg.API.HTTPTimeout}),
	}
	if cfg.Session.ExpiringSoonWindow > 0 {
		base = append(base, WithExpiringSoonWindow(cfg.Session.ExpiringSoonWindow))
	}
	if cfg.Session.PollInterval > 0 {
		base = append(base, WithPollInterval(cfg.Session.PollInterval))
	}
	if l, ok := store.(storage.Locker); ok && cfg.Session.LockTTL > 0 {
		base = append(base, WithLocker(l, cfg.Session.LockTTL))
	}
	return New(cfg.API.BaseURL, store, append(base, opts...)...)
}

// BaseURL returns the API root requests are resolved against.
func (m *Manager) BaseURL() string { return m.baseURL }

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// SaveTokens stores a fresh triple; expiresAt is derived as now + expiresIn seconds.
// The three keys are always written together.
func (m *Manager) SaveTokens(ctx context.Context, accessToken, refreshToken string, expiresIn int64) error {
	expiresIn = min(max(expiresIn, 0), maxExpiresIn)
	expiresAt := m.now().Add(time.Duration(expiresIn) * time.Second)
	return errors.Join(
		m.store.Set(ctx, KeyAccessToken, accessToken),
		m.store.Set(ctx, KeyRefreshToken, refreshToken),
		m.store.Set(ctx, KeyExpiresAt, strconv.FormatInt(expiresAt.UnixMilli(), 10)),
	)
}

func (m *Manager) read(ctx context.Context, key string) (string, bool) {
	v, ok, err := m.store.Get(ctx, key)
	if err != nil {
		m.log.Errorf("read %s from store: %v", key, err)
		return "", false
	}
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// AccessToken returns the stored access token, if any.
func (m *Manager) AccessToken(ctx context.Context) (string, bool) {
	return m.read(ctx, KeyAccessToken)
}

// RefreshToken returns the stored refresh token, if any.
func (m *Manager) RefreshToken(ctx context.Context) (string, bool) {
	return m.read(ctx, KeyRefreshToken)
}

// expiresAtMillis returns the recorded expiry in epoch milliseconds.
func (m *Manager) expiresAtMillis(ctx context.Context) (int64, bool) {
	v, ok := m.read(ctx, KeyExpiresAt)
	if !ok {
		return 0, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		m.log.Warnf("ignoring unparseable %s value", KeyExpiresAt)
		return 0, false
	}
	return ms, true
}

// IsTokenExpiringSoon is true when no expiry is recorded or less than the
// window (one day by default) remains.
func (m *Manager) IsTokenExpiringSoon(ctx context.Context) bool {
	exp, ok := m.expiresAtMillis(ctx)
	if !ok {
		return true
	}
	return exp-m.now().UnixMilli() < m.window.Milliseconds()
}

// IsTokenExpired is true when no expiry is recorded or now >= expiresAt.
func (m *Manager) IsTokenExpired(ctx context.Context) bool {
	exp, ok := m.expiresAtMillis(ctx)
	if !ok {
		return true
	}
	return m.now().UnixMilli() >= exp
}

// Snapshot reads the stored triple.
func (m *Manager) Snapshot(ctx context.Context) TokenState {
	var s TokenState
	s.AccessToken, _ = m.AccessToken(ctx)
	s.RefreshToken, _ = m.RefreshToken(ctx)
	if ms, ok := m.expiresAtMillis(ctx); ok {
		s.ExpiresAt = time.UnixMilli(ms)
	}
	return s
}

// User returns the cached profile.
func (m *Manager) User(ctx context.Context) (*models.User, bool) {
	v, ok := m.read(ctx, KeyUser)
	if !ok {
		return nil, false
	}
	var u models.User
	if err := json.Unmarshal([]byte(v), &u); err != nil {
		m.log.Warnf("ignoring unparseable %s value: %v", KeyUser, err)
		return nil, false
	}
	return &u, true
}

// SaveUser caches the profile next to the tokens.
func (m *Manager) SaveUser(ctx context.Context, u *models.User) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, KeyUser, string(b))
}

// HasRole reports whether the cached profile carries role.
func (m *Manager) HasRole(ctx context.Context, role string) bool {
	u, ok := m.User(ctx)
	return ok && u.Role == role
}

// Logout clears the four session keys and fires the logout hook.
func (m *Manager) Logout(ctx context.Context) {
	m.logout(ctx, "user")
}

func (m *Manager) logout(ctx context.Context, reason string) {
	for _, k := range []string{KeyAccessToken, KeyRefreshToken, KeyExpiresAt, KeyUser} {
		if err := m.store.Remove(ctx, k); err != nil {
			m.log.Errorf("remove %s from store: %v", k, err)
		}
	}
	metrics.LogoutsTotal.WithLabelValues(reason).Inc()
	m.log.Infof("session cleared (reason=%s)", reason)
	if m.onLogout != nil {
		m.onLogout(reason)
	}
}
