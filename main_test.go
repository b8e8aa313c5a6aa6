package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapy/snapy/backend/go-session/internal/config"
	"github.com/snapy/snapy/backend/go-session/internal/devauth"
)

// cliEnv starts a dev auth server and points the CLI at it with a file store.
func cliEnv(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.JWT.Secret = "cli-test-secret"
	cfg.JWT.AccessTokenTTL = time.Hour
	cfg.JWT.RefreshTokenTTL = 24 * time.Hour
	cfg.DevUsers = []config.DevUser{{Email: "demo@snapy.dev", Password: "demo", Role: "admin"}}
	d, cleanup, err := devauth.Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	srv := httptest.NewServer(devauth.NewRouter(d))
	t.Cleanup(srv.Close)

	file := filepath.Join(t.TempDir(), "session.json")
	t.Setenv("APP_ENV", "development")
	t.Setenv("API_BASE_URL", srv.URL+"/api")
	t.Setenv("SESSION_STORE", "file")
	t.Setenv("SESSION_FILE", file)
	t.Setenv("JWT_SECRET", "unused")
	t.Setenv("SNAPY_PASSWORD", "")
	return file
}

func runCLI(args ...string) (int, string, string) {
	var out, errb bytes.Buffer
	code := run(context.Background(), args, &out, &errb)
	return code, out.String(), errb.String()
}

func TestRun_SessionCommands(t *testing.T) {
	file := cliEnv(t)

	code, out, errOut := runCLI("login", "--email", "demo@snapy.dev", "--password", "demo")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "logged in as demo@snapy.dev (admin)")
	assert.FileExists(t, file)

	code, out, _ = runCLI("status")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "state:   expiring-soon")
	assert.Contains(t, out, "token:   jwt expires in")
	assert.Contains(t, out, "user:    demo@snapy.dev (admin)")

	code, out, errOut = runCLI("fetch", "/me")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"email":"demo@snapy.dev"`)
	assert.Contains(t, errOut, "200 OK")

	code, out, _ = runCLI("refresh")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "refreshed")

	code, _, errOut = runCLI("logout")
	require.Equal(t, 0, code)
	assert.Contains(t, errOut, `session ended (user); run "snapy-session login"`)

	code, out, _ = runCLI("status")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "state:   no-session")
}

func TestRun_LoginRejected(t *testing.T) {
	cliEnv(t)
	code, _, errOut := runCLI("login", "--email", "demo@snapy.dev", "--password", "wrong")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "invalid credentials")

	code, _, _ = runCLI("login", "--email", "demo@snapy.dev")
	assert.Equal(t, 2, code)
}

func TestRun_FetchWithoutSession(t *testing.T) {
	cliEnv(t)
	code, _, errOut := runCLI("fetch", "/me")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unauthenticated")
	assert.Contains(t, errOut, "session ended (no_session)")
}

func TestRun_Usage(t *testing.T) {
	cliEnv(t)
	code, _, errOut := runCLI()
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "usage: snapy-session")

	code, _, errOut = runCLI("bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, `unknown command "bogus"`)

	code, _, _ = runCLI("--store", "nope", "status")
	assert.Equal(t, 1, code)
}
