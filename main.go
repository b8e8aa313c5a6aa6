// Command snapy-session manages a Snapy API session from the terminal: it logs
// in, keeps the token pair fresh and issues authenticated requests.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/snapy/snapy/backend/go-session/internal/config"
	"github.com/snapy/snapy/backend/go-session/internal/session"
	"github.com/snapy/snapy/backend/go-session/internal/storage"
	"github.com/snapy/snapy/backend/go-session/internal/tokens"
	"github.com/snapy/snapy/backend/go-session/pkg/logger"
	"github.com/snapy/snapy/backend/go-session/pkg/metrics"
)

const usage = `usage: snapy-session [global flags] <command> [flags]

commands:
  login    --email E [--password P]   log in and store the session
  status                              show the session state
  refresh                             refresh the access token now
  fetch    [-X METHOD] [-d DATA] [-H 'K: V'] URL
                                      send an authenticated request
  logout                              revoke and clear the session
  watch    [--metrics-addr ADDR]      keep the session fresh until interrupted

global flags:
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// app is the state shared by all subcommands.
type app struct {
	cfg     *config.Config
	manager *session.Manager
	stdout  io.Writer
	stderr  io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := pflag.NewFlagSet("snapy-session", pflag.ContinueOnError)
	global.SetOutput(stderr)
	global.SetInterspersed(false)
	baseURL := global.String("base-url", "", "API base URL (overrides API_BASE_URL)")
	store := global.String("store", "", "session store: memory|file|redis|mongo|minio (overrides SESSION_STORE)")
	logLevel := global.String("log-level", "", "log level (overrides LOG_LEVEL)")
	global.Usage = func() {
		fmt.Fprint(stderr, usage)
		global.PrintDefaults()
	}
	if err := global.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if global.NArg() == 0 {
		global.Usage()
		return 2
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if *baseURL != "" {
		cfg.API.BaseURL = strings.TrimRight(*baseURL, "/")
	}
	if *store != "" {
		cfg.Store.Backend = strings.ToLower(*store)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger.SetOutput(stderr)
	logger.Init(cfg.LogLevel)

	st, closeStore, err := storage.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "open session store: %v\n", err)
		return 1
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warnf("close session store: %v", err)
		}
	}()

	a := &app{cfg: cfg, stdout: stdout, stderr: stderr}
	a.manager = session.NewFromConfig(cfg, st, session.WithLogoutHook(func(reason string) {
		// stands in for the web client's redirect to /login
		fmt.Fprintf(stderr, "session ended (%s); run \"snapy-session login\"\n", reason)
	}))

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "login":
		return a.login(ctx, rest)
	case "status":
		return a.status(ctx)
	case "refresh":
		return a.refresh(ctx)
	case "fetch":
		return a.fetch(ctx, rest)
	case "logout":
		return a.logout(ctx)
	case "watch":
		return a.watch(ctx, rest)
	}
	fmt.Fprintf(stderr, "unknown command %q\n", cmd)
	global.Usage()
	return 2
}

func (a *app) flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func (a *app) login(ctx context.Context, args []string) int {
	fs := a.flags("login")
	email := fs.String("email", "", "account email")
	password := fs.String("password", os.Getenv("SNAPY_PASSWORD"), "account password (default $SNAPY_PASSWORD)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *email == "" || *password == "" {
		fmt.Fprintln(a.stderr, "login: --email and --password are required")
		return 2
	}
	u, err := a.manager.Login(ctx, *email, *password)
	if err != nil {
		var apiErr *session.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			fmt.Fprintln(a.stderr, "login failed: invalid credentials")
			return 1
		}
		fmt.Fprintf(a.stderr, "login failed: %v\n", err)
		return 1
	}
	if u != nil {
		fmt.Fprintf(a.stdout, "logged in as %s (%s)\n", u.Email, u.Role)
	} else {
		fmt.Fprintln(a.stdout, "logged in")
	}
	return 0
}

func (a *app) status(ctx context.Context) int {
	state := a.manager.State(ctx)
	fmt.Fprintf(a.stdout, "api:     %s\n", a.manager.BaseURL())
	fmt.Fprintf(a.stdout, "state:   %s\n", state)
	if state == session.NoSession {
		return 1
	}
	snap := a.manager.Snapshot(ctx)
	if !snap.ExpiresAt.IsZero() {
		fmt.Fprintf(a.stdout, "expires: %s (in %s)\n", snap.ExpiresAt.Format(time.RFC3339), time.Until(snap.ExpiresAt).Truncate(time.Second))
	}
	fmt.Fprintf(a.stdout, "token:   %s\n", tokens.Describe(snap.AccessToken, time.Now()))
	if u, ok := a.manager.User(ctx); ok {
		fmt.Fprintf(a.stdout, "user:    %s (%s)\n", u.Email, u.Role)
	}
	return 0
}

func (a *app) refresh(ctx context.Context) int {
	if !a.manager.RefreshAccessToken(ctx) {
		fmt.Fprintln(a.stderr, "refresh failed")
		return 1
	}
	fmt.Fprintf(a.stdout, "refreshed; %s\n", a.manager.State(ctx))
	return 0
}

func (a *app) fetch(ctx context.Context, args []string) int {
	fs := a.flags("fetch")
	method := fs.StringP("method", "X", http.MethodGet, "HTTP method")
	data := fs.StringP("data", "d", "", "request body")
	headers := fs.StringArrayP("header", "H", nil, "extra header 'Key: Value' (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(a.stderr, "fetch: exactly one URL or /path is required")
		return 2
	}
	hdr := http.Header{}
	for _, h := range *headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			fmt.Fprintf(a.stderr, "fetch: bad header %q\n", h)
			return 2
		}
		hdr.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	var body []byte
	if *data != "" {
		body = []byte(*data)
	}

	resp, err := a.manager.Fetch(ctx, strings.ToUpper(*method), fs.Arg(0), body, hdr)
	if err != nil {
		fmt.Fprintf(a.stderr, "fetch: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	fmt.Fprintln(a.stderr, resp.Status)
	if _, err := io.Copy(a.stdout, resp.Body); err != nil {
		fmt.Fprintf(a.stderr, "fetch: read body: %v\n", err)
		return 1
	}
	if resp.StatusCode >= 400 {
		return 1
	}
	return 0
}

func (a *app) logout(ctx context.Context) int {
	if err := a.manager.Revoke(ctx); err != nil {
		logger.Warnf("server-side revoke failed: %v", err)
	}
	a.manager.Logout(ctx)
	return 0
}

func (a *app) watch(ctx context.Context, args []string) int {
	fs := a.flags("watch")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics.RegisterClientCollectors(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("metrics server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Infof("serving metrics on %s/metrics", *metricsAddr)
	}

	// SIGUSR1 plays the part of the page becoming visible again
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	foreground := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-usr1:
				select {
				case foreground <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	stop := a.manager.Init(ctx, foreground)
	defer stop()
	fmt.Fprintf(a.stdout, "watching session (%s); send SIGUSR1 to check now, Ctrl-C to stop\n", a.manager.State(ctx))
	<-ctx.Done()
	return 0
}
