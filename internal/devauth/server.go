// Package devauth assembles the development auth server: the refresh-token
// contract the session client talks to, backed by memory, Redis or MongoDB.
package devauth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/snapy/snapy/backend/go-session/handlers"
	"github.com/snapy/snapy/backend/go-session/internal/config"
	"github.com/snapy/snapy/backend/go-session/internal/sessions"
	"github.com/snapy/snapy/backend/go-session/internal/storage"
	"github.com/snapy/snapy/backend/go-session/internal/tokens"
	"github.com/snapy/snapy/backend/go-session/internal/users"
	"github.com/snapy/snapy/backend/go-session/pkg/logger"
	"github.com/snapy/snapy/backend/go-session/pkg/middleware"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Deps are the services behind the router.
type Deps struct {
	Config    *config.Config
	Users     *users.Service
	Sessions  *sessions.Service
	Blacklist *sessions.Blacklist
	Redis     *redis.Client       // optional; Redis rate limiting
	Gatherer  prometheus.Gatherer // nil means the default registry
	Checks    map[string]Check    // readiness probes by name
}

var startTime = time.Now()

// NewRouter builds the gin engine serving the auth contract under /api.
func NewRouter(d Deps) *gin.Engine {
	cfg := d.Config
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "healthy")
	})
	r.GET("/ready", func(c *gin.Context) {
		ready := true
		deps := map[string]bool{}
		for name, check := range d.Checks {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			err := check(ctx)
			cancel()
			deps[name] = err == nil
			if err != nil {
				logger.Warnf("readiness check %s failed: %v", name, err)
				ready = false
			}
		}
		status, code := "ready", http.StatusOK
		if !ready {
			status, code = "not_ready", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status, "deps": deps, "uptime": time.Since(startTime).String()})
	})

	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	handlers.RegisterSwagger(r)

	h := handlers.NewAuthHandler(cfg, d.Users, d.Sessions, d.Blacklist)
	api := r.Group("/api")
	authGroup := api.Group("/")
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.UseRedis && d.Redis != nil {
			win := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second
			authGroup.Use(middleware.RedisRateLimitMiddleware(d.Redis, cfg.RateLimit.RPS, cfg.RateLimit.Burst, win))
		} else {
			authGroup.Use(middleware.RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
		}
	}
	h.Register(authGroup)
	api.GET("/me", middleware.AuthMiddleware(tokens.Verifier{Secret: h.Secret()}, d.Blacklist), h.Me)
	return r
}

// Build connects the configured backends and seeds the dev accounts. Redis,
// when reachable, holds refresh sessions and the blacklist; otherwise MongoDB,
// otherwise process memory. The returned func releases connections.
func Build(ctx context.Context, cfg *config.Config) (Deps, func(), error) {
	d := Deps{Config: cfg, Checks: map[string]Check{}}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if addr := cfg.Redis.Addr(); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warnf("failed to connect to Redis (%s): %v", addr, err)
			_ = client.Close()
		} else {
			logger.Infof("connected to Redis at %s", addr)
			d.Redis = client
			closers = append(closers, func() { _ = client.Close() })
			d.Checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		}
	}

	var mongoDB *mongo.Database
	if cfg.MongoDB.URI != "" {
		client, err := connectMongoWithRetry(ctx, cfg.MongoDB)
		if err != nil {
			logger.Warnf("could not connect to MongoDB: %v", err)
		} else {
			mongoDB = client.Database(cfg.MongoDB.Database)
			closers = append(closers, func() { _ = client.Disconnect(context.Background()) })
			d.Checks["mongodb"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }
		}
	}

	var srepo sessions.Repository
	switch {
	case d.Redis != nil:
		srepo = sessions.NewRedisRepository(d.Redis, "")
		logger.Infof("using Redis for refresh sessions")
	case mongoDB != nil:
		srepo = sessions.NewMongoRepository(mongoDB.Collection("sessions"))
		logger.Infof("using MongoDB for refresh sessions")
	default:
		srepo = sessions.NewMemoryRepository()
		logger.Infof("using process memory for refresh sessions")
	}
	d.Sessions = sessions.NewService(srepo, cfg.JWT.RefreshTokenTTL)
	d.Blacklist = sessions.NewBlacklist(d.Redis)

	var urepo users.UserRepository = users.NewMemoryUserRepository()
	if mongoDB != nil {
		urepo = users.NewMongoUserRepository(mongoDB.Collection("users"))
	}
	d.Users = users.NewService(urepo)
	if err := d.Users.Seed(ctx, cfg.DevUsers); err != nil {
		cleanup()
		return Deps{}, nil, fmt.Errorf("seed dev users: %w", err)
	}
	logger.Infof("seeded %d dev users", len(cfg.DevUsers))
	return d, cleanup, nil
}

// connectMongoWithRetry tolerates the database starting alongside the server.
func connectMongoWithRetry(ctx context.Context, cfg config.MongoDBConfig) (*mongo.Client, error) {
	const maxAttempts = 5
	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		client, err := storage.ConnectMongo(ctx, cfg.URI, cfg.Timeout)
		if err == nil {
			return client, nil
		}
		lastErr = err
		logger.Warnf("attempt %d/%d: failed to connect to MongoDB: %v", attempt, maxAttempts, err)
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, lastErr
}
