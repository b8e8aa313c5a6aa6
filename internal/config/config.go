package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/snapy/snapy/backend/go-session/pkg/logger"
)

// Config holds configuration for the session client, the CLI and the dev auth server.
type Config struct {
	Environment string
	LogLevel    string
	API         APIConfig
	Session     SessionConfig
	Store       StoreConfig
	Redis       RedisConfig
	MongoDB     MongoDBConfig
	MinIO       MinIOConfig
	Server      ServerConfig
	JWT         JWTConfig
	RateLimit   RateLimitConfig
	DevUsers    []DevUser
}

type APIConfig struct {
	BaseURL     string
	HTTPTimeout time.Duration
}

type SessionConfig struct {
	ExpiringSoonWindow time.Duration
	PollInterval       time.Duration
	LockTTL            time.Duration
}

type StoreConfig struct {
	Backend string // memory | file | redis | mongo | minio
	File    string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Prefix   string
}

// Addr returns host:port, or "" when Redis is not configured.
func (r RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	return r.Host + ":" + r.Port
}

type MongoDBConfig struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

// MinIOConfig holds MinIO connection configuration
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type JWTConfig struct {
	Secret          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type RateLimitConfig struct {
	Enabled       bool
	RPS           float64
	Burst         int
	UseRedis      bool
	WindowSeconds int
}

// DevUser is a seeded account for the dev auth server.
type DevUser struct {
	Email    string
	Password string
	Role     string
}

const defaultDevBaseURL = "http://localhost:5001/api"

// LoadConfig loads configuration from environment variables and .env file
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_TIMEOUT", "30s")
	v.SetDefault("SESSION_EXPIRING_SOON_WINDOW", "24h")
	v.SetDefault("SESSION_POLL_INTERVAL", "10m")
	v.SetDefault("SESSION_LOCK_TTL", "45s")
	v.SetDefault("SESSION_STORE", "file")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PREFIX", "snapy:session:")
	v.SetDefault("MONGODB_DATABASE", "snapy")
	v.SetDefault("MONGODB_COLLECTION", "client_session")
	v.SetDefault("MONGODB_TIMEOUT", 10)
	v.SetDefault("MINIO_BUCKET", "snapy-session")
	v.SetDefault("MINIO_PREFIX", "session/")
	v.SetDefault("SERVER_PORT", "5001")
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("JWT_ACCESS_TOKEN_TTL", 60)
	v.SetDefault("JWT_REFRESH_TOKEN_TTL", 10080)
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 1)
	v.SetDefault("DEV_USERS", "demo@snapy.dev:demo:user,admin@snapy.dev:admin:admin")

	cfg := &Config{
		Environment: strings.ToLower(v.GetString("APP_ENV")),
		LogLevel:    v.GetString("LOG_LEVEL"),
		API: APIConfig{
			BaseURL:     strings.TrimRight(v.GetString("API_BASE_URL"), "/"),
			HTTPTimeout: v.GetDuration("HTTP_TIMEOUT"),
		},
		Session: SessionConfig{
			ExpiringSoonWindow: v.GetDuration("SESSION_EXPIRING_SOON_WINDOW"),
			PollInterval:       v.GetDuration("SESSION_POLL_INTERVAL"),
			LockTTL:            v.GetDuration("SESSION_LOCK_TTL"),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(v.GetString("SESSION_STORE")),
			File:    v.GetString("SESSION_FILE"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetString("REDIS_PORT"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			Prefix:   v.GetString("REDIS_PREFIX"),
		},
		MongoDB: MongoDBConfig{
			URI:        v.GetString("MONGODB_URI"),
			Database:   v.GetString("MONGODB_DATABASE"),
			Collection: v.GetString("MONGODB_COLLECTION"),
			Timeout:    time.Duration(v.GetInt("MONGODB_TIMEOUT")) * time.Second,
		},
		MinIO: MinIOConfig{
			Endpoint:  v.GetString("MINIO_ENDPOINT"),
			AccessKey: v.GetString("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			UseSSL:    v.GetBool("MINIO_USE_SSL"),
			Bucket:    v.GetString("MINIO_BUCKET"),
			Prefix:    v.GetString("MINIO_PREFIX"),
		},
		Server: ServerConfig{
			Port:         v.GetString("SERVER_PORT"),
			Host:         v.GetString("SERVER_HOST"),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		JWT: JWTConfig{
			Secret:          os.Getenv("JWT_SECRET"),
			AccessTokenTTL:  time.Duration(v.GetInt("JWT_ACCESS_TOKEN_TTL")) * time.Minute,
			RefreshTokenTTL: time.Duration(v.GetInt("JWT_REFRESH_TOKEN_TTL")) * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:       v.GetBool("RATE_LIMIT_ENABLED"),
			RPS:           v.GetFloat64("RATE_LIMIT_RPS"),
			Burst:         v.GetInt("RATE_LIMIT_BURST"),
			UseRedis:      v.GetBool("RATE_LIMIT_USE_REDIS"),
			WindowSeconds: v.GetInt("RATE_LIMIT_WINDOW_SECONDS"),
		},
	}

	if cfg.API.BaseURL == "" {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("API_BASE_URL is required when APP_ENV=production")
		}
		cfg.API.BaseURL = defaultDevBaseURL
	}
	if cfg.Store.File == "" {
		cfg.Store.File = defaultSessionFile()
	}

	users, err := ParseDevUsers(v.GetString("DEV_USERS"))
	if err != nil {
		return nil, err
	}
	cfg.DevUsers = users

	if cfg.JWT.Secret == "" {
		logger.Warnf("JWT_SECRET is not set; the dev auth server will use an insecure default")
	}

	return cfg, nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// ParseDevUsers parses "email:password:role" entries separated by commas. Role defaults to "user".
func ParseDevUsers(raw string) ([]DevUser, error) {
	var out []DevUser
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid DEV_USERS entry %q (want email:password[:role])", entry)
		}
		u := DevUser{Email: parts[0], Password: parts[1], Role: "user"}
		if len(parts) > 2 && parts[2] != "" {
			u.Role = parts[2]
		}
		out = append(out, u)
	}
	return out, nil
}

func defaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "snapy", "session.json")
}
