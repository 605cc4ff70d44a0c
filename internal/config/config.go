package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// 認証プロバイダーの種類
const (
	AuthProviderLocal  = "local"
	AuthProviderGoTrue = "gotrue"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Auth
	AuthProvider  string
	GoTrueURL     string
	GoTrueAPIKey  string
	BcryptCost    int
	SessionMaxAge int           // 秒
	ContextTTL    time.Duration // ブラウザコンテキストのStore保持時間
	SyncURL       string        // セッション同期エンドポイント。未設定の場合はBASE_URLから導出

	// TMDB
	TMDBAPIKey          string
	TMDBReadAccessToken string
	TMDBBaseURL         string
	TMDBLanguage        string
	TMDBCacheTTL        time.Duration
	TMDBRequestsPerSec  float64
	TMDBTimeout         time.Duration

	// Profile
	AvatarMaxSize       int64
	AvatarImportTimeout time.Duration

	// Rate Limit (req/min)
	RateLimitGeneral int
	RateLimitAuth    int

	// Housekeeping
	PurgeInterval time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort  string
	MetricsPort string // workerモードのメトリクス公開ポート
	BaseURL     string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はまとめてエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.TMDBAPIKey = os.Getenv("TMDB_API_KEY")
	cfg.TMDBReadAccessToken = os.Getenv("TMDB_READ_ACCESS_TOKEN")
	if cfg.TMDBAPIKey == "" && cfg.TMDBReadAccessToken == "" {
		missing = append(missing, "TMDB_API_KEY or TMDB_READ_ACCESS_TOKEN")
	}

	cfg.AuthProvider = strings.ToLower(getEnvString("AUTH_PROVIDER", AuthProviderLocal))
	switch cfg.AuthProvider {
	case AuthProviderLocal:
	case AuthProviderGoTrue:
		cfg.GoTrueURL = os.Getenv("GOTRUE_URL")
		if cfg.GoTrueURL == "" {
			missing = append(missing, "GOTRUE_URL")
		}
		cfg.GoTrueAPIKey = os.Getenv("GOTRUE_API_KEY")
		if cfg.GoTrueAPIKey == "" {
			missing = append(missing, "GOTRUE_API_KEY")
		}
	default:
		return nil, fmt.Errorf("unsupported AUTH_PROVIDER: %q (want %q or %q)", cfg.AuthProvider, AuthProviderLocal, AuthProviderGoTrue)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 0)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.ContextTTL = getEnvDuration("AUTH_CONTEXT_TTL", 30*time.Minute)
	cfg.SyncURL = getEnvString("AUTH_SYNC_URL", cfg.BaseURL+"/api/auth/sync")
	cfg.TMDBBaseURL = getEnvString("TMDB_BASE_URL", "https://api.themoviedb.org/3")
	cfg.TMDBLanguage = getEnvString("TMDB_LANGUAGE", "en-US")
	cfg.TMDBCacheTTL = getEnvDuration("TMDB_CACHE_TTL", 10*time.Minute)
	cfg.TMDBRequestsPerSec = getEnvFloat("TMDB_REQUESTS_PER_SEC", 40)
	cfg.TMDBTimeout = getEnvDuration("TMDB_TIMEOUT", 10*time.Second)
	cfg.AvatarMaxSize = getEnvInt64("AVATAR_MAX_SIZE", 2<<20)
	cfg.AvatarImportTimeout = getEnvDuration("AVATAR_IMPORT_TIMEOUT", 10*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.PurgeInterval = getEnvDuration("SESSION_PURGE_INTERVAL", time.Hour)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", cfg.BaseURL)

	return cfg, nil
}

// SessionMaxAgeDuration はセッション有効期間をtime.Durationで返す。
func (c *Config) SessionMaxAgeDuration() time.Duration {
	return time.Duration(c.SessionMaxAge) * time.Second
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
