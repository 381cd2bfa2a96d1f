// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvProduction は本番環境を表すAPP_ENVの値。
const EnvProduction = "production"

// minSessionSecretLen はSESSION_SECRETに要求する最小バイト数。
const minSessionSecretLen = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Environment
	Environment string

	// Database
	DatabaseURL  string
	StoreTimeout time.Duration

	// Session
	SessionSecret   string
	SessionMaxAge   int           // 秒
	SessionCacheTTL time.Duration // キャッシュエントリの最大寿命
	SessionSweep    time.Duration // 期限切れセッション削除ジョブの実行間隔

	// Vault
	VaultKey []byte // 32バイト

	// OAuth
	OAuthProvidersFile string // 空の場合は組み込みのproviders.yamlを使う
	ProviderTimeout    time.Duration
	OAuthRefreshSkew   time.Duration

	// Rate Limit
	RateLimitAuth          int
	RateLimitAuthWindow    time.Duration
	RateLimitGeneral       int
	RateLimitGeneralWindow time.Duration
	RateLimitOAuth         int
	RateLimitOAuthWindow   time.Duration

	// Audit
	AuditBufferSize int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string
	TrustProxy bool // X-Forwarded-For / X-Real-IP を信頼するか
	FloodLimit int  // 接続元IPごとの1分あたりの上限

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// IsProduction は本番環境かどうかを返す。
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	vaultKey := os.Getenv("VAULT_KEY")
	if vaultKey == "" {
		missing = append(missing, "VAULT_KEY")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.SessionSecret) < minSessionSecretLen {
		return nil, fmt.Errorf("SESSION_SECRET must be at least %d bytes", minSessionSecretLen)
	}

	key, err := base64.StdEncoding.DecodeString(vaultKey)
	if err != nil {
		return nil, fmt.Errorf("VAULT_KEY must be base64 encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("VAULT_KEY must decode to 32 bytes, got %d", len(key))
	}
	cfg.VaultKey = key

	// Optional fields with defaults
	cfg.Environment = getEnvString("APP_ENV", "development")
	cfg.StoreTimeout = getEnvDuration("STORE_TIMEOUT", 3*time.Second)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 7*24*60*60)
	cfg.SessionCacheTTL = getEnvDuration("SESSION_CACHE_TTL", 30*time.Second)
	cfg.SessionSweep = getEnvDuration("SESSION_SWEEP_INTERVAL", time.Hour)
	cfg.OAuthProvidersFile = getEnvString("OAUTH_PROVIDERS_FILE", "")
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.OAuthRefreshSkew = getEnvDuration("OAUTH_REFRESH_SKEW", 5*time.Minute)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 5)
	cfg.RateLimitAuthWindow = getEnvDuration("RATE_LIMIT_AUTH_WINDOW", 15*time.Minute)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 100)
	cfg.RateLimitGeneralWindow = getEnvDuration("RATE_LIMIT_GENERAL_WINDOW", 15*time.Minute)
	cfg.RateLimitOAuth = getEnvInt("RATE_LIMIT_OAUTH", 20)
	cfg.RateLimitOAuthWindow = getEnvDuration("RATE_LIMIT_OAUTH_WINDOW", 15*time.Minute)
	cfg.AuditBufferSize = getEnvInt("AUDIT_BUFFER_SIZE", 1024)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.TrustProxy = getEnvBool("TRUST_PROXY", false)
	cfg.FloodLimit = getEnvInt("FLOOD_LIMIT", 300)
	cfg.CookieSecure = cfg.IsProduction() || strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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
