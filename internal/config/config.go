package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 会議サービスの認証方式。
const (
	ConferencingAuthJWT   = "jwt"
	ConferencingAuthOAuth = "oauth"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Caller authentication (外部認証プロバイダが発行したアクセストークンの検証)
	AuthJWTSecret string
	AuthJWTIssuer string

	// Conferencing
	ConferencingBaseURL      string
	ConferencingAuthMode     string
	ConferencingAPIKey       string
	ConferencingAPISecret    string
	ConferencingAccountID    string
	ConferencingClientID     string
	ConferencingClientSecret string
	ConferencingTokenURL     string
	ConferencingTokenTTL     time.Duration
	ConferencingTimeout      time.Duration

	// Rate Limit
	RateLimitGeneral int
	RateLimitBooking int

	// Reconcile
	ReconcileInterval   time.Duration
	ReconcilePendingTTL time.Duration
	ReconcileBatchSize  int
	LedgerRetentionDays int

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値の形式が不正な場合はエラーを返す。
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 10)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("conferencing.base_url", "https://api.zoom.us/v2")
	v.SetDefault("conferencing.auth_mode", ConferencingAuthJWT)
	v.SetDefault("conferencing.token_url", "https://zoom.us/oauth/token")
	v.SetDefault("conferencing.token_ttl", "60s")
	v.SetDefault("conferencing.timeout", "10s")
	v.SetDefault("rate_limit.general", 120)
	v.SetDefault("rate_limit.booking", 10)
	v.SetDefault("reconcile.interval", "5m")
	v.SetDefault("reconcile.pending_ttl", "15m")
	v.SetDefault("reconcile.batch_size", 50)
	v.SetDefault("ledger.retention_days", 90)
	v.SetDefault("log.level", "info")
	v.SetDefault("server.port", "8080")
	v.SetDefault("cors.allowed_origin", "http://localhost:3000")

	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("db.max_open_conns", "DB_MAX_OPEN_CONNS")
	_ = v.BindEnv("db.max_idle_conns", "DB_MAX_IDLE_CONNS")
	_ = v.BindEnv("db.conn_max_lifetime", "DB_CONN_MAX_LIFETIME")
	_ = v.BindEnv("auth.jwt_secret", "AUTH_JWT_SECRET")
	_ = v.BindEnv("auth.jwt_issuer", "AUTH_JWT_ISSUER")
	_ = v.BindEnv("conferencing.base_url", "CONFERENCING_BASE_URL")
	_ = v.BindEnv("conferencing.auth_mode", "CONFERENCING_AUTH_MODE")
	_ = v.BindEnv("conferencing.api_key", "CONFERENCING_API_KEY", "ZOOM_ADMIN_ID")
	_ = v.BindEnv("conferencing.api_secret", "CONFERENCING_API_SECRET", "ZOOM_ADMIN_SECRET")
	_ = v.BindEnv("conferencing.account_id", "CONFERENCING_ACCOUNT_ID")
	_ = v.BindEnv("conferencing.client_id", "CONFERENCING_CLIENT_ID")
	_ = v.BindEnv("conferencing.client_secret", "CONFERENCING_CLIENT_SECRET")
	_ = v.BindEnv("conferencing.token_url", "CONFERENCING_TOKEN_URL")
	_ = v.BindEnv("conferencing.token_ttl", "CONFERENCING_TOKEN_TTL")
	_ = v.BindEnv("conferencing.timeout", "CONFERENCING_TIMEOUT")
	_ = v.BindEnv("rate_limit.general", "RATE_LIMIT_GENERAL")
	_ = v.BindEnv("rate_limit.booking", "RATE_LIMIT_BOOKING")
	_ = v.BindEnv("reconcile.interval", "RECONCILE_INTERVAL")
	_ = v.BindEnv("reconcile.pending_ttl", "RECONCILE_PENDING_TTL")
	_ = v.BindEnv("reconcile.batch_size", "RECONCILE_BATCH_SIZE")
	_ = v.BindEnv("ledger.retention_days", "LEDGER_RETENTION_DAYS")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("cors.allowed_origin", "CORS_ALLOWED_ORIGIN")

	cfg := &Config{
		DatabaseURL:              strings.TrimSpace(v.GetString("database.url")),
		DBMaxOpenConns:           v.GetInt("db.max_open_conns"),
		DBMaxIdleConns:           v.GetInt("db.max_idle_conns"),
		AuthJWTSecret:            v.GetString("auth.jwt_secret"),
		AuthJWTIssuer:            v.GetString("auth.jwt_issuer"),
		ConferencingBaseURL:      strings.TrimRight(v.GetString("conferencing.base_url"), "/"),
		ConferencingAuthMode:     strings.ToLower(strings.TrimSpace(v.GetString("conferencing.auth_mode"))),
		ConferencingAPIKey:       v.GetString("conferencing.api_key"),
		ConferencingAPISecret:    v.GetString("conferencing.api_secret"),
		ConferencingAccountID:    v.GetString("conferencing.account_id"),
		ConferencingClientID:     v.GetString("conferencing.client_id"),
		ConferencingClientSecret: v.GetString("conferencing.client_secret"),
		ConferencingTokenURL:     v.GetString("conferencing.token_url"),
		RateLimitGeneral:         v.GetInt("rate_limit.general"),
		RateLimitBooking:         v.GetInt("rate_limit.booking"),
		ReconcileBatchSize:       v.GetInt("reconcile.batch_size"),
		LedgerRetentionDays:      v.GetInt("ledger.retention_days"),
		LogLevel:                 strings.ToLower(v.GetString("log.level")),
		ServerPort:               v.GetString("server.port"),
		CORSAllowedOrigin:        v.GetString("cors.allowed_origin"),
	}

	// Required fields
	var missing []string
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if cfg.AuthJWTSecret == "" {
		missing = append(missing, "AUTH_JWT_SECRET")
	}
	switch cfg.ConferencingAuthMode {
	case ConferencingAuthJWT:
		if cfg.ConferencingAPIKey == "" {
			missing = append(missing, "CONFERENCING_API_KEY")
		}
		if cfg.ConferencingAPISecret == "" {
			missing = append(missing, "CONFERENCING_API_SECRET")
		}
	case ConferencingAuthOAuth:
		if cfg.ConferencingAccountID == "" {
			missing = append(missing, "CONFERENCING_ACCOUNT_ID")
		}
		if cfg.ConferencingClientID == "" {
			missing = append(missing, "CONFERENCING_CLIENT_ID")
		}
		if cfg.ConferencingClientSecret == "" {
			missing = append(missing, "CONFERENCING_CLIENT_SECRET")
		}
	default:
		return nil, fmt.Errorf("CONFERENCING_AUTH_MODE must be %q or %q: got %q",
			ConferencingAuthJWT, ConferencingAuthOAuth, cfg.ConferencingAuthMode)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"db.conn_max_lifetime", &cfg.DBConnMaxLifetime},
		{"conferencing.token_ttl", &cfg.ConferencingTokenTTL},
		{"conferencing.timeout", &cfg.ConferencingTimeout},
		{"reconcile.interval", &cfg.ReconcileInterval},
		{"reconcile.pending_ttl", &cfg.ReconcilePendingTTL},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %w", envName(d.key), err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

// envName は設定キーを対応する環境変数名に変換する。
func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
