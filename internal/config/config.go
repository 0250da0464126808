package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr string

	PlatformAPIBaseURL     string
	PlatformAPIToken       string
	PlatformHTTPTimeoutSec int

	CacheStaleSeconds        int
	CacheExpiryMarginSeconds int

	AuditDBDriver     string
	AuditDBDSN        string
	DBPath            string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	AuditRetentionDays   int
	HousekeepingSchedule string

	// AdminTokens maps an admin id to the argon2id hash of that admin's API token.
	AdminTokens        map[int64]string
	CORSAllowedOrigins []string
	TrustProxy         bool
	RateLimitPerMinute int

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int

	LogLevel  string
	LogFormat string

	NotifySender string
	SMTPHost     string
	SMTPPort     int
	NotifyFrom   string
	NotifyTo     []string
}

func Load() (Config, error) {
	envFile := env("CONFIG_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	adminTokens, err := parseAdminTokens(os.Getenv("ADMIN_TOKENS"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:               env("LISTEN_ADDR", ":8080"),
		PlatformAPIBaseURL:       strings.TrimRight(env("PLATFORM_API_BASE_URL", ""), "/"),
		PlatformAPIToken:         env("PLATFORM_API_TOKEN", ""),
		PlatformHTTPTimeoutSec:   envInt("PLATFORM_HTTP_TIMEOUT_SEC", 15),
		CacheStaleSeconds:        envInt("CACHE_STALE_SECONDS", 300),
		CacheExpiryMarginSeconds: envInt("CACHE_EXPIRY_MARGIN_SECONDS", 60),
		AuditDBDriver:            strings.ToLower(env("AUDIT_DB_DRIVER", "sqlite")),
		AuditDBDSN:               env("AUDIT_DB_DSN", ""),
		DBPath:                   env("APP_DB_PATH", "./data/console.db"),
		DBMaxOpenConns:           envInt("APP_DB_MAX_OPEN_CONNS", 4),
		DBMaxIdleConns:           envInt("APP_DB_MAX_IDLE_CONNS", 2),
		DBConnMaxLifetime:        time.Duration(envInt("APP_DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		AuditRetentionDays:       envInt("AUDIT_RETENTION_DAYS", 90),
		HousekeepingSchedule:     env("HOUSEKEEPING_SCHEDULE", "0 30 3 * * *"),
		AdminTokens:              adminTokens,
		CORSAllowedOrigins:       envCSV("CORS_ALLOWED_ORIGINS"),
		TrustProxy:               envBool("TRUST_PROXY", false),
		RateLimitPerMinute:       envInt("RATE_LIMIT_PER_MINUTE", 120),
		HTTPReadTimeoutSec:       envInt("HTTP_READ_TIMEOUT_SEC", 10),
		HTTPReadHeaderTimeoutSec: envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      envInt("HTTP_WRITE_TIMEOUT_SEC", 30),
		HTTPIdleTimeoutSec:       envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
		LogLevel:                 strings.ToLower(env("LOG_LEVEL", "info")),
		LogFormat:                strings.ToLower(env("LOG_FORMAT", "json")),
		NotifySender:             strings.ToLower(env("NOTIFY_SENDER", "log")),
		SMTPHost:                 env("SMTP_HOST", "127.0.0.1"),
		SMTPPort:                 envInt("SMTP_PORT", 25),
		NotifyFrom:               env("NOTIFY_FROM", "console@example.com"),
		NotifyTo:                 envCSV("NOTIFY_TO"),
	}

	if cfg.PlatformAPIBaseURL == "" {
		return Config{}, fmt.Errorf("PLATFORM_API_BASE_URL is required")
	}
	if !strings.HasPrefix(cfg.PlatformAPIBaseURL, "http://") && !strings.HasPrefix(cfg.PlatformAPIBaseURL, "https://") {
		return Config{}, fmt.Errorf("PLATFORM_API_BASE_URL must be an http(s) URL")
	}
	if cfg.PlatformHTTPTimeoutSec <= 0 {
		return Config{}, fmt.Errorf("PLATFORM_HTTP_TIMEOUT_SEC must be positive")
	}
	if cfg.CacheStaleSeconds <= 0 || cfg.CacheExpiryMarginSeconds < 0 {
		return Config{}, fmt.Errorf("invalid cache staleness config")
	}
	if cfg.DBMaxOpenConns <= 0 || cfg.DBMaxIdleConns < 0 {
		return Config{}, fmt.Errorf("invalid DB pool config")
	}
	switch cfg.AuditDBDriver {
	case "sqlite":
	case "pgx", "mysql":
		if strings.TrimSpace(cfg.AuditDBDSN) == "" {
			return Config{}, fmt.Errorf("AUDIT_DB_DSN is required when AUDIT_DB_DRIVER=%s", cfg.AuditDBDriver)
		}
	default:
		return Config{}, fmt.Errorf("AUDIT_DB_DRIVER must be one of: sqlite, pgx, mysql")
	}
	if cfg.AuditRetentionDays < 0 {
		return Config{}, fmt.Errorf("AUDIT_RETENTION_DAYS must not be negative")
	}
	if cfg.RateLimitPerMinute <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive")
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be one of: json, console")
	}
	switch cfg.NotifySender {
	case "log", "none":
	case "smtp":
		if len(cfg.NotifyTo) == 0 {
			return Config{}, fmt.Errorf("NOTIFY_TO is required when NOTIFY_SENDER=smtp")
		}
		if cfg.SMTPPort <= 0 {
			return Config{}, fmt.Errorf("invalid SMTP_PORT")
		}
	default:
		return Config{}, fmt.Errorf("NOTIFY_SENDER must be one of: log, smtp, none")
	}
	if len(cfg.AdminTokens) == 0 && !isLocalListen(cfg.ListenAddr) {
		return Config{}, fmt.Errorf("ADMIN_TOKENS must be set unless listening on a local address")
	}
	return cfg, nil
}

func (c Config) PlatformHTTPTimeout() time.Duration {
	return time.Duration(c.PlatformHTTPTimeoutSec) * time.Second
}

func (c Config) CacheStaleAfter() time.Duration {
	return time.Duration(c.CacheStaleSeconds) * time.Second
}

func (c Config) CacheExpiryMargin() time.Duration {
	return time.Duration(c.CacheExpiryMarginSeconds) * time.Second
}

func (c Config) AuditRetention() time.Duration {
	return time.Duration(c.AuditRetentionDays) * 24 * time.Hour
}

// parseAdminTokens reads "id=hash;id=hash". Hashes contain '$' and ',' so the
// pair separator is ';'.
func parseAdminTokens(v string) (map[int64]string, error) {
	out := map[int64]string{}
	v = strings.TrimSpace(v)
	if v == "" {
		return out, nil
	}
	for _, pair := range strings.Split(v, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, hash, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("ADMIN_TOKENS entry %q must be id=hash", pair)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("ADMIN_TOKENS entry has invalid admin id %q", id)
		}
		hash = strings.TrimSpace(hash)
		if !strings.HasPrefix(hash, "$argon2id$") {
			return nil, fmt.Errorf("ADMIN_TOKENS entry for admin %d is not an argon2id hash", n)
		}
		out[n] = hash
	}
	return out, nil
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func envCSV(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isLocalListen(addr string) bool {
	a := strings.ToLower(strings.TrimSpace(addr))
	return strings.Contains(a, "127.0.0.1") || strings.Contains(a, "localhost") || strings.Contains(a, "[::1]")
}
