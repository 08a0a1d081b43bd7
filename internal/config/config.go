// Package config reads the service configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	RateLimitMemory   = "memory"
	RateLimitPostgres = "postgres"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	Port        string
	Environment string
	BaseURL     string
	LogFormat   string
	SentryDSN   string

	SessionTTL     time.Duration
	CookieSecure   bool
	AllowedOrigins []string
	TrustProxy     bool

	MailgunKey      string
	MailgunDomain   string
	MailgunAPIBase  string
	MailFromConfirm string
	MailFromReset   string

	RateLimitEnabled bool
	RateLimitBackend string
	ResetTokenTTL    time.Duration

	CronSecret           string
	CleanupSchedule      string
	IPLimitRetention     time.Duration
	CleanupBatchSize     int
	RunMigrationsOnStart bool

	DB DBPool
}

type DBPool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c Config) MailgunEnabled() bool {
	return c.MailgunKey != "" && c.MailgunDomain != ""
}

// Load reads the environment, optionally seeding it from a .env file first.
func Load(loadDotEnv bool) (Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return Config{}, err
	}
	redisURL, err := mustEnv("REDIS_URL")
	if err != nil {
		return Config{}, err
	}

	backend := strings.ToLower(envOrDefault("RATE_LIMIT_BACKEND", RateLimitMemory))
	if backend != RateLimitMemory && backend != RateLimitPostgres {
		return Config{}, fmt.Errorf("invalid RATE_LIMIT_BACKEND %q", backend)
	}

	environment := envOrDefault("APP_ENV", "development")
	port := envOrDefault("PORT", "8080")

	baseURL, err := baseURLFor(environment, port)
	if err != nil {
		return Config{}, err
	}

	return Config{
		DatabaseURL: databaseURL,
		RedisURL:    redisURL,
		Port:        port,
		Environment: environment,
		BaseURL:     baseURL,
		LogFormat:   envOrDefault("LOG_FORMAT", "json"),
		SentryDSN:   strings.TrimSpace(os.Getenv("SENTRY_DSN")),

		SessionTTL:     envHoursOrDefault("SESSION_TTL_HOURS", 24),
		CookieSecure:   EnvBoolOrDefault("COOKIE_SECURE", environment == "production"),
		AllowedOrigins: envList("ALLOWED_ORIGINS"),
		TrustProxy:     EnvBoolOrDefault("TRUST_PROXY", false),

		MailgunKey:      strings.TrimSpace(os.Getenv("MAILGUN_KEY")),
		MailgunDomain:   strings.TrimSpace(os.Getenv("MAILGUN_DOMAIN")),
		MailgunAPIBase:  strings.TrimSpace(os.Getenv("MAILGUN_API_BASE")),
		MailFromConfirm: envOrDefault("MAIL_FROM_CONFIRM", "Voyager <confirm@voyager.local>"),
		MailFromReset:   envOrDefault("MAIL_FROM_RESET", "Voyager <password@voyager.local>"),

		RateLimitEnabled: EnvBoolOrDefault("RATE_LIMIT_ENABLED", true),
		RateLimitBackend: backend,
		ResetTokenTTL:    envMinutesOrDefault("RESET_TOKEN_TTL_MINUTES", 60),

		CronSecret:           strings.TrimSpace(os.Getenv("CRON_SECRET")),
		CleanupSchedule:      envScheduleOrDefault("CLEANUP_SCHEDULE", "@hourly"),
		IPLimitRetention:     envDaysOrDefault("AUTH_IP_LIMIT_RETENTION_DAYS", 7),
		CleanupBatchSize:     envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
		RunMigrationsOnStart: EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", false),

		DB: DBPool{
			MaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
			ConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
		},
	}, nil
}

// baseURLFor returns APP_BASE_URL. Emailed links are built on it, so it is
// required outside development, where it defaults to localhost.
func baseURLFor(environment, port string) (string, error) {
	value := strings.TrimSuffix(strings.TrimSpace(os.Getenv("APP_BASE_URL")), "/")
	if value == "" {
		if environment != "development" {
			return "", fmt.Errorf("missing required env: APP_BASE_URL")
		}
		return "http://localhost:" + port, nil
	}

	parsed, err := url.Parse(value)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", fmt.Errorf("invalid APP_BASE_URL %q", value)
	}
	return value, nil
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

// envScheduleOrDefault returns fallback only when name is unset. An empty
// value or "off" disables the schedule.
func envScheduleOrDefault(name, fallback string) string {
	value, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if strings.EqualFold(value, "off") {
		return ""
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envList(name string) []string {
	var values []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
