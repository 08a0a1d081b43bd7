// Package app wires configuration, storage and HTTP routes into a runnable
// handler shared by the server binary and the serverless entrypoint.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"voyager-accounts/internal/auth"
	"voyager-accounts/internal/config"
	"voyager-accounts/internal/db"
	"voyager-accounts/internal/mail"
	"voyager-accounts/internal/maintenance"
	"voyager-accounts/internal/observability"
	"voyager-accounts/internal/session"
	"voyager-accounts/internal/view"
)

var release = "dev"

type Options struct {
	LoadDotEnv bool
	// RunMigrations forces migrations on; RUN_MIGRATIONS_ON_STARTUP can also
	// enable them.
	RunMigrations bool
	// Schedule starts the in-process cleanup cron. Serverless deployments
	// leave it off and call the cleanup endpoint instead.
	Schedule bool
}

type Runtime struct {
	Handler http.Handler
	Logger  *observability.Logger
	Config  config.Config
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	cfg, err := config.Load(options.LoadDotEnv)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(cfg.LogFormat)

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Environment, release); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	if options.RunMigrations || cfg.RunMigrationsOnStart {
		applied, err := db.RunMigrations(context.Background(), database)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations_applied", map[string]any{"versions": applied})
		}
	}

	redisClient, err := openRedis(cfg)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	closeStores := func() error {
		return errors.Join(redisClient.Close(), database.Close())
	}

	views, err := view.NewRenderer()
	if err != nil {
		_ = closeStores()
		return nil, fmt.Errorf("load templates: %w", err)
	}

	sender, err := newMailSender(cfg, logger)
	if err != nil {
		_ = closeStores()
		return nil, err
	}
	dispatcher := mail.NewDispatcher(sender, logger)

	authRepo := auth.NewRepository(database)
	authService := auth.NewService(authRepo)
	authService.WithResetTokenTTL(cfg.ResetTokenTTL)

	sessions := session.NewStore(redisClient, session.Config{
		TTL:    cfg.SessionTTL,
		Secure: cfg.CookieSecure,
	})
	authHandler := auth.NewHandler(
		authService,
		sessions,
		views,
		dispatcher,
		mail.NewComposer(cfg.BaseURL, cfg.MailFromConfirm, cfg.MailFromReset),
		logger,
	)

	cleanupJob := maintenance.NewJob(authRepo, logger, cfg.IPLimitRetention, cfg.CleanupBatchSize)

	var scheduler *maintenance.Scheduler
	if options.Schedule && cfg.CleanupSchedule != "" {
		scheduler, err = maintenance.NewScheduler(cleanupJob, cfg.CleanupSchedule)
		if err != nil {
			_ = closeStores()
			return nil, err
		}
		scheduler.Start()
	}

	var counter auth.HitCounter = auth.NewMemoryCounter()
	if cfg.RateLimitBackend == config.RateLimitPostgres {
		counter = authRepo
	}

	mux := newRouter(routerDeps{
		auth:           authHandler,
		sessions:       sessions,
		cleanup:        maintenance.NewCleanupHandler(cleanupJob, cfg.CronSecret),
		health:         healthHandler(database, redisClient),
		counter:        counter,
		limitsEnabled:  cfg.RateLimitEnabled,
		allowedOrigins: allowedOrigins(cfg),
		logger:         logger,
	})

	logger.Info("app_ready", map[string]any{
		"environment":        cfg.Environment,
		"rate_limit_enabled": cfg.RateLimitEnabled,
		"rate_limit_backend": cfg.RateLimitBackend,
		"mailgun":            cfg.MailgunEnabled(),
		"cleanup_scheduled":  scheduler != nil,
	})

	return &Runtime{
		Handler: observability.Chain(logger, cfg.TrustProxy, mux),
		Logger:  logger,
		Config:  cfg,
		Close: func() error {
			if scheduler != nil {
				scheduler.Stop()
			}
			dispatcher.Wait()
			observability.FlushSentry()
			return closeStores()
		},
	}, nil
}

func openDatabase(cfg config.Config) (*sql.DB, error) {
	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	database.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DB.ConnMaxIdleTime)

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return database, nil
}

func openRedis(cfg config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

func newMailSender(cfg config.Config, logger *observability.Logger) (mail.Sender, error) {
	if !cfg.MailgunEnabled() {
		logger.Warn("mailgun_disabled", map[string]any{"reason": "MAILGUN_KEY or MAILGUN_DOMAIN not set"})
		return mail.NewLogSender(logger), nil
	}

	client, err := mail.NewMailgun(cfg.MailgunKey, cfg.MailgunDomain, cfg.MailgunAPIBase)
	if err != nil {
		return nil, fmt.Errorf("init mailgun: %w", err)
	}
	return client, nil
}

// allowedOrigins always includes the base URL the app is served from.
func allowedOrigins(cfg config.Config) []string {
	origins := []string{cfg.BaseURL}
	for _, origin := range cfg.AllowedOrigins {
		if origin != cfg.BaseURL {
			origins = append(origins, origin)
		}
	}
	return origins
}
