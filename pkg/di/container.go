package di

import (
	"context"
	"fmt"
	"time"

	apptmodels "clinic-chat/backend/appointment/models"
	apptrepo "clinic-chat/backend/appointment/repository"
	"clinic-chat/backend/chat/repository"
	"clinic-chat/backend/chat/service"
	"clinic-chat/backend/notification"
	"clinic-chat/backend/pkg/cache"
	"clinic-chat/backend/pkg/config"
	"clinic-chat/backend/pkg/health"
	"clinic-chat/backend/pkg/jwt"
	"clinic-chat/backend/pkg/logger"
	"clinic-chat/backend/pkg/middleware"
	"clinic-chat/backend/pkg/secrets"
	"clinic-chat/backend/shared/observability"
	"clinic-chat/backend/shared/redis"

	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Container holds all the dependencies for the application
type Container struct {
	Config         *config.Config
	DB             *gorm.DB
	Logger         *logger.Logger
	Secrets        secrets.Manager
	JWTService     *jwt.Service
	ServiceKey     string
	Redis          *redis.RedisClient
	Sessions       repository.SessionRepository
	Appointments   apptrepo.Directory
	Dispatcher     *notification.Dispatcher
	Metrics        *observability.ChatMetrics
	SessionService *service.SessionService
	Sweeper        *service.Sweeper
	Health         *health.Checker
	APILimiter     *middleware.RateLimiter
	MessageLimiter *middleware.RateLimiter

	dedupCache *cache.Cache
}

// New wires the container against postgres and, when enabled, redis
func New(cfg *config.Config, db *gorm.DB, log *logger.Logger) (*Container, error) {
	sessions := repository.NewGormSessionRepository(db)
	if err := sessions.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate chat tables: %w", err)
	}

	var rdb *redis.RedisClient
	if cfg.Redis.Enabled {
		rdb = redis.NewRedisClient(redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	c, err := build(cfg, log, sessions, apptrepo.NewGormDirectory(db), rdb)
	if err != nil {
		return nil, err
	}
	c.DB = db

	c.Health.RegisterDatabaseCheck(func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
	return c, nil
}

// NewInMemory wires the container with process-local stores, for tests and local runs
func NewInMemory(cfg *config.Config, log *logger.Logger, appts ...apptmodels.Appointment) (*Container, error) {
	return build(cfg, log, repository.NewMemorySessionRepository(), apptrepo.NewMemoryDirectory(appts...), nil)
}

// NewSecrets builds the secrets manager from the vault settings in cfg
func NewSecrets(cfg *config.Config, log *logger.Logger) (secrets.Manager, error) {
	m, err := secrets.NewVaultManager(secrets.VaultConfig{
		Enabled:   cfg.Vault.Enabled,
		Address:   cfg.Vault.Address,
		Token:     cfg.Vault.Token,
		Namespace: cfg.Vault.Namespace,
		Mount:     cfg.Vault.Mount,
		Path:      cfg.Vault.Path,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create secrets manager: %w", err)
	}
	return m, nil
}

// JWTSecret resolves the signing secret, falling back to cfg.JWT.Secret
func JWTSecret(ctx context.Context, cfg *config.Config, m secrets.Manager) string {
	return m.GetSecretWithDefault(ctx, secrets.KeyJWTSecret, cfg.JWT.Secret)
}

func build(
	cfg *config.Config,
	log *logger.Logger,
	sessions repository.SessionRepository,
	appts apptrepo.Directory,
	rdb *redis.RedisClient,
) (*Container, error) {
	ctx := context.Background()

	secretManager, err := NewSecrets(cfg, log)
	if err != nil {
		return nil, err
	}

	jwtService := jwt.NewService(JWTSecret(ctx, cfg, secretManager), cfg.JWT.Expiry)
	serviceKey := secretManager.GetSecretWithDefault(ctx, secrets.KeyServiceKey, "")
	if serviceKey == "" {
		log.Warn("No chat service key configured, internal events are disabled")
	}

	metrics, err := observability.NewChatMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create chat metrics: %w", err)
	}

	var notifier notification.Notifier = notification.NewLogNotifier(log)
	if cfg.Notifications.URL != "" {
		notifier = notification.NewHTTPNotifier(cfg.Notifications.URL, cfg.Notifications.Timeout, log)
	}

	var (
		dedup      notification.Deduper
		locker     service.Locker
		dedupCache *cache.Cache
	)
	if rdb != nil {
		dedup = rdb
		locker = rdb
	} else {
		dedupCache = cache.NewCache(cfg.Notifications.DedupTTL, 100000)
		dedup = notification.NewCacheDeduper(dedupCache)
	}

	dispatcher := notification.NewDispatcher(notifier, dedup, notification.DispatcherConfig{
		Timeout:  cfg.Notifications.Timeout,
		DedupTTL: cfg.Notifications.DedupTTL,
	}, log)

	sessionService := service.NewSessionService(sessions, appts, dispatcher, metrics, log, service.Config{
		ValidityWindow:   cfg.Chat.ValidityWindow,
		Extension:        cfg.Chat.Extension,
		MaxRetries:       cfg.Chat.MaxRetries,
		MaxMessageLength: cfg.Chat.MaxMessageLength,
	})

	sweeper := service.NewSweeper(sessionService, locker, service.SweeperConfig{
		Interval:  cfg.Chat.SweepInterval,
		BatchSize: cfg.Chat.SweepBatchSize,
	}, log)

	checker := health.NewChecker(log, 30*time.Second)
	if rdb != nil {
		checker.RegisterRedisCheck(rdb.Ping)
	}

	// the API-wide limiter runs before authentication, so it keys on client IP
	apiLimiter := middleware.NewRateLimiter(log, middleware.RateLimiterOptions{
		Limit:          rate.Limit(cfg.Security.RateLimit),
		Burst:          cfg.Security.RateLimitBurst,
		ExpiryDuration: time.Hour,
	})
	messageLimiter := middleware.NewRateLimiter(log, middleware.RateLimiterOptions{
		Limit:          rate.Limit(cfg.Security.MessageRate),
		Burst:          cfg.Security.MessageBurst,
		ExpiryDuration: time.Hour,
		KeyFunc:        middleware.ByUser,
	})

	return &Container{
		Config:         cfg,
		Logger:         log,
		Secrets:        secretManager,
		JWTService:     jwtService,
		ServiceKey:     serviceKey,
		Redis:          rdb,
		Sessions:       sessions,
		Appointments:   appts,
		Dispatcher:     dispatcher,
		Metrics:        metrics,
		SessionService: sessionService,
		Sweeper:        sweeper,
		Health:         checker,
		APILimiter:     apiLimiter,
		MessageLimiter: messageLimiter,
		dedupCache:     dedupCache,
	}, nil
}

// Start launches the background workers until ctx is cancelled
func (c *Container) Start(ctx context.Context) {
	c.Health.Start(ctx)
	go c.Sweeper.Run(ctx)
	go c.APILimiter.Run(ctx)
	go c.MessageLimiter.Run(ctx)
	if c.dedupCache != nil {
		go c.dedupCache.RunJanitor(ctx, time.Hour)
	}
}

// Close drains pending notifications and releases connections
func (c *Container) Close() error {
	c.Dispatcher.Close()

	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			return fmt.Errorf("failed to close redis: %w", err)
		}
	}
	if c.DB != nil {
		sqlDB, err := c.DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}
