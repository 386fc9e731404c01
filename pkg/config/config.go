package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server struct {
		Port            string
		Env             string
		ShutdownTimeout time.Duration
	}

	// Database configuration
	Database struct {
		Host     string
		Port     string
		User     string
		Password string
		Name     string
		SSLMode  string
		MaxConns int
		Retries  int
	}

	// Redis configuration
	Redis struct {
		Enabled  bool
		Addr     string
		Password string
		DB       int
	}

	// JWT configuration
	JWT struct {
		Secret string
		Expiry time.Duration
	}

	// Security configuration
	Security struct {
		RateLimit      float64
		RateLimitBurst int
		MessageRate    float64
		MessageBurst   int
		AllowedOrigins []string
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}

	// Chat session lifecycle settings
	Chat struct {
		ValidityWindow   time.Duration
		Extension        time.Duration
		SweepInterval    time.Duration
		SweepBatchSize   int
		MaxRetries       int
		MaxMessageLength int
	}

	// Notification delivery settings
	Notifications struct {
		URL      string
		Timeout  time.Duration
		DedupTTL time.Duration
	}

	// Observability settings
	Observability struct {
		ServiceName    string
		TracingEnabled bool
	}

	// OpenAPI request validation
	Validation struct {
		Enabled bool
	}

	// Vault secrets source
	Vault struct {
		Enabled   bool
		Address   string
		Token     string
		Namespace string
		Mount     string
		Path      string
	}
}

var (
	instance *Config
	once     sync.Once
)

// New creates a new Config instance with values from environment variables
// Uses singleton pattern to ensure only one instance exists
func New() *Config {
	once.Do(func() {
		// Load .env file if exists
		_ = godotenv.Load()
		instance = Load()
	})

	return instance
}

// Get returns the singleton Config instance
func Get() *Config {
	if instance == nil {
		return New()
	}
	return instance
}

// Load reads a fresh Config from the environment without touching the singleton
func Load() *Config {
	cfg := &Config{}

	cfg.Server.Port = getEnvString("PORT", "8081")
	cfg.Server.Env = getEnvString("APP_ENV", "development")
	cfg.Server.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second)

	cfg.Database.Host = getEnvString("DB_HOST", "localhost")
	cfg.Database.Port = getEnvString("DB_PORT", "5432")
	cfg.Database.User = getEnvString("DB_USER", "postgres")
	cfg.Database.Password = getEnvString("DB_PASSWORD", "postgres")
	cfg.Database.Name = getEnvString("DB_NAME", "clinic")
	cfg.Database.SSLMode = getEnvString("DB_SSL_MODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.Retries = getEnvInt("DB_CONNECT_RETRIES", 5)

	cfg.Redis.Enabled = getEnvBool("REDIS_ENABLED", true)
	cfg.Redis.Addr = getEnvString("REDIS_URL", "localhost:6379")
	cfg.Redis.Password = getEnvString("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.JWT.Secret = getEnvString("JWT_SECRET", "")
	cfg.JWT.Expiry = getEnvDuration("JWT_EXPIRY", 24*time.Hour)

	cfg.Security.RateLimit = getEnvFloat("RATE_LIMIT", 5)
	cfg.Security.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", 10)
	cfg.Security.MessageRate = getEnvFloat("MESSAGE_RATE_LIMIT", 1)
	cfg.Security.MessageBurst = getEnvInt("MESSAGE_RATE_BURST", 5)
	cfg.Security.AllowedOrigins = getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"})

	cfg.Logging.Level = getEnvString("LOG_LEVEL", "info")
	cfg.Logging.Format = getEnvString("LOG_FORMAT", "json")

	cfg.Chat.ValidityWindow = getEnvDuration("CHAT_VALIDITY_WINDOW", 5*24*time.Hour)
	cfg.Chat.Extension = getEnvDuration("CHAT_EXTENSION", 5*24*time.Hour)
	cfg.Chat.SweepInterval = getEnvDuration("CHAT_SWEEP_INTERVAL", 10*time.Minute)
	cfg.Chat.SweepBatchSize = getEnvInt("CHAT_SWEEP_BATCH_SIZE", 200)
	cfg.Chat.MaxRetries = getEnvInt("CHAT_MAX_RETRIES", 5)
	cfg.Chat.MaxMessageLength = getEnvInt("CHAT_MAX_MESSAGE_LENGTH", 4000)

	cfg.Notifications.URL = getEnvString("NOTIFICATION_SERVICE_URL", "")
	cfg.Notifications.Timeout = getEnvDuration("NOTIFICATION_TIMEOUT", 5*time.Second)
	cfg.Notifications.DedupTTL = getEnvDuration("NOTIFICATION_DEDUP_TTL", 30*24*time.Hour)

	cfg.Observability.ServiceName = getEnvString("SERVICE_NAME", "chat-session-service")
	cfg.Observability.TracingEnabled = getEnvBool("TRACING_ENABLED", false)

	cfg.Validation.Enabled = getEnvBool("OPENAPI_VALIDATION", true)

	cfg.Vault.Enabled = getEnvBool("VAULT_ENABLED", false)
	cfg.Vault.Address = getEnvString("VAULT_ADDR", "")
	cfg.Vault.Token = getEnvString("VAULT_TOKEN", "")
	cfg.Vault.Namespace = getEnvString("VAULT_NAMESPACE", "")
	cfg.Vault.Mount = getEnvString("VAULT_MOUNT", "secret")
	cfg.Vault.Path = getEnvString("VAULT_SECRETS_PATH", "clinic-chat")

	return cfg
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions to read environment variables with default values

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
