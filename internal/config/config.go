// Package config loads service configuration from the environment.
// A .env file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Duplicate request policies for a requester that already has a pending request.
const (
	DuplicatePolicyIgnore = "ignore"
	DuplicatePolicyReject = "reject"
)

// Database drivers supported by storage.Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all application configuration
type Config struct {
	Server struct {
		Port            string
		Env             string
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		ShutdownTimeout time.Duration
		AllowedOrigins  []string
	}

	Database struct {
		Driver      string
		DSN         string
		Host        string
		Port        string
		User        string
		Password    string
		Name        string
		SSLMode     string
		MaxConns    int
		AutoMigrate bool
	}

	Redis struct {
		Enabled       bool
		Addr          string
		Password      string
		DB            int
		ChannelPrefix string
	}

	JWT struct {
		Secret string
		Issuer string
	}

	Auth struct {
		AllowedRoles []string
	}

	Chat struct {
		DuplicatePolicy string
		SendBuffer      int
		MaxFrameSize    int64
		EventsPerSecond float64
		EventBurst      int
		HistoryLimit    int
	}

	Logging struct {
		Level string
	}
}

// Load builds a Config from environment variables, falling back to defaults.
func Load() *Config {
	_ = godotenv.Load()

	c := &Config{}

	c.Server.Port = getEnvString("PORT", "8080")
	c.Server.Env = getEnvString("APP_ENV", "development")
	c.Server.ReadTimeout = getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second)
	c.Server.WriteTimeout = getEnvDuration("SERVER_WRITE_TIMEOUT", 10*time.Second)
	c.Server.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second)
	c.Server.AllowedOrigins = getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"})

	c.Database.Driver = getEnvString("DB_DRIVER", DriverPostgres)
	c.Database.DSN = getEnvString("DB_DSN", "")
	c.Database.Host = getEnvString("DB_HOST", "localhost")
	c.Database.Port = getEnvString("DB_PORT", "5432")
	c.Database.User = getEnvString("DB_USER", "user")
	c.Database.Password = getEnvString("DB_PASSWORD", "password")
	c.Database.Name = getEnvString("DB_NAME", "peersupport")
	c.Database.SSLMode = getEnvString("DB_SSL_MODE", "disable")
	c.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	c.Database.AutoMigrate = getEnvBool("DB_AUTO_MIGRATE", true)

	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", false)
	c.Redis.Addr = getEnvString("REDIS_ADDR", "localhost:6379")
	c.Redis.Password = getEnvString("REDIS_PASSWORD", "")
	c.Redis.DB = getEnvInt("REDIS_DB", 0)
	c.Redis.ChannelPrefix = getEnvString("REDIS_CHANNEL_PREFIX", "peersupport:")

	c.JWT.Secret = getEnvString("JWT_SECRET", "")
	c.JWT.Issuer = getEnvString("JWT_ISSUER", "")

	c.Auth.AllowedRoles = getEnvStringSlice("AUTH_ALLOWED_ROLES", []string{"student"})

	c.Chat.DuplicatePolicy = getEnvString("CHAT_DUPLICATE_POLICY", DuplicatePolicyIgnore)
	c.Chat.SendBuffer = getEnvInt("CHAT_SEND_BUFFER", 256)
	c.Chat.MaxFrameSize = getEnvInt64("CHAT_MAX_FRAME_SIZE", 16<<10)
	c.Chat.EventsPerSecond = getEnvFloat("CHAT_EVENTS_PER_SECOND", 10)
	c.Chat.EventBurst = getEnvInt("CHAT_EVENT_BURST", 20)
	c.Chat.HistoryLimit = getEnvInt("CHAT_HISTORY_LIMIT", 500)

	c.Logging.Level = getEnvString("LOG_LEVEL", "info")

	return c
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Env, "production")
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver))
	}
	if c.Database.Driver == DriverSQLite && c.Database.DSN == "" {
		errs = append(errs, errors.New("DB_DSN is required for the sqlite driver"))
	}

	switch c.Chat.DuplicatePolicy {
	case DuplicatePolicyIgnore, DuplicatePolicyReject:
	default:
		errs = append(errs, fmt.Errorf("unsupported CHAT_DUPLICATE_POLICY %q", c.Chat.DuplicatePolicy))
	}

	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Chat.SendBuffer <= 0 {
		errs = append(errs, errors.New("CHAT_SEND_BUFFER must be positive"))
	}
	if c.Chat.EventsPerSecond <= 0 || c.Chat.EventBurst <= 0 {
		errs = append(errs, errors.New("CHAT_EVENTS_PER_SECOND and CHAT_EVENT_BURST must be positive"))
	}

	return errors.Join(errs...)
}

// PostgresDSN returns DB_DSN when set, otherwise a DSN assembled from the DB_* parts.
func (c *Config) PostgresDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.Database.Host,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.Port,
		c.Database.SSLMode,
	)
}

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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
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
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
