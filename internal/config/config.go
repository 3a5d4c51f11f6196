package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultBaseURL is used when SYNC_BASE_URL is missing or unusable.
const DefaultBaseURL = "http://localhost:5000"

// Config holds all application configuration
type Config struct {
	// Sync engine configuration
	Sync SyncConfig

	// Ops HTTP server (metrics, health) configuration
	Server ServerConfig

	// Development hub configuration
	Hub HubConfig

	// Logging configuration
	Logging LoggingConfig

	// Application metadata
	App AppConfig
}

// SyncConfig holds the real-time engine configuration
type SyncConfig struct {
	BaseURL                string
	TokenFile              string
	Token                  string
	UserID                 string
	Surface                string // manager, technician, customer
	TechnicianID           string
	QuotationIDs           []string
	RepairOrderIDs         []string
	ConnectTimeout         time.Duration
	InvokeTimeout          time.Duration
	ReconnectSchedule      []time.Duration
	OptimisticWindow       time.Duration
	GracePeriod            time.Duration
	PollMinInterval        time.Duration
	PollMaxInterval        time.Duration
	PermanentRetryInterval time.Duration
	SnapshotRPS            float64
	SnapshotBurst          int
	SnapshotTimeout        time.Duration
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// HubConfig holds the development hub configuration
type HubConfig struct {
	Port            string
	JWTSecret       string
	TokenTTL        time.Duration
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongWait        time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
	DatabaseURL     string // empty keeps snapshots in badger
	DBMaxConns      int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string
	Version     string
	Environment string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := &Config{
		Sync: SyncConfig{
			BaseURL:                normalizeBaseURL(os.Getenv("SYNC_BASE_URL")),
			TokenFile:              os.Getenv("SYNC_TOKEN_FILE"),
			Token:                  os.Getenv("SYNC_TOKEN"),
			UserID:                 os.Getenv("SYNC_USER_ID"),
			Surface:                getEnvOrDefault("SYNC_SURFACE", "manager"),
			TechnicianID:           os.Getenv("SYNC_TECHNICIAN_ID"),
			QuotationIDs:           getStringSliceOrDefault("SYNC_QUOTATION_IDS", nil),
			RepairOrderIDs:         getStringSliceOrDefault("SYNC_REPAIR_ORDER_IDS", nil),
			ConnectTimeout:         getDurationOrDefault("SYNC_CONNECT_TIMEOUT", 15*time.Second),
			InvokeTimeout:          getDurationOrDefault("SYNC_INVOKE_TIMEOUT", 15*time.Second),
			ReconnectSchedule:      getDurationSliceOrDefault("SYNC_RECONNECT_SCHEDULE", DefaultReconnectSchedule()),
			OptimisticWindow:       getDurationOrDefault("SYNC_OPTIMISTIC_WINDOW", 10*time.Second),
			GracePeriod:            getDurationOrDefault("SYNC_GRACE_PERIOD", 3*time.Second),
			PollMinInterval:        getDurationOrDefault("SYNC_POLL_MIN_INTERVAL", 5*time.Second),
			PollMaxInterval:        getDurationOrDefault("SYNC_POLL_MAX_INTERVAL", 30*time.Second),
			PermanentRetryInterval: getDurationOrDefault("SYNC_PERMANENT_RETRY_INTERVAL", 60*time.Second),
			SnapshotRPS:            getFloatOrDefault("SYNC_SNAPSHOT_RPS", 5),
			SnapshotBurst:          getIntOrDefault("SYNC_SNAPSHOT_BURST", 10),
			SnapshotTimeout:        getDurationOrDefault("SYNC_SNAPSHOT_TIMEOUT", 10*time.Second),
		},
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", ":9090"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Hub: HubConfig{
			Port:            getEnvOrDefault("HUB_PORT", ":5000"),
			JWTSecret:       os.Getenv("HUB_JWT_SECRET"),
			TokenTTL:        getDurationOrDefault("HUB_TOKEN_TTL", 8*time.Hour),
			AllowedOrigins:  getStringSliceOrDefault("HUB_ALLOWED_ORIGINS", []string{}),
			ReadBufferSize:  getIntOrDefault("HUB_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getIntOrDefault("HUB_WRITE_BUFFER_SIZE", 1024),
			PingInterval:    getDurationOrDefault("HUB_PING_INTERVAL", 54*time.Second),
			PongWait:        getDurationOrDefault("HUB_PONG_WAIT", 60*time.Second),
			RateLimitRPS:    getFloatOrDefault("HUB_RATE_LIMIT_RPS", 20),
			RateLimitBurst:  getIntOrDefault("HUB_RATE_LIMIT_BURST", 40),
			DatabaseURL:     os.Getenv("HUB_DATABASE_URL"),
			DBMaxConns:      getIntOrDefault("HUB_DB_MAX_CONNS", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		App: AppConfig{
			Name:        getEnvOrDefault("APP_NAME", "workshop-sync"),
			Version:     getEnvOrDefault("APP_VERSION", "dev"),
			Environment: getEnvOrDefault("APP_ENV", "development"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultReconnectSchedule is the delay before each reconnect attempt.
func DefaultReconnectSchedule() []time.Duration {
	return []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	switch c.Sync.Surface {
	case "manager", "technician", "customer":
	default:
		errs = append(errs, fmt.Sprintf("SYNC_SURFACE must be manager, technician or customer, got %q", c.Sync.Surface))
	}

	if c.Sync.Surface == "technician" && c.Sync.TechnicianID == "" {
		errs = append(errs, "SYNC_TECHNICIAN_ID is required for the technician surface")
	}

	if len(c.Sync.ReconnectSchedule) == 0 {
		errs = append(errs, "SYNC_RECONNECT_SCHEDULE must list at least one delay")
	}

	positive := map[string]time.Duration{
		"SYNC_CONNECT_TIMEOUT":          c.Sync.ConnectTimeout,
		"SYNC_INVOKE_TIMEOUT":           c.Sync.InvokeTimeout,
		"SYNC_OPTIMISTIC_WINDOW":        c.Sync.OptimisticWindow,
		"SYNC_GRACE_PERIOD":             c.Sync.GracePeriod,
		"SYNC_POLL_MIN_INTERVAL":        c.Sync.PollMinInterval,
		"SYNC_PERMANENT_RETRY_INTERVAL": c.Sync.PermanentRetryInterval,
	}
	for _, name := range sortedKeys(positive) {
		if positive[name] <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}

	if c.Sync.PollMaxInterval < c.Sync.PollMinInterval {
		errs = append(errs, "SYNC_POLL_MAX_INTERVAL cannot be less than SYNC_POLL_MIN_INTERVAL")
	}

	if c.App.Environment == "production" && c.Hub.JWTSecret != "" && len(c.Hub.JWTSecret) < 32 {
		errs = append(errs, "HUB_JWT_SECRET must be at least 32 characters in production")
	}

	if len(errs) > 0 {
		return errors.New("configuration errors:\n  - " + strings.Join(errs, "\n  - "))
	}

	return nil
}

// ValidateHub checks the settings only the development hub needs.
func (c *Config) ValidateHub() error {
	if c.Hub.JWTSecret == "" {
		return errors.New("configuration errors:\n  - HUB_JWT_SECRET is required")
	}
	if c.Hub.DatabaseURL != "" && !strings.HasPrefix(c.Hub.DatabaseURL, "postgres://") && !strings.HasPrefix(c.Hub.DatabaseURL, "postgresql://") {
		return errors.New("configuration errors:\n  - HUB_DATABASE_URL must be a postgres:// url")
	}
	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// normalizeBaseURL returns raw without a trailing slash, or the default
// when raw is not an absolute http(s) URL.
func normalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultBaseURL
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		log.Printf("Invalid SYNC_BASE_URL %q, using %s", raw, DefaultBaseURL)
		return DefaultBaseURL
	}
	return strings.TrimRight(u.String(), "/")
}

// Helper functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		result := splitList(value)
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// getDurationSliceOrDefault falls back entirely if any entry is invalid.
func getDurationSliceOrDefault(key string, defaultValue []time.Duration) []time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := splitList(value)
	result := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		d, err := time.ParseDuration(part)
		if err != nil || d < 0 {
			return defaultValue
		}
		result = append(result, d)
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns a redacted string representation of the config (safe for logging)
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{BaseURL: %s, Surface: %s, Token: [REDACTED], Ops: %s, Environment: %s}",
		c.Sync.BaseURL,
		c.Sync.Surface,
		c.Server.Port,
		c.App.Environment,
	)
}
