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

type Config struct {
	Database   DatabaseConfig
	Redis      RedisConfig
	Aggregator AggregatorConfig
	Encryption EncryptionConfig
	Scheduler  SchedulerConfig
	Sync       SyncConfig
	Retry      RetryConfig
	Telemetry  TelemetryConfig
	Log        LogConfig
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig enables the distributed sync lock when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

type AggregatorConfig struct {
	// Environment is sandbox, development or production. BaseURL overrides it.
	Environment  string
	BaseURL      string
	ClientID     string
	Secret       string
	Timeout      time.Duration
	RateLimit    float64 // requests per second, 0 disables the limiter
	RateBurst    int
	PageSize     int
	ClientName   string
	Language     string
	Products     []string
	CountryCodes []string
	Webhook      string
	RedirectURI  string
}

type EncryptionConfig struct {
	Key string
}

type SchedulerConfig struct {
	Enabled       bool
	ScheduleTimes []string
	WorkerCount   int
	JobDelay      time.Duration
	JobTimeout    time.Duration
	QueueSize     int
	RunOnStartup  bool
	// BatchLimit caps the connections refreshed per run. Zero means all.
	BatchLimit int
}

type SyncConfig struct {
	InitialWindow  time.Duration
	LookbackWindow time.Duration
	SoftCooldown   time.Duration
	HardInterval   time.Duration
	BatchSize      int
	LockTTL        time.Duration
}

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	MetricsPort  string
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment. Variables in a .env file
// in the working directory, or in the file named by FINSYNC_ENV_FILE, are
// loaded first without overriding the real environment.
func Load() (*Config, error) {
	envFile := getEnv("FINSYNC_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	var errs []error
	intEnv := func(key string, def int) int {
		v, err := getIntEnv(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	durationEnv := func(key string, def time.Duration) time.Duration {
		v, err := getDurationEnv(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	dayEnv := func(key string, def int) time.Duration {
		return time.Duration(intEnv(key, def)) * 24 * time.Hour
	}

	rateLimit, err := strconv.ParseFloat(getEnv("AGGREGATOR_RATE_LIMIT", "10"), 64)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid AGGREGATOR_RATE_LIMIT: %w", err))
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            intEnv("DB_PORT", 5432),
			User:            getEnv("DB_USER", "finsync"),
			Password:        getEnv("DB_PASSWORD", ""),
			DBName:          getEnv("DB_NAME", "finsync"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    intEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    intEnv("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: durationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       intEnv("REDIS_DB", 0),
			PoolSize: intEnv("REDIS_POOL_SIZE", 10),
		},
		Aggregator: AggregatorConfig{
			Environment:  getEnv("AGGREGATOR_ENV", "sandbox"),
			BaseURL:      getEnv("AGGREGATOR_BASE_URL", ""),
			ClientID:     getEnv("AGGREGATOR_CLIENT_ID", ""),
			Secret:       getEnv("AGGREGATOR_SECRET", ""),
			Timeout:      durationEnv("AGGREGATOR_TIMEOUT", 60*time.Second),
			RateLimit:    rateLimit,
			RateBurst:    intEnv("AGGREGATOR_RATE_BURST", 5),
			PageSize:     intEnv("AGGREGATOR_PAGE_SIZE", 500),
			ClientName:   getEnv("AGGREGATOR_CLIENT_NAME", "finsync"),
			Language:     getEnv("AGGREGATOR_LANGUAGE", "en"),
			Products:     getListEnv("AGGREGATOR_PRODUCTS", "transactions,investments"),
			CountryCodes: getListEnv("AGGREGATOR_COUNTRY_CODES", "US"),
			Webhook:      getEnv("AGGREGATOR_WEBHOOK", ""),
			RedirectURI:  getEnv("AGGREGATOR_REDIRECT_URI", ""),
		},
		Encryption: EncryptionConfig{
			Key: getEnv("ENCRYPTION_KEY", ""),
		},
		Scheduler: SchedulerConfig{
			Enabled:       getBoolEnv("SCHEDULER_ENABLED", true),
			ScheduleTimes: getListEnv("SCHEDULER_TIMES", "03:00"),
			WorkerCount:   intEnv("SCHEDULER_WORKERS", 5),
			JobDelay:      durationEnv("SCHEDULER_JOB_DELAY", time.Second),
			JobTimeout:    durationEnv("SCHEDULER_JOB_TIMEOUT", 5*time.Minute),
			QueueSize:     intEnv("SCHEDULER_QUEUE_SIZE", 100),
			RunOnStartup:  getBoolEnv("SCHEDULER_RUN_ON_STARTUP", false),
			BatchLimit:    intEnv("SCHEDULER_BATCH_LIMIT", 0),
		},
		Sync: SyncConfig{
			InitialWindow:  dayEnv("SYNC_INITIAL_DAYS", 90),
			LookbackWindow: dayEnv("SYNC_LOOKBACK_DAYS", 30),
			SoftCooldown:   dayEnv("SYNC_SOFT_COOLDOWN_DAYS", 7),
			HardInterval:   dayEnv("SYNC_HARD_INTERVAL_DAYS", 90),
			BatchSize:      intEnv("SYNC_BATCH_SIZE", 100),
			LockTTL:        durationEnv("SYNC_LOCK_TTL", 10*time.Minute),
		},
		Retry: RetryConfig{
			MaxRetries: intEnv("RETRY_MAX_RETRIES", 3),
			BaseDelay:  durationEnv("RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:   durationEnv("RETRY_MAX_DELAY", 10*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getBoolEnv("OTEL_ENABLED", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "finsync"),
			Environment:  getEnv("APP_ENV", "development"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
			MetricsPort:  getEnv("METRICS_PORT", "9090"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	if c.Encryption.Key == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.Encryption.Key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes")
	}
	if c.Aggregator.ClientID == "" {
		return fmt.Errorf("AGGREGATOR_CLIENT_ID is required")
	}
	if c.Aggregator.Secret == "" {
		return fmt.Errorf("AGGREGATOR_SECRET is required")
	}
	if c.Aggregator.PageSize < 1 || c.Aggregator.PageSize > 500 {
		return fmt.Errorf("AGGREGATOR_PAGE_SIZE must be between 1 and 500")
	}
	if c.Sync.BatchSize < 1 || c.Sync.BatchSize > 100 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be between 1 and 100")
	}
	if c.Sync.SoftCooldown <= 0 || c.Sync.HardInterval <= 0 {
		return fmt.Errorf("SYNC_SOFT_COOLDOWN_DAYS and SYNC_HARD_INTERVAL_DAYS must be positive")
	}
	if c.Scheduler.Enabled && len(c.Scheduler.ScheduleTimes) == 0 {
		return fmt.Errorf("SCHEDULER_TIMES is required when SCHEDULER_ENABLED=true")
	}
	return nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

func getIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// getListEnv splits a comma-separated value, dropping empty entries.
func getListEnv(key, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, defaultValue), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
