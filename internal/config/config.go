package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Mode        string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis     RedisConfig
	AMQP      AMQPConfig
	Scheduler SchedulerConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type AMQPConfig struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
}

func (c AMQPConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

// SchedulerConfig carries the environment knobs of the report scheduler.
type SchedulerConfig struct {
	Enabled              bool
	RunInterval          time.Duration
	CronSpec             string
	WorkerPoolSize       int
	BatchSize            int
	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	DispatchTimeout      time.Duration
	CommitTimeout        time.Duration
	MaxWindowsPerTick    int
	LeaseTTL             time.Duration
	TuningFile           string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	mode := normalizeMode(getenv("APP_MODE", ModeMonolith))
	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "finsight"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Mode:         mode,
		Environment:  environment,
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", ""),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "finsight"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
			TTL:      getenvDuration("LEDGER_CACHE_TTL", 24*time.Hour),
		},
		AMQP: AMQPConfig{
			URL:        strings.TrimSpace(getenv("AMQP_URL", "")),
			Exchange:   getenv("AMQP_REPORT_EXCHANGE", "finsight.reports"),
			Queue:      getenv("AMQP_REPORT_QUEUE", "report.dispatch"),
			RoutingKey: getenv("AMQP_REPORT_ROUTING_KEY", "report.dispatch"),
		},
		Scheduler: SchedulerConfig{
			Enabled:              getenvBool("SCHEDULER_ENABLED", schedulerModeEnabled(mode)),
			RunInterval:          getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			CronSpec:             strings.TrimSpace(getenv("SCHEDULER_CRON", "")),
			WorkerPoolSize:       getenvInt("SCHEDULER_WORKER_POOL_SIZE", 8),
			BatchSize:            getenvInt("SCHEDULER_BATCH_SIZE", 200),
			RetryMaxAttempts:     getenvInt("REPORT_RETRY_MAX_ATTEMPTS", 3),
			RetryInitialInterval: getenvDuration("REPORT_RETRY_INITIAL_INTERVAL", 500*time.Millisecond),
			RetryMaxInterval:     getenvDuration("REPORT_RETRY_MAX_INTERVAL", 10*time.Second),
			DispatchTimeout:      getenvDuration("REPORT_DISPATCH_TIMEOUT", 30*time.Second),
			CommitTimeout:        getenvDuration("REPORT_COMMIT_TIMEOUT", 5*time.Second),
			MaxWindowsPerTick:    getenvInt("SCHEDULER_MAX_WINDOWS_PER_TICK", 0),
			LeaseTTL:             getenvDuration("SCHEDULER_LEASE_TTL", 15*time.Minute),
			TuningFile:           strings.TrimSpace(getenv("SCHEDULER_TUNING_FILE", "")),
		},
	}

	return cfg
}

const (
	// ModeMonolith serves the ops API and runs the scheduler in one process.
	ModeMonolith = "monolith"
	// ModeWorker runs only the scheduler.
	ModeWorker = "worker"
	// ModeAPI serves the ops API without scheduling.
	ModeAPI = "api"
)

func (c Config) IsAPIOnly() bool {
	return c.Mode == ModeAPI
}

// SchedulerEnabled reports whether this process should run the report scheduler.
func (c Config) SchedulerEnabled() bool {
	return c.Scheduler.Enabled
}

func schedulerModeEnabled(mode string) bool {
	return mode == ModeMonolith || mode == ModeWorker
}

func normalizeMode(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case ModeWorker, "scheduler":
		return ModeWorker
	case ModeAPI:
		return ModeAPI
	default:
		return ModeMonolith
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
