package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Logger   LoggerConfig
	Engine   EngineConfig
	Worker   WorkerConfig
	Callback CallbackConfig
	Events   EventsConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// EngineConfig describes the process engine endpoint and retry budget.
// An empty BaseURL selects the in-process engine.
type EngineConfig struct {
	BaseURL          string
	ProcessKey       string
	DecisionMessage  string
	TimeoutSeconds   int
	MaxAttempts      int
	InitialBackoffMs int
	MaxBackoffMs     int
	DeployOnStart    bool
}

// WorkerConfig tunes background workers.
type WorkerConfig struct {
	Topic                    string
	PollIntervalSeconds      int
	LockDurationSeconds      int
	MaxTasks                 int
	ReconcileIntervalSeconds int
}

// CallbackConfig controls inbound engine notifications.
type CallbackConfig struct {
	Secret       string
	Issuer       string
	RedisChannel string
}

// EventsConfig configures outbound ticket event publication.
type EventsConfig struct {
	RabbitURL      string
	TicketExchange string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "pflow-ticket-orchestrator"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Engine: EngineConfig{
			BaseURL:          os.Getenv("ENGINE_URL"),
			ProcessKey:       getEnv("ENGINE_PROCESS_KEY", "ticket_approval"),
			DecisionMessage:  getEnv("ENGINE_DECISION_MESSAGE", "TicketDecision"),
			TimeoutSeconds:   getEnvAsInt("ENGINE_TIMEOUT_SECONDS", 15),
			MaxAttempts:      getEnvAsInt("ENGINE_MAX_ATTEMPTS", 3),
			InitialBackoffMs: getEnvAsInt("ENGINE_INITIAL_BACKOFF_MS", 200),
			MaxBackoffMs:     getEnvAsInt("ENGINE_MAX_BACKOFF_MS", 2000),
			DeployOnStart:    getEnvAsBool("ENGINE_DEPLOY_ON_START", false),
		},
		Worker: WorkerConfig{
			Topic:                    getEnv("WORKER_TOPIC", "ticket-processing"),
			PollIntervalSeconds:      getEnvAsInt("WORKER_POLL_INTERVAL_SECONDS", 5),
			LockDurationSeconds:      getEnvAsInt("WORKER_LOCK_DURATION_SECONDS", 30),
			MaxTasks:                 getEnvAsInt("WORKER_MAX_TASKS", 5),
			ReconcileIntervalSeconds: getEnvAsInt("RECONCILE_INTERVAL_SECONDS", 60),
		},
		Callback: CallbackConfig{
			Secret:       os.Getenv("CALLBACK_SECRET"),
			Issuer:       getEnv("CALLBACK_ISSUER", "process-engine"),
			RedisChannel: getEnv("CALLBACK_REDIS_CHANNEL", "pflow.engine.callbacks"),
		},
		Events: EventsConfig{
			RabbitURL:      os.Getenv("RABBITMQ_URL"),
			TicketExchange: getEnv("RABBITMQ_TICKET_EXCHANGE", "ticket.events"),
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// Timeout returns the per-request engine HTTP timeout.
func (e EngineConfig) Timeout() time.Duration {
	return seconds(e.TimeoutSeconds, 15)
}

// InitialBackoff returns the delay before the first retry.
func (e EngineConfig) InitialBackoff() time.Duration {
	if e.InitialBackoffMs <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(e.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff caps the delay between retries.
func (e EngineConfig) MaxBackoff() time.Duration {
	if e.MaxBackoffMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(e.MaxBackoffMs) * time.Millisecond
}

// PollInterval returns how often the external task worker polls.
func (w WorkerConfig) PollInterval() time.Duration {
	return seconds(w.PollIntervalSeconds, 5)
}

// LockDuration returns how long fetched external tasks stay locked.
func (w WorkerConfig) LockDuration() time.Duration {
	return seconds(w.LockDurationSeconds, 30)
}

// ReconcileInterval returns the reconciler period; zero disables it.
func (w WorkerConfig) ReconcileInterval() time.Duration {
	if w.ReconcileIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(w.ReconcileIntervalSeconds) * time.Second
}

func seconds(val, fallback int) time.Duration {
	if val <= 0 {
		val = fallback
	}
	return time.Duration(val) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
