package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration.
// Load order: defaults -> config file(s) -> environment -> CLI flags.
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Server      ServerConfig     `toml:"server"`
	Storage     StorageConfig    `toml:"storage"`
	Queue       QueueConfig      `toml:"queue"`
	Jobs        JobsConfig       `toml:"jobs"`
	RateLimits  RateLimitsConfig `toml:"rate_limits"`
	Retry       RetryConfig      `toml:"retry"`
	Auth        AuthConfig       `toml:"auth"`
	Scheduler   SchedulerConfig  `toml:"scheduler"`
	Logging     LoggingConfig    `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g. "1s" - how often workers poll for tasks
	Concurrency       int    `toml:"concurrency"`        // Number of concurrent workers
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g. "5m" - task visibility timeout for redelivery
	QueueName         string `toml:"queue_name"`         // Queue name prefix in Badger
	TaskTimeout       string `toml:"task_timeout"`       // Per-task execution deadline, e.g. "900s"
}

// JobsConfig governs decomposition, caps and terminal policy.
type JobsConfig struct {
	Decomposition    string  `toml:"decomposition"`     // "keyword_engine" or "range"
	ChunkSize        int     `toml:"chunk_size"`        // Images per chunk under range decomposition
	MaxImagesCap     int     `toml:"max_images_cap"`    // Upper bound on max_images per job
	MaxTotalChunks   int     `toml:"max_total_chunks"`  // Derived cap on chunks per job
	FailureThreshold float64 `toml:"failure_threshold"` // failed/total at or above this fails the job (default 1.0)
	StaleAfter       string  `toml:"stale_after"`       // Running jobs with no progress for this long are failed
}

// RateLimitsConfig attaches rate hints per task name plus the per-user
// dispatch limit applied before start_job dispatch.
type RateLimitsConfig struct {
	DownloadPerMinute       int `toml:"download_per_minute"`        // per engine
	ValidateFastPerMinute   int `toml:"validate_fast_per_minute"`
	ValidateMediumPerMinute int `toml:"validate_medium_per_minute"`
	ValidateSlowPerMinute   int `toml:"validate_slow_per_minute"`
	DispatchPerUserPerMin   int `toml:"dispatch_per_user_per_minute"`
}

// RetryConfig holds the two retry layers. The layers never stack on the
// same failure class.
type RetryConfig struct {
	OperationAttempts    int    `toml:"operation_attempts"`     // Transient-network layer, attempts total
	OperationBackoffBase string `toml:"operation_backoff_base"` // e.g. "2s"
	OperationBackoffMax  string `toml:"operation_backoff_max"`  // e.g. "10s"
	TaskRequeues         int    `toml:"task_requeues"`          // Infrastructure layer, re-queues total
	TaskRequeueDelay     string `toml:"task_requeue_delay"`     // e.g. "60s"
}

type AuthConfig struct {
	CredentialsDir string `toml:"credentials_dir"` // Directory containing API key files (TOML)
	WorkerSecret   string `toml:"worker_secret"`   // Shared secret for the task callback endpoint
}

type SchedulerConfig struct {
	Enabled       bool   `toml:"enabled"`
	SweepSchedule string `toml:"sweep_schedule"` // Cron schedule for the stale-job sweep
	GCSchedule    string `toml:"gc_schedule"`    // Cron schedule for Badger value-log GC
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/pixcrawler",
			},
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			Concurrency:       4,
			VisibilityTimeout: "5m",
			QueueName:         "tasks",
			TaskTimeout:       "900s",
		},
		Jobs: JobsConfig{
			Decomposition:    "keyword_engine",
			ChunkSize:        50,
			MaxImagesCap:     10000,
			MaxTotalChunks:   5000,
			FailureThreshold: 1.0,
			StaleAfter:       "10m",
		},
		RateLimits: RateLimitsConfig{
			DownloadPerMinute:       10,
			ValidateFastPerMinute:   1000,
			ValidateMediumPerMinute: 500,
			ValidateSlowPerMinute:   100,
			DispatchPerUserPerMin:   60,
		},
		Retry: RetryConfig{
			OperationAttempts:    3,
			OperationBackoffBase: "2s",
			OperationBackoffMax:  "10s",
			TaskRequeues:         3,
			TaskRequeueDelay:     "60s",
		},
		Auth: AuthConfig{
			CredentialsDir: "./keys",
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			SweepSchedule: "*/1 * * * *",
			GCSchedule:    "*/10 * * * *",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05",
		},
	}
}

// LoadConfig loads configuration from the given TOML files in order,
// later files overriding earlier ones, then applies environment
// variable overrides.
func LoadConfig(paths ...string) (*Config, error) {
	config := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("PIXCRAWLER_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("PIXCRAWLER_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("PIXCRAWLER_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if badgerPath := os.Getenv("PIXCRAWLER_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	if pollInterval := os.Getenv("PIXCRAWLER_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}
	if concurrency := os.Getenv("PIXCRAWLER_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}
	if visibilityTimeout := os.Getenv("PIXCRAWLER_QUEUE_VISIBILITY_TIMEOUT"); visibilityTimeout != "" {
		config.Queue.VisibilityTimeout = visibilityTimeout
	}
	if queueName := os.Getenv("PIXCRAWLER_QUEUE_NAME"); queueName != "" {
		config.Queue.QueueName = queueName
	}

	if decomposition := os.Getenv("PIXCRAWLER_JOBS_DECOMPOSITION"); decomposition != "" {
		config.Jobs.Decomposition = decomposition
	}
	if chunkSize := os.Getenv("PIXCRAWLER_JOBS_CHUNK_SIZE"); chunkSize != "" {
		if c, err := strconv.Atoi(chunkSize); err == nil {
			config.Jobs.ChunkSize = c
		}
	}
	if cap := os.Getenv("PIXCRAWLER_JOBS_MAX_IMAGES_CAP"); cap != "" {
		if c, err := strconv.Atoi(cap); err == nil {
			config.Jobs.MaxImagesCap = c
		}
	}
	if threshold := os.Getenv("PIXCRAWLER_JOBS_FAILURE_THRESHOLD"); threshold != "" {
		if f, err := strconv.ParseFloat(threshold, 64); err == nil {
			config.Jobs.FailureThreshold = f
		}
	}

	if level := os.Getenv("PIXCRAWLER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("PIXCRAWLER_LOG_OUTPUT"); output != "" {
		config.Logging.Output = strings.Split(output, ",")
	}

	if credentialsDir := os.Getenv("PIXCRAWLER_AUTH_CREDENTIALS_DIR"); credentialsDir != "" {
		config.Auth.CredentialsDir = credentialsDir
	}
	if workerSecret := os.Getenv("PIXCRAWLER_AUTH_WORKER_SECRET"); workerSecret != "" {
		config.Auth.WorkerSecret = workerSecret
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config.
// Command-line flags have the highest priority.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks configuration consistency at startup.
func (c *Config) Validate() error {
	if c.Jobs.Decomposition != "keyword_engine" && c.Jobs.Decomposition != "range" {
		return fmt.Errorf("invalid jobs.decomposition %q (must be keyword_engine or range)", c.Jobs.Decomposition)
	}
	if c.Jobs.ChunkSize <= 0 {
		return fmt.Errorf("jobs.chunk_size must be positive")
	}
	if c.Jobs.MaxImagesCap <= 0 {
		return fmt.Errorf("jobs.max_images_cap must be positive")
	}
	if c.Jobs.FailureThreshold <= 0 || c.Jobs.FailureThreshold > 1.0 {
		return fmt.Errorf("jobs.failure_threshold must be in (0, 1]")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be positive")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"queue.poll_interval", c.Queue.PollInterval},
		{"queue.visibility_timeout", c.Queue.VisibilityTimeout},
		{"queue.task_timeout", c.Queue.TaskTimeout},
		{"jobs.stale_after", c.Jobs.StaleAfter},
		{"retry.operation_backoff_base", c.Retry.OperationBackoffBase},
		{"retry.operation_backoff_max", c.Retry.OperationBackoffMax},
		{"retry.task_requeue_delay", c.Retry.TaskRequeueDelay},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", field.name, err)
		}
	}
	return nil
}

// Duration parses a duration config value that Validate has already
// checked. Falls back to the given default on a zero value.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
