// Package config provides the configuration schema and loader for the
// Relaydial call orchestration engine.
package config

import "time"

// LogLevel controls log verbosity for the Relaydial server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Relaydial.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Worker    WorkerConfig    `yaml:"worker"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// PublicBaseURL is the externally reachable base URL the telephony
	// provider calls back on (e.g., "https://calls.example.com"). Required.
	PublicBaseURL string `yaml:"public_base_url"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// RedisConfig holds the job store connection settings.
type RedisConfig struct {
	// Addr is the Redis host:port.
	Addr string `yaml:"addr"`

	// Password authenticates against Redis. Empty means no auth.
	Password string `yaml:"password"`

	// DB selects the Redis logical database.
	DB int `yaml:"db"`

	// Stream names the queue; all keys are prefixed with it.
	Stream string `yaml:"stream"`
}

// PostgresConfig holds the persistence layer connection settings.
type PostgresConfig struct {
	// DSN is the pgx connection string. Required.
	DSN string `yaml:"dsn"`
}

// TelephonyConfig holds the voice provider credentials and call options.
type TelephonyConfig struct {
	// AccountSID identifies the provider account. Required.
	AccountSID string `yaml:"account_sid"`

	// AuthToken authenticates API requests. Required.
	AuthToken string `yaml:"auth_token"`

	// FromNumber is the caller id for outbound calls. Required.
	FromNumber string `yaml:"from_number"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Record enables dual-channel call recording.
	Record bool `yaml:"record"`

	// Timeout is how long the provider lets a call ring.
	Timeout time.Duration `yaml:"timeout"`
}

// RealtimeConfig holds the AI realtime endpoint settings.
type RealtimeConfig struct {
	// APIKey authenticates against the realtime endpoint. Required.
	APIKey string `yaml:"api_key"`

	// Model selects the realtime model.
	Model string `yaml:"model"`

	// Voice is the synthesised voice identifier.
	Voice string `yaml:"voice"`

	// Instructions is the default system prompt for the agent.
	Instructions string `yaml:"instructions"`

	// BaseURL overrides the default realtime endpoint.
	BaseURL string `yaml:"base_url"`

	// ConnectDeadline bounds each dial attempt.
	ConnectDeadline time.Duration `yaml:"connect_deadline"`

	// MaxRetries is the dial and reconnect attempt budget per call.
	MaxRetries int `yaml:"max_retries"`

	// MaxErrors is how many error events a session tolerates before fallback.
	MaxErrors int `yaml:"max_errors"`
}

// WorkerConfig tunes the consumer pool and retry policy.
type WorkerConfig struct {
	// Concurrency is the number of parallel consumers.
	Concurrency int `yaml:"concurrency"`

	// RateCount calls may start per RateWindow across all consumers.
	RateCount  int           `yaml:"rate_count"`
	RateWindow time.Duration `yaml:"rate_window"`

	// MaxAttempts caps retries per job.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBase is the initial retry delay, doubled per attempt.
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// RetentionConfig tunes the job store's retention sweeps.
type RetentionConfig struct {
	// CompletedAge evicts completed jobs older than this.
	CompletedAge time.Duration `yaml:"completed_age"`

	// CompletedCount keeps at most this many completed jobs.
	CompletedCount int64 `yaml:"completed_count"`

	// FailedAge evicts failed jobs older than this.
	FailedAge time.Duration `yaml:"failed_age"`
}
