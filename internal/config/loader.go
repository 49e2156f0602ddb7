package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in the zero fields that have sensible defaults.
// Credentials and the public base URL have none and stay empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.Stream == "" {
		cfg.Redis.Stream = "calls"
	}
	if cfg.Telephony.Timeout <= 0 {
		cfg.Telephony.Timeout = 30 * time.Second
	}
	if cfg.Realtime.Model == "" {
		cfg.Realtime.Model = "gpt-4o-realtime-preview"
	}
	if cfg.Realtime.Voice == "" {
		cfg.Realtime.Voice = "alloy"
	}
	if cfg.Realtime.ConnectDeadline <= 0 {
		cfg.Realtime.ConnectDeadline = 10 * time.Second
	}
	if cfg.Realtime.MaxRetries <= 0 {
		cfg.Realtime.MaxRetries = 3
	}
	if cfg.Realtime.MaxErrors <= 0 {
		cfg.Realtime.MaxErrors = 5
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 5
	}
	if cfg.Worker.RateCount <= 0 {
		cfg.Worker.RateCount = 10
	}
	if cfg.Worker.RateWindow <= 0 {
		cfg.Worker.RateWindow = time.Minute
	}
	if cfg.Worker.MaxAttempts <= 0 {
		cfg.Worker.MaxAttempts = 3
	}
	if cfg.Worker.BackoffBase <= 0 {
		cfg.Worker.BackoffBase = 2 * time.Second
	}
	if cfg.Retention.CompletedAge <= 0 {
		cfg.Retention.CompletedAge = 7 * 24 * time.Hour
	}
	if cfg.Retention.CompletedCount <= 0 {
		cfg.Retention.CompletedCount = 1000
	}
	if cfg.Retention.FailedAge <= 0 {
		cfg.Retention.FailedAge = 30 * 24 * time.Hour
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicBaseURL == "" {
		errs = append(errs, errors.New("server.public_base_url is required"))
	} else if !strings.HasPrefix(cfg.Server.PublicBaseURL, "http://") && !strings.HasPrefix(cfg.Server.PublicBaseURL, "https://") {
		errs = append(errs, fmt.Errorf("server.public_base_url %q must start with http:// or https://", cfg.Server.PublicBaseURL))
	} else if strings.HasSuffix(cfg.Server.PublicBaseURL, "/") {
		errs = append(errs, fmt.Errorf("server.public_base_url %q must not end with a slash", cfg.Server.PublicBaseURL))
	}

	if cfg.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}

	if cfg.Telephony.AccountSID == "" {
		errs = append(errs, errors.New("telephony.account_sid is required"))
	}
	if cfg.Telephony.AuthToken == "" {
		errs = append(errs, errors.New("telephony.auth_token is required"))
	}
	if cfg.Telephony.FromNumber == "" {
		errs = append(errs, errors.New("telephony.from_number is required"))
	}

	if cfg.Realtime.APIKey == "" {
		errs = append(errs, errors.New("realtime.api_key is required"))
	}

	return errors.Join(errs...)
}
