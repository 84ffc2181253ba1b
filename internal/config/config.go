// Package config turns flags, environment, config files and .env files into typed settings.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/pavelanni/studyflow/internal/retry"
)

// EnvPrefix prefixes every environment variable, e.g. STUDYFLOW_PRIMARY_DSN.
const EnvPrefix = "STUDYFLOW"

// Config holds the settings of the study server.
type Config struct {
	Addr    string
	Catalog string
	StudyID string

	KV        KVConfig
	Primary   PrimaryConfig
	Secondary SecondaryConfig
	Retry     retry.Policy
	// ParallelSinks writes both sinks concurrently.
	ParallelSinks bool
	LLM           LLMConfig

	RecoverySecret     string
	RecoverySecretHash string
}

// KVConfig selects the store behind checkpoints and emergency backups.
type KVConfig struct {
	Backend       string
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// PrimaryConfig is the document database.
type PrimaryConfig struct {
	Driver string
	DSN    string
}

// SecondaryConfig is the ingest service.
type SecondaryConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// LLMConfig is the OpenAI-compatible endpoint used by chat agents.
type LLMConfig struct {
	URL           string
	Key           string
	Model         string
	FallbackModel string
	Temperature   float32
	MaxTokens     int
}

// IngestConfig holds the settings of the ingest service.
type IngestConfig struct {
	Addr    string
	DB      string
	Token   string
	StudyID string
}

// Load reads the server settings from v and validates them.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Addr:    v.GetString("addr"),
		Catalog: v.GetString("catalog"),
		StudyID: v.GetString("study-id"),
		KV: KVConfig{
			Backend:       v.GetString("kv-backend"),
			Path:          v.GetString("db"),
			RedisAddr:     v.GetString("redis-addr"),
			RedisPassword: v.GetString("redis-password"),
			RedisDB:       v.GetInt("redis-db"),
			RedisPrefix:   v.GetString("redis-prefix"),
		},
		Primary: PrimaryConfig{
			Driver: v.GetString("primary-driver"),
			DSN:    v.GetString("primary-dsn"),
		},
		Secondary: SecondaryConfig{
			URL:     v.GetString("secondary-url"),
			Token:   v.GetString("secondary-token"),
			Timeout: v.GetDuration("secondary-timeout"),
		},
		Retry: retry.Policy{
			MaxAttempts: v.GetInt("retry-attempts"),
			BaseDelay:   v.GetDuration("retry-base-delay"),
			Growth:      v.GetFloat64("retry-growth"),
			JitterMax:   v.GetDuration("retry-jitter"),
			MaxDelay:    v.GetDuration("retry-max-delay"),
		},
		ParallelSinks: v.GetBool("parallel-sinks"),
		LLM: LLMConfig{
			URL:           v.GetString("llm-url"),
			Key:           v.GetString("llm-key"),
			Model:         v.GetString("llm-model"),
			FallbackModel: v.GetString("llm-fallback-model"),
			Temperature:   float32(v.GetFloat64("llm-temperature")),
			MaxTokens:     v.GetInt("llm-max-tokens"),
		},
		RecoverySecret:     v.GetString("recovery-secret"),
		RecoverySecretHash: v.GetString("recovery-secret-hash"),
	}
	if cfg.KV.Backend == "" {
		cfg.KV.Backend = "sqlite"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr cannot be empty"))
	}

	switch c.KV.Backend {
	case "sqlite":
		if c.KV.Path == "" {
			errs = append(errs, errors.New("db cannot be empty for the sqlite kv backend"))
		}
	case "redis":
		if c.KV.RedisAddr == "" {
			errs = append(errs, errors.New("redis-addr cannot be empty for the redis kv backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("kv-backend must be sqlite or redis, got %q", c.KV.Backend))
	}

	switch c.Primary.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("primary-driver must be postgres or sqlite, got %q", c.Primary.Driver))
	}
	if c.Primary.DSN == "" {
		errs = append(errs, errors.New("primary-dsn cannot be empty"))
	}

	if err := checkHTTPURL(c.Secondary.URL); err != nil {
		errs = append(errs, fmt.Errorf("secondary-url: %w", err))
	}
	if c.Secondary.Timeout < 0 {
		errs = append(errs, errors.New("secondary-timeout must not be negative"))
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry-attempts must be at least 1"))
	}
	if c.Retry.Growth < 1 {
		errs = append(errs, errors.New("retry-growth must be at least 1"))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.JitterMax < 0 || c.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	return errors.Join(errs...)
}

// RecoveryEnabled reports whether an operator secret is configured.
func (c *Config) RecoveryEnabled() bool {
	return c.RecoverySecret != "" || c.RecoverySecretHash != ""
}

// TutorEnabled reports whether chat agents can reach a model.
func (c *Config) TutorEnabled() bool {
	return c.LLM.URL != "" && c.LLM.Model != ""
}

// LoadIngest reads the ingest service settings from v.
func LoadIngest(v *viper.Viper) (*IngestConfig, error) {
	cfg := &IngestConfig{
		Addr:    v.GetString("addr"),
		DB:      v.GetString("db"),
		Token:   v.GetString("ingest-token"),
		StudyID: v.GetString("study-id"),
	}
	var errs []error
	if cfg.Addr == "" {
		errs = append(errs, errors.New("addr cannot be empty"))
	}
	if cfg.DB == "" {
		errs = append(errs, errors.New("db cannot be empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads the given .env files (default ".env") into the process environment.
// Missing files are skipped and variables already set are not overwritten.
func LoadDotEnv(files ...string) ([]string, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var found []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			found = append(found, f)
		}
	}
	if len(found) == 0 {
		return nil, nil
	}
	if err := godotenv.Load(found...); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}
	return found, nil
}

func checkHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("must be an absolute http(s) URL, got %q", raw)
	}
	return nil
}
