// Package config builds the explicit configuration value passed into the
// engine's constructors. Nothing below cmd reads the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/naka-gawa/github-interactions/internal/domain"
	"github.com/naka-gawa/github-interactions/internal/retry"
)

// EnvPrefix prefixes every override, e.g. GHSTATS_INGEST__MAX_ATTEMPTS.
const EnvPrefix = "GHSTATS_"

// Config represents the application configuration.
type Config struct {
	GitHub   GitHubConfig   `koanf:"github"`
	Database DatabaseConfig `koanf:"database"`
	Ingest   IngestConfig   `koanf:"ingest"`
	Report   ReportConfig   `koanf:"report"`
	Log      LogConfig      `koanf:"log"`
}

type GitHubConfig struct {
	Token                  string        `koanf:"token"`
	BaseURL                string        `koanf:"base_url"`
	GraphQLURL             string        `koanf:"graphql_url"`
	PerPage                int           `koanf:"per_page"`
	RequestsPerSecond      float64       `koanf:"requests_per_second"`
	RateLimitFloor         int           `koanf:"rate_limit_floor"`
	RateLimitJitter        time.Duration `koanf:"rate_limit_jitter"`
	SecondaryLimitMaxSleep time.Duration `koanf:"secondary_limit_max_sleep"`
	Timeout                time.Duration `koanf:"timeout"`
}

type DatabaseConfig struct {
	URL string `koanf:"url"`
}

type IngestConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	Multiplier  float64       `koanf:"multiplier"`
	MaxPages    int           `koanf:"max_pages"`
	Concurrency int           `koanf:"concurrency"`
}

// Retry converts the ingest settings into a retry.Config.
func (c IngestConfig) Retry() retry.Config {
	return retry.Config{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		Multiplier:  c.Multiplier,
		Jitter:      true,
	}
}

type ReportConfig struct {
	TopN int `koanf:"top_n"`
	Days int `koanf:"days"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

var defaults = map[string]interface{}{
	"github.base_url":                  "https://api.github.com/",
	"github.graphql_url":               "https://api.github.com/graphql",
	"github.per_page":                  100,
	"github.requests_per_second":       0.0,
	"github.rate_limit_floor":          1,
	"github.rate_limit_jitter":         "2s",
	"github.secondary_limit_max_sleep": "1h",
	"github.timeout":                   "30s",
	"database.url":                     "file:ghstats.db",
	"ingest.max_attempts":              3,
	"ingest.base_delay":                "1s",
	"ingest.max_delay":                 "30s",
	"ingest.multiplier":                2.0,
	"ingest.max_pages":                 100,
	"ingest.concurrency":               1,
	"report.top_n":                     10,
	"report.days":                      7,
	"log.level":                        "info",
	"log.format":                       "console",
}

// DefaultPaths are searched when no explicit config file is given.
var DefaultPaths = []string{"./ghstats.toml", "$HOME/.ghstats.toml"}

// Load layers defaults, the TOML file, the conventional GITHUB_TOKEN and
// DATABASE_URL variables and finally GHSTATS_ overrides.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load config defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	} else {
		for _, path := range DefaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
			break
		}
	}

	conventional := map[string]string{
		"GITHUB_TOKEN": "github.token",
		"DATABASE_URL": "database.url",
	}
	if err := k.Load(env.ProviderWithValue("", ".", nonEmpty(func(s string) string {
		return conventional[s]
	})), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", nonEmpty(func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	})), nil); err != nil {
		return nil, fmt.Errorf("failed to load %s environment: %w", EnvPrefix, err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// nonEmpty maps environment variables onto config keys, skipping variables
// that are set but empty so they do not erase a default or file value.
func nonEmpty(key func(string) string) func(string, string) (string, interface{}) {
	return func(name, value string) (string, interface{}) {
		if value == "" {
			return "", nil
		}
		return key(name), value
	}
}

// Validate checks ranges. Credentials are checked separately by RequireToken
// since query-only commands do not need them.
func (c *Config) Validate() error {
	switch {
	case c.GitHub.PerPage < 1 || c.GitHub.PerPage > 100:
		return &domain.ConfigurationError{Field: "github.per_page", Msg: "must be between 1 and 100"}
	case c.GitHub.RateLimitFloor < 0:
		return &domain.ConfigurationError{Field: "github.rate_limit_floor", Msg: "must not be negative"}
	case c.GitHub.RequestsPerSecond < 0:
		return &domain.ConfigurationError{Field: "github.requests_per_second", Msg: "must not be negative"}
	case c.Ingest.MaxAttempts < 1 || c.Ingest.MaxAttempts > 5:
		return &domain.ConfigurationError{Field: "ingest.max_attempts", Msg: "must be between 1 and 5"}
	case c.Ingest.MaxPages < 0:
		return &domain.ConfigurationError{Field: "ingest.max_pages", Msg: "must not be negative"}
	case c.Ingest.Concurrency < 1:
		return &domain.ConfigurationError{Field: "ingest.concurrency", Msg: "must be at least 1"}
	case strings.TrimSpace(c.Database.URL) == "":
		return &domain.ConfigurationError{Field: "database.url", Msg: "is required"}
	}
	return nil
}

// RequireToken fails before any network call when credentials are missing.
func (c *Config) RequireToken() error {
	if strings.TrimSpace(c.GitHub.Token) == "" {
		return &domain.ConfigurationError{Field: "github.token", Msg: "GITHUB_TOKEN is not set"}
	}
	return nil
}
