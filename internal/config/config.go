// Package config handles YAML configuration for churn.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/churn/changelog"
	"github.com/yairfalse/churn/internal/filter"
	"github.com/yairfalse/churn/providers"
	"github.com/yairfalse/churn/types"
)

// Output formats
const (
	FormatCSV   = "csv"
	FormatTable = "table"
	FormatKafka = "kafka"
)

// Config is the root configuration structure.
type Config struct {
	Provider    string        `yaml:"provider" validate:"required,oneof=azure aws"`
	Days        int           `yaml:"days" validate:"gt=0,lte=365"`
	Concurrency int           `yaml:"concurrency" validate:"gt=0,lte=64"`
	Fetch       FetchConfig   `yaml:"fetch"`
	Scopes      ScopesConfig  `yaml:"scopes"`
	Azure       AzureConfig   `yaml:"azure"`
	AWS         AWSConfig     `yaml:"aws"`
	Output      OutputConfig  `yaml:"output"`
	Kafka       KafkaConfig   `yaml:"kafka"`
	Storage     StorageConfig `yaml:"storage"`
	OTEL        OTELConfig    `yaml:"otel"`
	Metrics     MetricsConfig `yaml:"metrics"`
	Daemon      DaemonConfig  `yaml:"daemon"`
	Log         LogConfig     `yaml:"log"`
}

// FetchConfig bounds retries and pacing of provider requests.
type FetchConfig struct {
	MaxAttempts       uint          `yaml:"max_attempts" validate:"gte=1,lte=20"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff        time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
}

// ScopesConfig selects scopes by glob pattern.
type ScopesConfig struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// AzureConfig holds Azure provider settings.
type AzureConfig struct {
	Credential string `yaml:"credential" validate:"omitempty,oneof=default cli"`
	Endpoint   string `yaml:"endpoint" validate:"omitempty,url"`
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	Regions []string `yaml:"regions" validate:"dive,required"`
	Profile string   `yaml:"profile"`
}

// OutputConfig selects the report sinks.
type OutputConfig struct {
	Dir       string   `yaml:"dir" validate:"required"`
	Formats   []string `yaml:"formats" validate:"min=1,dive,oneof=csv table kafka"`
	NoColor   bool     `yaml:"no_color"`
	Inventory bool     `yaml:"inventory"`
}

// KafkaConfig holds the Kafka publisher settings.
type KafkaConfig struct {
	Brokers   []string `yaml:"brokers"`
	Topic     string   `yaml:"topic"`
	BatchSize int      `yaml:"batch_size" validate:"gte=0"`
}

// StorageConfig holds run history settings.
type StorageConfig struct {
	Path     string `yaml:"path"`
	KeepRuns int    `yaml:"keep_runs" validate:"gte=0"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// DaemonConfig holds scheduled run settings.
type DaemonConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// Default returns the configuration used for absent keys.
func Default() *Config {
	return &Config{
		Provider:    "azure",
		Days:        types.DefaultDays,
		Concurrency: 4,
		Fetch: FetchConfig{
			MaxAttempts:       changelog.DefaultRetryPolicy.MaxAttempts,
			InitialBackoff:    changelog.DefaultRetryPolicy.InitialInterval,
			MaxBackoff:        changelog.DefaultRetryPolicy.MaxInterval,
			RequestsPerSecond: 5,
			Burst:             5,
		},
		Output: OutputConfig{
			Dir:       "reports",
			Formats:   []string{FormatCSV, FormatTable},
			Inventory: true,
		},
		Kafka: KafkaConfig{Topic: "churn.summary", BatchSize: 100},
		Storage: StorageConfig{
			Path:     ".churn",
			KeepRuns: 100,
		},
		OTEL:    OTELConfig{ServiceName: "churn"},
		Metrics: MetricsConfig{Addr: ":9090"},
		Daemon:  DaemonConfig{Interval: 24 * time.Hour},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads and parses a YAML config file over the defaults. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return formatValidationErrors(verrs)
		}
		return err
	}

	if c.HasFormat(FormatKafka) {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka: brokers required when output.formats includes kafka")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka: topic required when output.formats includes kafka")
		}
	}
	if _, err := c.ScopeFilter(); err != nil {
		return err
	}
	return nil
}

func formatValidationErrors(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", field, fe.Tag(), fe.Value()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// HasFormat reports whether the output formats include f.
func (c *Config) HasFormat(f string) bool {
	return slices.Contains(c.Output.Formats, f)
}

// FetcherConfig returns the fetch settings for changelog.NewFetcher.
func (c *Config) FetcherConfig() changelog.FetcherConfig {
	return changelog.FetcherConfig{
		Retry: changelog.RetryPolicy{
			MaxAttempts:     c.Fetch.MaxAttempts,
			InitialInterval: c.Fetch.InitialBackoff,
			MaxInterval:     c.Fetch.MaxBackoff,
		},
		RequestsPerSecond: c.Fetch.RequestsPerSecond,
		Burst:             c.Fetch.Burst,
	}
}

// ProviderConfig returns the settings handed to the provider factory.
func (c *Config) ProviderConfig() providers.Config {
	return providers.Config{
		CredentialType: c.Azure.Credential,
		Endpoint:       c.Azure.Endpoint,
		Profile:        c.AWS.Profile,
		Regions:        c.AWS.Regions,
	}
}

// ScopeFilter compiles the scope include/exclude patterns.
func (c *Config) ScopeFilter() (*filter.Filter, error) {
	f, err := filter.New(c.Scopes.Include, c.Scopes.Exclude)
	if err != nil {
		return nil, fmt.Errorf("scopes: %w", err)
	}
	return f, nil
}
