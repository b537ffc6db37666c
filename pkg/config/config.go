package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/platinummonkey/accessgrid/pkg/observability"
	"github.com/platinummonkey/accessgrid/pkg/storage"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ACCESSGRID"

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `envconfig:"SERVER"`

	// Storage configuration
	Storage storage.Config `envconfig:"STORAGE"`

	// Engine configuration
	Engine EngineConfig `envconfig:"ENGINE"`

	// Observability configuration
	Observability ObservabilityConfig `envconfig:"OBSERVABILITY"`
}

// ServerConfig holds the health and metrics listener settings
type ServerConfig struct {
	Addr            string        `envconfig:"ADDR" default:":9090" validate:"required"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s" validate:"gt=0"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s" validate:"gt=0"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s" validate:"gt=0"`
}

// EngineConfig holds resolution and background job settings
type EngineConfig struct {
	RoleInheritance bool `envconfig:"ROLE_INHERITANCE" default:"false"`
	DecisionAudit   bool `envconfig:"DECISION_AUDIT" default:"false"`

	// SweepSchedule is a cron spec for the expiry sweep; empty disables it.
	SweepSchedule string `envconfig:"SWEEP_SCHEDULE" default:"@every 1m"`

	// SeedPath points at a YAML catalog applied at startup.
	SeedPath  string `envconfig:"SEED_PATH"`
	SeedWatch bool   `envconfig:"SEED_WATCH" default:"false"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json text"`

	// AuditLogDir receives rotated JSON-lines audit files; empty sends audit
	// events only through the application logger.
	AuditLogDir string `envconfig:"AUDIT_LOG_DIR"`

	// Metrics
	MetricsEnabled bool `envconfig:"METRICS_ENABLED" default:"true"`

	// OpenTelemetry
	OTelEnabled        bool    `envconfig:"OTEL_ENABLED" default:"false"`
	OTelEndpoint       string  `envconfig:"OTEL_ENDPOINT" default:"localhost:4317"`
	OTelServiceName    string  `envconfig:"OTEL_SERVICE_NAME" default:"accessgrid"`
	OTelServiceVersion string  `envconfig:"OTEL_SERVICE_VERSION" default:"1.0.0"`
	OTelInsecure       bool    `envconfig:"OTEL_INSECURE" default:"true"`
	OTelSampleRatio    float64 `envconfig:"OTEL_SAMPLE_RATIO" default:"1" validate:"gte=0,lte=1"`
}

// LogConfig returns the logger settings
func (o ObservabilityConfig) LogConfig() observability.LogConfig {
	return observability.LogConfig{Level: o.LogLevel, Format: o.LogFormat}
}

// OTelConfig returns the OpenTelemetry settings
func (o ObservabilityConfig) OTelConfig() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// Load reads configuration from ACCESSGRID_* environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

var validate = validator.New()

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fe := fieldErrs[0]
			return fmt.Errorf("%s failed %q validation", fe.Namespace(), fe.Tag())
		}
		return err
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return err
	}

	if c.Engine.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Engine.SweepSchedule); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", c.Engine.SweepSchedule, err)
		}
	}
	if c.Engine.SeedWatch && c.Engine.SeedPath == "" {
		return errors.New("seed path is required when seed watch is enabled")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return errors.New("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return errors.New("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}
