// Package config loads the LLD manager configuration from an optional
// YAML file and TREEGIX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/webeonic/treegix-sub007/internal/otel"
)

const envPrefix = "TREEGIX"

// Config holds application configuration
type Config struct {
	// SocketDir holds the LLD service socket.
	SocketDir string `mapstructure:"socket_dir"`

	// Workers is the number of LLD worker processes the manager starts.
	Workers int `mapstructure:"lld_worker_forks"`

	StatInterval   time.Duration `mapstructure:"stat_interval"`
	RecvTimeout    time.Duration `mapstructure:"recv_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// StateDB is the SQLite file with discovery rule state.
	StateDB string `mapstructure:"state_db"`

	Log     LogConfig       `mapstructure:"log"`
	Metrics TelemetryConfig `mapstructure:"metrics"`
	Tracing TelemetryConfig `mapstructure:"tracing"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig selects an OpenTelemetry exporter.
type TelemetryConfig struct {
	Exporter   string  `mapstructure:"exporter"`
	Endpoint   string  `mapstructure:"endpoint"`
	Insecure   bool    `mapstructure:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		SocketDir:      DefaultSocketDir,
		Workers:        DefaultWorkers,
		StatInterval:   DefaultStatInterval,
		RecvTimeout:    DefaultRecvTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		StateDB:        DefaultStateDB,
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Metrics: TelemetryConfig{Exporter: string(otel.ExporterNone)},
		Tracing: TelemetryConfig{Exporter: string(otel.ExporterNone), SampleRate: DefaultSampleRate},
	}
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("socket_dir", cfg.SocketDir)
	v.SetDefault("lld_worker_forks", cfg.Workers)
	v.SetDefault("stat_interval", cfg.StatInterval)
	v.SetDefault("recv_timeout", cfg.RecvTimeout)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout)
	v.SetDefault("state_db", cfg.StateDB)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("metrics.exporter", cfg.Metrics.Exporter)
	v.SetDefault("metrics.endpoint", cfg.Metrics.Endpoint)
	v.SetDefault("metrics.insecure", cfg.Metrics.Insecure)
	v.SetDefault("tracing.exporter", cfg.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", cfg.Tracing.Insecure)
	v.SetDefault("tracing.sample_rate", cfg.Tracing.SampleRate)
}

// Load reads the configuration. An empty path searches for
// treegix_lld.yaml in the working directory and /etc/treegix; a missing
// file is not an error then. Environment variables such as
// TREEGIX_LLD_WORKER_FORKS or TREEGIX_LOG_LEVEL override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("treegix_lld")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/treegix")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.SocketDir == "" {
		return errors.New("socket_dir must not be empty")
	}
	if c.Workers < 1 || c.Workers > MaxWorkers {
		return fmt.Errorf("lld_worker_forks must be between 1 and %d, got %d", MaxWorkers, c.Workers)
	}
	if c.StatInterval <= 0 {
		return fmt.Errorf("stat_interval must be positive, got %s", c.StatInterval)
	}
	if c.RecvTimeout <= 0 {
		return fmt.Errorf("recv_timeout must be positive, got %s", c.RecvTimeout)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %s", c.ConnectTimeout)
	}
	if _, err := otel.ParseExporterType(c.Metrics.Exporter); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if _, err := otel.ParseExporterType(c.Tracing.Exporter); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1, got %v", c.Tracing.SampleRate)
	}
	return nil
}

// MetricsConfig converts the metrics section for otel.NewMetrics.
func (c *Config) MetricsConfig(version string) *otel.MetricsConfig {
	exporter, _ := otel.ParseExporterType(c.Metrics.Exporter)
	cfg := otel.DefaultMetricsConfig()
	cfg.Enabled = exporter != otel.ExporterNone
	cfg.ServiceVersion = version
	cfg.ExporterType = exporter
	cfg.OTLPEndpoint = c.Metrics.Endpoint
	cfg.OTLPInsecure = c.Metrics.Insecure
	return cfg
}

// TracerConfig converts the tracing section for otel.NewTracer.
func (c *Config) TracerConfig(version string) *otel.Config {
	exporter, _ := otel.ParseExporterType(c.Tracing.Exporter)
	cfg := otel.DefaultConfig()
	cfg.Enabled = exporter != otel.ExporterNone
	cfg.ServiceVersion = version
	cfg.ExporterType = exporter
	cfg.OTLPEndpoint = c.Tracing.Endpoint
	cfg.OTLPInsecure = c.Tracing.Insecure
	cfg.SampleRate = c.Tracing.SampleRate
	return cfg
}
