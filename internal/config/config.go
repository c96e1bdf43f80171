// Package config loads a Bus's static configuration from a YAML file,
// environment variables, and defaults, the way the rest of the corpus
// layers viper over a validated struct.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/signalforge/signalbus/dispatch"
	"github.com/signalforge/signalbus/identity"
	"github.com/signalforge/signalbus/internal/build"
	"github.com/signalforge/signalbus/internal/metrics"
	promclient "github.com/prometheus/client_golang/prometheus"
)

// Config is the static configuration for one dispatch Bus, as a host
// process would load it at startup. It mirrors dispatch.BusConfig field
// for field, plus the process-level concerns (log level, metrics port)
// that sit above a single Bus.
type Config struct {
	// Logging controls the package-level logger installed via
	// dispatch.UseLogger.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Diagnostics selects which diagnostic rings the bus populates.
	// Valid values: off, bus, token, all.
	Diagnostics string `mapstructure:"diagnostics" validate:"required,oneof=off bus token all" yaml:"diagnostics"`

	// DiagnosticsBufferSize is the capacity of each diagnostic ring.
	DiagnosticsBufferSize int `mapstructure:"diagnostics_buffer_size" validate:"gt=0" yaml:"diagnostics_buffer_size"`

	// FaultIsolate, when true, lets an emission continue past a
	// handler fault instead of aborting.
	FaultIsolate bool `mapstructure:"fault_isolate" yaml:"fault_isolate"`

	// ShutdownTimeout is a drain timeout for the host process. It is
	// loaded and validated here; ToBusConfig and signalbusctl do not read
	// it, and Bus.Close does not wait on it.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics controls the Prometheus exporter.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls the package-level btclog logger.
type LoggingConfig struct {
	// Level names a minimum log level (trace, debug, info, warn, error,
	// critical, off). Validation only checks that it is non-empty, and
	// signalbusctl does not apply it: its logger runs at the info level
	// that build.NewHandlerSet sets.
	Level string `mapstructure:"level" validate:"required" yaml:"level"`

	// Filename is the rotating log file's name, used when the host CLI
	// is given a log directory. Empty falls back to build.DefaultLogFilename.
	Filename string `mapstructure:"filename" yaml:"filename"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true" yaml:"addr"`
}

// Default returns the configuration a freshly started host would use
// with no config file and no environment overrides.
func Default() *Config {
	return &Config{
		Logging:               LoggingConfig{Level: "info", Filename: build.DefaultLogFilename},
		Diagnostics:           "off",
		DiagnosticsBufferSize: 100,
		FaultIsolate:          false,
		ShutdownTimeout:       5 * time.Second,
		Metrics:               MetricsConfig{Enabled: false, Addr: ":9090"},
	}
}

// Load starts from Default(), overlays the values set in the YAML file at
// configPath, and validates the result. A config file that does not exist
// leaves the defaults in place.
//
// A SIGNALBUS_* environment variable (for example SIGNALBUS_LOGGING_LEVEL)
// overrides a key only when the config file sets that key: keys the file
// leaves out keep their defaults, and with no config file read the
// environment is not consulted at all.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SIGNALBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			))); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config: %w", err)
			}
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// parseDiagnostics maps the config file's string enum to a
// dispatch.DiagnosticsTarget.
func parseDiagnostics(s string) dispatch.DiagnosticsTarget {
	switch strings.ToLower(s) {
	case "bus":
		return dispatch.DiagnosticsBus
	case "token":
		return dispatch.DiagnosticsToken
	case "all":
		return dispatch.DiagnosticsAll
	default:
		return dispatch.DiagnosticsOff
	}
}

// ToBusConfig builds the dispatch.BusConfig this configuration describes.
// aliveness is supplied by the caller since liveness policy is a host
// integration concern, not something a config file can express.
func (c *Config) ToBusConfig(aliveness identity.Aliveness, reg promclient.Registerer) dispatch.BusConfig {
	cfg := dispatch.DefaultBusConfig()
	cfg.Diagnostics = parseDiagnostics(c.Diagnostics)
	cfg.DiagnosticsBufferSize = c.DiagnosticsBufferSize
	cfg.FaultIsolate = c.FaultIsolate
	cfg.Aliveness = aliveness
	if c.Metrics.Enabled && reg != nil {
		cfg.Metrics = metrics.NewCollector(reg)
	}
	return cfg
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/signalbus/config.yaml, or
// ~/.config/signalbus/config.yaml when XDG_CONFIG_HOME is unset.
func DefaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "signalbus", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "signalbus", "config.yaml")
}
