// Package config loads the registry's YAML configuration. Files may
// reference environment variables with ${VAR} syntax; a small set of
// SCHEMAREGISTRY_* variables override file values for the settings most
// often injected at deploy time. Validate applies defaults, so a minimal
// file (or none at all) yields a runnable configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/schemaregistry/composer"
	"github.com/c360/schemaregistry/deploy"
	"github.com/c360/schemaregistry/detector"
	"github.com/c360/schemaregistry/errors"
)

// EnvPrefix is the prefix for environment variable overrides
const EnvPrefix = "SCHEMAREGISTRY"

// Duration wraps time.Duration so YAML files can use "3s" style values
type Duration time.Duration

// UnmarshalYAML decodes either a duration string or integer nanoseconds
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("duration must be a string like \"3s\" or integer nanoseconds")
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML encodes the duration in string form
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URL              string   `yaml:"url"`
	Name             string   `yaml:"name"`
	MaxReconnects    int      `yaml:"max_reconnects"`
	ReconnectWait    Duration `yaml:"reconnect_wait"`
	Timeout          Duration `yaml:"timeout"`
	CircuitThreshold int      `yaml:"circuit_threshold"`
}

// MetricsConfig defines the metrics HTTP surface
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// DetectorConfig mirrors detector.Config for YAML loading
type DetectorConfig struct {
	Stream         string   `yaml:"stream"`
	Durable        string   `yaml:"durable"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
	DebounceWindow Duration `yaml:"debounce_window"`
}

// ToDetector converts to the detector package's config
func (c DetectorConfig) ToDetector() detector.Config {
	return detector.Config{
		Stream:         c.Stream,
		Durable:        c.Durable,
		SubjectPrefix:  c.SubjectPrefix,
		DebounceWindow: c.DebounceWindow.Std(),
	}
}

// ComposerConfig mirrors composer.Config for YAML loading
type ComposerConfig struct {
	SnapshotTimeout Duration `yaml:"snapshot_timeout"`
	FieldRemoval    string   `yaml:"field_removal"`
}

// ToComposer converts to the composer package's config
func (c ComposerConfig) ToComposer() composer.Config {
	return composer.Config{
		SnapshotTimeout: c.SnapshotTimeout.Std(),
		Policy:          composer.Policy{FieldRemoval: composer.RemovalAction(c.FieldRemoval)},
	}
}

// DeployConfig mirrors deploy.Config for YAML loading
type DeployConfig struct {
	ProbeInterval Duration `yaml:"probe_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
	MaxProbes     int      `yaml:"max_probes"`
}

// ToDeploy converts to the deploy package's config
func (c DeployConfig) ToDeploy() deploy.Config {
	return deploy.Config{
		ProbeInterval: c.ProbeInterval.Std(),
		ProbeTimeout:  c.ProbeTimeout.Std(),
		MaxProbes:     c.MaxProbes,
	}
}

// Config is the complete registry configuration
type Config struct {
	NATS     NATSConfig     `yaml:"nats"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Detector DetectorConfig `yaml:"detector"`
	Composer ComposerConfig `yaml:"composer"`
	Deploy   DeployConfig   `yaml:"deploy"`
}

// Default returns the configuration used when no file is supplied
func Default() *Config {
	cfg := &Config{}
	_ = cfg.Validate()
	return cfg
}

// Validate checks the configuration and applies defaults for blank fields
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.Name == "" {
		c.NATS.Name = "schema-registry"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1 // reconnect forever
	}
	if c.NATS.ReconnectWait <= 0 {
		c.NATS.ReconnectWait = Duration(2 * time.Second)
	}
	if c.NATS.Timeout <= 0 {
		c.NATS.Timeout = Duration(5 * time.Second)
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Composer.FieldRemoval == "" {
		c.Composer.FieldRemoval = string(composer.RemovalWarn)
	}
	policy := composer.Policy{FieldRemoval: composer.RemovalAction(c.Composer.FieldRemoval)}
	if err := policy.Validate(); err != nil {
		return err
	}

	// Component configs apply their own defaults on conversion; validate
	// what the file can get wrong here
	if c.Deploy.MaxProbes < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "deploy.max_probes must not be negative")
	}
	return nil
}

// Load reads a YAML configuration file, expands ${VAR} environment
// references, applies SCHEMAREGISTRY_* overrides, and validates. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "config", "Load", "read "+path)
		}
		expanded := os.Expand(string(data), func(key string) string {
			return os.Getenv(key)
		})
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse "+path)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(EnvPrefix + "_NATS_URL"); val != "" {
		cfg.NATS.URL = val
	}
	if val := os.Getenv(EnvPrefix + "_NATS_NAME"); val != "" {
		cfg.NATS.Name = val
	}
	if val := os.Getenv(EnvPrefix + "_DETECTOR_STREAM"); val != "" {
		cfg.Detector.Stream = val
	}
	if val := os.Getenv(EnvPrefix + "_FIELD_REMOVAL"); val != "" {
		cfg.Composer.FieldRemoval = val
	}
}
