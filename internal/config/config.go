// Package config loads the pdtee configuration from YAML, a .env file and
// PDSTREAM_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/PatternDirClean/PDStream/channel"
)

const envPrefix = "PDSTREAM_"

// Default returns the configuration used when no file is given: one
// write-through output on stdout.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Pretty: true},
		Metrics: MetricsConfig{Namespace: "pdstream", PollInterval: Duration(5 * time.Second)},
		Outputs: []OutputConfig{{Name: "stdout", Target: "stdout", Trigger: "immediate"}},
	}
}

// Load reads the YAML file at path, applies PDSTREAM_* overrides, fills
// defaults and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes the YAML file at path. Unknown keys are rejected.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes YAML config bytes.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// LoadDotEnv loads path into the process environment if it exists.
// Variables already set are left alone.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// ApplyEnv overrides settings from PDSTREAM_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	env := func(key string) (string, bool) {
		v, ok := lookup(envPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	if v, ok := env("LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := env("LOG_FILE"); ok {
		c.Logging.File = v
	}
	if v, ok := env("LOG_PRETTY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLOG_PRETTY: %w", envPrefix, err)
		}
		c.Logging.Pretty = b
	}
	if v, ok := env("METRICS_ADDR"); ok {
		c.Metrics.Addr = v
	}
	if v, ok := env("METRICS_NAMESPACE"); ok {
		c.Metrics.Namespace = v
	}
	if v, ok := env("METRICS_POLL_INTERVAL"); ok {
		if err := c.Metrics.PollInterval.parse(v); err != nil {
			return fmt.Errorf("%sMETRICS_POLL_INTERVAL: %w", envPrefix, err)
		}
	}
	if v, ok := env("POOL_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPOOL_WORKERS: %w", envPrefix, err)
		}
		c.Pool.Workers = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "pdstream"
	}
	if c.Metrics.PollInterval <= 0 {
		c.Metrics.PollInterval = Duration(5 * time.Second)
	}
	for i := range c.Outputs {
		o := &c.Outputs[i]
		if o.Name == "" {
			o.Name = fmt.Sprintf("output-%d", i+1)
		}
		if o.Trigger == "" {
			o.Trigger = "immediate"
		}
		if o.Compress == "" {
			o.Compress = "none"
		}
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.Pool.Workers < 0 {
		errs = append(errs, fmt.Errorf("pool.workers must not be negative, got %d", c.Pool.Workers))
	}
	if len(c.Outputs) == 0 {
		errs = append(errs, errors.New("outputs: at least one output is required"))
	}

	names := make(map[string]struct{}, len(c.Outputs))
	for i, o := range c.Outputs {
		prefix := fmt.Sprintf("outputs[%d] (%s)", i, o.Name)
		if _, dup := names[o.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate name", prefix))
		}
		names[o.Name] = struct{}{}

		switch o.Target {
		case "stdout", "stderr":
		case "file":
			if o.Path == "" {
				errs = append(errs, fmt.Errorf("%s: file target needs a path", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown target %q", prefix, o.Target))
		}

		switch o.Compress {
		case "", "none", "fast", "default", "best":
		default:
			errs = append(errs, fmt.Errorf("%s: unknown compression %q", prefix, o.Compress))
		}

		switch o.Trigger {
		case "", "immediate":
		case "threshold":
			if o.Threshold <= 0 {
				errs = append(errs, fmt.Errorf("%s: threshold trigger needs a positive threshold", prefix))
			}
		case "timed":
			if o.Interval <= 0 {
				errs = append(errs, fmt.Errorf("%s: timed trigger needs a positive interval", prefix))
			}
		case "cron":
			if _, err := channel.Cron(o.Cron); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown trigger %q", prefix, o.Trigger))
		}

		if o.Retries < 0 {
			errs = append(errs, fmt.Errorf("%s: retries must not be negative", prefix))
		}
	}

	return errors.Join(errs...)
}
