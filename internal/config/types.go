package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the pdtee configuration file.
type Config struct {
	Logging LoggingConfig  `yaml:"logging"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Pool    PoolConfig     `yaml:"pool"`
	Outputs []OutputConfig `yaml:"outputs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	File   string `yaml:"file"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr         string   `yaml:"addr"` // empty disables the endpoint
	Namespace    string   `yaml:"namespace"`
	PollInterval Duration `yaml:"poll_interval"`
}

// PoolConfig sizes the shared worker pool. Zero workers gives every output
// its own goroutine.
type PoolConfig struct {
	Workers int `yaml:"workers"`
}

// OutputConfig describes one tee destination.
type OutputConfig struct {
	Name           string    `yaml:"name"`
	Target         string    `yaml:"target"` // stdout, stderr or file
	Path           string    `yaml:"path"`
	Append         bool      `yaml:"append"`
	Compress       string    `yaml:"compress"` // none, fast, default, best
	Trigger        string    `yaml:"trigger"`  // immediate, threshold, timed, cron
	Threshold      SizeBytes `yaml:"threshold"`
	Interval       Duration  `yaml:"interval"`
	Cron           string    `yaml:"cron"`
	FlushOnClose   *bool     `yaml:"flush_on_close"`
	LineTerminator string    `yaml:"line_terminator"`
	Retries        int       `yaml:"retries"`
}

// FlushesOnClose reports whether buffered lines are sent when pdtee exits.
// Defaults to true.
func (o OutputConfig) FlushesOnClose() bool {
	return o.FlushOnClose == nil || *o.FlushOnClose
}

// SizeBytes accepts humanized sizes such as "4KiB" or plain byte counts.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	return s.parse(node.Value)
}

func (s *SizeBytes) parse(value string) error {
	raw := strings.TrimSpace(value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

// Duration accepts Go duration strings or numeric seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	return d.parse(node.Value)
}

func (d *Duration) parse(value string) error {
	raw := strings.TrimSpace(value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
