package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Loader builds a Config from defaults, an optional JSON file, and
// environment variable overrides, in that order.
type Loader struct {
	path      string
	envPrefix string
}

// NewLoader creates a loader. Path may be empty to skip the file layer.
func NewLoader(path string) *Loader {
	return &Loader{
		path:      path,
		envPrefix: "TICKSTREAM",
	}
}

// Load assembles and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", l.path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", l.path, err)
		}
	}

	l.applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides maps TICKSTREAM_* variables onto config fields.
// Only operationally useful knobs are exposed; everything else belongs
// in the config file.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if v := l.env("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := l.envInt("SERVER_PORT"); v != 0 {
		cfg.Server.Port = v
	}
	if v := l.env("NATS_URLS"); v != "" {
		cfg.NATS.URLs = splitAndTrim(v)
	}
	if v := l.env("NATS_SUBJECT_PREFIX"); v != "" {
		cfg.NATS.SubjectPrefix = v
	}
	if v := l.env("BACKPRESSURE_POLICY"); v != "" {
		cfg.Backpressure.Policy = v
	}
	if v := l.envInt("BACKPRESSURE_QUEUE_CAPACITY"); v != 0 {
		cfg.Backpressure.QueueCapacity = v
	}
	if v := l.envDuration("PUBLISHER_FLUSH_INTERVAL"); v != 0 {
		cfg.Publisher.FlushInterval = Duration(v)
	}
	if v := l.envInt("METRICS_PORT"); v != 0 {
		cfg.Metrics.Port = v
	}
	if v := l.env("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := l.env("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func (l *Loader) env(key string) string {
	return os.Getenv(l.envPrefix + "_" + key)
}

func (l *Loader) envInt(key string) int {
	v := l.env(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func (l *Loader) envDuration(key string) time.Duration {
	v := l.env(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
