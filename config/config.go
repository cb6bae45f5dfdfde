// Package config defines the application configuration and its loader.
// Configuration is layered: built-in defaults, then an optional JSON
// file, then environment variable overrides. Validate catches bad
// combinations before any component starts.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/tickstream/pkg/buffer"
)

// Back-pressure policy constants
const (
	PolicyDropOldest = "drop_oldest" // overwrite the oldest queued frame
	PolicyDisconnect = "disconnect"  // close the connection as a slow consumer
)

// Config is the complete application configuration.
type Config struct {
	Server       ServerConfig       `json:"server"`
	NATS         NATSConfig         `json:"nats"`
	Limits       LimitsConfig       `json:"limits"`
	Publisher    PublisherConfig    `json:"publisher"`
	Backpressure BackpressureConfig `json:"backpressure"`
	Metrics      MetricsConfig      `json:"metrics"`
	Logging      LoggingConfig      `json:"logging"`
}

// ServerConfig controls the client-facing websocket listener.
type ServerConfig struct {
	Host                 string   `json:"host"`
	Port                 int      `json:"port"`
	Path                 string   `json:"path"`
	ReadLimit            int64    `json:"read_limit"` // max inbound frame bytes
	HandshakeTimeout     Duration `json:"handshake_timeout"`
	IdleTimeout          Duration `json:"idle_timeout"`  // drop connections silent this long
	PingInterval         Duration `json:"ping_interval"` // server-initiated keepalive
	WriteTimeout         Duration `json:"write_timeout"` // per-frame write deadline
	EnableCompression    bool     `json:"enable_compression"`    // permessage-deflate negotiation
	CompressionThreshold int      `json:"compression_threshold"` // gzip payloads above this many bytes
}

// NATSConfig controls the upstream feed connection.
type NATSConfig struct {
	URLs           []string `json:"urls"`
	Name           string   `json:"name"`
	SubjectPrefix  string   `json:"subject_prefix"` // e.g. "md" yields md.<kind>.<instrument>
	MaxReconnects  int      `json:"max_reconnects"`
	ReconnectWait  Duration `json:"reconnect_wait"`
	RequestTimeout Duration `json:"request_timeout"`
}

// LimitsConfig bounds per-connection and global resource use.
type LimitsConfig struct {
	MaxSubscriptionsPerConn int `json:"max_subscriptions_per_conn"`
	MaxSubscriptionsTotal   int `json:"max_subscriptions_total"`
	MaxConnections          int `json:"max_connections"`
	CommandWorkers          int `json:"command_workers"`
	CommandQueueSize        int `json:"command_queue_size"`
}

// PublisherConfig controls event batching and flushing.
type PublisherConfig struct {
	FlushInterval Duration `json:"flush_interval"`
	MaxBatchSize  int      `json:"max_batch_size"` // events per stream that force an early flush
	StaleAfter    Duration `json:"stale_after"`    // mark a stream stale after this long without data
}

// BackpressureConfig controls slow-consumer handling.
type BackpressureConfig struct {
	Policy        string `json:"policy"` // drop_oldest or disconnect
	QueueCapacity int    `json:"queue_capacity"`
}

// OverflowPolicy maps the configured policy onto the ring buffer policy.
// The disconnect policy rejects writes so the registry can observe the
// full queue and close the connection.
func (b BackpressureConfig) OverflowPolicy() buffer.OverflowPolicy {
	if b.Policy == PolicyDropOldest {
		return buffer.DropOldest
	}
	return buffer.Reject
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json or text
}

// Default returns the built-in configuration. Every field has a usable
// value so a bare binary comes up against a local NATS server.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                 "0.0.0.0",
			Port:                 8080,
			Path:                 "/v1/stream",
			ReadLimit:            64 * 1024,
			HandshakeTimeout:     Duration(10 * time.Second),
			IdleTimeout:          Duration(90 * time.Second),
			PingInterval:         Duration(30 * time.Second),
			WriteTimeout:         Duration(10 * time.Second),
			EnableCompression:    true,
			CompressionThreshold: 4 * 1024,
		},
		NATS: NATSConfig{
			URLs:           []string{"nats://localhost:4222"},
			Name:           "tickstream",
			SubjectPrefix:  "md",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
			RequestTimeout: Duration(5 * time.Second),
		},
		Limits: LimitsConfig{
			MaxSubscriptionsPerConn: 200,
			MaxSubscriptionsTotal:   100_000,
			MaxConnections:          10_000,
			CommandWorkers:          8,
			CommandQueueSize:        1024,
		},
		Publisher: PublisherConfig{
			FlushInterval: Duration(100 * time.Millisecond),
			MaxBatchSize:  500,
			StaleAfter:    Duration(30 * time.Second),
		},
		Backpressure: BackpressureConfig{
			Policy:        PolicyDisconnect,
			QueueCapacity: 256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for values no component can run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /, got %q", c.Server.Path)
	}
	if c.Server.ReadLimit <= 0 {
		return fmt.Errorf("server.read_limit must be positive, got %d", c.Server.ReadLimit)
	}
	if c.Server.PingInterval.Std() <= 0 {
		return fmt.Errorf("server.ping_interval must be positive, got %s", c.Server.PingInterval)
	}
	if c.Server.IdleTimeout.Std() <= c.Server.PingInterval.Std() {
		return fmt.Errorf("server.idle_timeout (%s) must exceed ping_interval (%s)",
			c.Server.IdleTimeout, c.Server.PingInterval)
	}

	if len(c.NATS.URLs) == 0 {
		return fmt.Errorf("nats.urls must not be empty")
	}
	for _, u := range c.NATS.URLs {
		if !strings.HasPrefix(u, "nats://") && !strings.HasPrefix(u, "tls://") {
			return fmt.Errorf("nats url %q must use nats:// or tls:// scheme", u)
		}
	}
	if c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("nats.subject_prefix must not be empty")
	}
	if strings.ContainsAny(c.NATS.SubjectPrefix, " .*>") {
		return fmt.Errorf("nats.subject_prefix %q must be a single subject token", c.NATS.SubjectPrefix)
	}

	if c.Limits.MaxSubscriptionsPerConn <= 0 {
		return fmt.Errorf("limits.max_subscriptions_per_conn must be positive, got %d",
			c.Limits.MaxSubscriptionsPerConn)
	}
	if c.Limits.MaxSubscriptionsTotal < c.Limits.MaxSubscriptionsPerConn {
		return fmt.Errorf("limits.max_subscriptions_total (%d) must be at least max_subscriptions_per_conn (%d)",
			c.Limits.MaxSubscriptionsTotal, c.Limits.MaxSubscriptionsPerConn)
	}
	if c.Limits.MaxConnections <= 0 {
		return fmt.Errorf("limits.max_connections must be positive, got %d", c.Limits.MaxConnections)
	}

	if c.Publisher.FlushInterval.Std() <= 0 {
		return fmt.Errorf("publisher.flush_interval must be positive, got %s", c.Publisher.FlushInterval)
	}
	if c.Publisher.MaxBatchSize <= 0 {
		return fmt.Errorf("publisher.max_batch_size must be positive, got %d", c.Publisher.MaxBatchSize)
	}

	switch c.Backpressure.Policy {
	case PolicyDropOldest, PolicyDisconnect:
	default:
		return fmt.Errorf("backpressure.policy must be %q or %q, got %q",
			PolicyDropOldest, PolicyDisconnect, c.Backpressure.Policy)
	}
	if c.Backpressure.QueueCapacity <= 0 {
		return fmt.Errorf("backpressure.queue_capacity must be positive, got %d",
			c.Backpressure.QueueCapacity)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be in 1-65535, got %d", c.Metrics.Port)
		}
		if c.Metrics.Port == c.Server.Port {
			return fmt.Errorf("metrics.port must differ from server.port (%d)", c.Server.Port)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	return nil
}
