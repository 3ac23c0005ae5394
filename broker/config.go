// Package broker wires the protocol, session, topic, cluster and storage
// packages into a running MQTT 3.1.1/5.0 broker node: network listeners,
// the hook pipeline, the publish router, cluster coordination and the
// ambient operational surface (config, metrics, $SYS).
package broker

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/axmq/ax/hook"
)

// Config is the top-level broker configuration, loaded from a YAML file by
// LoadConfig. Every field has a usable zero value, the same way
// network.DefaultListenerConfig and store.PebbleStoreConfig favor
// defaulted structs over required options.
type Config struct {
	NodeID      string           `yaml:"node_id"`
	Listeners   []ListenerConfig `yaml:"listeners"`
	Store       StoreConfig      `yaml:"store"`
	Cluster     ClusterConfig    `yaml:"cluster"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	SysInfo     SysInfoConfig    `yaml:"sys_info"`
	Archive     ArchiveConfig    `yaml:"archive"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	SCRAMUsers  []SCRAMUser      `yaml:"scram_users"`
	Capabilities hook.Capabilities `yaml:"capabilities"`
	Sentry      SentryConfig     `yaml:"sentry"`
}

// SentryConfig configures crash reporting for panics recovered inside a
// connection's handler goroutine. An empty DSN disables it entirely.
type SentryConfig struct {
	DSN         string  `yaml:"dsn"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// ListenerConfig describes one network-facing listener. Protocol selects
// the transport; TLS fields are only consulted for "tls"/"wss".
type ListenerConfig struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Protocol string `yaml:"protocol"` // "tcp", "tls", "ws", "wss"
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
	WSPath   string `yaml:"ws_path"`
}

// StoreConfig selects the session/queue persistence backend. Retained
// messages are always kept in memory (topic.RetainedManager).
type StoreConfig struct {
	Backend string `yaml:"backend"` // "memory", "pebble", "redis"
	Path    string `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig mirrors session.RedisStoreConfig/cluster.RedisTransportConfig
// field-for-field so one block configures both.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// ClusterConfig configures the inter-node coordination plane. An empty
// Transport selects cluster.LoopbackTransport (single-node).
type ClusterConfig struct {
	Enabled   bool   `yaml:"enabled"`
	NodeID    string `yaml:"node_id"`
	Transport string `yaml:"transport"` // "loopback", "redis"
	Redis     RedisConfig `yaml:"redis"`
}

// MetricsConfig configures the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// SysInfoConfig configures the $SYS topic publisher.
type SysInfoConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// ArchiveConfig configures the optional append-only audit archive.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Level   int    `yaml:"level"`
}

// RateLimitConfig configures the publish rate limit hook. Only PerClientRate
// is read: it is the number of publishes allowed per client per minute
// (100 when unset). PerClientBurst, GlobalRate and GlobalBurst are not read.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	PerClientRate     float64 `yaml:"per_client_rate"`
	PerClientBurst    int     `yaml:"per_client_burst"`
	GlobalRate        float64 `yaml:"global_rate"`
	GlobalBurst       int     `yaml:"global_burst"`
}

// SCRAMUser registers a SCRAM-SHA-256 credential for MQTT 5.0 enhanced
// authentication (AUTH packets with AuthMethod "SCRAM-SHA-256").
type SCRAMUser struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DefaultConfig returns a single-node, in-memory, loopback-clustered
// configuration listening on :1883 (all interfaces).
func DefaultConfig() *Config {
	return &Config{
		NodeID: "node-1",
		Listeners: []ListenerConfig{
			{Name: "tcp", Address: ":1883", Protocol: "tcp"},
		},
		Store: StoreConfig{Backend: "memory"},
		Cluster: ClusterConfig{
			Enabled:   false,
			NodeID:    "node-1",
			Transport: "loopback",
		},
		Metrics: MetricsConfig{Enabled: true, Address: ":9090"},
		SysInfo: SysInfoConfig{Enabled: true, Interval: 10 * time.Second},
		Capabilities: hook.Capabilities{
			MaximumSessionExpiryInterval: 86400,
			ReceiveMaximum:               65535,
			MaximumQoS:                   2,
			RetainAvailable:              true,
			MaximumPacketSize:            268435455,
			MaximumTopicAlias:            65535,
			WildcardSubAvailable:         true,
			SubIDAvailable:               true,
			SharedSubAvailable:           true,
		},
	}
}

// LoadConfig reads and parses a YAML config file, filling in defaults for
// anything left unset.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "broker: read config")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "broker: parse config")
	}

	if len(cfg.Listeners) == 0 {
		cfg.Listeners = DefaultConfig().Listeners
	}
	if cfg.Cluster.NodeID == "" {
		cfg.Cluster.NodeID = cfg.NodeID
	}

	return cfg, nil
}
