// Package config loads and validates the node configuration document
// of spec §4.13: node identity, listen addresses, discovery and
// cluster settings, and the tunables named throughout spec §4 and §9.
// Validation here is intentionally shallow (required fields and
// ranges) — rich validation UX is out of scope.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully populated, validated node configuration.
type Config struct {
	NodeID    string `yaml:"node_id"`
	DataDir   string `yaml:"data_dir"`
	ClusterName string `yaml:"cluster_name"`

	ProxyListenAddr     string `yaml:"proxy_listen_addr"`
	BackendAddr         string `yaml:"backend_addr"`
	BackendDSN          string `yaml:"backend_dsn"`
	TransportListenAddr string `yaml:"transport_listen_addr"`
	AdminListenAddr     string `yaml:"admin_listen_addr"`

	Discovery DiscoveryConfig `yaml:"discovery"`
	Peers     []Peer          `yaml:"peers"`

	Tunables Tunables `yaml:"tunables"`
}

// Peer is a statically configured cluster member.
type Peer struct {
	ID       string `yaml:"id"`
	Endpoint string `yaml:"endpoint"`
}

// DiscoveryConfig tunes UDP broadcast discovery (spec §4.11).
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Port     int    `yaml:"port"`
	Interval string `yaml:"interval"`
}

// Tunables holds the replication/election/WAL knobs named across
// spec §4 and §9.
type Tunables struct {
	HeartbeatInterval   string `yaml:"heartbeat_interval"`
	HeartbeatTimeout    string `yaml:"heartbeat_timeout"`
	ElectionTimeoutMin  string `yaml:"election_timeout_min"`
	ElectionTimeoutMax  string `yaml:"election_timeout_max"`
	WriteAckTimeout     string `yaml:"write_ack_timeout"`
	BatchSize           int    `yaml:"batch_size"`
	SegmentByteBudget   int64  `yaml:"segment_byte_budget"`
	Durable             bool   `yaml:"durable"`
	Compress            bool   `yaml:"compress"`
	MaxAcceptableLag    uint64 `yaml:"max_acceptable_lag"`
	AutomaticElections  bool   `yaml:"automatic_elections"`
}

func (t *Tunables) setDefaults() {
	if t.HeartbeatInterval == "" {
		t.HeartbeatInterval = "100ms"
	}
	if t.HeartbeatTimeout == "" {
		t.HeartbeatTimeout = "3s"
	}
	if t.ElectionTimeoutMin == "" {
		t.ElectionTimeoutMin = "150ms"
	}
	if t.ElectionTimeoutMax == "" {
		t.ElectionTimeoutMax = "300ms"
	}
	if t.WriteAckTimeout == "" {
		t.WriteAckTimeout = "2s"
	}
	if t.BatchSize <= 0 {
		t.BatchSize = 100
	}
	if t.SegmentByteBudget <= 0 {
		t.SegmentByteBudget = 64 * 1024 * 1024
	}
	if t.MaxAcceptableLag == 0 {
		t.MaxAcceptableLag = 1000
	}
}

// HeartbeatIntervalDuration parses tunables.heartbeat_interval as a
// time.Duration. It and the other *Duration methods below return an
// error that names the offending field.
func (t *Tunables) HeartbeatIntervalDuration() (time.Duration, error) {
	return parseDuration("tunables.heartbeat_interval", t.HeartbeatInterval)
}

func (t *Tunables) HeartbeatTimeoutDuration() (time.Duration, error) {
	return parseDuration("tunables.heartbeat_timeout", t.HeartbeatTimeout)
}

func (t *Tunables) ElectionTimeoutMinDuration() (time.Duration, error) {
	return parseDuration("tunables.election_timeout_min", t.ElectionTimeoutMin)
}

func (t *Tunables) ElectionTimeoutMaxDuration() (time.Duration, error) {
	return parseDuration("tunables.election_timeout_max", t.ElectionTimeoutMax)
}

func (t *Tunables) WriteAckTimeoutDuration() (time.Duration, error) {
	return parseDuration("tunables.write_ack_timeout", t.WriteAckTimeout)
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", field, err)
	}
	return d, nil
}

// Load reads and validates a YAML configuration document from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Tunables.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.ProxyListenAddr == "" {
		return fmt.Errorf("config: proxy_listen_addr is required")
	}
	if c.BackendAddr == "" {
		return fmt.Errorf("config: backend_addr is required")
	}
	if c.BackendDSN == "" {
		return fmt.Errorf("config: backend_dsn is required")
	}
	if c.TransportListenAddr == "" {
		return fmt.Errorf("config: transport_listen_addr is required")
	}
	if c.Tunables.BatchSize <= 0 {
		return fmt.Errorf("config: tunables.batch_size must be positive")
	}
	if c.Tunables.SegmentByteBudget <= 0 {
		return fmt.Errorf("config: tunables.segment_byte_budget must be positive")
	}
	for _, p := range c.Peers {
		if p.ID == "" || p.Endpoint == "" {
			return fmt.Errorf("config: peers entries require both id and endpoint")
		}
	}
	return nil
}

// Overrides is the set of commonly-overridden fields exposed as CLI
// flags, in the teacher's flag-first style (cmd/rdbms/main.go,
// cmd/joydb/main.go both parse their handful of knobs with the flag
// package rather than a config file for these).
type Overrides struct {
	ConfigPath string
	NodeID     string
	DataDir    string
	ProxyAddr  string
	BackendAddr string
}

// ParseFlags registers and parses the override flags against the
// default flag.CommandLine.
func ParseFlags() Overrides {
	var o Overrides
	flag.StringVar(&o.ConfigPath, "config", "wolfscale.yaml", "path to the node configuration file")
	flag.StringVar(&o.NodeID, "node-id", "", "override node_id from the config file")
	flag.StringVar(&o.DataDir, "data-dir", "", "override data_dir from the config file")
	flag.StringVar(&o.ProxyAddr, "proxy-addr", "", "override proxy_listen_addr from the config file")
	flag.StringVar(&o.BackendAddr, "backend-addr", "", "override backend_addr from the config file")
	flag.Parse()
	return o
}

// Apply layers non-empty override fields onto cfg.
func (o Overrides) Apply(cfg *Config) {
	if o.NodeID != "" {
		cfg.NodeID = o.NodeID
	}
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}
	if o.ProxyAddr != "" {
		cfg.ProxyListenAddr = o.ProxyAddr
	}
	if o.BackendAddr != "" {
		cfg.BackendAddr = o.BackendAddr
	}
}
