package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"

	// MisbehaviorPolicyStrict disconnects a session on any protocol violation.
	MisbehaviorPolicyStrict = "strict"
	// MisbehaviorPolicyScore accumulates penalties and disconnects at BanScore.
	MisbehaviorPolicyScore = "score"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
// NOTE: libs/cli must know to look in the config dir!
var (
	DefaultDiscoveryDir = ".discovery"
	defaultConfigDir    = "config"
	defaultDataDir      = "data"

	defaultConfigFileName = "config.toml"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for a discovery node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Discovery       *DiscoveryConfig       `mapstructure:"discovery"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a discovery node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Discovery:       DefaultDiscoveryConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Discovery:       TestDiscoveryConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Discovery.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [discovery] section: %w", err)
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [instrumentation] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a discovery node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// Database backend: goleveldb | memdb
	// * goleveldb (github.com/syndtr/goleveldb - most popular implementation)
	//   - pure go
	//   - stable
	// * memdb
	//   - nothing is persisted
	DBBackend string `mapstructure:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`
}

// DefaultBaseConfig returns a default base configuration for a discovery node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		LogLevel:  DefaultLogLevel,
		LogFormat: LogFormatPlain,
		DBBackend: "goleveldb",
		DBPath:    defaultDataDir,
	}
}

// TestBaseConfig returns a base configuration for testing a discovery node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.DBBackend = "memdb"
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log_format (must be 'plain' or 'json')")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", cfg.LogLevel)
	}
	if cfg.DBBackend == "" {
		return errors.New("db_backend can't be empty")
	}
	return nil
}

// DefaultLogLevel is the default log level
const DefaultLogLevel = "info"

//-----------------------------------------------------------------------------
// DiscoveryConfig

// DiscoveryConfig defines the configuration of the address discovery protocol.
type DiscoveryConfig struct {
	// How often queued announcements are flushed and new gossip candidates
	// are picked.
	AnnounceCheckInterval time.Duration `mapstructure:"announce_check_interval"`

	// Accept and gossip private and loopback addresses. Only useful for
	// local testnets.
	DiscoveryLocalAddress bool `mapstructure:"discovery_local_address"`

	// Multiaddrs this node accepts connections on. The first one carrying a
	// TCP port is advertised to outbound peers.
	ListenAddresses []string `mapstructure:"listen_addresses"`

	// Number of addresses remembered per session to avoid gossiping them
	// back.
	MaxKnown int `mapstructure:"max_known"`

	// How to react to protocol violations: strict | score
	MisbehaviorPolicy string `mapstructure:"misbehavior_policy"`

	// Accumulated penalty at which a session is disconnected under the
	// score policy.
	BanScore int `mapstructure:"ban_score"`

	// Maximum number of addresses kept in the address book.
	MaxStoredAddrs int `mapstructure:"max_stored_addrs"`
}

// DefaultDiscoveryConfig returns a default configuration for the discovery
// protocol.
func DefaultDiscoveryConfig() *DiscoveryConfig {
	return &DiscoveryConfig{
		AnnounceCheckInterval: 60 * time.Second,
		DiscoveryLocalAddress: false,
		ListenAddresses:       []string{"/ip4/0.0.0.0/tcp/26656"},
		MaxKnown:              5000,
		MisbehaviorPolicy:     MisbehaviorPolicyStrict,
		BanScore:              100,
		MaxStoredAddrs:        10000,
	}
}

// TestDiscoveryConfig returns a configuration for testing the discovery
// protocol.
func TestDiscoveryConfig() *DiscoveryConfig {
	cfg := DefaultDiscoveryConfig()
	cfg.AnnounceCheckInterval = 100 * time.Millisecond
	cfg.DiscoveryLocalAddress = true
	cfg.ListenAddresses = []string{"/ip4/127.0.0.1/tcp/36656"}
	cfg.MaxKnown = 100
	cfg.MaxStoredAddrs = 1000
	return cfg
}

// ListenMultiaddrs parses ListenAddresses.
func (cfg *DiscoveryConfig) ListenMultiaddrs() ([]ma.Multiaddr, error) {
	addrs := make([]ma.Multiaddr, 0, len(cfg.ListenAddresses))
	for _, s := range cfg.ListenAddresses {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %w", s, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *DiscoveryConfig) ValidateBasic() error {
	if cfg.AnnounceCheckInterval <= 0 {
		return errors.New("announce_check_interval must be positive")
	}
	if _, err := cfg.ListenMultiaddrs(); err != nil {
		return err
	}
	if cfg.MaxKnown <= 0 {
		return errors.New("max_known must be positive")
	}
	switch cfg.MisbehaviorPolicy {
	case MisbehaviorPolicyStrict:
	case MisbehaviorPolicyScore:
		if cfg.BanScore <= 0 {
			return errors.New("ban_score must be positive")
		}
	default:
		return fmt.Errorf("unknown misbehavior_policy %q (must be '%s' or '%s')",
			cfg.MisbehaviorPolicy, MisbehaviorPolicyStrict, MisbehaviorPolicyScore)
	}
	if cfg.MaxStoredAddrs <= 0 {
		return errors.New("max_stored_addrs must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	// Check out the documentation for the list of available metrics.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Maximum number of simultaneous connections.
	// 0 - unlimited.
	MaxOpenConnections int `mapstructure:"max_open_connections"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		MaxOpenConnections:   3,
		Namespace:            "discovery",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus_listen_addr can't be empty when prometheus is enabled")
	}
	if cfg.MaxOpenConnections < 0 {
		return errors.New("max_open_connections can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
