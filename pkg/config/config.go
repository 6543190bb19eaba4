package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"p2p_audit_consensus/pkg/scheduler"
	"p2p_audit_consensus/pkg/security"
)

// Config holds all configuration settings for the daemon
type Config struct {
	Environment string                   `mapstructure:"environment"`
	LogLevel    string                   `mapstructure:"log_level"`
	Node        NodeConfig               `mapstructure:"node"`
	Consensus   ConsensusConfig          `mapstructure:"consensus"`
	Network     NetworkConfig            `mapstructure:"network"`
	RateLimit   security.RateLimitConfig `mapstructure:"rate_limit"`
	Storage     StorageConfig            `mapstructure:"storage"`
	Scheduler   SchedConfig              `mapstructure:"scheduler"`
	Logging     LoggingConfig            `mapstructure:"logging"`
}

// NodeConfig identifies this node
type NodeConfig struct {
	ID           string `mapstructure:"id"`
	IdentityFile string `mapstructure:"identity_file"`
	// Passphrase seals the private key at rest when set
	Passphrase string `mapstructure:"passphrase"`
}

// ConsensusConfig controls round formation and aggregation
type ConsensusConfig struct {
	ValidatorCount  int           `mapstructure:"validator_count"`
	WindowHours     uint64        `mapstructure:"window_hours"`
	TrustWeighted   bool          `mapstructure:"trust_weighted"`
	ReconcileWindow time.Duration `mapstructure:"reconcile_window"`
}

// NetworkConfig covers the inbound server and peer dialing
type NetworkConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	PeerFile   string `mapstructure:"peer_file"`
	ServerCert string `mapstructure:"server_cert"`
	ServerKey  string `mapstructure:"server_key"`
	CACert     string `mapstructure:"ca_cert"`
	Insecure   bool   `mapstructure:"insecure"`
	AuthSecret string `mapstructure:"auth_secret"`
}

// StorageConfig controls state persistence
type StorageConfig struct {
	StatePath string `mapstructure:"state_path"`
}

// SchedConfig holds the maintenance job settings
type SchedConfig struct {
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	TrustDecayCron    string        `mapstructure:"trust_decay_cron"`
	ReconcileCron     string        `mapstructure:"reconcile_cron"`
	SnapshotCron      string        `mapstructure:"snapshot_cron"`
	CacheMaintainCron string        `mapstructure:"cache_maintain_cron"`
}

// ToScheduler converts the section into the scheduler's own config type
func (c SchedConfig) ToScheduler() scheduler.Config {
	return scheduler.Config{
		MaxConcurrent: c.MaxConcurrent,
		RetryDelay:    c.RetryDelay,
	}
}

// LoggingConfig controls log output and rotation
type LoggingConfig struct {
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads the configuration file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("AUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	// Keys need a registered default for env-only overrides to bind
	v.SetDefault("node.id", "")
	v.SetDefault("node.identity_file", "identity.json")
	v.SetDefault("node.passphrase", "")

	v.SetDefault("consensus.validator_count", 3)
	v.SetDefault("consensus.window_hours", 24)
	v.SetDefault("consensus.trust_weighted", false)
	v.SetDefault("consensus.reconcile_window", "1h")

	v.SetDefault("network.listen_addr", "0.0.0.0:9440")
	v.SetDefault("network.peer_file", "peers.json")
	v.SetDefault("network.server_cert", "")
	v.SetDefault("network.server_key", "")
	v.SetDefault("network.ca_cert", "")
	v.SetDefault("network.insecure", false)
	v.SetDefault("network.auth_secret", "")

	v.SetDefault("rate_limit.burst_requests", security.DefaultBurstRequests)
	v.SetDefault("rate_limit.burst_window", "10s")
	v.SetDefault("rate_limit.sustained_requests", security.DefaultSustainedRequests)
	v.SetDefault("rate_limit.sustained_window", "60s")

	v.SetDefault("storage.state_path", "state.json")

	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.retry_delay", "30s")
	v.SetDefault("scheduler.trust_decay_cron", "@daily")
	v.SetDefault("scheduler.reconcile_cron", "@hourly")
	v.SetDefault("scheduler.snapshot_cron", "@every 5m")
	v.SetDefault("scheduler.cache_maintain_cron", "@every 10m")

	v.SetDefault("logging.file_path", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Consensus.ValidatorCount < 1 {
		return fmt.Errorf("consensus.validator_count must be at least 1")
	}
	if c.Consensus.WindowHours == 0 {
		return fmt.Errorf("consensus.window_hours must be positive")
	}
	if c.Consensus.ReconcileWindow <= 0 {
		return fmt.Errorf("consensus.reconcile_window must be positive")
	}
	if c.Network.ListenAddr == "" {
		return fmt.Errorf("network.listen_addr is required")
	}
	if !c.Network.Insecure {
		if c.Network.ServerCert == "" || c.Network.ServerKey == "" || c.Network.CACert == "" {
			return fmt.Errorf("network TLS material is required unless network.insecure is set")
		}
	}
	if c.RateLimit.BurstRequests <= 0 || c.RateLimit.SustainedRequests <= 0 {
		return fmt.Errorf("rate limit request counts must be positive")
	}
	if c.RateLimit.BurstWindow <= 0 || c.RateLimit.SustainedWindow <= 0 {
		return fmt.Errorf("rate limit windows must be positive")
	}
	if c.Storage.StatePath == "" {
		return fmt.Errorf("storage.state_path is required")
	}
	return nil
}
