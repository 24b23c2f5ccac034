package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"clearpay/pkg/types"
)

// Config is the system-wide configuration, loaded with precedence
// file > environment > defaults. Environment keys use the CLEARPAY_ prefix
// with dots replaced by underscores (CLEARPAY_NODE_URL, ...).
type Config struct {
	Node   NodeConfig
	Ledger LedgerConfig
	Store  StoreConfig
}

// NodeConfig configures the settlement node connection.
type NodeConfig struct {
	URL                  string
	RequestTimeout       time.Duration
	PingInterval         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LedgerConfig configures the payment ledger.
type LedgerConfig struct {
	Asset        string
	Decimals     int
	ReactionCost uint64 // base units per reaction
	PoolAddress  string
	ChainID      uint64
}

// StoreConfig configures snapshot persistence.
type StoreConfig struct {
	Path string
}

// Default configuration values.
const (
	DefaultNodeURL      = "wss://clearnet.yellow.com/ws"
	DefaultAsset        = "usdc"
	DefaultDecimals     = 6
	DefaultReactionCost = 1000   // 0.001 of a 6-decimal asset
	DefaultChainID      = 84532  // Base Sepolia
	DefaultStorePath    = "./clearpay.db"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.url", DefaultNodeURL)
	v.SetDefault("node.request_timeout", 30*time.Second)
	v.SetDefault("node.ping_interval", 30*time.Second)
	v.SetDefault("node.reconnect_delay", time.Second)
	v.SetDefault("node.max_reconnect_attempts", 5)
	v.SetDefault("ledger.asset", DefaultAsset)
	v.SetDefault("ledger.decimals", DefaultDecimals)
	v.SetDefault("ledger.reaction_cost", DefaultReactionCost)
	v.SetDefault("ledger.pool_address", "")
	v.SetDefault("ledger.chain_id", DefaultChainID)
	v.SetDefault("store.path", DefaultStorePath)
}

// Load reads configuration from the optional file path, the environment, and
// defaults, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CLEARPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Node: NodeConfig{
			URL:                  v.GetString("node.url"),
			RequestTimeout:       v.GetDuration("node.request_timeout"),
			PingInterval:         v.GetDuration("node.ping_interval"),
			ReconnectDelay:       v.GetDuration("node.reconnect_delay"),
			MaxReconnectAttempts: v.GetInt("node.max_reconnect_attempts"),
		},
		Ledger: LedgerConfig{
			Asset:        v.GetString("ledger.asset"),
			Decimals:     v.GetInt("ledger.decimals"),
			ReactionCost: v.GetUint64("ledger.reaction_cost"),
			PoolAddress:  v.GetString("ledger.pool_address"),
			ChainID:      v.GetUint64("ledger.chain_id"),
		},
		Store: StoreConfig{
			Path: v.GetString("store.path"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work at runtime.
func (c *Config) Validate() error {
	if c.Node.URL == "" {
		return fmt.Errorf("node URL cannot be empty")
	}
	if !strings.HasPrefix(c.Node.URL, "ws://") && !strings.HasPrefix(c.Node.URL, "wss://") {
		return fmt.Errorf("node URL must be a ws:// or wss:// endpoint, got %q", c.Node.URL)
	}
	if c.Node.RequestTimeout <= 0 {
		return fmt.Errorf("node request timeout must be positive")
	}
	if c.Node.PingInterval <= 0 {
		return fmt.Errorf("node ping interval must be positive")
	}
	if c.Node.ReconnectDelay <= 0 {
		return fmt.Errorf("node reconnect delay must be positive")
	}
	if c.Node.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("node max reconnect attempts must be positive")
	}
	if c.Ledger.Asset == "" {
		return fmt.Errorf("ledger asset cannot be empty")
	}
	if c.Ledger.Decimals < 0 || c.Ledger.Decimals > 19 {
		return fmt.Errorf("ledger decimals must be between 0 and 19")
	}
	if c.Ledger.ReactionCost == 0 {
		return fmt.Errorf("ledger reaction cost must be positive")
	}
	if c.Ledger.PoolAddress != "" && !types.IsValidAddress(c.Ledger.PoolAddress) {
		return fmt.Errorf("ledger pool address %q is not a valid address", c.Ledger.PoolAddress)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path cannot be empty")
	}
	return nil
}
