package config

import (
	"path/filepath"
	"strings"
	"time"
)

// Load balancing strategies understood by the RPC router.
const (
	StrategyRoundRobin = "round-robin"
	StrategyHealthiest = "healthiest"
)

type Config struct {
	// Log Config
	LogLevel   int    `json:"log_level"`   // e.g., 0 = debug, 1 = info, etc.
	LogFormat  string `json:"log_format"`  // "json" or "console"
	LogSampler bool   `json:"log_sampler"` // if true, samples logs (e.g., 1 in 5)

	// Node Config
	NodeHome     string `json:"node_home"`     // Engine home directory (default: $XDG_DATA_HOME/arx)
	DatabaseFile string `json:"database_file"` // SQLite file under <home>/data (default: engine.db)

	// API Config
	APIListenAddr  string `json:"api_listen_addr"` // HTTP listen address (default: 127.0.0.1:7545)
	MetricsEnabled bool   `json:"metrics_enabled"` // expose /metrics

	// Session Config
	AutoLockMinutes     int `json:"auto_lock_minutes"`     // 0 disables auto-lock
	ApprovalTTLSeconds  int `json:"approval_ttl_seconds"`  // 0 means approvals never expire
	AttentionTTLSeconds int `json:"attention_ttl_seconds"` // dedup window for attention prompts (default: 30)

	// History Config
	HistoryRetentionHours       int `json:"history_retention_hours"`        // terminal transactions older than this are pruned (default: 720)
	HistoryPruneIntervalSeconds int `json:"history_prune_interval_seconds"` // (default: 3600)

	ReceiptTracker ReceiptTrackerConfig `json:"receipt_tracker"`
	RPCRouter      RPCRouterConfig      `json:"rpc_router"`

	// Per-chain configuration keyed by CAIP-2 chain reference (e.g. "eip155:1")
	ChainConfigs map[string]ChainConfig `json:"chain_configs"`

	// Active chain per namespace on first start (e.g. "eip155" -> "eip155:1")
	DefaultChains map[string]string `json:"default_chains"`
}

// ReceiptTrackerConfig drives the post-broadcast polling schedule.
type ReceiptTrackerConfig struct {
	InitialDelayMs int `json:"initial_delay_ms"` // (default: 3000)
	MaxDelayMs     int `json:"max_delay_ms"`     // (default: 30000)
	MaxAttempts    int `json:"max_attempts"`     // (default: 40)
}

type RPCRouterConfig struct {
	CooldownMs           int    `json:"cooldown_ms"`            // endpoint cooldown after a failure (default: 30000)
	ProbeIntervalSeconds int    `json:"probe_interval_seconds"` // cooled endpoint probing (default: 30)
	RequestTimeoutMs     int    `json:"request_timeout_ms"`     // per request timeout (default: 10000)
	Strategy             string `json:"strategy"`               // default strategy for chains that do not set one
}

// ChainConfig holds all chain-specific configuration in one place
type ChainConfig struct {
	Name           string   `json:"name"`
	NativeSymbol   string   `json:"native_symbol"`
	NativeDecimals int      `json:"native_decimals"`
	RPCURLs        []string `json:"rpc_urls,omitempty"`
	Strategy       string   `json:"strategy,omitempty"`
}

// GetChainConfig returns the configuration for a chain reference
func (c *Config) GetChainConfig(chainRef string) (ChainConfig, bool) {
	if c.ChainConfigs == nil {
		return ChainConfig{}, false
	}
	cc, ok := c.ChainConfigs[chainRef]
	if !ok {
		return ChainConfig{}, false
	}
	cc.RPCURLs = append([]string(nil), cc.RPCURLs...)
	return cc, true
}

// Namespace returns the namespace part of a CAIP-2 chain reference.
func Namespace(chainRef string) string {
	ns, _, _ := strings.Cut(chainRef, ":")
	return ns
}

func (c *Config) AutoLockDuration() time.Duration {
	return time.Duration(c.AutoLockMinutes) * time.Minute
}

func (c *Config) ApprovalTTL() time.Duration {
	return time.Duration(c.ApprovalTTLSeconds) * time.Second
}

func (c *Config) AttentionTTL() time.Duration {
	return time.Duration(c.AttentionTTLSeconds) * time.Second
}

func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionHours) * time.Hour
}

func (c *Config) HistoryPruneInterval() time.Duration {
	return time.Duration(c.HistoryPruneIntervalSeconds) * time.Second
}

func (c *Config) CooldownDuration() time.Duration {
	return time.Duration(c.RPCRouter.CooldownMs) * time.Millisecond
}

func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.RPCRouter.ProbeIntervalSeconds) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RPCRouter.RequestTimeoutMs) * time.Millisecond
}

func (c *Config) ReceiptInitialDelay() time.Duration {
	return time.Duration(c.ReceiptTracker.InitialDelayMs) * time.Millisecond
}

func (c *Config) ReceiptMaxDelay() time.Duration {
	return time.Duration(c.ReceiptTracker.MaxDelayMs) * time.Millisecond
}

// DataDir is the directory holding the database file.
func (c *Config) DataDir() string {
	return filepath.Join(c.NodeHome, "data")
}
