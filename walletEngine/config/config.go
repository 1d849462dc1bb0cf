package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (
	configSubdir   = "config"
	configFileName = "engine_config.json"
	appDirName     = "arx"
)

//go:embed default_config.json
var defaultConfigJSON []byte

// DefaultNodeHome returns $XDG_DATA_HOME/arx.
func DefaultNodeHome() string {
	return filepath.Join(xdg.DataHome, appDirName)
}

func validateConfig(cfg *Config) error {
	// Validate log level
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between 0 and 5")
	}

	// Validate log format
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	if cfg.NodeHome == "" {
		cfg.NodeHome = DefaultNodeHome()
	}
	if cfg.DatabaseFile == "" {
		cfg.DatabaseFile = "engine.db"
	}
	if cfg.APIListenAddr == "" {
		cfg.APIListenAddr = "127.0.0.1:7545"
	}

	if cfg.AutoLockMinutes < 0 {
		return fmt.Errorf("auto lock minutes must not be negative")
	}
	if cfg.ApprovalTTLSeconds < 0 {
		return fmt.Errorf("approval ttl must not be negative")
	}
	if cfg.AttentionTTLSeconds == 0 {
		cfg.AttentionTTLSeconds = 30
	}

	// Set defaults for history pruning
	if cfg.HistoryRetentionHours == 0 {
		cfg.HistoryRetentionHours = 720
	}
	if cfg.HistoryPruneIntervalSeconds == 0 {
		cfg.HistoryPruneIntervalSeconds = 3600
	}

	// Set defaults for receipt tracking
	if cfg.ReceiptTracker.InitialDelayMs == 0 {
		cfg.ReceiptTracker.InitialDelayMs = 3000
	}
	if cfg.ReceiptTracker.MaxDelayMs == 0 {
		cfg.ReceiptTracker.MaxDelayMs = 30000
	}
	if cfg.ReceiptTracker.MaxAttempts == 0 {
		cfg.ReceiptTracker.MaxAttempts = 40
	}
	if cfg.ReceiptTracker.MaxDelayMs < cfg.ReceiptTracker.InitialDelayMs {
		return fmt.Errorf("receipt tracker max delay must be >= initial delay")
	}

	// Set defaults for RPC router config
	if cfg.RPCRouter.CooldownMs == 0 {
		cfg.RPCRouter.CooldownMs = 30000
	}
	if cfg.RPCRouter.ProbeIntervalSeconds == 0 {
		cfg.RPCRouter.ProbeIntervalSeconds = 30
	}
	if cfg.RPCRouter.RequestTimeoutMs == 0 {
		cfg.RPCRouter.RequestTimeoutMs = 10000
	}
	if cfg.RPCRouter.Strategy == "" {
		cfg.RPCRouter.Strategy = StrategyRoundRobin
	}
	if !validStrategy(cfg.RPCRouter.Strategy) {
		return fmt.Errorf("rpc strategy must be '%s' or '%s'", StrategyRoundRobin, StrategyHealthiest)
	}

	// Initialize ChainConfigs if empty
	if len(cfg.ChainConfigs) == 0 {
		var defaultCfg Config
		if err := json.Unmarshal(defaultConfigJSON, &defaultCfg); err == nil {
			cfg.ChainConfigs = defaultCfg.ChainConfigs
			if len(cfg.DefaultChains) == 0 {
				cfg.DefaultChains = defaultCfg.DefaultChains
			}
		} else {
			cfg.ChainConfigs = make(map[string]ChainConfig)
		}
	}

	for ref, cc := range cfg.ChainConfigs {
		if Namespace(ref) == ref {
			return fmt.Errorf("chain reference %q must be namespace:reference", ref)
		}
		if cc.Strategy != "" && !validStrategy(cc.Strategy) {
			return fmt.Errorf("chain %s: unknown rpc strategy %q", ref, cc.Strategy)
		}
	}

	if cfg.DefaultChains == nil {
		cfg.DefaultChains = make(map[string]string)
	}
	for ns, ref := range cfg.DefaultChains {
		if _, ok := cfg.ChainConfigs[ref]; !ok {
			return fmt.Errorf("default chain %s for namespace %s is not configured", ref, ns)
		}
	}

	return nil
}

func validStrategy(s string) bool {
	return s == StrategyRoundRobin || s == StrategyHealthiest
}

// Validate applies defaults and checks the configuration.
func Validate(cfg *Config) error {
	return validateConfig(cfg)
}

// Save writes the given config to <NodeHome>/config/engine_config.json.
func Save(cfg *Config, basePath string) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Join(basePath, configSubdir)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configDir, configFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads and returns the config from <BasePath>/config/engine_config.json.
func Load(basePath string) (Config, error) {
	configFile := filepath.Join(basePath, configSubdir, configFileName)
	data, err := os.ReadFile(filepath.Clean(configFile))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDefaultConfig loads the default configuration from embedded JSON
func LoadDefaultConfig() (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid default config: %w", err)
	}
	return &cfg, nil
}
