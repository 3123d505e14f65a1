// Package config loads signetd configuration from a YAML file and SIGNET_
// environment variables with viper.
//
// Chain ids are case-sensitive (Avalanche and Solana ids are base58), and
// viper lowercases map keys, so per-chain settings are lists of entries
// rather than maps keyed by chain.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/tracker"
)

// EnvPrefix prefixes every environment override, e.g. SIGNET_SERVER_LISTEN.
const EnvPrefix = "SIGNET"

// Config is the daemon configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Wallet   WalletConfig   `mapstructure:"wallet"`
	Chains   []Endpoint     `mapstructure:"chains"`
	Approval ApprovalConfig `mapstructure:"approval"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
}

// ServerConfig configures the approval HTTP server.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
	// Router is "chi" or "gin".
	Router      string    `mapstructure:"router"`
	Token       string    `mapstructure:"token"`
	MetricsPath string    `mapstructure:"metrics_path"`
	MCP         MCPConfig `mapstructure:"mcp"`
}

// MCPConfig exposes the approval queue as MCP tools.
type MCPConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Path         string `mapstructure:"path"`
	AllowApprove bool   `mapstructure:"allow_approve"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RedisConfig selects the persistence store. An empty Addr keeps state in
// memory.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
}

// WalletConfig selects the signing backends. Any combination may be set;
// the first configured one in the order mnemonic, keystore, seedless is the
// default.
type WalletConfig struct {
	Mnemonic string         `mapstructure:"mnemonic"`
	Keystore string         `mapstructure:"keystore"`
	Password string         `mapstructure:"password"`
	Seedless SeedlessConfig `mapstructure:"seedless"`
}

// SeedlessConfig configures the remote signing service.
type SeedlessConfig struct {
	URL       string `mapstructure:"url"`
	KeyName   string `mapstructure:"key_name"`
	KeySecret string `mapstructure:"key_secret"`
}

// Enabled reports whether the seedless backend is configured.
func (s SeedlessConfig) Enabled() bool {
	return s.KeyName != "" && s.KeySecret != ""
}

// Endpoint is one chain's node. User and Pass are used by bitcoind nodes.
// Info is the Avalanche info API used for fee quotes, and Avax is the
// C-Chain /ext/bc/C/avax API used for atomic transactions.
type Endpoint struct {
	Chain string `mapstructure:"chain"`
	URL   string `mapstructure:"url"`
	User  string `mapstructure:"user"`
	Pass  string `mapstructure:"pass"`
	Info  string `mapstructure:"info"`
	Avax  string `mapstructure:"avax"`
}

// ChainID returns the endpoint's chain.
func (e Endpoint) ChainID() signet.ChainID {
	return signet.ChainID(e.Chain)
}

// ApprovalConfig configures the approval controller.
type ApprovalConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	FeeTimeout time.Duration `mapstructure:"fee_timeout"`
}

// BridgeConfig configures confirmation tracking.
type BridgeConfig struct {
	Confirmations []Threshold   `mapstructure:"confirmations"`
	MaxDuration   time.Duration `mapstructure:"max_duration"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

// Threshold is the confirmation count required on one source chain.
type Threshold struct {
	Chain         string `mapstructure:"chain"`
	Confirmations uint64 `mapstructure:"confirmations"`
}

// Tracker returns the thresholds as a signet.BridgeConfig.
func (b BridgeConfig) Tracker() tracker.StaticBridgeConfig {
	c := tracker.StaticBridgeConfig{
		Confirmations: make(map[signet.ChainID]uint64, len(b.Confirmations)),
		MaxDuration:   b.MaxDuration,
	}
	for _, t := range b.Confirmations {
		c.Confirmations[signet.ChainID(t.Chain)] = t.Confirmations
	}
	return c
}

// Load reads path, or signet.yaml from the working directory or
// $HOME/.signet when path is empty, then applies SIGNET_ overrides. A
// missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("signet")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.signet")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8645")
	v.SetDefault("server.router", "chi")
	v.SetDefault("server.token", "")
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.mcp.enabled", false)
	v.SetDefault("server.mcp.path", "/mcp")
	v.SetDefault("server.mcp.allow_approve", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.namespace", "signet")

	v.SetDefault("wallet.mnemonic", "")
	v.SetDefault("wallet.keystore", "")
	v.SetDefault("wallet.password", "")
	v.SetDefault("wallet.seedless.url", "")
	v.SetDefault("wallet.seedless.key_name", "")
	v.SetDefault("wallet.seedless.key_secret", "")

	v.SetDefault("approval.timeout", 5*time.Minute)
	v.SetDefault("approval.fee_timeout", 10*time.Second)

	v.SetDefault("bridge.max_duration", 2*time.Hour)
	v.SetDefault("bridge.poll_interval", 15*time.Second)
}

// Validate checks the configuration for values the daemon cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Server.Router {
	case "chi", "gin":
	default:
		errs = append(errs, fmt.Errorf("server.router: unknown router %q", c.Server.Router))
	}
	if c.Wallet.Mnemonic == "" && c.Wallet.Keystore == "" && !c.Wallet.Seedless.Enabled() {
		errs = append(errs, errors.New("wallet: no signing backend configured"))
	}
	if c.Wallet.Mnemonic != "" && c.Wallet.Keystore != "" {
		errs = append(errs, errors.New("wallet: mnemonic and keystore are mutually exclusive"))
	}
	seen := make(map[string]bool)
	for i, e := range c.Chains {
		if e.Chain == "" || e.URL == "" {
			errs = append(errs, fmt.Errorf("chains[%d]: chain and url are required", i))
			continue
		}
		if e.ChainID().VM() == signet.VMUnknown {
			errs = append(errs, fmt.Errorf("chains[%d]: unsupported chain %q", i, e.Chain))
		}
		if seen[e.Chain] {
			errs = append(errs, fmt.Errorf("chains[%d]: duplicate chain %q", i, e.Chain))
		}
		seen[e.Chain] = true
	}
	for i, t := range c.Bridge.Confirmations {
		if t.Confirmations == 0 {
			errs = append(errs, fmt.Errorf("bridge.confirmations[%d]: must be positive", i))
		}
	}
	if c.Bridge.PollInterval <= 0 {
		errs = append(errs, errors.New("bridge.poll_interval: must be positive"))
	}
	return errors.Join(errs...)
}

// Logger builds the slog logger described by c.Log.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
