package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Blockchain BlockchainConfig `yaml:"blockchain"`
	NATS       NATSConfig       `yaml:"nats"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Auth       AuthConfig       `yaml:"auth"`
	CORS       CORSConfig       `yaml:"cors"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig database configuration
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
}

// BlockchainConfig vault chain configuration. One vault contract instance
// per deployment; the RPC endpoints are tried in order at startup.
type BlockchainConfig struct {
	ChainID       int64    `yaml:"chainId"`
	Name          string   `yaml:"name"`
	RPCEndpoints  []string `yaml:"rpcEndpoints"`
	WSEndpoint    string   `yaml:"wsEndpoint"`
	VaultContract string   `yaml:"vaultContract"`
	AssetContract string   `yaml:"assetContract"`

	// Signer configuration. The private key may be supplied via the
	// VAULT_SIGNER_KEY environment variable instead of the file.
	PrivateKey string `yaml:"privateKey"`
	GasLimit   uint64 `yaml:"gasLimit"`

	// Receipt wait policy, seconds. Zero means the defaults below.
	ReceiptMaxWaitSeconds int `yaml:"receiptMaxWaitSeconds"`
}

// NATSConfig NATS message server configuration
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
	Timeout       int    `yaml:"timeout"`
	ReconnectWait int    `yaml:"reconnect_wait"`
	MaxReconnects int    `yaml:"max_reconnects"`
}

// TrackerConfig settlement tracker configuration
type TrackerConfig struct {
	// PollIntervalSeconds is the backend pending-amount polling interval.
	PollIntervalSeconds int `yaml:"pollIntervalSeconds"`
	// RetentionMinutes is the grace window after which terminal entries are
	// pruned from the persisted queue.
	RetentionMinutes int `yaml:"retentionMinutes"`
	// CacheTTLSeconds bounds the gateway read cache.
	CacheTTLSeconds int `yaml:"cacheTTLSeconds"`
	// Caps in human asset units. The vault contract does not expose these
	// directly so they are deployment configuration.
	PerUserCap string `yaml:"perUserCap"`
	VaultCap   string `yaml:"vaultCap"`
}

// AuthConfig wallet-login JWT configuration
type AuthConfig struct {
	JWTSecret       string `yaml:"jwtSecret"`
	TokenTTLMinutes int    `yaml:"tokenTTLMinutes"`
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge"`
}

var AppConfig *Config

// LoadConfig loads the configuration file and applies environment overrides.
func LoadConfig(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
		if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
			configPath = envPath
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return err
	}

	AppConfig = cfg
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Tracker.PollIntervalSeconds == 0 {
		cfg.Tracker.PollIntervalSeconds = 5
	}
	if cfg.Tracker.RetentionMinutes == 0 {
		cfg.Tracker.RetentionMinutes = 15
	}
	if cfg.Tracker.CacheTTLSeconds == 0 {
		cfg.Tracker.CacheTTLSeconds = 30
	}
	if cfg.Blockchain.ReceiptMaxWaitSeconds == 0 {
		cfg.Blockchain.ReceiptMaxWaitSeconds = 300
	}
	if cfg.Blockchain.GasLimit == 0 {
		cfg.Blockchain.GasLimit = 500000
	}
	if cfg.Auth.TokenTTLMinutes == 0 {
		cfg.Auth.TokenTTLMinutes = 60 * 24
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "vault.tx"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("VAULT_SIGNER_KEY"); v != "" {
		cfg.Blockchain.PrivateKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
}

func validate(cfg *Config) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if cfg.Blockchain.VaultContract == "" {
		return fmt.Errorf("blockchain.vaultContract is required")
	}
	if len(cfg.Blockchain.RPCEndpoints) == 0 {
		return fmt.Errorf("blockchain.rpcEndpoints must not be empty")
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwtSecret is required (or set JWT_SECRET)")
	}
	return nil
}

// PollInterval returns the tracker polling interval as a duration.
func (t TrackerConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalSeconds) * time.Second
}

// RetentionWindow returns the terminal-entry retention window as a duration.
func (t TrackerConfig) RetentionWindow() time.Duration {
	return time.Duration(t.RetentionMinutes) * time.Minute
}

// CacheTTL returns the gateway read-cache TTL as a duration.
func (t TrackerConfig) CacheTTL() time.Duration {
	return time.Duration(t.CacheTTLSeconds) * time.Second
}

// ReceiptMaxWait returns the receipt wait ceiling as a duration.
func (b BlockchainConfig) ReceiptMaxWait() time.Duration {
	return time.Duration(b.ReceiptMaxWaitSeconds) * time.Second
}

// TokenTTL returns the JWT lifetime as a duration.
func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLMinutes) * time.Minute
}
