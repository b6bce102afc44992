package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds configuration shared by the CareLink binaries.
type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	Store    StoreConfig   `mapstructure:"store"`
	Sync     SyncConfig    `mapstructure:"sync"`
	DocDB    DocDBConfig   `mapstructure:"docdb"`
	Gateway  GatewayConfig `mapstructure:"gateway"`
	Auth     AuthConfig    `mapstructure:"auth"`
}

// StoreConfig selects the local document store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // file | memory
	Dir     string `mapstructure:"dir"`
}

// SyncConfig configures replication sessions started by the client.
type SyncConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	Token        string        `mapstructure:"token"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// DocDBConfig configures the document database server.
type DocDBConfig struct {
	Addr     string `mapstructure:"addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`
	DSN      string `mapstructure:"dsn"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// GatewayConfig configures the identity endpoints and replication proxy.
type GatewayConfig struct {
	Addr      string `mapstructure:"addr"`
	Upstream  string `mapstructure:"upstream"`
	PublicURL string `mapstructure:"public_url"`
	RateBurst int    `mapstructure:"rate_burst"`
	RatePerS  int    `mapstructure:"rate_per_second"`
}

// AuthConfig configures token signing for sessions and magic links.
type AuthConfig struct {
	Secret       string        `mapstructure:"secret"`
	SessionTTL   time.Duration `mapstructure:"session_ttl"`
	MagicLinkTTL time.Duration `mapstructure:"magic_link_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("store.backend", "file")
	v.SetDefault("store.dir", ".carelink")
	v.SetDefault("sync.endpoint", "http://localhost:8090/api/couchdb")
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.poll_interval", "5s")
	v.SetDefault("docdb.addr", ":5984")
	v.SetDefault("docdb.grpc_addr", ":5985")
	v.SetDefault("docdb.username", "carelink-admin")
	v.SetDefault("gateway.addr", ":8090")
	v.SetDefault("gateway.upstream", "http://localhost:5984")
	v.SetDefault("gateway.public_url", "http://localhost:8090")
	v.SetDefault("gateway.rate_burst", 50)
	v.SetDefault("gateway.rate_per_second", 20)
	// Keys without a meaningful default still need registering so that
	// AutomaticEnv values reach Unmarshal.
	v.SetDefault("sync.token", "")
	v.SetDefault("docdb.dsn", "")
	v.SetDefault("docdb.password", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.session_ttl", "12h")
	v.SetDefault("auth.magic_link_ttl", "15m")
}

// Load reads configuration from an optional file plus CARELINK_* environment
// variables (e.g. CARELINK_SYNC_ENDPOINT). An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CARELINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
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

// Validate checks values that would otherwise fail much later at runtime.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "file":
		if strings.TrimSpace(c.Store.Dir) == "" {
			return errors.New("config: store.dir is required for the file backend")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown store.backend %q", c.Store.Backend)
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("config: sync.batch_size must be positive")
	}
	if c.Sync.PollInterval <= 0 {
		return errors.New("config: sync.poll_interval must be positive")
	}
	return nil
}
