// Package config loads trustd and ledgerctl settings with viper: defaults,
// then an optional trustd.yaml, then TRUST_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Log       LogConfig
	Identity  IdentityConfig
	Seal      SealConfig
	Isolation IsolationConfig
	Gate      GateConfig
	Verify    VerifyConfig
}

// ServerConfig configures trustd's HTTP listener. A non-empty RedisURL shares
// the rate limit across replicas.
type ServerConfig struct {
	Port         int
	CORSOrigins  []string
	RateLimitRPS int
	RedisURL     string
}

// DatabaseConfig selects the store. An empty URL runs on the in-memory store
// and a "sqlite:<path>" URL on an SQLite file.
type DatabaseConfig struct {
	URL      string
	MaxConns int32
}

type LogConfig struct {
	Level string
}

// IdentityConfig locates the identity provider's token verification key.
// Without PublicKeyFile a development key is generated under DevKeyDir.
type IdentityConfig struct {
	PublicKeyFile string
	Issuer        string
	DevKeyDir     string
}

// SealConfig locates the sealing key. A non-empty KeySecret derives the key
// instead of reading KeyDir.
type SealConfig struct {
	KeyDir    string
	KeySecret string
}

type IsolationConfig struct {
	RegistryFile      string
	CoverageThreshold float64
	Schedule          time.Duration
}

type GateConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

type VerifyConfig struct {
	BatchSize int
	Schedule  time.Duration
}

// New returns a viper instance with every default set and the config file
// search paths and environment binding configured.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("trustd")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	v.AddConfigPath(".")
	v.SetEnvPrefix("trust")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.rate_limit_rps", 50)
	v.SetDefault("server.redis_url", "")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("identity.public_key_file", "")
	v.SetDefault("identity.issuer", "https://id.localhost")
	v.SetDefault("identity.dev_key_dir", "keys/identity")
	v.SetDefault("seal.key_dir", "keys/seal")
	v.SetDefault("seal.key_secret", "")
	v.SetDefault("isolation.registry_file", "")
	v.SetDefault("isolation.coverage_threshold", 0.30)
	v.SetDefault("isolation.schedule", "24h")
	v.SetDefault("gate.max_attempts", 5)
	v.SetDefault("gate.base_delay", "5ms")
	v.SetDefault("verify.batch_size", 500)
	v.SetDefault("verify.schedule", "15m")
	return v
}

// Load reads the config file, if any, into v and resolves it. A missing file
// is not an error; an unreadable or malformed one is.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         v.GetInt("server.port"),
			CORSOrigins:  v.GetStringSlice("server.cors_origins"),
			RateLimitRPS: v.GetInt("server.rate_limit_rps"),
			RedisURL:     v.GetString("server.redis_url"),
		},
		Database: DatabaseConfig{
			URL:      v.GetString("database.url"),
			MaxConns: v.GetInt32("database.max_conns"),
		},
		Log: LogConfig{Level: v.GetString("log.level")},
		Identity: IdentityConfig{
			PublicKeyFile: v.GetString("identity.public_key_file"),
			Issuer:        v.GetString("identity.issuer"),
			DevKeyDir:     v.GetString("identity.dev_key_dir"),
		},
		Seal: SealConfig{
			KeyDir:    v.GetString("seal.key_dir"),
			KeySecret: v.GetString("seal.key_secret"),
		},
		Isolation: IsolationConfig{
			RegistryFile:      v.GetString("isolation.registry_file"),
			CoverageThreshold: v.GetFloat64("isolation.coverage_threshold"),
			Schedule:          v.GetDuration("isolation.schedule"),
		},
		Gate: GateConfig{
			MaxAttempts: v.GetInt("gate.max_attempts"),
			BaseDelay:   v.GetDuration("gate.base_delay"),
		},
		Verify: VerifyConfig{
			BatchSize: v.GetInt("verify.batch_size"),
			Schedule:  v.GetDuration("verify.schedule"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Gate.MaxAttempts < 1 {
		return fmt.Errorf("gate.max_attempts must be at least 1, got %d", c.Gate.MaxAttempts)
	}
	if c.Isolation.CoverageThreshold < 0 || c.Isolation.CoverageThreshold > 1 {
		return fmt.Errorf("isolation.coverage_threshold must be within [0, 1], got %v", c.Isolation.CoverageThreshold)
	}
	if c.Seal.KeySecret != "" && len(c.Seal.KeySecret) < 16 {
		return errors.New("seal.key_secret must be at least 16 bytes")
	}
	return nil
}
