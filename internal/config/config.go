// Package config loads cmc-manager settings from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Device    DeviceConfig    `yaml:"device"`
	Logging   LoggingConfig   `yaml:"logging"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StorageConfig selects the record store. DatabaseURL (Postgres) takes
// precedence over SQLitePath.
type StorageConfig struct {
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	// EncryptionKey seals device passwords at rest; empty stores them as given.
	EncryptionKey string `yaml:"encryption_key"`
}

type AuthConfig struct {
	JWTSecret      string        `yaml:"jwt_secret"`
	JWTExpiry      time.Duration `yaml:"jwt_expiry"`
	LoginRateLimit int           `yaml:"login_rate_limit"`
	LoginWindow    time.Duration `yaml:"login_window"`
}

type DeviceConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	TokenLifetime time.Duration `yaml:"token_lifetime"`
	SafetyBuffer  time.Duration `yaml:"token_safety_buffer"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// BootstrapConfig creates the first admin account when the user table is empty.
type BootstrapConfig struct {
	AdminUsername string `yaml:"admin_username"`
	AdminPassword string `yaml:"admin_password"`
}

func Default() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":3001"},
		Storage: StorageConfig{SQLitePath: "cmc-manager.db"},
		Auth: AuthConfig{
			JWTExpiry:      24 * time.Hour,
			LoginRateLimit: 5,
			LoginWindow:    15 * time.Minute,
		},
		Device: DeviceConfig{
			Timeout:       15 * time.Second,
			TokenLifetime: 15 * time.Minute,
			SweepInterval: time.Minute,
		},
		Logging:   LoggingConfig{Level: "info"},
		Bootstrap: BootstrapConfig{AdminUsername: "admin"},
	}
}

// Load reads path when it is non-empty and exists, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("HTTP_ADDR", &c.Server.Addr)
	str("LOG_LEVEL", &c.Logging.Level)
	str("DATABASE_URL", &c.Storage.DatabaseURL)
	str("SQLITE_PATH", &c.Storage.SQLitePath)
	str("ENCRYPTION_KEY", &c.Storage.EncryptionKey)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("ADMIN_USERNAME", &c.Bootstrap.AdminUsername)
	str("ADMIN_PASSWORD", &c.Bootstrap.AdminPassword)

	if v, ok := lookup("CORS_ORIGINS"); ok && v != "" {
		c.Server.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Server.CORSOrigins = append(c.Server.CORSOrigins, o)
			}
		}
	}
	if v, ok := lookup("LOGIN_RATE_LIMIT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOGIN_RATE_LIMIT: %w", err)
		}
		c.Auth.LoginRateLimit = n
	}

	for key, dst := range map[string]*time.Duration{
		"JWT_EXPIRY":                 &c.Auth.JWTExpiry,
		"LOGIN_WINDOW":               &c.Auth.LoginWindow,
		"DEVICE_TIMEOUT":             &c.Device.Timeout,
		"DEVICE_TOKEN_LIFETIME":      &c.Device.TokenLifetime,
		"DEVICE_TOKEN_SAFETY_BUFFER": &c.Device.SafetyBuffer,
		"SWEEP_INTERVAL":             &c.Device.SweepInterval,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.Auth.JWTExpiry <= 0 {
		return errors.New("jwt expiry must be positive")
	}
	if c.Auth.LoginRateLimit <= 0 || c.Auth.LoginWindow <= 0 {
		return errors.New("login rate limit and window must be positive")
	}
	if c.Device.Timeout <= 0 {
		return errors.New("device timeout must be positive")
	}
	if c.Device.TokenLifetime <= 0 {
		return errors.New("device token lifetime must be positive")
	}
	if c.Device.SafetyBuffer < 0 || c.Device.SafetyBuffer >= c.Device.TokenLifetime {
		return errors.New("device token safety buffer must be in [0, lifetime)")
	}
	if c.Storage.DatabaseURL == "" && c.Storage.SQLitePath == "" {
		return errors.New("either DATABASE_URL or SQLITE_PATH must be set")
	}
	return nil
}
