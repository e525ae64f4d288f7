// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package config loads settings for tether endpoints from a YAML file and the
// environment.
//
// Environment variables use the prefix TETHER, with "." and "-" in key names
// replaced by "_". For example, TETHER_LOG_LEVEL=debug sets log.level.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/tether"
	"github.com/creachadair/tether/client"
	"github.com/creachadair/tether/codec"
	"github.com/creachadair/tether/server"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Client  ClientConfig  `mapstructure:"client"`
	Manager ManagerConfig `mapstructure:"manager"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig are settings for a listening endpoint.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// If non-empty, also accept websocket connections at this HTTP address.
	WebSocket string `mapstructure:"websocket"`
}

// ClientConfig are settings for a connecting endpoint.
type ClientConfig struct {
	// Address is the host:port of the server.
	Address string `mapstructure:"address"`

	// If non-empty, dial websocket connections at this URL instead.
	URL string `mapstructure:"url"`

	Name        string        `mapstructure:"name"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Proxy       ProxyConfig   `mapstructure:"proxy"`
}

// ProxyConfig are settings for a SOCKS5 proxy.
type ProxyConfig struct {
	Address  string `mapstructure:"address"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// ManagerConfig are settings shared by all endpoints.
type ManagerConfig struct {
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`

	// Codec names the payload encoding: cbor, json, proto, or a full
	// content type.
	Codec string `mapstructure:"codec"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls rotation of file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 7007},
		Client: ClientConfig{
			Address:     "localhost:7007",
			DialTimeout: 10 * time.Second,
		},
		Manager: ManagerConfig{
			SweepInterval:  time.Second,
			DefaultTimeout: 30 * time.Second,
			Codec:          "cbor",
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path, if it is non-empty. Otherwise it reads
// the file named by $TETHER_CONFIG, or searches for tether.yaml in the current
// directory and in $HOME/.tether. A missing file is not an error when path is
// empty; defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TETHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Seed every key so that environment-only settings are unmarshaled.
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.websocket", cfg.Server.WebSocket)
	v.SetDefault("client.address", cfg.Client.Address)
	v.SetDefault("client.url", cfg.Client.URL)
	v.SetDefault("client.name", cfg.Client.Name)
	v.SetDefault("client.dial_timeout", cfg.Client.DialTimeout)
	v.SetDefault("client.proxy.address", cfg.Client.Proxy.Address)
	v.SetDefault("client.proxy.user", cfg.Client.Proxy.User)
	v.SetDefault("client.proxy.password", cfg.Client.Proxy.Password)
	v.SetDefault("manager.sweep_interval", cfg.Manager.SweepInterval)
	v.SetDefault("manager.default_timeout", cfg.Manager.DefaultTimeout)
	v.SetDefault("manager.codec", cfg.Manager.Codec)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	explicit := path != ""
	if path == "" {
		path = os.Getenv("TETHER_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tether")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".tether"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	switch f := strings.ToLower(strings.TrimSpace(c.Log.Format)); f {
	case "":
		c.Log.Format = "console"
	case "console", "json":
		c.Log.Format = f
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Manager.SweepInterval < 0 {
		return fmt.Errorf("invalid manager.sweep_interval: %v", c.Manager.SweepInterval)
	}
	if c.Manager.Codec == "" {
		c.Manager.Codec = "cbor"
	}
	if _, err := codec.NewRegistry().Lookup(c.Manager.Codec); err != nil {
		return fmt.Errorf("invalid manager.codec: %w", err)
	}
	return nil
}

// ManagerOptions returns manager options for c that log to log.
func (c *Config) ManagerOptions(log *zap.Logger) *tether.Options {
	return &tether.Options{
		SweepInterval:  c.Manager.SweepInterval,
		DefaultTimeout: c.Manager.DefaultTimeout,
		Logger:         log,
		Codec:          codec.NewRegistry().Get(c.Manager.Codec), // nil means default
	}
}

// ServerOptions returns server options for c that log to log.
func (c *Config) ServerOptions(log *zap.Logger) *server.Options {
	return &server.Options{Manager: c.ManagerOptions(log)}
}

// ClientOptions returns client options for c that log to log.
func (c *Config) ClientOptions(log *zap.Logger) *client.Options {
	opts := &client.Options{
		Manager:     c.ManagerOptions(log),
		Name:        c.Client.Name,
		DialTimeout: c.Client.DialTimeout,
		SOCKS5:      c.Client.Proxy.Address,
	}
	if p := c.Client.Proxy; p.User != "" || p.Password != "" {
		opts.ProxyAuth = &proxy.Auth{User: p.User, Password: p.Password}
	}
	return opts
}
