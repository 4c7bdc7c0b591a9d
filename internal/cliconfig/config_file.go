package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FileConfig mirrors Config but uses strings for durations to stay TOML and
// YAML friendly.
type FileConfig struct {
	Sentinels       []string          `toml:"sentinels" yaml:"sentinels"`
	MasterName      string            `toml:"master_name" yaml:"master_name"`
	HostRewrite     map[string]string `toml:"host_rewrite" yaml:"host_rewrite"`
	DiscoverPeers   *bool             `toml:"discover_peers" yaml:"discover_peers"`
	Password        string            `toml:"password" yaml:"password"`
	DB              *int              `toml:"db" yaml:"db"`
	PoolSize        *int              `toml:"pool_size" yaml:"pool_size"`
	PoolTimeout     string            `toml:"pool_timeout" yaml:"pool_timeout"`
	IdleTimeout     string            `toml:"idle_timeout" yaml:"idle_timeout"`
	PingInterval    string            `toml:"ping_interval" yaml:"ping_interval"`
	RefreshInterval string            `toml:"refresh_interval" yaml:"refresh_interval"`
	LogLevel        string            `toml:"log_level" yaml:"log_level"`
	LogJSON         *bool             `toml:"log_json" yaml:"log_json"`
}

// LoadFileConfig reads a config file. Files ending in .yaml or .yml are
// parsed as YAML, anything else as TOML.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &fc)
	default:
		err = toml.Unmarshal(b, &fc)
	}
	if err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.redis-failover/config.toml if the user home
// directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".redis-failover", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setStrings("sentinel", fc.Sentinels, &cfg.Sentinels)
	s.setString("master-name", fc.MasterName, &cfg.MasterName)
	s.setMap("host-rewrite", fc.HostRewrite, &cfg.HostRewrite)
	s.setBool("discover-peers", fc.DiscoverPeers, &cfg.DiscoverPeers)
	s.setString("password", fc.Password, &cfg.Password)
	s.setInt("db", fc.DB, &cfg.DB)
	s.setInt("pool-size", fc.PoolSize, &cfg.PoolSize)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setBool("log-json", fc.LogJSON, &cfg.LogJSON)

	if err := s.setDuration("pool-timeout", fc.PoolTimeout, &cfg.PoolTimeout); err != nil {
		return err
	}
	if err := s.setDuration("idle-timeout", fc.IdleTimeout, &cfg.IdleTimeout); err != nil {
		return err
	}
	if err := s.setDuration("ping-interval", fc.PingInterval, &cfg.PingInterval); err != nil {
		return err
	}
	if err := s.setDuration("refresh-interval", fc.RefreshInterval, &cfg.RefreshInterval); err != nil {
		return err
	}
	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
