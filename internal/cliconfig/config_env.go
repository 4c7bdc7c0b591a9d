package cliconfig

import "os"

// EnvPrefix prefixes every environment variable the CLI reads.
const EnvPrefix = "REDIS_FAILOVER_"

// ApplyEnvConfig applies configuration from environment variables
// (REDIS_FAILOVER_*). It respects flags that have been explicitly set
// (changed map).
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)
	env := func(name string) string { return os.Getenv(EnvPrefix + name) }

	s.setStrings("sentinel", splitList(env("SENTINELS")), &cfg.Sentinels)
	s.setString("master-name", env("MASTER_NAME"), &cfg.MasterName)
	s.setString("password", env("PASSWORD"), &cfg.Password)
	s.setString("log-level", env("LOG_LEVEL"), &cfg.LogLevel)
	s.setBoolFromString("discover-peers", env("DISCOVER_PEERS"), &cfg.DiscoverPeers)
	s.setBoolFromString("log-json", env("LOG_JSON"), &cfg.LogJSON)

	if v := env("HOST_REWRITE"); v != "" {
		rw, err := ParseRewrite(v)
		if err != nil {
			return err
		}
		s.setMap("host-rewrite", rw, &cfg.HostRewrite)
	}

	if err := s.setIntFromString("db", env("DB"), &cfg.DB); err != nil {
		return err
	}
	if err := s.setIntFromString("pool-size", env("POOL_SIZE"), &cfg.PoolSize); err != nil {
		return err
	}
	if err := s.setDuration("pool-timeout", env("POOL_TIMEOUT"), &cfg.PoolTimeout); err != nil {
		return err
	}
	if err := s.setDuration("idle-timeout", env("IDLE_TIMEOUT"), &cfg.IdleTimeout); err != nil {
		return err
	}
	if err := s.setDuration("ping-interval", env("PING_INTERVAL"), &cfg.PingInterval); err != nil {
		return err
	}
	if err := s.setDuration("refresh-interval", env("REFRESH_INTERVAL"), &cfg.RefreshInterval); err != nil {
		return err
	}
	return nil
}
