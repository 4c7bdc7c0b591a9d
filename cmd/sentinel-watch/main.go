// Command sentinel-watch follows a sentinel-managed Redis group, logs every
// failover and keeps a pooled connection to the current master alive.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	redisfailover "github.com/raniellyferreira/redis-failover"
	"github.com/raniellyferreira/redis-failover/internal/cliconfig"
)

var (
	cfg        = cliconfig.DefaultConfig()
	configPath string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sentinel-watch",
		Short:         "Follow a sentinel-managed Redis group and log failovers",
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runWatch,
	}

	f := root.PersistentFlags()
	f.StringVar(&configPath, "config", cliconfig.DefaultConfigPath(), "config file (TOML, or YAML by extension)")
	f.StringSliceVar(&cfg.Sentinels, "sentinel", nil, "sentinel address, repeatable")
	f.StringVar(&cfg.MasterName, "master-name", cfg.MasterName, "sentinel group to follow")
	f.StringToStringVar(&cfg.HostRewrite, "host-rewrite", nil, "rewrite a reported address, from=to, repeatable")
	f.BoolVar(&cfg.DiscoverPeers, "discover-peers", cfg.DiscoverPeers, "add the sentinels known to the first reachable one")
	f.StringVar(&cfg.Password, "password", "", "password for the data nodes")
	f.IntVar(&cfg.DB, "db", cfg.DB, "database index")
	f.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "max connections per role pool, 0 sizes from the topology")
	f.DurationVar(&cfg.PoolTimeout, "pool-timeout", cfg.PoolTimeout, "max wait for a pooled connection")
	f.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "close pooled connections idle for longer")
	f.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "how often the master is pinged")
	f.DurationVar(&cfg.RefreshInterval, "refresh-interval", cfg.RefreshInterval, "re-resolve the topology periodically, 0 disables")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "log as JSON instead of console output")

	root.AddCommand(
		&cobra.Command{
			Use:   "watch",
			Short: "Run the monitor and log failovers (default)",
			RunE:  runWatch,
		},
		&cobra.Command{
			Use:   "resolve",
			Short: "Print the current master, replicas and sentinel groups, then exit",
			RunE:  runResolve,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				info := redisfailover.VersionInfo()
				fmt.Fprintf(cmd.OutOrStdout(), "sentinel-watch %s (library %s", getVersion(), info["version"])
				if commit, ok := info["commit"]; ok {
					fmt.Fprintf(cmd.OutOrStdout(), ", commit %s", commit)
				}
				if built, ok := info["buildTime"]; ok {
					fmt.Fprintf(cmd.OutOrStdout(), ", built %s", built)
				}
				fmt.Fprintln(cmd.OutOrStdout(), ")")
			},
		},
		newSandboxCmd(),
	)
	return root
}

// loadConfig layers defaults, the config file, the environment and the
// flags the user set explicitly, in that order of precedence.
func loadConfig(cmd *cobra.Command) (cliconfig.Config, error) {
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if configPath != "" && cliconfig.FileExists(configPath) {
		fc, err := cliconfig.LoadFileConfig(configPath)
		if err != nil {
			return cfg, err
		}
		if err := cliconfig.ApplyFileConfig(&cfg, fc, changed); err != nil {
			return cfg, err
		}
	}
	if err := cliconfig.ApplyEnvConfig(&cfg, changed); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(c cliconfig.Config) (zerolog.Logger, error) {
	return cliconfig.NewLogger(os.Stderr, c.LogLevel, c.LogJSON)
}

func clientOptions(c cliconfig.Config, log zerolog.Logger) []redisfailover.Option {
	opts := []redisfailover.Option{
		redisfailover.WithSentinels(c.Sentinels...),
		redisfailover.WithMasterName(c.MasterName),
		redisfailover.WithPeerDiscovery(c.DiscoverPeers),
		redisfailover.WithRefreshInterval(c.RefreshInterval),
		redisfailover.WithPassword(c.Password),
		redisfailover.WithDB(c.DB),
		redisfailover.WithPoolSize(c.PoolSize),
		redisfailover.WithPoolTimeout(c.PoolTimeout),
		redisfailover.WithIdleTimeout(c.IdleTimeout),
		redisfailover.WithClientName("sentinel-watch"),
		redisfailover.WithLogger(redisfailover.NewZerologLoggerWith(log)),
	}
	if len(c.HostRewrite) > 0 {
		opts = append(opts, redisfailover.WithHostRewrite(c.HostRewrite))
	}
	return opts
}

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return redisfailover.Version
}
