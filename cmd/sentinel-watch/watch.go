package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	redisfailover "github.com/raniellyferreira/redis-failover"
	"github.com/raniellyferreira/redis-failover/internal/cliconfig"
	"github.com/raniellyferreira/redis-failover/sentinel"
)

func runWatch(cmd *cobra.Command, _ []string) error {
	c, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	log.Info().Interface("config", c.Masked()).Msg("starting sentinel-watch")

	opts := append(clientOptions(c, log),
		redisfailover.WithOnFailover(func(client *redisfailover.Client) {
			log.Warn().
				Str("topology", client.Monitor().Topology().String()).
				Msg("failover applied")
		}))
	client, err := redisfailover.New(opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := cmd.Context()
	if configPath != "" && cliconfig.FileExists(configPath) {
		w := cliconfig.NewRewriteWatcher(configPath, client.Monitor().SetHostRewrite, log)
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Error().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	if err := client.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	ticker := time.NewTicker(c.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return nil
		case <-ticker.C:
			ping(ctx, log, client, c.PingInterval)
		}
	}
}

func ping(ctx context.Context, log zerolog.Logger, client *redisfailover.Client, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := client.Ping(ctx)
	st := client.Stats()
	master, _ := client.MasterAddr()
	ev := log.Debug()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Str("master", master).
		Dur("latency", time.Since(start)).
		Str("state", client.Monitor().State().String()).
		Int64("failovers", st.Failovers).
		Msg("ping")
	if err != nil && client.Monitor().State() != sentinel.StateSubscribed {
		client.Monitor().Refresh()
	}
}
