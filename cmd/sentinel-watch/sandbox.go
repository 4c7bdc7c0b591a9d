package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/raniellyferreira/redis-failover/internal/cliconfig"
	"github.com/raniellyferreira/redis-failover/server"
	"github.com/raniellyferreira/redis-failover/storage"
)

type sandboxOptions struct {
	host          string
	basePort      int
	sentinelPort  int
	replicas      int
	failoverEvery time.Duration
}

func newSandboxCmd() *cobra.Command {
	o := sandboxOptions{}
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Run a local master, replicas and a sentinel for trying the monitor",
		Long: `Starts in-process data nodes sharing one keyspace and a sentinel that
monitors them under --master-name. Data nodes require --password when set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSandbox(cmd, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.host, "host", "127.0.0.1", "listen host")
	f.IntVar(&o.basePort, "base-port", 6379, "port of the first data node, the others follow")
	f.IntVar(&o.sentinelPort, "sentinel-port", 26379, "sentinel port")
	f.IntVar(&o.replicas, "replicas", 2, "number of replicas")
	f.DurationVar(&o.failoverEvery, "failover-every", 0, "promote the next node periodically, 0 disables")
	return cmd
}

func runSandbox(cmd *cobra.Command, o sandboxOptions) error {
	if o.replicas < 0 {
		return fmt.Errorf("replicas must be >= 0")
	}
	log, err := cliconfig.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}

	// one keyspace for every node, so reads on a replica see master writes
	st := storage.NewMemory()
	var nodes []*server.Server
	defer func() {
		for _, s := range nodes {
			s.Stop()
		}
	}()

	for i := 0; i <= o.replicas; i++ {
		role := server.RoleReplica
		if i == 0 {
			role = server.RoleMaster
		}
		addr := net.JoinHostPort(o.host, strconv.Itoa(o.basePort+i))
		s := server.New(addr, server.WithRole(role), server.WithStorage(st), server.WithPassword(cfg.Password))
		if err := s.Start(); err != nil {
			return fmt.Errorf("start node %s: %w", addr, err)
		}
		nodes = append(nodes, s)
	}

	sentinelAddr := net.JoinHostPort(o.host, strconv.Itoa(o.sentinelPort))
	sen := server.New(sentinelAddr, server.WithRole(server.RoleSentinel))
	if err := sen.Start(); err != nil {
		return fmt.Errorf("start sentinel %s: %w", sentinelAddr, err)
	}
	defer sen.Stop()

	name := cfg.MasterName
	master := 0
	replicasOf := func(master int) []server.ReplicaInfo {
		var reps []server.ReplicaInfo
		for i, s := range nodes {
			if i != master {
				reps = append(reps, server.ReplicaInfo{Addr: s.Addr()})
			}
		}
		return reps
	}
	sen.SetMaster(name, nodes[master].Addr())
	sen.SetReplicas(name, replicasOf(master)...)

	log.Info().
		Str("master_name", name).
		Str("sentinel", sen.Addr()).
		Str("master", nodes[master].Addr()).
		Int("replicas", o.replicas).
		Msg("sandbox running")

	var tick <-chan time.Time
	if o.failoverEvery > 0 && len(nodes) > 1 {
		t := time.NewTicker(o.failoverEvery)
		defer t.Stop()
		tick = t.C
	}

	ctx := cmd.Context()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sandbox stopped")
			return nil
		case <-tick:
			old := nodes[master]
			master = (master + 1) % len(nodes)
			next := nodes[master]
			old.SetRole(server.RoleReplica, next.Addr())
			next.SetRole(server.RoleMaster, "")
			// replicas first so a monitor reacting to the switch sees the old master as one
			sen.SetReplicas(name, replicasOf(master)...)
			n, err := sen.SwitchMaster(name, next.Addr())
			if err != nil {
				log.Error().Err(err).Msg("switch master failed")
				continue
			}
			log.Warn().
				Str("from", old.Addr()).
				Str("to", next.Addr()).
				Int64("notified", n).
				Msg("master switched")
		}
	}
}
