package sentinel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/raniellyferreira/redis-failover/conn"
	"github.com/raniellyferreira/redis-failover/protocol"
)

// GroupInfo describes one group a sentinel monitors
type GroupInfo struct {
	Name        string
	Addr        string
	Flags       string
	NumReplicas int
	Quorum      int
}

// Groups lists every group known to the first reachable sentinel
func (m *Monitor) Groups(ctx context.Context) ([]GroupInfo, error) {
	c, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	reply, err := c.Do(ctx, "SENTINEL", "masters")
	if err != nil {
		return nil, fmt.Errorf("sentinel %s: %w", c.Endpoint().Addr(), err)
	}

	var groups []GroupInfo
	for _, f := range parseEntries(reply) {
		g := GroupInfo{
			Name:  f["name"],
			Addr:  net.JoinHostPort(f["ip"], f["port"]),
			Flags: f["flags"],
		}
		g.NumReplicas, _ = strconv.Atoi(f["num-slaves"])
		g.Quorum, _ = strconv.Atoi(f["quorum"])
		groups = append(groups, g)
	}
	return groups, nil
}

// parseEntries reads a list of flat field/value arrays
func parseEntries(reply protocol.Reply) []map[string]string {
	if reply.Kind != protocol.KindMultiBulk || reply.Null {
		return nil
	}
	out := make([]map[string]string, 0, len(reply.Elems))
	for _, e := range reply.Elems {
		if fields := e.StringMap(); fields != nil {
			out = append(out, fields)
		}
	}
	return out
}

// usableReplica rejects replicas flagged down or disconnected
func usableReplica(flags string) bool {
	for _, flag := range strings.Split(flags, ",") {
		switch flag {
		case "s_down", "o_down", "disconnected":
			return false
		}
	}
	return true
}

// endpointFor applies the host rewrite table and builds an endpoint on
// top of template
func (m *Monitor) endpointFor(template conn.Endpoint, host, port string) (conn.Endpoint, error) {
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return conn.Endpoint{}, fmt.Errorf("invalid port %q for %s", port, host)
	}
	if host == "" {
		return conn.Endpoint{}, fmt.Errorf("empty host")
	}
	h, p := m.rewriteAddr(host, p)
	return template.WithHost(h, p), nil
}

func (m *Monitor) rewriteAddr(host string, port int) (string, int) {
	table := *m.rewrite.Load()
	if len(table) == 0 {
		return host, port
	}

	target, ok := table[net.JoinHostPort(host, strconv.Itoa(port))]
	if !ok {
		target, ok = table[host]
	}
	if !ok {
		return host, port
	}

	h, ps, err := net.SplitHostPort(target)
	if err != nil {
		// bare host keeps the reported port
		return target, port
	}
	np, err := strconv.Atoi(ps)
	if err != nil {
		return h, port
	}
	return h, np
}
