package server

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/raniellyferreira/redis-failover/protocol"
)

// SwitchMasterChannel is the channel failovers are announced on
const SwitchMasterChannel = "+switch-master"

// ReplicaInfo describes a replica reported by SENTINEL replicas
type ReplicaInfo struct {
	Addr  string
	Flags string // "slave" when empty
}

type monitoredMaster struct {
	name      string
	addr      string
	replicas  []ReplicaInfo
	sentinels []string
	quorum    int
}

// SetMaster registers or updates a monitored master group
func (s *Server) SetMaster(name, addr string) {
	s.sentinelMu.Lock()
	defer s.sentinelMu.Unlock()

	if m, ok := s.monitored[name]; ok {
		m.addr = addr
		return
	}
	s.monitored[name] = &monitoredMaster{name: name, addr: addr, quorum: 2}
}

// RemoveMaster forgets a monitored group
func (s *Server) RemoveMaster(name string) {
	s.sentinelMu.Lock()
	defer s.sentinelMu.Unlock()
	delete(s.monitored, name)
}

// SetReplicas replaces the replicas of a group. The group is created with an
// empty master address if it does not exist yet.
func (s *Server) SetReplicas(name string, replicas ...ReplicaInfo) {
	s.sentinelMu.Lock()
	defer s.sentinelMu.Unlock()
	s.group(name).replicas = append([]ReplicaInfo(nil), replicas...)
}

// SetSentinels replaces the peer sentinels reported for a group
func (s *Server) SetSentinels(name string, addrs ...string) {
	s.sentinelMu.Lock()
	defer s.sentinelMu.Unlock()
	s.group(name).sentinels = append([]string(nil), addrs...)
}

// SwitchMaster promotes newAddr for the group, drops it from the replica list
// and publishes the switch on SwitchMasterChannel. It returns the number of
// subscribers that received the notification.
func (s *Server) SwitchMaster(name, newAddr string) (int64, error) {
	s.sentinelMu.Lock()
	m, ok := s.monitored[name]
	if !ok {
		s.sentinelMu.Unlock()
		return 0, fmt.Errorf("no such master %q", name)
	}
	oldAddr := m.addr
	m.addr = newAddr
	kept := m.replicas[:0]
	for _, r := range m.replicas {
		if r.Addr != newAddr {
			kept = append(kept, r)
		}
	}
	m.replicas = kept
	s.sentinelMu.Unlock()

	oldHost, oldPort := splitAddr(oldAddr)
	newHost, newPort := splitAddr(newAddr)
	payload := fmt.Sprintf("%s %s %d %s %d", name, oldHost, oldPort, newHost, newPort)
	return s.Publish(SwitchMasterChannel, payload), nil
}

// group must be called with sentinelMu held
func (s *Server) group(name string) *monitoredMaster {
	m, ok := s.monitored[name]
	if !ok {
		m = &monitoredMaster{name: name, quorum: 2}
		s.monitored[name] = m
	}
	return m
}

func (s *Server) masterNames() []string {
	s.sentinelMu.RLock()
	defer s.sentinelMu.RUnlock()

	names := make([]string, 0, len(s.monitored))
	for name := range s.monitored {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lookup returns a copy of the group so callers can read it unlocked
func (s *Server) lookup(name string) (monitoredMaster, bool) {
	s.sentinelMu.RLock()
	defer s.sentinelMu.RUnlock()

	m, ok := s.monitored[name]
	if !ok {
		return monitoredMaster{}, false
	}
	cp := *m
	cp.replicas = append([]ReplicaInfo(nil), m.replicas...)
	cp.sentinels = append([]string(nil), m.sentinels...)
	return cp, true
}

func (c *Client) handleSentinel(cmd *protocol.Command) {
	if c.server.Role() != RoleSentinel {
		c.writeError("ERR unknown command 'SENTINEL'")
		return
	}
	if len(cmd.Args) == 0 {
		c.writeError("ERR wrong number of arguments for 'sentinel' command")
		return
	}

	sub := strings.ToLower(cmd.Arg(0))
	if sub == "masters" {
		names := c.server.masterNames()
		elems := make([]protocol.Reply, 0, len(names))
		for _, name := range names {
			if m, ok := c.server.lookup(name); ok {
				elems = append(elems, masterInfo(m))
			}
		}
		c.writeReply(protocol.MultiBulk(elems...))
		return
	}

	if len(cmd.Args) != 2 {
		c.writeError(fmt.Sprintf("ERR wrong number of arguments for 'sentinel|%s' command", sub))
		return
	}
	m, ok := c.server.lookup(cmd.Arg(1))

	switch sub {
	case "get-master-addr-by-name":
		if !ok || m.addr == "" {
			c.writeReply(protocol.NullMultiBulk())
			return
		}
		host, port := splitAddr(m.addr)
		c.writeStrings([]string{host, strconv.Itoa(port)})
	case "master":
		if !ok {
			c.writeError("ERR No such master with that name")
			return
		}
		c.writeReply(masterInfo(m))
	case "replicas", "slaves":
		if !ok {
			c.writeError("ERR No such master with that name")
			return
		}
		elems := make([]protocol.Reply, len(m.replicas))
		for i, r := range m.replicas {
			flags := r.Flags
			if flags == "" {
				flags = "slave"
			}
			elems[i] = nodeInfo(r.Addr, flags)
		}
		c.writeReply(protocol.MultiBulk(elems...))
	case "sentinels":
		if !ok {
			c.writeError("ERR No such master with that name")
			return
		}
		elems := make([]protocol.Reply, len(m.sentinels))
		for i, addr := range m.sentinels {
			elems[i] = nodeInfo(addr, "sentinel")
		}
		c.writeReply(protocol.MultiBulk(elems...))
	default:
		c.writeError(fmt.Sprintf("ERR Unknown sentinel subcommand '%s'", cmd.Arg(0)))
	}
}

func masterInfo(m monitoredMaster) protocol.Reply {
	host, port := splitAddr(m.addr)
	return fields(
		"name", m.name,
		"ip", host,
		"port", strconv.Itoa(port),
		"flags", "master",
		"num-slaves", strconv.Itoa(len(m.replicas)),
		"num-other-sentinels", strconv.Itoa(len(m.sentinels)),
		"quorum", strconv.Itoa(m.quorum),
	)
}

func nodeInfo(addr, flags string) protocol.Reply {
	host, port := splitAddr(addr)
	return fields(
		"name", net.JoinHostPort(host, strconv.Itoa(port)),
		"ip", host,
		"port", strconv.Itoa(port),
		"flags", flags,
	)
}

// fields renders alternating keys and values as a flat multi-bulk
func fields(kv ...string) protocol.Reply {
	elems := make([]protocol.Reply, len(kv))
	for i, s := range kv {
		elems[i] = protocol.BulkString(s)
	}
	return protocol.MultiBulk(elems...)
}

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
