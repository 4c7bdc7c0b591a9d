package redisfailover

import (
	"context"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisOptions returns a copy of base whose Dialer always connects to the
// current master, so a go-redis client built from it follows failovers for
// every new connection. Credentials and db are taken from the master
// endpoint when base leaves them empty.
//
// go-redis keeps its own pool: pair it with WithOnFailover to drop
// connections opened before a switch if that matters to the caller.
func (c *Client) GoRedisOptions(base *redis.Options) *redis.Options {
	var opts redis.Options
	if base != nil {
		opts = *base
	}

	r := c.resolver
	dialer := &net.Dialer{KeepAlive: 30 * time.Second}
	if opts.DialTimeout > 0 {
		dialer.Timeout = opts.DialTimeout
	}

	opts.Addr = "redis-failover:master"
	if ep, err := r.CreateMasterClient(0); err == nil {
		opts.Addr = ep.Addr()
		if opts.Password == "" {
			opts.Password = ep.Password
		}
		if opts.Username == "" {
			opts.Username = ep.Username
		}
		if opts.DB == 0 {
			opts.DB = ep.DB
		}
	}

	opts.Dialer = func(ctx context.Context, network, _ string) (net.Conn, error) {
		ep, err := r.CreateMasterClient(0)
		if err != nil {
			return nil, err
		}
		return dialer.DialContext(ctx, network, ep.Addr())
	}
	return &opts
}

// MasterAddr returns the address of the current master
func (c *Client) MasterAddr() (string, error) {
	ep, err := c.resolver.CreateMasterClient(0)
	if err != nil {
		return "", err
	}
	return ep.Addr(), nil
}
