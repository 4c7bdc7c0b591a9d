package server

import (
	"sync"

	"github.com/raniellyferreira/redis-failover/protocol"
)

// hub routes published messages to subscribed clients
type hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Client]struct{}
}

func newHub() *hub {
	return &hub{channels: make(map[string]map[*Client]struct{})}
}

func (h *hub) subscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[*Client]struct{})
		h.channels[channel] = subs
	}
	subs[c] = struct{}{}
}

func (h *hub) unsubscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.channels[channel]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
}

func (h *hub) unsubscribeAll(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for channel, subs := range h.channels {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
}

func (h *hub) publish(channel, payload string) int64 {
	h.mu.RLock()
	subs := make([]*Client, 0, len(h.channels[channel]))
	for c := range h.channels[channel] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	msg := protocol.MultiBulk(
		protocol.BulkString("message"),
		protocol.BulkString(channel),
		protocol.BulkString(payload),
	)
	for _, c := range subs {
		c.writeReply(msg)
	}
	return int64(len(subs))
}

// Publish delivers payload to the subscribers of channel and returns how
// many received it
func (s *Server) Publish(channel, payload string) int64 {
	return s.pubsub.publish(channel, payload)
}

// Subscribers returns the number of clients subscribed to channel
func (s *Server) Subscribers(channel string) int {
	s.pubsub.mu.RLock()
	defer s.pubsub.mu.RUnlock()
	return len(s.pubsub.channels[channel])
}

func (c *Client) handlePublish(cmd *protocol.Command) {
	if len(cmd.Args) != 2 {
		c.writeError("ERR wrong number of arguments for 'publish' command")
		return
	}
	c.writeInteger(c.server.Publish(cmd.Arg(0), cmd.Arg(1)))
}

func (c *Client) handleSubscribe(cmd *protocol.Command) {
	if len(cmd.Args) == 0 {
		c.writeError("ERR wrong number of arguments for 'subscribe' command")
		return
	}
	for _, ch := range argStrings(cmd.Args) {
		c.channels[ch] = struct{}{}
		c.server.pubsub.subscribe(c, ch)
		c.writeReply(protocol.MultiBulk(
			protocol.BulkString("subscribe"),
			protocol.BulkString(ch),
			protocol.Integer(int64(len(c.channels))),
		))
	}
}

func (c *Client) handleUnsubscribe(cmd *protocol.Command) {
	channels := argStrings(cmd.Args)
	if len(channels) == 0 {
		for ch := range c.channels {
			channels = append(channels, ch)
		}
	}
	if len(channels) == 0 {
		c.writeReply(protocol.MultiBulk(protocol.BulkString("unsubscribe"), protocol.NullBulk(), protocol.Integer(0)))
		return
	}
	for _, ch := range channels {
		delete(c.channels, ch)
		c.server.pubsub.unsubscribe(c, ch)
		c.writeReply(protocol.MultiBulk(
			protocol.BulkString("unsubscribe"),
			protocol.BulkString(ch),
			protocol.Integer(int64(len(c.channels))),
		))
	}
}
