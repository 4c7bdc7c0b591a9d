package conn

import (
	"context"
	"fmt"
	"strings"

	"github.com/raniellyferreira/redis-failover/protocol"
)

// Message is one publish/subscribe push
type Message struct {
	Channel string
	Pattern string
	Payload string
}

// Subscribe puts the connection in subscribe mode and waits for the
// confirmation of every channel. From then on only ReceiveMessage and Close
// are meaningful.
func (c *Conn) Subscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return fmt.Errorf("subscribe: no channels")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}

	stop := c.watch(ctx)
	defer stop()

	if err := c.send(ctx, "SUBSCRIBE", nil, false, channels); err != nil {
		return err
	}
	c.subscribed.Store(true)

	for range channels {
		reply, err := c.receive(ctx, c.endpoint.receiveTimeout())
		if err != nil {
			return err
		}
		fields := reply.Strings()
		if len(fields) < 2 || !strings.EqualFold(fields[0], "subscribe") {
			c.MarkFaulted()
			return &protocol.ProtocolError{Message: fmt.Sprintf("unexpected subscribe confirmation %v", reply)}
		}
	}

	c.touch()
	return nil
}

// PingSubscribed writes a PING on a subscribed connection. It may run while
// another goroutine is blocked in ReceiveMessage; the pong is consumed there
// and refreshes LastUsed.
func (c *Conn) PingSubscribed(ctx context.Context) error {
	if err := c.usable(); err != nil {
		return err
	}
	if !c.subscribed.Load() {
		return fmt.Errorf("connection is not subscribed")
	}

	stop := c.watch(ctx)
	defer stop()
	return c.send(ctx, "PING", nil, false, nil)
}

// ReceiveMessage blocks until the next published message arrives or ctx
// ends. The receive timeout of the endpoint does not apply; a subscription
// is expected to be quiet for long periods. Subscription confirmations are
// skipped.
func (c *Conn) ReceiveMessage(ctx context.Context) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return Message{}, err
	}
	if !c.subscribed.Load() {
		return Message{}, fmt.Errorf("connection is not subscribed")
	}

	stop := c.watch(ctx)
	defer stop()

	for {
		reply, err := c.receive(ctx, 0)
		if err != nil {
			return Message{}, err
		}
		c.touch()

		fields := reply.Strings()
		if len(fields) == 0 {
			c.MarkFaulted()
			return Message{}, &protocol.ProtocolError{Message: fmt.Sprintf("unexpected push %v", reply)}
		}

		switch strings.ToLower(fields[0]) {
		case "message":
			if len(fields) != 3 {
				break
			}
			return Message{Channel: fields[1], Payload: fields[2]}, nil
		case "pmessage":
			if len(fields) != 4 {
				break
			}
			return Message{Pattern: fields[1], Channel: fields[2], Payload: fields[3]}, nil
		case "subscribe", "psubscribe", "unsubscribe", "punsubscribe", "pong":
			continue
		}

		c.MarkFaulted()
		return Message{}, &protocol.ProtocolError{Message: fmt.Sprintf("unexpected push %v", reply)}
	}
}
