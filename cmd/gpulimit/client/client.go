// Package client sends one request per connection to a gpulimit server.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"gpulimit/internal/wire"
)

const defaultTimeout = 60 * time.Second

type Client struct {
	addr    wire.Address
	timeout time.Duration
}

func New(addr wire.Address) *Client {
	return &Client{addr: addr, timeout: defaultTimeout}
}

// WithTimeout bounds the whole exchange, including time spent by the server
// killing a task.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// Send writes req and returns the server's reply text.
func (c *Client) Send(ctx context.Context, req wire.Request) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, c.addr.Network, c.addr.Addr)
	if err != nil {
		return "", fmt.Errorf("cannot reach gpulimit server at %s: %w", c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := wire.WriteRequest(conn, req); err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	reply, err := wire.ReadString(conn)
	if err != nil {
		return "", fmt.Errorf("failed to read reply: %w", err)
	}
	return reply, nil
}
