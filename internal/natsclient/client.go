// Package natsclient provides a minimal JetStream publisher for approval
// notification events.
package natsclient

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Client publishes messages to NATS JetStream.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// Connect dials the NATS server and initializes a JetStream context.
func Connect(url, name string) (*Client, error) {
	conn, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}
	return &Client{conn: conn, js: js}, nil
}

// Publish sends data to the given subject, bounded by ctx.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := c.js.Publish(subject, data, nats.Context(ctx))
	return err
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}
