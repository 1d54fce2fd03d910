package ipc

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Client is the renderer end of the control channel.
type Client struct {
	conn *Conn
}

// Connect dials endpoint and completes the hello handshake.
func Connect(ctx context.Context, endpoint string, key []byte, hello Hello) (*Client, error) {
	raw, err := Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return handshake(ctx, raw, key, hello)
}

func handshake(ctx context.Context, raw net.Conn, key []byte, hello Hello) (*Client, error) {
	deadline := time.Now().Add(HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	raw.SetDeadline(deadline)

	conn := NewConn(raw, key)
	if hello.ProtocolVersion == 0 {
		hello.ProtocolVersion = ProtocolVersion
	}
	if err := conn.SendTyped(TypeHello, hello); err != nil {
		conn.Close()
		return nil, err
	}
	env, err := conn.Recv()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if env.Type != TypeHelloAck {
		conn.Close()
		return nil, fmt.Errorf("ipc: expected %s, got %s", TypeHelloAck, env.Type)
	}
	ack, err := Decode[HelloAck](env)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !ack.Accepted {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrRejected, ack.Reason)
	}
	raw.SetDeadline(time.Time{})
	return &Client{conn: conn}, nil
}

// Send writes a typed message to the panel.
func (c *Client) Send(msgType string, payload any) error {
	return c.conn.SendTyped(msgType, payload)
}

// Recv blocks for the next message from the panel.
func (c *Client) Recv() (*Envelope, error) {
	return c.conn.Recv()
}

// Close disconnects.
func (c *Client) Close() error {
	return c.conn.Close()
}
