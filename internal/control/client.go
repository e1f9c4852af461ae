package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// DefaultTimeout bounds a request round trip.
const DefaultTimeout = 10 * time.Second

// Client talks to an agent over its control socket.
type Client struct {
	conn    net.Conn
	dec     *jsoniter.Decoder
	enc     *jsoniter.Encoder
	timeout time.Duration
}

// Dial connects to the control socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", path, err)
	}

	return &Client{
		conn:    conn,
		dec:     json.NewDecoder(bufio.NewReader(conn)),
		enc:     json.NewEncoder(conn),
		timeout: DefaultTimeout,
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends req and waits for the response. A response that is not OK is
// returned together with a *RemoteError.
func (c *Client) Call(req Request) (*Response, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}
	defer c.conn.SetDeadline(time.Time{})

	if err := c.enc.Encode(&req); err != nil {
		return nil, fmt.Errorf("control: send: %w", err)
	}

	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("control: receive: %w", err)
	}
	return &resp, resp.Err()
}

// Subscribe switches the connection to event streaming. Afterwards only
// NextEvent may be called.
func (c *Client) Subscribe() error {
	_, err := c.Call(Request{Op: OpSubscribeEvents})
	return err
}

// NextEvent blocks until the agent streams an event or ctx is done.
func (c *Client) NextEvent(ctx context.Context) (Event, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var ev Event
	if err := c.dec.Decode(&ev); err != nil {
		if ctx.Err() != nil {
			return ev, ctx.Err()
		}
		return ev, fmt.Errorf("control: receive: %w", err)
	}
	return ev, nil
}
