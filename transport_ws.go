package mqttv3

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket subprotocols offered during the handshake. MQTT 3.1 brokers
// register "mqttv3.1"; 3.1.1 brokers register "mqtt".
const (
	WebSocketSubprotocol31  = "mqttv3.1"
	WebSocketSubprotocol311 = "mqtt"
)

// WSConn adapts a WebSocket connection to net.Conn. Each Write is sent as
// one binary message; reads return message bytes as a stream.
type WSConn struct {
	conn    *websocket.Conn
	buf     []byte
	readPos int
}

func newWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// Read reads data from the connection.
func (c *WSConn) Read(b []byte) (int, error) {
	for c.readPos >= len(c.buf) {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			return 0, NewProtocolError(0, "websocket text frame")
		}
		c.buf = data
		c.readPos = 0
	}

	n := copy(b, c.buf[c.readPos:])
	c.readPos += n
	return n, nil
}

// Write writes data to the connection as a binary message.
func (c *WSConn) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close closes the connection.
func (c *WSConn) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the local network address.
func (c *WSConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *WSConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadlines.
func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *WSConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// WSDialer connects to brokers over WebSocket (ws:// URLs).
type WSDialer struct {
	// Dialer is the underlying WebSocket dialer.
	Dialer *websocket.Dialer

	// Header is the HTTP header to send with the handshake.
	Header http.Header
}

// NewWSDialer creates a WebSocket dialer offering the MQTT subprotocols.
func NewWSDialer() *WSDialer {
	return &WSDialer{
		Dialer: &websocket.Dialer{
			Subprotocols:     []string{WebSocketSubprotocol31, WebSocketSubprotocol311},
			ReadBufferSize:   DefaultBufferSize,
			WriteBufferSize:  DefaultBufferSize,
			HandshakeTimeout: DefaultConnectTimeout,
		},
	}
}

// SetProxy routes the handshake through proxyURL, or through the
// environment proxy settings when proxyURL is empty.
func (d *WSDialer) SetProxy(proxyURL string) error {
	if proxyURL == "" {
		d.Dialer.Proxy = http.ProxyFromEnvironment
		return nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return err
	}
	d.Dialer.Proxy = http.ProxyURL(u)
	return nil
}

// Dial connects to the ws:// URL in address.
func (d *WSDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := d.Header
	if header == nil {
		header = http.Header{}
	}

	conn, resp, err := dialer.DialContext(ctx, address, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	return newWSConn(conn), nil
}
