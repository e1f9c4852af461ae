package mqttv3

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Dialer establishes broker connections.
type Dialer interface {
	// Dial connects to the address with the given context.
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// TCPDialer connects to brokers over TCP.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration
}

// Dial connects to the host:port address.
func (d *TCPDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	var dialer net.Dialer
	if d.Timeout > 0 {
		dialer.Timeout = d.Timeout
	}
	return dialer.DialContext(ctx, "tcp", address)
}

// UnixDialer connects to brokers over Unix domain sockets.
type UnixDialer struct{}

// Dial connects to the socket file at address.
func (d *UnixDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "unix", address)
}

// BrokerAddress normalises a broker setting into a URL. A bare host or
// host:port becomes tcp://; a missing port is filled from port, or from
// the scheme default when port is 0.
func BrokerAddress(broker string, port int) (*url.URL, error) {
	broker = strings.TrimSpace(broker)
	if broker == "" {
		return nil, errors.New("broker address is empty")
	}
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	u, err := url.Parse(broker)
	if err != nil {
		return nil, fmt.Errorf("invalid broker address: %w", err)
	}

	switch u.Scheme {
	case "unix":
		return u, nil
	case "tcp", "mqtt", "ws":
	default:
		return nil, fmt.Errorf("unsupported broker scheme: %s", u.Scheme)
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("broker address %q has no host", broker)
	}
	if u.Port() == "" {
		if port <= 0 {
			port = DefaultPort
			if u.Scheme == "ws" {
				port = 80
			}
		}
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
	}
	return u, nil
}

// dialBroker opens the broker connection selected by the URL scheme. Any
// failure is reported as an IOError.
func dialBroker(ctx context.Context, o *sessionOptions, u *url.URL) (net.Conn, error) {
	conn, err := dialScheme(ctx, o, u)
	if err != nil {
		var ioErr *IOError
		if errors.As(err, &ioErr) {
			return nil, err
		}
		return nil, NewIOError("dial", err)
	}
	return conn, nil
}

func dialScheme(ctx context.Context, o *sessionOptions, u *url.URL) (net.Conn, error) {
	if o.dialer != nil {
		address := u.Host
		if u.Scheme == "unix" {
			address = unixPath(u)
		}
		return o.dialer.Dial(ctx, address)
	}

	switch u.Scheme {
	case "tcp", "mqtt":
		proxyDialer, err := resolveProxy(o, u.String())
		if err != nil {
			return nil, err
		}
		if proxyDialer != nil {
			return proxyDialer.DialContext(ctx, "tcp", u.Host)
		}
		d := &TCPDialer{Timeout: o.connectTimeout}
		return d.Dial(ctx, u.Host)

	case "ws":
		d := NewWSDialer()
		if o.proxyURL != "" || o.proxyFromEnv {
			if err := d.SetProxy(o.proxyURL); err != nil {
				return nil, err
			}
		}
		return d.Dial(ctx, u.String())

	case "unix":
		d := &UnixDialer{}
		return d.Dial(ctx, unixPath(u))

	default:
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
}

// unixPath accepts unix:///path and unix://localhost/path.
func unixPath(u *url.URL) string {
	if u.Host == "" || u.Host == "localhost" {
		return u.Path
	}
	return u.Host + u.Path
}

// resolveProxy returns a ProxyDialer based on the options, or nil.
func resolveProxy(o *sessionOptions, target string) (*ProxyDialer, error) {
	if o.proxyURL != "" {
		return NewProxyDialer(o.proxyURL, "", "")
	}

	if o.proxyFromEnv {
		proxyURL, err := ProxyFromEnvironment(target)
		if err != nil {
			return nil, err
		}
		if proxyURL != nil {
			return NewProxyDialer(proxyURL.String(), "", "")
		}
	}

	return nil, nil
}

// Transport owns the fixed-size transmit and receive buffers of one
// connection. It performs no I/O itself: the session loop hands it frames
// to send and bytes received, and asks it what to write next.
//
// The transmit buffer holds at most one frame. While bytesLeft > 0 the
// frame is still draining and further frames wait in a bounded backlog.
// The receive buffer always starts at an unconsumed frame boundary.
type Transport struct {
	tx        []byte
	txLen     int
	offset    int
	bytesLeft int

	backlog    [][]byte
	maxBacklog int

	rx    []byte
	rxLen int
}

// NewTransport creates a transport with the given buffer capacities.
func NewTransport(txSize, rxSize, maxBacklog int) *Transport {
	return &Transport{
		tx:         make([]byte, txSize),
		rx:         make([]byte, rxSize),
		maxBacklog: maxBacklog,
	}
}

// Send queues an encoded frame. It reports whether the frame was loaded
// into the transmit buffer and a write should be issued. Frames larger
// than the buffer, or arriving when the backlog is full, are rejected
// with a CapacityError.
func (t *Transport) Send(frame []byte) (bool, error) {
	if len(frame) > len(t.tx) {
		return false, NewCapacityError("transmit buffer", len(t.tx), len(frame))
	}

	if t.bytesLeft > 0 {
		if len(t.backlog) >= t.maxBacklog {
			return false, NewCapacityError("transmit backlog", t.maxBacklog, len(t.backlog)+1)
		}
		t.backlog = append(t.backlog, append([]byte(nil), frame...))
		return false, nil
	}

	t.load(frame)
	return true, nil
}

func (t *Transport) load(frame []byte) {
	t.txLen = copy(t.tx, frame)
	t.offset = 0
	t.bytesLeft = t.txLen
}

// Pending returns the unsent remainder of the current frame.
func (t *Transport) Pending() []byte {
	return t.tx[t.offset : t.offset+t.bytesLeft]
}

// BytesLeft returns the number of unsent bytes of the current frame.
func (t *Transport) BytesLeft() int {
	return t.bytesLeft
}

// Advance records n bytes written. It reports whether the current frame
// completed, and whether another frame was loaded from the backlog.
func (t *Transport) Advance(n int) (frameDone, more bool) {
	if n > t.bytesLeft {
		n = t.bytesLeft
	}
	t.offset += n
	t.bytesLeft -= n
	if t.bytesLeft > 0 {
		return false, false
	}

	t.txLen, t.offset = 0, 0
	if len(t.backlog) == 0 {
		return true, false
	}

	next := t.backlog[0]
	t.backlog[0] = nil
	t.backlog = t.backlog[1:]
	t.load(next)
	return true, true
}

// Receive appends received bytes and hands every complete packet to
// deliver in order. A frame that can never fit the receive buffer is a
// CapacityError; a malformed frame is returned as a decode error. An error
// from deliver stops processing.
func (t *Transport) Receive(data []byte, deliver func(Packet) error) error {
	for len(data) > 0 {
		n := copy(t.rx[t.rxLen:], data)
		t.rxLen += n
		data = data[n:]

		for {
			pkt, err := t.next()
			if err != nil {
				return err
			}
			if pkt == nil {
				break
			}
			if err := deliver(pkt); err != nil {
				return err
			}
		}

		if n == 0 {
			return NewCapacityError("receive buffer", len(t.rx), t.rxLen+len(data))
		}
	}
	return nil
}

// next parses one packet at the head of rx and compacts the buffer.
// It returns nil when more bytes are needed.
func (t *Transport) next() (Packet, error) {
	if t.rxLen == 0 {
		return nil, nil
	}

	pkt, n, err := ParsePacket(t.rx[:t.rxLen], uint32(len(t.rx)))
	if errors.Is(err, ErrIncompletePacket) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t.rxLen = copy(t.rx, t.rx[n:t.rxLen])
	return pkt, nil
}

// Buffered returns the number of received bytes not yet parsed.
func (t *Transport) Buffered() int {
	return t.rxLen
}

// Reset drops all buffered data.
func (t *Transport) Reset() {
	t.txLen, t.offset, t.bytesLeft = 0, 0, 0
	clear(t.backlog)
	t.backlog = t.backlog[:0]
	t.rxLen = 0
}

// isTimeout reports whether err is a deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
