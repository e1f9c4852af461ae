package control

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"github.com/vitalvas/mqttv3"
)

const subscriberQueueSize = 64

// Manager is the part of the connection manager the server drives.
type Manager interface {
	Connect(username, password string) error
	Disconnect() error
	Publish(key, value string) error
	Configure(url string, port, keepAlive, qos int) (mqttv3.BrokerConfig, error)
	Broker() mqttv3.BrokerConfig
	Status() mqttv3.ManagerStatus
	AddConnectionStateHandler(handler mqttv3.StateHandler)
	AddIncomingMessageHandler(handler mqttv3.IncomingMessageHandler)
}

// Server serves control requests for one manager.
type Server struct {
	listener net.Listener
	manager  Manager
	logger   mqttv3.Logger

	mu          sync.Mutex
	conns       map[net.Conn]struct{}
	subscribers map[chan Event]struct{}

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// Listen opens the unix socket at path, replacing a stale socket file.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// NewServer creates a server on ln and registers for the manager's
// events.
func NewServer(ln net.Listener, m Manager, logger mqttv3.Logger) *Server {
	if logger == nil {
		logger = mqttv3.NewNoOpLogger()
	}

	s := &Server{
		listener:    ln,
		manager:     m,
		logger:      logger.WithFields(mqttv3.LogFields{"component": "control"}),
		conns:       make(map[net.Conn]struct{}),
		subscribers: make(map[chan Event]struct{}),
		done:        make(chan struct{}),
	}

	m.AddConnectionStateHandler(func(ev mqttv3.ConnectionStateEvent) {
		s.broadcast(stateEvent(ev))
	})
	m.AddIncomingMessageHandler(func(msg mqttv3.IncomingMessage) {
		s.broadcast(messageEvent(msg))
	})
	return s
}

// Serve accepts connections until Close.
func (s *Server) Serve() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("control: server already running")
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return ErrServerClosed
			default:
				return err
			}
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Close stops accepting, closes open connections and waits for their
// handlers.
func (s *Server) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)

	err := s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	dec := json.NewDecoder(bufio.NewReader(conn))
	enc := json.NewEncoder(conn)

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}

		s.logger.Debug("control request", mqttv3.LogFields{"op": req.Op})

		if req.Op == OpSubscribeEvents {
			s.streamEvents(conn, enc)
			return
		}

		if err := enc.Encode(s.handle(&req)); err != nil {
			return
		}
	}
}

func (s *Server) handle(req *Request) *Response {
	var err error
	resp := &Response{}

	switch req.Op {
	case OpConnect:
		err = s.manager.Connect(req.Username, req.Password)
	case OpDisconnect:
		err = s.manager.Disconnect()
	case OpSend:
		if req.Key == "" {
			err = errors.New("key is required")
		} else {
			err = s.manager.Publish(req.Key, req.Value)
		}
	case OpConfigure:
		var prev mqttv3.BrokerConfig
		prev, err = s.manager.Configure(req.URL, req.Port, req.KeepAlive, req.QoS)
		if err == nil {
			next := s.manager.Broker()
			resp.Previous = &prev
			resp.Broker = &next
		}
	case OpStatus:
		status := s.manager.Status()
		resp.Status = &status
	default:
		err = fmt.Errorf("unknown operation %q", req.Op)
	}

	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.OK = true
	return resp
}

func (s *Server) streamEvents(conn net.Conn, enc *jsoniter.Encoder) {
	ch := make(chan Event, subscriberQueueSize)

	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}()

	if err := enc.Encode(&Response{OK: true}); err != nil {
		return
	}

	// Reads fail once the client goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-ch:
			if err := enc.Encode(&ev); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.done:
			return
		}
	}
}

func (s *Server) broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("event dropped for slow subscriber", mqttv3.LogFields{"type": ev.Type})
		}
	}
}
