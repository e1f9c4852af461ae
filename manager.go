package mqttv3

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Broker defaults used by the connection manager.
const (
	DefaultBrokerURL = "eu.airvantage.net"
	DefaultQoS       = 0
)

var (
	// ErrInvalidPort is returned by Configure for ports outside 1..65535.
	ErrInvalidPort = errors.New("invalid port")

	// ErrInvalidKeepAlive is returned by Configure for keepalive values
	// outside 0..65535.
	ErrInvalidKeepAlive = errors.New("invalid keepalive")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("connection manager closed")
)

// BrokerConfig is the broker endpoint and session parameters of a manager.
type BrokerConfig struct {
	URL       string `json:"url"`
	Port      int    `json:"port"`
	KeepAlive int    `json:"keep_alive"`
	QoS       int    `json:"qos"`
}

// DefaultBrokerConfig returns the factory broker configuration.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		URL:       DefaultBrokerURL,
		Port:      DefaultPort,
		KeepAlive: DefaultKeepAlive,
		QoS:       DefaultQoS,
	}
}

// IncomingMessage is one parameter of a command received on the tasks
// topic.
type IncomingMessage struct {
	Topic     string `json:"topic"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// IncomingMessageHandler receives command parameters.
type IncomingMessageHandler func(msg IncomingMessage)

// ManagerStatus is a snapshot of the manager for status reporting.
type ManagerStatus struct {
	State     string       `json:"state"`
	Connected bool         `json:"connected"`
	DeviceID  string       `json:"device_id"`
	Broker    BrokerConfig `json:"broker"`
	BearerUp  bool         `json:"bearer_up"`

	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// ManagerOption configures a ConnectionManager.
type ManagerOption func(*ConnectionManager)

// WithBearer sets the bearer requested on Connect. The default is a
// StaticBearer.
func WithBearer(b Bearer) ManagerOption {
	return func(m *ConnectionManager) {
		m.bearer = b
	}
}

// WithBrokerConfig sets the initial broker configuration.
func WithBrokerConfig(cfg BrokerConfig) ManagerOption {
	return func(m *ConnectionManager) {
		m.broker = cfg
	}
}

// WithManagerLogger sets the logger shared by the manager and its sessions.
func WithManagerLogger(logger Logger) ManagerOption {
	return func(m *ConnectionManager) {
		m.logger = logger
	}
}

// WithManagerMetrics sets the metrics backend shared by the manager and its
// sessions. Backends implementing MetricsSnapshotter are reported by Status.
func WithManagerMetrics(metrics Metrics) ManagerOption {
	return func(m *ConnectionManager) {
		m.metrics = metrics
	}
}

// WithSessionOptions appends options applied to every session the manager
// creates, after the manager's own.
func WithSessionOptions(opts ...Option) ManagerOption {
	return func(m *ConnectionManager) {
		m.sessionOpts = append(m.sessionOpts, opts...)
	}
}

// ConnectionManager owns the session of one device. It brings the session
// up when the bearer is available, speaks the device topic convention and
// fans connection state and command parameters out to registered handlers.
type ConnectionManager struct {
	deviceID    string
	logger      Logger
	metrics     Metrics
	bearer      Bearer
	sessionOpts []Option

	mu        sync.Mutex
	broker    BrokerConfig
	identity  string
	password  string
	requested bool
	bearerUp  bool
	session   *Session
	closed    bool

	publishMu sync.Mutex

	handlersMu    sync.RWMutex
	stateHandlers []StateHandler
	msgHandlers   []IncomingMessageHandler

	notifier *notifier
}

// NewConnectionManager creates a manager for the device. The manager does
// not connect until Connect is called.
func NewConnectionManager(deviceID string, opts ...ManagerOption) *ConnectionManager {
	m := &ConnectionManager{
		deviceID: deviceID,
		identity: deviceID,
		broker:   DefaultBrokerConfig(),
		logger:   NewNoOpLogger(),
		metrics:  &NoOpMetrics{},
		notifier: newNotifier(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bearer == nil {
		m.bearer = &StaticBearer{}
	}
	if m.metrics == nil {
		m.metrics = &NoOpMetrics{}
	}

	go m.notifier.run()
	return m
}

// DeviceID returns the identity used as client id, username and topic
// prefix of the current or next session.
func (m *ConnectionManager) DeviceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Configure updates the broker configuration used by the next session. An
// empty URL or a -1 number leaves that field unchanged. It returns the
// previous configuration.
func (m *ConnectionManager) Configure(brokerURL string, port, keepAlive, qos int) (BrokerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.broker
	next := prev

	if brokerURL != "" {
		next.URL = brokerURL
	}
	if port != -1 {
		if port < 1 || port > 65535 {
			return prev, fmt.Errorf("%w: %d", ErrInvalidPort, port)
		}
		next.Port = port
	}
	if keepAlive != -1 {
		if keepAlive < 0 || keepAlive > 65535 {
			return prev, fmt.Errorf("%w: %d", ErrInvalidKeepAlive, keepAlive)
		}
		next.KeepAlive = keepAlive
	}
	if qos != -1 {
		if qos < 0 || qos > 2 {
			return prev, fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
		}
		next.QoS = qos
	}

	if _, err := BrokerAddress(next.URL, next.Port); err != nil {
		return prev, err
	}

	m.broker = next
	m.logger.Info("broker configured", LogFields{
		"url":        next.URL,
		"port":       next.Port,
		"keep_alive": next.KeepAlive,
		"qos":        next.QoS,
	})
	return prev, nil
}

// Broker returns the current broker configuration.
func (m *ConnectionManager) Broker() BrokerConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broker
}

// Connect requests the bearer and starts the session once it is up. A
// non-empty username replaces the device id as client id, username and
// topic prefix. Connecting again with the same credentials keeps the
// running session and re-emits its connected event; different credentials
// close it and start a new session with them.
func (m *ConnectionManager) Connect(username, password string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, err := BrokerAddress(m.broker.URL, m.broker.Port); err != nil {
		m.mu.Unlock()
		return err
	}

	identity := m.deviceID
	if username != "" {
		identity = username
	}

	if s := m.session; s != nil {
		if identity == m.identity && password == m.password {
			m.mu.Unlock()
			go m.connectSession(s)
			return nil
		}

		m.session = nil
		m.identity, m.password = identity, password
		m.mu.Unlock()

		m.logger.Info("credentials changed, restarting session", LogFields{"client_id": identity})
		s.Close()
		m.BearerUp()
		return nil
	}

	m.identity = identity
	m.password = password
	m.requested = true
	alreadyUp := m.bearerUp
	m.mu.Unlock()

	if alreadyUp {
		m.BearerUp()
		return nil
	}

	m.logger.Debug("requesting bearer", nil)
	if err := m.bearer.Request(m.onBearer); err != nil {
		m.mu.Lock()
		m.requested = false
		m.mu.Unlock()
		return fmt.Errorf("bearer request: %w", err)
	}
	return nil
}

func (m *ConnectionManager) onBearer(up bool) {
	if up {
		m.BearerUp()
	} else {
		m.BearerDown()
	}
}

// BearerUp reports that the data connection is available. A pending
// connect request starts a session.
func (m *ConnectionManager) BearerUp() {
	m.mu.Lock()
	m.bearerUp = true
	if !m.requested || m.session != nil || m.closed {
		m.mu.Unlock()
		return
	}
	s := NewSession(m.buildOptions()...)
	m.session = s
	m.mu.Unlock()

	m.logger.Info("bearer up, connecting", LogFields{"client_id": s.ClientID()})
	go m.connectSession(s)
}

// BearerDown reports that the data connection is gone. The session is
// closed and restarted on the next BearerUp.
func (m *ConnectionManager) BearerDown() {
	m.mu.Lock()
	m.bearerUp = false
	s := m.session
	m.session = nil
	m.mu.Unlock()

	if s != nil {
		m.logger.Warn("bearer down, closing session", nil)
		s.Close()
	}
}

func (m *ConnectionManager) connectSession(s *Session) {
	if err := s.Connect(context.Background()); err != nil {
		m.logger.Debug("connect attempt failed", LogFields{LogFieldError: err.Error()})
	}
}

// buildOptions assembles session options from the current configuration.
// Called with m.mu held.
func (m *ConnectionManager) buildOptions() []Option {
	cfg := m.broker
	qos := byte(cfg.QoS)

	opts := []Option{
		WithBroker(cfg.URL),
		WithPort(cfg.Port),
		WithKeepAlive(uint16(cfg.KeepAlive)),
		WithClientID(m.identity),
		WithCredentials(m.identity, m.password),
		WithSubscription(TasksTopic(m.identity), qos, m.onTask),
		WithStateHandler(m.onSessionState),
		WithLogger(m.logger),
		WithMetrics(m.metrics),
	}
	return append(opts, m.sessionOpts...)
}

// Disconnect closes the session, releases the bearer and emits a
// disconnected event.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	s := m.session
	m.session = nil
	wasRequested := m.requested
	m.requested = false
	m.bearerUp = false
	m.mu.Unlock()

	if s != nil {
		s.Close()
	} else {
		m.onSessionState(ConnectionStateEvent{})
	}

	if wasRequested {
		m.bearer.Release()
	}
	m.logger.Info("disconnected", nil)
	return nil
}

// Close disconnects and stops the notifier. Queued notifications are
// delivered before Close returns.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil
	}

	err := m.Disconnect()

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.notifier.close()
	return err
}

// IsConnected reports whether the session is in the connected state.
func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	return s != nil && s.IsConnected()
}

// Status returns a snapshot of the manager.
func (m *ConnectionManager) Status() ManagerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := StateIdle
	if m.session != nil {
		state = m.session.State()
	}
	status := ManagerStatus{
		State:     state.String(),
		Connected: state == StateConnected,
		DeviceID:  m.identity,
		Broker:    m.broker,
		BearerUp:  m.bearerUp,
	}
	if snap, ok := m.metrics.(MetricsSnapshotter); ok {
		status.Metrics = snap.Snapshot()
	}
	return status
}

// Publish sends one telemetry value to the device messages topic.
func (m *ConnectionManager) Publish(key, value string) error {
	return m.PublishPayload([]byte(SerializeKeyValue(key, value, 0)))
}

// PublishPayload sends a pre-serialized telemetry document to the device
// messages topic.
func (m *ConnectionManager) PublishPayload(payload []byte) error {
	m.mu.Lock()
	topic := MessagesTopic(m.identity)
	m.mu.Unlock()

	return m.publish(topic, payload)
}

// publish serializes callers so at most one command is outstanding.
func (m *ConnectionManager) publish(topic string, payload []byte) error {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	m.mu.Lock()
	s := m.session
	qos := byte(m.broker.QoS)
	m.mu.Unlock()

	if s == nil || !s.IsConnected() {
		return ErrNotConnected
	}
	return s.Publish(context.Background(), topic, payload, qos, false)
}

// AddConnectionStateHandler registers a handler for connection state
// events. Handlers run on the notifier goroutine and may call back into
// the manager.
func (m *ConnectionManager) AddConnectionStateHandler(handler StateHandler) {
	m.handlersMu.Lock()
	m.stateHandlers = append(m.stateHandlers, handler)
	m.handlersMu.Unlock()
}

// AddIncomingMessageHandler registers a handler for command parameters.
// Handlers run on the notifier goroutine.
func (m *ConnectionManager) AddIncomingMessageHandler(handler IncomingMessageHandler) {
	m.handlersMu.Lock()
	m.msgHandlers = append(m.msgHandlers, handler)
	m.handlersMu.Unlock()
}

// onSessionState runs on the session loop.
func (m *ConnectionManager) onSessionState(ev ConnectionStateEvent) {
	m.notifier.push(func() {
		m.handlersMu.RLock()
		handlers := append([]StateHandler(nil), m.stateHandlers...)
		m.handlersMu.RUnlock()

		for _, h := range handlers {
			h(ev)
		}
	})
}

// onTask runs on the session loop; decoding and the ack happen on the
// notifier.
func (m *ConnectionManager) onTask(msg *Message) {
	topic := msg.Topic
	payload := append([]byte(nil), msg.Payload...)

	m.notifier.push(func() {
		m.handleTask(topic, payload)
	})
}

func (m *ConnectionManager) handleTask(topic string, payload []byte) {
	cmd, err := DecodeCommand(payload)
	if err != nil {
		m.logger.Warn("invalid command", LogFields{LogFieldTopic: topic, LogFieldError: err.Error()})
		m.metrics.Counter(MetricCommandsReceived, MetricLabels{LabelStatus: string(AckError)}).Inc()
		m.ack(cmd.UID, AckError, err.Error())
		return
	}
	m.metrics.Counter(MetricCommandsReceived, MetricLabels{LabelStatus: string(AckOK)}).Inc()

	m.handlersMu.RLock()
	handlers := append([]IncomingMessageHandler(nil), m.msgHandlers...)
	m.handlersMu.RUnlock()

	for i, p := range cmd.Params {
		in := IncomingMessage{
			Topic:     topic,
			Key:       cmd.FullKey(i),
			Value:     p.Value,
			Timestamp: cmd.Timestamp,
		}
		for _, h := range handlers {
			h(in)
		}
	}

	m.ack(cmd.UID, AckOK, "")
}

func (m *ConnectionManager) ack(uid string, status AckStatus, message string) {
	payload, err := EncodeAck(uid, status, message)
	if err != nil {
		m.logger.Error("encode ack failed", LogFields{LogFieldError: err.Error()})
		return
	}

	m.mu.Lock()
	topic := AcksTopic(m.identity)
	m.mu.Unlock()

	if err := m.publish(topic, payload); err != nil {
		m.logger.Warn("ack publish failed", LogFields{"uid": uid, LogFieldError: err.Error()})
	}
}

// notifier runs callbacks in order on one goroutine with an unbounded
// queue, so producers on the session loop never block.
type notifier struct {
	mu       sync.Mutex
	queue    []func()
	signal   chan struct{}
	done     chan struct{}
	finished chan struct{}
	once     sync.Once
}

func newNotifier() *notifier {
	return &notifier{
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (n *notifier) push(fn func()) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	n.mu.Unlock()

	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.finished)

	for {
		select {
		case <-n.signal:
			n.drain()
		case <-n.done:
			n.drain()
			return
		}
	}
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		fn := n.queue[0]
		n.queue[0] = nil
		n.queue = n.queue[1:]
		n.mu.Unlock()

		fn()
	}
}

func (n *notifier) close() {
	n.once.Do(func() { close(n.done) })
	<-n.finished
}
