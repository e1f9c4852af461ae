package mqttv3

import "time"

// Defaults for session options.
const (
	DefaultPort                = 1883
	DefaultKeepAlive           = 30
	DefaultConnectTimeout      = 10 * time.Second
	DefaultCommandTimeout      = 5 * time.Second
	DefaultWriteTimeout        = 5 * time.Second
	DefaultBufferSize          = 2048
	DefaultSubscribeRetryDelay = 2 * time.Second
	DefaultReconnectBackoff    = 1 * time.Second
	DefaultMaxBackoff          = 60 * time.Second
	DefaultTxBacklog           = 16
)

// BackoffStrategy computes the delay before the next reconnect attempt from
// the attempt number (1-based), the previous delay and the error that ended
// the last connection.
type BackoffStrategy func(attempt int, current time.Duration, err error) time.Duration

// StateHandler receives connection state events. It runs on the session
// loop and must not block.
type StateHandler func(ev ConnectionStateEvent)

type subscriptionOption struct {
	filter  string
	qos     byte
	handler MessageHandler
}

// sessionOptions holds configuration for a Session.
type sessionOptions struct {
	broker string
	port   int

	clientID     string
	username     string
	password     []byte
	cleanSession bool
	keepAlive    uint16

	willFlag    bool
	willTopic   string
	willPayload []byte
	willQoS     byte
	willRetain  bool

	connectTimeout time.Duration
	commandTimeout time.Duration
	pingTimeout    time.Duration
	writeTimeout   time.Duration
	maxRetries     int

	txSize    int
	rxSize    int
	txBacklog int

	maxHandlers         int
	subscriptions       []subscriptionOption
	subscribeRetryDelay time.Duration
	defaultHandler      MessageHandler
	stateHandler        StateHandler

	producerInterceptors []ProducerInterceptor
	consumerInterceptors []ConsumerInterceptor

	autoReconnect    bool
	reconnectBackoff time.Duration
	maxBackoff       time.Duration
	backoffStrategy  BackoffStrategy

	logger       Logger
	metrics      Metrics
	dialer       Dialer
	proxyURL     string
	proxyFromEnv bool
}

// defaultOptions returns options with sensible defaults.
func defaultOptions() *sessionOptions {
	return &sessionOptions{
		port:                DefaultPort,
		cleanSession:        true,
		keepAlive:           DefaultKeepAlive,
		connectTimeout:      DefaultConnectTimeout,
		commandTimeout:      DefaultCommandTimeout,
		pingTimeout:         -1,
		writeTimeout:        DefaultWriteTimeout,
		maxRetries:          DefaultMaxRetries,
		txSize:              DefaultBufferSize,
		rxSize:              DefaultBufferSize,
		txBacklog:           DefaultTxBacklog,
		maxHandlers:         DefaultMaxHandlers,
		subscribeRetryDelay: DefaultSubscribeRetryDelay,
		autoReconnect:       true,
		reconnectBackoff:    DefaultReconnectBackoff,
		maxBackoff:          DefaultMaxBackoff,
		logger:              NewNoOpLogger(),
		metrics:             &NoOpMetrics{},
	}
}

// Option configures a Session.
type Option func(*sessionOptions)

// WithBroker sets the broker address: a host name, host:port, or a URL
// with a tcp, mqtt, ws or unix scheme.
func WithBroker(broker string) Option {
	return func(o *sessionOptions) {
		o.broker = broker
	}
}

// WithPort sets the port used when the broker address carries none.
func WithPort(port int) Option {
	return func(o *sessionOptions) {
		o.port = port
	}
}

// WithClientID sets the MQTT client identifier.
func WithClientID(id string) Option {
	return func(o *sessionOptions) {
		o.clientID = id
	}
}

// WithCredentials sets the user name and secret sent in CONNECT.
func WithCredentials(username, password string) Option {
	return func(o *sessionOptions) {
		o.username = username
		o.password = []byte(password)
	}
}

// WithCleanSession sets the CONNECT clean-session flag. Default true.
func WithCleanSession(clean bool) Option {
	return func(o *sessionOptions) {
		o.cleanSession = clean
	}
}

// WithKeepAlive sets the keep-alive interval in seconds. Zero disables
// PINGREQ.
func WithKeepAlive(seconds uint16) Option {
	return func(o *sessionOptions) {
		o.keepAlive = seconds
	}
}

// WithWill sets the message the broker publishes when the connection is
// lost without a DISCONNECT.
func WithWill(topic string, payload []byte, qos byte, retain bool) Option {
	return func(o *sessionOptions) {
		o.willFlag = true
		o.willTopic = topic
		o.willPayload = payload
		o.willQoS = qos
		o.willRetain = retain
	}
}

// WithConnectTimeout bounds the TCP connection establishment.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *sessionOptions) {
		o.connectTimeout = d
	}
}

// WithCommandTimeout sets how long a command waits for its acknowledgment
// before it is resent.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *sessionOptions) {
		o.commandTimeout = d
	}
}

// WithMaxRetries sets the number of command timeouts after which the
// connection attempt is abandoned. Default 10.
func WithMaxRetries(n int) Option {
	return func(o *sessionOptions) {
		o.maxRetries = n
	}
}

// WithPingTimeout sets how long to wait for PINGRESP. Zero disables the
// check. Default: the command timeout.
func WithPingTimeout(d time.Duration) Option {
	return func(o *sessionOptions) {
		o.pingTimeout = d
	}
}

// WithWriteTimeout bounds a single socket write. A write that times out
// after a partial transfer is resumed, not failed.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *sessionOptions) {
		o.writeTimeout = d
	}
}

// WithBufferSize sets the transmit and receive buffer capacities. Frames
// larger than the transmit buffer are rejected with a CapacityError.
func WithBufferSize(tx, rx int) Option {
	return func(o *sessionOptions) {
		o.txSize = tx
		o.rxSize = rx
	}
}

// WithMaxHandlers sets the topic registry capacity. Default 5.
func WithMaxHandlers(n int) Option {
	return func(o *sessionOptions) {
		o.maxHandlers = n
	}
}

// WithSubscription adds a filter that is subscribed every time the session
// reaches the Subscribing state.
func WithSubscription(filter string, qos byte, handler MessageHandler) Option {
	return func(o *sessionOptions) {
		o.subscriptions = append(o.subscriptions, subscriptionOption{
			filter:  filter,
			qos:     qos,
			handler: handler,
		})
	}
}

// WithSubscribeRetryDelay sets the delay before a refused subscription is
// retried. Default 2s.
func WithSubscribeRetryDelay(d time.Duration) Option {
	return func(o *sessionOptions) {
		o.subscribeRetryDelay = d
	}
}

// WithDefaultHandler sets the handler for messages no filter matches.
func WithDefaultHandler(handler MessageHandler) Option {
	return func(o *sessionOptions) {
		o.defaultHandler = handler
	}
}

// WithStateHandler sets the receiver of connection state events.
func WithStateHandler(handler StateHandler) Option {
	return func(o *sessionOptions) {
		o.stateHandler = handler
	}
}

// WithAutoReconnect controls reconnection after I/O errors, ping timeouts
// and packet-id mismatches. Backoff starts at initial and doubles up to max.
func WithAutoReconnect(enabled bool, initial, maxBackoff time.Duration) Option {
	return func(o *sessionOptions) {
		o.autoReconnect = enabled
		if initial > 0 {
			o.reconnectBackoff = initial
		}
		if maxBackoff > 0 {
			o.maxBackoff = maxBackoff
		}
	}
}

// WithBackoffStrategy replaces the doubling reconnect backoff.
func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(o *sessionOptions) {
		o.backoffStrategy = strategy
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(o *sessionOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics backend for session activity.
func WithMetrics(m Metrics) Option {
	return func(o *sessionOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithProducerInterceptors appends interceptors run on every outgoing
// message before it is encoded.
func WithProducerInterceptors(interceptors ...ProducerInterceptor) Option {
	return func(o *sessionOptions) {
		o.producerInterceptors = append(o.producerInterceptors, interceptors...)
	}
}

// WithConsumerInterceptors appends interceptors run on every incoming
// message before it is dispatched to handlers.
func WithConsumerInterceptors(interceptors ...ConsumerInterceptor) Option {
	return func(o *sessionOptions) {
		o.consumerInterceptors = append(o.consumerInterceptors, interceptors...)
	}
}

// WithDialer replaces the scheme-based dialer.
func WithDialer(d Dialer) Option {
	return func(o *sessionOptions) {
		o.dialer = d
	}
}

// WithProxy routes tcp:// connections through an HTTP CONNECT or SOCKS5
// proxy, e.g. "socks5://user:pass@gw:1080".
func WithProxy(proxyURL string) Option {
	return func(o *sessionOptions) {
		o.proxyURL = proxyURL
	}
}

// WithProxyFromEnvironment uses HTTP_PROXY and NO_PROXY.
func WithProxyFromEnvironment() Option {
	return func(o *sessionOptions) {
		o.proxyFromEnv = true
	}
}

// applyOptions applies all options to the default options.
func applyOptions(opts ...Option) *sessionOptions {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.pingTimeout < 0 {
		options.pingTimeout = options.commandTimeout
	}
	if options.maxRetries <= 0 {
		options.maxRetries = DefaultMaxRetries
	}
	if options.maxHandlers <= 0 {
		options.maxHandlers = DefaultMaxHandlers
	}
	if options.txSize <= 0 {
		options.txSize = DefaultBufferSize
	}
	if options.rxSize <= 0 {
		options.rxSize = DefaultBufferSize
	}
	if options.clientID == "" {
		options.clientID = options.username
	}
	return options
}
