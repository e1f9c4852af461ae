package mqttv3

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State is the connection state of a Session.
type State int32

// Session states.
const (
	StateIdle State = iota
	StateConnecting
	StateTCPConnected
	StateHandshaking
	StateSubscribing
	StateConnected
	StateDisconnected
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateTCPConnected:
		return "tcp-connected"
	case StateHandshaking:
		return "handshaking"
	case StateSubscribing:
		return "subscribing"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

const eventQueueSize = 64

// errTornDown stops packet processing after a handler failed the session.
var errTornDown = errors.New("session torn down")

// Session is an MQTT 3.1 client session. All protocol state is owned by a
// single loop goroutine; socket reads, socket writes, dials and timer fires
// run elsewhere and post their results to the loop.
//
// Handlers passed to a Session run on the loop. They must not block and
// must not call the blocking methods of the same Session.
type Session struct {
	options *sessionOptions
	logger  Logger
	metrics sessionMetrics

	events    chan func()
	done      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once

	state atomic.Int32

	// Loop-owned state below.
	conn       net.Conn
	gen        uint64
	dialCancel context.CancelFunc
	transport  *Transport
	writing    bool

	registry *TopicRegistry
	ids      PacketIDAllocator
	tracker  *AckTracker
	inbound  map[uint16]struct{}

	subscribeAttempts int
	attempt           int
	backoff           time.Duration
	waiters           []chan error

	connectTimer   *loopTimer
	commandTimer   *loopTimer
	keepAliveTimer *loopTimer
	pingTimer      *loopTimer
	subscribeTimer *loopTimer
	reconnectTimer *loopTimer
}

// NewSession creates a session and starts its loop. The session stays Idle
// until Connect is called. Close releases it.
func NewSession(opts ...Option) *Session {
	o := applyOptions(opts...)

	s := &Session{
		options:   o,
		logger:    o.logger.WithFields(LogFields{LogFieldDeviceID: o.clientID, LogFieldBroker: o.broker}),
		metrics:   sessionMetrics{metrics: o.metrics},
		events:    make(chan func(), eventQueueSize),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
		transport: NewTransport(o.txSize, o.rxSize, o.txBacklog),
		registry:  NewTopicRegistry(o.maxHandlers, o.defaultHandler),
		tracker:   NewAckTracker(o.maxRetries),
		inbound:   make(map[uint16]struct{}),
	}

	s.connectTimer = newLoopTimer("connect", s.post, s.onConnectTimeout)
	s.commandTimer = newLoopTimer("command", s.post, s.onCommandTimeout)
	s.keepAliveTimer = newLoopTimer("keepalive", s.post, s.onKeepAlive)
	s.pingTimer = newLoopTimer("ping", s.post, s.onPingTimeout)
	s.subscribeTimer = newLoopTimer("subscribe", s.post, s.onSubscribeRetry)
	s.reconnectTimer = newLoopTimer("reconnect", s.post, s.onReconnect)

	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.finished)

	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.done:
			s.disconnect()
			return
		}
	}
}

// post queues fn for the loop. It reports false once the session is closed.
// It must never be called from the loop itself.
func (s *Session) post(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the loop and waits for it to return.
func (s *Session) call(fn func()) error {
	ran := make(chan struct{})
	if !s.post(func() {
		fn()
		close(ran)
	}) {
		return ErrSessionClosed
	}

	select {
	case <-ran:
		return nil
	case <-s.finished:
		select {
		case <-ran:
			return nil
		default:
			return ErrSessionClosed
		}
	}
}

func (s *Session) wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.finished:
		return ErrSessionClosed
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// IsConnected reports whether the session is in the Connected state.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// ClientID returns the client identifier sent in CONNECT.
func (s *Session) ClientID() string {
	return s.options.clientID
}

func (s *Session) setState(state State) {
	prev := State(s.state.Swap(int32(state)))
	if prev != state {
		s.logger.Debug("state changed", LogFields{LogFieldState: state.String(), "previous": prev.String()})
	}
}

// Connect starts a connection attempt and waits for its first outcome:
// nil once the session is Connected, otherwise the error that ended the
// attempt. With auto reconnect enabled, I/O failures keep being retried in
// the background after Connect returns. Connecting an already connected
// session re-emits the connected event.
func (s *Session) Connect(ctx context.Context) error {
	if _, err := BrokerAddress(s.options.broker, s.options.port); err != nil {
		return err
	}

	result := make(chan error, 1)
	if err := s.call(func() { s.connect(result) }); err != nil {
		return err
	}
	return s.wait(ctx, result)
}

func (s *Session) connect(result chan error) {
	switch s.State() {
	case StateConnected:
		s.emit(ConnectionStateEvent{Connected: true})
		result <- nil
		return

	case StateConnecting, StateTCPConnected, StateHandshaking, StateSubscribing:
		s.waiters = append(s.waiters, result)
		return

	case StateIdle:
		s.registry.Clear()
		for _, sub := range s.options.subscriptions {
			if err := s.registry.Add(sub.filter, sub.qos, sub.handler); err != nil {
				s.logger.Warn("subscription not registered", LogFields{LogFieldTopic: sub.filter, LogFieldError: err.Error()})
			}
		}
	}

	s.waiters = append(s.waiters, result)
	s.reconnectTimer.Stop()
	s.attempt = 0
	s.backoff = 0
	s.startConnect()
}

func (s *Session) startConnect() {
	u, err := BrokerAddress(s.options.broker, s.options.port)
	if err != nil {
		s.setState(StateConnecting)
		s.fail(NewIOError("resolve", err))
		return
	}

	s.setState(StateConnecting)
	s.gen++
	gen := s.gen

	s.transport.Reset()
	if s.options.cleanSession {
		clear(s.inbound)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.dialCancel = cancel
	if s.options.connectTimeout > 0 {
		s.connectTimer.Restart(s.options.connectTimeout)
	}

	s.logger.Info("connecting", LogFields{"address": u.String()})

	go func() {
		conn, err := dialBroker(ctx, s.options, u)
		if !s.post(func() { s.onDialed(gen, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (s *Session) onDialed(gen uint64, conn net.Conn, err error) {
	if gen != s.gen || s.State() != StateConnecting {
		if conn != nil {
			conn.Close()
		}
		return
	}

	s.connectTimer.Stop()
	s.dialCancel()
	s.dialCancel = nil

	if err != nil {
		s.fail(err)
		return
	}

	s.conn = conn
	s.setState(StateTCPConnected)
	go s.readLoop(conn, gen)

	if err := s.sendConnect(); err != nil {
		s.fail(err)
	}
}

func (s *Session) sendConnect() error {
	o := s.options
	pkt := &ConnectPacket{
		ClientID:     o.clientID,
		CleanSession: o.cleanSession,
		KeepAlive:    o.keepAlive,
		Username:     o.username,
		Password:     o.password,
		WillFlag:     o.willFlag,
		WillTopic:    o.willTopic,
		WillPayload:  o.willPayload,
		WillQoS:      o.willQoS,
		WillRetain:   o.willRetain,
	}
	if o.username == "" {
		pkt.Password = nil
	}

	frame, err := EncodePacket(pkt, uint32(o.txSize))
	if err != nil {
		return err
	}

	s.setState(StateHandshaking)
	return s.issue(&PendingCommand{Type: PacketCONNECT, Ack: PacketCONNACK, Frame: frame})
}

// sendSubscriptions subscribes every registered filter in one SUBSCRIBE.
// With nothing to subscribe the session is established immediately.
func (s *Session) sendSubscriptions() error {
	subs := s.registry.Subscriptions()
	if len(subs) == 0 {
		s.established()
		return nil
	}

	filters := make([]string, len(subs))
	for i, sub := range subs {
		filters[i] = sub.TopicFilter
	}

	id := s.ids.Next()
	frame, err := EncodePacket(&SubscribePacket{PacketID: id, Subscriptions: subs}, uint32(s.options.txSize))
	if err != nil {
		return err
	}

	return s.issue(&PendingCommand{
		Type:     PacketSUBSCRIBE,
		Ack:      PacketSUBACK,
		PacketID: id,
		Frame:    frame,
		Filters:  filters,
	})
}

func (s *Session) established() {
	s.setState(StateConnected)
	s.attempt = 0
	s.backoff = 0
	s.restartKeepAlive()
	s.metrics.connected()

	s.logger.Info("connected", nil)
	s.emit(ConnectionStateEvent{Connected: true})
	s.notifyWaiters(nil)
}

// Publish sends an application message. QoS 0 returns once the frame is
// handed to the transport; QoS 1 and 2 wait for the acknowledgment flow
// to complete, be abandoned, or for ctx to end. Producer interceptors may
// rewrite or drop the message first.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if qos > 2 {
		return ErrInvalidQoS
	}

	done := make(chan error, 1)
	var err error
	if callErr := s.call(func() { err = s.startPublish(topic, payload, qos, retain, done) }); callErr != nil {
		return callErr
	}
	if err != nil || qos == 0 {
		return err
	}
	return s.wait(ctx, done)
}

func (s *Session) startPublish(topic string, payload []byte, qos byte, retain bool, done chan error) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}

	msg := applyProducerInterceptors(s.logger, s.options.producerInterceptors,
		&Message{Topic: topic, Payload: payload, QoS: qos, Retain: retain})
	if msg == nil {
		done <- nil
		return nil
	}
	topic, qos = msg.Topic, msg.QoS

	pkt := &PublishPacket{Topic: topic, Payload: msg.Payload, QoS: qos, Retain: msg.Retain}
	if qos == 0 {
		if err := s.send(pkt); err != nil {
			return err
		}
		s.metrics.messageSent(0)
		done <- nil
		return nil
	}

	if s.tracker.Busy() {
		return ErrCommandPending
	}

	pkt.PacketID = NextPacketID(s.ids.Last())
	frame, err := EncodePacket(pkt, uint32(s.options.txSize))
	if err != nil {
		return err
	}
	s.ids.Next()

	ack := PacketPUBACK
	if qos == 2 {
		ack = PacketPUBREC
	}

	if err := s.issue(&PendingCommand{
		Type:     PacketPUBLISH,
		Ack:      ack,
		PacketID: pkt.PacketID,
		Frame:    frame,
		Topic:    topic,
		done:     done,
	}); err != nil {
		return err
	}
	s.metrics.messageSent(qos)
	return nil
}

// Subscribe registers handler for filter and waits for the SUBACK. A full
// topic table fails with a CapacityError before anything is sent; a
// refused subscription is removed again and returns a SubscribeError.
func (s *Session) Subscribe(ctx context.Context, filter string, qos byte, handler MessageHandler) error {
	done := make(chan error, 1)
	var err error
	if callErr := s.call(func() { err = s.startSubscribe(filter, qos, handler, done) }); callErr != nil {
		return callErr
	}
	if err != nil {
		return err
	}
	return s.wait(ctx, done)
}

func (s *Session) startSubscribe(filter string, qos byte, handler MessageHandler, done chan error) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	if s.tracker.Busy() {
		return ErrCommandPending
	}

	existed := s.registry.Contains(filter)
	if err := s.registry.Add(filter, qos, handler); err != nil {
		return err
	}

	id := NextPacketID(s.ids.Last())
	pkt := &SubscribePacket{PacketID: id, Subscriptions: []Subscription{{TopicFilter: filter, QoS: qos}}}
	frame, err := EncodePacket(pkt, uint32(s.options.txSize))
	if err == nil {
		s.ids.Next()
		err = s.issue(&PendingCommand{
			Type:     PacketSUBSCRIBE,
			Ack:      PacketSUBACK,
			PacketID: id,
			Frame:    frame,
			Filters:  []string{filter},
			done:     done,
		})
	}
	if err != nil && !existed {
		s.registry.Remove(filter)
	}
	return err
}

// Unsubscribe unsubscribes filter and waits for the UNSUBACK, which removes
// the filter from the topic table.
func (s *Session) Unsubscribe(ctx context.Context, filter string) error {
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}

	done := make(chan error, 1)
	var err error
	if callErr := s.call(func() { err = s.startUnsubscribe(filter, done) }); callErr != nil {
		return callErr
	}
	if err != nil {
		return err
	}
	return s.wait(ctx, done)
}

func (s *Session) startUnsubscribe(filter string, done chan error) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	if s.tracker.Busy() {
		return ErrCommandPending
	}

	id := NextPacketID(s.ids.Last())
	frame, err := EncodePacket(&UnsubscribePacket{PacketID: id, TopicFilters: []string{filter}}, uint32(s.options.txSize))
	if err != nil {
		return err
	}
	s.ids.Next()

	return s.issue(&PendingCommand{
		Type:     PacketUNSUBSCRIBE,
		Ack:      PacketUNSUBACK,
		PacketID: id,
		Frame:    frame,
		Filters:  []string{filter},
		done:     done,
	})
}

// Disconnect sends DISCONNECT when connected, closes the socket, stops all
// timers and returns the session to Idle. It always emits a disconnected
// event.
func (s *Session) Disconnect() error {
	return s.call(s.disconnect)
}

func (s *Session) disconnect() {
	s.reconnectTimer.Stop()

	if s.conn != nil && s.State() == StateConnected && !s.writing && s.transport.BytesLeft() == 0 {
		if s.options.writeTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.options.writeTimeout))
		}
		if n, err := WritePacket(s.conn, &DisconnectPacket{}, 0); err != nil {
			s.logger.Debug("disconnect not sent", LogFields{LogFieldError: err.Error()})
		} else {
			s.metrics.packetSent(PacketDISCONNECT)
			s.metrics.bytesSent(n)
		}
	}

	s.teardown(ErrNotConnected)
	s.attempt = 0
	s.backoff = 0
	s.setState(StateIdle)

	s.logger.Info("disconnected", nil)
	s.emit(ConnectionStateEvent{})
	s.notifyWaiters(ErrNotConnected)
}

// Close disconnects and stops the session loop. The session cannot be
// used afterwards.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	<-s.finished
	return nil
}

// issue tracks cmd as the in-flight command, transmits it and arms the
// command timer.
func (s *Session) issue(cmd *PendingCommand) error {
	if err := s.tracker.Track(cmd); err != nil {
		return err
	}
	if err := s.sendFrame(cmd.Frame); err != nil {
		s.tracker.Clear()
		return err
	}

	s.logger.Debug("command sent", LogFields{
		LogFieldPacketType: cmd.Type.String(),
		LogFieldPacketID:   cmd.PacketID,
	})
	s.commandTimer.Restart(s.options.commandTimeout)
	return nil
}

func (s *Session) send(pkt Packet) error {
	frame, err := EncodePacket(pkt, uint32(s.options.txSize))
	if err != nil {
		return err
	}
	return s.sendFrame(frame)
}

func (s *Session) sendFrame(frame []byte) error {
	if s.conn == nil {
		return ErrNotConnected
	}

	loaded, err := s.transport.Send(frame)
	if err != nil {
		return err
	}
	s.metrics.packetSent(PacketType(frame[0] >> 4))
	if loaded {
		s.flush()
	}
	return nil
}

// flush issues a write of the pending transmit bytes unless one is
// already in progress. The transmit buffer is not modified until the
// write result is back on the loop.
func (s *Session) flush() {
	if s.writing || s.conn == nil || s.transport.BytesLeft() == 0 {
		return
	}

	s.writing = true
	conn, gen, data := s.conn, s.gen, s.transport.Pending()
	timeout := s.options.writeTimeout

	go func() {
		if timeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		}
		n, err := conn.Write(data)
		s.post(func() { s.onWritten(gen, n, err) })
	}()
}

func (s *Session) onWritten(gen uint64, n int, err error) {
	if gen != s.gen {
		return
	}
	s.writing = false
	s.metrics.bytesSent(n)

	frameDone, more := s.transport.Advance(n)
	if err != nil && !isTimeout(err) {
		s.fail(NewIOError("write", err))
		return
	}
	if err != nil {
		s.logger.Debug("write blocked, resuming", LogFields{LogFieldBytes: s.transport.BytesLeft()})
	}

	if frameDone {
		s.restartKeepAlive()
	}
	if !frameDone || more {
		s.flush()
	}
}

func (s *Session) readLoop(conn net.Conn, gen uint64) {
	buf := make([]byte, s.options.rxSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if !s.post(func() { s.onRead(gen, data) }) {
				return
			}
		}
		if err != nil {
			s.post(func() { s.onReadError(gen, err) })
			return
		}
	}
}

func (s *Session) onRead(gen uint64, data []byte) {
	if gen != s.gen {
		return
	}
	s.metrics.bytesReceived(len(data))

	err := s.transport.Receive(data, s.handlePacket)
	if err != nil && !errors.Is(err, errTornDown) {
		s.fail(err)
	}
}

func (s *Session) onReadError(gen uint64, err error) {
	if gen != s.gen {
		return
	}

	switch {
	case errors.Is(err, io.EOF):
		err = NewIOError("read", ErrPeerClosed)
	case errors.Is(err, ErrProtocol):
	default:
		err = NewIOError("read", err)
	}
	s.fail(err)
}

func (s *Session) restartKeepAlive() {
	if s.options.keepAlive == 0 || s.State() != StateConnected {
		return
	}
	s.keepAliveTimer.Restart(time.Duration(s.options.keepAlive) * time.Second)
}

func (s *Session) onConnectTimeout() {
	if s.State() != StateConnecting {
		return
	}
	s.fail(NewIOError("dial", ErrConnectTimeout))
}

func (s *Session) onCommandTimeout() {
	cmd, err := s.tracker.Expire()
	if cmd == nil {
		return
	}

	fields := LogFields{
		LogFieldPacketType: cmd.Type.String(),
		LogFieldPacketID:   cmd.PacketID,
		LogFieldRetries:    cmd.Retries,
	}

	if err != nil {
		s.logger.Error("command abandoned", fields)
		cmd.complete(err)
		s.fail(err)
		return
	}

	s.logger.Warn("command timed out, resending", fields)
	s.metrics.commandRetried(cmd.Type)

	// A frame still draining is the command itself or queued before it.
	if s.transport.BytesLeft() == 0 {
		if err := s.sendFrame(cmd.Frame); err != nil {
			s.fail(err)
			return
		}
	}
	s.commandTimer.Restart(s.options.commandTimeout)
}

func (s *Session) onKeepAlive() {
	if s.State() != StateConnected {
		return
	}
	if err := s.send(&PingreqPacket{}); err != nil {
		s.fail(err)
		return
	}
	if s.options.pingTimeout > 0 {
		s.pingTimer.Start(s.options.pingTimeout)
	}
}

func (s *Session) onPingTimeout() {
	if s.State() != StateConnected {
		return
	}
	s.fail(ErrPingTimeout)
}

func (s *Session) onSubscribeRetry() {
	if s.State() != StateSubscribing {
		return
	}
	if err := s.sendSubscriptions(); err != nil {
		s.fail(err)
	}
}

func (s *Session) onReconnect() {
	if s.State() != StateDisconnected {
		return
	}
	s.logger.Info("reconnecting", LogFields{"attempt": s.attempt})
	s.startConnect()
}

// fail tears the connection down after err and reports it. Failures that
// a new connection can cure schedule a reconnect.
func (s *Session) fail(err error) {
	if s.State() == StateIdle {
		return
	}

	connectErr, subscribeErr, retry := classifyFailure(err)

	s.logger.Warn("connection failed", LogFields{
		LogFieldState: s.State().String(),
		LogFieldError: err.Error(),
	})

	s.teardown(err)
	s.setState(StateDisconnected)
	s.emit(ConnectionStateEvent{
		ConnectError:   connectErr,
		SubscribeError: subscribeErr,
		Err:            err,
	})
	s.notifyWaiters(err)

	if retry && s.options.autoReconnect {
		s.scheduleReconnect(err)
	}
}

// classifyFailure maps a failure to the connection state event codes and
// reports whether reconnecting may help.
func classifyFailure(err error) (connectErr, subscribeErr int, retry bool) {
	var refused *ConnectError
	var subErr *SubscribeError

	switch {
	case errors.As(err, &refused):
		return int(refused.ReturnCode), 0, false
	case errors.As(err, &subErr):
		return 0, int(subErr.Code), false
	case errors.Is(err, ErrRetriesExhausted):
		return ConnectErrRetriesExhausted, 0, false
	case errors.Is(err, ErrIO), errors.Is(err, ErrPingTimeout), errors.Is(err, ErrConnectTimeout):
		return ConnectErrIO, 0, true
	default:
		return ConnectErrProtocol, 0, true
	}
}

// teardown closes the socket, stops the connection timers and fails the
// in-flight command with err.
func (s *Session) teardown(err error) {
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.gen++
	s.metrics.disconnected()

	s.connectTimer.Stop()
	s.commandTimer.Stop()
	s.keepAliveTimer.Stop()
	s.pingTimer.Stop()
	s.subscribeTimer.Stop()

	if s.writing {
		// The old writer may still read the transmit buffer.
		s.transport = NewTransport(s.options.txSize, s.options.rxSize, s.options.txBacklog)
		s.writing = false
	} else {
		s.transport.Reset()
	}

	if cmd := s.tracker.Pending(); cmd != nil {
		cmd.complete(err)
		s.tracker.Clear()
	}
}

func (s *Session) scheduleReconnect(err error) {
	s.attempt++
	s.metrics.reconnectScheduled()

	switch {
	case s.backoff == 0:
		s.backoff = s.options.reconnectBackoff
	case s.options.backoffStrategy != nil:
		s.backoff = s.options.backoffStrategy(s.attempt, s.backoff, err)
	default:
		s.backoff *= 2
	}
	if s.backoff > s.options.maxBackoff {
		s.backoff = s.options.maxBackoff
	}

	s.logger.Info("reconnect scheduled", LogFields{"attempt": s.attempt, "backoff": s.backoff.String()})
	s.reconnectTimer.Restart(s.backoff)
}

func (s *Session) emit(ev ConnectionStateEvent) {
	if s.options.stateHandler != nil {
		s.options.stateHandler(ev)
	}
}

func (s *Session) notifyWaiters(err error) {
	for _, w := range s.waiters {
		select {
		case w <- err:
		default:
		}
	}
	s.waiters = s.waiters[:0]
}
