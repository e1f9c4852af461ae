// Package mqttv3 implements an MQTT 3.1 client protocol engine for
// constrained devices that keep a single broker connection, publish
// telemetry and receive commands.
//
// The engine is organised as a stack:
//
//   - Packet codec: MQTT 3.1 control packets (CONNECT .. DISCONNECT).
//   - Transport: fixed-size transmit and receive buffers with partial-write
//     resume and frame-at-a-time parsing.
//   - Session: the connection state machine with connect-timeout,
//     command-retry and keepalive timers, the packet-ID allocator and the
//     acknowledgment tracker.
//   - TopicRegistry: a fixed-capacity table of subscription filters with
//     '+' and '#' wildcards and a default handler.
//   - Envelope codec: the JSON telemetry, command and acknowledgment
//     payloads carried inside PUBLISH packets.
//   - ConnectionManager: bearer (connectivity) notifications, the device
//     topics and connection-state / incoming-message notifications.
//
// # Session
//
// A Session runs its own event loop. Socket readiness and timer expiry are
// delivered to that loop, and every state change happens on it:
//
//	s := mqttv3.NewSession(
//	    mqttv3.WithBroker("tcp://broker.example.com:1883"),
//	    mqttv3.WithCredentials("device-1", "secret"),
//	    mqttv3.WithSubscription("device-1/tasks/json", 0, onTask),
//	    mqttv3.WithStateHandler(onState),
//	)
//	defer s.Close()
//
//	if err := s.Connect(ctx); err != nil {
//	    return err
//	}
//
// Connect waits for the first outcome of the attempt. Every later change,
// including background reconnects, is reported as a ConnectionStateEvent.
// Session activity can be counted with WithMetrics and a MemoryMetrics.
// WithProducerInterceptors and WithConsumerInterceptors rewrite or drop
// messages on their way to the broker and to the handlers.
//
// # Connection manager
//
// ConnectionManager hosts one Session per device and speaks the
// <deviceId>/messages/json, <deviceId>/tasks/json and <deviceId>/acks/json
// topic convention:
//
//	m := mqttv3.NewConnectionManager("359377060000000")
//	m.AddConnectionStateHandler(func(ev mqttv3.ConnectionStateEvent) { ... })
//	m.AddIncomingMessageHandler(func(msg mqttv3.IncomingMessage) { ... })
//	m.Connect("", "secret")
//	m.Publish("temperature", "21.5")
//
// # Transports
//
// Broker URLs select the transport: tcp:// and mqtt:// (default port
// 1883), ws:// (MQTT over WebSocket) and unix://. HTTP CONNECT and SOCKS5
// proxies are supported through WithProxy and WithProxyFromEnvironment.
package mqttv3
