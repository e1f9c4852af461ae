// Package control is the channel between mqttctl and a running agent:
// newline-delimited JSON requests and responses over a unix socket.
package control

import (
	"errors"

	jsoniter "github.com/json-iterator/go"

	"github.com/vitalvas/mqttv3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Operations.
const (
	OpConnect         = "connect"
	OpDisconnect      = "disconnect"
	OpSend            = "send"
	OpConfigure       = "configure"
	OpStatus          = "status"
	OpSubscribeEvents = "subscribe-events"
)

// Event types.
const (
	EventState   = "state"
	EventMessage = "message"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("control: server closed")

// Request is one command sent to the agent.
type Request struct {
	Op string `json:"op"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`

	// Configure fields; -1 or empty leaves a field unchanged.
	URL       string `json:"url,omitempty"`
	Port      int    `json:"port,omitempty"`
	KeepAlive int    `json:"keep_alive,omitempty"`
	QoS       int    `json:"qos,omitempty"`
}

// ConfigureRequest builds a configure request.
func ConfigureRequest(url string, port, keepAlive, qos int) Request {
	return Request{Op: OpConfigure, URL: url, Port: port, KeepAlive: keepAlive, QoS: qos}
}

// Response answers one request.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	Status   *mqttv3.ManagerStatus `json:"status,omitempty"`
	Previous *mqttv3.BrokerConfig  `json:"previous,omitempty"`
	Broker   *mqttv3.BrokerConfig  `json:"broker,omitempty"`
}

// Err returns the response error, nil when OK.
func (r *Response) Err() error {
	if r.OK {
		return nil
	}
	return &RemoteError{Message: r.Error}
}

// RemoteError is an error reported by the agent.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "agent: " + e.Message
}

// StateEvent mirrors mqttv3.ConnectionStateEvent on the wire.
type StateEvent struct {
	Connected      bool   `json:"connected"`
	ConnectError   int    `json:"connect_error"`
	SubscribeError int    `json:"subscribe_error"`
	Error          string `json:"error,omitempty"`
}

// Event is streamed to subscribe-events clients.
type Event struct {
	Type    string                  `json:"type"`
	State   *StateEvent             `json:"state,omitempty"`
	Message *mqttv3.IncomingMessage `json:"message,omitempty"`
}

func stateEvent(ev mqttv3.ConnectionStateEvent) Event {
	se := &StateEvent{
		Connected:      ev.Connected,
		ConnectError:   ev.ConnectError,
		SubscribeError: ev.SubscribeError,
	}
	if ev.Err != nil {
		se.Error = ev.Err.Error()
	}
	return Event{Type: EventState, State: se}
}

func messageEvent(msg mqttv3.IncomingMessage) Event {
	return Event{Type: EventMessage, Message: &msg}
}
