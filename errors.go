package mqttv3

import (
	"errors"
	"fmt"
)

// Error classes - check with errors.Is().
var (
	// ErrIO covers socket, dial and DNS failures. The session falls back to
	// its reconnect timer.
	ErrIO = errors.New("io error")

	// ErrProtocol covers malformed packets, packet-id mismatches and
	// CONNACK rejections. The session is torn down.
	ErrProtocol = errors.New("protocol error")

	// ErrCapacity is returned synchronously when a fixed-size resource
	// (topic table, transmit/receive buffer, backlog) cannot take more.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrNotConnected is returned when an operation requires the Connected state.
	ErrNotConnected = errors.New("not connected")
)

// Sentinel errors for specific conditions - check with errors.Is().
var (
	// ErrAuthFailed wraps CONNACK return codes 4 and 5.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRetriesExhausted is reported when a command was not acknowledged
	// after the maximum number of retries.
	ErrRetriesExhausted = errors.New("command retries exhausted")

	// ErrPingTimeout is reported when no PINGRESP arrives in time.
	ErrPingTimeout = errors.New("ping response timeout")

	// ErrConnectTimeout is reported when the TCP connection is not
	// established before the connect timer fires.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrPeerClosed is reported when the broker closes the connection.
	ErrPeerClosed = errors.New("connection closed by peer")

	// ErrCommandPending is returned when a QoS 1/2 publish, subscribe or
	// unsubscribe is attempted while another command awaits its ack.
	ErrCommandPending = errors.New("another command is awaiting acknowledgment")

	// ErrSubscribeFailed is reported when the broker refuses a subscription.
	ErrSubscribeFailed = errors.New("subscribe failed")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrInvalidQoS is returned for QoS values other than 0, 1 and 2.
	ErrInvalidQoS = errors.New("invalid QoS level")
)

// IOError contains details about a transport failure.
// Extract with errors.As().
type IOError struct {
	err   error
	Op    string
	Cause error
}

func (e *IOError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("io error: %s: %v", e.Op, e.Cause)
	}
	return "io error: " + e.Op
}

func (e *IOError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.err}
	}
	return []error{e.err, e.Cause}
}

// NewIOError creates a new IOError for the failed operation.
func NewIOError(op string, cause error) *IOError {
	return &IOError{
		err:   ErrIO,
		Op:    op,
		Cause: cause,
	}
}

// ProtocolError contains details about a protocol violation.
// Extract with errors.As().
type ProtocolError struct {
	err        error
	Reason     string
	PacketType PacketType
}

func (e *ProtocolError) Error() string {
	if e.PacketType != 0 {
		return "protocol error: " + e.PacketType.String() + ": " + e.Reason
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.err }

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(pt PacketType, reason string) *ProtocolError {
	return &ProtocolError{
		err:        ErrProtocol,
		Reason:     reason,
		PacketType: pt,
	}
}

// ConnectError contains the CONNACK return code of a refused connection.
// Extract with errors.As().
type ConnectError struct {
	err        error
	ReturnCode ConnackCode
}

func (e *ConnectError) Error() string {
	return "connect refused: " + e.ReturnCode.String()
}

func (e *ConnectError) Unwrap() []error {
	if e.err == ErrProtocol {
		return []error{e.err}
	}
	return []error{e.err, ErrProtocol}
}

// NewConnectError creates a new ConnectError from a return code.
func NewConnectError(code ConnackCode) *ConnectError {
	baseErr := ErrProtocol
	if code == ConnackBadCredentials || code == ConnackNotAuthorized {
		baseErr = ErrAuthFailed
	}
	return &ConnectError{
		err:        baseErr,
		ReturnCode: code,
	}
}

// CapacityError contains details about an exhausted fixed-size resource.
// Extract with errors.As().
type CapacityError struct {
	err      error
	Resource string
	Limit    int
	Size     int
}

func (e *CapacityError) Error() string {
	if e.Size > 0 {
		return fmt.Sprintf("capacity exceeded: %s: %d > %d", e.Resource, e.Size, e.Limit)
	}
	return fmt.Sprintf("capacity exceeded: %s: limit %d", e.Resource, e.Limit)
}

func (e *CapacityError) Unwrap() error { return e.err }

// NewCapacityError creates a new CapacityError.
func NewCapacityError(resource string, limit, size int) *CapacityError {
	return &CapacityError{
		err:      ErrCapacity,
		Resource: resource,
		Limit:    limit,
		Size:     size,
	}
}

// SubscribeError contains the SUBACK failure code of a refused
// subscription. Extract with errors.As().
type SubscribeError struct {
	Filters []string
	Code    byte
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe failed: %v: code 0x%02x", e.Filters, e.Code)
}

func (e *SubscribeError) Unwrap() error { return ErrSubscribeFailed }

// ConnectionStateEvent is delivered on every connect success or failure and
// on disconnect.
type ConnectionStateEvent struct {
	Connected bool

	// ConnectError is the CONNACK return code of a refused connection, or
	// one of the ConnectErr* values for failures that have no return code.
	ConnectError int

	// SubscribeError is the SUBACK failure code when the inbound
	// subscription was refused twice.
	SubscribeError int

	// Err is the underlying cause, nil for an orderly connect or disconnect.
	Err error
}

// Connect error codes that do not come from a CONNACK.
const (
	ConnectErrIO               = -1
	ConnectErrRetriesExhausted = -2
	ConnectErrProtocol         = -3
)

func (e ConnectionStateEvent) String() string {
	if e.Connected {
		return "connected"
	}
	if e.Err != nil {
		return fmt.Sprintf("disconnected (connect=%d, subscribe=%d): %v", e.ConnectError, e.SubscribeError, e.Err)
	}
	return fmt.Sprintf("disconnected (connect=%d, subscribe=%d)", e.ConnectError, e.SubscribeError)
}
