package mqttv3

import (
	"bytes"
	"fmt"
)

// MaxPacketID is the largest packet identifier. Zero is reserved.
const MaxPacketID = 65535

// DefaultMaxRetries is the number of command timeouts after which a
// command is abandoned.
const DefaultMaxRetries = 10

// NextPacketID returns the identifier following id: id+1, wrapping from
// 65535 back to 1. It never returns 0.
func NextPacketID(id uint16) uint16 {
	if id >= MaxPacketID {
		return 1
	}
	return id + 1
}

// PacketIDAllocator hands out packet identifiers from a monotonically
// increasing counter in [1, 65535].
type PacketIDAllocator struct {
	last uint16
}

// Next allocates the next identifier.
func (a *PacketIDAllocator) Next() uint16 {
	a.last = NextPacketID(a.last)
	return a.last
}

// Last returns the most recently allocated identifier, 0 before the first.
func (a *PacketIDAllocator) Last() uint16 {
	return a.last
}

// PendingCommand is the outbound control packet awaiting acknowledgment.
type PendingCommand struct {
	// Type is the command packet type: CONNECT, PUBLISH, PUBREL,
	// SUBSCRIBE or UNSUBSCRIBE.
	Type PacketType

	// Ack is the packet type that completes (or advances) the command.
	Ack PacketType

	// PacketID is zero for CONNECT.
	PacketID uint16

	// Frame is the encoded packet, resent verbatim (DUP set for PUBLISH).
	Frame []byte

	// Retries counts command timeouts so far.
	Retries int

	// Topic is the PUBLISH topic; Filters are the SUBSCRIBE/UNSUBSCRIBE filters.
	Topic   string
	Filters []string

	// done receives the outcome once the command completes or is abandoned.
	done chan error
}

// complete reports the outcome to the waiting caller, if any.
func (c *PendingCommand) complete(err error) {
	if c.done == nil {
		return
	}
	select {
	case c.done <- err:
	default:
	}
}

// AckTracker holds the single in-flight command and validates that each
// acknowledgment echoes its packet identifier.
type AckTracker struct {
	pending    *PendingCommand
	maxRetries int
}

// NewAckTracker creates a tracker that gives up after maxRetries timeouts.
func NewAckTracker(maxRetries int) *AckTracker {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &AckTracker{maxRetries: maxRetries}
}

// Track makes cmd the in-flight command. Only one command may be
// outstanding at a time.
func (t *AckTracker) Track(cmd *PendingCommand) error {
	if t.pending != nil {
		return ErrCommandPending
	}
	t.pending = cmd
	return nil
}

// Pending returns the in-flight command, or nil.
func (t *AckTracker) Pending() *PendingCommand {
	return t.pending
}

// Busy reports whether a command awaits acknowledgment.
func (t *AckTracker) Busy() bool {
	return t.pending != nil
}

// Clear forgets the in-flight command.
func (t *AckTracker) Clear() {
	t.pending = nil
}

// Acknowledge matches an inbound acknowledgment against the in-flight
// command. An unexpected ack type or an identifier that differs from the
// command's is a ProtocolError. On success the command is returned and
// the tracker is free again.
func (t *AckTracker) Acknowledge(ack PacketType, id uint16) (*PendingCommand, error) {
	cmd := t.pending
	if cmd == nil {
		return nil, NewProtocolError(ack, "no command awaiting acknowledgment")
	}
	if cmd.Ack != ack {
		return nil, NewProtocolError(ack, fmt.Sprintf("expected %s for pending %s", cmd.Ack, cmd.Type))
	}
	if ack != PacketCONNACK && id != cmd.PacketID {
		return nil, NewProtocolError(ack, fmt.Sprintf("packet id %d does not match pending %d", id, cmd.PacketID))
	}

	t.pending = nil
	return cmd, nil
}

// Expire records a command timeout. While retries remain it returns the
// command for resending; on the maxRetries-th timeout the command is
// dropped and ErrRetriesExhausted is returned.
func (t *AckTracker) Expire() (*PendingCommand, error) {
	cmd := t.pending
	if cmd == nil {
		return nil, nil
	}

	cmd.Retries++
	if cmd.Retries >= t.maxRetries {
		t.pending = nil
		return cmd, ErrRetriesExhausted
	}

	// The first resend gets its own copy with DUP set; the original frame
	// may still be referenced by the transport.
	if cmd.Type == PacketPUBLISH && len(cmd.Frame) > 0 && cmd.Frame[0]&0x08 == 0 {
		frame := bytes.Clone(cmd.Frame)
		frame[0] |= 0x08
		cmd.Frame = frame
	}
	return cmd, nil
}
