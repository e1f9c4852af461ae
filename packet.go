package mqttv3

import "io"

// Packet is the interface that all MQTT control packets implement.
type Packet interface {
	// Type returns the packet type.
	Type() PacketType

	// Encode writes the packet, fixed header included, to the writer.
	// Returns the number of bytes written.
	Encode(w io.Writer) (int, error)

	// Decode reads the packet body from the reader.
	// The fixed header should already be decoded.
	Decode(r io.Reader, header FixedHeader) (int, error)

	// Validate validates the packet contents.
	Validate() error
}

// PacketWithID is implemented by packets that carry a packet identifier.
type PacketWithID interface {
	Packet

	// GetPacketID returns the packet identifier.
	GetPacketID() uint16
}

// Message is an application message. Inbound messages are built from a
// PUBLISH packet and handed to exactly one handler; outbound messages only
// exist while producer interceptors run.
type Message struct {
	// Topic is the topic name the message was published to.
	Topic string

	// Payload is the raw application payload.
	Payload []byte

	// QoS is the delivery QoS of the PUBLISH.
	QoS byte

	// Retain is set when the broker delivered a retained message.
	Retain bool

	// DUP is set when the broker flagged a redelivery.
	DUP bool

	// PacketID is the identifier of a QoS 1/2 PUBLISH, zero otherwise.
	PacketID uint16
}

// MessageHandler receives inbound messages. Handlers run on the session
// loop: they must not block and must not call blocking Session methods.
type MessageHandler func(msg *Message)
