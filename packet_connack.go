package mqttv3

import "io"

// ConnackCode is the CONNACK return code.
type ConnackCode byte

// CONNACK return codes.
const (
	ConnackAccepted             ConnackCode = 0
	ConnackUnacceptableProtocol ConnackCode = 1
	ConnackIdentifierRejected   ConnackCode = 2
	ConnackServerUnavailable    ConnackCode = 3
	ConnackBadCredentials       ConnackCode = 4
	ConnackNotAuthorized        ConnackCode = 5
	ConnackUnknown              ConnackCode = 0xFF
)

// String returns the string representation of the return code.
func (c ConnackCode) String() string {
	switch c {
	case ConnackAccepted:
		return "accepted"
	case ConnackUnacceptableProtocol:
		return "unacceptable protocol version"
	case ConnackIdentifierRejected:
		return "identifier rejected"
	case ConnackServerUnavailable:
		return "server unavailable"
	case ConnackBadCredentials:
		return "bad user name or password"
	case ConnackNotAuthorized:
		return "not authorized"
	default:
		return "unknown"
	}
}

// ConnackCodeFrom maps a raw return code byte to a ConnackCode; values
// outside 0..5 become ConnackUnknown.
func ConnackCodeFrom(b byte) ConnackCode {
	if b > byte(ConnackNotAuthorized) {
		return ConnackUnknown
	}
	return ConnackCode(b)
}

// ConnackPacket represents an MQTT CONNACK packet.
type ConnackPacket struct {
	// SessionPresent is only meaningful for 3.1.1 brokers; 3.1 reserves the byte.
	SessionPresent bool

	ReturnCode ConnackCode

	// Raw holds the return code byte as received, so codes above 5 survive
	// the mapping to ConnackUnknown.
	Raw byte
}

// Type returns the packet type.
func (p *ConnackPacket) Type() PacketType {
	return PacketCONNACK
}

// Encode writes the packet to the writer.
func (p *ConnackPacket) Encode(w io.Writer) (int, error) {
	header := FixedHeader{
		PacketType:      PacketCONNACK,
		RemainingLength: 2,
	}

	n, err := header.Encode(w)
	if err != nil {
		return n, err
	}

	var ack byte
	if p.SessionPresent {
		ack = 0x01
	}
	code := byte(p.ReturnCode)
	if p.ReturnCode == ConnackUnknown && p.Raw != 0 {
		code = p.Raw
	}

	n2, err := w.Write([]byte{ack, code})
	return n + n2, err
}

// Decode reads the packet from the reader.
func (p *ConnackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketCONNACK {
		return 0, ErrInvalidPacketType
	}
	if header.RemainingLength != 2 {
		return 0, NewProtocolError(PacketCONNACK, "remaining length must be 2")
	}

	var buf [2]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return n, err
	}

	p.SessionPresent = buf[0]&0x01 != 0
	p.Raw = buf[1]
	p.ReturnCode = ConnackCodeFrom(buf[1])
	return n, nil
}

// Validate validates the packet contents.
func (p *ConnackPacket) Validate() error {
	return nil
}
