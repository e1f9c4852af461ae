package mqttv3

import (
	"bytes"
	"errors"
	"io"
)

// SubackFailure is the granted-QoS value a broker returns for a refused
// subscription.
const SubackFailure byte = 0x80

// SUBSCRIBE packet errors.
var (
	ErrNoSubscriptions = errors.New("subscribe packet must contain at least one subscription")
)

// Subscription is one topic filter of a SUBSCRIBE packet.
type Subscription struct {
	TopicFilter string
	QoS         byte
}

// SubscribePacket represents an MQTT SUBSCRIBE packet.
type SubscribePacket struct {
	PacketID      uint16
	Subscriptions []Subscription
}

// Type returns the packet type.
func (p *SubscribePacket) Type() PacketType { return PacketSUBSCRIBE }

// GetPacketID returns the packet identifier.
func (p *SubscribePacket) GetPacketID() uint16 { return p.PacketID }

// Encode writes the packet to the writer.
func (p *SubscribePacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	if _, err := encodeUint16(&buf, p.PacketID); err != nil {
		return 0, err
	}
	for _, sub := range p.Subscriptions {
		if _, err := encodeString(&buf, sub.TopicFilter); err != nil {
			return 0, err
		}
		buf.WriteByte(sub.QoS)
	}

	header := FixedHeader{
		PacketType:      PacketSUBSCRIBE,
		Flags:           0x02,
		RemainingLength: uint32(buf.Len()),
	}

	n, err := header.Encode(w)
	if err != nil {
		return n, err
	}

	n2, err := w.Write(buf.Bytes())
	return n + n2, err
}

// Decode reads the packet from the reader.
func (p *SubscribePacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketSUBSCRIBE {
		return 0, ErrInvalidPacketType
	}
	if header.Flags != 0x02 {
		return 0, ErrInvalidPacketFlags
	}

	var total int
	var n int
	var err error

	p.PacketID, n, err = decodeUint16(r)
	total += n
	if err != nil {
		return total, err
	}

	p.Subscriptions = nil
	for total < int(header.RemainingLength) {
		var sub Subscription
		sub.TopicFilter, n, err = decodeString(r)
		total += n
		if err != nil {
			return total, err
		}

		var qos [1]byte
		n, err = io.ReadFull(r, qos[:])
		total += n
		if err != nil {
			return total, err
		}
		sub.QoS = qos[0]
		p.Subscriptions = append(p.Subscriptions, sub)
	}

	return total, p.Validate()
}

// Validate validates the packet contents.
func (p *SubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	if len(p.Subscriptions) == 0 {
		return ErrNoSubscriptions
	}
	for _, sub := range p.Subscriptions {
		if sub.QoS > 2 {
			return ErrInvalidQoS
		}
		if err := ValidateTopicFilter(sub.TopicFilter); err != nil {
			return err
		}
	}
	return nil
}

// SubackPacket represents an MQTT SUBACK packet.
type SubackPacket struct {
	PacketID uint16

	// GrantedQoS holds one entry per requested filter: the granted QoS or
	// SubackFailure.
	GrantedQoS []byte
}

// Type returns the packet type.
func (p *SubackPacket) Type() PacketType { return PacketSUBACK }

// GetPacketID returns the packet identifier.
func (p *SubackPacket) GetPacketID() uint16 { return p.PacketID }

// Failed reports the first refused grant, if any.
func (p *SubackPacket) Failed() (byte, bool) {
	for _, q := range p.GrantedQoS {
		if q > 2 {
			return q, true
		}
	}
	return 0, false
}

// Encode writes the packet to the writer.
func (p *SubackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	header := FixedHeader{
		PacketType:      PacketSUBACK,
		RemainingLength: uint32(2 + len(p.GrantedQoS)),
	}

	n, err := header.Encode(w)
	if err != nil {
		return n, err
	}

	n2, err := encodeUint16(w, p.PacketID)
	n += n2
	if err != nil {
		return n, err
	}

	n2, err = w.Write(p.GrantedQoS)
	return n + n2, err
}

// Decode reads the packet from the reader.
func (p *SubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketSUBACK {
		return 0, ErrInvalidPacketType
	}
	if header.RemainingLength < 3 {
		return 0, NewProtocolError(PacketSUBACK, "missing granted QoS")
	}

	var total int
	var n int
	var err error

	p.PacketID, n, err = decodeUint16(r)
	total += n
	if err != nil {
		return total, err
	}

	p.GrantedQoS = make([]byte, int(header.RemainingLength)-2)
	n, err = io.ReadFull(r, p.GrantedQoS)
	total += n
	if err != nil {
		return total, err
	}

	return total, p.Validate()
}

// Validate validates the packet contents.
func (p *SubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	if len(p.GrantedQoS) == 0 {
		return NewProtocolError(PacketSUBACK, "missing granted QoS")
	}
	for _, q := range p.GrantedQoS {
		if q > 2 && q != SubackFailure {
			return ErrInvalidQoS
		}
	}
	return nil
}
