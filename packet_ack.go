package mqttv3

import "io"

// encodeAck writes a packet whose body is only a packet identifier
// (PUBACK, PUBREC, PUBREL, PUBCOMP, UNSUBACK).
func encodeAck(w io.Writer, packetType PacketType, flags byte, id uint16) (int, error) {
	header := FixedHeader{
		PacketType:      packetType,
		Flags:           flags,
		RemainingLength: 2,
	}

	n, err := header.Encode(w)
	if err != nil {
		return n, err
	}

	n2, err := encodeUint16(w, id)
	return n + n2, err
}

func decodeAck(r io.Reader, header FixedHeader, packetType PacketType) (uint16, int, error) {
	if header.PacketType != packetType {
		return 0, 0, ErrInvalidPacketType
	}
	if header.RemainingLength != 2 {
		return 0, 0, NewProtocolError(packetType, "remaining length must be 2")
	}

	id, n, err := decodeUint16(r)
	if err != nil {
		return 0, n, err
	}
	if id == 0 {
		return id, n, NewProtocolError(packetType, "packet identifier must not be zero")
	}
	return id, n, nil
}

func validateAckID(packetType PacketType, id uint16) error {
	if id == 0 {
		return NewProtocolError(packetType, "packet identifier must not be zero")
	}
	return nil
}

// PubackPacket acknowledges a QoS 1 PUBLISH.
type PubackPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubackPacket) Type() PacketType { return PacketPUBACK }

// GetPacketID returns the packet identifier.
func (p *PubackPacket) GetPacketID() uint16 { return p.PacketID }

// Encode writes the packet to the writer.
func (p *PubackPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBACK, 0x00, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *PubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	var n int
	var err error
	p.PacketID, n, err = decodeAck(r, header, PacketPUBACK)
	return n, err
}

// Validate validates the packet contents.
func (p *PubackPacket) Validate() error { return validateAckID(PacketPUBACK, p.PacketID) }

// PubrecPacket is the first acknowledgment of a QoS 2 PUBLISH.
type PubrecPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubrecPacket) Type() PacketType { return PacketPUBREC }

// GetPacketID returns the packet identifier.
func (p *PubrecPacket) GetPacketID() uint16 { return p.PacketID }

// Encode writes the packet to the writer.
func (p *PubrecPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBREC, 0x00, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *PubrecPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	var n int
	var err error
	p.PacketID, n, err = decodeAck(r, header, PacketPUBREC)
	return n, err
}

// Validate validates the packet contents.
func (p *PubrecPacket) Validate() error { return validateAckID(PacketPUBREC, p.PacketID) }

// PubrelPacket releases a QoS 2 PUBLISH. Its fixed header flags are 0x02.
type PubrelPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubrelPacket) Type() PacketType { return PacketPUBREL }

// GetPacketID returns the packet identifier.
func (p *PubrelPacket) GetPacketID() uint16 { return p.PacketID }

// Encode writes the packet to the writer.
func (p *PubrelPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBREL, 0x02, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *PubrelPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	var n int
	var err error
	p.PacketID, n, err = decodeAck(r, header, PacketPUBREL)
	return n, err
}

// Validate validates the packet contents.
func (p *PubrelPacket) Validate() error { return validateAckID(PacketPUBREL, p.PacketID) }

// PubcompPacket completes a QoS 2 exchange.
type PubcompPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubcompPacket) Type() PacketType { return PacketPUBCOMP }

// GetPacketID returns the packet identifier.
func (p *PubcompPacket) GetPacketID() uint16 { return p.PacketID }

// Encode writes the packet to the writer.
func (p *PubcompPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBCOMP, 0x00, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *PubcompPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	var n int
	var err error
	p.PacketID, n, err = decodeAck(r, header, PacketPUBCOMP)
	return n, err
}

// Validate validates the packet contents.
func (p *PubcompPacket) Validate() error { return validateAckID(PacketPUBCOMP, p.PacketID) }

// UnsubackPacket acknowledges an UNSUBSCRIBE.
type UnsubackPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *UnsubackPacket) Type() PacketType { return PacketUNSUBACK }

// GetPacketID returns the packet identifier.
func (p *UnsubackPacket) GetPacketID() uint16 { return p.PacketID }

// Encode writes the packet to the writer.
func (p *UnsubackPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketUNSUBACK, 0x00, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *UnsubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	var n int
	var err error
	p.PacketID, n, err = decodeAck(r, header, PacketUNSUBACK)
	return n, err
}

// Validate validates the packet contents.
func (p *UnsubackPacket) Validate() error { return validateAckID(PacketUNSUBACK, p.PacketID) }
