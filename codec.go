package mqttv3

import (
	"bytes"
	"errors"
	"io"
)

// Codec errors.
var (
	ErrUnknownPacketType = errors.New("mqttv3: unknown packet type")

	// ErrIncompletePacket is returned by ParsePacket when the buffer does
	// not yet hold a complete frame.
	ErrIncompletePacket = errors.New("mqttv3: incomplete packet")
)

func newPacket(pt PacketType) (Packet, error) {
	switch pt {
	case PacketCONNECT:
		return &ConnectPacket{}, nil
	case PacketCONNACK:
		return &ConnackPacket{}, nil
	case PacketPUBLISH:
		return &PublishPacket{}, nil
	case PacketPUBACK:
		return &PubackPacket{}, nil
	case PacketPUBREC:
		return &PubrecPacket{}, nil
	case PacketPUBREL:
		return &PubrelPacket{}, nil
	case PacketPUBCOMP:
		return &PubcompPacket{}, nil
	case PacketSUBSCRIBE:
		return &SubscribePacket{}, nil
	case PacketSUBACK:
		return &SubackPacket{}, nil
	case PacketUNSUBSCRIBE:
		return &UnsubscribePacket{}, nil
	case PacketUNSUBACK:
		return &UnsubackPacket{}, nil
	case PacketPINGREQ:
		return &PingreqPacket{}, nil
	case PacketPINGRESP:
		return &PingrespPacket{}, nil
	case PacketDISCONNECT:
		return &DisconnectPacket{}, nil
	default:
		return nil, ErrUnknownPacketType
	}
}

func decodeBody(header FixedHeader, body []byte) (Packet, error) {
	if err := header.ValidateFlags(); err != nil {
		return nil, err
	}

	packet, err := newPacket(header.PacketType)
	if err != nil {
		return nil, err
	}

	n, err := packet.Decode(bytes.NewReader(body), header)
	if err != nil {
		return nil, err
	}
	if n != len(body) {
		return nil, NewProtocolError(header.PacketType, "trailing bytes after packet body")
	}

	return packet, nil
}

// ReadPacket reads a complete MQTT packet from the reader.
// If maxSize is greater than 0, larger packets return a CapacityError.
func ReadPacket(r io.Reader, maxSize uint32) (Packet, int, error) {
	var header FixedHeader
	n, err := header.Decode(r)
	if err != nil {
		return nil, n, err
	}

	total := uint32(header.Size()) + header.RemainingLength
	if maxSize > 0 && total > maxSize {
		return nil, n, NewCapacityError("packet", int(maxSize), int(total))
	}

	body := make([]byte, header.RemainingLength)
	if header.RemainingLength > 0 {
		rn, err := io.ReadFull(r, body)
		n += rn
		if err != nil {
			return nil, n, err
		}
	}

	packet, err := decodeBody(header, body)
	return packet, n, err
}

// ParsePacket decodes the frame at the head of buf. It returns the packet
// and the number of bytes consumed, or ErrIncompletePacket when more bytes
// are needed. A frame that could never fit in maxSize bytes is reported as
// a CapacityError as soon as its header is known.
func ParsePacket(buf []byte, maxSize uint32) (Packet, int, error) {
	var header FixedHeader
	hlen, ok, err := header.peek(buf)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, ErrIncompletePacket
	}

	total := hlen + int(header.RemainingLength)
	if maxSize > 0 && uint32(total) > maxSize {
		return nil, 0, NewCapacityError("packet", int(maxSize), total)
	}
	if len(buf) < total {
		return nil, 0, ErrIncompletePacket
	}

	packet, err := decodeBody(header, buf[hlen:total])
	if err != nil {
		return nil, total, err
	}
	return packet, total, nil
}

// EncodePacket validates and serializes a packet into a new byte slice.
// If maxSize is greater than 0, larger packets return a CapacityError.
func EncodePacket(packet Packet, maxSize uint32) ([]byte, error) {
	if err := packet.Validate(); err != nil {
		return nil, err
	}

	buf := getBuffer()
	defer putBuffer(buf)

	n, err := packet.Encode(buf)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && uint32(n) > maxSize {
		return nil, NewCapacityError("packet", int(maxSize), n)
	}
	return bytes.Clone(buf.Bytes()), nil
}

// WritePacket writes a complete MQTT packet to the writer.
// If maxSize is greater than 0, larger packets return a CapacityError.
func WritePacket(w io.Writer, packet Packet, maxSize uint32) (int, error) {
	data, err := EncodePacket(packet, maxSize)
	if err != nil {
		return 0, err
	}
	return w.Write(data)
}
