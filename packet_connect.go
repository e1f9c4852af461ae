package mqttv3

import (
	"bytes"
	"errors"
	"io"
)

// Protocol identification. MQTT 3.1 uses "MQIsdp" level 3; the 3.1.1
// revision ("MQTT" level 4) shares the same framing and is accepted too.
const (
	ProtocolName31     = "MQIsdp"
	ProtocolVersion31  = 3
	ProtocolName311    = "MQTT"
	ProtocolVersion311 = 4
)

// Connect flag bit positions.
const (
	connectFlagReserved     = 0x01
	connectFlagCleanSession = 0x02
	connectFlagWillFlag     = 0x04
	connectFlagWillRetain   = 0x20
	connectFlagPasswordFlag = 0x40
	connectFlagUsernameFlag = 0x80
)

// CONNECT packet errors.
var (
	ErrInvalidProtocolName    = errors.New("invalid protocol name")
	ErrInvalidProtocolVersion = errors.New("unsupported protocol version")
	ErrInvalidConnectFlags    = errors.New("invalid connect flags")
	ErrClientIDRequired       = errors.New("client ID required")
	ErrPasswordWithoutUser    = errors.New("password set without username")
)

// ConnectPacket represents an MQTT CONNECT packet.
type ConnectPacket struct {
	// ProtocolName and ProtocolVersion default to MQIsdp / 3 when zero.
	ProtocolName    string
	ProtocolVersion byte

	ClientID     string
	CleanSession bool

	// KeepAlive is the keep alive interval in seconds.
	KeepAlive uint16

	Username string
	Password []byte

	WillFlag    bool
	WillRetain  bool
	WillQoS     byte
	WillTopic   string
	WillPayload []byte
}

// Type returns the packet type.
func (p *ConnectPacket) Type() PacketType {
	return PacketCONNECT
}

func (p *ConnectPacket) protocol() (string, byte) {
	name, version := p.ProtocolName, p.ProtocolVersion
	if version == 0 {
		version = ProtocolVersion31
	}
	if name == "" {
		name = ProtocolName31
		if version == ProtocolVersion311 {
			name = ProtocolName311
		}
	}
	return name, version
}

func (p *ConnectPacket) connectFlags() byte {
	var flags byte

	if p.CleanSession {
		flags |= connectFlagCleanSession
	}
	if p.WillFlag {
		flags |= connectFlagWillFlag
		flags |= (p.WillQoS & 0x03) << 3
		if p.WillRetain {
			flags |= connectFlagWillRetain
		}
	}
	if p.Password != nil {
		flags |= connectFlagPasswordFlag
	}
	if p.Username != "" {
		flags |= connectFlagUsernameFlag
	}

	return flags
}

// Encode writes the packet to the writer.
func (p *ConnectPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	name, version := p.protocol()

	if _, err := encodeString(&buf, name); err != nil {
		return 0, err
	}
	buf.WriteByte(version)
	buf.WriteByte(p.connectFlags())
	if _, err := encodeUint16(&buf, p.KeepAlive); err != nil {
		return 0, err
	}

	if _, err := encodeString(&buf, p.ClientID); err != nil {
		return 0, err
	}

	if p.WillFlag {
		if _, err := encodeString(&buf, p.WillTopic); err != nil {
			return 0, err
		}
		if _, err := encodeBinary(&buf, p.WillPayload); err != nil {
			return 0, err
		}
	}

	if p.Username != "" {
		if _, err := encodeString(&buf, p.Username); err != nil {
			return 0, err
		}
	}

	if p.Password != nil {
		if _, err := encodeBinary(&buf, p.Password); err != nil {
			return 0, err
		}
	}

	header := FixedHeader{
		PacketType:      PacketCONNECT,
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
func (p *ConnectPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketCONNECT {
		return 0, ErrInvalidPacketType
	}

	var total int

	name, n, err := decodeString(r)
	total += n
	if err != nil {
		return total, err
	}

	var fixed [4]byte
	n, err = io.ReadFull(r, fixed[:])
	total += n
	if err != nil {
		return total, err
	}

	p.ProtocolName = name
	p.ProtocolVersion = fixed[0]
	switch {
	case name == ProtocolName31 && p.ProtocolVersion == ProtocolVersion31:
	case name == ProtocolName311 && p.ProtocolVersion == ProtocolVersion311:
	case name != ProtocolName31 && name != ProtocolName311:
		return total, ErrInvalidProtocolName
	default:
		return total, ErrInvalidProtocolVersion
	}

	flags := fixed[1]
	if flags&connectFlagReserved != 0 {
		return total, ErrInvalidConnectFlags
	}
	p.CleanSession = flags&connectFlagCleanSession != 0
	p.WillFlag = flags&connectFlagWillFlag != 0
	p.WillQoS = (flags >> 3) & 0x03
	p.WillRetain = flags&connectFlagWillRetain != 0
	p.KeepAlive = uint16(fixed[2])<<8 | uint16(fixed[3])

	p.ClientID, n, err = decodeString(r)
	total += n
	if err != nil {
		return total, err
	}

	if p.WillFlag {
		p.WillTopic, n, err = decodeString(r)
		total += n
		if err != nil {
			return total, err
		}
		p.WillPayload, n, err = decodeBinary(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	if flags&connectFlagUsernameFlag != 0 {
		p.Username, n, err = decodeString(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	if flags&connectFlagPasswordFlag != 0 {
		p.Password, n, err = decodeBinary(r)
		total += n
		if err != nil {
			return total, err
		}
		if p.Password == nil {
			p.Password = []byte{}
		}
	}

	return total, p.Validate()
}

// Validate validates the packet contents.
func (p *ConnectPacket) Validate() error {
	name, version := p.protocol()
	switch {
	case name == ProtocolName31 && version == ProtocolVersion31:
	case name == ProtocolName311 && version == ProtocolVersion311:
	default:
		return ErrInvalidProtocolVersion
	}

	if p.ClientID == "" && (version == ProtocolVersion31 || !p.CleanSession) {
		return ErrClientIDRequired
	}

	if p.WillFlag {
		if p.WillQoS > 2 {
			return ErrInvalidQoS
		}
		if err := ValidateTopicName(p.WillTopic); err != nil {
			return err
		}
	} else if p.WillQoS != 0 || p.WillRetain {
		return ErrInvalidConnectFlags
	}

	if p.Password != nil && p.Username == "" {
		return ErrPasswordWithoutUser
	}

	return nil
}
