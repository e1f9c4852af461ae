package mqttv3

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectPacketEncode(t *testing.T) {
	p := &ConnectPacket{
		ClientID:     "d1",
		CleanSession: true,
		KeepAlive:    30,
		Username:     "u",
		Password:     []byte("p"),
	}

	var buf bytes.Buffer
	_, err := p.Encode(&buf)
	require.NoError(t, err)

	want := []byte{
		0x10, 0x16,
		0x00, 0x06, 'M', 'Q', 'I', 's', 'd', 'p',
		0x03,
		0xC2,
		0x00, 0x1E,
		0x00, 0x02, 'd', '1',
		0x00, 0x01, 'u',
		0x00, 0x01, 'p',
	}
	assert.Equal(t, want, buf.Bytes())
}

func TestConnectPacketDecode(t *testing.T) {
	t.Run("will message", func(t *testing.T) {
		p := &ConnectPacket{
			ClientID:    "d1",
			KeepAlive:   10,
			WillFlag:    true,
			WillQoS:     1,
			WillRetain:  true,
			WillTopic:   "d1/status",
			WillPayload: []byte("offline"),
		}
		data, err := EncodePacket(p, 0)
		require.NoError(t, err)

		decoded, _, err := ParsePacket(data, 0)
		require.NoError(t, err)
		c := decoded.(*ConnectPacket)
		assert.True(t, c.WillFlag)
		assert.True(t, c.WillRetain)
		assert.Equal(t, byte(1), c.WillQoS)
		assert.Equal(t, "d1/status", c.WillTopic)
		assert.Equal(t, []byte("offline"), c.WillPayload)
	})

	t.Run("3.1.1 accepted", func(t *testing.T) {
		data, err := EncodePacket(&ConnectPacket{ProtocolVersion: ProtocolVersion311, CleanSession: true}, 0)
		require.NoError(t, err)

		decoded, _, err := ParsePacket(data, 0)
		require.NoError(t, err)
		assert.Equal(t, ProtocolName311, decoded.(*ConnectPacket).ProtocolName)
	})

	t.Run("rejects", func(t *testing.T) {
		tests := []struct {
			name string
			data []byte
			want error
		}{
			{
				name: "unknown protocol name",
				data: []byte{0x10, 0x0C, 0x00, 0x04, 'M', 'Q', 'X', 'X', 0x03, 0x02, 0x00, 0x00, 0x00, 0x00},
				want: ErrInvalidProtocolName,
			},
			{
				name: "wrong level for MQIsdp",
				data: []byte{0x10, 0x0F, 0x00, 0x06, 'M', 'Q', 'I', 's', 'd', 'p', 0x05, 0x02, 0x00, 0x00, 0x00, 0x01, 'c'},
				want: ErrInvalidProtocolVersion,
			},
			{
				name: "reserved flag",
				data: []byte{0x10, 0x0F, 0x00, 0x06, 'M', 'Q', 'I', 's', 'd', 'p', 0x03, 0x03, 0x00, 0x00, 0x00, 0x01, 'c'},
				want: ErrInvalidConnectFlags,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, _, err := ParsePacket(tt.data, 0)
				assert.ErrorIs(t, err, tt.want)
			})
		}
	})
}

func TestConnectPacketValidate(t *testing.T) {
	assert.ErrorIs(t, (&ConnectPacket{}).Validate(), ErrClientIDRequired)
	assert.ErrorIs(t, (&ConnectPacket{ClientID: "c", Password: []byte("x")}).Validate(), ErrPasswordWithoutUser)
	assert.ErrorIs(t, (&ConnectPacket{ClientID: "c", WillFlag: true, WillTopic: "a/+"}).Validate(), ErrInvalidTopicName)
	assert.NoError(t, (&ConnectPacket{ClientID: "c"}).Validate())
}

func TestConnackPacket(t *testing.T) {
	tests := []struct {
		raw  byte
		code ConnackCode
		text string
	}{
		{0, ConnackAccepted, "accepted"},
		{1, ConnackUnacceptableProtocol, "unacceptable protocol version"},
		{2, ConnackIdentifierRejected, "identifier rejected"},
		{3, ConnackServerUnavailable, "server unavailable"},
		{4, ConnackBadCredentials, "bad user name or password"},
		{5, ConnackNotAuthorized, "not authorized"},
		{6, ConnackUnknown, "unknown"},
		{0x7F, ConnackUnknown, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			decoded, n, err := ParsePacket([]byte{0x20, 0x02, 0x00, tt.raw}, 0)
			require.NoError(t, err)
			assert.Equal(t, 4, n)

			c := decoded.(*ConnackPacket)
			assert.Equal(t, tt.code, c.ReturnCode)
			assert.Equal(t, tt.raw, c.Raw)
			assert.Equal(t, tt.text, c.ReturnCode.String())
		})
	}

	t.Run("unknown code survives re-encoding", func(t *testing.T) {
		data, err := EncodePacket(&ConnackPacket{ReturnCode: ConnackUnknown, Raw: 9}, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x20, 0x02, 0x00, 0x09}, data)
	})
}

func TestConnectErrorClassification(t *testing.T) {
	err := NewConnectError(ConnackNotAuthorized)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.ErrorIs(t, err, ErrProtocol)

	err = NewConnectError(ConnackServerUnavailable)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.NotErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, "connect refused: server unavailable", err.Error())
}
