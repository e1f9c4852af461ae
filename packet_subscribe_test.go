package mqttv3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribePacket(t *testing.T) {
	p := &SubscribePacket{
		PacketID: 10,
		Subscriptions: []Subscription{
			{TopicFilter: "d/tasks/json", QoS: 0},
			{TopicFilter: "+/x", QoS: 2},
		},
	}

	data, err := EncodePacket(p, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0x82), data[0], "SUBSCRIBE carries flags 0x02")

	decoded, _, err := ParsePacket(data, 0)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)

	t.Run("validate", func(t *testing.T) {
		assert.ErrorIs(t, (&SubscribePacket{Subscriptions: []Subscription{{TopicFilter: "a"}}}).Validate(), ErrPacketIDRequired)
		assert.ErrorIs(t, (&SubscribePacket{PacketID: 1}).Validate(), ErrNoSubscriptions)
		assert.ErrorIs(t, (&SubscribePacket{PacketID: 1, Subscriptions: []Subscription{{TopicFilter: "a", QoS: 3}}}).Validate(), ErrInvalidQoS)
		assert.ErrorIs(t, (&SubscribePacket{PacketID: 1, Subscriptions: []Subscription{{TopicFilter: "a#"}}}).Validate(), ErrInvalidTopicFilter)
	})
}

func TestSubackPacket(t *testing.T) {
	t.Run("granted", func(t *testing.T) {
		decoded, _, err := ParsePacket([]byte{0x90, 0x03, 0x00, 0x0A, 0x01}, 0)
		require.NoError(t, err)

		s := decoded.(*SubackPacket)
		assert.Equal(t, uint16(10), s.PacketID)
		assert.Equal(t, []byte{1}, s.GrantedQoS)
		_, failed := s.Failed()
		assert.False(t, failed)
	})

	t.Run("failure", func(t *testing.T) {
		decoded, _, err := ParsePacket([]byte{0x90, 0x04, 0x00, 0x0A, 0x00, 0x80}, 0)
		require.NoError(t, err)

		code, failed := decoded.(*SubackPacket).Failed()
		assert.True(t, failed)
		assert.Equal(t, SubackFailure, code)
	})

	t.Run("invalid grant", func(t *testing.T) {
		_, _, err := ParsePacket([]byte{0x90, 0x03, 0x00, 0x0A, 0x03}, 0)
		assert.ErrorIs(t, err, ErrInvalidQoS)
	})

	t.Run("no grants", func(t *testing.T) {
		_, _, err := ParsePacket([]byte{0x90, 0x02, 0x00, 0x0A}, 0)
		assert.ErrorIs(t, err, ErrProtocol)
	})
}

func TestUnsubscribePacket(t *testing.T) {
	p := &UnsubscribePacket{PacketID: 3, TopicFilters: []string{"a/+", "b/#"}}

	data, err := EncodePacket(p, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0xA2), data[0])

	decoded, _, err := ParsePacket(data, 0)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)

	assert.Error(t, (&UnsubscribePacket{PacketID: 3}).Validate())
	assert.ErrorIs(t, (&UnsubscribePacket{TopicFilters: []string{"a"}}).Validate(), ErrPacketIDRequired)
}
