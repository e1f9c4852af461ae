package mqttv3

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicRegistryCapacity(t *testing.T) {
	r := NewTopicRegistry(DefaultMaxHandlers, nil)

	for i := range 5 {
		require.NoError(t, r.Add(fmt.Sprintf("dev/%d", i), 0, func(*Message) {}))
	}
	assert.True(t, r.Full())

	err := r.Add("dev/5", 0, func(*Message) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapacity)

	var capErr *CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 5, capErr.Limit)
	assert.Equal(t, 5, r.Len())

	t.Run("replacing an existing filter needs no slot", func(t *testing.T) {
		assert.NoError(t, r.Add("dev/0", 1, func(*Message) {}))
		assert.Equal(t, 5, r.Len())
	})

	t.Run("remove frees a slot", func(t *testing.T) {
		assert.True(t, r.Remove("dev/2"))
		assert.False(t, r.Remove("dev/2"))
		assert.NoError(t, r.Add("dev/5", 0, func(*Message) {}))
		assert.Equal(t, []Subscription{
			{TopicFilter: "dev/0", QoS: 1},
			{TopicFilter: "dev/1"},
			{TopicFilter: "dev/3"},
			{TopicFilter: "dev/4"},
			{TopicFilter: "dev/5"},
		}, r.Subscriptions())
	})
}

func TestTopicRegistryAddValidation(t *testing.T) {
	r := NewTopicRegistry(0, nil)
	assert.Equal(t, DefaultMaxHandlers, r.Cap())

	assert.ErrorIs(t, r.Add("a/#/b", 0, nil), ErrInvalidTopicFilter)
	assert.ErrorIs(t, r.Add("a", 3, nil), ErrInvalidQoS)
	assert.Equal(t, 0, r.Len())
}

func TestTopicRegistryDispatch(t *testing.T) {
	var got []string
	record := func(name string) MessageHandler {
		return func(msg *Message) { got = append(got, name+":"+msg.Topic) }
	}

	r := NewTopicRegistry(5, record("default"))
	require.NoError(t, r.Add("+/json", 0, record("wild")))
	require.NoError(t, r.Add("a/#", 0, record("multi")))
	require.NoError(t, r.Add("a/json", 0, record("exact")))

	tests := []struct {
		topic   string
		want    string
		matched bool
	}{
		{"a/json", "exact:a/json", true},
		{"b/json", "wild:b/json", true},
		{"a/b/json", "multi:a/b/json", true},
		{"c/d/e", "default:c/d/e", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got = nil
			matched := r.Dispatch(&Message{Topic: tt.topic})
			assert.Equal(t, tt.matched, matched)
			assert.Equal(t, []string{tt.want}, got, "exactly one handler fires")
		})
	}

	t.Run("first wildcard in table order wins", func(t *testing.T) {
		h, filter, ok := r.Lookup("a/x")
		require.True(t, ok)
		assert.NotNil(t, h)
		assert.Equal(t, "a/#", filter)

		require.True(t, r.Remove("a/#"))
		require.NoError(t, r.Add("a/+", 0, record("plus")))
		_, filter, ok = r.Lookup("a/x")
		require.True(t, ok)
		assert.Equal(t, "a/+", filter)
	})

	t.Run("no default handler", func(t *testing.T) {
		r.SetDefaultHandler(nil)
		got = nil
		assert.False(t, r.Dispatch(&Message{Topic: "z"}))
		assert.Empty(t, got)
	})

	t.Run("clear", func(t *testing.T) {
		r.Clear()
		assert.Equal(t, 0, r.Len())
		assert.False(t, r.Contains("a/json"))
	})
}
