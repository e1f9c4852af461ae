package mqttv3

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyProducerInterceptors(t *testing.T) {
	logger := NewNoOpLogger()

	t.Run("empty chain", func(t *testing.T) {
		msg := &Message{Topic: "a"}
		assert.Same(t, msg, applyProducerInterceptors(logger, nil, msg))
	})

	t.Run("runs in order", func(t *testing.T) {
		var order []string
		chain := []ProducerInterceptor{
			ProducerInterceptorFunc(func(m *Message) *Message {
				order = append(order, "first")
				m.Topic = "dev1/" + m.Topic
				return m
			}),
			ProducerInterceptorFunc(func(m *Message) *Message {
				order = append(order, "second")
				m.Topic += "/json"
				return m
			}),
		}

		msg := applyProducerInterceptors(logger, chain, &Message{Topic: "messages"})
		require.NotNil(t, msg)
		assert.Equal(t, "dev1/messages/json", msg.Topic)
		assert.Equal(t, []string{"first", "second"}, order)
	})

	t.Run("nil stops the chain", func(t *testing.T) {
		called := false
		chain := []ProducerInterceptor{
			ProducerInterceptorFunc(func(*Message) *Message { return nil }),
			ProducerInterceptorFunc(func(m *Message) *Message {
				called = true
				return m
			}),
		}

		assert.Nil(t, applyProducerInterceptors(logger, chain, &Message{Topic: "a"}))
		assert.False(t, called)
	})

	t.Run("panic keeps the message", func(t *testing.T) {
		var buf bytes.Buffer
		chain := []ProducerInterceptor{
			ProducerInterceptorFunc(func(*Message) *Message { panic("boom") }),
		}

		msg := &Message{Topic: "a"}
		assert.Same(t, msg, applyProducerInterceptors(NewStdLogger(&buf, LogLevelDebug), chain, msg))
		assert.Contains(t, buf.String(), "producer interceptor panic")
		assert.Contains(t, buf.String(), "boom")
	})
}

func TestApplyConsumerInterceptors(t *testing.T) {
	logger := NewNoOpLogger()

	upper := ConsumerInterceptorFunc(func(m *Message) *Message {
		m.Payload = []byte(strings.ToUpper(string(m.Payload)))
		return m
	})
	drop := ConsumerInterceptorFunc(func(m *Message) *Message {
		if strings.HasPrefix(m.Topic, "blocked/") {
			return nil
		}
		return m
	})
	chain := []ConsumerInterceptor{drop, upper}

	msg := applyConsumerInterceptors(logger, chain, &Message{Topic: "dev1/tasks/json", Payload: []byte("abc")})
	require.NotNil(t, msg)
	assert.Equal(t, []byte("ABC"), msg.Payload)

	assert.Nil(t, applyConsumerInterceptors(logger, chain, &Message{Topic: "blocked/x"}))

	panicking := []ConsumerInterceptor{ConsumerInterceptorFunc(func(*Message) *Message { panic("boom") }), upper}
	msg = applyConsumerInterceptors(logger, panicking, &Message{Payload: []byte("x")})
	require.NotNil(t, msg)
	assert.Equal(t, []byte("X"), msg.Payload)
}

func TestSessionProducerInterceptors(t *testing.T) {
	b := newMockBroker(t)
	events := newEventLog()

	prefix := ProducerInterceptorFunc(func(m *Message) *Message {
		m.Topic = "dev1/" + m.Topic
		return m
	})
	filter := ProducerInterceptorFunc(func(m *Message) *Message {
		if strings.HasSuffix(m.Topic, "/secret") {
			return nil
		}
		return m
	})
	s := newTestSession(t, b, events, WithProducerInterceptors(prefix, filter))

	result := connectAsync(s)
	conn := b.accept(t)
	conn.handshake()
	require.NoError(t, waitErr(t, result))

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	// A dropped QoS 1 message completes without waiting for an ack.
	require.NoError(t, s.Publish(ctx, "secret", []byte("x"), 1, false))

	require.NoError(t, s.Publish(ctx, "messages/json", []byte("1"), 0, false))
	pub := conn.expect(PacketPUBLISH).(*PublishPacket)
	assert.Equal(t, "dev1/messages/json", pub.Topic)
	assert.Equal(t, []byte("1"), pub.Payload)

	t.Run("qos lowered by interceptor", func(t *testing.T) {
		b := newMockBroker(t)
		s := newTestSession(t, b, newEventLog(), WithProducerInterceptors(ProducerInterceptorFunc(func(m *Message) *Message {
			m.QoS = 0
			return m
		})))

		result := connectAsync(s)
		conn := b.accept(t)
		conn.handshake()
		require.NoError(t, waitErr(t, result))

		require.NoError(t, s.Publish(ctx, "dev1/messages/json", []byte("2"), 1, false))
		pub := conn.expect(PacketPUBLISH).(*PublishPacket)
		assert.Zero(t, pub.QoS)
		assert.Zero(t, pub.PacketID)
	})
}

func TestSessionConsumerInterceptors(t *testing.T) {
	b := newMockBroker(t)
	events := newEventLog()

	tasks := make(chan *Message, 4)
	s := newTestSession(t, b, events,
		WithSubscription("dev1/#", 1, func(m *Message) { tasks <- m }),
		WithConsumerInterceptors(ConsumerInterceptorFunc(func(m *Message) *Message {
			if m.Topic == "dev1/ignored" {
				return nil
			}
			m.Payload = append([]byte("seen:"), m.Payload...)
			return m
		})),
	)

	result := connectAsync(s)
	conn := b.accept(t)
	conn.handshake(1)
	require.NoError(t, waitErr(t, result))

	// Dropped messages are still acknowledged.
	conn.send(&PublishPacket{Topic: "dev1/ignored", Payload: []byte("a"), QoS: 1, PacketID: 4})
	assert.Equal(t, uint16(4), conn.expect(PacketPUBACK).(*PubackPacket).PacketID)

	conn.send(&PublishPacket{Topic: "dev1/tasks/json", Payload: []byte("b")})
	select {
	case msg := <-tasks:
		assert.Equal(t, "dev1/tasks/json", msg.Topic)
		assert.Equal(t, []byte("seen:b"), msg.Payload)
	case <-time.After(testWait):
		t.Fatal("message not delivered")
	}

	select {
	case msg := <-tasks:
		t.Fatalf("unexpected delivery: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}
