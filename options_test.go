package mqttv3

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultOptions(t *testing.T) {
	o := applyOptions()

	assert.Equal(t, DefaultPort, o.port)
	assert.Equal(t, uint16(30), o.keepAlive)
	assert.True(t, o.cleanSession)
	assert.Equal(t, 10*time.Second, o.connectTimeout)
	assert.Equal(t, 5*time.Second, o.commandTimeout)
	assert.Equal(t, o.commandTimeout, o.pingTimeout)
	assert.Equal(t, 10, o.maxRetries)
	assert.Equal(t, 2048, o.txSize)
	assert.Equal(t, 2048, o.rxSize)
	assert.Equal(t, 5, o.maxHandlers)
	assert.Equal(t, 2*time.Second, o.subscribeRetryDelay)
	assert.True(t, o.autoReconnect)
	assert.IsType(t, &NoOpLogger{}, o.logger)
}

func TestOptions(t *testing.T) {
	handler := func(*Message) {}
	o := applyOptions(
		WithBroker("tcp://broker:1884"),
		WithCredentials("dev1", "s3cret"),
		WithKeepAlive(60),
		WithCommandTimeout(time.Second),
		WithPingTimeout(0),
		WithMaxRetries(3),
		WithBufferSize(512, 1024),
		WithMaxHandlers(8),
		WithSubscription("dev1/tasks/json", 1, handler),
		WithAutoReconnect(false, 0, 0),
		WithWill("dev1/status", []byte("gone"), 1, true),
		WithLogger(nil),
	)

	assert.Equal(t, "tcp://broker:1884", o.broker)
	assert.Equal(t, "dev1", o.clientID, "client id defaults to the user name")
	assert.Equal(t, []byte("s3cret"), o.password)
	assert.Equal(t, uint16(60), o.keepAlive)
	assert.Zero(t, o.pingTimeout)
	assert.Equal(t, 3, o.maxRetries)
	assert.Equal(t, 512, o.txSize)
	assert.Equal(t, 1024, o.rxSize)
	assert.Equal(t, 8, o.maxHandlers)
	assert.Len(t, o.subscriptions, 1)
	assert.False(t, o.autoReconnect)
	assert.Equal(t, DefaultReconnectBackoff, o.reconnectBackoff)
	assert.True(t, o.willFlag)
	assert.NotNil(t, o.logger)
}
