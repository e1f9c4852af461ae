package mqttv3

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryMetrics(t *testing.T) {
	t.Run("counter", func(t *testing.T) {
		metrics := NewMemoryMetrics()
		counter := metrics.Counter("test_counter", nil)

		counter.Inc()
		counter.Add(5)
		counter.Add(0.5)
		assert.Equal(t, 6.5, counter.Value())
		assert.Same(t, counter, metrics.Counter("test_counter", nil))
	})

	t.Run("gauge", func(t *testing.T) {
		metrics := NewMemoryMetrics()
		gauge := metrics.Gauge("test_gauge", nil)

		gauge.Set(100)
		gauge.Inc()
		gauge.Inc()
		gauge.Dec()
		assert.Equal(t, float64(101), gauge.Value())
	})

	t.Run("labels are order independent", func(t *testing.T) {
		metrics := NewMemoryMetrics()
		metrics.Counter("c", MetricLabels{"a": "1", "b": "2"}).Inc()
		metrics.Counter("c", MetricLabels{"b": "2", "a": "1"}).Inc()

		assert.Equal(t, map[string]float64{"c{a=1,b=2}": 2}, metrics.Snapshot())
		assert.Equal(t, float64(2), metrics.Value("c", MetricLabels{"b": "2", "a": "1"}))
		assert.Zero(t, metrics.Value("missing", nil))
	})

	t.Run("concurrent", func(t *testing.T) {
		metrics := NewMemoryMetrics()

		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 100 {
					metrics.Counter("hits", nil).Inc()
					metrics.Gauge("level", nil).Inc()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, float64(1000), metrics.Value("hits", nil))
		assert.Equal(t, float64(1000), metrics.Value("level", nil))
	})
}

func TestNoOpMetrics(t *testing.T) {
	var metrics Metrics = &NoOpMetrics{}

	assert.NotPanics(t, func() {
		metrics.Counter("c", nil).Inc()
		metrics.Counter("c", nil).Add(2)
		metrics.Gauge("g", nil).Set(3)
		metrics.Gauge("g", nil).Inc()
		metrics.Gauge("g", nil).Dec()
	})
	assert.Zero(t, metrics.Counter("c", nil).Value())
	assert.Zero(t, metrics.Gauge("g", nil).Value())

	_, ok := metrics.(MetricsSnapshotter)
	assert.False(t, ok)
}

func TestSessionMetrics(t *testing.T) {
	metrics := NewMemoryMetrics()
	sm := sessionMetrics{metrics: metrics}

	sm.connected()
	sm.packetSent(PacketPUBLISH)
	sm.packetReceived(PacketPUBACK)
	sm.messageSent(1)
	sm.messageReceived(2)
	sm.bytesSent(10)
	sm.bytesReceived(4)
	sm.commandRetried(PacketSUBSCRIBE)
	sm.reconnectScheduled()
	sm.disconnected()

	assert.Equal(t, map[string]float64{
		"mqtt_connected":                                    0,
		"mqtt_connects_total":                               1,
		"mqtt_packets_sent_total{packet_type=PUBLISH}":      1,
		"mqtt_packets_received_total{packet_type=PUBACK}":   1,
		"mqtt_messages_sent_total{qos=1}":                   1,
		"mqtt_messages_received_total{qos=2}":               1,
		"mqtt_bytes_sent_total":                             10,
		"mqtt_bytes_received_total":                         4,
		"mqtt_command_retries_total{packet_type=SUBSCRIBE}": 1,
		"mqtt_reconnects_total":                             1,
	}, metrics.Snapshot())
}
