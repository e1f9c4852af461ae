package mqttv3

import "strconv"

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics defines the interface for collecting client metrics.
type Metrics interface {
	// Counter returns a counter metric.
	Counter(name string, labels MetricLabels) Counter

	// Gauge returns a gauge metric.
	Gauge(name string, labels MetricLabels) Gauge
}

// Counter is a monotonically increasing counter.
type Counter interface {
	Inc()
	Add(delta float64)
	Value() float64
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Value() float64
}

// MetricsSnapshotter is implemented by metrics backends that can report
// all current values, keyed by name and sorted labels.
type MetricsSnapshotter interface {
	Snapshot() map[string]float64
}

// NoOpMetrics is a no-op implementation of Metrics.
type NoOpMetrics struct{}

// Counter returns a no-op counter.
func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter {
	return noOpCounter{}
}

// Gauge returns a no-op gauge.
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge {
	return noOpGauge{}
}

type noOpCounter struct{}

func (noOpCounter) Inc()           {}
func (noOpCounter) Add(_ float64)  {}
func (noOpCounter) Value() float64 { return 0 }

type noOpGauge struct{}

func (noOpGauge) Set(_ float64)  {}
func (noOpGauge) Inc()           {}
func (noOpGauge) Dec()           {}
func (noOpGauge) Value() float64 { return 0 }

// Standard metric names for the device client.
const (
	// MetricConnected is 1 while the session is connected, otherwise 0.
	MetricConnected = "mqtt_connected"

	// MetricConnectsTotal is the number of established sessions.
	MetricConnectsTotal = "mqtt_connects_total"

	// MetricReconnectsTotal is the number of scheduled reconnect attempts.
	MetricReconnectsTotal = "mqtt_reconnects_total"

	// MetricRetriesTotal is the number of command retransmissions.
	MetricRetriesTotal = "mqtt_command_retries_total"

	// MetricMessagesReceived is the number of application messages received.
	MetricMessagesReceived = "mqtt_messages_received_total"

	// MetricMessagesSent is the number of application messages published.
	MetricMessagesSent = "mqtt_messages_sent_total"

	// MetricBytesReceived is the number of bytes read from the broker.
	MetricBytesReceived = "mqtt_bytes_received_total"

	// MetricBytesSent is the number of bytes written to the broker.
	MetricBytesSent = "mqtt_bytes_sent_total"

	// MetricPacketsSent is the number of packets handed to the transport.
	MetricPacketsSent = "mqtt_packets_sent_total"

	// MetricPacketsReceived is the number of packets decoded.
	MetricPacketsReceived = "mqtt_packets_received_total"

	// MetricCommandsReceived is the number of device commands received.
	MetricCommandsReceived = "mqtt_commands_received_total"
)

// Standard metric labels.
const (
	LabelPacketType = "packet_type"
	LabelQoS        = "qos"
	LabelStatus     = "status"
)

// sessionMetrics records session activity on a Metrics backend.
type sessionMetrics struct {
	metrics Metrics
}

func (m sessionMetrics) connected() {
	m.metrics.Gauge(MetricConnected, nil).Set(1)
	m.metrics.Counter(MetricConnectsTotal, nil).Inc()
}

func (m sessionMetrics) disconnected() {
	m.metrics.Gauge(MetricConnected, nil).Set(0)
}

func (m sessionMetrics) reconnectScheduled() {
	m.metrics.Counter(MetricReconnectsTotal, nil).Inc()
}

func (m sessionMetrics) commandRetried(packetType PacketType) {
	m.metrics.Counter(MetricRetriesTotal, MetricLabels{LabelPacketType: packetType.String()}).Inc()
}

func (m sessionMetrics) messageSent(qos byte) {
	m.metrics.Counter(MetricMessagesSent, MetricLabels{LabelQoS: strconv.Itoa(int(qos))}).Inc()
}

func (m sessionMetrics) messageReceived(qos byte) {
	m.metrics.Counter(MetricMessagesReceived, MetricLabels{LabelQoS: strconv.Itoa(int(qos))}).Inc()
}

func (m sessionMetrics) bytesSent(n int) {
	m.metrics.Counter(MetricBytesSent, nil).Add(float64(n))
}

func (m sessionMetrics) bytesReceived(n int) {
	m.metrics.Counter(MetricBytesReceived, nil).Add(float64(n))
}

func (m sessionMetrics) packetSent(packetType PacketType) {
	m.metrics.Counter(MetricPacketsSent, MetricLabels{LabelPacketType: packetType.String()}).Inc()
}

func (m sessionMetrics) packetReceived(packetType PacketType) {
	m.metrics.Counter(MetricPacketsReceived, MetricLabels{LabelPacketType: packetType.String()}).Inc()
}
