package types

import "encoding/json"

// BackupRecord is an outbound publish that could not be delivered and waits
// on disk for the resend loop.
type BackupRecord struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

// Envelope is the frame shape exchanged with dashboard sockets. Data carries
// serialized JSON as a string so clients decode it in a second step.
type Envelope struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// InboundFrame is a control frame sent by a dashboard.
type InboundFrame struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
}

// RealtimeControl asks a device to start or stop streaming live readings.
type RealtimeControl struct {
	DeviceID string `json:"deviceId"`
	Start    bool   `json:"start"`
}

// KafkaMessage represents a Kafka message
type KafkaMessage struct {
	Key   string
	Value []byte
	Topic string
}

// Envelope types sent to dashboards.
const (
	EnvelopeNotification = "notification"
	EnvelopeSensorData   = "sensorData"
	EnvelopeAck          = "ack"
	EnvelopePong         = "pong"
)

// Frame types accepted from dashboards.
const (
	FrameRealtimeData = "realTimeData"
	FramePing         = "ping"
)
