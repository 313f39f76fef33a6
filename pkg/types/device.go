package types

import "time"

// MinMaxValue is a reading paired with the moment the device sampled it.
type MinMaxValue struct {
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// SensorReading is one sensor's slice of a DeviceMessage. Every field other
// than Type is optional.
type SensorReading struct {
	Type    string        `json:"type"`
	Unit    *string       `json:"unit,omitempty"`
	Min     *MinMaxValue  `json:"min,omitempty"`
	Max     *MinMaxValue  `json:"max,omitempty"`
	Average *float64      `json:"average,omitempty"`
	Values  []MinMaxValue `json:"values,omitempty"`
}

// DeviceMessage is the telemetry payload published by field devices.
// Timestamps are unix milliseconds.
type DeviceMessage struct {
	DeviceID  string          `json:"deviceId"`
	Timestamp int64           `json:"timestamp"`
	Sensors   []SensorReading `json:"sensors"`
}

// Device is a registered field device.
type Device struct {
	ID                   string    `json:"id"`
	Serial               string    `json:"serial"`
	MacAddress           string    `json:"macAddress"`
	ClientID             string    `json:"clientId"`
	Name                 string    `json:"name"`
	Type                 string    `json:"type"`
	Mode                 string    `json:"mode"`
	HardwareVersion      string    `json:"hardwareVersion"`
	OSVersion            string    `json:"osVersion,omitempty"`
	KernelVersion        string    `json:"kernelVersion"`
	TransmissionInterval int       `json:"transmissionInterval"`
	LastConnection       time.Time `json:"lastConnection"`
	SensorsStatus        string    `json:"sensorsStatus,omitempty"`
}

// DeviceContext is where a device is installed.
type DeviceContext struct {
	WorkspaceID string
	LocationIDs []string
}

// Filter holds the accepted range of one sensor type on one device.
type Filter struct {
	DeviceID   string  `json:"deviceId"`
	SensorType string  `json:"sensorType"`
	MinValue   float64 `json:"minValue"`
	MaxValue   float64 `json:"maxValue"`
	Unit       string  `json:"unit"`
}

// Data is a persisted reading.
type Data struct {
	ID          string    `json:"id"`
	SensorType  string    `json:"sensorType"`
	Value       float64   `json:"value"`
	Unit        string    `json:"unit"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	DeviceID    string    `json:"deviceId"`
	LocationIDs []string  `json:"locationId"`
}

// Notification is a persisted alert raised when a reading leaves its filter range.
type Notification struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Message     string    `json:"message"`
	Read        bool      `json:"read"`
	Severity    string    `json:"severity"`
	DeviceID    string    `json:"deviceId"`
	WorkspaceID string    `json:"workspaceId"`
	Timestamp   time.Time `json:"timestamp"`
}

// Firmware describes the firmware a device reports at registration.
type Firmware struct {
	Version string `json:"version"`
}

// Registration is the first message a new device publishes.
type Registration struct {
	TenantID string   `json:"tenantId"`
	UUID     string   `json:"uuid"`
	Mac      string   `json:"mac"`
	Version  string   `json:"version"`
	Software *string  `json:"software,omitempty"`
	Firmware Firmware `json:"firmware"`
}

// Heartbeat is the periodic liveness message of a device.
type Heartbeat struct {
	UUID string `json:"uuid"`
}
