package ingestion

import (
	"errors"
	"fmt"
)

var (
	ErrDeserialization = errors.New("malformed payload")
	ErrDeviceNotFound  = errors.New("device not found")
	ErrNoLocation      = errors.New("no location found for the device")
	ErrPersistence     = errors.New("data store error")
	ErrDeviceExists    = errors.New("device already exists")
	ErrTenantNotFound  = errors.New("no client found for tenant")
)

// DeviceError ties a failure to the device serial that caused it, so the
// report can also go to that device's report topic.
type DeviceError struct {
	Serial string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %v", e.Serial, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

func deviceErr(serial string, err error) error {
	if serial == "" {
		return err
	}
	return &DeviceError{Serial: serial, Err: err}
}

// SerialOf returns the device serial carried by err, if any.
func SerialOf(err error) string {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Serial
	}
	return ""
}

// outcome names an error for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDeserialization):
		return "malformed"
	case errors.Is(err, ErrDeviceNotFound):
		return "device_not_found"
	case errors.Is(err, ErrNoLocation):
		return "no_location"
	case errors.Is(err, ErrDeviceExists):
		return "device_exists"
	case errors.Is(err, ErrTenantNotFound):
		return "tenant_not_found"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "error"
	}
}
