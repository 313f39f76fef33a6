package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"wiogate/internal/store"
	"wiogate/pkg/types"

	"go.uber.org/zap"
)

// Values given to a device created by registration.
const (
	registeredType     = "weatherStation"
	registeredMode     = "logger"
	registeredInterval = 10
	defaultFilterMin   = 0
	defaultFilterMax   = 10
)

// defaultFilters is the filter set every new device starts with.
var defaultFilters = []struct {
	sensorType string
	unit       string
}{
	{"temperature", "ºC"},
	{"humidity", "%"},
	{"pressure", "Pa"},
	{"wind_speed", "m/s"},
	{"wind_direction", "º"},
	{"rainfall", "mm"},
	{"solar_radiation", "ºC"},
	{"uv_index", "%"},
	{"co2", "ppm"},
	{"pm2_5", "µg/m³"},
	{"pm10", "µg/m³"},
}

// Register handles entry/registration.
func (p *Pipeline) Register(ctx context.Context, payload []byte) error {
	var reg types.Registration
	if err := json.Unmarshal(payload, &reg); err != nil {
		return fmt.Errorf("%w: %w", ErrDeserialization, err)
	}
	if reg.UUID == "" {
		return fmt.Errorf("%w: uuid is required", ErrDeserialization)
	}

	_, err := p.store.DeviceBySerial(ctx, reg.UUID)
	switch {
	case err == nil:
		return deviceErr(reg.UUID, ErrDeviceExists)
	case !errors.Is(err, store.ErrNotFound):
		return deviceErr(reg.UUID, fmt.Errorf("%w: %w", ErrPersistence, err))
	}

	clientID, err := p.store.ClientByTenant(ctx, reg.TenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return deviceErr(reg.UUID, fmt.Errorf("%w: %s", ErrTenantNotFound, reg.TenantID))
		}
		return deviceErr(reg.UUID, fmt.Errorf("%w: %w", ErrPersistence, err))
	}

	device := types.Device{
		Serial:               reg.UUID,
		MacAddress:           reg.Mac,
		ClientID:             clientID,
		Name:                 "data-logger-" + reg.Mac,
		Type:                 registeredType,
		Mode:                 registeredMode,
		HardwareVersion:      reg.Version,
		KernelVersion:        reg.Firmware.Version,
		TransmissionInterval: registeredInterval,
		LastConnection:       p.now().UTC(),
	}
	if reg.Software != nil {
		device.OSVersion = *reg.Software
	}

	id, err := p.store.CreateDevice(ctx, device)
	if err != nil {
		return deviceErr(reg.UUID, fmt.Errorf("%w: %w", ErrPersistence, err))
	}

	filters := make([]types.Filter, 0, len(defaultFilters))
	for _, f := range defaultFilters {
		filters = append(filters, types.Filter{
			DeviceID:   id,
			SensorType: f.sensorType,
			MinValue:   defaultFilterMin,
			MaxValue:   defaultFilterMax,
			Unit:       f.unit,
		})
	}
	if err := p.store.InsertFilters(ctx, filters); err != nil {
		return deviceErr(reg.UUID, fmt.Errorf("%w: %w", ErrPersistence, err))
	}

	p.log.Info("Registered device", zap.String("serial", reg.UUID), zap.String("id", id), zap.String("client", clientID))
	return nil
}

// Heartbeat handles entry/heartbeat.
func (p *Pipeline) Heartbeat(ctx context.Context, payload []byte) error {
	hb, err := decodeHeartbeat(payload)
	if err != nil {
		return err
	}
	if err := p.store.TouchDevice(ctx, hb.UUID, p.now().UTC()); err != nil {
		return deviceErr(hb.UUID, storeErr(err))
	}
	return nil
}

// ThreadsHeartbeat handles entry/heartbeat/threads. The payload is stored
// verbatim as the device's sensors status.
func (p *Pipeline) ThreadsHeartbeat(ctx context.Context, payload []byte) error {
	hb, err := decodeHeartbeat(payload)
	if err != nil {
		return err
	}
	if err := p.store.SetSensorsStatus(ctx, hb.UUID, string(payload)); err != nil {
		return deviceErr(hb.UUID, storeErr(err))
	}
	return nil
}

func decodeHeartbeat(payload []byte) (types.Heartbeat, error) {
	var hb types.Heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		return hb, fmt.Errorf("%w: %w", ErrDeserialization, err)
	}
	if hb.UUID == "" {
		return hb, fmt.Errorf("%w: uuid is required", ErrDeserialization)
	}
	return hb, nil
}

func storeErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrDeviceNotFound
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}
