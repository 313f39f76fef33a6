// Package ingestion turns device messages into persisted readings, alerts
// and dashboard notifications.
package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wiogate/internal/store"
	"wiogate/pkg/types"

	"go.uber.org/zap"
)

const (
	defaultUnit   = "N/A"
	statusOK      = "ok"
	alertType     = "alert"
	alertSeverity = "high"
)

// Bound names used in alert messages.
const (
	boundMin     = "min"
	boundMax     = "max"
	boundAverage = "average"
	boundValue   = "value"
)

// Notifier multicasts a message to every dashboard joined to a workspace.
type Notifier interface {
	SendMessage(workspaceID, message string) int
}

// Exporter receives every persisted batch of readings.
type Exporter interface {
	Export(ctx context.Context, data []types.Data) error
}

// Pipeline processes the device topics.
type Pipeline struct {
	store    store.Store
	notifier Notifier
	exporter Exporter
	log      *zap.Logger
	now      func() time.Time
}

// NewPipeline creates a pipeline writing to s and notifying through n.
func NewPipeline(s store.Store, n Notifier, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:    s,
		notifier: n,
		log:      logger.Named("ingestion"),
		now:      time.Now,
	}
}

// WithExporter forwards persisted readings to e.
func (p *Pipeline) WithExporter(e Exporter) *Pipeline {
	p.exporter = e
	return p
}

// Ingest handles one entry/data payload.
func (p *Pipeline) Ingest(ctx context.Context, payload []byte) error {
	var msg types.DeviceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: %w", ErrDeserialization, err)
	}
	if msg.DeviceID == "" {
		return fmt.Errorf("%w: deviceId is required", ErrDeserialization)
	}

	device, dc, err := p.resolve(ctx, msg.DeviceID)
	if err != nil {
		return err
	}

	data, notes, err := p.evaluate(ctx, msg, device, dc)
	if err != nil {
		return deviceErr(msg.DeviceID, err)
	}

	if len(data) > 0 {
		if err := p.store.InsertData(ctx, data); err != nil {
			return deviceErr(msg.DeviceID, fmt.Errorf("%w: %w", ErrPersistence, err))
		}
		p.export(ctx, data)
	}
	if len(notes) > 0 {
		if err := p.store.InsertNotifications(ctx, notes); err != nil {
			return deviceErr(msg.DeviceID, fmt.Errorf("%w: %w", ErrPersistence, err))
		}
	}

	for _, n := range notes {
		p.multicast(dc.WorkspaceID, types.EnvelopeNotification, n)
	}

	p.log.Debug("Ingested device message",
		zap.String("device", msg.DeviceID),
		zap.Int("data", len(data)),
		zap.Int("notifications", len(notes)))
	return nil
}

// Realtime forwards a live reading to the device's workspace without
// persisting it.
func (p *Pipeline) Realtime(ctx context.Context, payload []byte) error {
	var msg types.DeviceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: %w", ErrDeserialization, err)
	}
	if msg.DeviceID == "" {
		return fmt.Errorf("%w: deviceId is required", ErrDeserialization)
	}

	_, dc, err := p.resolve(ctx, msg.DeviceID)
	if err != nil {
		return err
	}
	p.multicast(dc.WorkspaceID, types.EnvelopeSensorData, msg)
	return nil
}

func (p *Pipeline) resolve(ctx context.Context, serial string) (types.Device, types.DeviceContext, error) {
	device, err := p.store.DeviceBySerial(ctx, serial)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Device{}, types.DeviceContext{}, deviceErr(serial, ErrDeviceNotFound)
		}
		return types.Device{}, types.DeviceContext{}, deviceErr(serial, fmt.Errorf("%w: %w", ErrPersistence, err))
	}

	dc, err := p.store.DeviceContext(ctx, device.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return device, dc, deviceErr(serial, ErrNoLocation)
		}
		return device, dc, deviceErr(serial, fmt.Errorf("%w: %w", ErrPersistence, err))
	}
	if len(dc.LocationIDs) == 0 {
		return device, dc, deviceErr(serial, ErrNoLocation)
	}
	return device, dc, nil
}

// sample is one value extracted from a sensor reading. Data and alerts may
// carry different timestamps.
type sample struct {
	bound   string
	value   float64
	dataTS  int64
	alertTS int64
}

func samplesOf(reading types.SensorReading, messageTS int64) []sample {
	var out []sample
	if reading.Min != nil {
		out = append(out, sample{boundMin, reading.Min.Value, reading.Min.Timestamp, reading.Min.Timestamp})
	}
	if reading.Max != nil {
		out = append(out, sample{boundMax, reading.Max.Value, reading.Max.Timestamp, reading.Max.Timestamp})
	}
	if reading.Average != nil {
		out = append(out, sample{boundAverage, *reading.Average, messageTS, messageTS})
	}
	for _, v := range reading.Values {
		out = append(out, sample{boundValue, v.Value, messageTS, v.Timestamp})
	}
	return out
}

// evaluate builds the readings and alerts of msg. A failed filter lookup
// aborts the whole message so nothing is persisted without its bound check.
func (p *Pipeline) evaluate(ctx context.Context, msg types.DeviceMessage, device types.Device, dc types.DeviceContext) ([]types.Data, []types.Notification, error) {
	var (
		data  []types.Data
		notes []types.Notification
	)
	filters := make(map[string]*types.Filter)

	for _, reading := range msg.Sensors {
		filter, cached := filters[reading.Type]
		if !cached {
			var err error
			if filter, err = p.lookupFilter(ctx, device.ID, reading.Type); err != nil {
				return nil, nil, err
			}
			filters[reading.Type] = filter
		}

		unit := defaultUnit
		if reading.Unit != nil {
			unit = *reading.Unit
		}

		for _, s := range samplesOf(reading, msg.Timestamp) {
			if filter != nil && (s.value < filter.MinValue || s.value > filter.MaxValue) {
				notes = append(notes, types.Notification{
					Type:        alertType,
					Message:     fmt.Sprintf("the sensor %s %v is out of the %s limit. device %s", reading.Type, s.value, s.bound, device.ID),
					Severity:    alertSeverity,
					DeviceID:    device.ID,
					WorkspaceID: dc.WorkspaceID,
					Timestamp:   time.UnixMilli(s.alertTS).UTC(),
				})
			}
			data = append(data, types.Data{
				SensorType:  reading.Type,
				Value:       s.value,
				Unit:        unit,
				Status:      statusOK,
				Timestamp:   time.UnixMilli(s.dataTS).UTC(),
				DeviceID:    device.ID,
				LocationIDs: dc.LocationIDs,
			})
		}
	}
	return data, notes, nil
}

// lookupFilter returns a nil filter when the sensor has none; the bound
// check is then skipped. Any other store failure is an ErrPersistence.
func (p *Pipeline) lookupFilter(ctx context.Context, deviceID, sensorType string) (*types.Filter, error) {
	f, err := p.store.FindFilter(ctx, deviceID, sensorType)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Info("No filter for sensor, skipping bound check",
			zap.String("device", deviceID), zap.String("sensor", sensorType))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: filter lookup for sensor %s: %w", ErrPersistence, sensorType, err)
	}
	return &f, nil
}

func (p *Pipeline) export(ctx context.Context, data []types.Data) {
	if p.exporter == nil {
		return
	}
	if err := p.exporter.Export(ctx, data); err != nil {
		p.log.Warn("Telemetry export failed", zap.Int("records", len(data)), zap.Error(err))
	}
}

func (p *Pipeline) multicast(workspaceID, kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("Failed to encode dashboard payload", zap.String("type", kind), zap.Error(err))
		return
	}
	msg, err := json.Marshal(types.Envelope{Type: kind, Data: string(data)})
	if err != nil {
		p.log.Error("Failed to encode envelope", zap.String("type", kind), zap.Error(err))
		return
	}
	delivered := p.notifier.SendMessage(workspaceID, string(msg))
	p.log.Debug("Multicast to workspace",
		zap.String("workspace", workspaceID),
		zap.String("type", kind),
		zap.Int("clients", delivered))
}
