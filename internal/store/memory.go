package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wiogate/pkg/types"

	"github.com/google/uuid"
)

// Memory keeps everything in maps. Safe for concurrent use.
type Memory struct {
	mu            sync.RWMutex
	devices       map[string]types.Device // by id
	contexts      map[string]types.DeviceContext
	filters       map[string]types.Filter // by deviceID/sensorType
	tenants       map[string]string
	data          []types.Data
	notifications []types.Notification

	// InsertErr, when set, fails every batch insert.
	InsertErr error
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		devices:  make(map[string]types.Device),
		contexts: make(map[string]types.DeviceContext),
		filters:  make(map[string]types.Filter),
		tenants:  make(map[string]string),
	}
}

func filterKey(deviceID, sensorType string) string {
	return deviceID + "/" + sensorType
}

// AddDevice registers a device and where it is installed. An empty ID is
// replaced with a generated one, which is returned.
func (m *Memory) AddDevice(device types.Device, dc types.DeviceContext) string {
	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[device.ID] = device
	if dc.WorkspaceID != "" {
		m.contexts[device.ID] = dc
	}
	return device.ID
}

// AddClient maps a tenant to a client id.
func (m *Memory) AddClient(tenantID, clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[tenantID] = clientID
}

func (m *Memory) DeviceBySerial(_ context.Context, serial string) (types.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.devices {
		if d.Serial == serial {
			return d, nil
		}
	}
	return types.Device{}, fmt.Errorf("device %s: %w", serial, ErrNotFound)
}

func (m *Memory) DeviceContext(_ context.Context, deviceID string) (types.DeviceContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dc, ok := m.contexts[deviceID]
	if !ok {
		return types.DeviceContext{}, fmt.Errorf("workspace of device %s: %w", deviceID, ErrNotFound)
	}
	dc.LocationIDs = append([]string(nil), dc.LocationIDs...)
	return dc, nil
}

func (m *Memory) FindFilter(_ context.Context, deviceID, sensorType string) (types.Filter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.filters[filterKey(deviceID, sensorType)]
	if !ok {
		return types.Filter{}, fmt.Errorf("filter %s for device %s: %w", sensorType, deviceID, ErrNotFound)
	}
	return f, nil
}

func (m *Memory) InsertData(_ context.Context, data []types.Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertErr != nil {
		return m.InsertErr
	}
	for i := range data {
		if data[i].ID == "" {
			data[i].ID = uuid.NewString()
		}
	}
	m.data = append(m.data, data...)
	return nil
}

func (m *Memory) InsertNotifications(_ context.Context, notifications []types.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertErr != nil {
		return m.InsertErr
	}
	for i := range notifications {
		if notifications[i].ID == "" {
			notifications[i].ID = uuid.NewString()
		}
	}
	m.notifications = append(m.notifications, notifications...)
	return nil
}

func (m *Memory) ClientByTenant(_ context.Context, tenantID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.tenants[tenantID]
	if !ok {
		return "", fmt.Errorf("client of tenant %s: %w", tenantID, ErrNotFound)
	}
	return id, nil
}

func (m *Memory) CreateDevice(_ context.Context, device types.Device) (string, error) {
	device.ID = uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[device.ID] = device
	return device.ID, nil
}

func (m *Memory) InsertFilters(_ context.Context, filters []types.Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertErr != nil {
		return m.InsertErr
	}
	for _, f := range filters {
		m.filters[filterKey(f.DeviceID, f.SensorType)] = f
	}
	return nil
}

func (m *Memory) TouchDevice(_ context.Context, serial string, at time.Time) error {
	return m.updateBySerial(serial, func(d *types.Device) { d.LastConnection = at })
}

func (m *Memory) SetSensorsStatus(_ context.Context, serial, status string) error {
	return m.updateBySerial(serial, func(d *types.Device) { d.SensorsStatus = status })
}

func (m *Memory) updateBySerial(serial string, fn func(*types.Device)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.devices {
		if d.Serial == serial {
			fn(&d)
			m.devices[id] = d
			return nil
		}
	}
	return fmt.Errorf("device %s: %w", serial, ErrNotFound)
}

func (m *Memory) Close(context.Context) error { return nil }

// Data returns a copy of every persisted reading.
func (m *Memory) Data() []types.Data {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Data(nil), m.data...)
}

// Notifications returns a copy of every persisted alert.
func (m *Memory) Notifications() []types.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Notification(nil), m.notifications...)
}

// Filters returns the filters of one device.
func (m *Memory) Filters(deviceID string) []types.Filter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Filter
	for _, f := range m.filters {
		if f.DeviceID == deviceID {
			out = append(out, f)
		}
	}
	return out
}
