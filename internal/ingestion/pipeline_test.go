package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"wiogate/internal/store"
	"wiogate/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sent struct {
	workspace string
	message   string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (n *fakeNotifier) SendMessage(workspaceID, message string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{workspaceID, message})
	return 1
}

func (n *fakeNotifier) messages() []sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sent(nil), n.sent...)
}

type fakeExporter struct {
	batches [][]types.Data
	err     error
}

func (e *fakeExporter) Export(_ context.Context, data []types.Data) error {
	e.batches = append(e.batches, data)
	return e.err
}

const (
	serial      = "SN-0001"
	workspaceID = "W1"
)

func newPipeline(t *testing.T) (*Pipeline, *store.Memory, *fakeNotifier, string) {
	t.Helper()
	mem := store.NewMemory()
	id := mem.AddDevice(types.Device{Serial: serial}, types.DeviceContext{WorkspaceID: workspaceID, LocationIDs: []string{"L1", "L2"}})
	require.NoError(t, mem.InsertFilters(context.Background(), []types.Filter{
		{DeviceID: id, SensorType: "temperature", MinValue: 0, MaxValue: 10},
		{DeviceID: id, SensorType: "humidity", MinValue: 0, MaxValue: 10},
	}))
	notifier := &fakeNotifier{}
	return NewPipeline(mem, notifier, zap.NewNop()), mem, notifier, id
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func ptr[T any](v T) *T { return &v }

func TestIngestCountsDataAndAlerts(t *testing.T) {
	p, mem, notifier, id := newPipeline(t)

	msg := types.DeviceMessage{
		DeviceID:  serial,
		Timestamp: 1700000000000,
		Sensors: []types.SensorReading{
			{Type: "temperature", Unit: ptr("ºC"), Average: ptr(5.0)},
			{Type: "humidity", Average: ptr(15.0)},
		},
	}
	require.NoError(t, p.Ingest(context.Background(), encode(t, msg)))

	data := mem.Data()
	require.Len(t, data, 2)
	assert.Equal(t, "ºC", data[0].Unit)
	assert.Equal(t, "N/A", data[1].Unit)
	for _, d := range data {
		assert.Equal(t, id, d.DeviceID)
		assert.Equal(t, "ok", d.Status)
		assert.Equal(t, []string{"L1", "L2"}, d.LocationIDs)
		assert.Equal(t, time.UnixMilli(1700000000000).UTC(), d.Timestamp)
	}

	notes := mem.Notifications()
	require.Len(t, notes, 1)
	n := notes[0]
	assert.Equal(t, "alert", n.Type)
	assert.Equal(t, "high", n.Severity)
	assert.Equal(t, workspaceID, n.WorkspaceID)
	assert.Equal(t, "the sensor humidity 15 is out of the average limit. device "+id, n.Message)
	assert.NotEmpty(t, n.ID)

	out := notifier.messages()
	require.Len(t, out, 1)
	assert.Equal(t, workspaceID, out[0].workspace)
	var env types.Envelope
	require.NoError(t, json.Unmarshal([]byte(out[0].message), &env))
	assert.Equal(t, types.EnvelopeNotification, env.Type)
	var decoded types.Notification
	require.NoError(t, json.Unmarshal([]byte(env.Data), &decoded))
	assert.Equal(t, n.ID, decoded.ID)
	assert.Equal(t, n.Message, decoded.Message)
}

func TestIngestEveryValueKind(t *testing.T) {
	p, mem, _, _ := newPipeline(t)

	msg := types.DeviceMessage{
		DeviceID:  serial,
		Timestamp: 3000,
		Sensors: []types.SensorReading{{
			Type:    "temperature",
			Min:     &types.MinMaxValue{Value: -1, Timestamp: 1000},
			Max:     &types.MinMaxValue{Value: 11, Timestamp: 2000},
			Average: ptr(5.0),
			Values:  []types.MinMaxValue{{Value: 3, Timestamp: 2500}, {Value: 20, Timestamp: 2600}},
		}},
	}
	require.NoError(t, p.Ingest(context.Background(), encode(t, msg)))

	data := mem.Data()
	require.Len(t, data, 5)
	assert.Equal(t, time.UnixMilli(1000).UTC(), data[0].Timestamp)
	assert.Equal(t, time.UnixMilli(2000).UTC(), data[1].Timestamp)
	assert.Equal(t, time.UnixMilli(3000).UTC(), data[2].Timestamp)
	assert.Equal(t, time.UnixMilli(3000).UTC(), data[3].Timestamp)
	assert.Equal(t, time.UnixMilli(3000).UTC(), data[4].Timestamp)

	notes := mem.Notifications()
	require.Len(t, notes, 3)
	assert.Contains(t, notes[0].Message, "out of the min limit")
	assert.Contains(t, notes[1].Message, "out of the max limit")
	assert.Contains(t, notes[2].Message, "20 is out of the value limit")
	assert.Equal(t, time.UnixMilli(2600).UTC(), notes[2].Timestamp)
}

func TestIngestWithoutFilterStillPersists(t *testing.T) {
	p, mem, notifier, _ := newPipeline(t)

	msg := types.DeviceMessage{
		DeviceID: serial,
		Sensors:  []types.SensorReading{{Type: "co2", Average: ptr(9000.0)}},
	}
	require.NoError(t, p.Ingest(context.Background(), encode(t, msg)))
	assert.Len(t, mem.Data(), 1)
	assert.Empty(t, mem.Notifications())
	assert.Empty(t, notifier.messages())
}

func TestIngestAborts(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
		serial  string
	}{
		{name: "malformed", payload: `{"deviceId":`, wantErr: ErrDeserialization},
		{name: "missing device id", payload: `{"sensors":[]}`, wantErr: ErrDeserialization},
		{name: "unknown device", payload: `{"deviceId":"SN-9999","timestamp":1,"sensors":[{"type":"temperature","average":50}]}`, wantErr: ErrDeviceNotFound, serial: "SN-9999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, mem, notifier, _ := newPipeline(t)

			err := p.Ingest(context.Background(), []byte(tt.payload))
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.serial, SerialOf(err))
			assert.Empty(t, mem.Data())
			assert.Empty(t, mem.Notifications())
			assert.Empty(t, notifier.messages())
		})
	}
}

func TestIngestNoLocation(t *testing.T) {
	mem := store.NewMemory()
	mem.AddDevice(types.Device{Serial: "no-workspace"}, types.DeviceContext{})
	mem.AddDevice(types.Device{Serial: "no-location"}, types.DeviceContext{WorkspaceID: workspaceID})
	p := NewPipeline(mem, &fakeNotifier{}, zap.NewNop())

	for _, s := range []string{"no-workspace", "no-location"} {
		payload := encode(t, types.DeviceMessage{DeviceID: s, Sensors: []types.SensorReading{{Type: "t", Average: ptr(1.0)}}})
		err := p.Ingest(context.Background(), payload)
		assert.ErrorIs(t, err, ErrNoLocation, s)
	}
	assert.Empty(t, mem.Data())
}

func TestIngestPersistenceFailure(t *testing.T) {
	p, mem, notifier, _ := newPipeline(t)
	mem.InsertErr = errors.New("connection reset")

	payload := encode(t, types.DeviceMessage{DeviceID: serial, Sensors: []types.SensorReading{{Type: "temperature", Average: ptr(50.0)}}})
	err := p.Ingest(context.Background(), payload)
	require.ErrorIs(t, err, ErrPersistence)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Empty(t, notifier.messages())
}

// filterFailingStore fails every filter lookup.
type filterFailingStore struct {
	*store.Memory
	err error
}

func (s filterFailingStore) FindFilter(context.Context, string, string) (types.Filter, error) {
	return types.Filter{}, s.err
}

func TestIngestFilterLookupFailure(t *testing.T) {
	_, mem, notifier, _ := newPipeline(t)
	p := NewPipeline(filterFailingStore{Memory: mem, err: errors.New("server selection timeout")}, notifier, zap.NewNop())
	exporter := &fakeExporter{}
	p.WithExporter(exporter)

	payload := encode(t, types.DeviceMessage{DeviceID: serial, Sensors: []types.SensorReading{{Type: "temperature", Average: ptr(50.0)}}})
	err := p.Ingest(context.Background(), payload)
	require.ErrorIs(t, err, ErrPersistence)
	assert.Contains(t, err.Error(), "server selection timeout")
	assert.Equal(t, serial, SerialOf(err))

	assert.Empty(t, mem.Data())
	assert.Empty(t, mem.Notifications())
	assert.Empty(t, notifier.messages())
	assert.Empty(t, exporter.batches)
}

func TestIngestExportsPersistedData(t *testing.T) {
	p, _, _, _ := newPipeline(t)
	exporter := &fakeExporter{err: errors.New("kafka down")}
	p.WithExporter(exporter)

	payload := encode(t, types.DeviceMessage{DeviceID: serial, Sensors: []types.SensorReading{{Type: "temperature", Average: ptr(1.0)}}})
	require.NoError(t, p.Ingest(context.Background(), payload))
	require.Len(t, exporter.batches, 1)
	assert.Len(t, exporter.batches[0], 1)
	assert.NotEmpty(t, exporter.batches[0][0].ID)
}

func TestRealtimeMulticastsWithoutPersisting(t *testing.T) {
	p, mem, notifier, _ := newPipeline(t)

	msg := types.DeviceMessage{DeviceID: serial, Timestamp: 42, Sensors: []types.SensorReading{{Type: "temperature", Average: ptr(99.0)}}}
	require.NoError(t, p.Realtime(context.Background(), encode(t, msg)))

	assert.Empty(t, mem.Data())
	assert.Empty(t, mem.Notifications())
	out := notifier.messages()
	require.Len(t, out, 1)
	var env types.Envelope
	require.NoError(t, json.Unmarshal([]byte(out[0].message), &env))
	assert.Equal(t, types.EnvelopeSensorData, env.Type)
	var decoded types.DeviceMessage
	require.NoError(t, json.Unmarshal([]byte(env.Data), &decoded))
	assert.Equal(t, msg, decoded)

	err := p.Realtime(context.Background(), []byte(`{"deviceId":"SN-9999"}`))
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}
