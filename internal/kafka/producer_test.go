package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"wiogate/internal/metrics"
	"wiogate/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	errs    []error
	batches [][]kafka.Message
	closed  bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.batches = append(w.batches, msgs)
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		return err
	}
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func newTestProducer(config *types.KafkaConfig, w *fakeWriter, m *metrics.Metrics) *Producer {
	p := NewProducer(config, zap.NewNop(), m)
	p.writer = w
	p.retryBackoff = time.Millisecond
	return p
}

func sampleData() []types.Data {
	return []types.Data{
		{ID: "d1", SensorType: "temperature", Value: 21.5, DeviceID: "dev-1"},
		{ID: "d2", SensorType: "humidity", Value: 40, DeviceID: "dev-2"},
	}
}

func TestExportKeysByDevice(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)
	w := &fakeWriter{}
	p := newTestProducer(&types.KafkaConfig{TopicPrefix: "site"}, w, m)

	require.NoError(t, p.Export(context.Background(), sampleData()))
	require.Len(t, w.batches, 1)
	batch := w.batches[0]
	require.Len(t, batch, 2)
	assert.Equal(t, "site.telemetry", batch[0].Topic)
	assert.Equal(t, "dev-1", string(batch[0].Key))
	assert.Equal(t, "dev-2", string(batch[1].Key))

	var decoded types.Data
	require.NoError(t, json.Unmarshal(batch[0].Value, &decoded))
	assert.Equal(t, "temperature", decoded.SensorType)
	assert.Equal(t, 21.5, decoded.Value)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Exports.WithLabelValues("ok")))
	assert.NoError(t, p.Export(context.Background(), nil))
	assert.Len(t, w.batches, 1)
}

func TestExportFailureIsCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)
	w := &fakeWriter{errs: []error{errors.New("broker down")}}
	p := newTestProducer(&types.KafkaConfig{}, w, m)

	err := p.Export(context.Background(), sampleData())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Exports.WithLabelValues("error")))
	assert.Equal(t, "wiogate.telemetry", p.Topic())
}

func TestUnknownTopicIsCreatedOnce(t *testing.T) {
	w := &fakeWriter{errs: []error{kafka.UnknownTopicOrPartition}}
	p := newTestProducer(&types.KafkaConfig{AutoCreateTopics: true}, w, nil)
	var created []string
	p.createTopic = func(_ context.Context, topic string) error {
		created = append(created, topic)
		return nil
	}

	require.NoError(t, p.Export(context.Background(), sampleData()))
	assert.Equal(t, []string{"wiogate.telemetry"}, created)
	assert.Len(t, w.batches, 2)

	w.errs = []error{kafka.UnknownTopicOrPartition}
	require.NoError(t, p.Export(context.Background(), sampleData()))
	assert.Len(t, created, 1)
}

func TestUnknownTopicWithoutAutoCreate(t *testing.T) {
	w := &fakeWriter{errs: []error{kafka.UnknownTopicOrPartition}}
	p := newTestProducer(&types.KafkaConfig{}, w, nil)
	p.createTopic = func(context.Context, string) error {
		t.Fatal("topic creation must not run")
		return nil
	}

	err := p.Export(context.Background(), sampleData())
	assert.ErrorIs(t, err, kafka.UnknownTopicOrPartition)
	assert.Len(t, w.batches, 1)
}

func TestConnectAndClose(t *testing.T) {
	p := NewProducer(&types.KafkaConfig{}, zap.NewNop(), nil)
	assert.Error(t, p.Connect())
	assert.Error(t, p.WriteMessages(context.Background(), nil))
	assert.NoError(t, p.Close())

	p = NewProducer(&types.KafkaConfig{Brokers: []string{"localhost:9092"}}, zap.NewNop(), nil)
	require.NoError(t, p.Connect())
	assert.NotNil(t, p.writer)
	assert.NoError(t, p.Close())

	w := &fakeWriter{}
	p = newTestProducer(&types.KafkaConfig{}, w, nil)
	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}
