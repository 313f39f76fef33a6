package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.PublishResult("ok")
		m.BackupResult("ok")
		m.ResendResult("ok")
		m.InboundMessage("entry/data", true)
		m.SetBrokerState(1)
		m.HandlerOutcome("entry/data", "ok")
		m.ClientJoined()
		m.ClientLeft()
		m.MulticastResult("delivered")
		m.HandshakeResult("accepted")
		m.ExportResult("ok")
	})
}

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	m.PublishResult("ok")
	m.PublishResult("ok")
	m.PublishResult("backed_up")
	m.InboundMessage("entry/data", false)
	m.ClientJoined()
	m.ClientJoined()
	m.ClientLeft()
	m.SetBrokerState(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Publishes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Publishes.WithLabelValues("backed_up")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Inbound.WithLabelValues("entry/data", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Clients))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BrokerState))
}

func TestSeparateRegistriesDoNotConflict(t *testing.T) {
	assert.NotPanics(t, func() {
		New("test", prometheus.NewRegistry())
		New("test", prometheus.NewRegistry())
	})
}
