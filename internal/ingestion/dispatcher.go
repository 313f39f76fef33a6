package ingestion

import (
	"context"
	"time"

	"wiogate/internal/metrics"
	"wiogate/internal/mqtt"
	"wiogate/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HandleFunc processes one inbound payload.
type HandleFunc func(ctx context.Context, payload []byte) error

// Reporter publishes error reports to the broker.
type Reporter interface {
	Publish(topic string, payload any, qos byte, allowBackup bool) error
}

// Dispatcher runs handlers off the broker event loop, one goroutine per
// message, and reports their errors.
type Dispatcher struct {
	reporter  Reporter
	reportQoS byte
	timeout   time.Duration
	tasks     *errgroup.Group
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// outcomeOverloaded labels messages dropped because every slot was busy.
const outcomeOverloaded = "overloaded"

// NewDispatcher creates a dispatcher. At most config.MaxInFlight messages
// are processed at once; a message arriving while every slot is busy is
// dropped and counted so the broker event loop never blocks on a handler.
func NewDispatcher(reporter Reporter, config types.IngestionConfig, reportQoS byte, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	tasks := &errgroup.Group{}
	if config.MaxInFlight > 0 {
		tasks.SetLimit(config.MaxInFlight)
	}
	timeout := config.MessageTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		reporter:  reporter,
		reportQoS: reportQoS,
		timeout:   timeout,
		tasks:     tasks,
		log:       logger.Named("dispatcher"),
		metrics:   m,
	}
}

// Handler adapts fn into a broker handler named name.
func (d *Dispatcher) Handler(name string, fn HandleFunc) mqtt.Handler {
	return mqtt.HandlerFunc(func(payload []byte) {
		body := append([]byte(nil), payload...)
		started := d.tasks.TryGo(func() error {
			d.run(name, fn, body)
			return nil
		})
		if !started {
			d.metrics.HandlerOutcome(name, outcomeOverloaded)
			d.log.Warn("Dropped message, all handler slots busy",
				zap.String("handler", name), zap.Int("bytes", len(body)))
		}
	})
}

// Routes maps every device topic to its pipeline handler.
func (d *Dispatcher) Routes(p *Pipeline) map[string]mqtt.Handler {
	return map[string]mqtt.Handler{
		types.TopicRegistration:     d.Handler("registration", p.Register),
		types.TopicHeartbeat:        d.Handler("heartbeat", p.Heartbeat),
		types.TopicThreadsHeartbeat: d.Handler("threads_heartbeat", p.ThreadsHeartbeat),
		types.TopicData:             d.Handler("data", p.Ingest),
		types.TopicRealtimeData:     d.Handler("realtime", p.Realtime),
	}
}

// Wait blocks until every in-flight message has been handled.
func (d *Dispatcher) Wait() {
	_ = d.tasks.Wait()
}

func (d *Dispatcher) run(name string, fn HandleFunc, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := fn(ctx, payload)
	d.metrics.HandlerOutcome(name, outcome(err))
	if err == nil {
		return
	}

	d.log.Warn("Handler failed", zap.String("handler", name), zap.Error(err))
	d.report(err)
}

func (d *Dispatcher) report(err error) {
	text := err.Error()
	if perr := d.reporter.Publish(types.TopicReports, text, d.reportQoS, true); perr != nil {
		d.log.Warn("Failed to publish report", zap.String("topic", types.TopicReports), zap.Error(perr))
	}
	if serial := SerialOf(err); serial != "" {
		topic := types.DeviceReportTopic(serial)
		if perr := d.reporter.Publish(topic, text, d.reportQoS, true); perr != nil {
			d.log.Warn("Failed to publish report", zap.String("topic", topic), zap.Error(perr))
		}
	}
}
