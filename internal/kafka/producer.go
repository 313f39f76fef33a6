// Package kafka exports persisted telemetry to Kafka.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"wiogate/internal/metrics"
	"wiogate/pkg/types"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// TelemetrySuffix is appended to the configured prefix to name the export topic.
const TelemetrySuffix = "telemetry"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes telemetry records to Kafka.
type Producer struct {
	config  *types.KafkaConfig
	topic   string
	writer  messageWriter
	log     *zap.Logger
	metrics *metrics.Metrics

	// createTopic is swapped in tests.
	createTopic   func(ctx context.Context, topic string) error
	createdTopics map[string]bool
	topicMutex    sync.RWMutex
	retryBackoff  time.Duration
}

// NewProducer creates a producer. Call Connect before Export.
func NewProducer(config *types.KafkaConfig, logger *zap.Logger, m *metrics.Metrics) *Producer {
	prefix := config.TopicPrefix
	if prefix == "" {
		prefix = "wiogate"
	}
	p := &Producer{
		config:        config,
		topic:         prefix + "." + TelemetrySuffix,
		log:           logger.Named("kafka"),
		metrics:       m,
		createdTopics: make(map[string]bool),
		retryBackoff:  200 * time.Millisecond,
	}
	p.createTopic = p.createTopicOnBroker
	return p
}

// Topic is the export topic name.
func (p *Producer) Topic() string {
	return p.topic
}

// Connect builds the writer. Records are partitioned by key.
func (p *Producer) Connect() error {
	if len(p.config.Brokers) == 0 {
		return errors.New("no Kafka brokers configured")
	}

	transport := &kafka.Transport{}
	if p.useTLS() {
		tlsConfig, err := newTLSConfig(p.config, p.log)
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		transport.TLS = tlsConfig
	}

	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(p.config.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}

	p.log.Info("Kafka producer initialized", zap.Strings("brokers", p.config.Brokers), zap.String("topic", p.topic))
	return nil
}

// Export writes one message per record, keyed by device id. It implements
// the ingestion exporter.
func (p *Producer) Export(ctx context.Context, data []types.Data) error {
	if len(data) == 0 {
		return nil
	}
	messages := make([]*types.KafkaMessage, 0, len(data))
	for _, d := range data {
		msg, err := ConvertData(d, p.topic)
		if err != nil {
			p.metrics.ExportResult("encode_error")
			return err
		}
		messages = append(messages, msg)
	}

	if err := p.WriteMessages(ctx, messages); err != nil {
		p.metrics.ExportResult("error")
		return err
	}
	p.metrics.ExportResult("ok")
	return nil
}

// WriteMessages sends messages, creating the topic first when the broker
// does not know it and auto creation is enabled.
func (p *Producer) WriteMessages(ctx context.Context, messages []*types.KafkaMessage) error {
	if p.writer == nil {
		return errors.New("kafka producer is not connected")
	}
	kafkaMessages := make([]kafka.Message, len(messages))
	for i, msg := range messages {
		kafkaMessages[i] = kafka.Message{
			Topic: msg.Topic,
			Key:   []byte(msg.Key),
			Value: msg.Value,
		}
	}

	err := p.writer.WriteMessages(ctx, kafkaMessages...)
	if err == nil {
		return nil
	}
	if !isUnknownTopic(err) || !p.config.AutoCreateTopics {
		return fmt.Errorf("failed to write %d messages to Kafka: %w", len(messages), err)
	}

	topic := kafkaMessages[0].Topic
	if createErr := p.ensureTopic(ctx, topic); createErr != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, createErr)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i) * p.retryBackoff):
		}
		err = p.writer.WriteMessages(ctx, kafkaMessages...)
		if err == nil {
			return nil
		}
		if !isUnknownTopic(err) {
			break
		}
		p.log.Debug("Topic not available yet", zap.String("topic", topic), zap.Int("attempt", i+1))
	}
	return fmt.Errorf("failed to write messages to Kafka after topic creation: %w", err)
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	p.log.Info("Closing Kafka producer")
	return p.writer.Close()
}

func (p *Producer) useTLS() bool {
	return strings.EqualFold(p.config.Security.Protocol, "SSL")
}

func (p *Producer) ensureTopic(ctx context.Context, topic string) error {
	p.topicMutex.RLock()
	done := p.createdTopics[topic]
	p.topicMutex.RUnlock()
	if done {
		return nil
	}

	if err := p.createTopic(ctx, topic); err != nil {
		return err
	}

	p.topicMutex.Lock()
	p.createdTopics[topic] = true
	p.topicMutex.Unlock()
	return nil
}

func (p *Producer) createTopicOnBroker(ctx context.Context, topic string) error {
	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	if p.useTLS() {
		tlsConfig, err := newTLSConfig(p.config, p.log)
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		dialer.TLS = tlsConfig
	}

	broker := p.config.Brokers[0]
	if _, _, err := net.SplitHostPort(broker); err != nil {
		return fmt.Errorf("invalid broker address %s: %w", broker, err)
	}
	conn, err := dialer.DialContext(ctx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("failed to connect to Kafka broker %s: %w", broker, err)
	}
	defer conn.Close()

	p.log.Info("Creating Kafka topic",
		zap.String("topic", topic),
		zap.Int("partitions", p.config.DefaultPartitions),
		zap.Int("replication", p.config.ReplicationFactor))

	err = conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     p.config.DefaultPartitions,
		ReplicationFactor: p.config.ReplicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topic: %w", err)
	}
	return nil
}

func isUnknownTopic(err error) bool {
	return errors.Is(err, kafka.UnknownTopicOrPartition) ||
		strings.Contains(err.Error(), "Unknown Topic Or Partition")
}

// ConvertData wraps a reading as a Kafka message keyed by its device.
func ConvertData(d types.Data, topic string) (*types.KafkaMessage, error) {
	value, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reading to JSON: %w", err)
	}
	return &types.KafkaMessage{
		Key:   d.DeviceID,
		Value: value,
		Topic: topic,
	}, nil
}
